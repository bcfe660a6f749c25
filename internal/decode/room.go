package decode

import (
	"encoding/json"
	"fmt"

	"github.com/DoyleJ11/quiz-sync/pkg/types"
)

type RoomTag string

const (
	RoomCreate  RoomTag = "CREATE"
	RoomUpdate  RoomTag = "UPDATE"
	RoomInfo    RoomTag = "INFO"
	RoomReady   RoomTag = "READY"
	RoomUnready RoomTag = "UNREADY"
	RoomKick    RoomTag = "KICK"
	RoomLeave   RoomTag = "LEAVE"
	RoomDelete  RoomTag = "DELETE"
	RoomStart   RoomTag = "START"
)

// RoomEvent is the closed set of events the room channel carries.
type RoomEvent interface{ isRoomEvent() }

// RoomSnapshot replaces the room wholesale. Defaulted names the fields the
// payload omitted and that were filled in.
type RoomSnapshot struct {
	Tag       RoomTag
	Room      types.RoomState
	Defaulted []string
}

// RoomDirty signals that membership or readiness changed; the delta itself is
// not trusted.
type RoomDirty struct {
	Tag     RoomTag
	RoomID  int64
	Subject int64
}

type RoomDeleted struct{ RoomID int64 }

type RoomStarted struct{ RoomID int64 }

func (RoomSnapshot) isRoomEvent() {}
func (RoomDirty) isRoomEvent()    {}
func (RoomDeleted) isRoomEvent()  {}
func (RoomStarted) isRoomEvent()  {}

type roomPayload struct {
	RoomID    int64            `json:"roomId"`
	MaxPeople int              `json:"maxPeople"`
	Status    types.RoomStatus `json:"status"`
	Host      types.Member     `json:"host"`
	Members   *[]types.Member  `json:"members"`
}

func Room(raw []byte) (RoomEvent, error) {
	env, err := Envelope(raw)
	if err != nil {
		return nil, err
	}

	switch tag := RoomTag(env.Event); tag {
	case RoomCreate, RoomUpdate, RoomInfo:
		room, defaulted, err := RoomState(env.Data)
		if err != nil {
			return nil, err
		}
		if room.RoomID == 0 {
			room.RoomID = env.RoomID
		}
		return RoomSnapshot{Tag: tag, Room: room, Defaulted: defaulted}, nil

	case RoomReady, RoomUnready, RoomKick, RoomLeave:
		var subject int64
		_ = json.Unmarshal(env.Data, &subject)
		return RoomDirty{Tag: tag, RoomID: env.RoomID, Subject: subject}, nil

	case RoomDelete:
		return RoomDeleted{RoomID: env.RoomID}, nil

	case RoomStart:
		return RoomStarted{RoomID: env.RoomID}, nil

	default:
		return nil, fmt.Errorf("%w: room %q", ErrUnknownEvent, env.Event)
	}
}

// RoomState decodes an authoritative room payload. A missing members list
// becomes empty and a host absent from members is added to it.
func RoomState(data []byte) (types.RoomState, []string, error) {
	var p roomPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return types.RoomState{}, nil, fmt.Errorf("%w: room payload: %v", ErrDecode, err)
	}

	var defaulted []string
	room := types.RoomState{
		RoomID:    p.RoomID,
		MaxPeople: p.MaxPeople,
		Status:    p.Status,
		Host:      p.Host,
		Members:   []types.Member{},
	}
	if p.Members != nil {
		room.Members = uniqueMembers(*p.Members)
	} else {
		defaulted = append(defaulted, "members")
	}
	if room.Status == "" {
		room.Status = types.RoomOpen
		defaulted = append(defaulted, "status")
	}
	if room.Host.MemberID != 0 {
		if _, ok := room.Member(room.Host.MemberID); !ok {
			room.Members = append(room.Members, room.Host)
			defaulted = append(defaulted, "members.host")
		}
	}
	return room, defaulted, nil
}

func uniqueMembers(in []types.Member) []types.Member {
	seen := make(map[int64]bool, len(in))
	out := make([]types.Member, 0, len(in))
	for _, m := range in {
		if seen[m.MemberID] {
			continue
		}
		seen[m.MemberID] = true
		out = append(out, m)
	}
	return out
}
