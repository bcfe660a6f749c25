package room

import (
	"fmt"

	"github.com/DoyleJ11/quiz-sync/pkg/types"
)

type Lifecycle int

const (
	Idle Lifecycle = iota
	Active
	Closing
	Closed
)

func (l Lifecycle) String() string {
	switch l {
	case Idle:
		return "IDLE"
	case Active:
		return "ACTIVE"
	case Closing:
		return "CLOSING"
	case Closed:
		return "CLOSED"
	default:
		return fmt.Sprintf("Lifecycle(%d)", int(l))
	}
}

var transitions = map[Lifecycle][]Lifecycle{
	Idle:    {Idle, Active, Closing},
	Active:  {Idle, Active, Closing},
	Closing: {Closed},
	Closed:  {},
}

func canTransition(from, to Lifecycle) bool {
	for _, l := range transitions[from] {
		if l == to {
			return true
		}
	}
	return false
}

// UserStatus is the per-member view the lobby screen renders.
type UserStatus struct {
	MemberID int64              `json:"memberId"`
	Nickname string             `json:"nickname"`
	MainCat  string             `json:"mainCat,omitempty"`
	IsHost   bool               `json:"isHost"`
	IsReady  bool               `json:"isReady"`
	Status   types.MemberStatus `json:"status"`
}

// Users derives the member views from scratch; nothing is carried over from
// a previous room state.
func Users(r types.RoomState) []UserStatus {
	out := make([]UserStatus, 0, len(r.Members))
	for _, m := range r.Members {
		status := m.Status
		if status == "" {
			status = types.MemberNotReady
		}
		out = append(out, UserStatus{
			MemberID: m.MemberID,
			Nickname: m.Nickname,
			MainCat:  m.MainCat,
			IsHost:   m.MemberID == r.Host.MemberID,
			IsReady:  status == types.MemberReady,
			Status:   status,
		})
	}
	return out
}

// Snapshot is what listeners receive after every change.
type Snapshot struct {
	Version int
	Room    *types.RoomState
	Users   []UserStatus
	Loading bool
	Started bool
	Closed  bool
}
