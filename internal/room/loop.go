package room

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/DoyleJ11/quiz-sync/internal/decode"
	"github.com/DoyleJ11/quiz-sync/pkg/types"
)

type msg interface{ isRoomMsg() }

type ackMsg interface {
	msg
	withAck(chan struct{}) msg
}

type frameMsg struct {
	RoomID int64
	Raw    []byte
}

type enterMsg struct {
	RoomID int64
	ack    chan struct{}
}

type replaceMsg struct {
	RoomID int64
	Room   types.RoomState
	Reason string
	ack    chan struct{}
}

type resetMsg struct {
	ack chan struct{}
}

type loadingMsg struct{ On bool }

type watchdogMsg struct{ Gen int }

type leavingMsg struct{ RoomID int64 }

type leaveTimeoutMsg struct{ RoomID int64 }

type listenMsg struct {
	ID     string
	Outbox chan Snapshot
}

type unlistenMsg struct{ ID string }

type snapshotMsg struct {
	Reply chan Snapshot
}

type shutdownMsg struct{}

func (frameMsg) isRoomMsg()        {}
func (enterMsg) isRoomMsg()        {}
func (replaceMsg) isRoomMsg()      {}
func (resetMsg) isRoomMsg()        {}
func (loadingMsg) isRoomMsg()      {}
func (watchdogMsg) isRoomMsg()     {}
func (leavingMsg) isRoomMsg()      {}
func (leaveTimeoutMsg) isRoomMsg() {}
func (listenMsg) isRoomMsg()       {}
func (unlistenMsg) isRoomMsg()     {}
func (snapshotMsg) isRoomMsg()     {}
func (shutdownMsg) isRoomMsg()     {}

func (m enterMsg) withAck(a chan struct{}) msg   { m.ack = a; return m }
func (m replaceMsg) withAck(a chan struct{}) msg { m.ack = a; return m }
func (m resetMsg) withAck(a chan struct{}) msg   { m.ack = a; return m }

func ack(a chan struct{}) {
	if a != nil {
		close(a)
	}
}

func (s *Session) loop() {
	defer close(s.done)
	for {
		select {
		case <-s.ctx.Done():
			s.shutdown()
			return

		case m := <-s.inbox:
			switch msg := m.(type) {
			case frameMsg:
				s.handleFrame(msg)

			case enterMsg:
				s.resetLocal()
				s.roomID = msg.RoomID
				ack(msg.ack)

			case replaceMsg:
				if msg.RoomID == s.roomID {
					s.replace(msg.Room, msg.Reason)
				} else {
					s.log.Debug("dropping stale room fetch", zap.Int64("room", msg.RoomID), zap.Int64("current", s.roomID))
				}
				ack(msg.ack)

			case resetMsg:
				hadRoom := s.roomID != 0 || s.room != nil
				s.resetLocal()
				if hadRoom {
					s.publish()
				}
				ack(msg.ack)

			case loadingMsg:
				s.setLoading(msg.On)

			case watchdogMsg:
				if msg.Gen == s.loadingGen && s.loading {
					s.log.Warn("loading indicator stuck, clearing", zap.Duration("after", s.opts.Watchdog))
					s.loading = false
					s.publish()
				}

			case leavingMsg:
				if msg.RoomID == s.roomID && s.roomID != 0 {
					s.leaving = true
					id := msg.RoomID
					time.AfterFunc(s.opts.Watchdog, func() { s.post(leaveTimeoutMsg{RoomID: id}) })
				}

			case leaveTimeoutMsg:
				if s.leaving && msg.RoomID == s.roomID {
					s.log.Warn("no leave broadcast, leaving anyway", zap.Int64("room", msg.RoomID), zap.Duration("after", s.opts.Watchdog))
					s.depart(false)
				}

			case listenMsg:
				s.listeners[msg.ID] = msg.Outbox
				select {
				case msg.Outbox <- s.snapshot():
				default:
					close(msg.Outbox)
					delete(s.listeners, msg.ID)
				}

			case unlistenMsg:
				delete(s.listeners, msg.ID)

			case snapshotMsg:
				msg.Reply <- s.snapshot()

			case shutdownMsg:
				s.shutdown()
				return
			}
		}
	}
}

func (s *Session) handleFrame(m frameMsg) {
	if m.RoomID != s.roomID {
		s.log.Debug("dropping frame for a room we left", zap.Int64("room", m.RoomID))
		return
	}
	ev, err := decode.Room(m.Raw)
	if err != nil {
		s.log.Debug("dropping room frame", zap.Int64("room", m.RoomID), zap.Error(err))
		return
	}
	wasLoading := s.loading
	s.loading = false

	switch e := ev.(type) {
	case decode.RoomSnapshot:
		if len(e.Defaulted) > 0 {
			s.log.Warn("room payload defaulted", zap.Int64("room", m.RoomID), zap.Strings("fields", e.Defaulted))
		}
		if e.Room.RoomID != 0 && e.Room.RoomID != s.roomID {
			s.log.Debug("snapshot for another room", zap.Int64("room", e.Room.RoomID))
			return
		}
		e.Room.RoomID = s.roomID
		s.replace(e.Room, string(e.Tag))

	case decode.RoomDirty:
		if s.ownDeparture(e) {
			s.log.Info("left room", zap.Int64("room", s.roomID), zap.String("event", string(e.Tag)))
			s.depart(false)
			return
		}
		s.log.Debug("room changed, refetching", zap.String("event", string(e.Tag)), zap.Int64("subject", e.Subject))
		go s.refetch(s.roomID, string(e.Tag))
		if wasLoading {
			s.publish()
		}

	case decode.RoomDeleted:
		s.log.Info("room deleted by server", zap.Int64("room", s.roomID))
		s.depart(true)

	case decode.RoomStarted:
		s.started = true
		if s.room != nil {
			s.room.Status = types.RoomInProgress
		}
		s.publish()

	default:
		s.log.Debug("unhandled room event", zap.Any("event", e))
	}
}

// ownDeparture reports whether a LEAVE or KICK broadcast removes us.
func (s *Session) ownDeparture(e decode.RoomDirty) bool {
	if e.Tag != decode.RoomLeave && e.Tag != decode.RoomKick {
		return false
	}
	self := s.opts.MemberID
	if self != 0 && e.Subject == self {
		return true
	}
	return e.Tag == decode.RoomLeave && s.leaving && self == 0
}

// depart drops every subscription and forgets the room from inside the loop.
func (s *Session) depart(closed bool) {
	if err := s.reg.UnsubscribeAll(); err != nil {
		s.log.Warn("unsubscribe failed on departure", zap.Error(err))
	}
	if s.Lifecycle() == Active {
		_ = s.transition(Idle)
	}
	s.resetLocal()
	s.closedRoom = closed
	s.publish()
}

// refetch pulls the authoritative room after a delta event. It runs off the
// loop and hands the result back through the inbox.
func (s *Session) refetch(roomID int64, reason string) {
	ctx, cancel := context.WithTimeout(s.ctx, s.opts.FetchTimeout)
	defer cancel()
	room, err := s.remote().GetRoomInfo(ctx, roomID)
	if err != nil {
		s.log.Error("room refetch failed", zap.Int64("room", roomID), zap.String("reason", reason), zap.Error(err))
		return
	}
	s.post(replaceMsg{RoomID: roomID, Room: room, Reason: reason})
}

func (s *Session) replace(room types.RoomState, reason string) {
	r := room.Clone()
	s.room = &r
	s.closedRoom = r.Status == types.RoomClosed
	if r.Status == types.RoomInProgress {
		s.started = true
	}
	s.log.Debug("room replaced", zap.Int64("room", r.RoomID), zap.String("reason", reason), zap.Int("members", len(r.Members)))
	s.publish()
}

func (s *Session) setLoading(on bool) {
	if s.loading == on {
		return
	}
	s.loading = on
	s.loadingGen++
	if on {
		gen := s.loadingGen
		time.AfterFunc(s.opts.Watchdog, func() { s.post(watchdogMsg{Gen: gen}) })
	}
	s.publish()
}

func (s *Session) resetLocal() {
	s.roomID = 0
	s.room = nil
	s.loading = false
	s.loadingGen++
	s.started = false
	s.closedRoom = false
	s.leaving = false
}

func (s *Session) snapshot() Snapshot {
	snap := Snapshot{
		Version: s.version,
		Loading: s.loading,
		Started: s.started,
		Closed:  s.closedRoom,
	}
	if s.room != nil {
		r := s.room.Clone()
		snap.Room = &r
		snap.Users = Users(r)
	}
	return snap
}

func (s *Session) publish() {
	s.version++
	snap := s.snapshot()
	for id, ch := range s.listeners {
		select {
		case ch <- snap:
		default:
			close(ch)
			delete(s.listeners, id)
		}
	}
}

func (s *Session) shutdown() {
	for id, ch := range s.listeners {
		close(ch)
		delete(s.listeners, id)
	}
	s.cancel()
}
