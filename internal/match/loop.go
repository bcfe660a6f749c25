package match

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/DoyleJ11/quiz-sync/internal/decode"
	"github.com/DoyleJ11/quiz-sync/internal/engine"
	"github.com/DoyleJ11/quiz-sync/pkg/types"
)

type Msg interface{ isMatchMsg() }

type Join struct {
	ClientID string
	Outbox   chan Snapshot
}

type Leave struct{ ClientID string }

type AnimationDone struct{ PlayerID int64 }

type GetState struct {
	Reply chan View
}

type Shutdown struct{}

type matchFrame struct{ Raw []byte }

type chatFrame struct{ Raw []byte }

type tickMsg struct{ Gen int }

type graceMsg struct{ Gen int }

func (Join) isMatchMsg()          {}
func (Leave) isMatchMsg()         {}
func (AnimationDone) isMatchMsg() {}
func (GetState) isMatchMsg()      {}
func (Shutdown) isMatchMsg()      {}
func (matchFrame) isMatchMsg()    {}
func (chatFrame) isMatchMsg()     {}
func (tickMsg) isMatchMsg()       {}
func (graceMsg) isMatchMsg()      {}

type Snapshot struct {
	Version int
	State   engine.State
	Chat    []types.ChatMessage
}

type View struct {
	Version    int
	NumClients int
	State      engine.State
	Chat       []types.ChatMessage
}

func (b *Battle) loop() {
	defer close(b.done)
	for {
		select {
		case <-b.ctx.Done():
			b.shutdown()
			return

		case m := <-b.inbox:
			switch msg := m.(type) {
			case Join:
				b.clients[msg.ClientID] = msg.Outbox
				select {
				case msg.Outbox <- b.snapshot():
				default:
					close(msg.Outbox)
					delete(b.clients, msg.ClientID)
				}

			case Leave:
				delete(b.clients, msg.ClientID)

			case matchFrame:
				ev, err := decode.Match(msg.Raw)
				if err != nil {
					b.log.Debug("dropping match frame", zap.Error(err))
					break
				}
				b.apply(engine.Command{Type: engine.CmdServerEvent, Event: ev})

			case chatFrame:
				b.handleChat(msg.Raw)

			case AnimationDone:
				b.apply(engine.Command{Type: engine.CmdAnimationComplete, PlayerID: msg.PlayerID})

			case tickMsg:
				if msg.Gen != b.tickGen {
					break
				}
				if b.apply(engine.Command{Type: engine.CmdTick}) && b.state.Phase == engine.PhaseQuestionActive {
					b.armTick()
				}

			case graceMsg:
				if msg.Gen != b.graceGen {
					break
				}
				b.apply(engine.Command{Type: engine.CmdClearQuestion})

			case GetState:
				msg.Reply <- View{
					Version:    b.version,
					NumClients: len(b.clients),
					State:      b.state.Clone(),
					Chat:       append([]types.ChatMessage(nil), b.chat...),
				}

			case Shutdown:
				b.shutdown()
				return
			}
		}
	}
}

// apply runs one command through the engine and reacts to what it emitted.
// It reports whether the state changed.
func (b *Battle) apply(cmd engine.Command) bool {
	events, next, err := engine.Apply(b.state, cmd)
	if err != nil {
		switch {
		case errors.Is(err, engine.ErrDuplicateQuestion),
			errors.Is(err, engine.ErrAlreadyStarted),
			errors.Is(err, engine.ErrMatchOver),
			errors.Is(err, engine.ErrNoActiveQuestion),
			errors.Is(err, engine.ErrStaleClear):
			b.log.Debug("ignored", zap.String("command", string(cmd.Type)), zap.Error(err))
		default:
			b.log.Warn("command rejected", zap.String("command", string(cmd.Type)), zap.Error(err))
		}
		return false
	}

	b.state = next
	for _, ev := range events {
		switch ev.Type {
		case engine.EvtQuestionStarted:
			b.stopGrace()
			b.armTick()
		case engine.EvtCountdownExpired, engine.EvtCountdownStopped:
			b.stopTick()
			b.armGrace()
		case engine.EvtMatchEnded:
			b.stopTick()
			b.stopGrace()
			b.log.Info("match ended", zap.Int64("winner", ev.PlayerID))
			b.record(next)
		}
	}
	b.version++
	b.broadcast(b.snapshot())
	return true
}

func (b *Battle) handleChat(raw []byte) {
	msg, err := decode.Chat(raw)
	if err != nil {
		b.log.Debug("dropping chat frame", zap.Error(err))
		return
	}
	if !b.guard.Accept(msg.Sender, msg.Content) {
		b.log.Debug("duplicate chat dropped", zap.String("sender", msg.Sender))
		return
	}
	b.chat = append(b.chat, msg)
	if over := len(b.chat) - b.opts.TranscriptSize; over > 0 {
		b.chat = append([]types.ChatMessage(nil), b.chat[over:]...)
	}
	b.version++
	b.broadcast(b.snapshot())
}

// armTick schedules the next countdown tick. Bumping the generation makes
// any tick already in flight a no-op.
func (b *Battle) armTick() {
	b.stopTick()
	gen := b.tickGen
	b.tickTimer = time.AfterFunc(b.opts.Tick, func() { b.post(tickMsg{Gen: gen}) })
}

func (b *Battle) stopTick() {
	b.tickGen++
	if b.tickTimer != nil {
		b.tickTimer.Stop()
		b.tickTimer = nil
	}
}

func (b *Battle) armGrace() {
	b.stopGrace()
	gen := b.graceGen
	b.graceTimer = time.AfterFunc(b.opts.Grace, func() { b.post(graceMsg{Gen: gen}) })
}

func (b *Battle) stopGrace() {
	b.graceGen++
	if b.graceTimer != nil {
		b.graceTimer.Stop()
		b.graceTimer = nil
	}
}

func (b *Battle) record(s engine.State) {
	if b.rec == nil || s.WinnerID == nil {
		return
	}
	r := Result{
		RoomID:         b.roomID,
		SelfID:         s.SelfID,
		OpponentID:     s.Opponent.ID,
		WinnerID:       *s.WinnerID,
		SelfScore:      s.Self.Score,
		OpponentScore:  s.Opponent.Score,
		SelfHealth:     s.Self.Health,
		OpponentHealth: s.Opponent.Health,
		EndedAt:        time.Now().UTC(),
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(b.ctx), recordTimeout)
		defer cancel()
		if err := b.rec.RecordMatch(ctx, r); err != nil {
			b.log.Error("recording match failed", zap.Error(err))
		}
	}()
}

func (b *Battle) snapshot() Snapshot {
	return Snapshot{
		Version: b.version,
		State:   b.state.Clone(),
		Chat:    append([]types.ChatMessage(nil), b.chat...),
	}
}

func (b *Battle) broadcast(snap Snapshot) {
	for id, ch := range b.clients {
		select {
		case ch <- snap:
		default:
			// Client is slow/full - drop them.
			close(ch)
			delete(b.clients, id)
		}
	}
}

func (b *Battle) shutdown() {
	b.stopTick()
	b.stopGrace()
	for id, ch := range b.clients {
		close(ch)
		delete(b.clients, id)
	}
	b.cancel()
}
