package hub

import (
	"context"

	"go.uber.org/zap"

	"github.com/DoyleJ11/quiz-sync/internal/match"
	"github.com/DoyleJ11/quiz-sync/pkg/types"
)

// NewBattle builds (but does not start) the battle for a room. It must not
// block; subscribing happens after the hub hands the battle back.
type NewBattle func(parent context.Context, room types.RoomState) *match.Battle

type HubMsg interface{ isHubMsg() }

type Ensured struct {
	Battle  *match.Battle
	Created bool
}

type EnsureBattle struct {
	Room  types.RoomState
	Reply chan Ensured
}

type GetBattle struct {
	RoomID int64
	Reply  chan *match.Battle
}

type RemoveBattle struct {
	RoomID int64
}

// CurrentBattle replies with the most recently created battle still held.
type CurrentBattle struct {
	Reply chan *match.Battle
}

type ShutdownHub struct{}

func (EnsureBattle) isHubMsg()  {}
func (GetBattle) isHubMsg()     {}
func (RemoveBattle) isHubMsg()  {}
func (CurrentBattle) isHubMsg() {}
func (ShutdownHub) isHubMsg()   {}

// Hub owns the battles by room id. A client normally plays one room at a
// time but a lingering battle may still be closing when the next starts.
type Hub struct {
	inbox   chan HubMsg
	battles map[int64]*match.Battle
	current int64
	build   NewBattle
	log     *zap.Logger
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewHub(parent context.Context, build NewBattle, log *zap.Logger) *Hub {
	ctx, cancel := context.WithCancel(parent)
	h := &Hub{
		inbox:   make(chan HubMsg, 64),
		battles: make(map[int64]*match.Battle),
		build:   build,
		log:     log.Named("hub"),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go h.loop()
	return h
}

func (h *Hub) loop() {
	defer close(h.done)
	for {
		select {
		case <-h.ctx.Done():
			h.shutdown()
			return

		case m := <-h.inbox:
			switch msg := m.(type) {
			case EnsureBattle:
				id := msg.Room.RoomID
				if b := h.battles[id]; b != nil {
					msg.Reply <- Ensured{Battle: b}
					break
				}
				b := h.build(h.ctx, msg.Room)
				h.battles[id] = b
				h.current = id
				h.log.Info("battle created", zap.Int64("room", id), zap.Int("members", len(msg.Room.Members)))
				msg.Reply <- Ensured{Battle: b, Created: true}

			case GetBattle:
				msg.Reply <- h.battles[msg.RoomID] // may be nil

			case RemoveBattle:
				b := h.battles[msg.RoomID]
				if b == nil {
					break
				}
				delete(h.battles, msg.RoomID)
				if h.current == msg.RoomID {
					h.current = 0
				}
				// Close unsubscribes over the network; keep the hub responsive.
				go h.closeBattle(b)

			case CurrentBattle:
				msg.Reply <- h.battles[h.current]

			case ShutdownHub:
				h.shutdown()
				return
			}
		}
	}
}

func (h *Hub) closeBattle(b *match.Battle) {
	if err := b.Close(); err != nil {
		h.log.Warn("closing battle", zap.Int64("room", b.RoomID()), zap.Error(err))
	}
}

func (h *Hub) shutdown() {
	for id, b := range h.battles {
		h.closeBattle(b)
		delete(h.battles, id)
	}
	h.cancel()
}

func (h *Hub) post(m HubMsg) bool {
	select {
	case <-h.done:
		return false
	default:
	}
	select {
	case h.inbox <- m:
		return true
	case <-h.done:
		return false
	}
}

// Ensure returns the room's battle, building it on first use.
func (h *Hub) Ensure(room types.RoomState) (Ensured, bool) {
	reply := make(chan Ensured, 1)
	if !h.post(EnsureBattle{Room: room, Reply: reply}) {
		return Ensured{}, false
	}
	select {
	case e := <-reply:
		return e, true
	case <-h.done:
		return Ensured{}, false
	}
}

func (h *Hub) Get(roomID int64) *match.Battle {
	reply := make(chan *match.Battle, 1)
	if !h.post(GetBattle{RoomID: roomID, Reply: reply}) {
		return nil
	}
	select {
	case b := <-reply:
		return b
	case <-h.done:
		return nil
	}
}

func (h *Hub) Current() *match.Battle {
	reply := make(chan *match.Battle, 1)
	if !h.post(CurrentBattle{Reply: reply}) {
		return nil
	}
	select {
	case b := <-reply:
		return b
	case <-h.done:
		return nil
	}
}

func (h *Hub) Remove(roomID int64) { h.post(RemoveBattle{RoomID: roomID}) }

// Close stops every battle and the hub itself.
func (h *Hub) Close() {
	h.post(ShutdownHub{})
	<-h.done
}
