package hub

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/DoyleJ11/quiz-sync/internal/room"
	"github.com/DoyleJ11/quiz-sync/pkg/types"
)

const DefaultStartTimeout = 10 * time.Second

// Follow drives battles from room snapshots: a started room gets its battle
// built and subscribed, and leaving the room drops it. A room the server
// deleted keeps its battle so the final state stays readable. Follow returns
// when snaps is closed or ctx ends.
func (h *Hub) Follow(ctx context.Context, snaps <-chan room.Snapshot, startTimeout time.Duration) {
	if startTimeout <= 0 {
		startTimeout = DefaultStartTimeout
	}
	var current int64
	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-snaps:
			if !ok {
				return
			}
			switch {
			case snap.Room == nil && !snap.Closed:
				if current != 0 {
					h.Remove(current)
					current = 0
				}

			case snap.Room != nil && snap.Started:
				id := snap.Room.RoomID
				if current != 0 && current != id {
					h.Remove(current)
				}
				current = id
				if !h.start(ctx, *snap.Room, startTimeout) {
					current = 0
				}
			}
		}
	}
}

func (h *Hub) start(ctx context.Context, r types.RoomState, timeout time.Duration) bool {
	roomID := r.RoomID
	e, ok := h.Ensure(r)
	if !ok {
		return false
	}
	if !e.Created {
		return true
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := e.Battle.Start(ctx); err != nil {
		h.log.Error("starting battle", zap.Int64("room", roomID), zap.Error(err))
		h.Remove(roomID)
		return false
	}
	return true
}
