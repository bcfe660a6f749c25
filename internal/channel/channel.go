package channel

import (
	"context"
	"errors"
)

var ErrNotConnected = errors.New("channel not connected")
var ErrUnknownHandle = errors.New("unknown subscription handle")
var ErrClosed = errors.New("channel closed")

// Handler receives raw text frames for one topic. Handlers run on the
// transport's delivery goroutine and must not block.
type Handler func(frame []byte)

// Handle identifies one transport subscription.
type Handle struct {
	ID    string
	Topic string
}

// Channel is the publish/subscribe transport. Delivery is at-least-once with
// no ordering guarantee across reconnects.
type Channel interface {
	Connect(ctx context.Context) error
	Connected() bool
	Subscribe(topic string, h Handler) (Handle, error)
	Unsubscribe(h Handle) error
	Publish(ctx context.Context, destination string, body []byte) error
	Close() error
}
