package channel

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const (
	DefaultWaitBudget   = 3000 * time.Millisecond
	DefaultPollInterval = 100 * time.Millisecond
)

// Subscription is the registry's record of one live topic.
type Subscription struct {
	Topic  string
	handle Handle
	ch     Channel
	active bool
}

func (s *Subscription) Active() bool { return s != nil && s.active }

// Registry makes subscribe idempotent per topic on top of a Channel and tracks
// what is live so it can all be torn down at once.
type Registry struct {
	mu   sync.Mutex
	ch   Channel
	subs map[string]*Subscription
	log  *zap.Logger
}

func NewRegistry(ch Channel, log *zap.Logger) *Registry {
	return &Registry{
		ch:   ch,
		subs: make(map[string]*Subscription),
		log:  log.Named("subscriptions"),
	}
}

// Rebind points future subscribe/publish calls at a different channel.
// Subscriptions already live stay on the channel that created them until
// they are unsubscribed.
func (r *Registry) Rebind(ch Channel) {
	r.mu.Lock()
	r.ch = ch
	r.mu.Unlock()
}

func (r *Registry) channel() Channel {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ch
}

// Subscribe returns the existing subscription when topic is already active.
func (r *Registry) Subscribe(topic string, h Handler) (*Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if sub, ok := r.subs[topic]; ok && sub.active {
		r.log.Debug("already subscribed", zap.String("topic", topic))
		return sub, nil
	}

	handle, err := r.ch.Subscribe(topic, h)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}
	sub := &Subscription{Topic: topic, handle: handle, ch: r.ch, active: true}
	r.subs[topic] = sub
	r.log.Debug("subscribed", zap.String("topic", topic), zap.String("handle", handle.ID))
	return sub, nil
}

func (r *Registry) Unsubscribe(topic string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.unsubscribeLocked(topic)
}

func (r *Registry) unsubscribeLocked(topic string) error {
	sub, ok := r.subs[topic]
	if !ok {
		return nil
	}
	delete(r.subs, topic)
	sub.active = false
	if err := sub.ch.Unsubscribe(sub.handle); err != nil {
		return fmt.Errorf("unsubscribe %s: %w", topic, err)
	}
	r.log.Debug("unsubscribed", zap.String("topic", topic))
	return nil
}

// UnsubscribeAll drops every live topic. All topics are released even when
// some transport calls fail; the failures are combined.
func (r *Registry) UnsubscribeAll() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var err error
	for topic := range r.subs {
		err = multierr.Append(err, r.unsubscribeLocked(topic))
	}
	return err
}

// Active lists live topics in sorted order.
func (r *Registry) Active() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]string, 0, len(r.subs))
	for topic, sub := range r.subs {
		if sub.active {
			out = append(out, topic)
		}
	}
	sort.Strings(out)
	return out
}

func (r *Registry) Publish(ctx context.Context, destination string, body []byte) error {
	return r.channel().Publish(ctx, destination, body)
}

// WaitConnected polls the channel every interval until it reports connected,
// giving up after budget or when ctx ends.
func (r *Registry) WaitConnected(ctx context.Context, budget, interval time.Duration) error {
	if r.channel().Connected() {
		return nil
	}

	deadline := time.NewTimer(budget)
	defer deadline.Stop()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return ErrNotConnected
		case <-ticker.C:
			if r.channel().Connected() {
				return nil
			}
		}
	}
}
