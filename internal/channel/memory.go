package channel

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Published is one frame sent through Memory.Publish.
type Published struct {
	Destination string
	Body        []byte
}

// Memory is an in-process broker. It never drops or reorders on its own; tests
// use Deliver to replay, duplicate or reorder frames on purpose.
type Memory struct {
	mu        sync.Mutex
	connected bool
	closed    bool
	handlers  map[string]map[string]Handler // topic -> handle id -> handler
	published []Published

	// OnPublish, when set, is called after every publish outside the lock.
	OnPublish func(destination string, body []byte)
}

func NewMemory() *Memory {
	return &Memory{handlers: make(map[string]map[string]Handler)}
}

func (m *Memory) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.connected = true
	return nil
}

// SetConnected flips the connection flag without touching subscriptions.
func (m *Memory) SetConnected(v bool) {
	m.mu.Lock()
	m.connected = v
	m.mu.Unlock()
}

func (m *Memory) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *Memory) Subscribe(topic string, h Handler) (Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return Handle{}, ErrNotConnected
	}
	handle := Handle{ID: uuid.NewString(), Topic: topic}
	if m.handlers[topic] == nil {
		m.handlers[topic] = make(map[string]Handler)
	}
	m.handlers[topic][handle.ID] = h
	return handle, nil
}

func (m *Memory) Unsubscribe(h Handle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	hs, ok := m.handlers[h.Topic]
	if !ok {
		return ErrUnknownHandle
	}
	if _, ok := hs[h.ID]; !ok {
		return ErrUnknownHandle
	}
	delete(hs, h.ID)
	if len(hs) == 0 {
		delete(m.handlers, h.Topic)
	}
	return nil
}

func (m *Memory) Publish(ctx context.Context, destination string, body []byte) error {
	m.mu.Lock()
	if !m.connected {
		m.mu.Unlock()
		return ErrNotConnected
	}
	cp := append([]byte(nil), body...)
	m.published = append(m.published, Published{Destination: destination, Body: cp})
	hook := m.OnPublish
	m.mu.Unlock()

	if hook != nil {
		hook(destination, cp)
	}
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.connected = false
	clear(m.handlers)
	return nil
}

// Deliver pushes frame to every handler subscribed to topic, synchronously.
// It returns how many handlers received it.
func (m *Memory) Deliver(topic string, frame []byte) int {
	m.mu.Lock()
	hs := make([]Handler, 0, len(m.handlers[topic]))
	for _, h := range m.handlers[topic] {
		hs = append(hs, h)
	}
	m.mu.Unlock()

	for _, h := range hs {
		h(frame)
	}
	return len(hs)
}

// Subscribers counts transport-level subscriptions across all topics.
func (m *Memory) Subscribers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, hs := range m.handlers {
		n += len(hs)
	}
	return n
}

func (m *Memory) Published() []Published {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Published(nil), m.published...)
}
