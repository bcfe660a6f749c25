package dedup

import (
	"sync"
	"time"
)

// DefaultWindow is how long a (sender, content) pair is remembered.
const DefaultWindow = 2000 * time.Millisecond

type key struct {
	sender  string
	content string
}

// Guard drops free-text messages whose (sender, content) pair was already
// accepted less than Window ago. Structured game events do not go through it.
type Guard struct {
	mu     sync.Mutex
	window time.Duration
	now    func() time.Time
	seen   map[key]time.Time
}

func New(window time.Duration) *Guard {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Guard{
		window: window,
		now:    time.Now,
		seen:   make(map[key]time.Time),
	}
}

// WithClock swaps the time source. Tests only.
func (g *Guard) WithClock(now func() time.Time) *Guard {
	g.now = now
	return g
}

// Accept reports whether the message is new. Accepted messages refresh the
// key's timestamp; dropped ones leave it untouched.
func (g *Guard) Accept(sender, content string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	k := key{sender: sender, content: content}
	if last, ok := g.seen[k]; ok && now.Sub(last) < g.window {
		return false
	}
	g.seen[k] = now
	g.sweep(now)
	return true
}

// Reset forgets every key.
func (g *Guard) Reset() {
	g.mu.Lock()
	clear(g.seen)
	g.mu.Unlock()
}

func (g *Guard) sweep(now time.Time) {
	if len(g.seen) < 256 {
		return
	}
	for k, t := range g.seen {
		if now.Sub(t) >= g.window {
			delete(g.seen, k)
		}
	}
}
