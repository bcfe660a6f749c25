package stompws

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/DoyleJ11/quiz-sync/internal/channel"
)

const (
	writeTimeout = 3 * time.Second
	maxFrameSize = 1 << 20
	minBackoff   = time.Second
	maxBackoff   = 30 * time.Second
)

type Options struct {
	URL   string
	Host  string
	Token string // sent as an Authorization header on CONNECT
}

type subscription struct {
	topic   string
	handler channel.Handler
}

// Channel speaks STOMP 1.2 over a websocket. A dropped connection is redialed
// with backoff and every live subscription is replayed on the new session,
// which is one of the ways frames get delivered twice.
type Channel struct {
	opts Options
	log  *zap.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	out       chan []byte
	connected bool
	closed    bool
	subs      map[string]subscription // subscription id -> topic/handler

	ctx    context.Context
	cancel context.CancelFunc
}

var _ channel.Channel = (*Channel)(nil)

func New(opts Options, log *zap.Logger) *Channel {
	ctx, cancel := context.WithCancel(context.Background())
	return &Channel{
		opts:   opts,
		log:    log.Named("stomp"),
		subs:   make(map[string]subscription),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Connect dials once and sends CONNECT. Connected flips to true when the
// broker answers with CONNECTED, so callers poll for it.
func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return channel.ErrClosed
	}
	c.mu.Unlock()

	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	go c.serve(conn)
	return nil
}

func (c *Channel) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := websocket.Dial(ctx, c.opts.URL, &websocket.DialOptions{
		Subprotocols: []string{"v12.stomp"},
		HTTPHeader:   c.authHeader(),
	})
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", c.opts.URL, err)
	}
	conn.SetReadLimit(maxFrameSize)

	kv := []string{"accept-version", "1.2", "host", c.opts.Host, "heart-beat", "0,0"}
	if c.opts.Token != "" {
		kv = append(kv, "Authorization", "Bearer "+c.opts.Token)
	}
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := conn.Write(wctx, websocket.MessageText, newFrame(cmdConnect, kv...).Encode()); err != nil {
		_ = conn.CloseNow()
		return nil, fmt.Errorf("send CONNECT: %w", err)
	}
	return conn, nil
}

func (c *Channel) authHeader() http.Header {
	if c.opts.Token == "" {
		return nil
	}
	h := http.Header{}
	h.Set("Authorization", "Bearer "+c.opts.Token)
	return h
}

// serve owns one websocket session: a writer goroutine drains the outbox
// and the reader loop dispatches MESSAGE frames until the socket fails.
func (c *Channel) serve(conn *websocket.Conn) {
	out := make(chan []byte, 64)
	c.mu.Lock()
	c.conn = conn
	c.out = out
	c.mu.Unlock()

	writeCtx, writeCancel := context.WithCancel(c.ctx)
	go func() {
		for {
			select {
			case <-writeCtx.Done():
				return
			case payload := <-out:
				ctx, cancel := context.WithTimeout(writeCtx, writeTimeout)
				err := conn.Write(ctx, websocket.MessageText, payload)
				cancel()
				if err != nil {
					c.log.Warn("write failed", zap.Error(err))
				}
			}
		}
	}()

	err := c.readLoop(conn)
	writeCancel()

	c.mu.Lock()
	c.connected = false
	c.conn = nil
	c.out = nil
	closed := c.closed
	c.mu.Unlock()

	if closed {
		return
	}
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		c.log.Info("connection closed by broker", zap.Error(err))
	default:
		c.log.Warn("connection lost", zap.Error(err))
	}
	c.reconnect()
}

func (c *Channel) readLoop(conn *websocket.Conn) error {
	for {
		_, data, err := conn.Read(c.ctx)
		if err != nil {
			return err
		}
		frames, err := parseFrames(data)
		if err != nil {
			c.log.Debug("dropping malformed frame", zap.Error(err))
		}
		for _, f := range frames {
			c.dispatch(f)
		}
	}
}

func (c *Channel) dispatch(f Frame) {
	switch f.Command {
	case cmdConnected:
		c.mu.Lock()
		c.connected = true
		resub := make(map[string]subscription, len(c.subs))
		for id, s := range c.subs {
			resub[id] = s
		}
		c.mu.Unlock()
		for id, s := range resub {
			c.enqueue(newFrame(cmdSubscribe, "id", id, "destination", s.topic, "ack", "auto").Encode())
		}
		c.log.Info("connected", zap.Int("resubscribed", len(resub)))

	case cmdMessage:
		id, _ := f.Header("subscription")
		c.mu.Lock()
		s, ok := c.subs[id]
		c.mu.Unlock()
		if !ok {
			dest, _ := f.Header("destination")
			c.log.Debug("message for unknown subscription", zap.String("subscription", id), zap.String("destination", dest))
			return
		}
		s.handler(f.Body)

	case cmdError:
		msg, _ := f.Header("message")
		c.log.Error("broker error", zap.String("message", msg), zap.ByteString("body", f.Body))

	case cmdReceipt:
	default:
		c.log.Debug("ignoring frame", zap.String("command", f.Command))
	}
}

func (c *Channel) reconnect() {
	backoff := minBackoff
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-time.After(backoff):
		}

		ctx, cancel := context.WithTimeout(c.ctx, 10*time.Second)
		conn, err := c.dial(ctx)
		cancel()
		if err == nil {
			go c.serve(conn)
			return
		}
		c.log.Warn("reconnect failed", zap.Duration("backoff", backoff), zap.Error(err))
		backoff = min(backoff*2, maxBackoff)
	}
}

func (c *Channel) enqueue(payload []byte) bool {
	c.mu.Lock()
	out := c.out
	c.mu.Unlock()
	if out == nil {
		return false
	}
	select {
	case out <- payload:
		return true
	default:
		c.log.Warn("outbox full, dropping frame")
		return false
	}
}

func (c *Channel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *Channel) Subscribe(topic string, h channel.Handler) (channel.Handle, error) {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return channel.Handle{}, channel.ErrNotConnected
	}
	id := uuid.NewString()
	c.subs[id] = subscription{topic: topic, handler: h}
	c.mu.Unlock()

	if !c.enqueue(newFrame(cmdSubscribe, "id", id, "destination", topic, "ack", "auto").Encode()) {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
		return channel.Handle{}, channel.ErrNotConnected
	}
	return channel.Handle{ID: id, Topic: topic}, nil
}

func (c *Channel) Unsubscribe(h channel.Handle) error {
	c.mu.Lock()
	_, ok := c.subs[h.ID]
	delete(c.subs, h.ID)
	c.mu.Unlock()
	if !ok {
		return channel.ErrUnknownHandle
	}
	// Nothing to tell the broker if the session is gone; the next session
	// will simply not resubscribe.
	c.enqueue(newFrame(cmdUnsubscribe, "id", h.ID).Encode())
	return nil
}

func (c *Channel) Publish(ctx context.Context, destination string, body []byte) error {
	if !c.Connected() {
		return channel.ErrNotConnected
	}
	f := newFrame(cmdSend, "destination", destination, "content-type", "application/json")
	f.Body = body
	if !c.enqueue(f.Encode()) {
		return errors.New("publish: outbox unavailable")
	}
	return nil
}

func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.connected = false
	conn := c.conn
	clear(c.subs)
	c.mu.Unlock()

	defer c.cancel()
	if conn == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	_ = conn.Write(ctx, websocket.MessageText, newFrame(cmdDisconnect).Encode())
	return conn.Close(websocket.StatusNormalClosure, "bye")
}
