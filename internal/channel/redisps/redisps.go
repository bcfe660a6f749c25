package redisps

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/DoyleJ11/quiz-sync/internal/channel"
)

// Channel maps topics onto Redis pub/sub channels. Each subscription gets its
// own PubSub so it can be torn down independently.
type Channel struct {
	rdb *redis.Client
	log *zap.Logger

	mu        sync.Mutex
	connected bool
	subs      map[string]*redis.PubSub // handle id -> pubsub

	ctx    context.Context
	cancel context.CancelFunc
}

var _ channel.Channel = (*Channel)(nil)

type Options struct {
	Addr     string
	Password string
	DB       int
}

func New(opts Options, log *zap.Logger) *Channel {
	return NewFromClient(redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	}), log)
}

func NewFromClient(rdb *redis.Client, log *zap.Logger) *Channel {
	ctx, cancel := context.WithCancel(context.Background())
	return &Channel{
		rdb:    rdb,
		log:    log.Named("redis"),
		subs:   make(map[string]*redis.PubSub),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (c *Channel) Connect(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	c.log.Info("connected to redis")
	return nil
}

func (c *Channel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *Channel) Subscribe(topic string, h channel.Handler) (channel.Handle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return channel.Handle{}, channel.ErrNotConnected
	}

	ps := c.rdb.Subscribe(c.ctx, topic)
	handle := channel.Handle{ID: uuid.NewString(), Topic: topic}
	c.subs[handle.ID] = ps

	go func() {
		for msg := range ps.Channel() {
			h([]byte(msg.Payload))
		}
		c.log.Debug("pubsub drained", zap.String("topic", topic))
	}()
	return handle, nil
}

func (c *Channel) Unsubscribe(h channel.Handle) error {
	c.mu.Lock()
	ps, ok := c.subs[h.ID]
	delete(c.subs, h.ID)
	c.mu.Unlock()
	if !ok {
		return channel.ErrUnknownHandle
	}
	return ps.Close()
}

func (c *Channel) Publish(ctx context.Context, destination string, body []byte) error {
	if !c.Connected() {
		return channel.ErrNotConnected
	}
	return c.rdb.Publish(ctx, destination, body).Err()
}

func (c *Channel) Close() error {
	c.mu.Lock()
	subs := c.subs
	c.subs = make(map[string]*redis.PubSub)
	c.connected = false
	c.mu.Unlock()

	for _, ps := range subs {
		_ = ps.Close()
	}
	c.cancel()
	return c.rdb.Close()
}
