package room

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/DoyleJ11/quiz-sync/internal/channel"
	"github.com/DoyleJ11/quiz-sync/internal/roomapi"
	"github.com/DoyleJ11/quiz-sync/pkg/types"
)

const (
	DefaultWatchdog     = 30 * time.Second
	DefaultFetchTimeout = 8 * time.Second
)

type Options struct {
	// TopicPrefix is joined with the room id, e.g. "/topic/room" -> "/topic/room/42".
	TopicPrefix  string
	WaitBudget   time.Duration
	PollInterval time.Duration
	Watchdog     time.Duration
	FetchTimeout time.Duration
	// MemberID is our own member id. When set, LEAVE and KICK broadcasts
	// naming us end the session and a pending leave ignores other members.
	MemberID int64
}

func (o Options) withDefaults() Options {
	if o.TopicPrefix == "" {
		o.TopicPrefix = "/topic/room"
	}
	if o.WaitBudget <= 0 {
		o.WaitBudget = channel.DefaultWaitBudget
	}
	if o.PollInterval <= 0 {
		o.PollInterval = channel.DefaultPollInterval
	}
	if o.Watchdog <= 0 {
		o.Watchdog = DefaultWatchdog
	}
	if o.FetchTimeout <= 0 {
		o.FetchTimeout = DefaultFetchTimeout
	}
	return o
}

// Session keeps one client's view of one room. Room data is owned by the
// loop goroutine; operations run on the caller's goroutine and hand their
// results to the loop through the inbox.
type Session struct {
	opts Options
	log  *zap.Logger

	mu        sync.Mutex
	api       roomapi.API
	reg       *channel.Registry
	lifecycle Lifecycle

	inbox  chan msg
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	// loop-owned
	roomID     int64
	room       *types.RoomState
	version    int
	loading    bool
	loadingGen int
	started    bool
	closedRoom bool
	leaving    bool
	listeners  map[string]chan Snapshot
}

func NewSession(parent context.Context, api roomapi.API, ch channel.Channel, opts Options, log *zap.Logger) *Session {
	ctx, cancel := context.WithCancel(parent)
	log = log.Named("room")
	s := &Session{
		opts:      opts.withDefaults(),
		log:       log,
		api:       api,
		reg:       channel.NewRegistry(ch, log),
		inbox:     make(chan msg, 64),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		listeners: make(map[string]chan Snapshot),
	}
	go s.loop()
	return s
}

// Rebind points the session at new API and channel handles without
// rebuilding it. Listeners stay registered.
func (s *Session) Rebind(api roomapi.API, ch channel.Channel) {
	s.mu.Lock()
	if api != nil {
		s.api = api
	}
	s.mu.Unlock()
	if ch != nil {
		s.reg.Rebind(ch)
	}
}

func (s *Session) Lifecycle() Lifecycle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lifecycle
}

// Subscriptions lists the live topics.
func (s *Session) Subscriptions() []string { return s.reg.Active() }

func (s *Session) remote() roomapi.API {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.api
}

func (s *Session) transition(to Lifecycle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !canTransition(s.lifecycle, to) {
		return fmt.Errorf("%w: %s -> %s", ErrBadTransition, s.lifecycle, to)
	}
	s.lifecycle = to
	return nil
}

func (s *Session) usable() error {
	switch s.Lifecycle() {
	case Closing, Closed:
		return ErrSessionClosed
	}
	return nil
}

func (s *Session) topic(roomID int64) string {
	return fmt.Sprintf("%s/%d", s.opts.TopicPrefix, roomID)
}

func (s *Session) CreateRoom(ctx context.Context, req roomapi.CreateRequest) (int64, error) {
	if err := s.usable(); err != nil {
		return 0, err
	}
	s.Cleanup()

	id, err := s.remote().CreateRoom(ctx, req)
	if err != nil {
		s.log.Error("create room failed", zap.String("title", req.Title), zap.Error(err))
		return 0, fmt.Errorf("%w: %w", ErrCreateFailed, err)
	}
	if err := s.enter(ctx, id); err != nil {
		return 0, err
	}
	s.log.Info("room created", zap.Int64("room", id))
	return id, nil
}

// JoinRoom enters roomID. With skipRemote the server-side join is assumed
// to have happened already and only the subscription and fetch run.
func (s *Session) JoinRoom(ctx context.Context, roomID int64, skipRemote bool) error {
	if err := s.usable(); err != nil {
		return err
	}
	s.Cleanup()

	if !skipRemote {
		if err := s.remote().JoinRoom(ctx, roomID); err != nil {
			s.log.Error("join room failed", zap.Int64("room", roomID), zap.Error(err))
			return fmt.Errorf("%w: %w", ErrJoinFailed, err)
		}
	}
	if err := s.enter(ctx, roomID); err != nil {
		return err
	}
	s.log.Info("room joined", zap.Int64("room", roomID), zap.Bool("remote", !skipRemote))
	return nil
}

func (s *Session) ConnectToRoom(ctx context.Context, roomID int64) error {
	return s.JoinRoom(ctx, roomID, true)
}

// subscriptionGuard releases a topic unless Keep is called before Release.
type subscriptionGuard struct {
	reg   *channel.Registry
	topic string
	kept  bool
}

func (g *subscriptionGuard) Keep() { g.kept = true }

func (g *subscriptionGuard) Release() {
	if g.kept || g.topic == "" {
		return
	}
	_ = g.reg.Unsubscribe(g.topic)
}

func (s *Session) enter(ctx context.Context, roomID int64) (err error) {
	guard := &subscriptionGuard{reg: s.reg}
	defer func() {
		guard.Release()
		if err != nil {
			s.Cleanup()
		}
	}()

	if err := s.reg.WaitConnected(ctx, s.opts.WaitBudget, s.opts.PollInterval); err != nil {
		s.log.Warn("channel never became active", zap.Int64("room", roomID), zap.Duration("budget", s.opts.WaitBudget))
		return fmt.Errorf("%w: %w", ErrSubscribeTimeout, err)
	}

	if !s.request(enterMsg{RoomID: roomID}) {
		return ErrSessionClosed
	}
	topic := s.topic(roomID)
	if _, err := s.reg.Subscribe(topic, func(frame []byte) {
		s.post(frameMsg{RoomID: roomID, Raw: frame})
	}); err != nil {
		return fmt.Errorf("%w: %w", ErrSubscribeTimeout, err)
	}
	guard.topic = topic

	fctx, cancel := context.WithTimeout(ctx, s.opts.FetchTimeout)
	defer cancel()
	room, err := s.remote().GetRoomInfo(fctx, roomID)
	if err != nil {
		s.log.Error("room info fetch failed", zap.Int64("room", roomID), zap.Error(err))
		return fmt.Errorf("%w: %w", ErrInfoFetchFailed, err)
	}
	if !s.request(replaceMsg{RoomID: roomID, Room: room, Reason: "enter"}) {
		return ErrSessionClosed
	}
	if err := s.transition(Active); err != nil {
		return err
	}
	guard.Keep()
	return nil
}

// LeaveRoom asks the server to remove us. On success the room stays in place
// until the LEAVE broadcast (or the watchdog) ends the session; on failure the
// session is torn down immediately.
func (s *Session) LeaveRoom(ctx context.Context, roomID int64) error {
	if err := s.usable(); err != nil {
		return err
	}
	s.post(leavingMsg{RoomID: roomID})
	err := s.action(ctx, "leave", roomID, func(ctx context.Context, api roomapi.API) error {
		return api.LeaveRoom(ctx, roomID)
	})
	if err != nil {
		s.Cleanup()
		return err
	}
	return nil
}

// KickUser resolves both nicknames from the current room; the member list
// only changes when the server broadcasts it.
func (s *Session) KickUser(ctx context.Context, roomID, hostID, targetID int64) error {
	room, err := s.current(roomID)
	if err != nil {
		return err
	}
	host, ok := room.Member(hostID)
	if !ok {
		return fmt.Errorf("%w: host %d", ErrUnknownMember, hostID)
	}
	if room.Host.MemberID != hostID {
		return fmt.Errorf("%w: %d", ErrNotHost, hostID)
	}
	target, ok := room.Member(targetID)
	if !ok {
		return fmt.Errorf("%w: target %d", ErrUnknownMember, targetID)
	}
	return s.action(ctx, "kick", roomID, func(ctx context.Context, api roomapi.API) error {
		return api.KickUser(ctx, roomID, host.Nickname, target.Nickname)
	})
}

// ToggleReady flips who's readiness based on the last broadcast status.
func (s *Session) ToggleReady(ctx context.Context, roomID, who int64) error {
	room, err := s.current(roomID)
	if err != nil {
		return err
	}
	m, ok := room.Member(who)
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownMember, who)
	}
	if m.Status == types.MemberReady {
		return s.action(ctx, "unready", roomID, func(ctx context.Context, api roomapi.API) error {
			return api.SetUnready(ctx, roomID, m.Nickname)
		})
	}
	return s.action(ctx, "ready", roomID, func(ctx context.Context, api roomapi.API) error {
		return api.SetReady(ctx, roomID, m.Nickname)
	})
}

func (s *Session) StartGame(ctx context.Context, roomID, hostID int64) error {
	room, err := s.current(roomID)
	if err != nil {
		return err
	}
	host, ok := room.Member(hostID)
	if !ok {
		return fmt.Errorf("%w: host %d", ErrUnknownMember, hostID)
	}
	return s.action(ctx, "start", roomID, func(ctx context.Context, api roomapi.API) error {
		return api.StartRoom(ctx, roomID, host.Nickname)
	})
}

func (s *Session) action(ctx context.Context, name string, roomID int64, call func(context.Context, roomapi.API) error) error {
	s.post(loadingMsg{On: true})
	if err := call(ctx, s.remote()); err != nil {
		s.post(loadingMsg{On: false})
		s.log.Warn("room action rejected", zap.String("action", name), zap.Int64("room", roomID), zap.Error(err))
		return fmt.Errorf("%w: %s: %w", ErrActionFailed, name, err)
	}
	s.log.Debug("room action sent", zap.String("action", name), zap.Int64("room", roomID))
	return nil
}

func (s *Session) current(roomID int64) (types.RoomState, error) {
	if err := s.usable(); err != nil {
		return types.RoomState{}, err
	}
	snap, ok := s.Snapshot()
	if !ok {
		return types.RoomState{}, ErrSessionClosed
	}
	if snap.Room == nil || snap.Room.RoomID != roomID {
		return types.RoomState{}, fmt.Errorf("%w: %d", ErrNotInRoom, roomID)
	}
	return *snap.Room, nil
}

// Cleanup drops every subscription and forgets the room. Listeners stay
// registered and receive an empty snapshot.
func (s *Session) Cleanup() {
	if err := s.reg.UnsubscribeAll(); err != nil {
		s.log.Warn("unsubscribe failed during cleanup", zap.Error(err))
	}
	s.request(resetMsg{})
	if s.Lifecycle() == Active {
		_ = s.transition(Idle)
	}
}

// Close cleans up, closes every listener outbox and stops the loop.
func (s *Session) Close() error {
	if err := s.transition(Closing); err != nil {
		return nil
	}
	s.Cleanup()
	s.post(shutdownMsg{})
	<-s.done
	return s.transition(Closed)
}

// Listen registers out for snapshots; the current one is sent right away.
// out should be buffered; a listener that falls behind is dropped and its
// channel closed.
func (s *Session) Listen(id string, out chan Snapshot) bool {
	return s.post(listenMsg{ID: id, Outbox: out})
}

func (s *Session) Unlisten(id string) {
	s.post(unlistenMsg{ID: id})
}

// Snapshot returns the current view. ok is false once the session is closed.
func (s *Session) Snapshot() (Snapshot, bool) {
	reply := make(chan Snapshot, 1)
	if !s.post(snapshotMsg{Reply: reply}) {
		return Snapshot{}, false
	}
	select {
	case snap := <-reply:
		return snap, true
	case <-s.done:
		return Snapshot{}, false
	}
}

func (s *Session) post(m msg) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.inbox <- m:
		return true
	case <-s.done:
		return false
	}
}

// request posts a message that carries its own ack and waits for the loop
// to have handled it.
func (s *Session) request(m ackMsg) bool {
	ack := make(chan struct{})
	if !s.post(m.withAck(ack)) {
		return false
	}
	select {
	case <-ack:
		return true
	case <-s.done:
		return false
	}
}
