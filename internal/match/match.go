package match

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/DoyleJ11/quiz-sync/internal/channel"
	"github.com/DoyleJ11/quiz-sync/internal/dedup"
	"github.com/DoyleJ11/quiz-sync/internal/engine"
	"github.com/DoyleJ11/quiz-sync/internal/roomapi"
	"github.com/DoyleJ11/quiz-sync/pkg/types"
)

var ErrClosed = errors.New("match closed")
var ErrNoQuestion = errors.New("no question to answer")
var ErrEmptyMessage = errors.New("empty chat message")

const (
	DefaultTick           = time.Second
	DefaultGrace          = 3 * time.Second
	DefaultTranscriptSize = 200
	recordTimeout         = 5 * time.Second
)

type Options struct {
	MatchTopic     string // prefix, room id is appended
	ChatTopic      string
	AnswerDest     string
	ChatDest       string
	Tick           time.Duration
	Grace          time.Duration
	DedupWindow    time.Duration
	TranscriptSize int
	WaitBudget     time.Duration
	PollInterval   time.Duration
}

func (o Options) withDefaults() Options {
	if o.MatchTopic == "" {
		o.MatchTopic = "/topic/match"
	}
	if o.ChatTopic == "" {
		o.ChatTopic = "/topic/chat"
	}
	if o.AnswerDest == "" {
		o.AnswerDest = "/app/answer"
	}
	if o.ChatDest == "" {
		o.ChatDest = "/app/chat"
	}
	if o.Tick <= 0 {
		o.Tick = DefaultTick
	}
	if o.Grace <= 0 {
		o.Grace = DefaultGrace
	}
	if o.DedupWindow <= 0 {
		o.DedupWindow = dedup.DefaultWindow
	}
	if o.TranscriptSize <= 0 {
		o.TranscriptSize = DefaultTranscriptSize
	}
	if o.WaitBudget <= 0 {
		o.WaitBudget = channel.DefaultWaitBudget
	}
	if o.PollInterval <= 0 {
		o.PollInterval = channel.DefaultPollInterval
	}
	return o
}

// RosterFromRoom turns lobby members into roster entries. Health is left
// unset so players start at full health.
func RosterFromRoom(r types.RoomState) []types.RosterEntry {
	out := make([]types.RosterEntry, 0, len(r.Members)+1)
	seen := make(map[int64]bool, len(r.Members)+1)
	add := func(m types.Member) {
		if m.MemberID == 0 || seen[m.MemberID] {
			return
		}
		seen[m.MemberID] = true
		out = append(out, types.RosterEntry{MemberID: m.MemberID, Nickname: m.Nickname, MainCat: m.MainCat})
	}
	for _, m := range r.Members {
		add(m)
	}
	add(r.Host)
	return out
}

// Result is what gets persisted when a match ends.
type Result struct {
	RoomID         int64
	SelfID         int64
	OpponentID     int64
	WinnerID       int64
	SelfScore      int
	OpponentScore  int
	SelfHealth     int
	OpponentHealth int
	EndedAt        time.Time
}

// Recorder persists finished matches. It is optional.
type Recorder interface {
	RecordMatch(ctx context.Context, r Result) error
}

type Battle struct {
	roomID int64
	self   roomapi.Identity
	opts   Options
	reg    *channel.Registry
	guard  *dedup.Guard
	rec    Recorder
	log    *zap.Logger

	inbox  chan Msg
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	// loop-owned
	state      engine.State
	version    int
	clients    map[string]chan Snapshot
	chat       []types.ChatMessage
	tickGen    int
	tickTimer  *time.Timer
	graceGen   int
	graceTimer *time.Timer
}

// New builds a battle for roomID. roster seats the players up front so a
// battle joined after START can still resolve combat; it may be nil.
func New(parent context.Context, roomID int64, self roomapi.Identity, roster []types.RosterEntry, ch channel.Channel, opts Options, rec Recorder, log *zap.Logger) *Battle {
	ctx, cancel := context.WithCancel(parent)
	opts = opts.withDefaults()
	log = log.Named("match").With(zap.Int64("room", roomID))
	b := &Battle{
		roomID:  roomID,
		self:    self,
		opts:    opts,
		reg:     channel.NewRegistry(ch, log),
		guard:   dedup.New(opts.DedupWindow),
		rec:     rec,
		log:     log,
		inbox:   make(chan Msg, 64),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		state:   engine.NewSeatedState(self.MemberID, roster),
		clients: make(map[string]chan Snapshot),
	}
	go b.loop()
	return b
}

func (b *Battle) RoomID() int64 { return b.roomID }

func (b *Battle) matchTopic() string { return fmt.Sprintf("%s/%d", b.opts.MatchTopic, b.roomID) }
func (b *Battle) chatTopic() string  { return fmt.Sprintf("%s/%d", b.opts.ChatTopic, b.roomID) }

// Start waits for the channel and subscribes to the match and chat topics.
// Either both subscriptions are live afterwards or neither is.
func (b *Battle) Start(ctx context.Context) (err error) {
	defer func() {
		if err != nil {
			_ = b.reg.UnsubscribeAll()
		}
	}()
	if err := b.reg.WaitConnected(ctx, b.opts.WaitBudget, b.opts.PollInterval); err != nil {
		return fmt.Errorf("match channel: %w", err)
	}
	if _, err := b.reg.Subscribe(b.matchTopic(), func(raw []byte) { b.post(matchFrame{Raw: raw}) }); err != nil {
		return err
	}
	if _, err := b.reg.Subscribe(b.chatTopic(), func(raw []byte) { b.post(chatFrame{Raw: raw}) }); err != nil {
		return err
	}
	b.log.Info("match subscribed", zap.Strings("topics", b.reg.Active()))
	return nil
}

// SubmitAnswer publishes an answer check for the current question and
// returns. Whether it was right arrives later as QUIZ_RESULT.
func (b *Battle) SubmitAnswer(ctx context.Context, answer string) error {
	view, ok := b.View()
	if !ok {
		return ErrClosed
	}
	if view.State.Question == nil || view.State.Phase == engine.PhaseEnded {
		return ErrNoQuestion
	}
	body, err := json.Marshal(types.AnswerCheck{
		Content:    view.State.Question.Text,
		RoomID:     b.roomID,
		Sender:     b.self.Nickname,
		UserAnswer: answer,
		MemberID:   b.self.MemberID,
	})
	if err != nil {
		return err
	}
	dest := fmt.Sprintf("%s/%d", b.opts.AnswerDest, b.roomID)
	if err := b.reg.Publish(ctx, dest, body); err != nil {
		b.log.Warn("answer publish failed", zap.Error(err))
		return fmt.Errorf("publish answer: %w", err)
	}
	b.log.Debug("answer submitted", zap.Int64("quiz", view.State.Question.QuizID))
	return nil
}

func (b *Battle) SendChat(ctx context.Context, content string) error {
	if content == "" {
		return ErrEmptyMessage
	}
	body, err := json.Marshal(types.ChatMessage{
		Sender:   b.self.Nickname,
		Content:  content,
		MemberID: b.self.MemberID,
		RoomID:   b.roomID,
	})
	if err != nil {
		return err
	}
	dest := fmt.Sprintf("%s/%d", b.opts.ChatDest, b.roomID)
	if err := b.reg.Publish(ctx, dest, body); err != nil {
		return fmt.Errorf("publish chat: %w", err)
	}
	return nil
}

// AnimationComplete reports that the renderer finished playerID's attack or
// damage animation.
func (b *Battle) AnimationComplete(playerID int64) bool {
	return b.post(AnimationDone{PlayerID: playerID})
}

func (b *Battle) Join(clientID string, out chan Snapshot) bool {
	return b.post(Join{ClientID: clientID, Outbox: out})
}

func (b *Battle) Leave(clientID string) { b.post(Leave{ClientID: clientID}) }

func (b *Battle) View() (View, bool) {
	reply := make(chan View, 1)
	if !b.post(GetState{Reply: reply}) {
		return View{}, false
	}
	select {
	case v := <-reply:
		return v, true
	case <-b.done:
		return View{}, false
	}
}

// Close unsubscribes, stops the countdown and closes every client outbox.
func (b *Battle) Close() error {
	err := b.reg.UnsubscribeAll()
	b.post(Shutdown{})
	<-b.done
	b.guard.Reset()
	return err
}

func (b *Battle) post(m Msg) bool {
	select {
	case <-b.done:
		return false
	default:
	}
	select {
	case b.inbox <- m:
		return true
	case <-b.done:
		return false
	}
}
