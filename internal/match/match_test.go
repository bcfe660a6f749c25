package match

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/DoyleJ11/quiz-sync/internal/channel"
	"github.com/DoyleJ11/quiz-sync/internal/engine"
	"github.com/DoyleJ11/quiz-sync/internal/roomapi"
	"github.com/DoyleJ11/quiz-sync/pkg/types"
)

const (
	matchTopic = "/topic/match/42"
	chatTopic  = "/topic/chat/42"
	startFrame = `{"event":"START","data":{"memberList":[{"memberId":7,"nickname":"neko","life":5},{"memberId":9,"nickname":"tora","life":5}]}}`
)

var me = roomapi.Identity{MemberID: 7, Nickname: "neko"}

type recorder struct {
	results chan Result
}

func (r *recorder) RecordMatch(ctx context.Context, res Result) error {
	r.results <- res
	return nil
}

// slow keeps the countdown and grace timers out of the way.
var slow = Options{Tick: time.Hour, Grace: time.Hour}

func newBattle(t *testing.T, opts Options, rec Recorder) (*Battle, *channel.Memory) {
	t.Helper()
	return newBattleIn(t, types.RoomState{RoomID: 42}, opts, rec)
}

// newBattleIn seats players from the room's members, the way a battle built
// after START is.
func newBattleIn(t *testing.T, room types.RoomState, opts Options, rec Recorder) (*Battle, *channel.Memory) {
	t.Helper()
	mem := channel.NewMemory()
	mem.SetConnected(true)
	b := New(context.Background(), room.RoomID, me, RosterFromRoom(room), mem, opts, rec, zaptest.NewLogger(t))
	t.Cleanup(func() { _ = b.Close() })
	require.NoError(t, b.Start(context.Background()))
	return b, mem
}

func view(t *testing.T, b *Battle) View {
	t.Helper()
	v, ok := b.View()
	require.True(t, ok, "battle closed")
	return v
}

func recvUntil(t *testing.T, ch <-chan Snapshot, within time.Duration, ok func(Snapshot) bool) Snapshot {
	t.Helper()
	deadline := time.After(within)
	for {
		select {
		case snap, open := <-ch:
			if !open {
				t.Fatalf("client outbox closed unexpectedly")
			}
			if ok(snap) {
				return snap
			}
		case <-deadline:
			t.Fatalf("timed out waiting for snapshot")
			return Snapshot{}
		}
	}
}

func question(text string, timer int) []byte {
	return []byte(fmt.Sprintf(`{"event":"MULTIPLE_QUIZ","data":{"quizId":1,"question":%q,"options":["a","b"],"timer":%d}}`, text, timer))
}

func chatFrameJSON(sender, content string) []byte {
	return []byte(fmt.Sprintf(`{"sender":%q,"content":%q}`, sender, content))
}

func TestStart_SubscribesMatchAndChat(t *testing.T) {
	b, mem := newBattle(t, slow, nil)
	assert.Equal(t, []string{chatTopic, matchTopic}, b.reg.Active())
	assert.Equal(t, 2, mem.Subscribers())

	require.NoError(t, b.Close())
	assert.Zero(t, mem.Subscribers())
}

func TestStart_TimeoutLeavesNoSubscriptions(t *testing.T) {
	mem := channel.NewMemory()
	b := New(context.Background(), 42, me, nil, mem, Options{WaitBudget: 30 * time.Millisecond, PollInterval: 5 * time.Millisecond}, nil, zaptest.NewLogger(t))
	defer b.Close()

	err := b.Start(context.Background())
	require.ErrorIs(t, err, channel.ErrNotConnected)
	assert.Zero(t, mem.Subscribers())
	assert.Empty(t, b.reg.Active())
}

func TestQuestion_ReplayDoesNotResetCountdown(t *testing.T) {
	b, mem := newBattle(t, slow, nil)
	mem.Deliver(matchTopic, []byte(startFrame))
	mem.Deliver(matchTopic, question("2+2?", 15))
	mem.Deliver(matchTopic, []byte(`{"event":"FIRST_HINT","data":"even"}`))
	before := view(t, b)
	require.Equal(t, engine.PhaseQuestionActive, before.State.Phase)

	// at-least-once delivery: same question again, once plainly and once
	// double-encoded
	mem.Deliver(matchTopic, question("2+2?", 15))
	raw, _ := json.Marshal(string(question("2+2?", 15)))
	mem.Deliver(matchTopic, raw)

	after := view(t, b)
	assert.Equal(t, before.Version, after.Version)
	assert.Equal(t, "even", after.State.FirstHint)
	assert.Equal(t, 15, after.State.RemainingTime)
}

func TestCombat_OneAttackDamagesTarget(t *testing.T) {
	b, mem := newBattle(t, slow, nil)
	mem.Deliver(matchTopic, []byte(startFrame))
	mem.Deliver(matchTopic, []byte(`{"event":"ONE_ATTACK","data":"{\"attackedMemberId\":7,\"memberList\":[{\"memberId\":7,\"life\":2},{\"memberId\":9,\"life\":4}]}"}`))

	s := view(t, b).State
	assert.Equal(t, 2, s.Self.Health)
	assert.Equal(t, engine.AnimDamage, s.Self.Animation)
	assert.Equal(t, 4, s.Opponent.Health)
	assert.Equal(t, engine.AnimAttack, s.Opponent.Animation)

	b.AnimationComplete(7)
	b.AnimationComplete(9)
	s = view(t, b).State
	assert.Equal(t, engine.AnimIdle, s.Self.Animation)
	assert.Equal(t, engine.AnimIdle, s.Opponent.Animation)

	mem.Deliver(matchTopic, []byte(`{"event":"ONE_ATTACK","data":{"attackedMemberId":7,"memberList":[{"memberId":7,"life":0},{"memberId":9,"life":4}]}}`))
	s = view(t, b).State
	assert.Equal(t, engine.AnimDead, s.Self.Animation)

	b.AnimationComplete(7)
	assert.Equal(t, engine.AnimDead, view(t, b).State.Self.Animation)
}

func inProgressRoom() types.RoomState {
	return types.RoomState{
		RoomID: 42,
		Status: types.RoomInProgress,
		Host:   types.Member{MemberID: 9, Nickname: "tora", MainCat: "calico"},
		Members: []types.Member{
			{MemberID: 9, Nickname: "tora", MainCat: "calico", Status: types.MemberReady},
			{MemberID: 7, Nickname: "neko", MainCat: "tabby", Status: types.MemberReady},
		},
	}
}

func TestRosterFromRoom(t *testing.T) {
	r := inProgressRoom()
	r.Members = r.Members[1:] // host missing from the member list

	got := RosterFromRoom(r)
	require.Len(t, got, 2)
	assert.Equal(t, types.RosterEntry{MemberID: 7, Nickname: "neko", MainCat: "tabby"}, got[0])
	assert.Equal(t, types.RosterEntry{MemberID: 9, Nickname: "tora", MainCat: "calico"}, got[1])
	assert.Empty(t, RosterFromRoom(types.RoomState{}))
}

func TestJoinedAfterStart_ResolvesCombatAndWinner(t *testing.T) {
	rec := &recorder{results: make(chan Result, 1)}
	b, mem := newBattleIn(t, inProgressRoom(), slow, rec)

	s := view(t, b).State
	assert.Equal(t, engine.Player{ID: 7, Name: "neko", CharacterType: "tabby", Health: engine.MaxHealth, Animation: engine.AnimIdle}, s.Self)
	assert.Equal(t, engine.Player{ID: 9, Name: "tora", CharacterType: "calico", Health: engine.MaxHealth, Animation: engine.AnimIdle}, s.Opponent)

	mem.Deliver(matchTopic, question("2+2?", 15))
	mem.Deliver(matchTopic, []byte(`{"event":"ONE_ATTACK","data":{"attackedMemberId":7,"memberList":[{"memberId":7,"life":2},{"memberId":9,"life":4}]}}`))
	s = view(t, b).State
	assert.Equal(t, 2, s.Self.Health)
	assert.Equal(t, engine.AnimDamage, s.Self.Animation)
	assert.Equal(t, 4, s.Opponent.Health)
	assert.Equal(t, engine.AnimAttack, s.Opponent.Animation)

	mem.Deliver(matchTopic, []byte(`{"event":"ONE_ATTACK","data":{"attackedMemberId":9,"memberList":[{"memberId":7,"life":2},{"memberId":9,"life":3}]}}`))
	s = view(t, b).State
	assert.Equal(t, engine.AnimAttack, s.Self.Animation)
	assert.Equal(t, engine.AnimDamage, s.Opponent.Animation)
	assert.Equal(t, 3, s.Opponent.Health)

	mem.Deliver(matchTopic, []byte(`{"event":"END","data":{"winnerId":7}}`))
	s = view(t, b).State
	assert.Equal(t, engine.AnimVictory, s.Self.Animation)
	assert.Equal(t, engine.AnimDead, s.Opponent.Animation)

	select {
	case res := <-rec.results:
		assert.Equal(t, int64(7), res.SelfID)
		assert.Equal(t, int64(9), res.OpponentID)
		assert.Equal(t, 2, res.SelfHealth)
		assert.Equal(t, 3, res.OpponentHealth)
	case <-time.After(time.Second):
		t.Fatal("match result was not recorded")
	}
}

func TestUnseatedBattle_SeatsFromFirstRoster(t *testing.T) {
	b, mem := newBattle(t, slow, nil)
	mem.Deliver(matchTopic, []byte(`{"event":"ONE_ATTACK","data":{"attackedMemberId":7,"memberList":[{"memberId":7,"life":2},{"memberId":9,"life":4}]}}`))

	s := view(t, b).State
	assert.Equal(t, int64(7), s.Self.ID)
	assert.Equal(t, 2, s.Self.Health)
	assert.Equal(t, engine.AnimDamage, s.Self.Animation)
	assert.Equal(t, int64(9), s.Opponent.ID)
	assert.Equal(t, 4, s.Opponent.Health)
	assert.Equal(t, engine.AnimAttack, s.Opponent.Animation)
}

func TestCountdown_ExpiresThenClearsAfterGrace(t *testing.T) {
	b, mem := newBattle(t, Options{Tick: 10 * time.Millisecond, Grace: 40 * time.Millisecond}, nil)
	out := make(chan Snapshot, 64)
	require.True(t, b.Join("ui", out))

	mem.Deliver(matchTopic, []byte(startFrame))
	mem.Deliver(matchTopic, question("capital of France", 3))

	expired := recvUntil(t, out, time.Second, func(s Snapshot) bool {
		return s.State.Phase == engine.PhaseAwaitingNext
	})
	assert.Zero(t, expired.State.RemainingTime)
	require.NotNil(t, expired.State.Question)

	cleared := recvUntil(t, out, time.Second, func(s Snapshot) bool { return s.State.Question == nil })
	assert.Equal(t, engine.PhaseAwaitingNext, cleared.State.Phase, "a timeout never ends the match")
}

func TestCountdown_NewQuestionCancelsGrace(t *testing.T) {
	b, mem := newBattle(t, Options{Tick: 10 * time.Millisecond, Grace: 60 * time.Millisecond}, nil)
	out := make(chan Snapshot, 64)
	b.Join("ui", out)

	mem.Deliver(matchTopic, []byte(startFrame))
	mem.Deliver(matchTopic, question("q1", 1))
	recvUntil(t, out, time.Second, func(s Snapshot) bool { return s.State.Phase == engine.PhaseAwaitingNext })

	mem.Deliver(matchTopic, question("q2", 100))
	time.Sleep(100 * time.Millisecond)

	s := view(t, b).State
	require.NotNil(t, s.Question)
	assert.Equal(t, "q2", s.Question.Text)
	assert.Equal(t, engine.PhaseQuestionActive, s.Phase)
}

func TestQuizResult_StopsCountdown(t *testing.T) {
	b, mem := newBattle(t, Options{Tick: 10 * time.Millisecond, Grace: time.Hour}, nil)
	mem.Deliver(matchTopic, []byte(startFrame))
	mem.Deliver(matchTopic, question("2+2?", 100))
	mem.Deliver(matchTopic, []byte(`{"event":"QUIZ_RESULT","data":{"answer":"4","correctMemberIds":[7],"memberList":[{"memberId":7,"life":5,"score":10}]}}`))

	v := view(t, b)
	assert.Equal(t, engine.PhaseAwaitingNext, v.State.Phase)
	assert.Equal(t, 10, v.State.Self.Score)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, v.Version, view(t, b).Version, "no ticks after the result")
}

func TestEnd_RecordsResultAndIsTerminal(t *testing.T) {
	rec := &recorder{results: make(chan Result, 1)}
	b, mem := newBattle(t, slow, rec)
	mem.Deliver(matchTopic, []byte(startFrame))
	mem.Deliver(matchTopic, []byte(`{"event":"END","data":{"winnerId":7}}`))

	select {
	case res := <-rec.results:
		assert.Equal(t, int64(42), res.RoomID)
		assert.Equal(t, int64(7), res.WinnerID)
		assert.Equal(t, int64(9), res.OpponentID)
		assert.False(t, res.EndedAt.IsZero())
	case <-time.After(time.Second):
		t.Fatal("match result was not recorded")
	}

	s := view(t, b).State
	assert.Equal(t, engine.PhaseEnded, s.Phase)
	assert.Equal(t, engine.AnimVictory, s.Self.Animation)
	assert.Equal(t, engine.AnimDead, s.Opponent.Animation)

	mem.Deliver(matchTopic, question("late", 10))
	assert.Nil(t, view(t, b).State.Question)

	mem.Deliver(matchTopic, []byte(`{"event":"REWARD","data":{"memberList":[{"memberId":7,"reward":50}]}}`))
	assert.Equal(t, map[int64]int{7: 50}, view(t, b).State.Rewards)
}

func TestMalformedFramesAreDropped(t *testing.T) {
	b, mem := newBattle(t, slow, nil)
	before := view(t, b).Version

	mem.Deliver(matchTopic, []byte(`{{{`))
	mem.Deliver(matchTopic, []byte(`{"event":"DANCE"}`))
	mem.Deliver(matchTopic, []byte(`{"event":"ONE_ATTACK","data":{"memberList":[]}}`))
	mem.Deliver(chatTopic, []byte(`nope`))

	assert.Equal(t, before, view(t, b).Version)
}

func TestChat_DedupWindow(t *testing.T) {
	b, mem := newBattle(t, Options{Tick: time.Hour, Grace: time.Hour, DedupWindow: 80 * time.Millisecond}, nil)

	mem.Deliver(chatTopic, chatFrameJSON("tora", "gg"))
	mem.Deliver(chatTopic, chatFrameJSON("tora", "gg"))
	mem.Deliver(chatTopic, chatFrameJSON("neko", "gg"))
	assert.Len(t, view(t, b).Chat, 2, "repeat inside the window collapses")

	time.Sleep(100 * time.Millisecond)
	mem.Deliver(chatTopic, chatFrameJSON("tora", "gg"))
	chat := view(t, b).Chat
	require.Len(t, chat, 3, "repeat after the window is kept")
	assert.Equal(t, types.ChatMessage{Sender: "tora", Content: "gg"}, chat[2])
}

func TestChat_TranscriptIsBounded(t *testing.T) {
	b, mem := newBattle(t, Options{Tick: time.Hour, Grace: time.Hour, TranscriptSize: 3}, nil)
	for i := range 5 {
		mem.Deliver(chatTopic, chatFrameJSON("tora", fmt.Sprintf("msg %d", i)))
	}
	chat := view(t, b).Chat
	require.Len(t, chat, 3)
	assert.Equal(t, "msg 2", chat[0].Content)
	assert.Equal(t, "msg 4", chat[2].Content)
}

func TestSubmitAnswer_PublishesAnswerCheck(t *testing.T) {
	b, mem := newBattle(t, slow, nil)
	ctx := context.Background()

	assert.ErrorIs(t, b.SubmitAnswer(ctx, "4"), ErrNoQuestion)

	mem.Deliver(matchTopic, []byte(startFrame))
	mem.Deliver(matchTopic, question("2+2?", 10))
	before := view(t, b)
	require.NoError(t, b.SubmitAnswer(ctx, "4"))

	pub := mem.Published()
	require.Len(t, pub, 1)
	assert.Equal(t, "/app/answer/42", pub[0].Destination)
	assert.JSONEq(t, `{"content":"2+2?","roomId":42,"sender":"neko","userAnswer":"4","memberId":7}`, string(pub[0].Body))

	// correctness is never decided locally
	after := view(t, b)
	assert.Equal(t, before.Version, after.Version)
	assert.Equal(t, before.State, after.State)
}

func TestSendChat_Publishes(t *testing.T) {
	b, mem := newBattle(t, slow, nil)
	require.NoError(t, b.SendChat(context.Background(), "hello"))
	assert.ErrorIs(t, b.SendChat(context.Background(), ""), ErrEmptyMessage)

	pub := mem.Published()
	require.Len(t, pub, 1)
	assert.Equal(t, "/app/chat/42", pub[0].Destination)
	assert.JSONEq(t, `{"sender":"neko","content":"hello","memberId":7,"roomId":42}`, string(pub[0].Body))
}

func TestDropSlowClient(t *testing.T) {
	b, mem := newBattle(t, slow, nil)
	slowOut := make(chan Snapshot, 1)
	b.Join("slow", slowOut)

	mem.Deliver(matchTopic, []byte(startFrame))
	v := view(t, b)
	assert.Zero(t, v.NumClients)

	<-slowOut
	_, ok := <-slowOut
	assert.False(t, ok)
}

func TestClose_ClosesOutboxes(t *testing.T) {
	b, mem := newBattle(t, slow, nil)
	out := make(chan Snapshot, 4)
	b.Join("ui", out)
	<-out

	require.NoError(t, b.Close())
	_, ok := <-out
	assert.False(t, ok)
	assert.Zero(t, mem.Subscribers())

	_, alive := b.View()
	assert.False(t, alive)
	assert.False(t, b.AnimationComplete(7))
}
