package room

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/DoyleJ11/quiz-sync/internal/channel"
	"github.com/DoyleJ11/quiz-sync/internal/roomapi"
	"github.com/DoyleJ11/quiz-sync/pkg/types"
)

// fakeAPI answers like the room server and records every call.
type fakeAPI struct {
	mu        sync.Mutex
	createID  int64
	createErr error
	joinErr   error
	infoErr   error
	actionErr error
	rooms     []types.RoomState // successive GetRoomInfo answers; the last repeats
	infoCalls int
	calls     []string
}

func (f *fakeAPI) record(format string, args ...any) {
	f.calls = append(f.calls, fmt.Sprintf(format, args...))
}

func (f *fakeAPI) CreateRoom(ctx context.Context, req roomapi.CreateRequest) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("create %s", req.Title)
	return f.createID, f.createErr
}

func (f *fakeAPI) GetRoomInfo(ctx context.Context, roomID int64) (types.RoomState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.infoCalls++
	if f.infoErr != nil {
		return types.RoomState{}, f.infoErr
	}
	i := min(f.infoCalls, len(f.rooms)) - 1
	return f.rooms[i].Clone(), nil
}

func (f *fakeAPI) JoinRoom(ctx context.Context, roomID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("join %d", roomID)
	return f.joinErr
}

func (f *fakeAPI) LeaveRoom(ctx context.Context, roomID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("leave %d", roomID)
	return f.actionErr
}

func (f *fakeAPI) KickUser(ctx context.Context, roomID int64, host, target string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("kick %d %s %s", roomID, host, target)
	return f.actionErr
}

func (f *fakeAPI) SetReady(ctx context.Context, roomID int64, nickname string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("ready %d %s", roomID, nickname)
	return f.actionErr
}

func (f *fakeAPI) SetUnready(ctx context.Context, roomID int64, nickname string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("unready %d %s", roomID, nickname)
	return f.actionErr
}

func (f *fakeAPI) StartRoom(ctx context.Context, roomID int64, host string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("start %d %s", roomID, host)
	return f.actionErr
}

func (f *fakeAPI) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeAPI) InfoCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.infoCalls
}

func lobbyRoom() types.RoomState {
	host := types.Member{MemberID: 7, Nickname: "neko", Status: types.MemberReady}
	return types.RoomState{
		RoomID:    42,
		MaxPeople: 2,
		Status:    types.RoomOpen,
		Host:      host,
		Members: []types.Member{
			host,
			{MemberID: 9, Nickname: "tora", Status: types.MemberNotReady},
		},
	}
}

func newSession(t *testing.T, api roomapi.API, mem *channel.Memory) *Session {
	t.Helper()
	s := NewSession(context.Background(), api, mem, Options{
		WaitBudget:   60 * time.Millisecond,
		PollInterval: 10 * time.Millisecond,
	}, zaptest.NewLogger(t))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func recvSnapshot(t *testing.T, ch <-chan Snapshot, within time.Duration) Snapshot {
	t.Helper()
	select {
	case snap, ok := <-ch:
		if !ok {
			t.Fatalf("listener outbox closed unexpectedly")
		}
		return snap
	case <-time.After(within):
		t.Fatalf("timed out waiting for snapshot")
		return Snapshot{}
	}
}

// recvUntil reads snapshots until one satisfies ok.
func recvUntil(t *testing.T, ch <-chan Snapshot, within time.Duration, ok func(Snapshot) bool) Snapshot {
	t.Helper()
	deadline := time.After(within)
	for {
		select {
		case snap, open := <-ch:
			if !open {
				t.Fatalf("listener outbox closed unexpectedly")
			}
			if ok(snap) {
				return snap
			}
		case <-deadline:
			t.Fatalf("timed out waiting for matching snapshot")
			return Snapshot{}
		}
	}
}

func connected() *channel.Memory {
	mem := channel.NewMemory()
	mem.SetConnected(true)
	return mem
}

func TestCreateRoom_SubscribesAndStoresRoom(t *testing.T) {
	api := &fakeAPI{createID: 42, rooms: []types.RoomState{lobbyRoom()}}
	mem := connected()
	s := newSession(t, api, mem)

	id, err := s.CreateRoom(context.Background(), roomapi.CreateRequest{Title: "cats", MaxPeople: 2})
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)

	assert.Equal(t, []string{"/topic/room/42"}, s.Subscriptions())
	assert.Equal(t, 1, mem.Subscribers())
	assert.Equal(t, Active, s.Lifecycle())

	snap, ok := s.Snapshot()
	require.True(t, ok)
	require.NotNil(t, snap.Room)
	assert.Equal(t, int64(42), snap.Room.RoomID)
	assert.Len(t, snap.Users, 2)
}

func TestCreateRoom_SubscribeTimeoutLeavesNoSubscriptions(t *testing.T) {
	api := &fakeAPI{createID: 42, rooms: []types.RoomState{lobbyRoom()}}
	mem := channel.NewMemory() // never connects
	s := newSession(t, api, mem)

	start := time.Now()
	_, err := s.CreateRoom(context.Background(), roomapi.CreateRequest{Title: "cats"})
	require.ErrorIs(t, err, ErrSubscribeTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)

	assert.Empty(t, s.Subscriptions())
	assert.Zero(t, mem.Subscribers())
	assert.Zero(t, api.InfoCalls())
	assert.Equal(t, Idle, s.Lifecycle())

	snap, _ := s.Snapshot()
	assert.Nil(t, snap.Room)
}

func TestJoinRoom_FailuresCleanUp(t *testing.T) {
	cases := []struct {
		name    string
		api     *fakeAPI
		wantErr error
	}{
		{
			name:    "remote join rejected",
			api:     &fakeAPI{joinErr: errors.New("room full"), rooms: []types.RoomState{lobbyRoom()}},
			wantErr: ErrJoinFailed,
		},
		{
			name:    "info fetch fails",
			api:     &fakeAPI{infoErr: errors.New("boom")},
			wantErr: ErrInfoFetchFailed,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			mem := connected()
			s := newSession(t, tc.api, mem)

			err := s.JoinRoom(context.Background(), 42, false)
			require.ErrorIs(t, err, tc.wantErr)
			assert.Zero(t, mem.Subscribers())
			assert.Empty(t, s.Subscriptions())
			assert.Equal(t, Idle, s.Lifecycle())
		})
	}
}

func TestConnectToRoom_SkipsRemoteJoinAndResubscribesOnce(t *testing.T) {
	api := &fakeAPI{rooms: []types.RoomState{lobbyRoom()}}
	mem := connected()
	s := newSession(t, api, mem)

	require.NoError(t, s.ConnectToRoom(context.Background(), 42))
	require.NoError(t, s.ConnectToRoom(context.Background(), 42))

	assert.Empty(t, api.Calls(), "connect must not call the remote join")
	assert.Equal(t, 1, mem.Subscribers())
	assert.Equal(t, 1, mem.Deliver("/topic/room/42", []byte(`{"event":"START","roomId":42}`)))
}

func TestRoomEvents_SnapshotReplacesWholesale(t *testing.T) {
	api := &fakeAPI{rooms: []types.RoomState{lobbyRoom()}}
	mem := connected()
	s := newSession(t, api, mem)
	require.NoError(t, s.ConnectToRoom(context.Background(), 42))

	out := make(chan Snapshot, 8)
	require.True(t, s.Listen("ui", out))
	first := recvSnapshot(t, out, time.Second)
	require.Len(t, first.Users, 2)

	mem.Deliver("/topic/room/42", []byte(`{"event":"UPDATE","roomId":42,"data":{"roomId":42,"maxPeople":2,"status":"OPEN","host":{"memberId":7,"nickname":"neko"},"members":[{"memberId":7,"nickname":"neko"}]}}`))

	next := recvSnapshot(t, out, time.Second)
	assert.Equal(t, first.Version+1, next.Version)
	require.Len(t, next.Users, 1)
	assert.True(t, next.Users[0].IsHost)
	assert.Equal(t, types.MemberNotReady, next.Users[0].Status)
}

func TestRoomEvents_DeltaTriggersRefetch(t *testing.T) {
	ready := lobbyRoom()
	ready.Members[1].Status = types.MemberReady
	api := &fakeAPI{rooms: []types.RoomState{lobbyRoom(), ready}}
	mem := connected()
	s := newSession(t, api, mem)
	require.NoError(t, s.ConnectToRoom(context.Background(), 42))

	out := make(chan Snapshot, 8)
	s.Listen("ui", out)
	recvSnapshot(t, out, time.Second)

	mem.Deliver("/topic/room/42", []byte(`{"event":"READY","roomId":42,"data":9}`))

	snap := recvUntil(t, out, time.Second, func(s Snapshot) bool {
		return len(s.Users) == 2 && s.Users[1].IsReady
	})
	assert.Equal(t, types.MemberReady, snap.Users[1].Status)
	assert.Equal(t, 2, api.InfoCalls())
}

func TestRoomEvents_UndecodableFramesAreDropped(t *testing.T) {
	api := &fakeAPI{rooms: []types.RoomState{lobbyRoom()}}
	mem := connected()
	s := newSession(t, api, mem)
	require.NoError(t, s.ConnectToRoom(context.Background(), 42))

	before, _ := s.Snapshot()
	mem.Deliver("/topic/room/42", []byte(`not json`))
	mem.Deliver("/topic/room/42", []byte(`{"event":"DANCE","roomId":42}`))
	after, _ := s.Snapshot()

	assert.Equal(t, before.Version, after.Version)
	assert.Equal(t, before.Room, after.Room)
}

func TestRoomEvents_DeleteClosesRoomAndUnsubscribes(t *testing.T) {
	api := &fakeAPI{rooms: []types.RoomState{lobbyRoom()}}
	mem := connected()
	s := newSession(t, api, mem)
	require.NoError(t, s.ConnectToRoom(context.Background(), 42))

	out := make(chan Snapshot, 8)
	s.Listen("ui", out)
	recvSnapshot(t, out, time.Second)

	mem.Deliver("/topic/room/42", []byte(`{"event":"DELETE","roomId":42,"data":42}`))

	snap := recvSnapshot(t, out, time.Second)
	assert.True(t, snap.Closed)
	assert.Nil(t, snap.Room)
	assert.Zero(t, mem.Subscribers())
	assert.Equal(t, Idle, s.Lifecycle())
}

func TestRoomEvents_StartFlagsRoom(t *testing.T) {
	api := &fakeAPI{rooms: []types.RoomState{lobbyRoom()}}
	mem := connected()
	s := newSession(t, api, mem)
	require.NoError(t, s.ConnectToRoom(context.Background(), 42))

	out := make(chan Snapshot, 8)
	s.Listen("ui", out)
	recvSnapshot(t, out, time.Second)

	mem.Deliver("/topic/room/42", []byte(`{"event":"START","roomId":42,"data":42}`))

	snap := recvSnapshot(t, out, time.Second)
	assert.True(t, snap.Started)
	require.NotNil(t, snap.Room)
	assert.Equal(t, types.RoomInProgress, snap.Room.Status)
}

func TestActions_NeverMutateRoomLocally(t *testing.T) {
	api := &fakeAPI{rooms: []types.RoomState{lobbyRoom()}}
	mem := connected()
	s := newSession(t, api, mem)
	require.NoError(t, s.ConnectToRoom(context.Background(), 42))
	ctx := context.Background()

	require.NoError(t, s.ToggleReady(ctx, 42, 9))
	require.NoError(t, s.ToggleReady(ctx, 42, 7))
	require.NoError(t, s.KickUser(ctx, 42, 7, 9))
	require.NoError(t, s.StartGame(ctx, 42, 7))

	assert.Equal(t, []string{
		"ready 42 tora",
		"unready 42 neko",
		"kick 42 neko tora",
		"start 42 neko",
	}, api.Calls())

	snap, _ := s.Snapshot()
	require.NotNil(t, snap.Room)
	assert.Equal(t, lobbyRoom().Members, snap.Room.Members)
	assert.True(t, snap.Loading)
	assert.False(t, snap.Started)
}

func TestActions_Errors(t *testing.T) {
	api := &fakeAPI{rooms: []types.RoomState{lobbyRoom()}}
	mem := connected()
	s := newSession(t, api, mem)
	ctx := context.Background()

	assert.ErrorIs(t, s.ToggleReady(ctx, 42, 9), ErrNotInRoom)

	require.NoError(t, s.ConnectToRoom(ctx, 42))
	assert.ErrorIs(t, s.KickUser(ctx, 42, 7, 99), ErrUnknownMember)
	assert.ErrorIs(t, s.KickUser(ctx, 42, 9, 7), ErrNotHost)
	assert.ErrorIs(t, s.StartGame(ctx, 43, 7), ErrNotInRoom)

	api.mu.Lock()
	api.actionErr = errors.New("not enough players")
	api.mu.Unlock()

	err := s.StartGame(ctx, 42, 7)
	require.ErrorIs(t, err, ErrActionFailed)
	assert.Contains(t, err.Error(), "not enough players")

	// a rejected action does not tear the room down
	assert.Equal(t, []string{"/topic/room/42"}, s.Subscriptions())
	snap, _ := s.Snapshot()
	assert.False(t, snap.Loading)
}

func TestLeaveRoom_WaitsForBroadcast(t *testing.T) {
	api := &fakeAPI{rooms: []types.RoomState{lobbyRoom()}}
	mem := connected()
	s := NewSession(context.Background(), api, mem, Options{MemberID: 9}, zaptest.NewLogger(t))
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.ConnectToRoom(context.Background(), 42))

	out := make(chan Snapshot, 8)
	s.Listen("ui", out)
	recvSnapshot(t, out, time.Second)

	require.NoError(t, s.LeaveRoom(context.Background(), 42))
	assert.Equal(t, []string{"leave 42"}, api.Calls())

	pending := recvUntil(t, out, time.Second, func(s Snapshot) bool { return s.Loading })
	require.NotNil(t, pending.Room)
	assert.Equal(t, 1, mem.Subscribers())
	assert.Equal(t, Active, s.Lifecycle())

	// another member leaving is an ordinary delta
	mem.Deliver("/topic/room/42", []byte(`{"event":"LEAVE","roomId":42,"data":7}`))
	assert.Eventually(t, func() bool { return api.InfoCalls() == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, mem.Subscribers())

	mem.Deliver("/topic/room/42", []byte(`{"event":"LEAVE","roomId":42,"data":9}`))
	snap := recvUntil(t, out, time.Second, func(s Snapshot) bool { return s.Room == nil })
	assert.False(t, snap.Loading)
	assert.False(t, snap.Closed)
	assert.Zero(t, mem.Subscribers())
	assert.Equal(t, Idle, s.Lifecycle())
}

func TestLeaveRoom_WatchdogCompletesMissingBroadcast(t *testing.T) {
	api := &fakeAPI{rooms: []types.RoomState{lobbyRoom()}}
	mem := connected()
	s := NewSession(context.Background(), api, mem, Options{Watchdog: 30 * time.Millisecond}, zaptest.NewLogger(t))
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.ConnectToRoom(context.Background(), 42))

	out := make(chan Snapshot, 8)
	s.Listen("ui", out)
	recvSnapshot(t, out, time.Second)

	require.NoError(t, s.LeaveRoom(context.Background(), 42))
	recvUntil(t, out, time.Second, func(s Snapshot) bool { return s.Room == nil })
	assert.Zero(t, mem.Subscribers())
	assert.Equal(t, Idle, s.Lifecycle())
}

func TestRoomEvents_KickedSelfLeaves(t *testing.T) {
	api := &fakeAPI{rooms: []types.RoomState{lobbyRoom()}}
	mem := connected()
	s := NewSession(context.Background(), api, mem, Options{MemberID: 9}, zaptest.NewLogger(t))
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.ConnectToRoom(context.Background(), 42))

	out := make(chan Snapshot, 8)
	s.Listen("ui", out)
	recvSnapshot(t, out, time.Second)

	mem.Deliver("/topic/room/42", []byte(`{"event":"KICK","roomId":42,"data":9}`))

	snap := recvSnapshot(t, out, time.Second)
	assert.Nil(t, snap.Room)
	assert.Zero(t, mem.Subscribers())
	assert.Equal(t, Idle, s.Lifecycle())
	assert.Equal(t, 1, api.InfoCalls())
}

func TestLeaveRoom_FailureAlwaysCleansUp(t *testing.T) {
	api := &fakeAPI{rooms: []types.RoomState{lobbyRoom()}, actionErr: errors.New("gone")}
	mem := connected()
	s := newSession(t, api, mem)
	require.NoError(t, s.ConnectToRoom(context.Background(), 42))

	err := s.LeaveRoom(context.Background(), 42)
	assert.ErrorIs(t, err, ErrActionFailed)
	assert.Zero(t, mem.Subscribers())
	assert.Equal(t, Idle, s.Lifecycle())

	// frames still in flight for the old room are ignored
	snap, _ := s.Snapshot()
	assert.Nil(t, snap.Room)
}

func TestLoadingWatchdogClearsStuckIndicator(t *testing.T) {
	api := &fakeAPI{rooms: []types.RoomState{lobbyRoom()}}
	mem := connected()
	s := NewSession(context.Background(), api, mem, Options{Watchdog: 30 * time.Millisecond}, zaptest.NewLogger(t))
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.ConnectToRoom(context.Background(), 42))

	out := make(chan Snapshot, 8)
	s.Listen("ui", out)
	recvSnapshot(t, out, time.Second)

	require.NoError(t, s.ToggleReady(context.Background(), 42, 9))
	on := recvSnapshot(t, out, time.Second)
	assert.True(t, on.Loading)

	off := recvSnapshot(t, out, time.Second)
	assert.False(t, off.Loading)
}

func TestSlowListenerIsDropped(t *testing.T) {
	api := &fakeAPI{rooms: []types.RoomState{lobbyRoom()}}
	mem := connected()
	s := newSession(t, api, mem)
	require.NoError(t, s.ConnectToRoom(context.Background(), 42))

	slow := make(chan Snapshot, 1)
	s.Listen("slow", slow)
	mem.Deliver("/topic/room/42", []byte(`{"event":"START","roomId":42}`))
	s.Snapshot() // the START frame has been handled once this returns

	<-slow // initial snapshot
	_, ok := <-slow
	assert.False(t, ok, "slow listener should be closed")
}

func TestClose_RejectsFurtherOperations(t *testing.T) {
	api := &fakeAPI{rooms: []types.RoomState{lobbyRoom()}}
	mem := connected()
	s := NewSession(context.Background(), api, mem, Options{}, zaptest.NewLogger(t))
	require.NoError(t, s.ConnectToRoom(context.Background(), 42))

	out := make(chan Snapshot, 8)
	s.Listen("ui", out)
	recvSnapshot(t, out, time.Second)

	require.NoError(t, s.Close())
	assert.Equal(t, Closed, s.Lifecycle())
	assert.Zero(t, mem.Subscribers())

	assert.ErrorIs(t, s.JoinRoom(context.Background(), 42, false), ErrSessionClosed)
	assert.ErrorIs(t, s.ToggleReady(context.Background(), 42, 9), ErrSessionClosed)
	_, err := s.CreateRoom(context.Background(), roomapi.CreateRequest{})
	assert.ErrorIs(t, err, ErrSessionClosed)

	// drain the cleanup snapshot, then the outbox must be closed
	for range out {
	}
	assert.NoError(t, s.Close())
}

func TestRebind_RetargetsSameSession(t *testing.T) {
	first := &fakeAPI{rooms: []types.RoomState{lobbyRoom()}}
	s := newSession(t, first, connected())

	second := &fakeAPI{rooms: []types.RoomState{lobbyRoom()}}
	mem := connected()
	s.Rebind(second, mem)

	require.NoError(t, s.JoinRoom(context.Background(), 42, false))
	assert.Empty(t, first.Calls())
	assert.Equal(t, []string{"join 42"}, second.Calls())
	assert.Equal(t, 1, mem.Subscribers())
}
