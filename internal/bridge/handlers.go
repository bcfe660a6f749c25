package bridge

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/DoyleJ11/quiz-sync/internal/engine"
	"github.com/DoyleJ11/quiz-sync/internal/match"
	"github.com/DoyleJ11/quiz-sync/internal/room"
	"github.com/DoyleJ11/quiz-sync/pkg/types"
)

var errNoRoom = errors.New("not in a room")
var errNoMatch = errors.New("no match in progress")
var errNoHistory = errors.New("match history is not configured")

type roomView struct {
	Version int              `json:"version"`
	Room    *types.RoomState `json:"room"`
	Loading bool             `json:"loading"`
	Started bool             `json:"started"`
	Closed  bool             `json:"closed"`
}

type matchView struct {
	Version    int                 `json:"version"`
	NumClients int                 `json:"numClients"`
	State      engine.State        `json:"state"`
	Chat       []types.ChatMessage `json:"chat"`
}

type answerRequest struct {
	Answer string `json:"answer"`
}

type chatRequest struct {
	Content string `json:"content"`
}

func Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, struct {
		Error string `json:"error"`
	}{Error: err.Error()})
}

// statusFor maps synchronizer errors onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, errNoRoom), errors.Is(err, errNoMatch), errors.Is(err, room.ErrUnknownMember):
		return http.StatusNotFound
	case errors.Is(err, room.ErrNotInRoom), errors.Is(err, match.ErrNoQuestion):
		return http.StatusConflict
	case errors.Is(err, room.ErrNotHost):
		return http.StatusForbidden
	case errors.Is(err, match.ErrEmptyMessage):
		return http.StatusBadRequest
	case errors.Is(err, room.ErrSessionClosed), errors.Is(err, match.ErrClosed), errors.Is(err, errNoHistory):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}

func (s *Server) fail(w http.ResponseWriter, op string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.log.Warn(op+" failed", zap.Error(err))
	}
	writeError(w, status, err)
}

func (s *Server) currentRoom() (room.Snapshot, error) {
	snap, ok := s.room.Snapshot()
	if !ok {
		return room.Snapshot{}, room.ErrSessionClosed
	}
	if snap.Room == nil {
		return snap, errNoRoom
	}
	return snap, nil
}

func (s *Server) RoomState(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.room.Snapshot()
	if !ok {
		s.fail(w, "room state", room.ErrSessionClosed)
		return
	}
	writeJSON(w, http.StatusOK, roomView{
		Version: snap.Version,
		Room:    snap.Room,
		Loading: snap.Loading,
		Started: snap.Started,
		Closed:  snap.Closed,
	})
}

func (s *Server) RoomUsers(w http.ResponseWriter, r *http.Request) {
	snap, err := s.currentRoom()
	if err != nil {
		s.fail(w, "room users", err)
		return
	}
	writeJSON(w, http.StatusOK, snap.Users)
}

func (s *Server) ToggleReady(w http.ResponseWriter, r *http.Request) {
	snap, err := s.currentRoom()
	if err == nil {
		err = s.room.ToggleReady(r.Context(), snap.Room.RoomID, s.self.MemberID)
	}
	if err != nil {
		s.fail(w, "ready", err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) LeaveRoom(w http.ResponseWriter, r *http.Request) {
	snap, err := s.currentRoom()
	if err == nil {
		err = s.room.LeaveRoom(r.Context(), snap.Room.RoomID)
	}
	if err != nil {
		s.fail(w, "leave", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// KickUser removes a member; only the host may do it.
func (s *Server) KickUser(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, "bad member id", http.StatusBadRequest)
		return
	}
	snap, err := s.currentRoom()
	if err == nil {
		err = s.room.KickUser(r.Context(), snap.Room.RoomID, s.self.MemberID, id)
	}
	if err != nil {
		s.fail(w, "kick", err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) StartGame(w http.ResponseWriter, r *http.Request) {
	snap, err := s.currentRoom()
	if err == nil {
		err = s.room.StartGame(r.Context(), snap.Room.RoomID, s.self.MemberID)
	}
	if err != nil {
		s.fail(w, "start", err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) battle() (*match.Battle, match.View, error) {
	b := s.battles.Current()
	if b == nil {
		return nil, match.View{}, errNoMatch
	}
	v, ok := b.View()
	if !ok {
		return nil, match.View{}, errNoMatch
	}
	return b, v, nil
}

func (s *Server) MatchState(w http.ResponseWriter, r *http.Request) {
	_, v, err := s.battle()
	if err != nil {
		s.fail(w, "match state", err)
		return
	}
	writeJSON(w, http.StatusOK, matchView{Version: v.Version, NumClients: v.NumClients, State: v.State, Chat: v.Chat})
}

func (s *Server) Players(w http.ResponseWriter, r *http.Request) {
	_, v, err := s.battle()
	if err != nil {
		s.fail(w, "players", err)
		return
	}
	writeJSON(w, http.StatusOK, v.State.Players())
}

func (s *Server) SubmitAnswer(w http.ResponseWriter, r *http.Request) {
	var req answerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	b, _, err := s.battle()
	if err == nil {
		err = b.SubmitAnswer(r.Context(), req.Answer)
	}
	if err != nil {
		s.fail(w, "answer", err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) AnimationComplete(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, "bad player id", http.StatusBadRequest)
		return
	}
	b, _, err := s.battle()
	if err != nil {
		s.fail(w, "animation complete", err)
		return
	}
	if !b.AnimationComplete(id) {
		s.fail(w, "animation complete", match.ErrClosed)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) Chat(w http.ResponseWriter, r *http.Request) {
	_, v, err := s.battle()
	if err != nil {
		s.fail(w, "chat", err)
		return
	}
	if v.Chat == nil {
		v.Chat = []types.ChatMessage{}
	}
	writeJSON(w, http.StatusOK, v.Chat)
}

func (s *Server) SendChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	b, _, err := s.battle()
	if err == nil {
		err = b.SendChat(r.Context(), req.Content)
	}
	if err != nil {
		s.fail(w, "chat", err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) History(w http.ResponseWriter, r *http.Request) {
	if s.hist == nil {
		s.fail(w, "history", errNoHistory)
		return
	}
	limit := 0
	if q := r.URL.Query().Get("limit"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n < 0 {
			http.Error(w, "bad limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	recs, err := s.hist.Recent(r.Context(), limit)
	if err != nil {
		s.fail(w, "history", err)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}
