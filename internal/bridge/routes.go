package bridge

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/DoyleJ11/quiz-sync/internal/history"
	"github.com/DoyleJ11/quiz-sync/internal/match"
	"github.com/DoyleJ11/quiz-sync/internal/room"
	"github.com/DoyleJ11/quiz-sync/internal/roomapi"
)

// Room is the slice of room.Session the bridge drives.
type Room interface {
	Snapshot() (room.Snapshot, bool)
	ToggleReady(ctx context.Context, roomID, who int64) error
	LeaveRoom(ctx context.Context, roomID int64) error
	KickUser(ctx context.Context, roomID, hostID, targetID int64) error
	StartGame(ctx context.Context, roomID, hostID int64) error
}

type Battles interface {
	Current() *match.Battle
}

type History interface {
	Recent(ctx context.Context, limit int) ([]history.MatchRecord, error)
}

// Server exposes room and match state to the renderer. hist may be nil when
// no history store is configured.
type Server struct {
	room    Room
	battles Battles
	hist    History
	self    roomapi.Identity
	log     *zap.Logger
}

func New(r Room, battles Battles, hist History, self roomapi.Identity, log *zap.Logger) *Server {
	return &Server{room: r, battles: battles, hist: hist, self: self, log: log.Named("bridge")}
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", Healthz)
	r.Get("/history", s.History)

	r.Route("/room", func(r chi.Router) {
		r.Get("/", s.RoomState)
		r.Get("/users", s.RoomUsers)
		r.Post("/ready", s.ToggleReady)
		r.Post("/leave", s.LeaveRoom)
		r.Post("/kick/{id}", s.KickUser)
		r.Post("/start", s.StartGame)
	})

	r.Route("/match", func(r chi.Router) {
		r.Get("/", s.MatchState)
		r.Get("/players", s.Players)
		r.Post("/answer", s.SubmitAnswer)
		r.Post("/players/{id}/animation-complete", s.AnimationComplete)
		r.Get("/ws", s.Stream)
	})

	r.Get("/chat", s.Chat)
	r.Post("/chat", s.SendChat)
	return r
}
