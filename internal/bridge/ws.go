package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/DoyleJ11/quiz-sync/internal/engine"
	"github.com/DoyleJ11/quiz-sync/internal/match"
	"github.com/DoyleJ11/quiz-sync/pkg/types"
)

const writeTimeout = 3 * time.Second

// ClientMessage is what the renderer sends over the match stream.
type ClientMessage struct {
	Type     string `json:"type"` // "Answer" | "Chat" | "AnimationComplete"
	Answer   string `json:"answer,omitempty"`
	Content  string `json:"content,omitempty"`
	PlayerID int64  `json:"playerId,omitempty"`
}

type ServerMessage struct {
	Type    string              `json:"type"` // "StateSnapshot" | "Error"
	Version int                 `json:"version,omitempty"`
	State   *engine.State       `json:"state,omitempty"`
	Chat    []types.ChatMessage `json:"chat,omitempty"`
	Error   string              `json:"error,omitempty"`
}

// Stream pushes every match snapshot to a websocket and accepts answers,
// chat and animation completions on the same connection.
func (s *Server) Stream(w http.ResponseWriter, r *http.Request) {
	b := s.battles.Current()
	if b == nil {
		s.fail(w, "stream", errNoMatch)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"localhost:*", "127.0.0.1:*"},
	})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	out := make(chan match.Snapshot, 8)
	clientID := uuid.NewString()
	if !b.Join(clientID, out) {
		conn.Close(websocket.StatusGoingAway, "match closed")
		return
	}
	defer b.Leave(clientID)
	log := s.log.With(zap.String("client", clientID))

	writeCtx, writeCancel := context.WithCancel(r.Context())
	defer writeCancel()
	go func() {
		for snap := range out {
			send(writeCtx, conn, ServerMessage{Type: "StateSnapshot", Version: snap.Version, State: &snap.State, Chat: snap.Chat})
		}
		// Outbox closed: the battle ended or dropped us as too slow.
		conn.Close(websocket.StatusGoingAway, "stream ended")
	}()

	for {
		_, data, err := conn.Read(r.Context())
		if err != nil {
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
			default:
				log.Debug("stream read ended", zap.Error(err))
			}
			return
		}

		var cm ClientMessage
		if err := json.Unmarshal(data, &cm); err != nil {
			send(r.Context(), conn, ServerMessage{Type: "Error", Error: "bad json"})
			continue
		}
		if err := s.dispatch(r.Context(), b, cm); err != nil {
			send(r.Context(), conn, ServerMessage{Type: "Error", Error: err.Error()})
		}
	}
}

func (s *Server) dispatch(ctx context.Context, b *match.Battle, cm ClientMessage) error {
	switch cm.Type {
	case "Answer":
		return b.SubmitAnswer(ctx, cm.Answer)
	case "Chat":
		return b.SendChat(ctx, cm.Content)
	case "AnimationComplete":
		if !b.AnimationComplete(cm.PlayerID) {
			return match.ErrClosed
		}
		return nil
	default:
		return fmt.Errorf("unknown type %q", cm.Type)
	}
}

func send(ctx context.Context, conn *websocket.Conn, m ServerMessage) {
	payload, err := json.Marshal(m)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	_ = conn.Write(ctx, websocket.MessageText, payload)
}
