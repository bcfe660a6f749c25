package roomapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/DoyleJ11/quiz-sync/internal/decode"
	"github.com/DoyleJ11/quiz-sync/pkg/types"
)

// API is the remote authority for rooms. Every mutating call only asks; the
// outcome arrives later on the room channel.
type API interface {
	CreateRoom(ctx context.Context, req CreateRequest) (int64, error)
	GetRoomInfo(ctx context.Context, roomID int64) (types.RoomState, error)
	JoinRoom(ctx context.Context, roomID int64) error
	LeaveRoom(ctx context.Context, roomID int64) error
	KickUser(ctx context.Context, roomID int64, hostNickname, targetNickname string) error
	SetReady(ctx context.Context, roomID int64, nickname string) error
	SetUnready(ctx context.Context, roomID int64, nickname string) error
	StartRoom(ctx context.Context, roomID int64, hostNickname string) error
}

type CreateRequest struct {
	Title     string `json:"title"`
	Password  string `json:"password,omitempty"`
	MaxPeople int    `json:"maxPeople"`
	Type      string `json:"type"`
	Subject   string `json:"subject"`
}

// StatusError is returned for any non-2xx answer.
type StatusError struct {
	Method string
	Path   string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.Status, e.Body)
}

type Client struct {
	baseURL string
	token   string
	http    *http.Client
	log     *zap.Logger
}

var _ API = (*Client)(nil)

func NewClient(baseURL, token string, timeout time.Duration, log *zap.Logger) *Client {
	if timeout <= 0 {
		timeout = 8 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: timeout},
		log:     log.Named("roomapi"),
	}
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build %s %s: %w", method, path, err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Error("request failed", zap.String("method", method), zap.String("path", path), zap.Error(err))
		return err
	}
	defer resp.Body.Close()

	c.log.Debug("request",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("latency", time.Since(start)),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{Method: method, Path: path, Status: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	if out == nil {
		return nil
	}
	if raw, ok := out.(*json.RawMessage); ok {
		b, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		*raw = b
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func roomPath(roomID int64, action string) string {
	if action == "" {
		return fmt.Sprintf("/rooms/%d", roomID)
	}
	return fmt.Sprintf("/rooms/%d/%s", roomID, action)
}

func (c *Client) CreateRoom(ctx context.Context, req CreateRequest) (int64, error) {
	var out struct {
		RoomID int64 `json:"roomId"`
	}
	if err := c.do(ctx, http.MethodPost, "/rooms", req, &out); err != nil {
		return 0, err
	}
	if out.RoomID == 0 {
		return 0, fmt.Errorf("create room: response carried no roomId")
	}
	return out.RoomID, nil
}

// GetRoomInfo fetches the authoritative room. Missing fields are defaulted
// the same way pushed snapshots are.
func (c *Client) GetRoomInfo(ctx context.Context, roomID int64) (types.RoomState, error) {
	var raw json.RawMessage
	if err := c.do(ctx, http.MethodGet, roomPath(roomID, ""), nil, &raw); err != nil {
		return types.RoomState{}, err
	}
	room, defaulted, err := decode.RoomState(raw)
	if err != nil {
		return types.RoomState{}, err
	}
	if len(defaulted) > 0 {
		c.log.Warn("room info defaulted fields", zap.Int64("roomId", roomID), zap.Strings("fields", defaulted))
	}
	if room.RoomID == 0 {
		room.RoomID = roomID
	}
	return room, nil
}

func (c *Client) JoinRoom(ctx context.Context, roomID int64) error {
	return c.do(ctx, http.MethodPost, roomPath(roomID, "join"), nil, nil)
}

func (c *Client) LeaveRoom(ctx context.Context, roomID int64) error {
	return c.do(ctx, http.MethodPost, roomPath(roomID, "leave"), nil, nil)
}

func (c *Client) KickUser(ctx context.Context, roomID int64, hostNickname, targetNickname string) error {
	body := map[string]string{"hostNickname": hostNickname, "targetNickname": targetNickname}
	return c.do(ctx, http.MethodPost, roomPath(roomID, "kick"), body, nil)
}

func (c *Client) SetReady(ctx context.Context, roomID int64, nickname string) error {
	return c.do(ctx, http.MethodPost, roomPath(roomID, "ready"), map[string]string{"nickname": nickname}, nil)
}

func (c *Client) SetUnready(ctx context.Context, roomID int64, nickname string) error {
	return c.do(ctx, http.MethodPost, roomPath(roomID, "unready"), map[string]string{"nickname": nickname}, nil)
}

func (c *Client) StartRoom(ctx context.Context, roomID int64, hostNickname string) error {
	return c.do(ctx, http.MethodPost, roomPath(roomID, "start"), map[string]string{"hostNickname": hostNickname}, nil)
}
