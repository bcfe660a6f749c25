package history

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/DoyleJ11/quiz-sync/internal/decode"
	"github.com/DoyleJ11/quiz-sync/internal/match"
)

var ErrNoDSN = errors.New("history: empty dsn")

type Outcome string

const (
	OutcomeWin  Outcome = "WIN"
	OutcomeLoss Outcome = "LOSS"
	OutcomeDraw Outcome = "DRAW"
)

// MatchRecord is one finished match seen from this client's side.
type MatchRecord struct {
	gorm.Model
	RoomID         int64     `gorm:"index;not null" json:"roomId"`
	SelfID         int64     `gorm:"not null" json:"selfId"`
	OpponentID     int64     `json:"opponentId"`
	WinnerID       int64     `json:"winnerId"`
	Outcome        Outcome   `gorm:"size:8;not null" json:"outcome"`
	SelfScore      int       `json:"selfScore"`
	OpponentScore  int       `json:"opponentScore"`
	SelfHealth     int       `json:"selfHealth"`
	OpponentHealth int       `json:"opponentHealth"`
	EndedAt        time.Time `gorm:"index;not null" json:"endedAt"`
}

type Store struct {
	db  *gorm.DB
	log *zap.Logger
}

var _ match.Recorder = (*Store)(nil)

const (
	maxRetries    = 3
	retryInterval = 2 * time.Second
)

// Open connects to postgres, retrying a few times, and migrates the schema.
func Open(dsn string, log *zap.Logger) (*Store, error) {
	if dsn == "" {
		return nil, ErrNoDSN
	}
	var (
		db  *gorm.DB
		err error
	)
	for i := 0; i <= maxRetries; i++ {
		db, err = gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
		if err == nil {
			break
		}
		log.Warn("history database connect retry", zap.Int("retry", i), zap.Error(err))
		if i < maxRetries {
			time.Sleep(retryInterval)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("history: connect: %w", err)
	}
	return New(db, log)
}

func New(db *gorm.DB, log *zap.Logger) (*Store, error) {
	if err := db.AutoMigrate(&MatchRecord{}); err != nil {
		return nil, fmt.Errorf("history: migrate: %w", err)
	}
	return &Store{db: db, log: log.Named("history")}, nil
}

func (s *Store) RecordMatch(ctx context.Context, r match.Result) error {
	rec := toRecord(r)
	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return fmt.Errorf("history: insert: %w", err)
	}
	s.log.Info("match recorded", zap.Int64("room", r.RoomID), zap.String("outcome", string(rec.Outcome)))
	return nil
}

// Recent returns the newest matches first.
func (s *Store) Recent(ctx context.Context, limit int) ([]MatchRecord, error) {
	switch {
	case limit <= 0:
		limit = 20
	case limit > 100:
		limit = 100
	}
	var out []MatchRecord
	if err := s.db.WithContext(ctx).Order("ended_at DESC").Limit(limit).Find(&out).Error; err != nil {
		return nil, fmt.Errorf("history: query: %w", err)
	}
	return out, nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func toRecord(r match.Result) MatchRecord {
	return MatchRecord{
		RoomID:         r.RoomID,
		SelfID:         r.SelfID,
		OpponentID:     r.OpponentID,
		WinnerID:       r.WinnerID,
		Outcome:        outcomeFor(r.SelfID, r.WinnerID),
		SelfScore:      r.SelfScore,
		OpponentScore:  r.OpponentScore,
		SelfHealth:     r.SelfHealth,
		OpponentHealth: r.OpponentHealth,
		EndedAt:        r.EndedAt,
	}
}

func outcomeFor(selfID, winnerID int64) Outcome {
	switch winnerID {
	case decode.NoWinner:
		return OutcomeDraw
	case selfID:
		return OutcomeWin
	default:
		return OutcomeLoss
	}
}
