package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/DoyleJ11/quiz-sync/internal/bridge"
	"github.com/DoyleJ11/quiz-sync/internal/channel"
	"github.com/DoyleJ11/quiz-sync/internal/channel/redisps"
	"github.com/DoyleJ11/quiz-sync/internal/channel/stompws"
	"github.com/DoyleJ11/quiz-sync/internal/config"
	"github.com/DoyleJ11/quiz-sync/internal/history"
	"github.com/DoyleJ11/quiz-sync/internal/hub"
	"github.com/DoyleJ11/quiz-sync/internal/logging"
	"github.com/DoyleJ11/quiz-sync/internal/match"
	"github.com/DoyleJ11/quiz-sync/internal/room"
	"github.com/DoyleJ11/quiz-sync/internal/roomapi"
	"github.com/DoyleJ11/quiz-sync/pkg/types"
)

const shutdownTimeout = 5 * time.Second

type runFlags struct {
	join    int64
	rejoin  int64
	create  string
	maxSize int
	subject string
}

func newRunCmd(v *viper.Viper) *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Connect, enter a room and serve the bridge until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}
			log, err := logging.New(cfg.LogLevel, cfg.LogDev)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, f, log)
		},
	}
	cmd.Flags().Int64Var(&f.join, "join", 0, "join this room on startup")
	cmd.Flags().Int64Var(&f.rejoin, "rejoin", 0, "reattach to a room this member is already in")
	cmd.Flags().StringVar(&f.create, "create", "", "create a room with this title on startup")
	cmd.Flags().IntVar(&f.maxSize, "max-people", 2, "capacity of a created room")
	cmd.Flags().StringVar(&f.subject, "subject", "", "quiz subject of a created room")
	cmd.MarkFlagsMutuallyExclusive("join", "rejoin", "create")
	return cmd
}

func newChannel(cfg config.Config, log *zap.Logger) (channel.Channel, error) {
	switch cfg.Channel.Kind {
	case config.ChannelRedis:
		return redisps.New(redisps.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB}, log), nil
	case config.ChannelStomp:
		u, err := url.Parse(cfg.Channel.URL)
		if err != nil {
			return nil, fmt.Errorf("channel.url: %w", err)
		}
		return stompws.New(stompws.Options{URL: cfg.Channel.URL, Host: u.Hostname(), Token: cfg.API.Token}, log), nil
	default:
		return nil, fmt.Errorf("%w: channel.kind %q", config.ErrInvalid, cfg.Channel.Kind)
	}
}

func run(ctx context.Context, cfg config.Config, f runFlags, log *zap.Logger) (err error) {
	self, err := roomapi.IdentityFromToken(cfg.API.Token)
	if err != nil {
		return err
	}
	log = log.With(zap.Int64("member", self.MemberID))

	ch, err := newChannel(cfg, log)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, ch.Close()) }()
	if err := ch.Connect(ctx); err != nil {
		return fmt.Errorf("connect push channel: %w", err)
	}

	var (
		rec  match.Recorder
		hist bridge.History
	)
	if cfg.HistoryDSN != "" {
		store, openErr := history.Open(cfg.HistoryDSN, log)
		if openErr != nil {
			return openErr
		}
		defer func() { err = multierr.Append(err, store.Close()) }()
		rec, hist = store, store
	}

	api := roomapi.NewClient(cfg.API.BaseURL, cfg.API.Token, cfg.API.Timeout, log)
	sess := room.NewSession(ctx, api, ch, room.Options{TopicPrefix: cfg.Topics.Room, FetchTimeout: cfg.API.Timeout, MemberID: self.MemberID}, log)
	defer func() { err = multierr.Append(err, sess.Close()) }()

	matchOpts := match.Options{
		MatchTopic: cfg.Topics.Match,
		ChatTopic:  cfg.Topics.Chat,
		AnswerDest: cfg.Destinations.Answer,
		ChatDest:   cfg.Destinations.Chat,
	}
	battles := hub.NewHub(ctx, func(parent context.Context, r types.RoomState) *match.Battle {
		return match.New(parent, r.RoomID, self, match.RosterFromRoom(r), ch, matchOpts, rec, log)
	}, log)
	defer battles.Close()

	snaps := make(chan room.Snapshot, 16)
	sess.Listen("battle-follower", snaps)
	go battles.Follow(ctx, snaps, 0)

	if err := enter(ctx, sess, f, log); err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.BridgeAddr,
		Handler:           bridge.New(sess, battles, hist, self, log).Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		log.Info("bridge listening", zap.String("addr", cfg.BridgeAddr))
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("bridge: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func enter(ctx context.Context, sess *room.Session, f runFlags, log *zap.Logger) error {
	switch {
	case f.create != "":
		id, err := sess.CreateRoom(ctx, roomapi.CreateRequest{Title: f.create, MaxPeople: f.maxSize, Subject: f.subject})
		if err != nil {
			return err
		}
		log.Info("room created", zap.Int64("room", id))
	case f.join != 0:
		if err := sess.JoinRoom(ctx, f.join, false); err != nil {
			return err
		}
		log.Info("room joined", zap.Int64("room", f.join))
	case f.rejoin != 0:
		if err := sess.ConnectToRoom(ctx, f.rejoin); err != nil {
			return err
		}
		log.Info("room reattached", zap.Int64("room", f.rejoin))
	}
	return nil
}
