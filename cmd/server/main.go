package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/omochice/tabletalk-chat/internal/auth"
	"github.com/omochice/tabletalk-chat/internal/chat"
	"github.com/omochice/tabletalk-chat/internal/config"
	"github.com/omochice/tabletalk-chat/internal/server"
	"github.com/omochice/tabletalk-chat/internal/storage"
	"github.com/omochice/tabletalk-chat/internal/storage/memory"
	"github.com/omochice/tabletalk-chat/internal/storage/redis"
	"github.com/omochice/tabletalk-chat/pkg/logger"
)

const shutdownTimeout = 15 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "chat server: %v\n", err)
		os.Exit(1)
	}
}

// presenceStore is what the server needs from a presence backend.
type presenceStore interface {
	chat.Presence
	storage.Sweepable
}

func run(ctx context.Context) error {
	cfg, err := config.Load(ctx)
	if err != nil {
		return err
	}

	log := logger.Init(logger.Options{
		Level:   cfg.LogLevel,
		Pretty:  cfg.LogPretty,
		Service: "tabletalk-chat",
	})
	log.Info().Str("env", cfg.Env).Str("addr", cfg.Addr()).Msg("starting chat server")

	rooms, err := memory.ParseRooms(cfg.Chat.Rooms)
	if err != nil {
		return fmt.Errorf("failed to parse CHAT_ROOMS: %w", err)
	}

	// --- Storage ---
	var (
		rdb      *goredis.Client
		dir      chat.Directory
		presence presenceStore
	)
	if cfg.Redis.Enabled {
		rdb, err = redis.Connect(ctx, redis.Config{Addr: cfg.Redis.Addr, DB: cfg.Redis.DB})
		if err != nil {
			return err
		}
		defer rdb.Close()

		rd := redis.NewDirectory(rdb)
		for _, r := range rooms {
			if err := rd.Put(ctx, r); err != nil {
				return fmt.Errorf("failed to seed room %d: %w", r.ID, err)
			}
		}
		dir = rd
		presence = redis.NewPresence(rdb)
		log.Info().Str("addr", cfg.Redis.Addr).Int("rooms", len(rooms)).Msg("using redis storage")
	} else {
		dir = memory.NewDirectory(rooms...)
		presence = memory.NewPresence()
		log.Info().Int("rooms", len(rooms)).Msg("using in-memory storage")
	}

	if cfg.Presence.SweepCron != "" {
		sweeper, err := storage.NewSweeper(presence, cfg.Presence.SweepCron, cfg.Presence.TTL, logger.Component("sweeper"))
		if err != nil {
			return err
		}
		sweeper.Start(ctx)
	}

	// --- Chat core ---
	reg := chat.NewRegistry(dir, log)
	disp := chat.NewDispatcher(reg, presence, chat.DispatcherConfig{
		EchoSender:   cfg.Chat.EchoSender,
		MaxMalformed: cfg.Chat.MaxMalformed,
		MaxContent:   cfg.Chat.MaxContent,
	}, log)
	authn := auth.NewAuthenticator(
		auth.NewJWTVerifier(cfg.JWT.Secret, cfg.JWT.Issuer, cfg.JWT.Leeway),
		cfg.Chat.AllowAnonymous,
	)

	srv := server.New(server.Config{
		Addr:      cfg.Addr(),
		ReadLimit: cfg.Chat.ReadLimit,
		Session: chat.SessionConfig{
			QueueSize:    cfg.Chat.SendQueue,
			WriteTimeout: cfg.Chat.WriteTimeout,
			RateLimit:    rate.Limit(cfg.Chat.RateRPS),
			RateBurst:    cfg.Chat.RateBurst,
		},
	}, server.Deps{
		Auth:       authn,
		Registry:   reg,
		Dispatcher: disp,
		Presence:   presence,
		Redis:      rdb,
		Logger:     log,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		log.Info().Msg("received shutdown signal")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return <-errCh
}
