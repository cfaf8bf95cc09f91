// cmd/server/main.go
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jason-s-yu/typerace/internal/auth"
	"github.com/jason-s-yu/typerace/internal/cache"
	"github.com/jason-s-yu/typerace/internal/competition"
	"github.com/jason-s-yu/typerace/internal/config"
	"github.com/jason-s-yu/typerace/internal/database"
	"github.com/jason-s-yu/typerace/internal/events"
	"github.com/jason-s-yu/typerace/internal/handlers"
	"github.com/jason-s-yu/typerace/internal/spectate"
	"github.com/jason-s-yu/typerace/internal/texts"
	"github.com/jason-s-yu/typerace/internal/tournament"
	_ "github.com/joho/godotenv/autoload"
	"github.com/jonboulle/clockwork"
	"github.com/rs/cors"
	"github.com/sirupsen/logrus"
)

func main() {
	logger := logrus.New()
	cfg, err := config.Load(config.Path())
	if err != nil {
		logger.Fatalf("config: %v", err)
	}
	if lvl, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(lvl)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	clock := clockwork.NewRealClock()

	library := texts.Default()
	if cfg.TextsFile != "" {
		if library, err = texts.LoadFile(cfg.TextsFile); err != nil {
			logger.Fatalf("texts: %v", err)
		}
	}
	logger.Infof("loaded %d passages", library.Len())

	var (
		sessions    competition.SessionStore = competition.NewMemoryStore()
		tournaments tournament.Store         = tournament.NewMemoryStore()
		resultHooks competition.Hooks
	)
	if cfg.Redis.Enabled {
		rdb, err := cache.ConnectRedis(cache.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		if err != nil {
			logger.Fatalf("redis: %v", err)
		}
		defer rdb.Close()
		sessions = cache.NewSessionStore(rdb, cfg.Redis.KeyPrefix)
		tournaments = tournament.WithNotFound(cache.NewTournamentStore(rdb, cfg.Redis.KeyPrefix), cache.ErrTournamentNotFound)
		resultHooks = cache.NewResultQueue(rdb, cfg.Redis.ResultQueue).Hooks(logger)
		logger.Infof("using redis at %s", cfg.Redis.Addr)
	} else {
		logger.Warn("redis disabled, rooms and tournaments live in memory only")
	}

	var publisher events.Publisher = events.NopPublisher{}
	if cfg.NATS.URL != "" {
		jsCfg := events.DefaultJetStreamConfig()
		jsCfg.URL = cfg.NATS.URL
		jsCfg.StreamName = cfg.NATS.Stream
		jsCfg.SubjectPrefix = cfg.NATS.SubjectPrefix
		js, err := events.NewJetStreamPublisher(jsCfg, logger)
		if err != nil {
			logger.Fatalf("nats: %v", err)
		}
		publisher = js
	}
	defer publisher.Close()

	var users handlers.UserStore
	if cfg.Postgres.Enabled {
		pool, err := database.Connect(ctx, cfg.Postgres.DSN())
		if err != nil {
			logger.Fatalf("postgres: %v", err)
		}
		defer pool.Close()
		store := database.NewStore(pool)
		if err := store.Migrate(ctx); err != nil {
			logger.Fatalf("migrate: %v", err)
		}
		users = store
	}

	issuer, err := auth.NewIssuer(cfg.Auth.TokenExpire)
	if err != nil {
		logger.Fatalf("auth: %v", err)
	}

	manager := tournament.NewManager(tournament.Options{
		Store:      tournaments,
		Clock:      clock,
		Logger:     logger,
		OnComplete: events.TournamentCompleted(publisher, clock, logger),
	})
	rooms := competition.NewRegistry(competition.Deps{
		Store:   sessions,
		Texts:   library,
		Clock:   clock,
		Logger:  logger,
		Config:  cfg.CoordinatorConfig(),
		Presets: manager.MatchPreset,
		Hooks: competition.CombineHooks(
			events.Hooks(publisher, clock, logger),
			resultHooks,
			manager.Hooks(),
		),
	})
	manager.SetRooms(rooms)
	defer rooms.Shutdown()

	if n, err := rooms.Restore(ctx); err != nil {
		logger.WithError(err).Warn("failed to restore rooms")
	} else if n > 0 {
		logger.Infof("restored %d rooms", n)
	}
	if n, err := manager.Restore(ctx); err != nil {
		logger.WithError(err).Warn("failed to restore tournaments")
	} else if n > 0 {
		logger.Infof("restored %d tournaments", n)
	}

	srv := &handlers.Server{
		Logger:          logger,
		Rooms:           rooms,
		Spectate:        spectate.NewRegistry(clock, logger),
		Tournaments:     manager,
		Issuer:          issuer,
		Users:           users,
		DefaultSettings: cfg.CoordinatorConfig().Settings,
		RateLimit:       handlers.RateLimit{PerSecond: cfg.RateLimit.TypingPerSecond, Burst: cfg.RateLimit.TypingBurst},
		OriginPatterns:  cfg.AllowedOrigins,
	}
	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
	})

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           corsHandler.Handler(srv.Routes()),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	logger.Infof("Running on %s", httpServer.Addr)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatalf("server exited: %v", err)
	}
}
