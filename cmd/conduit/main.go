package main

import (
	"context"
	"log"
	"os"

	"github.com/tannerhall/conduit/internal/api"
	"github.com/tannerhall/conduit/internal/auth"
	"github.com/tannerhall/conduit/internal/config"
	"github.com/tannerhall/conduit/internal/dispatch"
	"github.com/tannerhall/conduit/internal/execution"
	"github.com/tannerhall/conduit/internal/reclaim"
	"github.com/tannerhall/conduit/internal/runtime/factory"
	"github.com/tannerhall/conduit/internal/store"
	"github.com/tannerhall/conduit/internal/trigger"
)

func main() {
	cfg := config.Load()
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	logger.Info("conduit: starting",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"runtime_backend", cfg.RuntimeBackend,
	)

	if cfg.TokenSecret == "" {
		log.Fatal("CONDUIT_TOKEN_SECRET is required")
	}

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rt, err := factory.New(ctx, cfg.RuntimeBackend, logger)
	if err != nil {
		log.Fatalf("failed to build runtime backend: %v", err)
	}

	tokens := auth.NewTokenIssuer([]byte(cfg.TokenSecret))
	broker := dispatch.NewEventBroker()
	execs := execution.NewManager(db, logger)
	matcher := trigger.NewRegistry()

	syncer := trigger.NewSyncer(db, logger)

	dispatcher := dispatch.NewDispatcher(
		db, execs, matcher, syncer,
		rt.Backend, dispatch.ImageResolver(rt.Resolve),
		tokens, broker, cfg.CallbackBaseURL, logger,
	)

	sweeper := reclaim.NewSweeper(rt.Backend, execs, cfg.ReclaimInterval, logger)
	go sweeper.Run(ctx)

	srv := api.NewServer(cfg.ListenAddr, db, dispatcher, broker, rt.Backend, cfg.RuntimeBackend, dispatch.ImageResolver(rt.Resolve), logger)

	if err := srv.Run(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
