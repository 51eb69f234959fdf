package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rackdesk/rackdesk/internal/api"
	"github.com/rackdesk/rackdesk/internal/auth"
	"github.com/rackdesk/rackdesk/internal/config"
	"github.com/rackdesk/rackdesk/internal/draft"
	"github.com/rackdesk/rackdesk/internal/models"
	"github.com/rackdesk/rackdesk/internal/platform"
	"github.com/rackdesk/rackdesk/internal/realtime"
	"github.com/rackdesk/rackdesk/internal/session"
	"github.com/rackdesk/rackdesk/internal/validate"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	for _, arg := range os.Args[1:] {
		if arg == "--version" || arg == "-v" {
			fmt.Printf("rackdesk %s (commit: %s, built: %s)\n", version, commit, date)
			os.Exit(0)
		}
	}

	cfg := config.Parse()
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	if cfg.Controller == "" {
		logger.Error("no controller URL configured")
		os.Exit(1)
	}

	store, err := draft.OpenSetupStore(cfg.DataDir)
	if err != nil {
		logger.Error("opening local state store", "dir", cfg.DataDir, "error", err)
		os.Exit(1)
	}
	defer store.Close()

	tokens := auth.NewManager(cfg.Controller, cfg.Username, cfg.Password, func() {
		logger.Error("controller session expired, re-authentication required")
	}, logger)
	if err := tokens.Login(context.Background()); err != nil {
		// The controller may simply be down right now; upstream calls
		// will keep failing loudly until it comes back.
		logger.Warn("initial login failed", "error", err)
	}

	client := platform.NewClient(cfg.Controller, tokens, cfg.Insecure)

	graph := draft.NewGraph(client, store, logger)
	if state, err := store.LoadResources(); err != nil {
		logger.Warn("loading persisted setup draft", "error", err)
	} else if state != nil {
		graph.Restore(*state)
		logger.Info("restored setup draft",
			"rooms", len(state.Rooms), "ups", len(state.UPSList), "servers", len(state.Servers))
	}

	checker := validate.NewChecker(client, graph, logger)
	defer checker.Stop()

	factory := func(namespace string, onEvent func(models.Event), onConnError func(error)) session.Transport {
		return realtime.New(realtime.Config{
			BaseURL:     cfg.ControllerWS,
			Namespace:   namespace,
			Tokens:      tokens,
			MaxRetries:  cfg.ReconnectRetries,
			Backoff:     cfg.ReconnectBackoff(),
			OnEvent:     onEvent,
			OnConnError: onConnError,
			Logger:      logger,
		})
	}

	migration := session.NewMigration(client, factory, logger)
	discovery := session.NewDiscovery(client, factory, store, logger)
	defer migration.Close()
	defer discovery.Close()

	// Rehydrate any server-side sessions that were running before we
	// (re)started. Both pulls run concurrently; neither blocks startup
	// for more than its HTTP timeout.
	recoverCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	var g errgroup.Group
	g.Go(func() error { migration.Recover(recoverCtx); return nil })
	g.Go(func() error { discovery.Recover(recoverCtx); return nil })
	g.Wait()
	cancel()

	server := &api.Server{
		Graph:     graph,
		Store:     store,
		Checker:   checker,
		Migration: migration,
		Discovery: discovery,
	}

	srv := &http.Server{
		Addr:    cfg.Listen,
		Handler: api.NewRouter(server),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Info("rackdesk starting", "version", version, "listen", cfg.Listen, "controller", cfg.Controller)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("rackdesk stopped")
}
