// Lexforum - Legal Community Realtime and Metering Core
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lexforum/lexforum

// Command server runs the Lexforum realtime and metering core: the
// websocket hub, the presence registry, the usage meter, and the REST
// surface, all under a suture supervision tree.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/dgraph-io/badger/v4"

	"github.com/lexforum/lexforum/internal/api"
	"github.com/lexforum/lexforum/internal/auth"
	"github.com/lexforum/lexforum/internal/config"
	"github.com/lexforum/lexforum/internal/logging"
	"github.com/lexforum/lexforum/internal/metering"
	"github.com/lexforum/lexforum/internal/presence"
	"github.com/lexforum/lexforum/internal/realtime"
	"github.com/lexforum/lexforum/internal/supervisor"
	"github.com/lexforum/lexforum/internal/supervisor/services"
)

func main() {
	if err := run(); err != nil {
		logging.Error().Err(err).Msg("server exited with error")
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	logging.Info().
		Str("environment", cfg.Server.Environment).
		Int("port", cfg.Server.Port).
		Msg("starting lexforum core")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Key store: badger unless in-memory mode is configured.
	store, closeStore, err := openKeyStore(cfg)
	if err != nil {
		return fmt.Errorf("open key store: %w", err)
	}
	defer closeStore()

	meter := metering.NewMeter(store, metering.Config{
		TotalLimit: cfg.Metering.TotalLimit,
		KeyTTL:     cfg.Metering.KeyTTL,
	})
	if err := meter.Load(ctx); err != nil {
		return fmt.Errorf("warm usage meter: %w", err)
	}

	jwtManager, err := auth.NewJWTManager(cfg.Security.JWTSecret, cfg.Security.SessionTimeout)
	if err != nil {
		return fmt.Errorf("init jwt manager: %w", err)
	}

	registry := presence.NewRegistry()
	hub := realtime.NewHub(registry)

	handlers := api.NewHandlers(registry, meter)
	wsHandler := api.NewWebSocketHandler(hub, jwtManager, originChecker(cfg.Security.CORSOrigins))

	router := api.NewRouter(api.RouterDeps{
		Config:     cfg,
		Handlers:   handlers,
		WebSocket:  wsHandler,
		JWTManager: jwtManager,
		Meter:      meter,
	})

	server := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: cfg.Server.Timeout,
	}

	treeConfig := supervisor.DefaultTreeConfig()
	tree := supervisor.NewTree(slog.New(logging.NewSlogHandler()), treeConfig)
	tree.AddRealtimeService(services.NewHubService(hub))
	tree.AddAPIService(services.NewHTTPServerService(server, treeConfig.ShutdownTimeout))

	logging.Info().Str("addr", server.Addr).Msg("serving")

	err = tree.Serve(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("supervisor: %w", err)
	}

	if report, reportErr := tree.UnstoppedServiceReport(); reportErr == nil && len(report) > 0 {
		for _, svc := range report {
			logging.Warn().Str("service", svc.Name).Msg("service did not stop within timeout")
		}
	}

	logging.Info().Msg("shutdown complete")
	return nil
}

// openKeyStore opens the configured key store and returns it with its
// close function.
func openKeyStore(cfg *config.Config) (metering.KeyStore, func(), error) {
	if cfg.Metering.InMemory {
		logging.Warn().Msg("metering runs in-memory, quota resets on restart")
		return metering.NewMemoryKeyStore(), func() {}, nil
	}

	opts := badger.DefaultOptions(cfg.Metering.DataDir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, nil, err
	}
	closeFn := func() {
		if err := db.Close(); err != nil {
			logging.Error().Err(err).Msg("badger close failed")
		}
	}
	return metering.NewBadgerKeyStore(db), closeFn, nil
}

// originChecker builds the websocket Origin check from the CORS
// origins. A wildcard admits every origin; otherwise only listed
// origins (and requests without an Origin header, i.e. non-browser
// clients) are admitted.
func originChecker(origins []string) func(*http.Request) bool {
	allowAll := false
	allowed := make(map[string]bool, len(origins))
	for _, origin := range origins {
		if origin == "*" {
			allowAll = true
		}
		allowed[origin] = true
	}

	return func(r *http.Request) bool {
		if allowAll {
			return true
		}
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		return allowed[origin]
	}
}
