package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"sciecho/internal/util"
	"sciecho/services/paper/internal/authclient"
	"sciecho/services/paper/internal/config"
	"sciecho/services/paper/internal/server"
	"sciecho/services/paper/internal/setup"
)

const defaultShutdownTimeout = 20 * time.Second

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger := util.InitLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stores, err := setup.OpenStores(cfg)
	if err != nil {
		log.Fatalf("failed to open stores: %v", err)
	}
	defer func() {
		if err := stores.Close(); err != nil {
			logger.Warn("close stores", "err", err)
		}
	}()
	objects, err := setup.NewObjectStore(ctx, cfg.Minio)
	if err != nil {
		log.Fatalf("failed to init object store: %v", err)
	}
	engine, err := setup.NewEngine(cfg.Engine)
	if err != nil {
		log.Fatalf("failed to init engine: %v", err)
	}
	tokenVerifier, err := setup.NewTokenVerifier(ctx, cfg)
	if err != nil {
		log.Fatalf("failed to init jwks verifier: %v", err)
	}
	appCore, err := setup.NewApp(cfg, stores, engine, objects)
	if err != nil {
		log.Fatalf("failed to init app: %v", err)
	}

	revoker, closeRevoker := setup.NewTokenRevoker(cfg)
	defer func() { _ = closeRevoker() }()

	httpServer, err := server.New(server.Config{
		App:                appCore,
		Auth:               authclient.NewClient(cfg.AuthServiceURL),
		TokenVerifier:      tokenVerifier,
		Revoker:            revoker,
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
	})
	if err != nil {
		log.Fatalf("failed to init server: %v", err)
	}

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 3 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}
	shutdownTimeout := config.MustDuration(cfg.ShutdownTimeout)
	if shutdownTimeout <= 0 {
		shutdownTimeout = defaultShutdownTimeout
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("paper server listening", "addr", addr, "store", cfg.StoreBackend, "ledger", cfg.LedgerBackend, "archive", objects != nil)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		slog.Info("paper server shutting down")
		return srv.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil {
		logger.Error("server error", "err", err)
	}
}
