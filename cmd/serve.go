// Package cmd implements the subcommands behind the wgsteward binary.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"wgsteward/internal/api"
	"wgsteward/internal/audit"
	"wgsteward/internal/compile"
	"wgsteward/internal/config"
	"wgsteward/internal/engine"
	"wgsteward/internal/logging"
	"wgsteward/internal/store"
	"wgsteward/internal/system"
	"wgsteward/internal/verify"
)

// RunServe starts the daemon: recovery pass first, then the API server
// until SIGINT or SIGTERM.
func RunServe(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log := logging.New(logging.Config{
		Level: parseLevel(cfg.Log.Level),
		JSON:  cfg.Log.JSON,
	})
	logging.SetDefault(log)

	st, err := store.Open(filepath.Join(cfg.StateDir, "state.db"))
	if err != nil {
		return err
	}
	defer st.Close()

	artifacts, err := store.NewArtifactStore(filepath.Join(cfg.StateDir, "artifacts"))
	if err != nil {
		return err
	}

	trail, err := audit.Open(filepath.Join(cfg.StateDir, "audit.db"), nil)
	if err != nil {
		return err
	}
	defer trail.Close()

	applier := system.NewWGQuickApplier(nil, applyOptions(cfg), log)
	eng := engine.New(st, artifacts, applier, nil, cfg, log).WithAudit(trail)
	if cfg.VerifyTarget != "" {
		eng.WithVerifier(verify.NewPingVerifier(log), cfg.VerifyTarget)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := eng.RecoverPending(ctx); err != nil {
		return fmt.Errorf("startup recovery: %w", err)
	}

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           api.NewServer(eng, log).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("api listening", "addr", cfg.Listen)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func applyOptions(cfg *config.Config) compile.Options {
	opts := compile.Options{Interface: cfg.Interface, ConfigPath: cfg.ConfigPath}
	opts.Defaults()
	return opts
}

func parseLevel(level string) logging.Level {
	switch level {
	case "debug":
		return logging.LevelDebug
	case "warn":
		return logging.LevelWarn
	case "error":
		return logging.LevelError
	default:
		return logging.LevelInfo
	}
}
