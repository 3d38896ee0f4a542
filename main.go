// upscaler/main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"upscaler/api"
	"upscaler/config"
	"upscaler/ffmpeg"
	"upscaler/report"
	"upscaler/task"

	"github.com/hashicorp/go-hclog"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "upscaler:", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	level := hclog.LevelFromString(cfg.LogLevel)
	if level == hclog.NoLevel {
		level = hclog.Info
	}
	logger := hclog.New(&hclog.LoggerOptions{
		Name:  "upscaler",
		Level: level,
	})

	// 2. Collaborators of the sequencer
	errLog, err := report.OpenErrorLog(cfg.ErrorLog)
	if err != nil {
		return err
	}
	launcher, err := ffmpeg.NewLauncher(cfg, logger)
	if err != nil {
		return fmt.Errorf("initialize ffmpeg launcher: %w", err)
	}
	settings := config.NewSettingsLoader(cfg.SettingsFile)
	hub := report.NewHub(cfg.AlertTimeout, logger)
	observer := report.Fanout{report.NewConsole(logger, os.Stderr), hub}

	// 3. Sequencer
	seq := task.NewSequencer(cfg, launcher, settings, observer, errLog, logger)
	seq.SetStrayKiller(launcher.KillStray)

	// 4. Serve until a signal arrives or the server fails
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: api.SetupRouter(gctx, seq, hub, settings, cfg, logger),
	}

	g.Go(func() error {
		logger.Info("server starting", "port", cfg.Port, "settings", cfg.SettingsFile, "error_log", errLog.Path())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		// Restore default behavior on the interrupt signal.
		stop()
		logger.Info("shutting down gracefully, press Ctrl+C again to force")

		// Room for the encoder to finish its grace period.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.TerminateGrace+5*time.Second)
		defer cancel()
		if err := seq.Shutdown(shutdownCtx); err != nil {
			logger.Warn("run did not stop in time", "error", err)
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("server exiting")
	return nil
}
