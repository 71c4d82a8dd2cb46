// Package internal provides the application initialization and runtime logic
// behind the long-running kechain commands.
package internal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/starford/kechain/internal/attachsync"
	"github.com/starford/kechain/internal/emulator"
	"github.com/starford/kechain/internal/manifest"
)

// NewLogger returns the JSON logger every command writes with.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
}

func setup(opts []Option) (*application, error) {
	app := &application{}
	for _, opt := range opts {
		opt(app)
	}
	if app.config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if app.logger == nil {
		app.logger = NewLogger(os.Stdout, app.config.App.LogLevel)
	}
	return app, nil
}

// Run serves the emulated backend until ctx is cancelled or a shutdown
// signal arrives.
func Run(ctx context.Context, opts ...Option) error {
	app, err := setup(opts)
	if err != nil {
		return err
	}
	cfg, logger := app.config, app.logger
	slog.SetDefault(logger)

	logger.Info("Configuration loaded",
		slog.String("http_address", cfg.App.HTTP.Address()),
		slog.String("pim_version", cfg.Emulator.PIMVersion),
		slog.Bool("demo", cfg.Emulator.Demo),
		slog.String("log_level", cfg.App.LogLevel.String()))

	emu, err := emulator.New(cfg.Emulator.Config)
	if err != nil {
		return fmt.Errorf("init emulator: %w", err)
	}
	defer emu.Close()

	if cfg.Emulator.Demo {
		scopes, err := emu.Seed(ctx, emulator.DemoSeed)
		if err != nil {
			return fmt.Errorf("seed demo: %w", err)
		}
		for _, sc := range scopes {
			logger.Info("Seeded scope", slog.String("id", sc.ID), slog.String("name", sc.Name))
		}
	}

	ln, err := net.Listen("tcp", cfg.App.HTTP.Address())
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	httpServer := &http.Server{
		Handler:           emu.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("Starting HTTP server", slog.String("address", ln.Addr().String()))
		if app.ready != nil {
			app.ready <- ln.Addr().String()
		}
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		waitForShutdown(gCtx, logger)

		logger.Info("Shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", slog.String("error", err.Error()))
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("Application error", slog.String("error", err.Error()))
		return err
	}

	logger.Info("Server stopped successfully")
	return nil
}

// Watch uploads the attachments listed in the configured manifest once and
// then every time one of the files changes.
func Watch(ctx context.Context, opts ...Option) error {
	app, err := setup(opts)
	if err != nil {
		return err
	}
	cfg, logger := app.config, app.logger

	m, err := manifest.Load(cfg.Watch.Manifest)
	if err != nil {
		return err
	}
	if len(m.Attachments) == 0 {
		return fmt.Errorf("%s maps no attachments", cfg.Watch.Manifest)
	}
	client, err := cfg.NewClient(logger)
	if err != nil {
		return err
	}
	root, err := filepath.Abs(cfg.Watch.Dir)
	if err != nil {
		return err
	}
	syncer, err := attachsync.New(client, root, m, logger)
	if err != nil {
		return err
	}
	syncer.Debounce = cfg.Watch.Debounce

	n, err := syncer.SyncAll(ctx)
	if err != nil {
		return fmt.Errorf("initial sync: %w", err)
	}
	logger.Info("Initial sync done", slog.Int("uploaded", n))

	g, gCtx := errgroup.WithContext(ctx)
	watchCtx, stop := context.WithCancel(gCtx)
	defer stop()

	g.Go(func() error {
		return syncer.Watch(watchCtx)
	})
	g.Go(func() error {
		waitForShutdown(watchCtx, logger)
		stop()
		return nil
	})
	return g.Wait()
}

// waitForShutdown blocks until SIGINT/SIGTERM or ctx is done.
func waitForShutdown(ctx context.Context, logger *slog.Logger) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case sig := <-quit:
		logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
	case <-ctx.Done():
		logger.Info("Context cancelled, initiating shutdown")
	}
}
