// Package internal provides the application entry points: one-shot builds,
// develop mode and the MCP server.
package internal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/starford/kiln/internal/devserver"
	"github.com/starford/kiln/internal/logging"
	"github.com/starford/kiln/internal/mcpserver"
	"github.com/starford/kiln/internal/source/filesystem"
	"github.com/starford/kiln/internal/sourcing"
)

func newApplication(opts []Option) (*application, error) {
	app := &application{}
	for _, opt := range opts {
		opt(app)
	}
	if app.config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if app.logger == nil {
		app.logger = logging.Init(app.config.App.LogLevel, app.config.App.LogFormat, app.logOut)
	}
	return app, nil
}

// Build runs one sourcing pass and every query job, then writes pending
// page data. A query with errors fails the build.
func Build(ctx context.Context, opts ...Option) error {
	app, err := newApplication(opts)
	if err != nil {
		return err
	}
	logger := app.logger

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	s, err := openSite(ctx, app.config, logger)
	if err != nil {
		return err
	}
	defer s.Close()

	began := time.Now()
	res, err := s.pass(ctx, sourcing.Options{})
	if err != nil {
		logger.Error("Build failed", slog.String("error", err.Error()))
		return err
	}
	logger.Info("Build finished",
		slog.String("trace_id", res.TraceID),
		slog.Int("nodes", s.graph.Len()),
		slog.Int("stale", res.Stale),
		slog.Int("jobs", res.Jobs),
		slog.Int("page_data_written", res.Flushed),
		slog.Duration("took", time.Since(began)))
	return nil
}

// trigger asks for an incremental pass restricted to one source.
type trigger struct {
	plugin string
	paths  []string
}

// Develop builds once, then serves the dev server and re-runs sourcing and
// queries whenever a watched source changes.
func Develop(ctx context.Context, opts ...Option) error {
	app, err := newApplication(opts)
	if err != nil {
		return err
	}
	cfg := app.config
	logger := app.logger

	logger.Info("Configuration loaded",
		slog.String("http_address", cfg.App.HTTP.Address()),
		slog.String("site", cfg.Site.Directory),
		slog.String("cache", cfg.Cache.Path),
		slog.String("worker_id", cfg.Cache.WorkerID),
		slog.String("log_level", cfg.App.LogLevel.String()))

	s, err := openSite(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer s.Close()

	var ready atomic.Bool
	router := devserver.NewRouter(s.graph, devserver.Config{
		AuthEnabled: cfg.Auth.AuthEnabled(),
		Token:       cfg.Auth.Token,
		PublicDir:   s.publicDir(),
		Events:      s.bus,
		Metrics:     s.metrics.Handler(),
		Ready:       ready.Load,
	})

	httpServer := &http.Server{
		Addr:              cfg.App.HTTP.Address(),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gCtx := errgroup.WithContext(ctx)
	triggers := make(chan trigger, 16)

	// Source, query and flush: the initial pass, then one per trigger.
	g.Go(func() error {
		res, err := s.pass(gCtx, sourcing.Options{})
		if err != nil {
			return fmt.Errorf("initial build: %w", err)
		}
		ready.Store(true)
		logger.Info("Initial build finished",
			slog.Int("nodes", s.graph.Len()),
			slog.Int("stale", res.Stale),
			slog.Int("page_data_written", res.Flushed))

		for {
			select {
			case <-gCtx.Done():
				return nil
			case t := <-triggers:
				res, err := s.pass(gCtx, sourcing.Options{
					PluginName:  t.plugin,
					WebhookBody: map[string]any{"changedPaths": t.paths},
				})
				if err != nil {
					// Keep serving; the next change gets another chance.
					logger.Error("Incremental build failed",
						slog.String("plugin", t.plugin),
						slog.String("error", err.Error()))
					continue
				}
				logger.Info("Incremental build finished",
					slog.String("trace_id", res.TraceID),
					slog.String("plugin", t.plugin),
					slog.Int("changed", len(t.paths)),
					slog.Int("page_data_written", res.Flushed))
			}
		}
	})

	if cfg.Develop.Watch {
		for _, src := range s.sources {
			g.Go(func() error {
				return watchSource(gCtx, src, cfg.Develop.Debounce, s.component("watch"), triggers)
			})
		}
	}

	// Start HTTP server.
	g.Go(func() error {
		logger.Info("Starting HTTP server", slog.String("address", cfg.App.HTTP.Address()))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})

	// Handle shutdown signals.
	g.Go(func() error {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(quit)

		select {
		case sig := <-quit:
			logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
		case <-gCtx.Done():
			logger.Info("Context cancelled, initiating shutdown")
		}

		logger.Info("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", slog.String("error", err.Error()))
		}
		return errShutdown
	})

	if err := g.Wait(); err != nil && !errors.Is(err, errShutdown) {
		logger.Error("Application error", slog.String("error", err.Error()))
		return err
	}

	logger.Info("Server stopped successfully")
	return nil
}

// errShutdown cancels the group once the server has shut down.
var errShutdown = errors.New("shutdown")

func watchSource(ctx context.Context, src *filesystem.Source, debounce time.Duration, logger *slog.Logger, out chan<- trigger) error {
	err := src.Watch(ctx, debounce, logger, func(paths []string) {
		select {
		case out <- trigger{plugin: src.Name(), paths: paths}:
		case <-ctx.Done():
		}
	})
	if err != nil {
		return fmt.Errorf("watch %s: %w", src.Name(), err)
	}
	return nil
}

// ServeMCP sources the graph once and serves MCP tools over stdio.
func ServeMCP(ctx context.Context, opts ...Option) error {
	app, err := newApplication(opts)
	if err != nil {
		return err
	}

	s, err := openSite(ctx, app.config, app.logger)
	if err != nil {
		return err
	}
	defer s.Close()

	if _, err := s.reconciler.Run(ctx, sourcing.Options{}); err != nil {
		return err
	}

	srv := mcpserver.New(s.graph, s.registry, s.exec)
	app.logger.Info("Serving MCP over stdio", slog.Int("nodes", s.graph.Len()))
	return srv.ServeStdio()
}
