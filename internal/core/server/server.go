package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mohammed-shakir/geo-align/internal/core/config"
	"github.com/mohammed-shakir/geo-align/internal/core/health"
	middleware "github.com/mohammed-shakir/geo-align/internal/core/middleware"
	"github.com/mohammed-shakir/geo-align/internal/core/router"
)

// Deps carries the wired backends served by the HTTP surface. Metrics and
// Ready are optional; the corresponding endpoints are simply not mounted.
type Deps struct {
	Aligner router.Aligner
	Ready   health.ReadinessReporter
	Metrics http.Handler
}

// sets up http and starts serving
func Run(ctx context.Context, cfg config.Config, logger *slog.Logger, deps Deps) error {
	r := chi.NewRouter()
	r.Use(middleware.Recover())
	r.Use(middleware.Logging(logger))
	r.Use(middleware.CORS())

	r.Get("/healthz", health.Liveness())
	if deps.Ready != nil {
		r.Get("/readyz", health.Readiness(deps.Ready))
	}
	if deps.Metrics != nil {
		r.Get("/metrics", deps.Metrics.ServeHTTP)
	}
	r.Post(router.RouteScan, router.HandleScan(logger, cfg, deps.Aligner))
	r.Post(router.RouteParse, router.HandleParse(logger, deps.Aligner))
	r.Post(router.RouteWindow, router.HandleWindow(logger, deps.Aligner))

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		// Scans that materialize reprojections can run for minutes.
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http listen", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		return err
	}
}
