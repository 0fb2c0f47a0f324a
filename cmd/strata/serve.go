package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"strata/internal/config"
	"strata/internal/engine"
)

const (
	metricsReadHeaderTimeout = 5 * time.Second
	shutdownTimeout          = 10 * time.Second
)

func newServeCmd(cfg *config.Config) *cobra.Command {
	var metricsAddr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run scheduled maintenance and expose metrics until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			addr := strings.TrimSpace(metricsAddr)
			if addr == "" {
				addr = strings.TrimSpace(cfg.MetricsAddr)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return withEngine(cfg, func(eng *engine.Engine) error {
				return serve(ctx, eng, addr, slog.Default().With("component", "serve"))
			})
		},
	}
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "listen address for /metrics (overrides metrics_addr)")
	return cmd
}

func serve(ctx context.Context, eng *engine.Engine, metricsAddr string, logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	sched := eng.Scheduler()
	for _, job := range sched.Jobs() {
		logger.Info("scheduled job", "job", job.Name, "interval", job.Interval)
	}
	sched.Start(ctx)
	defer sched.Wait()
	defer cancel()

	if _, err := eng.Info(ctx); err != nil {
		logger.Warn("initial tier stats failed", "error", err)
	}

	if metricsAddr == "" {
		<-ctx.Done()
		logger.Info("shutting down")
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", eng.Metrics().Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	server := &http.Server{
		Addr:              metricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: metricsReadHeaderTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("serving metrics", "addr", metricsAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
