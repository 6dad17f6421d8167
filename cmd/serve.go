package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/agency-core/internal/api"
	"github.com/sells-group/agency-core/internal/dispatch"
	"github.com/sells-group/agency-core/internal/health"
	"github.com/sells-group/agency-core/internal/scheduler"
)

var (
	servePort      int
	serveBatchSize int
)

const shutdownTimeout = 15 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduler, health loops and HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initCore(ctx, cfg, "serve")
		if err != nil {
			return err
		}
		defer env.Close()

		loc := cfg.Location()
		sched, err := scheduler.New(env.Catalog.Stages, env.Store, scheduler.Config{
			Location:           loc,
			TickInterval:       cfg.Scheduler.TickInterval,
			DefaultMaxDuration: cfg.Scheduler.DefaultMaxDuration,
		})
		if err != nil {
			return err
		}
		if err := sched.Restore(ctx); err != nil {
			return eris.Wrap(err, "restore scheduler state")
		}

		inbox := dispatch.NewInbox(serveBatchSize)
		sink := dispatch.MultiSink{dispatch.LogSink{}, dispatch.NewForwardSink(inbox, env.Catalog.Stages)}
		runner := dispatch.NewRunner(env.Dispatcher, inbox, sink)

		alerter := health.NewAlerter(cfg.Monitoring.WebhookURL)
		scorer := health.NewScorer(env.Registry, env.Ledger, env.Limiter, env.Store, stageNames(env.Catalog), health.ConfigFrom(cfg.Health)).
			WithAlerter(alerter)
		checker := health.NewChecker(env.Registry, sched, alerter, cfg.Monitoring).WithBreakers(env.Breakers)

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}
		srv := &http.Server{
			Addr: fmt.Sprintf(":%d", port),
			Handler: api.NewServer(api.Options{
				Registry:    env.Registry,
				Breakers:    env.Breakers,
				Stages:      sched,
				Ledger:      env.Ledger,
				Store:       env.Store,
				Location:    loc,
				CORSOrigins: cfg.Server.CORSOrigins,
			}).Router(),
			ReadHeaderTimeout: cfg.Server.ReadTimeout,
		}

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error { sched.Start(gctx); return nil })
		g.Go(func() error { runner.Consume(gctx, sched.Events(), sched); return nil })
		g.Go(func() error { scorer.Run(gctx); return nil })
		g.Go(func() error { checker.Run(gctx); return nil })
		g.Go(func() error {
			zap.L().Info("starting server", zap.Int("port", port))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return eris.Wrap(err, "server listen")
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})

		return g.Wait()
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	serveCmd.Flags().IntVar(&serveBatchSize, "batch-size", 100, "max queued items a stage run takes")
	rootCmd.AddCommand(serveCmd)
}
