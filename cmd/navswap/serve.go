package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/GriffinCanCode/navswap/internal/delegate"
	"github.com/GriffinCanCode/navswap/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/navswap/internal/infrastructure/tracing"
	"github.com/GriffinCanCode/navswap/internal/loop"
	"github.com/GriffinCanCode/navswap/internal/page"
	"github.com/GriffinCanCode/navswap/internal/server"
	"github.com/GriffinCanCode/navswap/internal/session"
	"github.com/GriffinCanCode/navswap/internal/sim"
)

func newServeCmd(root *rootOptions) *cobra.Command {
	var (
		port      string
		responses string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the coordinator over simulated processes with the inspector server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := root.load()
			if err != nil {
				return err
			}
			defer logger.Close()
			if port != "" {
				cfg.Server.Port = port
			}

			var rules []sim.ResponseRule
			if responses != "" {
				sc, err := sim.LoadFile(responses)
				if err != nil {
					return err
				}
				rules = sc.Responses
			}
			served, err := sim.NewResponses(rules)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			reg := prometheus.NewRegistry()
			reg.MustRegister(
				collectors.NewGoCollector(),
				collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			)
			metrics := monitoring.NewMetrics(reg)
			tracer := tracing.New("navswap", logger.Component("tracing"))
			defer tracer.Close()

			lp := loop.New(logger.Logger)
			fleet := sim.NewFleet(lp, served, logger.Logger)
			env, err := page.NewEnvironment(page.Options{
				Config:    cfg,
				Scheduler: lp,
				Launcher:  fleet,
				Tracer:    tracer,
				Metrics:   metrics,
				Logger:    logger.Logger,
			})
			if err != nil {
				return err
			}
			fleet.Attach(env.Dispatch, env.Pool().DidTerminate)

			sessions, err := session.NewManager(session.Options{
				Dir:       cfg.Session.Dir,
				Scheduler: lp,
				Metrics:   metrics,
				Logger:    logger.Logger,
			})
			if err != nil {
				return err
			}
			defer sessions.Close()

			events := delegate.NewBroadcaster(delegate.Delegates{}, logger.Logger)
			srv := server.New(server.Options{
				Env:         env,
				Loop:        lp,
				Sessions:    sessions,
				Events:      events,
				Metrics:     metrics,
				Gatherer:    reg,
				Tracer:      tracer,
				Config:      cfg.Server,
				Development: cfg.Logging.Development,
				Logger:      logger.Logger,
			})

			// The loop outlives the server so the coordinator can shut down on it.
			loopCtx, stopLoop := context.WithCancel(context.Background())
			defer stopLoop()

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				if err := lp.Run(loopCtx); err != nil && !errors.Is(err, context.Canceled) {
					return fmt.Errorf("coordinator loop: %w", err)
				}
				return nil
			})
			g.Go(func() error {
				metrics.RunUptime(gctx)
				return nil
			})
			g.Go(func() error {
				runErr := srv.Run(gctx)

				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := lp.Call(shutdownCtx, env.Shutdown); err != nil {
					logger.Warn("Coordinator shutdown incomplete", zap.Error(err))
				}
				sessions.Wait()
				stopLoop()
				return runErr
			})

			lp.Dispatch(env.Start)
			logger.Info("navswap serving",
				zap.String("addr", cfg.Server.Host+":"+cfg.Server.Port),
				zap.String("snapshots", cfg.Session.Dir),
				zap.Int("response_rules", len(rules)))

			if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			logger.Info("navswap stopped")
			return nil
		},
	}
	cmd.Flags().StringVar(&port, "port", "", "inspector port (overrides config)")
	cmd.Flags().StringVar(&responses, "responses", "", "scenario file whose response rules the simulated processes serve")
	return cmd
}
