package main

import (
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/autopilot/internal/api"
	"github.com/sells-group/autopilot/internal/monitoring"
)

var (
	servePort       int
	serveNoEvaluate bool
	serveNoMonitor  bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API",
	Long:  "Serves the signal, threshold, tier administration and write-back API. Also runs the periodic evaluator and the queue monitor unless disabled.",
	RunE: func(cmd *cobra.Command, args []string) error {
		if servePort > 0 {
			cfg.Server.Port = servePort
		}
		if err := cfg.Validate("serve"); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx, cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		srv := api.NewServer(api.Deps{
			Signals:    a.recorder,
			Thresholds: a.resolver,
			Tiers:      a.evaluator,
			Queue:      a.queue,
			Events:     api.PoolEvents{Q: a.store.Pool()},
			DB:         a.store,
		}, cfg.Server)

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			return eris.Wrap(srv.ListenAndServe(gctx, cfg.Server.Port), "server listen")
		})
		if !serveNoEvaluate {
			g.Go(func() error {
				a.evaluator.Run(gctx)
				return nil
			})
		}
		if !serveNoMonitor {
			collector := monitoring.NewCollector(a.queue, a.store.Pool(), cfg.Monitoring.StaleAfter())
			checker := monitoring.NewChecker(collector, monitoring.NewAlerter(cfg.Monitoring), cfg.Monitoring)
			g.Go(func() error {
				checker.Run(gctx)
				return nil
			})
		}

		err = g.Wait()
		zap.L().Info("serve stopped")
		return err
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	serveCmd.Flags().BoolVar(&serveNoEvaluate, "no-evaluate", false, "do not run the periodic evaluator")
	serveCmd.Flags().BoolVar(&serveNoMonitor, "no-monitor", false, "do not run queue monitoring")
	rootCmd.AddCommand(serveCmd)
}
