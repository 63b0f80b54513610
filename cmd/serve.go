package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/refguard/internal/admin"
	"github.com/sells-group/refguard/internal/monitoring"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the admin API and the background health checker",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initPipeline(ctx, "serve")
		if err != nil {
			return err
		}
		defer env.Close()

		checker, closeNotifiers, err := buildChecker(env)
		if err != nil {
			return err
		}
		defer closeNotifiers()
		go checker.Run(ctx)

		router := admin.NewRouter(admin.Deps{
			Suggestions: env.Orchestrator,
			Flags:       env.Rollout,
			Ledger:      env.Audit,
			Drift:       env.Drift,
			Health:      env.Store,
			Metrics:     env.Metrics.Handler(),
		}, admin.Options{AllowedOrigins: cfg.Server.AllowedOrigins})

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           router,
			ReadHeaderTimeout: seconds(cfg.Server.ReadTimeoutSec),
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout())
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

// buildChecker wires the monitoring checker to the environment. The returned
// func closes any NATS connection it opened.
func buildChecker(env *appEnv) (*monitoring.Checker, func(), error) {
	mc := cfg.Monitoring
	closeFn := func() {}

	var extra []monitoring.Notifier
	if mc.NATSURL != "" {
		nc, err := monitoring.ConnectNATS(mc.NATSURL)
		if err != nil {
			return nil, nil, err
		}
		closeFn = nc.Close
		extra = append(extra, monitoring.NewNATSNotifier(nc, mc.NATSSubject))
	}

	checker := monitoring.NewChecker(
		monitoring.NewCollector(env.Store, env.Audit, env.Drift),
		monitoring.NewAlerter(mc, extra...),
		mc,
		monitoring.WithDrift(env.Drift, env.Rollout, cfg.Orchestrator.Flag),
		monitoring.WithMetrics(env.Metrics),
	)
	return checker, closeFn, nil
}

func shutdownTimeout() time.Duration {
	if cfg.Server.ShutdownSecs <= 0 {
		return 10 * time.Second
	}
	return seconds(cfg.Server.ShutdownSecs)
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
