package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/PratikDhanave/scan-ingest-service/internal/bootstrap"
	"github.com/PratikDhanave/scan-ingest-service/internal/config"
	"github.com/PratikDhanave/scan-ingest-service/internal/logging"
	"github.com/PratikDhanave/scan-ingest-service/internal/metrics"
	"github.com/PratikDhanave/scan-ingest-service/internal/worker"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		configPath  string
		metricsAddr string
	)
	cmd := &cobra.Command{
		Use:          "scan-worker",
		Short:        "Moves queued scans from Redis into storage",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if err := logging.Configure(cfg.Logging); err != nil {
				return err
			}
			return run(cfg, metricsAddr)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to a YAML config file; environment variables take precedence")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", ":9101", "listen address for /metrics, empty to disable")
	return cmd
}

func run(cfg config.Config, metricsAddr string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := bootstrap.Storage(ctx, cfg)
	if err != nil {
		log.WithError(err).Fatal("storage initialization failed")
	}
	defer st.Close()

	q, redisClient, err := bootstrap.Queue(ctx, cfg)
	if err != nil {
		log.WithError(err).Fatal("broker connection failed")
	}
	defer redisClient.Close()

	m := metrics.New()
	if metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(m.Registry(), promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: metricsAddr, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.WithError(err).Error("metrics server error")
			}
		}()
		defer srv.Close()
	}

	if counts, err := q.Counts(ctx); err == nil {
		log.WithField("counts", counts).Info("queue state at startup")
	}

	return worker.New(q, st, cfg.Queue.PollInterval, m).Run(ctx)
}
