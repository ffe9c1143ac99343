package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/PratikDhanave/scan-ingest-service/internal/auth"
	"github.com/PratikDhanave/scan-ingest-service/internal/bootstrap"
	"github.com/PratikDhanave/scan-ingest-service/internal/config"
	"github.com/PratikDhanave/scan-ingest-service/internal/dispatch"
	"github.com/PratikDhanave/scan-ingest-service/internal/handlers"
	"github.com/PratikDhanave/scan-ingest-service/internal/httpserver"
	"github.com/PratikDhanave/scan-ingest-service/internal/ingest"
	"github.com/PratikDhanave/scan-ingest-service/internal/logging"
	"github.com/PratikDhanave/scan-ingest-service/internal/metrics"
	"github.com/PratikDhanave/scan-ingest-service/internal/tenant"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:          "scan-api",
		Short:        "HTTP ingestion endpoint for host scan telemetry",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if err := logging.Configure(cfg.Logging); err != nil {
				return err
			}
			run(cmd.Context(), cfg)
			return nil
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to a YAML config file; environment variables take precedence")
	return cmd
}

// run boots the service: storage → schema → broker → router → listener.
// Shared handles are created here once, before any request is served.
func run(ctx context.Context, cfg config.Config) {
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

	var resolver tenant.Resolver = tenant.NewStaticResolver(cfg.Tenant.TenantID, cfg.Tenant.HostID)
	if cfg.Tenant.CacheTTL > 0 {
		resolver = tenant.NewCachingResolver(resolver, cfg.Tenant.CacheTTL)
	}

	var persister ingest.Persister
	switch cfg.Ingest.Mode {
	case config.ModeSync:
		persister = ingest.NewDirect(st)
	default:
		persister = ingest.NewQueued(dispatch.New(q, cfg.Queue.RemoveOnComplete))
	}

	gin.SetMode(gin.ReleaseMode)
	router := httpserver.NewRouter(httpserver.Deps{
		Keys: auth.NewStaticKey(cfg.Auth.APIKey),
		Scans: &handlers.ScanHandler{
			Persister: persister,
			Resolver:  resolver,
			Reader:    st,
			Limits:    cfg.Ingest,
		},
		Metrics: metrics.New(),
		Checks: map[string]httpserver.Pinger{
			"storage": st,
			"redis":   q,
		},
	})

	srv := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		log.WithFields(log.Fields{
			"addr": srv.Addr,
			"mode": cfg.Ingest.Mode,
		}).Info("server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("http server error")
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info("shutdown signal received, draining connections")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("http server shutdown error")
	}
	log.Info("shutdown complete")
}
