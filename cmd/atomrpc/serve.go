package main

import (
	"context"
	"net/http"
	"time"

	"atom-rpc/middleware"
	"atom-rpc/registry"
	"atom-rpc/server"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the built-in Echo service",
	Long: `Serve the built-in Echo service (Echo.Echo, Echo.Upper).

With --etcd the service is published under the registry prefix and removed
again on shutdown. Every codec is accepted; --codec only matters for clients.`,
	RunE: runServe,
}

func init() {
	flags := serveCmd.Flags()
	flags.String("listen", ":9000", "address to listen on")
	flags.String("advertise", "127.0.0.1:9000", "address published in the registry")
	flags.Int("workers", server.DefaultWorkers, "max requests processed concurrently")
	flags.Float64("rate-limit", 0, "requests per second, 0 disables")
	flags.Duration("request-timeout", 10*time.Second, "per-request handler timeout, 0 disables")
	flags.String("metrics-listen", "", "address for the prometheus /metrics endpoint")

	bind(serveCmd, "listen", "server.listen")
	bind(serveCmd, "advertise", "server.advertise")
	bind(serveCmd, "workers", "server.workers")
	bind(serveCmd, "rate-limit", "server.rate_limit")
	bind(serveCmd, "request-timeout", "server.request_timeout")
	bind(serveCmd, "metrics-listen", "server.metrics_listen")
}

func runServe(cmd *cobra.Command, _ []string) error {
	_, codecs, err := newCodecs(cfg.Codec, prometheus.DefaultRegisterer)
	if err != nil {
		return err
	}

	svr, err := server.NewServer(
		server.WithCodecs(codecs),
		server.WithWorkers(cfg.Server.Workers),
		server.WithTTL(cfg.Registry.TTL),
		server.WithLogger(log),
	)
	if err != nil {
		return err
	}
	svr.Use(middleware.LoggingMiddleware(log.Named("rpc")))
	if cfg.Server.RateLimit > 0 {
		svr.Use(middleware.RateLimitMiddleware(cfg.Server.RateLimit, cfg.Server.RateBurst))
	}
	if cfg.Server.RequestTimeout > 0 {
		svr.Use(middleware.TimeOutMiddleware(cfg.Server.RequestTimeout))
	}
	if err := svr.Register(&Echo{}); err != nil {
		return err
	}

	var reg registry.Registry
	etcd, err := newRegistry(cfg.Registry)
	if err != nil {
		return errors.Wrap(err, "connect registry")
	}
	if etcd != nil {
		defer etcd.Close()
		reg = etcd
	}

	if cfg.Server.MetricsListen != "" {
		metrics := &http.Server{Addr: cfg.Server.MetricsListen, Handler: promhttp.Handler()}
		go func() {
			if err := metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics endpoint", zap.Error(err))
			}
		}()
		defer metrics.Shutdown(context.Background())
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- svr.Serve("tcp", cfg.Server.Listen, cfg.Server.Advertise, reg)
	}()

	select {
	case err := <-errCh:
		return err
	case <-cmd.Context().Done():
	}
	log.Info("shutting down", zap.Duration("timeout", cfg.Server.ShutdownTimeout))
	return svr.Shutdown(cfg.Server.ShutdownTimeout)
}
