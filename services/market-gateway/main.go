package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"asamart/config"
	"asamart/ledger"
	"asamart/observability/logging"
	"asamart/observability/otel"
	"asamart/registry"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "asamart.toml", "path to the configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logging.Setup("market-gateway", "").Error("load config", "err", err)
		os.Exit(1)
	}
	log := logging.Setup("market-gateway", string(cfg.Network))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Telemetry.Endpoint != "" {
		shutdown, err := otel.Init(ctx, otel.Config{
			ServiceName: "market-gateway",
			Environment: string(cfg.Network),
			Endpoint:    cfg.Telemetry.Endpoint,
			Insecure:    cfg.Telemetry.Insecure,
		})
		if err != nil {
			log.Error("init telemetry", "err", err)
			os.Exit(1)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := shutdown(shutdownCtx); err != nil {
				log.Warn("telemetry shutdown", "err", err)
			}
		}()
	}

	store, err := registry.NewSQLiteStore(cfg.RegistryPath)
	if err != nil {
		log.Error("open registry", "path", cfg.RegistryPath, "err", err)
		os.Exit(1)
	}
	defer store.Close()

	node := cfg.Node()
	gateway, err := ledger.NewAlgodGateway(node.URL, node.Token)
	if err != nil {
		log.Error("dial algod", "url", node.URL, logging.Secret("token", node.Token), "err", err)
		os.Exit(1)
	}

	server := NewServer(store, string(cfg.Network), log)
	reconciler := NewReconciler(store, gateway, string(cfg.Network), log)
	go reconciler.Run(ctx)

	srv := &http.Server{
		Addr:         cfg.ListenAddress,
		Handler:      otelhttp.NewHandler(server, "market-gateway"),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info("market gateway listening", "addr", cfg.ListenAddress, "network", cfg.Network)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("listen", "err", err)
			stop()
		}
	}()

	<-ctx.Done()

	log.Info("shutting down market gateway")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("graceful shutdown failed", "err", err)
	}
}
