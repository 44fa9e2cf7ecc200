package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"

	"stake_orchestrator/internal/app/provider"
	"stake_orchestrator/internal/app/service"
	"stake_orchestrator/internal/infrastructure/configloader"
	"stake_orchestrator/internal/infrastructure/network/client"
	networkdefinition "stake_orchestrator/internal/infrastructure/network/definition"
	"stake_orchestrator/internal/infrastructure/restapi"
	"stake_orchestrator/internal/infrastructure/storage"
	"stake_orchestrator/internal/infrastructure/wallet"
	"stake_orchestrator/internal/pkg/logger"
	"stake_orchestrator/internal/pkg/metrics"
	"stake_orchestrator/internal/pkg/utils"
)

func main() {
	logrus.SetFormatter(&logrus.JSONFormatter{})
	logrus.SetOutput(os.Stdout)

	cfgPath := utils.GetEnv("CONFIG_PATH", "config/config.yml")
	cfg, err := configloader.Load(cfgPath)
	if err != nil {
		logrus.Fatalf("Failed to load configuration: %v", err)
	}

	zapLogger, err := logger.InitZap(cfg.Logging.Level, utils.GetEnv("RELAY_DEV_LOG", "") != "")
	if err != nil {
		logrus.Fatalf("Failed to initialize zap logger: %v", err)
	}
	defer func() { _ = zapLogger.Sync() }()
	log := logger.NewSlogAdapter("service", "stake-relay")
	log.Info("Configuration loaded", "path", cfgPath)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	recorder := metrics.NewPrometheusRecorder(registry)

	store, err := storage.Open(cfg.Storage)
	if err != nil {
		logger.Fatal("Failed to open shared store", "driver", cfg.Storage.Driver, "error", err)
	}
	notifier := storage.NewBroadcaster()

	networks := networkdefinition.NewNetworkDefinitionProvider(log, store, cfg.Network.Default, cfg.Network.Custom)
	routers := client.NewRouterProvider(cfg, log, recorder)
	status := provider.NewAbortableStatusSink(provider.NewLogStatusSink(log))

	session, err := service.NewSession(cfg, service.SessionDeps{
		Networks: networks,
		Routers:  routers,
		Store:    store,
		Notifier: notifier,
		Status:   status,
		Logger:   log,
		Metrics:  recorder,
	})
	if err != nil {
		logger.Fatal("Failed to start session", "error", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool := client.NewEndpointPool(store, time.Duration(cfg.RPCClient.ProbeTimeoutMs)*time.Millisecond, log, recorder)
	go func() {
		probeCtx, probeCancel := context.WithTimeout(ctx, time.Minute)
		defer probeCancel()
		network := session.Network()
		url, err := pool.PickWorkingEndpoint(probeCtx, network)
		if err != nil {
			log.Warn("No working RPC endpoint found at startup", "network", network.Identifier, "error", err)
			return
		}
		log.Info("Working RPC endpoint found", "network", network.Identifier, "url", url)
	}()

	unsubscribe := session.Poller().Subscribe(func(block uint64) {
		log.Debug("New block", "network", session.Network().Identifier, "block", block)
	})
	defer unsubscribe()

	var queue *service.WalletQueue
	if cfg.Wallet.UpstreamURL != "" {
		upstream, err := wallet.Dial(ctx, cfg.Wallet.UpstreamURL, time.Duration(cfg.Wallet.WatchIntervalMs)*time.Millisecond, log)
		if err != nil {
			logger.Fatal("Failed to connect to upstream wallet", "url", cfg.Wallet.UpstreamURL, "error", err)
		}
		defer upstream.Close()
		queue = session.Attach(ctx, upstream)
		log.Info("Upstream wallet connected", "url", cfg.Wallet.UpstreamURL)
	} else {
		log.Warn("wallet.upstreamURL not set, serving read-only routes")
	}

	handler := restapi.NewRelayHandler(session, queue, status, log)
	handler.SetEndpointPool(pool)
	router := restapi.SetupRouter(handler, cfg.Server, registry)

	srv := &http.Server{
		Addr:         cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeout) * time.Second,
	}

	go func() {
		log.Info(fmt.Sprintf("Relay listening on %s", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Failed to start server", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("Shutting down relay...")
	cancel()
	session.Poller().Stop()

	ctxShutdown, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	if err := srv.Shutdown(ctxShutdown); err != nil {
		log.Error("Server forced to shutdown", "error", err)
	}
	log.Info("Relay exited")
}
