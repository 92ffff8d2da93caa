package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentdock/agentdock/internal/agent"
	"github.com/agentdock/agentdock/internal/common/config"
	"github.com/agentdock/agentdock/internal/common/logger"
	"github.com/agentdock/agentdock/internal/container/docker"
	"github.com/agentdock/agentdock/internal/container/metrics"
	"github.com/agentdock/agentdock/internal/container/policy"
	"github.com/agentdock/agentdock/internal/container/pool"
	"github.com/agentdock/agentdock/internal/events/bus"
	"github.com/agentdock/agentdock/internal/extensions"
	gateway "github.com/agentdock/agentdock/internal/gateway/websocket"
	"github.com/agentdock/agentdock/internal/janitor"
	"github.com/agentdock/agentdock/internal/session"
	"github.com/agentdock/agentdock/internal/store"
	"github.com/agentdock/agentdock/pkg/wsproto"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting execution engine...")

	// 3. Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Open the store
	st, err := store.Open(ctx, store.Config{
		Driver: cfg.Database.Driver,
		Path:   cfg.Database.Path,
		DSN:    cfg.Database.DSN(),
	})
	if err != nil {
		log.Fatal("Failed to open store", zap.Error(err))
	}
	defer st.Close()
	log.Info("Store opened", zap.String("driver", cfg.Database.Driver))

	// 5. Connect the event bus; an empty NATS URL selects the in-memory bus
	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		natsCfg := bus.DefaultNATSConfig(cfg.NATS.URL)
		natsCfg.MaxReconnects = cfg.NATS.MaxReconnects
		eventBus, err = bus.NewNATSEventBus(natsCfg, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		log.Info("Connected to NATS event bus", zap.String("url", cfg.NATS.URL))
	} else {
		eventBus = bus.NewMemoryEventBus(log)
		log.Info("Using in-memory event bus")
	}
	defer eventBus.Close()

	// 6. Connect to Docker
	dockerGw, err := docker.NewGateway(cfg.Docker, log)
	if err != nil {
		log.Fatal("Failed to initialize Docker gateway", zap.Error(err))
	}
	defer dockerGw.Close()

	if err := dockerGw.Ping(ctx); err != nil {
		log.Fatal("Failed to connect to Docker daemon", zap.Error(err))
	}
	log.Info("Connected to Docker daemon")

	// 7. Build the container pool
	pol := policy.New(cfg.Docker.SeccompProfile, cfg.Docker.ApparmorProfile)
	syncer := extensions.NewSyncer(cfg.Docker.DataRoot, log)
	users := &store.StaticUserProvider{}

	containerPool := pool.NewPool(dockerGw, pol, users, st, syncer, eventBus,
		cfg.Docker, cfg.Pool, cfg.Executor, log)

	if err := containerPool.RestoreFromPersistence(ctx); err != nil {
		log.Warn("Container restore incomplete", zap.Error(err))
	}

	// 8. Session registry and executor
	registry := session.NewRegistry(log)
	executor := agent.NewExecutor(agent.NewGatewayRunner(dockerGw), registry, containerPool, cfg.Executor, log)

	// 9. Realtime gateway
	hub := gateway.NewHub(wsproto.NewDispatcher(), registry, eventBus, log)
	gateway.NewController(hub, containerPool, executor, registry, cfg.Executor, log)
	if err := hub.Start(); err != nil {
		log.Fatal("Failed to start gateway hub", zap.Error(err))
	}
	wsHandler := gateway.NewHandler(hub, gateway.HeaderAuthenticator{}, cfg.Gateway, log)

	// 10. Metrics collector and janitor
	collector := metrics.NewCollector(dockerGw, containerPool, st, cfg.Metrics, log)
	collector.Start(ctx)

	sweeper := janitor.New(containerPool, registry, st, eventBus,
		cfg.Pool, cfg.Session, cfg.Metrics, log)
	sweeper.Start(ctx)

	// 11. HTTP server
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/ws", wsHandler.HandleConnection)
	router.GET("/healthz", func(c *gin.Context) {
		status := http.StatusOK
		if err := dockerGw.Ping(c.Request.Context()); err != nil {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{
			"status":          http.StatusText(status),
			"connected_users": hub.ConnectedUsers(),
			"bus_connected":   eventBus.IsConnected(),
		})
	})

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	// 12. Start server in goroutine
	go func() {
		log.Info("HTTP server listening", zap.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start HTTP server", zap.Error(err))
		}
	}()

	// 13. Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down execution engine...")

	// 14. Graceful shutdown
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	hub.Stop()
	sweeper.Stop()
	collector.Stop()

	log.Info("Execution engine stopped")
}
