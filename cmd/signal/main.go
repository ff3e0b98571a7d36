package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"meshcall/internal/core/services"
	httphandlers "meshcall/internal/handlers/http"
	"meshcall/internal/infrastructure/distributed"
	"meshcall/internal/infrastructure/middleware"
	"meshcall/internal/infrastructure/monitoring"
	"meshcall/internal/infrastructure/repositories"
	signalinfra "meshcall/internal/infrastructure/signal"
	"meshcall/pkg/config"
	"meshcall/pkg/logger"
	"meshcall/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "", "path to config.yaml")
	flag.Parse()

	cfg, err := config.LoadFirst(*configPath, os.Getenv("MESHCALL_CONFIG"), "configs/config.yaml", "config.yaml")
	if err != nil {
		panic(err)
	}

	zapLogger, err := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		panic(err)
	}
	defer func() { _ = zapLogger.Sync() }()
	log := zapLogger.Sugar().With("component", "signal")

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName + "-signal",
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: cfg.Tracing.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		log.Fatalw("failed to initialize tracing", "error", err)
	}

	repoFactory := repositories.NewRepositoryFactory(cfg, log)
	roomRepo := repoFactory.CreateRoomRepository()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := monitoring.NewPrometheusCollector(registry)

	tickets := services.NewTicketService(cfg.Auth.TicketSecret, cfg.Auth.TicketTTL)
	relay := signalinfra.NewWebSocketServer(signalinfra.ServerConfigFromSettings(cfg), tickets, nil, metrics, log)
	rooms := services.NewRoomService(roomRepo, tickets, relay, log)
	relay.SetRoomService(rooms)

	busCtx, stopBus := context.WithCancel(context.Background())
	defer stopBus()
	if client := repoFactory.RedisClient(); client != nil {
		bus := distributed.NewRelayBus(client, uuid.NewString(), log.Named("relay_bus"))
		relay.SetBus(bus)
		go func() {
			if err := bus.Run(busCtx, relay.Deliver); err != nil && !errors.Is(err, context.Canceled) {
				log.Errorw("relay bus stopped", "error", err)
			}
		}()
		log.Infow("relay bus enabled", "instance_id", bus.InstanceID())
	}

	health := monitoring.NewHealthChecker()
	health.AddCheck("room_repository", 2*time.Second, repoFactory.HealthCheck)
	health.AddDetail("repository_backend", func() interface{} { return repoFactory.Backend() })
	health.AddDetail("active_rooms", func() interface{} {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		active, err := roomRepo.ActiveRooms(ctx)
		if err != nil {
			return err.Error()
		}
		return len(active)
	})
	health.AddDetail("relay", func() interface{} {
		r, c := relay.Stats()
		return gin.H{"rooms": r, "connections": c}
	})

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	api := gin.New()
	api.Use(middleware.RecoveryMiddleware(log))
	api.Use(middleware.TracingMiddleware())
	api.Use(middleware.RequestLoggerMiddleware(logger.NewContextLogger(zapLogger.Named("http"))))
	api.Use(middleware.ErrorHandlerMiddleware(log))
	api.Use(middleware.NewHTTPRateLimitMiddleware(cfg))
	httphandlers.NewRoomHandler(rooms, tickets).SetupRoutes(api)
	api.GET("/health", health.Handler())
	if cfg.Monitoring.PrometheusEnabled {
		api.GET("/metrics", gin.WrapH(metrics.Handler()))
		log.Infow("prometheus metrics enabled", "path", "/metrics")
	}

	ws := gin.New()
	ws.Use(middleware.RecoveryMiddleware(log))
	ws.GET("/ws", gin.WrapF(relay.HandleWebSocket))
	ws.GET("/health", health.Handler())

	apiServer := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      api,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	// Websocket connections are long lived, so only the handshake is bounded.
	signalServer := &http.Server{
		Addr:              cfg.Signal.Address,
		Handler:           ws,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 2)
	serve := func(name string, srv *http.Server) {
		log.Infow("starting server", "name", name, "address", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}
	go serve("membership", apiServer)
	go serve("signaling", signalServer)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Errorw("server failed", "error", err)
	case sig := <-sigChan:
		log.Infow("received shutdown signal", "signal", sig)
	}

	shutdown(log, cfg, apiServer, signalServer, relay)
	stopBus()

	if err := repoFactory.Close(); err != nil {
		log.Errorw("error closing repository factory", "error", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := tp.Shutdown(ctx); err != nil {
		log.Errorw("error shutting down tracing", "error", err)
	}
	log.Info("signaling server stopped")
}

func shutdown(log *zap.SugaredLogger, cfg *config.Config, apiServer, signalServer *http.Server, relay *signalinfra.WebSocketServer) {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	// Hijacked websocket connections are not tracked by http.Server.
	relay.Shutdown()

	for name, srv := range map[string]*http.Server{"membership": apiServer, "signaling": signalServer} {
		if err := srv.Shutdown(ctx); err != nil {
			log.Errorw("error during server shutdown", "name", name, "error", err)
			_ = srv.Close()
		}
	}
}
