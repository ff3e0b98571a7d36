package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"meshcall/internal/core/domain"
	"meshcall/internal/core/services"
	"meshcall/internal/infrastructure/membership"
	"meshcall/internal/infrastructure/monitoring"
	signalinfra "meshcall/internal/infrastructure/signal"
	webrtcinfra "meshcall/internal/infrastructure/webrtc"
	"meshcall/pkg/config"
	"meshcall/pkg/logger"
	"meshcall/pkg/tracing"
	"meshcall/pkg/validation"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to config.yaml")
		room       = flag.String("room", "", "room to join (overrides client.room)")
		handle     = flag.String("handle", "", "display handle (overrides client.handle)")
		share      = flag.Bool("share", false, "start a screen share after joining")
		statsEvery = flag.Duration("stats", 30*time.Second, "interval between call stats log lines, 0 to disable")
	)
	flag.Parse()

	cfg, err := config.LoadFirst(*configPath, os.Getenv("MESHCALL_CONFIG"), "configs/config.yaml", "config.yaml")
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if *room != "" {
		cfg.Client.Room = *room
	}
	if *handle != "" {
		cfg.Client.Handle = *handle
	}

	zapLogger, err := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = zapLogger.Sync() }()
	log := zapLogger.Sugar().With("component", "meshcall")

	if err := run(cfg, *share, *statsEvery, log); err != nil {
		log.Errorw("call ended with error", "error", err)
		_ = zapLogger.Sync()
		os.Exit(1)
	}
}

func run(cfg *config.Config, share bool, statsEvery time.Duration, log *zap.SugaredLogger) error {
	for name, u := range map[string]string{
		"client.membership_url": cfg.Client.MembershipURL,
		"client.signaling_url":  cfg.Client.SignalingURL,
	} {
		if err := validation.ValidateURL(u); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName,
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: cfg.Tracing.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tp.Shutdown(ctx)
	}()

	transports, err := webrtcinfra.NewTransportFactory(webrtcinfra.ConfigFromSettings(cfg), log.Named("webrtc"))
	if err != nil {
		return fmt.Errorf("build transport factory: %w", err)
	}
	gateway := webrtcinfra.NewDeviceGateway(webrtcinfra.GatewayConfigFromSettings(cfg), log.Named("devices"))
	defer gateway.Close()

	recorder := services.NewCallStatsRecorder()
	exporter := monitoring.NewPrometheusCollector(prometheus.NewRegistry())
	metricsServer := serveMetrics(cfg, exporter, log)

	session := services.NewCallSession(services.CallSessionDeps{
		Config:     cfg,
		Membership: membership.NewHTTPClient(membership.ClientConfigFromSettings(cfg), log.Named("membership")),
		Connector:  signalinfra.NewConnector(signalinfra.ClientConfigFromSettings(cfg), log.Named("signaling")),
		Gateway:    gateway,
		Transports: transports,
		Metrics:    monitoring.TeeCallMetrics(recorder, exporter),
		Logger:     log.Named("session"),
	})

	var wg sync.WaitGroup
	logEvents(session.Events(), log.Named("events"), &wg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	result, err := session.Join(ctx, domain.RoomID(cfg.Client.Room), cfg.Client.Handle, cfg.Client.WantVideo)
	if err != nil {
		_ = session.Close(context.Background())
		wg.Wait()
		return fmt.Errorf("join %s: %w", cfg.Client.Room, err)
	}
	log.Infow("in call", "room_id", result.RoomID, "participant_id", result.ParticipantID)

	if share {
		shareID, err := session.Media().AddScreenShare(ctx)
		if err != nil {
			log.Warnw("screen share failed", "error", err)
		} else {
			log.Infow("screen share started", "share_id", shareID)
		}
	}

	var ticker <-chan time.Time
	if statsEvery > 0 {
		t := time.NewTicker(statsEvery)
		defer t.Stop()
		ticker = t.C
	}

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-ticker:
			logStats(log, recorder.Snapshot(), session.State())
		}
	}

	log.Info("leaving call")
	leaveCtx, cancel := context.WithTimeout(context.Background(), cfg.Client.RequestTimeout+5*time.Second)
	defer cancel()

	err = session.Close(leaveCtx)
	wg.Wait()
	logStats(log, recorder.Snapshot(), session.State())

	if metricsServer != nil {
		_ = metricsServer.Shutdown(leaveCtx)
	}
	return err
}

func serveMetrics(cfg *config.Config, exporter *monitoring.PrometheusCollector, log *zap.SugaredLogger) *http.Server {
	if !cfg.Monitoring.PrometheusEnabled || cfg.Monitoring.PrometheusPort <= 0 {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", exporter.Handler())
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Monitoring.PrometheusPort),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warnw("metrics server stopped", "error", err)
		}
	}()
	return srv
}

// logEvents logs every topic until the router closes.
func logEvents(router *services.EventRouter, log *zap.SugaredLogger, wg *sync.WaitGroup) {
	drain(wg, router.Presence, func(e domain.PresenceEvent) {
		log.Infow("presence", "kind", e.Kind, "participant_id", e.Participant.ID, "handle", e.Participant.Handle)
	})
	drain(wg, router.Media, func(e domain.MediaEvent) {
		log.Infow("media", "kind", e.Kind, "participant_id", e.ParticipantID, "share_id", e.ShareID, "track_kind", e.TrackKind)
	})
	drain(wg, router.Speaking, func(e domain.SpeakingEvent) {
		log.Infow("speaking", "participant_id", e.ParticipantID, "speaking", e.Speaking)
	})
	drain(wg, router.Pin, func(e domain.PinEvent) {
		if e.Tile == nil {
			log.Infow("pin cleared")
			return
		}
		log.Infow("pinned", "tile", e.Tile.ID(), "kind", e.Tile.Kind.String())
	})
	drain(wg, router.Transport, func(e domain.TransportEvent) {
		log.Infow("transport", "kind", e.Kind, "participant_id", e.ParticipantID, "hard", e.Hard)
	})
	drain(wg, router.Signaling, func(e domain.SignalingEvent) {
		log.Debugw("signaling", "participant_id", e.ParticipantID, "from", e.From, "to", e.To)
	})
}

func drain[T any](wg *sync.WaitGroup, topic *services.Topic[T], handle func(T)) {
	events, _ := topic.Subscribe()
	wg.Add(1)
	go func() {
		defer wg.Done()
		for e := range events {
			handle(e)
		}
	}()
}

func logStats(log *zap.SugaredLogger, stats services.CallStats, state services.SessionSnapshot) {
	log.Infow("call stats",
		"room_id", state.RoomID,
		"participants", len(state.Participants),
		"open_connections", stats.OpenConnections,
		"connections_opened", stats.ConnectionsOpened,
		"negotiations", stats.Negotiations,
		"avg_negotiation", stats.AverageNegotiation,
		"transport_failures", stats.TransportFailures,
		"hard_failures", stats.HardFailures,
		"screen_shares", stats.ActiveScreenShares,
		"dropped_signals", stats.DroppedSignals,
	)
}
