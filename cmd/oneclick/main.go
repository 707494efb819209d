package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/example/oneclick/internal/api"
	"github.com/example/oneclick/internal/channel"
	"github.com/example/oneclick/internal/common"
	"github.com/example/oneclick/internal/dispatch"
	"github.com/example/oneclick/internal/session"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := common.LoadConfig("oneclick")
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger := common.NewLoggerWithLevel(cfg.ServiceName, cfg.LogLevel, os.Stdout)
	shutdown, err := common.SetupOTel(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialise telemetry")
	}
	defer common.ShutdownTelemetry(context.Background(), shutdown)

	if metricsSrv := common.StartMetricsServer(cfg.MetricsPort, logger); metricsSrv != nil {
		defer metricsSrv.Shutdown(context.Background())
	}

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Str("store", cfg.SessionStore).Msg("open session store")
	}
	defer closeStore()

	codec, err := session.NewCodec(cfg.SecretKey)
	if err != nil {
		logger.Fatal().Err(err).Msg("session codec")
	}
	sessions := session.NewSessions(session.Credential{Username: cfg.Username, Password: cfg.Password}, codec, store, logger)

	httpClient := channel.NewHTTPClient()
	var coordinator atomic.Pointer[dispatch.Coordinator]
	coordinator.Store(dispatch.NewCoordinator(logger, channel.Build(cfg.Channels, httpClient, logger)...))

	go func() {
		err := common.WatchChannels(ctx, cfg.ConfigFile, logger, func(channels common.ChannelsConfig) {
			coordinator.Store(dispatch.NewCoordinator(logger, channel.Build(channels, httpClient, logger)...))
		})
		if err != nil {
			logger.Error().Err(err).Msg("config watcher stopped")
		}
	}()

	prober, err := dispatch.NewProber(cfg.ProbeSchedule, coordinator.Load, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("probe schedule")
	}
	prober.Start()
	defer func() { <-prober.Stop().Done() }()

	var publisher dispatch.Publisher = dispatch.NopPublisher{}
	if len(cfg.KafkaBrokers) > 0 {
		producer := &kafka.Writer{
			Addr:     kafka.TCP(cfg.KafkaBrokers...),
			Topic:    cfg.DispatchEventsTopic,
			Balancer: &kafka.Hash{},
		}
		defer producer.Close()
		publisher = &dispatch.KafkaPublisher{Writer: producer, Logger: logger}
	}

	h := api.NewHandler(sessions, coordinator.Load, api.Options{
		LoginPerMinute: cfg.LoginRatePerMinute,
		SecureCookie:   cfg.SecureCookie,
		Publisher:      publisher,
	}, logger)

	srv := &http.Server{
		Addr:              formatAddr(cfg.HTTPPort),
		Handler:           h.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info().Int("port", cfg.HTTPPort).Msg("oneclick listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()
	notifySystemd(logger, daemon.SdNotifyReady)

	<-ctx.Done()
	notifySystemd(logger, daemon.SdNotifyStopping)

	ctxShutdown, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	if err := srv.Shutdown(ctxShutdown); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}
}

func openStore(ctx context.Context, cfg *common.Config) (session.Store, func(), error) {
	switch cfg.SessionStore {
	case "", "memory":
		return session.NewMemoryStore(), func() {}, nil
	case "redis":
		s, err := session.OpenRedis(ctx, cfg.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	case "postgres":
		if cfg.DatabaseURL == "" {
			return nil, nil, fmt.Errorf("DATABASE_URL must be provided")
		}
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("connect postgres: %w", err)
		}
		s, err := session.NewPostgresStore(ctx, pool)
		if err != nil {
			pool.Close()
			return nil, nil, err
		}
		return s, pool.Close, nil
	case "sqlite":
		s, err := session.OpenSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown session store %q", cfg.SessionStore)
	}
}

// notifySystemd is a no-op outside a systemd unit.
func notifySystemd(logger zerolog.Logger, state string) {
	if _, err := daemon.SdNotify(false, state); err != nil {
		logger.Warn().Err(err).Str("state", state).Msg("sd_notify failed")
	}
}

func formatAddr(port int) string {
	return ":" + strconv.Itoa(port)
}
