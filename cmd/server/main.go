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

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/example/wsframe/internal/broadcast"
	"github.com/example/wsframe/internal/config"
	"github.com/example/wsframe/internal/observability"
	"github.com/example/wsframe/internal/static"
	"github.com/example/wsframe/internal/storage"
	"github.com/example/wsframe/internal/ws"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339Nano

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	logger := log.With().Str("app", cfg.AppName).Logger()
	observability.RegisterRuntimeCollectors()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	telemetryShutdown, err := observability.Start(ctx, observability.Config{
		ServiceName:  cfg.AppName,
		MetricsAddr:  cfg.MetricsAddr,
		OTLPEndpoint: cfg.OTLPEndpoint,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize telemetry")
	}
	defer telemetryShutdown(context.Background())

	resources, err := config.NewResources(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize resources")
	}
	defer resources.Close()

	registry := ws.NewConnectionRegistry()

	var publisher ws.Publisher
	if resources.Redis != nil {
		relay := broadcast.NewRedisRelay(resources.Redis, registry, instanceID(), logger.With().Str("component", "relay").Logger())
		relay.Start(ctx)
		publisher = relay
		logger.Info().Str("addr", cfg.RedisAddr).Msg("redis relay enabled")
	}

	hooks := ws.RoomHooks(publisher, logger)
	var sessionsHandler http.Handler

	if resources.Postgres != nil {
		sessions := storage.NewSessionLog(resources.Postgres)
		if err := sessions.EnsureSchema(ctx); err != nil {
			logger.Fatal().Err(err).Msg("failed to prepare session log")
		}
		hooks.OnDisconnect = recordSession(sessions, logger)
		sessionsHandler = storage.NewHTTPHandler(sessions, logger)
		logger.Info().Msg("session log enabled")
	}

	gateway, err := ws.NewGateway(registry, logger.With().Str("component", "gateway").Logger(), hooks, ws.GatewayConfig{
		HeartbeatInterval:  cfg.WS.HeartbeatInterval,
		HeartbeatTolerance: cfg.WS.HeartbeatTolerance,
		SendBuffer:         cfg.WS.SendBuffer,
		WriteTimeout:       cfg.WS.WriteTimeout,
		CloseGracePeriod:   cfg.WS.CloseGracePeriod,
		ReadBufferSize:     cfg.WS.ReadBufferBytes,
		MaxMessageSize:     cfg.WS.MaxMessageBytes,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create gateway")
	}

	source, err := staticSource(cfg, resources)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to configure static files")
	}
	files := static.NewHandler(source, logger.With().Str("component", "static").Logger())

	httpServer := &http.Server{
		Addr:              cfg.HTTPListenAddr,
		Handler:           newRouter(gateway, sessionsHandler, files),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.HTTPListenAddr).Msg("http server starting")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("http server failed")
			stop()
		}
	}()

	go func() {
		ticker := time.NewTicker(cfg.HealthcheckProbe)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := resources.HealthCheck(ctx); err != nil {
					logger.Error().Err(err).Msg("dependency healthcheck failed")
				} else {
					logger.Debug().Msg("dependency healthcheck ok")
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	// Hijacked websocket connections are not tracked by http.Server; they end
	// when the process exits.
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("forced shutdown")
		return
	}
	logger.Info().Msg("shutdown complete")
}

func staticSource(cfg config.Config, resources *config.Resources) (static.Source, error) {
	if cfg.StaticBucket != "" && resources.Object != nil {
		return static.NewObjectSource(resources.Object, cfg.StaticBucket, cfg.StaticPrefix), nil
	}
	return static.NewDirSource(cfg.StaticRoot)
}

func recordSession(sessions *storage.SessionLog, logger zerolog.Logger) ws.DisconnectHook {
	return func(conn *ws.Connection) {
		stats := conn.Stats()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, err := sessions.Record(ctx, storage.Session{
			Room:       conn.Room(),
			ClientID:   conn.ClientID(),
			RemoteAddr: conn.RemoteAddr(),
			OpenedAt:   conn.OpenedAt(),
			ClosedAt:   time.Now().UTC(),
			CloseCode:  stats.CloseCode,
			FramesIn:   stats.FramesIn,
			FramesOut:  stats.FramesOut,
			BytesIn:    stats.BytesIn,
			BytesOut:   stats.BytesOut,
		})
		if err != nil {
			logger.Error().Err(err).Str("room", conn.Room()).Str("client", conn.ClientID()).Msg("failed to record session")
		}
	}
}

func instanceID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("%s-%d-%d", host, os.Getpid(), time.Now().UnixNano())
}
