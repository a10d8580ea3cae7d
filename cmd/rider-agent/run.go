package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/example/rider-agent/internal/agent"
	"github.com/example/rider-agent/internal/api"
	"github.com/example/rider-agent/internal/chat"
	"github.com/example/rider-agent/internal/config"
	httpapi "github.com/example/rider-agent/internal/http"
	"github.com/example/rider-agent/internal/ingest"
	"github.com/example/rider-agent/internal/location"
	"github.com/example/rider-agent/internal/logging"
	"github.com/example/rider-agent/internal/orders"
	"github.com/example/rider-agent/internal/query"
	"github.com/example/rider-agent/internal/realtime"
	"github.com/example/rider-agent/internal/session"
	"github.com/example/rider-agent/internal/storage"
	"github.com/example/rider-agent/internal/tokenstore"
	"github.com/example/rider-agent/internal/wallet"
)

// geocodeTTL bounds how long a reverse-geocoded address is reused.
const geocodeTTL = 24 * time.Hour

func newTokenStore(cfg config.AgentConfig) (tokenstore.Store, func(), error) {
	switch cfg.TokenStore {
	case "memory":
		return tokenstore.NewMemoryStore(), func() {}, nil
	case "file":
		return tokenstore.NewFileStore(cfg.TokenFile), func() {}, nil
	case "redis":
		rs := tokenstore.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, cfg.DeviceID)
		return rs, func() { _ = rs.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown token store %q", cfg.TokenStore)
	}
}

func newJournal(ctx context.Context, cfg config.AgentConfig, logger *slog.Logger) (storage.Journal, func(), error) {
	if cfg.PGDSN == "" {
		return storage.NewMemoryJournal(), func() {}, nil
	}
	pj, err := storage.NewPostgresJournal(ctx, cfg.PGDSN)
	if err != nil {
		return nil, nil, fmt.Errorf("open journal: %w", err)
	}
	if cfg.RunMigrations {
		if err := pj.Migrate(ctx); err != nil {
			_ = pj.Close()
			return nil, nil, fmt.Errorf("migrate journal: %w", err)
		}
		logger.Info("journal_migrations_applied")
	}
	return pj, func() { _ = pj.Close() }, nil
}

func newTelemetry(cfg config.AgentConfig, logger *slog.Logger) ingest.Publisher {
	if len(cfg.KafkaBrokers) == 0 {
		return ingest.Nop{}
	}
	logger.Info("telemetry_enabled", "brokers", cfg.KafkaBrokers, "topic", cfg.KafkaTopic)
	return ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
}

func run(ctx context.Context, cfg config.AgentConfig, goOnline bool) error {
	logger := logging.NewLogger(cfg.LogLevel)

	tokens, closeTokens, err := newTokenStore(cfg)
	if err != nil {
		return err
	}
	defer closeTokens()

	journal, closeJournal, err := newJournal(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeJournal()

	telemetry := newTelemetry(cfg, logger)
	defer telemetry.Close()

	client := api.New(cfg.APIBaseURL, &http.Client{Timeout: cfg.HTTPTimeout}, tokens, logger)
	cache := query.New(0)
	hub := realtime.NewHub(realtime.Options{
		URL:               cfg.SocketURL,
		Token:             client.AccessToken,
		ReconnectAttempts: cfg.SocketReconnectAttempts,
		ReconnectDelay:    cfg.SocketReconnectDelay,
		Logger:            logger,
	})
	defer hub.CloseAll()

	sess := session.New(client, tokens, logger)
	src := location.NewFeedSource()
	geocoder := &location.CachedGeocoder{
		Geocoder: location.NewNominatimGeocoder(cfg.GeocoderURL),
		Cache:    query.New(geocodeTTL),
	}
	tracker := location.NewTracker(client, geocoder, src, location.TrackerConfig{
		MinInterval:  cfg.LocationMinInterval,
		MinDistanceM: cfg.LocationMinDistanceM,
		RiderID:      sess.RiderID,
		Telemetry:    telemetry,
		Logger:       logger,
	})
	defer tracker.Stop()

	walletSvc := wallet.NewService(client, cache, logger)
	defer walletSvc.Close()

	a := agent.New(agent.Deps{
		API:     client,
		Session: sess,
		Cache:   cache,
		Hub:     hub,
		Orders: orders.NewService(client, cache, orders.Config{
			MaxActive: cfg.MaxActiveOrders,
			RiderID:   sess.RiderID,
			Journal:   journal,
			Telemetry: telemetry,
			Logger:    logger,
		}),
		Chat:    chat.NewService(client, cache, hub, chat.Config{Logger: logger}),
		Wallet:  walletSvc,
		Tracker: tracker,
		Logger:  logger,
	})
	client.Transport().OnSessionExpired(a.HandleSessionExpired)

	if sess.IsAuthenticated(ctx) {
		if _, err := sess.Restore(ctx); err != nil {
			logger.Warn("session_restore_failed", "error", err, "message", api.UserMessage(err))
		}
	} else {
		logger.Info("no_session", "hint", "run `rider-agent login` or POST /session/login")
	}
	a.Start(ctx)

	if goOnline {
		region := cfg.RegionID
		if p, ok := sess.Profile(); ok && region == "" {
			region = p.RegionID
		}
		if err := a.GoOnline(ctx, region); err != nil {
			logger.Error("go_online_failed", "error", err, "message", api.UserMessage(err))
		}
	}

	control := httpapi.NewServer(a, src, logger)
	srv := &http.Server{
		Addr:              cfg.ControlAddr,
		Handler:           control,
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("control_api_listening", "addr", cfg.ControlAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("control api: %w", err)
		}
	}

	logger.Info("shutting_down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("control_api_shutdown_failed", "error", err)
	}
	control.Close()
	if a.Online() {
		if err := a.GoOffline(shutdownCtx); err != nil {
			logger.Warn("go_offline_failed", "error", err)
		}
	}
	logger.Info("shutdown_complete")
	return nil
}
