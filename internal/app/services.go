package app

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/kaalabs/hue-gateway/internal/bridge"
	"github.com/kaalabs/hue-gateway/internal/cache"
	"github.com/kaalabs/hue-gateway/internal/config"
	"github.com/kaalabs/hue-gateway/internal/db"
	"github.com/kaalabs/hue-gateway/internal/dispatch"
	"github.com/kaalabs/hue-gateway/internal/eventbus"
	"github.com/kaalabs/hue-gateway/internal/limit"
	"github.com/kaalabs/hue-gateway/internal/resolve"
	"github.com/kaalabs/hue-gateway/internal/server"
	"github.com/kaalabs/hue-gateway/internal/store"
)

// Services is a container for all application services.
// It manages initialization order and dependencies.
type Services struct {
	cfg *config.Config

	// Core infrastructure
	DB          *db.DB
	Settings    *store.Settings
	Resources   *store.Resources
	Idempotency *store.IdempotencyStore

	// Resource mirror and fan-out
	Cache  *cache.Cache
	Bus    *eventbus.Bus
	Syncer *cache.Syncer

	// Bridge access
	Client *bridge.Client
	Stream *bridge.EventStream

	// Request path
	Resolver   *resolve.Resolver
	Limiter    *limit.Limiter
	Dispatcher *dispatch.Dispatcher
	Server     *server.Server
}

// NewServices creates all services with proper dependency injection.
func NewServices(cfg *config.Config) (*Services, error) {
	s := &Services{cfg: cfg}

	database, err := db.Open(cfg.Database.Path)
	if err != nil {
		return nil, err
	}
	s.DB = database
	s.Settings = store.NewSettings(database.DB)
	s.Resources = store.NewResources(database.DB)
	s.Idempotency = store.NewIdempotencyStore(database.DB, cfg.Idempotency.TTL.Duration(), cfg.Idempotency.MaxRows)

	s.Cache = cache.New()
	s.Bus = eventbus.NewWithConfig(cfg.Events.ReplaySize, cfg.Events.QueueSize)

	// Host and application key are resolved from settings at Start; the
	// client begins unconfigured.
	s.Client = bridge.NewClient("", "", cfg.Bridge.Timeout.Duration(), bridge.RetryConfig{
		MaxAttempts: cfg.Bridge.RetryMaxAttempts,
		BaseDelay:   cfg.Bridge.RetryBaseDelay.Duration(),
		MaxDelay:    cfg.Bridge.RetryMaxDelay.Duration(),
	})

	s.Syncer = cache.NewSyncer(s.Client, s.Cache, s.Resources, s.Settings, s.Bus, cfg.Cache.ResyncInterval.Duration())

	s.Stream = bridge.NewEventStream(s.Client, bridge.EventStreamConfig{
		MinBackoff:    cfg.Bridge.MinRetryBackoff.Duration(),
		MaxBackoff:    cfg.Bridge.MaxRetryBackoff.Duration(),
		Multiplier:    cfg.Bridge.RetryMultiplier,
		MaxReconnects: cfg.Bridge.MaxReconnects,
	})
	// Heal whatever was missed while disconnected.
	s.Stream.OnConnected = s.Syncer.Trigger

	s.Resolver = resolve.New(s.Cache, resolve.Thresholds{
		Match:    cfg.Resolver.MatchThreshold,
		Autopick: cfg.Resolver.AutopickThreshold,
		Margin:   cfg.Resolver.Margin,
	})
	s.Limiter = limit.New(cfg.Limiter.RPS, cfg.Limiter.Burst)

	s.Dispatcher = dispatch.New(s.Client, s.Cache, s.Resolver, s.Limiter, s.Settings, s.Idempotency, s.Syncer)
	s.Server = server.New(cfg, s.Dispatcher, s.Bus, s.readiness)

	return s, nil
}

// readiness reports whether the gateway can serve control requests. An
// unpaired gateway is ready (setup actions must work); a paired gateway is
// ready once the cache holds resources.
func (s *Services) readiness() (bool, map[string]any) {
	configured := s.Client.Configured()
	resources := s.Cache.Len()
	ready := !configured || resources > 0
	return ready, map[string]any{
		"bridgeConfigured": configured,
		"resources":        resources,
	}
}

// Start starts all services. The onFatalError callback fires when a
// background service fails irrecoverably (e.g. max reconnects exceeded).
func (s *Services) Start(ctx context.Context, onFatalError func(error)) error {
	if err := s.configureBridge(); err != nil {
		return err
	}

	if err := s.Syncer.WarmFromStore(); err != nil {
		log.Warn().Err(err).Msg("Failed to warm cache from store")
	}
	// Schedule the bootstrap resync; the syncer loop picks it up first.
	s.Syncer.Trigger()

	go func() {
		if err := s.Syncer.Run(ctx); err != nil {
			onFatalError(err)
		}
	}()

	go func() {
		err := s.Stream.Run(ctx, s.Syncer.HandleEvent)
		if errors.Is(err, bridge.ErrMaxReconnectsExceeded) {
			onFatalError(err)
		}
	}()

	go s.runIdempotencyCleanup(ctx)

	go func() {
		if err := s.Server.Run(ctx, s.cfg.ShutdownTimeout.Duration()); err != nil {
			onFatalError(err)
		}
	}()

	return nil
}

// configureBridge resolves the bridge host and application key. Stored
// settings win; configuration seeds them on first run.
func (s *Services) configureBridge() error {
	host, err := s.Settings.Get(store.SettingBridgeHost)
	if err != nil {
		return err
	}
	if host == "" && s.cfg.Bridge.Host != "" {
		host = s.cfg.Bridge.Host
		if err := s.Settings.Set(store.SettingBridgeHost, host); err != nil {
			return err
		}
	}

	appKey, err := s.Settings.Get(store.SettingApplicationKey)
	if err != nil {
		return err
	}
	if appKey == "" && s.cfg.Bridge.ApplicationKey != "" {
		appKey = s.cfg.Bridge.ApplicationKey
		if err := s.Settings.Set(store.SettingApplicationKey, appKey); err != nil {
			return err
		}
	}

	s.Client.Configure(host, appKey)
	if host == "" {
		log.Warn().Msg("No bridge host configured, waiting for bridge.set_host")
	} else if appKey == "" {
		log.Warn().Str("host", host).Msg("Bridge not paired, waiting for bridge.pair")
	} else {
		log.Info().Str("host", host).Msg("Bridge configured")
	}
	return nil
}

func (s *Services) runIdempotencyCleanup(ctx context.Context) {
	interval := s.cfg.Idempotency.CleanupInterval.Duration()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := s.Idempotency.CleanupExpired()
			if err != nil {
				log.Warn().Err(err).Msg("Idempotency cleanup failed")
				continue
			}
			if removed > 0 {
				log.Debug().Int64("removed", removed).Msg("Idempotency records cleaned up")
			}
		}
	}
}

// Stop gracefully stops all services.
func (s *Services) Stop() error {
	s.Close()
	return nil
}

// Close releases all resources.
func (s *Services) Close() {
	if s.Bus != nil {
		s.Bus.Close()
	}
	if s.Client != nil {
		s.Client.Close()
	}
	if s.DB != nil {
		s.DB.Close()
	}
}
