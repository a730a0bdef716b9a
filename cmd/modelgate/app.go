package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/zen-systems/modelgate/pkg/adapter"
	"github.com/zen-systems/modelgate/pkg/cache"
	"github.com/zen-systems/modelgate/pkg/config"
	"github.com/zen-systems/modelgate/pkg/cursor"
	"github.com/zen-systems/modelgate/pkg/dispatch"
	"github.com/zen-systems/modelgate/pkg/ledger"
	"github.com/zen-systems/modelgate/pkg/logging"
	"github.com/zen-systems/modelgate/pkg/pending"
	"github.com/zen-systems/modelgate/pkg/policy"
)

// app holds the wired collaborators for one CLI invocation.
type app struct {
	settings *config.Settings
	logger   *zap.Logger
	store    *config.Store
	cursors  cursor.Store
	cache    *cache.Cache
	queue    *pending.FileQueue
	journal  *ledger.JSONLRecorder
	metrics  *ledger.Metrics
	registry *prometheus.Registry
	adapters *adapter.Registry
	redis    *redis.Client
}

// loadSettings applies the persistent flags over file and env settings.
func loadSettings() (*config.Settings, error) {
	s, err := config.LoadSettings(settingsFile)
	if err != nil {
		return nil, err
	}
	if configFile != "" {
		s.ConfigPath = configFile
	}
	if logLevel != "" {
		s.LogLevel = logLevel
	}
	if logFormat != "" {
		s.LogFormat = logFormat
	}
	return s, nil
}

// loadConfig loads settings and the routing config without touching state.
func loadConfig() (*config.Settings, *config.Store, *zap.Logger, error) {
	s, err := loadSettings()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to load settings: %w", err)
	}
	logger, err := logging.NewLogger(s.LogLevel, s.LogFormat)
	if err != nil {
		return nil, nil, nil, err
	}
	store, err := config.NewStore(s.ConfigPath, s.Overlays, logger)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	return s, store, logger, nil
}

// newApp wires state stores, the ledger and provider adapters.
func newApp(ctx context.Context) (*app, error) {
	s, store, logger, err := loadConfig()
	if err != nil {
		return nil, err
	}
	a := &app{settings: s, logger: logger, store: store}

	switch s.StateBackend {
	case config.BackendRedis:
		a.redis = redis.NewClient(&redis.Options{Addr: s.RedisAddr})
		if err := a.redis.Ping(ctx).Err(); err != nil {
			_ = a.redis.Close()
			return nil, fmt.Errorf("connect redis %s: %w", s.RedisAddr, err)
		}
		a.cursors = cursor.NewRedisStore(a.redis, s.RedisPrefix)
		a.cache = cache.New(cache.NewRedisStore(a.redis, s.RedisPrefix))
	default:
		cursors, err := cursor.NewFileStore(s.CursorDir(), logger)
		if err != nil {
			return nil, fmt.Errorf("open cursor store: %w", err)
		}
		a.cursors = cursors
		cacheStore, err := cache.NewFileStore(s.CacheDir())
		if err != nil {
			return nil, fmt.Errorf("open cache: %w", err)
		}
		a.cache = cache.New(cacheStore)
	}

	if a.queue, err = pending.NewFileQueue(s.PendingDir(), logger); err != nil {
		a.Close()
		return nil, fmt.Errorf("open pending queue: %w", err)
	}
	if a.journal, err = ledger.NewJSONL(s.Ledger(), logger); err != nil {
		a.Close()
		return nil, fmt.Errorf("open ledger: %w", err)
	}

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.metrics = ledger.NewMetrics(a.registry)
	a.adapters = adapter.Build(ctx, store.Snapshot(), logger)
	return a, nil
}

// dispatcher builds a Dispatcher over the app's collaborators.
func (a *app) dispatcher() (*dispatch.Dispatcher, error) {
	return dispatch.New(a.store, dispatch.Options{
		Cursors:        a.cursors,
		Queue:          a.queue,
		Cache:          a.cache,
		Adapters:       a.adapters,
		Ledger:         ledger.Multi{a.journal, a.metrics},
		Logger:         a.logger,
		AttemptTimeout: a.settings.AttemptTimeout,
	})
}

// flags returns the process-level kill switches.
func (a *app) flags() policy.Flags {
	return policy.Flags{Lockdown: a.settings.Lockdown, EmergencyOverride: a.settings.EmergencyOverride}
}

func (a *app) Close() {
	var errs []error
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	if err := errors.Join(errs...); err != nil {
		a.logger.Warn("Close failed", zap.Error(err))
	}
	_ = a.logger.Sync()
}
