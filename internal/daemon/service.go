package daemon

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redsync/redsync/v4"
	goredis "github.com/go-redsync/redsync/v4/redis/goredis/v9"

	"github.com/squirreldb/squirreldb/internal/backend"
	"github.com/squirreldb/squirreldb/internal/backend/postgres"
	"github.com/squirreldb/squirreldb/internal/backend/sqlite"
	"github.com/squirreldb/squirreldb/internal/backup"
	"github.com/squirreldb/squirreldb/internal/cache"
	"github.com/squirreldb/squirreldb/internal/config"
	"github.com/squirreldb/squirreldb/internal/features"
	"github.com/squirreldb/squirreldb/internal/jsrun"
	"github.com/squirreldb/squirreldb/internal/logger"
	"github.com/squirreldb/squirreldb/internal/query"
	"github.com/squirreldb/squirreldb/internal/ratelimit"
	"github.com/squirreldb/squirreldb/internal/storage"
	"github.com/squirreldb/squirreldb/internal/subscriptions"
)

const (
	jsRuntimePoolSize = 8
	parseCacheSize    = 1024
	resultCacheSize   = 256
	resultCacheTTL    = 5 * time.Second
)

// Service is the fully wired daemon: an AppState plus every feature
// registered under internal/features, started and stopped together.
type Service struct {
	State *AppState
}

// New builds a Service from a loaded configuration: opens the backend,
// builds the query engine and subscription manager, and registers every
// protocol front end / cache / storage / backup feature. The events
// publisher is not registered.
func New(cfg *config.Config, log logger.Logger) (*Service, error) {
	b, dialect, err := openBackend(cfg, log)
	if err != nil {
		return nil, err
	}

	if err := b.InitSchema(context.Background()); err != nil {
		return nil, fmt.Errorf("daemon: initializing schema: %w", err)
	}

	pool := jsrun.NewPool(jsRuntimePoolSize)
	parseCache := query.NewParseCache(parseCacheSize)
	resultCache := query.NewResultCache(resultCacheSize, resultCacheTTL)
	engine := query.NewEngine(b, dialect, pool, parseCache, resultCache)

	subs := subscriptions.NewManager(b, pool, log)

	gate := ratelimit.NewConnectionGate(cfg.Limits.MaxConnectionsPerIP, b)
	bucket := ratelimit.NewTokenBucket(cfg.Limits.RequestsPerSecond, cfg.Limits.BurstSize, b)
	sem := ratelimit.NewQuerySemaphore(cfg.Limits.MaxConcurrentQueries)

	state := &AppState{
		Config:   cfg,
		Log:      log,
		Backend:  b,
		Engine:   engine,
		Subs:     subs,
		Gate:     gate,
		Bucket:   bucket,
		Sem:      sem,
		Features: features.NewRegistry(),
	}

	registerFeatures(state)

	return &Service{State: state}, nil
}

func openBackend(cfg *config.Config, log logger.Logger) (backend.Backend, query.Dialect, error) {
	switch cfg.Backend {
	case "postgres":
		b, err := postgres.New(postgres.Config{
			PrimaryURL: cfg.Postgres.URL,
			MaxConns:   cfg.Postgres.MaxConnections,
		}, log)
		if err != nil {
			return nil, "", fmt.Errorf("daemon: opening postgres backend: %w", err)
		}

		return b, query.Postgres, nil
	case "sqlite", "":
		b, err := sqlite.New(cfg.SQLite.Path)
		if err != nil {
			return nil, "", fmt.Errorf("daemon: opening sqlite backend: %w", err)
		}

		return b, query.SQLite, nil
	default:
		return nil, "", fmt.Errorf("daemon: unknown backend %q", cfg.Backend)
	}
}

// registerFeatures registers every toggleable subsystem named in spec
// §4.7: the HTTP server (REST+WebSocket), the TCP listener, the cache,
// the storage plane and the backup service. The events publisher is not
// among them.
func registerFeatures(state *AppState) {
	state.Features.Register("http", "REST + WebSocket front end", newHTTPServer(state))

	if state.Config.Server.Protocols.TCP {
		state.Features.Register("tcp", "framed binary TCP front end", newTCPServer(state))
	}

	var cacheFeature *cache.Feature

	if state.Config.Cache.Enabled {
		var err error

		cacheFeature, err = cache.NewFeature(
			cache.Mode(state.Config.Cache.Mode),
			cache.Config{
				Port:                 state.Config.Cache.Port,
				MaxMemory:            state.Config.Cache.MaxMemory,
				Eviction:             cache.Eviction(state.Config.Cache.Eviction),
				DefaultTTL:           time.Duration(state.Config.Cache.DefaultTTLSecs) * time.Second,
				SnapshotEnabled:      state.Config.Cache.SnapshotEnabled,
				SnapshotPath:         state.Config.Cache.SnapshotPath,
				SnapshotInterval:     time.Duration(state.Config.Cache.SnapshotIntervalSecs) * time.Second,
				NotifyKeyspaceEvents: true,
			},
			cache.ProxyConfig{URL: proxyURL(state.Config.Cache)},
			state.Log,
		)
		if err != nil {
			state.Log.Errorf("daemon: building cache feature: %v", err)
		} else {
			state.Features.Register("cache", "embedded Redis-compatible cache", cacheFeature)
		}
	}

	storageFeature := storage.NewFeature(storage.Config{
		Mode: storage.ModeFile,
		Path: state.Config.Storage.StoragePath,
		S3: storage.S3Config{
			Region: state.Config.Storage.Region,
			Bucket: state.Config.Storage.StoragePath,
		},
	})
	state.Features.Register("storage", "object storage plane", storageFeature)

	backupFeature := backup.NewService(backup.Config{
		Enabled:        state.Config.Backup.Enabled,
		Interval:       time.Duration(state.Config.Backup.IntervalSeconds) * time.Second,
		Retention:      state.Config.Backup.Retention,
		LocalPath:      state.Config.Backup.LocalPath,
		StoragePrefix:  state.Config.Backup.StoragePath,
		StorageEnabled: state.Config.Backup.StorageEnabled,
	}, state.Backend, storageFeature.Store, redsyncResolver(cacheFeature), state.Log)
	state.Features.Register("backup", "periodic logical backup", backupFeature)
}

// redsyncResolver resolves a distributed lock from the cache feature's
// proxy-mode Redis connection, if any. The cache feature may start after
// the backup feature is registered, so resolution happens lazily at
// each backup run rather than once at registration time.
func redsyncResolver(cacheFeature *cache.Feature) func() *redsync.Redsync {
	return func() *redsync.Redsync {
		if cacheFeature == nil {
			return nil
		}

		proxy := cacheFeature.Proxy()
		if proxy == nil || proxy.Client() == nil {
			return nil
		}

		pool := goredis.NewPool(proxy.Client())

		return redsync.New(pool)
	}
}

func proxyURL(cfg config.CacheConfig) string {
	if cfg.ProxyHost == "" {
		return ""
	}

	scheme := "redis"
	if cfg.ProxyTLSEnabled {
		scheme = "rediss"
	}

	if cfg.ProxyPassword != "" {
		return fmt.Sprintf("%s://:%s@%s:%d/%d", scheme, cfg.ProxyPassword, cfg.ProxyHost, cfg.ProxyPort, cfg.ProxyDatabase)
	}

	return fmt.Sprintf("%s://%s:%d/%d", scheme, cfg.ProxyHost, cfg.ProxyPort, cfg.ProxyDatabase)
}

// Run starts every registered feature, registers the backend's change
// listener, wires the subscription manager's fan-out loop, and blocks
// until SIGINT/SIGTERM, at which point it stops every feature and
// returns. Exit codes: callers translate a non-nil error from Run into a
// non-zero process exit (spec §6); a clean shutdown returns nil.
func (s *Service) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := s.State.Backend.StartChangeListener(ctx); err != nil {
		return fmt.Errorf("daemon: starting change listener: %w", err)
	}

	go s.State.Subs.Run(ctx)

	for _, name := range []string{"http", "tcp", "cache", "storage", "backup"} {
		if err := s.State.Features.Start(ctx, name); err != nil {
			s.State.Log.Warnf("daemon: starting feature %q: %v", name, err)
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	s.State.Log.Info("daemon: shutdown signal received, stopping features")

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer stopCancel()

	s.State.Features.StopAll(stopCtx)

	return s.State.Backend.Close()
}
