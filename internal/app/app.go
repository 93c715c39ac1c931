// Package app assembles the de-identification components from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/raaihank/phi-sentinel/internal/audit"
	"github.com/raaihank/phi-sentinel/internal/cache"
	"github.com/raaihank/phi-sentinel/internal/config"
	"github.com/raaihank/phi-sentinel/internal/deid"
	"github.com/raaihank/phi-sentinel/internal/etl"
	"github.com/raaihank/phi-sentinel/internal/inbox"
	"github.com/raaihank/phi-sentinel/internal/logger"
	"github.com/raaihank/phi-sentinel/internal/pipeline"
	"github.com/raaihank/phi-sentinel/internal/privacy"
	"github.com/raaihank/phi-sentinel/internal/rules"
	"github.com/raaihank/phi-sentinel/internal/server"
	"github.com/raaihank/phi-sentinel/internal/surrogate"
	"github.com/raaihank/phi-sentinel/internal/websocket"
)

// Version is stamped at build time.
var Version = "0.1.0"

// App holds the wired components.
type App struct {
	Config   *config.Config
	Logger   *logger.Logger
	Rules    *rules.RuleSet
	Mapper   *surrogate.Mapper
	Sink     audit.Sink
	Audit    *audit.Logger
	Pipeline *pipeline.Pipeline
	Runner   *etl.Runner
	Hub      *websocket.Hub

	offsets *cache.OffsetStore
}

// NewLogger builds the process logger from the logging section.
func NewLogger(cfg *config.Config) (*logger.Logger, error) {
	lc := logger.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format}
	if cfg.Logging.File.Enabled {
		lc.File = &logger.FileConfig{Enabled: true, Path: cfg.Logging.File.Path}
	}
	return logger.New(lc)
}

// OpenSink opens the configured audit sink.
func OpenSink(ctx context.Context, cfg config.AuditConfig, log *zap.Logger) (audit.Sink, error) {
	switch cfg.Sink {
	case "file":
		sink, err := audit.OpenFile(cfg.Path)
		if err != nil {
			return nil, err
		}
		return sink, nil
	case "postgres":
		sink, err := audit.NewPostgresSink(ctx, audit.PostgresConfig{
			DatabaseURL:     cfg.DatabaseURL,
			Table:           cfg.Table,
			MaxOpenConns:    cfg.MaxOpenConns,
			MaxIdleConns:    cfg.MaxIdleConns,
			ConnMaxLifetime: cfg.ConnMaxLifetime,
		}, log)
		if err != nil {
			return nil, err
		}
		return sink, nil
	case "memory":
		return audit.NewMemorySink(), nil
	default:
		return nil, fmt.Errorf("unknown audit sink %q", cfg.Sink)
	}
}

// OpenOffsetStore connects to the Redis store that shares DATE_SHIFT offsets
// between processes.
func OpenOffsetStore(cfg config.RedisConfig, log *zap.Logger) (*cache.OffsetStore, error) {
	return cache.NewOffsetStore(&cache.Config{
		RedisURL:       cfg.URL,
		MaxConnections: cfg.MaxConnections,
		MinIdleConns:   cfg.MinIdleConns,
		DefaultTTL:     cfg.TTL,
		KeyPrefix:      cfg.KeyPrefix,
	}, log)
}

// New loads the rule set and wires every component. Any failure releases the
// resources opened so far.
func New(ctx context.Context, cfg *config.Config, log *logger.Logger) (_ *App, err error) {
	a := &App{Config: cfg, Logger: log}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	a.Rules, err = rules.Load(cfg.Rules.Path)
	if err != nil {
		return nil, err
	}
	log.Info("Rule set loaded",
		zap.String("path", cfg.Rules.Path),
		zap.Int("rules", len(a.Rules.Rules())),
		zap.String("ruleset", a.Rules.Fingerprint()),
		zap.Float64("confidence_floor", a.Rules.ConfidenceFloor()))

	var store surrogate.OffsetStore
	if cfg.Surrogate.Store == "redis" {
		a.offsets, err = OpenOffsetStore(cfg.Redis, log.WithComponent("cache").Logger)
		if err != nil {
			return nil, err
		}
		store = a.offsets
	}

	a.Mapper, err = surrogate.NewMapper(surrogate.Config{
		MasterKey:   []byte(cfg.Surrogate.MasterKey),
		TokenLength: cfg.Surrogate.TokenLength,
		Shards:      cfg.Surrogate.Shards,
		Store:       store,
	}, log.WithComponent("surrogate").Logger)
	if err != nil {
		return nil, err
	}

	a.Sink, err = OpenSink(ctx, cfg.Audit, log.WithComponent("audit").Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit sink: %w", err)
	}
	a.Audit, err = audit.NewLogger(ctx, a.Sink, audit.Config{
		Actor:         cfg.Audit.Actor,
		RuleSet:       a.Rules.Fingerprint(),
		AppendTimeout: cfg.Audit.AppendTimeout,
	}, log.WithComponent("audit").Logger)
	if err != nil {
		return nil, err
	}

	if cfg.WebSocket.Enabled {
		a.Hub = websocket.NewHub(&websocket.HubConfig{
			BroadcastAudit:       cfg.WebSocket.Events.BroadcastAudit,
			BroadcastSystem:      cfg.WebSocket.Events.BroadcastSystem,
			BroadcastConnections: cfg.WebSocket.Events.BroadcastConnections,
			Username:             cfg.WebSocket.Username,
			Password:             cfg.WebSocket.Password,
			MaxConnections:       cfg.WebSocket.MaxConnections,
			ReadBufferSize:       cfg.WebSocket.ReadBufferSize,
			WriteBufferSize:      cfg.WebSocket.WriteBufferSize,
			PingInterval:         cfg.WebSocket.PingInterval,
			PongTimeout:          cfg.WebSocket.PongTimeout,
			WriteTimeout:         cfg.WebSocket.WriteTimeout,
			MaxMessageSize:       cfg.WebSocket.MaxMessageSize,
			AllowedOrigins:       cfg.WebSocket.AllowedOrigins,
		}, log.Logger)
		a.Audit.OnAppend(a.Hub.AuditAppended)
	}

	salt := []byte(cfg.Surrogate.HashSalt)
	if len(salt) == 0 {
		log.Warn("No surrogate hash salt configured, HASH_TRUNCATE digests use the master key")
		salt = []byte(cfg.Surrogate.MasterKey)
	}

	a.Pipeline = pipeline.New(pipeline.Options{
		Rules:    a.Rules,
		Detector: privacy.New(log.WithComponent("detector").Logger),
		Engine:   deid.New(a.Mapper, salt, log.WithComponent("deid").Logger),
		Mapper:   a.Mapper,
		Audit:    a.Audit,
		Actor:    cfg.Audit.Actor,
	}, log.WithComponent("pipeline").Logger)

	a.Runner = etl.NewRunner(a.Pipeline, &etl.Config{
		BatchSize:      cfg.Pipeline.BatchSize,
		WorkerCount:    cfg.Pipeline.WorkerCount,
		MaxRetries:     cfg.Pipeline.MaxRetries,
		RetryDelay:     cfg.Pipeline.RetryDelay,
		RateLimit:      cfg.Pipeline.RateLimit,
		ProgressReport: cfg.Pipeline.ProgressReport,
	}, log.WithComponent("etl").Logger)

	return a, nil
}

// Serve runs the ops server and, when enabled, the inbox watcher until ctx is
// canceled or one of them fails.
func (a *App) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	err := config.Watch(func(c *config.Config) {
		if err := a.Logger.SetLevel(c.Logging.Level); err != nil {
			a.Logger.Warn("Ignoring log level change", zap.Error(err))
			return
		}
		a.Logger.Info("Configuration reloaded", zap.String("log_level", c.Logging.Level))
	}, func(err error) {
		a.Logger.Warn("Ignoring invalid configuration change", zap.Error(err))
	})
	if err != nil {
		a.Logger.Debug("Configuration hot reload disabled", zap.Error(err))
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)
	run := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil {
				a.Logger.Error("Component stopped", zap.String("component", name), zap.Error(err))
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
			}
			cancel()
		}()
	}

	srv := server.New(a.Config, server.Options{
		Rules:   a.Rules,
		Sink:    a.Sink,
		Audit:   a.Audit,
		Mapper:  a.Mapper,
		Hub:     a.Hub,
		Version: Version,
	}, a.Logger)
	run("server", srv.Start)

	if a.Config.Inbox.Enabled {
		w := inbox.NewWatcher(inbox.Config{
			Dir:          a.Config.Inbox.Dir,
			Outbox:       a.Config.Inbox.Outbox,
			PollInterval: a.Config.Inbox.PollInterval,
			Debounce:     a.Config.Inbox.Debounce,
		}, a.Runner, a.Logger.Logger)
		run("inbox", w.Run)
	}

	wg.Wait()
	return firstErr
}

// Close releases the audit sink and the offset store.
func (a *App) Close() error {
	var errs []error
	if a.Audit != nil {
		errs = append(errs, a.Audit.Close())
	} else if a.Sink != nil {
		errs = append(errs, a.Sink.Close())
	}
	if a.offsets != nil {
		errs = append(errs, a.offsets.Close())
	}
	return errors.Join(errs...)
}
