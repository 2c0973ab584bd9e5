// Package app assembles labcal's components from configuration. Both
// binaries build on it: the daemon serves and works the queue, the admin
// CLI runs one-off operations against the same stores.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/quantumlife/labcal/internal/calsync"
	"github.com/quantumlife/labcal/internal/config"
	"github.com/quantumlife/labcal/internal/core"
	"github.com/quantumlife/labcal/internal/jobs"
	"github.com/quantumlife/labcal/internal/ledger"
	"github.com/quantumlife/labcal/internal/legacy"
	"github.com/quantumlife/labcal/internal/legacy/mongostore"
	"github.com/quantumlife/labcal/internal/legacy/pgstore"
	"github.com/quantumlife/labcal/internal/logging"
	"github.com/quantumlife/labcal/internal/migration"
	"github.com/quantumlife/labcal/internal/notifications"
	"github.com/quantumlife/labcal/internal/oauth"
	"github.com/quantumlife/labcal/internal/provider"
	"github.com/quantumlife/labcal/internal/provider/google"
	"github.com/quantumlife/labcal/internal/scheduler"
	"github.com/quantumlife/labcal/internal/secrets"
	"github.com/quantumlife/labcal/internal/secrets/gsm"
	"github.com/quantumlife/labcal/internal/storage"
	"github.com/quantumlife/labcal/internal/webhook"
)

// App holds the wired components
type App struct {
	Config *config.Config

	DB            *storage.DB
	Ledger        *ledger.Store
	Secrets       secrets.Store
	Provider      provider.Provider
	States        oauth.StateStore
	OAuth         *oauth.Manager
	Connections   *storage.ConnectionStore
	Events        *storage.EventStore
	Engine        *calsync.Engine
	Coordinator   *calsync.Coordinator
	Dispatcher    jobs.Dispatcher
	Notifications *notifications.Service

	// Nil when webhooks are disabled
	Webhooks *webhook.Manager
	// Nil when no legacy store is configured
	Legacy    legacy.Store
	Migration *migration.Tool

	redis   *redis.Client
	closers []func() error
	log     *logging.Logger
}

// Option adjusts how the app is built
type Option func(*options)

type options struct {
	provider provider.Provider
	legacy   legacy.Store
	secrets  secrets.Store
}

// WithProvider replaces the Google provider
func WithProvider(p provider.Provider) Option { return func(o *options) { o.provider = p } }

// WithLegacy replaces the configured legacy store
func WithLegacy(s legacy.Store) Option { return func(o *options) { o.legacy = s } }

// WithSecrets replaces the configured secret store backend. The store is
// still wrapped with auditing.
func WithSecrets(s secrets.Store) Option { return func(o *options) { o.secrets = s } }

// New opens the stores and wires every component. Close releases them.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	a := &App{Config: cfg, log: logging.Component("app")}
	built := false
	defer func() {
		if !built {
			_ = a.Close()
		}
	}()

	if !cfg.Storage.InMemory {
		if err := os.MkdirAll(filepath.Dir(cfg.Storage.Path), 0o700); err != nil {
			return nil, fmt.Errorf("create data directory: %w", err)
		}
	}
	db, err := storage.Open(storage.Config{Path: cfg.Storage.Path, InMemory: cfg.Storage.InMemory})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	a.DB = db
	a.closers = append(a.closers, a.DB.Close)
	if err := a.DB.Migrate(); err != nil {
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	a.Ledger = ledger.NewStore(a.DB.Conn())
	a.Connections = storage.NewConnectionStore(a.DB)
	a.Events = storage.NewEventStore(a.DB)
	a.Notifications = notifications.NewService()

	if err := a.openSecrets(ctx, o.secrets); err != nil {
		return nil, err
	}

	a.Provider = o.provider
	if a.Provider == nil {
		a.Provider = google.New(google.Config{
			ClientID:     cfg.Google.ClientID,
			ClientSecret: cfg.Google.ClientSecret,
			RedirectURL:  cfg.Google.RedirectURL,
			Scopes:       cfg.Google.Scopes,
			Timeout:      cfg.Google.Timeout,
		})
	}

	if err := a.openStates(); err != nil {
		return nil, err
	}

	syncStates := storage.NewSyncStateStore(a.DB)
	a.OAuth = oauth.NewManager(oauth.Config{
		RedirectURL:   cfg.Google.RedirectURL,
		StateTTL:      cfg.OAuth.StateTTL,
		RefreshMargin: cfg.OAuth.RefreshMargin,
	}, a.Provider, a.Secrets, a.Connections, a.States,
		oauth.WithNotifier(a.Notifications),
		oauth.WithAuditor(a.Ledger),
		oauth.WithMirrors(a.Events, syncStates))

	a.Engine = calsync.NewEngine(calsync.Config{
		WindowPast:   cfg.Sync.WindowPast,
		WindowFuture: cfg.Sync.WindowFuture,
		MaxAttempts:  cfg.Sync.MaxAttempts,
		Backoff:      calsync.Backoff{Base: cfg.Sync.BaseBackoff, Max: cfg.Sync.MaxBackoff, Factor: 2},
		PageSize:     cfg.Sync.PageSize,
	}, a.Provider, a.OAuth, a.Connections, a.Events, syncStates,
		calsync.WithObserver(a.Notifications))
	a.Coordinator = calsync.NewCoordinator(a.Engine, a.Connections, cfg.Sync.Workers)

	if err := a.openDispatcher(); err != nil {
		return nil, err
	}

	if cfg.Webhook.Enabled {
		a.Webhooks = webhook.NewManager(webhook.Config{
			Address:     cfg.Webhook.Address,
			ChannelTTL:  cfg.Webhook.ChannelTTL,
			RenewBefore: cfg.Webhook.RenewBefore,
		}, a.Provider, a.OAuth, storage.NewChannelStore(a.DB), a.Connections, a.Dispatcher)
		a.OAuth.SetChannelStopper(a.Webhooks)
	}
	a.OAuth.OnLinked(a.onLinked)

	a.Legacy = o.legacy
	if a.Legacy == nil {
		if err := a.openLegacy(ctx); err != nil {
			return nil, err
		}
	}
	if a.Legacy != nil {
		a.Migration = migration.NewTool(a.Legacy, a.Secrets, a.Ledger, migration.WithConnections(a.Connections))
	}

	built = true
	return a, nil
}

func (a *App) openSecrets(ctx context.Context, override secrets.Store) error {
	inner := override
	if inner == nil {
		switch a.Config.Secrets.Backend {
		case "sqlite":
			s, err := secrets.NewSQLiteStore(ctx, a.DB, a.Config.Secrets.Passphrase)
			if err != nil {
				return fmt.Errorf("open secret store: %w", err)
			}
			inner = s
		case "gsm":
			s, err := gsm.New(ctx, a.Config.Secrets.GCPProject, a.Config.Secrets.Prefix)
			if err != nil {
				return fmt.Errorf("open secret manager: %w", err)
			}
			a.closers = append(a.closers, s.Close)
			inner = s
		default:
			return fmt.Errorf("secrets backend %q: %w", a.Config.Secrets.Backend, core.ErrInvalidInput)
		}
	}
	a.Secrets = secrets.Audited(inner, a.Ledger)
	return nil
}

func (a *App) openStates() error {
	switch a.Config.OAuth.StateBackend {
	case "", "memory":
		s := oauth.NewMemoryStateStore(a.Config.OAuth.StateTTL)
		s.Start()
		a.closers = append(a.closers, func() error { s.Stop(); return nil })
		a.States = s
	case "redis":
		a.States = oauth.NewRedisStateStore(a.redisClient(), "labcal:oauth:state:")
	default:
		return fmt.Errorf("oauth state backend %q: %w", a.Config.OAuth.StateBackend, core.ErrInvalidInput)
	}
	return nil
}

func (a *App) openDispatcher() error {
	switch a.Config.Queue.Backend {
	case "", "local":
		a.Dispatcher = jobs.NewLocalDispatcher(a.Coordinator)
	case "asynq":
		d := jobs.NewAsynqDispatcher(a.RedisConnOpt(), a.Config.Queue.QueueName)
		a.closers = append(a.closers, d.Close)
		a.Dispatcher = d
	default:
		return fmt.Errorf("queue backend %q: %w", a.Config.Queue.Backend, core.ErrInvalidInput)
	}
	return nil
}

func (a *App) openLegacy(ctx context.Context) error {
	cfg := a.Config.Legacy
	switch cfg.Backend {
	case "", "none":
	case "mongo":
		s, err := mongostore.Open(ctx, cfg.MongoURI, cfg.MongoDB)
		if err != nil {
			return fmt.Errorf("open legacy mongo store: %w", err)
		}
		a.closers = append(a.closers, func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return s.Close(ctx)
		})
		a.Legacy = s
	case "postgres":
		s, err := pgstore.Open(cfg.PostgresDSN)
		if err != nil {
			return fmt.Errorf("open legacy postgres store: %w", err)
		}
		a.closers = append(a.closers, s.Close)
		a.Legacy = s
	default:
		return fmt.Errorf("legacy backend %q: %w", cfg.Backend, core.ErrInvalidInput)
	}
	return nil
}

func (a *App) redisClient() *redis.Client {
	if a.redis == nil {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     a.Config.Redis.Addr,
			Password: a.Config.Redis.Password,
			DB:       a.Config.Redis.DB,
		})
		a.closers = append(a.closers, a.redis.Close)
	}
	return a.redis
}

// RedisConnOpt returns the task queue connection settings
func (a *App) RedisConnOpt() asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     a.Config.Redis.Addr,
		Password: a.Config.Redis.Password,
		DB:       a.Config.Redis.DB,
	}
}

// onLinked registers push channels and queues the initial sync of a newly
// linked connection.
func (a *App) onLinked(ctx context.Context, conn *core.Connection) {
	log := a.log.WithContext(ctx).WithField("connection_id", conn.ID)
	a.Notifications.ConnectionChanged(ctx, notifications.EventLinked, conn, "calendar linked")

	if err := a.Dispatcher.Enqueue(ctx, conn.ID); err != nil {
		log.WithError(err).Warn("failed to queue initial sync")
	}
	if a.Webhooks != nil {
		if err := a.Webhooks.EnsureForConnection(ctx, conn); err != nil {
			log.WithError(err).Warn("failed to register push channels, falling back to periodic sync")
		}
	}
}

// Tasks returns the periodic tasks for the scheduler
func (a *App) Tasks() []*scheduler.Task {
	deps := jobs.TaskDeps{
		Dispatcher:   a.Dispatcher,
		Connections:  a.Connections,
		States:       a.States,
		SyncInterval: a.Config.Sync.Interval,
		RenewAt:      a.Config.Webhook.RenewAt,
	}
	if a.Webhooks != nil {
		deps.Channels = a.Webhooks
	}
	return jobs.Tasks(deps)
}

// Close releases every opened resource, newest first.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
