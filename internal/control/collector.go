package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"golang.org/x/sync/errgroup"

	"github.com/vietddude/collector/internal/collector/events"
	"github.com/vietddude/collector/internal/collector/health"
	"github.com/vietddude/collector/internal/collector/limiter"
	"github.com/vietddude/collector/internal/collector/mutation"
	"github.com/vietddude/collector/internal/collector/validation"
	"github.com/vietddude/collector/internal/core/attempt"
	"github.com/vietddude/collector/internal/core/config"
	"github.com/vietddude/collector/internal/core/worker"
	"github.com/vietddude/collector/internal/infra/connection"
	redisclient "github.com/vietddude/collector/internal/infra/redis"
	"github.com/vietddude/collector/internal/infra/source"
	"github.com/vietddude/collector/internal/infra/storage"
	"github.com/vietddude/collector/internal/infra/storage/memory"
	"github.com/vietddude/collector/internal/infra/storage/postgres"
)

// Collector is the main application struct that owns every component and
// its lifecycle.
type Collector struct {
	cfg *config.AppConfig

	db          *postgres.DB
	redisClient *redisclient.Client
	exceptions  storage.ExceptionRepository
	attempts    storage.AttemptRepository

	bus      *events.Bus
	bridge   *redisclient.EventBridge
	conn     *connection.Manager
	registry *source.Registry

	limiter   *limiter.Limiter
	cache     *validation.Cache
	validator *validation.Service
	listener  *validation.Listener
	unsub     func()

	tracker   *attempt.Tracker
	sweeper   *worker.Sweeper
	executor  *mutation.Executor
	mutations *mutation.Service

	healthMon    *health.Monitor
	healthServer *health.Server

	group  *errgroup.Group
	cancel context.CancelFunc
	log    *slog.Logger
}

// NewCollector creates a Collector with all dependencies initialized.
// Configuration errors are returned; an unreachable persistent connection
// only puts the connection manager into fallback mode.
func NewCollector(ctx context.Context, cfg *config.AppConfig) (*Collector, error) {
	c := &Collector{cfg: cfg, log: slog.Default()}
	if err := c.initStorage(ctx); err != nil {
		c.closeStores()
		return nil, err
	}
	if err := c.initSources(ctx); err != nil {
		c.closeStores()
		return nil, err
	}
	if err := c.initCache(); err != nil {
		c.closeStores()
		return nil, err
	}

	// 4. Events
	c.bus = events.NewBus(cfg.Events.Buffer)
	if cfg.Events.Bridge {
		c.bridge = redisclient.NewEventBridge(c.redisClient, c.bus, cfg.Redis.Channel, cfg.Events.InstanceID)
	}
	ch, unsub := c.bus.Subscribe("invalidation")
	c.listener = validation.NewListener(c.cache, ch)
	c.unsub = unsub

	// 5. Retry state machine and mutations
	c.tracker = attempt.NewTracker(c.attempts, c.exceptions, c.bus)
	c.sweeper = worker.NewSweeper(cfg.Sweeper, c.attempts, c.tracker)
	c.executor = mutation.NewExecutor(c.registry, c.exceptions, c.tracker)
	c.limiter = limiter.New(cfg.Limiter)
	c.validator = validation.NewService(c.exceptions, c.cache, cfg.Validation)
	c.mutations = mutation.NewService(mutation.Deps{
		Validator:  c.validator,
		Tracker:    c.tracker,
		Exceptions: c.exceptions,
		Executor:   c.executor,
		Limiter:    c.limiter,
		Publisher:  c.bus,
		Audit:      mutation.NewLogAuditSink(),
	})

	// 6. Health
	comps := health.Components{
		Pingers: make(map[string]health.Pinger),
		Limiter: c.limiter,
		Cache:   c.cache,
		Sources: c.registry,
	}
	if c.db != nil {
		comps.Pingers["database"] = c.db
	}
	if c.redisClient != nil {
		comps.Pingers["redis"] = c.redisClient
	}
	if c.conn != nil {
		comps.Connection = c.conn
	}
	c.healthMon = health.NewMonitor(comps)
	c.healthServer = health.NewServer(c.healthMon, cfg.Server.Port)

	return c, nil
}

func (c *Collector) initStorage(ctx context.Context) error {
	// 1. Storage
	if c.cfg.Database.URL != "" {
		db, err := postgres.NewDB(ctx, c.cfg.Database)
		if err != nil {
			return fmt.Errorf("failed to init db: %w", err)
		}
		c.db = db
		if err := db.Migrate(); err != nil {
			return fmt.Errorf("failed to migrate db: %w", err)
		}
		c.exceptions = postgres.NewExceptionRepo(db)
		c.attempts = postgres.NewAttemptRepo(db)
		c.log.Info("Using PostgreSQL storage", "driver", c.cfg.Database.Driver)
	} else {
		store := memory.NewMemoryStorage()
		c.exceptions = memory.NewExceptionRepo(store)
		c.attempts = memory.NewAttemptRepo(store)
		c.log.Info("Using Memory storage")
	}

	if c.cfg.Redis.URL != "" {
		client, err := redisclient.NewClient(c.cfg.Redis)
		if err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		c.redisClient = client
	}
	return nil
}

func (c *Collector) initSources(ctx context.Context) error {
	// 2. Persistent connection and source clients
	if c.cfg.Connection.Enabled {
		c.conn = connection.NewManager(c.cfg.Connection.Config)
		if err := c.conn.Establish(ctx); err != nil {
			return fmt.Errorf("persistent connection: %w", err)
		}
	}

	var clients []source.Client
	for _, h := range c.cfg.Sources.HTTP {
		clients = append(clients, source.NewBreaker(source.NewHTTPClient(h), c.cfg.Breaker))
	}
	for _, s := range c.cfg.Sources.Stream {
		stream := source.NewStreamClient(s.StreamConfig, c.conn, source.NewHTTPClient(s.Submit))
		clients = append(clients, source.NewBreaker(stream, c.cfg.Breaker))
	}

	registry, err := source.NewRegistry(clients...)
	if err != nil {
		return err
	}
	c.registry = registry
	c.log.Info("Source clients registered", "types", registry.Types())
	return nil
}

func (c *Collector) initCache() error {
	// 3. Verdict cache
	var store validation.Store
	switch c.cfg.Cache.Backend {
	case config.CacheBackendRedis:
		if c.redisClient == nil {
			return errors.New("cache backend redis requires a redis client")
		}
		store = redisclient.NewVerdictStore(c.redisClient, c.cfg.Redis.KeyPrefix)
	default:
		store = validation.NewMemoryStore(c.cfg.Cache.MaxEntries)
	}
	c.cache = validation.NewCache(store, c.cfg.Cache.TTL)
	c.log.Info("Validation cache ready", "backend", c.cfg.Cache.Backend)
	return nil
}

// Start starts every background component. It returns immediately.
func (c *Collector) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	g, ctx := errgroup.WithContext(ctx)
	c.group = g

	g.Go(func() error {
		if err := c.healthServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("health server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		c.listener.Run(ctx)
		return nil
	})

	g.Go(func() error {
		c.sweeper.Start(ctx)
		return nil
	})

	if c.conn != nil {
		g.Go(func() error {
			c.conn.Start(ctx)
			return nil
		})
	}

	if c.bridge != nil {
		g.Go(func() error {
			if err := c.bridge.Start(ctx); err != nil {
				c.log.Error("Event bridge stopped", "error", err)
			}
			return nil
		})
	}

	if c.db != nil {
		c.db.StartMetricsCollector(ctx)
	}

	c.log.Info("Collector started", "port", c.cfg.Server.Port, "instance", c.cfg.Events.InstanceID)
	return nil
}

// Wait blocks until a background component fails or Stop is called.
func (c *Collector) Wait() error {
	if c.group == nil {
		return nil
	}
	return c.group.Wait()
}

// Stop drains running retries and shuts everything down.
func (c *Collector) Stop(ctx context.Context) error {
	c.log.Info("Stopping Collector...")

	var errs []error
	if err := c.executor.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("executor: %w", err))
	}
	if err := c.healthServer.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("health server: %w", err))
	}
	if c.cancel != nil {
		c.cancel()
	}
	if c.conn != nil {
		c.conn.Shutdown()
	}
	if c.group != nil {
		if err := c.group.Wait(); err != nil {
			errs = append(errs, err)
		}
	}

	c.unsub()
	c.bus.Close()
	c.closeStores()
	return errors.Join(errs...)
}

func (c *Collector) closeStores() {
	// Close Redis
	if c.redisClient != nil {
		if err := c.redisClient.Close(); err != nil {
			c.log.Warn("Failed to close Redis", "error", err)
		}
	}
	if c.db != nil {
		if err := c.db.Close(); err != nil {
			c.log.Warn("Failed to close database", "error", err)
		}
	}
}

// Mutations returns the operator entry points.
func (c *Collector) Mutations() *mutation.Service { return c.mutations }

// Validator returns the validation service.
func (c *Collector) Validator() *validation.Service { return c.validator }

// Cache returns the verdict cache.
func (c *Collector) Cache() *validation.Cache { return c.cache }

// Exceptions returns the exception repository.
func (c *Collector) Exceptions() storage.ExceptionRepository { return c.exceptions }

// Tracker returns the retry attempt tracker.
func (c *Collector) Tracker() *attempt.Tracker { return c.tracker }

// Health returns the current health report.
func (c *Collector) Health(ctx context.Context) health.Report {
	return c.healthMon.CheckHealth(ctx)
}
