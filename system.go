package access

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/polyveda/access/logger"
)

// Stores are the persistence backends a System runs on. Cache is optional;
// when nil an in-process ristretto cache is sized from EngineConfig.
type Stores struct {
	Identities IdentityStore
	Tenants    TenantStore
	Counters   CounterStore
	Attempts   AttemptStore
	Audit      AuditStore
	Reviews    ReviewQueue
	Cache      CapabilityCache
}

// System is every component wired from one Config.
type System struct {
	Config    *Config
	Catalog   *Catalog
	Engine    *Engine
	Limiter   *RateLimiter
	Lockout   *Lockout
	Recorder  *Recorder
	Evaluator *Evaluator
	Sweeper   *Sweeper
	Metrics   *Metrics

	stores   Stores
	ownCache *RistrettoCache
	logger   logger.Logger
}

type SystemOption func(*systemOptions)

type systemOptions struct {
	logger   logger.Logger
	registry prometheus.Registerer
	clock    func() time.Time
}

func WithSystemLogger(l logger.Logger) SystemOption {
	return func(o *systemOptions) { o.logger = l }
}

// WithRegistry registers the engine's collectors on reg.
func WithRegistry(reg prometheus.Registerer) SystemOption {
	return func(o *systemOptions) { o.registry = reg }
}

func WithSystemClock(now func() time.Time) SystemOption {
	return func(o *systemOptions) { o.clock = now }
}

// NewSystem validates cfg and assembles the components on top of stores.
func NewSystem(cfg *Config, stores Stores, opts ...SystemOption) (*System, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if stores.Identities == nil || stores.Tenants == nil || stores.Counters == nil || stores.Attempts == nil || stores.Audit == nil {
		return nil, errors.New("identity, tenant, counter, attempt and audit stores are required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := &systemOptions{clock: time.Now}
	for _, opt := range opts {
		opt(o)
	}
	lg := logger.OrNull(o.logger)

	s := &System{Config: cfg, stores: stores, logger: lg, Metrics: NewMetrics(o.registry)}

	cache := stores.Cache
	if cache == nil {
		rc, err := NewRistrettoCache(cfg.Engine.RistrettoNumCounter, cfg.Engine.RistrettoMaxCost, cfg.Engine.RistrettoBuffer)
		if err != nil {
			return nil, fmt.Errorf("capability cache: %w", err)
		}
		s.ownCache = rc
		cache = rc
	}

	s.Recorder = NewRecorder(stores.Audit,
		WithSeverityTable(cfg.SeverityTable()),
		WithRecorderLogger(lg),
		WithRecorderMetrics(s.Metrics),
		WithRecorderClock(o.clock),
	)
	s.Limiter = NewRateLimiter(stores.Counters, cfg.RateLimits, cfg.Engine.Timeout())
	s.Lockout = NewLockout(stores.Attempts,
		WithThreshold(cfg.Lockout.Threshold),
		WithCooldown(cfg.Lockout.Cooldown()),
		WithLockoutRecorder(s.Recorder),
		WithLockoutLogger(lg),
		WithLockoutClock(o.clock),
		WithLockoutTimeout(cfg.Engine.Timeout()),
	)
	s.Catalog = NewCatalog(
		WithRoleTable(cfg.RoleTable()),
		WithCapabilityCache(cache, cfg.Engine.CacheTTL()),
		WithCacheTimeout(cfg.Engine.Timeout()),
		WithIdentityStore(stores.Identities),
		WithLockChecker(s.Lockout),
		WithCatalogLogger(lg),
		WithCatalogClock(o.clock),
	)
	s.Evaluator = NewEvaluator(cfg.Compliance,
		WithEscalation(s.Recorder, stores.Reviews),
		WithEvaluatorLogger(lg),
		WithEvaluatorMetrics(s.Metrics),
		WithEvaluatorClock(o.clock),
	)

	sweeper, err := NewSweeper(stores.Audit,
		WithRetention(cfg.Audit.Retention()),
		WithSweepInterval(cfg.Audit.SweepInterval()),
		WithSweeperLogger(lg),
		WithSweeperMetrics(s.Metrics),
		WithSweeperClock(o.clock),
	)
	if err != nil {
		return nil, err
	}
	s.Sweeper = sweeper

	engineOpts := []EngineOption{
		WithActionRules(cfg.ActionRules()),
		WithRateLimiter(s.Limiter),
		WithLockout(s.Lockout),
		WithGlobalIPRule(cfg.IP),
		WithSubscriptionGate(cfg.Engine.SubscriptionGate),
		WithStoreTimeout(cfg.Engine.Timeout()),
		WithBatchWorkers(cfg.Engine.BatchWorkerCount),
		WithLogger(lg),
		WithMetrics(s.Metrics),
		WithClock(o.clock),
	}
	if cfg.Audit.AuditDenials {
		engineOpts = append(engineOpts, WithDenialAudit(s.Recorder))
	}
	engine, err := NewEngine(s.Catalog, stores.Tenants, engineOpts...)
	if err != nil {
		return nil, err
	}
	s.Engine = engine
	return s, nil
}

// ErrTenantFull is returned when seeding more identities than a tenant allows.
var ErrTenantFull = errors.New("tenant identity limit reached")

// Seed writes the configured tenants and identities into the stores.
// Existing tenants are updated in place.
func (s *System) Seed(ctx context.Context) error {
	limits := make(map[string]int, len(s.Config.Tenants))
	for _, t := range s.Config.Tenants {
		t = t.Clone()
		if t.MaxIdentities <= 0 {
			t.MaxIdentities = DefaultMaxIdentities
		}
		limits[t.ID] = t.MaxIdentities
		if _, err := s.stores.Tenants.GetTenant(ctx, t.ID); err == nil {
			if err := s.stores.Tenants.UpdateTenant(ctx, t); err != nil {
				return fmt.Errorf("update tenant %s: %w", t.ID, err)
			}
			continue
		} else if !errors.Is(err, ErrTenantNotFound) {
			return err
		}
		if err := s.stores.Tenants.CreateTenant(ctx, t); err != nil {
			return fmt.Errorf("create tenant %s: %w", t.ID, err)
		}
	}
	counts := make(map[string]int)
	for _, id := range s.Config.Identities {
		if id.TenantID != "" {
			counts[id.TenantID]++
			if max, ok := limits[id.TenantID]; ok && counts[id.TenantID] > max {
				return fmt.Errorf("seed identity %s: %w (%s allows %d)", id.ID, ErrTenantFull, id.TenantID, max)
			}
		}
		if err := s.stores.Identities.SaveIdentity(ctx, id.Clone()); err != nil {
			return fmt.Errorf("save identity %s: %w", id.ID, err)
		}
	}
	s.logger.Info("seeded directory", "tenants", len(s.Config.Tenants), "identities", len(s.Config.Identities))
	return nil
}

// Start launches background workers.
func (s *System) Start(ctx context.Context) {
	if s.Config.Audit.SweepIntervalSeconds > 0 {
		s.Sweeper.Start(ctx)
	}
}

// Close stops background workers and releases the in-process cache.
func (s *System) Close(ctx context.Context) error {
	err := s.Sweeper.Stop(ctx)
	if s.ownCache != nil {
		s.ownCache.Close()
	}
	return err
}
