package medabe

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hengadev/medabe/internal/abeerr"
	"github.com/hengadev/medabe/internal/access"
	"github.com/hengadev/medabe/internal/analytics"
	"github.com/hengadev/medabe/internal/audit"
	"github.com/hengadev/medabe/internal/container"
	"github.com/hengadev/medabe/internal/fieldenc"
	"github.com/hengadev/medabe/internal/health"
	"github.com/hengadev/medabe/internal/keys"
	"github.com/hengadev/medabe/internal/migration"
	"github.com/hengadev/medabe/internal/monitoring"
	"github.com/hengadev/medabe/internal/store"
	"github.com/hengadev/medabe/internal/store/sqlite"
)

const serviceName = "medabe"

// Engine is the encryption and access control service. It is safe for
// concurrent use.
//
// An engine whose master secret could not be loaded is still returned by New
// so that health endpoints can report why; every operation on it fails with
// ErrNotReady and Ready reports false.
type Engine struct {
	cfg     Config
	logger  *monitoring.StructuredLogger
	metrics monitoring.MetricsCollector
	now     func() time.Time

	store   store.Store
	closer  io.Closer
	backups store.BackupStore

	initErr    error
	master     *keys.MasterAuthority
	hierarchy  *keys.Hierarchy
	codec      *container.Codec
	recorder   *audit.Recorder
	access     *access.Engine
	middleware *fieldenc.Middleware
	records    *fieldenc.Repository
	he         *analytics.HEContext
	analytics  *analytics.Engine
	migration  *migration.Engine

	health *health.HealthChecker
}

// New validates cfg, opens the store and secret provider it names, and wires
// every component. Configuration and store errors are returned; a master secret
// that cannot be loaded leaves the engine not ready instead.
func New(ctx context.Context, cfg Config, opts ...Option) (*Engine, error) {
	var s settings
	for _, opt := range opts {
		if err := opt(&s); err != nil {
			return nil, fmt.Errorf("%w: %w", abeerr.ErrInvalidConfiguration, err)
		}
	}
	if s.store != nil {
		// the injected store replaces the configured backend
		cfg.Storage = StorageMemory
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:     cfg,
		logger:  s.logger,
		metrics: s.metrics,
		now:     s.now,
		store:   s.store,
	}
	if e.logger == nil {
		e.logger = monitoring.NewStructuredLogger(monitoring.LoggerConfig{
			Level:  monitoring.ParseLogLevel(cfg.Log.Level),
			Format: monitoring.ParseLogFormat(cfg.Log.Format),
		})
	}
	if e.metrics == nil {
		e.metrics = monitoring.NoOpMetricsCollector{}
	}
	if e.now == nil {
		e.now = time.Now
	}

	if e.store == nil {
		st, closer, err := openStore(cfg)
		if err != nil {
			return nil, err
		}
		e.store, e.closer = st, closer
	}

	backups := s.backups
	if backups == nil {
		b, err := backupStoreFromConfig(ctx, cfg, e.store)
		if err != nil {
			e.closeStore()
			return nil, err
		}
		backups = b
	}
	e.backups = backups

	fieldCfg := s.fieldConfig
	if fieldCfg == nil && cfg.FieldConfigPath != "" {
		fc, err := fieldenc.LoadConfig(cfg.FieldConfigPath)
		if err != nil {
			e.closeStore()
			return nil, err
		}
		fieldCfg = fc
	}

	src := s.source
	if src == nil {
		built, err := SecretSourceFromConfig(ctx, cfg)
		if err != nil {
			e.closeStore()
			return nil, err
		}
		src = built
	}

	e.health = health.NewHealthChecker(serviceName, Version)
	master, err := keys.LoadMasterAuthority(ctx, src)
	if err != nil {
		e.initErr = err
		e.logger.WithContext(ctx).WithError(err).Error("Master authority unavailable, engine is not ready")
	} else {
		he := s.he
		if he == nil {
			params := analytics.DefaultHEParameters()
			switch {
			case s.heParams != nil:
				params = *s.heParams
			case cfg.Homomorphic != nil:
				params = *cfg.Homomorphic
			}
			he = analytics.NewHEContext(params)
		}
		e.wire(master, he, fieldCfg)
	}
	if err := e.registerChecks(src); err != nil {
		e.closeStore()
		return nil, err
	}

	e.logger.WithContext(ctx).WithFields(map[string]any{
		"storage":       cfg.Storage,
		"secret_source": cfg.SecretSource,
		"ready":         e.initErr == nil,
	}).Info("Engine initialized")
	return e, nil
}

func openStore(cfg Config) (store.Store, io.Closer, error) {
	if cfg.Storage == StorageMemory {
		return store.NewMemory(), nil, nil
	}
	st, err := sqlite.Open(cfg.DatabaseFile())
	if err != nil {
		return nil, nil, fmt.Errorf("open store '%s': %w", cfg.DatabaseFile(), err)
	}
	return st, st, nil
}

func (e *Engine) wire(master *keys.MasterAuthority, he *analytics.HEContext, fieldCfg *fieldenc.Config) {
	e.master = master
	e.hierarchy = keys.NewHierarchy(master)
	e.recorder = audit.NewRecorder(e.store, master,
		audit.WithClock(e.now),
		audit.WithLogger(e.logger.Component("audit")),
		audit.WithMetrics(e.metrics),
	)
	e.access = access.NewEngine(e.store, e.store, e.recorder,
		access.WithClock(e.now),
		access.WithLogger(e.logger.Component("access")),
		access.WithMetrics(e.metrics),
	)
	e.codec = container.NewCodec(e.hierarchy,
		container.WithClock(e.now),
		container.WithAccessEvaluator(e.access),
	)
	e.middleware = fieldenc.New(e.codec, fieldCfg,
		fieldenc.WithAccessEvaluator(e.access),
		fieldenc.WithClock(e.now),
		fieldenc.WithLogger(e.logger.Component("fieldenc")),
		fieldenc.WithMetrics(e.metrics),
	)
	e.records = fieldenc.NewRepository(e.store, e.middleware)
	e.he = he
	e.analytics = analytics.NewEngine(e.store, e.store, e.middleware, he, e.serviceKey,
		analytics.WithClock(e.now),
		analytics.WithLogger(e.logger.Component("analytics")),
		analytics.WithMetrics(e.metrics),
	)
	e.migration = migration.NewEngine(e.store, e.store, e.backups, e.middleware,
		migration.WithClock(e.now),
		migration.WithLogger(e.logger.Component("migration")),
		migration.WithMetrics(e.metrics),
	)
}

// serviceKey is the organization-scoped key analytics reads symptom entries with.
func (e *Engine) serviceKey(orgID, patientID string) (*keys.UserSecretKey, error) {
	attrs, err := e.access.Matrix().KeyAttributes(AnalyticsServiceID, orgID, RoleProfessionalCaregiver, []string{patientID})
	if err != nil {
		return nil, err
	}
	return e.hierarchy.DeriveUserSecretKey(AnalyticsServiceID, orgID, attrs)
}

type pinger interface {
	Ping(ctx context.Context) error
}

func (e *Engine) registerChecks(src keys.SecretSource) error {
	checks := []*health.HealthCheck{
		health.InitializationCheck("master_authority", "master secret loaded and signing key derived", e.initErr),
	}
	if e.he != nil {
		he := e.he
		checks = append(checks, health.ComponentCheck("homomorphic_backend", "CKKS parameters, keys and evaluator", true,
			func(ctx context.Context) error {
				if _, err := he.Backend(ctx); err != nil {
					return fmt.Errorf("%w: %w", abeerr.ErrBackendUnavailable, err)
				}
				return nil
			}))
	}
	if p, ok := e.store.(pinger); ok {
		checks = append(checks, health.ComponentCheck("store", "record, relationship and job store", true, p.Ping))
	}
	if p, ok := src.(pinger); ok {
		checks = append(checks, health.ComponentCheck("secret_source", "master secret provider", false, p.Ping))
	}
	if p, ok := e.backups.(pinger); ok && e.backups != store.BackupStore(e.store) {
		checks = append(checks, health.ComponentCheck("backup_store", "migration backup store", false, p.Ping))
	}
	for _, c := range checks {
		if err := e.health.RegisterCheck(c); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) ensureReady() error {
	if e.initErr != nil {
		return fmt.Errorf("%w: %w", abeerr.ErrNotReady, e.initErr)
	}
	return nil
}

// Ready reports whether every critical component is healthy. The first call
// builds the homomorphic backend.
func (e *Engine) Ready(ctx context.Context) bool {
	return e.health.Ready(ctx)
}

// HealthReport runs every registered health check.
func (e *Engine) HealthReport(ctx context.Context) *health.HealthReport {
	return e.health.CheckHealth(ctx)
}

// HealthHandler serves /health, /health/live and /health/ready.
func (e *Engine) HealthHandler() http.Handler {
	return health.NewHealthEndpoint(e.health)
}

// MasterPublicKey verifies audit proofs outside the engine.
func (e *Engine) MasterPublicKey() (ed25519.PublicKey, error) {
	if err := e.ensureReady(); err != nil {
		return nil, err
	}
	return e.master.PublicKey(), nil
}

// Config returns the validated configuration the engine was built from.
func (e *Engine) Config() Config {
	return e.cfg
}

// Wait blocks until every detached computation and migration has finished.
func (e *Engine) Wait() {
	if e.analytics != nil {
		e.analytics.Wait()
	}
	if e.migration != nil {
		e.migration.Wait()
	}
}

// Close waits for running jobs, flushes metrics and closes a store the engine opened.
func (e *Engine) Close() error {
	e.Wait()
	if err := e.metrics.Flush(); err != nil {
		e.logger.WithError(err).Warn("Metrics flush failed")
	}
	return e.closeStore()
}

func (e *Engine) closeStore() error {
	if e.closer == nil {
		return nil
	}
	err := e.closer.Close()
	e.closer = nil
	return err
}
