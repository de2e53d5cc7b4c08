package medabe

import (
	"errors"
	"fmt"
	"time"

	"github.com/hengadev/medabe/internal/analytics"
	"github.com/hengadev/medabe/internal/fieldenc"
	"github.com/hengadev/medabe/internal/keys"
	"github.com/hengadev/medabe/internal/monitoring"
	"github.com/hengadev/medabe/internal/store"
)

// Option overrides a part of the engine that Config would otherwise build.
type Option func(s *settings) error

type settings struct {
	store       store.Store
	backups     store.BackupStore
	source      keys.SecretSource
	logger      *monitoring.StructuredLogger
	metrics     monitoring.MetricsCollector
	now         func() time.Time
	fieldConfig *fieldenc.Config
	heParams    *analytics.HEParameters
	he          *analytics.HEContext
}

// WithStore uses s for every repository instead of opening the configured backend.
// The engine does not close a store passed this way.
func WithStore(s store.Store) Option {
	return func(o *settings) error {
		if s == nil {
			return errors.New("store must not be nil")
		}
		o.store = s
		return nil
	}
}

// WithBackupStore keeps migration pre-images in b instead of the main store.
func WithBackupStore(b store.BackupStore) Option {
	return func(o *settings) error {
		if b == nil {
			return errors.New("backup store must not be nil")
		}
		o.backups = b
		return nil
	}
}

// WithMasterSecretSource reads the master secret from src.
func WithMasterSecretSource(src keys.SecretSource) Option {
	return func(o *settings) error {
		if src == nil {
			return errors.New("secret source must not be nil")
		}
		o.source = src
		return nil
	}
}

func WithLogger(l *monitoring.StructuredLogger) Option {
	return func(o *settings) error {
		if l == nil {
			return errors.New("logger must not be nil")
		}
		o.logger = l
		return nil
	}
}

func WithMetrics(m monitoring.MetricsCollector) Option {
	return func(o *settings) error {
		if m == nil {
			return errors.New("metrics collector must not be nil")
		}
		o.metrics = m
		return nil
	}
}

// WithClock replaces time.Now for every expiry and timestamp decision.
func WithClock(now func() time.Time) Option {
	return func(o *settings) error {
		if now == nil {
			return errors.New("clock must not be nil")
		}
		o.now = now
		return nil
	}
}

// WithFieldConfig declares the encrypted fields, overriding Config.FieldConfigPath.
func WithFieldConfig(cfg *fieldenc.Config) Option {
	return func(o *settings) error {
		if cfg == nil {
			return errors.New("field config must not be nil")
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("validate field config: %w", err)
		}
		o.fieldConfig = cfg
		return nil
	}
}

// WithHEParameters overrides the CKKS parameters.
func WithHEParameters(p analytics.HEParameters) Option {
	return func(o *settings) error {
		if p.LogN == 0 || len(p.LogQ) == 0 || len(p.LogP) == 0 {
			return errors.New("homomorphic parameters are incomplete")
		}
		o.heParams = &p
		return nil
	}
}

// WithHEContext shares an already built homomorphic context, so several engines
// in one process pay for key generation once.
func WithHEContext(he *analytics.HEContext) Option {
	return func(o *settings) error {
		if he == nil {
			return errors.New("homomorphic context must not be nil")
		}
		o.he = he
		return nil
	}
}
