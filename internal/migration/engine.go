// Package migration encrypts legacy plaintext records in place.
//
// A run walks analyze, backup, migrate, verify and finalize. Records that already
// carry encryption metadata are skipped, so a second run over unchanged data
// encrypts nothing. Per-record failures are tallied on the job; only failures to
// reach the store at all fail the job. Cancellation is checked between batches.
package migration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hengadev/errsx"
	"golang.org/x/sync/errgroup"

	"github.com/hengadev/medabe/internal/abeerr"
	"github.com/hengadev/medabe/internal/crypto"
	"github.com/hengadev/medabe/internal/fieldenc"
	"github.com/hengadev/medabe/internal/monitoring"
	"github.com/hengadev/medabe/internal/store"
	"github.com/hengadev/medabe/internal/types"
)

const (
	DefaultBatchSize   = 100
	MaxBatchSize       = 10000
	DefaultConcurrency = 4
	MaxConcurrency     = 64

	// WriterLevel is the access level recorded for migrated fields that do not
	// declare their own.
	WriterLevel = types.AccessCaregiverProfessional

	jobKind = "migration"
)

// errCancelled stops the pipeline after a cancel request.
var errCancelled = errors.New("migration cancelled")

// Engine runs migrations. Job state lives in the store; one Engine per process
// serializes status writes so a cancel is never overwritten by progress.
type Engine struct {
	records    store.RecordStore
	jobs       store.JobStore
	backups    store.BackupStore
	middleware *fieldenc.Middleware
	logger     *monitoring.StructuredLogger
	metrics    monitoring.MetricsCollector
	now        func() time.Time

	mu sync.Mutex
	wg sync.WaitGroup
}

type Option func(*Engine)

func WithLogger(l *monitoring.StructuredLogger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

func WithMetrics(m monitoring.MetricsCollector) Option {
	return func(e *Engine) {
		if m != nil {
			e.metrics = m
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// NewEngine reads and writes raw records and encrypts them with middleware.
// backups may be the record store itself or a separate backend such as S3.
func NewEngine(records store.RecordStore, jobs store.JobStore, backups store.BackupStore, middleware *fieldenc.Middleware, opts ...Option) *Engine {
	e := &Engine{
		records:    records,
		jobs:       jobs,
		backups:    backups,
		middleware: middleware,
		logger:     monitoring.NewNopLogger(),
		metrics:    monitoring.NoOpMetricsCollector{},
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Normalize applies defaults and validates cfg.
func Normalize(cfg types.MigrationConfig) (types.MigrationConfig, error) {
	var errs errsx.Map
	if cfg.BatchSize == 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Concurrency == 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.BatchSize < 0 || cfg.BatchSize > MaxBatchSize {
		errs.Set("batch_size", fmt.Errorf("must be between 1 and %d", MaxBatchSize))
	}
	if cfg.Concurrency < 0 || cfg.Concurrency > MaxConcurrency {
		errs.Set("concurrency", fmt.Errorf("must be between 1 and %d", MaxConcurrency))
	}
	for _, c := range cfg.DataCategories {
		if !c.Valid() {
			errs.Set("data_categories", fmt.Errorf("unknown data category '%s'", c))
		}
	}
	if !errs.IsEmpty() {
		return cfg, fmt.Errorf("%w: %w", abeerr.ErrInvalidConfiguration, errs.AsError())
	}
	return cfg, nil
}

// StartMigration stores a running job and starts the pipeline. Only one
// migration may be unfinished at a time.
func (e *Engine) StartMigration(ctx context.Context, cfg types.MigrationConfig) (string, error) {
	cfg, err := Normalize(cfg)
	if err != nil {
		return "", err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	existing, err := e.jobs.ListMigrationJobs(ctx)
	if err != nil {
		return "", fmt.Errorf("list migration jobs: %w", err)
	}
	for _, j := range existing {
		if !j.Status.Terminal() {
			return "", abeerr.NewMigrationAlreadyRunningError(j.ID)
		}
	}

	job := &types.MigrationJob{
		ID:        uuid.NewString(),
		Config:    cfg,
		Status:    types.JobRunning,
		Stage:     types.StageAnalyze,
		StartedAt: e.now().UTC(),
	}
	if err := e.jobs.PutMigrationJob(ctx, job); err != nil {
		return "", fmt.Errorf("store migration job: %w", err)
	}
	e.transition(ctx, job, nil)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.run(monitoring.ContextWithJobID(context.WithoutCancel(ctx), job.ID), job)
	}()
	return job.ID, nil
}

// Wait blocks until every started pipeline has returned.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// GetMigrationStatus returns the stored job.
func (e *Engine) GetMigrationStatus(ctx context.Context, jobID string) (*types.MigrationJob, error) {
	job, err := e.jobs.GetMigrationJob(ctx, jobID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, abeerr.NewJobNotFoundError(jobKind, jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("load migration job: %w", err)
	}
	return job, nil
}

// ListMigrations returns every stored migration job.
func (e *Engine) ListMigrations(ctx context.Context) ([]*types.MigrationJob, error) {
	return e.jobs.ListMigrationJobs(ctx)
}

// CancelMigration marks a running job cancelled. The pipeline stops before its
// next batch; records already written stay encrypted.
func (e *Engine) CancelMigration(ctx context.Context, jobID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	job, err := e.GetMigrationStatus(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status == types.JobCancelled {
		return nil
	}
	if job.Status.Terminal() {
		return abeerr.NewJobFinishedError(job.ID, string(job.Status))
	}
	done := e.now().UTC()
	job.Status = types.JobCancelled
	job.CompletedAt = &done
	if err := e.jobs.PutMigrationJob(ctx, job); err != nil {
		return fmt.Errorf("store migration job: %w", err)
	}
	e.transition(ctx, job, nil)
	return nil
}

// save persists progress unless the job was cancelled meanwhile, in which case the
// counts are merged into the cancelled job and errCancelled is returned.
func (e *Engine) save(ctx context.Context, job *types.MigrationJob) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	current, err := e.jobs.GetMigrationJob(ctx, job.ID)
	if err != nil {
		return fmt.Errorf("reload migration job: %w", err)
	}
	if current.Status == types.JobCancelled {
		job.Status = types.JobCancelled
		job.CompletedAt = current.CompletedAt
		if err := e.jobs.PutMigrationJob(ctx, job); err != nil {
			return fmt.Errorf("store migration job: %w", err)
		}
		return errCancelled
	}
	if err := e.jobs.PutMigrationJob(ctx, job); err != nil {
		return fmt.Errorf("store migration job: %w", err)
	}
	return nil
}

func (e *Engine) transition(ctx context.Context, job *types.MigrationJob, fields map[string]any) {
	if fields == nil {
		fields = map[string]any{}
	}
	fields["stage"] = string(job.Stage)
	e.logger.LogJobTransition(ctx, jobKind, job.ID, job.Status, fields)
	e.metrics.IncrementCounter(monitoring.MetricJobTransitions, map[string]string{"kind": jobKind, "status": string(job.Status)})
}

func (e *Engine) run(ctx context.Context, job *types.MigrationJob) {
	err := e.pipeline(ctx, job)
	switch {
	case errors.Is(err, errCancelled):
		e.logger.WithContext(ctx).WithFields(map[string]any{"processed": job.Counts.ProcessedRecords}).Info("Migration stopped after cancel")
		return
	case err != nil:
		job.Status = types.JobFailed
		job.Error = err.Error()
	default:
		job.Status = types.JobCompleted
	}
	done := e.now().UTC()
	job.CompletedAt = &done
	if serr := e.save(ctx, job); serr != nil {
		if errors.Is(serr, errCancelled) {
			return
		}
		e.logger.WithContext(ctx).WithError(serr).Error("Could not persist migration outcome")
	}
	e.transition(ctx, job, map[string]any{
		"encrypted": job.Counts.EncryptedRecords,
		"skipped":   job.Counts.SkippedRecords,
		"failed":    job.Counts.FailedRecords,
	})
}

func (e *Engine) filter(entity types.EntityType, cfg types.MigrationConfig) store.RecordFilter {
	return store.RecordFilter{Entity: entity, OrganizationIDs: cfg.OrganizationIDs}
}

func (e *Engine) pipeline(ctx context.Context, job *types.MigrationJob) error {
	cfg := job.Config

	// analyze
	for _, entity := range types.MigrationEntities() {
		n, err := e.records.CountRecords(ctx, e.filter(entity, cfg))
		if err != nil {
			return fmt.Errorf("analyze %s: %w", entity, err)
		}
		job.Counts.TotalRecords += n
	}
	if err := e.save(ctx, job); err != nil {
		return err
	}

	if cfg.CreateBackup && !cfg.DryRun {
		if err := e.backup(ctx, job); err != nil {
			return err
		}
	}

	job.Stage = types.StageMigrate
	if err := e.save(ctx, job); err != nil {
		return err
	}
	for _, entity := range types.MigrationEntities() {
		if err := e.migrateEntity(ctx, job, entity); err != nil {
			return err
		}
	}

	if !cfg.SkipIntegrityCheck && !cfg.DryRun {
		job.Stage = types.StageVerify
		remaining := 0
		for _, entity := range types.MigrationEntities() {
			f := e.filter(entity, cfg)
			f.Encrypted = store.Bool(false)
			n, err := e.records.CountRecords(ctx, f)
			if err != nil {
				return fmt.Errorf("verify %s: %w", entity, err)
			}
			remaining += n
		}
		job.RemainingUnencrypted = remaining
		if err := e.save(ctx, job); err != nil {
			return err
		}
	}

	job.Stage = types.StageFinalize
	return nil
}

// backup stores the pre-image of every record the run may change.
func (e *Engine) backup(ctx context.Context, job *types.MigrationJob) error {
	job.Stage = types.StageBackup
	if err := e.save(ctx, job); err != nil {
		return err
	}
	var preimages []*types.Record
	for _, entity := range types.MigrationEntities() {
		f := e.filter(entity, job.Config)
		f.Encrypted = store.Bool(false)
		recs, err := e.records.ListRecords(ctx, f)
		if err != nil {
			return fmt.Errorf("backup %s: %w", entity, err)
		}
		preimages = append(preimages, recs...)
	}
	if len(preimages) > 0 {
		if err := e.backups.SaveBackup(ctx, job.ID, preimages); err != nil {
			return fmt.Errorf("save backup: %w", err)
		}
	}
	job.BackupCreated = true
	job.BackupRecords = len(preimages)
	return e.save(ctx, job)
}

type tally struct {
	mu     sync.Mutex
	counts types.MigrationCounts
	errors []string
}

func (t *tally) add(f func(c *types.MigrationCounts)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	f(&t.counts)
}

func (t *tally) fail(msg string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.counts.FailedRecords++
	if len(t.errors) < types.MaxRecordedMigrationErrors {
		t.errors = append(t.errors, msg)
	}
}

func (e *Engine) migrateEntity(ctx context.Context, job *types.MigrationJob, entity types.EntityType) error {
	cfg := job.Config
	for offset := 0; ; offset += cfg.BatchSize {
		if err := ctx.Err(); err != nil {
			return err
		}
		f := e.filter(entity, cfg)
		f.Limit, f.Offset = cfg.BatchSize, offset
		batch, err := e.records.ListRecords(ctx, f)
		if err != nil {
			return fmt.Errorf("list %s batch at %d: %w", entity, offset, err)
		}
		if len(batch) == 0 {
			return nil
		}

		t := &tally{}
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(cfg.Concurrency)
		for _, rec := range batch {
			g.Go(func() error {
				e.migrateRecord(gctx, job, rec, t)
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}

		job.Counts.ProcessedRecords += t.counts.ProcessedRecords
		job.Counts.EligibleRecords += t.counts.EligibleRecords
		job.Counts.EncryptedRecords += t.counts.EncryptedRecords
		job.Counts.SkippedRecords += t.counts.SkippedRecords
		job.Counts.FailedRecords += t.counts.FailedRecords
		for _, msg := range t.errors {
			if len(job.Errors) < types.MaxRecordedMigrationErrors {
				job.Errors = append(job.Errors, msg)
			}
		}
		// persisting also observes a cancel issued during the batch
		if err := e.save(ctx, job); err != nil {
			return err
		}
		if len(batch) < cfg.BatchSize {
			return nil
		}
	}
}

func (e *Engine) migrateRecord(ctx context.Context, job *types.MigrationJob, rec *types.Record, t *tally) {
	outcome := "skipped"
	defer func() {
		e.metrics.IncrementCounter(monitoring.MetricMigrationRecords, map[string]string{"entity": string(rec.Entity), "outcome": outcome})
	}()
	t.add(func(c *types.MigrationCounts) { c.ProcessedRecords++ })

	if rec.IsEncrypted() {
		t.add(func(c *types.MigrationCounts) { c.SkippedRecords++ })
		return
	}
	t.add(func(c *types.MigrationCounts) { c.EligibleRecords++ })
	if job.Config.DryRun {
		outcome = "eligible"
		return
	}

	preimage, err := json.Marshal(rec.Fields)
	if err != nil {
		outcome = "failed"
		t.fail(fmt.Sprintf("%s '%s': hash pre-image: %v", rec.Entity, rec.ID, err))
		return
	}
	ectx := fieldenc.WithEncryptionContext(ctx, fieldenc.EncryptionContext{
		PatientID:      subjectOf(rec),
		OrganizationID: rec.OrganizationID,
		AccessLevel:    WriterLevel,
		RequesterID:    job.Config.RequestedBy,
		Categories:     job.Config.DataCategories,
	})
	sealed, err := e.middleware.EncryptRecord(ectx, rec)
	if err != nil {
		outcome = "failed"
		t.fail(fmt.Sprintf("%s '%s': %v", rec.Entity, rec.ID, err))
		return
	}
	sealed.Encryption.ContentHash = crypto.ContentHash(preimage)
	sealed.Encryption.MigrationID = job.ID
	sealed.UpdatedAt = e.now().UTC()
	if err := e.records.PutRecord(ctx, sealed); err != nil {
		outcome = "failed"
		t.fail(fmt.Sprintf("%s '%s': write: %v", rec.Entity, rec.ID, err))
		return
	}
	outcome = "encrypted"
	t.add(func(c *types.MigrationCounts) { c.EncryptedRecords++ })
}

// subjectOf names whose data a record is. User records without a patient link
// are bound to the user themselves.
func subjectOf(rec *types.Record) string {
	switch {
	case rec.Entity == types.EntityPatient:
		return rec.ID
	case rec.PatientID != "":
		return rec.PatientID
	case rec.Entity == types.EntityUser:
		return rec.ID
	}
	return ""
}

// RollbackMigration restores the pre-images saved by the backup stage. Records
// changed by anything other than this migration since are left alone.
func (e *Engine) RollbackMigration(ctx context.Context, jobID string) (*types.MigrationJob, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	job, err := e.GetMigrationStatus(ctx, jobID)
	if err != nil {
		return nil, err
	}
	switch {
	case !job.Status.Terminal():
		return nil, abeerr.NewMigrationAlreadyRunningError(job.ID)
	case job.Status == types.JobRolledBack:
		return nil, abeerr.NewJobFinishedError(job.ID, string(job.Status))
	case job.Config.DryRun:
		return nil, abeerr.NewRollbackUnsupportedError(job.ID, "dry runs change nothing")
	case !job.BackupCreated:
		return nil, abeerr.NewRollbackUnsupportedError(job.ID, "no backup was taken")
	}

	var preimages []*types.Record
	if job.BackupRecords > 0 {
		preimages, err = e.backups.LoadBackup(ctx, job.ID)
		if errors.Is(err, store.ErrNotFound) {
			return nil, abeerr.NewRollbackUnsupportedError(job.ID, "backup is missing")
		}
		if err != nil {
			return nil, fmt.Errorf("load backup: %w", err)
		}
	}

	var errs errsx.Map
	restored := 0
	for _, pre := range preimages {
		current, err := e.records.GetRecord(ctx, pre.Entity, pre.ID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			errs.Set(pre.ID, err)
			continue
		}
		if current != nil && (current.Encryption == nil || current.Encryption.MigrationID != job.ID) {
			continue
		}
		if err := e.records.PutRecord(ctx, pre); err != nil {
			errs.Set(pre.ID, err)
			continue
		}
		restored++
	}
	if !errs.IsEmpty() {
		return nil, fmt.Errorf("rollback of '%s' restored %d records: %w", job.ID, restored, errs.AsError())
	}

	job.Status = types.JobRolledBack
	job.Stage = types.StageRollback
	if err := e.jobs.PutMigrationJob(ctx, job); err != nil {
		return nil, fmt.Errorf("store migration job: %w", err)
	}
	e.transition(ctx, job, map[string]any{"restored": restored})
	return job, nil
}
