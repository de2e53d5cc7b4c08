// Package analytics runs privacy-preserving cohort statistics.
//
// Each usable symptom entry becomes a vector of moments that is CKKS encrypted;
// the ciphertexts are summed homomorphically and only the aggregate is decrypted.
// Jobs run detached from the submitting call and report through their stored state.
package analytics

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hengadev/errsx"
	"github.com/tuneinsight/lattigo/v6/core/rlwe"

	"github.com/hengadev/medabe/internal/abeerr"
	"github.com/hengadev/medabe/internal/fieldenc"
	"github.com/hengadev/medabe/internal/keys"
	"github.com/hengadev/medabe/internal/monitoring"
	"github.com/hengadev/medabe/internal/store"
	"github.com/hengadev/medabe/internal/types"
)

const (
	// MinPurposeLength is the shortest accepted purpose statement.
	MinPurposeLength = 10
	// DefaultRecentEntries is how many of a patient's latest entries are read.
	DefaultRecentEntries = 30

	jobKind = "computation"
)

// ServiceKeyFunc issues the key the engine reads a patient's entries with.
type ServiceKeyFunc func(orgID string, patientID string) (*keys.UserSecretKey, error)

// Engine submits and runs computation jobs.
type Engine struct {
	jobs       store.JobStore
	records    store.RecordStore
	middleware *fieldenc.Middleware
	he         *HEContext
	serviceKey ServiceKeyFunc
	logger     *monitoring.StructuredLogger
	metrics    monitoring.MetricsCollector
	now        func() time.Time
	noise      UniformSource
	recent     int

	wg      sync.WaitGroup
	running atomic.Int64
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

// WithNoiseSource replaces crypto/rand for the Laplace mechanism.
func WithNoiseSource(u UniformSource) Option {
	return func(e *Engine) {
		if u != nil {
			e.noise = u
		}
	}
}

func WithRecentEntries(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.recent = n
		}
	}
}

// NewEngine reads raw records from records and opens them through middleware.
func NewEngine(jobs store.JobStore, records store.RecordStore, middleware *fieldenc.Middleware, he *HEContext, serviceKey ServiceKeyFunc, opts ...Option) *Engine {
	e := &Engine{
		jobs:       jobs,
		records:    records,
		middleware: middleware,
		he:         he,
		serviceKey: serviceKey,
		logger:     monitoring.NewNopLogger(),
		metrics:    monitoring.NoOpMetricsCollector{},
		now:        time.Now,
		noise:      CryptoUniform,
		recent:     DefaultRecentEntries,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Validate checks a request before any job exists.
func Validate(req *types.ComputationRequest) error {
	var errs errsx.Map
	if req.RequesterID == "" {
		errs.Set("requester_id", errors.New("is required"))
	}
	switch req.RequesterRole {
	case types.RoleClinicAdmin, types.RoleSuperAdmin, types.RoleProfessionalCaregiver:
	default:
		errs.Set("requester_role", fmt.Errorf("role '%s' may not run computations", req.RequesterRole))
	}
	if !req.Type.Valid() {
		errs.Set("type", fmt.Errorf("unknown computation type '%s'", req.Type))
	}
	if len(strings.TrimSpace(req.Purpose)) < MinPurposeLength {
		errs.Set("purpose", fmt.Errorf("must be at least %d characters", MinPurposeLength))
	}
	switch req.PrivacyLevel {
	case "", types.PrivacyStandard, types.PrivacyDifferential:
	default:
		errs.Set("privacy_level", fmt.Errorf("unknown privacy level '%s'", req.PrivacyLevel))
	}
	for _, c := range req.DataCategories {
		if !c.Valid() {
			errs.Set("data_categories", fmt.Errorf("unknown data category '%s'", c))
		}
	}
	switch n := len(FeaturesFor(req.DataCategories)); {
	case n == 0:
		errs.Set("data_categories", errors.New("no numeric features in the requested categories"))
	case n < 2 && req.Type == types.ComputationCorrelation:
		errs.Set("data_categories", errors.New("correlation needs at least two features"))
	}
	if req.RequesterRole != types.RoleSuperAdmin {
		if req.OrganizationID == "" {
			errs.Set("organization_id", errors.New("is required"))
		}
		for _, org := range req.CohortCriteria.OrganizationIDs {
			if org != req.OrganizationID {
				errs.Set("cohort_criteria.organization_ids", fmt.Errorf("organization '%s' is outside the requester's organization", org))
			}
		}
	}
	from, to := req.CohortCriteria.DiagnosisDateFrom, req.CohortCriteria.DiagnosisDateTo
	if from != nil && to != nil && to.Before(*from) {
		errs.Set("cohort_criteria", errors.New("diagnosis date range is inverted"))
	}
	if !errs.IsEmpty() {
		return abeerr.NewComputationValidationError(errs.AsError().Error())
	}
	return nil
}

// SubmitComputation validates, stores a pending job and starts it. It returns as
// soon as the job is stored; the outcome is read back with GetComputationResult.
func (e *Engine) SubmitComputation(ctx context.Context, req types.ComputationRequest) (string, error) {
	if err := Validate(&req); err != nil {
		return "", err
	}
	if req.PrivacyLevel == "" {
		req.PrivacyLevel = types.PrivacyStandard
	}
	if req.RequesterRole != types.RoleSuperAdmin && len(req.CohortCriteria.OrganizationIDs) == 0 {
		req.CohortCriteria.OrganizationIDs = []string{req.OrganizationID}
	}

	job := &types.ComputationJob{
		ID:        uuid.NewString(),
		Request:   req,
		Status:    types.JobPending,
		CreatedAt: e.now().UTC(),
	}
	if err := e.jobs.PutComputationJob(ctx, job); err != nil {
		return "", fmt.Errorf("store computation job: %w", err)
	}
	e.transition(ctx, job, nil)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.run(monitoring.ContextWithJobID(context.WithoutCancel(ctx), job.ID), job)
	}()
	return job.ID, nil
}

// Wait blocks until every started job has finished.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// GetComputationJob returns the job to its submitter only.
func (e *Engine) GetComputationJob(ctx context.Context, jobID, requesterID string) (*types.ComputationJob, error) {
	job, err := e.jobs.GetComputationJob(ctx, jobID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, abeerr.NewJobNotFoundError(jobKind, jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("load computation job: %w", err)
	}
	if job.Request.RequesterID != requesterID {
		return nil, abeerr.NewAccessDeniedError(fmt.Sprintf("job '%s' belongs to another requester", jobID))
	}
	return job, nil
}

// GetComputationResult returns the result of a completed job. Other states report
// ErrResultNotReady carrying the status and, for failures, the reason.
func (e *Engine) GetComputationResult(ctx context.Context, jobID, requesterID string) (*types.ComputationResult, error) {
	job, err := e.GetComputationJob(ctx, jobID, requesterID)
	if err != nil {
		return nil, err
	}
	if job.Status != types.JobCompleted || job.Result == nil {
		return nil, abeerr.NewResultNotReadyError(job.ID, string(job.Status), job.Error)
	}
	return job.Result, nil
}

func (e *Engine) run(ctx context.Context, job *types.ComputationJob) {
	started := e.now().UTC()
	job.Status = types.JobRunning
	job.StartedAt = &started
	if err := e.jobs.PutComputationJob(ctx, job); err != nil {
		e.logger.WithContext(ctx).WithError(err).Error("Could not mark computation running")
	}
	e.transition(ctx, job, nil)
	e.metrics.SetGauge(monitoring.MetricRunningJobs, float64(e.running.Add(1)), map[string]string{"kind": jobKind})
	defer func() {
		e.metrics.SetGauge(monitoring.MetricRunningJobs, float64(e.running.Add(-1)), map[string]string{"kind": jobKind})
	}()

	result, err := e.compute(ctx, &job.Request)
	done := e.now().UTC()
	job.CompletedAt = &done
	if err != nil {
		job.Status = types.JobFailed
		job.Error = err.Error()
	} else {
		job.Status = types.JobCompleted
		job.Result = result
	}
	if perr := e.jobs.PutComputationJob(ctx, job); perr != nil {
		e.logger.WithContext(ctx).WithError(perr).Error("Could not persist computation outcome")
	}
	fields := map[string]any{"duration_ms": done.Sub(started).Milliseconds()}
	if err != nil {
		fields["error"] = err.Error()
	} else {
		fields["records"] = result.RecordCount
	}
	e.transition(ctx, job, fields)
}

func (e *Engine) transition(ctx context.Context, job *types.ComputationJob, fields map[string]any) {
	e.logger.LogJobTransition(ctx, jobKind, job.ID, job.Status, fields)
	e.metrics.IncrementCounter(monitoring.MetricJobTransitions, map[string]string{"kind": jobKind, "status": string(job.Status)})
}

// cohort selects patient records by organization and diagnosis date.
func (e *Engine) cohort(ctx context.Context, c types.CohortCriteria) ([]*types.Patient, error) {
	recs, err := e.records.ListRecords(ctx, store.RecordFilter{
		Entity:          types.EntityPatient,
		OrganizationIDs: c.OrganizationIDs,
	})
	if err != nil {
		return nil, fmt.Errorf("select cohort: %w", err)
	}
	var out []*types.Patient
	for _, r := range recs {
		p := types.PatientFromRecord(r)
		if c.DiagnosisDateFrom != nil || c.DiagnosisDateTo != nil {
			if p.DiagnosisDate == nil {
				continue
			}
			if c.DiagnosisDateFrom != nil && p.DiagnosisDate.Before(*c.DiagnosisDateFrom) {
				continue
			}
			if c.DiagnosisDateTo != nil && p.DiagnosisDate.After(*c.DiagnosisDateTo) {
				continue
			}
		}
		out = append(out, p)
	}
	return out, nil
}

// recentEntries returns a patient's latest entries, newest first.
func (e *Engine) recentEntries(ctx context.Context, patientID string) ([]*types.Record, error) {
	recs, err := e.records.ListRecords(ctx, store.RecordFilter{Entity: types.EntitySymptomEntry, PatientID: patientID})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(recs, func(i, j int) bool { return recs[i].CreatedAt.After(recs[j].CreatedAt) })
	if len(recs) > e.recent {
		recs = recs[:e.recent]
	}
	return recs, nil
}

func (e *Engine) compute(ctx context.Context, req *types.ComputationRequest) (*types.ComputationResult, error) {
	backend, err := e.he.Backend(ctx)
	if err != nil {
		return nil, err
	}
	features := FeaturesFor(req.DataCategories)
	names := make([]string, len(features))
	for i, f := range features {
		names[i] = f.Name
	}
	layout := NewLayout(names, req.Type == types.ComputationCorrelation)
	if req.Type == types.ComputationCorrelation && len(names) < 2 {
		return nil, abeerr.NewComputationValidationError("correlation needs at least two features")
	}

	patients, err := e.cohort(ctx, req.CohortCriteria)
	if err != nil {
		return nil, err
	}

	var acc *rlwe.Ciphertext
	result := &types.ComputationResult{Features: names, SecurityLevel: backend.SecurityLevel()}
	for _, p := range patients {
		used, skipped, err := e.accumulate(ctx, backend, layout, features, p, &acc)
		if err != nil {
			return nil, err
		}
		result.RecordCount += used
		result.SkippedCount += skipped
		if used > 0 {
			result.PatientCount++
		}
	}
	e.metrics.RecordValue(monitoring.MetricComputationRecords, float64(result.RecordCount), map[string]string{"type": string(req.Type)})
	if acc == nil {
		return nil, fmt.Errorf("cohort of %d patients produced no usable records", len(patients))
	}

	sums, err := backend.Decrypt(acc, layout.Width())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", abeerr.ErrBackendUnavailable, err)
	}
	values, err := layout.Statistics(req.Type, sums)
	if err != nil {
		return nil, err
	}
	if req.PrivacyLevel == types.PrivacyDifferential {
		AddNoise(values, e.noise)
		result.NoiseApplied = true
		result.Epsilon = Epsilon
	}
	result.Values = values
	return result, nil
}

// accumulate adds one patient's usable entries into acc. Per-record failures are
// counted as skipped; only store and backend faults abort.
func (e *Engine) accumulate(ctx context.Context, backend *Backend, layout Layout, features []Feature, p *types.Patient, acc **rlwe.Ciphertext) (used, skipped int, err error) {
	if err := ctx.Err(); err != nil {
		return 0, 0, err
	}
	entries, err := e.recentEntries(ctx, p.ID)
	if err != nil {
		return 0, 0, fmt.Errorf("read symptom entries for '%s': %w", p.ID, err)
	}
	if len(entries) == 0 {
		return 0, 0, nil
	}
	key, err := e.serviceKey(p.OrganizationID, p.ID)
	if err != nil {
		e.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"patient_id": p.ID,
			"entries":    len(entries),
		}).Warn("Skipping patient without a service key")
		return 0, len(entries), nil
	}
	readCtx := fieldenc.WithReader(ctx, fieldenc.Reader{Key: key})

	for _, raw := range entries {
		rec, err := e.middleware.DecryptRecord(readCtx, raw)
		if err != nil {
			e.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"record_id": raw.ID}).Warn("Skipping unreadable symptom entry")
			skipped++
			continue
		}
		values := Extract(rec, features)
		if len(values) == 0 {
			skipped++
			continue
		}
		ct, err := backend.Encrypt(layout.Moments(values))
		if err != nil {
			return used, skipped, fmt.Errorf("%w: %w", abeerr.ErrBackendUnavailable, err)
		}
		if *acc == nil {
			*acc = ct
		} else if err := backend.Add(*acc, ct); err != nil {
			return used, skipped, fmt.Errorf("%w: %w", abeerr.ErrBackendUnavailable, err)
		}
		used++
	}
	return used, skipped, nil
}
