package medabe

import (
	"context"
	"strconv"

	"github.com/hengadev/medabe/internal/types"
)

// SubmitComputation validates req, stores a pending job and runs it in the
// background. Failures after submission are recorded on the job.
func (e *Engine) SubmitComputation(ctx context.Context, req ComputationRequest) (string, error) {
	if err := e.ensureReady(); err != nil {
		return "", err
	}
	id, err := e.analytics.SubmitComputation(ctx, req)
	entry := &types.AuditEntry{
		Operation:      types.AuditComputation,
		UserID:         req.RequesterID,
		OrganizationID: req.OrganizationID,
		DataCategories: append([]types.DataCategory(nil), req.DataCategories...),
		EncryptionContext: map[string]string{
			"type":         string(req.Type),
			"privacyLevel": string(req.PrivacyLevel),
			"jobId":        id,
		},
		Success: err == nil,
	}
	if err != nil {
		entry.ErrorMessage = err.Error()
	}
	if auditErr := e.recorder.Record(ctx, entry); auditErr != nil {
		e.logger.WithContext(ctx).WithError(auditErr).Warn("Computation submission was not audited")
	}
	return id, err
}

// GetComputationJob returns the job if requesterID submitted it.
func (e *Engine) GetComputationJob(ctx context.Context, jobID, requesterID string) (*ComputationJob, error) {
	if err := e.ensureReady(); err != nil {
		return nil, err
	}
	return e.analytics.GetComputationJob(ctx, jobID, requesterID)
}

// GetComputationResult returns the result of a completed job. Other states
// report ErrResultNotReady with the job status.
func (e *Engine) GetComputationResult(ctx context.Context, jobID, requesterID string) (*ComputationResult, error) {
	if err := e.ensureReady(); err != nil {
		return nil, err
	}
	return e.analytics.GetComputationResult(ctx, jobID, requesterID)
}

// StartMigration begins encrypting legacy records. Only one migration may be
// unfinished at a time.
func (e *Engine) StartMigration(ctx context.Context, cfg MigrationConfig) (string, error) {
	if err := e.ensureReady(); err != nil {
		return "", err
	}
	id, err := e.migration.StartMigration(ctx, cfg)
	entry := &types.AuditEntry{
		Operation:      types.AuditMigration,
		UserID:         cfg.RequestedBy,
		DataCategories: append([]types.DataCategory(nil), cfg.DataCategories...),
		EncryptionContext: map[string]string{
			"jobId":        id,
			"dryRun":       strconv.FormatBool(cfg.DryRun),
			"createBackup": strconv.FormatBool(cfg.CreateBackup),
		},
		Success: err == nil,
	}
	if err != nil {
		entry.ErrorMessage = err.Error()
	}
	if auditErr := e.recorder.Record(ctx, entry); auditErr != nil {
		e.logger.WithContext(ctx).WithError(auditErr).Warn("Migration start was not audited")
	}
	return id, err
}

func (e *Engine) GetMigrationStatus(ctx context.Context, jobID string) (*MigrationJob, error) {
	if err := e.ensureReady(); err != nil {
		return nil, err
	}
	return e.migration.GetMigrationStatus(ctx, jobID)
}

func (e *Engine) ListMigrations(ctx context.Context) ([]*MigrationJob, error) {
	if err := e.ensureReady(); err != nil {
		return nil, err
	}
	return e.migration.ListMigrations(ctx)
}

// CancelMigration stops a running migration after its current batch.
func (e *Engine) CancelMigration(ctx context.Context, jobID string) error {
	if err := e.ensureReady(); err != nil {
		return err
	}
	return e.migration.CancelMigration(ctx, jobID)
}

// RollbackMigration restores the pre-images of a finished migration. Jobs
// without a backup fail with ErrRollbackUnsupported.
func (e *Engine) RollbackMigration(ctx context.Context, jobID string) (*MigrationJob, error) {
	if err := e.ensureReady(); err != nil {
		return nil, err
	}
	return e.migration.RollbackMigration(ctx, jobID)
}
