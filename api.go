package medabe

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hengadev/medabe/internal/abeerr"
	"github.com/hengadev/medabe/internal/access"
	"github.com/hengadev/medabe/internal/audit"
	"github.com/hengadev/medabe/internal/monitoring"
	"github.com/hengadev/medabe/internal/policy"
	"github.com/hengadev/medabe/internal/store"
	"github.com/hengadev/medabe/internal/types"
)

// GeneratePolicy builds the conjunctive policy for a patient's categories at level.
// expirationHours of zero means the policy never expires.
func (e *Engine) GeneratePolicy(patientID string, categories []DataCategory, level AccessLevel, orgID string, expirationHours int) (*ABEPolicy, error) {
	return policy.Generate(patientID, categories, level, orgID, expirationHours, e.now())
}

// ValidatePolicy rejects malformed expressions and attributes outside the known namespaces.
func (e *Engine) ValidatePolicy(p *ABEPolicy) error {
	return policy.Validate(p)
}

// Encrypt seals plaintext under p for orgID and audits the write. A write
// that cannot be audited returns no container.
func (e *Engine) Encrypt(ctx context.Context, plaintext []byte, p *ABEPolicy, orgID string) (*EncryptedDataContainer, error) {
	if err := e.ensureReady(); err != nil {
		return nil, err
	}
	start := time.Now()
	ec, err := e.codec.Encrypt(plaintext, p, orgID)
	e.observe(ctx, "encrypt", start, err)

	entry := &types.AuditEntry{
		Operation:         types.AuditEncrypt,
		OrganizationID:    orgID,
		EncryptionContext: map[string]string{},
		Success:           err == nil,
	}
	if p != nil {
		entry.DataCategories = append([]DataCategory(nil), p.DataCategories...)
		entry.AccessLevel = p.AccessLevel
		entry.EncryptionContext["policy"] = p.Policy
	}
	if ec != nil {
		entry.EncryptionContext["dataId"] = ec.DataID
	}
	if err != nil {
		entry.ErrorMessage = err.Error()
	}
	if auditErr := e.recorder.Record(ctx, entry); auditErr != nil && err == nil {
		return nil, fmt.Errorf("%w: %w", abeerr.ErrEncryptionFailed, auditErr)
	}
	if err != nil {
		return nil, err
	}
	return ec, nil
}

// Decrypt verifies ec, asks the access engine about actx, then unwraps with key.
// The access decision is audited as a decrypt. Integrity failures are never
// reported as access errors.
func (e *Engine) Decrypt(ctx context.Context, ec *EncryptedDataContainer, key *UserSecretKey, actx *AccessContext) ([]byte, error) {
	if err := e.ensureReady(); err != nil {
		return nil, err
	}
	if actx != nil && actx.Operation == "" {
		cp := *actx
		cp.Operation = types.AuditDecrypt
		actx = &cp
	}
	start := time.Now()
	plaintext, err := e.codec.Decrypt(ctx, ec, key, actx)
	e.observe(ctx, "decrypt", start, err)
	if err != nil && abeerr.IsIntegrityError(err) && ec != nil {
		e.logger.LogIntegrityFailure(ctx, ec.DataID, err)
	}
	return plaintext, err
}

// VerifyContainer checks a container's signature without decrypting it.
func (e *Engine) VerifyContainer(ec *EncryptedDataContainer) error {
	if err := e.ensureReady(); err != nil {
		return err
	}
	return e.codec.Verify(ec)
}

// EvaluateAccess returns an audited decision. Denials are results, not errors.
func (e *Engine) EvaluateAccess(ctx context.Context, actx *AccessContext) (*AccessControlResult, error) {
	if err := e.ensureReady(); err != nil {
		return nil, err
	}
	return e.access.EvaluateAccess(ctx, actx)
}

// GenerateUserSecretKey derives the key for a user's role and patient assignments.
func (e *Engine) GenerateUserSecretKey(ctx context.Context, userID, orgID string, role Role, patientIDs []string) (*UserSecretKey, error) {
	if err := e.ensureReady(); err != nil {
		return nil, err
	}
	key, err := e.access.GenerateUserSecretKey(ctx, e.hierarchy, userID, orgID, role, patientIDs)
	if err := e.auditKeyIssue(ctx, userID, orgID, string(role), err); err != nil {
		return nil, err
	}
	return key, err
}

// IssueEmergencyKey derives a key for the grant's requester while the grant is in force.
func (e *Engine) IssueEmergencyKey(ctx context.Context, grantID string) (*UserSecretKey, error) {
	if err := e.ensureReady(); err != nil {
		return nil, err
	}
	g, err := e.store.GetEmergencyGrant(ctx, grantID)
	if err != nil {
		return nil, notFoundAsKey(err, "emergency grant '"+grantID+"'")
	}
	key, err := e.access.IssueEmergencyKey(e.hierarchy, g)
	if err := e.auditKeyIssue(ctx, g.RequesterID, g.OrganizationID, "emergency:"+g.ID, err); err != nil {
		return nil, err
	}
	return key, err
}

func (e *Engine) auditKeyIssue(ctx context.Context, userID, orgID, profile string, issueErr error) error {
	entry := &types.AuditEntry{
		Operation:         types.AuditKeyGeneration,
		UserID:            userID,
		OrganizationID:    orgID,
		EncryptionContext: map[string]string{"profile": profile},
		Success:           issueErr == nil,
	}
	if issueErr != nil {
		entry.ErrorMessage = issueErr.Error()
	}
	if err := e.recorder.Record(ctx, entry); err != nil && issueErr == nil {
		return fmt.Errorf("%w: key issue could not be audited: %w", abeerr.ErrBackendUnavailable, err)
	}
	return nil
}

// AssignCaregiver stores a pending assignment; it grants nothing until consent.
func (e *Engine) AssignCaregiver(ctx context.Context, req AssignmentRequest) (*CaregiverAssignment, error) {
	if err := e.ensureReady(); err != nil {
		return nil, err
	}
	return e.access.AssignCaregiver(ctx, req)
}

// RecordConsent activates a pending assignment.
func (e *Engine) RecordConsent(ctx context.Context, assignmentID string) (*CaregiverAssignment, error) {
	if err := e.ensureReady(); err != nil {
		return nil, err
	}
	return e.access.RecordConsent(ctx, assignmentID)
}

func (e *Engine) RevokeCaregiver(ctx context.Context, assignmentID string) error {
	if err := e.ensureReady(); err != nil {
		return err
	}
	return e.access.RevokeCaregiver(ctx, assignmentID)
}

// RequestEmergencyAccess opens a time-boxed break-glass grant.
func (e *Engine) RequestEmergencyAccess(ctx context.Context, req EmergencyRequest) (*EmergencyAccessGrant, error) {
	if err := e.ensureReady(); err != nil {
		return nil, err
	}
	return e.access.RequestEmergencyAccess(ctx, req)
}

func (e *Engine) RevokeEmergencyAccess(ctx context.Context, grantID string) error {
	if err := e.ensureReady(); err != nil {
		return err
	}
	return e.access.RevokeEmergencyAccess(ctx, grantID)
}

// AccessMatrix returns the category permissions per access level.
func (e *Engine) AccessMatrix() access.Matrix {
	if e.access == nil {
		return access.DefaultMatrix()
	}
	return e.access.Matrix()
}

// VerifyAuditEntry checks an entry's proof against the master public key.
func (e *Engine) VerifyAuditEntry(entry *AuditEntry) bool {
	if e.master == nil {
		return false
	}
	return audit.Verify(e.master.PublicKey(), entry)
}

// ListAuditEntries returns up to limit entries for userID, newest last.
// An empty userID lists every user.
func (e *Engine) ListAuditEntries(ctx context.Context, userID string, limit int) ([]*AuditEntry, error) {
	return e.store.ListAuditEntries(ctx, userID, limit)
}

func (e *Engine) observe(ctx context.Context, op string, start time.Time, err error) {
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	e.metrics.IncrementCounter(monitoring.MetricCodecOperations, map[string]string{
		"operation": op,
		"outcome":   outcome,
	})
	e.metrics.RecordTiming(monitoring.MetricOperationDuration, time.Since(start), map[string]string{"operation": op})
	if abeerr.IsIntegrityError(err) {
		e.metrics.IncrementCounter(monitoring.MetricIntegrityFailures, map[string]string{"source": op})
	}
	e.logger.LogOperation(ctx, op, time.Since(start), err)
}

func notFoundAsKey(err error, what string) error {
	if errors.Is(err, store.ErrNotFound) {
		return abeerr.NewKeyNotFoundError(what)
	}
	return err
}
