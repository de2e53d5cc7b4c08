// Package access decides which data categories a requester may see.
//
// Tiers are evaluated in strict priority order and the first that applies
// decides: patient self-access, emergency grant, caregiver assignment,
// organizational role, default deny. Relationship windows are always checked
// against the clock at decision time, never against stored flags alone.
package access

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hengadev/medabe/internal/audit"
	"github.com/hengadev/medabe/internal/monitoring"
	"github.com/hengadev/medabe/internal/store"
	"github.com/hengadev/medabe/internal/types"
)

const (
	TierPatientSelf  = "patient_self"
	TierEmergency    = "emergency"
	TierCaregiver    = "caregiver"
	TierOrganization = "organization"
	TierDefaultDeny  = "default_deny"

	// ReasonNoRelationship is the default-deny reason.
	ReasonNoRelationship = "No valid access relationship found"
	// ReasonAuditUnavailable replaces any decision that could not be audited.
	ReasonAuditUnavailable = "Access decision could not be audited"
)

// Engine evaluates access contexts. It is safe for concurrent use.
type Engine struct {
	records       store.RecordStore
	relationships store.RelationshipStore
	recorder      *audit.Recorder
	matrix        Matrix
	logger        *monitoring.StructuredLogger
	metrics       monitoring.MetricsCollector
	now           func() time.Time
}

type Option func(*Engine)

func WithMatrix(m Matrix) Option {
	return func(e *Engine) {
		if m != nil {
			e.matrix = m
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

// NewEngine wires the engine to its stores and the audit recorder.
func NewEngine(records store.RecordStore, relationships store.RelationshipStore, recorder *audit.Recorder, opts ...Option) *Engine {
	e := &Engine{
		records:       records,
		relationships: relationships,
		recorder:      recorder,
		matrix:        DefaultMatrix(),
		logger:        monitoring.NewNopLogger(),
		metrics:       monitoring.NoOpMetricsCollector{},
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Matrix returns the category visibility table in use.
func (e *Engine) Matrix() Matrix {
	return e.matrix
}

// EvaluateAccess decides and audits. Denials are results, not errors; the error is
// non-nil only when ctx is done. A decision that cannot be audited is a denial.
func (e *Engine) EvaluateAccess(ctx context.Context, actx *types.AccessContext) (*types.AccessControlResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if actx == nil {
		actx = &types.AccessContext{}
	}

	result := e.decide(ctx, actx)

	if err := e.recorder.Record(ctx, audit.FromAccess(actx, result)); err != nil {
		result = &types.AccessControlResult{
			AccessibleCategories: []types.DataCategory{},
			EncryptionKeys:       []string{},
			DenialReason:         ReasonAuditUnavailable,
			Tier:                 result.Tier,
		}
	}

	e.logger.LogAccessDecision(ctx, actx, result)
	e.metrics.IncrementCounter(monitoring.MetricAccessDecisions, map[string]string{
		"tier":    result.Tier,
		"granted": fmt.Sprintf("%t", result.Granted),
	})
	return result, nil
}

func deny(tier, reason string) *types.AccessControlResult {
	return &types.AccessControlResult{
		AccessibleCategories: []types.DataCategory{},
		EncryptionKeys:       []string{},
		DenialReason:         reason,
		Tier:                 tier,
	}
}

func (e *Engine) grant(tier string, level types.AccessLevel, actx *types.AccessContext, expiresAt *time.Time) *types.AccessControlResult {
	categories := e.matrix.Filter(level, actx.RequestedCategories)
	if len(categories) == 0 {
		return deny(tier, fmt.Sprintf("No requested category is permitted at %s access", level))
	}
	keys := []string{
		types.NormalizeAttribute(types.PatientAttribute(actx.PatientID)),
		types.NormalizeAttribute(types.AccessAttribute(level)),
	}
	if actx.OrganizationID != "" {
		keys = append(keys, types.NormalizeAttribute(types.OrgAttribute(actx.OrganizationID)))
	}
	for _, c := range categories {
		keys = append(keys, types.NormalizeAttribute(types.DataAttribute(c)))
	}
	return &types.AccessControlResult{
		Granted:              true,
		AccessLevel:          level,
		AccessibleCategories: categories,
		EncryptionKeys:       keys,
		ExpiresAt:            expiresAt,
		Tier:                 tier,
	}
}

func (e *Engine) decide(ctx context.Context, actx *types.AccessContext) *types.AccessControlResult {
	if actx.RequesterID == "" {
		return deny(TierDefaultDeny, "Authentication required")
	}
	if !actx.RequesterRole.Valid() {
		return deny(TierDefaultDeny, fmt.Sprintf("Unknown requester role '%s'", actx.RequesterRole))
	}
	if actx.PatientID == "" {
		return deny(TierDefaultDeny, "No target patient")
	}
	for _, c := range actx.RequestedCategories {
		if !c.Valid() {
			return deny(TierDefaultDeny, fmt.Sprintf("Unknown data category '%s'", c))
		}
	}

	patient, patientErr := e.loadPatient(ctx, actx.PatientID)

	if actx.RequesterRole == types.RolePatient && patient != nil &&
		(patient.UserID == actx.RequesterID || patient.ID == actx.RequesterID) {
		return e.grant(TierPatientSelf, types.AccessPatientFull, actx, nil)
	}

	if actx.EmergencyContext != nil {
		return e.evaluateEmergency(ctx, actx)
	}

	if actx.RequesterRole.IsCaregiver() {
		if result := e.evaluateCaregiver(ctx, actx); result != nil {
			return result
		}
	}

	if actx.RequesterRole.IsAdmin() {
		return e.evaluateOrganization(actx, patient, patientErr)
	}

	return deny(TierDefaultDeny, ReasonNoRelationship)
}

func (e *Engine) loadPatient(ctx context.Context, patientID string) (*types.Patient, error) {
	rec, err := e.records.GetRecord(ctx, types.EntityPatient, patientID)
	if err != nil {
		return nil, err
	}
	return types.PatientFromRecord(rec), nil
}

func (e *Engine) evaluateEmergency(ctx context.Context, actx *types.AccessContext) *types.AccessControlResult {
	g, err := e.relationships.GetEmergencyGrant(ctx, actx.EmergencyContext.GrantID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			e.logger.WithContext(ctx).WithError(err).Error("Emergency grant lookup failed")
		}
		return deny(TierEmergency, "Emergency access grant not found")
	}

	now := e.now()
	switch {
	case g.RequesterID != actx.RequesterID:
		return deny(TierEmergency, "Emergency access grant belongs to another requester")
	case g.PatientID != actx.PatientID:
		return deny(TierEmergency, "Emergency access grant covers another patient")
	case g.RevokedAt != nil || !g.IsActive:
		return deny(TierEmergency, "Emergency access grant is not active")
	case now.Before(g.StartTime):
		return deny(TierEmergency, "Emergency access grant is not yet valid")
	case !now.Before(g.EndTime):
		if g.IsActive {
			g.IsActive = false
			if err := e.relationships.PutEmergencyGrant(ctx, g); err != nil {
				e.logger.WithContext(ctx).WithError(err).Warn("Could not persist expired emergency grant")
			}
		}
		return deny(TierEmergency, "Emergency access grant has expired")
	}

	level := types.AccessCaregiverProfessional
	if g.AccessType == types.EmergencyMedical {
		level = types.AccessEmergency
	}
	end := g.EndTime
	return e.grant(TierEmergency, level, actx, &end)
}

// evaluateCaregiver returns nil when no assignment is usable so lower tiers apply.
func (e *Engine) evaluateCaregiver(ctx context.Context, actx *types.AccessContext) *types.AccessControlResult {
	assignments, err := e.relationships.FindCaregiverAssignments(ctx, actx.RequesterID, actx.PatientID)
	if err != nil {
		e.logger.WithContext(ctx).WithError(err).Error("Caregiver assignment lookup failed")
		return nil
	}

	now := e.now()
	for _, a := range assignments {
		if !e.usableAssignment(ctx, a, actx, now) {
			continue
		}
		level := types.AccessCaregiverFamily
		if a.CaregiverType == types.CaregiverProfessional {
			level = types.AccessCaregiverProfessional
		}
		return e.grant(TierCaregiver, level, actx, a.EndDate)
	}
	return nil
}

func (e *Engine) usableAssignment(ctx context.Context, a *types.CaregiverAssignment, actx *types.AccessContext, now time.Time) bool {
	if a.OrganizationID != "" && actx.OrganizationID != "" && a.OrganizationID != actx.OrganizationID {
		return false
	}
	if a.RevokedAt != nil {
		return false
	}
	if now.Before(a.StartDate) {
		return false
	}
	if a.EndDate != nil && !now.Before(*a.EndDate) {
		if a.Status == types.StatusActive || a.Status == types.StatusPending {
			a.Status = types.StatusExpired
			if err := e.relationships.PutCaregiverAssignment(ctx, a); err != nil {
				e.logger.WithContext(ctx).WithError(err).Warn("Could not persist expired caregiver assignment")
			}
		}
		return false
	}
	if !a.ConsentGiven {
		return false
	}
	switch a.Status {
	case types.StatusActive:
		return true
	case types.StatusPending:
		if err := e.activate(ctx, a, now); err != nil {
			e.logger.WithContext(ctx).WithError(err).Error("Could not activate consented caregiver assignment")
			return false
		}
		return true
	default:
		return false
	}
}

// activate applies the consent rule: a consented pending assignment becomes active.
func (e *Engine) activate(ctx context.Context, a *types.CaregiverAssignment, now time.Time) error {
	a.Status = types.StatusActive
	activated := now.UTC()
	a.ActivatedAt = &activated
	return e.relationships.PutCaregiverAssignment(ctx, a)
}

func (e *Engine) evaluateOrganization(actx *types.AccessContext, patient *types.Patient, patientErr error) *types.AccessControlResult {
	if actx.RequesterRole == types.RoleSuperAdmin {
		return e.grant(TierOrganization, types.AccessCaregiverProfessional, actx, nil)
	}
	if patientErr != nil || patient == nil {
		return deny(TierOrganization, "Patient not found")
	}
	if actx.OrganizationID == "" || patient.OrganizationID != actx.OrganizationID {
		return deny(TierOrganization, "Organization mismatch")
	}
	return e.grant(TierOrganization, types.AccessCaregiverProfessional, actx, nil)
}
