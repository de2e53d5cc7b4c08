package access

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hengadev/errsx"

	"github.com/hengadev/medabe/internal/abeerr"
	"github.com/hengadev/medabe/internal/store"
	"github.com/hengadev/medabe/internal/types"
)

const (
	DefaultEmergencyDuration = 4 * time.Hour
	MaxEmergencyDuration     = 24 * time.Hour
)

// AssignmentRequest describes a new caregiver assignment.
type AssignmentRequest struct {
	PatientID      string
	CaregiverID    string
	OrganizationID string
	CaregiverType  types.CaregiverType
	StartDate      time.Time
	EndDate        *time.Time
}

// AssignCaregiver stores a pending assignment. It grants nothing until consent is recorded.
func (e *Engine) AssignCaregiver(ctx context.Context, req AssignmentRequest) (*types.CaregiverAssignment, error) {
	var errs errsx.Map
	if req.PatientID == "" {
		errs.Set("patient_id", errors.New("is required"))
	}
	if req.CaregiverID == "" {
		errs.Set("caregiver_id", errors.New("is required"))
	}
	if req.OrganizationID == "" {
		errs.Set("organization_id", errors.New("is required"))
	}
	if req.CaregiverType != types.CaregiverProfessional && req.CaregiverType != types.CaregiverFamily {
		errs.Set("caregiver_type", fmt.Errorf("unknown caregiver type '%s'", req.CaregiverType))
	}
	start := req.StartDate
	if start.IsZero() {
		start = e.now()
	}
	if req.EndDate != nil && !req.EndDate.After(start) {
		errs.Set("end_date", errors.New("must be after start date"))
	}
	if !errs.IsEmpty() {
		return nil, fmt.Errorf("%w: %w", abeerr.ErrInvalidConfiguration, errs.AsError())
	}

	a := &types.CaregiverAssignment{
		ID:             uuid.NewString(),
		PatientID:      req.PatientID,
		CaregiverID:    req.CaregiverID,
		OrganizationID: req.OrganizationID,
		CaregiverType:  req.CaregiverType,
		Status:         types.StatusPending,
		StartDate:      start.UTC(),
	}
	if req.EndDate != nil {
		end := req.EndDate.UTC()
		a.EndDate = &end
	}
	if err := e.relationships.PutCaregiverAssignment(ctx, a); err != nil {
		return nil, fmt.Errorf("store caregiver assignment: %w", err)
	}
	e.logger.WithContext(ctx).WithFields(map[string]any{
		"assignment_id": a.ID,
		"patient_id":    a.PatientID,
		"caregiver_id":  a.CaregiverID,
	}).Info("Caregiver assigned")
	return a, nil
}

// RecordConsent marks the assignment consented and activates it if pending.
func (e *Engine) RecordConsent(ctx context.Context, assignmentID string) (*types.CaregiverAssignment, error) {
	a, err := e.getAssignment(ctx, assignmentID)
	if err != nil {
		return nil, err
	}
	switch a.Status {
	case types.StatusRevoked, types.StatusExpired, types.StatusInactive:
		return nil, abeerr.NewAccessDeniedError(fmt.Sprintf("assignment '%s' is %s", a.ID, a.Status))
	}
	if a.RevokedAt != nil {
		return nil, abeerr.NewAccessDeniedError(fmt.Sprintf("assignment '%s' is revoked", a.ID))
	}

	now := e.now().UTC()
	a.ConsentGiven = true
	a.ConsentAt = &now
	if a.Status == types.StatusPending {
		a.Status = types.StatusActive
		a.ActivatedAt = &now
	}
	if err := e.relationships.PutCaregiverAssignment(ctx, a); err != nil {
		return nil, fmt.Errorf("store caregiver assignment: %w", err)
	}
	e.logger.WithContext(ctx).WithFields(map[string]any{
		"assignment_id": a.ID,
		"status":        string(a.Status),
	}).Info("Caregiver consent recorded")
	return a, nil
}

// RevokeCaregiver ends an assignment immediately.
func (e *Engine) RevokeCaregiver(ctx context.Context, assignmentID string) error {
	a, err := e.getAssignment(ctx, assignmentID)
	if err != nil {
		return err
	}
	now := e.now().UTC()
	a.Status = types.StatusRevoked
	a.RevokedAt = &now
	if err := e.relationships.PutCaregiverAssignment(ctx, a); err != nil {
		return fmt.Errorf("store caregiver assignment: %w", err)
	}
	e.logger.WithContext(ctx).WithFields(map[string]any{"assignment_id": a.ID}).Info("Caregiver revoked")
	return nil
}

func (e *Engine) getAssignment(ctx context.Context, id string) (*types.CaregiverAssignment, error) {
	a, err := e.relationships.GetCaregiverAssignment(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, abeerr.NewKeyNotFoundError(fmt.Sprintf("caregiver assignment '%s'", id))
	}
	if err != nil {
		return nil, fmt.Errorf("load caregiver assignment: %w", err)
	}
	return a, nil
}

// EmergencyRequest asks for a break-glass grant.
type EmergencyRequest struct {
	PatientID      string
	RequesterID    string
	OrganizationID string
	AccessType     types.EmergencyAccessType
	Reason         string
	// Duration defaults to DefaultEmergencyDuration and may not exceed MaxEmergencyDuration.
	Duration time.Duration
}

// RequestEmergencyAccess creates an active grant starting now.
func (e *Engine) RequestEmergencyAccess(ctx context.Context, req EmergencyRequest) (*types.EmergencyAccessGrant, error) {
	var errs errsx.Map
	if req.PatientID == "" {
		errs.Set("patient_id", errors.New("is required"))
	}
	if req.RequesterID == "" {
		errs.Set("requester_id", errors.New("is required"))
	}
	if !req.AccessType.Valid() {
		errs.Set("access_type", fmt.Errorf("unknown emergency access type '%s'", req.AccessType))
	}
	if strings.TrimSpace(req.Reason) == "" {
		errs.Set("reason", errors.New("is required"))
	}
	duration := req.Duration
	if duration == 0 {
		duration = DefaultEmergencyDuration
	}
	if duration < 0 || duration > MaxEmergencyDuration {
		errs.Set("duration", fmt.Errorf("must be between 0 and %s", MaxEmergencyDuration))
	}
	if !errs.IsEmpty() {
		return nil, fmt.Errorf("%w: %w", abeerr.ErrInvalidConfiguration, errs.AsError())
	}

	now := e.now().UTC()
	g := &types.EmergencyAccessGrant{
		ID:             uuid.NewString(),
		PatientID:      req.PatientID,
		RequesterID:    req.RequesterID,
		OrganizationID: req.OrganizationID,
		AccessType:     req.AccessType,
		Reason:         req.Reason,
		StartTime:      now,
		EndTime:        now.Add(duration),
		IsActive:       true,
	}
	if err := e.relationships.PutEmergencyGrant(ctx, g); err != nil {
		return nil, fmt.Errorf("store emergency grant: %w", err)
	}
	e.logger.WithContext(ctx).WithFields(map[string]any{
		"grant_id":     g.ID,
		"patient_id":   g.PatientID,
		"requester_id": g.RequesterID,
		"access_type":  string(g.AccessType),
		"end_time":     g.EndTime,
	}).Warn("Emergency access granted")
	return g, nil
}

// RevokeEmergencyAccess ends a grant before its window closes.
func (e *Engine) RevokeEmergencyAccess(ctx context.Context, grantID string) error {
	g, err := e.relationships.GetEmergencyGrant(ctx, grantID)
	if errors.Is(err, store.ErrNotFound) {
		return abeerr.NewKeyNotFoundError(fmt.Sprintf("emergency grant '%s'", grantID))
	}
	if err != nil {
		return fmt.Errorf("load emergency grant: %w", err)
	}
	now := e.now().UTC()
	g.IsActive = false
	g.RevokedAt = &now
	if err := e.relationships.PutEmergencyGrant(ctx, g); err != nil {
		return fmt.Errorf("store emergency grant: %w", err)
	}
	e.logger.WithContext(ctx).WithFields(map[string]any{"grant_id": g.ID}).Info("Emergency access revoked")
	return nil
}
