package access

import (
	"context"
	"fmt"

	"github.com/hengadev/medabe/internal/abeerr"
	"github.com/hengadev/medabe/internal/keys"
	"github.com/hengadev/medabe/internal/store"
	"github.com/hengadev/medabe/internal/types"
)

// LevelForRole is the access level a role's secret key is issued at.
func LevelForRole(role types.Role) (types.AccessLevel, error) {
	switch role {
	case types.RolePatient:
		return types.AccessPatientFull, nil
	case types.RoleProfessionalCaregiver, types.RoleClinicAdmin, types.RoleSuperAdmin:
		return types.AccessCaregiverProfessional, nil
	case types.RoleFamilyCaregiver:
		return types.AccessCaregiverFamily, nil
	}
	return "", fmt.Errorf("%w: unknown role '%s'", abeerr.ErrInvalidConfiguration, role)
}

// KeyAttributes lists the attributes a user secret key carries. Access attributes
// follow level dominance and data attributes follow the matrix, so holding the key
// already limits which category policies it satisfies.
func (m Matrix) KeyAttributes(userID, orgID string, role types.Role, patientIDs []string) ([]string, error) {
	level, err := LevelForRole(role)
	if err != nil {
		return nil, err
	}
	attrs := []string{
		types.UserAttribute(userID),
		types.OrgAttribute(orgID),
		types.RoleAttribute(role),
	}
	for _, l := range level.Implied() {
		attrs = append(attrs, types.AccessAttribute(l))
	}
	seen := map[types.DataCategory]struct{}{}
	for _, l := range level.Implied() {
		for _, c := range m.CategoriesFor(l) {
			if _, ok := seen[c]; !ok {
				seen[c] = struct{}{}
				attrs = append(attrs, types.DataAttribute(c))
			}
		}
	}
	if role == types.RolePatient {
		attrs = append(attrs, types.PatientAttribute(userID))
	}
	for _, pid := range patientIDs {
		if pid == "" {
			continue
		}
		attrs = append(attrs, types.PatientAttribute(pid), types.AssignedAttribute(pid))
	}
	return attrs, nil
}

// GenerateUserSecretKey derives the key for a user's current access profile. A
// patient key also names every patient record in orgID owned by userID, since
// policies are bound to the record id rather than the user id.
func (e *Engine) GenerateUserSecretKey(ctx context.Context, h *keys.Hierarchy, userID, orgID string, role types.Role, patientIDs []string) (*keys.UserSecretKey, error) {
	attrs, err := e.matrix.KeyAttributes(userID, orgID, role, patientIDs)
	if err != nil {
		return nil, err
	}
	if role == types.RolePatient {
		owned, err := e.ownedPatientRecords(ctx, userID, orgID)
		if err != nil {
			return nil, err
		}
		for _, id := range owned {
			if id != userID {
				attrs = append(attrs, types.PatientAttribute(id))
			}
		}
	}
	return h.DeriveUserSecretKey(userID, orgID, attrs)
}

func (e *Engine) ownedPatientRecords(ctx context.Context, userID, orgID string) ([]string, error) {
	recs, err := e.records.ListRecords(ctx, store.RecordFilter{
		Entity:          types.EntityPatient,
		OrganizationIDs: []string{orgID},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: look up patient records of '%s': %w", abeerr.ErrBackendUnavailable, userID, err)
	}
	var ids []string
	for _, r := range recs {
		if r.UserID == userID {
			ids = append(ids, r.ID)
		}
	}
	return ids, nil
}

// IssueEmergencyKey derives a key for an active emergency grant. It carries the
// level the grant's type maps to and an emergency:<grant> attribute.
func (e *Engine) IssueEmergencyKey(h *keys.Hierarchy, g *types.EmergencyAccessGrant) (*keys.UserSecretKey, error) {
	now := e.now()
	if g.RevokedAt != nil || !g.IsActive || now.Before(g.StartTime) || !now.Before(g.EndTime) {
		return nil, abeerr.NewAccessDeniedError(fmt.Sprintf("emergency grant '%s' is not in force", g.ID))
	}
	level := types.AccessCaregiverProfessional
	if g.AccessType == types.EmergencyMedical {
		level = types.AccessEmergency
	}
	attrs := []string{
		types.UserAttribute(g.RequesterID),
		types.OrgAttribute(g.OrganizationID),
		types.PatientAttribute(g.PatientID),
		types.EmergencyAttribute(g.ID),
	}
	for _, l := range level.Implied() {
		attrs = append(attrs, types.AccessAttribute(l))
	}
	for _, c := range e.matrix.CategoriesFor(level) {
		attrs = append(attrs, types.DataAttribute(c))
	}
	return h.DeriveUserSecretKey(g.RequesterID, g.OrganizationID, attrs)
}
