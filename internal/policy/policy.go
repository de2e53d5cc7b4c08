package policy

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hengadev/errsx"

	"github.com/hengadev/medabe/internal/abeerr"
	"github.com/hengadev/medabe/internal/types"
)

// MaxExpirationHours caps how far ahead a generated policy may expire.
const MaxExpirationHours = 24 * 365

// Generate builds the policy protecting a patient's data for categories at level.
// expirationHours of zero means the policy never expires.
func Generate(patientID string, categories []types.DataCategory, level types.AccessLevel, orgID string, expirationHours int, now time.Time) (*types.ABEPolicy, error) {
	var errs errsx.Map
	if patientID == "" {
		errs.Set("patient_id", errors.New("is required"))
	}
	if orgID == "" {
		errs.Set("organization_id", errors.New("is required"))
	}
	if !level.Valid() {
		errs.Set("access_level", fmt.Errorf("unknown access level '%s'", level))
	}
	if len(categories) == 0 {
		errs.Set("data_categories", errors.New("at least one category is required"))
	}
	for _, c := range categories {
		if !c.Valid() {
			errs.Set("data_categories", fmt.Errorf("unknown category '%s'", c))
		}
	}
	if expirationHours < 0 || expirationHours > MaxExpirationHours {
		errs.Set("expiration_hours", fmt.Errorf("must be between 0 and %d", MaxExpirationHours))
	}
	if !errs.IsEmpty() {
		return nil, abeerr.NewInvalidPolicyError(errs.AsError().Error())
	}

	cats := dedupeCategories(categories)
	attrs := []string{
		types.PatientAttribute(patientID),
		types.OrgAttribute(orgID),
		types.AccessAttribute(level),
	}
	for _, c := range cats {
		attrs = append(attrs, types.DataAttribute(c))
	}
	for i, a := range attrs {
		attrs[i] = types.NormalizeAttribute(a)
	}

	operands := append([]string(nil), attrs...)
	if level == types.AccessPatientFull {
		operands = append(operands, types.RoleAttribute(types.RolePatient))
	}

	p := &types.ABEPolicy{
		Attributes:     attrs,
		Policy:         strings.Join(operands, andSep),
		DataCategories: cats,
		AccessLevel:    level,
		OrganizationID: orgID,
	}
	if expirationHours > 0 {
		exp := now.Add(time.Duration(expirationHours) * time.Hour).UTC()
		p.Expiration = &exp
	}
	return p, nil
}

// Validate checks the policy's expression grammar and attribute namespaces.
func Validate(p *types.ABEPolicy) error {
	if p == nil {
		return abeerr.NewInvalidPolicyError("policy is nil")
	}
	expr, err := Parse(p.Policy)
	if err != nil {
		return err
	}

	var errs errsx.Map
	for _, operand := range expr.Operands {
		if err := validateAttribute(operand); err != nil {
			errs.Set("policy", err)
		}
		if strings.HasPrefix(operand, types.NamespaceOrg) && p.OrganizationID != "" &&
			operand != types.NormalizeAttribute(types.OrgAttribute(p.OrganizationID)) {
			errs.Set("policy", fmt.Errorf("attribute '%s' names another organization", operand))
		}
	}
	for _, attr := range p.Attributes {
		if err := validateAttribute(types.NormalizeAttribute(attr)); err != nil {
			errs.Set("attributes", err)
		}
	}
	if p.OrganizationID == "" {
		errs.Set("organization_id", errors.New("is required"))
	}
	if p.AccessLevel != "" && !p.AccessLevel.Valid() {
		errs.Set("access_level", fmt.Errorf("unknown access level '%s'", p.AccessLevel))
	}
	for _, c := range p.DataCategories {
		if !c.Valid() {
			errs.Set("data_categories", fmt.Errorf("unknown category '%s'", c))
		}
	}
	if !errs.IsEmpty() {
		return abeerr.NewInvalidPolicyError(errs.AsError().Error())
	}
	return nil
}

func validateAttribute(attr string) error {
	for _, ns := range types.PolicyNamespaces {
		if strings.HasPrefix(attr, ns) {
			if len(attr) == len(ns) {
				return fmt.Errorf("attribute '%s' has an empty value", attr)
			}
			return nil
		}
	}
	return fmt.Errorf("attribute '%s' is outside the allowed namespaces", attr)
}

func dedupeCategories(in []types.DataCategory) []types.DataCategory {
	seen := make(map[types.DataCategory]struct{}, len(in))
	out := make([]types.DataCategory, 0, len(in))
	for _, c := range in {
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	return out
}
