package access

import "github.com/hengadev/medabe/internal/types"

// Matrix maps each data category to the access levels permitted to see it.
type Matrix map[types.DataCategory][]types.AccessLevel

// DefaultMatrix is the standard category visibility table. Family caregivers never
// see medications or emergency contacts.
func DefaultMatrix() Matrix {
	all := []types.AccessLevel{
		types.AccessPatientFull,
		types.AccessCaregiverProfessional,
		types.AccessEmergency,
		types.AccessCaregiverFamily,
	}
	care := []types.AccessLevel{
		types.AccessPatientFull,
		types.AccessCaregiverProfessional,
		types.AccessCaregiverFamily,
	}
	clinical := []types.AccessLevel{
		types.AccessPatientFull,
		types.AccessCaregiverProfessional,
		types.AccessEmergency,
	}
	return Matrix{
		types.CategoryDemographics:      all,
		types.CategoryMedicalHistory:    all,
		types.CategoryMotorSymptoms:     all,
		types.CategoryNonMotorSymptoms:  care,
		types.CategoryAutonomicSymptoms: care,
		types.CategoryDailyActivities:   care,
		types.CategoryMedications:       clinical,
		types.CategoryEmergencyContacts: clinical,
	}
}

// Permits reports whether level may see category.
func (m Matrix) Permits(category types.DataCategory, level types.AccessLevel) bool {
	for _, l := range m[category] {
		if l == level {
			return true
		}
	}
	return false
}

// CategoriesFor lists every category level may see, in stable order.
func (m Matrix) CategoriesFor(level types.AccessLevel) []types.DataCategory {
	var out []types.DataCategory
	for _, c := range types.AllCategories() {
		if m.Permits(c, level) {
			out = append(out, c)
		}
	}
	return out
}

// Filter keeps the requested categories level may see. An empty request means
// every category the level permits.
func (m Matrix) Filter(level types.AccessLevel, requested []types.DataCategory) []types.DataCategory {
	if len(requested) == 0 {
		return m.CategoriesFor(level)
	}
	out := []types.DataCategory{}
	seen := make(map[types.DataCategory]struct{}, len(requested))
	for _, c := range requested {
		if _, dup := seen[c]; dup {
			continue
		}
		seen[c] = struct{}{}
		if m.Permits(c, level) {
			out = append(out, c)
		}
	}
	return out
}
