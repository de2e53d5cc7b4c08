package types

import "strings"

// Role identifies what a requester is inside an organization.
type Role string

const (
	RolePatient               Role = "patient"
	RoleProfessionalCaregiver Role = "professional_caregiver"
	RoleFamilyCaregiver       Role = "family_caregiver"
	RoleClinicAdmin           Role = "clinic_admin"
	RoleSuperAdmin            Role = "super_admin"
)

// IsCaregiver reports whether the role reaches patients through a caregiver assignment.
func (r Role) IsCaregiver() bool {
	return r == RoleProfessionalCaregiver || r == RoleFamilyCaregiver
}

// IsAdmin reports whether the role is organizational.
func (r Role) IsAdmin() bool {
	return r == RoleClinicAdmin || r == RoleSuperAdmin
}

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RolePatient, RoleProfessionalCaregiver, RoleFamilyCaregiver, RoleClinicAdmin, RoleSuperAdmin:
		return true
	}
	return false
}

// AccessLevel is a coarse permission tier mapped to category visibility by the matrix.
type AccessLevel string

const (
	AccessPatientFull           AccessLevel = "patient_full"
	AccessCaregiverProfessional AccessLevel = "caregiver_professional"
	AccessEmergency             AccessLevel = "emergency"
	AccessCaregiverFamily       AccessLevel = "caregiver_family"
)

// levelRank orders access levels; a higher rank dominates every lower one.
var levelRank = map[AccessLevel]int{
	AccessCaregiverFamily:       1,
	AccessEmergency:             2,
	AccessCaregiverProfessional: 3,
	AccessPatientFull:           4,
}

// Valid reports whether l is a known level.
func (l AccessLevel) Valid() bool {
	_, ok := levelRank[l]
	return ok
}

// Dominates reports whether a holder of l may also act at level other.
func (l AccessLevel) Dominates(other AccessLevel) bool {
	r, ok := levelRank[l]
	if !ok {
		return false
	}
	o, ok := levelRank[other]
	return ok && r >= o
}

// Implied returns l and every level it dominates, highest first.
func (l AccessLevel) Implied() []AccessLevel {
	var out []AccessLevel
	for _, candidate := range AllAccessLevels() {
		if l.Dominates(candidate) {
			out = append(out, candidate)
		}
	}
	return out
}

// AllAccessLevels lists the levels from highest to lowest.
func AllAccessLevels() []AccessLevel {
	return []AccessLevel{AccessPatientFull, AccessCaregiverProfessional, AccessEmergency, AccessCaregiverFamily}
}

// DataCategory is a named partition of a patient's data and the unit of access control.
type DataCategory string

const (
	CategoryDemographics      DataCategory = "demographics"
	CategoryMedicalHistory    DataCategory = "medical_history"
	CategoryMotorSymptoms     DataCategory = "motor_symptoms"
	CategoryNonMotorSymptoms  DataCategory = "non_motor_symptoms"
	CategoryAutonomicSymptoms DataCategory = "autonomic_symptoms"
	CategoryDailyActivities   DataCategory = "daily_activities"
	CategoryMedications       DataCategory = "medications"
	CategoryEmergencyContacts DataCategory = "emergency_contacts"
)

// AllCategories lists every data category in a stable order.
func AllCategories() []DataCategory {
	return []DataCategory{
		CategoryDemographics,
		CategoryMedicalHistory,
		CategoryMotorSymptoms,
		CategoryNonMotorSymptoms,
		CategoryAutonomicSymptoms,
		CategoryDailyActivities,
		CategoryMedications,
		CategoryEmergencyContacts,
	}
}

// Valid reports whether c is a known category.
func (c DataCategory) Valid() bool {
	for _, known := range AllCategories() {
		if c == known {
			return true
		}
	}
	return false
}

// Attribute namespaces allowed in policy expressions and user secret keys.
const (
	NamespacePatient   = "patient:"
	NamespaceOrg       = "org:"
	NamespaceAccess    = "access:"
	NamespaceData      = "data:"
	NamespaceRole      = "role:"
	NamespaceAssigned  = "assigned:"
	NamespaceEmergency = "emergency:"
	NamespaceUser      = "user:"
)

// PolicyNamespaces are the namespaces a policy expression may reference.
var PolicyNamespaces = []string{
	NamespacePatient,
	NamespaceOrg,
	NamespaceAccess,
	NamespaceData,
	NamespaceRole,
	NamespaceAssigned,
	NamespaceEmergency,
	NamespaceUser,
}

// NormalizeAttribute canonicalizes an attribute for matching and key derivation.
func NormalizeAttribute(attr string) string {
	return strings.ToLower(strings.TrimSpace(attr))
}

func PatientAttribute(patientID string) string   { return NamespacePatient + patientID }
func OrgAttribute(orgID string) string           { return NamespaceOrg + orgID }
func AccessAttribute(level AccessLevel) string   { return NamespaceAccess + string(level) }
func DataAttribute(category DataCategory) string { return NamespaceData + string(category) }
func RoleAttribute(role Role) string             { return NamespaceRole + string(role) }
func AssignedAttribute(patientID string) string  { return NamespaceAssigned + patientID }
func EmergencyAttribute(grantID string) string   { return NamespaceEmergency + grantID }
func UserAttribute(userID string) string         { return NamespaceUser + userID }
