package types

import "time"

// RelationshipStatus is the explicit lifecycle state of a time-boxed or revocable relationship.
type RelationshipStatus string

const (
	StatusPending  RelationshipStatus = "pending"
	StatusActive   RelationshipStatus = "active"
	StatusInactive RelationshipStatus = "inactive"
	StatusRevoked  RelationshipStatus = "revoked"
	StatusExpired  RelationshipStatus = "expired"
)

// CaregiverType determines the access level a caregiver assignment yields.
type CaregiverType string

const (
	CaregiverProfessional CaregiverType = "professional"
	CaregiverFamily       CaregiverType = "family"
)

// CaregiverAssignment links a caregiver to a patient.
type CaregiverAssignment struct {
	ID             string             `json:"id"`
	PatientID      string             `json:"patient_id"`
	CaregiverID    string             `json:"caregiver_id"`
	OrganizationID string             `json:"organization_id"`
	CaregiverType  CaregiverType      `json:"caregiver_type"`
	Status         RelationshipStatus `json:"status"`
	ConsentGiven   bool               `json:"consent_given"`
	ConsentAt      *time.Time         `json:"consent_at,omitempty"`
	ActivatedAt    *time.Time         `json:"activated_at,omitempty"`
	StartDate      time.Time          `json:"start_date"`
	EndDate        *time.Time         `json:"end_date,omitempty"`
	RevokedAt      *time.Time         `json:"revoked_at,omitempty"`
}

// EmergencyAccessType is the declared reason for an emergency grant.
type EmergencyAccessType string

const (
	EmergencyMedical            EmergencyAccessType = "medical_emergency"
	EmergencyTechnicalSupport   EmergencyAccessType = "technical_support"
	EmergencyDataRecovery       EmergencyAccessType = "data_recovery"
	EmergencyAuditInvestigation EmergencyAccessType = "audit_investigation"
)

// Valid reports whether t is a known emergency type.
func (t EmergencyAccessType) Valid() bool {
	switch t {
	case EmergencyMedical, EmergencyTechnicalSupport, EmergencyDataRecovery, EmergencyAuditInvestigation:
		return true
	}
	return false
}

// EmergencyAccessGrant is a time-boxed break-glass grant. IsActive is a stored flag only;
// EndTime is authoritative.
type EmergencyAccessGrant struct {
	ID             string              `json:"id"`
	PatientID      string              `json:"patient_id"`
	RequesterID    string              `json:"requester_id"`
	OrganizationID string              `json:"organization_id"`
	AccessType     EmergencyAccessType `json:"access_type"`
	Reason         string              `json:"reason"`
	StartTime      time.Time           `json:"start_time"`
	EndTime        time.Time           `json:"end_time"`
	IsActive       bool                `json:"is_active"`
	RevokedAt      *time.Time          `json:"revoked_at,omitempty"`
}

// ProxyReEncryptionKey delegates a delegator's categories to a delegatee for a window.
type ProxyReEncryptionKey struct {
	ID             string             `json:"id"`
	DelegatorID    string             `json:"delegator_id"`
	DelegateeID    string             `json:"delegatee_id"`
	OrganizationID string             `json:"organization_id"`
	PatientID      string             `json:"patient_id"`
	DataCategories []DataCategory     `json:"data_categories"`
	Status         RelationshipStatus `json:"status"`
	ValidFrom      time.Time          `json:"valid_from"`
	ValidUntil     time.Time          `json:"valid_until"`
	RevokedAt      *time.Time         `json:"revoked_at,omitempty"`
	// Token binds the key to its delegation; it is an HMAC under the organization authority.
	Token string `json:"token"`
}
