package types

import "time"

// ABEPolicy describes who may unwrap a container's data key.
type ABEPolicy struct {
	Attributes     []string       `json:"attributes"`
	Policy         string         `json:"policy"`
	DataCategories []DataCategory `json:"dataCategories"`
	AccessLevel    AccessLevel    `json:"accessLevel"`
	OrganizationID string         `json:"organizationId"`
	Expiration     *time.Time     `json:"expiration,omitempty"`
}

// Expired reports whether the policy window has closed at now.
func (p *ABEPolicy) Expired(now time.Time) bool {
	return p.Expiration != nil && !now.Before(*p.Expiration)
}

// Ciphertext is the payload envelope. Data and IV are base64; Key is the base64
// attribute key-wrap blob.
type Ciphertext struct {
	Data string `json:"data"`
	IV   string `json:"iv"`
	Key  string `json:"key"`
}

// EncryptedDataContainer is the stable wire and storage shape of an encrypted object.
type EncryptedDataContainer struct {
	DataID     string            `json:"dataId"`
	Ciphertext Ciphertext        `json:"ciphertext"`
	Algorithm  string            `json:"algorithm"`
	ABEPolicy  ABEPolicy         `json:"abePolicy"`
	Metadata   map[string]string `json:"metadata"`
	Signature  string            `json:"signature"`
	Version    int               `json:"version"`
}

// EmergencyContext references the grant a break-glass request relies on.
type EmergencyContext struct {
	GrantID string `json:"grant_id"`
}

// AccessContext is the input to an access decision.
type AccessContext struct {
	RequesterID         string            `json:"requester_id"`
	RequesterRole       Role              `json:"requester_role"`
	OrganizationID      string            `json:"organization_id"`
	PatientID           string            `json:"patient_id"`
	RequestedCategories []DataCategory    `json:"requested_categories"`
	EmergencyContext    *EmergencyContext `json:"emergency_context,omitempty"`
	Operation           AuditOperation    `json:"operation,omitempty"`
	IPAddress           string            `json:"ip_address,omitempty"`
	UserAgent           string            `json:"user_agent,omitempty"`
}

// AccessControlResult is the auditable outcome of an access decision.
type AccessControlResult struct {
	Granted              bool           `json:"granted"`
	AccessLevel          AccessLevel    `json:"access_level,omitempty"`
	AccessibleCategories []DataCategory `json:"accessible_categories"`
	DenialReason         string         `json:"denial_reason,omitempty"`
	EncryptionKeys       []string       `json:"encryption_keys"`
	ExpiresAt            *time.Time     `json:"expires_at,omitempty"`
	Tier                 string         `json:"tier,omitempty"`
}
