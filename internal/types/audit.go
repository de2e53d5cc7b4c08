package types

import "time"

// AuditOperation names the audited action.
type AuditOperation string

const (
	AuditAccessEvaluation AuditOperation = "access_evaluation"
	AuditEncrypt          AuditOperation = "encrypt"
	AuditDecrypt          AuditOperation = "decrypt"
	AuditReEncrypt        AuditOperation = "re_encrypt"
	AuditKeyGeneration    AuditOperation = "key_generation"
	AuditMigration        AuditOperation = "migration"
	AuditComputation      AuditOperation = "computation"
)

// AuditEntry is one append-only audit record.
type AuditEntry struct {
	ID                 string            `json:"id"`
	Operation          AuditOperation    `json:"operation"`
	UserID             string            `json:"userId"`
	PatientID          string            `json:"patientId,omitempty"`
	OrganizationID     string            `json:"organizationId"`
	DataCategories     []DataCategory    `json:"dataCategories"`
	AccessLevel        AccessLevel       `json:"accessLevel"`
	EncryptionContext  map[string]string `json:"encryptionContext"`
	Success            bool              `json:"success"`
	ErrorMessage       string            `json:"errorMessage,omitempty"`
	IPAddress          string            `json:"ipAddress"`
	UserAgent          string            `json:"userAgent"`
	CryptographicProof string            `json:"cryptographicProof"`
	Timestamp          time.Time         `json:"timestamp"`
}
