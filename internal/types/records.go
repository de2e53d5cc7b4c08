package types

import "time"

// EntityType names a persisted entity the field middleware and migration engine operate on.
type EntityType string

const (
	EntityPatient      EntityType = "patients"
	EntitySymptomEntry EntityType = "symptom_entries"
	EntityUser         EntityType = "users"
)

// MigrationEntities is the order in which the migration engine walks entity types.
func MigrationEntities() []EntityType {
	return []EntityType{EntityPatient, EntitySymptomEntry, EntityUser}
}

// Record is a persisted row. Plain columns (ids, organization, timestamps) stay
// queryable; Fields carries the payload the field middleware may encrypt.
type Record struct {
	ID             string              `json:"id"`
	Entity         EntityType          `json:"entity"`
	OrganizationID string              `json:"organization_id"`
	PatientID      string              `json:"patient_id,omitempty"`
	UserID         string              `json:"user_id,omitempty"`
	Fields         map[string]any      `json:"fields"`
	Encryption     *EncryptionMetadata `json:"encryption,omitempty"`
	CreatedAt      time.Time           `json:"created_at"`
	UpdatedAt      time.Time           `json:"updated_at"`
}

// IsEncrypted reports whether the record carries encryption metadata.
func (r *Record) IsEncrypted() bool {
	return r != nil && r.Encryption != nil
}

// Clone returns a deep enough copy for pre-images and store isolation.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	out := *r
	out.Fields = make(map[string]any, len(r.Fields))
	for k, v := range r.Fields {
		out.Fields[k] = v
	}
	if r.Encryption != nil {
		meta := *r.Encryption
		meta.EncryptedFields = append([]string(nil), r.Encryption.EncryptedFields...)
		out.Encryption = &meta
	}
	return &out
}

// EncryptionMetadata marks a record as encrypted and records how.
type EncryptionMetadata struct {
	EncryptedFields []string    `json:"encrypted_fields"`
	AccessLevel     AccessLevel `json:"access_level"`
	ContentHash     string      `json:"content_hash,omitempty"`
	MigrationID     string      `json:"migration_id,omitempty"`
	EncryptedAt     time.Time   `json:"encrypted_at"`
	Version         int         `json:"version"`
}

// Patient is the access-relevant projection of a patient record.
type Patient struct {
	ID             string
	UserID         string
	OrganizationID string
	DiagnosisDate  *time.Time
}

// Patient field names that stay in plaintext so cohorts can be selected.
const (
	FieldDiagnosisDate = "diagnosis_date"
)

// PatientFromRecord projects a patient record.
func PatientFromRecord(r *Record) *Patient {
	p := &Patient{
		ID:             r.ID,
		UserID:         r.UserID,
		OrganizationID: r.OrganizationID,
	}
	if raw, ok := r.Fields[FieldDiagnosisDate]; ok {
		switch v := raw.(type) {
		case time.Time:
			p.DiagnosisDate = &v
		case string:
			if t, err := time.Parse(time.RFC3339, v); err == nil {
				p.DiagnosisDate = &t
			} else if t, err := time.Parse(time.DateOnly, v); err == nil {
				p.DiagnosisDate = &t
			}
		}
	}
	return p
}
