package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAccessLevelDominates(t *testing.T) {
	tests := []struct {
		name     string
		level    AccessLevel
		other    AccessLevel
		expected bool
	}{
		{"patient full over professional", AccessPatientFull, AccessCaregiverProfessional, true},
		{"professional over emergency", AccessCaregiverProfessional, AccessEmergency, true},
		{"emergency over family", AccessEmergency, AccessCaregiverFamily, true},
		{"family under emergency", AccessCaregiverFamily, AccessEmergency, false},
		{"same level", AccessEmergency, AccessEmergency, true},
		{"unknown level", AccessLevel("root"), AccessCaregiverFamily, false},
		{"unknown other", AccessPatientFull, AccessLevel("root"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.level.Dominates(tt.other))
		})
	}
}

func TestAccessLevelImplied(t *testing.T) {
	assert.Equal(t, []AccessLevel{AccessCaregiverProfessional, AccessEmergency, AccessCaregiverFamily},
		AccessCaregiverProfessional.Implied())
	assert.Equal(t, []AccessLevel{AccessCaregiverFamily}, AccessCaregiverFamily.Implied())
	assert.Empty(t, AccessLevel("").Implied())
}

func TestRoleClassification(t *testing.T) {
	assert.True(t, RoleFamilyCaregiver.IsCaregiver())
	assert.False(t, RoleClinicAdmin.IsCaregiver())
	assert.True(t, RoleSuperAdmin.IsAdmin())
	assert.False(t, Role("auditor").Valid())
	assert.False(t, DataCategory("genome").Valid())
	assert.True(t, CategoryEmergencyContacts.Valid())
}

func TestRecordClone(t *testing.T) {
	rec := &Record{
		ID:     "p1",
		Entity: EntityPatient,
		Fields: map[string]any{"first_name": "Ada"},
		Encryption: &EncryptionMetadata{
			EncryptedFields: []string{"first_name"},
		},
	}
	clone := rec.Clone()
	clone.Fields["first_name"] = "changed"
	clone.Encryption.EncryptedFields[0] = "changed"

	assert.Equal(t, "Ada", rec.Fields["first_name"])
	assert.Equal(t, "first_name", rec.Encryption.EncryptedFields[0])
	assert.True(t, clone.IsEncrypted())
	assert.Nil(t, (*Record)(nil).Clone())
	assert.False(t, (*Record)(nil).IsEncrypted())
}

func TestPatientFromRecord(t *testing.T) {
	tests := []struct {
		name  string
		value any
		want  *time.Time
	}{
		{"date only", "2019-04-01", ptr(time.Date(2019, 4, 1, 0, 0, 0, 0, time.UTC))},
		{"rfc3339", "2019-04-01T10:00:00Z", ptr(time.Date(2019, 4, 1, 10, 0, 0, 0, time.UTC))},
		{"time value", time.Date(2020, 1, 2, 0, 0, 0, 0, time.UTC), ptr(time.Date(2020, 1, 2, 0, 0, 0, 0, time.UTC))},
		{"garbage", "last spring", nil},
		{"missing", nil, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &Record{ID: "p1", UserID: "u1", OrganizationID: "o1", Fields: map[string]any{}}
			if tt.value != nil {
				rec.Fields[FieldDiagnosisDate] = tt.value
			}
			p := PatientFromRecord(rec)
			assert.Equal(t, "u1", p.UserID)
			if tt.want == nil {
				assert.Nil(t, p.DiagnosisDate)
				return
			}
			require.NotNil(t, p.DiagnosisDate)
			assert.True(t, tt.want.Equal(*p.DiagnosisDate))
		})
	}
}

func TestJobStatusTerminal(t *testing.T) {
	for _, s := range []JobStatus{JobCompleted, JobFailed, JobCancelled, JobRolledBack} {
		assert.True(t, s.Terminal(), s)
	}
	assert.False(t, JobRunning.Terminal())
	assert.False(t, JobPending.Terminal())
}

func ptr(t time.Time) *time.Time { return &t }
