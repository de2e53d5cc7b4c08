package audit

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/hengadev/medabe/internal/keys"
	"github.com/hengadev/medabe/internal/monitoring"
	"github.com/hengadev/medabe/internal/store"
	"github.com/hengadev/medabe/internal/types"
)

type mockSink struct {
	mock.Mock
}

func (m *mockSink) AppendAudit(ctx context.Context, e *types.AuditEntry) error {
	return m.Called(ctx, e).Error(0)
}

func newMaster(t *testing.T) *keys.MasterAuthority {
	t.Helper()
	m, err := keys.NewMasterAuthority(bytes.Repeat([]byte{7}, 32))
	require.NoError(t, err)
	return m
}

func TestRecorder_RecordAndVerify(t *testing.T) {
	master := newMaster(t)
	sink := store.NewMemory()
	now := time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC)
	r := NewRecorder(sink, master, WithClock(func() time.Time { return now }))

	actx := &types.AccessContext{
		RequesterID:         "u1",
		RequesterRole:       types.RolePatient,
		OrganizationID:      "o1",
		PatientID:           "p1",
		RequestedCategories: []types.DataCategory{types.CategoryMedications},
		IPAddress:           "10.0.0.1",
	}
	result := &types.AccessControlResult{
		Granted:              true,
		AccessLevel:          types.AccessPatientFull,
		AccessibleCategories: []types.DataCategory{types.CategoryMedications},
		Tier:                 "patient_self",
	}
	entry := FromAccess(actx, result)
	require.NoError(t, r.Record(context.Background(), entry))

	assert.NotEmpty(t, entry.ID)
	assert.Equal(t, now, entry.Timestamp)
	assert.True(t, Verify(master.PublicKey(), entry))

	stored, err := sink.ListAuditEntries(context.Background(), "u1", 0)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.True(t, Verify(master.PublicKey(), stored[0]))
	assert.Equal(t, types.AuditAccessEvaluation, stored[0].Operation)
	assert.Equal(t, "patient_self", stored[0].EncryptionContext["tier"])

	tampered := *stored[0]
	tampered.Success = false
	assert.False(t, Verify(master.PublicKey(), &tampered))

	other, err := keys.GenerateMasterAuthority()
	require.NoError(t, err)
	assert.False(t, Verify(other.PublicKey(), stored[0]))
	assert.False(t, Verify(nil, stored[0]))
}

func TestRecorder_SinkFailureIsReturned(t *testing.T) {
	sink := &mockSink{}
	sink.On("AppendAudit", mock.Anything, mock.Anything).Return(errors.New("disk full"))
	metrics := monitoring.NewInMemoryMetricsCollector()
	r := NewRecorder(sink, newMaster(t), WithMetrics(metrics))

	err := r.Record(context.Background(), &types.AuditEntry{Operation: types.AuditDecrypt, UserID: "u"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.Equal(t, int64(1), metrics.GetCounter(monitoring.MetricAuditFailures, map[string]string{"operation": "decrypt"}))
	sink.AssertExpectations(t)
}

func TestFromAccess_Denied(t *testing.T) {
	actx := &types.AccessContext{
		RequesterID:         "cg",
		RequesterRole:       types.RoleFamilyCaregiver,
		RequestedCategories: []types.DataCategory{types.CategoryMedications},
		EmergencyContext:    &types.EmergencyContext{GrantID: "g1"},
	}
	e := FromAccess(actx, &types.AccessControlResult{DenialReason: "expired"})
	assert.False(t, e.Success)
	assert.Equal(t, "expired", e.ErrorMessage)
	assert.Equal(t, []types.DataCategory{types.CategoryMedications}, e.DataCategories)
	assert.Equal(t, "g1", e.EncryptionContext["emergencyGrantId"])
}
