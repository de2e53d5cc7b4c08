package access

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hengadev/medabe/internal/abeerr"
	"github.com/hengadev/medabe/internal/keys"
	"github.com/hengadev/medabe/internal/types"
)

func TestKeyAttributes(t *testing.T) {
	m := DefaultMatrix()

	t.Run("family caregiver", func(t *testing.T) {
		attrs, err := m.KeyAttributes("fam", "o1", types.RoleFamilyCaregiver, []string{"p1"})
		require.NoError(t, err)
		assert.Contains(t, attrs, "access:caregiver_family")
		assert.NotContains(t, attrs, "access:emergency")
		assert.NotContains(t, attrs, "data:medications")
		assert.Contains(t, attrs, "patient:p1")
		assert.Contains(t, attrs, "assigned:p1")
	})

	t.Run("professional dominates lower levels", func(t *testing.T) {
		attrs, err := m.KeyAttributes("cg", "o1", types.RoleProfessionalCaregiver, nil)
		require.NoError(t, err)
		assert.Contains(t, attrs, "access:caregiver_professional")
		assert.Contains(t, attrs, "access:emergency")
		assert.Contains(t, attrs, "access:caregiver_family")
		assert.NotContains(t, attrs, "access:patient_full")
		assert.Contains(t, attrs, "data:medications")
	})

	t.Run("patient owns self", func(t *testing.T) {
		attrs, err := m.KeyAttributes("p1", "o1", types.RolePatient, nil)
		require.NoError(t, err)
		assert.Contains(t, attrs, "patient:p1")
		assert.Contains(t, attrs, "role:patient")
		assert.Contains(t, attrs, "access:patient_full")
	})

	t.Run("unknown role", func(t *testing.T) {
		_, err := m.KeyAttributes("x", "o1", "wizard", nil)
		assert.ErrorIs(t, err, abeerr.ErrInvalidConfiguration)
	})
}

func TestIssueEmergencyKey(t *testing.T) {
	f := newFixture(t)
	h := keys.NewHierarchy(f.master)
	g := &types.EmergencyAccessGrant{
		ID: "g1", PatientID: "p1", RequesterID: "doc", OrganizationID: "o1", AccessType: types.EmergencyMedical,
		StartTime: testNow.Add(-time.Minute), EndTime: testNow.Add(time.Hour), IsActive: true,
	}

	key, err := f.engine.IssueEmergencyKey(h, g)
	require.NoError(t, err)
	assert.True(t, key.HasAttribute("emergency:g1"))
	assert.True(t, key.HasAttribute("data:medications"))
	assert.False(t, key.HasAttribute("data:daily_activities"))

	f.now = testNow.Add(2 * time.Hour)
	_, err = f.engine.IssueEmergencyKey(h, g)
	assert.True(t, abeerr.IsAccessError(err))
}

func TestPatientKeyNamesOwnedRecords(t *testing.T) {
	f := newFixture(t)
	h := keys.NewHierarchy(f.master)
	ctx := context.Background()
	require.NoError(t, f.store.PutRecord(ctx, &types.Record{
		ID: "other-org", Entity: types.EntityPatient, OrganizationID: "o2", UserID: "u-p1", Fields: map[string]any{},
	}))

	key, err := f.engine.GenerateUserSecretKey(ctx, h, "u-p1", "o1", types.RolePatient, nil)
	require.NoError(t, err)
	assert.True(t, key.HasAttribute(types.PatientAttribute("p1")), "record owned through user id")
	assert.True(t, key.HasAttribute(types.PatientAttribute("u-p1")))
	assert.False(t, key.HasAttribute(types.PatientAttribute("other-org")))

	cg, err := f.engine.GenerateUserSecretKey(ctx, h, "u-p1", "o1", types.RoleProfessionalCaregiver, nil)
	require.NoError(t, err)
	assert.False(t, cg.HasAttribute(types.PatientAttribute("p1")), "only patient keys follow ownership")
}
