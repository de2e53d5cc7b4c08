// Package storetest holds the behavioral tests every store.Store must pass.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hengadev/medabe/internal/store"
	"github.com/hengadev/medabe/internal/types"
)

// Run exercises s against the store contract.
func Run(t *testing.T, newStore func(t *testing.T) store.Store) {
	t.Run("records", func(t *testing.T) { testRecords(t, newStore(t)) })
	t.Run("relationships", func(t *testing.T) { testRelationships(t, newStore(t)) })
	t.Run("jobs", func(t *testing.T) { testJobs(t, newStore(t)) })
	t.Run("audit", func(t *testing.T) { testAudit(t, newStore(t)) })
	t.Run("backups", func(t *testing.T) { testBackups(t, newStore(t)) })
}

var base = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func record(entity types.EntityType, id, org string, encrypted bool) *types.Record {
	r := &types.Record{
		ID:             id,
		Entity:         entity,
		OrganizationID: org,
		PatientID:      "p-" + id,
		Fields:         map[string]any{"notes": "n-" + id},
		CreatedAt:      base,
		UpdatedAt:      base,
	}
	if encrypted {
		r.Encryption = &types.EncryptionMetadata{EncryptedFields: []string{"notes"}, Version: 1, EncryptedAt: base}
	}
	return r
}

func testRecords(t *testing.T, s store.Store) {
	ctx := context.Background()

	_, err := s.GetRecord(ctx, types.EntityPatient, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, s.PutRecord(ctx, record(types.EntityPatient, "a", "o1", false)))
	require.NoError(t, s.PutRecord(ctx, record(types.EntityPatient, "b", "o1", true)))
	require.NoError(t, s.PutRecord(ctx, record(types.EntityPatient, "c", "o2", false)))
	require.NoError(t, s.PutRecord(ctx, record(types.EntitySymptomEntry, "a", "o1", false)))

	got, err := s.GetRecord(ctx, types.EntityPatient, "b")
	require.NoError(t, err)
	assert.True(t, got.IsEncrypted())
	assert.Equal(t, "n-b", got.Fields["notes"])

	got.Fields["notes"] = "mutated"
	again, err := s.GetRecord(ctx, types.EntityPatient, "b")
	require.NoError(t, err)
	assert.Equal(t, "n-b", again.Fields["notes"], "returned records are copies")

	tests := []struct {
		name   string
		filter store.RecordFilter
		ids    []string
	}{
		{"entity", store.RecordFilter{Entity: types.EntityPatient}, []string{"a", "b", "c"}},
		{"organization", store.RecordFilter{Entity: types.EntityPatient, OrganizationIDs: []string{"o2"}}, []string{"c"}},
		{"unencrypted", store.RecordFilter{Entity: types.EntityPatient, Encrypted: store.Bool(false)}, []string{"a", "c"}},
		{"patient", store.RecordFilter{Entity: types.EntityPatient, PatientID: "p-b"}, []string{"b"}},
		{"paged", store.RecordFilter{Entity: types.EntityPatient, Limit: 2, Offset: 1}, []string{"b", "c"}},
		{"past end", store.RecordFilter{Entity: types.EntityPatient, Limit: 2, Offset: 5}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			list, err := s.ListRecords(ctx, tt.filter)
			require.NoError(t, err)
			var ids []string
			for _, r := range list {
				ids = append(ids, r.ID)
			}
			assert.Equal(t, tt.ids, ids)
		})
	}

	n, err := s.CountRecords(ctx, store.RecordFilter{Entity: types.EntityPatient, Encrypted: store.Bool(false)})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	updated := record(types.EntityPatient, "a", "o1", true)
	require.NoError(t, s.PutRecord(ctx, updated))
	n, err = s.CountRecords(ctx, store.RecordFilter{Entity: types.EntityPatient, Encrypted: store.Bool(false)})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func testRelationships(t *testing.T, s store.Store) {
	ctx := context.Background()

	a := &types.CaregiverAssignment{ID: "as-1", PatientID: "p1", CaregiverID: "cg", OrganizationID: "o1",
		CaregiverType: types.CaregiverFamily, Status: types.StatusPending, StartDate: base}
	require.NoError(t, s.PutCaregiverAssignment(ctx, a))
	require.NoError(t, s.PutCaregiverAssignment(ctx, &types.CaregiverAssignment{ID: "as-2", PatientID: "p2", CaregiverID: "cg", StartDate: base}))

	found, err := s.FindCaregiverAssignments(ctx, "cg", "p1")
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, types.StatusPending, found[0].Status)

	all, err := s.FindCaregiverAssignments(ctx, "cg", "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	a.Status = types.StatusActive
	require.NoError(t, s.PutCaregiverAssignment(ctx, a))
	got, err := s.GetCaregiverAssignment(ctx, "as-1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusActive, got.Status)

	_, err = s.GetCaregiverAssignment(ctx, "none")
	assert.ErrorIs(t, err, store.ErrNotFound)

	g := &types.EmergencyAccessGrant{ID: "g1", PatientID: "p1", AccessType: types.EmergencyMedical,
		StartTime: base, EndTime: base.Add(time.Hour), IsActive: true}
	require.NoError(t, s.PutEmergencyGrant(ctx, g))
	gotGrant, err := s.GetEmergencyGrant(ctx, "g1")
	require.NoError(t, err)
	assert.True(t, gotGrant.EndTime.Equal(g.EndTime))
	_, err = s.GetEmergencyGrant(ctx, "none")
	assert.ErrorIs(t, err, store.ErrNotFound)

	k := &types.ProxyReEncryptionKey{ID: "k1", DelegatorID: "a", DelegateeID: "b",
		DataCategories: []types.DataCategory{types.CategoryMedications}, Status: types.StatusActive,
		ValidFrom: base, ValidUntil: base.Add(time.Hour), Token: "t"}
	require.NoError(t, s.PutProxyKey(ctx, k))
	gotKey, err := s.GetProxyKey(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, k.DataCategories, gotKey.DataCategories)
	assert.Equal(t, "t", gotKey.Token)
	_, err = s.GetProxyKey(ctx, "none")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testJobs(t *testing.T, s store.Store) {
	ctx := context.Background()

	cj := &types.ComputationJob{ID: "c1", Status: types.JobPending, CreatedAt: base,
		Request: types.ComputationRequest{Type: types.ComputationMean, RequesterID: "r"}}
	require.NoError(t, s.PutComputationJob(ctx, cj))
	cj.Status = types.JobCompleted
	cj.Result = &types.ComputationResult{Values: map[string]float64{"mean.tremor": 2.5}, RecordCount: 4}
	require.NoError(t, s.PutComputationJob(ctx, cj))

	got, err := s.GetComputationJob(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, types.JobCompleted, got.Status)
	assert.InDelta(t, 2.5, got.Result.Values["mean.tremor"], 1e-9)
	_, err = s.GetComputationJob(ctx, "none")
	assert.ErrorIs(t, err, store.ErrNotFound)

	m1 := &types.MigrationJob{ID: "m1", Status: types.JobCompleted, StartedAt: base}
	m2 := &types.MigrationJob{ID: "m2", Status: types.JobRunning, StartedAt: base.Add(time.Minute), Errors: []string{"x"}}
	require.NoError(t, s.PutMigrationJob(ctx, m2))
	require.NoError(t, s.PutMigrationJob(ctx, m1))

	jobs, err := s.ListMigrationJobs(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, "m1", jobs[0].ID)
	assert.Equal(t, []string{"x"}, jobs[1].Errors)

	_, err = s.GetMigrationJob(ctx, "none")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testAudit(t *testing.T, s store.Store) {
	ctx := context.Background()
	for i, user := range []string{"u1", "u2", "u1"} {
		require.NoError(t, s.AppendAudit(ctx, &types.AuditEntry{
			ID:        string(rune('a' + i)),
			Operation: types.AuditAccessEvaluation,
			UserID:    user,
			Timestamp: base.Add(time.Duration(i) * time.Second),
		}))
	}

	all, err := s.ListAuditEntries(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "a", all[0].ID)
	assert.Equal(t, "c", all[2].ID)

	mine, err := s.ListAuditEntries(ctx, "u1", 1)
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, "c", mine[0].ID)
}

func testBackups(t *testing.T, s store.Store) {
	ctx := context.Background()

	_, err := s.LoadBackup(ctx, "m1")
	assert.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, s.SaveBackup(ctx, "m1", []*types.Record{record(types.EntityPatient, "a", "o1", false)}))
	require.NoError(t, s.SaveBackup(ctx, "m1", []*types.Record{record(types.EntityUser, "u", "o1", false)}))
	require.NoError(t, s.SaveBackup(ctx, "m2", []*types.Record{record(types.EntityPatient, "z", "o1", false)}))

	got, err := s.LoadBackup(ctx, "m1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.False(t, got[0].IsEncrypted())
}
