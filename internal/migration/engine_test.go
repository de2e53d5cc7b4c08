package migration

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hengadev/medabe/internal/abeerr"
	"github.com/hengadev/medabe/internal/access"
	"github.com/hengadev/medabe/internal/container"
	"github.com/hengadev/medabe/internal/crypto"
	"github.com/hengadev/medabe/internal/fieldenc"
	"github.com/hengadev/medabe/internal/keys"
	"github.com/hengadev/medabe/internal/monitoring"
	"github.com/hengadev/medabe/internal/store"
	"github.com/hengadev/medabe/internal/types"
)

var testNow = time.Date(2026, 7, 1, 8, 0, 0, 0, time.UTC)

// gatedStore blocks the first paged listing until released.
type gatedStore struct {
	*store.Memory
	once    sync.Once
	reached chan struct{}
	release chan struct{}
}

func (g *gatedStore) ListRecords(ctx context.Context, f store.RecordFilter) ([]*types.Record, error) {
	if f.Limit > 0 {
		g.once.Do(func() {
			close(g.reached)
			<-g.release
		})
	}
	return g.Memory.ListRecords(ctx, f)
}

type fixture struct {
	mem       *store.Memory
	hierarchy *keys.Hierarchy
	mw        *fieldenc.Middleware
	metrics   *monitoring.InMemoryMetricsCollector
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	master, err := keys.NewMasterAuthority(bytes.Repeat([]byte{5}, 32))
	require.NoError(t, err)
	h := keys.NewHierarchy(master)
	clock := func() time.Time { return testNow }
	codec := container.NewCodec(h, container.WithClock(clock))
	f := &fixture{
		mem:       store.NewMemory(),
		hierarchy: h,
		mw:        fieldenc.New(codec, nil, fieldenc.WithClock(clock)),
		metrics:   monitoring.NewInMemoryMetricsCollector(),
	}
	f.seed(t)
	return f
}

func (f *fixture) seed(t *testing.T) {
	t.Helper()
	recs := []*types.Record{
		{ID: "p1", Entity: types.EntityPatient, OrganizationID: "o1", UserID: "p1", Fields: map[string]any{
			"first_name":             "Ada",
			"medications":            []any{"levodopa"},
			types.FieldDiagnosisDate: "2019-04-01",
		}},
		{ID: "p2", Entity: types.EntityPatient, OrganizationID: "o1", UserID: "p2", Fields: map[string]any{"first_name": "Grace"}},
		{ID: "p3", Entity: types.EntityPatient, OrganizationID: "o2", UserID: "p3", Fields: map[string]any{"first_name": "Edsger"}},
		{ID: "pbad", Entity: types.EntityPatient, OrganizationID: "o1", Fields: map[string]any{"first_name": map[string]any{"nested": true}}},
		{ID: "s1", Entity: types.EntitySymptomEntry, OrganizationID: "o1", PatientID: "p1", Fields: map[string]any{
			"motor_symptoms": map[string]any{"tremor_severity": 3.0},
		}},
		{ID: "u1", Entity: types.EntityUser, OrganizationID: "o1", Fields: map[string]any{"email": "u1@example.org"}},
	}
	for _, r := range recs {
		require.NoError(t, f.mem.PutRecord(context.Background(), r))
	}
}

func (f *fixture) engine(records store.RecordStore) *Engine {
	return NewEngine(records, f.mem, f.mem, f.mw,
		WithClock(func() time.Time { return testNow }),
		WithMetrics(f.metrics),
	)
}

func (f *fixture) readPatient(t *testing.T, id string) *types.Record {
	t.Helper()
	attrs, err := access.DefaultMatrix().KeyAttributes(id, "o1", types.RolePatient, nil)
	require.NoError(t, err)
	key, err := f.hierarchy.DeriveUserSecretKey(id, "o1", attrs)
	require.NoError(t, err)
	raw, err := f.mem.GetRecord(context.Background(), types.EntityPatient, id)
	require.NoError(t, err)
	out, err := f.mw.DecryptRecord(fieldenc.WithReader(context.Background(), fieldenc.Reader{Key: key}), raw)
	require.NoError(t, err)
	return out
}

func run(t *testing.T, e *Engine, cfg types.MigrationConfig) *types.MigrationJob {
	t.Helper()
	id, err := e.StartMigration(context.Background(), cfg)
	require.NoError(t, err)
	e.Wait()
	job, err := e.GetMigrationStatus(context.Background(), id)
	require.NoError(t, err)
	return job
}

func TestMigrationEncryptsAndIsIdempotent(t *testing.T) {
	f := newFixture(t)
	e := f.engine(f.mem)

	first := run(t, e, types.MigrationConfig{BatchSize: 2})
	assert.Equal(t, types.JobCompleted, first.Status)
	assert.Equal(t, types.StageFinalize, first.Stage)
	assert.Equal(t, types.MigrationCounts{
		TotalRecords:     6,
		EligibleRecords:  6,
		ProcessedRecords: 6,
		EncryptedRecords: 5,
		FailedRecords:    1,
	}, first.Counts)
	assert.Equal(t, 1, first.RemainingUnencrypted)
	require.Len(t, first.Errors, 1)
	assert.Contains(t, first.Errors[0], "pbad")
	require.NotNil(t, first.CompletedAt)

	stored, err := f.mem.GetRecord(context.Background(), types.EntityPatient, "p1")
	require.NoError(t, err)
	require.True(t, stored.IsEncrypted())
	assert.Equal(t, first.ID, stored.Encryption.MigrationID)
	preimage, err := json.Marshal(map[string]any{
		"first_name":             "Ada",
		"medications":            []any{"levodopa"},
		types.FieldDiagnosisDate: "2019-04-01",
	})
	require.NoError(t, err)
	assert.Equal(t, crypto.ContentHash(preimage), stored.Encryption.ContentHash)
	assert.Equal(t, WriterLevel, stored.Encryption.AccessLevel)
	assert.Equal(t, "2019-04-01", stored.Fields[types.FieldDiagnosisDate])

	got := f.readPatient(t, "p1")
	assert.Equal(t, "Ada", got.Fields["first_name"])
	assert.Equal(t, []any{"levodopa"}, got.Fields["medications"])

	second := run(t, e, types.MigrationConfig{})
	assert.Equal(t, types.JobCompleted, second.Status)
	assert.Equal(t, 0, second.Counts.EncryptedRecords)
	assert.Equal(t, 5, second.Counts.SkippedRecords)
	assert.Equal(t, 1, second.Counts.FailedRecords)

	assert.Equal(t, int64(5), f.metrics.GetCounter(monitoring.MetricMigrationRecords, map[string]string{
		"entity": string(types.EntityPatient), "outcome": "skipped",
	})+f.metrics.GetCounter(monitoring.MetricMigrationRecords, map[string]string{
		"entity": string(types.EntitySymptomEntry), "outcome": "skipped",
	})+f.metrics.GetCounter(monitoring.MetricMigrationRecords, map[string]string{
		"entity": string(types.EntityUser), "outcome": "skipped",
	}))
	assert.Equal(t, int64(2), f.metrics.GetCounter(monitoring.MetricJobTransitions, map[string]string{
		"kind": jobKind, "status": string(types.JobCompleted),
	}))

	jobs, err := e.ListMigrations(context.Background())
	require.NoError(t, err)
	assert.Len(t, jobs, 2)
}

func TestMigrationScope(t *testing.T) {
	t.Run("organization filter", func(t *testing.T) {
		f := newFixture(t)
		job := run(t, f.engine(f.mem), types.MigrationConfig{OrganizationIDs: []string{"o2"}})
		assert.Equal(t, 1, job.Counts.TotalRecords)
		assert.Equal(t, 1, job.Counts.EncryptedRecords)
		assert.Equal(t, 0, job.RemainingUnencrypted)

		p1, err := f.mem.GetRecord(context.Background(), types.EntityPatient, "p1")
		require.NoError(t, err)
		assert.False(t, p1.IsEncrypted())
	})

	t.Run("category filter", func(t *testing.T) {
		f := newFixture(t)
		job := run(t, f.engine(f.mem), types.MigrationConfig{DataCategories: []types.DataCategory{types.CategoryDemographics}})
		assert.Equal(t, types.JobCompleted, job.Status)

		p1, err := f.mem.GetRecord(context.Background(), types.EntityPatient, "p1")
		require.NoError(t, err)
		require.True(t, p1.IsEncrypted())
		assert.Equal(t, []string{"first_name"}, p1.Encryption.EncryptedFields)
		assert.Equal(t, []any{"levodopa"}, p1.Fields["medications"])
	})

	t.Run("dry run", func(t *testing.T) {
		f := newFixture(t)
		job := run(t, f.engine(f.mem), types.MigrationConfig{DryRun: true, CreateBackup: true})
		assert.Equal(t, types.JobCompleted, job.Status)
		assert.Equal(t, 6, job.Counts.EligibleRecords)
		assert.Equal(t, 0, job.Counts.EncryptedRecords)
		assert.False(t, job.BackupCreated)

		n, err := f.mem.CountRecords(context.Background(), store.RecordFilter{Encrypted: store.Bool(true)})
		require.NoError(t, err)
		assert.Zero(t, n)
	})
}

func TestStartMigrationRejectsInvalidConfig(t *testing.T) {
	tests := []struct {
		name string
		cfg  types.MigrationConfig
	}{
		{"negative batch", types.MigrationConfig{BatchSize: -1}},
		{"huge batch", types.MigrationConfig{BatchSize: MaxBatchSize + 1}},
		{"too much concurrency", types.MigrationConfig{Concurrency: MaxConcurrency + 1}},
		{"unknown category", types.MigrationConfig{DataCategories: []types.DataCategory{"genome"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			_, err := f.engine(f.mem).StartMigration(context.Background(), tt.cfg)
			assert.ErrorIs(t, err, abeerr.ErrInvalidConfiguration)
		})
	}
}

func TestNormalizeDefaults(t *testing.T) {
	cfg, err := Normalize(types.MigrationConfig{})
	require.NoError(t, err)
	assert.Equal(t, DefaultBatchSize, cfg.BatchSize)
	assert.Equal(t, DefaultConcurrency, cfg.Concurrency)
}

func TestCancelMigration(t *testing.T) {
	f := newFixture(t)
	gs := &gatedStore{Memory: f.mem, reached: make(chan struct{}), release: make(chan struct{})}
	e := f.engine(gs)
	ctx := context.Background()

	id, err := e.StartMigration(ctx, types.MigrationConfig{BatchSize: 1, Concurrency: 1})
	require.NoError(t, err)
	<-gs.reached

	_, err = e.StartMigration(ctx, types.MigrationConfig{})
	assert.ErrorIs(t, err, abeerr.ErrMigrationAlreadyRunning)
	_, err = e.RollbackMigration(ctx, id)
	assert.ErrorIs(t, err, abeerr.ErrMigrationAlreadyRunning)

	require.NoError(t, e.CancelMigration(ctx, id))
	require.NoError(t, e.CancelMigration(ctx, id))
	close(gs.release)
	e.Wait()

	job, err := e.GetMigrationStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.JobCancelled, job.Status)
	assert.Equal(t, 1, job.Counts.EncryptedRecords)
	assert.Equal(t, 1, job.Counts.ProcessedRecords)

	n, err := f.mem.CountRecords(ctx, store.RecordFilter{Encrypted: store.Bool(true)})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	done := run(t, e, types.MigrationConfig{})
	assert.ErrorIs(t, e.CancelMigration(ctx, done.ID), abeerr.ErrJobFinished)
	assert.ErrorIs(t, e.CancelMigration(ctx, "missing"), abeerr.ErrJobNotFound)
}

func TestRollbackMigration(t *testing.T) {
	f := newFixture(t)
	e := f.engine(f.mem)
	ctx := context.Background()

	job := run(t, e, types.MigrationConfig{CreateBackup: true})
	require.Equal(t, types.JobCompleted, job.Status)
	assert.True(t, job.BackupCreated)
	assert.Equal(t, 6, job.BackupRecords)

	// p2 re-encrypted by someone else after the migration
	p2, err := f.mem.GetRecord(ctx, types.EntityPatient, "p2")
	require.NoError(t, err)
	p2.Encryption.MigrationID = ""
	require.NoError(t, f.mem.PutRecord(ctx, p2))

	rolled, err := e.RollbackMigration(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobRolledBack, rolled.Status)
	assert.Equal(t, types.StageRollback, rolled.Stage)

	p1, err := f.mem.GetRecord(ctx, types.EntityPatient, "p1")
	require.NoError(t, err)
	assert.False(t, p1.IsEncrypted())
	assert.Equal(t, "Ada", p1.Fields["first_name"])

	p2, err = f.mem.GetRecord(ctx, types.EntityPatient, "p2")
	require.NoError(t, err)
	assert.True(t, p2.IsEncrypted())

	_, err = e.RollbackMigration(ctx, job.ID)
	assert.ErrorIs(t, err, abeerr.ErrJobFinished)
}

func TestRollbackUnsupported(t *testing.T) {
	tests := []struct {
		name string
		cfg  types.MigrationConfig
	}{
		{"no backup", types.MigrationConfig{}},
		{"dry run", types.MigrationConfig{DryRun: true, CreateBackup: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			e := f.engine(f.mem)
			job := run(t, e, tt.cfg)
			_, err := e.RollbackMigration(context.Background(), job.ID)
			assert.ErrorIs(t, err, abeerr.ErrRollbackUnsupported)
		})
	}
}

func TestGetMigrationStatusNotFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine(f.mem).GetMigrationStatus(context.Background(), "nope")
	assert.ErrorIs(t, err, abeerr.ErrJobNotFound)
}
