package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/hengadev/medabe/internal/types"
)

// Memory is an in-process Store. Values are copied on the way in and out.
type Memory struct {
	mu          sync.RWMutex
	records     map[types.EntityType]map[string]*types.Record
	assignments map[string]types.CaregiverAssignment
	grants      map[string]types.EmergencyAccessGrant
	proxyKeys   map[string]types.ProxyReEncryptionKey
	computation map[string]types.ComputationJob
	migrations  map[string]types.MigrationJob
	audit       []types.AuditEntry
	backups     map[string][]*types.Record
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		records:     make(map[types.EntityType]map[string]*types.Record),
		assignments: make(map[string]types.CaregiverAssignment),
		grants:      make(map[string]types.EmergencyAccessGrant),
		proxyKeys:   make(map[string]types.ProxyReEncryptionKey),
		computation: make(map[string]types.ComputationJob),
		migrations:  make(map[string]types.MigrationJob),
		backups:     make(map[string][]*types.Record),
	}
}

func (m *Memory) GetRecord(_ context.Context, entity types.EntityType, id string) (*types.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.records[entity][id]
	if !ok {
		return nil, fmt.Errorf("%s '%s': %w", entity, id, ErrNotFound)
	}
	return r.Clone(), nil
}

func (m *Memory) PutRecord(_ context.Context, r *types.Record) error {
	if r == nil || r.ID == "" || r.Entity == "" {
		return fmt.Errorf("record needs an id and entity")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	byID, ok := m.records[r.Entity]
	if !ok {
		byID = make(map[string]*types.Record)
		m.records[r.Entity] = byID
	}
	byID[r.ID] = r.Clone()
	return nil
}

func (m *Memory) matching(f RecordFilter) []*types.Record {
	var out []*types.Record
	for entity, byID := range m.records {
		if f.Entity != "" && entity != f.Entity {
			continue
		}
		for _, r := range byID {
			if f.Matches(r) {
				out = append(out, r)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Entity != out[j].Entity {
			return out[i].Entity < out[j].Entity
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (m *Memory) ListRecords(_ context.Context, f RecordFilter) ([]*types.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	all := m.matching(f)
	if f.Offset >= len(all) {
		return nil, nil
	}
	all = all[f.Offset:]
	if f.Limit > 0 && f.Limit < len(all) {
		all = all[:f.Limit]
	}
	out := make([]*types.Record, len(all))
	for i, r := range all {
		out[i] = r.Clone()
	}
	return out, nil
}

func (m *Memory) CountRecords(_ context.Context, f RecordFilter) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.matching(f)), nil
}

func (m *Memory) GetCaregiverAssignment(_ context.Context, id string) (*types.CaregiverAssignment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.assignments[id]
	if !ok {
		return nil, fmt.Errorf("caregiver assignment '%s': %w", id, ErrNotFound)
	}
	return &a, nil
}

func (m *Memory) FindCaregiverAssignments(_ context.Context, caregiverID, patientID string) ([]*types.CaregiverAssignment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*types.CaregiverAssignment
	for _, a := range m.assignments {
		if a.CaregiverID == caregiverID && (patientID == "" || a.PatientID == patientID) {
			a := a
			out = append(out, &a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) PutCaregiverAssignment(_ context.Context, a *types.CaregiverAssignment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.assignments[a.ID] = *a
	return nil
}

func (m *Memory) GetEmergencyGrant(_ context.Context, id string) (*types.EmergencyAccessGrant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	g, ok := m.grants[id]
	if !ok {
		return nil, fmt.Errorf("emergency grant '%s': %w", id, ErrNotFound)
	}
	return &g, nil
}

func (m *Memory) PutEmergencyGrant(_ context.Context, g *types.EmergencyAccessGrant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.grants[g.ID] = *g
	return nil
}

func (m *Memory) GetProxyKey(_ context.Context, id string) (*types.ProxyReEncryptionKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	k, ok := m.proxyKeys[id]
	if !ok {
		return nil, fmt.Errorf("proxy key '%s': %w", id, ErrNotFound)
	}
	k.DataCategories = append([]types.DataCategory(nil), k.DataCategories...)
	return &k, nil
}

func (m *Memory) PutProxyKey(_ context.Context, k *types.ProxyReEncryptionKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *k
	cp.DataCategories = append([]types.DataCategory(nil), k.DataCategories...)
	m.proxyKeys[k.ID] = cp
	return nil
}

func (m *Memory) GetComputationJob(_ context.Context, id string) (*types.ComputationJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, ok := m.computation[id]
	if !ok {
		return nil, fmt.Errorf("computation job '%s': %w", id, ErrNotFound)
	}
	return &j, nil
}

func (m *Memory) PutComputationJob(_ context.Context, j *types.ComputationJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.computation[j.ID] = *j
	return nil
}

func (m *Memory) GetMigrationJob(_ context.Context, id string) (*types.MigrationJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, ok := m.migrations[id]
	if !ok {
		return nil, fmt.Errorf("migration job '%s': %w", id, ErrNotFound)
	}
	j.Errors = append([]string(nil), j.Errors...)
	return &j, nil
}

func (m *Memory) PutMigrationJob(_ context.Context, j *types.MigrationJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *j
	cp.Errors = append([]string(nil), j.Errors...)
	m.migrations[j.ID] = cp
	return nil
}

func (m *Memory) ListMigrationJobs(_ context.Context) ([]*types.MigrationJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*types.MigrationJob, 0, len(m.migrations))
	for _, j := range m.migrations {
		j := j
		out = append(out, &j)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].StartedAt.Before(out[k].StartedAt) })
	return out, nil
}

func (m *Memory) AppendAudit(_ context.Context, e *types.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audit = append(m.audit, *e)
	return nil
}

func (m *Memory) ListAuditEntries(_ context.Context, userID string, limit int) ([]*types.AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*types.AuditEntry
	for i := range m.audit {
		if userID == "" || m.audit[i].UserID == userID {
			e := m.audit[i]
			out = append(out, &e)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (m *Memory) SaveBackup(_ context.Context, migrationID string, records []*types.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range records {
		m.backups[migrationID] = append(m.backups[migrationID], r.Clone())
	}
	return nil
}

func (m *Memory) LoadBackup(_ context.Context, migrationID string) ([]*types.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	saved, ok := m.backups[migrationID]
	if !ok {
		return nil, fmt.Errorf("backup for migration '%s': %w", migrationID, ErrNotFound)
	}
	out := make([]*types.Record, len(saved))
	for i, r := range saved {
		out[i] = r.Clone()
	}
	return out, nil
}
