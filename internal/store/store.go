// Package store defines the repository contracts the engines consume.
package store

import (
	"context"
	"errors"

	"github.com/hengadev/medabe/internal/types"
)

// ErrNotFound is returned when an entity does not exist.
var ErrNotFound = errors.New("not found")

// RecordFilter selects records. Results are ordered by ID.
type RecordFilter struct {
	Entity          types.EntityType
	OrganizationIDs []string
	PatientID       string
	// Encrypted, when set, keeps only records whose encryption flag matches.
	Encrypted *bool
	Limit     int
	Offset    int
}

// Matches reports whether r passes every filter criterion except pagination.
func (f RecordFilter) Matches(r *types.Record) bool {
	if f.Entity != "" && r.Entity != f.Entity {
		return false
	}
	if len(f.OrganizationIDs) > 0 {
		found := false
		for _, id := range f.OrganizationIDs {
			if r.OrganizationID == id {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.PatientID != "" && r.PatientID != f.PatientID {
		return false
	}
	if f.Encrypted != nil && r.IsEncrypted() != *f.Encrypted {
		return false
	}
	return true
}

// Bool returns a pointer to b, for RecordFilter.Encrypted.
func Bool(b bool) *bool { return &b }

type RecordStore interface {
	GetRecord(ctx context.Context, entity types.EntityType, id string) (*types.Record, error)
	PutRecord(ctx context.Context, r *types.Record) error
	ListRecords(ctx context.Context, f RecordFilter) ([]*types.Record, error)
	CountRecords(ctx context.Context, f RecordFilter) (int, error)
}

type RelationshipStore interface {
	GetCaregiverAssignment(ctx context.Context, id string) (*types.CaregiverAssignment, error)
	FindCaregiverAssignments(ctx context.Context, caregiverID, patientID string) ([]*types.CaregiverAssignment, error)
	PutCaregiverAssignment(ctx context.Context, a *types.CaregiverAssignment) error

	GetEmergencyGrant(ctx context.Context, id string) (*types.EmergencyAccessGrant, error)
	PutEmergencyGrant(ctx context.Context, g *types.EmergencyAccessGrant) error

	GetProxyKey(ctx context.Context, id string) (*types.ProxyReEncryptionKey, error)
	PutProxyKey(ctx context.Context, k *types.ProxyReEncryptionKey) error
}

type JobStore interface {
	GetComputationJob(ctx context.Context, id string) (*types.ComputationJob, error)
	PutComputationJob(ctx context.Context, j *types.ComputationJob) error

	GetMigrationJob(ctx context.Context, id string) (*types.MigrationJob, error)
	PutMigrationJob(ctx context.Context, j *types.MigrationJob) error
	ListMigrationJobs(ctx context.Context) ([]*types.MigrationJob, error)
}

// AuditSink is append-only.
type AuditSink interface {
	AppendAudit(ctx context.Context, e *types.AuditEntry) error
}

// AuditReader lists audit entries, newest last. Empty userID lists all.
type AuditReader interface {
	ListAuditEntries(ctx context.Context, userID string, limit int) ([]*types.AuditEntry, error)
}

// BackupStore keeps migration pre-images keyed by migration id.
type BackupStore interface {
	SaveBackup(ctx context.Context, migrationID string, records []*types.Record) error
	LoadBackup(ctx context.Context, migrationID string) ([]*types.Record, error)
}

// Store is everything a single backend provides.
type Store interface {
	RecordStore
	RelationshipStore
	JobStore
	AuditSink
	AuditReader
	BackupStore
}
