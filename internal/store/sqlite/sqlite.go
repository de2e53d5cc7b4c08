// Package sqlite is a document-style Store on SQLite. Filterable columns are
// kept next to a JSON document holding the full entity.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/hengadev/medabe/internal/store"
	"github.com/hengadev/medabe/internal/types"
)

const schema = `
	CREATE TABLE IF NOT EXISTS records (
		entity TEXT NOT NULL,
		id TEXT NOT NULL,
		organization_id TEXT NOT NULL,
		patient_id TEXT NOT NULL DEFAULT '',
		encrypted BOOLEAN NOT NULL DEFAULT FALSE,
		doc TEXT NOT NULL,
		PRIMARY KEY (entity, id)
	);
	CREATE INDEX IF NOT EXISTS idx_records_org ON records(entity, organization_id);
	CREATE INDEX IF NOT EXISTS idx_records_encrypted ON records(entity, encrypted);

	CREATE TABLE IF NOT EXISTS caregiver_assignments (
		id TEXT PRIMARY KEY,
		caregiver_id TEXT NOT NULL,
		patient_id TEXT NOT NULL,
		doc TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_assignments_caregiver ON caregiver_assignments(caregiver_id, patient_id);

	CREATE TABLE IF NOT EXISTS emergency_grants (
		id TEXT PRIMARY KEY,
		doc TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS proxy_keys (
		id TEXT PRIMARY KEY,
		doc TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS computation_jobs (
		id TEXT PRIMARY KEY,
		doc TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS migration_jobs (
		id TEXT PRIMARY KEY,
		started_at DATETIME NOT NULL,
		doc TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS audit_entries (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		operation TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		doc TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_audit_user ON audit_entries(user_id);

	CREATE TABLE IF NOT EXISTS migration_backups (
		migration_id TEXT NOT NULL,
		entity TEXT NOT NULL,
		record_id TEXT NOT NULL,
		doc TEXT NOT NULL,
		PRIMARY KEY (migration_id, entity, record_id)
	);
`

// Store implements store.Store on a SQLite database.
type Store struct {
	db   *sql.DB
	path string
}

var _ store.Store = (*Store)(nil)

// Open opens (creating if needed) the database at path and applies the schema.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." && path != ":memory:" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("failed to create database directory '%s': %w", dir, err)
		}
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database at '%s': %w", path, err)
	}
	// sqlite serializes writers; one connection avoids SQLITE_BUSY and keeps :memory: shared
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("database connection test failed for '%s': %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create database schema in '%s': %w", path, err)
	}
	return &Store{db: db, path: path}, nil
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the connection, for health checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func notFound(kind, id string) error {
	return fmt.Errorf("%s '%s': %w", kind, id, store.ErrNotFound)
}

func getDoc(ctx context.Context, db *sql.DB, query, kind, id string, out any) error {
	var doc string
	err := db.QueryRowContext(ctx, query, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return notFound(kind, id)
	}
	if err != nil {
		return fmt.Errorf("failed to read %s '%s': %w", kind, id, err)
	}
	if err := json.Unmarshal([]byte(doc), out); err != nil {
		return fmt.Errorf("failed to decode %s '%s': %w", kind, id, err)
	}
	return nil
}

func putDoc(ctx context.Context, db *sql.DB, query string, v any, args ...any) error {
	doc, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode document: %w", err)
	}
	if _, err := db.ExecContext(ctx, query, append(args, string(doc))...); err != nil {
		return fmt.Errorf("failed to write document: %w", err)
	}
	return nil
}

func (s *Store) GetRecord(ctx context.Context, entity types.EntityType, id string) (*types.Record, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, `SELECT doc FROM records WHERE entity = ? AND id = ?`, string(entity), id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(string(entity), id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s '%s': %w", entity, id, err)
	}
	var r types.Record
	if err := json.Unmarshal([]byte(doc), &r); err != nil {
		return nil, fmt.Errorf("failed to decode %s '%s': %w", entity, id, err)
	}
	return &r, nil
}

func (s *Store) PutRecord(ctx context.Context, r *types.Record) error {
	if r == nil || r.ID == "" || r.Entity == "" {
		return fmt.Errorf("record needs an id and entity")
	}
	return putDoc(ctx, s.db, `
		INSERT INTO records (entity, id, organization_id, patient_id, encrypted, doc)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(entity, id) DO UPDATE SET
			organization_id = excluded.organization_id,
			patient_id = excluded.patient_id,
			encrypted = excluded.encrypted,
			doc = excluded.doc`,
		r, string(r.Entity), r.ID, r.OrganizationID, r.PatientID, r.IsEncrypted())
}

func whereClause(f store.RecordFilter) (string, []any) {
	var conds []string
	var args []any
	if f.Entity != "" {
		conds = append(conds, "entity = ?")
		args = append(args, string(f.Entity))
	}
	if len(f.OrganizationIDs) > 0 {
		conds = append(conds, "organization_id IN ("+strings.TrimSuffix(strings.Repeat("?,", len(f.OrganizationIDs)), ",")+")")
		for _, id := range f.OrganizationIDs {
			args = append(args, id)
		}
	}
	if f.PatientID != "" {
		conds = append(conds, "patient_id = ?")
		args = append(args, f.PatientID)
	}
	if f.Encrypted != nil {
		conds = append(conds, "encrypted = ?")
		args = append(args, *f.Encrypted)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func (s *Store) ListRecords(ctx context.Context, f store.RecordFilter) ([]*types.Record, error) {
	where, args := whereClause(f)
	query := `SELECT doc FROM records` + where + ` ORDER BY entity, id`
	if f.Limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, f.Limit, f.Offset)
	} else if f.Offset > 0 {
		query += ` LIMIT -1 OFFSET ?`
		args = append(args, f.Offset)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	defer rows.Close()

	var out []*types.Record
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		var r types.Record
		if err := json.Unmarshal([]byte(doc), &r); err != nil {
			return nil, fmt.Errorf("failed to decode record: %w", err)
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

func (s *Store) CountRecords(ctx context.Context, f store.RecordFilter) (int, error) {
	where, args := whereClause(f)
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM records`+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count records: %w", err)
	}
	return n, nil
}

func (s *Store) GetCaregiverAssignment(ctx context.Context, id string) (*types.CaregiverAssignment, error) {
	var a types.CaregiverAssignment
	if err := getDoc(ctx, s.db, `SELECT doc FROM caregiver_assignments WHERE id = ?`, "caregiver assignment", id, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *Store) FindCaregiverAssignments(ctx context.Context, caregiverID, patientID string) ([]*types.CaregiverAssignment, error) {
	query := `SELECT doc FROM caregiver_assignments WHERE caregiver_id = ?`
	args := []any{caregiverID}
	if patientID != "" {
		query += ` AND patient_id = ?`
		args = append(args, patientID)
	}
	rows, err := s.db.QueryContext(ctx, query+` ORDER BY id`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query caregiver assignments: %w", err)
	}
	defer rows.Close()

	var out []*types.CaregiverAssignment
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("failed to scan caregiver assignment: %w", err)
		}
		var a types.CaregiverAssignment
		if err := json.Unmarshal([]byte(doc), &a); err != nil {
			return nil, fmt.Errorf("failed to decode caregiver assignment: %w", err)
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

func (s *Store) PutCaregiverAssignment(ctx context.Context, a *types.CaregiverAssignment) error {
	return putDoc(ctx, s.db, `
		INSERT INTO caregiver_assignments (id, caregiver_id, patient_id, doc) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET caregiver_id = excluded.caregiver_id, patient_id = excluded.patient_id, doc = excluded.doc`,
		a, a.ID, a.CaregiverID, a.PatientID)
}

func (s *Store) GetEmergencyGrant(ctx context.Context, id string) (*types.EmergencyAccessGrant, error) {
	var g types.EmergencyAccessGrant
	if err := getDoc(ctx, s.db, `SELECT doc FROM emergency_grants WHERE id = ?`, "emergency grant", id, &g); err != nil {
		return nil, err
	}
	return &g, nil
}

func (s *Store) PutEmergencyGrant(ctx context.Context, g *types.EmergencyAccessGrant) error {
	return putDoc(ctx, s.db, `
		INSERT INTO emergency_grants (id, doc) VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET doc = excluded.doc`, g, g.ID)
}

func (s *Store) GetProxyKey(ctx context.Context, id string) (*types.ProxyReEncryptionKey, error) {
	var k types.ProxyReEncryptionKey
	if err := getDoc(ctx, s.db, `SELECT doc FROM proxy_keys WHERE id = ?`, "proxy key", id, &k); err != nil {
		return nil, err
	}
	return &k, nil
}

func (s *Store) PutProxyKey(ctx context.Context, k *types.ProxyReEncryptionKey) error {
	return putDoc(ctx, s.db, `
		INSERT INTO proxy_keys (id, doc) VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET doc = excluded.doc`, k, k.ID)
}

func (s *Store) GetComputationJob(ctx context.Context, id string) (*types.ComputationJob, error) {
	var j types.ComputationJob
	if err := getDoc(ctx, s.db, `SELECT doc FROM computation_jobs WHERE id = ?`, "computation job", id, &j); err != nil {
		return nil, err
	}
	return &j, nil
}

func (s *Store) PutComputationJob(ctx context.Context, j *types.ComputationJob) error {
	return putDoc(ctx, s.db, `
		INSERT INTO computation_jobs (id, doc) VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET doc = excluded.doc`, j, j.ID)
}

func (s *Store) GetMigrationJob(ctx context.Context, id string) (*types.MigrationJob, error) {
	var j types.MigrationJob
	if err := getDoc(ctx, s.db, `SELECT doc FROM migration_jobs WHERE id = ?`, "migration job", id, &j); err != nil {
		return nil, err
	}
	return &j, nil
}

func (s *Store) PutMigrationJob(ctx context.Context, j *types.MigrationJob) error {
	return putDoc(ctx, s.db, `
		INSERT INTO migration_jobs (id, started_at, doc) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET doc = excluded.doc`, j, j.ID, j.StartedAt.UTC())
}

func (s *Store) ListMigrationJobs(ctx context.Context) ([]*types.MigrationJob, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT doc FROM migration_jobs ORDER BY started_at, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list migration jobs: %w", err)
	}
	defer rows.Close()

	var out []*types.MigrationJob
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("failed to scan migration job: %w", err)
		}
		var j types.MigrationJob
		if err := json.Unmarshal([]byte(doc), &j); err != nil {
			return nil, fmt.Errorf("failed to decode migration job: %w", err)
		}
		out = append(out, &j)
	}
	return out, rows.Err()
}

func (s *Store) AppendAudit(ctx context.Context, e *types.AuditEntry) error {
	ts := e.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return putDoc(ctx, s.db, `
		INSERT INTO audit_entries (id, user_id, operation, created_at, doc) VALUES (?, ?, ?, ?, ?)`,
		e, e.ID, e.UserID, string(e.Operation), ts.UTC())
}

func (s *Store) ListAuditEntries(ctx context.Context, userID string, limit int) ([]*types.AuditEntry, error) {
	query := `SELECT doc FROM audit_entries`
	var args []any
	if userID != "" {
		query += ` WHERE user_id = ?`
		args = append(args, userID)
	}
	query += ` ORDER BY seq DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer rows.Close()

	var out []*types.AuditEntry
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		var e types.AuditEntry
		if err := json.Unmarshal([]byte(doc), &e); err != nil {
			return nil, fmt.Errorf("failed to decode audit entry: %w", err)
		}
		out = append(out, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// newest last
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *Store) SaveBackup(ctx context.Context, migrationID string, records []*types.Record) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin backup transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO migration_backups (migration_id, entity, record_id, doc) VALUES (?, ?, ?, ?)
		ON CONFLICT(migration_id, entity, record_id) DO NOTHING`)
	if err != nil {
		return fmt.Errorf("failed to prepare backup insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		doc, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("failed to encode backup of %s '%s': %w", r.Entity, r.ID, err)
		}
		if _, err := stmt.ExecContext(ctx, migrationID, string(r.Entity), r.ID, string(doc)); err != nil {
			return fmt.Errorf("failed to write backup of %s '%s': %w", r.Entity, r.ID, err)
		}
	}
	return tx.Commit()
}

func (s *Store) LoadBackup(ctx context.Context, migrationID string) ([]*types.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT doc FROM migration_backups WHERE migration_id = ? ORDER BY entity, record_id`, migrationID)
	if err != nil {
		return nil, fmt.Errorf("failed to load backup for migration '%s': %w", migrationID, err)
	}
	defer rows.Close()

	var out []*types.Record
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("failed to scan backup record: %w", err)
		}
		var r types.Record
		if err := json.Unmarshal([]byte(doc), &r); err != nil {
			return nil, fmt.Errorf("failed to decode backup record: %w", err)
		}
		out = append(out, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("backup for migration '%s': %w", migrationID, store.ErrNotFound)
	}
	return out, nil
}
