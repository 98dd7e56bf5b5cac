// Package state provides persistent OperationStore implementations. It
// includes SQLite for single-node/local use, PostgreSQL for shared
// deployments outside AWS, and an in-memory store for tests and dry runs.
package state

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/GoCodeAlone/volumeattach/platform"

	_ "modernc.org/sqlite"
)

//go:embed migrations/001_operations.sql
var sqliteMigration string

// sqliteTimeFormat is fixed width so stored timestamps sort as text.
const sqliteTimeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore implements platform.OperationStore using an SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite-backed operation store. The dsn
// parameter is the path to the SQLite database file. Use ":memory:" for an
// in-memory database (useful for testing).
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	if dsn != ":memory:" {
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		dsn += sep + "_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// Limit to one open connection to serialize writes and avoid SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(sqliteMigration)
	return err
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// SaveOperation upserts a record. CreatedAt is kept from the first save.
func (s *SQLiteStore) SaveOperation(ctx context.Context, rec *platform.OperationRecord) error {
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO attach_operations (physical_id, request_id, instance_id, volume_id, device,
			attach_issued, compensated, automation_execution_id, status, error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (physical_id) DO UPDATE SET
			request_id = excluded.request_id,
			instance_id = excluded.instance_id,
			volume_id = excluded.volume_id,
			device = excluded.device,
			attach_issued = excluded.attach_issued,
			compensated = excluded.compensated,
			automation_execution_id = excluded.automation_execution_id,
			status = excluded.status,
			error = excluded.error,
			updated_at = excluded.updated_at
	`, rec.PhysicalResourceID, rec.RequestID, rec.InstanceID, rec.VolumeID, rec.Device,
		rec.AttachIssued, rec.Compensated, rec.AutomationExecutionID, string(rec.Status), rec.Error,
		rec.CreatedAt.Format(sqliteTimeFormat), rec.UpdatedAt.Format(sqliteTimeFormat))
	if err != nil {
		return fmt.Errorf("save operation %s: %w", rec.PhysicalResourceID, err)
	}
	return nil
}

// GetOperation retrieves a record by physical resource id.
func (s *SQLiteStore) GetOperation(ctx context.Context, physicalID string) (*platform.OperationRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+operationColumns+`
		FROM attach_operations
		WHERE physical_id = ?
	`, physicalID)

	rec, err := scanOperation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &platform.ResourceNotFoundError{Name: physicalID, Provider: "sqlite"}
	}
	return rec, err
}

// ListOperations returns the records for a volume, newest first.
func (s *SQLiteStore) ListOperations(ctx context.Context, volumeID string) ([]*platform.OperationRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+operationColumns+`
		FROM attach_operations
		WHERE volume_id = ?
		ORDER BY updated_at DESC
	`, volumeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*platform.OperationRecord
	for rows.Next() {
		rec, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Lock acquires a lock row for key. Expired rows are cleared first.
func (s *SQLiteStore) Lock(ctx context.Context, key string, ttl time.Duration) (platform.LockHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	_, _ = s.db.ExecContext(ctx, `DELETE FROM attach_locks WHERE expires_at < ?`, now.Format(sqliteTimeFormat))

	holderID := uuid.New().String()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO attach_locks (lock_key, holder, acquired_at, expires_at)
		VALUES (?, ?, ?, ?)
	`, key, holderID, now.Format(sqliteTimeFormat), now.Add(ttl).Format(sqliteTimeFormat))
	if err != nil {
		return nil, &platform.LockConflictError{Key: key}
	}

	return &sqliteLockHandle{store: s, key: key, holderID: holderID}, nil
}

// sqliteLockHandle implements platform.LockHandle for SQLite.
type sqliteLockHandle struct {
	store    *SQLiteStore
	key      string
	holderID string
}

// Unlock releases the lock.
func (h *sqliteLockHandle) Unlock(ctx context.Context) error {
	_, err := h.store.db.ExecContext(ctx, `
		DELETE FROM attach_locks WHERE lock_key = ? AND holder = ?
	`, h.key, h.holderID)
	return err
}

// Refresh extends the lock TTL.
func (h *sqliteLockHandle) Refresh(ctx context.Context, ttl time.Duration) error {
	res, err := h.store.db.ExecContext(ctx, `
		UPDATE attach_locks SET expires_at = ? WHERE lock_key = ? AND holder = ?
	`, time.Now().UTC().Add(ttl).Format(sqliteTimeFormat), h.key, h.holderID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return platform.ErrLockReleased
	}
	return nil
}

const operationColumns = `physical_id, request_id, instance_id, volume_id, device,
	attach_issued, compensated, automation_execution_id, status, error, created_at, updated_at`

// scanner is an interface satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanOperation(s scanner) (*platform.OperationRecord, error) {
	var rec platform.OperationRecord
	var status, createdAt, updatedAt string

	if err := s.Scan(&rec.PhysicalResourceID, &rec.RequestID, &rec.InstanceID, &rec.VolumeID,
		&rec.Device, &rec.AttachIssued, &rec.Compensated, &rec.AutomationExecutionID,
		&status, &rec.Error, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	rec.Status = platform.OperationStatus(status)
	if t, err := time.Parse(sqliteTimeFormat, createdAt); err == nil {
		rec.CreatedAt = t
	}
	if t, err := time.Parse(sqliteTimeFormat, updatedAt); err == nil {
		rec.UpdatedAt = t
	}
	return &rec, nil
}

var (
	_ platform.OperationStore = (*SQLiteStore)(nil)
	_ platform.LockHandle     = (*sqliteLockHandle)(nil)
)
