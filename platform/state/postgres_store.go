package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/GoCodeAlone/volumeattach/platform"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgreSQL schema adapted from the SQLite migration.
const postgresMigration = `
CREATE TABLE IF NOT EXISTS attach_operations (
    physical_id             TEXT        PRIMARY KEY,
    request_id              TEXT        NOT NULL DEFAULT '',
    instance_id             TEXT        NOT NULL DEFAULT '',
    volume_id               TEXT        NOT NULL DEFAULT '',
    device                  TEXT        NOT NULL DEFAULT '',
    attach_issued           BOOLEAN     NOT NULL DEFAULT FALSE,
    compensated             BOOLEAN     NOT NULL DEFAULT FALSE,
    automation_execution_id TEXT        NOT NULL DEFAULT '',
    status                  TEXT        NOT NULL DEFAULT 'pending',
    error                   TEXT        NOT NULL DEFAULT '',
    created_at              TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at              TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_pg_attach_operations_volume ON attach_operations (volume_id, updated_at);

CREATE TABLE IF NOT EXISTS attach_locks (
    lock_key    TEXT        PRIMARY KEY,
    holder      TEXT        NOT NULL DEFAULT '',
    acquired_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    expires_at  TIMESTAMPTZ NOT NULL
);
`

// PostgresStore implements platform.OperationStore using a PostgreSQL
// database. It is suitable for deployments where several handler processes
// share one store outside AWS.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed operation store. The dsn
// parameter is a PostgreSQL connection string.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	store := &PostgresStore{db: db}
	if _, err := db.Exec(postgresMigration); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return store, nil
}

// Close closes the underlying database connection pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) SaveOperation(ctx context.Context, rec *platform.OperationRecord) error {
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO attach_operations (physical_id, request_id, instance_id, volume_id, device,
			attach_issued, compensated, automation_execution_id, status, error, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (physical_id) DO UPDATE SET
			request_id = EXCLUDED.request_id,
			instance_id = EXCLUDED.instance_id,
			volume_id = EXCLUDED.volume_id,
			device = EXCLUDED.device,
			attach_issued = EXCLUDED.attach_issued,
			compensated = EXCLUDED.compensated,
			automation_execution_id = EXCLUDED.automation_execution_id,
			status = EXCLUDED.status,
			error = EXCLUDED.error,
			updated_at = EXCLUDED.updated_at
	`, rec.PhysicalResourceID, rec.RequestID, rec.InstanceID, rec.VolumeID, rec.Device,
		rec.AttachIssued, rec.Compensated, rec.AutomationExecutionID, string(rec.Status), rec.Error,
		rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save operation %s: %w", rec.PhysicalResourceID, err)
	}
	return nil
}

func (s *PostgresStore) GetOperation(ctx context.Context, physicalID string) (*platform.OperationRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+operationColumns+`
		FROM attach_operations
		WHERE physical_id = $1
	`, physicalID)

	rec, err := scanPostgresOperation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &platform.ResourceNotFoundError{Name: physicalID, Provider: "postgres"}
	}
	return rec, err
}

func (s *PostgresStore) ListOperations(ctx context.Context, volumeID string) ([]*platform.OperationRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+operationColumns+`
		FROM attach_operations
		WHERE volume_id = $1
		ORDER BY updated_at DESC
	`, volumeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*platform.OperationRecord
	for rows.Next() {
		rec, err := scanPostgresOperation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Lock takes the lock row for key, or steals it once it has expired.
func (s *PostgresStore) Lock(ctx context.Context, key string, ttl time.Duration) (platform.LockHandle, error) {
	holderID := uuid.New().String()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO attach_locks (lock_key, holder, acquired_at, expires_at)
		VALUES ($1, $2, NOW(), $3)
		ON CONFLICT (lock_key) DO UPDATE SET
			holder = EXCLUDED.holder,
			acquired_at = NOW(),
			expires_at = EXCLUDED.expires_at
		WHERE attach_locks.expires_at < NOW()
	`, key, holderID, time.Now().UTC().Add(ttl))
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", key, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, &platform.LockConflictError{Key: key}
	}

	return &postgresLockHandle{db: s.db, key: key, holderID: holderID}, nil
}

// postgresLockHandle implements platform.LockHandle for PostgreSQL.
type postgresLockHandle struct {
	db       *sql.DB
	key      string
	holderID string
}

func (h *postgresLockHandle) Unlock(ctx context.Context) error {
	_, err := h.db.ExecContext(ctx, `DELETE FROM attach_locks WHERE lock_key = $1 AND holder = $2`, h.key, h.holderID)
	return err
}

func (h *postgresLockHandle) Refresh(ctx context.Context, ttl time.Duration) error {
	res, err := h.db.ExecContext(ctx, `
		UPDATE attach_locks SET expires_at = $1 WHERE lock_key = $2 AND holder = $3
	`, time.Now().UTC().Add(ttl), h.key, h.holderID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return platform.ErrLockReleased
	}
	return nil
}

func scanPostgresOperation(s scanner) (*platform.OperationRecord, error) {
	var rec platform.OperationRecord
	var status string

	if err := s.Scan(&rec.PhysicalResourceID, &rec.RequestID, &rec.InstanceID, &rec.VolumeID,
		&rec.Device, &rec.AttachIssued, &rec.Compensated, &rec.AutomationExecutionID,
		&status, &rec.Error, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return nil, err
	}
	rec.Status = platform.OperationStatus(status)
	return &rec, nil
}

var (
	_ platform.OperationStore = (*PostgresStore)(nil)
	_ platform.LockHandle     = (*postgresLockHandle)(nil)
)
