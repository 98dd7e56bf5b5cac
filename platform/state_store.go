package platform

import (
	"context"
	"time"
)

// OperationStore persists attach operation records between invocations.
// Implementations must be safe for concurrent use.
type OperationStore interface {
	// SaveOperation inserts or replaces the record keyed by PhysicalResourceID.
	SaveOperation(ctx context.Context, rec *OperationRecord) error

	// GetOperation returns the record for a physical resource id, or a
	// *ResourceNotFoundError.
	GetOperation(ctx context.Context, physicalID string) (*OperationRecord, error)

	// ListOperations returns the records for a volume, newest first.
	ListOperations(ctx context.Context, volumeID string) ([]*OperationRecord, error)

	// Lock acquires an exclusive lock on key for at most ttl. A held lock
	// returns *LockConflictError.
	Lock(ctx context.Context, key string, ttl time.Duration) (LockHandle, error)
}

// LockHandle represents a held lock.
type LockHandle interface {
	// Unlock releases the lock.
	Unlock(ctx context.Context) error

	// Refresh extends the lock TTL.
	Refresh(ctx context.Context, ttl time.Duration) error
}
