package state

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/GoCodeAlone/volumeattach/platform"
)

// MemoryStore is a process-local OperationStore. Records do not survive a
// restart, so it only suits single invocations and tests.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]platform.OperationRecord
	locks   map[string]memoryLock
	now     func() time.Time
}

type memoryLock struct {
	holder    string
	expiresAt time.Time
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]platform.OperationRecord),
		locks:   make(map[string]memoryLock),
		now:     time.Now,
	}
}

// SaveOperation stores a copy of rec, keeping the original CreatedAt.
func (s *MemoryStore) SaveOperation(_ context.Context, rec *platform.OperationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	if prev, ok := s.records[rec.PhysicalResourceID]; ok {
		rec.CreatedAt = prev.CreatedAt
	} else if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	s.records[rec.PhysicalResourceID] = *rec
	return nil
}

// GetOperation returns a copy of the record for physicalID.
func (s *MemoryStore) GetOperation(_ context.Context, physicalID string) (*platform.OperationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[physicalID]
	if !ok {
		return nil, &platform.ResourceNotFoundError{Name: physicalID, Provider: "memory"}
	}
	return &rec, nil
}

// ListOperations returns the records for a volume, newest first.
func (s *MemoryStore) ListOperations(_ context.Context, volumeID string) ([]*platform.OperationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*platform.OperationRecord
	for _, rec := range s.records {
		if rec.VolumeID == volumeID {
			r := rec
			out = append(out, &r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

// Lock acquires key for ttl. A held, unexpired key yields a LockConflictError.
func (s *MemoryStore) Lock(ctx context.Context, key string, ttl time.Duration) (platform.LockHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if held, ok := s.locks[key]; ok && now.Before(held.expiresAt) {
		return nil, &platform.LockConflictError{Key: key, HeldBy: held.holder}
	}
	holder := uuid.New().String()
	s.locks[key] = memoryLock{holder: holder, expiresAt: now.Add(ttl)}
	return &memoryLockHandle{store: s, key: key, holder: holder}, nil
}

type memoryLockHandle struct {
	store  *MemoryStore
	key    string
	holder string
}

func (h *memoryLockHandle) Unlock(_ context.Context) error {
	h.store.mu.Lock()
	defer h.store.mu.Unlock()
	if held, ok := h.store.locks[h.key]; ok && held.holder == h.holder {
		delete(h.store.locks, h.key)
	}
	return nil
}

func (h *memoryLockHandle) Refresh(_ context.Context, ttl time.Duration) error {
	h.store.mu.Lock()
	defer h.store.mu.Unlock()
	held, ok := h.store.locks[h.key]
	if !ok || held.holder != h.holder {
		return platform.ErrLockReleased
	}
	held.expiresAt = h.store.now().Add(ttl)
	h.store.locks[h.key] = held
	return nil
}

var (
	_ platform.OperationStore = (*MemoryStore)(nil)
	_ platform.LockHandle     = (*memoryLockHandle)(nil)
)
