package state

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/GoCodeAlone/volumeattach/platform"
)

func newTestRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisStoreWithClient(client, "test:"), mr
}

func TestRedisStore_SaveAndGetOperation(t *testing.T) {
	store, mr := newTestRedisStore(t)
	ctx := context.Background()

	rec := &platform.OperationRecord{
		PhysicalResourceID:    "i-1/vol-1",
		RequestID:             "req-1",
		InstanceID:            "i-1",
		VolumeID:              "vol-1",
		Device:                "/dev/xvdh",
		AttachIssued:          true,
		AutomationExecutionID: "exec-1",
		Status:                platform.OperationPending,
	}
	if err := store.SaveOperation(ctx, rec); err != nil {
		t.Fatalf("SaveOperation: %v", err)
	}
	if !mr.Exists("test:op:i-1/vol-1") {
		t.Error("record key not written under the prefix")
	}
	created := rec.CreatedAt

	got, err := store.GetOperation(ctx, "i-1/vol-1")
	if err != nil {
		t.Fatalf("GetOperation: %v", err)
	}
	if got.AutomationExecutionID != "exec-1" || !got.AttachIssued {
		t.Errorf("got %+v", got)
	}

	got.Status = platform.OperationComplete
	if err := store.SaveOperation(ctx, got); err != nil {
		t.Fatalf("SaveOperation update: %v", err)
	}
	again, err := store.GetOperation(ctx, "i-1/vol-1")
	if err != nil {
		t.Fatalf("GetOperation: %v", err)
	}
	if again.Status != platform.OperationComplete {
		t.Errorf("Status = %s, want complete", again.Status)
	}
	if !again.CreatedAt.Equal(created) {
		t.Errorf("CreatedAt changed on update: %v -> %v", created, again.CreatedAt)
	}
}

func TestRedisStore_GetMissing(t *testing.T) {
	store, _ := newTestRedisStore(t)
	_, err := store.GetOperation(context.Background(), "i-1/vol-missing")
	if !platform.IsNotFound(err) {
		t.Fatalf("err = %v, want not found", err)
	}
}

func TestRedisStore_ListOperations(t *testing.T) {
	store, _ := newTestRedisStore(t)
	ctx := context.Background()

	clock := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	store.now = func() time.Time { return clock }
	for _, id := range []string{"i-1/vol-1", "i-2/vol-1", "i-3/vol-2"} {
		vol := id[len(id)-5:]
		if err := store.SaveOperation(ctx, &platform.OperationRecord{PhysicalResourceID: id, VolumeID: vol}); err != nil {
			t.Fatalf("SaveOperation %s: %v", id, err)
		}
		clock = clock.Add(time.Second)
	}

	recs, err := store.ListOperations(ctx, "vol-1")
	if err != nil {
		t.Fatalf("ListOperations: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("got %d records, want 2", len(recs))
	}
	if recs[0].PhysicalResourceID != "i-2/vol-1" {
		t.Errorf("newest first: got %s", recs[0].PhysicalResourceID)
	}

	none, err := store.ListOperations(ctx, "vol-9")
	if err != nil || len(none) != 0 {
		t.Errorf("ListOperations(vol-9) = %v, %v", none, err)
	}
}

func TestRedisStore_Lock(t *testing.T) {
	store, mr := newTestRedisStore(t)
	ctx := context.Background()

	h, err := store.Lock(ctx, "volume/vol-1", time.Minute)
	if err != nil {
		t.Fatalf("Lock: %v", err)
	}

	_, err = store.Lock(ctx, "volume/vol-1", time.Minute)
	var conflict *platform.LockConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("second Lock err = %v, want LockConflictError", err)
	}
	if conflict.HeldBy == "" {
		t.Error("conflict should name the holder")
	}

	if err := h.Refresh(ctx, 2*time.Minute); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if ttl := mr.TTL("test:lock:volume/vol-1"); ttl != 2*time.Minute {
		t.Errorf("TTL after refresh = %v", ttl)
	}

	if err := h.Unlock(ctx); err != nil {
		t.Fatalf("Unlock: %v", err)
	}
	if err := h.Refresh(ctx, time.Minute); !errors.Is(err, platform.ErrLockReleased) {
		t.Errorf("Refresh after unlock = %v, want ErrLockReleased", err)
	}

	h2, err := store.Lock(ctx, "volume/vol-1", time.Minute)
	if err != nil {
		t.Fatalf("Lock after unlock: %v", err)
	}
	// A stale handle must not release a lock someone else now holds.
	if err := h.Unlock(ctx); err != nil {
		t.Fatalf("stale Unlock: %v", err)
	}
	if _, err := store.Lock(ctx, "volume/vol-1", time.Minute); !errors.As(err, &conflict) {
		t.Errorf("lock of h2 was released by a stale handle: %v", err)
	}
	_ = h2.Unlock(ctx)
}

func TestRedisStore_LockExpires(t *testing.T) {
	store, mr := newTestRedisStore(t)
	ctx := context.Background()

	if _, err := store.Lock(ctx, "volume/vol-1", time.Second); err != nil {
		t.Fatalf("Lock: %v", err)
	}
	mr.FastForward(2 * time.Second)
	if _, err := store.Lock(ctx, "volume/vol-1", time.Second); err != nil {
		t.Fatalf("Lock after expiry: %v", err)
	}
}

func TestNewRedisStore_BadURL(t *testing.T) {
	if _, err := NewRedisStore(context.Background(), "not-a-url"); err == nil {
		t.Fatal("expected parse error")
	}
	mr := miniredis.RunT(t)
	s, err := NewRedisStore(context.Background(), "redis://"+mr.Addr()+"/0")
	if err != nil {
		t.Fatalf("NewRedisStore: %v", err)
	}
	_ = s.Close()
}
