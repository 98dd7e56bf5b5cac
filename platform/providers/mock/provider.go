// Package mock provides configurable test doubles for the platform
// collaborator interfaces. Each mock struct uses function pointers for
// customizable behavior and tracks all method calls for assertion in tests.
// With no function pointers set the mocks behave like a healthy platform,
// which is what the CLI's dry-run mode relies on.
package mock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/GoCodeAlone/volumeattach/platform"
)

// Defaults reported by the mocks when no function pointer is set.
const (
	DefaultInstanceID       = "i-0mock00000000000"
	DefaultAvailabilityZone = "mock-1a"
)

// MockCall records a single method invocation for assertion purposes.
type MockCall struct {
	Method string
	Args   []any
}

type recorder struct {
	mu    sync.RWMutex
	Calls []MockCall
}

func (r *recorder) record(method string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Calls = append(r.Calls, MockCall{Method: method, Args: args})
}

// GetCalls returns a copy of the recorded calls.
func (r *recorder) GetCalls() []MockCall {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]MockCall, len(r.Calls))
	copy(out, r.Calls)
	return out
}

// CallCount returns how many times method was called.
func (r *recorder) CallCount(method string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, c := range r.Calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// --- MockInstanceResolver ---

// MockInstanceResolver implements platform.InstanceResolver.
type MockInstanceResolver struct {
	recorder

	ResolveInstanceFn func(ctx context.Context, environmentID string) (*platform.Instance, error)
}

// NewMockInstanceResolver returns a resolver that finds DefaultInstanceID.
func NewMockInstanceResolver() *MockInstanceResolver {
	return &MockInstanceResolver{}
}

func (m *MockInstanceResolver) ResolveInstance(ctx context.Context, environmentID string) (*platform.Instance, error) {
	m.record("ResolveInstance", environmentID)
	if m.ResolveInstanceFn != nil {
		return m.ResolveInstanceFn(ctx, environmentID)
	}
	return &platform.Instance{
		InstanceID:       DefaultInstanceID,
		AvailabilityZone: DefaultAvailabilityZone,
		State:            "running",
	}, nil
}

// --- MockVolumeAttacher ---

// MockVolumeAttacher implements platform.VolumeAttacher.
type MockVolumeAttacher struct {
	recorder

	DescribeVolumeFn func(ctx context.Context, volumeID string) (*platform.Volume, error)
	AttachVolumeFn   func(ctx context.Context, volumeID, instanceID, device string) (platform.AttachmentState, error)
	DetachVolumeFn   func(ctx context.Context, volumeID, instanceID, device string) error
}

// NewMockVolumeAttacher returns an attacher whose volumes are available in
// DefaultAvailabilityZone.
func NewMockVolumeAttacher() *MockVolumeAttacher {
	return &MockVolumeAttacher{}
}

func (m *MockVolumeAttacher) DescribeVolume(ctx context.Context, volumeID string) (*platform.Volume, error) {
	m.record("DescribeVolume", volumeID)
	if m.DescribeVolumeFn != nil {
		return m.DescribeVolumeFn(ctx, volumeID)
	}
	return &platform.Volume{
		VolumeID:         volumeID,
		AvailabilityZone: DefaultAvailabilityZone,
		State:            "available",
	}, nil
}

func (m *MockVolumeAttacher) AttachVolume(ctx context.Context, volumeID, instanceID, device string) (platform.AttachmentState, error) {
	m.record("AttachVolume", volumeID, instanceID, device)
	if m.AttachVolumeFn != nil {
		return m.AttachVolumeFn(ctx, volumeID, instanceID, device)
	}
	return platform.AttachmentAttaching, nil
}

func (m *MockVolumeAttacher) DetachVolume(ctx context.Context, volumeID, instanceID, device string) error {
	m.record("DetachVolume", volumeID, instanceID, device)
	if m.DetachVolumeFn != nil {
		return m.DetachVolumeFn(ctx, volumeID, instanceID, device)
	}
	return nil
}

// --- MockAutomationRunner ---

// MockAutomationRunner implements platform.AutomationRunner.
type MockAutomationRunner struct {
	recorder

	StartAutomationFn  func(ctx context.Context, req platform.AutomationRequest) (string, error)
	AutomationStatusFn func(ctx context.Context, executionID string) (*platform.AutomationExecution, error)

	started int
}

// NewMockAutomationRunner returns a runner whose executions succeed at once.
func NewMockAutomationRunner() *MockAutomationRunner {
	return &MockAutomationRunner{}
}

func (m *MockAutomationRunner) StartAutomation(ctx context.Context, req platform.AutomationRequest) (string, error) {
	m.record("StartAutomation", req)
	if m.StartAutomationFn != nil {
		return m.StartAutomationFn(ctx, req)
	}
	m.mu.Lock()
	m.started++
	n := m.started
	m.mu.Unlock()
	return fmt.Sprintf("exec-mock-%d", n), nil
}

func (m *MockAutomationRunner) AutomationStatus(ctx context.Context, executionID string) (*platform.AutomationExecution, error) {
	m.record("AutomationStatus", executionID)
	if m.AutomationStatusFn != nil {
		return m.AutomationStatusFn(ctx, executionID)
	}
	return &platform.AutomationExecution{
		ExecutionID:    executionID,
		Status:         platform.AutomationComplete,
		PlatformStatus: "Success",
	}, nil
}

// --- MockDocumentRegistrar ---

// MockDocumentRegistrar implements platform.DocumentRegistrar.
type MockDocumentRegistrar struct {
	recorder

	EnsureDocumentFn func(ctx context.Context, name, content string) (string, error)
}

// NewMockDocumentRegistrar returns a registrar that accepts every document.
func NewMockDocumentRegistrar() *MockDocumentRegistrar {
	return &MockDocumentRegistrar{}
}

func (m *MockDocumentRegistrar) EnsureDocument(ctx context.Context, name, content string) (string, error) {
	m.record("EnsureDocument", name, content)
	if m.EnsureDocumentFn != nil {
		return m.EnsureDocumentFn(ctx, name, content)
	}
	return "1", nil
}

// --- MockOperationStore ---

// MockOperationStore implements platform.OperationStore. Without function
// pointers it keeps records in memory and hands out locks that never
// conflict.
type MockOperationStore struct {
	recorder

	SaveOperationFn  func(ctx context.Context, rec *platform.OperationRecord) error
	GetOperationFn   func(ctx context.Context, physicalID string) (*platform.OperationRecord, error)
	ListOperationsFn func(ctx context.Context, volumeID string) ([]*platform.OperationRecord, error)
	LockFn           func(ctx context.Context, key string, ttl time.Duration) (platform.LockHandle, error)

	records map[string]platform.OperationRecord
}

// NewMockOperationStore returns an empty store.
func NewMockOperationStore() *MockOperationStore {
	return &MockOperationStore{records: make(map[string]platform.OperationRecord)}
}

func (m *MockOperationStore) SaveOperation(ctx context.Context, rec *platform.OperationRecord) error {
	m.record("SaveOperation", *rec)
	if m.SaveOperationFn != nil {
		return m.SaveOperationFn(ctx, rec)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.records == nil {
		m.records = make(map[string]platform.OperationRecord)
	}
	m.records[rec.PhysicalResourceID] = *rec
	return nil
}

func (m *MockOperationStore) GetOperation(ctx context.Context, physicalID string) (*platform.OperationRecord, error) {
	m.record("GetOperation", physicalID)
	if m.GetOperationFn != nil {
		return m.GetOperationFn(ctx, physicalID)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[physicalID]
	if !ok {
		return nil, &platform.ResourceNotFoundError{Name: physicalID, Provider: "mock"}
	}
	return &rec, nil
}

func (m *MockOperationStore) ListOperations(ctx context.Context, volumeID string) ([]*platform.OperationRecord, error) {
	m.record("ListOperations", volumeID)
	if m.ListOperationsFn != nil {
		return m.ListOperationsFn(ctx, volumeID)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*platform.OperationRecord
	for _, rec := range m.records {
		if rec.VolumeID == volumeID {
			r := rec
			out = append(out, &r)
		}
	}
	return out, nil
}

func (m *MockOperationStore) Lock(ctx context.Context, key string, ttl time.Duration) (platform.LockHandle, error) {
	m.record("Lock", key, ttl)
	if m.LockFn != nil {
		return m.LockFn(ctx, key, ttl)
	}
	return &MockLockHandle{}, nil
}

// --- MockLockHandle ---

// MockLockHandle implements platform.LockHandle.
type MockLockHandle struct {
	recorder

	UnlockFn  func(ctx context.Context) error
	RefreshFn func(ctx context.Context, ttl time.Duration) error
}

func (m *MockLockHandle) Unlock(ctx context.Context) error {
	m.record("Unlock")
	if m.UnlockFn != nil {
		return m.UnlockFn(ctx)
	}
	return nil
}

func (m *MockLockHandle) Refresh(ctx context.Context, ttl time.Duration) error {
	m.record("Refresh", ttl)
	if m.RefreshFn != nil {
		return m.RefreshFn(ctx, ttl)
	}
	return nil
}

var (
	_ platform.InstanceResolver  = (*MockInstanceResolver)(nil)
	_ platform.VolumeAttacher    = (*MockVolumeAttacher)(nil)
	_ platform.AutomationRunner  = (*MockAutomationRunner)(nil)
	_ platform.DocumentRegistrar = (*MockDocumentRegistrar)(nil)
	_ platform.OperationStore    = (*MockOperationStore)(nil)
	_ platform.LockHandle        = (*MockLockHandle)(nil)
)
