package platform

import (
	"errors"
	"fmt"
)

// InvalidRequestTypeError is returned when a lifecycle event carries a
// request type other than Create, Update or Delete.
type InvalidRequestTypeError struct {
	// RequestType is the offending value.
	RequestType string
}

// Error implements the error interface.
func (e *InvalidRequestTypeError) Error() string {
	return fmt.Sprintf("invalid request type: %q", e.RequestType)
}

// MissingPropertyError is returned when a required resource property is absent.
type MissingPropertyError struct {
	// Property is the missing key.
	Property string
}

// Error implements the error interface.
func (e *MissingPropertyError) Error() string {
	return fmt.Sprintf("missing resource property %q", e.Property)
}

// MissingPhysicalIDError is returned when an Update or Delete event arrives
// without the physical resource id recorded at Create.
type MissingPhysicalIDError struct {
	RequestType RequestType
}

// Error implements the error interface.
func (e *MissingPhysicalIDError) Error() string {
	return fmt.Sprintf("%s event has no PhysicalResourceId", e.RequestType)
}

// InstanceResolutionError is returned when the environment tag does not
// match exactly one instance.
type InstanceResolutionError struct {
	// TagKey is the tag the instances were filtered on.
	TagKey string

	// TagValue is the environment id that was looked up.
	TagValue string

	// Matches are the ids of the instances that matched.
	Matches []string
}

// Error implements the error interface.
func (e *InstanceResolutionError) Error() string {
	if len(e.Matches) == 0 {
		return fmt.Sprintf("no instance tagged %s=%s", e.TagKey, e.TagValue)
	}
	return fmt.Sprintf("%d instances tagged %s=%s, want exactly one: %v",
		len(e.Matches), e.TagKey, e.TagValue, e.Matches)
}

// VolumeInUseError is returned when the volume is already attached to an
// instance other than the resolved one.
type VolumeInUseError struct {
	VolumeID   string
	InstanceID string
	State      AttachmentState
}

// Error implements the error interface.
func (e *VolumeInUseError) Error() string {
	return fmt.Sprintf("volume %s is %s to instance %s", e.VolumeID, e.State, e.InstanceID)
}

// AvailabilityZoneMismatchError is returned when volume and instance live in
// different availability zones and cannot be attached.
type AvailabilityZoneMismatchError struct {
	VolumeID     string
	VolumeZone   string
	InstanceID   string
	InstanceZone string
}

// Error implements the error interface.
func (e *AvailabilityZoneMismatchError) Error() string {
	return fmt.Sprintf("volume %s is in %s but instance %s is in %s",
		e.VolumeID, e.VolumeZone, e.InstanceID, e.InstanceZone)
}

// AutomationFailedError is returned by the completion poller when the mount
// automation finished unsuccessfully.
type AutomationFailedError struct {
	ExecutionID    string
	PlatformStatus string
	Message        string
}

// Error implements the error interface.
func (e *AutomationFailedError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("automation %s ended %s: %s", e.ExecutionID, e.PlatformStatus, e.Message)
	}
	return fmt.Sprintf("automation %s ended %s", e.ExecutionID, e.PlatformStatus)
}

// PartialCreateError is returned when a Create fails after at least one
// platform side effect was issued. It records what was done so operators
// can clean up.
type PartialCreateError struct {
	// Record is the operation state at the time of failure.
	Record OperationRecord

	// Err is the failure that stopped the Create.
	Err error

	// CompensationErr is set if the compensating detach also failed.
	CompensationErr error
}

// Error implements the error interface.
func (e *PartialCreateError) Error() string {
	msg := fmt.Sprintf("create %s failed after attach (compensated=%t): %v",
		e.Record.PhysicalResourceID, e.Record.Compensated, e.Err)
	if e.CompensationErr != nil {
		msg += fmt.Sprintf("; detach: %v", e.CompensationErr)
	}
	return msg
}

// Unwrap returns the underlying failure.
func (e *PartialCreateError) Unwrap() error { return e.Err }

// ResourceNotFoundError is returned when a requested resource does not exist
// in the provider or operation store.
type ResourceNotFoundError struct {
	// Name is the resource name that was not found.
	Name string

	// Provider is the provider where the resource was expected.
	Provider string
}

// Error implements the error interface.
func (e *ResourceNotFoundError) Error() string {
	if e.Provider != "" {
		return fmt.Sprintf("resource %q not found in provider %q", e.Name, e.Provider)
	}
	return fmt.Sprintf("resource %q not found", e.Name)
}

// LockConflictError is returned when a lock cannot be acquired because
// another operation holds it.
type LockConflictError struct {
	// Key is the locked key.
	Key string

	// HeldBy is an identifier for the holder, if known.
	HeldBy string
}

// Error implements the error interface.
func (e *LockConflictError) Error() string {
	if e.HeldBy != "" {
		return fmt.Sprintf("lock conflict on %q: held by %q", e.Key, e.HeldBy)
	}
	return fmt.Sprintf("lock conflict on %q", e.Key)
}

// Sentinel errors for common conditions.
var (
	// ErrProviderNotInitialized is returned when a provider method is called
	// before Initialize.
	ErrProviderNotInitialized = errors.New("provider has not been initialized")

	// ErrLockReleased is returned when refreshing a lock that was released.
	ErrLockReleased = errors.New("lock already released")
)

// IsNotFound reports whether err is a ResourceNotFoundError.
func IsNotFound(err error) bool {
	var nf *ResourceNotFoundError
	return errors.As(err, &nf)
}
