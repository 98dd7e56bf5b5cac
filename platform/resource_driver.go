package platform

import "context"

// InstanceResolver finds the compute instance that backs an IDE environment.
type InstanceResolver interface {
	// ResolveInstance returns the single live instance tagged with the
	// environment id. Zero or multiple matches return *InstanceResolutionError.
	ResolveInstance(ctx context.Context, environmentID string) (*Instance, error)
}

// VolumeAttacher manages block-storage attachments.
type VolumeAttacher interface {
	// DescribeVolume returns the current volume state.
	DescribeVolume(ctx context.Context, volumeID string) (*Volume, error)

	// AttachVolume requests the attach and returns once the platform has
	// accepted it. It does not wait for the attachment to complete.
	AttachVolume(ctx context.Context, volumeID, instanceID, device string) (AttachmentState, error)

	// DetachVolume requests a detach, used to compensate a failed Create.
	DetachVolume(ctx context.Context, volumeID, instanceID, device string) error
}

// AutomationRunner starts remote automation documents and reports on them.
type AutomationRunner interface {
	// StartAutomation starts the document and returns the execution id
	// without waiting for the run.
	StartAutomation(ctx context.Context, req AutomationRequest) (string, error)

	// AutomationStatus reports the state of a previously started execution.
	AutomationStatus(ctx context.Context, executionID string) (*AutomationExecution, error)
}

// DocumentRegistrar registers the mount automation document.
type DocumentRegistrar interface {
	// EnsureDocument creates the document or updates it to the given content.
	// It returns the default version after the call.
	EnsureDocument(ctx context.Context, name, content string) (string, error)
}
