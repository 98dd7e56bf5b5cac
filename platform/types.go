// Package platform defines the core types and interfaces for attaching a
// persistent data volume to a cloud IDE instance in response to custom
// resource lifecycle events. Provider packages implement the collaborator
// interfaces against a real cloud; the lifecycle package drives them.
package platform

import (
	"fmt"
	"time"
)

// RequestType is the lifecycle event kind delivered by the provisioning system.
type RequestType string

const (
	// RequestCreate is sent once when the logical resource is first created.
	RequestCreate RequestType = "Create"

	// RequestUpdate is sent when the resource properties change.
	RequestUpdate RequestType = "Update"

	// RequestDelete is sent when the logical resource is removed.
	RequestDelete RequestType = "Delete"
)

// Valid returns true if the request type is one of Create, Update or Delete.
func (r RequestType) Valid() bool {
	switch r {
	case RequestCreate, RequestUpdate, RequestDelete:
		return true
	default:
		return false
	}
}

// Resource property keys read from the event on Create.
const (
	PropertyVolumeID    = "volume-id"
	PropertyEnvironment = "cloud9-id"
)

// Defaults shared by the attach handler and the mount document. The device
// attached to must be the device the document formats and mounts.
const (
	DefaultDevice       = "/dev/xvdh"
	DefaultDocumentName = "MountVolumeSSMDocument"
)

// Parameter names of the mount automation document.
const (
	AutomationParamInstanceID = "InstanceId"
	AutomationParamVolumeID   = "VolumeId"
)

// Keys placed in OperationResult.Data and read back from is-complete events.
const (
	DataAutomationExecutionID = "AutomationExecutionId"
	DataDevice                = "Device"
)

// LifecycleEvent is a custom resource request. Field names follow the
// CloudFormation wire format so events decode directly from JSON.
type LifecycleEvent struct {
	RequestType           RequestType    `json:"RequestType"`
	RequestID             string         `json:"RequestId,omitempty"`
	StackID               string         `json:"StackId,omitempty"`
	LogicalResourceID     string         `json:"LogicalResourceId,omitempty"`
	ResourceType          string         `json:"ResourceType,omitempty"`
	ServiceToken          string         `json:"ServiceToken,omitempty"`
	PhysicalResourceID    string         `json:"PhysicalResourceId,omitempty"`
	ResourceProperties    map[string]any `json:"ResourceProperties,omitempty"`
	OldResourceProperties map[string]any `json:"OldResourceProperties,omitempty"`

	// Data is the Data block of a prior OperationResult. The provider
	// framework merges it into is-complete events.
	Data map[string]any `json:"Data,omitempty"`
}

// StringProperty returns a string resource property. Non-string scalar
// values are formatted; missing, nil and empty values report false.
func (e *LifecycleEvent) StringProperty(key string) (string, bool) {
	return stringProperty(e.ResourceProperties, key)
}

// OldStringProperty is StringProperty over OldResourceProperties.
func (e *LifecycleEvent) OldStringProperty(key string) (string, bool) {
	return stringProperty(e.OldResourceProperties, key)
}

func stringProperty(props map[string]any, key string) (string, bool) {
	v, ok := props[key]
	if !ok || v == nil {
		return "", false
	}
	var s string
	switch t := v.(type) {
	case string:
		s = t
	case fmt.Stringer:
		s = t.String()
	default:
		s = fmt.Sprintf("%v", t)
	}
	if s == "" {
		return "", false
	}
	return s, true
}

// DataString returns a string value from the event's Data block.
func (e *LifecycleEvent) DataString(key string) string {
	s, _ := e.Data[key].(string)
	return s
}

// OperationResult is returned from the on-event handler. On Create it carries
// the resolved instance and the volume; on Update and Delete only the
// existing physical resource id.
type OperationResult struct {
	PhysicalResourceID string         `json:"PhysicalResourceId,omitempty"`
	InstanceID         string         `json:"InstanceId,omitempty"`
	VolumeID           string         `json:"volumeId,omitempty"`
	Data               map[string]any `json:"Data,omitempty"`
}

// CompletionResult is returned from the is-complete handler.
type CompletionResult struct {
	IsComplete bool           `json:"IsComplete"`
	Data       map[string]any `json:"Data,omitempty"`
}

// PhysicalID builds the durable identity of an attachment.
func PhysicalID(instanceID, volumeID string) string {
	return instanceID + "/" + volumeID
}

// AttachmentState is the state of a volume attachment as reported by the platform.
type AttachmentState string

const (
	AttachmentAttaching AttachmentState = "attaching"
	AttachmentAttached  AttachmentState = "attached"
	AttachmentDetaching AttachmentState = "detaching"
	AttachmentDetached  AttachmentState = "detached"
	AttachmentBusy      AttachmentState = "busy"
)

// Active reports whether the attachment holds the device or is acquiring it.
func (s AttachmentState) Active() bool {
	switch s {
	case AttachmentAttaching, AttachmentAttached, AttachmentBusy:
		return true
	}
	return false
}

// VolumeAttachment describes one attachment of a volume.
type VolumeAttachment struct {
	InstanceID string          `json:"instanceId"`
	Device     string          `json:"device"`
	State      AttachmentState `json:"state"`
}

// Volume is the subset of block-storage volume state the attach handler needs.
type Volume struct {
	VolumeID         string             `json:"volumeId"`
	AvailabilityZone string             `json:"availabilityZone"`
	State            string             `json:"state"`
	Attachments      []VolumeAttachment `json:"attachments"`
}

// AttachmentFor returns the attachment of the volume to the given instance, if any.
func (v *Volume) AttachmentFor(instanceID string) (VolumeAttachment, bool) {
	for _, a := range v.Attachments {
		if a.InstanceID == instanceID {
			return a, true
		}
	}
	return VolumeAttachment{}, false
}

// Instance is the subset of compute instance state the attach handler needs.
type Instance struct {
	InstanceID       string `json:"instanceId"`
	AvailabilityZone string `json:"availabilityZone"`
	State            string `json:"state"`
}

// AutomationStatus is the coarse state of a triggered automation execution.
type AutomationStatus string

const (
	AutomationPending  AutomationStatus = "pending"
	AutomationComplete AutomationStatus = "complete"
	AutomationFailed   AutomationStatus = "failed"
)

// AutomationExecution is the status of one automation run.
type AutomationExecution struct {
	ExecutionID    string           `json:"executionId"`
	Status         AutomationStatus `json:"status"`
	PlatformStatus string           `json:"platformStatus"`
	FailureMessage string           `json:"failureMessage,omitempty"`
}

// AutomationRequest starts a named automation document.
type AutomationRequest struct {
	DocumentName string
	Parameters   map[string][]string

	// ClientToken makes retried starts idempotent on the platform side.
	ClientToken string
}

// OperationStatus is the lifecycle state of a recorded attach operation.
type OperationStatus string

const (
	OperationPending  OperationStatus = "pending"
	OperationComplete OperationStatus = "complete"
	OperationFailed   OperationStatus = "failed"
)

// OperationRecord tracks the side effects issued for one attachment so
// retries and completion polls can see what already happened.
type OperationRecord struct {
	PhysicalResourceID    string          `json:"physicalResourceId"`
	RequestID             string          `json:"requestId"`
	InstanceID            string          `json:"instanceId"`
	VolumeID              string          `json:"volumeId"`
	Device                string          `json:"device"`
	AttachIssued          bool            `json:"attachIssued"`
	Compensated           bool            `json:"compensated"`
	AutomationExecutionID string          `json:"automationExecutionId,omitempty"`
	Status                OperationStatus `json:"status"`
	Error                 string          `json:"error,omitempty"`
	CreatedAt             time.Time       `json:"createdAt"`
	UpdatedAt             time.Time       `json:"updatedAt"`
}
