package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/GoCodeAlone/volumeattach/platform"
)

// clientTokenNamespace seeds the UUIDv5 automation client tokens.
var clientTokenNamespace = uuid.MustParse("6f1c2a4e-9d0b-4c57-8e21-3a7b5d9c0f14")

// AttachHandler performs the side effects of each request type. Only Create
// touches the platform: it attaches the volume to the environment's
// instance and starts the mount automation without waiting for either.
type AttachHandler struct {
	instances  platform.InstanceResolver
	volumes    platform.VolumeAttacher
	automation platform.AutomationRunner
	store      platform.OperationStore
	opts       Options
	inst       instrumentation
}

func newAttachHandler(deps Dependencies, opts Options, inst instrumentation) *AttachHandler {
	if opts.Device == "" {
		opts.Device = platform.DefaultDevice
	}
	if opts.DocumentName == "" {
		opts.DocumentName = platform.DefaultDocumentName
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = DefaultOptions().LockTTL
	}
	return &AttachHandler{
		instances:  deps.Instances,
		volumes:    deps.Volumes,
		automation: deps.Automation,
		store:      deps.Store,
		opts:       opts,
		inst:       inst,
	}
}

// Create attaches the volume named by volume-id to the instance tagged with
// cloud9-id and starts the mount automation. The attach is always issued
// before the automation is started.
func (h *AttachHandler) Create(ctx context.Context, event *platform.LifecycleEvent) (*platform.OperationResult, error) {
	volumeID, ok := event.StringProperty(platform.PropertyVolumeID)
	if !ok {
		return nil, &platform.MissingPropertyError{Property: platform.PropertyVolumeID}
	}
	environmentID, ok := event.StringProperty(platform.PropertyEnvironment)
	if !ok {
		return nil, &platform.MissingPropertyError{Property: platform.PropertyEnvironment}
	}

	lock, err := h.store.Lock(ctx, lockKey(volumeID), h.opts.LockTTL)
	if err != nil {
		return nil, fmt.Errorf("lock volume %s: %w", volumeID, err)
	}
	defer func() {
		if err := lock.Unlock(context.WithoutCancel(ctx)); err != nil {
			h.inst.logger.Warn("failed to release volume lock", "volumeId", volumeID, "error", err)
		}
	}()

	var instance *platform.Instance
	err = h.inst.call(ctx, "ec2", "DescribeInstances", func(ctx context.Context) error {
		var rerr error
		instance, rerr = h.instances.ResolveInstance(ctx, environmentID)
		return rerr
	})
	if err != nil {
		return nil, fmt.Errorf("resolve instance for environment %s: %w", environmentID, err)
	}

	physicalID := platform.PhysicalID(instance.InstanceID, volumeID)
	logger := h.inst.logger.With("physicalResourceId", physicalID, "requestId", event.RequestID)

	rec := h.loadRecord(ctx, physicalID)
	if rec == nil {
		rec = &platform.OperationRecord{
			PhysicalResourceID: physicalID,
			RequestID:          event.RequestID,
			InstanceID:         instance.InstanceID,
			VolumeID:           volumeID,
			Device:             h.opts.Device,
		}
	}
	reuse := reusableExecution(rec, event.RequestID)
	if !reuse && rec.AutomationExecutionID != "" {
		logger.Info("previous mount automation will be replaced",
			"automationExecutionId", rec.AutomationExecutionID, "status", rec.Status, "previousRequestId", rec.RequestID)
		rec.AutomationExecutionID = ""
	}
	rec.RequestID = event.RequestID
	rec.Status = platform.OperationPending
	rec.Error = ""

	h.warnForeignRecords(ctx, instance.InstanceID, volumeID)

	attachedNow, err := h.attach(ctx, instance, volumeID)
	if err != nil {
		h.fail(ctx, rec, err)
		return nil, err
	}
	if attachedNow {
		rec.AttachIssued = true
		rec.Compensated = false
		h.save(ctx, rec)
		logger.Info("volume attach issued", "device", h.opts.Device)
	} else {
		logger.Info("volume already attached to instance, attach skipped")
	}

	if reuse {
		logger.Info("mount automation already started", "automationExecutionId", rec.AutomationExecutionID)
		return h.result(rec), nil
	}

	// The attach can take a while; keep the volume lock for the trigger.
	if err := lock.Refresh(ctx, h.opts.LockTTL); err != nil {
		logger.Warn("failed to refresh volume lock", "error", err)
	}

	executionID, err := h.startAutomation(ctx, event.RequestID, instance.InstanceID, volumeID)
	if err != nil {
		if !attachedNow {
			h.fail(ctx, rec, err)
			return nil, fmt.Errorf("start mount automation: %w", err)
		}
		partial := &platform.PartialCreateError{Err: err}
		if h.opts.CompensateOnFailure {
			partial.CompensationErr = h.compensate(ctx, instance.InstanceID, volumeID)
			rec.Compensated = partial.CompensationErr == nil
		}
		h.fail(ctx, rec, err)
		partial.Record = *rec
		return nil, partial
	}

	rec.AutomationExecutionID = executionID
	h.save(ctx, rec)
	logger.Info("mount automation started", "automationExecutionId", executionID,
		"document", h.opts.DocumentName)
	return h.result(rec), nil
}

// Update returns the existing physical resource id. The volume is never
// re-pointed.
func (h *AttachHandler) Update(_ context.Context, event *platform.LifecycleEvent) (*platform.OperationResult, error) {
	if event.PhysicalResourceID == "" {
		return nil, &platform.MissingPhysicalIDError{RequestType: event.RequestType}
	}
	oldVolume, _ := event.OldStringProperty(platform.PropertyVolumeID)
	newVolume, _ := event.StringProperty(platform.PropertyVolumeID)
	if oldVolume != "" && oldVolume != newVolume {
		h.inst.logger.Warn("volume-id changed on update; existing attachment kept",
			"physicalResourceId", event.PhysicalResourceID, "old", oldVolume, "new", newVolume)
	}
	return &platform.OperationResult{PhysicalResourceID: event.PhysicalResourceID}, nil
}

// Delete returns the existing physical resource id. The volume is neither
// detached nor deleted.
func (h *AttachHandler) Delete(_ context.Context, event *platform.LifecycleEvent) (*platform.OperationResult, error) {
	if event.PhysicalResourceID == "" {
		return nil, &platform.MissingPhysicalIDError{RequestType: event.RequestType}
	}
	return &platform.OperationResult{PhysicalResourceID: event.PhysicalResourceID}, nil
}

// attach describes the volume and attaches it unless it is already attached
// or attaching to the instance. It reports whether an attach was issued.
func (h *AttachHandler) attach(ctx context.Context, instance *platform.Instance, volumeID string) (bool, error) {
	var volume *platform.Volume
	err := h.inst.call(ctx, "ec2", "DescribeVolumes", func(ctx context.Context) error {
		var derr error
		volume, derr = h.volumes.DescribeVolume(ctx, volumeID)
		return derr
	})
	if err != nil {
		return false, fmt.Errorf("describe volume %s: %w", volumeID, err)
	}

	if volume.AvailabilityZone != "" && instance.AvailabilityZone != "" &&
		volume.AvailabilityZone != instance.AvailabilityZone {
		return false, &platform.AvailabilityZoneMismatchError{
			VolumeID:     volumeID,
			VolumeZone:   volume.AvailabilityZone,
			InstanceID:   instance.InstanceID,
			InstanceZone: instance.AvailabilityZone,
		}
	}

	if current, ok := volume.AttachmentFor(instance.InstanceID); ok && current.State.Active() {
		if current.Device != "" && current.Device != h.opts.Device {
			h.inst.logger.Warn("volume attached at unexpected device", "volumeId", volumeID,
				"device", current.Device, "expected", h.opts.Device)
		}
		return false, nil
	}
	for _, a := range volume.Attachments {
		if a.State != platform.AttachmentDetached {
			return false, &platform.VolumeInUseError{VolumeID: volumeID, InstanceID: a.InstanceID, State: a.State}
		}
	}

	err = h.inst.call(ctx, "ec2", "AttachVolume", func(ctx context.Context) error {
		_, aerr := h.volumes.AttachVolume(ctx, volumeID, instance.InstanceID, h.opts.Device)
		return aerr
	})
	if err != nil {
		return false, fmt.Errorf("attach volume %s to %s: %w", volumeID, instance.InstanceID, err)
	}
	return true, nil
}

func (h *AttachHandler) startAutomation(ctx context.Context, requestID, instanceID, volumeID string) (string, error) {
	req := platform.AutomationRequest{
		DocumentName: h.opts.DocumentName,
		Parameters: map[string][]string{
			platform.AutomationParamInstanceID: {instanceID},
			platform.AutomationParamVolumeID:   {volumeID},
		},
		ClientToken: ClientToken(requestID, instanceID, volumeID),
	}
	var executionID string
	err := h.inst.call(ctx, "ssm", "StartAutomationExecution", func(ctx context.Context) error {
		var serr error
		executionID, serr = h.automation.StartAutomation(ctx, req)
		return serr
	})
	return executionID, err
}

func (h *AttachHandler) compensate(ctx context.Context, instanceID, volumeID string) error {
	err := h.inst.call(ctx, "ec2", "DetachVolume", func(ctx context.Context) error {
		return h.volumes.DetachVolume(ctx, volumeID, instanceID, h.opts.Device)
	})
	if err != nil {
		h.inst.logger.Error("compensating detach failed", "volumeId", volumeID, "instanceId", instanceID, "error", err)
		return err
	}
	h.inst.logger.Info("compensating detach issued", "volumeId", volumeID, "instanceId", instanceID)
	return nil
}

// reusableExecution reports whether the execution stored on rec still serves
// requestID. A failed execution is never reused. A finished execution is
// reused only by retries of the request that started it, so a later Create
// for the same pair mounts again.
func reusableExecution(rec *platform.OperationRecord, requestID string) bool {
	if rec.AutomationExecutionID == "" {
		return false
	}
	switch rec.Status {
	case platform.OperationFailed:
		return false
	case platform.OperationPending:
		return true
	default:
		return rec.RequestID == requestID
	}
}

// warnForeignRecords logs operations recorded for the volume against other
// instances that have not failed. The volume's attachments decide whether
// the attach goes ahead.
func (h *AttachHandler) warnForeignRecords(ctx context.Context, instanceID, volumeID string) {
	recs, err := h.store.ListOperations(ctx, volumeID)
	if err != nil {
		h.inst.logger.Warn("failed to list operation records", "volumeId", volumeID, "error", err)
		return
	}
	for _, r := range recs {
		if r.InstanceID == instanceID || r.Status == platform.OperationFailed {
			continue
		}
		h.inst.logger.Warn("volume has an operation recorded on another instance", "volumeId", volumeID,
			"otherPhysicalResourceId", r.PhysicalResourceID, "status", r.Status)
	}
}

// loadRecord returns the stored record for physicalID, or nil if there is
// none or the store cannot be read.
func (h *AttachHandler) loadRecord(ctx context.Context, physicalID string) *platform.OperationRecord {
	rec, err := h.store.GetOperation(ctx, physicalID)
	if err != nil {
		if !platform.IsNotFound(err) {
			h.inst.logger.Warn("failed to load operation record", "physicalResourceId", physicalID, "error", err)
		}
		return nil
	}
	return rec
}

// save persists rec. Store failures after a side effect are logged and do
// not fail the request.
func (h *AttachHandler) save(ctx context.Context, rec *platform.OperationRecord) {
	if err := h.store.SaveOperation(context.WithoutCancel(ctx), rec); err != nil {
		h.inst.logger.Warn("failed to save operation record", "physicalResourceId", rec.PhysicalResourceID, "error", err)
	}
}

func (h *AttachHandler) fail(ctx context.Context, rec *platform.OperationRecord, err error) {
	rec.Status = platform.OperationFailed
	rec.Error = err.Error()
	h.save(ctx, rec)
}

func (h *AttachHandler) result(rec *platform.OperationRecord) *platform.OperationResult {
	data := map[string]any{platform.DataDevice: rec.Device}
	if rec.AutomationExecutionID != "" {
		data[platform.DataAutomationExecutionID] = rec.AutomationExecutionID
	}
	return &platform.OperationResult{
		PhysicalResourceID: rec.PhysicalResourceID,
		InstanceID:         rec.InstanceID,
		VolumeID:           rec.VolumeID,
		Data:               data,
	}
}

// ClientToken derives the idempotency token for the automation started for
// one request. Retries of the same request produce the same token.
func ClientToken(requestID, instanceID, volumeID string) string {
	return uuid.NewSHA1(clientTokenNamespace, []byte(requestID+"\x00"+instanceID+"\x00"+volumeID)).String()
}

func lockKey(volumeID string) string {
	return "volume/" + volumeID
}

// IsLockConflict reports whether err came from a Create that lost the
// per-volume lock to a concurrent request.
func IsLockConflict(err error) bool {
	var conflict *platform.LockConflictError
	return errors.As(err, &conflict)
}
