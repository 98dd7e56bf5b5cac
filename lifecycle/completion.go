package lifecycle

import (
	"context"
	"fmt"

	"github.com/GoCodeAlone/volumeattach/platform"
)

// Keys added to CompletionResult.Data once the automation has finished.
const (
	DataAutomationStatus = "AutomationStatus"
)

// CompletionPoller answers is-complete polls. A Create is complete when its
// mount automation succeeds; Update and Delete complete immediately.
type CompletionPoller struct {
	automation platform.AutomationRunner
	store      platform.OperationStore
	verify     bool
	inst       instrumentation
}

func newCompletionPoller(deps Dependencies, opts Options, inst instrumentation) *CompletionPoller {
	return &CompletionPoller{
		automation: deps.Automation,
		store:      deps.Store,
		verify:     opts.VerifyCompletion,
		inst:       inst,
	}
}

// IsComplete resolves the automation execution for event and maps its
// status. The execution id is read from the event Data first, then from the
// operation store. A Create with no known execution is complete.
func (p *CompletionPoller) IsComplete(ctx context.Context, event *platform.LifecycleEvent) (*platform.CompletionResult, error) {
	if !p.verify || event.RequestType != platform.RequestCreate {
		return &platform.CompletionResult{IsComplete: true}, nil
	}

	executionID := event.DataString(platform.DataAutomationExecutionID)
	var rec *platform.OperationRecord
	if event.PhysicalResourceID != "" {
		stored, err := p.store.GetOperation(ctx, event.PhysicalResourceID)
		switch {
		case err == nil:
			rec = stored
			if executionID == "" {
				executionID = stored.AutomationExecutionID
			}
		case !platform.IsNotFound(err):
			p.inst.logger.Warn("failed to load operation record", "physicalResourceId", event.PhysicalResourceID, "error", err)
		}
	}
	if executionID == "" {
		p.inst.logger.Info("no automation execution recorded, reporting complete",
			"physicalResourceId", event.PhysicalResourceID)
		p.inst.metrics.RecordCompletionPoll(string(platform.AutomationComplete))
		return &platform.CompletionResult{IsComplete: true}, nil
	}

	var exec *platform.AutomationExecution
	err := p.inst.call(ctx, "ssm", "GetAutomationExecution", func(ctx context.Context) error {
		var serr error
		exec, serr = p.automation.AutomationStatus(ctx, executionID)
		return serr
	})
	if err != nil {
		if platform.IsNotFound(err) {
			return nil, fmt.Errorf("automation execution %s: %w", executionID, err)
		}
		// Throttling and other transient failures leave the poll pending so
		// the framework asks again.
		p.inst.logger.Warn("automation status unavailable", "automationExecutionId", executionID, "error", err)
		p.inst.metrics.RecordCompletionPoll(string(platform.AutomationPending))
		return &platform.CompletionResult{IsComplete: false}, nil
	}

	p.inst.metrics.RecordCompletionPoll(string(exec.Status))
	logger := p.inst.logger.With("automationExecutionId", executionID, "platformStatus", exec.PlatformStatus)

	switch exec.Status {
	case platform.AutomationComplete:
		logger.Info("mount automation complete")
		p.finish(ctx, rec, platform.OperationComplete, "")
		return &platform.CompletionResult{
			IsComplete: true,
			Data: map[string]any{
				platform.DataAutomationExecutionID: executionID,
				DataAutomationStatus:               exec.PlatformStatus,
			},
		}, nil
	case platform.AutomationFailed:
		failure := &platform.AutomationFailedError{
			ExecutionID:    executionID,
			PlatformStatus: exec.PlatformStatus,
			Message:        exec.FailureMessage,
		}
		logger.Error("mount automation failed", "error", failure)
		p.finish(ctx, rec, platform.OperationFailed, failure.Error())
		return nil, failure
	default:
		logger.Debug("mount automation in progress")
		return &platform.CompletionResult{IsComplete: false}, nil
	}
}

// finish records the terminal status on rec when one was loaded.
func (p *CompletionPoller) finish(ctx context.Context, rec *platform.OperationRecord, status platform.OperationStatus, msg string) {
	if rec == nil || rec.Status == status {
		return
	}
	rec.Status = status
	rec.Error = msg
	if err := p.store.SaveOperation(context.WithoutCancel(ctx), rec); err != nil {
		p.inst.logger.Warn("failed to save operation record", "physicalResourceId", rec.PhysicalResourceID, "error", err)
	}
}
