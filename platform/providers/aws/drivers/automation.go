package drivers

import (
	"context"
	"fmt"

	awsv2 "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"golang.org/x/time/rate"

	"github.com/GoCodeAlone/volumeattach/platform"
)

// SSMAutomationClient defines the SSM operations for automation executions.
type SSMAutomationClient interface {
	StartAutomationExecution(ctx context.Context, params *ssm.StartAutomationExecutionInput, optFns ...func(*ssm.Options)) (*ssm.StartAutomationExecutionOutput, error)
	GetAutomationExecution(ctx context.Context, params *ssm.GetAutomationExecutionInput, optFns ...func(*ssm.Options)) (*ssm.GetAutomationExecutionOutput, error)
}

// AutomationDriver starts SSM Automation documents and reads their status.
// Status reads share one rate limiter.
type AutomationDriver struct {
	client  SSMAutomationClient
	limiter *rate.Limiter
}

// NewAutomationDriver creates a new automation driver. A non-positive
// pollRate disables status throttling.
func NewAutomationDriver(cfg awsv2.Config, pollRate float64) *AutomationDriver {
	return NewAutomationDriverWithClient(ssm.NewFromConfig(cfg), pollRate)
}

// NewAutomationDriverWithClient creates an automation driver with a custom client.
func NewAutomationDriverWithClient(client SSMAutomationClient, pollRate float64) *AutomationDriver {
	limit := rate.Inf
	if pollRate > 0 {
		limit = rate.Limit(pollRate)
	}
	return &AutomationDriver{client: client, limiter: rate.NewLimiter(limit, 1)}
}

// StartAutomation starts req.DocumentName and returns the execution id.
func (d *AutomationDriver) StartAutomation(ctx context.Context, req platform.AutomationRequest) (string, error) {
	input := &ssm.StartAutomationExecutionInput{
		DocumentName: awsv2.String(req.DocumentName),
		Parameters:   req.Parameters,
	}
	if req.ClientToken != "" {
		input.ClientToken = awsv2.String(req.ClientToken)
	}

	out, err := d.client.StartAutomationExecution(ctx, input)
	if err != nil {
		return "", fmt.Errorf("automation: start %q: %w", req.DocumentName, err)
	}
	id := deref(out.AutomationExecutionId)
	if id == "" {
		return "", fmt.Errorf("automation: start %q: no execution id returned", req.DocumentName)
	}
	return id, nil
}

// AutomationStatus returns the mapped status of an execution. Calls are
// rate limited.
func (d *AutomationDriver) AutomationStatus(ctx context.Context, executionID string) (*platform.AutomationExecution, error) {
	if err := d.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("automation: status %q: %w", executionID, err)
	}

	out, err := d.client.GetAutomationExecution(ctx, &ssm.GetAutomationExecutionInput{
		AutomationExecutionId: awsv2.String(executionID),
	})
	if err != nil {
		if apiErrorCode(err) == "AutomationExecutionNotFoundException" {
			return nil, &platform.ResourceNotFoundError{Name: executionID, Provider: "aws"}
		}
		return nil, fmt.Errorf("automation: status %q: %w", executionID, err)
	}
	if out.AutomationExecution == nil {
		return nil, &platform.ResourceNotFoundError{Name: executionID, Provider: "aws"}
	}

	status := string(out.AutomationExecution.AutomationExecutionStatus)
	return &platform.AutomationExecution{
		ExecutionID:    executionID,
		Status:         MapAutomationStatus(status),
		PlatformStatus: status,
		FailureMessage: deref(out.AutomationExecution.FailureMessage),
	}, nil
}

// MapAutomationStatus folds SSM execution states into pending, complete
// and failed. Unknown states count as pending.
func MapAutomationStatus(status string) platform.AutomationStatus {
	switch status {
	case "Success", "CompletedWithSuccess":
		return platform.AutomationComplete
	case "Failed", "TimedOut", "Cancelled", "Cancelling", "Rejected",
		"CompletedWithFailure", "ChangeCalendarOverrideRejected", "Exited":
		return platform.AutomationFailed
	default:
		return platform.AutomationPending
	}
}

var _ platform.AutomationRunner = (*AutomationDriver)(nil)
