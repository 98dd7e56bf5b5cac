package drivers

import (
	"context"
	"errors"
	"testing"

	awsv2 "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"

	"github.com/GoCodeAlone/volumeattach/platform"
)

type mockEC2InstanceClient struct {
	describeFunc func(ctx context.Context, params *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
	calls        int
}

func (m *mockEC2InstanceClient) DescribeInstances(ctx context.Context, params *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error) {
	m.calls++
	if m.describeFunc != nil {
		return m.describeFunc(ctx, params, optFns...)
	}
	return &ec2.DescribeInstancesOutput{
		Reservations: []ec2types.Reservation{
			{Instances: []ec2types.Instance{testInstance("i-0abc", "ap-southeast-1a")}},
		},
	}, nil
}

func testInstance(id, az string) ec2types.Instance {
	return ec2types.Instance{
		InstanceId: awsv2.String(id),
		Placement:  &ec2types.Placement{AvailabilityZone: awsv2.String(az)},
		State:      &ec2types.InstanceState{Name: ec2types.InstanceStateNameRunning},
	}
}

func TestInstanceDriver_DefaultTagKey(t *testing.T) {
	d := NewInstanceDriverWithClient(&mockEC2InstanceClient{}, "")
	if d.TagKey() != "aws:cloud9:environment" {
		t.Errorf("TagKey() = %q, want aws:cloud9:environment", d.TagKey())
	}
}

func TestInstanceDriver_ResolveInstance(t *testing.T) {
	var gotFilters []ec2types.Filter
	client := &mockEC2InstanceClient{
		describeFunc: func(ctx context.Context, params *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error) {
			gotFilters = params.Filters
			return &ec2.DescribeInstancesOutput{
				Reservations: []ec2types.Reservation{
					{Instances: []ec2types.Instance{testInstance("i-0abc", "ap-southeast-1a")}},
				},
			}, nil
		},
	}
	d := NewInstanceDriverWithClient(client, "environment")

	inst, err := d.ResolveInstance(context.Background(), "env-42")
	if err != nil {
		t.Fatalf("ResolveInstance() error: %v", err)
	}
	if inst.InstanceID != "i-0abc" {
		t.Errorf("InstanceID = %q, want i-0abc", inst.InstanceID)
	}
	if inst.AvailabilityZone != "ap-southeast-1a" {
		t.Errorf("AvailabilityZone = %q", inst.AvailabilityZone)
	}
	if inst.State != "running" {
		t.Errorf("State = %q, want running", inst.State)
	}

	if len(gotFilters) != 2 {
		t.Fatalf("expected 2 filters, got %d", len(gotFilters))
	}
	if *gotFilters[0].Name != "tag:environment" || gotFilters[0].Values[0] != "env-42" {
		t.Errorf("tag filter = %s %v", *gotFilters[0].Name, gotFilters[0].Values)
	}
	if *gotFilters[1].Name != "instance-state-name" {
		t.Errorf("state filter = %s", *gotFilters[1].Name)
	}
	for _, v := range gotFilters[1].Values {
		if v == "terminated" || v == "shutting-down" {
			t.Errorf("state filter should exclude %s", v)
		}
	}
}

func TestInstanceDriver_ResolveInstance_NoMatch(t *testing.T) {
	d := NewInstanceDriverWithClient(&mockEC2InstanceClient{
		describeFunc: func(ctx context.Context, params *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error) {
			return &ec2.DescribeInstancesOutput{}, nil
		},
	}, "")

	_, err := d.ResolveInstance(context.Background(), "env-42")
	var resErr *platform.InstanceResolutionError
	if !errors.As(err, &resErr) {
		t.Fatalf("expected InstanceResolutionError, got %T: %v", err, err)
	}
	if len(resErr.Matches) != 0 {
		t.Errorf("Matches = %v, want none", resErr.Matches)
	}
}

func TestInstanceDriver_ResolveInstance_Ambiguous(t *testing.T) {
	d := NewInstanceDriverWithClient(&mockEC2InstanceClient{
		describeFunc: func(ctx context.Context, params *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error) {
			return &ec2.DescribeInstancesOutput{
				Reservations: []ec2types.Reservation{
					{Instances: []ec2types.Instance{testInstance("i-1", "a")}},
					{Instances: []ec2types.Instance{testInstance("i-2", "a")}},
				},
			}, nil
		},
	}, "")

	_, err := d.ResolveInstance(context.Background(), "env-42")
	var resErr *platform.InstanceResolutionError
	if !errors.As(err, &resErr) {
		t.Fatalf("expected InstanceResolutionError, got %T: %v", err, err)
	}
	if len(resErr.Matches) != 2 || resErr.Matches[0] != "i-1" || resErr.Matches[1] != "i-2" {
		t.Errorf("Matches = %v", resErr.Matches)
	}
}

func TestInstanceDriver_ResolveInstance_Paginates(t *testing.T) {
	client := &mockEC2InstanceClient{}
	client.describeFunc = func(ctx context.Context, params *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error) {
		if params.NextToken == nil {
			return &ec2.DescribeInstancesOutput{NextToken: awsv2.String("page-2")}, nil
		}
		return &ec2.DescribeInstancesOutput{
			Reservations: []ec2types.Reservation{
				{Instances: []ec2types.Instance{testInstance("i-late", "a")}},
			},
		}, nil
	}
	d := NewInstanceDriverWithClient(client, "")

	inst, err := d.ResolveInstance(context.Background(), "env-42")
	if err != nil {
		t.Fatalf("ResolveInstance() error: %v", err)
	}
	if inst.InstanceID != "i-late" {
		t.Errorf("InstanceID = %q, want i-late", inst.InstanceID)
	}
	if client.calls != 2 {
		t.Errorf("DescribeInstances called %d times, want 2", client.calls)
	}
}

func TestInstanceDriver_ResolveInstance_APIError(t *testing.T) {
	d := NewInstanceDriverWithClient(&mockEC2InstanceClient{
		describeFunc: func(ctx context.Context, params *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error) {
			return nil, errors.New("UnauthorizedOperation")
		},
	}, "")

	_, err := d.ResolveInstance(context.Background(), "env-42")
	if err == nil {
		t.Fatal("expected error")
	}
	var resErr *platform.InstanceResolutionError
	if errors.As(err, &resErr) {
		t.Error("API failures should not be reported as resolution errors")
	}
}
