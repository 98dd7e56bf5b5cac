package drivers

import (
	"context"
	"fmt"

	awsv2 "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"

	"github.com/GoCodeAlone/volumeattach/platform"
)

// DefaultEnvironmentTagKey is the tag Cloud9 puts on the EC2 instance that
// backs an environment.
const DefaultEnvironmentTagKey = "aws:cloud9:environment"

// EC2InstanceClient defines the EC2 operations for instance lookup.
type EC2InstanceClient interface {
	DescribeInstances(ctx context.Context, params *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
}

// InstanceDriver resolves IDE environments to EC2 instances.
type InstanceDriver struct {
	client EC2InstanceClient
	tagKey string
}

// NewInstanceDriver creates a new instance driver.
func NewInstanceDriver(cfg awsv2.Config, tagKey string) *InstanceDriver {
	return NewInstanceDriverWithClient(ec2.NewFromConfig(cfg), tagKey)
}

// NewInstanceDriverWithClient creates an instance driver with a custom client.
func NewInstanceDriverWithClient(client EC2InstanceClient, tagKey string) *InstanceDriver {
	if tagKey == "" {
		tagKey = DefaultEnvironmentTagKey
	}
	return &InstanceDriver{client: client, tagKey: tagKey}
}

// TagKey returns the tag instances are filtered on.
func (d *InstanceDriver) TagKey() string { return d.tagKey }

// ResolveInstance walks every page of DescribeInstances filtered on the
// environment tag and requires exactly one instance that is not on its way
// out.
func (d *InstanceDriver) ResolveInstance(ctx context.Context, environmentID string) (*platform.Instance, error) {
	input := &ec2.DescribeInstancesInput{
		Filters: []ec2types.Filter{
			{
				Name:   awsv2.String("tag:" + d.tagKey),
				Values: []string{environmentID},
			},
			{
				Name: awsv2.String("instance-state-name"),
				Values: []string{
					string(ec2types.InstanceStateNamePending),
					string(ec2types.InstanceStateNameRunning),
					string(ec2types.InstanceStateNameStopping),
					string(ec2types.InstanceStateNameStopped),
				},
			},
		},
	}

	var found []ec2types.Instance
	paginator := ec2.NewDescribeInstancesPaginator(d.client, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("instance: describe %s=%s: %w", d.tagKey, environmentID, err)
		}
		for _, r := range page.Reservations {
			found = append(found, r.Instances...)
		}
	}

	if len(found) != 1 {
		ids := make([]string, 0, len(found))
		for _, inst := range found {
			ids = append(ids, deref(inst.InstanceId))
		}
		return nil, &platform.InstanceResolutionError{TagKey: d.tagKey, TagValue: environmentID, Matches: ids}
	}
	return instanceFromEC2(&found[0]), nil
}

func instanceFromEC2(inst *ec2types.Instance) *platform.Instance {
	out := &platform.Instance{InstanceID: deref(inst.InstanceId)}
	if inst.Placement != nil {
		out.AvailabilityZone = deref(inst.Placement.AvailabilityZone)
	}
	if inst.State != nil {
		out.State = string(inst.State.Name)
	}
	return out
}

var _ platform.InstanceResolver = (*InstanceDriver)(nil)
