package drivers

import (
	"context"
	"fmt"

	awsv2 "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"

	"github.com/GoCodeAlone/volumeattach/platform"
)

// EC2VolumeClient defines the EC2 operations for volume attachment.
type EC2VolumeClient interface {
	DescribeVolumes(ctx context.Context, params *ec2.DescribeVolumesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeVolumesOutput, error)
	AttachVolume(ctx context.Context, params *ec2.AttachVolumeInput, optFns ...func(*ec2.Options)) (*ec2.AttachVolumeOutput, error)
	DetachVolume(ctx context.Context, params *ec2.DetachVolumeInput, optFns ...func(*ec2.Options)) (*ec2.DetachVolumeOutput, error)
}

// VolumeDriver manages EBS volume attachments.
type VolumeDriver struct {
	client EC2VolumeClient
}

// NewVolumeDriver creates a new volume driver.
func NewVolumeDriver(cfg awsv2.Config) *VolumeDriver {
	return &VolumeDriver{client: ec2.NewFromConfig(cfg)}
}

// NewVolumeDriverWithClient creates a volume driver with a custom client.
func NewVolumeDriverWithClient(client EC2VolumeClient) *VolumeDriver {
	return &VolumeDriver{client: client}
}

func (d *VolumeDriver) DescribeVolume(ctx context.Context, volumeID string) (*platform.Volume, error) {
	out, err := d.client.DescribeVolumes(ctx, &ec2.DescribeVolumesInput{
		VolumeIds: []string{volumeID},
	})
	if err != nil {
		if apiErrorCode(err) == "InvalidVolume.NotFound" {
			return nil, &platform.ResourceNotFoundError{Name: volumeID, Provider: "aws"}
		}
		return nil, fmt.Errorf("volume: describe %q: %w", volumeID, err)
	}
	if len(out.Volumes) == 0 {
		return nil, &platform.ResourceNotFoundError{Name: volumeID, Provider: "aws"}
	}
	return volumeFromEC2(&out.Volumes[0]), nil
}

// AttachVolume issues the attach and returns the state the platform reports
// right away, normally "attaching".
func (d *VolumeDriver) AttachVolume(ctx context.Context, volumeID, instanceID, device string) (platform.AttachmentState, error) {
	out, err := d.client.AttachVolume(ctx, &ec2.AttachVolumeInput{
		Device:     awsv2.String(device),
		InstanceId: awsv2.String(instanceID),
		VolumeId:   awsv2.String(volumeID),
	})
	if err != nil {
		return "", fmt.Errorf("volume: attach %q to %q at %s: %w", volumeID, instanceID, device, err)
	}
	return platform.AttachmentState(out.State), nil
}

// DetachVolume requests a detach. A volume that is already detached is not
// an error.
func (d *VolumeDriver) DetachVolume(ctx context.Context, volumeID, instanceID, device string) error {
	input := &ec2.DetachVolumeInput{
		VolumeId:   awsv2.String(volumeID),
		InstanceId: awsv2.String(instanceID),
	}
	if device != "" {
		input.Device = awsv2.String(device)
	}
	_, err := d.client.DetachVolume(ctx, input)
	if err != nil {
		if apiErrorCode(err) == "IncorrectState" {
			return nil
		}
		return fmt.Errorf("volume: detach %q from %q: %w", volumeID, instanceID, err)
	}
	return nil
}

func volumeFromEC2(v *ec2types.Volume) *platform.Volume {
	out := &platform.Volume{
		VolumeID:         deref(v.VolumeId),
		AvailabilityZone: deref(v.AvailabilityZone),
		State:            string(v.State),
	}
	for _, a := range v.Attachments {
		out.Attachments = append(out.Attachments, platform.VolumeAttachment{
			InstanceID: deref(a.InstanceId),
			Device:     deref(a.Device),
			State:      platform.AttachmentState(a.State),
		})
	}
	return out
}

var _ platform.VolumeAttacher = (*VolumeDriver)(nil)
