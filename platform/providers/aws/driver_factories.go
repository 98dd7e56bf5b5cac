package aws

import (
	awsv2 "github.com/aws/aws-sdk-go-v2/aws"

	"github.com/GoCodeAlone/volumeattach/platform"
	"github.com/GoCodeAlone/volumeattach/platform/providers/aws/drivers"
)

// Driver factory functions bridge between the provider (aws package) and the
// drivers sub-package so that registerDrivers can build every collaborator
// from a single AWS config.

func NewInstanceResolver(cfg awsv2.Config, tagKey string) platform.InstanceResolver {
	return drivers.NewInstanceDriver(cfg, tagKey)
}

func NewVolumeAttacher(cfg awsv2.Config) platform.VolumeAttacher {
	return drivers.NewVolumeDriver(cfg)
}

func NewAutomationRunner(cfg awsv2.Config, pollRate float64) platform.AutomationRunner {
	return drivers.NewAutomationDriver(cfg, pollRate)
}

func NewDocumentRegistrar(cfg awsv2.Config) platform.DocumentRegistrar {
	return drivers.NewDocumentDriver(cfg)
}
