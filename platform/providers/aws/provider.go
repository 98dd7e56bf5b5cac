// Package aws wires the platform collaborators to Amazon Web Services: EC2
// for instance resolution and volume attachment, SSM for the mount
// automation, STS for cross-account roles and DynamoDB/S3 for operation
// records.
package aws

import (
	"context"
	"sync"

	awsv2 "github.com/aws/aws-sdk-go-v2/aws"

	"github.com/GoCodeAlone/volumeattach/platform"
)

const (
	ProviderName    = "aws"
	ProviderVersion = "0.1.0"
)

// AWSProvider owns the SDK config and the drivers built from it.
type AWSProvider struct {
	mu          sync.RWMutex
	initialized bool
	cfg         awsv2.Config
	credBroker  *AWSCredentialBroker
	stateStore  *AWSStateStore

	instances  platform.InstanceResolver
	volumes    platform.VolumeAttacher
	automation platform.AutomationRunner
	documents  platform.DocumentRegistrar
}

// NewProvider creates a new, uninitialized AWS provider.
func NewProvider() *AWSProvider {
	return &AWSProvider{}
}

func (p *AWSProvider) Name() string    { return ProviderName }
func (p *AWSProvider) Version() string { return ProviderVersion }

// Initialize loads the SDK config, assumes opts.RoleARN when set and builds
// the drivers and the optional DynamoDB store.
func (p *AWSProvider) Initialize(ctx context.Context, opts Options) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	cfg, err := loadSDKConfig(ctx, opts)
	if err != nil {
		return err
	}

	if opts.RoleARN != "" {
		p.credBroker = NewAWSCredentialBroker(cfg, opts.RoleARN, opts.ExternalID)
		cfg = p.credBroker.AssumedConfig(cfg)
	}
	p.cfg = cfg

	if opts.StateTable != "" {
		p.stateStore = NewAWSStateStore(cfg, opts.StateTable, opts.StateBucket)
	}

	p.registerDrivers(cfg, opts)
	p.initialized = true
	return nil
}

func (p *AWSProvider) registerDrivers(cfg awsv2.Config, opts Options) {
	p.instances = NewInstanceResolver(cfg, opts.EnvironmentTagKey)
	p.volumes = NewVolumeAttacher(cfg)
	p.automation = NewAutomationRunner(cfg, opts.AutomationPoll)
	p.documents = NewDocumentRegistrar(cfg)
}

// Config returns the resolved SDK config.
func (p *AWSProvider) Config() awsv2.Config {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cfg
}

func (p *AWSProvider) Instances() platform.InstanceResolver {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.instances
}

func (p *AWSProvider) Volumes() platform.VolumeAttacher {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.volumes
}

func (p *AWSProvider) Automation() platform.AutomationRunner {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.automation
}

func (p *AWSProvider) Documents() platform.DocumentRegistrar {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.documents
}

// CredentialBroker returns the role broker, or nil when no role is assumed.
func (p *AWSProvider) CredentialBroker() *AWSCredentialBroker {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.credBroker
}

// StateStore returns the DynamoDB store, or nil when no table is configured.
func (p *AWSProvider) StateStore() platform.OperationStore {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stateStore == nil {
		return nil
	}
	return p.stateStore
}

func (p *AWSProvider) Healthy(ctx context.Context) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.initialized {
		return platform.ErrProviderNotInitialized
	}
	return nil
}

func (p *AWSProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.initialized = false
	return nil
}
