package aws

import (
	"context"
	"fmt"

	awsv2 "github.com/aws/aws-sdk-go-v2/aws"
	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
)

// DefaultRegion is used when neither the options nor the environment name one.
const DefaultRegion = "us-east-1"

// Options configures the AWS provider. Empty fields fall back to the SDK's
// default credential and region chain.
type Options struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	Profile         string

	// RoleARN, when set, is assumed through STS before any driver is built.
	RoleARN    string
	ExternalID string

	EnvironmentTagKey string
	AutomationPoll    float64

	// StateTable selects the DynamoDB operation store. StateBucket adds an
	// S3 archive of each saved record.
	StateTable  string
	StateBucket string
}

// loadSDKConfig resolves an aws.Config from opts using the SDK loader.
func loadSDKConfig(ctx context.Context, opts Options) (awsv2.Config, error) {
	loadOpts := []func(*awscfg.LoadOptions) error{}
	if opts.Region != "" {
		loadOpts = append(loadOpts, awscfg.WithRegion(opts.Region))
	}
	if opts.Profile != "" {
		loadOpts = append(loadOpts, awscfg.WithSharedConfigProfile(opts.Profile))
	}
	if opts.AccessKeyID != "" && opts.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awscfg.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, opts.SessionToken),
		))
	}

	cfg, err := awscfg.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return awsv2.Config{}, fmt.Errorf("aws: load config: %w", err)
	}
	if cfg.Region == "" {
		cfg.Region = DefaultRegion
	}
	return cfg, nil
}
