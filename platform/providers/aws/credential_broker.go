package aws

import (
	"context"
	"time"

	awsv2 "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/google/uuid"
)

// maxSessionNameLen is the STS limit on RoleSessionName.
const maxSessionNameLen = 64

// STSClient defines the STS operations used by the credential broker.
type STSClient interface {
	AssumeRole(ctx context.Context, params *sts.AssumeRoleInput, optFns ...func(*sts.Options)) (*sts.AssumeRoleOutput, error)
}

// AWSCredentialBroker hands out cached, auto-refreshing credentials for a
// role assumed through STS.
type AWSCredentialBroker struct {
	stsClient   STSClient
	roleARN     string
	externalID  string
	sessionName string
	duration    time.Duration
}

// NewAWSCredentialBroker creates a credential broker backed by STS AssumeRole.
func NewAWSCredentialBroker(cfg awsv2.Config, roleARN, externalID string) *AWSCredentialBroker {
	return newCredentialBroker(sts.NewFromConfig(cfg), roleARN, externalID)
}

func newCredentialBroker(client STSClient, roleARN, externalID string) *AWSCredentialBroker {
	return &AWSCredentialBroker{
		stsClient:   client,
		roleARN:     roleARN,
		externalID:  externalID,
		sessionName: sessionName("volumeattach-" + uuid.New().String()),
		duration:    time.Hour,
	}
}

// RoleARN returns the role this broker assumes.
func (b *AWSCredentialBroker) RoleARN() string { return b.roleARN }

// CredentialsProvider returns a caching provider for the assumed role.
func (b *AWSCredentialBroker) CredentialsProvider() awsv2.CredentialsProvider {
	provider := stscreds.NewAssumeRoleProvider(b.stsClient, b.roleARN, func(o *stscreds.AssumeRoleOptions) {
		o.RoleSessionName = b.sessionName
		o.Duration = b.duration
		if b.externalID != "" {
			o.ExternalID = awsv2.String(b.externalID)
		}
	})
	return awsv2.NewCredentialsCache(provider)
}

// AssumedConfig returns a copy of base that signs requests as the role.
func (b *AWSCredentialBroker) AssumedConfig(base awsv2.Config) awsv2.Config {
	cfg := base.Copy()
	cfg.Credentials = b.CredentialsProvider()
	return cfg
}

func sessionName(name string) string {
	if len(name) > maxSessionNameLen {
		return name[:maxSessionNameLen]
	}
	return name
}

var _ STSClient = (*sts.Client)(nil)
