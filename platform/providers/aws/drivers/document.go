package drivers

import (
	"context"
	"encoding/json"
	"fmt"

	awsv2 "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"

	"github.com/GoCodeAlone/volumeattach/platform"
)

// Mount document defaults.
const (
	DefaultDocumentName      = platform.DefaultDocumentName
	DefaultDevice            = platform.DefaultDevice
	DefaultMountPoint        = "/data"
	DefaultFilesystem        = "xfs"
	DefaultAttachWaitSeconds = 600
)

// Parameter names of the mount document. StartAutomation callers must use
// exactly these.
const (
	ParamInstanceID = platform.AutomationParamInstanceID
	ParamVolumeID   = platform.AutomationParamVolumeID
)

// MountDocumentSpec describes the mount sequence the document runs.
type MountDocumentSpec struct {
	Device            string
	MountPoint        string
	Filesystem        string
	AttachWaitSeconds int
}

// DefaultMountDocumentSpec returns the spec with the default device and mount point.
func DefaultMountDocumentSpec() MountDocumentSpec {
	return MountDocumentSpec{
		Device:            DefaultDevice,
		MountPoint:        DefaultMountPoint,
		Filesystem:        DefaultFilesystem,
		AttachWaitSeconds: DefaultAttachWaitSeconds,
	}
}

type automationDocument struct {
	SchemaVersion string                       `json:"schemaVersion"`
	Description   string                       `json:"description"`
	Parameters    map[string]documentParameter `json:"parameters"`
	MainSteps     []documentStep               `json:"mainSteps"`
}

type documentParameter struct {
	Type        string `json:"type"`
	Description string `json:"description"`
}

type documentStep struct {
	Name           string         `json:"name"`
	Action         string         `json:"action"`
	TimeoutSeconds int            `json:"timeoutSeconds,omitempty"`
	Inputs         map[string]any `json:"inputs"`
}

// RenderMountDocument returns the Automation document JSON: wait for the
// volume attachment to reach "attached", then make a filesystem on the
// device and mount it.
func RenderMountDocument(spec MountDocumentSpec) (string, error) {
	if spec.Device == "" || spec.MountPoint == "" || spec.Filesystem == "" {
		return "", fmt.Errorf("document: device, mount point and filesystem are required")
	}
	wait := spec.AttachWaitSeconds
	if wait <= 0 {
		wait = DefaultAttachWaitSeconds
	}

	doc := automationDocument{
		SchemaVersion: "0.3",
		Description:   "Wait for an EBS volume to attach, then format and mount it",
		Parameters: map[string]documentParameter{
			ParamInstanceID: {Type: "String", Description: "(Required) The ID of the EC2 Instance."},
			ParamVolumeID:   {Type: "String", Description: "(Required) The ID of the volume."},
		},
		MainSteps: []documentStep{
			{
				Name:           "VerifyVolumeAttached",
				Action:         "aws:waitForAwsResourceProperty",
				TimeoutSeconds: wait,
				Inputs: map[string]any{
					"Service":          "ec2",
					"Api":              "DescribeVolumes",
					"VolumeIds":        []string{"{{ " + ParamVolumeID + " }}"},
					"PropertySelector": "$.Volumes[0].Attachments[0].State",
					"DesiredValues":    []string{"attached"},
				},
			},
			{
				Name:   "MountVolume",
				Action: "aws:runCommand",
				Inputs: map[string]any{
					"DocumentName": "AWS-RunShellScript",
					"InstanceIds":  []string{"{{" + ParamInstanceID + "}}"},
					"Parameters": map[string]any{
						"commands": []string{
							`echo "STARTING MOUNT SEQUENCE"`,
							"echo $(lsblk)",
							fmt.Sprintf("mkfs -t %s %s", spec.Filesystem, spec.Device),
							fmt.Sprintf("mkdir %s", spec.MountPoint),
							fmt.Sprintf("mount %s %s", spec.Device, spec.MountPoint),
							`echo "FINISHED MOUNT SEQUENCE"`,
						},
					},
				},
			},
		},
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("document: marshal: %w", err)
	}
	return string(data), nil
}

// SSMDocumentClient defines the SSM operations for document registration.
type SSMDocumentClient interface {
	CreateDocument(ctx context.Context, params *ssm.CreateDocumentInput, optFns ...func(*ssm.Options)) (*ssm.CreateDocumentOutput, error)
	UpdateDocument(ctx context.Context, params *ssm.UpdateDocumentInput, optFns ...func(*ssm.Options)) (*ssm.UpdateDocumentOutput, error)
	UpdateDocumentDefaultVersion(ctx context.Context, params *ssm.UpdateDocumentDefaultVersionInput, optFns ...func(*ssm.Options)) (*ssm.UpdateDocumentDefaultVersionOutput, error)
}

// DocumentDriver registers Automation documents.
type DocumentDriver struct {
	client SSMDocumentClient
}

// NewDocumentDriver creates a new document driver.
func NewDocumentDriver(cfg awsv2.Config) *DocumentDriver {
	return &DocumentDriver{client: ssm.NewFromConfig(cfg)}
}

// NewDocumentDriverWithClient creates a document driver with a custom client.
func NewDocumentDriverWithClient(client SSMDocumentClient) *DocumentDriver {
	return &DocumentDriver{client: client}
}

// EnsureDocument creates the document, or updates it and promotes the new
// version to default. Unchanged content is left alone.
func (d *DocumentDriver) EnsureDocument(ctx context.Context, name, content string) (string, error) {
	created, err := d.client.CreateDocument(ctx, &ssm.CreateDocumentInput{
		Name:           awsv2.String(name),
		Content:        awsv2.String(content),
		DocumentType:   ssmtypes.DocumentTypeAutomation,
		DocumentFormat: ssmtypes.DocumentFormatJson,
	})
	if err == nil {
		return documentVersion(created.DocumentDescription), nil
	}
	if apiErrorCode(err) != "DocumentAlreadyExists" {
		return "", fmt.Errorf("document: create %q: %w", name, err)
	}

	updated, err := d.client.UpdateDocument(ctx, &ssm.UpdateDocumentInput{
		Name:            awsv2.String(name),
		Content:         awsv2.String(content),
		DocumentFormat:  ssmtypes.DocumentFormatJson,
		DocumentVersion: awsv2.String("$LATEST"),
	})
	if err != nil {
		if apiErrorCode(err) == "DuplicateDocumentContent" {
			return "", nil
		}
		return "", fmt.Errorf("document: update %q: %w", name, err)
	}

	version := documentVersion(updated.DocumentDescription)
	if version == "" {
		return "", nil
	}
	_, err = d.client.UpdateDocumentDefaultVersion(ctx, &ssm.UpdateDocumentDefaultVersionInput{
		Name:            awsv2.String(name),
		DocumentVersion: awsv2.String(version),
	})
	if err != nil {
		return "", fmt.Errorf("document: set default version %s of %q: %w", version, name, err)
	}
	return version, nil
}

func documentVersion(desc *ssmtypes.DocumentDescription) string {
	if desc == nil {
		return ""
	}
	return deref(desc.DocumentVersion)
}

var _ platform.DocumentRegistrar = (*DocumentDriver)(nil)
