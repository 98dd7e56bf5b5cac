package drivers

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	awsv2 "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"github.com/aws/smithy-go"
)

type mockSSMDocumentClient struct {
	createFunc     func(ctx context.Context, params *ssm.CreateDocumentInput, optFns ...func(*ssm.Options)) (*ssm.CreateDocumentOutput, error)
	updateFunc     func(ctx context.Context, params *ssm.UpdateDocumentInput, optFns ...func(*ssm.Options)) (*ssm.UpdateDocumentOutput, error)
	setDefaultFunc func(ctx context.Context, params *ssm.UpdateDocumentDefaultVersionInput, optFns ...func(*ssm.Options)) (*ssm.UpdateDocumentDefaultVersionOutput, error)
}

func (m *mockSSMDocumentClient) CreateDocument(ctx context.Context, params *ssm.CreateDocumentInput, optFns ...func(*ssm.Options)) (*ssm.CreateDocumentOutput, error) {
	if m.createFunc != nil {
		return m.createFunc(ctx, params, optFns...)
	}
	return &ssm.CreateDocumentOutput{
		DocumentDescription: &ssmtypes.DocumentDescription{DocumentVersion: awsv2.String("1")},
	}, nil
}

func (m *mockSSMDocumentClient) UpdateDocument(ctx context.Context, params *ssm.UpdateDocumentInput, optFns ...func(*ssm.Options)) (*ssm.UpdateDocumentOutput, error) {
	if m.updateFunc != nil {
		return m.updateFunc(ctx, params, optFns...)
	}
	return &ssm.UpdateDocumentOutput{
		DocumentDescription: &ssmtypes.DocumentDescription{DocumentVersion: awsv2.String("2")},
	}, nil
}

func (m *mockSSMDocumentClient) UpdateDocumentDefaultVersion(ctx context.Context, params *ssm.UpdateDocumentDefaultVersionInput, optFns ...func(*ssm.Options)) (*ssm.UpdateDocumentDefaultVersionOutput, error) {
	if m.setDefaultFunc != nil {
		return m.setDefaultFunc(ctx, params, optFns...)
	}
	return &ssm.UpdateDocumentDefaultVersionOutput{}, nil
}

func TestRenderMountDocument_Defaults(t *testing.T) {
	content, err := RenderMountDocument(DefaultMountDocumentSpec())
	if err != nil {
		t.Fatalf("RenderMountDocument() error: %v", err)
	}

	var doc automationDocument
	if err := json.Unmarshal([]byte(content), &doc); err != nil {
		t.Fatalf("rendered document is not JSON: %v", err)
	}
	if doc.SchemaVersion != "0.3" {
		t.Errorf("schemaVersion = %q", doc.SchemaVersion)
	}
	if _, ok := doc.Parameters["InstanceId"]; !ok {
		t.Error("missing InstanceId parameter")
	}
	if _, ok := doc.Parameters["VolumeId"]; !ok {
		t.Error("missing VolumeId parameter")
	}
	if len(doc.MainSteps) != 2 {
		t.Fatalf("expected 2 steps, got %d", len(doc.MainSteps))
	}
	if doc.MainSteps[0].Name != "VerifyVolumeAttached" || doc.MainSteps[0].TimeoutSeconds != 600 {
		t.Errorf("first step = %s timeout %d", doc.MainSteps[0].Name, doc.MainSteps[0].TimeoutSeconds)
	}
	if doc.MainSteps[1].Name != "MountVolume" {
		t.Errorf("second step = %s", doc.MainSteps[1].Name)
	}

	for _, cmd := range []string{"mkfs -t xfs /dev/xvdh", "mkdir /data", "mount /dev/xvdh /data"} {
		if !strings.Contains(content, cmd) {
			t.Errorf("document missing command %q", cmd)
		}
	}
	if !strings.Contains(content, "$.Volumes[0].Attachments[0].State") {
		t.Error("document missing attachment property selector")
	}
}

func TestRenderMountDocument_Custom(t *testing.T) {
	content, err := RenderMountDocument(MountDocumentSpec{
		Device:     "/dev/sdf",
		MountPoint: "/workspace",
		Filesystem: "ext4",
	})
	if err != nil {
		t.Fatalf("RenderMountDocument() error: %v", err)
	}
	if !strings.Contains(content, "mkfs -t ext4 /dev/sdf") || !strings.Contains(content, "mount /dev/sdf /workspace") {
		t.Errorf("custom spec not rendered:\n%s", content)
	}
	if !strings.Contains(content, `"timeoutSeconds": 600`) {
		t.Error("zero wait should fall back to 600 seconds")
	}
}

func TestRenderMountDocument_Invalid(t *testing.T) {
	if _, err := RenderMountDocument(MountDocumentSpec{Device: "/dev/xvdh"}); err == nil {
		t.Fatal("expected error for incomplete spec")
	}
}

func TestDocumentDriver_EnsureDocument_Create(t *testing.T) {
	var got *ssm.CreateDocumentInput
	d := NewDocumentDriverWithClient(&mockSSMDocumentClient{
		createFunc: func(ctx context.Context, params *ssm.CreateDocumentInput, optFns ...func(*ssm.Options)) (*ssm.CreateDocumentOutput, error) {
			got = params
			return &ssm.CreateDocumentOutput{
				DocumentDescription: &ssmtypes.DocumentDescription{DocumentVersion: awsv2.String("1")},
			}, nil
		},
	})

	version, err := d.EnsureDocument(context.Background(), "MountVolumeSSMDocument", "{}")
	if err != nil {
		t.Fatalf("EnsureDocument() error: %v", err)
	}
	if version != "1" {
		t.Errorf("version = %q, want 1", version)
	}
	if got.DocumentType != ssmtypes.DocumentTypeAutomation {
		t.Errorf("DocumentType = %q", got.DocumentType)
	}
	if got.DocumentFormat != ssmtypes.DocumentFormatJson {
		t.Errorf("DocumentFormat = %q", got.DocumentFormat)
	}
}

func TestDocumentDriver_EnsureDocument_UpdateExisting(t *testing.T) {
	var promoted string
	d := NewDocumentDriverWithClient(&mockSSMDocumentClient{
		createFunc: func(ctx context.Context, params *ssm.CreateDocumentInput, optFns ...func(*ssm.Options)) (*ssm.CreateDocumentOutput, error) {
			return nil, &smithy.GenericAPIError{Code: "DocumentAlreadyExists"}
		},
		setDefaultFunc: func(ctx context.Context, params *ssm.UpdateDocumentDefaultVersionInput, optFns ...func(*ssm.Options)) (*ssm.UpdateDocumentDefaultVersionOutput, error) {
			promoted = *params.DocumentVersion
			return &ssm.UpdateDocumentDefaultVersionOutput{}, nil
		},
	})

	version, err := d.EnsureDocument(context.Background(), "MountVolumeSSMDocument", "{}")
	if err != nil {
		t.Fatalf("EnsureDocument() error: %v", err)
	}
	if version != "2" || promoted != "2" {
		t.Errorf("version = %q, promoted = %q, want 2", version, promoted)
	}
}

func TestDocumentDriver_EnsureDocument_Unchanged(t *testing.T) {
	promoted := false
	d := NewDocumentDriverWithClient(&mockSSMDocumentClient{
		createFunc: func(ctx context.Context, params *ssm.CreateDocumentInput, optFns ...func(*ssm.Options)) (*ssm.CreateDocumentOutput, error) {
			return nil, &smithy.GenericAPIError{Code: "DocumentAlreadyExists"}
		},
		updateFunc: func(ctx context.Context, params *ssm.UpdateDocumentInput, optFns ...func(*ssm.Options)) (*ssm.UpdateDocumentOutput, error) {
			return nil, &smithy.GenericAPIError{Code: "DuplicateDocumentContent"}
		},
		setDefaultFunc: func(ctx context.Context, params *ssm.UpdateDocumentDefaultVersionInput, optFns ...func(*ssm.Options)) (*ssm.UpdateDocumentDefaultVersionOutput, error) {
			promoted = true
			return &ssm.UpdateDocumentDefaultVersionOutput{}, nil
		},
	})

	if _, err := d.EnsureDocument(context.Background(), "MountVolumeSSMDocument", "{}"); err != nil {
		t.Fatalf("EnsureDocument() error: %v", err)
	}
	if promoted {
		t.Error("unchanged content should not promote a version")
	}
}

func TestDocumentDriver_EnsureDocument_CreateError(t *testing.T) {
	d := NewDocumentDriverWithClient(&mockSSMDocumentClient{
		createFunc: func(ctx context.Context, params *ssm.CreateDocumentInput, optFns ...func(*ssm.Options)) (*ssm.CreateDocumentOutput, error) {
			return nil, &smithy.GenericAPIError{Code: "InvalidDocumentContent"}
		},
	})

	if _, err := d.EnsureDocument(context.Background(), "MountVolumeSSMDocument", "{}"); err == nil {
		t.Fatal("expected error")
	}
}
