package platform

import (
	"encoding/json"
	"testing"
)

func TestRequestType_Valid(t *testing.T) {
	for _, rt := range []RequestType{RequestCreate, RequestUpdate, RequestDelete} {
		if !rt.Valid() {
			t.Errorf("%q should be valid", rt)
		}
	}
	for _, rt := range []RequestType{"", "create", "Read", "Replace"} {
		if rt.Valid() {
			t.Errorf("%q should be invalid", rt)
		}
	}
}

func TestLifecycleEvent_DecodeWireFormat(t *testing.T) {
	raw := `{
		"RequestType": "Create",
		"RequestId": "req-1",
		"StackId": "arn:aws:cloudformation:ap-southeast-1:123:stack/s/1",
		"LogicalResourceId": "EBSAttachCustomResource",
		"ResourceType": "AWS::CloudFormation::CustomResource",
		"ResourceProperties": {"ServiceToken": "arn:aws:lambda:x", "volume-id": "vol-1", "cloud9-id": "env-42"}
	}`
	var ev LifecycleEvent
	if err := json.Unmarshal([]byte(raw), &ev); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if ev.RequestType != RequestCreate {
		t.Errorf("RequestType = %q", ev.RequestType)
	}
	if v, ok := ev.StringProperty(PropertyVolumeID); !ok || v != "vol-1" {
		t.Errorf("volume-id = %q, %v", v, ok)
	}
	if v, ok := ev.StringProperty(PropertyEnvironment); !ok || v != "env-42" {
		t.Errorf("cloud9-id = %q, %v", v, ok)
	}
}

func TestLifecycleEvent_StringProperty(t *testing.T) {
	ev := LifecycleEvent{ResourceProperties: map[string]any{
		"empty":  "",
		"nil":    nil,
		"number": 20,
	}}
	if _, ok := ev.StringProperty("missing"); ok {
		t.Error("missing key should report false")
	}
	if _, ok := ev.StringProperty("empty"); ok {
		t.Error("empty string should report false")
	}
	if _, ok := ev.StringProperty("nil"); ok {
		t.Error("nil value should report false")
	}
	if v, ok := ev.StringProperty("number"); !ok || v != "20" {
		t.Errorf("number = %q, %v", v, ok)
	}

	var nilProps LifecycleEvent
	if _, ok := nilProps.StringProperty(PropertyVolumeID); ok {
		t.Error("nil properties should report false")
	}
}

func TestOperationResult_JSONKeys(t *testing.T) {
	data, err := json.Marshal(OperationResult{InstanceID: "i-1", VolumeID: "vol-1"})
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `{"InstanceId":"i-1","volumeId":"vol-1"}` {
		t.Errorf("got %s", data)
	}

	data, err = json.Marshal(OperationResult{PhysicalResourceID: "pid-7"})
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `{"PhysicalResourceId":"pid-7"}` {
		t.Errorf("got %s", data)
	}
}

func TestVolume_AttachmentFor(t *testing.T) {
	v := &Volume{Attachments: []VolumeAttachment{{InstanceID: "i-1", State: AttachmentAttached}}}
	if a, ok := v.AttachmentFor("i-1"); !ok || a.State != AttachmentAttached {
		t.Errorf("AttachmentFor(i-1) = %+v, %v", a, ok)
	}
	if _, ok := v.AttachmentFor("i-2"); ok {
		t.Error("AttachmentFor(i-2) should report false")
	}
}

func TestAttachmentState_Active(t *testing.T) {
	for state, want := range map[AttachmentState]bool{
		AttachmentAttaching: true,
		AttachmentAttached:  true,
		AttachmentBusy:      true,
		AttachmentDetaching: false,
		AttachmentDetached:  false,
		"":                  false,
	} {
		if got := state.Active(); got != want {
			t.Errorf("%q.Active() = %v, want %v", state, got, want)
		}
	}
}
