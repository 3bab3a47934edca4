package event

import (
	"strings"
	"testing"
)

func TestNewStampsContract(t *testing.T) {
	e := New(DomainSecurity, KindSecuritySignal, "test")

	if e.ID == "" || !strings.HasPrefix(e.ID, "evt_") {
		t.Errorf("expected evt_ prefixed id, got %q", e.ID)
	}
	if e.TS <= 0 {
		t.Errorf("expected positive ts, got %d", e.TS)
	}
	if e.SchemaVersion != SchemaVersion || e.SchemaHash != SchemaHash {
		t.Errorf("schema contract not stamped: %s/%s", e.SchemaVersion, e.SchemaHash)
	}
	if e.Priority != 3 {
		t.Errorf("default priority should be 3, got %d", e.Priority)
	}
	if res := Validate(e); !res.OK {
		t.Errorf("factory envelope should validate: %v", res.Errors)
	}
}

func TestPriorityClamped(t *testing.T) {
	if e := New(DomainOps, KindOpsMetric, "t", WithPriority(99)); e.Priority != 5 {
		t.Errorf("priority should clamp to 5, got %d", e.Priority)
	}
	if e := New(DomainOps, KindOpsMetric, "t", WithPriority(-1)); e.Priority != 1 {
		t.Errorf("priority should clamp to 1, got %d", e.Priority)
	}
}

func TestValidateSoftFails(t *testing.T) {
	e := New(DomainSecurity, KindSecuritySignal, "test")
	e.SchemaHash = "stale"
	e.Domain = "billing"
	e.Source = ""

	res := Validate(e)
	if res.OK {
		t.Fatal("expected validation failure")
	}
	if len(res.Errors) != 3 {
		t.Errorf("expected 3 errors, got %d: %v", len(res.Errors), res.Errors)
	}
}

func TestValidateNil(t *testing.T) {
	if res := Validate(nil); res.OK {
		t.Error("nil envelope must not validate")
	}
}

func TestRedactedMasksSensitiveData(t *testing.T) {
	orig := New(DomainSecurity, KindSecuritySignal, "auth",
		WithSensitivity(SensitivitySecret),
		WithPayload(Payload{
			Summary: "login burst",
			IP:      "10.1.2.3",
			Geo:     "Tehran, IR",
			Data: map[string]any{
				"apiToken":  "x",
				"password":  "hunter2",
				"SecretKey": "abc",
				"attempts":  7,
			},
		}),
	)

	red := Redacted(orig)

	if red.Payload.IP != "REDACTED" || red.Payload.Geo != "REDACTED" {
		t.Errorf("ip/geo not masked: %q %q", red.Payload.IP, red.Payload.Geo)
	}
	for _, k := range []string{"apiToken", "password", "SecretKey"} {
		if red.Payload.Data[k] != "REDACTED" {
			t.Errorf("data key %q not redacted: %v", k, red.Payload.Data[k])
		}
	}
	if red.Payload.Data["attempts"] != 7 {
		t.Errorf("non-sensitive key should survive, got %v", red.Payload.Data["attempts"])
	}

	// Original untouched.
	if orig.Payload.IP != "10.1.2.3" || orig.Payload.Data["apiToken"] != "x" {
		t.Error("original envelope was mutated by redaction")
	}
}

func TestNeedsRedaction(t *testing.T) {
	if NeedsRedaction(New(DomainOps, KindOpsMetric, "t")) {
		t.Error("internal sensitivity should not need redaction")
	}
	if !NeedsRedaction(New(DomainOps, KindOpsMetric, "t", WithSensitivity(SensitivityRestricted))) {
		t.Error("restricted sensitivity should need redaction")
	}
}
