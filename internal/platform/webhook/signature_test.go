package webhook

import "testing"

func TestSignPayload(t *testing.T) {
	sig := SignPayload([]byte(`{"doctor_id":"doc-1"}`), "secret")
	if len(sig) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(sig))
	}
	if sig != SignPayload([]byte(`{"doctor_id":"doc-1"}`), "secret") {
		t.Error("signature should be deterministic")
	}
}

func TestVerifySignature(t *testing.T) {
	body := []byte(`{"doctor_id":"doc-1"}`)
	sig := SignPayload(body, "secret")
	if !VerifySignature(body, "secret", sig) {
		t.Error("expected bare hex signature to verify")
	}
	if !VerifySignature(body, "secret", "sha256="+sig) {
		t.Error("expected prefixed signature to verify")
	}
}

func TestVerifySignature_Invalid(t *testing.T) {
	if VerifySignature([]byte("x"), "secret", "sha256=deadbeef") {
		t.Error("expected invalid signature to fail")
	}
	if VerifySignature([]byte("x"), "secret", "") {
		t.Error("expected empty signature to fail")
	}
}

func TestVerifySignature_WrongSecret(t *testing.T) {
	body := []byte("x")
	sig := SignPayload(body, "secret")
	if VerifySignature(body, "other", sig) {
		t.Error("expected signature under a different secret to fail")
	}
}
