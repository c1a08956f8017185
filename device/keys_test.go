package device

import (
	"encoding/base64"
	"errors"
	"strings"
	"testing"
)

// 32 zero-characters, base64-encoded: a fixed enrollment-group key for
// deterministic derivation checks.
const testGroupKey = "MDAwMDAwMDAwMDAwMDAwMDAwMDAwMDAwMDAwMDAwMDA="

func TestDeriveDeviceKeyDeterministic(t *testing.T) {
	k1, err := DeriveDeviceKey(testGroupKey, "dev-001")
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	k2, err := DeriveDeviceKey(testGroupKey, "dev-001")
	if err != nil {
		t.Fatalf("derive again: %v", err)
	}
	if k1 != k2 {
		t.Fatalf("derivation not deterministic: %s vs %s", k1, k2)
	}

	if want := "mTuQGZGQQEQgbmxqnM7DM4ZOjshkGBWi8NNcxDEq31I="; k1 != want {
		t.Fatalf("derived key %s, want %s", k1, want)
	}

	raw, err := base64.StdEncoding.DecodeString(k1)
	if err != nil {
		t.Fatalf("derived key is not valid base64: %v", err)
	}
	if len(raw) != 32 {
		t.Fatalf("derived key decodes to %d bytes, want 32", len(raw))
	}
}

func TestDeriveDeviceKeyDistinctPerDevice(t *testing.T) {
	k1, err := DeriveDeviceKey(testGroupKey, "dev-001")
	if err != nil {
		t.Fatalf("derive dev-001: %v", err)
	}
	k2, err := DeriveDeviceKey(testGroupKey, "dev-002")
	if err != nil {
		t.Fatalf("derive dev-002: %v", err)
	}
	if k1 == k2 {
		t.Fatalf("different devices derived the same key")
	}
}

func TestDeriveDeviceKeyRejectsBadKeyMaterial(t *testing.T) {
	if _, err := DeriveDeviceKey("not base64!!!", "dev-001"); !errors.Is(err, ErrBadGroupKey) {
		t.Fatalf("expected ErrBadGroupKey for malformed base64, got %v", err)
	}

	short := base64.StdEncoding.EncodeToString([]byte("tiny"))
	if _, err := DeriveDeviceKey(short, "dev-001"); !errors.Is(err, ErrBadGroupKey) {
		t.Fatalf("expected ErrBadGroupKey for short key, got %v", err)
	}
	if _, err := DeriveDeviceKey(short, "dev-001"); err == nil || !strings.Contains(err.Error(), "bytes") {
		t.Fatalf("short key error should mention byte length, got %v", err)
	}
}
