package device

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
)

// Group keys shorter than this decode from base64 but cannot plausibly be
// enrollment-group key material.
const minGroupKeyBytes = 16

// DeriveDeviceKey derives the per-device symmetric key from an
// enrollment-group key: HMAC-SHA256 over the device ID using the
// base64-decoded group key, re-encoded as base64. Deterministic, so every
// fleet member computes its own key without sharing a usable credential.
func DeriveDeviceKey(groupKey, deviceID string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(groupKey)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBadGroupKey, err)
	}
	if len(raw) < minGroupKeyBytes {
		return "", fmt.Errorf("%w: decoded to %d bytes", ErrBadGroupKey, len(raw))
	}

	mac := hmac.New(sha256.New, raw)
	mac.Write([]byte(deviceID))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}
