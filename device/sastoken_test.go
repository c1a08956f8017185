package device

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"net/url"
	"strings"
	"testing"
	"time"
)

func withFixedNow(t *testing.T, fixed time.Time) func() {
	orig := nowFunc
	nowFunc = func() time.Time { return fixed }
	return func() { nowFunc = orig }
}

func TestProvisioningTokenFormat(t *testing.T) {
	key, err := DeriveDeviceKey(testGroupKey, "dev-001")
	if err != nil {
		t.Fatalf("derive: %v", err)
	}

	src := NewProvisioningTokenSource("0ne0000TEST", "dev-001", key)
	expiry := time.Unix(1900000000, 0)
	token, err := src.Generate(expiry)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	if !strings.HasPrefix(token, "SharedAccessSignature sr=") {
		t.Fatalf("unexpected token prefix: %s", token)
	}
	if !strings.HasSuffix(token, "&skn=registration") {
		t.Fatalf("provisioning token must carry skn=registration: %s", token)
	}
	if !strings.Contains(token, "&se=1900000000") {
		t.Fatalf("token must carry the unix expiry: %s", token)
	}

	wantSR := url.QueryEscape("0ne0000TEST/registrations/dev-001")
	if !strings.Contains(token, "sr="+wantSR+"&") {
		t.Fatalf("token sr mismatch: %s", token)
	}

	// The signature must verify against the signing string {escaped-uri}\n{se}.
	fields := map[string]string{}
	for _, part := range strings.Split(strings.TrimPrefix(token, "SharedAccessSignature "), "&") {
		k, v, _ := strings.Cut(part, "=")
		fields[k] = v
	}
	raw, _ := base64.StdEncoding.DecodeString(key)
	mac := hmac.New(sha256.New, raw)
	mac.Write([]byte(fields["sr"] + "\n" + fields["se"]))
	wantSig := url.QueryEscape(base64.StdEncoding.EncodeToString(mac.Sum(nil)))
	if fields["sig"] != wantSig {
		t.Fatalf("signature mismatch: got %s want %s", fields["sig"], wantSig)
	}
}

func TestHubTokenOmitsPolicyName(t *testing.T) {
	key, err := DeriveDeviceKey(testGroupKey, "dev-001")
	if err != nil {
		t.Fatalf("derive: %v", err)
	}

	src := NewHubTokenSource("hub.example.net", "dev-001", key)
	token, err := src.Generate(time.Unix(1900000000, 0))
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if strings.Contains(token, "skn=") {
		t.Fatalf("hub token must not carry a policy name: %s", token)
	}
	wantSR := url.QueryEscape("hub.example.net/devices/dev-001")
	if !strings.Contains(token, "sr="+wantSR+"&") {
		t.Fatalf("token sr mismatch: %s", token)
	}
}

func TestTokenExpiryMargin(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	restore := withFixedNow(t, now)
	defer restore()

	key, err := DeriveDeviceKey(testGroupKey, "dev-001")
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	src := NewHubTokenSource("hub.example.net", "dev-001", key)

	if !src.IsExpired() {
		t.Fatalf("source with no token must count as expired")
	}

	// Exactly at the margin boundary counts as expired.
	if _, err := src.Generate(now.Add(DefaultRefreshMargin)); err != nil {
		t.Fatalf("generate: %v", err)
	}
	if !src.IsExpired() {
		t.Fatalf("token expiring in exactly the margin must count as expired")
	}

	if _, err := src.Generate(now.Add(DefaultRefreshMargin + time.Second)); err != nil {
		t.Fatalf("generate: %v", err)
	}
	if src.IsExpired() {
		t.Fatalf("token expiring beyond the margin must not count as expired")
	}
}

func TestTokenRegeneratesWhenExpired(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	restore := withFixedNow(t, now)
	defer restore()

	key, err := DeriveDeviceKey(testGroupKey, "dev-001")
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	src := NewHubTokenSource("hub.example.net", "dev-001", key)

	first, err := src.Token()
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	if want := now.Add(DefaultTokenLifetime); !src.Expiry().Equal(want) {
		t.Fatalf("expiry %v, want %v", src.Expiry(), want)
	}

	// Still fresh: same token comes back.
	again, err := src.Token()
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	if again != first {
		t.Fatalf("fresh token was regenerated")
	}

	// Jump past the refresh margin: a new token is minted.
	nowFunc = func() time.Time { return now.Add(DefaultTokenLifetime - DefaultRefreshMargin) }
	refreshed, err := src.Token()
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	if refreshed == first {
		t.Fatalf("expired token was not regenerated")
	}
}

func TestTokenSourceRejectsBadKey(t *testing.T) {
	src := NewHubTokenSource("hub.example.net", "dev-001", "%%% not base64 %%%")
	_, err := src.Generate(time.Now().Add(time.Hour))
	if err == nil {
		t.Fatalf("expected credential error")
	}
	var credErr *CredentialError
	if !errors.As(err, &credErr) {
		t.Fatalf("expected *CredentialError, got %T", err)
	}
}
