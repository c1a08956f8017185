package device

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/url"
	"strconv"
	"time"
)

// ResourceKind selects the signing-string flavor for a SAS token.
type ResourceKind string

const (
	// ResourceProvisioning scopes a token to the provisioning service
	// registration endpoint.
	ResourceProvisioning ResourceKind = "provisioning"
	// ResourceHub scopes a token to the assigned hub's device endpoint.
	ResourceHub ResourceKind = "hub"
)

const (
	// DefaultTokenLifetime is how far ahead a freshly generated token expires.
	DefaultTokenLifetime = time.Hour
	// DefaultRefreshMargin makes expiry detection proactive: a token counts
	// as expired once within this margin of its literal expiry.
	DefaultRefreshMargin = 300 * time.Second
)

// Injection point for tests.
var nowFunc = time.Now

// TokenSource builds and tracks expiry of SAS tokens for a single resource.
// One live token per resource kind per device; never shared across devices.
type TokenSource struct {
	kind     ResourceKind
	uri      string
	key      string
	lifetime time.Duration
	margin   time.Duration

	token  string
	expiry time.Time
}

// NewProvisioningTokenSource scopes tokens to
// {idScope}/registrations/{registrationID}.
func NewProvisioningTokenSource(idScope, registrationID, deviceKey string) *TokenSource {
	return &TokenSource{
		kind:     ResourceProvisioning,
		uri:      fmt.Sprintf("%s/registrations/%s", idScope, registrationID),
		key:      deviceKey,
		lifetime: DefaultTokenLifetime,
		margin:   DefaultRefreshMargin,
	}
}

// NewHubTokenSource scopes tokens to {hubHost}/devices/{deviceID}.
func NewHubTokenSource(hubHost, deviceID, deviceKey string) *TokenSource {
	return &TokenSource{
		kind:     ResourceHub,
		uri:      fmt.Sprintf("%s/devices/%s", hubHost, deviceID),
		key:      deviceKey,
		lifetime: DefaultTokenLifetime,
		margin:   DefaultRefreshMargin,
	}
}

// Kind reports the resource flavor this source signs for.
func (s *TokenSource) Kind() ResourceKind { return s.kind }

// ResourceURI reports the unescaped resource URI the token is bound to.
func (s *TokenSource) ResourceURI() string { return s.uri }

// Expiry reports the current token's expiry (zero before first Generate).
func (s *TokenSource) Expiry() time.Time { return s.expiry }

// Generate signs a new token bound to the given expiry and records it as the
// live token for this resource.
func (s *TokenSource) Generate(expiry time.Time) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(s.key)
	if err != nil {
		return "", &CredentialError{Resource: s.uri, Err: err}
	}

	encodedURI := url.QueryEscape(s.uri)
	se := strconv.FormatInt(expiry.Unix(), 10)

	mac := hmac.New(sha256.New, raw)
	mac.Write([]byte(encodedURI + "\n" + se))
	sig := url.QueryEscape(base64.StdEncoding.EncodeToString(mac.Sum(nil)))

	token := fmt.Sprintf("SharedAccessSignature sr=%s&sig=%s&se=%s", encodedURI, sig, se)
	if s.kind == ResourceProvisioning {
		token += "&skn=registration"
	}

	s.token = token
	s.expiry = expiry
	return token, nil
}

// IsExpired is true once now >= expiry - margin, so callers refresh before
// the service rejects the token. A source with no token yet is expired.
func (s *TokenSource) IsExpired() bool {
	if s.token == "" {
		return true
	}
	return !nowFunc().Before(s.expiry.Add(-s.margin))
}

// Token returns a token valid for at least the refresh margin, regenerating
// synchronously when the live one is expired or missing.
func (s *TokenSource) Token() (string, error) {
	if s.IsExpired() {
		if _, err := s.Generate(nowFunc().Add(s.lifetime)); err != nil {
			return "", err
		}
	}
	return s.token, nil
}
