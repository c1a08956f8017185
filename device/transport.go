package device

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const hubAPIVersion = "2020-03-13"

// Capabilities is the feature set a hub transport provides. The
// provisioning, token, and OTA machinery never branch on the transport
// itself, only on this set.
type Capabilities struct {
	// Push means the server can push desired-state changes and commands
	// without the device polling.
	Push bool
	// Commands means the transport delivers direct method invocations to the
	// connection's dispatch table.
	Commands bool
	// Twin means the transport exposes the desired/reported state document.
	Twin bool
}

// DesiredState is the server-to-device half of the state document.
type DesiredState struct {
	FirmwareUpdate *FirmwareUpdateRequest `json:"firmwareUpdate,omitempty"`
}

// Transport is one logical session flavor against the assigned hub.
type Transport interface {
	Open(ctx context.Context) error
	Close(ctx context.Context) error
	Send(ctx context.Context, messageType string, payload any) error
	Desired(ctx context.Context) (DesiredState, error)
	UpdateReported(ctx context.Context, patch map[string]any) error
	Capabilities() Capabilities
}

// httpTransport sends over per-request HTTPS calls authorized with the hub
// SAS token. No push channel; desired state is polled via the twin document.
type httpTransport struct {
	baseURL        string
	deviceID       string
	deviceType     string
	enrollmentType string
	firmwareOf     func() string
	tokens         *TokenSource
	client         *http.Client
}

// NewHTTPTransport builds the polling HTTPS transport. hubHost may be a bare
// host (https assumed) or a full base URL; firmwareOf supplies the current
// firmware version for message metadata.
func NewHTTPTransport(hubHost, deviceID, deviceKey, deviceType, enrollmentType string, firmwareOf func() string, client *http.Client) Transport {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &httpTransport{
		baseURL:        ensureScheme(hubHost),
		deviceID:       deviceID,
		deviceType:     deviceType,
		enrollmentType: enrollmentType,
		firmwareOf:     firmwareOf,
		tokens:         NewHubTokenSource(hostOnly(hubHost), deviceID, deviceKey),
		client:         client,
	}
}

func (t *httpTransport) Capabilities() Capabilities {
	return Capabilities{Push: false, Commands: false, Twin: true}
}

// Open probes the twin endpoint so connectivity failures surface at startup
// instead of on the first telemetry send.
func (t *httpTransport) Open(ctx context.Context) error {
	_, err := t.Desired(ctx)
	return err
}

func (t *httpTransport) Close(context.Context) error {
	// Per-request transport holds no session state.
	return nil
}

func (t *httpTransport) Send(ctx context.Context, messageType string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	url := fmt.Sprintf("%s/devices/%s/messages/events?api-version=%s", t.baseURL, t.deviceID, hubAPIVersion)
	resp, err := t.do(ctx, http.MethodPost, url, body, messageType)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("send %s: unexpected status %d: %s", messageType, resp.StatusCode, trimDetail(detail))
	}
	return nil
}

func (t *httpTransport) Desired(ctx context.Context) (DesiredState, error) {
	url := fmt.Sprintf("%s/twins/%s?api-version=%s", t.baseURL, t.deviceID, hubAPIVersion)
	resp, err := t.do(ctx, http.MethodGet, url, nil, "")
	if err != nil {
		return DesiredState{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(resp.Body)
		return DesiredState{}, fmt.Errorf("twin read: unexpected status %d: %s", resp.StatusCode, trimDetail(detail))
	}

	var twin struct {
		Desired DesiredState `json:"desired"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&twin); err != nil {
		return DesiredState{}, fmt.Errorf("twin read: %w", err)
	}
	return twin.Desired, nil
}

func (t *httpTransport) UpdateReported(ctx context.Context, patch map[string]any) error {
	body, err := json.Marshal(patch)
	if err != nil {
		return err
	}

	url := fmt.Sprintf("%s/twins/%s/properties/reported?api-version=%s", t.baseURL, t.deviceID, hubAPIVersion)
	resp, err := t.do(ctx, http.MethodPatch, url, body, "")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("reported patch: unexpected status %d: %s", resp.StatusCode, trimDetail(detail))
	}
	return nil
}

// do authorizes and issues one request. Transport-level failures come back
// as *ConnectionError so callers can distinguish lost connectivity from a
// rejected payload.
func (t *httpTransport) do(ctx context.Context, method, url string, body []byte, messageType string) (*http.Response, error) {
	token, err := t.tokens.Token()
	if err != nil {
		return nil, err
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if messageType != "" {
		req.Header.Set("iothub-app-messageType", messageType)
		req.Header.Set("iothub-app-deviceType", t.deviceType)
		req.Header.Set("iothub-app-enrollmentType", t.enrollmentType)
		req.Header.Set("iothub-app-firmwareVersion", t.firmwareOf())
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, &ConnectionError{Err: err}
	}
	return resp, nil
}

func hostOnly(endpoint string) string {
	e := strings.TrimSpace(endpoint)
	if i := strings.Index(e, "://"); i >= 0 {
		e = e[i+3:]
	}
	return strings.TrimRight(e, "/")
}
