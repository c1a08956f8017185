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

	"github.com/go-logr/logr"
)

const provisioningAPIVersion = "2019-03-31"

// Polling is fixed-interval with a fixed attempt budget and no
// backoff/jitter; the simulator preserves the original's admission behavior
// but keeps both knobs configurable.
const (
	DefaultPollInterval    = 3 * time.Second
	DefaultMaxPollAttempts = 20
)

// RegistrationState tracks the one-shot provisioning lifecycle.
type RegistrationState string

const (
	StateUnregistered RegistrationState = "Unregistered"
	StateRegistering  RegistrationState = "Registering"
	StateAssigning    RegistrationState = "Assigning"
	StateAssigned     RegistrationState = "Assigned"
	StateFailed       RegistrationState = "Failed"
)

// Registration is the provisioning record for one device. Mutated only by
// its ProvisioningClient; terminal in Assigned or Failed.
type Registration struct {
	State            RegistrationState
	OperationID      string
	AssignedHub      string
	AssignedDeviceID string
}

// ProvisioningClient registers a device identity with the provisioning
// service and polls until an endpoint assignment resolves or fails. One
// registration per instance; a fresh attempt needs a fresh client.
type ProvisioningClient struct {
	baseURL        string
	idScope        string
	registrationID string
	tokens         *TokenSource
	httpClient     *http.Client
	pollInterval   time.Duration
	maxAttempts    int
	logger         logr.Logger

	reg Registration
}

// ProvisioningOption tweaks client construction.
type ProvisioningOption func(*ProvisioningClient)

// WithPollInterval overrides the fixed assignment poll interval.
func WithPollInterval(d time.Duration) ProvisioningOption {
	return func(c *ProvisioningClient) { c.pollInterval = d }
}

// WithMaxPollAttempts overrides the assignment poll attempt budget.
func WithMaxPollAttempts(n int) ProvisioningOption {
	return func(c *ProvisioningClient) { c.maxAttempts = n }
}

// WithProvisioningHTTPClient overrides the HTTP client used for
// registration and polling.
func WithProvisioningHTTPClient(hc *http.Client) ProvisioningOption {
	return func(c *ProvisioningClient) { c.httpClient = hc }
}

// NewProvisioningClient builds a client for one registration attempt.
// endpoint may be a bare host (https assumed) or a full base URL.
func NewProvisioningClient(endpoint, idScope, registrationID, deviceKey string, logger logr.Logger, opts ...ProvisioningOption) *ProvisioningClient {
	c := &ProvisioningClient{
		baseURL:        ensureScheme(endpoint),
		idScope:        idScope,
		registrationID: registrationID,
		tokens:         NewProvisioningTokenSource(idScope, registrationID, deviceKey),
		httpClient:     &http.Client{Timeout: 10 * time.Second},
		pollInterval:   DefaultPollInterval,
		maxAttempts:    DefaultMaxPollAttempts,
		logger:         logger,
		reg:            Registration{State: StateUnregistered},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Registration returns the current provisioning record.
func (c *ProvisioningClient) Registration() Registration { return c.reg }

// Register issues the registration request and, on acceptance, polls the
// operation until assigned, failed, or the attempt budget is exhausted.
func (c *ProvisioningClient) Register(ctx context.Context) (Registration, error) {
	if c.reg.State != StateUnregistered {
		return c.reg, fmt.Errorf("registration already %s; provisioning is one-shot", c.reg.State)
	}
	c.reg.State = StateRegistering

	token, err := c.tokens.Token()
	if err != nil {
		c.reg.State = StateFailed
		return c.reg, err
	}

	body, err := json.Marshal(map[string]string{"registrationId": c.registrationID})
	if err != nil {
		c.reg.State = StateFailed
		return c.reg, err
	}

	url := fmt.Sprintf("%s/%s/registrations/%s/register?api-version=%s",
		c.baseURL, c.idScope, c.registrationID, provisioningAPIVersion)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(body))
	if err != nil {
		c.reg.State = StateFailed
		return c.reg, err
	}
	req.Header.Set("Authorization", token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.reg.State = StateFailed
		return c.reg, &RegistrationError{Op: "register", Err: err}
	}
	respBody, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		c.reg.State = StateFailed
		return c.reg, &RegistrationError{Op: "register", Status: resp.StatusCode, Detail: trimDetail(respBody)}
	}

	var accepted struct {
		OperationID string `json:"operationId"`
	}
	if err := json.Unmarshal(respBody, &accepted); err != nil || accepted.OperationID == "" {
		c.reg.State = StateFailed
		return c.reg, &RegistrationError{Op: "register", Detail: "response carried no operationId", Err: err}
	}

	c.reg.OperationID = accepted.OperationID
	c.reg.State = StateAssigning
	c.logger.V(1).Info("registration accepted", "device", c.registrationID, "operationId", accepted.OperationID)

	return c.pollAssignment(ctx)
}

func (c *ProvisioningClient) pollAssignment(ctx context.Context) (Registration, error) {
	url := fmt.Sprintf("%s/%s/registrations/%s/operations/%s?api-version=%s",
		c.baseURL, c.idScope, c.registrationID, c.reg.OperationID, provisioningAPIVersion)

	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if err := sleepWithContext(ctx, c.pollInterval); err != nil {
			c.reg.State = StateFailed
			return c.reg, err
		}

		token, err := c.tokens.Token()
		if err != nil {
			c.reg.State = StateFailed
			return c.reg, err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			c.reg.State = StateFailed
			return c.reg, err
		}
		req.Header.Set("Authorization", token)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			c.logger.V(1).Info("assignment poll failed", "device", c.registrationID, "attempt", attempt, "error", err.Error())
			continue
		}
		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			c.logger.V(1).Info("assignment poll returned non-OK", "device", c.registrationID, "attempt", attempt, "status", resp.StatusCode)
			continue
		}

		var op struct {
			Status            string `json:"status"`
			RegistrationState struct {
				AssignedHub string `json:"assignedHub"`
				DeviceID    string `json:"deviceId"`
			} `json:"registrationState"`
		}
		if err := json.Unmarshal(respBody, &op); err != nil {
			c.logger.V(1).Info("assignment poll body unreadable", "device", c.registrationID, "attempt", attempt)
			continue
		}

		switch op.Status {
		case "assigned":
			c.reg.AssignedHub = op.RegistrationState.AssignedHub
			c.reg.AssignedDeviceID = op.RegistrationState.DeviceID
			c.reg.State = StateAssigned
			c.logger.Info("device assigned", "device", c.registrationID, "hub", c.reg.AssignedHub)
			return c.reg, nil
		case "failed":
			c.reg.State = StateFailed
			return c.reg, &RegistrationError{Op: "assignment", Detail: trimDetail(respBody)}
		case "assigning":
			// Keep polling.
		default:
			c.logger.V(1).Info("unknown assignment status", "device", c.registrationID, "status", op.Status)
		}
	}

	c.reg.State = StateFailed
	return c.reg, fmt.Errorf("%w after %d attempts", ErrProvisioningTimeout, c.maxAttempts)
}

func ensureScheme(endpoint string) string {
	e := strings.TrimRight(strings.TrimSpace(endpoint), "/")
	if strings.Contains(e, "://") {
		return e
	}
	return "https://" + e
}

func trimDetail(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > 300 {
		return s[:300]
	}
	return s
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
