// Package client talks to the cohort-sim control API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// CohortClient talks to the simulator's operator HTTP API.
type CohortClient struct {
	BaseURL    string
	HTTPClient *http.Client
}

// NewCohortClient returns a client initialized with the base URL.
func NewCohortClient(baseURL string, httpClient *http.Client) *CohortClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &CohortClient{BaseURL: strings.TrimRight(baseURL, "/"), HTTPClient: httpClient}
}

// Stats is the fleet-wide aggregate snapshot.
type Stats struct {
	Total        int            `json:"total"`
	Connected    int            `json:"connected"`
	Disconnected int            `json:"disconnected"`
	Telemetry    uint64         `json:"telemetryCount"`
	Errors       uint64         `json:"errorCount"`
	ActiveJobs   int            `json:"activeFirmwareJobs"`
	Firmware     map[string]int `json:"firmwareVersions"`
}

// Device describes one simulated device.
type Device struct {
	DeviceID        string `json:"deviceId"`
	FirmwareVersion string `json:"firmwareVersion"`
	HardwareVersion string `json:"hardwareVersion"`
	DeviceModel     string `json:"deviceModel"`
	LastBoot        string `json:"lastBoot"`
	Transport       string `json:"transport"`
	TelemetryCount  uint64 `json:"telemetryCount"`
	ErrorCount      uint64 `json:"errorCount"`
	IsConnected     bool   `json:"isConnected"`
}

// FirmwareUpdateResult summarizes a fleet-wide update trigger.
type FirmwareUpdateResult struct {
	TargetVersion string            `json:"targetVersion"`
	Devices       int               `json:"devices"`
	Failed        map[string]string `json:"failed,omitempty"`
}

// TimerStatus reports the run timer.
type TimerStatus struct {
	Bounded          bool `json:"bounded"`
	RemainingSeconds int  `json:"remainingSeconds"`
}

// GetStats fetches the fleet snapshot.
func (c *CohortClient) GetStats(ctx context.Context) (*Stats, error) {
	var stats Stats
	if err := c.do(ctx, http.MethodGet, "/v1/stats", nil, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

// ListDevices lists every running device.
func (c *CohortClient) ListDevices(ctx context.Context) ([]Device, error) {
	var devices []Device
	if err := c.do(ctx, http.MethodGet, "/v1/devices", nil, &devices); err != nil {
		return nil, err
	}
	return devices, nil
}

// GetDevice fetches one device by ID.
func (c *CohortClient) GetDevice(ctx context.Context, id string) (*Device, error) {
	var d Device
	path := "/v1/devices/" + url.PathEscape(id)
	if err := c.do(ctx, http.MethodGet, path, nil, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// TriggerFirmwareUpdate fans a firmware update out to the whole fleet.
func (c *CohortClient) TriggerFirmwareUpdate(ctx context.Context, version, firmwareURL string) (*FirmwareUpdateResult, error) {
	if version == "" || firmwareURL == "" {
		return nil, fmt.Errorf("version and url are required")
	}
	payload := map[string]string{"version": version, "url": firmwareURL}
	var result FirmwareUpdateResult
	if err := c.do(ctx, http.MethodPost, "/v1/firmware/update", payload, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetTimer reports the run timer state.
func (c *CohortClient) GetTimer(ctx context.Context) (*TimerStatus, error) {
	var status TimerStatus
	if err := c.do(ctx, http.MethodGet, "/v1/timer", nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// ExtendTimer adds minutes to the time remaining in the run.
func (c *CohortClient) ExtendTimer(ctx context.Context, minutes int) (*TimerStatus, error) {
	if minutes <= 0 {
		return nil, fmt.Errorf("minutes must be positive")
	}
	payload := map[string]int{"minutes": minutes}
	var resp struct {
		RemainingSeconds int `json:"remainingSeconds"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/timer/extend", payload, &resp); err != nil {
		return nil, err
	}
	return &TimerStatus{Bounded: true, RemainingSeconds: resp.RemainingSeconds}, nil
}

// StopTimer ends the run now.
func (c *CohortClient) StopTimer(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/v1/timer/stop", nil, nil)
}

func (c *CohortClient) do(ctx context.Context, method, path string, payload interface{}, out interface{}) error {
	url := c.BaseURL + path

	var body io.Reader
	if payload != nil {
		buf := &bytes.Buffer{}
		if err := json.NewEncoder(buf).Encode(payload); err != nil {
			return err
		}
		body = buf
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("cohort-sim error: %s", strings.TrimSpace(string(data)))
	}

	if out == nil {
		return nil
	}

	return json.NewDecoder(resp.Body).Decode(out)
}
