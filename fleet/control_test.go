package fleet

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-logr/logr"

	"github.com/apollo/cohort/device"
)

func startTestFleet(t *testing.T, numDevices int) *Orchestrator {
	t.Helper()
	restore := withFakeAgents(t, func(id string, _ int) *fakeAgent { return newFakeAgent(id) })
	t.Cleanup(restore)

	o := NewOrchestrator(Config{NumDevices: numDevices, BatchSize: 10, BatchDelay: time.Millisecond}, logr.Discard())
	if _, err := o.Start(context.Background()); err != nil {
		t.Fatalf("start fleet: %v", err)
	}
	return o
}

func controlGet(t *testing.T, ts *httptest.Server, path string, out any) int {
	t.Helper()
	resp, err := http.Get(ts.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", path, err)
		}
	}
	return resp.StatusCode
}

func controlPost(t *testing.T, ts *httptest.Server, path string, payload any, out any) int {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(ts.URL+path, "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", path, err)
		}
	}
	return resp.StatusCode
}

func TestControlStatsAndDevices(t *testing.T) {
	o := startTestFleet(t, 3)
	s := NewControlServer(":0", o, nil, logr.Discard())
	ts := httptest.NewServer(s.routes())
	defer ts.Close()

	var stats Stats
	if code := controlGet(t, ts, "/v1/stats", &stats); code != http.StatusOK {
		t.Fatalf("stats status %d", code)
	}
	if stats.Total != 3 || stats.Connected != 3 {
		t.Fatalf("stats %+v", stats)
	}

	var devices []device.Info
	if code := controlGet(t, ts, "/v1/devices", &devices); code != http.StatusOK {
		t.Fatalf("devices status %d", code)
	}
	if len(devices) != 3 {
		t.Fatalf("devices %d, want 3", len(devices))
	}

	var info device.Info
	if code := controlGet(t, ts, "/v1/devices/dev-002", &info); code != http.StatusOK {
		t.Fatalf("device status %d", code)
	}
	if info.DeviceID != "dev-002" {
		t.Fatalf("device %+v", info)
	}
	if code := controlGet(t, ts, "/v1/devices/dev-099", nil); code != http.StatusNotFound {
		t.Fatalf("unknown device status %d, want 404", code)
	}
}

func TestControlFirmwareUpdate(t *testing.T) {
	o := startTestFleet(t, 2)
	s := NewControlServer(":0", o, nil, logr.Discard())
	ts := httptest.NewServer(s.routes())
	defer ts.Close()

	var result struct {
		TargetVersion string `json:"targetVersion"`
		Devices       int    `json:"devices"`
	}
	payload := device.FirmwareUpdateRequest{Version: "2.0.0", URL: "https://hub/firmware/2.0.0.bin"}
	if code := controlPost(t, ts, "/v1/firmware/update", payload, &result); code != http.StatusOK {
		t.Fatalf("update status %d", code)
	}
	if result.TargetVersion != "2.0.0" || result.Devices != 2 {
		t.Fatalf("result %+v", result)
	}

	// Missing fields are rejected before any fan-out.
	if code := controlPost(t, ts, "/v1/firmware/update", map[string]string{"version": "2.0.0"}, nil); code != http.StatusBadRequest {
		t.Fatalf("partial update status %d, want 400", code)
	}
}

func TestControlTimerEndpoints(t *testing.T) {
	o := startTestFleet(t, 1)
	timer, err := NewRunTimer(time.Hour, func() {}, logr.Discard())
	if err != nil {
		t.Fatalf("timer: %v", err)
	}
	defer timer.Stop()

	s := NewControlServer(":0", o, timer, logr.Discard())
	ts := httptest.NewServer(s.routes())
	defer ts.Close()

	var status struct {
		Bounded          bool `json:"bounded"`
		RemainingSeconds int  `json:"remainingSeconds"`
	}
	if code := controlGet(t, ts, "/v1/timer", &status); code != http.StatusOK {
		t.Fatalf("timer status %d", code)
	}
	if !status.Bounded || status.RemainingSeconds <= 0 {
		t.Fatalf("timer %+v", status)
	}

	var extended struct {
		RemainingSeconds int `json:"remainingSeconds"`
	}
	if code := controlPost(t, ts, "/v1/timer/extend", map[string]int{"minutes": 30}, &extended); code != http.StatusOK {
		t.Fatalf("extend status %d", code)
	}
	if extended.RemainingSeconds <= status.RemainingSeconds {
		t.Fatalf("extend did not add time: %d -> %d", status.RemainingSeconds, extended.RemainingSeconds)
	}

	if code := controlPost(t, ts, "/v1/timer/extend", map[string]int{"minutes": 0}, nil); code != http.StatusBadRequest {
		t.Fatalf("zero extend status %d, want 400", code)
	}
}

func TestControlTimerUnbounded(t *testing.T) {
	o := startTestFleet(t, 1)
	s := NewControlServer(":0", o, nil, logr.Discard())
	ts := httptest.NewServer(s.routes())
	defer ts.Close()

	var status struct {
		Bounded bool `json:"bounded"`
	}
	if code := controlGet(t, ts, "/v1/timer", &status); code != http.StatusOK {
		t.Fatalf("timer status %d", code)
	}
	if status.Bounded {
		t.Fatalf("run without a timer must report unbounded")
	}
	if code := controlPost(t, ts, "/v1/timer/extend", map[string]int{"minutes": 5}, nil); code != http.StatusConflict {
		t.Fatalf("extend without timer status %d, want 409", code)
	}
	if code := controlPost(t, ts, "/v1/timer/stop", nil, nil); code != http.StatusConflict {
		t.Fatalf("stop without timer status %d, want 409", code)
	}
}

func TestControlMetricsEndpoint(t *testing.T) {
	o := startTestFleet(t, 2)
	ObserveStats(o.Stats())

	s := NewControlServer(":0", o, nil, logr.Discard())
	ts := httptest.NewServer(s.routes())
	defer ts.Close()

	if code := controlGet(t, ts, "/metrics", nil); code != http.StatusOK {
		t.Fatalf("metrics status %d", code)
	}
	if code := controlGet(t, ts, "/healthz", nil); code != http.StatusOK {
		t.Fatalf("healthz status %d", code)
	}
}
