package device

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-logr/logr"
)

func testDeviceKey(t *testing.T, deviceID string) string {
	t.Helper()
	key, err := DeriveDeviceKey(testGroupKey, deviceID)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	return key
}

// provisioningFake serves the register/operations pair with a scripted
// number of "assigning" polls before the terminal status.
type provisioningFake struct {
	assigningPolls int64
	terminal       string
	hub            string

	registerCalls atomic.Int64
	pollCalls     atomic.Int64
}

func (f *provisioningFake) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "" {
			t.Errorf("request without Authorization header: %s", r.URL.Path)
		}

		switch {
		case r.Method == http.MethodPut && strings.HasSuffix(r.URL.Path, "/register"):
			f.registerCalls.Add(1)
			w.WriteHeader(http.StatusAccepted)
			_ = json.NewEncoder(w).Encode(map[string]string{"operationId": "op-123", "status": "assigning"})

		case r.Method == http.MethodGet && strings.Contains(r.URL.Path, "/operations/"):
			n := f.pollCalls.Add(1)
			if n <= f.assigningPolls {
				_ = json.NewEncoder(w).Encode(map[string]any{"status": "assigning"})
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]any{
				"status": f.terminal,
				"registrationState": map[string]any{
					"deviceId":    "dev-001",
					"assignedHub": f.hub,
				},
			})

		default:
			http.NotFound(w, r)
		}
	})
	return mux
}

func newTestProvisioningClient(t *testing.T, endpoint string) *ProvisioningClient {
	return NewProvisioningClient(endpoint, "0ne0000TEST", "dev-001", testDeviceKey(t, "dev-001"), logr.Discard(),
		WithPollInterval(time.Millisecond), WithMaxPollAttempts(20))
}

func TestRegisterResolvesAfterAssigningPolls(t *testing.T) {
	fake := &provisioningFake{assigningPolls: 19, terminal: "assigned", hub: "hub.example.net"}
	ts := httptest.NewServer(fake.handler(t))
	defer ts.Close()

	c := newTestProvisioningClient(t, ts.URL)
	reg, err := c.Register(context.Background())
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if reg.State != StateAssigned {
		t.Fatalf("state %s, want %s", reg.State, StateAssigned)
	}
	if reg.AssignedHub != "hub.example.net" {
		t.Fatalf("assignedHub %q", reg.AssignedHub)
	}
	if got := fake.pollCalls.Load(); got != 20 {
		t.Fatalf("expected exactly 20 polls (19 assigning + 1 assigned), got %d", got)
	}
}

func TestRegisterTimesOutAfterAttemptBudget(t *testing.T) {
	fake := &provisioningFake{assigningPolls: 1000, terminal: "assigned"}
	ts := httptest.NewServer(fake.handler(t))
	defer ts.Close()

	c := newTestProvisioningClient(t, ts.URL)
	reg, err := c.Register(context.Background())
	if !errors.Is(err, ErrProvisioningTimeout) {
		t.Fatalf("expected ErrProvisioningTimeout, got %v", err)
	}
	if reg.State != StateFailed {
		t.Fatalf("state %s, want %s", reg.State, StateFailed)
	}
	if got := fake.pollCalls.Load(); got != 20 {
		t.Fatalf("expected the full 20-attempt budget, got %d", got)
	}
}

func TestRegisterFailedAssignmentIsTerminal(t *testing.T) {
	fake := &provisioningFake{assigningPolls: 2, terminal: "failed"}
	ts := httptest.NewServer(fake.handler(t))
	defer ts.Close()

	c := newTestProvisioningClient(t, ts.URL)
	reg, err := c.Register(context.Background())
	if err == nil {
		t.Fatalf("expected registration error")
	}
	var regErr *RegistrationError
	if !errors.As(err, &regErr) || regErr.Op != "assignment" {
		t.Fatalf("expected assignment RegistrationError, got %v", err)
	}
	if reg.State != StateFailed {
		t.Fatalf("state %s, want %s", reg.State, StateFailed)
	}
	// Failed is terminal: three assigning polls would have been allowed, but
	// the client must stop at the failed status.
	if got := fake.pollCalls.Load(); got != 3 {
		t.Fatalf("expected polling to stop at the failed status, got %d polls", got)
	}
}

func TestRegisterRejectedRequest(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	defer ts.Close()

	c := newTestProvisioningClient(t, ts.URL)
	reg, err := c.Register(context.Background())
	var regErr *RegistrationError
	if !errors.As(err, &regErr) || regErr.Status != http.StatusUnauthorized {
		t.Fatalf("expected 401 RegistrationError, got %v", err)
	}
	if reg.State != StateFailed {
		t.Fatalf("state %s, want %s", reg.State, StateFailed)
	}
}

func TestRegisterIsOneShot(t *testing.T) {
	fake := &provisioningFake{terminal: "assigned", hub: "hub.example.net"}
	ts := httptest.NewServer(fake.handler(t))
	defer ts.Close()

	c := newTestProvisioningClient(t, ts.URL)
	if _, err := c.Register(context.Background()); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := c.Register(context.Background()); err == nil {
		t.Fatalf("second Register on the same client must fail")
	}
	if got := fake.registerCalls.Load(); got != 1 {
		t.Fatalf("expected a single register request, got %d", got)
	}
}

func TestRegisterHonorsContextCancel(t *testing.T) {
	fake := &provisioningFake{assigningPolls: 1000, terminal: "assigned"}
	ts := httptest.NewServer(fake.handler(t))
	defer ts.Close()

	c := NewProvisioningClient(ts.URL, "0ne0000TEST", "dev-001", testDeviceKey(t, "dev-001"), logr.Discard(),
		WithPollInterval(time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	if _, err := c.Register(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
