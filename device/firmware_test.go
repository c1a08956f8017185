package device

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr"
)

// statusRecorder captures phase reports in order.
type statusRecorder struct {
	mu      sync.Mutex
	reports []string
}

func (r *statusRecorder) report(_ context.Context, _ string, status string, _ string, _ string) {
	r.mu.Lock()
	r.reports = append(r.reports, status)
	r.mu.Unlock()
}

func (r *statusRecorder) statuses() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.reports))
	copy(out, r.reports)
	return out
}

func equalStatuses(got, want []string) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

func firmwareServer(t *testing.T, body []byte) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(body)
	}))
}

func TestApplySuccessSequence(t *testing.T) {
	ts := firmwareServer(t, []byte("firmware-image"))
	defer ts.Close()

	rec := &statusRecorder{}
	m := NewUpdateManager("1.0.0", t.TempDir(), rec.report, logr.Discard(), WithInstallDelay(time.Millisecond))

	if err := m.Apply(context.Background(), FirmwareUpdateRequest{Version: "2.0.0", URL: ts.URL}); err != nil {
		t.Fatalf("apply: %v", err)
	}

	if got := m.CurrentVersion(); got != "2.0.0" {
		t.Fatalf("current version %s, want 2.0.0", got)
	}
	if got := m.State(); got != JobCompleted {
		t.Fatalf("state %s, want %s", got, JobCompleted)
	}
	want := []string{StatusDownloading, StatusInstalling, StatusCompleted}
	if got := rec.statuses(); !equalStatuses(got, want) {
		t.Fatalf("status sequence %v, want %v", got, want)
	}
}

func TestApplySameVersionReportsCurrent(t *testing.T) {
	rec := &statusRecorder{}
	m := NewUpdateManager("1.0.0", t.TempDir(), rec.report, logr.Discard())

	if err := m.Apply(context.Background(), FirmwareUpdateRequest{Version: "1.0.0", URL: "http://unused"}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if got := m.State(); got != JobIdle {
		t.Fatalf("same-version request must leave the job Idle, got %s", got)
	}
	if got := rec.statuses(); !equalStatuses(got, []string{StatusCurrent}) {
		t.Fatalf("status sequence %v, want [current]", got)
	}
}

func TestApplyDownloadFailureKeepsVersion(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer ts.Close()

	rec := &statusRecorder{}
	m := NewUpdateManager("1.0.0", t.TempDir(), rec.report, logr.Discard())

	err := m.Apply(context.Background(), FirmwareUpdateRequest{Version: "2.0.0", URL: ts.URL})
	if err == nil {
		t.Fatalf("expected download failure")
	}
	var otaErr *OTAError
	if !errors.As(err, &otaErr) || otaErr.Phase != "download" {
		t.Fatalf("expected download OTAError, got %v", err)
	}

	if got := m.CurrentVersion(); got != "1.0.0" {
		t.Fatalf("failed update must keep the prior version, got %s", got)
	}
	if got := m.State(); got != JobFailed {
		t.Fatalf("state %s, want %s", got, JobFailed)
	}
	if m.LastError() == "" {
		t.Fatalf("failed job must record its error")
	}
	want := []string{StatusDownloading, StatusFailed}
	if got := rec.statuses(); !equalStatuses(got, want) {
		t.Fatalf("status sequence %v, want %v", got, want)
	}
}

type blockingInstaller struct {
	entered chan struct{}
	release chan struct{}
}

func (i *blockingInstaller) Install(ctx context.Context, _, _ string) error {
	close(i.entered)
	select {
	case <-i.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestApplyRejectsConcurrentJob(t *testing.T) {
	ts := firmwareServer(t, []byte("firmware-image"))
	defer ts.Close()

	inst := &blockingInstaller{entered: make(chan struct{}), release: make(chan struct{})}
	rec := &statusRecorder{}
	m := NewUpdateManager("1.0.0", t.TempDir(), rec.report, logr.Discard(), WithInstaller(inst))

	done := make(chan error, 1)
	go func() {
		done <- m.Apply(context.Background(), FirmwareUpdateRequest{Version: "2.0.0", URL: ts.URL})
	}()
	<-inst.entered

	if !m.Busy() {
		t.Fatalf("manager must report busy while installing")
	}
	// Second request while installing: rejected, never queued.
	if err := m.Apply(context.Background(), FirmwareUpdateRequest{Version: "3.0.0", URL: ts.URL}); !errors.Is(err, ErrJobInProgress) {
		t.Fatalf("expected ErrJobInProgress, got %v", err)
	}

	close(inst.release)
	if err := <-done; err != nil {
		t.Fatalf("first job failed: %v", err)
	}
	if got := m.CurrentVersion(); got != "2.0.0" {
		t.Fatalf("rejected request must not affect the running job, got version %s", got)
	}
}

func TestApplyCleansUpArtifact(t *testing.T) {
	ts := firmwareServer(t, []byte("firmware-image"))
	defer ts.Close()

	dir := t.TempDir()
	rec := &statusRecorder{}
	m := NewUpdateManager("1.0.0", dir, rec.report, logr.Discard(), WithInstallDelay(time.Millisecond))

	if err := m.Apply(context.Background(), FirmwareUpdateRequest{Version: "2.0.0", URL: ts.URL}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "firmware-2.0.0.bin")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("artifact should be removed after install, stat err: %v", err)
	}
}

func TestSanitizeVersion(t *testing.T) {
	if got := sanitizeVersion("2.0.0-rc.1"); got != "2.0.0-rc.1" {
		t.Fatalf("safe version mangled: %s", got)
	}
	if got := sanitizeVersion("../../etc/passwd"); strings.Contains(got, "/") {
		t.Fatalf("path separators must not survive: %s", got)
	}
	if got := sanitizeVersion(""); got != "unknown" {
		t.Fatalf("empty version: %s", got)
	}
}
