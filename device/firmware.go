package device

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/go-logr/logr"
)

// JobState tracks one OTA firmware job.
type JobState string

const (
	JobIdle        JobState = "Idle"
	JobDownloading JobState = "Downloading"
	JobInstalling  JobState = "Installing"
	JobCompleted   JobState = "Completed"
	JobFailed      JobState = "Failed"
)

// Reported firmware statuses, in phase order.
const (
	StatusCurrent     = "current"
	StatusDownloading = "downloading"
	StatusInstalling  = "installing"
	StatusCompleted   = "completed"
	StatusFailed      = "failed"
)

// DefaultInstallDelay models real flashing time.
const DefaultInstallDelay = 2 * time.Second

var reUnsafeVersion = regexp.MustCompile(`[^a-zA-Z0-9_.-]`)

// FirmwareUpdateRequest is the normalized form of every update entry point:
// desired-state change, direct method, or operator trigger.
type FirmwareUpdateRequest struct {
	Version string `json:"version"`
	URL     string `json:"url"`
}

// StatusReporter delivers phase reports. The manager never cares which
// channel carries them.
type StatusReporter func(ctx context.Context, currentVersion, status, targetVersion, errMsg string)

// Source fetches a firmware image from its URL to a local artifact path.
type Source interface {
	Fetch(ctx context.Context, url, dest string) error
}

// Installer applies a downloaded artifact. The simulator sleeps; a real
// implementation can verify and flash without touching the state machine.
type Installer interface {
	Install(ctx context.Context, artifactPath, version string) error
}

type simulatedInstaller struct {
	delay time.Duration
}

func (i simulatedInstaller) Install(ctx context.Context, _ string, _ string) error {
	return sleepWithContext(ctx, i.delay)
}

// UpdateManager runs the download -> install -> report job for one device.
// At most one job is active at a time; concurrent requests are rejected.
type UpdateManager struct {
	report    StatusReporter
	source    Source
	installer Installer
	dir       string
	logger    logr.Logger

	mu             sync.Mutex
	state          JobState
	currentVersion string
	targetVersion  string
	lastError      string
}

// UpdateOption tweaks manager construction.
type UpdateOption func(*UpdateManager)

// WithSource overrides the artifact source (default: HTTPS stream fetch).
func WithSource(s Source) UpdateOption {
	return func(m *UpdateManager) { m.source = s }
}

// WithInstaller overrides the install step.
func WithInstaller(i Installer) UpdateOption {
	return func(m *UpdateManager) { m.installer = i }
}

// WithInstallDelay sets the simulated install latency.
func WithInstallDelay(d time.Duration) UpdateOption {
	return func(m *UpdateManager) { m.installer = simulatedInstaller{delay: d} }
}

// NewUpdateManager builds a manager starting at currentVersion, staging
// artifacts under dir.
func NewUpdateManager(currentVersion, dir string, report StatusReporter, logger logr.Logger, opts ...UpdateOption) *UpdateManager {
	m := &UpdateManager{
		report:         report,
		source:         &HTTPSource{},
		installer:      simulatedInstaller{delay: DefaultInstallDelay},
		dir:            dir,
		logger:         logger,
		state:          JobIdle,
		currentVersion: currentVersion,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CurrentVersion returns the installed firmware version.
func (m *UpdateManager) CurrentVersion() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentVersion
}

// State returns the job state.
func (m *UpdateManager) State() JobState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// LastError returns the most recent job failure message, if any.
func (m *UpdateManager) LastError() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastError
}

// Busy reports whether a job is currently downloading or installing.
func (m *UpdateManager) Busy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == JobDownloading || m.state == JobInstalling
}

// Apply runs one update job to completion. Phase reports are strictly
// ordered: current | downloading, installing, completed | downloading,
// failed. The device keeps its prior version on any failure.
func (m *UpdateManager) Apply(ctx context.Context, req FirmwareUpdateRequest) error {
	m.mu.Lock()
	if m.state == JobDownloading || m.state == JobInstalling {
		m.mu.Unlock()
		return ErrJobInProgress
	}
	current := m.currentVersion
	if req.Version == current {
		m.mu.Unlock()
		m.report(ctx, current, StatusCurrent, "", "")
		return nil
	}
	m.state = JobDownloading
	m.targetVersion = req.Version
	m.lastError = ""
	m.mu.Unlock()

	m.report(ctx, current, StatusDownloading, req.Version, "")

	artifact := filepath.Join(m.dir, "firmware-"+sanitizeVersion(req.Version)+".bin")
	if err := m.source.Fetch(ctx, req.URL, artifact); err != nil {
		m.removeArtifact(artifact)
		return m.fail(ctx, current, req.Version, "download", err)
	}

	m.mu.Lock()
	m.state = JobInstalling
	m.mu.Unlock()
	m.report(ctx, current, StatusInstalling, req.Version, "")

	if err := m.installer.Install(ctx, artifact, req.Version); err != nil {
		m.removeArtifact(artifact)
		return m.fail(ctx, current, req.Version, "install", err)
	}

	m.mu.Lock()
	m.currentVersion = req.Version
	m.state = JobCompleted
	m.mu.Unlock()

	m.removeArtifact(artifact)
	m.report(ctx, req.Version, StatusCompleted, req.Version, "")
	m.logger.Info("firmware updated", "from", current, "to", req.Version)
	return nil
}

func (m *UpdateManager) fail(ctx context.Context, current, target, phase string, err error) error {
	otaErr := &OTAError{Phase: phase, Err: err}

	m.mu.Lock()
	m.state = JobFailed
	m.lastError = otaErr.Error()
	m.mu.Unlock()

	m.report(ctx, current, StatusFailed, target, err.Error())
	return otaErr
}

// removeArtifact is best effort; a leftover artifact never fails a job.
func (m *UpdateManager) removeArtifact(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		m.logger.V(1).Info("artifact cleanup failed", "path", path, "error", err.Error())
	}
}

func sanitizeVersion(v string) string {
	s := reUnsafeVersion.ReplaceAllString(v, "-")
	if s == "" {
		return "unknown"
	}
	return s
}

// HTTPSource stream-fetches a firmware binary over HTTP(S).
type HTTPSource struct {
	// Client defaults to a 30s-timeout client.
	Client *http.Client
}

func (s *HTTPSource) Fetch(ctx context.Context, url, dest string) error {
	client := s.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch %s: unexpected status %d", url, resp.StatusCode)
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	f, err := os.Create(dest)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
