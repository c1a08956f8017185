package device

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-logr/logr"
)

// Command names on the remote dispatch surface.
const (
	CommandFirmwareUpdate = "firmwareUpdate"
	CommandReboot         = "reboot"
	CommandGetDeviceInfo  = "getDeviceInfo"
)

// AgentConfig describes one simulated device.
type AgentConfig struct {
	DeviceID string
	// Index staggers telemetry start across the fleet: the first send is
	// delayed by Index*StaggerDelay.
	Index int

	GroupKey             string
	ProvisioningEndpoint string
	IDScope              string
	// HubEndpoint, when set, overrides the assigned hub (local mock runs).
	HubEndpoint string

	DeviceType     string
	EnrollmentType string

	TelemetryInterval   time.Duration
	DeviceInfoInterval  time.Duration
	DesiredPollInterval time.Duration
	StaggerDelay        time.Duration

	FirmwareVersion string
	FirmwareDir     string
	InstallDelay    time.Duration
	FirmwareSource  Source

	PollInterval    time.Duration
	MaxPollAttempts int
	HTTPClient      *http.Client
}

func (c *AgentConfig) applyDefaults() {
	if c.DeviceType == "" {
		c.DeviceType = defaultDeviceModel
	}
	if c.EnrollmentType == "" {
		c.EnrollmentType = "group"
	}
	if c.TelemetryInterval <= 0 {
		c.TelemetryInterval = 30 * time.Second
	}
	if c.DeviceInfoInterval <= 0 {
		c.DeviceInfoInterval = 5 * time.Minute
	}
	if c.DesiredPollInterval <= 0 {
		c.DesiredPollInterval = time.Minute
	}
	if c.FirmwareVersion == "" {
		c.FirmwareVersion = "1.0.0"
	}
}

// Info is the structured device description returned by getDeviceInfo and
// the operator surface.
type Info struct {
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

// Agent is one simulated field device: identity, registration, tokens,
// connection, counters, and the active firmware job. All state is private
// to the agent; failures never escalate past it.
type Agent struct {
	cfg    AgentConfig
	logger logr.Logger
	key    string
	fw     *UpdateManager

	mu           sync.Mutex
	reg          Registration
	conn         *Connection
	cancel       context.CancelFunc
	done         chan struct{}
	lastBoot     time.Time
	sessionStart time.Time
	lastTarget   string

	fwJobs sync.WaitGroup
}

// NewAgent derives the device key and prepares the agent. A bad group key
// is fatal to this device's startup only.
func NewAgent(cfg AgentConfig, logger logr.Logger) (*Agent, error) {
	if cfg.DeviceID == "" {
		return nil, fmt.Errorf("deviceID is required")
	}
	cfg.applyDefaults()

	key, err := DeriveDeviceKey(cfg.GroupKey, cfg.DeviceID)
	if err != nil {
		return nil, err
	}

	a := &Agent{
		cfg:    cfg,
		logger: logger.WithValues("device", cfg.DeviceID),
		key:    key,
	}

	fwOpts := []UpdateOption{}
	if cfg.InstallDelay > 0 {
		fwOpts = append(fwOpts, WithInstallDelay(cfg.InstallDelay))
	}
	if cfg.FirmwareSource != nil {
		fwOpts = append(fwOpts, WithSource(cfg.FirmwareSource))
	}
	a.fw = NewUpdateManager(cfg.FirmwareVersion, cfg.FirmwareDir, a.reportFirmwareStatus, a.logger, fwOpts...)
	return a, nil
}

// ID returns the device identifier.
func (a *Agent) ID() string { return a.cfg.DeviceID }

// Registration returns the provisioning record.
func (a *Agent) Registration() Registration {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.reg
}

// Firmware exposes the update manager (operator and test surface).
func (a *Agent) Firmware() *UpdateManager { return a.fw }

// Start provisions the device, opens the hub session, and launches the
// telemetry loops. An error here means the agent never joined the fleet.
func (a *Agent) Start(ctx context.Context) error {
	prov := NewProvisioningClient(
		a.cfg.ProvisioningEndpoint, a.cfg.IDScope, a.cfg.DeviceID, a.key, a.logger,
		provisioningOpts(a.cfg)...,
	)
	reg, err := prov.Register(ctx)
	if err != nil {
		return err
	}

	hub := a.cfg.HubEndpoint
	if hub == "" {
		hub = reg.AssignedHub
	}
	deviceID := reg.AssignedDeviceID
	if deviceID == "" {
		deviceID = a.cfg.DeviceID
	}

	transport := NewHTTPTransport(hub, deviceID, a.key, a.cfg.DeviceType, a.cfg.EnrollmentType,
		a.fw.CurrentVersion, a.cfg.HTTPClient)
	conn := NewConnection(deviceID, transport, a.logger)
	a.registerCommands(conn)

	if err := conn.Open(ctx); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	now := nowFunc()

	a.mu.Lock()
	a.reg = reg
	a.conn = conn
	a.cancel = cancel
	a.done = make(chan struct{})
	a.lastBoot = now
	a.sessionStart = now
	a.mu.Unlock()

	go a.run(runCtx)
	return nil
}

func provisioningOpts(cfg AgentConfig) []ProvisioningOption {
	var opts []ProvisioningOption
	if cfg.PollInterval > 0 {
		opts = append(opts, WithPollInterval(cfg.PollInterval))
	}
	if cfg.MaxPollAttempts > 0 {
		opts = append(opts, WithMaxPollAttempts(cfg.MaxPollAttempts))
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, WithProvisioningHTTPClient(cfg.HTTPClient))
	}
	return opts
}

func (a *Agent) run(ctx context.Context) {
	defer close(a.doneChan())

	if stagger := time.Duration(a.cfg.Index) * a.cfg.StaggerDelay; stagger > 0 {
		if sleepWithContext(ctx, stagger) != nil {
			return
		}
	}

	conn := a.connection()
	a.sendDeviceInfo(ctx, conn)
	a.sendTelemetry(ctx, conn)

	telemetry := time.NewTicker(a.cfg.TelemetryInterval)
	defer telemetry.Stop()
	info := time.NewTicker(a.cfg.DeviceInfoInterval)
	defer info.Stop()

	// Poll the desired document only when the transport cannot push and
	// actually has a twin surface to poll.
	var desired <-chan time.Time
	if caps := conn.Capabilities(); !caps.Push && caps.Twin {
		t := time.NewTicker(a.cfg.DesiredPollInterval)
		defer t.Stop()
		desired = t.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-telemetry.C:
			a.sendTelemetry(ctx, conn)
		case <-info.C:
			a.sendDeviceInfo(ctx, conn)
		case <-desired:
			a.pollDesired(ctx, conn)
		}
	}
}

func (a *Agent) sendTelemetry(ctx context.Context, conn *Connection) {
	msg := sampleTelemetry(a.cfg.DeviceID, a.fw.CurrentVersion(), a.session())
	if err := conn.Send(ctx, MessageTypeTelemetry, msg); err != nil {
		a.logger.V(1).Info("telemetry send failed", "error", err.Error())
	}
}

func (a *Agent) sendDeviceInfo(ctx context.Context, conn *Connection) {
	info := a.Info()
	msg := DeviceInfoMessage{
		MessageType:     MessageTypeDeviceInfo,
		DeviceID:        info.DeviceID,
		FirmwareVersion: info.FirmwareVersion,
		HardwareVersion: info.HardwareVersion,
		DeviceModel:     info.DeviceModel,
		LastBoot:        info.LastBoot,
		Transport:       info.Transport,
	}
	if err := conn.Send(ctx, MessageTypeDeviceInfo, msg); err != nil {
		a.logger.V(1).Info("device info send failed", "error", err.Error())
	}
}

// pollDesired checks the server-to-device state document for a firmware
// update. A target that already failed is not retried; re-invocation is an
// operator decision.
func (a *Agent) pollDesired(ctx context.Context, conn *Connection) {
	desired, err := conn.Desired(ctx)
	if err != nil {
		a.logger.V(1).Info("desired poll failed", "error", err.Error())
		return
	}
	req := desired.FirmwareUpdate
	if req == nil || req.Version == "" || req.Version == a.fw.CurrentVersion() {
		return
	}
	if a.fw.Busy() || a.attempted(req.Version) {
		return
	}
	a.startFirmwareJob(ctx, *req)
}

func (a *Agent) startFirmwareJob(ctx context.Context, req FirmwareUpdateRequest) {
	a.mu.Lock()
	a.lastTarget = req.Version
	a.mu.Unlock()

	// A started job always runs to completed or failed: cancelling the run
	// loop must not abort it mid-phase. Close waits on fwJobs instead, and
	// the fleet's shutdown fan-in bounds the overall wait.
	jobCtx := context.WithoutCancel(ctx)
	a.fwJobs.Add(1)
	go func() {
		defer a.fwJobs.Done()
		if err := a.fw.Apply(jobCtx, req); err != nil {
			a.logger.Info("firmware update failed", "target", req.Version, "error", err.Error())
		}
	}()
}

func (a *Agent) attempted(version string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastTarget == version
}

// ApplyFirmwareUpdate runs an operator-triggered update synchronously. The
// caller's cancellation does not abort the job once it has started; the
// request values are kept.
func (a *Agent) ApplyFirmwareUpdate(ctx context.Context, req FirmwareUpdateRequest) error {
	a.mu.Lock()
	a.lastTarget = req.Version
	a.mu.Unlock()

	a.fwJobs.Add(1)
	defer a.fwJobs.Done()
	return a.fw.Apply(context.WithoutCancel(ctx), req)
}

func (a *Agent) registerCommands(conn *Connection) {
	conn.Handle(CommandFirmwareUpdate, func(ctx context.Context, payload json.RawMessage) CommandResult {
		var req FirmwareUpdateRequest
		if err := json.Unmarshal(payload, &req); err != nil || req.Version == "" || req.URL == "" {
			return CommandResult{Status: http.StatusBadRequest, Payload: map[string]string{"message": "version and url are required"}}
		}
		if a.fw.Busy() {
			return CommandResult{Status: http.StatusBadRequest, Payload: map[string]string{"message": ErrJobInProgress.Error()}}
		}
		a.startFirmwareJob(ctx, req)
		return CommandResult{Status: http.StatusOK, Payload: map[string]string{"message": "update started", "targetVersion": req.Version}}
	})

	conn.Handle(CommandReboot, func(context.Context, json.RawMessage) CommandResult {
		a.mu.Lock()
		a.lastBoot = nowFunc()
		a.mu.Unlock()
		return CommandResult{Status: http.StatusOK, Payload: map[string]string{"message": "rebooting"}}
	})

	conn.Handle(CommandGetDeviceInfo, func(context.Context, json.RawMessage) CommandResult {
		return CommandResult{Status: http.StatusOK, Payload: a.Info()}
	})
}

func (a *Agent) reportFirmwareStatus(ctx context.Context, currentVersion, status, targetVersion, errMsg string) {
	if conn := a.connection(); conn != nil {
		conn.ReportFirmwareStatus(ctx, currentVersion, status, targetVersion, errMsg)
	}
}

// Connected reports hub connectivity.
func (a *Agent) Connected() bool {
	if conn := a.connection(); conn != nil {
		return conn.IsConnected()
	}
	return false
}

// Counters snapshots the telemetry and error counters.
func (a *Agent) Counters() (telemetry, errs uint64) {
	if conn := a.connection(); conn != nil {
		return conn.Counters()
	}
	return 0, 0
}

// Connection exposes the live connection (command dispatch surface).
func (a *Agent) Connection() *Connection { return a.connection() }

// Info builds the structured device description.
func (a *Agent) Info() Info {
	a.mu.Lock()
	lastBoot := a.lastBoot
	a.mu.Unlock()

	telemetry, errs := a.Counters()
	info := Info{
		DeviceID:        a.cfg.DeviceID,
		FirmwareVersion: a.fw.CurrentVersion(),
		HardwareVersion: defaultHardwareVersion,
		DeviceModel:     a.cfg.DeviceType,
		Transport:       "https",
		TelemetryCount:  telemetry,
		ErrorCount:      errs,
		IsConnected:     a.Connected(),
	}
	if !lastBoot.IsZero() {
		info.LastBoot = lastBoot.UTC().Format(time.RFC3339)
	}
	return info
}

// Close stops the loops, waits for any in-flight firmware job (a started
// job always runs to completed or failed), then closes the connection.
// Bounded by the caller's context; the fleet shutdown fan-in enforces its
// own timeout above this.
func (a *Agent) Close(ctx context.Context) error {
	a.mu.Lock()
	cancel := a.cancel
	a.cancel = nil
	done := a.done
	conn := a.conn
	a.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	jobsDone := make(chan struct{})
	go func() {
		a.fwJobs.Wait()
		close(jobsDone)
	}()
	select {
	case <-jobsDone:
	case <-ctx.Done():
		return ctx.Err()
	}

	if conn != nil {
		return conn.Close(ctx)
	}
	return nil
}

func (a *Agent) connection() *Connection {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.conn
}

func (a *Agent) doneChan() chan struct{} {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.done
}

func (a *Agent) session() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sessionStart
}
