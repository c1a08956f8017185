package fleet

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/apollo/cohort/device"
)

// Startup pacing defaults.
const (
	DefaultBatchSize       = 10
	DefaultBatchDelay      = 5 * time.Second
	DefaultShutdownTimeout = 10 * time.Second
	DefaultStatsInterval   = time.Minute
)

// Config drives the whole simulated fleet.
type Config struct {
	NumDevices     int
	DeviceIDPrefix string

	GroupKey             string
	ProvisioningEndpoint string
	IDScope              string
	HubEndpoint          string

	BatchSize       int
	BatchDelay      time.Duration
	StaggerDelay    time.Duration
	ShutdownTimeout time.Duration
	StatsInterval   time.Duration

	TelemetryInterval   time.Duration
	DeviceInfoInterval  time.Duration
	DesiredPollInterval time.Duration

	FirmwareVersion string
	FirmwareDir     string
	InstallDelay    time.Duration
	FirmwareSource  device.Source

	PollInterval    time.Duration
	MaxPollAttempts int
	HTTPClient      *http.Client
}

func (c *Config) applyDefaults() {
	if c.DeviceIDPrefix == "" {
		c.DeviceIDPrefix = "dev"
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.BatchDelay <= 0 {
		c.BatchDelay = DefaultBatchDelay
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	if c.StatsInterval <= 0 {
		c.StatsInterval = DefaultStatsInterval
	}
}

// Stats is one aggregated snapshot across the fleet.
type Stats struct {
	Total        int            `json:"total"`
	Connected    int            `json:"connected"`
	Disconnected int            `json:"disconnected"`
	Telemetry    uint64         `json:"telemetryCount"`
	Errors       uint64         `json:"errorCount"`
	ActiveJobs   int            `json:"activeFirmwareJobs"`
	Firmware     map[string]int `json:"firmwareVersions"`
}

// agentHandle is the orchestrator's view of one device agent. Tests swap
// the factory to drive fleets of fakes.
type agentHandle interface {
	ID() string
	Start(ctx context.Context) error
	Close(ctx context.Context) error
	Connected() bool
	Counters() (telemetry, errs uint64)
	Info() device.Info
	Firmware() *device.UpdateManager
	ApplyFirmwareUpdate(ctx context.Context, req device.FirmwareUpdateRequest) error
}

var (
	newAgent = func(cfg device.AgentConfig, logger logr.Logger) (agentHandle, error) {
		return device.NewAgent(cfg, logger)
	}
	exitFunc = os.Exit
)

// Orchestrator owns the fleet lifecycle: batched startup, stats
// aggregation, operator fan-out, and bounded shutdown.
type Orchestrator struct {
	cfg    Config
	logger logr.Logger

	mu      sync.Mutex
	agents  map[string]agentHandle
	order   []string
	started bool

	statsCancel context.CancelFunc
	statsDone   chan struct{}
}

// NewOrchestrator prepares a fleet per cfg.
func NewOrchestrator(cfg Config, logger logr.Logger) *Orchestrator {
	cfg.applyDefaults()
	return &Orchestrator{
		cfg:    cfg,
		logger: logger.WithName("fleet"),
		agents: make(map[string]agentHandle),
	}
}

// Start brings the fleet up in batches of BatchSize, sleeping BatchDelay
// between batches. Devices inside a batch start concurrently; an agent
// that fails to start is logged and dropped, never retried, and never
// stops the rest of the fleet. Returns the number of agents running.
func (o *Orchestrator) Start(ctx context.Context) (int, error) {
	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		return 0, fmt.Errorf("fleet already started")
	}
	o.started = true
	o.mu.Unlock()

	if o.cfg.NumDevices <= 0 {
		return 0, fmt.Errorf("numDevices must be positive (got %d)", o.cfg.NumDevices)
	}

	o.logger.Info("starting fleet",
		"devices", o.cfg.NumDevices, "batchSize", o.cfg.BatchSize, "batchDelay", o.cfg.BatchDelay.String())

	for offset := 0; offset < o.cfg.NumDevices; offset += o.cfg.BatchSize {
		if err := ctx.Err(); err != nil {
			return o.size(), err
		}

		end := offset + o.cfg.BatchSize
		if end > o.cfg.NumDevices {
			end = o.cfg.NumDevices
		}
		o.startBatch(ctx, offset, end)

		if end < o.cfg.NumDevices {
			select {
			case <-ctx.Done():
				return o.size(), ctx.Err()
			case <-time.After(o.cfg.BatchDelay):
			}
		}
	}

	statsCtx, cancel := context.WithCancel(context.Background())
	o.mu.Lock()
	o.statsCancel = cancel
	o.statsDone = make(chan struct{})
	o.mu.Unlock()
	go o.statsLoop(statsCtx)

	n := o.size()
	o.logger.Info("fleet started", "running", n, "requested", o.cfg.NumDevices)
	return n, nil
}

func (o *Orchestrator) startBatch(ctx context.Context, from, to int) {
	o.logger.Info("starting batch", "from", from, "to", to-1, "size", to-from)

	var wg sync.WaitGroup
	for i := from; i < to; i++ {
		wg.Add(1)
		go func(index int) {
			defer wg.Done()

			id := fmt.Sprintf("%s-%03d", o.cfg.DeviceIDPrefix, index+1)
			agent, err := newAgent(o.agentConfig(id, index), o.logger)
			if err != nil {
				o.logger.Error(err, "agent construction failed, dropping device", "device", id)
				return
			}
			if err := agent.Start(ctx); err != nil {
				o.logger.Error(err, "agent startup failed, dropping device", "device", id)
				return
			}

			o.mu.Lock()
			o.agents[id] = agent
			o.order = append(o.order, id)
			o.mu.Unlock()
		}(i)
	}
	wg.Wait()
}

func (o *Orchestrator) agentConfig(id string, index int) device.AgentConfig {
	return device.AgentConfig{
		DeviceID:             id,
		Index:                index,
		GroupKey:             o.cfg.GroupKey,
		ProvisioningEndpoint: o.cfg.ProvisioningEndpoint,
		IDScope:              o.cfg.IDScope,
		HubEndpoint:          o.cfg.HubEndpoint,
		TelemetryInterval:    o.cfg.TelemetryInterval,
		DeviceInfoInterval:   o.cfg.DeviceInfoInterval,
		DesiredPollInterval:  o.cfg.DesiredPollInterval,
		StaggerDelay:         o.cfg.StaggerDelay,
		FirmwareVersion:      o.cfg.FirmwareVersion,
		FirmwareDir:          o.cfg.FirmwareDir,
		InstallDelay:         o.cfg.InstallDelay,
		FirmwareSource:       o.cfg.FirmwareSource,
		PollInterval:         o.cfg.PollInterval,
		MaxPollAttempts:      o.cfg.MaxPollAttempts,
		HTTPClient:           o.cfg.HTTPClient,
	}
}

func (o *Orchestrator) size() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.agents)
}

func (o *Orchestrator) handles() []agentHandle {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]agentHandle, 0, len(o.order))
	for _, id := range o.order {
		out = append(out, o.agents[id])
	}
	return out
}

// Stats aggregates a point-in-time snapshot across all running agents.
func (o *Orchestrator) Stats() Stats {
	stats := Stats{Firmware: make(map[string]int)}
	for _, a := range o.handles() {
		stats.Total++
		if a.Connected() {
			stats.Connected++
		} else {
			stats.Disconnected++
		}
		telemetry, errs := a.Counters()
		stats.Telemetry += telemetry
		stats.Errors += errs

		fw := a.Firmware()
		stats.Firmware[fw.CurrentVersion()]++
		if fw.Busy() {
			stats.ActiveJobs++
		}
	}
	return stats
}

// Device returns the structured description of one device.
func (o *Orchestrator) Device(id string) (device.Info, bool) {
	o.mu.Lock()
	a, ok := o.agents[id]
	o.mu.Unlock()
	if !ok {
		return device.Info{}, false
	}
	return a.Info(), true
}

// Devices lists all running devices, ordered by ID.
func (o *Orchestrator) Devices() []device.Info {
	handles := o.handles()
	out := make([]device.Info, 0, len(handles))
	for _, a := range handles {
		out = append(out, a.Info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

// TriggerFirmwareUpdateAll fans the update out to every agent
// concurrently. Per-device failures are collected, not fatal.
func (o *Orchestrator) TriggerFirmwareUpdateAll(ctx context.Context, req device.FirmwareUpdateRequest) map[string]error {
	handles := o.handles()

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		failures = make(map[string]error)
	)
	for _, a := range handles {
		wg.Add(1)
		go func(a agentHandle) {
			defer wg.Done()
			if err := a.ApplyFirmwareUpdate(ctx, req); err != nil {
				mu.Lock()
				failures[a.ID()] = err
				mu.Unlock()
			}
		}(a)
	}
	wg.Wait()

	o.logger.Info("fleet firmware update dispatched",
		"target", req.Version, "devices", len(handles), "failed", len(failures))
	return failures
}

func (o *Orchestrator) statsLoop(ctx context.Context) {
	o.mu.Lock()
	done := o.statsDone
	o.mu.Unlock()
	defer close(done)

	ticker := time.NewTicker(o.cfg.StatsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := o.Stats()
			ObserveStats(stats)
			o.logger.Info("fleet stats",
				"devices", stats.Total,
				"connected", stats.Connected,
				"telemetry", stats.Telemetry,
				"errors", stats.Errors,
				"activeJobs", stats.ActiveJobs)
		}
	}
}

// Shutdown closes every agent concurrently and waits up to
// ShutdownTimeout for the fan-in. Agents that do not finish in time are
// abandoned and the process is forced down with a nonzero exit.
func (o *Orchestrator) Shutdown() {
	o.mu.Lock()
	cancel := o.statsCancel
	o.statsCancel = nil
	statsDone := o.statsDone
	o.mu.Unlock()

	if cancel != nil {
		cancel()
		<-statsDone
	}

	handles := o.handles()
	o.logger.Info("shutting down fleet", "devices", len(handles), "timeout", o.cfg.ShutdownTimeout.String())

	ctx, cancelClose := context.WithTimeout(context.Background(), o.cfg.ShutdownTimeout)
	defer cancelClose()

	var wg sync.WaitGroup
	for _, a := range handles {
		wg.Add(1)
		go func(a agentHandle) {
			defer wg.Done()
			if err := a.Close(ctx); err != nil {
				o.logger.V(1).Info("agent close failed", "device", a.ID(), "error", err.Error())
			}
		}(a)
	}

	closed := make(chan struct{})
	go func() {
		wg.Wait()
		close(closed)
	}()

	select {
	case <-closed:
		o.logger.Info("fleet shutdown complete")
	case <-ctx.Done():
		o.logger.Info("fleet shutdown timed out, forcing exit")
		exitFunc(1)
	}
}
