package device

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/go-logr/logr"
)

// CommandResult is the structured response of a remote command.
type CommandResult struct {
	Status  int `json:"status"`
	Payload any `json:"payload,omitempty"`
}

// CommandHandler serves one named remote command.
type CommandHandler func(ctx context.Context, payload json.RawMessage) CommandResult

// Connection wraps a Transport with connectivity tracking, send gating,
// counters, and the command dispatch table. Disconnected sends no-op and
// count as errors so transient connectivity loss never crashes the agent.
type Connection struct {
	deviceID  string
	transport Transport
	logger    logr.Logger

	mu        sync.Mutex
	connected bool
	closed    bool
	handlers  map[string]CommandHandler
	onState   func(connected bool)

	telemetryCount atomic.Uint64
	errorCount     atomic.Uint64
}

// NewConnection wraps the transport for one device session.
func NewConnection(deviceID string, transport Transport, logger logr.Logger) *Connection {
	return &Connection{
		deviceID:  deviceID,
		transport: transport,
		logger:    logger,
		handlers:  make(map[string]CommandHandler),
	}
}

// OnStateChange registers a connectivity signal. Invoked on connect and
// disconnect transitions only.
func (c *Connection) OnStateChange(fn func(connected bool)) {
	c.mu.Lock()
	c.onState = fn
	c.mu.Unlock()
}

// Open establishes the session. Safe to call again after a lost connection.
func (c *Connection) Open(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.New("connection closed")
	}
	c.mu.Unlock()

	if err := c.transport.Open(ctx); err != nil {
		c.errorCount.Add(1)
		return &ConnectionError{Err: err}
	}
	c.setConnected(true)
	return nil
}

// IsConnected reports the current connectivity flag.
func (c *Connection) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Capabilities exposes the transport feature set.
func (c *Connection) Capabilities() Capabilities { return c.transport.Capabilities() }

// Send delivers one typed message. While disconnected it silently no-ops,
// counting an error. A transport-level failure flips the connection to
// disconnected; a rejected payload only counts.
func (c *Connection) Send(ctx context.Context, messageType string, payload any) error {
	if !c.IsConnected() {
		c.errorCount.Add(1)
		c.logger.V(1).Info("dropping send while disconnected", "device", c.deviceID, "messageType", messageType)
		return nil
	}

	if err := c.transport.Send(ctx, messageType, payload); err != nil {
		c.errorCount.Add(1)
		var connErr *ConnectionError
		if errors.As(err, &connErr) {
			c.setConnected(false)
		}
		return err
	}

	if messageType == MessageTypeTelemetry {
		c.telemetryCount.Add(1)
	}
	return nil
}

// Desired polls the server-to-device state document. A transport without
// the twin surface reports ErrNotSupported.
func (c *Connection) Desired(ctx context.Context) (DesiredState, error) {
	if !c.transport.Capabilities().Twin {
		return DesiredState{}, ErrNotSupported
	}
	desired, err := c.transport.Desired(ctx)
	if err != nil {
		c.errorCount.Add(1)
		var connErr *ConnectionError
		if errors.As(err, &connErr) {
			c.setConnected(false)
		}
		return DesiredState{}, err
	}
	return desired, nil
}

// ReportFirmwareStatus delivers an OTA phase report through whichever
// channel the transport supports: a reported-state patch when the twin
// surface exists, otherwise an ordinary status message.
func (c *Connection) ReportFirmwareStatus(ctx context.Context, currentVersion, status, targetVersion, errMsg string) {
	if c.transport.Capabilities().Twin {
		patch := map[string]any{
			"firmwareStatus": map[string]any{
				"currentVersion": currentVersion,
				"status":         status,
				"timestamp":      nowFunc().Unix(),
			},
		}
		inner := patch["firmwareStatus"].(map[string]any)
		if targetVersion != "" {
			inner["targetVersion"] = targetVersion
		}
		if errMsg != "" {
			inner["error"] = errMsg
		}
		if err := c.transport.UpdateReported(ctx, patch); err == nil {
			return
		}
		// Fall through to a plain status message on patch failure.
	}

	msg := FirmwareStatusMessage{
		MessageType:    MessageTypeFirmwareStatus,
		DeviceID:       c.deviceID,
		CurrentVersion: currentVersion,
		Status:         status,
		Timestamp:      nowFunc().Unix(),
		TargetVersion:  targetVersion,
		Error:          errMsg,
	}
	if err := c.Send(ctx, MessageTypeFirmwareStatus, msg); err != nil {
		c.logger.V(1).Info("firmware status report failed", "device", c.deviceID, "status", status, "error", err.Error())
	}
}

// Handle binds a named remote command to a handler.
func (c *Connection) Handle(name string, h CommandHandler) {
	c.mu.Lock()
	c.handlers[name] = h
	c.mu.Unlock()
}

// Dispatch invokes the handler bound to name. Unknown commands return a
// "not handled" result rather than an error.
func (c *Connection) Dispatch(ctx context.Context, name string, payload json.RawMessage) CommandResult {
	c.mu.Lock()
	h, ok := c.handlers[name]
	c.mu.Unlock()

	if !ok {
		return CommandResult{
			Status:  http.StatusNotFound,
			Payload: map[string]string{"message": "command not handled: " + name},
		}
	}
	return h(ctx, payload)
}

// Counters snapshots the send counters.
func (c *Connection) Counters() (telemetry, errs uint64) {
	return c.telemetryCount.Load(), c.errorCount.Load()
}

// Close is idempotent and bounded by the caller's context.
func (c *Connection) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.setConnected(false)
	return c.transport.Close(ctx)
}

func (c *Connection) setConnected(connected bool) {
	c.mu.Lock()
	changed := c.connected != connected
	c.connected = connected
	fn := c.onState
	c.mu.Unlock()

	if changed && fn != nil {
		fn(connected)
	}
}
