package device

import (
	"math/rand"
	"time"
)

// Message type tags carried in payloads and as application properties.
const (
	MessageTypeTelemetry      = "telemetry"
	MessageTypeDeviceInfo     = "deviceInfo"
	MessageTypeFirmwareStatus = "firmwareStatus"
)

const (
	defaultHardwareVersion = "2.1"
	defaultDeviceModel     = "tanning-booth-ctrl"
)

// TelemetryMessage is the periodic sensor payload.
type TelemetryMessage struct {
	MessageType     string  `json:"messageType"`
	Temperature     float64 `json:"temperature"`
	UVIndex         float64 `json:"uvIndex"`
	SessionTime     int64   `json:"sessionTime"`
	Humidity        float64 `json:"humidity"`
	BoothDoorOpen   bool    `json:"boothDoorOpen"`
	DeviceID        string  `json:"deviceId"`
	FirmwareVersion string  `json:"firmwareVersion"`
	Timestamp       int64   `json:"timestamp"`
}

// DeviceInfoMessage describes the device itself, sent on a slower cadence.
type DeviceInfoMessage struct {
	MessageType     string `json:"messageType"`
	DeviceID        string `json:"deviceId"`
	FirmwareVersion string `json:"firmwareVersion"`
	HardwareVersion string `json:"hardwareVersion"`
	DeviceModel     string `json:"deviceModel"`
	LastBoot        string `json:"lastBoot"`
	Transport       string `json:"transport"`
}

// FirmwareStatusMessage reports OTA phase transitions when the transport has
// no reported-state surface.
type FirmwareStatusMessage struct {
	MessageType    string `json:"messageType"`
	DeviceID       string `json:"deviceId"`
	CurrentVersion string `json:"currentVersion"`
	Status         string `json:"status"`
	Timestamp      int64  `json:"timestamp"`
	TargetVersion  string `json:"targetVersion,omitempty"`
	Error          string `json:"error,omitempty"`
}

// sampleTelemetry fabricates one sensor reading. Plain random sampling; the
// interesting behavior lives in everything around it.
func sampleTelemetry(deviceID, firmwareVersion string, sessionStart time.Time) TelemetryMessage {
	return TelemetryMessage{
		MessageType:     MessageTypeTelemetry,
		Temperature:     22.5 + rand.Float64()*10 - 5,
		UVIndex:         rand.Float64() * 12,
		SessionTime:     int64(time.Since(sessionStart).Seconds()),
		Humidity:        45 + rand.Float64()*20 - 10,
		BoothDoorOpen:   rand.Intn(10) == 0,
		DeviceID:        deviceID,
		FirmwareVersion: firmwareVersion,
		Timestamp:       nowFunc().Unix(),
	}
}
