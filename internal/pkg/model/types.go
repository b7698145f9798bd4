package model

import "time"

// Status is the mower's operational state as decoded from the status-code
// byte of an inbound frame.
type Status string

const (
	StatusUnknown   Status = "unknown"
	StatusIdle      Status = "idle"
	StatusMowing    Status = "mowing"
	StatusReturning Status = "returning"
	StatusDocked    Status = "docked"
	StatusCharging  Status = "charging"
	StatusStopped   Status = "stopped"
	StatusError     Status = "error"
)

// Sensor slugs, shared between the state change sets, MQTT topics and the
// websocket event payloads.
const (
	SlugStatus            = "status"
	SlugBatteryPercent    = "battery_percent"
	SlugIsCharging        = "is_charging"
	SlugSignalType        = "signal_type"
	SlugFirmwareVersion   = "firmware_version"
	SlugSerialNumber      = "serial_number"
	SlugWorkingHours      = "working_hours"
	SlugRainDelayMinutes  = "rain_delay_minutes"
	SlugFaultCount        = "fault_count"
	SlugBoundaryTrimming  = "boundary_trimming_enabled"
	SlugUltrasonicEnabled = "ultrasonic_enabled"
)

// FaultRecord is one entry of the mower's fault log.
type FaultRecord struct {
	OccurredAt time.Time `json:"occurred_at"`
	Code       byte      `json:"code"`
	Detail     []byte    `json:"detail,omitempty"`
}

// MowerState is the last-known status of one mower. Pointer fields are
// optional: nil means the value has not been observed this session.
type MowerState struct {
	Status            Status        `json:"status"`
	BatteryPercent    *int          `json:"battery_percent,omitempty"`
	IsCharging        *bool         `json:"is_charging,omitempty"`
	SignalType        *string       `json:"signal_type,omitempty"`
	FirmwareVersion   string        `json:"firmware_version,omitempty"`
	SerialNumber      string        `json:"serial_number,omitempty"`
	WorkingHours      *int          `json:"working_hours,omitempty"`
	RainDelayMinutes  *int          `json:"rain_delay_minutes,omitempty"`
	FaultCount        int           `json:"fault_count"`
	RecentFaults      []FaultRecord `json:"recent_faults,omitempty"`
	BoundaryTrimming  *bool         `json:"boundary_trimming_enabled,omitempty"`
	UltrasonicEnabled *bool         `json:"ultrasonic_enabled,omitempty"`
	LastUpdatedAt     time.Time     `json:"last_updated_at"`
}

// ChangeSet maps sensor slugs to the values that changed in one Apply.
type ChangeSet map[string]any

// Device identifies one physical mower.
type Device struct {
	Address      string
	Name         string
	Model        string
	SerialNumber string
}
