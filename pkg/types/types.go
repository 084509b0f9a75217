package types

import (
	"encoding/json"
	"time"
)

const (
	DeviceStatusOnline  = "online"
	DeviceStatusWarning = "warning"
	DeviceStatusOffline = "offline"
	DeviceStatusUnknown = "unknown"
)

type Device struct {
	DeviceID     string    `json:"deviceID"`
	Tenant       string    `json:"tenant"`
	Name         string    `json:"name,omitempty"`
	Status       string    `json:"status"`
	AgentVersion string    `json:"agentVersion,omitempty"`
	LastSeen     time.Time `json:"lastSeen,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

type CommandStatus string

const (
	CommandQueued CommandStatus = "queued"
	CommandSent   CommandStatus = "sent"
	CommandAcked  CommandStatus = "acked"
	CommandFailed CommandStatus = "failed"
)

// CanTransitionTo reports whether a command status may move to next.
// Transitions are monotonic: acked and failed are terminal, and a command
// never moves backwards in its lifecycle.
func (s CommandStatus) CanTransitionTo(next CommandStatus) bool {
	switch s {
	case CommandQueued:
		return next == CommandSent || next == CommandFailed
	case CommandSent:
		return next == CommandAcked || next == CommandFailed
	default:
		return false
	}
}

type Command struct {
	CommandID string          `json:"commandID"`
	DeviceID  string          `json:"deviceID"`
	Tenant    string          `json:"tenant"`
	Type      string          `json:"type"`
	Params    json.RawMessage `json:"params,omitempty"`
	Status    CommandStatus   `json:"status"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

type Alert struct {
	AlertID   string          `json:"alertID"`
	DeviceID  string          `json:"deviceID"`
	Tenant    string          `json:"tenant"`
	Type      string          `json:"type"`
	Meta      json.RawMessage `json:"meta,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

// Principal carries the identity a mutating operation is performed as.
// Authentication happens upstream; services check the principal before an
// operation executes, not just before a control is rendered.
type Principal struct {
	Tenant string `json:"tenant"`
	Admin  bool   `json:"admin"`
}

type Collection[T any] struct {
	Data       []T
	Count      uint64
	Offset     uint64
	Limit      uint64
	TotalCount uint64
}
