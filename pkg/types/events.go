package types

import "time"

type DeviceCreated struct {
	DeviceID  string    `json:"deviceID"`
	Tenant    string    `json:"tenant,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func (d *DeviceCreated) ContentType() string {
	return "application/json"
}
func (d *DeviceCreated) TopicName() string {
	return "device.created"
}

type DeviceUpdated struct {
	DeviceID  string    `json:"deviceID"`
	Tenant    string    `json:"tenant,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func (d *DeviceUpdated) ContentType() string {
	return "application/json"
}
func (d *DeviceUpdated) TopicName() string {
	return "device.updated"
}

type DeviceDeleted struct {
	DeviceID  string    `json:"deviceID"`
	Tenant    string    `json:"tenant,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func (d *DeviceDeleted) ContentType() string {
	return "application/json"
}
func (d *DeviceDeleted) TopicName() string {
	return "device.deleted"
}

type CommandEnqueued struct {
	CommandID   string    `json:"commandID"`
	DeviceID    string    `json:"deviceID"`
	CommandType string    `json:"commandType"`
	Tenant      string    `json:"tenant,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

func (c *CommandEnqueued) ContentType() string {
	return "application/json"
}
func (c *CommandEnqueued) TopicName() string {
	return "command.enqueued"
}

type AlertCreated struct {
	Alert     Alert     `json:"alert"`
	Tenant    string    `json:"tenant,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func (a *AlertCreated) ContentType() string {
	return "application/json"
}
func (a *AlertCreated) TopicName() string {
	return "alert.created"
}
