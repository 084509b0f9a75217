package mailbox

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

type Entity string

const (
	EntityDevices  Entity = "devices"
	EntityCommands Entity = "commands"
	EntityAlerts   Entity = "alerts"
)

var (
	ErrNoRows            = errors.New("no rows in result set")
	ErrMissingTenant     = errors.New("missing tenant information")
	ErrMissingID         = errors.New("record contains no id")
	ErrInvalidTransition = errors.New("invalid command status transition")
	ErrClosed            = errors.New("mailbox is closed")
)

// Record is one row of any mailbox entity. Devices use Name and Status,
// commands use DeviceID, Type and Status, alerts use DeviceID and Type.
// Entity specific payload lives in Data.
type Record struct {
	ID        string          `json:"id"`
	Tenant    string          `json:"tenant"`
	DeviceID  string          `json:"device_id,omitempty"`
	Type      string          `json:"type,omitempty"`
	Status    string          `json:"status,omitempty"`
	Name      string          `json:"name,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Patch mutates a subset of a record's fields. Nil fields are left
// untouched. A record's id, tenant, owning device and payload type are
// immutable once created.
type Patch struct {
	Name   *string
	Status *string
	Data   json.RawMessage
}

type Operation string

const (
	OpInsert Operation = "INSERT"
	OpUpdate Operation = "UPDATE"
	OpDelete Operation = "DELETE"

	// OpReset is delivered when the change feed cannot guarantee that no
	// events were lost (reconnect, overflow). Consumers must reload their
	// state in full before trusting incremental updates again.
	OpReset Operation = "RESET"
)

type Event struct {
	Op     Operation
	Entity Entity
	Record Record
	Err    error
}

// Subscription is an ordered feed of change events for one entity within
// one tenant. Unsubscribe returns only after it is guaranteed that no
// further events will be delivered.
type Subscription interface {
	Events() <-chan Event
	Unsubscribe()
}

// Client is the consumed contract of the persisted store plus its change
// notification stream. The store is the sole ordering authority for events
// within one subscription.
type Client interface {
	Query(ctx context.Context, entity Entity, conditions ...ConditionFunc) (Collection, error)
	Count(ctx context.Context, entity Entity, conditions ...ConditionFunc) (int64, error)
	Insert(ctx context.Context, entity Entity, record Record) (Record, error)
	Update(ctx context.Context, entity Entity, id string, patch Patch) error
	Delete(ctx context.Context, entity Entity, conditions ...ConditionFunc) (int64, error)
	Subscribe(entity Entity, tenant string) (Subscription, error)
	Close()
}

type Collection struct {
	Data       []Record
	Count      uint64
	TotalCount uint64
}
