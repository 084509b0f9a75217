package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/diwise/messaging-golang/pkg/messaging"
	"gopkg.in/yaml.v2"

	"github.com/diwise/fleet-mgmt/internal/pkg/application/reconciler"
	"github.com/diwise/fleet-mgmt/internal/pkg/infrastructure/mailbox"
	"github.com/diwise/fleet-mgmt/pkg/types"
)

var ErrDeviceNotFound = fmt.Errorf("device not found")
var ErrInvalidPayload = fmt.Errorf("command payload must be a json object")
var ErrInvalidTransition = fmt.Errorf("invalid command status transition")
var ErrCommandNotFound = fmt.Errorf("command not found")
var ErrNotAllowed = fmt.Errorf("operation not allowed")
var ErrPurgeFilterRequired = fmt.Errorf("purge requires an explicit filter")

const DefaultHistoryLimit = 20

type CommandRegistry interface {
	Enqueue(ctx context.Context, principal types.Principal, deviceID, commandType string, params json.RawMessage) (types.Command, error)
	History(ctx context.Context, tenant, deviceID string, limit int) (types.Collection[types.Command], error)
	LiveHistory(ctx context.Context, tenant, deviceID string, limit int) (*CommandLog, error)
	SetStatus(ctx context.Context, tenant, commandID string, status types.CommandStatus) error
	QueuedCount(ctx context.Context, tenant string) (int64, error)
	Purge(ctx context.Context, principal types.Principal, filter PurgeFilter) (int64, error)
	Presets() []Preset
}

// Preset is a reusable command template offered by the console.
type Preset struct {
	Name   string         `yaml:"name" json:"name"`
	Type   string         `yaml:"type" json:"type"`
	Params map[string]any `yaml:"params" json:"params,omitempty"`
}

type Config struct {
	Presets []Preset `yaml:"presets"`
}

func NewConfig(config io.ReadCloser) (*Config, error) {
	defer config.Close()

	b, err := io.ReadAll(config)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	err = yaml.Unmarshal(b, cfg)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

type registry struct {
	mbox      mailbox.Client
	messenger messaging.MsgContext
	config    *Config
}

func New(mbox mailbox.Client, messenger messaging.MsgContext, config *Config) CommandRegistry {
	if config == nil {
		config = &Config{}
	}

	return &registry{
		mbox:      mbox,
		messenger: messenger,
		config:    config,
	}
}

func (r registry) Presets() []Preset {
	return r.config.Presets
}

func toCommand(rec mailbox.Record) types.Command {
	return types.Command{
		CommandID: rec.ID,
		DeviceID:  rec.DeviceID,
		Tenant:    rec.Tenant,
		Type:      rec.Type,
		Params:    rec.Data,
		Status:    types.CommandStatus(rec.Status),
		CreatedAt: rec.CreatedAt,
		UpdatedAt: rec.UpdatedAt,
	}
}

// isObject reports whether b is a json object. Commands carry named
// parameters, so bare arrays, strings and numbers are rejected before
// anything is written.
func isObject(b []byte) bool {
	trimmed := bytes.TrimSpace(b)
	return len(trimmed) > 0 && trimmed[0] == '{' && json.Valid(trimmed)
}

// Enqueue validates first and writes once: an invalid payload or an
// unknown device leaves no trace in the mailbox.
func (r registry) Enqueue(ctx context.Context, principal types.Principal, deviceID, commandType string, params json.RawMessage) (types.Command, error) {
	if commandType == "" {
		return types.Command{}, fmt.Errorf("command type may not be empty")
	}
	if len(params) > 0 && !isObject(params) {
		return types.Command{}, ErrInvalidPayload
	}

	n, err := r.mbox.Count(ctx, mailbox.EntityDevices, mailbox.WithID(deviceID), mailbox.WithTenant(principal.Tenant))
	if err != nil {
		return types.Command{}, err
	}
	if n == 0 {
		return types.Command{}, ErrDeviceNotFound
	}

	rec, err := r.mbox.Insert(ctx, mailbox.EntityCommands, mailbox.Record{
		Tenant:   principal.Tenant,
		DeviceID: deviceID,
		Type:     commandType,
		Status:   string(types.CommandQueued),
		Data:     params,
	})
	if err != nil {
		return types.Command{}, err
	}

	err = r.messenger.PublishOnTopic(ctx, &types.CommandEnqueued{
		CommandID:   rec.ID,
		DeviceID:    deviceID,
		CommandType: commandType,
		Tenant:      principal.Tenant,
		Timestamp:   rec.CreatedAt,
	})
	if err != nil {
		return types.Command{}, err
	}

	return toCommand(rec), nil
}

func (r registry) History(ctx context.Context, tenant, deviceID string, limit int) (types.Collection[types.Command], error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}

	result, err := r.mbox.Query(ctx, mailbox.EntityCommands,
		mailbox.WithTenant(tenant),
		mailbox.WithDeviceID(deviceID),
		mailbox.WithSortBy("created_at"),
		mailbox.WithSortDesc(true),
		mailbox.WithLimit(limit),
	)
	if err != nil {
		return types.Collection[types.Command]{}, err
	}

	commands := make([]types.Command, 0, len(result.Data))
	for _, rec := range result.Data {
		commands = append(commands, toCommand(rec))
	}

	return types.Collection[types.Command]{
		Data:       commands,
		Count:      result.Count,
		Limit:      uint64(limit),
		TotalCount: result.TotalCount,
	}, nil
}

// CommandLog is a live window over a device's most recent commands.
type CommandLog struct {
	view *reconciler.View
}

func (r registry) LiveHistory(ctx context.Context, tenant, deviceID string, limit int) (*CommandLog, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}

	view, err := reconciler.Open(ctx, r.mbox, mailbox.EntityCommands,
		reconciler.WithConditions(
			mailbox.WithTenant(tenant),
			mailbox.WithDeviceID(deviceID),
			mailbox.WithSortBy("created_at"),
			mailbox.WithSortDesc(true),
		),
		reconciler.WithCapacity(limit),
	)
	if err != nil {
		return nil, err
	}

	return &CommandLog{view: view}, nil
}

func (l *CommandLog) Commands() []types.Command {
	records := l.view.Records()
	commands := make([]types.Command, 0, len(records))
	for _, rec := range records {
		commands = append(commands, toCommand(rec))
	}
	return commands
}

func (l *CommandLog) Notify() <-chan struct{} {
	return l.view.Notify()
}

func (l *CommandLog) Err() error {
	return l.view.Err()
}

func (l *CommandLog) Close() {
	l.view.Close()
}

func (r registry) SetStatus(ctx context.Context, tenant, commandID string, status types.CommandStatus) error {
	n, err := r.mbox.Count(ctx, mailbox.EntityCommands, mailbox.WithID(commandID), mailbox.WithTenant(tenant))
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrCommandNotFound
	}

	s := string(status)
	err = r.mbox.Update(ctx, mailbox.EntityCommands, commandID, mailbox.Patch{Status: &s})
	if err != nil {
		if errors.Is(err, mailbox.ErrInvalidTransition) {
			return ErrInvalidTransition
		}
		if errors.Is(err, mailbox.ErrNoRows) {
			return ErrCommandNotFound
		}
		return err
	}

	return nil
}

func (r registry) QueuedCount(ctx context.Context, tenant string) (int64, error) {
	return r.mbox.Count(ctx, mailbox.EntityCommands,
		mailbox.WithTenant(tenant), mailbox.WithStatus(string(types.CommandQueued)))
}

// PurgeFilter narrows a purge. All must be set explicitly to purge an
// entire tenant's command history.
type PurgeFilter struct {
	DeviceID      string
	Types         []string
	Status        string
	CreatedBefore time.Time
	All           bool
}

func (f PurgeFilter) empty() bool {
	return f.DeviceID == "" && len(f.Types) == 0 && f.Status == "" && f.CreatedBefore.IsZero()
}

func (r registry) Purge(ctx context.Context, principal types.Principal, filter PurgeFilter) (int64, error) {
	if !principal.Admin {
		return 0, ErrNotAllowed
	}
	if filter.empty() && !filter.All {
		return 0, ErrPurgeFilterRequired
	}

	conditions := []mailbox.ConditionFunc{mailbox.WithTenant(principal.Tenant)}
	if filter.DeviceID != "" {
		conditions = append(conditions, mailbox.WithDeviceID(filter.DeviceID))
	}
	if len(filter.Types) > 0 {
		conditions = append(conditions, mailbox.WithTypes(filter.Types))
	}
	if filter.Status != "" {
		conditions = append(conditions, mailbox.WithStatus(filter.Status))
	}
	if !filter.CreatedBefore.IsZero() {
		conditions = append(conditions, mailbox.WithCreatedBefore(filter.CreatedBefore))
	}

	return r.mbox.Delete(ctx, mailbox.EntityCommands, conditions...)
}
