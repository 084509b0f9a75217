package devicemanagement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/diwise/messaging-golang/pkg/messaging"

	"github.com/diwise/fleet-mgmt/internal/pkg/application/reconciler"
	"github.com/diwise/fleet-mgmt/internal/pkg/infrastructure/mailbox"
	"github.com/diwise/fleet-mgmt/pkg/types"
)

var ErrDeviceNotFound = fmt.Errorf("device not found")
var ErrDeviceAlreadyExist = fmt.Errorf("device already exists")
var ErrNotAllowed = fmt.Errorf("operation not allowed")

type DeviceManagement interface {
	Create(ctx context.Context, principal types.Principal, deviceID, name string) (types.Device, error)
	Rename(ctx context.Context, principal types.Principal, deviceID, name string) error
	Delete(ctx context.Context, principal types.Principal, deviceID string) error

	GetByDeviceID(ctx context.Context, tenant, deviceID string) (types.Device, error)
	Query(ctx context.Context, tenant string, offset, limit int) (types.Collection[types.Device], error)
	Count(ctx context.Context, tenant string) (int64, error)

	SetStatus(ctx context.Context, tenant, deviceID, status string) error
	HandleHeartbeat(ctx context.Context, hb Heartbeat) error

	LiveList(ctx context.Context, tenant string) (*DeviceList, error)
}

type service struct {
	mbox      mailbox.Client
	messenger messaging.MsgContext
}

func New(mbox mailbox.Client, messenger messaging.MsgContext) DeviceManagement {
	return &service{
		mbox:      mbox,
		messenger: messenger,
	}
}

// deviceData is the device specific payload stored in the record's data
// column.
type deviceData struct {
	AgentVersion string    `json:"agentVersion,omitempty"`
	LastSeen     time.Time `json:"lastSeen,omitempty"`
}

func toDevice(r mailbox.Record) types.Device {
	d := types.Device{
		DeviceID:  r.ID,
		Tenant:    r.Tenant,
		Name:      r.Name,
		Status:    r.Status,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}

	if len(r.Data) > 0 {
		var data deviceData
		if err := json.Unmarshal(r.Data, &data); err == nil {
			d.AgentVersion = data.AgentVersion
			d.LastSeen = data.LastSeen
		}
	}

	return d
}

func (s service) Create(ctx context.Context, principal types.Principal, deviceID, name string) (types.Device, error) {
	if !principal.Admin {
		return types.Device{}, ErrNotAllowed
	}
	if deviceID == "" {
		return types.Device{}, fmt.Errorf("device id may not be empty")
	}

	n, err := s.mbox.Count(ctx, mailbox.EntityDevices, mailbox.WithID(deviceID))
	if err != nil {
		return types.Device{}, err
	}
	if n > 0 {
		return types.Device{}, ErrDeviceAlreadyExist
	}

	r, err := s.mbox.Insert(ctx, mailbox.EntityDevices, mailbox.Record{
		ID:     deviceID,
		Tenant: principal.Tenant,
		Name:   name,
		Status: types.DeviceStatusUnknown,
	})
	if err != nil {
		return types.Device{}, err
	}

	err = s.messenger.PublishOnTopic(ctx, &types.DeviceCreated{
		DeviceID:  r.ID,
		Tenant:    r.Tenant,
		Timestamp: r.CreatedAt,
	})
	if err != nil {
		return types.Device{}, err
	}

	return toDevice(r), nil
}

func (s service) Rename(ctx context.Context, principal types.Principal, deviceID, name string) error {
	if !principal.Admin {
		return ErrNotAllowed
	}

	_, err := s.GetByDeviceID(ctx, principal.Tenant, deviceID)
	if err != nil {
		return err
	}

	err = s.mbox.Update(ctx, mailbox.EntityDevices, deviceID, mailbox.Patch{Name: &name})
	if err != nil {
		if errors.Is(err, mailbox.ErrNoRows) {
			return ErrDeviceNotFound
		}
		return err
	}

	return s.messenger.PublishOnTopic(ctx, &types.DeviceUpdated{
		DeviceID:  deviceID,
		Tenant:    principal.Tenant,
		Timestamp: time.Now().UTC(),
	})
}

func (s service) Delete(ctx context.Context, principal types.Principal, deviceID string) error {
	if !principal.Admin {
		return ErrNotAllowed
	}

	n, err := s.mbox.Delete(ctx, mailbox.EntityDevices, mailbox.WithID(deviceID), mailbox.WithTenant(principal.Tenant))
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrDeviceNotFound
	}

	return s.messenger.PublishOnTopic(ctx, &types.DeviceDeleted{
		DeviceID:  deviceID,
		Tenant:    principal.Tenant,
		Timestamp: time.Now().UTC(),
	})
}

func (s service) GetByDeviceID(ctx context.Context, tenant, deviceID string) (types.Device, error) {
	result, err := s.mbox.Query(ctx, mailbox.EntityDevices, mailbox.WithID(deviceID), mailbox.WithTenant(tenant))
	if err != nil {
		if errors.Is(err, mailbox.ErrNoRows) {
			return types.Device{}, ErrDeviceNotFound
		}
		return types.Device{}, err
	}

	if result.Count != 1 {
		return types.Device{}, ErrDeviceNotFound
	}

	return toDevice(result.Data[0]), nil
}

func (s service) Query(ctx context.Context, tenant string, offset, limit int) (types.Collection[types.Device], error) {
	conditions := []mailbox.ConditionFunc{mailbox.WithTenant(tenant), mailbox.WithSortBy("name")}
	if offset > 0 {
		conditions = append(conditions, mailbox.WithOffset(offset))
	}
	if limit > 0 {
		conditions = append(conditions, mailbox.WithLimit(limit))
	}

	result, err := s.mbox.Query(ctx, mailbox.EntityDevices, conditions...)
	if err != nil {
		return types.Collection[types.Device]{}, err
	}

	devices := make([]types.Device, 0, len(result.Data))
	for _, r := range result.Data {
		devices = append(devices, toDevice(r))
	}

	return types.Collection[types.Device]{
		Data:       devices,
		Count:      result.Count,
		Offset:     uint64(offset),
		Limit:      uint64(limit),
		TotalCount: result.TotalCount,
	}, nil
}

func (s service) Count(ctx context.Context, tenant string) (int64, error) {
	return s.mbox.Count(ctx, mailbox.EntityDevices, mailbox.WithTenant(tenant))
}

func (s service) SetStatus(ctx context.Context, tenant, deviceID, status string) error {
	_, err := s.GetByDeviceID(ctx, tenant, deviceID)
	if err != nil {
		return err
	}

	err = s.mbox.Update(ctx, mailbox.EntityDevices, deviceID, mailbox.Patch{Status: &status})
	if err != nil {
		if errors.Is(err, mailbox.ErrNoRows) {
			return ErrDeviceNotFound
		}
		return err
	}

	return s.messenger.PublishOnTopic(ctx, &types.DeviceUpdated{
		DeviceID:  deviceID,
		Tenant:    tenant,
		Timestamp: time.Now().UTC(),
	})
}

// DeviceList is a live device listing ordered by name, converging on every
// change any console or agent makes.
type DeviceList struct {
	view *reconciler.View
}

func (s service) LiveList(ctx context.Context, tenant string) (*DeviceList, error) {
	view, err := reconciler.Open(ctx, s.mbox, mailbox.EntityDevices,
		reconciler.WithConditions(mailbox.WithTenant(tenant), mailbox.WithSortBy("name")))
	if err != nil {
		return nil, err
	}

	return &DeviceList{view: view}, nil
}

func (l *DeviceList) Devices() []types.Device {
	records := l.view.Records()
	devices := make([]types.Device, 0, len(records))
	for _, r := range records {
		devices = append(devices, toDevice(r))
	}
	return devices
}

func (l *DeviceList) Notify() <-chan struct{} {
	return l.view.Notify()
}

func (l *DeviceList) Err() error {
	return l.view.Err()
}

func (l *DeviceList) Close() {
	l.view.Close()
}
