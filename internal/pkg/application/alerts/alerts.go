package alerts

import (
	"context"
	"fmt"
	"time"

	"github.com/diwise/messaging-golang/pkg/messaging"

	"github.com/diwise/fleet-mgmt/internal/pkg/application/reconciler"
	"github.com/diwise/fleet-mgmt/internal/pkg/infrastructure/mailbox"
	"github.com/diwise/fleet-mgmt/pkg/types"
)

var ErrNotAllowed = fmt.Errorf("operation not allowed")
var ErrPurgeFilterRequired = fmt.Errorf("purge requires an explicit filter")

// FeedCapacity bounds every live alert feed to the most recent alerts.
const FeedCapacity = 200

type AlertService interface {
	Add(ctx context.Context, alert types.Alert) (types.Alert, error)
	Query(ctx context.Context, tenant string, filter Filter, offset, limit int) (types.Collection[types.Alert], error)
	CountSince(ctx context.Context, tenant string, since time.Time) (int64, error)
	LiveFeed(ctx context.Context, tenant string, filter Filter) (*Feed, error)
	Purge(ctx context.Context, principal types.Principal, filter Filter, all bool) (int64, error)
}

// Filter narrows alert queries, live feeds and purges alike, so what an
// operator sees filtered is exactly what a purge with the same filter
// removes.
type Filter struct {
	DeviceID      string
	Types         []string
	CreatedAfter  time.Time
	CreatedBefore time.Time
}

func (f Filter) empty() bool {
	return f.DeviceID == "" && len(f.Types) == 0 && f.CreatedAfter.IsZero() && f.CreatedBefore.IsZero()
}

func (f Filter) conditions(tenant string) []mailbox.ConditionFunc {
	conditions := []mailbox.ConditionFunc{mailbox.WithTenant(tenant)}
	if f.DeviceID != "" {
		conditions = append(conditions, mailbox.WithDeviceID(f.DeviceID))
	}
	if len(f.Types) > 0 {
		conditions = append(conditions, mailbox.WithTypes(f.Types))
	}
	if !f.CreatedAfter.IsZero() {
		conditions = append(conditions, mailbox.WithCreatedAfter(f.CreatedAfter))
	}
	if !f.CreatedBefore.IsZero() {
		conditions = append(conditions, mailbox.WithCreatedBefore(f.CreatedBefore))
	}
	return conditions
}

type alertSvc struct {
	mbox      mailbox.Client
	messenger messaging.MsgContext
}

func New(mbox mailbox.Client, messenger messaging.MsgContext) AlertService {
	return &alertSvc{
		mbox:      mbox,
		messenger: messenger,
	}
}

func toAlert(rec mailbox.Record) types.Alert {
	return types.Alert{
		AlertID:   rec.ID,
		DeviceID:  rec.DeviceID,
		Tenant:    rec.Tenant,
		Type:      rec.Type,
		Meta:      rec.Data,
		CreatedAt: rec.CreatedAt,
	}
}

func (svc alertSvc) Add(ctx context.Context, alert types.Alert) (types.Alert, error) {
	if alert.Type == "" {
		return types.Alert{}, fmt.Errorf("no type is set on alert")
	}

	rec, err := svc.mbox.Insert(ctx, mailbox.EntityAlerts, mailbox.Record{
		ID:        alert.AlertID,
		Tenant:    alert.Tenant,
		DeviceID:  alert.DeviceID,
		Type:      alert.Type,
		Data:      alert.Meta,
		CreatedAt: alert.CreatedAt,
	})
	if err != nil {
		return types.Alert{}, err
	}

	created := toAlert(rec)

	err = svc.messenger.PublishOnTopic(ctx, &types.AlertCreated{
		Alert:     created,
		Tenant:    created.Tenant,
		Timestamp: created.CreatedAt,
	})
	if err != nil {
		return types.Alert{}, err
	}

	return created, nil
}

func (svc alertSvc) Query(ctx context.Context, tenant string, filter Filter, offset, limit int) (types.Collection[types.Alert], error) {
	conditions := filter.conditions(tenant)
	conditions = append(conditions, mailbox.WithSortBy("created_at"), mailbox.WithSortDesc(true))
	if offset > 0 {
		conditions = append(conditions, mailbox.WithOffset(offset))
	}
	if limit > 0 {
		conditions = append(conditions, mailbox.WithLimit(limit))
	}

	result, err := svc.mbox.Query(ctx, mailbox.EntityAlerts, conditions...)
	if err != nil {
		return types.Collection[types.Alert]{}, err
	}

	alerts := make([]types.Alert, 0, len(result.Data))
	for _, rec := range result.Data {
		alerts = append(alerts, toAlert(rec))
	}

	return types.Collection[types.Alert]{
		Data:       alerts,
		Count:      result.Count,
		Offset:     uint64(offset),
		Limit:      uint64(limit),
		TotalCount: result.TotalCount,
	}, nil
}

func (svc alertSvc) CountSince(ctx context.Context, tenant string, since time.Time) (int64, error) {
	return svc.mbox.Count(ctx, mailbox.EntityAlerts,
		mailbox.WithTenant(tenant), mailbox.WithCreatedAfter(since))
}

// Feed is a live window over the most recent alerts matching a filter.
type Feed struct {
	view *reconciler.View
}

func (svc alertSvc) LiveFeed(ctx context.Context, tenant string, filter Filter) (*Feed, error) {
	conditions := filter.conditions(tenant)
	conditions = append(conditions, mailbox.WithSortBy("created_at"), mailbox.WithSortDesc(true))

	view, err := reconciler.Open(ctx, svc.mbox, mailbox.EntityAlerts,
		reconciler.WithConditions(conditions...),
		reconciler.WithCapacity(FeedCapacity),
	)
	if err != nil {
		return nil, err
	}

	return &Feed{view: view}, nil
}

func (f *Feed) Alerts() []types.Alert {
	records := f.view.Records()
	alerts := make([]types.Alert, 0, len(records))
	for _, rec := range records {
		alerts = append(alerts, toAlert(rec))
	}
	return alerts
}

func (f *Feed) Notify() <-chan struct{} {
	return f.view.Notify()
}

func (f *Feed) Err() error {
	return f.view.Err()
}

func (f *Feed) Close() {
	f.view.Close()
}

func (svc alertSvc) Purge(ctx context.Context, principal types.Principal, filter Filter, all bool) (int64, error) {
	if !principal.Admin {
		return 0, ErrNotAllowed
	}
	if filter.empty() && !all {
		return 0, ErrPurgeFilterRequired
	}

	return svc.mbox.Delete(ctx, mailbox.EntityAlerts, filter.conditions(principal.Tenant)...)
}
