package watchdog

import (
	"context"
	"time"

	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"

	"github.com/diwise/fleet-mgmt/internal/pkg/application/alerts"
	"github.com/diwise/fleet-mgmt/internal/pkg/application/devicemanagement"
	"github.com/diwise/fleet-mgmt/pkg/types"
)

const DefaultInterval = 60 * time.Second

// OfflineAfter is how long a device may stay unseen before the watchdog
// marks it offline and raises an alert.
const OfflineAfter = 5 * time.Minute

type Watchdog interface {
	Start(ctx context.Context)
	Stop(ctx context.Context)
}

type watchdogImpl struct {
	devices  devicemanagement.DeviceManagement
	alerts   alerts.AlertService
	tenants  []string
	interval time.Duration
	done     chan struct{}
}

func New(devices devicemanagement.DeviceManagement, alertSvc alerts.AlertService, tenants []string, interval time.Duration) Watchdog {
	if interval <= 0 {
		interval = DefaultInterval
	}

	return &watchdogImpl{
		devices:  devices,
		alerts:   alertSvc,
		tenants:  tenants,
		interval: interval,
		done:     make(chan struct{}),
	}
}

func (w *watchdogImpl) Start(ctx context.Context) {
	go backgroundWorker(ctx, w)
}

func (w *watchdogImpl) Stop(ctx context.Context) {
	close(w.done)
}

func backgroundWorker(ctx context.Context, w *watchdogImpl) {
	log := logging.GetFromContext(ctx)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, tenant := range w.tenants {
				err := w.sweep(ctx, tenant)
				if err != nil {
					log.Error("watchdog sweep failed", "tenant", tenant, "err", err.Error())
				}
			}
		}
	}
}

// sweep marks devices that have not been seen within the offline window.
// The status is written through the mailbox, so every open device view
// converges on the change without any direct coupling to the watchdog.
func (w *watchdogImpl) sweep(ctx context.Context, tenant string) error {
	log := logging.GetFromContext(ctx)

	result, err := w.devices.Query(ctx, tenant, 0, 0)
	if err != nil {
		return err
	}

	cutoff := time.Now().UTC().Add(-OfflineAfter)

	for _, d := range result.Data {
		if d.Status == types.DeviceStatusOffline {
			continue
		}
		if d.LastSeen.IsZero() || d.LastSeen.After(cutoff) {
			continue
		}

		err = w.devices.SetStatus(ctx, tenant, d.DeviceID, types.DeviceStatusOffline)
		if err != nil {
			log.Error("could not mark device offline", "device_id", d.DeviceID, "err", err.Error())
			continue
		}

		_, err = w.alerts.Add(ctx, types.Alert{
			DeviceID: d.DeviceID,
			Tenant:   tenant,
			Type:     "offline",
		})
		if err != nil {
			log.Error("could not raise offline alert", "device_id", d.DeviceID, "err", err.Error())
		}
	}

	return nil
}
