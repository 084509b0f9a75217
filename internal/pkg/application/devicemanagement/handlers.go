package devicemanagement

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/diwise/messaging-golang/pkg/messaging"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/tracing"
	"go.opentelemetry.io/otel"

	"github.com/diwise/fleet-mgmt/internal/pkg/infrastructure/mailbox"
	"github.com/diwise/fleet-mgmt/pkg/types"
)

var tracer = otel.Tracer("fleet-mgmt/devices")

// Heartbeat is what a device agent reports periodically.
type Heartbeat struct {
	DeviceID     string    `json:"deviceID"`
	Tenant       string    `json:"tenant"`
	AgentVersion string    `json:"agentVersion,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

func RegisterTopicMessageHandlers(messenger messaging.MsgContext, svc DeviceManagement) error {
	return messenger.RegisterTopicMessageHandler("device.heartbeat", NewHeartbeatHandler(svc))
}

func NewHeartbeatHandler(svc DeviceManagement) messaging.TopicMessageHandler {
	return func(ctx context.Context, itm messaging.IncomingTopicMessage, l *slog.Logger) {
		var err error

		ctx, span := tracer.Start(ctx, "device-heartbeat")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		_, ctx, log := o11y.AddTraceIDToLoggerAndStoreInContext(span, l, ctx)

		hb := Heartbeat{}
		err = json.Unmarshal(itm.Body(), &hb)
		if err != nil {
			log.Error("failed to unmarshal heartbeat", "err", err.Error())
			return
		}

		err = svc.HandleHeartbeat(ctx, hb)
		if err != nil {
			log.Error("could not handle heartbeat", "device_id", hb.DeviceID, "err", err.Error())
			return
		}
	}
}

func (s service) HandleHeartbeat(ctx context.Context, hb Heartbeat) error {
	result, err := s.mbox.Query(ctx, mailbox.EntityDevices, mailbox.WithID(hb.DeviceID), mailbox.WithTenant(hb.Tenant))
	if err != nil {
		return err
	}
	if result.Count != 1 {
		return ErrDeviceNotFound
	}

	current := deviceData{}
	if len(result.Data[0].Data) > 0 {
		_ = json.Unmarshal(result.Data[0].Data, &current)
	}

	current.LastSeen = hb.Timestamp
	if current.LastSeen.IsZero() {
		current.LastSeen = time.Now().UTC()
	}
	if hb.AgentVersion != "" {
		current.AgentVersion = hb.AgentVersion
	}

	data, err := json.Marshal(current)
	if err != nil {
		return err
	}

	status := types.DeviceStatusOnline
	return s.mbox.Update(ctx, mailbox.EntityDevices, hb.DeviceID, mailbox.Patch{
		Status: &status,
		Data:   data,
	})
}
