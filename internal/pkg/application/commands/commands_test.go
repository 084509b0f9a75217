package commands

import (
	"context"
	"encoding/json"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/diwise/messaging-golang/pkg/messaging"
	"github.com/matryer/is"

	"github.com/diwise/fleet-mgmt/internal/pkg/infrastructure/mailbox"
	"github.com/diwise/fleet-mgmt/pkg/types"
)

var admin = types.Principal{Tenant: "default", Admin: true}
var viewer = types.Principal{Tenant: "default"}

func testSetup(t *testing.T) (*is.I, context.Context, CommandRegistry, mailbox.Client, *messaging.MsgContextMock) {
	is := is.New(t)
	ctx := context.Background()

	mbox := mailbox.NewMemoryClient()
	t.Cleanup(mbox.Close)

	messenger := &messaging.MsgContextMock{
		PublishOnTopicFunc: func(ctx context.Context, message messaging.TopicMessage) error {
			return nil
		},
	}

	_, err := mbox.Insert(ctx, mailbox.EntityDevices, mailbox.Record{ID: "cam-01", Tenant: "default", Name: "gate camera"})
	is.NoErr(err)

	return is, ctx, New(mbox, messenger, nil), mbox, messenger
}

func TestEnqueue(t *testing.T) {
	is, ctx, registry, _, messenger := testSetup(t)

	cmd, err := registry.Enqueue(ctx, viewer, "cam-01", "reboot", json.RawMessage(`{}`))
	is.NoErr(err)
	is.Equal(cmd.Status, types.CommandQueued)
	is.Equal(cmd.DeviceID, "cam-01")
	is.True(cmd.CommandID != "")
	is.Equal(messenger.PublishOnTopicCalls()[0].Message.TopicName(), "command.enqueued")
}

func TestEnqueueRejectsNonObjectPayload(t *testing.T) {
	is, ctx, registry, mbox, _ := testSetup(t)

	for _, payload := range []string{`[1,2,3]`, `"text"`, `42`, `{not json`} {
		_, err := registry.Enqueue(ctx, viewer, "cam-01", "reboot", json.RawMessage(payload))
		is.Equal(err, ErrInvalidPayload)
	}

	// validation failures must leave no trace
	n, err := mbox.Count(ctx, mailbox.EntityCommands, mailbox.WithTenant("default"))
	is.NoErr(err)
	is.Equal(n, int64(0))
}

func TestEnqueueUnknownDevice(t *testing.T) {
	is, ctx, registry, mbox, _ := testSetup(t)

	_, err := registry.Enqueue(ctx, viewer, "no-such-device", "reboot", nil)
	is.Equal(err, ErrDeviceNotFound)

	n, err := mbox.Count(ctx, mailbox.EntityCommands, mailbox.WithTenant("default"))
	is.NoErr(err)
	is.Equal(n, int64(0))
}

func TestEnqueueOtherTenantsDevice(t *testing.T) {
	is, ctx, registry, _, _ := testSetup(t)

	other := types.Principal{Tenant: "other"}
	_, err := registry.Enqueue(ctx, other, "cam-01", "reboot", nil)
	is.Equal(err, ErrDeviceNotFound)
}

func TestHistoryIsMostRecentFirst(t *testing.T) {
	is, ctx, registry, mbox, _ := testSetup(t)

	base := time.Now().UTC().Add(-time.Hour)
	for i, commandType := range []string{"reboot", "message_show", "reboot"} {
		_, err := mbox.Insert(ctx, mailbox.EntityCommands, mailbox.Record{
			Tenant:    "default",
			DeviceID:  "cam-01",
			Type:      commandType,
			Status:    string(types.CommandQueued),
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		})
		is.NoErr(err)
	}

	result, err := registry.History(ctx, "default", "cam-01", 2)
	is.NoErr(err)
	is.Equal(int(result.Count), 2)
	is.Equal(int(result.TotalCount), 3)
	is.Equal(result.Data[0].Type, "reboot")
	is.Equal(result.Data[1].Type, "message_show")
}

func TestSetStatusFollowsLifecycle(t *testing.T) {
	is, ctx, registry, _, _ := testSetup(t)

	cmd, err := registry.Enqueue(ctx, viewer, "cam-01", "reboot", nil)
	is.NoErr(err)

	is.NoErr(registry.SetStatus(ctx, "default", cmd.CommandID, types.CommandSent))
	is.NoErr(registry.SetStatus(ctx, "default", cmd.CommandID, types.CommandAcked))

	err = registry.SetStatus(ctx, "default", cmd.CommandID, types.CommandSent)
	is.Equal(err, ErrInvalidTransition)
}

func TestLiveHistoryUpdatesInPlace(t *testing.T) {
	is, ctx, registry, _, _ := testSetup(t)

	cmd, err := registry.Enqueue(ctx, viewer, "cam-01", "reboot", json.RawMessage(`{}`))
	is.NoErr(err)

	log, err := registry.LiveHistory(ctx, "default", "cam-01", 0)
	is.NoErr(err)
	defer log.Close()

	is.Equal(len(log.Commands()), 1)
	is.Equal(log.Commands()[0].Status, types.CommandQueued)

	is.NoErr(registry.SetStatus(ctx, "default", cmd.CommandID, types.CommandSent))
	is.NoErr(registry.SetStatus(ctx, "default", cmd.CommandID, types.CommandAcked))

	waitForStatus(t, log, cmd.CommandID, types.CommandAcked)
	is.Equal(len(log.Commands()), 1)
}

func TestPurgeRequiresExplicitFilter(t *testing.T) {
	is, ctx, registry, _, _ := testSetup(t)

	_, err := registry.Purge(ctx, admin, PurgeFilter{})
	is.Equal(err, ErrPurgeFilterRequired)

	_, err = registry.Purge(ctx, viewer, PurgeFilter{All: true})
	is.Equal(err, ErrNotAllowed)
}

func TestPurgeIsFilterAndTenantScoped(t *testing.T) {
	is, ctx, registry, mbox, _ := testSetup(t)

	for _, r := range []mailbox.Record{
		{Tenant: "default", DeviceID: "cam-01", Type: "test", Status: "queued"},
		{Tenant: "default", DeviceID: "cam-01", Type: "reboot", Status: "queued"},
		{Tenant: "other", DeviceID: "cam-09", Type: "test", Status: "queued"},
	} {
		_, err := mbox.Insert(ctx, mailbox.EntityCommands, r)
		is.NoErr(err)
	}

	n, err := registry.Purge(ctx, admin, PurgeFilter{Types: []string{"test"}})
	is.NoErr(err)
	is.Equal(n, int64(1))

	left, err := mbox.Count(ctx, mailbox.EntityCommands, mailbox.WithTenant("default"))
	is.NoErr(err)
	is.Equal(left, int64(1))

	otherTenant, err := mbox.Count(ctx, mailbox.EntityCommands, mailbox.WithTenant("other"))
	is.NoErr(err)
	is.Equal(otherTenant, int64(1))
}

func TestPresetsFromConfig(t *testing.T) {
	is := is.New(t)

	cfg, err := NewConfig(io.NopCloser(strings.NewReader(`
presets:
  - name: Show message
    type: message_show
    params:
      text: ""
  - name: Reboot
    type: reboot
`)))
	is.NoErr(err)

	registry := New(mailbox.NewMemoryClient(), &messaging.MsgContextMock{}, cfg)
	is.Equal(len(registry.Presets()), 2)
	is.Equal(registry.Presets()[1].Type, "reboot")
}

func waitForStatus(t *testing.T, log *CommandLog, commandID string, status types.CommandStatus) {
	t.Helper()

	deadline := time.After(2 * time.Second)
	for {
		for _, cmd := range log.Commands() {
			if cmd.CommandID == commandID && cmd.Status == status {
				return
			}
		}
		select {
		case <-log.Notify():
		case <-deadline:
			t.Fatalf("command %s never reached status %s", commandID, status)
		}
	}
}
