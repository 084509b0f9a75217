package mailbox

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/diwise/fleet-mgmt/pkg/types"
	"github.com/matryer/is"
)

func testSetup(t *testing.T) (*is.I, context.Context, Client) {
	is := is.New(t)
	ctx := context.Background()
	m := NewMemoryClient()
	t.Cleanup(m.Close)
	return is, ctx, m
}

func TestInsertAssignsIDAndTimestamps(t *testing.T) {
	is, ctx, m := testSetup(t)

	r, err := m.Insert(ctx, EntityDevices, Record{Tenant: "default", Name: "gate-cam"})
	is.NoErr(err)
	is.True(r.ID != "")
	is.True(!r.CreatedAt.IsZero())
	is.Equal(r.CreatedAt, r.UpdatedAt)
}

func TestInsertRequiresTenant(t *testing.T) {
	is, ctx, m := testSetup(t)

	_, err := m.Insert(ctx, EntityDevices, Record{Name: "gate-cam"})
	is.Equal(err, ErrMissingTenant)
}

func TestQueryFiltersAndSorts(t *testing.T) {
	is, ctx, m := testSetup(t)

	for _, name := range []string{"charlie", "alpha", "bravo"} {
		_, err := m.Insert(ctx, EntityDevices, Record{Tenant: "default", Name: name})
		is.NoErr(err)
	}
	_, err := m.Insert(ctx, EntityDevices, Record{Tenant: "other", Name: "delta"})
	is.NoErr(err)

	c, err := m.Query(ctx, EntityDevices, WithTenant("default"), WithSortBy("name"))
	is.NoErr(err)
	is.Equal(int(c.Count), 3)
	is.Equal(c.Data[0].Name, "alpha")
	is.Equal(c.Data[1].Name, "bravo")
	is.Equal(c.Data[2].Name, "charlie")
}

func TestQueryOffsetLimit(t *testing.T) {
	is, ctx, m := testSetup(t)

	for _, name := range []string{"a", "b", "c", "d"} {
		_, err := m.Insert(ctx, EntityDevices, Record{Tenant: "default", Name: name})
		is.NoErr(err)
	}

	c, err := m.Query(ctx, EntityDevices, WithTenant("default"), WithSortBy("name"), WithOffset(1), WithLimit(2))
	is.NoErr(err)
	is.Equal(int(c.Count), 2)
	is.Equal(int(c.TotalCount), 4)
	is.Equal(c.Data[0].Name, "b")
	is.Equal(c.Data[1].Name, "c")
}

func TestUpdateEnforcesCommandLifecycle(t *testing.T) {
	is, ctx, m := testSetup(t)

	r, err := m.Insert(ctx, EntityCommands, Record{
		Tenant:   "default",
		DeviceID: "cam-01",
		Type:     "reboot",
		Status:   string(types.CommandQueued),
	})
	is.NoErr(err)

	sent := string(types.CommandSent)
	acked := string(types.CommandAcked)
	queued := string(types.CommandQueued)

	is.NoErr(m.Update(ctx, EntityCommands, r.ID, Patch{Status: &sent}))
	is.NoErr(m.Update(ctx, EntityCommands, r.ID, Patch{Status: &acked}))

	err = m.Update(ctx, EntityCommands, r.ID, Patch{Status: &queued})
	is.Equal(err, ErrInvalidTransition)

	err = m.Update(ctx, EntityCommands, r.ID, Patch{Status: &sent})
	is.Equal(err, ErrInvalidTransition)
}

func TestUpdateUnknownID(t *testing.T) {
	is, ctx, m := testSetup(t)

	name := "renamed"
	err := m.Update(ctx, EntityDevices, "no-such-id", Patch{Name: &name})
	is.Equal(err, ErrNoRows)
}

func TestDeleteByCondition(t *testing.T) {
	is, ctx, m := testSetup(t)

	_, err := m.Insert(ctx, EntityAlerts, Record{Tenant: "default", DeviceID: "cam-01", Type: "offline"})
	is.NoErr(err)
	_, err = m.Insert(ctx, EntityAlerts, Record{Tenant: "default", DeviceID: "cam-02", Type: "tamper"})
	is.NoErr(err)

	n, err := m.Delete(ctx, EntityAlerts, WithTenant("default"), WithDeviceID("cam-01"))
	is.NoErr(err)
	is.Equal(n, int64(1))

	left, err := m.Count(ctx, EntityAlerts, WithTenant("default"))
	is.NoErr(err)
	is.Equal(left, int64(1))
}

func TestSubscriptionDeliversInOrder(t *testing.T) {
	is, ctx, m := testSetup(t)

	sub, err := m.Subscribe(EntityCommands, "default")
	is.NoErr(err)
	defer sub.Unsubscribe()

	r, err := m.Insert(ctx, EntityCommands, Record{
		Tenant: "default", DeviceID: "cam-01", Type: "reboot", Status: string(types.CommandQueued),
	})
	is.NoErr(err)

	sent := string(types.CommandSent)
	is.NoErr(m.Update(ctx, EntityCommands, r.ID, Patch{Status: &sent}))

	_, err = m.Delete(ctx, EntityCommands, WithID(r.ID))
	is.NoErr(err)

	ev := nextEvent(t, sub)
	is.Equal(ev.Op, OpInsert)
	is.Equal(ev.Record.Status, string(types.CommandQueued))

	ev = nextEvent(t, sub)
	is.Equal(ev.Op, OpUpdate)
	is.Equal(ev.Record.Status, string(types.CommandSent))

	ev = nextEvent(t, sub)
	is.Equal(ev.Op, OpDelete)
	is.Equal(ev.Record.ID, r.ID)
}

func TestSubscriptionFiltersOnTenant(t *testing.T) {
	is, ctx, m := testSetup(t)

	sub, err := m.Subscribe(EntityDevices, "default")
	is.NoErr(err)
	defer sub.Unsubscribe()

	_, err = m.Insert(ctx, EntityDevices, Record{Tenant: "other", Name: "hidden"})
	is.NoErr(err)
	_, err = m.Insert(ctx, EntityDevices, Record{Tenant: "default", Name: "visible"})
	is.NoErr(err)

	ev := nextEvent(t, sub)
	is.Equal(ev.Record.Name, "visible")
}

func TestSlowSubscriberGetsReset(t *testing.T) {
	is, ctx, m := testSetup(t)

	sub, err := m.Subscribe(EntityAlerts, "default")
	is.NoErr(err)
	defer sub.Unsubscribe()

	for i := 0; i < subscriptionBuffer+10; i++ {
		_, err = m.Insert(ctx, EntityAlerts, Record{Tenant: "default", Type: "offline"})
		is.NoErr(err)
	}

	// drain the buffered events, then the next publish delivers RESET
	// instead of the events that overflowed
	for i := 0; i < subscriptionBuffer; i++ {
		ev := nextEvent(t, sub)
		is.Equal(ev.Op, OpInsert)
	}

	_, err = m.Insert(ctx, EntityAlerts, Record{Tenant: "default", Type: "offline"})
	is.NoErr(err)

	ev := nextEvent(t, sub)
	is.Equal(ev.Op, OpReset)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	is, ctx, m := testSetup(t)

	sub, err := m.Subscribe(EntityDevices, "default")
	is.NoErr(err)
	sub.Unsubscribe()
	sub.Unsubscribe()

	_, err = m.Insert(ctx, EntityDevices, Record{Tenant: "default", Name: "late"})
	is.NoErr(err)

	_, ok := <-sub.Events()
	is.True(!ok)
}

func TestConditionMatchesDataIndependent(t *testing.T) {
	is := is.New(t)

	cond := NewCondition(WithTenant("default"), WithTypes([]string{"offline", "tamper"}))

	r := Record{Tenant: "default", Type: "tamper", Data: json.RawMessage(`{"lvl":"warn"}`)}
	is.True(cond.Matches(r))

	r.Type = "reboot"
	is.True(!cond.Matches(r))
}

func TestConditionWhereAndArgs(t *testing.T) {
	is := is.New(t)

	ts := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	cond := NewCondition(WithTenant("default"), WithDeviceID("cam-01"), WithCreatedAfter(ts))

	is.Equal(cond.Where(), "WHERE tenant = @tenant AND device_id = @device_id AND created_at >= @created_after")

	args := cond.NamedArgs()
	is.Equal(args["tenant"], "default")
	is.Equal(args["device_id"], "cam-01")
	is.Equal(args["created_after"], ts)
}

func nextEvent(t *testing.T, sub Subscription) Event {
	t.Helper()

	select {
	case ev := <-sub.Events():
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for change event")
		return Event{}
	}
}
