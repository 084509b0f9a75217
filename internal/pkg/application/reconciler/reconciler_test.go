package reconciler

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"testing"
	"time"

	"github.com/matryer/is"

	"github.com/diwise/fleet-mgmt/internal/pkg/infrastructure/mailbox"
)

func testSetup(t *testing.T) (*is.I, context.Context, mailbox.Client) {
	is := is.New(t)
	ctx := context.Background()
	m := mailbox.NewMemoryClient()
	t.Cleanup(m.Close)
	return is, ctx, m
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func waitFor(t *testing.T, v *View, pred func([]mailbox.Record) bool) []mailbox.Record {
	t.Helper()

	deadline := time.After(2 * time.Second)
	for {
		records := v.Records()
		if pred(records) {
			return records
		}
		select {
		case <-v.Notify():
		case <-deadline:
			t.Fatalf("view never reached the expected state, have %d records", len(records))
			return nil
		}
	}
}

func TestViewLoadsExistingRecords(t *testing.T) {
	is, ctx, m := testSetup(t)

	for _, name := range []string{"bravo", "alpha"} {
		_, err := m.Insert(ctx, mailbox.EntityDevices, mailbox.Record{Tenant: "default", Name: name})
		is.NoErr(err)
	}

	v, err := Open(ctx, m, mailbox.EntityDevices,
		WithConditions(mailbox.WithTenant("default"), mailbox.WithSortBy("name")))
	is.NoErr(err)
	defer v.Close()

	records := v.Records()
	is.Equal(len(records), 2)
	is.Equal(records[0].Name, "alpha")
	is.Equal(records[1].Name, "bravo")
}

func TestViewFollowsChanges(t *testing.T) {
	is, ctx, m := testSetup(t)

	v, err := Open(ctx, m, mailbox.EntityDevices,
		WithConditions(mailbox.WithTenant("default"), mailbox.WithSortBy("name")))
	is.NoErr(err)
	defer v.Close()

	r, err := m.Insert(ctx, mailbox.EntityDevices, mailbox.Record{Tenant: "default", Name: "cam"})
	is.NoErr(err)

	waitFor(t, v, func(records []mailbox.Record) bool { return len(records) == 1 })

	name := "renamed"
	is.NoErr(m.Update(ctx, mailbox.EntityDevices, r.ID, mailbox.Patch{Name: &name}))

	waitFor(t, v, func(records []mailbox.Record) bool {
		return len(records) == 1 && records[0].Name == "renamed"
	})

	_, err = m.Delete(ctx, mailbox.EntityDevices, mailbox.WithID(r.ID))
	is.NoErr(err)

	waitFor(t, v, func(records []mailbox.Record) bool { return len(records) == 0 })
}

func TestViewAppliesEventsIdempotently(t *testing.T) {
	is, ctx, m := testSetup(t)

	v, err := Open(ctx, m, mailbox.EntityDevices,
		WithConditions(mailbox.WithTenant("default"), mailbox.WithSortBy("name")))
	is.NoErr(err)
	defer v.Close()

	r := mailbox.Record{ID: "dup", Tenant: "default", Name: "cam", CreatedAt: time.Now().UTC()}
	r.UpdatedAt = r.CreatedAt

	// replaying the same insert twice must not duplicate the record
	v.apply(ctx, mailbox.Event{Op: mailbox.OpInsert, Entity: mailbox.EntityDevices, Record: r}, testLogger())
	v.apply(ctx, mailbox.Event{Op: mailbox.OpInsert, Entity: mailbox.EntityDevices, Record: r}, testLogger())

	records := v.Records()
	is.Equal(len(records), 1)

	// an update for an id the view never saw behaves like an insert
	other := r
	other.ID = "new"
	v.apply(ctx, mailbox.Event{Op: mailbox.OpUpdate, Entity: mailbox.EntityDevices, Record: other}, testLogger())
	is.Equal(len(v.Records()), 2)

	// a delete for an unknown id is a no-op
	gone := r
	gone.ID = "never-seen"
	v.apply(ctx, mailbox.Event{Op: mailbox.OpDelete, Entity: mailbox.EntityDevices, Record: gone}, testLogger())
	is.Equal(len(v.Records()), 2)
}

func TestViewDropsRecordsLeavingThePredicate(t *testing.T) {
	is, ctx, m := testSetup(t)

	v, err := Open(ctx, m, mailbox.EntityCommands,
		WithConditions(mailbox.WithTenant("default"), mailbox.WithStatus("queued")))
	is.NoErr(err)
	defer v.Close()

	r, err := m.Insert(ctx, mailbox.EntityCommands, mailbox.Record{
		Tenant: "default", DeviceID: "cam-01", Type: "reboot", Status: "queued",
	})
	is.NoErr(err)

	waitFor(t, v, func(records []mailbox.Record) bool { return len(records) == 1 })

	sent := "sent"
	is.NoErr(m.Update(ctx, mailbox.EntityCommands, r.ID, mailbox.Patch{Status: &sent}))

	waitFor(t, v, func(records []mailbox.Record) bool { return len(records) == 0 })
}

func TestViewCapacityKeepsMostRecent(t *testing.T) {
	is, ctx, m := testSetup(t)

	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		_, err := m.Insert(ctx, mailbox.EntityAlerts, mailbox.Record{
			Tenant:    "default",
			DeviceID:  "cam-01",
			Type:      "offline",
			Name:      fmt.Sprintf("alert-%d", i),
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		})
		is.NoErr(err)
	}

	v, err := Open(ctx, m, mailbox.EntityAlerts,
		WithConditions(mailbox.WithTenant("default"), mailbox.WithSortBy("created_at"), mailbox.WithSortDesc(true)),
		WithCapacity(3))
	is.NoErr(err)
	defer v.Close()

	records := v.Records()
	is.Equal(len(records), 3)
	is.Equal(records[0].Name, "alert-4")
	is.Equal(records[2].Name, "alert-2")

	_, err = m.Insert(ctx, mailbox.EntityAlerts, mailbox.Record{
		Tenant: "default", DeviceID: "cam-01", Type: "offline", Name: "alert-5",
	})
	is.NoErr(err)

	records = waitFor(t, v, func(records []mailbox.Record) bool {
		return len(records) == 3 && records[0].Name == "alert-5"
	})
	is.True(!slices.ContainsFunc(records, func(r mailbox.Record) bool { return r.Name == "alert-2" }))
}

func TestViewReloadsOnReset(t *testing.T) {
	is, ctx, m := testSetup(t)

	v, err := Open(ctx, m, mailbox.EntityDevices,
		WithConditions(mailbox.WithTenant("default"), mailbox.WithSortBy("name")))
	is.NoErr(err)
	defer v.Close()

	// mutate behind the view's back, then hand it a RESET
	_, err = m.Insert(ctx, mailbox.EntityDevices, mailbox.Record{Tenant: "default", Name: "cam"})
	is.NoErr(err)

	v.apply(ctx, mailbox.Event{Op: mailbox.OpReset, Entity: mailbox.EntityDevices}, testLogger())

	records := v.Records()
	is.Equal(len(records), 1)
	is.NoErr(v.Err())
}

func TestViewCloseIsSynchronousAndIdempotent(t *testing.T) {
	is, ctx, m := testSetup(t)

	v, err := Open(ctx, m, mailbox.EntityDevices, WithConditions(mailbox.WithTenant("default")))
	is.NoErr(err)

	v.Close()
	v.Close()

	before := len(v.Records())
	_, err = m.Insert(ctx, mailbox.EntityDevices, mailbox.Record{Tenant: "default", Name: "late"})
	is.NoErr(err)

	time.Sleep(50 * time.Millisecond)
	is.Equal(len(v.Records()), before)
}
