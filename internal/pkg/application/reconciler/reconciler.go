package reconciler

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"

	"github.com/diwise/fleet-mgmt/internal/pkg/infrastructure/mailbox"
)

type Option func(*settings)

type settings struct {
	conditions   []mailbox.ConditionFunc
	capacity     int
	pollInterval time.Duration
}

// WithConditions narrows the view to records matching the given predicate.
// The same predicate is used for the bulk load and for every incoming
// change event.
func WithConditions(conditions ...mailbox.ConditionFunc) Option {
	return func(s *settings) {
		s.conditions = append(s.conditions, conditions...)
	}
}

// WithCapacity caps the number of records the view retains. When the cap
// is exceeded the records sorting last are evicted, which together with a
// descending creation time order gives a most-recent window.
func WithCapacity(capacity int) Option {
	return func(s *settings) {
		s.capacity = capacity
	}
}

// WithPollInterval makes the view reload itself periodically in addition
// to applying change events. Used as a degraded mode when the change feed
// is known to be unreliable.
func WithPollInterval(interval time.Duration) Option {
	return func(s *settings) {
		s.pollInterval = interval
	}
}

// View is a live, filtered, ordered replica of one mailbox entity. It is
// loaded once in bulk and then kept converged by replaying change events,
// so readers always observe a state the store actually passed through.
type View struct {
	client mailbox.Client
	entity mailbox.Entity
	cond   *mailbox.Condition
	conds  []mailbox.ConditionFunc

	capacity     int
	pollInterval time.Duration

	sub mailbox.Subscription

	mu      sync.Mutex
	records []mailbox.Record
	err     error

	notify chan struct{}
	done   chan struct{}
	closed sync.Once
}

// Open subscribes to the entity's change feed and then loads the current
// state, in that order, so no mutation can fall between the two. Replayed
// events are idempotent per id, which makes the overlap harmless.
func Open(ctx context.Context, client mailbox.Client, entity mailbox.Entity, opts ...Option) (*View, error) {
	s := &settings{}
	for _, opt := range opts {
		opt(s)
	}

	cond := mailbox.NewCondition(s.conditions...)

	sub, err := client.Subscribe(entity, cond.Tenant)
	if err != nil {
		return nil, err
	}

	v := &View{
		client:       client,
		entity:       entity,
		cond:         cond,
		conds:        s.conditions,
		capacity:     s.capacity,
		pollInterval: s.pollInterval,
		sub:          sub,
		notify:       make(chan struct{}, 1),
		done:         make(chan struct{}),
	}

	err = v.reload(ctx)
	if err != nil {
		sub.Unsubscribe()
		return nil, err
	}

	go v.run(ctx)

	return v, nil
}

// Records returns a copy of the current state, in view order.
func (v *View) Records() []mailbox.Record {
	v.mu.Lock()
	defer v.mu.Unlock()
	return slices.Clone(v.records)
}

// Err reports whether the view is stale. A non-nil error means continuity
// was lost and the automatic reload also failed, so the contents may lag
// the store until a later reload succeeds.
func (v *View) Err() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.err
}

// Notify signals (coalesced) every time the view's contents change.
func (v *View) Notify() <-chan struct{} {
	return v.notify
}

// Close unsubscribes and stops the event loop. No reads or notifications
// happen after it returns.
func (v *View) Close() {
	v.closed.Do(func() {
		v.sub.Unsubscribe()
		<-v.done
	})
}

func (v *View) run(ctx context.Context) {
	defer close(v.done)

	log := logging.GetFromContext(ctx)

	var poll <-chan time.Time
	if v.pollInterval > 0 {
		ticker := time.NewTicker(v.pollInterval)
		defer ticker.Stop()
		poll = ticker.C
	}

	for {
		select {
		case ev, ok := <-v.sub.Events():
			if !ok {
				return
			}
			v.apply(ctx, ev, log)
		case <-poll:
			v.recover(ctx, log)
		}
	}
}

func (v *View) apply(ctx context.Context, ev mailbox.Event, log *slog.Logger) {
	if ev.Op == mailbox.OpReset {
		v.recover(ctx, log)
		return
	}

	v.mu.Lock()
	changed := v.applyLocked(ev)
	v.mu.Unlock()

	if changed {
		v.wake()
	}
}

// applyLocked folds one change event into the replica. Events are applied
// idempotently by id: an insert for a known id behaves like an update, an
// update for an unknown (but matching) id behaves like an insert, and a
// delete for an unknown id is a no-op. An update that moves a record
// outside the predicate removes it.
func (v *View) applyLocked(ev mailbox.Event) bool {
	idx := slices.IndexFunc(v.records, func(r mailbox.Record) bool {
		return r.ID == ev.Record.ID
	})

	switch ev.Op {
	case mailbox.OpDelete:
		if idx < 0 {
			return false
		}
		v.records = slices.Delete(v.records, idx, idx+1)
		return true

	case mailbox.OpInsert, mailbox.OpUpdate:
		if !v.cond.Matches(ev.Record) {
			if idx < 0 {
				return false
			}
			v.records = slices.Delete(v.records, idx, idx+1)
			return true
		}

		if idx >= 0 {
			v.records = slices.Delete(v.records, idx, idx+1)
		}

		at, _ := slices.BinarySearchFunc(v.records, ev.Record, v.cond.Compare)
		v.records = slices.Insert(v.records, at, ev.Record)

		if v.capacity > 0 && len(v.records) > v.capacity {
			v.records = v.records[:v.capacity]
		}
		return true
	}

	return false
}

// recover replaces the replica with a fresh bulk load. If the load fails
// the old contents are kept and the view is flagged stale until a later
// recovery succeeds.
func (v *View) recover(ctx context.Context, log *slog.Logger) {
	err := v.reload(ctx)
	if err != nil {
		log.Warn("view reload failed, contents may be stale", "entity", string(v.entity), "err", err.Error())
	}
	v.wake()
}

func (v *View) reload(ctx context.Context) error {
	conditions := v.conds
	if v.capacity > 0 {
		conditions = append(slices.Clone(v.conds), mailbox.WithLimit(v.capacity))
	}

	result, err := v.client.Query(ctx, v.entity, conditions...)

	v.mu.Lock()
	defer v.mu.Unlock()

	if err != nil {
		v.err = fmt.Errorf("could not reload view: %w", err)
		return v.err
	}

	records := result.Data
	slices.SortFunc(records, v.cond.Compare)

	v.records = records
	v.err = nil

	return nil
}

func (v *View) wake() {
	select {
	case v.notify <- struct{}{}:
	default:
	}
}
