package mailbox

import (
	"sync"
)

const subscriptionBuffer = 256

// feed fans change events out to subscriptions. Delivery order within one
// subscription follows publish order. A subscription whose consumer falls
// more than subscriptionBuffer events behind is switched to reset mode:
// further events are withheld and a single RESET is delivered as soon as
// the consumer drains, forcing a full reload instead of a silent gap.
type feed struct {
	mu   sync.Mutex
	subs map[*subscription]struct{}
}

func newFeed() *feed {
	return &feed{subs: map[*subscription]struct{}{}}
}

type subscription struct {
	feed   *feed
	entity Entity
	tenant string

	ch       chan Event
	lagged   bool
	done     chan struct{}
	unsubOne sync.Once
}

func (f *feed) subscribe(entity Entity, tenant string) *subscription {
	s := &subscription{
		feed:   f,
		entity: entity,
		tenant: tenant,
		ch:     make(chan Event, subscriptionBuffer),
		done:   make(chan struct{}),
	}

	f.mu.Lock()
	f.subs[s] = struct{}{}
	f.mu.Unlock()

	return s
}

func (f *feed) publish(ev Event) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for s := range f.subs {
		if s.entity != ev.Entity || (s.tenant != "" && s.tenant != ev.Record.Tenant) {
			continue
		}
		s.deliver(ev)
	}
}

// reset tells every subscription that continuity was lost, regardless of
// entity or tenant.
func (f *feed) reset(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for s := range f.subs {
		s.deliver(Event{Op: OpReset, Entity: s.entity, Err: err})
	}
}

func (f *feed) remove(s *subscription) {
	f.mu.Lock()
	delete(f.subs, s)
	f.mu.Unlock()
}

// deliver is called with the feed lock held, so sends are serialized and
// ordered per subscription.
func (s *subscription) deliver(ev Event) {
	if s.lagged && ev.Op != OpReset {
		ev = Event{Op: OpReset, Entity: s.entity}
	}

	select {
	case s.ch <- ev:
		s.lagged = false
	default:
		s.lagged = true
	}
}

func (s *subscription) Events() <-chan Event {
	return s.ch
}

// Unsubscribe removes the subscription from the feed before returning, so
// no event is delivered after it completes. It is safe to call more than
// once.
func (s *subscription) Unsubscribe() {
	s.unsubOne.Do(func() {
		s.feed.remove(s)
		close(s.done)
		close(s.ch)
	})
}
