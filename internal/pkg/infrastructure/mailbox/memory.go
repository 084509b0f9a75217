package mailbox

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/diwise/fleet-mgmt/pkg/types"
)

// memoryClient keeps all three entities in process memory. It implements
// the exact same contract as the Postgres client, including ordered change
// events, and backs unit tests and devmode.
type memoryClient struct {
	mu      sync.Mutex
	records map[Entity]map[string]Record
	feed    *feed
	closed  bool
}

func NewMemoryClient() Client {
	return &memoryClient{
		records: map[Entity]map[string]Record{
			EntityDevices:  {},
			EntityCommands: {},
			EntityAlerts:   {},
		},
		feed: newFeed(),
	}
}

func (m *memoryClient) Query(_ context.Context, entity Entity, conditions ...ConditionFunc) (Collection, error) {
	cond := NewCondition(conditions...)

	m.mu.Lock()
	matching := lo.Filter(lo.Values(m.records[entity]), func(r Record, _ int) bool {
		return cond.Matches(r)
	})
	m.mu.Unlock()

	slices.SortFunc(matching, cond.Compare)

	total := len(matching)

	if cond.Offset() > 0 {
		if cond.Offset() >= len(matching) {
			matching = nil
		} else {
			matching = matching[cond.Offset():]
		}
	}
	if cond.Limit() > 0 && len(matching) > cond.Limit() {
		matching = matching[:cond.Limit()]
	}

	return Collection{
		Data:       matching,
		Count:      uint64(len(matching)),
		TotalCount: uint64(total),
	}, nil
}

func (m *memoryClient) Count(ctx context.Context, entity Entity, conditions ...ConditionFunc) (int64, error) {
	cond := NewCondition(conditions...)

	m.mu.Lock()
	defer m.mu.Unlock()

	n := int64(0)
	for _, r := range m.records[entity] {
		if cond.Matches(r) {
			n++
		}
	}

	return n, nil
}

func (m *memoryClient) Insert(_ context.Context, entity Entity, record Record) (Record, error) {
	if record.Tenant == "" {
		return Record{}, ErrMissingTenant
	}
	if record.ID == "" {
		record.ID = uuid.NewString()
	}

	now := time.Now().UTC()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	record.UpdatedAt = record.CreatedAt

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return Record{}, ErrClosed
	}
	m.records[entity][record.ID] = record
	// publish while holding the lock so event order matches mutation order
	m.feed.publish(Event{Op: OpInsert, Entity: entity, Record: record})
	m.mu.Unlock()

	return record, nil
}

func (m *memoryClient) Update(_ context.Context, entity Entity, id string, patch Patch) error {
	if id == "" {
		return ErrMissingID
	}

	m.mu.Lock()
	record, ok := m.records[entity][id]
	if !ok {
		m.mu.Unlock()
		return ErrNoRows
	}

	if patch.Status != nil {
		if entity == EntityCommands {
			current := types.CommandStatus(record.Status)
			if !current.CanTransitionTo(types.CommandStatus(*patch.Status)) {
				m.mu.Unlock()
				return ErrInvalidTransition
			}
		}
		record.Status = *patch.Status
	}
	if patch.Name != nil {
		record.Name = *patch.Name
	}
	if patch.Data != nil {
		record.Data = patch.Data
	}
	record.UpdatedAt = time.Now().UTC()

	m.records[entity][id] = record
	m.feed.publish(Event{Op: OpUpdate, Entity: entity, Record: record})
	m.mu.Unlock()

	return nil
}

func (m *memoryClient) Delete(_ context.Context, entity Entity, conditions ...ConditionFunc) (int64, error) {
	cond := NewCondition(conditions...)

	m.mu.Lock()
	deleted := int64(0)
	for id, r := range m.records[entity] {
		if cond.Matches(r) {
			delete(m.records[entity], id)
			m.feed.publish(Event{Op: OpDelete, Entity: entity, Record: r})
			deleted++
		}
	}
	m.mu.Unlock()

	return deleted, nil
}

func (m *memoryClient) Subscribe(entity Entity, tenant string) (Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}

	return m.feed.subscribe(entity, tenant), nil
}

func (m *memoryClient) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
}
