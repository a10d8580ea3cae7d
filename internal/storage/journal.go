package storage

import (
	"context"
	"sort"
	"sync"

	"github.com/example/rider-agent/internal/models"
)

// Journal records the order transitions this agent performed. It is an
// audit trail for the device, not a source of truth.
type Journal interface {
	Record(ctx context.Context, ev models.OrderEvent) error
	ForOrder(ctx context.Context, orderID string) ([]models.OrderEvent, error)
}

type MemoryJournal struct {
	mu     sync.RWMutex
	events map[string][]models.OrderEvent
}

func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{events: make(map[string][]models.OrderEvent)}
}

func (m *MemoryJournal) Record(_ context.Context, ev models.OrderEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[ev.OrderID] = append(m.events[ev.OrderID], ev)
	return nil
}

func (m *MemoryJournal) ForOrder(_ context.Context, orderID string) ([]models.OrderEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := append([]models.OrderEvent(nil), m.events[orderID]...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].OccurredAt.Before(out[j].OccurredAt) })
	return out, nil
}
