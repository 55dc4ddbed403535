package state

import (
	"context"
	"sync"
)

type memoryStore struct {
	mu          sync.Mutex
	generations []Generation
	handovers   []Handover
	counters    Counters
}

// NewMemory returns a store that lives as long as the process.
func NewMemory() Store { return &memoryStore{} }

var _ Store = (*memoryStore)(nil)

func (m *memoryStore) BeginGeneration(_ context.Context, g Generation) (Generation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var last uint64
	if n := len(m.generations); n > 0 {
		last = m.generations[n-1].Number
	}
	g.Number = nextNumber(last, g.Previous)
	m.generations = append(m.generations, g)
	return g, nil
}

func (m *memoryStore) RecordHandover(_ context.Context, h Handover) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handovers = append(m.handovers, h)
	if len(m.handovers) > historyLimit {
		m.handovers = m.handovers[len(m.handovers)-historyLimit:]
	}
	return nil
}

func (m *memoryStore) Handovers(context.Context) ([]Handover, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Handover(nil), m.handovers...), nil
}

func (m *memoryStore) AddCounters(_ context.Context, delta Counters) error {
	m.mu.Lock()
	m.counters.add(delta)
	m.mu.Unlock()
	return nil
}

func (m *memoryStore) Counters(context.Context) (Counters, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counters, nil
}

func (m *memoryStore) Close() error { return nil }
