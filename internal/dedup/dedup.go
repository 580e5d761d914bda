package dedup

import "sync"

// Store remembers which execution ids have already been reconciled.
type Store interface {
	Seen(id string) bool
	MarkSeen(id string)
}

// DefaultCapacity is how many ids a Memory store keeps before evicting the
// oldest.
const DefaultCapacity = 100_000

// Memory is a bounded in-process Store. Once full, the oldest id is evicted
// first.
type Memory struct {
	mu   sync.Mutex
	ids  map[string]struct{}
	ring []string
	next int
}

// NewMemory creates a Memory store holding at most capacity ids
func NewMemory(capacity int) *Memory {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Memory{
		ids:  make(map[string]struct{}, capacity),
		ring: make([]string, capacity),
	}
}

func (m *Memory) Seen(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.ids[id]
	return ok
}

func (m *Memory) MarkSeen(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.ids[id]; ok {
		return
	}
	if old := m.ring[m.next]; old != "" {
		delete(m.ids, old)
	}
	m.ring[m.next] = id
	m.ids[id] = struct{}{}
	m.next = (m.next + 1) % len(m.ring)
}

// Len returns the number of ids currently remembered
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.ids)
}
