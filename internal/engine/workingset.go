package engine

import (
	"sync"
	"time"

	"github.com/stratadb/strata/internal/store"
)

// Working set attention tuning.
const (
	MinWorkingSetCapacity = 5
	MaxWorkingSetCapacity = 9

	admitAttention       = 0.6  // starting attention for a newly admitted item
	touchBoost           = 0.2  // fixed increment per touch
	attentionDecayPerMin = 0.01 // linear decay with idle time
)

type wsItem struct {
	entry     store.Entry
	attention float64
	touchedAt time.Time
}

// effective returns the item's attention after linear idle decay.
func (it *wsItem) effective(now time.Time) float64 {
	idle := now.Sub(it.touchedAt).Minutes()
	a := it.attention - idle*attentionDecayPerMin
	if a < 0 {
		a = 0
	}
	return a
}

// WorkingSet is the bounded hot set (focus tier). All state is in memory
// behind a single mutex; admit and touch never do I/O. There is exactly one
// working set per memory space.
type WorkingSet struct {
	mu       sync.Mutex
	capacity int
	items    map[string]*wsItem
	nowFn    func() time.Time
}

// NewWorkingSet creates a working set. Capacity is clamped to [5, 9].
func NewWorkingSet(capacity int, nowFn func() time.Time) *WorkingSet {
	if capacity < MinWorkingSetCapacity {
		capacity = MinWorkingSetCapacity
	}
	if capacity > MaxWorkingSetCapacity {
		capacity = MaxWorkingSetCapacity
	}
	if nowFn == nil {
		nowFn = time.Now
	}
	return &WorkingSet{
		capacity: capacity,
		items:    make(map[string]*wsItem),
		nowFn:    nowFn,
	}
}

// Admit adds an entry to the working set. If the set is at capacity, the
// single lowest-attention item is evicted and returned so the caller can
// re-home it in the intake buffer. Admission itself never fails.
func (ws *WorkingSet) Admit(e store.Entry) *store.Entry {
	ws.mu.Lock()
	defer ws.mu.Unlock()

	now := ws.nowFn()

	if existing, ok := ws.items[e.ID]; ok {
		existing.entry = e
		existing.attention = clamp(existing.attention+touchBoost, 0, 1)
		existing.touchedAt = now
		return nil
	}

	var evicted *store.Entry
	if len(ws.items) >= ws.capacity {
		victim := ws.lowestAttention(now)
		ev := ws.items[victim].entry
		delete(ws.items, victim)
		evicted = &ev
	}

	ws.items[e.ID] = &wsItem{entry: e, attention: admitAttention, touchedAt: now}
	return evicted
}

// Touch boosts an item's attention by the fixed increment and returns true
// if the item is resident.
func (ws *WorkingSet) Touch(id string) bool {
	ws.mu.Lock()
	defer ws.mu.Unlock()

	it, ok := ws.items[id]
	if !ok {
		return false
	}
	now := ws.nowFn()
	it.attention = clamp(it.effective(now)+touchBoost, 0, 1)
	it.touchedAt = now
	it.entry.AccessCount++
	return true
}

// Remove drops an item without re-homing (used when the entry is moved
// elsewhere explicitly). Returns the entry if it was resident.
func (ws *WorkingSet) Remove(id string) *store.Entry {
	ws.mu.Lock()
	defer ws.mu.Unlock()

	it, ok := ws.items[id]
	if !ok {
		return nil
	}
	delete(ws.items, id)
	e := it.entry
	return &e
}

// Status reports the current size and configured capacity.
func (ws *WorkingSet) Status() (size, capacity int) {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return len(ws.items), ws.capacity
}

// Entries returns a snapshot of the resident entries.
func (ws *WorkingSet) Entries() []store.Entry {
	ws.mu.Lock()
	defer ws.mu.Unlock()

	out := make([]store.Entry, 0, len(ws.items))
	for _, it := range ws.items {
		out = append(out, it.entry)
	}
	return out
}

// lowestAttention returns the ID of the item with the lowest effective
// attention. Caller holds the lock and guarantees a non-empty set.
func (ws *WorkingSet) lowestAttention(now time.Time) string {
	var victim string
	lowest := 2.0
	for id, it := range ws.items {
		if a := it.effective(now); a < lowest {
			lowest = a
			victim = id
		}
	}
	return victim
}
