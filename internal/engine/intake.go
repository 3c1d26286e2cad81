package engine

import (
	"context"
	"fmt"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/stratadb/strata/internal/index"
	"github.com/stratadb/strata/internal/store"
)

// DefaultIntakeTTL is how long an entry may sit unrouted before it is
// force-routed.
const DefaultIntakeTTL = 10 * time.Minute

// Intake is the short-lived landing zone for new entries. The go-cache
// layer gives hot-path TTL bookkeeping; the fresh tier in the store is the
// durable source of truth, so a restart loses nothing.
type Intake struct {
	db    *store.DB
	cache *gocache.Cache
	idx   index.Index
	ttl   time.Duration
}

// NewIntake creates an intake buffer. onExpire, when non-nil, is invoked
// with the entry ID whenever the cache janitor expires an unrouted entry;
// the engine wires this to a force-route. The scheduler sweep is the
// authoritative backstop for anything the janitor misses.
func NewIntake(db *store.DB, idx index.Index, ttl time.Duration, onExpire func(id string)) *Intake {
	if ttl <= 0 {
		ttl = DefaultIntakeTTL
	}
	c := gocache.New(ttl, ttl/2)
	if onExpire != nil {
		c.OnEvicted(func(id string, _ any) {
			onExpire(id)
		})
	}
	return &Intake{db: db, cache: c, idx: idx, ttl: ttl}
}

// TTL returns the configured time-to-live.
func (in *Intake) TTL() time.Duration { return in.ttl }

// Add persists a new entry into the fresh tier and lands it in the buffer.
// A supplied similarity vector is stored and indexed.
func (in *Intake) Add(ctx context.Context, e *store.Entry, vec []float64) error {
	if err := in.db.CreateEntry(e); err != nil {
		return err
	}
	if len(vec) > 0 {
		if err := in.db.SaveVector(e.ID, vec); err != nil {
			return err
		}
		if in.idx != nil {
			if err := in.idx.Add(ctx, e.ID, vec); err != nil {
				return fmt.Errorf("index add: %w", err)
			}
		}
	}
	in.cache.SetDefault(e.ID, *e)
	return nil
}

// Get returns an entry by ID, hitting the cache first.
func (in *Intake) Get(id string) (*store.Entry, error) {
	if v, ok := in.cache.Get(id); ok {
		e := v.(store.Entry)
		return &e, nil
	}
	return in.db.GetEntry(id)
}

// ListUnrouted returns fresh, non-archived entries oldest first.
func (in *Intake) ListUnrouted(limit int) ([]store.Entry, error) {
	return in.db.ListUnrouted(limit)
}

// ExpireOlderThan returns unrouted entries that have crossed the TTL. It
// does not delete anything: the caller routes each one, so no entry ever
// disappears without a routing decision.
func (in *Intake) ExpireOlderThan(now time.Time, ttl time.Duration) ([]store.Entry, error) {
	entries, err := in.db.ListUnrouted(0)
	if err != nil {
		return nil, err
	}
	cutoff := now.Add(-ttl).UnixMilli()
	var expired []store.Entry
	for _, e := range entries {
		if e.CreatedAt < cutoff {
			expired = append(expired, e)
		}
	}
	return expired, nil
}

// Readmit puts an entry evicted from the working set back into the buffer.
// It re-enters the normal TTL clock and is force-routed again on expiry.
func (in *Intake) Readmit(e store.Entry) {
	in.cache.SetDefault(e.ID, e)
}

// Remove takes an entry out of the buffer after it has been routed.
func (in *Intake) Remove(id string) {
	// Deleting triggers OnEvicted; the force-route handler checks the tier
	// first, so a routed entry is a no-op there.
	in.cache.Delete(id)
}

// Nearest performs approximate nearest-neighbor lookup over the supplied
// vector using the pluggable index.
func (in *Intake) Nearest(ctx context.Context, vec []float64, k int) ([]index.Neighbor, error) {
	if in.idx == nil {
		return nil, nil
	}
	return in.idx.Nearest(ctx, vec, k)
}

// Rehydrate reloads unrouted entries and their vectors after a restart.
func (in *Intake) Rehydrate(ctx context.Context) (int, error) {
	entries, err := in.db.ListUnrouted(0)
	if err != nil {
		return 0, err
	}
	for _, e := range entries {
		in.cache.SetDefault(e.ID, e)
	}

	if in.idx != nil {
		vectors, err := in.db.AllVectors()
		if err != nil {
			return 0, err
		}
		for _, v := range vectors {
			if err := in.idx.Add(ctx, v.EntryID, v.Embedding); err != nil {
				return 0, fmt.Errorf("rehydrate index: %w", err)
			}
		}
	}
	return len(entries), nil
}
