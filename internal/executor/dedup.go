package executor

import (
	"sync"
	"time"

	"github.com/alanyoungcy/omenarb/internal/domain"
)

// Dedup suppresses re-execution of the same market opportunity inside a
// cooldown window. It is safe for concurrent use.
type Dedup struct {
	seen map[string]time.Time // key -> time of last execution
	ttl  time.Duration
	now  func() time.Time
	mu   sync.Mutex
}

// NewDedup creates a Dedup with the given cooldown.
func NewDedup(ttl time.Duration) *Dedup {
	return &Dedup{
		seen: make(map[string]time.Time),
		ttl:  ttl,
		now:  time.Now,
	}
}

// OpportunityKey identifies an opportunity by market and direction, so a
// flip from under- to overestimated is not suppressed.
func OpportunityKey(opp domain.Opportunity) string {
	return opp.MarketID + ":" + string(opp.Classification)
}

// IsDuplicate reports whether key was marked within the cooldown. Unseen or
// expired keys are marked and false is returned.
func (d *Dedup) IsDuplicate(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if last, ok := d.seen[key]; ok && now.Sub(last) < d.ttl {
		return true
	}
	d.seen[key] = now
	return false
}

// Forget clears key, e.g. after an execution failed before committing.
func (d *Dedup) Forget(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.seen, key)
}

// Cleanup drops expired keys.
func (d *Dedup) Cleanup() {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	for key, ts := range d.seen {
		if now.Sub(ts) >= d.ttl {
			delete(d.seen, key)
		}
	}
}

// Len returns the number of tracked keys.
func (d *Dedup) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}
