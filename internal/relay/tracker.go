package relay

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"gpufleet/internal/model"
)

// Tracker is a bounded table of outstanding and recently completed commands.
// Entries are evicted after ttl or when the table is full, oldest first.
type Tracker struct {
	mu    sync.Mutex
	cache *expirable.LRU[string, model.CommandRecord]
}

// Fallbacks for non-positive tracker settings; expirable treats them as unbounded.
const (
	defaultTrackerSize = 1024
	defaultTrackerTTL  = 10 * time.Minute
)

// NewTracker creates a tracker holding at most size records for ttl each.
func NewTracker(size int, ttl time.Duration) *Tracker {
	if size <= 0 {
		size = defaultTrackerSize
	}
	if ttl <= 0 {
		ttl = defaultTrackerTTL
	}
	return &Tracker{
		cache: expirable.NewLRU[string, model.CommandRecord](size, nil, ttl),
	}
}

// Add starts tracking rec under its command id.
func (t *Tracker) Add(rec model.CommandRecord) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cache.Add(rec.CommandID, rec)
}

// Remove stops tracking id.
func (t *Tracker) Remove(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cache.Remove(id)
}

// Get returns a copy of the record for id.
func (t *Tracker) Get(id string) (model.CommandRecord, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cache.Get(id)
}

// Complete attaches res to the record for id. It reports false when id is
// unknown or already evicted.
func (t *Tracker) Complete(id string, res model.KillProcessResult, at time.Time) (model.CommandRecord, bool) {
	return t.CompleteFor(id, "", res, at)
}

// CompleteFor is Complete restricted to records dispatched to hostname; an
// empty hostname matches any record. On a host mismatch the untouched record
// is returned with false.
func (t *Tracker) CompleteFor(id, hostname string, res model.KillProcessResult, at time.Time) (model.CommandRecord, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.cache.Get(id)
	if !ok {
		return model.CommandRecord{}, false
	}
	if hostname != "" && rec.Hostname != hostname {
		return rec, false
	}
	completed := at
	rec.State = model.CommandCompleted
	rec.CompletedAt = &completed
	rec.Result = &res
	t.cache.Add(id, rec)
	return rec, true
}

// Len returns the number of tracked records.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cache.Len()
}
