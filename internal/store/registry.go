package store

import (
	"errors"
	"sort"
	"sync"
	"time"

	"gpufleet/internal/model"
)

var (
	ErrEmptyHostname = errors.New("hostname is required")
	// ErrSuperseded rejects writes from a connection that a newer registration replaced.
	ErrSuperseded = errors.New("connection superseded by a newer registration")
)

// Conn is the live duplex connection handle of an agent.
type Conn interface {
	// Enqueue hands msg to the connection's writer without waiting for delivery.
	Enqueue(msg any) error
}

// Registry is the in-memory fleet table: hostname -> latest snapshot, last-seen
// time and live connection. It is rebuilt from agent registrations after a restart.
//
// The table lock only guards the map; each entry carries its own lock, so
// writers for different hosts never contend.
type Registry struct {
	window time.Duration

	mu      sync.RWMutex
	entries map[string]*entry
}

type entry struct {
	mu          sync.Mutex
	snapshot    model.HostSnapshot
	hasSnapshot bool
	lastSeen    time.Time
	conn        Conn
	connectedAt time.Time
}

// HostView is a consistent copy of one registry entry at query time.
type HostView struct {
	Hostname    string
	Snapshot    model.HostSnapshot
	HasSnapshot bool
	LastSeenAt  time.Time
	Online      bool
	Connected   bool
	ConnectedAt time.Time
}

// NewRegistry creates an empty registry with the given liveness window.
func NewRegistry(window time.Duration) *Registry {
	return &Registry{
		window:  window,
		entries: make(map[string]*entry),
	}
}

// Window returns the liveness window used to derive online status.
func (r *Registry) Window() time.Duration {
	return r.window
}

// Online reports whether a host last seen at lastSeen is live at now.
// A host that never delivered a snapshot is offline.
func Online(lastSeen, now time.Time, window time.Duration) bool {
	if lastSeen.IsZero() {
		return false
	}
	return now.Sub(lastSeen) <= window
}

func (r *Registry) lookup(hostname string) *entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries[hostname]
}

// getOrCreate returns the entry for hostname, creating it when absent.
func (r *Registry) getOrCreate(hostname string) (*entry, bool) {
	if e := r.lookup(hostname); e != nil {
		return e, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[hostname]; ok {
		return e, false
	}
	e := &entry{}
	r.entries[hostname] = e
	return e, true
}

// UpsertSnapshot records snap as the latest snapshot of hostname and bumps its
// last-seen time to now. The entry is created when absent; created reports that.
// The snapshot must not be mutated by the caller afterwards.
func (r *Registry) UpsertSnapshot(hostname string, snap model.HostSnapshot, now time.Time) (created bool, err error) {
	return r.upsert(hostname, snap, now, nil)
}

// UpsertSnapshotFrom is UpsertSnapshot for a snapshot received on conn. It fails
// with ErrSuperseded when another connection has registered for hostname since.
func (r *Registry) UpsertSnapshotFrom(hostname string, snap model.HostSnapshot, now time.Time, conn Conn) (bool, error) {
	if conn == nil {
		return false, errors.New("connection handle is required")
	}
	return r.upsert(hostname, snap, now, conn)
}

func (r *Registry) upsert(hostname string, snap model.HostSnapshot, now time.Time, from Conn) (bool, error) {
	if hostname == "" {
		return false, ErrEmptyHostname
	}
	e, created := r.getOrCreate(hostname)

	e.mu.Lock()
	defer e.mu.Unlock()
	if from != nil && e.conn != from {
		return created, ErrSuperseded
	}
	e.snapshot = snap
	e.hasSnapshot = true
	if now.After(e.lastSeen) {
		e.lastSeen = now
	}
	return created, nil
}

// AttachConnection makes conn the live handle for hostname, creating the entry
// when absent. The replaced handle, if any, is returned so the caller can close it.
func (r *Registry) AttachConnection(hostname string, conn Conn, now time.Time) (previous Conn, err error) {
	if hostname == "" {
		return nil, ErrEmptyHostname
	}
	if conn == nil {
		return nil, errors.New("connection handle is required")
	}
	e, _ := r.getOrCreate(hostname)

	e.mu.Lock()
	defer e.mu.Unlock()
	previous = e.conn
	if previous == conn {
		previous = nil
	}
	e.conn = conn
	e.connectedAt = now
	return previous, nil
}

// DetachConnection clears the handle of hostname if it is still conn. It returns
// false when a newer connection has taken over, which is left untouched.
func (r *Registry) DetachConnection(hostname string, conn Conn) bool {
	e := r.lookup(hostname)
	if e == nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.conn == nil || e.conn != conn {
		return false
	}
	e.conn = nil
	e.connectedAt = time.Time{}
	return true
}

// LookupConnection returns the live handle for hostname.
func (r *Registry) LookupConnection(hostname string) (Conn, bool) {
	e := r.lookup(hostname)
	if e == nil {
		return nil, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.conn == nil {
		return nil, false
	}
	return e.conn, true
}

// Host returns the view of a single host.
func (r *Registry) Host(hostname string, now time.Time) (HostView, bool) {
	e := r.lookup(hostname)
	if e == nil {
		return HostView{}, false
	}
	return e.view(hostname, now, r.window), true
}

// SnapshotAll returns a view of every known host, sorted by hostname. Each view
// is internally consistent; views of different hosts are not taken atomically.
func (r *Registry) SnapshotAll(now time.Time) []HostView {
	r.mu.RLock()
	names := make([]string, 0, len(r.entries))
	refs := make(map[string]*entry, len(r.entries))
	for name, e := range r.entries {
		names = append(names, name)
		refs[name] = e
	}
	r.mu.RUnlock()

	sort.Strings(names)
	views := make([]HostView, 0, len(names))
	for _, name := range names {
		views = append(views, refs[name].view(name, now, r.window))
	}
	return views
}

// Len returns the number of known hosts.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

func (e *entry) view(hostname string, now time.Time, window time.Duration) HostView {
	e.mu.Lock()
	defer e.mu.Unlock()
	return HostView{
		Hostname:    hostname,
		Snapshot:    e.snapshot,
		HasSnapshot: e.hasSnapshot,
		LastSeenAt:  e.lastSeen,
		Online:      Online(e.lastSeen, now, window),
		Connected:   e.conn != nil,
		ConnectedAt: e.connectedAt,
	}
}
