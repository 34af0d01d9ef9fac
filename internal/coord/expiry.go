package coord

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Expiry is an absolute deadline, always stored alongside the object it
// governs (spec.md §3). It is the only lifetime authority in the system:
// nothing is evicted except by an ExpirableMap noticing an Expiry has
// passed on access.
type Expiry struct {
	deadline time.Time
}

// NewExpiry constructs an Expiry ttl in the future, relative to clk's
// current time.
func NewExpiry(clk clockwork.Clock, ttl time.Duration) Expiry {
	return Expiry{deadline: clk.Now().Add(ttl)}
}

// ExpiryAt wraps an already-absolute deadline.
func ExpiryAt(deadline time.Time) Expiry {
	return Expiry{deadline: deadline}
}

// Deadline returns the absolute instant this Expiry fires at.
func (e Expiry) Deadline() time.Time {
	return e.deadline
}

// TTL returns the remaining time until expiry, relative to clk. It is
// zero or negative once expired.
func (e Expiry) TTL(clk clockwork.Clock) time.Duration {
	return e.deadline.Sub(clk.Now())
}

// IsExpired reports whether ttl <= 0 relative to clk.
func (e Expiry) IsExpired(clk clockwork.Clock) bool {
	return e.TTL(clk) <= 0
}

// expirable is implemented by every value type stored in an ExpirableMap.
type expirable interface {
	expiry() Expiry
}

// EvictionFunc is invoked once per entry an ExpirableMap's lazy sweep
// removes, with the key and value that just expired.
type EvictionFunc[K comparable, V expirable] func(key K, value V)

// ExpirableMap is a mapping from K to V where V carries its own Expiry.
// Every read-path method first performs a lazy sweep: scan all entries,
// remove any whose Expiry.IsExpired is true, firing the eviction callback
// once per removal. There is no background goroutine; expiry is observed
// only on access (spec.md §4.1), which is sufficient because every
// operation that cares about an entry's lifetime touches this map first.
type ExpirableMap[K comparable, V expirable] struct {
	mu      sync.Mutex
	clk     clockwork.Clock
	entries map[K]V
	onEvict EvictionFunc[K, V]
}

// NewExpirableMap constructs an empty map. onEvict may be nil.
func NewExpirableMap[K comparable, V expirable](clk clockwork.Clock, onEvict EvictionFunc[K, V]) *ExpirableMap[K, V] {
	return &ExpirableMap[K, V]{
		clk:     clk,
		entries: make(map[K]V),
		onEvict: onEvict,
	}
}

// SetEvictFunc installs the eviction callback after construction, for the
// common bootstrapping case where the callback needs to close over the
// very aggregate the map is a field of (ServerState.endSessionLocked closes
// over *ServerState, but the maps are ServerState's own fields).
func (m *ExpirableMap[K, V]) SetEvictFunc(fn EvictionFunc[K, V]) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onEvict = fn
}

// evicted is one (key, value) pair a sweep removed, queued to have its
// onEvict callback fired once the map's own lock has been released.
type evicted[K comparable, V expirable] struct {
	key   K
	value V
}

// sweepLocked must be called with mu held. It removes every expired entry
// and returns them for the caller to report via fireEvictions once mu is
// released — onEvict must never run while mu is held, since callbacks
// like ServerState.endSessionLocked can themselves call back into this
// same map (e.g. to broadcast to its other surviving entries).
func (m *ExpirableMap[K, V]) sweepLocked() []evicted[K, V] {
	var out []evicted[K, V]
	for k, v := range m.entries {
		if v.expiry().IsExpired(m.clk) {
			out = append(out, evicted[K, V]{key: k, value: v})
		}
	}
	for _, e := range out {
		delete(m.entries, e.key)
	}
	return out
}

// fireEvictions invokes onEvict for each entry a sweep just removed. Must
// be called without m.mu held.
func (m *ExpirableMap[K, V]) fireEvictions(evs []evicted[K, V]) {
	if m.onEvict == nil {
		return
	}
	for _, e := range evs {
		m.onEvict(e.key, e.value)
	}
}

// Get sweeps, then returns the (possibly now-absent) value for key.
func (m *ExpirableMap[K, V]) Get(key K) (V, bool) {
	m.mu.Lock()
	evs := m.sweepLocked()
	v, ok := m.entries[key]
	m.mu.Unlock()
	m.fireEvictions(evs)
	return v, ok
}

// Contains reports whether key names a live, unexpired entry.
func (m *ExpirableMap[K, V]) Contains(key K) bool {
	_, ok := m.Get(key)
	return ok
}

// Set installs or overwrites key's value. Insertion order is never
// significant for this map.
func (m *ExpirableMap[K, V]) Set(key K, value V) {
	m.mu.Lock()
	evs := m.sweepLocked()
	m.entries[key] = value
	m.mu.Unlock()
	m.fireEvictions(evs)
}

// Delete removes key unconditionally; it does not fire the eviction
// callback, since eviction specifically names the lazy-sweep removal path.
func (m *ExpirableMap[K, V]) Delete(key K) {
	m.mu.Lock()
	evs := m.sweepLocked()
	delete(m.entries, key)
	m.mu.Unlock()
	m.fireEvictions(evs)
}

// Values sweeps, then returns every surviving value. Order is unspecified.
func (m *ExpirableMap[K, V]) Values() []V {
	m.mu.Lock()
	evs := m.sweepLocked()
	out := make([]V, 0, len(m.entries))
	for _, v := range m.entries {
		out = append(out, v)
	}
	m.mu.Unlock()
	m.fireEvictions(evs)
	return out
}

// Keys sweeps, then returns every surviving key. Order is unspecified.
func (m *ExpirableMap[K, V]) Keys() []K {
	m.mu.Lock()
	evs := m.sweepLocked()
	out := make([]K, 0, len(m.entries))
	for k := range m.entries {
		out = append(out, k)
	}
	m.mu.Unlock()
	m.fireEvictions(evs)
	return out
}

// Len sweeps, then returns the surviving entry count.
func (m *ExpirableMap[K, V]) Len() int {
	m.mu.Lock()
	evs := m.sweepLocked()
	n := len(m.entries)
	m.mu.Unlock()
	m.fireEvictions(evs)
	return n
}

// Range sweeps, then calls fn once per surviving entry. fn must not call
// back into the map: Range holds the map's lock for its duration.
func (m *ExpirableMap[K, V]) Range(fn func(key K, value V)) {
	m.mu.Lock()
	evs := m.sweepLocked()
	for k, v := range m.entries {
		fn(k, v)
	}
	m.mu.Unlock()
	m.fireEvictions(evs)
}

// Update sweeps, looks up key, and if present replaces its value with
// fn(current). It is a no-op if key is absent or already expired.
func (m *ExpirableMap[K, V]) Update(key K, fn func(V) V) {
	m.mu.Lock()
	evs := m.sweepLocked()
	if v, ok := m.entries[key]; ok {
		m.entries[key] = fn(v)
	}
	m.mu.Unlock()
	m.fireEvictions(evs)
}
