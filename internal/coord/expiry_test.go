package coord

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

type expiringValue struct {
	tag string
	exp Expiry
}

func (v expiringValue) expiry() Expiry { return v.exp }

func TestExpiryIsExpired(t *testing.T) {
	clk := clockwork.NewFakeClock()
	e := NewExpiry(clk, time.Minute)
	require.False(t, e.IsExpired(clk))

	clk.Advance(59 * time.Second)
	require.False(t, e.IsExpired(clk))

	clk.Advance(time.Second)
	require.True(t, e.IsExpired(clk))
}

func TestExpirableMapLazySweepEvictsOnlyExpired(t *testing.T) {
	clk := clockwork.NewFakeClock()
	var evicted []string
	m := NewExpirableMap[string, expiringValue](clk, func(key string, value expiringValue) {
		evicted = append(evicted, key)
	})

	m.Set("short", expiringValue{tag: "short", exp: NewExpiry(clk, time.Second)})
	m.Set("long", expiringValue{tag: "long", exp: NewExpiry(clk, time.Hour)})
	require.Equal(t, 2, m.Len())

	// Advancing the clock alone evicts nothing: there is no background
	// sweep, only a lazy one triggered by the next access.
	clk.Advance(2 * time.Second)
	require.Empty(t, evicted)

	require.Equal(t, 1, m.Len())
	require.Equal(t, []string{"short"}, evicted)
	require.False(t, m.Contains("short"))
	require.True(t, m.Contains("long"))
}

func TestExpirableMapEvictionOrderingIsUnspecifiedButComplete(t *testing.T) {
	clk := clockwork.NewFakeClock()
	var evicted []string
	m := NewExpirableMap[string, expiringValue](clk, func(key string, value expiringValue) {
		evicted = append(evicted, key)
	})

	m.Set("a", expiringValue{tag: "a", exp: NewExpiry(clk, time.Second)})
	m.Set("b", expiringValue{tag: "b", exp: NewExpiry(clk, time.Second)})
	m.Set("c", expiringValue{tag: "c", exp: NewExpiry(clk, time.Hour)})

	clk.Advance(2 * time.Second)
	m.Values()

	require.ElementsMatch(t, []string{"a", "b"}, evicted)
	require.Equal(t, 1, m.Len())
}

// TestExpirableMapOnEvictCanCallBackIntoMap proves the invariant DESIGN.md
// documents: onEvict fires only after the sweeping method has released mu,
// so a callback that calls back into the same map (the way
// ServerState.endSessionLocked's broadcast touches Sessions again) does not
// deadlock.
func TestExpirableMapOnEvictCanCallBackIntoMap(t *testing.T) {
	clk := clockwork.NewFakeClock()
	var m *ExpirableMap[string, expiringValue]
	var sawSurvivorDuringEvict bool

	m = NewExpirableMap[string, expiringValue](clk, func(key string, value expiringValue) {
		// Calling back into m from inside onEvict would deadlock if sweep
		// still held m.mu at this point.
		sawSurvivorDuringEvict = m.Contains("survivor")
	})

	m.Set("expiring", expiringValue{tag: "expiring", exp: NewExpiry(clk, time.Second)})
	m.Set("survivor", expiringValue{tag: "survivor", exp: NewExpiry(clk, time.Hour)})

	clk.Advance(2 * time.Second)

	done := make(chan struct{})
	go func() {
		m.Len()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("ExpirableMap deadlocked calling back into itself from onEvict")
	}

	require.True(t, sawSurvivorDuringEvict)
}

func TestExpirableMapSetEvictFuncInstallsAfterConstruction(t *testing.T) {
	clk := clockwork.NewFakeClock()
	m := NewExpirableMap[string, expiringValue](clk, nil)
	m.Set("x", expiringValue{tag: "x", exp: NewExpiry(clk, time.Second)})

	var evicted []string
	m.SetEvictFunc(func(key string, value expiringValue) {
		evicted = append(evicted, key)
	})

	clk.Advance(2 * time.Second)
	require.False(t, m.Contains("x"))
	require.Equal(t, []string{"x"}, evicted)
}

func TestExpirableMapDeleteDoesNotFireEvictionCallback(t *testing.T) {
	clk := clockwork.NewFakeClock()
	var evicted []string
	m := NewExpirableMap[string, expiringValue](clk, func(key string, value expiringValue) {
		evicted = append(evicted, key)
	})

	m.Set("x", expiringValue{tag: "x", exp: NewExpiry(clk, time.Hour)})
	m.Delete("x")

	require.Empty(t, evicted)
	require.False(t, m.Contains("x"))
}

func TestExpirableMapUpdateIsNoOpWhenAbsentOrExpired(t *testing.T) {
	clk := clockwork.NewFakeClock()
	m := NewExpirableMap[string, expiringValue](clk, nil)

	m.Update("missing", func(v expiringValue) expiringValue {
		t.Fatal("fn must not be called for an absent key")
		return v
	})

	m.Set("x", expiringValue{tag: "x", exp: NewExpiry(clk, time.Second)})
	m.Update("x", func(v expiringValue) expiringValue {
		v.tag = "updated"
		return v
	})
	v, ok := m.Get("x")
	require.True(t, ok)
	require.Equal(t, "updated", v.tag)

	clk.Advance(2 * time.Second)
	m.Update("x", func(v expiringValue) expiringValue {
		t.Fatal("fn must not be called for an expired key")
		return v
	})
	require.False(t, m.Contains("x"))
}
