package presence

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_Lifecycle(t *testing.T) {
	r := NewRegistry()

	id := r.Register("10.0.0.1:5000")
	require.NotEmpty(t, id)

	s, ok := r.Get(id)
	require.True(t, ok)
	assert.False(t, s.Authenticated())
	assert.Equal(t, "10.0.0.1:5000", s.RemoteAddr)

	require.True(t, r.Attach(id, Identity{ExternalID: "42", DisplayName: "alice"}))
	s, _ = r.Get(id)
	assert.True(t, s.Authenticated())
	assert.Equal(t, "alice", s.DisplayName)

	ch := r.SetMining(id, true, "Turbo")
	assert.Equal(t, Change{Count: 1, Changed: true}, ch)

	ch = r.SetMining(id, true, "Nitro")
	assert.False(t, ch.Changed, "mode switch keeps the count")
	s, _ = r.Get(id)
	assert.Equal(t, "Nitro", s.Mode)

	removed, ch, ok := r.Remove(id)
	require.True(t, ok)
	assert.Equal(t, "42", removed.ClientID)
	assert.Equal(t, Change{Count: 0, Changed: true}, ch)

	_, ok = r.Get(id)
	assert.False(t, ok)
	assert.Zero(t, r.Len())
}

func TestRegistry_UnknownSession(t *testing.T) {
	r := NewRegistry()

	assert.False(t, r.Attach("missing", Identity{ExternalID: "1"}))
	assert.Equal(t, Change{}, r.SetMining("missing", true, "Basic"))
	_, _, ok := r.Remove("missing")
	assert.False(t, ok)
}

func TestRegistry_AuthenticatedOrder(t *testing.T) {
	r := NewRegistry()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	r.Now = func() time.Time {
		now = now.Add(time.Second)
		return now
	}

	a := r.Register("a")
	_ = r.Register("anonymous")
	b := r.Register("b")
	r.Attach(b, Identity{ExternalID: "b"})
	r.Attach(a, Identity{ExternalID: "a"})

	got := r.Authenticated()
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].ClientID)
	assert.Equal(t, "b", got[1].ClientID)
	assert.ElementsMatch(t, []string{b}, r.SessionsOf("b"))
}

func TestRegistry_CountMatchesFlagsUnderConcurrency(t *testing.T) {
	r := NewRegistry()
	ids := make([]string, 50)
	for i := range ids {
		ids[i] = r.Register("x")
	}

	var wg sync.WaitGroup
	for i, id := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.SetMining(id, true, "Basic")
			if i%2 == 0 {
				r.SetMining(id, false, "")
			}
			if i%5 == 0 {
				r.Remove(id)
			}
		}()
	}
	wg.Wait()

	want := 0
	for _, id := range ids {
		if s, ok := r.Get(id); ok && s.Mining {
			want++
		}
	}
	assert.Equal(t, want, r.Count())
	assert.Equal(t, 20, r.Count())
}

func TestRegistry_CountScansFlags(t *testing.T) {
	r := NewRegistry()
	a := r.Register("a")
	b := r.Register("b")
	r.SetMining(a, true, "Basic")
	require.Equal(t, 1, r.Count())

	// a flag changed without going through SetMining still shows up
	r.mu.Lock()
	r.sessions[b].Mining = true
	r.mu.Unlock()
	assert.Equal(t, 2, r.Count())
}
