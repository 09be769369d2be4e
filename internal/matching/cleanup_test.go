package matching

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePresence struct {
	mu        sync.Mutex
	reachable map[string]bool
}

func (p *fakePresence) set(userID string, ok bool) {
	p.mu.Lock()
	p.reachable[userID] = ok
	p.mu.Unlock()
}

func (p *fakePresence) Reachable(ctx context.Context, userID string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reachable[userID], nil
}

func TestSweepStale_CancelsAfterGrace(t *testing.T) {
	e, ledger, _, notifier := newTestEngine(t)
	ledger.set("g1", 500)

	now := time.Now()
	e.now = func() time.Time { return now }

	_, err := e.RequestMatch(context.Background(), "g1", CategoryGuest)
	require.NoError(t, err)

	presence := &fakePresence{reachable: map[string]bool{"g1": false}}
	grace := time.Minute

	// First pass only starts the unreachable clock.
	e.sweepStale(context.Background(), presence, grace)
	state, _ := e.Status("g1")
	assert.Equal(t, StateWaiting, state)

	// Still within grace: nothing happens.
	now = now.Add(30 * time.Second)
	e.sweepStale(context.Background(), presence, grace)
	state, _ = e.Status("g1")
	assert.Equal(t, StateWaiting, state)

	// Past grace: the entry is swept.
	now = now.Add(31 * time.Second)
	e.sweepStale(context.Background(), presence, grace)
	state, _ = e.Status("g1")
	assert.Equal(t, StateIdle, state)
	assert.True(t, notifier.has("match_cancelled:g1"))
}

func TestSweepStale_ReconnectResetsClock(t *testing.T) {
	e, ledger, _, _ := newTestEngine(t)
	ledger.set("g1", 500)

	now := time.Now()
	e.now = func() time.Time { return now }

	_, err := e.RequestMatch(context.Background(), "g1", CategoryGuest)
	require.NoError(t, err)

	presence := &fakePresence{reachable: map[string]bool{"g1": false}}
	grace := time.Minute

	e.sweepStale(context.Background(), presence, grace)

	// The user comes back before the grace expires.
	now = now.Add(45 * time.Second)
	presence.set("g1", true)
	e.sweepStale(context.Background(), presence, grace)

	// Dropping again restarts the clock from zero.
	now = now.Add(45 * time.Second)
	presence.set("g1", false)
	e.sweepStale(context.Background(), presence, grace)

	state, _ := e.Status("g1")
	assert.Equal(t, StateWaiting, state, "grace must not accumulate across reconnects")
}

func TestSweepStale_ReachableUntouched(t *testing.T) {
	e, ledger, _, _ := newTestEngine(t)
	ledger.set("g1", 500)

	_, err := e.RequestMatch(context.Background(), "g1", CategoryGuest)
	require.NoError(t, err)

	presence := &fakePresence{reachable: map[string]bool{"g1": true}}
	e.sweepStale(context.Background(), presence, time.Nanosecond)

	state, _ := e.Status("g1")
	assert.Equal(t, StateWaiting, state)
}
