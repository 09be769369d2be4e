package matching

import (
	"context"
	"log"
	"time"
)

// Reachability answers whether a user currently has a live connection
// anywhere. The presence registry implements it.
type Reachability interface {
	Reachable(ctx context.Context, userID string) (bool, error)
}

// StartStaleSweep runs a background loop that cancels WAITING entries whose
// user has been unreachable for longer than grace. A dropped connection by
// itself never cancels anything — reconnecting within the grace period keeps
// the queue position.
func (e *Engine) StartStaleSweep(ctx context.Context, presence Reachability, grace, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				log.Println("[engine] stale sweep stopped")
				return
			case <-ticker.C:
				e.sweepStale(ctx, presence, grace)
			}
		}
	}()
}

// sweepStale checks every queued user's reachability. The presence lookup is
// network I/O, so it happens outside the engine lock; the state is re-checked
// under the lock before any decision.
func (e *Engine) sweepStale(ctx context.Context, presence Reachability, grace time.Duration) {
	e.mu.Lock()
	waiting := append(e.queues[CategoryGuest].userIDs(), e.queues[CategoryHost].userIDs()...)
	e.mu.Unlock()

	for _, uid := range waiting {
		reachable, err := presence.Reachable(ctx, uid)
		if err != nil {
			continue // fail open: never cancel on a presence backend error
		}

		e.mu.Lock()
		st, ok := e.states[uid]
		if !ok || st.state != StateWaiting {
			e.mu.Unlock()
			continue
		}
		if reachable {
			st.unreachableSince = time.Time{}
			e.mu.Unlock()
			continue
		}
		if st.unreachableSince.IsZero() {
			st.unreachableSince = e.now()
			e.mu.Unlock()
			continue
		}
		expired := e.now().Sub(st.unreachableSince) >= grace
		e.mu.Unlock()

		if expired {
			log.Printf("[engine] sweeping stale waiter user=%s (unreachable > %s)", uid, grace)
			_ = e.CancelMatch(ctx, uid)
		}
	}
}
