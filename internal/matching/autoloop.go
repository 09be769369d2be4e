package matching

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/duet/match-app/internal/credit"
)

// runAutoLoop is the continuous-search watcher for one host. It attempts a
// match on every cooldown tick while the flag stays set and the user is IDLE.
// Errors never shorten the cooldown.
func (e *Engine) runAutoLoop(ctx context.Context, userID string) {
	log.Printf("[automatch] loop started user=%s cooldown=%s", userID, e.cfg.AutoCooldown)

	ticker := time.NewTicker(e.cfg.AutoCooldown)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Printf("[automatch] loop stopped user=%s", userID)
			return
		case <-ticker.C:
			e.autoAttempt(ctx, userID)
		}
	}
}

// autoAttempt performs one tick of the loop: request a match if the user is
// still IDLE with the flag set. Already* errors are benign — another path
// advanced the state between ticks. An insufficient balance flips the flag
// off and tells the client, so a broke host does not spin forever.
func (e *Engine) autoAttempt(ctx context.Context, userID string) {
	e.mu.Lock()
	st, ok := e.states[userID]
	if !ok || !st.autoEnabled || st.state != StateIdle {
		e.mu.Unlock()
		return
	}
	st.lastAutoAttemptAt = e.now()
	category := st.category
	e.mu.Unlock()

	_, err := e.RequestMatch(ctx, userID, category)
	switch {
	case err == nil:
	case errors.Is(err, ErrAlreadyWaiting), errors.Is(err, ErrAlreadyMatched):
		// Benign: state moved on between the check and the request.
	case errors.Is(err, credit.ErrInsufficientCredit):
		log.Printf("[automatch] user=%s out of credit, disabling", userID)
		e.disableAuto(userID, "insufficient credit for continuous search")
	default:
		log.Printf("[automatch] request for user=%s: %v", userID, err)
	}
}

// disableAuto flips the flag off on the engine's own initiative and pushes
// the result to the client without requiring any client action.
func (e *Engine) disableAuto(userID, reason string) {
	e.mu.Lock()
	if st, ok := e.states[userID]; ok {
		st.autoEnabled = false
	}
	cancel, running := e.autoCancels[userID]
	if running {
		delete(e.autoCancels, userID)
	}
	e.mu.Unlock()

	if running {
		cancel()
	}
	e.notifier.ToggleResult(userID, true, false, reason)
}
