// Package matching implements the pairing engine: the single writer of
// per-user matching state and the two category queues. Every check-and-pair
// or check-and-enqueue sequence runs inside one critical section, so two
// concurrent requests can never pair with the same waiting entry. Credit
// debits and room creation happen inside the section as well; client
// notifications are collected while locked and emitted only after release,
// so nobody observes a MATCHED user before the room exists.
package matching

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/duet/match-app/internal/credit"
	"github.com/duet/match-app/internal/metrics"
	"github.com/duet/match-app/internal/room"
)

// Ledger is the slice of the credit ledger the engine needs.
type Ledger interface {
	Balance(ctx context.Context, userID string) (int64, error)
	Use(ctx context.Context, userID string, amount int64, service, description string) (int64, error)
	Charge(ctx context.Context, userID string, amount int64, service, description string) (int64, error)
}

// Rooms is the slice of the room lifecycle manager the engine needs.
type Rooms interface {
	Create(ctx context.Context, userA, userB string) (*room.Room, error)
	Leave(ctx context.Context, roomID, userID string) (*room.Room, error)
}

// Notifier delivers events to users' live connections. Implementations must
// be safe for concurrent use; the engine never calls them while holding its
// lock.
type Notifier interface {
	MatchSuccess(userID, roomID, partnerID string, creditUsed int64)
	MatchStatus(userID string, isMatching bool)
	MatchCancelled(userID string)
	MatchError(userID, message string)
	ToggleResult(userID string, success, isMatching bool, message string)
	CreditUpdate(userID string, balance int64)
	PartnerLeft(userID, roomID string)
	ChatLeft(userID, roomID string)
}

// Config holds the engine tunables.
type Config struct {
	MatchCost    int64         // credits debited from each side at pairing
	AutoCooldown time.Duration // retry interval of the per-host auto loop
}

// Outcome reports what RequestMatch did.
type Outcome struct {
	Paired     bool
	RoomID     string
	PartnerID  string
	CreditUsed int64
}

// Engine serializes all matching state transitions.
type Engine struct {
	cfg      Config
	ledger   Ledger
	rooms    Rooms
	notifier Notifier

	mu     sync.Mutex
	states map[string]*userState
	queues map[Category]*fifoQueue

	baseCtx     context.Context
	stop        context.CancelFunc
	autoCancels map[string]context.CancelFunc

	now func() time.Time
}

// NewEngine creates an Engine. Stop must be called on shutdown to end the
// per-user auto loops.
func NewEngine(cfg Config, ledger Ledger, rooms Rooms, notifier Notifier) *Engine {
	baseCtx, stop := context.WithCancel(context.Background())
	return &Engine{
		cfg:      cfg,
		ledger:   ledger,
		rooms:    rooms,
		notifier: notifier,
		states:   make(map[string]*userState),
		queues: map[Category]*fifoQueue{
			CategoryGuest: newFifoQueue(),
			CategoryHost:  newFifoQueue(),
		},
		baseCtx:     baseCtx,
		stop:        stop,
		autoCancels: make(map[string]context.CancelFunc),
		now:         time.Now,
	}
}

// Stop cancels all background loops.
func (e *Engine) Stop() {
	e.stop()
}

// RequestMatch pairs the user with the oldest waiting entry of the
// complementary category, or enqueues them as WAITING if none exists.
// Returns ErrAlreadyWaiting / ErrAlreadyMatched without touching state, and
// credit.ErrInsufficientCredit when the balance is below the match cost.
func (e *Engine) RequestMatch(ctx context.Context, userID string, category Category) (*Outcome, error) {
	if !category.Valid() {
		return nil, ErrBadCategory
	}

	var notify []func()
	defer func() {
		for _, n := range notify {
			n()
		}
	}()

	e.mu.Lock()
	defer e.mu.Unlock()

	st := e.ensure(userID, category)
	if st.category != category {
		return nil, ErrCategoryMismatch
	}
	switch st.state {
	case StateWaiting:
		return nil, ErrAlreadyWaiting
	case StateMatched:
		return nil, ErrAlreadyMatched
	}

	balance, err := e.ledger.Balance(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("matching: balance check: %w", err)
	}
	if balance < e.cfg.MatchCost {
		return nil, credit.ErrInsufficientCredit
	}

	oppQueue := e.queues[category.Opposite()]
	for {
		partner := oppQueue.popOldest()
		if partner == nil {
			e.queues[category].push(&waiter{userID: userID, category: category, enqueuedAt: e.now()})
			st.state = StateWaiting
			st.unreachableSince = time.Time{}
			e.updateQueueGauges()

			uid := userID
			notify = append(notify, func() { e.notifier.MatchStatus(uid, true) })
			log.Printf("[engine] enqueued user=%s category=%s (queue=%d)", userID, category, e.queues[category].len())
			return &Outcome{Paired: false}, nil
		}

		outcome, retry, err := e.pair(ctx, st, partner, oppQueue, &notify)
		if retry {
			continue
		}
		return outcome, err
	}
}

// pair debits both sides, creates the room, and flips both states to MATCHED.
// It runs under the engine lock. On a debit or room-creation failure every
// partial effect is compensated before returning; retry=true means the popped
// partner could not pay and the caller should try the next-oldest entry.
func (e *Engine) pair(ctx context.Context, st *userState, partner *waiter, oppQueue *fifoQueue, notify *[]func()) (outcome *Outcome, retry bool, err error) {
	callerID := st.userID
	partnerID := partner.userID
	pst := e.ensure(partnerID, partner.category)

	// The state table is authoritative: a popped entry whose record is no
	// longer WAITING is stale and must not be paired or debited.
	if pst.state != StateWaiting {
		e.updateQueueGauges()
		log.Printf("[engine] skipped stale queue entry user=%s state=%s", partnerID, pst.state)
		return nil, true, nil
	}

	// Debit in user-id order so concurrent pairings acquire the per-user
	// balance row locks consistently.
	order := [2]string{callerID, partnerID}
	if partnerID < callerID {
		order[0], order[1] = partnerID, callerID
	}

	balances := make(map[string]int64, 2)
	var debited []string
	var debitErr error
	var failedUser string
	for _, uid := range order {
		bal, uerr := e.ledger.Use(ctx, uid, e.cfg.MatchCost, credit.ServiceMatching,
			fmt.Sprintf("match with %s", otherOf(uid, callerID, partnerID)))
		if uerr != nil {
			debitErr = uerr
			failedUser = uid
			break
		}
		balances[uid] = bal
		debited = append(debited, uid)
	}

	if debitErr != nil {
		e.refund(ctx, debited, "pairing rollback")

		if failedUser == callerID {
			// The caller could not pay: put the partner back at the head of
			// the queue and surface the error. Nothing changed for either.
			oppQueue.pushFront(partner)
			return nil, false, debitErr
		}

		// The popped partner could not pay (balance dropped since they
		// enqueued). Drop them to IDLE, tell them, and retry with the next
		// oldest entry.
		pst.state = StateIdle
		e.updateQueueGauges()
		pid := partnerID
		*notify = append(*notify, func() {
			e.notifier.MatchError(pid, "insufficient credit")
			e.notifier.MatchStatus(pid, false)
		})
		log.Printf("[engine] partner %s dropped during pairing: %v", partnerID, debitErr)
		return nil, true, nil
	}

	r, rerr := e.rooms.Create(ctx, callerID, partnerID)
	if rerr != nil {
		// Roll back the pairing: refund both debits and restore the partner
		// to the head of the queue, still WAITING.
		e.refund(ctx, debited, "room creation rollback")
		oppQueue.pushFront(partner)
		return nil, false, fmt.Errorf("matching: create room: %w", rerr)
	}

	st.state = StateMatched
	st.roomID = r.ID
	pst.state = StateMatched
	pst.roomID = r.ID
	e.updateQueueGauges()
	metrics.MatchesTotal.Inc()
	metrics.ActiveRooms.Inc()
	metrics.MatchWaitSeconds.Observe(e.now().Sub(partner.enqueuedAt).Seconds())

	cost := e.cfg.MatchCost
	roomID := r.ID
	callerBal, partnerBal := balances[callerID], balances[partnerID]
	cid, pid := callerID, partnerID
	*notify = append(*notify, func() {
		e.notifier.MatchSuccess(cid, roomID, pid, cost)
		e.notifier.MatchSuccess(pid, roomID, cid, cost)
		e.notifier.CreditUpdate(cid, callerBal)
		e.notifier.CreditUpdate(pid, partnerBal)
	})

	log.Printf("[engine] paired %s and %s in room %s (cost=%d each)", callerID, partnerID, r.ID, cost)
	return &Outcome{Paired: true, RoomID: r.ID, PartnerID: partnerID, CreditUsed: cost}, false, nil
}

// refund compensates already-applied pairing debits. Refund failures are
// logged loudly; the ledger itself stays internally consistent either way.
func (e *Engine) refund(ctx context.Context, userIDs []string, description string) {
	for _, uid := range userIDs {
		if _, err := e.ledger.Charge(ctx, uid, e.cfg.MatchCost, credit.ServiceMatchRefund, description); err != nil {
			log.Printf("[engine] REFUND FAILED user=%s amount=%d: %v", uid, e.cfg.MatchCost, err)
		}
	}
}

// CancelMatch removes the user's waiting entry and resets them to IDLE. It is
// a no-op success when the user is not WAITING.
func (e *Engine) CancelMatch(ctx context.Context, userID string) error {
	var notify []func()
	defer func() {
		for _, n := range notify {
			n()
		}
	}()

	e.mu.Lock()
	defer e.mu.Unlock()

	st, ok := e.states[userID]
	if !ok || st.state != StateWaiting {
		return nil
	}

	e.queues[st.category].remove(userID)
	st.state = StateIdle
	e.updateQueueGauges()

	uid := userID
	notify = append(notify, func() {
		e.notifier.MatchCancelled(uid)
		e.notifier.MatchStatus(uid, false)
	})
	log.Printf("[engine] cancelled user=%s", userID)
	return nil
}

// Status is a pure read of the user's matching state. Reconnecting clients
// treat it as the source of truth instead of re-deriving state locally.
func (e *Engine) Status(userID string) (MatchState, string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	st, ok := e.states[userID]
	if !ok {
		return StateIdle, ""
	}
	return st.state, st.roomID
}

// ToggleAuto flips the continuous-search flag for a host. Disabling while
// WAITING also cancels the outstanding request; enabling does not enqueue
// immediately — the auto loop does that on its own cadence.
func (e *Engine) ToggleAuto(ctx context.Context, userID string, category Category, enabled bool) error {
	if !category.Valid() {
		return ErrBadCategory
	}
	if category != CategoryHost {
		return ErrAutoUnsupported
	}

	var notify []func()
	defer func() {
		for _, n := range notify {
			n()
		}
	}()

	e.mu.Lock()
	defer e.mu.Unlock()

	st := e.ensure(userID, category)
	if st.category != category {
		return ErrCategoryMismatch
	}
	st.autoEnabled = enabled

	if enabled {
		if _, running := e.autoCancels[userID]; !running {
			loopCtx, cancel := context.WithCancel(e.baseCtx)
			e.autoCancels[userID] = cancel
			go e.runAutoLoop(loopCtx, userID)
		}
	} else {
		if cancel, running := e.autoCancels[userID]; running {
			delete(e.autoCancels, userID)
			cancel()
		}
		if st.state == StateWaiting {
			e.queues[st.category].remove(userID)
			st.state = StateIdle
			e.updateQueueGauges()
			uid := userID
			notify = append(notify, func() { e.notifier.MatchCancelled(uid) })
		}
	}

	uid := userID
	isMatching := st.state == StateWaiting
	notify = append(notify, func() { e.notifier.ToggleResult(uid, true, isMatching, "") })
	log.Printf("[engine] auto mode user=%s enabled=%v", userID, enabled)
	return nil
}

// AutoEnabled reports the continuous-search flag for a user.
func (e *Engine) AutoEnabled(userID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.states[userID]
	return ok && st.autoEnabled
}

// LeaveRoom records the caller's exit from a room and frees them to request
// a new match. Idempotent: repeated leaves succeed without re-notifying the
// partner. The partner's MATCHED state is untouched until they leave too.
func (e *Engine) LeaveRoom(ctx context.Context, userID, roomID string) (*room.Room, error) {
	r, err := e.rooms.Leave(ctx, roomID, userID)
	if err != nil {
		return nil, err
	}

	var notify []func()
	defer func() {
		for _, n := range notify {
			n()
		}
	}()

	e.mu.Lock()
	defer e.mu.Unlock()

	st, ok := e.states[userID]
	firstLeave := ok && st.state == StateMatched && st.roomID == roomID
	if firstLeave {
		st.state = StateIdle
		st.roomID = ""
	}

	partnerID := r.Partner(userID)
	uid, rid := userID, roomID
	notify = append(notify, func() { e.notifier.ChatLeft(uid, rid) })
	if firstLeave && partnerID != "" && !r.HasLeft(partnerID) {
		pid := partnerID
		notify = append(notify, func() { e.notifier.PartnerLeft(pid, rid) })
	}
	if firstLeave && r.Status() == room.StatusClosed {
		metrics.ActiveRooms.Dec()
	}

	log.Printf("[engine] user=%s left room=%s (status=%s)", userID, roomID, r.Status())
	return r, nil
}

// ensure returns the state record for a user, creating it on first contact.
func (e *Engine) ensure(userID string, category Category) *userState {
	st, ok := e.states[userID]
	if !ok {
		st = &userState{userID: userID, category: category}
		e.states[userID] = st
	}
	return st
}

// updateQueueGauges refreshes the per-category queue size metrics. Caller
// must hold e.mu.
func (e *Engine) updateQueueGauges() {
	metrics.MatchQueueSize.WithLabelValues(string(CategoryGuest)).Set(float64(e.queues[CategoryGuest].len()))
	metrics.MatchQueueSize.WithLabelValues(string(CategoryHost)).Set(float64(e.queues[CategoryHost].len()))
}

func otherOf(uid, a, b string) string {
	if uid == a {
		return b
	}
	return a
}
