package matching

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duet/match-app/internal/credit"
	"github.com/duet/match-app/internal/room"
)

// fakeLedger is an in-memory ledger with the same conditional-debit semantics
// as the real one.
type fakeLedger struct {
	mu       sync.Mutex
	balances map[string]int64
	useErr   map[string]error // forced Use failure per user
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		balances: make(map[string]int64),
		useErr:   make(map[string]error),
	}
}

func (l *fakeLedger) set(userID string, balance int64) {
	l.mu.Lock()
	l.balances[userID] = balance
	l.mu.Unlock()
}

func (l *fakeLedger) get(userID string) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[userID]
}

func (l *fakeLedger) Balance(ctx context.Context, userID string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[userID], nil
}

func (l *fakeLedger) Use(ctx context.Context, userID string, amount int64, service, description string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.useErr[userID]; err != nil {
		return 0, err
	}
	if l.balances[userID] < amount {
		return 0, credit.ErrInsufficientCredit
	}
	l.balances[userID] -= amount
	return l.balances[userID], nil
}

func (l *fakeLedger) Charge(ctx context.Context, userID string, amount int64, service, description string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[userID] += amount
	return l.balances[userID], nil
}

// fakeRooms stores rooms in memory and applies the per-side leave semantics.
type fakeRooms struct {
	mu        sync.Mutex
	rooms     map[string]*room.Room
	nextID    int
	createErr error
}

func newFakeRooms() *fakeRooms {
	return &fakeRooms{rooms: make(map[string]*room.Room)}
}

func (f *fakeRooms) Create(ctx context.Context, userA, userB string) (*room.Room, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.nextID++
	r := &room.Room{
		ID:        fmt.Sprintf("room-%d", f.nextID),
		UserA:     userA,
		UserB:     userB,
		CreatedAt: time.Now(),
	}
	f.rooms[r.ID] = r
	return r, nil
}

func (f *fakeRooms) Leave(ctx context.Context, roomID, userID string) (*room.Room, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.rooms[roomID]
	if !ok {
		return nil, room.ErrRoomNotFound
	}
	if !r.IsParticipant(userID) {
		return nil, room.ErrNotParticipant
	}
	if userID == r.UserA {
		r.ALeft = true
	} else {
		r.BLeft = true
	}
	if r.ALeft && r.BLeft && r.ClosedAt == nil {
		now := time.Now()
		r.ClosedAt = &now
	}
	snapshot := *r
	return &snapshot, nil
}

func (f *fakeRooms) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.rooms)
}

// recordingNotifier captures every notification in call order.
type recordingNotifier struct {
	mu    sync.Mutex
	calls []string
}

func (n *recordingNotifier) record(format string, args ...interface{}) {
	n.mu.Lock()
	n.calls = append(n.calls, fmt.Sprintf(format, args...))
	n.mu.Unlock()
}

func (n *recordingNotifier) MatchSuccess(userID, roomID, partnerID string, creditUsed int64) {
	n.record("match_success:%s:%s:%s", userID, roomID, partnerID)
}
func (n *recordingNotifier) MatchStatus(userID string, isMatching bool) {
	n.record("match_status:%s:%v", userID, isMatching)
}
func (n *recordingNotifier) MatchCancelled(userID string) { n.record("match_cancelled:%s", userID) }
func (n *recordingNotifier) MatchError(userID, message string) {
	n.record("match_error:%s:%s", userID, message)
}
func (n *recordingNotifier) ToggleResult(userID string, success, isMatching bool, message string) {
	n.record("toggle_result:%s:%v:%v", userID, success, isMatching)
}
func (n *recordingNotifier) CreditUpdate(userID string, balance int64) {
	n.record("credit_update:%s:%d", userID, balance)
}
func (n *recordingNotifier) PartnerLeft(userID, roomID string) {
	n.record("partner_left:%s:%s", userID, roomID)
}
func (n *recordingNotifier) ChatLeft(userID, roomID string) {
	n.record("chat_left:%s:%s", userID, roomID)
}

func (n *recordingNotifier) has(call string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, c := range n.calls {
		if c == call {
			return true
		}
	}
	return false
}

func newTestEngine(t *testing.T) (*Engine, *fakeLedger, *fakeRooms, *recordingNotifier) {
	t.Helper()
	ledger := newFakeLedger()
	rooms := newFakeRooms()
	notifier := &recordingNotifier{}
	e := NewEngine(Config{MatchCost: 100, AutoCooldown: 10 * time.Millisecond}, ledger, rooms, notifier)
	t.Cleanup(e.Stop)
	return e, ledger, rooms, notifier
}

func TestRequestMatch_EnqueuesWhenNoPartner(t *testing.T) {
	e, ledger, _, notifier := newTestEngine(t)
	ledger.set("g1", 500)

	out, err := e.RequestMatch(context.Background(), "g1", CategoryGuest)
	require.NoError(t, err)
	assert.False(t, out.Paired)

	state, _ := e.Status("g1")
	assert.Equal(t, StateWaiting, state)
	assert.True(t, notifier.has("match_status:g1:true"))

	// No debit until a pairing actually forms.
	assert.Equal(t, int64(500), ledger.get("g1"))
}

func TestRequestMatch_PairsWithOldestWaiting(t *testing.T) {
	e, ledger, _, notifier := newTestEngine(t)
	ledger.set("h1", 300)
	ledger.set("h2", 300)
	ledger.set("g1", 300)

	_, err := e.RequestMatch(context.Background(), "h1", CategoryHost)
	require.NoError(t, err)
	_, err = e.RequestMatch(context.Background(), "h2", CategoryHost)
	require.NoError(t, err)

	out, err := e.RequestMatch(context.Background(), "g1", CategoryGuest)
	require.NoError(t, err)
	require.True(t, out.Paired)
	assert.Equal(t, "h1", out.PartnerID, "oldest waiting entry wins")
	assert.Equal(t, int64(100), out.CreditUsed)

	// Both sides debited, both MATCHED, h2 still waiting untouched.
	assert.Equal(t, int64(200), ledger.get("g1"))
	assert.Equal(t, int64(200), ledger.get("h1"))
	assert.Equal(t, int64(300), ledger.get("h2"))

	gState, gRoom := e.Status("g1")
	hState, hRoom := e.Status("h1")
	assert.Equal(t, StateMatched, gState)
	assert.Equal(t, StateMatched, hState)
	assert.Equal(t, gRoom, hRoom)

	h2State, _ := e.Status("h2")
	assert.Equal(t, StateWaiting, h2State)

	assert.True(t, notifier.has("match_success:g1:"+out.RoomID+":h1"))
	assert.True(t, notifier.has("match_success:h1:"+out.RoomID+":g1"))
	assert.True(t, notifier.has("credit_update:g1:200"))
	assert.True(t, notifier.has("credit_update:h1:200"))
}

func TestRequestMatch_InsufficientCredit(t *testing.T) {
	e, ledger, _, _ := newTestEngine(t)
	ledger.set("g1", 99)

	_, err := e.RequestMatch(context.Background(), "g1", CategoryGuest)
	assert.ErrorIs(t, err, credit.ErrInsufficientCredit)

	state, _ := e.Status("g1")
	assert.Equal(t, StateIdle, state)
}

func TestRequestMatch_AlreadyWaiting(t *testing.T) {
	e, ledger, _, _ := newTestEngine(t)
	ledger.set("g1", 500)

	_, err := e.RequestMatch(context.Background(), "g1", CategoryGuest)
	require.NoError(t, err)

	_, err = e.RequestMatch(context.Background(), "g1", CategoryGuest)
	assert.ErrorIs(t, err, ErrAlreadyWaiting)
}

func TestRequestMatch_AlreadyMatched(t *testing.T) {
	e, ledger, _, _ := newTestEngine(t)
	ledger.set("g1", 500)
	ledger.set("h1", 500)

	_, err := e.RequestMatch(context.Background(), "h1", CategoryHost)
	require.NoError(t, err)
	_, err = e.RequestMatch(context.Background(), "g1", CategoryGuest)
	require.NoError(t, err)

	_, err = e.RequestMatch(context.Background(), "g1", CategoryGuest)
	assert.ErrorIs(t, err, ErrAlreadyMatched)
}

func TestRequestMatch_BadCategory(t *testing.T) {
	e, _, _, _ := newTestEngine(t)

	_, err := e.RequestMatch(context.Background(), "u1", Category("alien"))
	assert.ErrorIs(t, err, ErrBadCategory)
}

func TestRequestMatch_CategoryPinnedAtFirstContact(t *testing.T) {
	e, ledger, rooms, _ := newTestEngine(t)
	ledger.set("x", 500)
	ledger.set("h1", 500)

	// x is first seen as a host via the toggle, so a guest-side request from
	// the same user must be rejected rather than land in the guest queue.
	require.NoError(t, e.ToggleAuto(context.Background(), "x", CategoryHost, true))
	require.NoError(t, e.ToggleAuto(context.Background(), "x", CategoryHost, false))

	_, err := e.RequestMatch(context.Background(), "x", CategoryGuest)
	assert.ErrorIs(t, err, ErrCategoryMismatch)

	state, _ := e.Status("x")
	assert.Equal(t, StateIdle, state)

	// A host arriving afterwards finds no guest: x was never enqueued, never
	// paired, never debited.
	out, err := e.RequestMatch(context.Background(), "h1", CategoryHost)
	require.NoError(t, err)
	assert.False(t, out.Paired)
	assert.Equal(t, int64(500), ledger.get("x"))
	assert.Equal(t, 0, rooms.count())
}

func TestToggleAuto_RejectsCategoryChange(t *testing.T) {
	e, ledger, _, _ := newTestEngine(t)
	ledger.set("g1", 500)

	_, err := e.RequestMatch(context.Background(), "g1", CategoryGuest)
	require.NoError(t, err)

	err = e.ToggleAuto(context.Background(), "g1", CategoryHost, true)
	assert.ErrorIs(t, err, ErrCategoryMismatch)
	assert.False(t, e.AutoEnabled("g1"))

	// The waiting entry is untouched and still cancellable.
	require.NoError(t, e.CancelMatch(context.Background(), "g1"))
	state, _ := e.Status("g1")
	assert.Equal(t, StateIdle, state)
}

func TestRequestMatch_SkipsStaleQueueEntry(t *testing.T) {
	e, ledger, rooms, _ := newTestEngine(t)
	ledger.set("g1", 500)
	ledger.set("h1", 500)

	_, err := e.RequestMatch(context.Background(), "g1", CategoryGuest)
	require.NoError(t, err)

	// Simulate a drifted record: the state flipped without the queue entry
	// being removed. The state table must win.
	e.mu.Lock()
	e.states["g1"].state = StateIdle
	e.mu.Unlock()

	out, err := e.RequestMatch(context.Background(), "h1", CategoryHost)
	require.NoError(t, err)
	assert.False(t, out.Paired, "stale entry must not be paired")

	hState, _ := e.Status("h1")
	assert.Equal(t, StateWaiting, hState)
	assert.Equal(t, int64(500), ledger.get("g1"))
	assert.Equal(t, 0, rooms.count())
}

func TestRequestMatch_SkipsPartnerWhoCannotPay(t *testing.T) {
	e, ledger, _, notifier := newTestEngine(t)
	ledger.set("h1", 100)
	ledger.set("h2", 300)
	ledger.set("g1", 300)

	_, err := e.RequestMatch(context.Background(), "h1", CategoryHost)
	require.NoError(t, err)
	_, err = e.RequestMatch(context.Background(), "h2", CategoryHost)
	require.NoError(t, err)

	// h1's balance drops below the cost while they wait.
	ledger.set("h1", 0)

	out, err := e.RequestMatch(context.Background(), "g1", CategoryGuest)
	require.NoError(t, err)
	require.True(t, out.Paired)
	assert.Equal(t, "h2", out.PartnerID, "broke partner skipped, next oldest used")

	// h1 dropped to IDLE and told why; nothing was kept from the failed debit.
	h1State, _ := e.Status("h1")
	assert.Equal(t, StateIdle, h1State)
	assert.Equal(t, int64(0), ledger.get("h1"))
	assert.True(t, notifier.has("match_error:h1:insufficient credit"))
	assert.True(t, notifier.has("match_status:h1:false"))
}

func TestRequestMatch_RoomCreateFailureRollsBack(t *testing.T) {
	e, ledger, rooms, _ := newTestEngine(t)
	ledger.set("h1", 300)
	ledger.set("g1", 300)

	_, err := e.RequestMatch(context.Background(), "h1", CategoryHost)
	require.NoError(t, err)

	rooms.createErr = errors.New("db down")

	_, err = e.RequestMatch(context.Background(), "g1", CategoryGuest)
	require.Error(t, err)

	// Both debits compensated, partner restored to WAITING, caller untouched.
	assert.Equal(t, int64(300), ledger.get("g1"))
	assert.Equal(t, int64(300), ledger.get("h1"))

	h1State, _ := e.Status("h1")
	g1State, _ := e.Status("g1")
	assert.Equal(t, StateWaiting, h1State)
	assert.Equal(t, StateIdle, g1State)

	// The restored partner is still first in line.
	rooms.createErr = nil
	out, err := e.RequestMatch(context.Background(), "g1", CategoryGuest)
	require.NoError(t, err)
	assert.True(t, out.Paired)
	assert.Equal(t, "h1", out.PartnerID)
}

func TestCancelMatch(t *testing.T) {
	e, ledger, _, notifier := newTestEngine(t)
	ledger.set("g1", 500)

	_, err := e.RequestMatch(context.Background(), "g1", CategoryGuest)
	require.NoError(t, err)

	require.NoError(t, e.CancelMatch(context.Background(), "g1"))

	state, _ := e.Status("g1")
	assert.Equal(t, StateIdle, state)
	assert.True(t, notifier.has("match_cancelled:g1"))

	// Cancelled entry is gone: a host arriving now just enqueues.
	ledger.set("h1", 500)
	out, err := e.RequestMatch(context.Background(), "h1", CategoryHost)
	require.NoError(t, err)
	assert.False(t, out.Paired)
}

func TestCancelMatch_NoopWhenNotWaiting(t *testing.T) {
	e, _, _, notifier := newTestEngine(t)

	require.NoError(t, e.CancelMatch(context.Background(), "stranger"))
	assert.False(t, notifier.has("match_cancelled:stranger"))
}

func TestLeaveRoom(t *testing.T) {
	e, ledger, _, notifier := newTestEngine(t)
	ledger.set("h1", 300)
	ledger.set("g1", 300)

	_, err := e.RequestMatch(context.Background(), "h1", CategoryHost)
	require.NoError(t, err)
	out, err := e.RequestMatch(context.Background(), "g1", CategoryGuest)
	require.NoError(t, err)

	r, err := e.LeaveRoom(context.Background(), "g1", out.RoomID)
	require.NoError(t, err)
	assert.Equal(t, room.StatusPartnerLeft, r.Status())

	// Leaver is free again, partner keeps their MATCHED state.
	gState, _ := e.Status("g1")
	hState, _ := e.Status("h1")
	assert.Equal(t, StateIdle, gState)
	assert.Equal(t, StateMatched, hState)

	assert.True(t, notifier.has("chat_left:g1:"+out.RoomID))
	assert.True(t, notifier.has("partner_left:h1:"+out.RoomID))

	// Second leave closes the room without notifying the already-gone side.
	r, err = e.LeaveRoom(context.Background(), "h1", out.RoomID)
	require.NoError(t, err)
	assert.Equal(t, room.StatusClosed, r.Status())
	assert.False(t, notifier.has("partner_left:g1:"+out.RoomID))
}

func TestLeaveRoom_Idempotent(t *testing.T) {
	e, ledger, _, _ := newTestEngine(t)
	ledger.set("h1", 300)
	ledger.set("g1", 300)

	_, err := e.RequestMatch(context.Background(), "h1", CategoryHost)
	require.NoError(t, err)
	out, err := e.RequestMatch(context.Background(), "g1", CategoryGuest)
	require.NoError(t, err)

	_, err = e.LeaveRoom(context.Background(), "g1", out.RoomID)
	require.NoError(t, err)
	_, err = e.LeaveRoom(context.Background(), "g1", out.RoomID)
	require.NoError(t, err)
}

func TestLeaveRoom_NotParticipant(t *testing.T) {
	e, ledger, _, _ := newTestEngine(t)
	ledger.set("h1", 300)
	ledger.set("g1", 300)

	_, err := e.RequestMatch(context.Background(), "h1", CategoryHost)
	require.NoError(t, err)
	out, err := e.RequestMatch(context.Background(), "g1", CategoryGuest)
	require.NoError(t, err)

	_, err = e.LeaveRoom(context.Background(), "intruder", out.RoomID)
	assert.ErrorIs(t, err, room.ErrNotParticipant)
}

func TestConcurrentPairing(t *testing.T) {
	e, ledger, rooms, _ := newTestEngine(t)

	const n = 25
	for i := 0; i < n; i++ {
		ledger.set(fmt.Sprintf("g%d", i), 100)
		ledger.set(fmt.Sprintf("h%d", i), 100)
	}

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			_, _ = e.RequestMatch(context.Background(), fmt.Sprintf("g%d", i), CategoryGuest)
		}(i)
		go func(i int) {
			defer wg.Done()
			_, _ = e.RequestMatch(context.Background(), fmt.Sprintf("h%d", i), CategoryHost)
		}(i)
	}
	wg.Wait()

	// Exactly n rooms, every user matched exactly once, every balance zero.
	assert.Equal(t, n, rooms.count())
	for i := 0; i < n; i++ {
		gState, _ := e.Status(fmt.Sprintf("g%d", i))
		hState, _ := e.Status(fmt.Sprintf("h%d", i))
		assert.Equal(t, StateMatched, gState)
		assert.Equal(t, StateMatched, hState)
		assert.Equal(t, int64(0), ledger.get(fmt.Sprintf("g%d", i)))
		assert.Equal(t, int64(0), ledger.get(fmt.Sprintf("h%d", i)))
	}
}

func TestToggleAuto_HostOnly(t *testing.T) {
	e, _, _, _ := newTestEngine(t)

	err := e.ToggleAuto(context.Background(), "g1", CategoryGuest, true)
	assert.ErrorIs(t, err, ErrAutoUnsupported)
	assert.False(t, e.AutoEnabled("g1"))
}

func TestToggleAuto_EnableDisable(t *testing.T) {
	e, ledger, _, notifier := newTestEngine(t)
	ledger.set("h1", 500)

	require.NoError(t, e.ToggleAuto(context.Background(), "h1", CategoryHost, true))
	assert.True(t, e.AutoEnabled("h1"))
	assert.True(t, notifier.has("toggle_result:h1:true:false"))

	require.NoError(t, e.ToggleAuto(context.Background(), "h1", CategoryHost, false))
	assert.False(t, e.AutoEnabled("h1"))
}

func TestToggleAuto_DisableWhileWaitingCancels(t *testing.T) {
	e, ledger, _, notifier := newTestEngine(t)
	ledger.set("h1", 500)

	_, err := e.RequestMatch(context.Background(), "h1", CategoryHost)
	require.NoError(t, err)
	require.NoError(t, e.ToggleAuto(context.Background(), "h1", CategoryHost, true))

	require.NoError(t, e.ToggleAuto(context.Background(), "h1", CategoryHost, false))

	state, _ := e.Status("h1")
	assert.Equal(t, StateIdle, state)
	assert.True(t, notifier.has("match_cancelled:h1"))
}

func TestAutoLoop_PairsIdleHost(t *testing.T) {
	e, ledger, _, _ := newTestEngine(t)
	ledger.set("h1", 500)
	ledger.set("g1", 500)

	_, err := e.RequestMatch(context.Background(), "g1", CategoryGuest)
	require.NoError(t, err)

	require.NoError(t, e.ToggleAuto(context.Background(), "h1", CategoryHost, true))

	require.Eventually(t, func() bool {
		state, _ := e.Status("h1")
		return state == StateMatched
	}, 2*time.Second, 10*time.Millisecond)

	gState, _ := e.Status("g1")
	assert.Equal(t, StateMatched, gState)
}

func TestAutoLoop_DisablesOnInsufficientCredit(t *testing.T) {
	e, ledger, _, notifier := newTestEngine(t)
	ledger.set("h1", 50) // below the match cost

	require.NoError(t, e.ToggleAuto(context.Background(), "h1", CategoryHost, true))

	require.Eventually(t, func() bool {
		return !e.AutoEnabled("h1")
	}, 2*time.Second, 10*time.Millisecond)

	assert.True(t, notifier.has("toggle_result:h1:true:false"))
}
