package matching

import (
	"errors"
	"time"
)

// Category is one of the two complementary sides of a pairing. A guest is
// always matched with a host and vice versa.
type Category string

const (
	CategoryGuest Category = "guest"
	CategoryHost  Category = "host"
)

// Valid reports whether the category is one of the two known values.
func (c Category) Valid() bool {
	return c == CategoryGuest || c == CategoryHost
}

// Opposite returns the complementary category.
func (c Category) Opposite() Category {
	if c == CategoryGuest {
		return CategoryHost
	}
	return CategoryGuest
}

// MatchState is the per-user matching state.
type MatchState int

const (
	StateIdle MatchState = iota
	StateWaiting
	StateMatched
)

func (s MatchState) String() string {
	switch s {
	case StateWaiting:
		return "WAITING"
	case StateMatched:
		return "MATCHED"
	default:
		return "IDLE"
	}
}

// Error taxonomy. The Already* errors are benign: the caller's state is left
// untouched and clients resolve them by re-syncing via Status rather than
// showing a failure.
var (
	ErrAlreadyWaiting   = errors.New("matching: already waiting")
	ErrAlreadyMatched   = errors.New("matching: already matched")
	ErrAutoUnsupported  = errors.New("matching: continuous search is host-only")
	ErrBadCategory      = errors.New("matching: unknown category")
	ErrCategoryMismatch = errors.New("matching: category does not match user")
)

// userState is the coordinator-owned matching record, one per user.
type userState struct {
	userID            string
	category          Category
	state             MatchState
	roomID            string    // set iff state == StateMatched
	autoEnabled       bool      // continuous search flag (hosts only)
	lastAutoAttemptAt time.Time // cooldown bookkeeping for the auto loop
	unreachableSince  time.Time // zero while reachable; used by the stale sweep
}
