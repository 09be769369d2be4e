// Package room owns chat-room records: creation at pairing time, per-side
// exit tracking, the append-only message log, and the credit-gated unlock
// sub-ledger. Rooms are never deleted; once both sides have left they become
// immutable history whose messages stay queryable.
package room

import (
	"errors"
	"time"
)

// Room lifecycle states, derived from the two left flags.
const (
	StatusActive      = "ACTIVE"       // neither side has left
	StatusPartnerLeft = "PARTNER_LEFT" // exactly one side left
	StatusClosed      = "CLOSED"       // both sides left
)

var (
	// ErrRoomNotFound is returned for unknown room ids.
	ErrRoomNotFound = errors.New("room: not found")

	// ErrNotParticipant is returned when the caller is not one of the room's
	// two participants. Handlers surface it as access denied.
	ErrNotParticipant = errors.New("room: caller is not a participant")

	// ErrSlotUnlocked is returned when a slot was already unlocked by this
	// viewer. No credit is charged.
	ErrSlotUnlocked = errors.New("room: slot already unlocked")

	// ErrRoomClosed is returned when appending a message to a closed room.
	ErrRoomClosed = errors.New("room: closed")
)

// Room is one chat room between two paired users.
type Room struct {
	ID        string
	UserA     string
	UserB     string
	ALeft     bool
	BLeft     bool
	CreatedAt time.Time
	ClosedAt  *time.Time
}

// Status derives the lifecycle state from the left flags.
func (r *Room) Status() string {
	switch {
	case r.ALeft && r.BLeft:
		return StatusClosed
	case r.ALeft || r.BLeft:
		return StatusPartnerLeft
	default:
		return StatusActive
	}
}

// Active reports whether at least one side is still in the room.
func (r *Room) Active() bool {
	return r.Status() != StatusClosed
}

// IsParticipant checks whether a user is one of the room's two sides.
func (r *Room) IsParticipant(userID string) bool {
	return userID == r.UserA || userID == r.UserB
}

// Partner returns the other participant's id, or "" for non-participants.
func (r *Room) Partner(userID string) string {
	switch userID {
	case r.UserA:
		return r.UserB
	case r.UserB:
		return r.UserA
	}
	return ""
}

// HasLeft reports whether the given participant has already left.
func (r *Room) HasLeft(userID string) bool {
	switch userID {
	case r.UserA:
		return r.ALeft
	case r.UserB:
		return r.BLeft
	}
	return false
}

// Message is one entry of a room's append-only message log. CreatedAt is the
// server receipt time, which is also the ordering key.
type Message struct {
	ID        string
	RoomID    string
	SenderID  string
	Body      string
	CreatedAt time.Time
}
