package room

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/duet/match-app/internal/credit"
	"github.com/duet/match-app/internal/metrics"
)

// MaxMessageLength caps a single chat message.
const MaxMessageLength = 2000

// Manager is the sole writer of room records.
type Manager struct {
	db         *sql.DB
	ledger     *credit.Ledger
	unlockCost int64
}

// NewManager creates a Manager using the shared database handle. The ledger
// is consulted for slot unlocks; unlockCost is the per-slot price.
func NewManager(db *sql.DB, ledger *credit.Ledger, unlockCost int64) *Manager {
	return &Manager{db: db, ledger: ledger, unlockCost: unlockCost}
}

// Create inserts a new room for a freshly paired couple and returns it.
// Invoked only by the pairing engine.
func (m *Manager) Create(ctx context.Context, userA, userB string) (*Room, error) {
	r := &Room{
		ID:        uuid.New().String(),
		UserA:     userA,
		UserB:     userB,
		CreatedAt: time.Now(),
	}
	_, err := m.db.ExecContext(ctx, `
		INSERT INTO chat_rooms (id, user_a, user_b, created_at)
		VALUES ($1, $2, $3, $4)`,
		r.ID, r.UserA, r.UserB, r.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("room: create: %w", err)
	}
	return r, nil
}

// Get returns a room by id.
func (m *Manager) Get(ctx context.Context, roomID string) (*Room, error) {
	return scanRoom(m.db.QueryRowContext(ctx, `
		SELECT id, user_a, user_b, a_left, b_left, created_at, closed_at
		FROM chat_rooms WHERE id = $1`, roomID))
}

// GetForUser returns a room only if the given user is a participant.
// Reconnecting clients use this to learn whether the partner already left.
func (m *Manager) GetForUser(ctx context.Context, roomID, userID string) (*Room, error) {
	r, err := m.Get(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if !r.IsParticipant(userID) {
		return nil, ErrNotParticipant
	}
	return r, nil
}

// Leave sets the caller's left flag. It is idempotent: leaving twice is a
// no-op success. When the second side leaves the room is closed. Returns the
// room as it looks after the update.
func (m *Manager) Leave(ctx context.Context, roomID, userID string) (*Room, error) {
	r, err := m.Get(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if !r.IsParticipant(userID) {
		return nil, ErrNotParticipant
	}

	column, other := "a_left", "b_left"
	if userID == r.UserB {
		column, other = "b_left", "a_left"
	}

	// Left flags are one-directional; closed_at is set exactly once, when the
	// second flag flips.
	row := m.db.QueryRowContext(ctx, fmt.Sprintf(`
		UPDATE chat_rooms
		SET %s = TRUE,
		    closed_at = COALESCE(closed_at, CASE WHEN %s THEN NOW() END)
		WHERE id = $1
		RETURNING id, user_a, user_b, a_left, b_left, created_at, closed_at`,
		column, other), roomID)

	return scanRoom(row)
}

// AppendMessage validates and stores a chat message, stamping it with the
// server receipt time. Messages are rejected once the room is closed, and
// from participants who already left.
func (m *Manager) AppendMessage(ctx context.Context, roomID, senderID, body string) (*Message, error) {
	if err := ValidateMessage(body); err != nil {
		return nil, err
	}

	r, err := m.Get(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if !r.IsParticipant(senderID) {
		return nil, ErrNotParticipant
	}
	if !r.Active() {
		return nil, ErrRoomClosed
	}

	msg := &Message{
		ID:        uuid.New().String(),
		RoomID:    roomID,
		SenderID:  senderID,
		Body:      body,
		CreatedAt: time.Now(),
	}
	_, err = m.db.ExecContext(ctx, `
		INSERT INTO room_messages (id, room_id, sender_id, body, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		msg.ID, msg.RoomID, msg.SenderID, msg.Body, msg.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("room: append message: %w", err)
	}
	metrics.MessagesTotal.Inc()
	return msg, nil
}

// History returns a room's messages in receipt order, oldest first. The
// caller must be a participant; history stays readable after the room closes.
func (m *Manager) History(ctx context.Context, roomID, userID string) ([]Message, error) {
	if _, err := m.GetForUser(ctx, roomID, userID); err != nil {
		return nil, err
	}

	rows, err := m.db.QueryContext(ctx, `
		SELECT id, room_id, sender_id, body, created_at
		FROM room_messages
		WHERE room_id = $1
		ORDER BY created_at, id`, roomID)
	if err != nil {
		return nil, fmt.Errorf("room: history: %w", err)
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var msg Message
		if err := rows.Scan(&msg.ID, &msg.RoomID, &msg.SenderID, &msg.Body, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("room: scan message: %w", err)
		}
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}

// UnlockSlot reveals one media slot of the partner's profile to the viewer.
// The unlock row insert and the credit debit run in one database transaction:
// a duplicate unlock hits the primary key, charges nothing, and returns
// ErrSlotUnlocked. Returns the viewer's new balance.
func (m *Manager) UnlockSlot(ctx context.Context, roomID, viewerID string, slotIndex int) (int64, error) {
	if slotIndex < 0 {
		return 0, fmt.Errorf("room: invalid slot index %d", slotIndex)
	}

	r, err := m.Get(ctx, roomID)
	if err != nil {
		return 0, err
	}
	if !r.IsParticipant(viewerID) {
		return 0, ErrNotParticipant
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("room: begin unlock: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO room_unlocks (room_id, viewer_id, slot_index)
		VALUES ($1, $2, $3)
		ON CONFLICT (room_id, viewer_id, slot_index) DO NOTHING`,
		roomID, viewerID, slotIndex)
	if err != nil {
		return 0, fmt.Errorf("room: insert unlock: %w", err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("room: unlock rows affected: %w", err)
	}
	if inserted == 0 {
		return 0, ErrSlotUnlocked
	}

	balance, err := m.ledger.UseTx(ctx, tx, viewerID, m.unlockCost,
		credit.ServiceProfileUnlock, fmt.Sprintf("unlock slot %d in room %s", slotIndex, roomID))
	if err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("room: commit unlock: %w", err)
	}
	metrics.CreditsUsedTotal.WithLabelValues(credit.ServiceProfileUnlock).Add(float64(m.unlockCost))
	return balance, nil
}

// UnlockedSlots returns the slot indices the viewer has unlocked in a room.
func (m *Manager) UnlockedSlots(ctx context.Context, roomID, viewerID string) ([]int, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT slot_index FROM room_unlocks
		WHERE room_id = $1 AND viewer_id = $2
		ORDER BY slot_index`, roomID, viewerID)
	if err != nil {
		return nil, fmt.Errorf("room: unlocked slots: %w", err)
	}
	defer rows.Close()

	var slots []int
	for rows.Next() {
		var idx int
		if err := rows.Scan(&idx); err != nil {
			return nil, fmt.Errorf("room: scan slot: %w", err)
		}
		slots = append(slots, idx)
	}
	return slots, rows.Err()
}

// ValidateMessage enforces the message content rules.
func ValidateMessage(body string) error {
	if body == "" {
		return errors.New("room: empty message")
	}
	if len(body) > MaxMessageLength {
		return fmt.Errorf("room: message exceeds %d bytes", MaxMessageLength)
	}
	return nil
}

func scanRoom(row *sql.Row) (*Room, error) {
	var r Room
	var closedAt sql.NullTime
	err := row.Scan(&r.ID, &r.UserA, &r.UserB, &r.ALeft, &r.BLeft, &r.CreatedAt, &closedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRoomNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("room: scan: %w", err)
	}
	if closedAt.Valid {
		t := closedAt.Time
		r.ClosedAt = &t
	}
	return &r, nil
}
