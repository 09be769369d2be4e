// Package credit implements the credit ledger: an append-only transaction log
// plus a denormalized per-user balance. Every mutation appends exactly one
// transaction row and updates the cached balance inside the same database
// transaction, so the two can never diverge. Debits use a conditional update
// and fail without side effects when the balance would go negative.
package credit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/duet/match-app/internal/metrics"
)

// Transaction kinds.
const (
	KindCharge = "CHARGE"
	KindUse    = "USE"
)

// Services recorded on USE transactions.
const (
	ServiceMatching      = "matching"
	ServiceMatchRefund   = "matching-refund"
	ServiceProfileUnlock = "profile-unlock"
)

var (
	// ErrInsufficientCredit is returned when a debit would drive the balance
	// negative. Nothing is applied.
	ErrInsufficientCredit = errors.New("credit: insufficient balance")

	// ErrLedgerInconsistent is returned by Verify when the replayed ledger sum
	// does not equal the cached balance. This is fatal for the operation that
	// detected it; no partial debit is ever applied.
	ErrLedgerInconsistent = errors.New("credit: ledger and cached balance diverge")
)

// Tx is one row of the append-only transaction log.
type Tx struct {
	ID          string
	UserID      string
	Amount      int64
	Kind        string
	Service     string
	Description string
	CreatedAt   time.Time
}

// Ledger is the sole writer of credit transactions and balances.
type Ledger struct {
	db *sql.DB
}

// NewLedger creates a Ledger on the given database handle.
func NewLedger(db *sql.DB) *Ledger {
	return &Ledger{db: db}
}

// Balance returns the cached balance for a user. Users with no ledger
// activity have a balance of zero.
func (l *Ledger) Balance(ctx context.Context, userID string) (int64, error) {
	var balance int64
	err := l.db.QueryRowContext(ctx,
		`SELECT balance FROM credit_balances WHERE user_id = $1`, userID).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("credit: balance %s: %w", userID, err)
	}
	return balance, nil
}

// Charge appends a CHARGE transaction and increases the cached balance.
// Returns the new balance.
func (l *Ledger) Charge(ctx context.Context, userID string, amount int64, service, description string) (int64, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("credit: charge amount must be positive, got %d", amount)
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("credit: begin charge: %w", err)
	}
	defer tx.Rollback()

	var balance int64
	err = tx.QueryRowContext(ctx, `
		INSERT INTO credit_balances (user_id, balance, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (user_id)
		DO UPDATE SET balance = credit_balances.balance + $2, updated_at = NOW()
		RETURNING balance`,
		userID, amount).Scan(&balance)
	if err != nil {
		return 0, fmt.Errorf("credit: apply charge %s: %w", userID, err)
	}

	if err := insertTx(ctx, tx, userID, amount, KindCharge, service, description); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("credit: commit charge: %w", err)
	}
	return balance, nil
}

// Use appends a USE transaction and decreases the cached balance. The balance
// check and the decrement are a single conditional update: if the balance is
// too low the update matches no row and ErrInsufficientCredit is returned with
// nothing applied. Returns the new balance.
func (l *Ledger) Use(ctx context.Context, userID string, amount int64, service, description string) (int64, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("credit: begin use: %w", err)
	}
	defer tx.Rollback()

	balance, err := l.UseTx(ctx, tx, userID, amount, service, description)
	if err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("credit: commit use: %w", err)
	}
	metrics.CreditsUsedTotal.WithLabelValues(service).Add(float64(amount))
	return balance, nil
}

// UseTx is Use running inside a caller-supplied transaction. The room
// lifecycle manager uses it to make a slot unlock and its debit one atomic
// unit. The caller owns commit and rollback.
func (l *Ledger) UseTx(ctx context.Context, tx *sql.Tx, userID string, amount int64, service, description string) (int64, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("credit: use amount must be positive, got %d", amount)
	}
	if service == "" {
		return 0, fmt.Errorf("credit: use requires a service")
	}

	var balance int64
	err := tx.QueryRowContext(ctx, `
		UPDATE credit_balances
		SET balance = balance - $2, updated_at = NOW()
		WHERE user_id = $1 AND balance >= $2
		RETURNING balance`,
		userID, amount).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrInsufficientCredit
	}
	if err != nil {
		return 0, fmt.Errorf("credit: apply use %s: %w", userID, err)
	}

	if err := insertTx(ctx, tx, userID, amount, KindUse, service, description); err != nil {
		return 0, err
	}
	return balance, nil
}

// History returns the user's transactions, newest first.
func (l *Ledger) History(ctx context.Context, userID string, limit int) ([]Tx, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, user_id, amount, kind, service, description, created_at
		FROM credit_transactions
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`,
		userID, limit)
	if err != nil {
		return nil, fmt.Errorf("credit: history %s: %w", userID, err)
	}
	defer rows.Close()

	var txs []Tx
	for rows.Next() {
		var t Tx
		if err := rows.Scan(&t.ID, &t.UserID, &t.Amount, &t.Kind, &t.Service, &t.Description, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("credit: scan history: %w", err)
		}
		txs = append(txs, t)
	}
	return txs, rows.Err()
}

// Verify replays the ledger for a user and compares it against the cached
// balance. A mismatch is logged and reported as ErrLedgerInconsistent.
func (l *Ledger) Verify(ctx context.Context, userID string) error {
	var replayed sql.NullInt64
	err := l.db.QueryRowContext(ctx, `
		SELECT SUM(CASE kind WHEN 'CHARGE' THEN amount ELSE -amount END)
		FROM credit_transactions
		WHERE user_id = $1`,
		userID).Scan(&replayed)
	if err != nil {
		return fmt.Errorf("credit: replay %s: %w", userID, err)
	}

	cached, err := l.Balance(ctx, userID)
	if err != nil {
		return err
	}

	if replayed.Int64 != cached {
		log.Printf("[ledger] INCONSISTENT user=%s replayed=%d cached=%d", userID, replayed.Int64, cached)
		return ErrLedgerInconsistent
	}
	return nil
}

func insertTx(ctx context.Context, tx *sql.Tx, userID string, amount int64, kind, service, description string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO credit_transactions (id, user_id, amount, kind, service, description)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		uuid.New().String(), userID, amount, kind, service, description)
	if err != nil {
		return fmt.Errorf("credit: append transaction: %w", err)
	}
	return nil
}
