// Package httpapi exposes the read/side-effect query surface over plain HTTP
// for clients that are not holding a WebSocket: match status, room state and
// history, photo unlocks, and the credit ledger. All endpoints require a
// Bearer token issued by the auth service.
package httpapi

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/duet/match-app/internal/auth"
	"github.com/duet/match-app/internal/credit"
	"github.com/duet/match-app/internal/matching"
	"github.com/duet/match-app/internal/ratelimit"
	"github.com/duet/match-app/internal/room"
)

// API bundles the handlers and their dependencies.
type API struct {
	verifier   *auth.Verifier
	engine     *matching.Engine
	rooms      *room.Manager
	ledger     *credit.Ledger
	limiter    *ratelimit.Limiter
	creditPush func(userID string, balance int64) // pushes credit_update to live connections
}

// New creates the API. The limiter may be nil in tests.
func New(verifier *auth.Verifier, engine *matching.Engine, rooms *room.Manager, ledger *credit.Ledger, limiter *ratelimit.Limiter) *API {
	return &API{
		verifier: verifier,
		engine:   engine,
		rooms:    rooms,
		ledger:   ledger,
		limiter:  limiter,
	}
}

// SetCreditPush registers a callback fired after any balance mutation, so
// the user's live connections see the new balance without polling.
func (a *API) SetCreditPush(fn func(userID string, balance int64)) {
	a.creditPush = fn
}

// Handler returns the API's routes mounted on a fresh mux.
func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/match/status", a.withAuth(a.handleMatchStatus))
	mux.HandleFunc("GET /api/rooms/{id}", a.withAuth(a.handleRoomStatus))
	mux.HandleFunc("GET /api/rooms/{id}/messages", a.withAuth(a.handleRoomHistory))
	mux.HandleFunc("GET /api/rooms/{id}/unlocks", a.withAuth(a.handleUnlockedSlots))
	mux.HandleFunc("POST /api/rooms/{id}/unlocks", a.withAuth(a.handleUnlockSlot))
	mux.HandleFunc("GET /api/credit/balance", a.withAuth(a.handleBalance))
	mux.HandleFunc("GET /api/credit/history", a.withAuth(a.handleLedgerHistory))
	mux.HandleFunc("POST /api/credit/charge", a.withAuth(a.handleCharge))
	return mux
}

// authedHandler receives the verified claims in addition to the request pair.
type authedHandler func(w http.ResponseWriter, r *http.Request, claims *auth.Claims)

// withAuth verifies the Bearer token and passes the claims through.
func (a *API) withAuth(next authedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}

		claims, err := a.verifier.Verify(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}

		next(w, r, claims)
	}
}

func (a *API) handleMatchStatus(w http.ResponseWriter, r *http.Request, claims *auth.Claims) {
	state, roomID := a.engine.Status(claims.UserID)

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"state":       state.String(),
		"is_matching": state == matching.StateWaiting,
		"room_id":     roomID,
	})
}

func (a *API) handleRoomStatus(w http.ResponseWriter, r *http.Request, claims *auth.Claims) {
	rm, err := a.rooms.GetForUser(r.Context(), r.PathValue("id"), claims.UserID)
	if err != nil {
		writeRoomError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"room_id":    rm.ID,
		"status":     string(rm.Status()),
		"partner_id": rm.Partner(claims.UserID),
		"you_left":   rm.HasLeft(claims.UserID),
		"created_at": rm.CreatedAt,
	})
}

func (a *API) handleRoomHistory(w http.ResponseWriter, r *http.Request, claims *auth.Claims) {
	msgs, err := a.rooms.History(r.Context(), r.PathValue("id"), claims.UserID)
	if err != nil {
		writeRoomError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"messages": msgs})
}

func (a *API) handleUnlockedSlots(w http.ResponseWriter, r *http.Request, claims *auth.Claims) {
	slots, err := a.rooms.UnlockedSlots(r.Context(), r.PathValue("id"), claims.UserID)
	if err != nil {
		writeRoomError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"slots": slots})
}

func (a *API) handleUnlockSlot(w http.ResponseWriter, r *http.Request, claims *auth.Claims) {
	if a.limiter != nil {
		allowed, _ := a.limiter.Allow(r.Context(), claims.UserID, ratelimit.RuleUnlock)
		if !allowed {
			writeError(w, http.StatusTooManyRequests, "rate limited")
			return
		}
	}

	var body struct {
		SlotIndex int `json:"slot_index"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if body.SlotIndex < 0 {
		writeError(w, http.StatusBadRequest, "slot_index must be >= 0")
		return
	}

	balance, err := a.rooms.UnlockSlot(r.Context(), r.PathValue("id"), claims.UserID, body.SlotIndex)
	switch {
	case errors.Is(err, room.ErrSlotUnlocked):
		// Idempotent: repeating an unlock reports success without a charge.
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"unlocked":        true,
			"already_charged": true,
		})
		return
	case errors.Is(err, credit.ErrInsufficientCredit):
		writeError(w, http.StatusPaymentRequired, "insufficient credit")
		return
	case err != nil:
		writeRoomError(w, err)
		return
	}

	if a.creditPush != nil {
		a.creditPush(claims.UserID, balance)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"unlocked": true,
		"balance":  balance,
	})
}

func (a *API) handleBalance(w http.ResponseWriter, r *http.Request, claims *auth.Claims) {
	// The balance read doubles as a ledger audit: a replayed sum that
	// disagrees with the cache is fatal for the request.
	if err := a.ledger.Verify(r.Context(), claims.UserID); err != nil {
		if errors.Is(err, credit.ErrLedgerInconsistent) {
			writeError(w, http.StatusInternalServerError, "ledger inconsistent")
			return
		}
		log.Printf("[api] ledger verify user=%s: %v", claims.UserID, err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	balance, err := a.ledger.Balance(r.Context(), claims.UserID)
	if err != nil {
		log.Printf("[api] balance user=%s: %v", claims.UserID, err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"balance": balance})
}

func (a *API) handleLedgerHistory(w http.ResponseWriter, r *http.Request, claims *auth.Claims) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 500 {
			writeError(w, http.StatusBadRequest, "limit must be 1..500")
			return
		}
		limit = n
	}

	txs, err := a.ledger.History(r.Context(), claims.UserID, limit)
	if err != nil {
		log.Printf("[api] ledger history user=%s: %v", claims.UserID, err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"transactions": txs})
}

// handleCharge records a credit purchase. Payment settlement happens
// upstream; this endpoint is called by the payment callback with the user's
// own token.
func (a *API) handleCharge(w http.ResponseWriter, r *http.Request, claims *auth.Claims) {
	var body struct {
		Amount      int64  `json:"amount"`
		Description string `json:"description"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if body.Amount <= 0 {
		writeError(w, http.StatusBadRequest, "amount must be positive")
		return
	}

	balance, err := a.ledger.Charge(r.Context(), claims.UserID, body.Amount, "purchase", body.Description)
	if err != nil {
		log.Printf("[api] charge user=%s amount=%d: %v", claims.UserID, body.Amount, err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	if a.creditPush != nil {
		a.creditPush(claims.UserID, balance)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"balance": balance})
}

func writeRoomError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, room.ErrRoomNotFound), errors.Is(err, room.ErrNotParticipant):
		// Non-participants cannot distinguish "no such room" from "not yours".
		writeError(w, http.StatusNotFound, "room not found")
	case errors.Is(err, room.ErrRoomClosed):
		writeError(w, http.StatusConflict, "room closed")
	default:
		log.Printf("[api] room error: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
