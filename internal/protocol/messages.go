// Package protocol defines the WebSocket message types exchanged between the
// client and the coordinator. All messages are serialized as JSON and follow a
// consistent envelope format with a type discriminator. The set of inbound
// types is closed: adding a new event means adding a constant, a struct, and a
// case to ParseClientMessage.
package protocol

import (
	"encoding/json"
	"fmt"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeAuthenticate     = "authenticate"
	TypeStartMatch       = "start_match"
	TypeCancelMatch      = "cancel_match"
	TypeCheckMatchStatus = "check_match_status"
	TypeToggleMatch      = "toggle_match"
	TypeJoinRoom         = "join-room"
	TypeLeaveChat        = "leave_chat"
	TypeSendMessage      = "send-message"
	TypePing             = "ping"
)

// Server -> Client message types.
const (
	TypeAuthenticated      = "authenticated"
	TypeCurrentMatchStatus = "current_match_status"
	TypeMatchSuccess       = "match_success"
	TypeMatchError         = "match_error"
	TypeMatchCancelled     = "match_cancelled"
	TypeCancelError        = "cancel_error"
	TypeToggleMatchResult  = "toggle_match_result"
	TypeCreditUpdate       = "credit_update"
	TypeNewMessage         = "new-message"
	TypePartnerLeft        = "partner_left"
	TypeChatLeft           = "chat_left"
	TypeUserDisconnected   = "user-disconnected"
	TypeError              = "error"
	TypePong               = "pong"
)

// ---------------------------------------------------------------------------
// Envelope — used for initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON implements the json.Unmarshaler interface. It captures the
// full raw bytes and extracts only the "type" field so that the rest of the
// payload can be decoded later into the appropriate concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// AuthenticateMsg binds a verified user identity to the connection. It must be
// the first message sent; every other event is rejected until the token is
// verified.
type AuthenticateMsg struct {
	Type   string `json:"type"`
	UserID string `json:"userId"`
	Token  string `json:"token"`
}

// StartMatchMsg requests pairing with the oldest waiting user of the
// complementary category.
type StartMatchMsg struct {
	Type string `json:"type"`
}

// CancelMatchMsg cancels an outstanding match request.
type CancelMatchMsg struct {
	Type string `json:"type"`
}

// CheckMatchStatusMsg asks for the current matching state. Reconnecting
// clients send this instead of re-deriving state locally.
type CheckMatchStatusMsg struct {
	Type string `json:"type"`
}

// ToggleMatchMsg enables or disables continuous search. Only the host
// category supports it.
type ToggleMatchMsg struct {
	Type      string `json:"type"`
	IsEnabled bool   `json:"isEnabled"`
	Category  string `json:"category"`
}

// JoinRoomMsg subscribes the connection to a room's event stream.
type JoinRoomMsg struct {
	Type   string `json:"type"`
	RoomID string `json:"roomId"`
}

// LeaveChatMsg marks the caller as having left the room. The partner may keep
// chatting; the caller becomes free to request a new match.
type LeaveChatMsg struct {
	Type   string `json:"type"`
	RoomID string `json:"roomId"`
}

// SendMessageMsg appends a chat message to a room.
type SendMessageMsg struct {
	Type    string `json:"type"`
	RoomID  string `json:"roomId"`
	Message string `json:"message"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// AuthenticatedMsg confirms the connection is bound to a user.
type AuthenticatedMsg struct {
	Type   string `json:"type"`
	UserID string `json:"userId"`
}

// CurrentMatchStatusMsg reports whether the user is currently waiting in the
// queue. Sent in response to check_match_status and whenever the waiting
// state changes without an explicit pairing outcome. RoomID is set when the
// user is already matched, so a re-syncing client can rejoin its room.
type CurrentMatchStatusMsg struct {
	Type       string `json:"type"`
	IsMatching bool   `json:"isMatching"`
	RoomID     string `json:"roomId,omitempty"`
}

// MatchSuccessMsg is sent to both sides when a pairing forms.
type MatchSuccessMsg struct {
	Type       string `json:"type"`
	RoomID     string `json:"roomId"`
	Partner    string `json:"partner"`
	CreditUsed int64  `json:"creditUsed"`
}

// MatchErrorMsg reports a failed match request.
type MatchErrorMsg struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// MatchCancelledMsg confirms a cancellation.
type MatchCancelledMsg struct {
	Type string `json:"type"`
}

// CancelErrorMsg reports a failed cancellation.
type CancelErrorMsg struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// ToggleMatchResultMsg reports the outcome of a toggle_match request, or of an
// auto-disable performed by the control loop itself.
type ToggleMatchResultMsg struct {
	Type       string `json:"type"`
	Success    bool   `json:"success"`
	IsMatching bool   `json:"isMatching"`
	Message    string `json:"message,omitempty"`
}

// CreditUpdateMsg pushes the new balance after any credit mutation.
type CreditUpdateMsg struct {
	Type   string `json:"type"`
	Credit int64  `json:"credit"`
}

// NewMessageMsg delivers a chat message to a room participant. CreatedAt is
// the server receipt time; clients cannot be trusted for ordering.
type NewMessageMsg struct {
	Type      string `json:"type"`
	ID        string `json:"id"`
	RoomID    string `json:"roomId"`
	SenderID  string `json:"senderId"`
	Message   string `json:"message"`
	CreatedAt int64  `json:"createdAt"`
}

// PartnerLeftMsg tells the remaining side that the partner left the room.
type PartnerLeftMsg struct {
	Type   string `json:"type"`
	RoomID string `json:"roomId"`
}

// ChatLeftMsg confirms to the caller that their leave was recorded.
type ChatLeftMsg struct {
	Type string `json:"type"`
}

// UserDisconnectedMsg tells the partner that the other side's connection
// dropped. The matching state is untouched; the partner may reconnect and
// re-sync via check_match_status.
type UserDisconnectedMsg struct {
	Type   string `json:"type"`
	RoomID string `json:"roomId"`
	UserID string `json:"userId"`
}

// ErrorMsg is sent by the server to communicate an error condition.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client message.
// It returns the message type string, the decoded struct, and any error
// encountered during parsing. An error is returned for unknown or
// server-only message types.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeAuthenticate:
		var m AuthenticateMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeStartMatch:
		var m StartMatchMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeCancelMatch:
		var m CancelMatchMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeCheckMatchStatus:
		var m CheckMatchStatusMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeToggleMatch:
		var m ToggleMatchMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeJoinRoom:
		var m JoinRoomMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeLeaveChat:
		var m LeaveChatMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeSendMessage:
		var m SendMessageMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage creates a JSON-encoded byte slice for a server message.
// The msgType is injected into the payload under the "type" key so that
// callers never have to fill the Type field of the payload struct themselves.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}
