// Package messaging provides the NATS fan-out layer. The pairing engine and
// room manager publish to per-recipient subjects; every WebSocket server
// instance subscribes on behalf of its locally connected users, so a
// notification reaches the user no matter which instance holds their
// connection.
package messaging

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// Subject patterns.
const (
	SubjectUserNotify = "user.notify" // + .<user_id>: matching and credit events
	SubjectRoomEvents = "room.events" // + .<room_id>: chat events
)

// Notification is the payload carried on user.notify.<user_id>. Type mirrors
// the outbound protocol event it will become on the client's connection.
type Notification struct {
	Type       string `json:"type"` // match_success, current_match_status, ...
	RoomID     string `json:"room_id,omitempty"`
	PartnerID  string `json:"partner_id,omitempty"`
	CreditUsed int64  `json:"credit_used,omitempty"`
	IsMatching bool   `json:"is_matching,omitempty"`
	Success    bool   `json:"success,omitempty"`
	Message    string `json:"message,omitempty"`
	Balance    int64  `json:"balance,omitempty"`
}

// RoomEvent is the payload carried on room.events.<room_id>.
type RoomEvent struct {
	Type      string `json:"type"` // new-message, partner_left, user-disconnected
	RoomID    string `json:"room_id"`
	UserID    string `json:"user_id,omitempty"` // sender / leaver / disconnected user
	MessageID string `json:"message_id,omitempty"`
	Body      string `json:"body,omitempty"`
	Ts        int64  `json:"ts,omitempty"`
}

// Config holds NATS connection settings.
type Config struct {
	URL           string
	Name          string
	ReconnectWait time.Duration
	MaxReconnects int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		URL:           "nats://localhost:4222",
		Name:          "duet",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// Client wraps the NATS connection with subject helpers and a subscription
// registry for cleanup.
type Client struct {
	conn *nats.Conn
	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// NewClient connects to NATS and returns a ready client.
func NewClient(config Config) (*Client, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[nats] disconnected: %v", err)
			} else {
				log.Printf("[nats] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[nats] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	log.Printf("[nats] connected to %s", nc.ConnectedUrl())

	return &Client{
		conn: nc,
		subs: make(map[string]*nats.Subscription),
	}, nil
}

// PublishUserNotify publishes a notification to one user's subject.
func (c *Client) PublishUserNotify(userID string, data []byte) error {
	return c.conn.Publish(SubjectUserNotify+"."+userID, data)
}

// SubscribeUserNotify subscribes to a user's notification subject. Keyed by
// user id; resubscribing replaces the previous subscription.
func (c *Client) SubscribeUserNotify(userID string, handler func(data []byte)) error {
	return c.subscribe("notify:"+userID, SubjectUserNotify+"."+userID, handler)
}

// UnsubscribeUserNotify drops a user's notification subscription.
func (c *Client) UnsubscribeUserNotify(userID string) error {
	return c.unsubscribe("notify:" + userID)
}

// PublishRoomEvent publishes an event to a room's subject.
func (c *Client) PublishRoomEvent(roomID string, data []byte) error {
	return c.conn.Publish(SubjectRoomEvents+"."+roomID, data)
}

// SubscribeRoomEvents subscribes a user to a room's event subject. The key
// includes the user id so two local participants of the same room each get
// their own subscription.
func (c *Client) SubscribeRoomEvents(roomID, userID string, handler func(data []byte)) error {
	return c.subscribe("room:"+userID, SubjectRoomEvents+"."+roomID, handler)
}

// UnsubscribeRoomEvents drops a user's room subscription.
func (c *Client) UnsubscribeRoomEvents(userID string) error {
	return c.unsubscribe("room:" + userID)
}

// subscribe registers a handler under a registry key, replacing any existing
// subscription for that key.
func (c *Client) subscribe(key, subject string, handler func(data []byte)) error {
	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	if old, ok := c.subs[key]; ok {
		_ = old.Unsubscribe()
	}
	c.subs[key] = sub
	c.mu.Unlock()
	return nil
}

func (c *Client) unsubscribe(key string) error {
	c.mu.Lock()
	sub, ok := c.subs[key]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("nats: no subscription for %s", key)
	}
	delete(c.subs, key)
	c.mu.Unlock()

	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("nats unsubscribe %s: %w", key, err)
	}
	return nil
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			log.Printf("[nats] drain %s: %v", key, err)
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		log.Printf("[nats] connection drain: %v", err)
	}

	log.Printf("[nats] client closed")
}
