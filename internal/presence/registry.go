// Package presence maps user identities to their live connections. The local
// map answers "which of my connections belong to this user"; Redis markers
// with a TTL answer "is this user reachable anywhere" across server
// instances. Presence is pure bookkeeping: registering and deregistering
// never touches matching state.
package presence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// KeyPrefix is the Redis key prefix for presence markers.
	KeyPrefix = "presence:"

	// MarkerTTL is how long a presence marker survives without a refresh.
	MarkerTTL = 90 * time.Second
)

// Registry tracks which users are reachable and through which local
// connections.
type Registry struct {
	client     *redis.Client
	serverName string

	mu     sync.RWMutex
	byUser map[string]map[string]struct{} // userID -> set of local conn IDs
	byConn map[string]string              // connID -> userID
}

// NewRegistry creates a Registry backed by the given Redis client.
func NewRegistry(client *redis.Client, serverName string) *Registry {
	return &Registry{
		client:     client,
		serverName: serverName,
		byUser:     make(map[string]map[string]struct{}),
		byConn:     make(map[string]string),
	}
}

// Register binds a local connection to a user and writes the Redis marker.
// A user may hold several connections at once (multiple tabs).
func (r *Registry) Register(ctx context.Context, userID, connID string) error {
	r.mu.Lock()
	conns, ok := r.byUser[userID]
	if !ok {
		conns = make(map[string]struct{})
		r.byUser[userID] = conns
	}
	conns[connID] = struct{}{}
	r.byConn[connID] = userID
	r.mu.Unlock()

	err := r.client.Set(ctx, KeyPrefix+userID, r.serverName, MarkerTTL).Err()
	if err != nil {
		return fmt.Errorf("presence: set marker %s: %w", userID, err)
	}
	return nil
}

// Deregister unbinds a connection. The Redis marker is deleted only when the
// user's last local connection goes away; a marker held by another instance
// is left alone (it expires on its own if that instance dies).
func (r *Registry) Deregister(ctx context.Context, connID string) (userID string, gone bool) {
	r.mu.Lock()
	userID, ok := r.byConn[connID]
	if !ok {
		r.mu.Unlock()
		return "", false
	}
	delete(r.byConn, connID)
	conns := r.byUser[userID]
	delete(conns, connID)
	gone = len(conns) == 0
	if gone {
		delete(r.byUser, userID)
	}
	r.mu.Unlock()

	if gone {
		owner, err := r.client.Get(ctx, KeyPrefix+userID).Result()
		if err == nil && owner == r.serverName {
			_ = r.client.Del(ctx, KeyPrefix+userID).Err()
		}
	}
	return userID, gone
}

// UserOf returns the user bound to a local connection, or "".
func (r *Registry) UserOf(connID string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byConn[connID]
}

// LocalConns returns the local connection ids for a user.
func (r *Registry) LocalConns(userID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conns := make([]string, 0, len(r.byUser[userID]))
	for id := range r.byUser[userID] {
		conns = append(conns, id)
	}
	return conns
}

// Reachable reports whether a user has a live connection on any instance.
func (r *Registry) Reachable(ctx context.Context, userID string) (bool, error) {
	r.mu.RLock()
	_, local := r.byUser[userID]
	r.mu.RUnlock()
	if local {
		return true, nil
	}

	_, err := r.client.Get(ctx, KeyPrefix+userID).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("presence: get marker %s: %w", userID, err)
	}
	return true, nil
}

// RefreshAll re-arms the TTL of every locally held marker. Called from the
// heartbeat cadence so markers outlive brief Redis hiccups but not dead
// instances.
func (r *Registry) RefreshAll(ctx context.Context) {
	r.mu.RLock()
	users := make([]string, 0, len(r.byUser))
	for uid := range r.byUser {
		users = append(users, uid)
	}
	r.mu.RUnlock()

	for _, uid := range users {
		_ = r.client.Set(ctx, KeyPrefix+uid, r.serverName, MarkerTTL).Err()
	}
}
