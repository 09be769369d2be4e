package presence

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRegistry_LocalBookkeeping(t *testing.T) {
	r := NewRegistry(nil, "test-1")

	// Local maps only; no Redis involved in these paths.
	r.mu.Lock()
	r.byUser["u-1"] = map[string]struct{}{"c-1": {}, "c-2": {}}
	r.byConn["c-1"] = "u-1"
	r.byConn["c-2"] = "u-1"
	r.mu.Unlock()

	assert.Equal(t, "u-1", r.UserOf("c-1"))
	assert.Equal(t, "", r.UserOf("c-missing"))
	assert.ElementsMatch(t, []string{"c-1", "c-2"}, r.LocalConns("u-1"))
	assert.Empty(t, r.LocalConns("u-2"))
}

func TestRegistry_MultipleConnectionsPerUser(t *testing.T) {
	r := NewRegistry(nil, "test-1")

	r.mu.Lock()
	r.byUser["u-1"] = map[string]struct{}{"c-1": {}}
	r.byConn["c-1"] = "u-1"
	r.mu.Unlock()

	// A second tab shares the user entry.
	r.mu.Lock()
	r.byUser["u-1"]["c-2"] = struct{}{}
	r.byConn["c-2"] = "u-1"
	r.mu.Unlock()

	assert.Len(t, r.LocalConns("u-1"), 2)
}
