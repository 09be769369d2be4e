package room

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRoom_StatusDerivation(t *testing.T) {
	tests := []struct {
		name   string
		aLeft  bool
		bLeft  bool
		status string
		active bool
	}{
		{"neither left", false, false, StatusActive, true},
		{"a left", true, false, StatusPartnerLeft, true},
		{"b left", false, true, StatusPartnerLeft, true},
		{"both left", true, true, StatusClosed, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &Room{ID: "r-1", UserA: "a", UserB: "b", ALeft: tt.aLeft, BLeft: tt.bLeft}
			assert.Equal(t, tt.status, r.Status())
			assert.Equal(t, tt.active, r.Active())
		})
	}
}

func TestRoom_ParticipantHelpers(t *testing.T) {
	r := &Room{ID: "r-1", UserA: "alice", UserB: "bob"}

	assert.True(t, r.IsParticipant("alice"))
	assert.True(t, r.IsParticipant("bob"))
	assert.False(t, r.IsParticipant("mallory"))

	assert.Equal(t, "bob", r.Partner("alice"))
	assert.Equal(t, "alice", r.Partner("bob"))
	assert.Equal(t, "", r.Partner("mallory"))
}

func TestRoom_HasLeft(t *testing.T) {
	r := &Room{UserA: "alice", UserB: "bob", ALeft: true}

	assert.True(t, r.HasLeft("alice"))
	assert.False(t, r.HasLeft("bob"))
	assert.False(t, r.HasLeft("mallory"))
}

func TestValidateMessage(t *testing.T) {
	assert.NoError(t, ValidateMessage("hello"))
	assert.Error(t, ValidateMessage(""))
	assert.NoError(t, ValidateMessage(strings.Repeat("x", MaxMessageLength)))
	assert.Error(t, ValidateMessage(strings.Repeat("x", MaxMessageLength+1)))
}
