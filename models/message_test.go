package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConversationIDIsSymmetric(t *testing.T) {
	assert.Equal(t, ConversationID("alice", "bob"), ConversationID("bob", "alice"))
	assert.Equal(t, "dm:alice:bob", ConversationID("bob", "alice"))
}

func TestParticipants(t *testing.T) {
	a, b, err := Participants("dm:alice:bob")
	require.NoError(t, err)
	assert.Equal(t, "alice", a)
	assert.Equal(t, "bob", b)

	other, err := OtherParticipant("dm:alice:bob", "bob")
	require.NoError(t, err)
	assert.Equal(t, "alice", other)

	_, err = OtherParticipant("dm:alice:bob", "carol")
	assert.Error(t, err)

	for _, bad := range []string{"", "alice:bob", "dm::bob", "room:a:b", "dm:a:b:c"} {
		_, _, err := Participants(bad)
		assert.Error(t, err, bad)
	}
}

func TestMessageAddReader(t *testing.T) {
	m := Message{ID: "m1"}
	assert.True(t, m.AddReader("bob"))
	assert.False(t, m.AddReader("bob"))
	assert.False(t, m.AddReader(""))
	assert.Equal(t, []string{"bob"}, m.ReadBy)

	clone := m.Clone()
	clone.AddReader("carol")
	assert.Len(t, m.ReadBy, 1)
}

func TestParseRoles(t *testing.T) {
	assert.Equal(t, []Role{RoleHR, RoleAgent}, ParseRoles(" HR, agent ,janitor"))
	assert.Equal(t, "hr,agent", JoinRoles([]Role{RoleHR, RoleAgent}))
}
