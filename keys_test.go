package hubmesh

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoutingKey_RoundTrip(t *testing.T) {
	cases := []RoutingKey{
		{Hub: "chat", ConnectionID: "c1"},
		{Hub: "chat", ConnectionID: "a:b:c"},
		{Hub: "Notifications.Hub", ConnectionID: "0192f3c4-9d7e-7b1a"},
	}
	for _, key := range cases {
		t.Run(key.String(), func(t *testing.T) {
			parsed, err := ParseRoutingKey(key.String())
			require.NoError(t, err)
			assert.Equal(t, key, parsed)
		})
	}
}

func TestGroupKey_RoundTrip(t *testing.T) {
	cases := []GroupKey{
		{Kind: NamedGroup, Hub: "chat", GroupID: "lobby"},
		{Kind: AuthenticatedUser, Hub: "chat", GroupID: "alice"},
		{Kind: NamedGroup, Hub: "chat", GroupID: "room:42:mods"},
		{Kind: NamedGroup, Hub: "chat", GroupID: " spaced out "},
	}
	for _, key := range cases {
		t.Run(key.String(), func(t *testing.T) {
			parsed, err := ParseGroupKey(key.String())
			require.NoError(t, err)
			assert.Equal(t, key, parsed)
		})
	}
}

func TestParseKeys_Malformed(t *testing.T) {
	for _, raw := range []string{"", "chat", ":c1", "chat:"} {
		_, err := ParseRoutingKey(raw)
		assert.ErrorIs(t, err, ErrInvalidKey, raw)
	}
	for _, raw := range []string{"", "group:chat", "group::g", "group:chat:", "team:chat:g"} {
		_, err := ParseGroupKey(raw)
		assert.ErrorIs(t, err, ErrInvalidKey, raw)
	}
}

func TestTopics(t *testing.T) {
	assert.Equal(t, "ALL/chat", BroadcastTopic("chat").String())
	assert.Equal(t, "SERVER/s1", UnicastTopic("s1", 0, 1).String())
	assert.Equal(t, "SERVER/s1:3", UnicastTopic("s1", 3, 4).String())
	assert.Equal(t, "CLIENT_DISCONNECT/c1", DisconnectTopic("c1").String())
	assert.Equal(t, "SERVER_DISCONNECT/s1", FailureTopic("s1").String())

	assert.Equal(t, 0, ShardOf("c1", 0))
	assert.Equal(t, 0, ShardOf("c1", 1))
	seen := make(map[int]bool)
	for _, id := range []string{"a", "b", "c", "d", "e", "f", "g", "h", "i", "j"} {
		shard := ShardOf(id, 4)
		require.GreaterOrEqual(t, shard, 0)
		require.Less(t, shard, 4)
		assert.Equal(t, shard, ShardOf(id, 4))
		seen[shard] = true
	}
	assert.Greater(t, len(seen), 1)
}

func TestValidateHub(t *testing.T) {
	require.NoError(t, validateHub("chat"))
	require.ErrorIs(t, validateHub(""), ErrInvalidHub)
	require.ErrorIs(t, validateHub("chat:v2"), ErrInvalidHub)
}
