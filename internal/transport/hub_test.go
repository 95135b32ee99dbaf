package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/weft/internal/mesh"
)

func TestHub_JoinAnnouncesPeers(t *testing.T) {
	hub := NewHub()
	a, b := newRecordingHandler(), newRecordingHandler()

	_, err := hub.Join("a", a)
	require.NoError(t, err)
	_, err = hub.Join("b", b)
	require.NoError(t, err)

	assert.Equal(t, []string{"+b"}, a.eventLog())
	assert.Equal(t, []string{"+a"}, b.eventLog())
	assert.Equal(t, []mesh.Endpoint{"a", "b"}, hub.Members())

	_, err = hub.Join("a", newRecordingHandler())
	assert.Error(t, err)
}

func TestHub_DeliversThroughTheCodec(t *testing.T) {
	hub := NewHub()
	a, b := newRecordingHandler(), newRecordingHandler()
	ea, err := hub.Join("a", a)
	require.NoError(t, err)
	_, err = hub.Join("b", b)
	require.NoError(t, err)

	msg := &mesh.Request{RequestID: "r1", MutableObj: "target", RequestedOps: []string{"x"}}
	require.True(t, ea.SendMessageToPeer("b", "agent", msg))

	got := b.received()
	require.Len(t, got, 1)
	assert.Equal(t, mesh.Endpoint("a"), got[0].from)
	assert.Equal(t, "agent", got[0].agentID)
	assert.Equal(t, msg, got[0].msg)
	assert.NotSame(t, msg, got[0].msg)

	assert.False(t, ea.SendMessageToPeer("nobody", "agent", msg))
	assert.Empty(t, a.received())
}

func TestHub_PartitionAndHeal(t *testing.T) {
	hub := NewHub()
	a, b := newRecordingHandler(), newRecordingHandler()
	ea, err := hub.Join("a", a)
	require.NoError(t, err)
	_, err = hub.Join("b", b)
	require.NoError(t, err)

	hub.Partition("a", "b")
	assert.False(t, a.connected("b"))
	assert.False(t, b.connected("a"))
	assert.False(t, ea.SendMessageToPeer("b", "agent", &mesh.RequestState{}))

	// Partitioning twice changes nothing.
	hub.Partition("b", "a")
	assert.Equal(t, []string{"+b", "-b"}, a.eventLog())

	hub.Heal("b", "a")
	assert.True(t, a.connected("b"))
	assert.True(t, b.connected("a"))
	assert.True(t, ea.SendMessageToPeer("b", "agent", &mesh.RequestState{}))
	assert.Len(t, b.received(), 1)
}

func TestHub_Leave(t *testing.T) {
	hub := NewHub()
	a, b := newRecordingHandler(), newRecordingHandler()
	ea, err := hub.Join("a", a)
	require.NoError(t, err)
	eb, err := hub.Join("b", b)
	require.NoError(t, err)

	eb.Leave()
	eb.Leave()
	assert.Equal(t, []string{"+b", "-b"}, a.eventLog())
	assert.False(t, ea.SendMessageToPeer("b", "agent", &mesh.RequestState{}))
	assert.False(t, eb.SendMessageToPeer("a", "agent", &mesh.RequestState{}))
	assert.Equal(t, []mesh.Endpoint{"a"}, hub.Members())
}
