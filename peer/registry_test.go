package peer

import (
	"testing"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestTransport(t *testing.T) *webrtc.PeerConnection {
	t.Helper()
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	require.NoError(t, err)
	t.Cleanup(func() { pc.Close() })
	return pc
}

func TestRegistryAddGetRemove(t *testing.T) {
	r := NewRegistry(zaptest.NewLogger(t))

	conn := NewConnection("peer-a", "Alice", newTestTransport(t))
	require.NoError(t, r.Add(conn))
	assert.Equal(t, 1, r.Len())

	got, ok := r.Get("peer-a")
	require.True(t, ok)
	assert.Equal(t, "Alice", got.DisplayName())
	assert.Equal(t, StateNew, got.State())

	removed := r.Remove("peer-a")
	require.NotNil(t, removed)
	assert.Equal(t, 0, r.Len())

	_, ok = r.Get("peer-a")
	assert.False(t, ok)
	assert.Nil(t, r.Remove("peer-a"))
}

func TestRegistryRejectsDuplicateID(t *testing.T) {
	r := NewRegistry(zaptest.NewLogger(t))

	require.NoError(t, r.Add(NewConnection("peer-a", "Alice", newTestTransport(t))))
	err := r.Add(NewConnection("peer-a", "Imposter", newTestTransport(t)))
	assert.ErrorIs(t, err, ErrPeerExists)
}

func TestRegistryRejectsSharedTransport(t *testing.T) {
	r := NewRegistry(zaptest.NewLogger(t))
	pc := newTestTransport(t)

	require.NoError(t, r.Add(NewConnection("peer-a", "Alice", pc)))
	err := r.Add(NewConnection("peer-b", "Alias", pc))
	assert.ErrorIs(t, err, ErrPeerExists)
}

func TestRegistryRekey(t *testing.T) {
	r := NewRegistry(zaptest.NewLogger(t))
	pc := newTestTransport(t)

	require.NoError(t, r.Add(NewConnection("pending-1", "", pc)))

	conn, err := r.Rekey("pending-1", "peer-b", "Bob")
	require.NoError(t, err)
	assert.Equal(t, "peer-b", conn.ID())
	assert.Equal(t, "Bob", conn.DisplayName())

	_, ok := r.Get("pending-1")
	assert.False(t, ok)
	got, ok := r.Get("peer-b")
	require.True(t, ok)
	assert.Same(t, pc, got.Transport())

	_, err = r.Rekey("pending-1", "peer-c", "C")
	assert.ErrorIs(t, err, ErrPeerNotFound)
}

func TestRegistryRekeyCollision(t *testing.T) {
	r := NewRegistry(zaptest.NewLogger(t))

	require.NoError(t, r.Add(NewConnection("pending-1", "", newTestTransport(t))))
	require.NoError(t, r.Add(NewConnection("peer-b", "Bob", newTestTransport(t))))

	_, err := r.Rekey("pending-1", "peer-b", "Bob")
	assert.ErrorIs(t, err, ErrPeerExists)
}

func TestRegistryDisconnectAll(t *testing.T) {
	r := NewRegistry(zaptest.NewLogger(t))

	a := NewConnection("peer-a", "Alice", newTestTransport(t))
	b := NewConnection("peer-b", "Bob", newTestTransport(t))
	require.NoError(t, r.Add(a))
	require.NoError(t, r.Add(b))

	closed := r.DisconnectAll()
	assert.Len(t, closed, 2)
	assert.Equal(t, 0, r.Len())
	assert.Equal(t, StateClosed, a.State())
	assert.Equal(t, StateClosed, b.State())
}

func TestConnectionStateString(t *testing.T) {
	assert.Equal(t, "new", StateNew.String())
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "connected", StateConnected.String())
	assert.Equal(t, "disconnected", StateDisconnected.String())
	assert.Equal(t, "closed", StateClosed.String())
}
