package engine

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/TFMV/peerbeam/events"
	"github.com/TFMV/peerbeam/signal"
	"github.com/TFMV/peerbeam/transfer"
)

const connectTimeout = 15 * time.Second

func newTestEngine(t *testing.T, name string) *Engine {
	t.Helper()
	cfg := DefaultConfig()
	cfg.DisplayName = name
	// Loopback negotiation needs no STUN; host candidates are enough.
	e := New(zaptest.NewLogger(t), cfg)
	t.Cleanup(e.Disconnect)
	return e
}

// connectPair runs the full out-of-band handshake between two engines and
// waits for both data channels to open.
func connectPair(t *testing.T, initiator, responder *Engine) {
	t.Helper()
	ctx := context.Background()

	offer, err := initiator.CreateOffer(ctx)
	require.NoError(t, err)

	answer, err := responder.AcceptOffer(ctx, offer)
	require.NoError(t, err)

	require.NoError(t, initiator.CompleteConnection(answer))

	waitPeerConnected(t, initiator.Events())
	waitPeerConnected(t, responder.Events())
}

func waitPeerConnected(t *testing.T, bus *events.Bus) events.PeerConnected {
	t.Helper()
	select {
	case e := <-bus.PeerConnectedEvents():
		return e
	case <-time.After(connectTimeout):
		t.Fatal("timed out waiting for peer connected event")
		return events.PeerConnected{}
	}
}

func TestOfferAnswerFileTransfer(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping loopback negotiation test in short mode")
	}

	alice := newTestEngine(t, "alice")
	bob := newTestEngine(t, "bob")

	connectPair(t, alice, bob)

	// The initiator's placeholder entry was promoted to bob's real identity.
	peers := alice.Peers()
	require.Len(t, peers, 1)
	assert.Equal(t, bob.LocalID(), peers[0].ID)
	assert.Equal(t, "bob", peers[0].DisplayName)

	data := make([]byte, 40000)
	for i := range data {
		data[i] = byte(i % 251)
	}
	err := alice.SendFile(context.Background(), bob.LocalID(), NamedFile{
		Meta: transfer.Metadata{Name: "photo.jpg", Size: 40000, Type: "image/jpeg"},
		Data: bytes.NewReader(data),
	})
	require.NoError(t, err)

	select {
	case received := <-bob.Events().FileReceivedEvents():
		assert.Equal(t, "photo.jpg", received.File.Name)
		assert.Equal(t, "image/jpeg", received.File.MimeType)
		assert.Equal(t, data, received.File.Data)
		assert.Equal(t, "alice", received.FromPeer)
	case <-time.After(connectTimeout):
		t.Fatal("timed out waiting for file received event")
	}
}

func TestDisconnectEmitsPeerDisconnected(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping loopback negotiation test in short mode")
	}

	alice := newTestEngine(t, "alice")
	bob := newTestEngine(t, "bob")
	connectPair(t, alice, bob)

	alice.Disconnect()

	select {
	case e := <-alice.Events().PeerDisconnectedEvents():
		assert.Equal(t, bob.LocalID(), e.PeerID)
	case <-time.After(connectTimeout):
		t.Fatal("timed out waiting for local peer disconnected event")
	}
	assert.Empty(t, alice.Peers())

	// The remote side notices the closed transport as well.
	select {
	case <-bob.Events().PeerDisconnectedEvents():
	case <-time.After(connectTimeout):
		t.Fatal("timed out waiting for remote peer disconnected event")
	}
}

func TestSendFileToUnknownPeer(t *testing.T) {
	alice := newTestEngine(t, "alice")
	err := alice.SendFile(context.Background(), "nobody", NamedFile{
		Meta: transfer.Metadata{Name: "f", Size: 1, Type: "text/plain"},
		Data: bytes.NewReader([]byte("x")),
	})
	assert.ErrorIs(t, err, transfer.ErrPeerNotConnected)
}

func TestCompleteConnectionWithoutOffer(t *testing.T) {
	alice := newTestEngine(t, "alice")

	answer, err := signal.Encode(signal.Descriptor{
		Type:     signal.RoleAnswer,
		SDP:      "v=0\r\n",
		PeerID:   "peer-x",
		PeerName: "x",
	})
	require.NoError(t, err)

	err = alice.CompleteConnection(answer)
	assert.ErrorIs(t, err, ErrNoPendingConnection)
}

func TestMalformedDescriptors(t *testing.T) {
	alice := newTestEngine(t, "alice")

	_, err := alice.AcceptOffer(context.Background(), "not a descriptor")
	assert.ErrorIs(t, err, signal.ErrMalformedDescriptor)

	err = alice.CompleteConnection("not a descriptor")
	assert.ErrorIs(t, err, signal.ErrMalformedDescriptor)

	// Role mixups are structural errors too.
	answer, err := signal.Encode(signal.Descriptor{
		Type: signal.RoleAnswer, SDP: "v=0\r\n", PeerID: "p", PeerName: "x",
	})
	require.NoError(t, err)
	_, err = alice.AcceptOffer(context.Background(), answer)
	assert.ErrorIs(t, err, signal.ErrMalformedDescriptor)
}

func TestSecondOfferReplacesPendingContext(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping loopback negotiation test in short mode")
	}

	alice := newTestEngine(t, "alice")
	bob := newTestEngine(t, "bob")
	ctx := context.Background()

	_, err := alice.CreateOffer(ctx)
	require.NoError(t, err)

	secondOffer, err := alice.CreateOffer(ctx)
	require.NoError(t, err)

	// The first placeholder was dropped; only the second negotiation remains.
	require.Len(t, alice.Peers(), 1)

	// Completing resolves against the newest pending context.
	answer, err := bob.AcceptOffer(ctx, secondOffer)
	require.NoError(t, err)
	require.NoError(t, alice.CompleteConnection(answer))

	// The pending context is consumed; a repeat completion has nothing to
	// resolve against.
	err = alice.CompleteConnection(answer)
	assert.ErrorIs(t, err, ErrNoPendingConnection)

	waitPeerConnected(t, alice.Events())
	waitPeerConnected(t, bob.Events())
}
