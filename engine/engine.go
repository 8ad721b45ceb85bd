package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"github.com/TFMV/peerbeam/events"
	"github.com/TFMV/peerbeam/metrics"
	"github.com/TFMV/peerbeam/peer"
	"github.com/TFMV/peerbeam/signal"
	"github.com/TFMV/peerbeam/transfer"
)

var (
	// ErrNegotiationTimeout indicates local network-path discovery did not
	// finish within the configured bound. Retryable only by restarting the
	// whole handshake; there is no mid-handshake resume.
	ErrNegotiationTimeout = errors.New("negotiation timed out")

	// ErrNegotiation indicates the handshake failed, for example because a
	// session description was rejected or no usable local network path was
	// found.
	ErrNegotiation = errors.New("negotiation failed")

	// ErrNoPendingConnection indicates CompleteConnection was called with no
	// offer outstanding. Protocol misuse by the caller, surfaced immediately.
	ErrNoPendingConnection = errors.New("no pending connection")
)

// channelLabel is the label of the single data channel per peer.
const channelLabel = "beam-transfer"

// DefaultGatherTimeout bounds the wait for local network-path discovery.
const DefaultGatherTimeout = 10 * time.Second

// Config contains engine configuration.
type Config struct {
	// DisplayName is the self-reported name shown to remote peers.
	DisplayName string
	// STUNServers are optional ICE server URLs. On a local network the
	// host and mDNS candidates are enough and this can stay empty.
	STUNServers []string
	// GatherTimeout bounds network-path discovery during negotiation.
	GatherTimeout time.Duration
	// Transfer tunes the chunked transfer protocol.
	Transfer transfer.Config
}

// DefaultConfig returns a default engine configuration.
func DefaultConfig() Config {
	return Config{
		DisplayName:   "peerbeam",
		GatherTimeout: DefaultGatherTimeout,
		Transfer:      transfer.DefaultConfig(),
	}
}

// pendingOffer is the single outstanding initiator negotiation context.
// Starting a second offer before the first completes replaces it; concurrent
// initiator negotiations are deliberately capped at one.
type pendingOffer struct {
	placeholderID string
	conn          *peer.Connection
}

// Engine owns the peer registry, the in-flight transfer table, and the
// outstanding-offer context. There is exactly one Engine per process wired by
// the caller; no ambient global state.
type Engine struct {
	logger   *zap.Logger
	cfg      Config
	localID  string
	registry *peer.Registry
	protocol *transfer.Protocol
	bus      *events.Bus

	mu      sync.Mutex
	pending *pendingOffer
}

// New creates an Engine with a fresh local peer identity.
func New(logger *zap.Logger, cfg Config) *Engine {
	if cfg.GatherTimeout <= 0 {
		cfg.GatherTimeout = DefaultGatherTimeout
	}

	e := &Engine{
		logger:   logger,
		cfg:      cfg,
		localID:  uuid.New().String(),
		registry: peer.NewRegistry(logger),
		bus:      events.NewBus(logger),
	}
	e.protocol = transfer.NewProtocol(logger, e.bus, cfg.Transfer, e.resolveDisplayName)
	return e
}

// LocalID returns the engine's peer id.
func (e *Engine) LocalID() string { return e.localID }

// DisplayName returns the engine's self-reported display name.
func (e *Engine) DisplayName() string { return e.cfg.DisplayName }

// Events returns the engine's event bus.
func (e *Engine) Events() *events.Bus { return e.bus }

// resolveDisplayName maps a peer id to its display name for events.
func (e *Engine) resolveDisplayName(peerID string) string {
	if conn, ok := e.registry.Get(peerID); ok {
		return conn.DisplayName()
	}
	return peerID
}

// newTransport creates a WebRTC peer connection with the configured ICE
// servers.
func (e *Engine) newTransport() (*webrtc.PeerConnection, error) {
	var iceServers []webrtc.ICEServer
	for _, server := range e.cfg.STUNServers {
		iceServers = append(iceServers, webrtc.ICEServer{URLs: []string{server}})
	}

	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNegotiation, err)
	}
	return pc, nil
}

// CreateOffer starts a new negotiation as the initiator. The data channel is
// opened proactively before the offer is produced so its parameters are part
// of the negotiated session. The returned string is the encoded descriptor to
// hand to the remote device out-of-band.
//
// A second CreateOffer before the first completes closes and replaces the
// first's pending context.
func (e *Engine) CreateOffer(ctx context.Context) (string, error) {
	pc, err := e.newTransport()
	if err != nil {
		metrics.NegotiationFailures.Inc()
		return "", err
	}

	placeholderID := "pending-" + uuid.New().String()
	conn := peer.NewConnection(placeholderID, "", pc)

	dc, err := pc.CreateDataChannel(channelLabel, nil)
	if err != nil {
		pc.Close()
		metrics.NegotiationFailures.Inc()
		return "", fmt.Errorf("%w: failed to create data channel: %v", ErrNegotiation, err)
	}
	conn.SetChannel(peer.WrapDataChannel(dc))
	e.wireChannel(conn, dc)
	e.wireTransport(conn, pc)

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		pc.Close()
		metrics.NegotiationFailures.Inc()
		return "", fmt.Errorf("%w: failed to create offer: %v", ErrNegotiation, err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		pc.Close()
		metrics.NegotiationFailures.Inc()
		return "", fmt.Errorf("%w: failed to set local description: %v", ErrNegotiation, err)
	}

	if err := e.waitForGathering(ctx, pc); err != nil {
		pc.Close()
		metrics.NegotiationFailures.Inc()
		return "", err
	}

	local := pc.LocalDescription()
	if local == nil || !strings.Contains(local.SDP, "candidate") {
		pc.Close()
		metrics.NegotiationFailures.Inc()
		return "", fmt.Errorf("%w: no usable local network paths", ErrNegotiation)
	}

	conn.SetState(peer.StateConnecting)

	if err := e.registry.Add(conn); err != nil {
		// The placeholder id is freshly generated; a collision means the
		// registry already tracks this transport.
		pc.Close()
		return "", fmt.Errorf("%w: %v", ErrNegotiation, err)
	}

	e.mu.Lock()
	previous := e.pending
	e.pending = &pendingOffer{placeholderID: placeholderID, conn: conn}
	e.mu.Unlock()

	if previous != nil {
		e.logger.Warn("Replacing pending offer, previous negotiation abandoned",
			zap.String("previous_placeholder", previous.placeholderID))
		if removed := e.registry.Remove(previous.placeholderID); removed != nil {
			removed.Close()
		}
	}

	encoded, err := signal.Encode(signal.Descriptor{
		Type:     signal.RoleOffer,
		SDP:      local.SDP,
		PeerID:   e.localID,
		PeerName: e.cfg.DisplayName,
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNegotiation, err)
	}

	e.logger.Info("Offer created", zap.String("placeholder_id", placeholderID))
	return encoded, nil
}

// AcceptOffer processes a remote offer descriptor as the responder and
// returns the encoded answer descriptor. The responder's registry entry is
// registered optimistically before the channel opens and promoted to
// connected when the channel-open event fires.
func (e *Engine) AcceptOffer(ctx context.Context, encodedOffer string) (string, error) {
	desc, err := signal.Decode(encodedOffer)
	if err != nil {
		return "", err
	}
	if desc.Type != signal.RoleOffer {
		return "", fmt.Errorf("%w: expected offer, got %s", signal.ErrMalformedDescriptor, desc.Type)
	}

	pc, err := e.newTransport()
	if err != nil {
		metrics.NegotiationFailures.Inc()
		return "", err
	}

	conn := peer.NewConnection(desc.PeerID, desc.PeerName, pc)

	// Passive channel accept: the initiator created the channel, we adopt it
	// when it arrives.
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		e.logger.Debug("Data channel received",
			zap.String("peer_id", conn.ID()),
			zap.String("label", dc.Label()))
		conn.SetChannel(peer.WrapDataChannel(dc))
		e.wireChannel(conn, dc)
	})
	e.wireTransport(conn, pc)

	remote := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: desc.SDP}
	if err := pc.SetRemoteDescription(remote); err != nil {
		pc.Close()
		metrics.NegotiationFailures.Inc()
		return "", fmt.Errorf("%w: remote offer rejected: %v", ErrNegotiation, err)
	}

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		pc.Close()
		metrics.NegotiationFailures.Inc()
		return "", fmt.Errorf("%w: failed to create answer: %v", ErrNegotiation, err)
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		pc.Close()
		metrics.NegotiationFailures.Inc()
		return "", fmt.Errorf("%w: failed to set local description: %v", ErrNegotiation, err)
	}

	if err := e.waitForGathering(ctx, pc); err != nil {
		pc.Close()
		metrics.NegotiationFailures.Inc()
		return "", err
	}

	local := pc.LocalDescription()
	if local == nil || !strings.Contains(local.SDP, "candidate") {
		pc.Close()
		metrics.NegotiationFailures.Inc()
		return "", fmt.Errorf("%w: no usable local network paths", ErrNegotiation)
	}

	conn.SetState(peer.StateConnecting)
	if err := e.registry.Add(conn); err != nil {
		pc.Close()
		return "", fmt.Errorf("%w: %v", ErrNegotiation, err)
	}

	encoded, err := signal.Encode(signal.Descriptor{
		Type:     signal.RoleAnswer,
		SDP:      local.SDP,
		PeerID:   e.localID,
		PeerName: e.cfg.DisplayName,
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNegotiation, err)
	}

	e.logger.Info("Offer accepted",
		zap.String("peer_id", desc.PeerID),
		zap.String("peer_name", desc.PeerName))
	return encoded, nil
}

// CompleteConnection applies a remote answer descriptor to the single
// outstanding initiator context and promotes the placeholder registry entry
// to the real remote peer identity. An answer always resolves against the
// newest pending context; after it is consumed, further calls fail with
// ErrNoPendingConnection.
func (e *Engine) CompleteConnection(encodedAnswer string) error {
	desc, err := signal.Decode(encodedAnswer)
	if err != nil {
		return err
	}
	if desc.Type != signal.RoleAnswer {
		return fmt.Errorf("%w: expected answer, got %s", signal.ErrMalformedDescriptor, desc.Type)
	}

	e.mu.Lock()
	pending := e.pending
	e.pending = nil
	e.mu.Unlock()

	if pending == nil {
		return ErrNoPendingConnection
	}

	remote := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: desc.SDP}
	if err := pending.conn.Transport().SetRemoteDescription(remote); err != nil {
		if removed := e.registry.Remove(pending.placeholderID); removed != nil {
			removed.Close()
		}
		metrics.NegotiationFailures.Inc()
		return fmt.Errorf("%w: remote answer rejected: %v", ErrNegotiation, err)
	}

	if _, err := e.registry.Rekey(pending.placeholderID, desc.PeerID, desc.PeerName); err != nil {
		metrics.NegotiationFailures.Inc()
		return fmt.Errorf("%w: %v", ErrNegotiation, err)
	}

	e.logger.Info("Connection completing",
		zap.String("peer_id", desc.PeerID),
		zap.String("peer_name", desc.PeerName))
	return nil
}

// waitForGathering blocks until ICE gathering finishes or the bounded timeout
// elapses.
func (e *Engine) waitForGathering(ctx context.Context, pc *webrtc.PeerConnection) error {
	gatherComplete := webrtc.GatheringCompletePromise(pc)
	select {
	case <-gatherComplete:
		return nil
	case <-time.After(e.cfg.GatherTimeout):
		return ErrNegotiationTimeout
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrNegotiationTimeout, ctx.Err())
	}
}

// wireChannel installs the open/close/message handlers on a data channel.
func (e *Engine) wireChannel(conn *peer.Connection, dc *webrtc.DataChannel) {
	dc.OnOpen(func() {
		conn.SetState(peer.StateConnected)
		metrics.ActivePeerCount.Inc()
		e.logger.Info("Data channel opened",
			zap.String("peer_id", conn.ID()),
			zap.String("label", dc.Label()))
		e.bus.EmitPeerConnected(events.PeerConnected{
			PeerID:      conn.ID(),
			DisplayName: conn.DisplayName(),
		})
	})

	dc.OnClose(func() {
		e.logger.Info("Data channel closed", zap.String("peer_id", conn.ID()))
		e.handlePeerDown(conn)
	})

	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if msg.IsString {
			e.protocol.HandleText(conn.ID(), msg.Data)
		} else {
			e.protocol.HandleBinary(conn.ID(), msg.Data)
		}
	})
}

// wireTransport installs the connection-state handler on a transport so
// network loss is treated the same as a deliberate close.
func (e *Engine) wireTransport(conn *peer.Connection, pc *webrtc.PeerConnection) {
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		e.logger.Debug("Peer connection state changed",
			zap.String("peer_id", conn.ID()),
			zap.String("state", state.String()))

		switch state {
		case webrtc.PeerConnectionStateDisconnected,
			webrtc.PeerConnectionStateFailed,
			webrtc.PeerConnectionStateClosed:
			e.handlePeerDown(conn)
		}
	})
}

// handlePeerDown removes a peer on channel close or network loss: the registry
// entry is dropped, any in-flight transfer is discarded without completion,
// and PeerDisconnected is emitted. Idempotent; the channel-close and
// transport-state callbacks can both fire for the same peer.
func (e *Engine) handlePeerDown(conn *peer.Connection) {
	peerID := conn.ID()
	removed := e.registry.Remove(peerID)
	if removed == nil {
		return
	}

	wasConnected := removed.State() == peer.StateConnected
	removed.SetState(peer.StateDisconnected)
	e.protocol.Abandon(peerID)
	// Drop the transport as well; the channel is already gone.
	go removed.Close()

	if wasConnected {
		metrics.ActivePeerCount.Dec()
	}
	e.bus.EmitPeerDisconnected(events.PeerDisconnected{
		PeerID:      peerID,
		DisplayName: removed.DisplayName(),
	})
	e.logger.Info("Peer disconnected", zap.String("peer_id", peerID))
}

// NamedFile couples transfer metadata with the reader supplying its bytes.
type NamedFile struct {
	Meta transfer.Metadata
	Data io.Reader
}

// SendFile streams a single file to a connected peer. Fails with
// transfer.ErrPeerNotConnected if the peer has no open channel. Callers must
// not start a second file to the same peer before this returns.
func (e *Engine) SendFile(ctx context.Context, peerID string, file NamedFile) error {
	conn, ok := e.registry.Get(peerID)
	if !ok {
		return fmt.Errorf("%w: %s", transfer.ErrPeerNotConnected, peerID)
	}

	var ch transfer.Channel
	if dc := conn.Channel(); dc != nil {
		ch = dc
	}
	return e.protocol.SendFile(ctx, peerID, ch, file.Meta, file.Data)
}

// SendFiles streams files sequentially to one peer. A failing file aborts the
// remaining batch; files already sent are not rolled back.
func (e *Engine) SendFiles(ctx context.Context, peerID string, files []NamedFile) error {
	for _, f := range files {
		if err := e.SendFile(ctx, peerID, f); err != nil {
			return fmt.Errorf("sending %q: %w", f.Meta.Name, err)
		}
	}
	return nil
}

// PeerInfo is a snapshot of one registered peer.
type PeerInfo struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	State       string `json:"state"`
}

// Peers returns a snapshot of all registered peers.
func (e *Engine) Peers() []PeerInfo {
	conns := e.registry.List()
	infos := make([]PeerInfo, 0, len(conns))
	for _, conn := range conns {
		infos = append(infos, PeerInfo{
			ID:          conn.ID(),
			DisplayName: conn.DisplayName(),
			State:       conn.State().String(),
		})
	}
	return infos
}

// ActiveTransfers returns a snapshot of receiver-side transfers in progress.
func (e *Engine) ActiveTransfers() []transfer.InFlightInfo {
	return e.protocol.ActiveTransfers()
}

// Disconnect is the engine's only cancellation primitive. It force-closes
// every channel and transport, abandons in-flight transfers without
// completion events, clears the pending offer, and emits PeerDisconnected for
// each peer that was registered.
func (e *Engine) Disconnect() {
	e.mu.Lock()
	e.pending = nil
	e.mu.Unlock()

	type snapshot struct {
		id        string
		name      string
		connected bool
	}
	conns := e.registry.List()
	snaps := make([]snapshot, 0, len(conns))
	for _, conn := range conns {
		snaps = append(snaps, snapshot{
			id:        conn.ID(),
			name:      conn.DisplayName(),
			connected: conn.State() == peer.StateConnected,
		})
	}

	// DisconnectAll holds the registry lock while closing, so channel-close
	// callbacks racing in through handlePeerDown find the registry already
	// cleared and emit nothing.
	e.registry.DisconnectAll()

	for _, s := range snaps {
		e.protocol.Abandon(s.id)
		if s.connected {
			metrics.ActivePeerCount.Dec()
		}
		e.bus.EmitPeerDisconnected(events.PeerDisconnected{
			PeerID:      s.id,
			DisplayName: s.name,
		})
	}
	e.logger.Info("Disconnected all peers", zap.Int("count", len(snaps)))
}
