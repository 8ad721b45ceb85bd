package peer

import (
	"sync"

	"github.com/pion/webrtc/v3"
)

// State represents the lifecycle state of a peer connection.
type State int

const (
	// StateNew indicates the connection has been created but not negotiated.
	StateNew State = iota
	// StateConnecting indicates negotiation is in progress.
	StateConnecting
	// StateConnected indicates the data channel is open.
	StateConnected
	// StateDisconnected indicates the connection was lost.
	StateDisconnected
	// StateClosed indicates the connection was closed deliberately.
	StateClosed
)

// String returns a string representation of the connection state.
func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Connection is one negotiated transport to one remote peer, owning a single
// ordered reliable data channel. Each channel is exclusively owned by its
// Connection; a peer has at most one active channel at any time.
type Connection struct {
	mu          sync.RWMutex
	id          string
	displayName string
	state       State
	pc          *webrtc.PeerConnection
	channel     *DataChannel
}

// NewConnection creates a Connection wrapping an established transport.
func NewConnection(id, displayName string, pc *webrtc.PeerConnection) *Connection {
	return &Connection{
		id:          id,
		displayName: displayName,
		state:       StateNew,
		pc:          pc,
	}
}

// ID returns the peer id the connection is currently keyed by.
func (c *Connection) ID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.id
}

// DisplayName returns the peer's self-reported display name.
func (c *Connection) DisplayName() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.displayName
}

// SetIdentity replaces the connection's identity, used when a placeholder
// entry is promoted to the real remote peer id carried in a descriptor.
func (c *Connection) SetIdentity(id, displayName string) {
	c.mu.Lock()
	c.id = id
	c.displayName = displayName
	c.mu.Unlock()
}

// State returns the current connection state.
func (c *Connection) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// SetState updates the connection state.
func (c *Connection) SetState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Channel returns the connection's data channel, or nil if none is attached.
func (c *Connection) Channel() *DataChannel {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.channel
}

// SetChannel attaches the connection's single data channel.
func (c *Connection) SetChannel(ch *DataChannel) {
	c.mu.Lock()
	c.channel = ch
	c.mu.Unlock()
}

// Transport returns the underlying WebRTC peer connection.
func (c *Connection) Transport() *webrtc.PeerConnection {
	return c.pc
}

// Close closes the data channel and the underlying transport.
func (c *Connection) Close() error {
	c.mu.Lock()
	ch := c.channel
	c.state = StateClosed
	c.mu.Unlock()

	if ch != nil {
		// Channel close errors are absorbed; the transport close below tears
		// down the SCTP association either way.
		_ = ch.Close()
	}
	if c.pc != nil {
		return c.pc.Close()
	}
	return nil
}

// DataChannel wraps a pion data channel behind the small surface the transfer
// protocol needs, so tests can substitute a fake.
type DataChannel struct {
	dc *webrtc.DataChannel
}

// WrapDataChannel wraps a pion data channel.
func WrapDataChannel(dc *webrtc.DataChannel) *DataChannel {
	return &DataChannel{dc: dc}
}

// SendText sends a UTF-8 text message on the channel.
func (d *DataChannel) SendText(msg string) error {
	return d.dc.SendText(msg)
}

// Send sends a binary message on the channel.
func (d *DataChannel) Send(data []byte) error {
	return d.dc.Send(data)
}

// BufferedAmount returns the number of bytes queued but not yet handed to the
// transport, the quantity the send-side backpressure loop watches.
func (d *DataChannel) BufferedAmount() uint64 {
	return d.dc.BufferedAmount()
}

// IsOpen reports whether the channel is open for sending.
func (d *DataChannel) IsOpen() bool {
	return d.dc.ReadyState() == webrtc.DataChannelStateOpen
}

// Close closes the data channel.
func (d *DataChannel) Close() error {
	return d.dc.Close()
}

// Label returns the channel's label.
func (d *DataChannel) Label() string {
	return d.dc.Label()
}
