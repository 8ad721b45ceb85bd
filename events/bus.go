package events

import (
	"go.uber.org/zap"
)

// DefaultBufferSize is the depth of each event channel.
const DefaultBufferSize = 64

// PeerConnected is emitted when a peer's data channel opens.
type PeerConnected struct {
	PeerID      string
	DisplayName string
}

// PeerDisconnected is emitted when a peer's channel closes, whether locally,
// remotely, or through network loss.
type PeerDisconnected struct {
	PeerID      string
	DisplayName string
}

// ReceivedFile is a fully reassembled file, byte-exact with the sender's copy.
type ReceivedFile struct {
	Name     string
	MimeType string
	Data     []byte
}

// FileReceived is emitted once per completed transfer.
type FileReceived struct {
	File     ReceivedFile
	FromPeer string // display name of the sending peer
}

// TransferProgress is emitted after every frame sent or received. Completion
// is decided by byte comparison, not by this event; the final progress event
// carries Bytes == Total.
type TransferProgress struct {
	PeerID   string
	Filename string
	Bytes    int64
	Total    int64
}

// Bus fans out transfer events to external listeners over four typed,
// single-consumer channels. There is no buffering beyond the channel depth
// and no replay: a late subscriber misses prior events. Emission never
// blocks; events nobody drains in time are dropped.
type Bus struct {
	logger *zap.Logger

	peerConnected    chan PeerConnected
	peerDisconnected chan PeerDisconnected
	fileReceived     chan FileReceived
	transferProgress chan TransferProgress
}

// NewBus creates an event bus with the default channel depth.
func NewBus(logger *zap.Logger) *Bus {
	return &Bus{
		logger:           logger,
		peerConnected:    make(chan PeerConnected, DefaultBufferSize),
		peerDisconnected: make(chan PeerDisconnected, DefaultBufferSize),
		fileReceived:     make(chan FileReceived, DefaultBufferSize),
		transferProgress: make(chan TransferProgress, DefaultBufferSize),
	}
}

// PeerConnectedEvents returns the channel of peer-connected events.
func (b *Bus) PeerConnectedEvents() <-chan PeerConnected {
	return b.peerConnected
}

// PeerDisconnectedEvents returns the channel of peer-disconnected events.
func (b *Bus) PeerDisconnectedEvents() <-chan PeerDisconnected {
	return b.peerDisconnected
}

// FileReceivedEvents returns the channel of completed-file events.
func (b *Bus) FileReceivedEvents() <-chan FileReceived {
	return b.fileReceived
}

// TransferProgressEvents returns the channel of progress events.
func (b *Bus) TransferProgressEvents() <-chan TransferProgress {
	return b.transferProgress
}

// EmitPeerConnected publishes a peer-connected event.
func (b *Bus) EmitPeerConnected(e PeerConnected) {
	select {
	case b.peerConnected <- e:
	default:
		b.logger.Warn("Dropping peer connected event, channel full",
			zap.String("peer_id", e.PeerID))
	}
}

// EmitPeerDisconnected publishes a peer-disconnected event.
func (b *Bus) EmitPeerDisconnected(e PeerDisconnected) {
	select {
	case b.peerDisconnected <- e:
	default:
		b.logger.Warn("Dropping peer disconnected event, channel full",
			zap.String("peer_id", e.PeerID))
	}
}

// EmitFileReceived publishes a completed-file event.
func (b *Bus) EmitFileReceived(e FileReceived) {
	select {
	case b.fileReceived <- e:
	default:
		b.logger.Warn("Dropping file received event, channel full",
			zap.String("file_name", e.File.Name))
	}
}

// EmitTransferProgress publishes a progress event. Progress is the chattiest
// event kind; dropped progress updates are logged at debug only.
func (b *Bus) EmitTransferProgress(e TransferProgress) {
	select {
	case b.transferProgress <- e:
	default:
		b.logger.Debug("Dropping transfer progress event, channel full",
			zap.String("peer_id", e.PeerID),
			zap.String("file_name", e.Filename))
	}
}
