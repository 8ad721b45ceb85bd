package transfer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/TFMV/peerbeam/events"
	"github.com/TFMV/peerbeam/metrics"
)

const (
	// DefaultFrameSize is the size of each binary payload frame (16 KiB).
	DefaultFrameSize = 16 * 1024
	// DefaultHighWaterMark is the channel buffered-amount threshold above
	// which sending pauses. A small multiple of the frame size bounds memory
	// growth at the transport layer.
	DefaultHighWaterMark = 4 * DefaultFrameSize
	// DefaultDrainInterval is how often the backpressure loop re-checks the
	// channel's buffered amount.
	DefaultDrainInterval = 100 * time.Millisecond
)

// ErrPeerNotConnected indicates the peer has no open channel. Transient;
// retry after reconnecting.
var ErrPeerNotConnected = errors.New("peer not connected")

// Metadata is the first frame of every transfer, declaring the file's name,
// byte size, and MIME type as UTF-8 JSON text.
type Metadata struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
	Type string `json:"type"`
}

// Channel is the ordered, reliable, bidirectional message transport the
// protocol sends on. *peer.DataChannel satisfies it; tests inject fakes.
type Channel interface {
	// SendText sends a UTF-8 text message.
	SendText(msg string) error
	// Send sends a binary message.
	Send(data []byte) error
	// BufferedAmount returns the bytes queued but not yet transmitted.
	BufferedAmount() uint64
	// IsOpen reports whether the channel accepts sends.
	IsOpen() bool
}

// Config contains tuning knobs for the chunked transfer protocol.
type Config struct {
	FrameSize     int
	HighWaterMark uint64
	DrainInterval time.Duration
}

// DefaultConfig returns the default protocol configuration.
func DefaultConfig() Config {
	return Config{
		FrameSize:     DefaultFrameSize,
		HighWaterMark: DefaultHighWaterMark,
		DrainInterval: DefaultDrainInterval,
	}
}

// inFlight is the receiver-side accumulation state for one file currently
// being received from one peer.
type inFlight struct {
	meta     Metadata
	received int64
	buffers  [][]byte
}

// Protocol serializes files into one metadata frame plus fixed-size binary
// frames and reassembles them on receipt. It performs no sequence numbering
// of its own; it relies entirely on the channel's ordering and reliability
// guarantee. Callers must keep at most one file in flight per peer at a
// time - sending a second file before the first's declared size is reached
// corrupts receiver state.
type Protocol struct {
	logger *zap.Logger
	bus    *events.Bus
	cfg    Config

	// resolveName maps a peer id to its display name for FileReceived events.
	resolveName func(peerID string) string

	mu       sync.Mutex
	inflight map[string]*inFlight // keyed by peer id
}

// NewProtocol creates a chunked transfer protocol instance.
func NewProtocol(logger *zap.Logger, bus *events.Bus, cfg Config, resolveName func(peerID string) string) *Protocol {
	if cfg.FrameSize <= 0 {
		cfg.FrameSize = DefaultFrameSize
	}
	if cfg.HighWaterMark == 0 {
		cfg.HighWaterMark = uint64(4 * cfg.FrameSize)
	}
	if cfg.DrainInterval <= 0 {
		cfg.DrainInterval = DefaultDrainInterval
	}
	if resolveName == nil {
		resolveName = func(peerID string) string { return peerID }
	}
	return &Protocol{
		logger:      logger,
		bus:         bus,
		cfg:         cfg,
		resolveName: resolveName,
		inflight:    make(map[string]*inFlight),
	}
}

// SendFile streams a file to a peer: one metadata frame, then fixed-size
// binary frames in order. Before each frame it waits for the channel's
// buffered amount to drain below the high-water mark. Completion is implicit;
// no terminator frame is sent and the receiver infers completion from the
// accumulated byte count.
func (p *Protocol) SendFile(ctx context.Context, peerID string, ch Channel, meta Metadata, r io.Reader) error {
	if ch == nil || !ch.IsOpen() {
		return fmt.Errorf("%w: %s", ErrPeerNotConnected, peerID)
	}

	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata frame: %w", err)
	}
	if err := ch.SendText(string(metaJSON)); err != nil {
		return fmt.Errorf("failed to send metadata frame: %w", err)
	}

	p.logger.Info("Transfer started",
		zap.String("peer_id", peerID),
		zap.String("file_name", meta.Name),
		zap.Int64("file_size", meta.Size))

	buf := make([]byte, p.cfg.FrameSize)
	var sent int64
	for sent < meta.Size {
		n, err := io.ReadFull(r, buf)
		if err == io.ErrUnexpectedEOF || err == io.EOF {
			if n == 0 {
				break
			}
		} else if err != nil {
			return fmt.Errorf("failed to read file at offset %d: %w", sent, err)
		}

		if err := p.waitForDrain(ctx, ch); err != nil {
			return err
		}

		frame := make([]byte, n)
		copy(frame, buf[:n])
		if err := ch.Send(frame); err != nil {
			return fmt.Errorf("failed to send frame at offset %d: %w", sent, err)
		}

		sent += int64(n)
		metrics.TransferThroughput.Add(float64(n))
		p.bus.EmitTransferProgress(events.TransferProgress{
			PeerID:   peerID,
			Filename: meta.Name,
			Bytes:    sent,
			Total:    meta.Size,
		})
	}

	if sent != meta.Size {
		return fmt.Errorf("file %q truncated: sent %d of %d declared bytes", meta.Name, sent, meta.Size)
	}

	p.logger.Info("Transfer sent",
		zap.String("peer_id", peerID),
		zap.String("file_name", meta.Name),
		zap.Int64("bytes", sent))
	return nil
}

// waitForDrain suspends while the channel's outstanding buffer exceeds the
// high-water mark, polling at the drain interval. This is the backpressure
// contract bounding memory growth at the transport layer.
func (p *Protocol) waitForDrain(ctx context.Context, ch Channel) error {
	for ch.BufferedAmount() > p.cfg.HighWaterMark {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.cfg.DrainInterval):
		}
	}
	return nil
}

// HandleText processes a text message from a peer's channel. A text message
// is always a new metadata frame: it resets or creates the in-flight transfer
// for that peer, discarding any prior incomplete one (last-metadata-wins).
func (p *Protocol) HandleText(peerID string, data []byte) {
	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		p.logger.Error("Failed to parse metadata frame",
			zap.String("peer_id", peerID),
			zap.Error(err))
		return
	}

	p.mu.Lock()
	if prior, exists := p.inflight[peerID]; exists {
		p.logger.Warn("Discarding incomplete transfer, new metadata frame received",
			zap.String("peer_id", peerID),
			zap.String("file_name", prior.meta.Name),
			zap.Int64("received", prior.received),
			zap.Int64("declared", prior.meta.Size))
	}
	p.inflight[peerID] = &inFlight{meta: meta}
	p.maybeCompleteLocked(peerID)
	p.mu.Unlock()

	p.logger.Info("Transfer receiving",
		zap.String("peer_id", peerID),
		zap.String("file_name", meta.Name),
		zap.Int64("file_size", meta.Size))
}

// HandleBinary processes a binary message from a peer's channel: the next
// chunk of the peer's active transfer, appended to the ordered buffer list.
// A binary message with no active metadata is silently dropped. That drop is
// a preserved quirk of the protocol, not auto-recovered into a new transfer.
func (p *Protocol) HandleBinary(peerID string, data []byte) {
	p.mu.Lock()
	state, exists := p.inflight[peerID]
	if !exists {
		p.mu.Unlock()
		p.logger.Warn("Dropping binary frame with no active transfer",
			zap.String("peer_id", peerID),
			zap.Int("size", len(data)))
		return
	}

	chunk := make([]byte, len(data))
	copy(chunk, data)
	state.buffers = append(state.buffers, chunk)
	state.received += int64(len(chunk))
	received, total, name := state.received, state.meta.Size, state.meta.Name
	metrics.TransferThroughput.Add(float64(len(chunk)))
	p.maybeCompleteLocked(peerID)
	p.mu.Unlock()

	p.bus.EmitTransferProgress(events.TransferProgress{
		PeerID:   peerID,
		Filename: name,
		Bytes:    received,
		Total:    total,
	})
}

// maybeCompleteLocked finishes the peer's transfer once the received byte
// count reaches the declared size. Completion is decided by byte comparison,
// never by rounded percentage. Caller holds p.mu.
func (p *Protocol) maybeCompleteLocked(peerID string) {
	state, exists := p.inflight[peerID]
	if !exists || state.received < state.meta.Size {
		return
	}
	delete(p.inflight, peerID)

	data := make([]byte, 0, state.received)
	for _, buf := range state.buffers {
		data = append(data, buf...)
	}

	metrics.FilesReceived.Inc()
	p.bus.EmitFileReceived(events.FileReceived{
		File: events.ReceivedFile{
			Name:     state.meta.Name,
			MimeType: state.meta.Type,
			Data:     data,
		},
		FromPeer: p.resolveName(peerID),
	})

	p.logger.Info("Transfer received",
		zap.String("peer_id", peerID),
		zap.String("file_name", state.meta.Name),
		zap.Int64("bytes", state.received))
}

// Abandon discards the peer's in-flight transfer without completion, used
// when the peer's channel closes mid-transfer.
func (p *Protocol) Abandon(peerID string) {
	p.mu.Lock()
	state, exists := p.inflight[peerID]
	if exists {
		delete(p.inflight, peerID)
	}
	p.mu.Unlock()

	if exists {
		p.logger.Info("Transfer abandoned",
			zap.String("peer_id", peerID),
			zap.String("file_name", state.meta.Name),
			zap.Int64("received", state.received),
			zap.Int64("declared", state.meta.Size))
	}
}

// InFlightInfo describes one receiver-side transfer in progress.
type InFlightInfo struct {
	PeerID   string `json:"peer_id"`
	FileName string `json:"file_name"`
	Received int64  `json:"received"`
	Declared int64  `json:"declared"`
}

// ActiveTransfers returns a snapshot of receiver-side transfers in progress.
func (p *Protocol) ActiveTransfers() []InFlightInfo {
	p.mu.Lock()
	defer p.mu.Unlock()

	infos := make([]InFlightInfo, 0, len(p.inflight))
	for peerID, state := range p.inflight {
		infos = append(infos, InFlightInfo{
			PeerID:   peerID,
			FileName: state.meta.Name,
			Received: state.received,
			Declared: state.meta.Size,
		})
	}
	return infos
}
