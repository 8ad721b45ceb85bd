package transfer

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/TFMV/peerbeam/events"
)

// fakeChannel is an injectable stand-in for a data channel. It records every
// frame and lets tests script the buffered amount the backpressure loop sees.
type fakeChannel struct {
	mu         sync.Mutex
	open       bool
	texts      []string
	frames     [][]byte
	bufferedFn func() uint64

	// violations counts sends issued while the scripted buffered amount was
	// above the high-water mark.
	violations    int
	highWaterMark uint64
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{open: true}
}

func (f *fakeChannel) SendText(msg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, msg)
	return nil
}

func (f *fakeChannel) Send(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.bufferedFn != nil && f.highWaterMark > 0 && f.bufferedFn() > f.highWaterMark {
		f.violations++
	}
	frame := make([]byte, len(data))
	copy(frame, data)
	f.frames = append(f.frames, frame)
	return nil
}

func (f *fakeChannel) BufferedAmount() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.bufferedFn == nil {
		return 0
	}
	return f.bufferedFn()
}

func (f *fakeChannel) IsOpen() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open
}

func (f *fakeChannel) sentFrames() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	frames := make([][]byte, len(f.frames))
	copy(frames, f.frames)
	return frames
}

func (f *fakeChannel) sentTexts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	texts := make([]string, len(f.texts))
	copy(texts, f.texts)
	return texts
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.DrainInterval = time.Millisecond
	return cfg
}

func newTestProtocol(t *testing.T) (*Protocol, *events.Bus) {
	t.Helper()
	logger := zap.NewNop()
	bus := events.NewBus(logger)
	return NewProtocol(logger, bus, testConfig(), nil), bus
}

// patternedData produces deterministic non-repeating content so off-by-one
// reassembly errors show up as byte mismatches.
func patternedData(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i % 251)
	}
	return data
}

func drainProgress(bus *events.Bus) []events.TransferProgress {
	var out []events.TransferProgress
	for {
		select {
		case e := <-bus.TransferProgressEvents():
			out = append(out, e)
		default:
			return out
		}
	}
}

func receiveAll(p *Protocol, peerID string, ch *fakeChannel) {
	for _, text := range ch.sentTexts() {
		p.HandleText(peerID, []byte(text))
	}
	for _, frame := range ch.sentFrames() {
		p.HandleBinary(peerID, frame)
	}
}

func TestReconstructionAcrossSizes(t *testing.T) {
	const frameSize = DefaultFrameSize

	tests := []struct {
		name string
		size int
	}{
		{"empty", 0},
		{"smaller than frame", 5},
		{"exactly one frame", frameSize},
		{"exactly divisible", 2 * frameSize},
		{"with remainder", 40000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sender, _ := newTestProtocol(t)
			receiver, bus := newTestProtocol(t)
			ch := newFakeChannel()

			data := patternedData(tt.size)
			meta := Metadata{Name: "payload.bin", Size: int64(tt.size), Type: "application/octet-stream"}
			err := sender.SendFile(context.Background(), "peer-a", ch, meta, bytes.NewReader(data))
			require.NoError(t, err)

			receiveAll(receiver, "peer-a", ch)

			select {
			case received := <-bus.FileReceivedEvents():
				assert.Equal(t, "payload.bin", received.File.Name)
				assert.Equal(t, "application/octet-stream", received.File.MimeType)
				assert.Len(t, received.File.Data, tt.size)
				assert.Equal(t, data, received.File.Data)
			default:
				t.Fatal("no FileReceived event emitted")
			}

			// Completion clears the in-flight state.
			assert.Empty(t, receiver.ActiveTransfers())
		})
	}
}

func TestFortyThousandByteScenario(t *testing.T) {
	sender, _ := newTestProtocol(t)
	receiver, bus := newTestProtocol(t)
	ch := newFakeChannel()

	data := patternedData(40000)
	meta := Metadata{Name: "scenario.bin", Size: 40000, Type: "application/octet-stream"}
	require.NoError(t, sender.SendFile(context.Background(), "peer-a", ch, meta, bytes.NewReader(data)))

	frames := ch.sentFrames()
	require.Len(t, frames, 3)
	assert.Len(t, frames[0], 16384)
	assert.Len(t, frames[1], 16384)
	assert.Len(t, frames[2], 7232)

	receiveAll(receiver, "peer-a", ch)

	progress := drainProgress(bus)
	require.Len(t, progress, 3)
	assert.Equal(t, int64(16384), progress[0].Bytes)
	assert.Equal(t, int64(32768), progress[1].Bytes)
	assert.Equal(t, int64(40000), progress[2].Bytes)
	for _, p := range progress {
		assert.Equal(t, int64(40000), p.Total)
	}

	var received []events.FileReceived
	for {
		select {
		case e := <-bus.FileReceivedEvents():
			received = append(received, e)
			continue
		default:
		}
		break
	}
	require.Len(t, received, 1)
	assert.Len(t, received[0].File.Data, 40000)
	assert.Equal(t, data, received[0].File.Data)
}

func TestSenderProgressEvents(t *testing.T) {
	sender, bus := newTestProtocol(t)
	ch := newFakeChannel()

	data := patternedData(40000)
	meta := Metadata{Name: "up.bin", Size: 40000, Type: "application/octet-stream"}
	require.NoError(t, sender.SendFile(context.Background(), "peer-a", ch, meta, bytes.NewReader(data)))

	progress := drainProgress(bus)
	require.Len(t, progress, 3)
	assert.Equal(t, int64(16384), progress[0].Bytes)
	assert.Equal(t, int64(32768), progress[1].Bytes)
	assert.Equal(t, int64(40000), progress[2].Bytes)
}

func TestSendFileNotConnected(t *testing.T) {
	sender, _ := newTestProtocol(t)
	meta := Metadata{Name: "f", Size: 1, Type: "text/plain"}

	err := sender.SendFile(context.Background(), "peer-a", nil, meta, bytes.NewReader([]byte("x")))
	assert.ErrorIs(t, err, ErrPeerNotConnected)

	closed := newFakeChannel()
	closed.open = false
	err = sender.SendFile(context.Background(), "peer-a", closed, meta, bytes.NewReader([]byte("x")))
	assert.ErrorIs(t, err, ErrPeerNotConnected)
}

func TestBackpressureHoldsFrames(t *testing.T) {
	logger := zap.NewNop()
	bus := events.NewBus(logger)
	cfg := testConfig()
	sender := NewProtocol(logger, bus, cfg, nil)

	ch := newFakeChannel()
	ch.highWaterMark = cfg.HighWaterMark

	// The scripted buffer starts well above the high-water mark and drains by
	// one frame every time the backpressure loop re-checks it.
	buffered := cfg.HighWaterMark + 5*uint64(cfg.FrameSize)
	ch.bufferedFn = func() uint64 {
		current := buffered
		if buffered >= uint64(cfg.FrameSize) {
			buffered -= uint64(cfg.FrameSize)
		} else {
			buffered = 0
		}
		return current
	}

	data := patternedData(3 * cfg.FrameSize)
	meta := Metadata{Name: "slow.bin", Size: int64(len(data)), Type: "application/octet-stream"}
	require.NoError(t, sender.SendFile(context.Background(), "peer-a", ch, meta, bytes.NewReader(data)))

	assert.Len(t, ch.sentFrames(), 3)
	assert.Zero(t, ch.violations, "frame sent while buffered amount exceeded the high-water mark")
}

func TestBackpressureRespectsContext(t *testing.T) {
	logger := zap.NewNop()
	bus := events.NewBus(logger)
	cfg := testConfig()
	sender := NewProtocol(logger, bus, cfg, nil)

	ch := newFakeChannel()
	// Never drains.
	ch.bufferedFn = func() uint64 { return cfg.HighWaterMark + 1 }

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	data := patternedData(cfg.FrameSize)
	meta := Metadata{Name: "stuck.bin", Size: int64(len(data)), Type: "application/octet-stream"}
	err := sender.SendFile(ctx, "peer-a", ch, meta, bytes.NewReader(data))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Empty(t, ch.sentFrames())
}

func TestNewMetadataReplacesIncompleteTransfer(t *testing.T) {
	receiver, bus := newTestProtocol(t)

	// First transfer: declared 40000 bytes, only one frame arrives.
	receiver.HandleText("peer-a", []byte(`{"name":"first.bin","size":40000,"type":"application/octet-stream"}`))
	receiver.HandleBinary("peer-a", patternedData(16384))

	// Second transfer replaces the first outright; stale buffers must not
	// leak into it.
	second := patternedData(20000)
	receiver.HandleText("peer-a", []byte(`{"name":"second.bin","size":20000,"type":"application/octet-stream"}`))
	receiver.HandleBinary("peer-a", second[:16384])
	receiver.HandleBinary("peer-a", second[16384:])

	var received []events.FileReceived
	for {
		select {
		case e := <-bus.FileReceivedEvents():
			received = append(received, e)
			continue
		default:
		}
		break
	}
	require.Len(t, received, 1)
	assert.Equal(t, "second.bin", received[0].File.Name)
	assert.Equal(t, second, received[0].File.Data)
}

func TestOrphanBinaryFrameDropped(t *testing.T) {
	receiver, bus := newTestProtocol(t)

	receiver.HandleBinary("peer-a", patternedData(512))

	select {
	case <-bus.FileReceivedEvents():
		t.Fatal("orphan binary frame must not produce a file")
	default:
	}
	assert.Empty(t, drainProgress(bus))
	assert.Empty(t, receiver.ActiveTransfers())
}

func TestAbandonDiscardsInFlight(t *testing.T) {
	receiver, bus := newTestProtocol(t)

	receiver.HandleText("peer-a", []byte(`{"name":"gone.bin","size":40000,"type":"application/octet-stream"}`))
	receiver.HandleBinary("peer-a", patternedData(16384))
	require.Len(t, receiver.ActiveTransfers(), 1)

	receiver.Abandon("peer-a")
	assert.Empty(t, receiver.ActiveTransfers())

	// Late frames after the abandon are orphans.
	receiver.HandleBinary("peer-a", patternedData(16384))

	select {
	case <-bus.FileReceivedEvents():
		t.Fatal("abandoned transfer must never complete")
	default:
	}
}

func TestResolveNameUsedInFileReceived(t *testing.T) {
	logger := zap.NewNop()
	bus := events.NewBus(logger)
	receiver := NewProtocol(logger, bus, testConfig(), func(peerID string) string {
		return "Alice's laptop"
	})

	receiver.HandleText("peer-a", []byte(`{"name":"hello.txt","size":5,"type":"text/plain"}`))
	receiver.HandleBinary("peer-a", []byte("hello"))

	select {
	case e := <-bus.FileReceivedEvents():
		assert.Equal(t, "Alice's laptop", e.FromPeer)
	default:
		t.Fatal("no FileReceived event emitted")
	}
}

func TestMetadataFrameIsJSON(t *testing.T) {
	sender, _ := newTestProtocol(t)
	ch := newFakeChannel()

	meta := Metadata{Name: "wire.txt", Size: 3, Type: "text/plain"}
	require.NoError(t, sender.SendFile(context.Background(), "peer-a", ch, meta, bytes.NewReader([]byte("abc"))))

	texts := ch.sentTexts()
	require.Len(t, texts, 1)
	assert.JSONEq(t, `{"name":"wire.txt","size":3,"type":"text/plain"}`, texts[0])
}
