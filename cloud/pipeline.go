// Package cloud implements the managed-storage side of sharing: a chunked
// upload pipeline against an object store, and a sweeper that deletes expired
// shared files. It is deliberately separate from the peer-to-peer transfer
// protocol - different chunk size, server-side persistence, and a bounded
// auto-retry policy the direct path does not have.
package cloud

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/TFMV/peerbeam/metrics"
)

const (
	// DefaultChunkSize is the cloud pipeline's blob size (256 KiB). Distinct
	// from the data channel frame size on purpose.
	DefaultChunkSize = 256 * 1024
	// DefaultMaxAttempts is how many times each chunk is tried before the
	// upload is abandoned.
	DefaultMaxAttempts = 3
	// DefaultRetryBackoff is the fixed delay between attempts.
	DefaultRetryBackoff = 2 * time.Second
	// DefaultTTL is how long a shared record lives before the sweeper may
	// delete it.
	DefaultTTL = 24 * time.Hour
)

// ErrUploadAborted indicates a chunk exhausted its retries and the remaining
// chunks were not attempted.
var ErrUploadAborted = errors.New("upload aborted")

// ObjectStore is the managed storage service the pipeline uploads to.
type ObjectStore interface {
	// Put stores a blob under a key, overwriting any existing blob.
	Put(ctx context.Context, key string, data []byte) error
	// Delete removes a blob. Deleting a missing blob is not an error.
	Delete(ctx context.Context, key string) error
}

// ChunkState tracks one chunk's upload status.
type ChunkState string

const (
	// ChunkPending indicates the chunk has not been uploaded yet.
	ChunkPending ChunkState = "pending"
	// ChunkUploaded indicates the chunk was stored successfully.
	ChunkUploaded ChunkState = "uploaded"
	// ChunkFailed indicates the chunk exhausted its retries.
	ChunkFailed ChunkState = "failed"
)

// Record is the parent of one chunked upload. Chunks are stored as
// sequential named blobs {record id}/chunk_{n}.
type Record struct {
	ID          string       `json:"id"`
	FileName    string       `json:"file_name"`
	Size        int64        `json:"size"`
	ChunkSize   int          `json:"chunk_size"`
	TotalChunks int          `json:"total_chunks"`
	Chunks      []ChunkState `json:"chunks"`
	Completed   bool         `json:"completed"`
	CreatedAt   time.Time    `json:"created_at"`
	ExpiresAt   time.Time    `json:"expires_at"`
}

// ChunkKey returns the blob key for one chunk of a record.
func ChunkKey(recordID string, index int) string {
	return fmt.Sprintf("%s/chunk_%d", recordID, index)
}

// Config contains pipeline configuration.
type Config struct {
	ChunkSize    int
	MaxAttempts  int
	RetryBackoff time.Duration
	TTL          time.Duration
	// Clock defaults to the real clock; tests inject a mock.
	Clock clock.Clock
}

// DefaultConfig returns the default pipeline configuration.
func DefaultConfig() Config {
	return Config{
		ChunkSize:    DefaultChunkSize,
		MaxAttempts:  DefaultMaxAttempts,
		RetryBackoff: DefaultRetryBackoff,
		TTL:          DefaultTTL,
	}
}

// Uploader splits files into sequential named blobs against an object store,
// tracking per-chunk status and retrying each chunk a fixed number of times
// with fixed backoff.
type Uploader struct {
	logger *zap.Logger
	store  ObjectStore
	cfg    Config
	clk    clock.Clock

	mu      sync.RWMutex
	records map[string]*Record
}

// NewUploader creates an upload pipeline over the given object store.
func NewUploader(logger *zap.Logger, store ObjectStore, cfg Config) *Uploader {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = DefaultRetryBackoff
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}
	return &Uploader{
		logger:  logger,
		store:   store,
		cfg:     cfg,
		clk:     clk,
		records: make(map[string]*Record),
	}
}

// Upload splits the file into chunks and uploads them sequentially. Each
// chunk gets MaxAttempts tries with a fixed backoff between them; a chunk
// exhausting its retries aborts the remaining chunks and leaves the record
// incomplete. The record is marked completed only once every chunk succeeds.
func (u *Uploader) Upload(ctx context.Context, fileName string, size int64, r io.Reader) (*Record, error) {
	totalChunks := int((size + int64(u.cfg.ChunkSize) - 1) / int64(u.cfg.ChunkSize))

	now := u.clk.Now()
	record := &Record{
		ID:          uuid.New().String(),
		FileName:    fileName,
		Size:        size,
		ChunkSize:   u.cfg.ChunkSize,
		TotalChunks: totalChunks,
		Chunks:      make([]ChunkState, totalChunks),
		CreatedAt:   now,
		ExpiresAt:   now.Add(u.cfg.TTL),
	}
	for i := range record.Chunks {
		record.Chunks[i] = ChunkPending
	}

	u.mu.Lock()
	u.records[record.ID] = record
	u.mu.Unlock()

	u.logger.Info("Cloud upload started",
		zap.String("record_id", record.ID),
		zap.String("file_name", fileName),
		zap.Int64("size", size),
		zap.Int("total_chunks", totalChunks))

	buf := make([]byte, u.cfg.ChunkSize)
	for i := 0; i < totalChunks; i++ {
		n, err := io.ReadFull(r, buf)
		if err == io.ErrUnexpectedEOF || err == io.EOF {
			if n == 0 {
				return record, fmt.Errorf("%w: file shorter than declared size", ErrUploadAborted)
			}
		} else if err != nil {
			return record, fmt.Errorf("%w: reading chunk %d: %v", ErrUploadAborted, i, err)
		}

		chunk := make([]byte, n)
		copy(chunk, buf[:n])
		if err := u.putChunk(ctx, record.ID, i, chunk); err != nil {
			u.setChunkState(record.ID, i, ChunkFailed)
			u.logger.Error("Cloud upload aborted",
				zap.String("record_id", record.ID),
				zap.Int("chunk_index", i),
				zap.Error(err))
			return record, fmt.Errorf("%w: chunk %d: %v", ErrUploadAborted, i, err)
		}
		u.setChunkState(record.ID, i, ChunkUploaded)
	}

	u.mu.Lock()
	record.Completed = true
	u.mu.Unlock()

	u.logger.Info("Cloud upload completed", zap.String("record_id", record.ID))
	return record, nil
}

// putChunk uploads one chunk with fixed-backoff retries.
func (u *Uploader) putChunk(ctx context.Context, recordID string, index int, data []byte) error {
	key := ChunkKey(recordID, index)

	var lastErr error
	for attempt := 1; attempt <= u.cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = u.store.Put(ctx, key, data)
		if lastErr == nil {
			return nil
		}

		u.logger.Warn("Chunk upload failed",
			zap.String("key", key),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", u.cfg.MaxAttempts),
			zap.Error(lastErr))

		if attempt < u.cfg.MaxAttempts {
			metrics.CloudChunkRetries.Inc()
			u.clk.Sleep(u.cfg.RetryBackoff)
		}
	}
	return lastErr
}

func (u *Uploader) setChunkState(recordID string, index int, state ChunkState) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if record, ok := u.records[recordID]; ok {
		record.Chunks[index] = state
	}
}

// Record returns the record with the given id.
func (u *Uploader) Record(id string) (*Record, bool) {
	u.mu.RLock()
	defer u.mu.RUnlock()
	record, ok := u.records[id]
	return record, ok
}

// Records returns a snapshot of all tracked records.
func (u *Uploader) Records() []*Record {
	u.mu.RLock()
	defer u.mu.RUnlock()
	records := make([]*Record, 0, len(u.records))
	for _, record := range u.records {
		records = append(records, record)
	}
	return records
}

// expireBefore removes and returns all records whose expiry is at or before
// the cutoff.
func (u *Uploader) expireBefore(cutoff time.Time) []*Record {
	u.mu.Lock()
	defer u.mu.Unlock()

	var expired []*Record
	for id, record := range u.records {
		if !record.ExpiresAt.After(cutoff) {
			expired = append(expired, record)
			delete(u.records, id)
		}
	}
	return expired
}
