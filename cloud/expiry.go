package cloud

import (
	"context"
	"time"

	"github.com/andres-erbsen/clock"
	"go.uber.org/zap"
)

// DefaultSweepInterval is how often the sweeper scans for expired records.
const DefaultSweepInterval = time.Hour

// Sweeper periodically deletes the blobs of expired records.
type Sweeper struct {
	logger   *zap.Logger
	store    ObjectStore
	uploader *Uploader
	interval time.Duration
	clk      clock.Clock
}

// NewSweeper creates a sweeper over the uploader's record set. A zero
// interval falls back to DefaultSweepInterval; a nil clock falls back to the
// real clock.
func NewSweeper(logger *zap.Logger, store ObjectStore, uploader *Uploader, interval time.Duration, clk clock.Clock) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Sweeper{
		logger:   logger,
		store:    store,
		uploader: uploader,
		interval: interval,
		clk:      clk,
	}
}

// Run sweeps on the configured interval until the context is canceled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := s.clk.Ticker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce removes every expired record and deletes its chunk blobs,
// returning the number of records swept. A failed blob delete is logged and
// skipped; the record is gone either way.
func (s *Sweeper) SweepOnce(ctx context.Context) int {
	expired := s.uploader.expireBefore(s.clk.Now())
	for _, record := range expired {
		for i := 0; i < record.TotalChunks; i++ {
			key := ChunkKey(record.ID, i)
			if err := s.store.Delete(ctx, key); err != nil {
				s.logger.Warn("Failed to delete expired chunk",
					zap.String("key", key),
					zap.Error(err))
			}
		}
		s.logger.Info("Swept expired record",
			zap.String("record_id", record.ID),
			zap.String("file_name", record.FileName),
			zap.Time("expired_at", record.ExpiresAt))
	}
	return len(expired)
}
