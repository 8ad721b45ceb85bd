package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/TFMV/peerbeam/cache"
	"github.com/TFMV/peerbeam/crypto"
	"github.com/TFMV/peerbeam/engine"
	"github.com/TFMV/peerbeam/events"
	"github.com/TFMV/peerbeam/transfer"
)

// sendFiles streams the given local files to a connected peer, detecting each
// file's MIME type from its content.
func sendFiles(logger *zap.Logger, e *engine.Engine, peerID string, paths []string) error {
	files := make([]engine.NamedFile, 0, len(paths))
	handles := make([]*os.File, 0, len(paths))
	defer func() {
		for _, h := range handles {
			h.Close()
		}
	}()

	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			return fmt.Errorf("accessing %q: %w", path, err)
		}
		if info.IsDir() {
			return fmt.Errorf("%q is a directory, not a file", path)
		}

		mime, err := mimetype.DetectFile(path)
		if err != nil {
			return fmt.Errorf("detecting type of %q: %w", path, err)
		}

		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("opening %q: %w", path, err)
		}
		handles = append(handles, f)

		files = append(files, engine.NamedFile{
			Meta: transfer.Metadata{
				Name: filepath.Base(path),
				Size: info.Size(),
				Type: mime.String(),
			},
			Data: f,
		})
	}

	logger.Info("Sending files",
		zap.String("peer_id", peerID),
		zap.Int("count", len(files)))
	return e.SendFiles(context.Background(), peerID, files)
}

// saveReceivedFile writes a completed transfer to the output directory and,
// when a cache path is configured, also persists it to the offline cache.
func saveReceivedFile(logger *zap.Logger, received events.FileReceived) error {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}

	path := filepath.Join(outputDir, filepath.Base(received.File.Name))
	if err := os.WriteFile(path, received.File.Data, 0644); err != nil {
		return fmt.Errorf("write %q: %w", path, err)
	}

	if cachePath := viper.GetString("cache.path"); cachePath != "" {
		cfg := cache.Config{Path: cachePath}
		if viper.GetBool("cache.encrypt") {
			sealer, err := crypto.NewSealer(logger, filepath.Join(cachePath, "keys"))
			if err != nil {
				return fmt.Errorf("initialize cache encryption: %w", err)
			}
			cfg.Cipher = sealer
		}
		store, err := cache.Open(cfg, logger)
		if err != nil {
			return fmt.Errorf("open cache: %w", err)
		}
		defer store.Close()

		err = store.SaveFile(&cache.CachedFile{
			ID:         uuid.New().String(),
			Name:       received.File.Name,
			MimeType:   received.File.MimeType,
			FromPeer:   received.FromPeer,
			Data:       received.File.Data,
			ReceivedAt: time.Now(),
		})
		if err != nil {
			return fmt.Errorf("cache received file: %w", err)
		}
	}

	return nil
}

var (
	barMu   sync.Mutex
	barFile string
	bar     *progressbar.ProgressBar
)

// renderProgress draws one progress bar per in-flight file. A new file name
// starts a fresh bar; the transfer protocol allows only one file per peer at
// a time so interleaving is not a concern.
func renderProgress(p events.TransferProgress) {
	barMu.Lock()
	defer barMu.Unlock()

	if bar == nil || barFile != p.Filename {
		barFile = p.Filename
		bar = progressbar.DefaultBytes(p.Total, p.Filename)
	}
	bar.Set64(p.Bytes)
}
