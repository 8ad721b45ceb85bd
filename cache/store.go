// Package cache persists received files and queued outbound uploads so the
// application survives restarts while offline. Everything lives in a single
// embedded BadgerDB keyed by record type prefix.
package cache

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/dgraph-io/badger/v3"
	"go.uber.org/zap"
)

const (
	filePrefix  = "file:"
	queuePrefix = "queue:"
)

// CachedFile is a received file held locally until the user exports or
// discards it.
type CachedFile struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	MimeType   string    `json:"mime_type"`
	FromPeer   string    `json:"from_peer"`
	Data       []byte    `json:"data"`
	ReceivedAt time.Time `json:"received_at"`
}

// PendingUpload is an outbound transfer captured while no peer was reachable.
type PendingUpload struct {
	ID       string    `json:"id"`
	PeerID   string    `json:"peer_id"`
	Name     string    `json:"name"`
	MimeType string    `json:"mime_type"`
	Data     []byte    `json:"data"`
	QueuedAt time.Time `json:"queued_at"`
}

// Cipher seals values before they hit disk and opens them on the way back.
type Cipher interface {
	Seal(data []byte) ([]byte, error)
	Open(sealed []byte) ([]byte, error)
}

// Store is the embedded cache database.
type Store struct {
	db     *badger.DB
	logger *zap.Logger
	cipher Cipher
}

// Config defines cache configuration. A nil Cipher stores values in the
// clear.
type Config struct {
	Path   string `yaml:"path"`
	Cipher Cipher `yaml:"-"`
}

// Open opens (creating if needed) the cache database at the configured path.
func Open(config Config, logger *zap.Logger) (*Store, error) {
	if err := os.MkdirAll(config.Path, 0755); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}

	opts := badger.DefaultOptions(config.Path)
	opts.Logger = &badgerLogger{logger: logger}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}

	return &Store{
		db:     db,
		logger: logger,
		cipher: config.Cipher,
	}, nil
}

// Close closes the cache database.
func (s *Store) Close() error {
	return s.db.Close()
}

// encode marshals a record and seals it when a cipher is configured.
func (s *Store) encode(v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if s.cipher != nil {
		return s.cipher.Seal(data)
	}
	return data, nil
}

// decode reverses encode.
func (s *Store) decode(val []byte, v interface{}) error {
	if s.cipher != nil {
		opened, err := s.cipher.Open(val)
		if err != nil {
			return err
		}
		val = opened
	}
	return json.Unmarshal(val, v)
}

// SaveFile stores a received file.
func (s *Store) SaveFile(file *CachedFile) error {
	key := filePrefix + file.ID
	data, err := s.encode(file)
	if err != nil {
		return fmt.Errorf("encode cached file: %w", err)
	}

	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), data)
	})
}

// GetFile retrieves a received file by id. A missing id returns (nil, nil).
func (s *Store) GetFile(id string) (*CachedFile, error) {
	key := filePrefix + id
	var file CachedFile

	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return s.decode(val, &file)
		})
	})

	if err == badger.ErrKeyNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get cached file: %w", err)
	}

	return &file, nil
}

// DeleteFile removes a received file.
func (s *Store) DeleteFile(id string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(filePrefix + id))
	})
}

// ListFiles returns all cached files.
func (s *Store) ListFiles() ([]*CachedFile, error) {
	var files []*CachedFile

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchSize = 10
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(filePrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var file CachedFile
				if err := s.decode(val, &file); err != nil {
					return err
				}
				files = append(files, &file)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})

	return files, err
}

// Enqueue stores a pending upload.
func (s *Store) Enqueue(upload *PendingUpload) error {
	key := queuePrefix + upload.ID
	data, err := s.encode(upload)
	if err != nil {
		return fmt.Errorf("encode pending upload: %w", err)
	}

	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), data)
	})
}

// PendingUploads returns every queued upload.
func (s *Store) PendingUploads() ([]*PendingUpload, error) {
	var uploads []*PendingUpload

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchSize = 10
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(queuePrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var upload PendingUpload
				if err := s.decode(val, &upload); err != nil {
					return err
				}
				uploads = append(uploads, &upload)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})

	return uploads, err
}

// Dequeue removes a pending upload once it has been sent.
func (s *Store) Dequeue(id string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(queuePrefix + id))
	})
}

// ClearQueue drops every pending upload.
func (s *Store) ClearQueue() error {
	uploads, err := s.PendingUploads()
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		for _, upload := range uploads {
			if err := txn.Delete([]byte(queuePrefix + upload.ID)); err != nil {
				return err
			}
		}
		return nil
	})
}

// RunGC runs garbage collection on the database.
func (s *Store) RunGC() error {
	return s.db.RunValueLogGC(0.5)
}

// badgerLogger implements badger.Logger interface.
type badgerLogger struct {
	logger *zap.Logger
}

func (bl *badgerLogger) Errorf(format string, args ...interface{}) {
	bl.logger.Error(fmt.Sprintf(format, args...))
}

func (bl *badgerLogger) Warningf(format string, args ...interface{}) {
	bl.logger.Warn(fmt.Sprintf(format, args...))
}

func (bl *badgerLogger) Infof(format string, args ...interface{}) {
	bl.logger.Info(fmt.Sprintf(format, args...))
}

func (bl *badgerLogger) Debugf(format string, args ...interface{}) {
	bl.logger.Debug(fmt.Sprintf(format, args...))
}
