// Package crypto provides at-rest encryption for the offline cache. Data
// channel traffic is already protected by DTLS, so only locally persisted
// files need sealing.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/TFMV/peerbeam/metrics"
)

// KeySize is the size of the AES key in bytes (256 bits)
const KeySize = 32

// Sealer encrypts and decrypts byte blobs with a persisted AES-256-GCM key.
type Sealer struct {
	logger *zap.Logger
	key    []byte
}

// NewSealer loads the key from keysDir, generating and persisting a new one
// on first use.
func NewSealer(logger *zap.Logger, keysDir string) (*Sealer, error) {
	if err := os.MkdirAll(keysDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create keys directory: %w", err)
	}

	keyPath := filepath.Join(keysDir, "cache.key")
	key, err := os.ReadFile(keyPath)
	if os.IsNotExist(err) {
		logger.Info("Generating new cache encryption key")
		key = make([]byte, KeySize)
		if _, err := io.ReadFull(rand.Reader, key); err != nil {
			return nil, fmt.Errorf("failed to generate key: %w", err)
		}
		if err := os.WriteFile(keyPath, key, 0600); err != nil {
			return nil, fmt.Errorf("failed to persist key: %w", err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("failed to read key: %w", err)
	} else if len(key) != KeySize {
		return nil, fmt.Errorf("key file has wrong size: %d bytes", len(key))
	}

	return &Sealer{logger: logger, key: key}, nil
}

// Seal encrypts data, prepending the random nonce to the ciphertext.
func (s *Sealer) Seal(data []byte) ([]byte, error) {
	gcm, err := s.gcm()
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		metrics.SealFailures.Inc()
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return gcm.Seal(nonce, nonce, data, nil), nil
}

// Open decrypts data produced by Seal.
func (s *Sealer) Open(sealed []byte) ([]byte, error) {
	gcm, err := s.gcm()
	if err != nil {
		return nil, err
	}

	nonceSize := gcm.NonceSize()
	if len(sealed) < nonceSize {
		metrics.SealFailures.Inc()
		return nil, errors.New("sealed data too short")
	}

	nonce, ciphertext := sealed[:nonceSize], sealed[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		metrics.SealFailures.Inc()
		return nil, fmt.Errorf("failed to decrypt data: %w", err)
	}

	return plaintext, nil
}

func (s *Sealer) gcm() (cipher.AEAD, error) {
	block, err := aes.NewCipher(s.key)
	if err != nil {
		metrics.SealFailures.Inc()
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		metrics.SealFailures.Inc()
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}
