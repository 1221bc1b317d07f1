package secrets

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"pluginhost/pkg/logging"
)

// Store is the secret backend contract. Keys are flat names; values are
// opaque strings.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context) ([]string, error)
}

var ErrSecretNotFound = fmt.Errorf("secret not found")

type Encryption interface {
	Encrypt(plaintext []byte) ([]byte, error)
	Decrypt(ciphertext []byte) ([]byte, error)
}

type AESEncryption struct {
	key []byte
}

// NewAESEncryption derives a 32-byte AES-256 key from the given material.
func NewAESEncryption(key []byte) (*AESEncryption, error) {
	if len(key) == 0 {
		return nil, fmt.Errorf("encryption key is required")
	}
	if len(key) != 32 {
		hash := sha256.Sum256(key)
		key = hash[:]
	}
	return &AESEncryption{key: key}, nil
}

func (e *AESEncryption) Encrypt(plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(e.key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func (e *AESEncryption) Decrypt(ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(e.key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	if len(ciphertext) < gcm.NonceSize() {
		return nil, fmt.Errorf("ciphertext too short")
	}
	nonce, ciphertext := ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}
	return plaintext, nil
}

// FileStore keeps each secret in its own encrypted file under basePath,
// with a short-lived in-memory cache.
type FileStore struct {
	basePath   string
	encryption Encryption
	cache      map[string]cachedSecret
	cacheTTL   time.Duration
	mu         sync.RWMutex
	logger     logging.Logger
}

type cachedSecret struct {
	value     string
	expiresAt time.Time
}

func NewFileStore(basePath string, encryption Encryption, logger logging.Logger) (*FileStore, error) {
	if err := os.MkdirAll(basePath, 0700); err != nil {
		return nil, fmt.Errorf("failed to create secret store directory: %w", err)
	}
	if logger == nil {
		logger = logging.Nop
	}
	return &FileStore{
		basePath:   basePath,
		encryption: encryption,
		cache:      make(map[string]cachedSecret),
		cacheTTL:   5 * time.Minute,
		logger:     logger,
	}, nil
}

func (s *FileStore) Get(ctx context.Context, key string) (string, error) {
	s.mu.RLock()
	cached, exists := s.cache[key]
	s.mu.RUnlock()

	if exists && cached.expiresAt.After(time.Now()) {
		return cached.value, nil
	}

	data, err := os.ReadFile(s.secretPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: %s", ErrSecretNotFound, key)
		}
		return "", fmt.Errorf("failed to read secret file: %w", err)
	}

	ciphertext, err := base64.StdEncoding.DecodeString(string(data))
	if err != nil {
		return "", fmt.Errorf("failed to decode secret: %w", err)
	}

	plaintext, err := s.encryption.Decrypt(ciphertext)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt secret %s: %w", key, err)
	}
	value := string(plaintext)

	s.mu.Lock()
	s.cache[key] = cachedSecret{value: value, expiresAt: time.Now().Add(s.cacheTTL)}
	s.mu.Unlock()

	return value, nil
}

func (s *FileStore) Set(ctx context.Context, key, value string) error {
	ciphertext, err := s.encryption.Encrypt([]byte(value))
	if err != nil {
		return fmt.Errorf("failed to encrypt secret: %w", err)
	}

	encoded := base64.StdEncoding.EncodeToString(ciphertext)
	if err := os.WriteFile(s.secretPath(key), []byte(encoded), 0600); err != nil {
		return fmt.Errorf("failed to write secret file: %w", err)
	}

	s.mu.Lock()
	s.cache[key] = cachedSecret{value: value, expiresAt: time.Now().Add(s.cacheTTL)}
	s.mu.Unlock()

	s.logger.Debug("secret stored", "key", key)
	return nil
}

func (s *FileStore) Delete(ctx context.Context, key string) error {
	if err := os.Remove(s.secretPath(key)); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrSecretNotFound, key)
		}
		return fmt.Errorf("failed to delete secret file: %w", err)
	}
	s.mu.Lock()
	delete(s.cache, key)
	s.mu.Unlock()
	return nil
}

func (s *FileStore) List(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.basePath)
	if err != nil {
		return nil, fmt.Errorf("failed to list secrets: %w", err)
	}
	var keys []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if name, ok := strings.CutSuffix(entry.Name(), ".enc"); ok {
			keys = append(keys, name)
		}
	}
	return keys, nil
}

func (s *FileStore) secretPath(key string) string {
	return filepath.Join(s.basePath, sanitizeKey(key)+".enc")
}

func sanitizeKey(key string) string {
	replacer := strings.NewReplacer(
		"/", "_",
		"\\", "_",
		":", "_",
		"*", "_",
		"?", "_",
		"\"", "_",
		"<", "_",
		">", "_",
		"|", "_",
	)
	return replacer.Replace(key)
}
