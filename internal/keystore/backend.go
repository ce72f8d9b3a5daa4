package keystore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
)

const maxSecretBytes = 16 * 1024

var (
	ErrLocked          = errors.New("keystore is locked")
	ErrAlreadyExists   = errors.New("keystore already exists")
	ErrNotInitialized  = errors.New("keystore not initialized")
	ErrInvalidSecretID = errors.New("secret id is required")
	ErrInvalidSecret   = errors.New("invalid secret")
	ErrSecretTooBig    = errors.New("secret exceeds size limit")
	ErrInvalidPass     = errors.New("invalid passphrase")
	ErrCorruptFile     = errors.New("corrupted keystore")
)

// Backend is the secret storage contract used by the encryption engine. Missing
// secrets are reported with an error wrapping os.ErrNotExist.
type Backend interface {
	StoreSecret(ctx context.Context, keyID string, secret []byte) error
	LoadSecret(ctx context.Context, keyID string) ([]byte, error)
	DeleteSecret(ctx context.Context, keyID string) error
	ListSecrets(ctx context.Context) ([]string, error)
}

// MemoryBackend keeps secrets in process memory only.
type MemoryBackend struct {
	secrets map[string][]byte
	mu      sync.RWMutex
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{secrets: make(map[string][]byte)}
}

func (m *MemoryBackend) StoreSecret(ctx context.Context, keyID string, secret []byte) error {
	if err := validateSecret(keyID, secret); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.secrets[keyID]; ok {
		zeroBytes(existing)
	}
	m.secrets[keyID] = append([]byte(nil), secret...)
	return ctx.Err()
}

func (m *MemoryBackend) LoadSecret(ctx context.Context, keyID string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	secret, ok := m.secrets[keyID]
	if !ok {
		return nil, fmt.Errorf("secret %s: %w", keyID, os.ErrNotExist)
	}
	return append([]byte(nil), secret...), ctx.Err()
}

func (m *MemoryBackend) DeleteSecret(ctx context.Context, keyID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.secrets[keyID]; ok {
		zeroBytes(existing)
		delete(m.secrets, keyID)
	}
	return ctx.Err()
}

func (m *MemoryBackend) ListSecrets(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return sortedKeys(m.secrets), ctx.Err()
}

func validateSecret(keyID string, secret []byte) error {
	if keyID == "" {
		return ErrInvalidSecretID
	}
	if len(secret) == 0 {
		return fmt.Errorf("secret cannot be empty: %w", ErrInvalidSecret)
	}
	if len(secret) > maxSecretBytes {
		return fmt.Errorf("secret for %s exceeds %d bytes: %w", keyID, maxSecretBytes, ErrSecretTooBig)
	}
	return nil
}

func sortedKeys(m map[string][]byte) []string {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

func zeroSecretMap(m map[string][]byte) {
	for _, v := range m {
		zeroBytes(v)
	}
}
