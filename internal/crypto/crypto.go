// Package crypto holds the end-to-end encryption engine for chat messages and the
// password-based sealing used for local secrets.
package crypto

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"sync"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/nacl/box"
)

const (
	// KeySize is the length of X25519 public and secret keys.
	KeySize = 32
	// NonceSize is the length of NaCl box and secretbox nonces.
	NonceSize = 24

	identitySecretID = "identity_x25519"
)

var (
	ErrDecryptionFailed = errors.New("decryption failed")
	ErrNoIdentity       = errors.New("no identity key")
	ErrInvalidKey       = errors.New("invalid key")
)

// SecretStore persists the identity secret. Missing secrets wrap fs.ErrNotExist.
type SecretStore interface {
	StoreSecret(ctx context.Context, keyID string, secret []byte) error
	LoadSecret(ctx context.Context, keyID string) ([]byte, error)
	DeleteSecret(ctx context.Context, keyID string) error
}

// Engine encrypts messages with the local X25519 identity. Clearing the identity takes
// the write lock, so it waits for in-flight operations and later ones see ErrNoIdentity.
type Engine struct {
	store  SecretStore
	public *[KeySize]byte
	secret *[KeySize]byte
	rand   io.Reader
	kdf    KDFParams
	mu     sync.RWMutex
}

// NewEngine loads any identity already held by store.
func NewEngine(ctx context.Context, store SecretStore) (*Engine, error) {
	e := &Engine{store: store, rand: rand.Reader, kdf: DefaultKDFParams}

	raw, err := store.LoadSecret(ctx, identitySecretID)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return e, nil
	case err != nil:
		return nil, fmt.Errorf("load identity: %w", err)
	}
	defer zero(raw)

	if err := e.setIdentity(raw); err != nil {
		return nil, err
	}
	return e, nil
}

// GenerateIdentity replaces the identity with a fresh key pair and returns the public key.
func (e *Engine) GenerateIdentity(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	pub, priv, err := box.GenerateKey(e.rand)
	if err != nil {
		return nil, fmt.Errorf("generate key pair: %w", err)
	}
	defer zero(priv[:])

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.store.StoreSecret(ctx, identitySecretID, priv[:]); err != nil {
		return nil, fmt.Errorf("store identity: %w", err)
	}
	e.clearLocked()
	e.secret = new([KeySize]byte)
	copy(e.secret[:], priv[:])
	e.public = pub
	return append([]byte(nil), pub[:]...), nil
}

// HasIdentity reports whether an identity is loaded.
func (e *Engine) HasIdentity() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.secret != nil
}

// PublicKey returns the identity public key.
func (e *Engine) PublicKey() ([]byte, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.public == nil {
		return nil, ErrNoIdentity
	}
	return append([]byte(nil), e.public[:]...), nil
}

// EncryptMessage seals plaintext for recipientPublicKey with a fresh random nonce. The
// plaintext is padded to a 64-byte bucket first.
func (e *Engine) EncryptMessage(ctx context.Context, plaintext, recipientPublicKey []byte) (cipherText, nonce []byte, err error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	peer, err := toKey(recipientPublicKey)
	if err != nil {
		return nil, nil, err
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.secret == nil {
		return nil, nil, ErrNoIdentity
	}

	var n [NonceSize]byte
	if _, err := io.ReadFull(e.rand, n[:]); err != nil {
		return nil, nil, fmt.Errorf("generate nonce: %w", err)
	}
	padded := pad(plaintext)
	defer zero(padded)

	return box.Seal(nil, padded, &n, peer, e.secret), n[:], nil
}

// DecryptMessage opens a message from senderPublicKey. Every failure of the ciphertext,
// nonce, key or padding is reported as ErrDecryptionFailed.
func (e *Engine) DecryptMessage(ctx context.Context, cipherText, nonce, senderPublicKey []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	peer, err := toKey(senderPublicKey)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	if len(nonce) != NonceSize {
		return nil, ErrDecryptionFailed
	}
	var n [NonceSize]byte
	copy(n[:], nonce)

	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.secret == nil {
		return nil, ErrNoIdentity
	}

	padded, ok := box.Open(nil, cipherText, &n, peer, e.secret)
	if !ok {
		return nil, ErrDecryptionFailed
	}
	defer zero(padded)

	plaintext, err := unpad(padded)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return append([]byte(nil), plaintext...), nil
}

// ClearIdentity deletes the stored secret and zeroes the cached key pair.
func (e *Engine) ClearIdentity(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.store.DeleteSecret(ctx, identitySecretID); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete identity: %w", err)
	}
	e.clearLocked()
	return nil
}

// ExportIdentity wraps the identity secret under password for backup.
func (e *Engine) ExportIdentity(ctx context.Context, password string) (LocalSealed, error) {
	if err := ctx.Err(); err != nil {
		return LocalSealed{}, err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.secret == nil {
		return LocalSealed{}, ErrNoIdentity
	}
	return EncryptLocalSecretWithParams(e.secret[:], password, e.kdf)
}

// ImportIdentity restores a backup made by ExportIdentity and returns its public key.
func (e *Engine) ImportIdentity(ctx context.Context, sealed LocalSealed, password string) ([]byte, error) {
	raw, err := DecryptLocalSecret(sealed, password)
	if err != nil {
		return nil, err
	}
	defer zero(raw)
	if len(raw) != KeySize {
		return nil, fmt.Errorf("identity backup holds %d bytes: %w", len(raw), ErrInvalidKey)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.store.StoreSecret(ctx, identitySecretID, raw); err != nil {
		return nil, fmt.Errorf("store identity: %w", err)
	}
	e.clearLocked()
	if err := e.setIdentityLocked(raw); err != nil {
		return nil, err
	}
	return append([]byte(nil), e.public[:]...), nil
}

func (e *Engine) setIdentity(secret []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.setIdentityLocked(secret)
}

func (e *Engine) setIdentityLocked(secret []byte) error {
	if len(secret) != KeySize {
		return fmt.Errorf("identity secret is %d bytes: %w", len(secret), ErrInvalidKey)
	}
	pub, err := curve25519.X25519(secret, curve25519.Basepoint)
	if err != nil {
		return fmt.Errorf("derive public key: %w", ErrInvalidKey)
	}
	e.secret = new([KeySize]byte)
	copy(e.secret[:], secret)
	e.public = new([KeySize]byte)
	copy(e.public[:], pub)
	return nil
}

func (e *Engine) clearLocked() {
	if e.secret != nil {
		zero(e.secret[:])
	}
	e.secret = nil
	e.public = nil
}

func toKey(b []byte) (*[KeySize]byte, error) {
	if len(b) != KeySize {
		return nil, fmt.Errorf("public key is %d bytes: %w", len(b), ErrInvalidKey)
	}
	var k [KeySize]byte
	copy(k[:], b)
	return &k, nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
