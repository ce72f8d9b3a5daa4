package crypto

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/nacl/secretbox"
)

const (
	localSealVersion = 1
	saltSize         = 16
	maxKDFMemoryKiB  = 1 << 20
)

var ErrEmptyPassword = errors.New("password is required")

// KDFParams are the Argon2id cost parameters recorded with each sealed secret.
type KDFParams struct {
	Time      uint32 `json:"t"`
	MemoryKiB uint32 `json:"m"`
	Threads   uint8  `json:"p"`
}

// DefaultKDFParams is used by EncryptLocalSecret.
var DefaultKDFParams = KDFParams{Time: 3, MemoryKiB: 64 * 1024, Threads: 4}

// LocalSealed is a password-protected secret. Salt and cost travel with it so the
// parameters can be raised without breaking old blobs.
type LocalSealed struct {
	Version    int       `json:"v"`
	Salt       []byte    `json:"salt"`
	Nonce      []byte    `json:"nonce"`
	CipherText []byte    `json:"ct"`
	KDF        KDFParams `json:"kdf"`
}

// EncryptLocalSecret seals data under password with DefaultKDFParams.
func EncryptLocalSecret(data []byte, password string) (LocalSealed, error) {
	return EncryptLocalSecretWithParams(data, password, DefaultKDFParams)
}

// EncryptLocalSecretWithParams derives a key with Argon2id over a fresh random salt and
// seals data with NaCl secretbox.
func EncryptLocalSecretWithParams(data []byte, password string, params KDFParams) (LocalSealed, error) {
	if password == "" {
		return LocalSealed{}, ErrEmptyPassword
	}
	if err := params.validate(); err != nil {
		return LocalSealed{}, err
	}

	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return LocalSealed{}, fmt.Errorf("generate salt: %w", err)
	}
	var nonce [NonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return LocalSealed{}, fmt.Errorf("generate nonce: %w", err)
	}

	key := deriveLocalKey(password, salt, params)
	defer zero(key[:])

	return LocalSealed{
		Version:    localSealVersion,
		Salt:       salt,
		Nonce:      nonce[:],
		CipherText: secretbox.Seal(nil, data, &nonce, key),
		KDF:        params,
	}, nil
}

// DecryptLocalSecret opens sealed with password. A wrong password and a tampered blob
// are both ErrDecryptionFailed.
func DecryptLocalSecret(sealed LocalSealed, password string) ([]byte, error) {
	if password == "" {
		return nil, ErrEmptyPassword
	}
	if sealed.Version != localSealVersion || len(sealed.Salt) != saltSize || len(sealed.Nonce) != NonceSize {
		return nil, ErrDecryptionFailed
	}
	if err := sealed.KDF.validate(); err != nil {
		return nil, ErrDecryptionFailed
	}

	var nonce [NonceSize]byte
	copy(nonce[:], sealed.Nonce)
	key := deriveLocalKey(password, sealed.Salt, sealed.KDF)
	defer zero(key[:])

	plaintext, ok := secretbox.Open(nil, sealed.CipherText, &nonce, key)
	if !ok {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

func (p KDFParams) validate() error {
	if p.Time == 0 || p.Threads == 0 || p.MemoryKiB < 8*uint32(p.Threads) || p.MemoryKiB > maxKDFMemoryKiB {
		return fmt.Errorf("argon2id parameters out of range: %+v", p)
	}
	return nil
}

func deriveLocalKey(password string, salt []byte, p KDFParams) *[KeySize]byte {
	var key [KeySize]byte
	derived := argon2.IDKey([]byte(password), salt, p.Time, p.MemoryKiB, p.Threads, KeySize)
	copy(key[:], derived)
	zero(derived)
	return &key
}
