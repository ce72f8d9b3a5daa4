package crypto

import (
	"crypto/rand"
	"fmt"
	"io"

	"golang.org/x/crypto/nacl/secretbox"
)

// SealMedia encrypts a media body under a fresh random key. The nonce is prefixed to
// the returned ciphertext; the key must travel inside an encrypted envelope.
func SealMedia(body []byte) (sealed, key []byte, err error) {
	var k [KeySize]byte
	if _, err := io.ReadFull(rand.Reader, k[:]); err != nil {
		return nil, nil, fmt.Errorf("generate media key: %w", err)
	}
	var nonce [NonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, nil, fmt.Errorf("generate nonce: %w", err)
	}
	return secretbox.Seal(nonce[:], body, &nonce, &k), k[:], nil
}

// OpenMedia reverses SealMedia.
func OpenMedia(sealed, key []byte) ([]byte, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKey
	}
	if len(sealed) < NonceSize+secretbox.Overhead {
		return nil, ErrDecryptionFailed
	}
	var (
		k     [KeySize]byte
		nonce [NonceSize]byte
	)
	copy(k[:], key)
	defer zero(k[:])
	copy(nonce[:], sealed[:NonceSize])

	body, ok := secretbox.Open(nil, sealed[NonceSize:], &nonce, &k)
	if !ok {
		return nil, ErrDecryptionFailed
	}
	return body, nil
}
