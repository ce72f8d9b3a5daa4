package crypto

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/pairline/relay/internal/keystore"
)

var testKDF = KDFParams{Time: 1, MemoryKiB: 8 * 1024, Threads: 1}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := NewEngine(context.Background(), keystore.NewMemoryBackend())
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	e.kdf = testKDF
	if _, err := e.GenerateIdentity(context.Background()); err != nil {
		t.Fatalf("generate identity: %v", err)
	}
	return e
}

func mustPublic(t *testing.T, e *Engine) []byte {
	t.Helper()
	pub, err := e.PublicKey()
	if err != nil {
		t.Fatalf("public key: %v", err)
	}
	return pub
}

func TestMessageRoundTrip(t *testing.T) {
	ctx := context.Background()
	alice, bob := newTestEngine(t), newTestEngine(t)

	for _, msg := range [][]byte{[]byte("hi"), {}, bytes.Repeat([]byte("x"), 63), bytes.Repeat([]byte("y"), 64), bytes.Repeat([]byte("z"), 1000)} {
		ct, nonce, err := alice.EncryptMessage(ctx, msg, mustPublic(t, bob))
		if err != nil {
			t.Fatalf("encrypt: %v", err)
		}
		if len(nonce) != NonceSize {
			t.Fatalf("nonce length %d", len(nonce))
		}
		if (len(ct)-16)%padBlock != 0 {
			t.Fatalf("ciphertext not bucketed: %d", len(ct))
		}
		got, err := bob.DecryptMessage(ctx, ct, nonce, mustPublic(t, alice))
		if err != nil {
			t.Fatalf("decrypt: %v", err)
		}
		if !bytes.Equal(got, msg) {
			t.Fatalf("round trip mismatch: %q vs %q", got, msg)
		}
	}
}

func TestNoncesAreFresh(t *testing.T) {
	ctx := context.Background()
	alice, bob := newTestEngine(t), newTestEngine(t)
	_, n1, _ := alice.EncryptMessage(ctx, []byte("same"), mustPublic(t, bob))
	_, n2, _ := alice.EncryptMessage(ctx, []byte("same"), mustPublic(t, bob))
	if bytes.Equal(n1, n2) {
		t.Fatal("nonce reused")
	}
}

func TestTamperAndWrongKeyFail(t *testing.T) {
	ctx := context.Background()
	alice, bob, eve := newTestEngine(t), newTestEngine(t), newTestEngine(t)
	ct, nonce, err := alice.EncryptMessage(ctx, []byte("secret plans"), mustPublic(t, bob))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	for i := range ct {
		flipped := append([]byte(nil), ct...)
		flipped[i] ^= 0x01
		if _, err := bob.DecryptMessage(ctx, flipped, nonce, mustPublic(t, alice)); !errors.Is(err, ErrDecryptionFailed) {
			t.Fatalf("byte %d flip: expected ErrDecryptionFailed, got %v", i, err)
		}
	}

	for i := range nonce {
		badNonce := append([]byte(nil), nonce...)
		badNonce[i] ^= 0xff
		if _, err := bob.DecryptMessage(ctx, ct, badNonce, mustPublic(t, alice)); !errors.Is(err, ErrDecryptionFailed) {
			t.Fatalf("nonce byte %d flip: got %v", i, err)
		}
	}
	if _, err := bob.DecryptMessage(ctx, ct, nonce[:10], mustPublic(t, alice)); !errors.Is(err, ErrDecryptionFailed) {
		t.Fatalf("short nonce: got %v", err)
	}
	if _, err := eve.DecryptMessage(ctx, ct, nonce, mustPublic(t, alice)); !errors.Is(err, ErrDecryptionFailed) {
		t.Fatalf("wrong recipient: got %v", err)
	}
	if _, err := bob.DecryptMessage(ctx, ct, nonce, mustPublic(t, eve)); !errors.Is(err, ErrDecryptionFailed) {
		t.Fatalf("wrong sender: got %v", err)
	}
	if _, _, err := alice.EncryptMessage(ctx, []byte("x"), []byte("short")); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("short key: got %v", err)
	}
	_, err = bob.DecryptMessage(ctx, ct, nonce, []byte("short"))
	if !errors.Is(err, ErrDecryptionFailed) || errors.Is(err, ErrInvalidKey) {
		t.Fatalf("short sender key: expected bare ErrDecryptionFailed, got %v", err)
	}
}

func TestClearIdentity(t *testing.T) {
	ctx := context.Background()
	alice, bob := newTestEngine(t), newTestEngine(t)
	bobPub := mustPublic(t, bob)

	if err := alice.ClearIdentity(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if alice.HasIdentity() {
		t.Fatal("identity should be gone")
	}
	if _, _, err := alice.EncryptMessage(ctx, []byte("x"), bobPub); !errors.Is(err, ErrNoIdentity) {
		t.Fatalf("encrypt after clear: %v", err)
	}
	if _, err := alice.DecryptMessage(ctx, make([]byte, 80), make([]byte, NonceSize), bobPub); !errors.Is(err, ErrNoIdentity) {
		t.Fatalf("decrypt after clear: %v", err)
	}
	if _, err := alice.PublicKey(); !errors.Is(err, ErrNoIdentity) {
		t.Fatalf("public key after clear: %v", err)
	}
	if err := alice.ClearIdentity(ctx); err != nil {
		t.Fatalf("second clear: %v", err)
	}
}

func TestClearWhileEncrypting(t *testing.T) {
	ctx := context.Background()
	alice, bob := newTestEngine(t), newTestEngine(t)
	bobPub := mustPublic(t, bob)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_, _, err := alice.EncryptMessage(ctx, []byte("race"), bobPub)
				if err != nil && !errors.Is(err, ErrNoIdentity) {
					t.Errorf("unexpected error: %v", err)
					return
				}
			}
		}()
	}
	if err := alice.ClearIdentity(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}
	wg.Wait()
}

func TestIdentityPersistsInStore(t *testing.T) {
	ctx := context.Background()
	store := keystore.NewMemoryBackend()
	first, err := NewEngine(ctx, store)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	if first.HasIdentity() {
		t.Fatal("fresh store should have no identity")
	}
	pub, err := first.GenerateIdentity(ctx)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	second, err := NewEngine(ctx, store)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got := mustPublic(t, second); !bytes.Equal(got, pub) {
		t.Fatal("reloaded engine derived a different public key")
	}
}

func TestExportImportIdentity(t *testing.T) {
	ctx := context.Background()
	alice, bob := newTestEngine(t), newTestEngine(t)
	alicePub := mustPublic(t, alice)

	backup, err := alice.ExportIdentity(ctx, "correct horse")
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	ct, nonce, _ := bob.EncryptMessage(ctx, []byte("for alice"), alicePub)

	restored, err := NewEngine(ctx, keystore.NewMemoryBackend())
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	if _, err := restored.ImportIdentity(ctx, backup, "wrong"); !errors.Is(err, ErrDecryptionFailed) {
		t.Fatalf("wrong password import: %v", err)
	}
	pub, err := restored.ImportIdentity(ctx, backup, "correct horse")
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if !bytes.Equal(pub, alicePub) {
		t.Fatal("imported identity has a different public key")
	}
	got, err := restored.DecryptMessage(ctx, ct, nonce, mustPublic(t, bob))
	if err != nil || string(got) != "for alice" {
		t.Fatalf("restored identity cannot decrypt: %q %v", got, err)
	}
}

func TestLocalSecret(t *testing.T) {
	sealed, err := EncryptLocalSecretWithParams([]byte("pin=1234"), "pw", testKDF)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	got, err := DecryptLocalSecret(sealed, "pw")
	if err != nil || string(got) != "pin=1234" {
		t.Fatalf("open: %q %v", got, err)
	}

	if _, err := DecryptLocalSecret(sealed, "wrong"); !errors.Is(err, ErrDecryptionFailed) {
		t.Fatalf("wrong password: %v", err)
	}
	tampered := sealed
	tampered.CipherText = append([]byte(nil), sealed.CipherText...)
	tampered.CipherText[0] ^= 1
	if _, err := DecryptLocalSecret(tampered, "pw"); !errors.Is(err, ErrDecryptionFailed) {
		t.Fatalf("tampered: %v", err)
	}
	if _, err := EncryptLocalSecret([]byte("x"), ""); !errors.Is(err, ErrEmptyPassword) {
		t.Fatalf("empty password: %v", err)
	}

	other, _ := EncryptLocalSecretWithParams([]byte("pin=1234"), "pw", testKDF)
	if bytes.Equal(other.Salt, sealed.Salt) {
		t.Fatal("salt must be random per secret")
	}

	hostile := sealed
	hostile.KDF.MemoryKiB = maxKDFMemoryKiB + 1
	if _, err := DecryptLocalSecret(hostile, "pw"); !errors.Is(err, ErrDecryptionFailed) {
		t.Fatalf("oversized kdf params: %v", err)
	}
}

func TestPadding(t *testing.T) {
	for _, n := range []int{0, 1, 63, 64, 65, 200} {
		msg := bytes.Repeat([]byte{0x80}, n)
		padded := pad(msg)
		if len(padded)%padBlock != 0 || len(padded) <= n {
			t.Fatalf("pad(%d) -> %d", n, len(padded))
		}
		got, err := unpad(padded)
		if err != nil || !bytes.Equal(got, msg) {
			t.Fatalf("unpad(%d): %v", n, err)
		}
	}
	if _, err := unpad(make([]byte, padBlock)); err == nil {
		t.Fatal("all-zero block must be rejected")
	}
	bad := make([]byte, padBlock)
	bad[padBlock-1] = 0x01
	if _, err := unpad(bad); err == nil {
		t.Fatal("missing marker must be rejected")
	}
}

func TestMediaSealing(t *testing.T) {
	body := bytes.Repeat([]byte("voice"), 100)
	sealed, key, err := SealMedia(body)
	if err != nil {
		t.Fatalf("seal media: %v", err)
	}
	got, err := OpenMedia(sealed, key)
	if err != nil || !bytes.Equal(got, body) {
		t.Fatalf("open media: %v", err)
	}
	sealed[len(sealed)-1] ^= 1
	if _, err := OpenMedia(sealed, key); !errors.Is(err, ErrDecryptionFailed) {
		t.Fatalf("tampered media: %v", err)
	}
	if _, err := OpenMedia(sealed, key[:5]); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("short key: %v", err)
	}
}
