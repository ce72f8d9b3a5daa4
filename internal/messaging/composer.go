package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pairline/relay/internal/crypto"
	"github.com/pairline/relay/internal/peers"
)

// Cipher is the part of crypto.Engine used for message bodies.
type Cipher interface {
	EncryptMessage(ctx context.Context, plaintext, recipientPublicKey []byte) (cipherText, nonce []byte, err error)
	DecryptMessage(ctx context.Context, cipherText, nonce, senderPublicKey []byte) ([]byte, error)
}

// Composer builds encrypted envelopes for a recipient.
type Composer struct {
	senderID string
	cipher   Cipher
	dir      peers.Directory
	blobs    BlobStore
	log      *zap.Logger
	now      func() time.Time
}

func NewComposer(senderID string, cipher Cipher, dir peers.Directory, blobs BlobStore, logger *zap.Logger) *Composer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Composer{
		senderID: senderID,
		cipher:   cipher,
		dir:      dir,
		blobs:    blobs,
		log:      logger,
		now:      time.Now,
	}
}

// ComposeText encrypts text for recipientID.
func (c *Composer) ComposeText(ctx context.Context, recipientID, text string) (Envelope, error) {
	if text == "" {
		return Envelope{}, ErrEmptyMessage
	}
	return c.seal(ctx, recipientID, TypeText, []byte(text), "")
}

// ComposeVoice seals and uploads a voice clip, then encrypts its metadata.
func (c *Composer) ComposeVoice(ctx context.Context, recipientID string, audio []byte, mimeType string, duration time.Duration) (Envelope, error) {
	return c.composeMedia(ctx, recipientID, TypeVoice, audio, MediaMeta{
		MimeType:   mimeType,
		DurationMs: duration.Milliseconds(),
	})
}

// ComposeImage seals and uploads an image, then encrypts its metadata.
func (c *Composer) ComposeImage(ctx context.Context, recipientID string, image []byte, mimeType string, width, height int) (Envelope, error) {
	return c.composeMedia(ctx, recipientID, TypeImage, image, MediaMeta{
		MimeType: mimeType,
		Width:    width,
		Height:   height,
	})
}

func (c *Composer) composeMedia(ctx context.Context, recipientID string, kind MessageType, body []byte, meta MediaMeta) (Envelope, error) {
	if len(body) == 0 {
		return Envelope{}, ErrEmptyMessage
	}
	if c.blobs == nil {
		return Envelope{}, fmt.Errorf("%s message: no blob store configured", kind)
	}
	// resolve first so nothing is uploaded for an unknown recipient
	if _, err := c.recipientKey(ctx, recipientID); err != nil {
		return Envelope{}, err
	}

	sealed, key, err := crypto.SealMedia(body)
	if err != nil {
		return Envelope{}, err
	}
	ref := fmt.Sprintf("media/%s/%s", kind, uuid.NewString())
	if err := c.blobs.Put(ctx, ref, sealed); err != nil {
		return Envelope{}, fmt.Errorf("upload %s: %w", kind, err)
	}

	meta.Key = key
	meta.Size = len(body)
	plaintext, err := json.Marshal(meta)
	if err != nil {
		return Envelope{}, err
	}
	env, err := c.seal(ctx, recipientID, kind, plaintext, ref)
	if err != nil {
		if delErr := c.blobs.Delete(ctx, ref); delErr != nil {
			c.log.Warn("failed to remove orphaned media", zap.String("ref", ref), zap.Error(delErr))
		}
		return Envelope{}, err
	}
	return env, nil
}

func (c *Composer) seal(ctx context.Context, recipientID string, kind MessageType, plaintext []byte, ref string) (Envelope, error) {
	pub, err := c.recipientKey(ctx, recipientID)
	if err != nil {
		return Envelope{}, err
	}
	ct, nonce, err := c.cipher.EncryptMessage(ctx, plaintext, pub)
	if err != nil {
		return Envelope{}, fmt.Errorf("encrypt %s message: %w", kind, err)
	}
	return Envelope{
		SenderID:    c.senderID,
		CipherText:  ct,
		Nonce:       nonce,
		MessageType: kind,
		MediaRef:    ref,
		Timestamp:   c.now().UTC(),
	}, nil
}

func (c *Composer) recipientKey(ctx context.Context, recipientID string) ([]byte, error) {
	p, err := c.dir.Lookup(ctx, recipientID)
	if err != nil {
		return nil, fmt.Errorf("resolve recipient %s: %w", recipientID, err)
	}
	return p.PublicKey, nil
}
