package messaging

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/pairline/relay/internal/crypto"
	"github.com/pairline/relay/internal/peers"
)

// Reader opens envelopes exchanged with other users.
type Reader struct {
	cipher Cipher
	dir    peers.Directory
	blobs  BlobStore
	log    *zap.Logger
}

func NewReader(cipher Cipher, dir peers.Directory, blobs BlobStore, logger *zap.Logger) *Reader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reader{cipher: cipher, dir: dir, blobs: blobs, log: logger}
}

// Open decrypts a single envelope exchanged with peerID. A box shared key is
// symmetric, so the same peer key opens both sent and received messages.
func (r *Reader) Open(ctx context.Context, peerID string, env Envelope) (Message, error) {
	if err := env.Validate(); err != nil {
		return Message{}, err
	}
	p, err := r.dir.Lookup(ctx, peerID)
	if err != nil {
		return Message{}, fmt.Errorf("resolve peer %s: %w", peerID, err)
	}
	return r.open(ctx, p.PublicKey, env)
}

// Conversation opens every envelope in order. Envelopes that fail to open are
// returned as placeholders instead of failing the whole load.
func (r *Reader) Conversation(ctx context.Context, peerID string, envs []Envelope) ([]Message, error) {
	p, err := r.dir.Lookup(ctx, peerID)
	if err != nil {
		return nil, fmt.Errorf("resolve peer %s: %w", peerID, err)
	}

	out := make([]Message, 0, len(envs))
	for _, env := range envs {
		var msg Message
		err := env.Validate()
		if err == nil {
			msg, err = r.open(ctx, p.PublicKey, env)
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			r.log.Warn("undecryptable message", zap.String("id", env.ID), zap.String("sender", env.SenderID), zap.Error(err))
			msg = Message{
				ID:            env.ID,
				SenderID:      env.SenderID,
				Type:          env.MessageType,
				Text:          UndecryptablePlaceholder,
				Timestamp:     env.Timestamp,
				Undecryptable: true,
			}
		}
		out = append(out, msg)
	}
	return out, nil
}

// FetchMedia downloads and opens the media body referenced by msg.
func (r *Reader) FetchMedia(ctx context.Context, msg Message) ([]byte, error) {
	if msg.MediaRef == "" || msg.Media == nil {
		return nil, ErrMissingMedia
	}
	if r.blobs == nil {
		return nil, fmt.Errorf("fetch media: no blob store configured")
	}
	sealed, err := r.blobs.Get(ctx, msg.MediaRef)
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", msg.MediaRef, err)
	}
	return crypto.OpenMedia(sealed, msg.Media.Key)
}

func (r *Reader) open(ctx context.Context, peerKey []byte, env Envelope) (Message, error) {
	plaintext, err := r.cipher.DecryptMessage(ctx, env.CipherText, env.Nonce, peerKey)
	if err != nil {
		return Message{}, err
	}

	msg := Message{
		ID:        env.ID,
		SenderID:  env.SenderID,
		Type:      env.MessageType,
		MediaRef:  env.MediaRef,
		Timestamp: env.Timestamp,
	}
	switch env.MessageType {
	case TypeText:
		msg.Text = string(plaintext)
	case TypeVoice, TypeImage:
		var meta MediaMeta
		if err := json.Unmarshal(plaintext, &meta); err != nil {
			return Message{}, fmt.Errorf("%w: %v", crypto.ErrDecryptionFailed, err)
		}
		msg.Media = &meta
	default:
		return Message{}, fmt.Errorf("%w: %q", ErrInvalidType, env.MessageType)
	}
	return msg, nil
}
