package messaging

import (
	"errors"
	"fmt"
	"time"
)

// MessageType classifies the body carried by an Envelope.
type MessageType string

const (
	TypeText  MessageType = "text"
	TypeVoice MessageType = "voice"
	TypeImage MessageType = "image"
)

// UndecryptablePlaceholder replaces the body of any message that fails to open.
const UndecryptablePlaceholder = "message could not be decrypted"

var (
	ErrEmptyMessage    = errors.New("message body is empty")
	ErrInvalidType     = errors.New("invalid message type")
	ErrMissingMedia    = errors.New("media reference is missing")
	ErrInvalidEnvelope = errors.New("invalid envelope")
)

// Envelope is the unit exchanged between users. CipherText and Nonce are base64 on the wire.
type Envelope struct {
	ID          string      `json:"id,omitempty"`
	SenderID    string      `json:"senderId"`
	CipherText  []byte      `json:"cipherText"`
	Nonce       []byte      `json:"nonce"`
	MessageType MessageType `json:"messageType"`
	MediaRef    string      `json:"mediaRef,omitempty"`
	Timestamp   time.Time   `json:"timestamp"`
}

// Validate checks the structural fields of an envelope.
func (e Envelope) Validate() error {
	switch {
	case e.SenderID == "":
		return fmt.Errorf("%w: missing sender", ErrInvalidEnvelope)
	case len(e.CipherText) == 0 || len(e.Nonce) == 0:
		return fmt.Errorf("%w: missing ciphertext or nonce", ErrInvalidEnvelope)
	}
	switch e.MessageType {
	case TypeText:
		return nil
	case TypeVoice, TypeImage:
		if e.MediaRef == "" {
			return ErrMissingMedia
		}
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrInvalidType, e.MessageType)
	}
}

// MediaMeta is encrypted inside the envelope of voice and image messages.
type MediaMeta struct {
	Key        []byte `json:"key"`
	Size       int    `json:"size"`
	MimeType   string `json:"mimeType,omitempty"`
	DurationMs int64  `json:"durationMs,omitempty"`
	Width      int    `json:"width,omitempty"`
	Height     int    `json:"height,omitempty"`
}

// Message is an opened envelope.
type Message struct {
	ID            string
	SenderID      string
	Type          MessageType
	Text          string
	Media         *MediaMeta
	MediaRef      string
	Timestamp     time.Time
	Undecryptable bool
}
