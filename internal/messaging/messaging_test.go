package messaging

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/pairline/relay/internal/crypto"
	"github.com/pairline/relay/internal/keystore"
	"github.com/pairline/relay/internal/peers"
)

type staticDirectory map[string]peers.Profile

func (d staticDirectory) Lookup(_ context.Context, id string) (peers.Profile, error) {
	p, ok := d[id]
	if !ok {
		return peers.Profile{}, peers.ErrNotFound
	}
	return p, nil
}

func (d staticDirectory) LookupByPhone(_ context.Context, phone string) (peers.Profile, error) {
	for _, p := range d {
		if p.Phone == phone {
			return p, nil
		}
	}
	return peers.Profile{}, peers.ErrNotFound
}

type party struct {
	engine   *crypto.Engine
	composer *Composer
	reader   *Reader
}

func newParties(t *testing.T) (alice, bob party, blobs *MemoryBlobStore) {
	t.Helper()
	ctx := context.Background()
	dir := staticDirectory{}
	blobs = NewMemoryBlobStore()

	mk := func(id string) party {
		engine, err := crypto.NewEngine(ctx, keystore.NewMemoryBackend())
		if err != nil {
			t.Fatalf("new engine: %v", err)
		}
		pub, err := engine.GenerateIdentity(ctx)
		if err != nil {
			t.Fatalf("generate identity: %v", err)
		}
		dir[id] = peers.Profile{ID: id, DisplayName: id, PublicKey: pub}
		return party{
			engine:   engine,
			composer: NewComposer(id, engine, dir, blobs, nil),
			reader:   NewReader(engine, dir, blobs, nil),
		}
	}
	return mk("alice"), mk("bob"), blobs
}

func TestTextRoundTrip(t *testing.T) {
	alice, bob, _ := newParties(t)
	ctx := context.Background()

	env, err := alice.composer.ComposeText(ctx, "bob", "hello bob")
	if err != nil {
		t.Fatalf("compose: %v", err)
	}
	if env.SenderID != "alice" || env.MessageType != TypeText || env.MediaRef != "" {
		t.Fatalf("unexpected envelope %+v", env)
	}
	if bytes.Contains(env.CipherText, []byte("hello bob")) {
		t.Fatal("plaintext visible in ciphertext")
	}

	msg, err := bob.reader.Open(ctx, "alice", env)
	if err != nil || msg.Text != "hello bob" {
		t.Fatalf("bob open: %+v %v", msg, err)
	}
	// the sender can read its own outgoing message
	own, err := alice.reader.Open(ctx, "bob", env)
	if err != nil || own.Text != "hello bob" {
		t.Fatalf("alice open: %+v %v", own, err)
	}

	if _, err := alice.composer.ComposeText(ctx, "bob", ""); !errors.Is(err, ErrEmptyMessage) {
		t.Fatalf("expected ErrEmptyMessage, got %v", err)
	}
}

func TestEnvelopeJSONIsBase64(t *testing.T) {
	alice, _, _ := newParties(t)
	env, err := alice.composer.ComposeText(context.Background(), "bob", "hi")
	if err != nil {
		t.Fatalf("compose: %v", err)
	}
	raw, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var wire map[string]interface{}
	if err := json.Unmarshal(raw, &wire); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	nonce, err := base64.StdEncoding.DecodeString(wire["nonce"].(string))
	if err != nil || len(nonce) != crypto.NonceSize {
		t.Fatalf("nonce not base64: %v", err)
	}
	if wire["messageType"] != "text" || wire["senderId"] != "alice" {
		t.Fatalf("unexpected wire fields %v", wire)
	}
}

func TestVoiceAndImage(t *testing.T) {
	alice, bob, blobs := newParties(t)
	ctx := context.Background()
	audio := bytes.Repeat([]byte("pcm"), 1000)
	img := bytes.Repeat([]byte{0x89, 'P', 'N', 'G'}, 500)

	voice, err := alice.composer.ComposeVoice(ctx, "bob", audio, "audio/ogg", 3*time.Second)
	if err != nil {
		t.Fatalf("compose voice: %v", err)
	}
	image, err := alice.composer.ComposeImage(ctx, "bob", img, "image/png", 640, 480)
	if err != nil {
		t.Fatalf("compose image: %v", err)
	}
	if blobs.Len() != 2 {
		t.Fatalf("expected 2 uploads, got %d", blobs.Len())
	}
	stored, _ := blobs.Get(ctx, voice.MediaRef)
	if bytes.Contains(stored, audio[:30]) {
		t.Fatal("uploaded media is not sealed")
	}

	vm, err := bob.reader.Open(ctx, "alice", voice)
	if err != nil {
		t.Fatalf("open voice: %v", err)
	}
	if vm.Media == nil || vm.Media.DurationMs != 3000 || vm.Media.Size != len(audio) {
		t.Fatalf("unexpected voice meta %+v", vm.Media)
	}
	body, err := bob.reader.FetchMedia(ctx, vm)
	if err != nil || !bytes.Equal(body, audio) {
		t.Fatalf("fetch voice: %v", err)
	}

	im, err := bob.reader.Open(ctx, "alice", image)
	if err != nil {
		t.Fatalf("open image: %v", err)
	}
	if im.Media.Width != 640 || im.Media.Height != 480 || im.Media.MimeType != "image/png" {
		t.Fatalf("unexpected image meta %+v", im.Media)
	}
	body, err = bob.reader.FetchMedia(ctx, im)
	if err != nil || !bytes.Equal(body, img) {
		t.Fatalf("fetch image: %v", err)
	}

	if _, err := bob.reader.FetchMedia(ctx, Message{Type: TypeText}); !errors.Is(err, ErrMissingMedia) {
		t.Fatalf("expected ErrMissingMedia, got %v", err)
	}
}

func TestUnknownRecipientUploadsNothing(t *testing.T) {
	alice, _, blobs := newParties(t)
	_, err := alice.composer.ComposeImage(context.Background(), "carol", []byte("img"), "image/png", 1, 1)
	if !errors.Is(err, peers.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if blobs.Len() != 0 {
		t.Fatalf("expected no uploads, got %d", blobs.Len())
	}
}

func TestConversationPlaceholders(t *testing.T) {
	alice, bob, _ := newParties(t)
	ctx := context.Background()

	first, _ := alice.composer.ComposeText(ctx, "bob", "one")
	second, _ := alice.composer.ComposeText(ctx, "bob", "two")
	third, _ := bob.composer.ComposeText(ctx, "alice", "three")
	second.CipherText = append([]byte(nil), second.CipherText...)
	second.CipherText[0] ^= 0x01
	broken := Envelope{SenderID: "alice", MessageType: TypeText}

	msgs, err := bob.reader.Conversation(ctx, "alice", []Envelope{first, second, third, broken})
	if err != nil {
		t.Fatalf("conversation: %v", err)
	}
	if len(msgs) != 4 {
		t.Fatalf("expected 4 messages, got %d", len(msgs))
	}
	if msgs[0].Text != "one" || msgs[2].Text != "three" {
		t.Fatalf("unexpected texts %q %q", msgs[0].Text, msgs[2].Text)
	}
	for _, i := range []int{1, 3} {
		if !msgs[i].Undecryptable || msgs[i].Text != UndecryptablePlaceholder {
			t.Fatalf("message %d should be a placeholder: %+v", i, msgs[i])
		}
	}
	if strings.Contains(msgs[1].Text, "box") || strings.Contains(msgs[1].Text, "MAC") {
		t.Fatal("placeholder leaks primitive detail")
	}

	if _, err := bob.reader.Conversation(ctx, "carol", nil); !errors.Is(err, peers.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestConversationAfterIdentityCleared(t *testing.T) {
	alice, bob, _ := newParties(t)
	ctx := context.Background()

	env, _ := alice.composer.ComposeText(ctx, "bob", "secret")
	if err := bob.engine.ClearIdentity(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}
	msgs, err := bob.reader.Conversation(ctx, "alice", []Envelope{env})
	if err != nil {
		t.Fatalf("conversation: %v", err)
	}
	if !msgs[0].Undecryptable {
		t.Fatal("expected placeholder after identity cleared")
	}
}

func TestEnvelopeValidate(t *testing.T) {
	ok := Envelope{SenderID: "a", CipherText: []byte{1}, Nonce: []byte{2}, MessageType: TypeText}
	if err := ok.Validate(); err != nil {
		t.Fatalf("valid envelope rejected: %v", err)
	}
	voice := ok
	voice.MessageType = TypeVoice
	if err := voice.Validate(); !errors.Is(err, ErrMissingMedia) {
		t.Fatalf("expected ErrMissingMedia, got %v", err)
	}
	bad := ok
	bad.MessageType = "sticker"
	if err := bad.Validate(); !errors.Is(err, ErrInvalidType) {
		t.Fatalf("expected ErrInvalidType, got %v", err)
	}
	empty := ok
	empty.Nonce = nil
	if err := empty.Validate(); !errors.Is(err, ErrInvalidEnvelope) {
		t.Fatalf("expected ErrInvalidEnvelope, got %v", err)
	}
}
