package messaging

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"
)

func TestStoreSaveList(t *testing.T) {
	store, err := OpenStore(filepath.Join(t.TempDir(), "db", "messages.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()
	ctx := context.Background()

	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		env := Envelope{
			SenderID:    "alice",
			CipherText:  []byte{byte(i), 0xaa},
			Nonce:       bytes.Repeat([]byte{byte(i)}, 24),
			MessageType: TypeText,
			Timestamp:   base.Add(time.Duration(i) * time.Minute),
		}
		if _, err := store.Save(ctx, "alice", env); err != nil {
			t.Fatalf("save %d: %v", i, err)
		}
	}
	if _, err := store.Save(ctx, "carol", Envelope{SenderID: "carol", CipherText: []byte{9}, Nonce: []byte{9}, MessageType: TypeText, Timestamp: base}); err != nil {
		t.Fatalf("save carol: %v", err)
	}

	all, err := store.List(ctx, "alice", 0)
	if err != nil || len(all) != 3 {
		t.Fatalf("list all: %d %v", len(all), err)
	}
	recent, err := store.List(ctx, "alice", 2)
	if err != nil || len(recent) != 2 {
		t.Fatalf("list recent: %d %v", len(recent), err)
	}
	if recent[0].CipherText[0] != 1 || recent[1].CipherText[0] != 2 {
		t.Fatalf("unexpected order: %v %v", recent[0].CipherText, recent[1].CipherText)
	}
	if !recent[1].Timestamp.Equal(base.Add(2*time.Minute)) || recent[1].ID == "" {
		t.Fatalf("unexpected envelope %+v", recent[1])
	}

	if err := store.Delete(ctx, "alice"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if left, _ := store.List(ctx, "alice", 0); len(left) != 0 {
		t.Fatalf("expected empty conversation, got %d", len(left))
	}
	if other, _ := store.List(ctx, "carol", 0); len(other) != 1 {
		t.Fatalf("other conversation affected: %d", len(other))
	}
}

func TestStoreRejectsInvalidEnvelope(t *testing.T) {
	store, err := OpenStore(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()
	if _, err := store.Save(context.Background(), "bob", Envelope{SenderID: "bob"}); err == nil {
		t.Fatal("expected validation error")
	}
}
