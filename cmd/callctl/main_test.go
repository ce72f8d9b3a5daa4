package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestOpenEngineCreatesKeystore(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ks", "keystore.json")

	engine, err := openEngine(ctx, path, "correct horse")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	pub, err := engine.GenerateIdentity(ctx)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	again, err := openEngine(ctx, path, "correct horse")
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	got, err := again.PublicKey()
	if err != nil || string(got) != string(pub) {
		t.Fatal("identity not persisted")
	}

	if _, err := openEngine(ctx, path, "wrong"); err == nil {
		t.Fatal("expected wrong passphrase to fail")
	}
}

func TestPassphraseFromEnv(t *testing.T) {
	t.Setenv(passphraseEnv, "from-env")
	if got, err := passphrase(""); err != nil || got != "from-env" {
		t.Fatalf("passphrase: %q %v", got, err)
	}
	if got, _ := passphrase("flag"); got != "flag" {
		t.Fatalf("flag should win, got %q", got)
	}
	t.Setenv(passphraseEnv, "")
	if _, err := passphrase(""); err == nil {
		t.Fatal("expected missing passphrase error")
	}
}

func TestMimeFor(t *testing.T) {
	if mimeFor("a.PNG") != "application/octet-stream" || mimeFor("a.png") != "image/png" || mimeFor("v.ogg") != "audio/ogg" {
		t.Fatal("unexpected mime mapping")
	}
}

func TestImportIdentityFromBackup(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	source, err := openEngine(ctx, filepath.Join(dir, "a.json"), "pw")
	if err != nil {
		t.Fatalf("open source: %v", err)
	}
	pub, err := source.GenerateIdentity(ctx)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	sealed, err := source.ExportIdentity(ctx, "pw")
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	raw, err := json.Marshal(sealed)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	backup := filepath.Join(dir, "backup.json")
	if err := os.WriteFile(backup, raw, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	target, err := openEngine(ctx, filepath.Join(dir, "b.json"), "pw")
	if err != nil {
		t.Fatalf("open target: %v", err)
	}
	if err := importIdentity(ctx, target, backup, "wrong"); err == nil {
		t.Fatal("expected wrong password to fail")
	}
	if err := importIdentity(ctx, target, backup, "pw"); err != nil {
		t.Fatalf("import: %v", err)
	}
	got, err := target.PublicKey()
	if err != nil || !bytes.Equal(got, pub) {
		t.Fatal("imported identity does not match")
	}
}
