package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/pairline/relay/internal/crypto"
	"github.com/pairline/relay/internal/keystore"
	"github.com/pairline/relay/internal/relay"
)

const passphraseEnv = "PAIRLINE_PASSPHRASE"

func defaultKeystorePath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "pairline-keystore.json"
	}
	return filepath.Join(dir, "pairline", "keystore.json")
}

func passphrase(flagValue string) (string, error) {
	if flagValue != "" {
		return flagValue, nil
	}
	if env := os.Getenv(passphraseEnv); env != "" {
		return env, nil
	}
	return "", fmt.Errorf("passphrase required (-passphrase or %s)", passphraseEnv)
}

// openEngine unlocks the keystore at path, creating it on first use.
func openEngine(ctx context.Context, path, pass string) (*crypto.Engine, error) {
	store := keystore.NewFileBackend(path)
	err := store.Unlock(ctx, pass)
	if errors.Is(err, keystore.ErrNotInitialized) {
		err = store.Initialize(ctx, pass)
	}
	if err != nil {
		return nil, fmt.Errorf("open keystore %s: %w", path, err)
	}
	return crypto.NewEngine(ctx, store)
}

func runKeygen(ctx context.Context, args []string) error {
	fs := newFlagSet("keygen")
	path := fs.String("keystore", defaultKeystorePath(), "keystore file")
	pass := fs.String("passphrase", "", "keystore passphrase (or "+passphraseEnv+")")
	force := fs.Bool("force", false, "replace an existing identity")
	export := fs.String("export", "", "also write a password-sealed backup of the identity to this file")
	restore := fs.String("import", "", "restore the identity from a backup written by -export")
	fs.Parse(args)

	pw, err := passphrase(*pass)
	if err != nil {
		return err
	}
	engine, err := openEngine(ctx, *path, pw)
	if err != nil {
		return err
	}

	if *restore != "" {
		if engine.HasIdentity() && !*force {
			return errors.New("identity already exists; pass -force to replace it")
		}
		return importIdentity(ctx, engine, *restore, pw)
	}

	if engine.HasIdentity() && !*force {
		pub, err := engine.PublicKey()
		if err != nil {
			return err
		}
		fmt.Println(base64.StdEncoding.EncodeToString(pub))
		return nil
	}

	pub, err := engine.GenerateIdentity(ctx)
	if err != nil {
		return err
	}
	if *export != "" {
		sealed, err := engine.ExportIdentity(ctx, pw)
		if err != nil {
			return err
		}
		raw, err := json.MarshalIndent(sealed, "", "  ")
		if err != nil {
			return err
		}
		if err := os.WriteFile(*export, raw, 0o600); err != nil {
			return fmt.Errorf("write backup: %w", err)
		}
	}
	fmt.Println(base64.StdEncoding.EncodeToString(pub))
	return nil
}

func importIdentity(ctx context.Context, engine *crypto.Engine, path, pw string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read backup: %w", err)
	}
	var sealed crypto.LocalSealed
	if err := json.Unmarshal(raw, &sealed); err != nil {
		return fmt.Errorf("decode backup: %w", err)
	}
	pub, err := engine.ImportIdentity(ctx, sealed, pw)
	if err != nil {
		return err
	}
	fmt.Println(base64.StdEncoding.EncodeToString(pub))
	return nil
}

// runToken signs a registration token for relays started with auth.jwt_secret.
func runToken(args []string) error {
	fs := newFlagSet("token")
	secret := fs.String("secret", os.Getenv("RELAY_AUTH_JWT_SECRET"), "relay signing secret")
	issuer := fs.String("issuer", os.Getenv("RELAY_AUTH_ISSUER"), "token issuer")
	user := fs.String("user", "", "user id the token is issued to")
	fs.Parse(args)

	if *secret == "" || *user == "" {
		return errors.New("-secret and -user are required")
	}
	token, err := relay.IssueToken(*secret, *issuer, *user)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

func runSeal(args []string) error {
	fs := newFlagSet("seal")
	pass := fs.String("password", "", "password (or "+passphraseEnv+")")
	fs.Parse(args)

	pw, err := passphrase(*pass)
	if err != nil {
		return err
	}
	data, err := io.ReadAll(io.LimitReader(os.Stdin, 1<<20))
	if err != nil {
		return err
	}
	sealed, err := crypto.EncryptLocalSecret(data, pw)
	if err != nil {
		return err
	}
	return json.NewEncoder(os.Stdout).Encode(sealed)
}

func runUnseal(args []string) error {
	fs := newFlagSet("unseal")
	pass := fs.String("password", "", "password (or "+passphraseEnv+")")
	fs.Parse(args)

	pw, err := passphrase(*pass)
	if err != nil {
		return err
	}
	var sealed crypto.LocalSealed
	if err := json.NewDecoder(os.Stdin).Decode(&sealed); err != nil {
		return fmt.Errorf("decode sealed secret: %w", err)
	}
	data, err := crypto.DecryptLocalSecret(sealed, pw)
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(data)
	return err
}
