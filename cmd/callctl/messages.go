package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pairline/relay/internal/messaging"
	"github.com/pairline/relay/internal/peers"
)

type messageFlags struct {
	keystore  *string
	pass      *string
	directory *string
	dirToken  *string
	db        *string
	bucket    *string
	region    *string
	endpoint  *string
}

func addMessageFlags(fs *flag.FlagSet) messageFlags {
	return messageFlags{
		keystore:  fs.String("keystore", defaultKeystorePath(), "keystore file"),
		pass:      fs.String("passphrase", "", "keystore passphrase (or "+passphraseEnv+")"),
		directory: fs.String("directory", os.Getenv("PAIRLINE_DIRECTORY"), "directory service base url"),
		dirToken:  fs.String("directory-token", os.Getenv("PAIRLINE_DIRECTORY_TOKEN"), "directory bearer token"),
		db:        fs.String("db", "", "local message cache (sqlite); disabled when empty"),
		bucket:    fs.String("s3-bucket", os.Getenv("PAIRLINE_MEDIA_BUCKET"), "bucket for sealed media"),
		region:    fs.String("s3-region", os.Getenv("AWS_REGION"), "media bucket region"),
		endpoint:  fs.String("s3-endpoint", "", "S3-compatible endpoint url"),
	}
}

type messageEnv struct {
	cipher messaging.Cipher
	dir    peers.Directory
	blobs  messaging.BlobStore
	store  *messaging.Store
}

func (f messageFlags) open(ctx context.Context) (*messageEnv, error) {
	if *f.directory == "" {
		return nil, errors.New("-directory is required")
	}
	pw, err := passphrase(*f.pass)
	if err != nil {
		return nil, err
	}
	engine, err := openEngine(ctx, *f.keystore, pw)
	if err != nil {
		return nil, err
	}
	if !engine.HasIdentity() {
		return nil, errors.New("no identity; run callctl keygen first")
	}

	env := &messageEnv{
		cipher: engine,
		dir:    peers.NewCachedDirectory(peers.NewHTTPDirectory(*f.directory, *f.dirToken, nil), 10*time.Minute),
	}
	if *f.bucket != "" {
		blobs, err := messaging.NewS3BlobStore(ctx, messaging.S3Config{
			Bucket:   *f.bucket,
			Region:   *f.region,
			Endpoint: *f.endpoint,
		}, nil)
		if err != nil {
			return nil, err
		}
		env.blobs = blobs
	}
	if *f.db != "" {
		store, err := messaging.OpenStore(*f.db)
		if err != nil {
			return nil, err
		}
		env.store = store
	}
	return env, nil
}

func (e *messageEnv) close() {
	if e.store != nil {
		e.store.Close()
	}
}

func runSend(ctx context.Context, args []string) error {
	fs := newFlagSet("send")
	mf := addMessageFlags(fs)
	from := fs.String("from", "", "your user id")
	to := fs.String("to", "", "recipient user id")
	text := fs.String("text", "", "message text")
	image := fs.String("image", "", "image file to send")
	voice := fs.String("voice", "", "voice clip to send")
	length := fs.Duration("voice-duration", 0, "duration of the voice clip")
	fs.Parse(args)

	if *from == "" || *to == "" {
		return errors.New("-from and -to are required")
	}
	env, err := mf.open(ctx)
	if err != nil {
		return err
	}
	defer env.close()

	composer := messaging.NewComposer(*from, env.cipher, env.dir, env.blobs, nil)
	var envelope messaging.Envelope
	switch {
	case *image != "":
		body, err := os.ReadFile(*image)
		if err != nil {
			return err
		}
		envelope, err = composer.ComposeImage(ctx, *to, body, mimeFor(*image), 0, 0)
		if err != nil {
			return err
		}
	case *voice != "":
		body, err := os.ReadFile(*voice)
		if err != nil {
			return err
		}
		envelope, err = composer.ComposeVoice(ctx, *to, body, mimeFor(*voice), *length)
		if err != nil {
			return err
		}
	default:
		envelope, err = composer.ComposeText(ctx, *to, *text)
		if err != nil {
			return err
		}
	}

	if env.store != nil {
		if envelope.ID, err = env.store.Save(ctx, *to, envelope); err != nil {
			return err
		}
	}
	return json.NewEncoder(os.Stdout).Encode(envelope)
}

func runOpen(ctx context.Context, args []string) error {
	fs := newFlagSet("open")
	mf := addMessageFlags(fs)
	peer := fs.String("peer", "", "the other user of the conversation")
	history := fs.Int("history", 0, "read the last N cached messages instead of stdin")
	mediaDir := fs.String("media-dir", "", "download attached media into this directory")
	fs.Parse(args)

	if *peer == "" {
		return errors.New("-peer is required")
	}
	env, err := mf.open(ctx)
	if err != nil {
		return err
	}
	defer env.close()

	var envelopes []messaging.Envelope
	if *history > 0 {
		if env.store == nil {
			return errors.New("-history needs -db")
		}
		if envelopes, err = env.store.List(ctx, *peer, *history); err != nil {
			return err
		}
	} else {
		scanner := bufio.NewScanner(os.Stdin)
		scanner.Buffer(make([]byte, 64*1024), 1<<20)
		for scanner.Scan() {
			var e messaging.Envelope
			if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
				return fmt.Errorf("decode envelope: %w", err)
			}
			if env.store != nil {
				if _, err := env.store.Save(ctx, *peer, e); err != nil {
					return err
				}
			}
			envelopes = append(envelopes, e)
		}
		if err := scanner.Err(); err != nil {
			return err
		}
	}

	reader := messaging.NewReader(env.cipher, env.dir, env.blobs, nil)
	msgs, err := reader.Conversation(ctx, *peer, envelopes)
	if err != nil {
		return err
	}
	for _, m := range msgs {
		ts := m.Timestamp.Local().Format(time.Kitchen)
		switch {
		case m.Undecryptable || m.Type == messaging.TypeText:
			fmt.Printf("[%s] %s: %s\n", ts, m.SenderID, m.Text)
		default:
			fmt.Printf("[%s] %s: <%s %d bytes>\n", ts, m.SenderID, m.Type, m.Media.Size)
			if *mediaDir != "" && env.blobs != nil {
				body, err := reader.FetchMedia(ctx, m)
				if err != nil {
					fmt.Fprintf(os.Stderr, "fetch %s: %v\n", m.MediaRef, err)
					continue
				}
				name := filepath.Join(*mediaDir, filepath.Base(m.MediaRef))
				if err := os.WriteFile(name, body, 0o600); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func mimeFor(path string) string {
	switch filepath.Ext(path) {
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".ogg", ".opus":
		return "audio/ogg"
	case ".m4a":
		return "audio/mp4"
	default:
		return "application/octet-stream"
	}
}
