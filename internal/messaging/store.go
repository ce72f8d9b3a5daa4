package messaging

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	_ "modernc.org/sqlite"
)

const (
	createEnvelopesSQL = `
CREATE TABLE IF NOT EXISTS envelopes (
	id TEXT PRIMARY KEY,
	peer_id TEXT NOT NULL,
	sender_id TEXT NOT NULL,
	message_type TEXT NOT NULL,
	cipher_text BLOB NOT NULL,
	nonce BLOB NOT NULL,
	media_ref TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL
);`
	createEnvelopesIndexSQL = `CREATE INDEX IF NOT EXISTS idx_envelopes_peer ON envelopes(peer_id, created_at);`
)

// Store caches envelopes locally per conversation. Only ciphertext is stored.
type Store struct {
	db *sql.DB
}

// OpenStore opens (or creates) the SQLite database at path. ":memory:" is accepted.
func OpenStore(path string) (*Store, error) {
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "" {
			if err := os.MkdirAll(dir, 0o700); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	for _, stmt := range []string{createEnvelopesSQL, createEnvelopesIndexSQL} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to create envelopes table: %w", err)
		}
	}
	return &Store{db: db}, nil
}

// Save records env under the conversation with peerID and returns its id.
func (s *Store) Save(ctx context.Context, peerID string, env Envelope) (string, error) {
	if err := env.Validate(); err != nil {
		return "", err
	}
	id := env.ID
	if id == "" {
		id = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO envelopes (id, peer_id, sender_id, message_type, cipher_text, nonce, media_ref, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id, peerID, env.SenderID, string(env.MessageType), env.CipherText, env.Nonce, env.MediaRef, env.Timestamp.UnixNano(),
	)
	if err != nil {
		return "", fmt.Errorf("save envelope: %w", err)
	}
	return id, nil
}

// List returns up to limit of the most recent envelopes with peerID, oldest first.
// A non-positive limit returns everything.
func (s *Store) List(ctx context.Context, peerID string, limit int) ([]Envelope, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, sender_id, message_type, cipher_text, nonce, media_ref, created_at FROM (
			SELECT * FROM envelopes WHERE peer_id = ? ORDER BY created_at DESC, id DESC LIMIT ?
		) ORDER BY created_at ASC, id ASC`,
		peerID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list envelopes: %w", err)
	}
	defer rows.Close()

	var out []Envelope
	for rows.Next() {
		var (
			env     Envelope
			kind    string
			created int64
		)
		if err := rows.Scan(&env.ID, &env.SenderID, &kind, &env.CipherText, &env.Nonce, &env.MediaRef, &created); err != nil {
			return nil, fmt.Errorf("scan envelope: %w", err)
		}
		env.MessageType = MessageType(kind)
		env.Timestamp = time.Unix(0, created).UTC()
		out = append(out, env)
	}
	return out, rows.Err()
}

// Delete removes every envelope exchanged with peerID.
func (s *Store) Delete(ctx context.Context, peerID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM envelopes WHERE peer_id = ?`, peerID); err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}
