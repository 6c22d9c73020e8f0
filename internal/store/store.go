// Package store persists the backend session token across runs in a
// local SQLite file. Token material is encrypted at rest; see cipherBox.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"golang.org/x/oauth2"
)

// ErrNoToken means no session token has been saved yet.
var ErrNoToken = errors.New("store: no session token saved")

// Store wraps the SQLite database connection.
type Store struct {
	db  *sqlx.DB
	box *cipherBox
}

type tokenRow struct {
	AccessToken  []byte    `db:"access_token"`
	RefreshToken []byte    `db:"refresh_token"`
	TokenType    string    `db:"token_type"`
	Expiry       time.Time `db:"expiry"`
	UpdatedAt    time.Time `db:"updated_at"`
}

// NewStore opens (or creates) the store file and initializes the schema.
func NewStore(path string) (*Store, error) {
	box, err := newCipherBox(path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	db, err := sqlx.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping store: %w", err)
	}

	s := &Store{db: db, box: box}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return s, nil
}

// initSchema creates the session table if it doesn't exist. A single
// row (id = 1) holds the current token.
func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS session_token (
		id INTEGER PRIMARY KEY CHECK (id = 1),

		access_token BLOB NOT NULL,
		refresh_token BLOB NOT NULL,
		token_type TEXT NOT NULL,
		expiry TIMESTAMP NOT NULL,

		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// SaveToken stores the token, replacing any previous one.
func (s *Store) SaveToken(tok *oauth2.Token) error {
	access, err := s.box.seal(tok.AccessToken)
	if err != nil {
		return fmt.Errorf("save token: %w", err)
	}
	refresh, err := s.box.seal(tok.RefreshToken)
	if err != nil {
		return fmt.Errorf("save token: %w", err)
	}

	query := `
	INSERT INTO session_token (id, access_token, refresh_token, token_type, expiry, updated_at)
	VALUES (1, ?, ?, ?, ?, CURRENT_TIMESTAMP)
	ON CONFLICT(id) DO UPDATE SET
		access_token = excluded.access_token,
		refresh_token = excluded.refresh_token,
		token_type = excluded.token_type,
		expiry = excluded.expiry,
		updated_at = CURRENT_TIMESTAMP
	`
	if _, err := s.db.Exec(query, access, refresh, tok.TokenType, tok.Expiry.UTC()); err != nil {
		return fmt.Errorf("save token: %w", err)
	}
	return nil
}

// LoadToken returns the stored token, or ErrNoToken if none was saved.
func (s *Store) LoadToken() (*oauth2.Token, error) {
	var row tokenRow
	err := s.db.Get(&row, `SELECT access_token, refresh_token, token_type, expiry, updated_at
		FROM session_token WHERE id = 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoToken
	}
	if err != nil {
		return nil, fmt.Errorf("load token: %w", err)
	}

	access, err := s.box.open(row.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("load token: %w", err)
	}
	refresh, err := s.box.open(row.RefreshToken)
	if err != nil {
		return nil, fmt.Errorf("load token: %w", err)
	}
	return &oauth2.Token{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    row.TokenType,
		Expiry:       row.Expiry,
	}, nil
}

// ClearToken removes the stored token. Clearing an empty store is not
// an error.
func (s *Store) ClearToken() error {
	if _, err := s.db.Exec(`DELETE FROM session_token WHERE id = 1`); err != nil {
		return fmt.Errorf("clear token: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}
