// Package postgres provides the PostgreSQL-backed message and history store.
// The schema is embedded and applied with golang-migrate on Open.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/relaychat/presence/internal/chat"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store implements chat.MessageStore and chat.HistoryStore.
type Store struct {
	db *sql.DB
}

// Open connects to PostgreSQL, verifies the connection and applies pending
// migrations.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres: connection failed: %w", err)
	}

	if err := Migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return NewStore(db), nil
}

// NewStore wraps an already-migrated database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Migrate applies the embedded schema migrations.
func Migrate(db *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("postgres: migration source: %w", err)
	}
	driver, err := migratepg.WithInstance(db, &migratepg.Config{})
	if err != nil {
		return fmt.Errorf("postgres: migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("postgres: migrate init: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("postgres: migrate up: %w", err)
	}
	return nil
}

// Create inserts one message and returns it with its assigned id and
// timestamp.
func (s *Store) Create(ctx context.Context, m chat.NewMessage) (*chat.Message, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}

	const query = `
		INSERT INTO messages (id, sender, recipient, text, file)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at`

	id := uuid.New().String()
	var text sql.NullString
	if m.Text != "" {
		text = sql.NullString{String: m.Text, Valid: true}
	}
	var file sql.NullString
	if m.File != nil {
		file = sql.NullString{String: *m.File, Valid: true}
	}

	var createdAt time.Time
	if err := s.db.QueryRowContext(ctx, query, id, m.Sender, m.Recipient, text, file).Scan(&createdAt); err != nil {
		return nil, fmt.Errorf("postgres: insert message: %w", err)
	}

	return &chat.Message{
		ID:        id,
		Sender:    m.Sender,
		Recipient: m.Recipient,
		Text:      m.Text,
		File:      m.File,
		CreatedAt: createdAt.UTC(),
	}, nil
}

// Query returns the conversation between two users in either direction,
// oldest first.
func (s *Store) Query(ctx context.Context, userA, userB string) ([]chat.Message, error) {
	const query = `
		SELECT id, sender, recipient, text, file, created_at
		FROM messages
		WHERE sender = ANY($1) AND recipient = ANY($1)
		ORDER BY created_at ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, query, pq.Array([]string{userA, userB}))
	if err != nil {
		return nil, fmt.Errorf("postgres: query history: %w", err)
	}
	defer rows.Close()

	result := make([]chat.Message, 0)
	for rows.Next() {
		var (
			m    chat.Message
			text sql.NullString
			file sql.NullString
		)
		if err := rows.Scan(&m.ID, &m.Sender, &m.Recipient, &text, &file, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan message: %w", err)
		}
		m.Text = text.String
		if file.Valid {
			f := file.String
			m.File = &f
		}
		m.CreatedAt = m.CreatedAt.UTC()
		result = append(result, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate history: %w", err)
	}
	return result, nil
}

// Close closes the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
