package deadletter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"bastion/pkg/sentinel"
)

// PostgresStore persists dead letter entries in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgres constructs a PostgreSQL-backed dead letter store.
func NewPostgres(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const deadletterSchema = `
CREATE TABLE IF NOT EXISTS dead_letters (
	id              TEXT PRIMARY KEY,
	endpoint        TEXT NOT NULL,
	identifier      TEXT NOT NULL,
	payload         BYTEA,
	failure_history JSONB NOT NULL DEFAULT '[]',
	moved_at        TIMESTAMPTZ NOT NULL,
	review_status   TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS dead_letters_status_idx ON dead_letters (review_status);
`

// EnsureSchema creates the dead letter table if it does not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, deadletterSchema); err != nil {
		return fmt.Errorf("ensure dead letter schema: %w", err)
	}
	return nil
}

// Add inserts a new entry.
func (s *PostgresStore) Add(ctx context.Context, entry *Entry) error {
	if entry == nil {
		return fmt.Errorf("dead letter entry is required")
	}
	history, err := json.Marshal(entry.FailureHistory)
	if err != nil {
		return fmt.Errorf("marshal failure history: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO dead_letters
			(id, endpoint, identifier, payload, failure_history, moved_at, review_status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		entry.ID, entry.Endpoint, entry.Identifier, entry.Payload,
		history, entry.MovedAt, string(entry.ReviewStatus),
	)
	if err != nil {
		return fmt.Errorf("add dead letter: %w", err)
	}
	return nil
}

// Get returns the entry or sentinel.ErrNotFound.
func (s *PostgresStore) Get(ctx context.Context, id string) (*Entry, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, endpoint, identifier, payload, failure_history, moved_at, review_status
		FROM dead_letters WHERE id = $1`, id)

	entry, err := scanEntry(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("dead letter %s: %w", id, sentinel.ErrNotFound)
	}
	return entry, err
}

// List returns entries matching the filter, oldest first.
func (s *PostgresStore) List(ctx context.Context, filter Filter) ([]*Entry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, endpoint, identifier, payload, failure_history, moved_at, review_status
		FROM dead_letters
		WHERE ($1 = '' OR review_status = $1)
		  AND ($2 = '' OR endpoint = $2)
		ORDER BY moved_at ASC`,
		string(filter.Status), filter.Endpoint,
	)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	var out []*Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dead letters: %w", err)
	}
	return out, nil
}

// UpdateStatus mutates the review status of an existing entry.
func (s *PostgresStore) UpdateStatus(ctx context.Context, id string, status Status) error {
	if !status.IsValid() {
		return fmt.Errorf("invalid review status %q", status)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE dead_letters SET review_status = $1 WHERE id = $2`,
		string(status), id,
	)
	if err != nil {
		return fmt.Errorf("update dead letter status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("dead letter %s: %w", id, sentinel.ErrNotFound)
	}
	return nil
}

func scanEntry(row pgx.Row) (*Entry, error) {
	entry := &Entry{}
	var history []byte
	var status string
	if err := row.Scan(&entry.ID, &entry.Endpoint, &entry.Identifier, &entry.Payload,
		&history, &entry.MovedAt, &status); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(history, &entry.FailureHistory); err != nil {
		return nil, fmt.Errorf("unmarshal failure history: %w", err)
	}
	entry.ReviewStatus = Status(status)
	return entry, nil
}
