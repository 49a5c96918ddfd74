package usage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists the usage ledger in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgres constructs a PostgreSQL-backed usage store.
func NewPostgres(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const usageSchema = `
CREATE TABLE IF NOT EXISTS usage_records (
	id            TEXT PRIMARY KEY,
	endpoint      TEXT NOT NULL,
	recorded_at   TIMESTAMPTZ NOT NULL,
	attempt       INT NOT NULL,
	input_units   BIGINT NOT NULL,
	output_units  BIGINT NOT NULL,
	cost_estimate DOUBLE PRECISION NOT NULL,
	outcome       TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS usage_records_recorded_at_idx ON usage_records (recorded_at);
`

// EnsureSchema creates the ledger table if it does not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, usageSchema); err != nil {
		return fmt.Errorf("ensure usage schema: %w", err)
	}
	return nil
}

// Append inserts one record.
func (s *PostgresStore) Append(ctx context.Context, rec *Record) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO usage_records
			(id, endpoint, recorded_at, attempt, input_units, output_units, cost_estimate, outcome)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		rec.ID, rec.Endpoint, rec.Timestamp, rec.Attempt,
		rec.InputUnits, rec.OutputUnits, rec.CostEstimate, string(rec.Outcome),
	)
	if err != nil {
		return fmt.Errorf("append usage record: %w", err)
	}
	return nil
}

// Between returns records with from < recorded_at <= to, oldest first.
func (s *PostgresStore) Between(ctx context.Context, from, to time.Time) ([]*Record, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, endpoint, recorded_at, attempt, input_units, output_units, cost_estimate, outcome
		FROM usage_records
		WHERE recorded_at > $1 AND recorded_at <= $2
		ORDER BY recorded_at ASC`,
		from, to,
	)
	if err != nil {
		return nil, fmt.Errorf("query usage records: %w", err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		rec := &Record{}
		var outcome string
		if err := rows.Scan(&rec.ID, &rec.Endpoint, &rec.Timestamp, &rec.Attempt,
			&rec.InputUnits, &rec.OutputUnits, &rec.CostEstimate, &outcome); err != nil {
			return nil, fmt.Errorf("scan usage record: %w", err)
		}
		rec.Outcome = Outcome(outcome)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate usage records: %w", err)
	}
	return out, nil
}
