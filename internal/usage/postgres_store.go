package usage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

const schema = `
	CREATE TABLE IF NOT EXISTS usage_logs (
		id            UUID PRIMARY KEY DEFAULT gen_random_uuid(),
		request_id    TEXT NOT NULL,
		client_id     TEXT NOT NULL,
		endpoint      TEXT NOT NULL,
		provider      TEXT NOT NULL,
		model         TEXT NOT NULL DEFAULT '',
		input_tokens  INTEGER NOT NULL DEFAULT 0,
		output_tokens INTEGER NOT NULL DEFAULT 0,
		latency_ms    BIGINT NOT NULL DEFAULT 0,
		cached        BOOLEAN NOT NULL DEFAULT FALSE,
		failed_over   BOOLEAN NOT NULL DEFAULT FALSE,
		status        TEXT NOT NULL,
		created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
	)
`

type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the usage table if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to create usage table: %w", err)
	}
	return nil
}

func (s *PostgresStore) LogUsage(ctx context.Context, rec *Record) error {
	query := `
		INSERT INTO usage_logs (request_id, client_id, endpoint, provider, model, input_tokens, output_tokens, latency_ms, cached, failed_over, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id, created_at
	`
	err := s.db.QueryRow(ctx, query,
		rec.RequestID, rec.ClientID, rec.Endpoint, rec.Provider, rec.Model,
		rec.InputTokens, rec.OutputTokens, rec.LatencyMs, rec.Cached, rec.FailedOver, rec.Status,
	).Scan(&rec.ID, &rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to log usage: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListUsage(ctx context.Context, from, to time.Time, limit int) ([]*Record, error) {
	query := `
		SELECT id, request_id, client_id, endpoint, provider, model, input_tokens, output_tokens, latency_ms, cached, failed_over, status, created_at
		FROM usage_logs
		WHERE created_at BETWEEN $1 AND $2
		ORDER BY created_at DESC
		LIMIT $3
	`
	rows, err := s.db.Query(ctx, query, from, to, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query usage logs: %w", err)
	}
	defer rows.Close()

	var recs []*Record
	for rows.Next() {
		var r Record
		err := rows.Scan(
			&r.ID, &r.RequestID, &r.ClientID, &r.Endpoint, &r.Provider, &r.Model,
			&r.InputTokens, &r.OutputTokens, &r.LatencyMs, &r.Cached, &r.FailedOver, &r.Status, &r.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan usage log: %w", err)
		}
		recs = append(recs, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating usage logs: %w", err)
	}
	return recs, nil
}

func (s *PostgresStore) SummarizeByProvider(ctx context.Context, from, to time.Time) ([]*ProviderSummary, error) {
	query := `
		SELECT provider,
		       COUNT(*),
		       COUNT(*) FILTER (WHERE status = 'error'),
		       COALESCE(SUM(input_tokens), 0),
		       COALESCE(SUM(output_tokens), 0)
		FROM usage_logs
		WHERE created_at BETWEEN $1 AND $2
		GROUP BY provider
		ORDER BY provider
	`
	rows, err := s.db.Query(ctx, query, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to summarize usage: %w", err)
	}
	defer rows.Close()

	var out []*ProviderSummary
	for rows.Next() {
		var p ProviderSummary
		if err := rows.Scan(&p.Provider, &p.Requests, &p.Errors, &p.InputTokens, &p.OutputTokens); err != nil {
			return nil, fmt.Errorf("failed to scan usage summary: %w", err)
		}
		out = append(out, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating usage summary: %w", err)
	}
	return out, nil
}
