package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/gghorizon/edge-gateway/internal/events"
)

// schema is applied by EnsureSchema; it is idempotent.
const schema = `
	CREATE SCHEMA IF NOT EXISTS edge_schema;
	CREATE TABLE IF NOT EXISTS edge_schema.security_events (
		id               UUID PRIMARY KEY,
		event_type       TEXT        NOT NULL,
		ip_address       TEXT        NOT NULL,
		user_agent       TEXT        NOT NULL DEFAULT '',
		path             TEXT        NOT NULL,
		method           TEXT        NOT NULL DEFAULT '',
		is_authenticated BOOLEAN     NOT NULL DEFAULT FALSE,
		user_id          TEXT,
		email            TEXT,
		referer          TEXT,
		origin           TEXT,
		occurred_at      TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS security_events_ip_time_idx
		ON edge_schema.security_events (ip_address, occurred_at DESC);`

// PostgresRepo persists security events for later review by the admin dashboard.
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

func (r *PostgresRepo) EnsureSchema(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, schema)
	return err
}

// InsertSecurityEvent stores one event. Optional fields are written as NULL when empty.
func (r *PostgresRepo) InsertSecurityEvent(ctx context.Context, ev events.SecurityEvent) error {
	const q = `
		INSERT INTO edge_schema.security_events
			(id, event_type, ip_address, user_agent, path, method, is_authenticated,
			 user_id, email, referer, origin, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO NOTHING`
	_, err := r.db.ExecContext(ctx, q,
		ev.ID, string(ev.Type), ev.IP, ev.UserAgent, ev.Path, ev.Method, ev.IsAuthenticated,
		nullable(ev.UserID), nullable(ev.Email), nullable(ev.Referer), nullable(ev.Origin), ev.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("inserting security event: %w", err)
	}
	return nil
}

// Name and Record let the repo act as an events.Sink.
func (r *PostgresRepo) Name() string { return "postgres" }

func (r *PostgresRepo) Record(ctx context.Context, ev events.SecurityEvent) error {
	return r.InsertSecurityEvent(ctx, ev)
}

// Ping checks the database connection (used by readiness probe).
func (r *PostgresRepo) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
