package db

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// Open creates a new PostgreSQL connection pool
func Open(ctx context.Context, url string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, err
	}

	// Connection pool configuration
	cfg.MaxConns = 10
	cfg.MinConns = 1
	cfg.MaxConnLifetime = time.Hour
	cfg.MaxConnIdleTime = 30 * time.Minute
	cfg.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}

	// Verify connectivity
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	log.Info().
		Int32("max_conns", cfg.MaxConns).
		Int32("min_conns", cfg.MinConns).
		Msg("postgres connection pool created")

	return pool, nil
}

// schema is the full durable state of the service: key-value configuration,
// one row per end user, and a short message log used only for edit diffs.
const schema = `
CREATE TABLE IF NOT EXISTS config (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS users (
	user_id        TEXT PRIMARY KEY,
	user_state     TEXT NOT NULL DEFAULT 'new',
	is_blocked     INT  NOT NULL DEFAULT 0,
	block_count    INT  NOT NULL DEFAULT 0,
	topic_id       BIGINT,
	user_info_json JSONB NOT NULL DEFAULT '{}'
);

CREATE INDEX IF NOT EXISTS users_topic_id_idx ON users (topic_id) WHERE topic_id IS NOT NULL;

CREATE TABLE IF NOT EXISTS messages (
	user_id    TEXT   NOT NULL,
	message_id BIGINT NOT NULL,
	text       TEXT,
	date       BIGINT NOT NULL,
	PRIMARY KEY (user_id, message_id)
);
`

// Migrate applies the schema. All statements are idempotent so this runs
// unconditionally at startup.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return err
	}
	log.Info().Msg("database schema ready")
	return nil
}
