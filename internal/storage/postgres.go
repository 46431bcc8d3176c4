package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq" // Postgres driver
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS messages (
	id TEXT PRIMARY KEY,
	service TEXT NOT NULL,
	recipient TEXT NOT NULL,
	body TEXT NOT NULL,
	status TEXT NOT NULL,
	external_message_id TEXT NOT NULL DEFAULT '',
	error_message TEXT NOT NULL DEFAULT '',
	requested_by TEXT NOT NULL DEFAULT '',
	metadata JSONB NOT NULL DEFAULT '{}',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_service_status ON messages(service, status);
CREATE INDEX IF NOT EXISTS idx_messages_recipient_created ON messages(recipient, created_at);
CREATE INDEX IF NOT EXISTS idx_messages_created ON messages(created_at);

CREATE TABLE IF NOT EXISTS service_status (
	service TEXT PRIMARY KEY,
	status TEXT NOT NULL,
	metadata JSONB NOT NULL DEFAULT '{}',
	last_updated TIMESTAMPTZ NOT NULL
);
`

const postgresStatusUpsert = `
INSERT INTO service_status (service, status, metadata, last_updated)
VALUES (?, ?, ?, ?)
ON CONFLICT (service) DO UPDATE SET
	status = EXCLUDED.status,
	metadata = EXCLUDED.metadata,
	last_updated = EXCLUDED.last_updated`

// PostgresConfig tunes the connection pool.
type PostgresConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnectTimeout  time.Duration
}

// DefaultPostgresConfig returns conservative pool settings.
func DefaultPostgresConfig() *PostgresConfig {
	return &PostgresConfig{
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: 30 * time.Minute,
		ConnectTimeout:  5 * time.Second,
	}
}

// NewPostgresStores creates Postgres-backed stores from a DSN for
// multi-instance deployments.
func NewPostgresStores(dsn string, config *PostgresConfig) (Stores, error) {
	if strings.TrimSpace(dsn) == "" {
		return Stores{}, fmt.Errorf("dsn is required")
	}
	if config == nil {
		config = DefaultPostgresConfig()
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return Stores{}, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), config.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return Stores{}, fmt.Errorf("ping database: %w", err)
	}
	if _, err := db.ExecContext(ctx, postgresSchema); err != nil {
		_ = db.Close()
		return Stores{}, fmt.Errorf("init schema: %w", err)
	}

	return NewStores(
		&sqlLedger{db: db, bind: bindDollar},
		&sqlStatusStore{db: db, bind: bindDollar, upsert: postgresStatusUpsert},
		db.Close,
	), nil
}

// bindDollar rewrites '?' placeholders to Postgres $n parameters.
func bindDollar(query string) string {
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
