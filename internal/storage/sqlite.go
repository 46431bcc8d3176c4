package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // Pure-Go SQLite driver

	"github.com/haasonsaas/courier/pkg/models"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS messages (
	id TEXT PRIMARY KEY,
	service TEXT NOT NULL,
	recipient TEXT NOT NULL,
	body TEXT NOT NULL,
	status TEXT NOT NULL,
	external_message_id TEXT NOT NULL DEFAULT '',
	error_message TEXT NOT NULL DEFAULT '',
	requested_by TEXT NOT NULL DEFAULT '',
	metadata TEXT NOT NULL DEFAULT '{}',
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_service_status ON messages(service, status);
CREATE INDEX IF NOT EXISTS idx_messages_recipient_created ON messages(recipient, created_at);
CREATE INDEX IF NOT EXISTS idx_messages_created ON messages(created_at);

CREATE TABLE IF NOT EXISTS service_status (
	service TEXT PRIMARY KEY,
	status TEXT NOT NULL,
	metadata TEXT NOT NULL DEFAULT '{}',
	last_updated TIMESTAMP NOT NULL
);
`

// NewSQLiteStores opens (creating if needed) a SQLite-backed store set at
// the given path. This is the default persistence engine.
func NewSQLiteStores(path string) (Stores, error) {
	if path == "" {
		return Stores{}, fmt.Errorf("sqlite path is required")
	}
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path))
	if err != nil {
		return Stores{}, fmt.Errorf("open sqlite: %w", err)
	}
	// modernc sqlite serializes writes; a single connection avoids
	// SQLITE_BUSY churn under concurrent senders.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return Stores{}, fmt.Errorf("init sqlite schema: %w", err)
	}
	return NewStores(
		&sqlLedger{db: db, bind: bindQuestion},
		&sqlStatusStore{db: db, bind: bindQuestion, upsert: sqliteStatusUpsert},
		db.Close,
	), nil
}

const sqliteStatusUpsert = `
INSERT INTO service_status (service, status, metadata, last_updated)
VALUES (?, ?, ?, ?)
ON CONFLICT(service) DO UPDATE SET
	status = excluded.status,
	metadata = excluded.metadata,
	last_updated = excluded.last_updated`

// bind rewrites '?' placeholders for engines that use numbered parameters.
type bindFunc func(query string) string

func bindQuestion(query string) string { return query }

// sqlLedger implements MessageLedger on database/sql. It is shared by the
// SQLite and Postgres stores; the bind function adapts placeholders.
type sqlLedger struct {
	db   *sql.DB
	bind bindFunc
}

func (l *sqlLedger) Create(ctx context.Context, draft models.MessageDraft) (*models.Message, error) {
	now := time.Now().UTC()
	msg := &models.Message{
		ID:          uuid.NewString(),
		Service:     draft.Service,
		Recipient:   draft.Recipient,
		Body:        draft.Body,
		Status:      models.StatusPending,
		RequestedBy: draft.RequestedBy,
		Metadata:    draft.Metadata,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	meta, err := json.Marshal(orEmpty(draft.Metadata))
	if err != nil {
		return nil, fmt.Errorf("marshal message metadata: %w", err)
	}
	_, err = l.db.ExecContext(ctx, l.bind(
		`INSERT INTO messages (id, service, recipient, body, status, external_message_id, error_message, requested_by, metadata, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, '', '', ?, ?, ?, ?)`),
		msg.ID, msg.Service, msg.Recipient, msg.Body, msg.Status, msg.RequestedBy, string(meta), msg.CreatedAt, msg.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("create message: %w", err)
	}
	return msg, nil
}

func (l *sqlLedger) Get(ctx context.Context, id string) (*models.Message, error) {
	row := l.db.QueryRowContext(ctx, l.bind(
		`SELECT id, service, recipient, body, status, external_message_id, error_message, requested_by, metadata, created_at, updated_at
		 FROM messages WHERE id = ?`), id)
	return scanMessage(row)
}

func (l *sqlLedger) MarkSent(ctx context.Context, id, externalID string) error {
	return l.markTerminal(ctx, id, l.bind(
		`UPDATE messages SET status = ?, external_message_id = ?, updated_at = ? WHERE id = ? AND status = ?`),
		models.StatusSent, externalID, time.Now().UTC(), id, models.StatusPending)
}

func (l *sqlLedger) MarkFailed(ctx context.Context, id, reason string) error {
	return l.markTerminal(ctx, id, l.bind(
		`UPDATE messages SET status = ?, error_message = ?, updated_at = ? WHERE id = ? AND status = ?`),
		models.StatusFailed, Truncate(reason), time.Now().UTC(), id, models.StatusPending)
}

// markTerminal performs the single allowed status transition. The guard on
// status = pending makes a second transition a no-op at the SQL level; the
// follow-up read distinguishes ErrTerminal from ErrNotFound.
func (l *sqlLedger) markTerminal(ctx context.Context, id, query string, args ...any) error {
	res, err := l.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update message: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update message: %w", err)
	}
	if affected > 0 {
		return nil
	}
	if _, err := l.Get(ctx, id); err != nil {
		return err
	}
	return ErrTerminal
}

func (l *sqlLedger) FindPending(ctx context.Context, limit int) ([]*models.Message, error) {
	return l.query(ctx, l.bind(
		`SELECT id, service, recipient, body, status, external_message_id, error_message, requested_by, metadata, created_at, updated_at
		 FROM messages WHERE status = ? ORDER BY created_at ASC LIMIT ?`),
		models.StatusPending, normalizeLimit(limit))
}

func (l *sqlLedger) FindFailedForRetry(ctx context.Context, window time.Duration, limit int) ([]*models.Message, error) {
	cutoff := time.Now().UTC().Add(-window)
	return l.query(ctx, l.bind(
		`SELECT id, service, recipient, body, status, external_message_id, error_message, requested_by, metadata, created_at, updated_at
		 FROM messages WHERE status = ? AND updated_at > ? ORDER BY created_at ASC LIMIT ?`),
		models.StatusFailed, cutoff, normalizeLimit(limit))
}

func (l *sqlLedger) query(ctx context.Context, query string, args ...any) ([]*models.Message, error) {
	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()
	var out []*models.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

func (l *sqlLedger) Stats(ctx context.Context) (*models.MessageStats, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT service, status, COUNT(*) FROM messages GROUP BY service, status`)
	if err != nil {
		return nil, fmt.Errorf("message stats: %w", err)
	}
	defer rows.Close()
	stats := &models.MessageStats{
		ByService: make(map[models.Service]map[models.MessageStatus]int64),
	}
	for rows.Next() {
		var service models.Service
		var status models.MessageStatus
		var count int64
		if err := rows.Scan(&service, &status, &count); err != nil {
			return nil, fmt.Errorf("message stats: %w", err)
		}
		byStatus, ok := stats.ByService[service]
		if !ok {
			byStatus = make(map[models.MessageStatus]int64)
			stats.ByService[service] = byStatus
		}
		byStatus[status] = count
		stats.Total += count
	}
	return stats, rows.Err()
}

func (l *sqlLedger) DeleteOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-age)
	res, err := l.db.ExecContext(ctx, l.bind(`DELETE FROM messages WHERE created_at < ?`), cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete old messages: %w", err)
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*models.Message, error) {
	var msg models.Message
	var meta string
	err := row.Scan(&msg.ID, &msg.Service, &msg.Recipient, &msg.Body, &msg.Status,
		&msg.ExternalMessageID, &msg.ErrorMessage, &msg.RequestedBy, &meta,
		&msg.CreatedAt, &msg.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan message: %w", err)
	}
	if meta != "" && meta != "{}" {
		if err := json.Unmarshal([]byte(meta), &msg.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal message metadata: %w", err)
		}
	}
	return &msg, nil
}

// sqlStatusStore implements StatusStore on database/sql. The metadata
// merge happens in a transaction so concurrent readers never observe a
// half-written row.
type sqlStatusStore struct {
	db     *sql.DB
	bind   bindFunc
	upsert string
}

func (s *sqlStatusStore) Upsert(ctx context.Context, service models.Service, state models.ConnectionState, patch map[string]any) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin status upsert: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	meta := map[string]any{}
	var raw string
	err = tx.QueryRowContext(ctx, s.bind(`SELECT metadata FROM service_status WHERE service = ?`), service).Scan(&raw)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("read status metadata: %w", err)
	}
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &meta); err != nil {
			return fmt.Errorf("unmarshal status metadata: %w", err)
		}
	}
	for k, v := range patch {
		if v == nil {
			delete(meta, k)
			continue
		}
		meta[k] = v
	}
	merged, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal status metadata: %w", err)
	}
	if _, err := tx.ExecContext(ctx, s.bind(s.upsert), service, state, string(merged), time.Now().UTC()); err != nil {
		return fmt.Errorf("upsert status: %w", err)
	}
	return tx.Commit()
}

func (s *sqlStatusStore) Get(ctx context.Context, service models.Service, includeSensitive bool) (*models.ServiceStatus, error) {
	row := s.db.QueryRowContext(ctx, s.bind(
		`SELECT service, status, metadata, last_updated FROM service_status WHERE service = ?`), service)
	st, err := scanStatus(row)
	if err != nil {
		return nil, err
	}
	if includeSensitive {
		return st, nil
	}
	return st.Redacted(), nil
}

func (s *sqlStatusStore) All(ctx context.Context) ([]*models.ServiceStatus, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT service, status, metadata, last_updated FROM service_status ORDER BY service`)
	if err != nil {
		return nil, fmt.Errorf("query statuses: %w", err)
	}
	defer rows.Close()
	var out []*models.ServiceStatus
	for rows.Next() {
		st, err := scanStatus(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st.Redacted())
	}
	return out, rows.Err()
}

func (s *sqlStatusStore) ClearSensitive(ctx context.Context, service models.Service) error {
	patch := make(map[string]any, len(models.SensitiveStatusKeys))
	for _, k := range models.SensitiveStatusKeys {
		patch[k] = nil
	}
	st, err := s.Get(ctx, service, false)
	if err != nil {
		return err
	}
	return s.Upsert(ctx, service, st.Status, patch)
}

func (s *sqlStatusStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func scanStatus(row rowScanner) (*models.ServiceStatus, error) {
	var st models.ServiceStatus
	var meta string
	err := row.Scan(&st.Service, &st.Status, &meta, &st.LastUpdated)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan status: %w", err)
	}
	if meta != "" {
		if err := json.Unmarshal([]byte(meta), &st.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal status metadata: %w", err)
		}
	}
	return &st, nil
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 100
	}
	return limit
}
