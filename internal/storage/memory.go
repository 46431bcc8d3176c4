package storage

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/courier/pkg/models"
)

// MemoryLedger keeps messages in memory. Used in tests and single-process
// dev deployments.
type MemoryLedger struct {
	mu       sync.RWMutex
	messages map[string]*models.Message
	order    []string
}

// NewMemoryLedger returns an empty in-memory ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{messages: make(map[string]*models.Message)}
}

func (l *MemoryLedger) Create(ctx context.Context, draft models.MessageDraft) (*models.Message, error) {
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
	l.mu.Lock()
	defer l.mu.Unlock()
	l.messages[msg.ID] = cloneMessage(msg)
	l.order = append(l.order, msg.ID)
	return msg, nil
}

func (l *MemoryLedger) Get(ctx context.Context, id string) (*models.Message, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	msg, ok := l.messages[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneMessage(msg), nil
}

func (l *MemoryLedger) MarkSent(ctx context.Context, id, externalID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	msg, ok := l.messages[id]
	if !ok {
		return ErrNotFound
	}
	if msg.Terminal() {
		return ErrTerminal
	}
	msg.Status = models.StatusSent
	msg.ExternalMessageID = externalID
	msg.ErrorMessage = ""
	msg.UpdatedAt = time.Now().UTC()
	return nil
}

func (l *MemoryLedger) MarkFailed(ctx context.Context, id, reason string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	msg, ok := l.messages[id]
	if !ok {
		return ErrNotFound
	}
	if msg.Terminal() {
		return ErrTerminal
	}
	msg.Status = models.StatusFailed
	msg.ErrorMessage = Truncate(reason)
	msg.ExternalMessageID = ""
	msg.UpdatedAt = time.Now().UTC()
	return nil
}

func (l *MemoryLedger) FindPending(ctx context.Context, limit int) ([]*models.Message, error) {
	return l.filter(limit, func(m *models.Message) bool {
		return m.Status == models.StatusPending
	}), nil
}

func (l *MemoryLedger) FindFailedForRetry(ctx context.Context, window time.Duration, limit int) ([]*models.Message, error) {
	cutoff := time.Now().UTC().Add(-window)
	return l.filter(limit, func(m *models.Message) bool {
		return m.Status == models.StatusFailed && m.UpdatedAt.After(cutoff)
	}), nil
}

func (l *MemoryLedger) filter(limit int, keep func(*models.Message) bool) []*models.Message {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []*models.Message
	for _, id := range l.order {
		msg, ok := l.messages[id]
		if !ok || !keep(msg) {
			continue
		}
		out = append(out, cloneMessage(msg))
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

func (l *MemoryLedger) Stats(ctx context.Context) (*models.MessageStats, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	stats := &models.MessageStats{
		ByService: make(map[models.Service]map[models.MessageStatus]int64),
	}
	for _, msg := range l.messages {
		stats.Total++
		byStatus, ok := stats.ByService[msg.Service]
		if !ok {
			byStatus = make(map[models.MessageStatus]int64)
			stats.ByService[msg.Service] = byStatus
		}
		byStatus[msg.Status]++
	}
	return stats, nil
}

func (l *MemoryLedger) DeleteOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-age)
	l.mu.Lock()
	defer l.mu.Unlock()
	var removed int64
	keep := l.order[:0]
	for _, id := range l.order {
		msg, ok := l.messages[id]
		if !ok {
			continue
		}
		if msg.CreatedAt.Before(cutoff) {
			delete(l.messages, id)
			removed++
			continue
		}
		keep = append(keep, id)
	}
	l.order = keep
	return removed, nil
}

func cloneMessage(m *models.Message) *models.Message {
	out := *m
	if m.Metadata != nil {
		out.Metadata = make(map[string]any, len(m.Metadata))
		for k, v := range m.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}

// MemoryStatusStore keeps service status rows in memory.
type MemoryStatusStore struct {
	mu   sync.RWMutex
	rows map[models.Service]*models.ServiceStatus
}

// NewMemoryStatusStore returns an empty in-memory status store.
func NewMemoryStatusStore() *MemoryStatusStore {
	return &MemoryStatusStore{rows: make(map[models.Service]*models.ServiceStatus)}
}

func (s *MemoryStatusStore) Upsert(ctx context.Context, service models.Service, state models.ConnectionState, patch map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[service]
	if !ok {
		row = &models.ServiceStatus{Service: service, Metadata: map[string]any{}}
		s.rows[service] = row
	}
	row.Status = state
	row.LastUpdated = time.Now().UTC()
	for k, v := range patch {
		if v == nil {
			delete(row.Metadata, k)
			continue
		}
		row.Metadata[k] = v
	}
	return nil
}

func (s *MemoryStatusStore) Get(ctx context.Context, service models.Service, includeSensitive bool) (*models.ServiceStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.rows[service]
	if !ok {
		return nil, ErrNotFound
	}
	if includeSensitive {
		return cloneStatus(row), nil
	}
	return row.Redacted(), nil
}

func (s *MemoryStatusStore) All(ctx context.Context) ([]*models.ServiceStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.ServiceStatus, 0, len(s.rows))
	for _, service := range models.Services() {
		if row, ok := s.rows[service]; ok {
			out = append(out, row.Redacted())
		}
	}
	return out, nil
}

func (s *MemoryStatusStore) ClearSensitive(ctx context.Context, service models.Service) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[service]
	if !ok {
		return ErrNotFound
	}
	for _, k := range models.SensitiveStatusKeys {
		delete(row.Metadata, k)
	}
	row.LastUpdated = time.Now().UTC()
	return nil
}

func (s *MemoryStatusStore) Ping(ctx context.Context) error {
	return nil
}

func cloneStatus(st *models.ServiceStatus) *models.ServiceStatus {
	out := *st
	if st.Metadata != nil {
		out.Metadata = make(map[string]any, len(st.Metadata))
		for k, v := range st.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}
