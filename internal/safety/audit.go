package safety

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrAuditEntryNotFound is returned when a result is recorded against an
// unknown audit id.
var ErrAuditEntryNotFound = errors.New("audit entry not found")

// AuditLogEntry records one command validation decision and, once the
// command ran, its outcome.
type AuditLogEntry struct {
	ID         string      `json:"id"`
	Timestamp  time.Time   `json:"timestamp"`
	UserID     string      `json:"user_id,omitempty"`
	Command    string      `json:"command"`
	Type       CommandType `json:"type"`
	Risk       RiskLevel   `json:"risk"`
	Allowed    bool        `json:"allowed"`
	Permission string      `json:"permission"`
	Reason     string      `json:"reason,omitempty"`
	Executed   bool        `json:"executed"`
	Success    bool        `json:"success"`
	Output     string      `json:"output,omitempty"`
}

// AuditFilter narrows an audit log query. Zero-valued fields are
// ignored.
type AuditFilter struct {
	UserID string
	Since  time.Time
	Until  time.Time
	Limit  int
}

// AuditStore persists command audit entries.
type AuditStore interface {
	Append(ctx context.Context, entry AuditLogEntry) error
	RecordResult(ctx context.Context, id string, success bool, output string) error
	Recent(ctx context.Context, limit int) ([]AuditLogEntry, error)
	Query(ctx context.Context, filter AuditFilter) ([]AuditLogEntry, error)
	Close() error
}

// MemoryAuditStore keeps a bounded in-memory audit log. Oldest entries
// are evicted once the cap is reached.
type MemoryAuditStore struct {
	mu      sync.RWMutex
	entries []AuditLogEntry
	byID    map[string]int
	maxSize int
}

// NewMemoryAuditStore creates a store capped at maxSize entries
// (default 1000 when maxSize <= 0).
func NewMemoryAuditStore(maxSize int) *MemoryAuditStore {
	if maxSize <= 0 {
		maxSize = 1000
	}
	return &MemoryAuditStore{
		byID:    make(map[string]int),
		maxSize: maxSize,
	}
}

// Append stores the entry, evicting the oldest when full.
func (s *MemoryAuditStore) Append(ctx context.Context, entry AuditLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.entries) >= s.maxSize {
		evicted := s.entries[0]
		s.entries = s.entries[1:]
		delete(s.byID, evicted.ID)
		for id := range s.byID {
			s.byID[id]--
		}
	}
	s.byID[entry.ID] = len(s.entries)
	s.entries = append(s.entries, entry)
	return nil
}

// RecordResult marks the entry as executed with the given outcome.
func (s *MemoryAuditStore) RecordResult(ctx context.Context, id string, success bool, output string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, ok := s.byID[id]
	if !ok {
		return ErrAuditEntryNotFound
	}
	s.entries[idx].Executed = true
	s.entries[idx].Success = success
	s.entries[idx].Output = output
	return nil
}

// Recent returns up to limit entries, newest first.
func (s *MemoryAuditStore) Recent(ctx context.Context, limit int) ([]AuditLogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 || limit > len(s.entries) {
		limit = len(s.entries)
	}
	out := make([]AuditLogEntry, 0, limit)
	for i := len(s.entries) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.entries[i])
	}
	return out, nil
}

// Query returns entries matching the filter, newest first.
func (s *MemoryAuditStore) Query(ctx context.Context, filter AuditFilter) ([]AuditLogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	limit := filter.Limit
	if limit <= 0 {
		limit = len(s.entries)
	}
	var out []AuditLogEntry
	for i := len(s.entries) - 1; i >= 0 && len(out) < limit; i-- {
		e := s.entries[i]
		if filter.UserID != "" && e.UserID != filter.UserID {
			continue
		}
		if !filter.Since.IsZero() && e.Timestamp.Before(filter.Since) {
			continue
		}
		if !filter.Until.IsZero() && e.Timestamp.After(filter.Until) {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// Close is a no-op for the in-memory store.
func (s *MemoryAuditStore) Close() error { return nil }
