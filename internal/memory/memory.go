package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// Entry is a single recalled memory with a relevance score.
type Entry struct {
	Content   string  `json:"content"`
	Relevance float64 `json:"relevance"`
	Source    string  `json:"source,omitempty"`
}

// PriorTask summarizes an earlier task result used to inform planning.
type PriorTask struct {
	Description string `json:"description"`
	Tool        string `json:"tool"`
	Success     bool   `json:"success"`
}

// Context carries the recalled memory for one pipeline invocation.
type Context struct {
	Entries    []Entry     `json:"entries,omitempty"`
	PriorTasks []PriorTask `json:"prior_tasks,omitempty"`
}

// TaskRecord is the shape persisted after a completed pipeline run.
type TaskRecord struct {
	ID            string      `json:"id"`
	Input         string      `json:"input"`
	Output        string      `json:"output"`
	Success       bool        `json:"success"`
	Steps         []string    `json:"steps,omitempty"`
	Tasks         []PriorTask `json:"tasks,omitempty"`
	ExecutionTime int64       `json:"execution_time_ms"`
	Timestamp     time.Time   `json:"timestamp"`
	UserID        string      `json:"user_id,omitempty"`
	SessionID     string      `json:"session_id,omitempty"`
}

// Store is the collaborator interface the pipeline consumes. The real
// embedding-backed implementation lives in the host application.
type Store interface {
	Recall(ctx context.Context, query string) ([]Entry, error)
	SaveTask(ctx context.Context, record TaskRecord) error
	RecentTasks(ctx context.Context, limit int) ([]PriorTask, error)
}

// InMemoryStore is a word-overlap backed Store suitable for tests and
// for running the engine without a host application.
type InMemoryStore struct {
	mu      sync.RWMutex
	records []TaskRecord
	maxSize int
}

// NewInMemoryStore creates a bounded in-memory store.
func NewInMemoryStore(maxSize int) *InMemoryStore {
	if maxSize <= 0 {
		maxSize = 500
	}
	return &InMemoryStore{maxSize: maxSize}
}

// Recall scores saved task records by word overlap with the query.
func (s *InMemoryStore) Recall(ctx context.Context, query string) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	queryWords := wordSet(query)
	if len(queryWords) == 0 {
		return nil, nil
	}

	var entries []Entry
	for _, r := range s.records {
		overlap := 0
		for word := range wordSet(r.Input) {
			if queryWords[word] {
				overlap++
			}
		}
		if overlap == 0 {
			continue
		}
		entries = append(entries, Entry{
			Content:   r.Output,
			Relevance: float64(overlap) / float64(len(queryWords)),
			Source:    r.ID,
		})
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Relevance > entries[j].Relevance })
	if len(entries) > 5 {
		entries = entries[:5]
	}
	return entries, nil
}

// SaveTask appends a task record, evicting the oldest past maxSize.
func (s *InMemoryStore) SaveTask(ctx context.Context, record TaskRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records = append(s.records, record)
	if len(s.records) > s.maxSize {
		s.records = s.records[len(s.records)-s.maxSize:]
	}
	return nil
}

// RecentTasks returns the per-step summaries of the newest records,
// newest first, up to limit.
func (s *InMemoryStore) RecentTasks(ctx context.Context, limit int) ([]PriorTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 20
	}
	var out []PriorTask
	for i := len(s.records) - 1; i >= 0 && len(out) < limit; i-- {
		for _, task := range s.records[i].Tasks {
			out = append(out, task)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

// Count returns the number of stored records.
func (s *InMemoryStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

func wordSet(s string) map[string]bool {
	words := make(map[string]bool)
	for _, w := range strings.Fields(strings.ToLower(s)) {
		if len(w) > 2 {
			words[w] = true
		}
	}
	return words
}
