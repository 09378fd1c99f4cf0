package memory

import (
	"context"
	"fmt"
	"testing"
	"time"
)

func TestInMemoryStore_RecallByOverlap(t *testing.T) {
	s := NewInMemoryStore(0)
	ctx := context.Background()

	s.SaveTask(ctx, TaskRecord{ID: "t1", Input: "read the deployment notes", Output: "notes body", Timestamp: time.Now()})
	s.SaveTask(ctx, TaskRecord{ID: "t2", Input: "fetch weather data", Output: "sunny", Timestamp: time.Now()})

	entries, err := s.Recall(ctx, "show me the deployment notes")
	if err != nil {
		t.Fatalf("Recall: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 match, got %d", len(entries))
	}
	if entries[0].Source != "t1" || entries[0].Content != "notes body" {
		t.Errorf("wrong record recalled: %+v", entries[0])
	}
	if entries[0].Relevance <= 0 || entries[0].Relevance > 1 {
		t.Errorf("relevance out of range: %f", entries[0].Relevance)
	}
}

func TestInMemoryStore_RecallTopFive(t *testing.T) {
	s := NewInMemoryStore(0)
	ctx := context.Background()

	for i := 0; i < 8; i++ {
		s.SaveTask(ctx, TaskRecord{ID: fmt.Sprintf("t%d", i), Input: "deployment task number", Output: "out"})
	}
	entries, err := s.Recall(ctx, "deployment task")
	if err != nil {
		t.Fatalf("Recall: %v", err)
	}
	if len(entries) != 5 {
		t.Errorf("recall should cap at 5 entries, got %d", len(entries))
	}
}

func TestInMemoryStore_EmptyQuery(t *testing.T) {
	s := NewInMemoryStore(0)
	s.SaveTask(context.Background(), TaskRecord{ID: "t1", Input: "anything"})

	entries, err := s.Recall(context.Background(), "")
	if err != nil {
		t.Fatalf("Recall: %v", err)
	}
	if entries != nil {
		t.Errorf("empty query should recall nothing, got %v", entries)
	}
}

func TestInMemoryStore_RecentTasksNewestFirst(t *testing.T) {
	s := NewInMemoryStore(0)
	ctx := context.Background()

	s.SaveTask(ctx, TaskRecord{ID: "t1", Input: "older", Tasks: []PriorTask{
		{Description: "Read file a.txt", Tool: "fs", Success: true},
	}})
	s.SaveTask(ctx, TaskRecord{ID: "t2", Input: "newer", Tasks: []PriorTask{
		{Description: "Fetch page", Tool: "networking", Success: false},
	}})

	tasks, err := s.RecentTasks(ctx, 10)
	if err != nil {
		t.Fatalf("RecentTasks: %v", err)
	}
	if len(tasks) != 2 {
		t.Fatalf("expected 2 prior tasks, got %d", len(tasks))
	}
	if tasks[0].Tool != "networking" {
		t.Errorf("newest task should come first, got %+v", tasks[0])
	}
	if tasks[1].Description != "Read file a.txt" || !tasks[1].Success {
		t.Errorf("older task mangled: %+v", tasks[1])
	}
}

func TestInMemoryStore_BoundedEviction(t *testing.T) {
	s := NewInMemoryStore(3)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		s.SaveTask(ctx, TaskRecord{ID: fmt.Sprintf("t%d", i), Input: "task"})
	}
	if s.Count() != 3 {
		t.Errorf("store should hold at most 3 records, got %d", s.Count())
	}
}
