package tools

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"cortex/internal/safety"
)

func TestFSExecutor_BatchedOperations(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a.txt"), []byte("alpha"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "b.txt"), []byte("beta"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	f := NewFSExecutor(dir)

	data, err := f.Execute(context.Background(), "read", map[string]interface{}{
		"batch": []interface{}{
			map[string]interface{}{"path": "a.txt"},
			map[string]interface{}{"path": "b.txt"},
		},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	result, ok := data.(map[string]interface{})
	if !ok {
		t.Fatalf("unexpected result shape: %T", data)
	}
	entries, ok := result["batch"].([]interface{})
	if !ok || len(entries) != 2 {
		t.Fatalf("expected 2 batch results, got %v", result["batch"])
	}
	for i, want := range []string{"alpha", "beta"} {
		entry, ok := entries[i].(map[string]interface{})
		if !ok || entry["content"] != want {
			t.Errorf("entry %d: expected content %q, got %v", i, want, entries[i])
		}
	}
}

func TestFSExecutor_BatchEntryOperationOverride(t *testing.T) {
	dir := t.TempDir()
	f := NewFSExecutor(dir)

	data, err := f.Execute(context.Background(), "read", map[string]interface{}{
		"batch": []interface{}{
			map[string]interface{}{"operation": "write", "path": "out.txt", "content": "written"},
			map[string]interface{}{"operation": "list", "path": "."},
		},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if _, statErr := os.Stat(filepath.Join(dir, "out.txt")); statErr != nil {
		t.Errorf("batched write should create the file: %v", statErr)
	}
	result := data.(map[string]interface{})
	if result["count"] != 2 {
		t.Errorf("expected 2 completed entries, got %v", result["count"])
	}
}

func TestFSExecutor_BatchFailureAborts(t *testing.T) {
	f := NewFSExecutor(t.TempDir())

	_, err := f.Execute(context.Background(), "read", map[string]interface{}{
		"batch": []interface{}{
			map[string]interface{}{"path": "missing.txt"},
			map[string]interface{}{"path": "also-missing.txt"},
		},
	})
	if err == nil {
		t.Fatal("a failing batch entry should fail the batch")
	}
}

func TestShellExecutor_PermissionScopes(t *testing.T) {
	v := safety.NewCommandValidator(safety.ValidatorConfig{})
	dir := t.TempDir()

	readOnly := NewShellExecutor(v, dir, "u1", []string{"shell:read"})
	if _, err := readOnly.Execute(context.Background(), "executeCommand",
		map[string]interface{}{"command": "pwd"}); err != nil {
		t.Errorf("read command should run with shell:read: %v", err)
	}

	_, err := readOnly.Execute(context.Background(), "executeCommand",
		map[string]interface{}{"command": "touch denied.txt"})
	if err == nil {
		t.Fatal("write command should be denied without shell:execute")
	}
	if !strings.Contains(err.Error(), "denied") {
		t.Errorf("expected a denial error, got %v", err)
	}

	full := NewShellExecutor(v, dir, "u1", []string{"shell:read", "shell:execute"})
	if _, err := full.Execute(context.Background(), "executeCommand",
		map[string]interface{}{"command": "touch created.txt"}); err != nil {
		t.Errorf("granted scope should allow the command: %v", err)
	}
	if _, statErr := os.Stat(filepath.Join(dir, "created.txt")); statErr != nil {
		t.Errorf("command should have run in the work dir: %v", statErr)
	}
}
