package safety

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestClassify_ReadCommands(t *testing.T) {
	v := NewCommandValidator(ValidatorConfig{})
	for _, cmd := range []string{"ls -la", "cat /tmp/a.txt", "git status", "grep -r foo ."} {
		c := v.Classify(cmd)
		if c.Type != CommandRead {
			t.Errorf("%q: expected READ, got %s", cmd, c.Type)
		}
		if c.Risk != RiskSafe {
			t.Errorf("%q: expected safe risk, got %s", cmd, c.Risk)
		}
		if c.RequiresConfirmation {
			t.Errorf("%q: read commands should not require confirmation", cmd)
		}
	}
}

func TestClassify_DestructiveWinsOverEverything(t *testing.T) {
	v := NewCommandValidator(ValidatorConfig{})
	for _, cmd := range []string{
		"rm -rf /",
		"rm -fr ~/projects",
		"dd if=/dev/zero of=/dev/sda",
		"mkfs.ext4 /dev/sdb1",
		"chmod 777 /etc",
		":(){ :|:& };:",
	} {
		c := v.Classify(cmd)
		if !c.Dangerous {
			t.Errorf("%q: should be flagged dangerous", cmd)
		}
		if c.Risk != RiskCritical {
			t.Errorf("%q: expected critical risk, got %s", cmd, c.Risk)
		}
	}
}

func TestClassify_TypeRiskMapping(t *testing.T) {
	v := NewCommandValidator(ValidatorConfig{})
	cases := []struct {
		command string
		typ     CommandType
		risk    RiskLevel
	}{
		{"mkdir /tmp/new", CommandWrite, RiskLow},
		{"sudo systemctl restart nginx", CommandSystem, RiskHigh},
		{"curl https://example.com", CommandNetwork, RiskMedium},
		{"./run.sh --flag", CommandExecute, RiskMedium},
	}
	for _, tc := range cases {
		c := v.Classify(tc.command)
		if c.Type != tc.typ {
			t.Errorf("%q: expected type %s, got %s", tc.command, tc.typ, c.Type)
		}
		if c.Risk != tc.risk {
			t.Errorf("%q: expected risk %s, got %s", tc.command, tc.risk, c.Risk)
		}
	}
}

func TestClassify_ConfirmationOnlyAtHigh(t *testing.T) {
	v := NewCommandValidator(ValidatorConfig{})
	if v.Classify("curl https://example.com").RequiresConfirmation {
		t.Error("medium risk should not require confirmation")
	}
	if !v.Classify("sudo apt upgrade").RequiresConfirmation {
		t.Error("high risk should require confirmation")
	}
}

func TestValidateForExecution_BlacklistDenies(t *testing.T) {
	v := NewCommandValidator(ValidatorConfig{Blacklist: []string{`\bnc\b`}})
	result, err := v.ValidateForExecution(context.Background(), "nc -l 8080", "user1", []string{"network:execute"})
	if err != nil {
		t.Fatalf("ValidateForExecution: %v", err)
	}
	if result.Allowed {
		t.Error("blacklisted command should be denied")
	}
	if result.AuditID == "" {
		t.Error("denial should still produce an audit entry")
	}
}

func TestValidateForExecution_WhitelistIsExclusive(t *testing.T) {
	v := NewCommandValidator(ValidatorConfig{Whitelist: []string{`^sudo systemctl restart myapp$`}})
	granted := []string{"shell:read", "system:admin"}

	result, err := v.ValidateForExecution(context.Background(), "sudo systemctl restart myapp", "user1", granted)
	if err != nil {
		t.Fatalf("ValidateForExecution: %v", err)
	}
	if !result.Allowed {
		t.Error("whitelisted command should be allowed")
	}
	if result.Permission != "system:admin" {
		t.Errorf("expected system:admin permission, got %s", result.Permission)
	}

	// A configured whitelist denies everything it does not match.
	result, err = v.ValidateForExecution(context.Background(), "ls -la", "user1", granted)
	if err != nil {
		t.Fatalf("ValidateForExecution: %v", err)
	}
	if result.Allowed {
		t.Error("non-whitelisted command should be denied when a whitelist is set")
	}
}

func TestIsAllowed_NoListsAllowsSafeDeniesDangerous(t *testing.T) {
	v := NewCommandValidator(ValidatorConfig{})
	if ok, _ := v.IsAllowed("ls -la"); !ok {
		t.Error("plain read command should be allowed")
	}
	if ok, reason := v.IsAllowed("rm -rf /"); ok || reason == "" {
		t.Errorf("dangerous command should be denied with a reason, got ok=%v reason=%q", ok, reason)
	}
}

func TestValidateForExecution_PermissionMapping(t *testing.T) {
	v := NewCommandValidator(ValidatorConfig{})
	cases := map[string]string{
		"cat a.txt":               "shell:read",
		"touch b.txt":             "shell:execute",
		"curl https://x.test":     "network:execute",
		"sudo reboot":             "system:admin",
		"./custom-binary --serve": "shell:execute",
	}
	granted := []string{"shell:read", "shell:execute", "network:execute", "system:admin"}
	for cmd, perm := range cases {
		result, err := v.ValidateForExecution(context.Background(), cmd, "user1", granted)
		if err != nil {
			t.Fatalf("%q: %v", cmd, err)
		}
		if result.Permission != perm {
			t.Errorf("%q: expected permission %s, got %s", cmd, perm, result.Permission)
		}
	}
}

func TestValidateForExecution_PermissionSetEnforced(t *testing.T) {
	v := NewCommandValidator(ValidatorConfig{})
	ctx := context.Background()

	result, err := v.ValidateForExecution(ctx, "sudo reboot", "user1", []string{"shell:read", "shell:execute"})
	if err != nil {
		t.Fatalf("ValidateForExecution: %v", err)
	}
	if result.Allowed {
		t.Error("system command should be denied without system:admin")
	}
	if !strings.Contains(result.Reason, "system:admin") {
		t.Errorf("reason should name the missing permission, got %q", result.Reason)
	}
	if result.AuditID == "" {
		t.Error("permission denial should still produce an audit entry")
	}

	result, err = v.ValidateForExecution(ctx, "sudo reboot", "user1", []string{"system:admin"})
	if err != nil {
		t.Fatalf("ValidateForExecution: %v", err)
	}
	if !result.Allowed {
		t.Errorf("granted permission should allow the command: %s", result.Reason)
	}

	// An empty grant set denies even safe reads.
	result, err = v.ValidateForExecution(ctx, "ls", "user1", nil)
	if err != nil {
		t.Fatalf("ValidateForExecution: %v", err)
	}
	if result.Allowed {
		t.Error("no granted permissions should deny everything")
	}
}

func TestRecordExecution_RoundTrip(t *testing.T) {
	v := NewCommandValidator(ValidatorConfig{})
	ctx := context.Background()

	result, err := v.ValidateForExecution(ctx, "ls", "user1", []string{"shell:read"})
	if err != nil {
		t.Fatalf("ValidateForExecution: %v", err)
	}
	if err := v.RecordExecution(ctx, result.AuditID, true, "total 0"); err != nil {
		t.Fatalf("RecordExecution: %v", err)
	}

	entries, err := v.AuditStoreHandle().Recent(ctx, 1)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if !entries[0].Executed || !entries[0].Success {
		t.Errorf("entry should record successful execution: %+v", entries[0])
	}
}

func TestRecordExecution_UnknownID(t *testing.T) {
	v := NewCommandValidator(ValidatorConfig{})
	if err := v.RecordExecution(context.Background(), "missing", true, ""); err != ErrAuditEntryNotFound {
		t.Errorf("expected ErrAuditEntryNotFound, got %v", err)
	}
}

func TestMemoryAuditStore_QueryFilters(t *testing.T) {
	s := NewMemoryAuditStore(0)
	ctx := context.Background()
	now := time.Now()

	s.Append(ctx, AuditLogEntry{ID: "a", Timestamp: now.Add(-time.Hour), UserID: "alice", Command: "ls"})
	s.Append(ctx, AuditLogEntry{ID: "b", Timestamp: now, UserID: "alice", Command: "pwd"})
	s.Append(ctx, AuditLogEntry{ID: "c", Timestamp: now, UserID: "bob", Command: "cat x"})

	entries, err := s.Query(ctx, AuditFilter{UserID: "alice", Since: now.Add(-time.Minute)})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(entries) != 1 || entries[0].ID != "b" {
		t.Errorf("expected alice's recent entry only, got %+v", entries)
	}

	limited, err := s.Query(ctx, AuditFilter{Limit: 2})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(limited) != 2 || limited[0].ID != "c" {
		t.Errorf("expected 2 newest-first entries, got %+v", limited)
	}
}

func TestMemoryAuditStore_Eviction(t *testing.T) {
	s := NewMemoryAuditStore(2)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		if err := s.Append(ctx, AuditLogEntry{ID: id, Command: id}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	entries, err := s.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries after eviction, got %d", len(entries))
	}
	if entries[0].ID != "c" || entries[1].ID != "b" {
		t.Errorf("expected newest-first [c b], got [%s %s]", entries[0].ID, entries[1].ID)
	}
	if err := s.RecordResult(ctx, "a", true, ""); err != ErrAuditEntryNotFound {
		t.Errorf("evicted entry should be gone, got %v", err)
	}
}
