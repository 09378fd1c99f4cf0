package safety

import (
	"strings"
	"testing"

	"cortex/internal/planner"
)

func planOf(steps ...planner.TaskStep) *planner.ExecutionPlan {
	return &planner.ExecutionPlan{ID: "plan_test", Steps: steps}
}

func TestEngine_SafeReadPlan(t *testing.T) {
	e := NewEngine(DefaultPolicy(), nil)
	check := e.Validate(planOf(planner.TaskStep{
		ID: "step_1", Tool: planner.ToolFS, Description: "Read file",
		Parameters: map[string]interface{}{"operation": "read", "path": "/tmp/a.txt"},
	}))

	if !check.Allowed {
		t.Fatalf("read-only plan should be allowed: %+v", check)
	}
	if check.RiskLevel != RiskSafe {
		t.Errorf("expected safe risk, got %s", check.RiskLevel)
	}
	if check.RequiresConfirmation {
		t.Error("safe plan should not require confirmation")
	}
}

func TestEngine_DeleteBlockedByDefault(t *testing.T) {
	e := NewEngine(DefaultPolicy(), nil)
	check := e.Validate(planOf(planner.TaskStep{
		ID: "step_1", Tool: planner.ToolFS, Description: "Delete file",
		Parameters: map[string]interface{}{"operation": "delete", "path": "/tmp/a.txt"},
	}))

	if check.Allowed {
		t.Fatal("delete should be blocked when destructive ops are disabled")
	}
	if len(check.BlockedReasons) != 1 {
		t.Errorf("expected one blocked reason, got %v", check.BlockedReasons)
	}
}

func TestEngine_DeleteAllowedWhenPolicyPermits(t *testing.T) {
	policy := DefaultPolicy()
	policy.AllowDestructiveOps = true
	e := NewEngine(policy, nil)

	check := e.Validate(planOf(planner.TaskStep{
		ID: "step_1", Tool: planner.ToolFS, Description: "Delete file",
		Parameters: map[string]interface{}{"operation": "delete", "path": "/tmp/a.txt"},
	}))

	if !check.Allowed {
		t.Fatalf("delete should pass with AllowDestructiveOps: %+v", check)
	}
	if check.RiskLevel != RiskMedium {
		t.Errorf("expected medium risk, got %s", check.RiskLevel)
	}
	if !check.RequiresConfirmation {
		t.Error("medium risk should hit the default confirmation threshold")
	}
}

func TestEngine_ProtectedPathCritical(t *testing.T) {
	e := NewEngine(DefaultPolicy(), nil)
	check := e.Validate(planOf(planner.TaskStep{
		ID: "step_1", Tool: planner.ToolFS, Description: "Read system binary",
		Parameters: map[string]interface{}{"operation": "read", "path": "/usr/bin/env"},
	}))

	if check.Allowed {
		t.Fatal("protected path access should be blocked")
	}
	if check.RiskLevel != RiskCritical {
		t.Errorf("expected critical risk, got %s", check.RiskLevel)
	}
}

func TestEngine_DangerousShellBlocked(t *testing.T) {
	e := NewEngine(DefaultPolicy(), nil)
	check := e.Validate(planOf(planner.TaskStep{
		ID: "step_1", Tool: planner.ToolShell, Description: "Run command",
		Parameters: map[string]interface{}{"command": "rm -rf /"},
	}))

	if check.Allowed {
		t.Fatal("rm -rf should never be allowed")
	}
	if check.RiskLevel != RiskCritical {
		t.Errorf("expected critical risk, got %s", check.RiskLevel)
	}
}

func TestEngine_ShellAlwaysNeedsConfirmation(t *testing.T) {
	e := NewEngine(DefaultPolicy(), nil)
	check := e.Validate(planOf(planner.TaskStep{
		ID: "step_1", Tool: planner.ToolShell, Description: "List files",
		Parameters: map[string]interface{}{"command": "ls -la"},
	}))

	if !check.Allowed {
		t.Fatalf("plain ls should be allowed: %+v", check)
	}
	if !check.RequiresConfirmation {
		t.Error("shell steps always require confirmation")
	}
}

func TestEngine_BlockedToolCritical(t *testing.T) {
	policy := DefaultPolicy()
	policy.BlockedTools = []string{planner.ToolShell}
	e := NewEngine(policy, nil)

	check := e.Validate(planOf(planner.TaskStep{
		ID: "step_1", Tool: planner.ToolShell, Description: "Run command",
		Parameters: map[string]interface{}{"command": "ls"},
	}))

	if check.Allowed {
		t.Fatal("blocked tool should be rejected")
	}
	if check.RiskLevel != RiskCritical {
		t.Errorf("expected critical risk, got %s", check.RiskLevel)
	}
}

func TestEngine_RiskIsMaxAcrossSteps(t *testing.T) {
	e := NewEngine(DefaultPolicy(), nil)
	check := e.Validate(planOf(
		planner.TaskStep{ID: "step_1", Tool: planner.ToolFS, Description: "Read",
			Parameters: map[string]interface{}{"operation": "read", "path": "a.txt"}},
		planner.TaskStep{ID: "step_2", Tool: planner.ToolPeer, Description: "Remote run",
			Parameters: map[string]interface{}{"command": "uptime"}},
	))

	if check.RiskLevel != RiskHigh {
		t.Errorf("plan risk should be the max step risk (high), got %s", check.RiskLevel)
	}
	if !check.RequiresConfirmation {
		t.Error("peer execution requires confirmation")
	}
}

func TestEngine_ConfirmationMessageListsSteps(t *testing.T) {
	e := NewEngine(DefaultPolicy(), nil)
	check := e.Validate(planOf(planner.TaskStep{
		ID: "step_1", Tool: planner.ToolShell, Description: "Restart the service",
		Parameters: map[string]interface{}{"command": "sudo systemctl restart nginx"},
	}))

	if check.ConfirmationMessage == "" {
		t.Fatal("expected a confirmation message")
	}
	if !strings.Contains(check.ConfirmationMessage, "Restart the service") {
		t.Errorf("message should list the step description: %q", check.ConfirmationMessage)
	}
}

func TestEngine_WildcardPathHighRisk(t *testing.T) {
	e := NewEngine(DefaultPolicy(), nil)
	check := e.Validate(planOf(planner.TaskStep{
		ID: "step_1", Tool: planner.ToolFS, Description: "Read logs",
		Parameters: map[string]interface{}{"operation": "read", "path": "/var/log/*.log"},
	}))

	if check.RiskLevel != RiskHigh {
		t.Errorf("wildcard path should raise risk to high, got %s", check.RiskLevel)
	}
}
