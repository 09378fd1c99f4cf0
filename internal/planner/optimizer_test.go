package planner

import (
	"reflect"
	"testing"

	"cortex/internal/memory"
)

func testPlan(steps ...TaskStep) *ExecutionPlan {
	plan := &ExecutionPlan{ID: "plan_test", Steps: steps}
	plan.ParallelGroups = computeParallelGroups(plan.Steps)
	plan.TotalEstimatedDuration = computeTotalDuration(plan.Steps, plan.ParallelGroups)
	return plan
}

func TestOptimizer_Deduplicate(t *testing.T) {
	o := NewOptimizer()
	plan := testPlan(
		TaskStep{ID: "step_1", Description: "Read file a.txt", Tool: ToolFS,
			Parameters: map[string]interface{}{"path": "a.txt"}, EstimatedDuration: 500},
		TaskStep{ID: "step_2", Description: "Read file a.txt", Tool: ToolFS,
			Parameters: map[string]interface{}{"path": "a.txt"}, EstimatedDuration: 500},
		TaskStep{ID: "step_3", Description: "Analyze", Tool: ToolAI,
			Parameters: map[string]interface{}{"query": "x"}, Dependencies: []string{"step_2"},
			EstimatedDuration: 5000},
	)

	result := o.Optimize(plan, nil)
	opt := result.OptimizedPlan

	if len(opt.Steps) != 2 {
		t.Fatalf("expected 2 steps after dedup, got %d", len(opt.Steps))
	}
	analyze := opt.GetStep("step_3")
	if analyze == nil {
		t.Fatal("analyze step missing")
	}
	if len(analyze.Dependencies) != 1 || analyze.Dependencies[0] != "step_1" {
		t.Errorf("dependency should be rewritten to first occurrence, got %v", analyze.Dependencies)
	}
	if err := opt.Validate(); err != nil {
		t.Errorf("optimized plan invalid: %v", err)
	}
}

func TestOptimizer_MergeBatchable(t *testing.T) {
	o := NewOptimizer()
	plan := testPlan(
		TaskStep{ID: "step_1", Description: "Read a", Tool: ToolFS,
			Parameters: map[string]interface{}{"path": "a.txt"}, CanParallelize: true, EstimatedDuration: 500},
		TaskStep{ID: "step_2", Description: "Read b", Tool: ToolFS,
			Parameters: map[string]interface{}{"path": "b.txt"}, CanParallelize: true, EstimatedDuration: 700},
	)

	result := o.Optimize(plan, nil)
	opt := result.OptimizedPlan

	if len(opt.Steps) != 1 {
		t.Fatalf("expected 1 merged step, got %d", len(opt.Steps))
	}
	batch, ok := opt.Steps[0].Parameters["batch"].([]interface{})
	if !ok {
		t.Fatalf("merged step should carry batch parameters, got %v", opt.Steps[0].Parameters)
	}
	if len(batch) != 2 {
		t.Errorf("batch should hold 2 originals, got %d", len(batch))
	}
	if opt.Steps[0].EstimatedDuration != 700 {
		t.Errorf("merged duration should be the max (700), got %d", opt.Steps[0].EstimatedDuration)
	}
}

func TestOptimizer_ReorderRespectsDependencies(t *testing.T) {
	o := NewOptimizer()
	plan := testPlan(
		TaskStep{ID: "step_1", Description: "First", Tool: ToolShell,
			Parameters: map[string]interface{}{"command": "a"}, Priority: 3, EstimatedDuration: 100},
		TaskStep{ID: "step_2", Description: "Depends on first", Tool: ToolShell,
			Parameters: map[string]interface{}{"command": "b"}, Priority: 9,
			Dependencies: []string{"step_1"}, EstimatedDuration: 100},
		TaskStep{ID: "step_3", Description: "Independent urgent", Tool: ToolShell,
			Parameters: map[string]interface{}{"command": "c"}, Priority: 8, EstimatedDuration: 100},
	)

	result := o.Optimize(plan, nil)
	opt := result.OptimizedPlan

	pos := make(map[string]int)
	for i, s := range opt.Steps {
		pos[s.ID] = i
	}
	if pos["step_2"] < pos["step_1"] {
		t.Error("dependent step reordered before its dependency")
	}
	if pos["step_3"] > pos["step_1"] {
		t.Error("independent higher-priority step should move ahead")
	}
}

func TestOptimizer_Idempotent(t *testing.T) {
	o := NewOptimizer()
	plan := testPlan(
		TaskStep{ID: "step_1", Description: "Read a", Tool: ToolFS,
			Parameters: map[string]interface{}{"path": "a.txt"}, CanParallelize: true, EstimatedDuration: 500, Priority: 5},
		TaskStep{ID: "step_2", Description: "Read a", Tool: ToolFS,
			Parameters: map[string]interface{}{"path": "a.txt"}, CanParallelize: true, EstimatedDuration: 500, Priority: 5},
		TaskStep{ID: "step_3", Description: "Read b", Tool: ToolFS,
			Parameters: map[string]interface{}{"path": "b.txt"}, CanParallelize: true, EstimatedDuration: 600, Priority: 5},
		TaskStep{ID: "step_4", Description: "Summarize", Tool: ToolAI,
			Parameters: map[string]interface{}{"query": "sum"}, Dependencies: []string{"step_3"},
			EstimatedDuration: 5000, Priority: 7},
	)

	once := o.Optimize(plan, nil).OptimizedPlan
	twice := o.Optimize(once, nil).OptimizedPlan

	if !reflect.DeepEqual(once.Steps, twice.Steps) {
		t.Errorf("optimizer is not idempotent:\nonce:  %+v\ntwice: %+v", once.Steps, twice.Steps)
	}
	if !reflect.DeepEqual(once.ParallelGroups, twice.ParallelGroups) {
		t.Errorf("parallel groups differ between passes: %v vs %v", once.ParallelGroups, twice.ParallelGroups)
	}
	if once.TotalEstimatedDuration != twice.TotalEstimatedDuration {
		t.Errorf("durations differ: %d vs %d", once.TotalEstimatedDuration, twice.TotalEstimatedDuration)
	}
}

func TestOptimizer_MemoryInformedCaching(t *testing.T) {
	o := NewOptimizer()
	plan := testPlan(
		TaskStep{ID: "step_1", Description: "Read file notes.txt", Tool: ToolFS,
			Parameters: map[string]interface{}{"path": "notes.txt"}, EstimatedDuration: 1000},
	)

	memCtx := &memory.Context{
		PriorTasks: []memory.PriorTask{{Description: "Read file notes.txt", Tool: ToolFS, Success: true}},
	}
	result := o.Optimize(plan, memCtx)
	step := result.OptimizedPlan.Steps[0]

	if !step.UseCache {
		t.Error("step matching prior fs result should use cache")
	}
	if step.EstimatedDuration != 100 {
		t.Errorf("cached step duration should shrink to one tenth, got %d", step.EstimatedDuration)
	}
	if result.ImprovementPct <= 0 {
		t.Errorf("expected positive improvement, got %f", result.ImprovementPct)
	}
}

func TestOptimizer_OriginalPlanUntouched(t *testing.T) {
	o := NewOptimizer()
	plan := testPlan(
		TaskStep{ID: "step_1", Description: "Read a", Tool: ToolFS,
			Parameters: map[string]interface{}{"path": "a.txt"}, CanParallelize: true, EstimatedDuration: 500},
		TaskStep{ID: "step_2", Description: "Read b", Tool: ToolFS,
			Parameters: map[string]interface{}{"path": "b.txt"}, CanParallelize: true, EstimatedDuration: 500},
	)
	before := len(plan.Steps)

	o.Optimize(plan, nil)

	if len(plan.Steps) != before {
		t.Error("optimization mutated the original plan")
	}
}
