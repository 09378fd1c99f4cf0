package planner

import (
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"cortex/internal/memory"
)

// OptimizationResult holds the plan before and after optimization plus a
// human-readable list of the transformations that were applied.
type OptimizationResult struct {
	OriginalPlan    *ExecutionPlan `json:"original_plan"`
	OptimizedPlan   *ExecutionPlan `json:"optimized_plan"`
	Transformations []string       `json:"transformations,omitempty"`
	ImprovementPct  float64        `json:"improvement_pct,omitempty"`
}

// Optimizer deduplicates, merges, reorders and regroups plan steps.
// Every transformation is idempotent, so optimizing twice yields the
// same plan as optimizing once.
type Optimizer struct{}

// NewOptimizer creates an Optimizer.
func NewOptimizer() *Optimizer {
	return &Optimizer{}
}

// Optimize applies the transformation passes in order and reports what
// changed. The original plan is not mutated.
func (o *Optimizer) Optimize(plan *ExecutionPlan, memCtx *memory.Context) *OptimizationResult {
	optimized := copyPlan(plan)
	var applied []string

	if n := o.deduplicate(optimized); n > 0 {
		applied = append(applied, fmt.Sprintf("removed %d duplicate step(s)", n))
	}
	if n := o.mergeBatchable(optimized); n > 0 {
		applied = append(applied, fmt.Sprintf("merged %d step(s) into batches", n))
	}
	if n := o.reorderByPriority(optimized); n > 0 {
		applied = append(applied, "reordered steps by priority")
	}

	optimized.ParallelGroups = computeParallelGroups(optimized.Steps)

	if n := o.applyMemoryCaching(optimized, memCtx); n > 0 {
		applied = append(applied, fmt.Sprintf("enabled cache for %d step(s) from prior results", n))
	}

	optimized.TotalEstimatedDuration = computeTotalDuration(optimized.Steps, optimized.ParallelGroups)

	result := &OptimizationResult{
		OriginalPlan:    plan,
		OptimizedPlan:   optimized,
		Transformations: applied,
	}
	if plan.TotalEstimatedDuration > 0 && optimized.TotalEstimatedDuration < plan.TotalEstimatedDuration {
		saved := plan.TotalEstimatedDuration - optimized.TotalEstimatedDuration
		result.ImprovementPct = float64(saved) / float64(plan.TotalEstimatedDuration) * 100
	}

	if len(applied) > 0 {
		log.Printf("[Optimizer] plan %s: %s", plan.ID, strings.Join(applied, "; "))
	}
	return result
}

// deduplicate drops steps whose canonical key (tool, description,
// serialized parameters) already occurred, rewriting dependencies on the
// removed id to the first occurrence. Returns the number removed.
func (o *Optimizer) deduplicate(plan *ExecutionPlan) int {
	seen := make(map[string]string) // canonical key -> surviving step id
	remap := make(map[string]string)
	kept := plan.Steps[:0]

	for _, step := range plan.Steps {
		key := canonicalKey(step)
		if survivor, dup := seen[key]; dup {
			remap[step.ID] = survivor
			continue
		}
		seen[key] = step.ID
		kept = append(kept, step)
	}

	removed := len(plan.Steps) - len(kept)
	plan.Steps = kept

	if len(remap) > 0 {
		for i := range plan.Steps {
			for j, dep := range plan.Steps[i].Dependencies {
				if survivor, ok := remap[dep]; ok {
					plan.Steps[i].Dependencies[j] = survivor
				}
			}
			plan.Steps[i].Dependencies = uniqueStrings(plan.Steps[i].Dependencies)
		}
	}
	return removed
}

// mergeBatchable fuses consecutive independent parallelizable steps with
// the same tool into one batched step. A step that is already a batch
// absorbs further originals instead of nesting, which keeps the pass
// idempotent. Returns the number of steps absorbed.
func (o *Optimizer) mergeBatchable(plan *ExecutionPlan) int {
	if len(plan.Steps) < 2 {
		return 0
	}

	merged := 0
	remap := make(map[string]string)
	kept := make([]TaskStep, 0, len(plan.Steps))

	for _, step := range plan.Steps {
		if len(kept) > 0 {
			prev := &kept[len(kept)-1]
			if prev.Tool == step.Tool &&
				prev.CanParallelize && step.CanParallelize &&
				len(prev.Dependencies) == 0 && len(step.Dependencies) == 0 {
				absorb(prev, step)
				remap[step.ID] = prev.ID
				merged++
				continue
			}
		}
		kept = append(kept, step)
	}

	plan.Steps = kept
	if len(remap) > 0 {
		for i := range plan.Steps {
			for j, dep := range plan.Steps[i].Dependencies {
				if survivor, ok := remap[dep]; ok {
					plan.Steps[i].Dependencies[j] = survivor
				}
			}
			plan.Steps[i].Dependencies = uniqueStrings(plan.Steps[i].Dependencies)
		}
	}
	return merged
}

// absorb folds step b into batch step a.
func absorb(a *TaskStep, b TaskStep) {
	batch, ok := a.Parameters["batch"].([]interface{})
	if !ok {
		batch = []interface{}{copyParams(a.Parameters)}
		a.Parameters = map[string]interface{}{}
	}
	if bBatch, nested := b.Parameters["batch"].([]interface{}); nested {
		batch = append(batch, bBatch...)
	} else {
		batch = append(batch, copyParams(b.Parameters))
	}
	a.Parameters["batch"] = batch
	a.Description = fmt.Sprintf("Batched %s (%d operations)", a.Tool, len(batch))
	if b.EstimatedDuration > a.EstimatedDuration {
		a.EstimatedDuration = b.EstimatedDuration
	}
	if b.Priority > a.Priority {
		a.Priority = b.Priority
	}
}

// reorderByPriority performs a stable priority sort: a later step moves
// ahead of an earlier one only when it has strictly higher priority and
// does not transitively depend on it. Repeats until a fixed point so the
// pass is idempotent. Returns the number of swaps performed.
func (o *Optimizer) reorderByPriority(plan *ExecutionPlan) int {
	swaps := 0
	for {
		swapped := false
		for i := 0; i < len(plan.Steps)-1; i++ {
			j := i + 1
			if plan.Steps[j].Priority > plan.Steps[i].Priority &&
				!dependsOnTransitively(plan.Steps, plan.Steps[j].ID, plan.Steps[i].ID) {
				plan.Steps[i], plan.Steps[j] = plan.Steps[j], plan.Steps[i]
				swapped = true
				swaps++
			}
		}
		if !swapped {
			break
		}
	}
	return swaps
}

// applyMemoryCaching marks fs steps whose description matches a prior
// task result as cacheable and shrinks their estimate to one tenth.
func (o *Optimizer) applyMemoryCaching(plan *ExecutionPlan, memCtx *memory.Context) int {
	if memCtx == nil || len(memCtx.PriorTasks) == 0 {
		return 0
	}

	marked := 0
	for i := range plan.Steps {
		step := &plan.Steps[i]
		if step.Tool != ToolFS || step.UseCache {
			continue
		}
		for _, prior := range memCtx.PriorTasks {
			if prior.Tool != ToolFS {
				continue
			}
			if strings.EqualFold(prior.Description, step.Description) {
				step.UseCache = true
				step.EstimatedDuration = step.EstimatedDuration / 10
				marked++
				break
			}
		}
	}
	return marked
}

// canonicalKey builds the dedup key from tool, description and the JSON
// serialization of the parameters.
func canonicalKey(step TaskStep) string {
	params, _ := json.Marshal(step.Parameters)
	return step.Tool + "|" + step.Description + "|" + string(params)
}

func copyPlan(plan *ExecutionPlan) *ExecutionPlan {
	copied := &ExecutionPlan{
		ID:                     plan.ID,
		Steps:                  make([]TaskStep, len(plan.Steps)),
		TotalEstimatedDuration: plan.TotalEstimatedDuration,
	}
	for i, s := range plan.Steps {
		copied.Steps[i] = s
		copied.Steps[i].Parameters = copyParams(s.Parameters)
		copied.Steps[i].Dependencies = append([]string(nil), s.Dependencies...)
	}
	for _, g := range plan.ParallelGroups {
		copied.ParallelGroups = append(copied.ParallelGroups, append([]string(nil), g...))
	}
	return copied
}

func copyParams(params map[string]interface{}) map[string]interface{} {
	copied := make(map[string]interface{}, len(params))
	for k, v := range params {
		copied[k] = v
	}
	return copied
}

func uniqueStrings(values []string) []string {
	if len(values) < 2 {
		return values
	}
	seen := make(map[string]bool, len(values))
	out := values[:0]
	for _, v := range values {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}
