package pipeline

import (
	"fmt"
	"sync"
	"time"

	"cortex/internal/complexity"
	"cortex/internal/intent"
	"cortex/internal/memory"
	"cortex/internal/output"
	"cortex/internal/planner"
	"cortex/internal/router"
	"cortex/internal/safety"
	"cortex/internal/tools"
)

// Context carries the intermediate products of one pipeline run. Each
// slot is write-once; a second write is a programming error and is
// rejected so stages cannot silently clobber each other.
type Context struct {
	ID        string
	Input     string
	UserID    string
	SessionID string
	StartedAt time.Time

	mu          sync.Mutex
	complexity  *complexity.Result
	intent      *intent.Intent
	memoryCtx   *memory.Context
	plan        *planner.ExecutionPlan
	optimized   *planner.OptimizationResult
	safetyCheck *safety.Check
	routed      *router.Plan
	stepResults []tools.Result
	formatted   *output.FormattedOutput
	stageTimes  map[string]time.Duration
	errs        []error
}

func newContext(id, input, userID, sessionID string) *Context {
	return &Context{
		ID:         id,
		Input:      input,
		UserID:     userID,
		SessionID:  sessionID,
		StartedAt:  time.Now(),
		stageTimes: make(map[string]time.Duration),
	}
}

func (c *Context) setOnce(slot string, present bool, assign func()) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if present {
		return fmt.Errorf("pipeline context: %s already set", slot)
	}
	assign()
	return nil
}

// SetComplexity stores the complexity result.
func (c *Context) SetComplexity(r complexity.Result) error {
	return c.setOnce("complexity", c.complexity != nil, func() { c.complexity = &r })
}

// Complexity returns the stored result, or nil.
func (c *Context) Complexity() *complexity.Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.complexity
}

// SetIntent stores the detected intent.
func (c *Context) SetIntent(i intent.Intent) error {
	return c.setOnce("intent", c.intent != nil, func() { c.intent = &i })
}

// Intent returns the stored intent, or nil.
func (c *Context) Intent() *intent.Intent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.intent
}

// SetMemoryContext stores the recalled memory context.
func (c *Context) SetMemoryContext(m *memory.Context) error {
	return c.setOnce("memory context", c.memoryCtx != nil, func() { c.memoryCtx = m })
}

// MemoryContext returns the stored memory context, or nil.
func (c *Context) MemoryContext() *memory.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.memoryCtx
}

// SetPlan stores the generated plan.
func (c *Context) SetPlan(p *planner.ExecutionPlan) error {
	return c.setOnce("plan", c.plan != nil, func() { c.plan = p })
}

// Plan returns the stored plan, or nil.
func (c *Context) Plan() *planner.ExecutionPlan {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.plan
}

// SetOptimization stores the optimization result.
func (c *Context) SetOptimization(r *planner.OptimizationResult) error {
	return c.setOnce("optimization", c.optimized != nil, func() { c.optimized = r })
}

// Optimization returns the stored optimization result, or nil.
func (c *Context) Optimization() *planner.OptimizationResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.optimized
}

// EffectivePlan returns the optimized plan when present, else the
// original plan.
func (c *Context) EffectivePlan() *planner.ExecutionPlan {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.optimized != nil {
		return c.optimized.OptimizedPlan
	}
	return c.plan
}

// SetSafetyCheck stores the safety verdict.
func (c *Context) SetSafetyCheck(s safety.Check) error {
	return c.setOnce("safety check", c.safetyCheck != nil, func() { c.safetyCheck = &s })
}

// SafetyCheck returns the stored verdict, or nil.
func (c *Context) SafetyCheck() *safety.Check {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.safetyCheck
}

// SetRoutedPlan stores the routed plan.
func (c *Context) SetRoutedPlan(p *router.Plan) error {
	return c.setOnce("routed plan", c.routed != nil, func() { c.routed = p })
}

// RoutedPlan returns the stored routed plan, or nil.
func (c *Context) RoutedPlan() *router.Plan {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.routed
}

// SetStepResults stores the per-step execution results.
func (c *Context) SetStepResults(results []tools.Result) error {
	return c.setOnce("step results", c.stepResults != nil, func() { c.stepResults = results })
}

// StepResults returns the stored results, or nil.
func (c *Context) StepResults() []tools.Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stepResults
}

// SetOutput stores the formatted output.
func (c *Context) SetOutput(o output.FormattedOutput) error {
	return c.setOnce("output", c.formatted != nil, func() { c.formatted = &o })
}

// Output returns the stored output, or nil.
func (c *Context) Output() *output.FormattedOutput {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.formatted
}

// RecordStageTime accumulates the wall time of one stage.
func (c *Context) RecordStageTime(stage string, d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stageTimes[stage] += d
}

// StageTimes returns a copy of the per-stage timings.
func (c *Context) StageTimes() map[string]time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]time.Duration, len(c.stageTimes))
	for k, v := range c.stageTimes {
		out[k] = v
	}
	return out
}

// AddError appends a non-fatal stage error.
func (c *Context) AddError(err error) {
	if err == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errs = append(c.errs, err)
}

// Errors returns the accumulated stage errors.
func (c *Context) Errors() []error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]error(nil), c.errs...)
}
