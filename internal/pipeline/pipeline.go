// Package pipeline composes the cognitive stages into one processing
// path: classify the input, plan tool steps, optimize and safety-check
// the plan, execute it and aggregate the output.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"cortex/internal/broker"
	"cortex/internal/complexity"
	"cortex/internal/config"
	"cortex/internal/events"
	"cortex/internal/intent"
	"cortex/internal/memory"
	"cortex/internal/output"
	"cortex/internal/planner"
	"cortex/internal/provider"
	"cortex/internal/router"
	"cortex/internal/safety"
	"cortex/internal/tools"
)

// ErrPipelineClosed is returned after Close.
var ErrPipelineClosed = errors.New("pipeline closed")

// emptyInputReply is returned for blank input instead of an error.
const emptyInputReply = "I didn't catch that. What would you like me to do?"

// ProcessOptions tune one Process call.
type ProcessOptions struct {
	// Confirmed acknowledges a previously returned confirmation
	// request and lets the plan execute.
	Confirmed bool
	// DisableCache bypasses the tool result cache for this run.
	DisableCache bool
	// OnChunk receives streamed output fragments when set.
	OnChunk func(string)
}

// Result is the outcome of one Process call.
type Result struct {
	ID                   string                 `json:"id"`
	Input                string                 `json:"input"`
	Output               output.FormattedOutput `json:"output"`
	Success              bool                   `json:"success"`
	UsedPipeline         bool                   `json:"used_pipeline"`
	Blocked              bool                   `json:"blocked,omitempty"`
	BlockedReasons       []string               `json:"blocked_reasons,omitempty"`
	RequiresConfirmation bool                   `json:"requires_confirmation,omitempty"`
	ConfirmationMessage  string                 `json:"confirmation_message,omitempty"`
	Intent               *intent.Intent         `json:"intent,omitempty"`
	Plan                 *planner.ExecutionPlan `json:"plan,omitempty"`
	StepResults          []tools.Result         `json:"step_results,omitempty"`
	ExecutionTime        int64                  `json:"execution_time_ms"`
	Error                string                 `json:"error,omitempty"`
}

// Pipeline wires the stages together and owns their lifecycles.
type Pipeline struct {
	cfg        *config.Config
	detector   *complexity.Detector
	classifier *intent.Classifier
	planner    *planner.Planner
	optimizer  *planner.Optimizer
	safety     *safety.Engine
	validator  *safety.CommandValidator
	registry   *tools.Registry
	executor   *tools.ToolExecutor
	router     *router.Router
	broker     *broker.Broker
	outputEng  *output.Engine
	memory     memory.Store
	provider   provider.Provider
	bus        *events.Bus
	scheduler  *cron.Cron

	closed atomic.Bool

	statsMu       sync.Mutex
	totalRuns     int64
	pipelineRuns  int64
	fastPathRuns  int64
	blockedRuns   int64
	failedRuns    int64
	totalDuration time.Duration

	historyMu sync.Mutex
	history   []HistoryEntry
}

// HistoryEntry is one remembered processing run.
type HistoryEntry struct {
	ID            string    `json:"id"`
	Input         string    `json:"input"`
	Success       bool      `json:"success"`
	UsedPipeline  bool      `json:"used_pipeline"`
	ExecutionTime int64     `json:"execution_time_ms"`
	Timestamp     time.Time `json:"timestamp"`
}

// New builds a pipeline from the configuration. The provider may be
// nil, which leaves the ai tool unavailable and disables the fast
// path's generation (inputs then always go through the pipeline).
func New(cfg *config.Config, p provider.Provider) (*Pipeline, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	bus := events.NewBus()

	validator := safety.NewCommandValidator(safety.ValidatorConfig{
		Whitelist: cfg.Safety.CommandWhitelist,
		Blacklist: cfg.Safety.CommandBlacklist,
	})
	if cfg.Safety.AuditDBPath != "" {
		store, err := safety.NewSQLiteAuditStore(cfg.Safety.AuditDBPath)
		if err != nil {
			return nil, fmt.Errorf("opening audit store: %w", err)
		}
		validator.SetAuditStore(store)
	}

	policy := safety.Policy{
		AllowDestructiveOps:          cfg.Safety.AllowDestructiveOps,
		RequireConfirmationThreshold: safety.ParseRiskLevel(cfg.Safety.ConfirmationThreshold),
		BlockedTools:                 cfg.Safety.BlockedTools,
		BlockedPaths:                 append(safety.DefaultPolicy().BlockedPaths, cfg.Safety.BlockedPaths...),
	}

	var store memory.Store
	if cfg.EnableMemory {
		store = memory.NewInMemoryStore(0)
	}

	registry := tools.NewRegistry()
	executor := tools.NewToolExecutor(registry, bus, tools.ExecutorConfig{
		DefaultTimeout: cfg.Executor.DefaultTimeout,
		CacheTTL:       cfg.CacheDuration,
		MaxParallel:    cfg.Executor.MaxParallel,
	})

	peerBroker := broker.NewBroker(broker.Config{
		LocalName:      cfg.Broker.LocalName,
		MaxRetries:     cfg.Broker.MaxRetries,
		StaleAfter:     cfg.Broker.StaleAfter,
		HealthInterval: cfg.Broker.HealthInterval,
	}, bus)
	peerBroker.SetRemoteExecutor(broker.NewWSRemoteExecutor())
	peerBroker.SetToolDescriber(func(tool string) (string, bool) {
		if cap, ok := registry.Get(tool); ok {
			return cap.Description, true
		}
		return "", false
	})

	scheduler := cron.New()

	pl := &Pipeline{
		cfg:        cfg,
		detector:   complexity.NewDetector(),
		classifier: intent.NewClassifier(),
		planner:    planner.NewPlanner(),
		optimizer:  planner.NewOptimizer(),
		safety:     safety.NewEngine(policy, validator),
		validator:  validator,
		registry:   registry,
		executor:   executor,
		router:     router.NewRouter(registry),
		broker:     peerBroker,
		outputEng:  output.NewEngine(),
		memory:     store,
		provider:   p,
		bus:        bus,
		scheduler:  scheduler,
	}

	if cfg.AutoRegisterTools {
		err := tools.RegisterBuiltins(registry, tools.BuiltinDeps{
			BaseDir:     cfg.BaseDir,
			UserID:      cfg.UserID,
			Permissions: cfg.Safety.Permissions,
			Validator:   validator,
			Provider:    p,
			MemoryStore: store,
			PeerCaller:  peerBroker,
			Scheduler:   scheduler,
			AutomationRun: func(ctx context.Context, task string) {
				log.Printf("[Pipeline] scheduled task fired: %s", task)
			},
		})
		if err != nil {
			return nil, fmt.Errorf("registering builtin tools: %w", err)
		}
	}

	scheduler.Start()
	if err := peerBroker.StartHealthMonitor(); err != nil {
		return nil, fmt.Errorf("starting peer health monitor: %w", err)
	}
	return pl, nil
}

// Close stops background work. Further Process calls fail.
func (p *Pipeline) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	p.broker.StopHealthMonitor()
	p.scheduler.Stop()
	return nil
}

// Events returns the pipeline's event bus for subscription.
func (p *Pipeline) Events() *events.Bus { return p.bus }

// Registry exposes the tool registry.
func (p *Pipeline) Registry() *tools.Registry { return p.registry }

// Executor exposes the tool executor.
func (p *Pipeline) Executor() *tools.ToolExecutor { return p.executor }

// Broker exposes the peer broker.
func (p *Pipeline) Broker() *broker.Broker { return p.broker }

// Validator exposes the command validator (and through it the audit log).
func (p *Pipeline) Validator() *safety.CommandValidator { return p.validator }

// Process runs the full pipeline over one input.
func (p *Pipeline) Process(ctx context.Context, input string, opts ProcessOptions) (*Result, error) {
	if p.closed.Load() {
		return nil, ErrPipelineClosed
	}
	input = strings.TrimSpace(input)
	if input == "" {
		return &Result{
			ID:      "req_" + uuid.NewString(),
			Success: true,
			Output:  p.outputEng.Format(emptyInputReply),
		}, nil
	}

	pctx := newContext("req_"+uuid.NewString(), input, p.cfg.UserID, p.cfg.SessionID)
	p.bus.Emit(events.Event{Stage: events.EventProcessingStarted, Status: events.StatusStart,
		Data: map[string]interface{}{"id": pctx.ID, "input": input}})

	result := p.process(ctx, pctx, opts)
	result.ExecutionTime = time.Since(pctx.StartedAt).Milliseconds()

	p.recordRun(result)
	if result.Success {
		p.bus.Emit(events.Event{Stage: events.EventProcessingCompleted, Status: events.StatusComplete,
			Data: map[string]interface{}{"id": result.ID, "duration_ms": result.ExecutionTime}})
	} else {
		p.bus.Emit(events.Event{Stage: events.EventProcessingError, Status: events.StatusError,
			Data: map[string]interface{}{"id": result.ID, "error": result.Error}})
	}
	return result, nil
}

// ProcessStreaming is Process with output streamed through onChunk.
// The final Result still carries the complete output.
func (p *Pipeline) ProcessStreaming(ctx context.Context, input string, onChunk func(string), opts ProcessOptions) (*Result, error) {
	opts.OnChunk = onChunk
	return p.Process(ctx, input, opts)
}

func (p *Pipeline) process(ctx context.Context, pctx *Context, opts ProcessOptions) *Result {
	result := &Result{ID: pctx.ID, Input: pctx.Input}

	// Stage 1: complexity gate.
	var comp complexity.Result
	p.runStage(pctx, events.StageComplexityCheck, func() error {
		comp = p.detector.Detect(pctx.Input)
		return pctx.SetComplexity(comp)
	})

	if !comp.ShouldUsePipeline {
		p.fastPath(ctx, pctx, opts, result)
		return result
	}
	result.UsedPipeline = true

	// Stage 2: intent detection.
	var detected intent.Intent
	p.runStage(pctx, events.StageIntentDetection, func() error {
		detected = p.classifier.Detect(pctx.Input)
		return pctx.SetIntent(detected)
	})
	result.Intent = pctx.Intent()

	// Stage 3: memory retrieval.
	p.runStage(pctx, events.StageMemoryRetrieval, func() error {
		if p.memory == nil {
			return pctx.SetMemoryContext(nil)
		}
		entries, err := p.memory.Recall(ctx, pctx.Input)
		if err != nil {
			pctx.AddError(fmt.Errorf("memory recall: %w", err))
			return pctx.SetMemoryContext(nil)
		}
		prior, err := p.memory.RecentTasks(ctx, 20)
		if err != nil {
			pctx.AddError(fmt.Errorf("memory prior tasks: %w", err))
		}
		return pctx.SetMemoryContext(&memory.Context{Entries: entries, PriorTasks: prior})
	})

	// Stage 4: plan generation.
	var planErr error
	p.runStage(pctx, events.StagePlanGeneration, func() error {
		plan, err := p.planner.Plan(planner.Request{
			Intent:        detected,
			Input:         pctx.Input,
			MemoryContext: pctx.MemoryContext(),
		})
		if err != nil {
			planErr = err
			return err
		}
		return pctx.SetPlan(plan)
	})
	if planErr != nil {
		p.fail(result, fmt.Errorf("planning: %w", planErr))
		return result
	}

	// Stage 5: optimization.
	p.runStage(pctx, events.StageOptimization, func() error {
		return pctx.SetOptimization(p.optimizer.Optimize(pctx.Plan(), pctx.MemoryContext()))
	})
	plan := pctx.EffectivePlan()
	result.Plan = plan

	// Stage 6: safety gate. Blocked plans never execute.
	var check safety.Check
	p.runStage(pctx, events.StageSafetyCheck, func() error {
		check = p.safety.Validate(plan)
		return pctx.SetSafetyCheck(check)
	})
	if !check.Allowed {
		result.Blocked = true
		result.BlockedReasons = check.BlockedReasons
		result.Output = p.outputEng.FormatError(check.ConfirmationMessage)
		result.Error = "blocked by safety policy"
		return result
	}
	if check.RequiresConfirmation && !opts.Confirmed {
		result.RequiresConfirmation = true
		result.ConfirmationMessage = check.ConfirmationMessage
		result.Success = true
		result.Output = output.FormattedOutput{
			Type:    output.TypeMarkdown,
			Content: check.ConfirmationMessage,
		}
		return result
	}

	// Stage 7: routing.
	var routed *router.Plan
	p.runStage(pctx, events.StageToolRouting, func() error {
		routed = p.router.Route(plan)
		return pctx.SetRoutedPlan(routed)
	})

	// Stage 8: execution.
	var stepOutputs []output.StepOutput
	p.runStage(pctx, events.StageStepExecution, func() error {
		stepOutputs = p.executeSteps(ctx, plan, routed, opts)
		results := make([]tools.Result, 0, len(stepOutputs))
		for _, so := range stepOutputs {
			results = append(results, tools.Result{
				Success: so.Success,
				Data:    so.Data,
				Error:   so.Error,
			})
		}
		return pctx.SetStepResults(results)
	})
	result.StepResults = pctx.StepResults()

	// Stage 8b: multi-PC sync bookkeeping when remote steps ran.
	if hasPeerSteps(plan) {
		p.runStage(pctx, events.StageMultiPCSync, func() error {
			stats := p.broker.GetLoadStats()
			log.Printf("[Pipeline] multi-pc sync: %d peers, %d online", stats.Peers, stats.Online)
			return nil
		})
	}

	// Stage 9: output aggregation.
	p.runStage(pctx, events.StageOutputAggregation, func() error {
		formatted := p.outputEng.Aggregate(stepOutputs)
		if err := pctx.SetOutput(formatted); err != nil {
			return err
		}
		result.Output = formatted
		return nil
	})

	result.Success = result.Output.Type != output.TypeError
	if !result.Success {
		result.Error = "one or more steps failed"
	}
	if opts.OnChunk != nil && result.Output.Content != "" {
		streamContent(result.Output.Content, opts.OnChunk)
	}

	// Stage 10: memory update.
	p.runStage(pctx, events.StageMemoryUpdate, func() error {
		if p.memory == nil {
			return nil
		}
		successByStep := make(map[string]bool, len(stepOutputs))
		for _, so := range stepOutputs {
			successByStep[so.StepID] = so.Success
		}
		stepIDs := make([]string, len(plan.Steps))
		tasks := make([]memory.PriorTask, len(plan.Steps))
		for i, s := range plan.Steps {
			stepIDs[i] = s.ID
			tasks[i] = memory.PriorTask{Description: s.Description, Tool: s.Tool, Success: successByStep[s.ID]}
		}
		record := memory.TaskRecord{
			ID:            pctx.ID,
			Input:         pctx.Input,
			Output:        result.Output.Content,
			Success:       result.Success,
			Steps:         stepIDs,
			Tasks:         tasks,
			ExecutionTime: time.Since(pctx.StartedAt).Milliseconds(),
			Timestamp:     time.Now(),
			UserID:        pctx.UserID,
			SessionID:     pctx.SessionID,
		}
		if err := p.memory.SaveTask(ctx, record); err != nil {
			pctx.AddError(fmt.Errorf("memory update: %w", err))
		}
		return nil
	})

	return result
}

// fastPath answers simple inputs directly through the provider.
func (p *Pipeline) fastPath(ctx context.Context, pctx *Context, opts ProcessOptions, result *Result) {
	if p.provider == nil {
		result.Output = p.outputEng.Format(pctx.Input)
		result.Success = true
		return
	}

	if opts.OnChunk != nil {
		var b strings.Builder
		err := p.provider.GenerateStream(ctx, pctx.Input, nil, func(chunk string) {
			b.WriteString(chunk)
			opts.OnChunk(chunk)
		})
		if err != nil {
			p.fail(result, fmt.Errorf("generating: %w", err))
			return
		}
		result.Output = p.outputEng.Format(b.String())
		result.Success = true
		return
	}

	response, err := p.provider.Generate(ctx, pctx.Input, nil)
	if err != nil {
		p.fail(result, fmt.Errorf("generating: %w", err))
		return
	}
	result.Output = p.outputEng.Format(response)
	result.Success = true
}

// executeSteps drives the routed plan wave by wave, emitting per-step
// progress events. Waves execute in parallel when the routed mode
// allows it.
func (p *Pipeline) executeSteps(ctx context.Context, plan *planner.ExecutionPlan, routed *router.Plan, opts ProcessOptions) []output.StepOutput {
	routeByStep := make(map[string]router.StepRoute, len(routed.Steps))
	for _, sr := range routed.Steps {
		routeByStep[sr.StepID] = sr
	}

	waves, err := plan.ExecutionWaves()
	if err != nil {
		// Validate catches cycles earlier; treat this as a hard fault.
		return []output.StepOutput{{StepID: plan.ID, Success: false, Error: err.Error()}}
	}

	execOpts := tools.Options{UseCache: !opts.DisableCache, ContinueOnError: true}
	outputs := make([]output.StepOutput, 0, len(plan.Steps))
	total := len(plan.Steps)
	index := 0

	for _, wave := range waves {
		type pending struct {
			step  *planner.TaskStep
			route tools.Route
			index int
		}
		var runnable []pending

		for _, id := range wave {
			step := plan.GetStep(id)
			sr := routeByStep[id]
			index++
			if sr.Unroutable {
				p.emitStepProgress(id, index, total, "error", float64(index)/float64(total))
				outputs = append(outputs, output.StepOutput{
					StepID: id, Description: step.Description, Success: false, Error: sr.Reason,
				})
				continue
			}
			p.emitStepProgress(id, index, total, "start", float64(index-1)/float64(total))
			runnable = append(runnable, pending{step: step, route: sr.Route, index: index})
		}

		if len(runnable) == 0 {
			continue
		}

		var results []tools.Result
		if routed.Mode == router.ModeParallel && len(runnable) > 1 {
			routes := make([]tools.Route, len(runnable))
			for i, r := range runnable {
				routes[i] = r.route
			}
			results = p.executor.ExecuteParallel(ctx, routes, execOpts)
		} else {
			for _, r := range runnable {
				results = append(results, p.executor.Execute(ctx, r.route, execOpts))
			}
		}

		for i, r := range runnable {
			res := results[i]
			status := "complete"
			if !res.Success {
				status = "error"
			}
			p.emitStepProgress(r.step.ID, r.index, total, status, float64(r.index)/float64(total))
			outputs = append(outputs, output.StepOutput{
				StepID:      r.step.ID,
				Description: r.step.Description,
				Success:     res.Success,
				Data:        res.Data,
				Error:       res.Error,
			})
		}
	}
	return outputs
}

func (p *Pipeline) emitStepProgress(stepID string, index, total int, status string, progress float64) {
	p.bus.Emit(events.Event{
		Stage:  events.StageStepExecution,
		Status: events.StatusProgress,
		Data: map[string]interface{}{
			"stepId":     stepID,
			"stepIndex":  index,
			"totalSteps": total,
			"status":     status,
			"progress":   progress,
		},
	})
}

// runStage wraps a stage function with start/complete/error events and
// timing capture.
func (p *Pipeline) runStage(pctx *Context, stage string, fn func() error) {
	start := time.Now()
	p.bus.EmitStage(stage, events.StatusStart, map[string]interface{}{"id": pctx.ID})

	err := fn()
	elapsed := time.Since(start)
	pctx.RecordStageTime(stage, elapsed)

	if err != nil {
		pctx.AddError(fmt.Errorf("%s: %w", stage, err))
		p.bus.EmitStage(stage, events.StatusError, map[string]interface{}{
			"id": pctx.ID, "error": err.Error(), "duration_ms": elapsed.Milliseconds(),
		})
		return
	}
	p.bus.EmitStage(stage, events.StatusComplete, map[string]interface{}{
		"id": pctx.ID, "duration_ms": elapsed.Milliseconds(),
	})
}

func (p *Pipeline) fail(result *Result, err error) {
	result.Success = false
	result.Error = err.Error()
	result.Output = p.outputEng.FormatError(err.Error())
}

// streamContent delivers the content in line-sized chunks.
func streamContent(content string, onChunk func(string)) {
	lines := strings.SplitAfter(content, "\n")
	for _, line := range lines {
		if line != "" {
			onChunk(line)
		}
	}
}

func hasPeerSteps(plan *planner.ExecutionPlan) bool {
	for _, step := range plan.Steps {
		if step.Tool == planner.ToolPeer {
			return true
		}
	}
	return false
}

// Stats summarizes pipeline activity since start.
type Stats struct {
	TotalRuns        int64               `json:"total_runs"`
	PipelineRuns     int64               `json:"pipeline_runs"`
	FastPathRuns     int64               `json:"fast_path_runs"`
	BlockedRuns      int64               `json:"blocked_runs"`
	FailedRuns       int64               `json:"failed_runs"`
	AvgExecutionTime int64               `json:"avg_execution_time_ms"`
	Executor         tools.ExecutorStats `json:"executor"`
	Registry         tools.Stats         `json:"registry"`
	Broker           broker.LoadStats    `json:"broker"`
}

// GetStats returns a snapshot of pipeline, executor, registry and
// broker counters.
func (p *Pipeline) GetStats() Stats {
	p.statsMu.Lock()
	stats := Stats{
		TotalRuns:    p.totalRuns,
		PipelineRuns: p.pipelineRuns,
		FastPathRuns: p.fastPathRuns,
		BlockedRuns:  p.blockedRuns,
		FailedRuns:   p.failedRuns,
	}
	if p.totalRuns > 0 {
		stats.AvgExecutionTime = p.totalDuration.Milliseconds() / p.totalRuns
	}
	p.statsMu.Unlock()

	stats.Executor = p.executor.GetStats()
	stats.Registry = p.registry.GetStats()
	stats.Broker = p.broker.GetLoadStats()
	return stats
}

// ClearCaches drops the tool result cache.
func (p *Pipeline) ClearCaches() {
	p.executor.ClearCache()
	log.Printf("[Pipeline] caches cleared")
}

// History returns the most recent runs, newest first.
func (p *Pipeline) History() []HistoryEntry {
	p.historyMu.Lock()
	defer p.historyMu.Unlock()

	out := make([]HistoryEntry, len(p.history))
	for i, entry := range p.history {
		out[len(p.history)-1-i] = entry
	}
	return out
}

func (p *Pipeline) recordRun(result *Result) {
	p.statsMu.Lock()
	p.totalRuns++
	if result.UsedPipeline {
		p.pipelineRuns++
	} else {
		p.fastPathRuns++
	}
	if result.Blocked {
		p.blockedRuns++
	}
	if !result.Success {
		p.failedRuns++
	}
	p.totalDuration += time.Duration(result.ExecutionTime) * time.Millisecond
	p.statsMu.Unlock()

	p.historyMu.Lock()
	p.history = append(p.history, HistoryEntry{
		ID:            result.ID,
		Input:         result.Input,
		Success:       result.Success,
		UsedPipeline:  result.UsedPipeline,
		ExecutionTime: result.ExecutionTime,
		Timestamp:     time.Now(),
	})
	if max := p.cfg.HistorySize; max > 0 && len(p.history) > max {
		p.history = p.history[len(p.history)-max:]
	}
	p.historyMu.Unlock()
}
