// Package router maps plan steps onto registered tool capabilities,
// choosing the execution mode and per-step fallbacks.
package router

import (
	"log"

	"cortex/internal/planner"
	"cortex/internal/tools"
)

// ExecutionMode describes how the routed steps should be driven.
type ExecutionMode string

const (
	ModeSequential  ExecutionMode = "sequential"
	ModeParallel    ExecutionMode = "parallel"
	ModeConditional ExecutionMode = "conditional"
)

// StepRoute pairs a plan step with its resolved route.
type StepRoute struct {
	StepID string      `json:"step_id"`
	Route  tools.Route `json:"route"`
	// Unroutable is set when no capability could serve the step. The
	// route's Error method is the reason.
	Unroutable bool   `json:"unroutable,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// Plan is the routed form of an execution plan.
type Plan struct {
	PlanID           string        `json:"plan_id"`
	Steps            []StepRoute   `json:"steps"`
	Mode             ExecutionMode `json:"mode"`
	StreamingEnabled bool          `json:"streaming_enabled"`
}

// Router resolves plan steps to tool routes using the registry.
type Router struct {
	registry *tools.Registry
	// fallbacks maps a tool to the tool that can stand in for it.
	fallbacks map[string]string
}

// NewRouter creates a router over the registry with the default
// fallback table.
func NewRouter(registry *tools.Registry) *Router {
	return &Router{
		registry: registry,
		fallbacks: map[string]string{
			planner.ToolGitHub: planner.ToolNetworking,
			planner.ToolMCP:    planner.ToolNetworking,
			planner.ToolSDB:    planner.ToolMemory,
		},
	}
}

// Route resolves every step of the plan. Steps whose tool (and
// fallback) is unavailable are marked unroutable rather than dropped,
// so the executor can surface a per-step error.
func (r *Router) Route(plan *planner.ExecutionPlan) *Plan {
	routed := &Plan{PlanID: plan.ID, Mode: selectMode(plan)}

	for _, step := range plan.Steps {
		sr := r.routeStep(step)
		if !sr.Unroutable {
			if cap, ok := r.registry.Get(sr.Route.Tool); ok && cap.Streaming {
				routed.StreamingEnabled = true
			}
		}
		routed.Steps = append(routed.Steps, sr)
	}
	return routed
}

// routeStep resolves one step, substituting the fallback tool when the
// primary is not registered or unavailable.
func (r *Router) routeStep(step planner.TaskStep) StepRoute {
	tool := step.Tool
	if !r.registry.IsAvailable(tool) {
		fallback, ok := r.fallbacks[tool]
		if !ok || !r.registry.IsAvailable(fallback) {
			log.Printf("[Router] no capability for step %s (tool %s)", step.ID, tool)
			return StepRoute{
				StepID:     step.ID,
				Route:      tools.Route{Tool: tool},
				Unroutable: true,
				Reason:     "no available tool for " + tool,
			}
		}
		log.Printf("[Router] step %s: %s unavailable, falling back to %s", step.ID, tool, fallback)
		tool = fallback
	}

	route := tools.Route{
		Tool:       tool,
		Method:     methodFor(tool, step),
		Parameters: step.Parameters,
	}
	// The capability carries the tool's timeout and retry budgets.
	if cap, ok := r.registry.Get(tool); ok {
		route.Timeout = cap.Timeout
		route.Retries = cap.Retries
	}
	if fallbackTool, ok := r.fallbacks[step.Tool]; ok && fallbackTool != tool && r.registry.IsAvailable(fallbackTool) {
		route.Fallback = &tools.Route{
			Tool:       fallbackTool,
			Method:     methodFor(fallbackTool, step),
			Parameters: step.Parameters,
		}
	}
	return StepRoute{StepID: step.ID, Route: route}
}

// methodFor picks the executor method from the tool and step shape.
func methodFor(tool string, step planner.TaskStep) string {
	switch tool {
	case planner.ToolFS:
		if op, ok := step.Parameters["operation"].(string); ok {
			return op
		}
		return "read"
	case planner.ToolShell:
		return "executeCommand"
	case planner.ToolNetworking:
		if service, ok := step.Parameters["service"].(string); ok && service == "github" {
			return "queryGitHub"
		}
		return "httpRequest"
	case planner.ToolAI:
		if mode, ok := step.Parameters["mode"].(string); ok {
			return mode
		}
		return "generate"
	case planner.ToolMemory:
		return "recall"
	case planner.ToolPeer:
		return "executeRemote"
	case planner.ToolAutomation:
		return "scheduleTask"
	default:
		return ""
	}
}

// selectMode picks parallel when the plan has parallel groups or is
// entirely dependency-free with more than one step, conditional when
// step priorities differ, and sequential otherwise.
func selectMode(plan *planner.ExecutionPlan) ExecutionMode {
	if len(plan.ParallelGroups) > 0 {
		return ModeParallel
	}
	if len(plan.Steps) > 1 {
		allFree := true
		for _, step := range plan.Steps {
			if len(step.Dependencies) > 0 {
				allFree = false
				break
			}
		}
		if allFree {
			return ModeParallel
		}
	}
	for i := 1; i < len(plan.Steps); i++ {
		if plan.Steps[i].Priority != plan.Steps[0].Priority {
			return ModeConditional
		}
	}
	return ModeSequential
}
