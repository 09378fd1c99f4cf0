package planner

import (
	"fmt"
	"log"
	"strings"

	"github.com/google/uuid"

	"cortex/internal/intent"
	"cortex/internal/memory"
)

// Request carries everything the planner needs for one invocation.
type Request struct {
	Intent        intent.Intent
	Input         string
	MemoryContext *memory.Context
}

// Planner converts a classified intent into a deterministic execution
// plan using per-category step templates.
type Planner struct {
	durations map[string]int64
}

// NewPlanner creates a Planner with default per-tool duration estimates.
func NewPlanner() *Planner {
	return &Planner{
		durations: map[string]int64{
			ToolFS:         500,
			ToolShell:      2000,
			ToolNetworking: 3000,
			ToolAI:         5000,
			ToolMemory:     300,
			ToolPeer:       4000,
			ToolAutomation: 2000,
		},
	}
}

// Plan produces an ExecutionPlan for the primary intent plus any
// sub-intents. Step ids are fresh per invocation and dependencies only
// ever reference ids created in the same invocation.
func (p *Planner) Plan(req Request) (*ExecutionPlan, error) {
	plan := &ExecutionPlan{ID: "plan_" + uuid.NewString()}

	counter := 0
	nextID := func() string {
		counter++
		return fmt.Sprintf("step_%d", counter)
	}

	plan.Steps = append(plan.Steps, p.stepsForCategory(req.Intent, req.Input, nextID)...)
	for _, sub := range req.Intent.SubIntents {
		// Sub-intents reuse the primary intent's entities; they are not
		// re-extracted per fragment.
		sub.Entities = req.Intent.Entities
		plan.Steps = append(plan.Steps, p.stepsForCategory(sub, req.Input, nextID)...)
	}

	if len(plan.Steps) == 0 {
		plan.Steps = append(plan.Steps, p.aiGenerateStep(nextID(), req.Input))
	}

	plan.ParallelGroups = computeParallelGroups(plan.Steps)
	plan.TotalEstimatedDuration = computeTotalDuration(plan.Steps, plan.ParallelGroups)

	if err := plan.Validate(); err != nil {
		return nil, fmt.Errorf("planner produced invalid plan: %w", err)
	}

	log.Printf("[Planner] plan %s: %d steps, %d parallel groups, ~%dms",
		plan.ID, len(plan.Steps), len(plan.ParallelGroups), plan.TotalEstimatedDuration)
	return plan, nil
}

// stepsForCategory emits the template steps for one intent category.
func (p *Planner) stepsForCategory(it intent.Intent, input string, nextID func() string) []TaskStep {
	entities := it.Entities
	var steps []TaskStep

	switch it.Category {
	case intent.CategoryFileRead:
		paths := entities[intent.EntityPaths]
		if len(paths) == 0 {
			return []TaskStep{p.aiGenerateStep(nextID(), input)}
		}
		for _, path := range paths {
			steps = append(steps, TaskStep{
				ID:          nextID(),
				Description: "Read file " + path,
				Tool:        ToolFS,
				Parameters: map[string]interface{}{
					"operation": "read",
					"path":      path,
				},
				EstimatedDuration: p.durations[ToolFS],
				CanParallelize:    true,
				Priority:          5,
			})
		}

	case intent.CategoryFileWrite:
		target := "output.txt"
		if paths := entities[intent.EntityPaths]; len(paths) > 0 {
			target = paths[0]
		}
		steps = append(steps, TaskStep{
			ID:          nextID(),
			Description: "Write file " + target,
			Tool:        ToolFS,
			Parameters: map[string]interface{}{
				"operation": "write",
				"path":      target,
				"content":   input,
			},
			EstimatedDuration: p.durations[ToolFS],
			CanParallelize:    false,
			Priority:          5,
		})

	case intent.CategoryFileSearch:
		params := map[string]interface{}{
			"operation": "search",
			"query":     input,
		}
		if exts := entities[intent.EntityFileExtensions]; len(exts) > 0 {
			params["extensions"] = exts
		}
		steps = append(steps, TaskStep{
			ID:                nextID(),
			Description:       "Search files",
			Tool:              ToolFS,
			Parameters:        params,
			EstimatedDuration: p.durations[ToolFS] * 2,
			CanParallelize:    true,
			Priority:          5,
		})

	case intent.CategoryShellCommand:
		steps = append(steps, TaskStep{
			ID:          nextID(),
			Description: "Execute shell command",
			Tool:        ToolShell,
			Parameters: map[string]interface{}{
				"command": input,
			},
			EstimatedDuration: p.durations[ToolShell],
			CanParallelize:    false,
			Priority:          6,
		})

	case intent.CategoryNetworkRequest:
		urls := entities[intent.EntityURLs]
		if len(urls) == 0 {
			return []TaskStep{p.aiGenerateStep(nextID(), input)}
		}
		for _, url := range urls {
			steps = append(steps, TaskStep{
				ID:          nextID(),
				Description: "GET " + url,
				Tool:        ToolNetworking,
				Parameters: map[string]interface{}{
					"method": "GET",
					"url":    url,
				},
				EstimatedDuration: p.durations[ToolNetworking],
				CanParallelize:    true,
				Priority:          5,
			})
		}

	case intent.CategoryGitHubQuery:
		users := entities[intent.EntityGitHubUsers]
		if len(users) == 0 {
			users = []string{strings.TrimSpace(input)}
		}
		for _, user := range users {
			steps = append(steps, TaskStep{
				ID:          nextID(),
				Description: "Query GitHub user " + user,
				Tool:        ToolNetworking,
				Parameters: map[string]interface{}{
					"service": "github",
					"user":    user,
				},
				EstimatedDuration: p.durations[ToolNetworking],
				CanParallelize:    true,
				Priority:          5,
			})
		}

	case intent.CategoryCodeAnalysis:
		searchID := nextID()
		params := map[string]interface{}{
			"operation": "search",
			"query":     "source files",
		}
		if exts := entities[intent.EntityFileExtensions]; len(exts) > 0 {
			params["extensions"] = exts
		}
		steps = append(steps, TaskStep{
			ID:                searchID,
			Description:       "Find source files",
			Tool:              ToolFS,
			Parameters:        params,
			EstimatedDuration: p.durations[ToolFS] * 2,
			CanParallelize:    true,
			Priority:          6,
		})
		steps = append(steps, TaskStep{
			ID:          nextID(),
			Description: "Analyze code",
			Tool:        ToolAI,
			Parameters: map[string]interface{}{
				"mode":  "code_analysis",
				"query": input,
			},
			Dependencies:      []string{searchID},
			EstimatedDuration: p.durations[ToolAI],
			CanParallelize:    false,
			Priority:          5,
		})

	case intent.CategoryMemoryRecall:
		steps = append(steps, TaskStep{
			ID:          nextID(),
			Description: "Recall from memory",
			Tool:        ToolMemory,
			Parameters: map[string]interface{}{
				"operation": "recall",
				"query":     input,
			},
			EstimatedDuration: p.durations[ToolMemory],
			CanParallelize:    true,
			Priority:          5,
		})

	case intent.CategoryMultiPC:
		steps = append(steps, TaskStep{
			ID:          nextID(),
			Description: "Execute on remote peer",
			Tool:        ToolPeer,
			Parameters: map[string]interface{}{
				"command": input,
			},
			EstimatedDuration: p.durations[ToolPeer],
			CanParallelize:    false,
			Priority:          6,
		})

	case intent.CategoryAutomation:
		steps = append(steps, TaskStep{
			ID:          nextID(),
			Description: "Set up automation",
			Tool:        ToolAutomation,
			Parameters: map[string]interface{}{
				"task": input,
			},
			EstimatedDuration: p.durations[ToolAutomation],
			CanParallelize:    false,
			Priority:          5,
		})

	case intent.CategoryPlanning:
		steps = append(steps, TaskStep{
			ID:          nextID(),
			Description: "Draft a plan",
			Tool:        ToolAI,
			Parameters: map[string]interface{}{
				"mode":  "plan",
				"query": input,
			},
			EstimatedDuration: p.durations[ToolAI],
			CanParallelize:    false,
			Priority:          5,
		})

	default: // query_knowledge, unknown
		steps = append(steps, p.aiGenerateStep(nextID(), input))
	}

	return steps
}

// aiGenerateStep is the default template used for unknown intents.
func (p *Planner) aiGenerateStep(id, input string) TaskStep {
	return TaskStep{
		ID:          id,
		Description: "Generate response",
		Tool:        ToolAI,
		Parameters: map[string]interface{}{
			"mode":  "generate",
			"query": input,
		},
		EstimatedDuration: p.durations[ToolAI],
		CanParallelize:    false,
		Priority:          5,
	}
}
