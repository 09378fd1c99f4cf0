package planner

import (
	"fmt"
)

// Tool type names from the closed tool set.
const (
	ToolFS         = "fs"
	ToolShell      = "shell"
	ToolNetworking = "networking"
	ToolGitHub     = "github"
	ToolMCP        = "mcp"
	ToolAI         = "ai"
	ToolMemory     = "memory"
	ToolSDB        = "sdb"
	ToolAutomation = "automation"
	ToolPeer       = "peer"
)

// TaskStep is a single node in an execution plan's dependency graph.
type TaskStep struct {
	ID                string                 `json:"id"`
	Description       string                 `json:"description"`
	Tool              string                 `json:"tool"`
	Parameters        map[string]interface{} `json:"parameters"`
	Dependencies      []string               `json:"dependencies,omitempty"`
	EstimatedDuration int64                  `json:"estimated_duration_ms,omitempty"`
	CanParallelize    bool                   `json:"can_parallelize"`
	Priority          int                    `json:"priority"`
	UseCache          bool                   `json:"use_cache,omitempty"`
}

// ExecutionPlan is a dependency graph of task steps plus precomputed
// parallel groups.
type ExecutionPlan struct {
	ID                string     `json:"id"`
	Steps             []TaskStep `json:"steps"`
	TotalEstimatedDuration int64 `json:"total_estimated_duration_ms"`
	ParallelGroups    [][]string `json:"parallel_groups,omitempty"`
}

// GetStep returns the step with the given id, or nil.
func (p *ExecutionPlan) GetStep(id string) *TaskStep {
	for i := range p.Steps {
		if p.Steps[i].ID == id {
			return &p.Steps[i]
		}
	}
	return nil
}

// Validate checks that every dependency references a sibling step and
// that the dependency relation is acyclic.
func (p *ExecutionPlan) Validate() error {
	ids := make(map[string]bool, len(p.Steps))
	for _, s := range p.Steps {
		if ids[s.ID] {
			return fmt.Errorf("duplicate step id: %s", s.ID)
		}
		ids[s.ID] = true
	}
	for _, s := range p.Steps {
		for _, dep := range s.Dependencies {
			if !ids[dep] {
				return fmt.Errorf("step %s depends on unknown step %s", s.ID, dep)
			}
		}
	}
	if _, err := dependencyLevels(p.Steps); err != nil {
		return err
	}
	return nil
}

// ExecutionWaves partitions the steps into dependency levels: wave 0
// holds the roots, wave n the steps whose deepest parent sits in wave
// n-1. Plan order is preserved within a wave. Returns an error when
// the graph contains a cycle.
func (p *ExecutionPlan) ExecutionWaves() ([][]string, error) {
	if len(p.Steps) == 0 {
		return nil, nil
	}
	levels, err := dependencyLevels(p.Steps)
	if err != nil {
		return nil, err
	}
	maxLevel := 0
	for _, level := range levels {
		if level > maxLevel {
			maxLevel = level
		}
	}
	waves := make([][]string, maxLevel+1)
	for _, s := range p.Steps {
		level := levels[s.ID]
		waves[level] = append(waves[level], s.ID)
	}
	return waves, nil
}

// dependencyLevels computes each step's dependency level iteratively:
// 0 for roots, else 1 + max level of its parents. Returns an error when
// the graph contains a cycle.
func dependencyLevels(steps []TaskStep) (map[string]int, error) {
	levels := make(map[string]int, len(steps))
	byID := make(map[string]*TaskStep, len(steps))
	for i := range steps {
		byID[steps[i].ID] = &steps[i]
	}

	remaining := len(steps)
	for remaining > 0 {
		progressed := false
		for i := range steps {
			s := &steps[i]
			if _, done := levels[s.ID]; done {
				continue
			}
			level := 0
			ready := true
			for _, dep := range s.Dependencies {
				depLevel, ok := levels[dep]
				if !ok {
					if _, exists := byID[dep]; !exists {
						// Unknown deps do not gate level computation here;
						// Validate reports them separately.
						continue
					}
					ready = false
					break
				}
				if depLevel+1 > level {
					level = depLevel + 1
				}
			}
			if ready {
				levels[s.ID] = level
				remaining--
				progressed = true
			}
		}
		if !progressed {
			return nil, fmt.Errorf("dependency cycle detected")
		}
	}
	return levels, nil
}

// computeParallelGroups groups steps of identical dependency level that
// are all parallelizable. Groups of size <= 1 are dropped. A step id
// never occurs in more than one group.
func computeParallelGroups(steps []TaskStep) [][]string {
	levels, err := dependencyLevels(steps)
	if err != nil {
		return nil
	}

	maxLevel := 0
	byLevel := make(map[int][]string)
	for _, s := range steps {
		if !s.CanParallelize {
			continue
		}
		level := levels[s.ID]
		byLevel[level] = append(byLevel[level], s.ID)
		if level > maxLevel {
			maxLevel = level
		}
	}

	var groups [][]string
	for level := 0; level <= maxLevel; level++ {
		if group := byLevel[level]; len(group) > 1 {
			groups = append(groups, group)
		}
	}
	return groups
}

// computeTotalDuration sums sequential step durations and, for each
// parallel group, the maximum duration of its members.
func computeTotalDuration(steps []TaskStep, groups [][]string) int64 {
	grouped := make(map[string]bool)
	var total int64

	for _, group := range groups {
		var max int64
		for _, id := range group {
			grouped[id] = true
			for _, s := range steps {
				if s.ID == id && s.EstimatedDuration > max {
					max = s.EstimatedDuration
				}
			}
		}
		total += max
	}

	for _, s := range steps {
		if !grouped[s.ID] {
			total += s.EstimatedDuration
		}
	}
	return total
}

// dependsOnTransitively reports whether step a (by id) transitively
// depends on step b (by id).
func dependsOnTransitively(steps []TaskStep, a, b string) bool {
	deps := make(map[string][]string, len(steps))
	for _, s := range steps {
		deps[s.ID] = s.Dependencies
	}

	seen := make(map[string]bool)
	stack := []string{a}
	for len(stack) > 0 {
		current := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[current] {
			continue
		}
		seen[current] = true
		for _, dep := range deps[current] {
			if dep == b {
				return true
			}
			stack = append(stack, dep)
		}
	}
	return false
}
