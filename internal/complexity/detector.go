package complexity

import (
	"strings"
)

// Level represents the estimated complexity tier of a request.
type Level string

const (
	LevelSimple   Level = "simple"
	LevelModerate Level = "moderate"
	LevelComplex  Level = "complex"
)

// Result holds the normalized score and derived level for an input,
// along with the fast-path decision.
type Result struct {
	Level             Level    `json:"level"`
	Score             float64  `json:"score"`
	Reasoning         []string `json:"reasoning,omitempty"`
	ShouldUsePipeline bool     `json:"should_use_pipeline"`
	EstimatedSteps    int      `json:"estimated_steps,omitempty"`
}

// Detector scores an input and decides fast-path vs. full pipeline.
// Detection is pure and deterministic.
type Detector struct {
	actionVerbs     []string
	domainVerbs     map[string]int
	multiStepCues   []string
	simplePrefixes  []string
}

// NewDetector creates a Detector with the default signal tables.
func NewDetector() *Detector {
	return &Detector{
		actionVerbs: []string{
			"read", "write", "create", "delete", "run", "execute", "search",
			"find", "fetch", "download", "list", "open", "save", "send",
			"analyze", "generate", "sync", "synchronize", "check", "query",
			"remember", "recall", "build", "install", "update",
		},
		domainVerbs: map[string]int{
			"analyze":     15,
			"generate":    10,
			"synchronize": 15,
			"refactor":    15,
			"migrate":     15,
			"compare":     10,
			"summarize":   10,
			"automate":    10,
		},
		multiStepCues: []string{
			" and ", " then ", " after ", " before ", " followed by ",
			" as well as ", "first", "finally", "step by step",
		},
		simplePrefixes: []string{
			"hello", "hi", "hey", "thanks", "thank you", "what is",
			"what's", "who is", "yes", "no", "ok",
		},
	}
}

// Detect scores the input and maps it to a complexity level.
// Empty input always yields the simple fast path.
func (d *Detector) Detect(input string) Result {
	trimmed := strings.TrimSpace(input)
	if trimmed == "" {
		return Result{Level: LevelSimple, Score: 0, ShouldUsePipeline: false}
	}

	score := 0
	var reasons []string
	lower := strings.ToLower(trimmed)

	// Factor 1: input length.
	wordCount := len(strings.Fields(trimmed))
	switch {
	case wordCount > 100:
		score += 25
		reasons = append(reasons, "very long input (>100 words)")
	case wordCount > 40:
		score += 15
		reasons = append(reasons, "long input (>40 words)")
	case wordCount > 15:
		score += 8
		reasons = append(reasons, "moderate input length")
	}

	// Factor 2: sentence count.
	sentences := countSentences(trimmed)
	if sentences >= 3 {
		score += 15
		reasons = append(reasons, "multiple sentences")
	} else if sentences == 2 {
		score += 8
		reasons = append(reasons, "two sentences")
	}

	// Factor 3: conjunctive and multi-step cues.
	cueHits := 0
	for _, cue := range d.multiStepCues {
		if strings.Contains(lower, cue) {
			cueHits++
		}
	}
	if cueHits > 0 {
		score += 10 * cueHits
		if score > 100 {
			score = 100
		}
		reasons = append(reasons, "multi-step cues present")
	}

	// Factor 4: enumeration markers (1. 2. or semicolons).
	if strings.Contains(trimmed, ";") || hasNumberedItems(trimmed) {
		score += 15
		reasons = append(reasons, "enumeration markers")
	}

	// Factor 5: domain-specific verbs.
	for verb, points := range d.domainVerbs {
		if strings.Contains(lower, verb) {
			score += points
			reasons = append(reasons, "domain verb: "+verb)
		}
	}

	// Simple greeting/question prefixes reduce the score.
	for _, prefix := range d.simplePrefixes {
		if strings.HasPrefix(lower, prefix) {
			score -= 15
			reasons = append(reasons, "simple greeting/question pattern")
			break
		}
	}

	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	normalized := float64(score) / 100.0

	var level Level
	switch {
	case normalized >= 0.66:
		level = LevelComplex
	case normalized >= 0.33:
		level = LevelModerate
	default:
		level = LevelSimple
	}

	hasVerb := d.hasActionableVerb(lower)
	usePipeline := true
	if level == LevelSimple && !hasVerb {
		usePipeline = false
	}

	return Result{
		Level:             level,
		Score:             normalized,
		Reasoning:         reasons,
		ShouldUsePipeline: usePipeline,
		EstimatedSteps:    d.estimateSteps(level, cueHits),
	}
}

// hasActionableVerb reports whether the input contains a verb that maps to
// a tool operation.
func (d *Detector) hasActionableVerb(lower string) bool {
	for _, verb := range d.actionVerbs {
		idx := strings.Index(lower, verb)
		for idx >= 0 {
			end := idx + len(verb)
			beforeOK := idx == 0 || !isAlpha(lower[idx-1])
			afterOK := end >= len(lower) || !isAlpha(lower[end])
			if beforeOK && afterOK {
				return true
			}
			next := strings.Index(lower[idx+1:], verb)
			if next < 0 {
				break
			}
			idx = idx + 1 + next
		}
	}
	return false
}

// estimateSteps gives a rough step count for planning hints.
func (d *Detector) estimateSteps(level Level, cueHits int) int {
	switch level {
	case LevelComplex:
		return 3 + cueHits
	case LevelModerate:
		return 2 + cueHits
	default:
		return 1
	}
}

// countSentences counts terminal punctuation runs.
func countSentences(s string) int {
	count := 0
	inTerminal := false
	for _, r := range s {
		if r == '.' || r == '!' || r == '?' {
			if !inTerminal {
				count++
				inTerminal = true
			}
		} else {
			inTerminal = false
		}
	}
	if count == 0 {
		return 1
	}
	return count
}

// hasNumberedItems detects "1. foo 2. bar" style enumerations.
func hasNumberedItems(s string) bool {
	hits := 0
	for i := 0; i < len(s)-1; i++ {
		if s[i] >= '1' && s[i] <= '9' && (s[i+1] == '.' || s[i+1] == ')') {
			if i == 0 || s[i-1] == ' ' || s[i-1] == '\n' {
				hits++
			}
		}
	}
	return hits >= 2
}

// isAlpha returns true if b is an ASCII letter.
func isAlpha(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z')
}
