package intent

import (
	"regexp"
	"strings"
)

// Category is the closed set of primary intent categories.
type Category string

const (
	CategoryFileRead       Category = "file_read"
	CategoryFileWrite      Category = "file_write"
	CategoryFileSearch     Category = "file_search"
	CategoryShellCommand   Category = "shell_command"
	CategoryNetworkRequest Category = "network_request"
	CategoryGitHubQuery    Category = "github_query"
	CategoryAutomation     Category = "automation"
	CategoryQueryKnowledge Category = "query_knowledge"
	CategoryMultiPC        Category = "multi_pc"
	CategoryMemoryRecall   Category = "memory_recall"
	CategoryCodeAnalysis   Category = "code_analysis"
	CategoryPlanning       Category = "planning"
	CategoryUnknown        Category = "unknown"
)

// Intent is the classification result for an input. Sub-intents are at
// most one level deep and never carry their own sub-intents.
type Intent struct {
	Category    Category            `json:"category"`
	Confidence  float64             `json:"confidence"`
	Entities    map[string][]string `json:"entities,omitempty"`
	MultiIntent bool                `json:"multi_intent"`
	SubIntents  []Intent            `json:"sub_intents,omitempty"`
}

// pattern describes the cues that vote for one category.
type pattern struct {
	category Category
	keywords []string
	regexes  []*regexp.Regexp
	weight   float64
}

// Classifier maps free-form input to an Intent by scoring registered
// patterns and extracting entities. It never fails; unclassified input
// returns the unknown intent.
type Classifier struct {
	patterns []pattern
}

const (
	keywordWeight = 0.3
	regexWeight   = 0.5

	// minScore is the floor below which input is considered unclassified.
	minScore = 0.1
	// subIntentThreshold marks the second-best score that flags multi-intent.
	subIntentThreshold = 0.5
)

// NewClassifier creates a Classifier with the default pattern set.
func NewClassifier() *Classifier {
	return &Classifier{
		patterns: []pattern{
			{
				category: CategoryFileRead,
				keywords: []string{"read", "open", "show", "display", "cat", "view", "contents of"},
				regexes: []*regexp.Regexp{
					regexp.MustCompile(`(?i)\b(read|open|show|view)\b.*\.(txt|md|json|ya?ml|log|csv|go|js|ts|py)\b`),
					regexp.MustCompile(`(?i)\bread\b.*(/|\\)`),
				},
				weight: 1.0,
			},
			{
				category: CategoryFileWrite,
				keywords: []string{"write", "save", "create file", "append", "store"},
				regexes: []*regexp.Regexp{
					regexp.MustCompile(`(?i)\b(write|save|append)\b.*\b(to|into|in)\b.*(file|\.\w{1,5})`),
				},
				weight: 1.0,
			},
			{
				category: CategoryFileSearch,
				keywords: []string{"search for", "find file", "find files", "locate", "look for", "grep"},
				regexes: []*regexp.Regexp{
					regexp.MustCompile(`(?i)\b(find|search|locate)\b.*\b(files?|folders?|director(y|ies))\b`),
				},
				weight: 0.9,
			},
			{
				category: CategoryShellCommand,
				keywords: []string{"run", "execute", "shell", "command", "terminal", "bash"},
				regexes: []*regexp.Regexp{
					regexp.MustCompile(`(?i)\b(run|execute)\b\s+(the\s+)?(command|script)`),
					regexp.MustCompile(`(?i)\b(ls|pwd|mkdir|rm|cp|mv|git|npm|pip|docker)\b\s`),
				},
				weight: 1.0,
			},
			{
				category: CategoryNetworkRequest,
				keywords: []string{"fetch", "download", "http", "request", "url", "website", "api"},
				regexes: []*regexp.Regexp{
					regexp.MustCompile(`https?://\S+`),
				},
				weight: 1.0,
			},
			{
				category: CategoryGitHubQuery,
				keywords: []string{"github", "repository", "repo", "pull request", "commit"},
				regexes: []*regexp.Regexp{
					regexp.MustCompile(`(?i)\bgithub\b`),
					regexp.MustCompile(`@[a-zA-Z0-9-]+\b`),
				},
				weight: 0.9,
			},
			{
				category: CategoryAutomation,
				keywords: []string{"automate", "schedule", "every day", "workflow", "cron", "periodically"},
				regexes: []*regexp.Regexp{
					regexp.MustCompile(`(?i)\b(every|each)\s+(minute|hour|day|week|month)\b`),
				},
				weight: 0.9,
			},
			{
				category: CategoryMultiPC,
				keywords: []string{"remote", "peer", "other machine", "other computer", "all machines", "cluster"},
				regexes: []*regexp.Regexp{
					regexp.MustCompile(`(?i)\bon\s+(the\s+)?(other|remote|all)\s+(pc|machine|computer|node)s?\b`),
				},
				weight: 1.0,
			},
			{
				category: CategoryMemoryRecall,
				keywords: []string{"remember", "recall", "what did i", "last time", "previously", "history"},
				regexes: []*regexp.Regexp{
					regexp.MustCompile(`(?i)\bwhat\s+did\s+(i|we|you)\b`),
				},
				weight: 0.9,
			},
			{
				category: CategoryCodeAnalysis,
				keywords: []string{"analyze code", "review code", "code quality", "refactor", "lint", "analyze the code"},
				regexes: []*regexp.Regexp{
					regexp.MustCompile(`(?i)\b(analy[sz]e|review|audit)\b.*\b(code|source|function|class|module)\b`),
				},
				weight: 1.0,
			},
			{
				category: CategoryPlanning,
				keywords: []string{"plan", "break down", "steps to", "roadmap", "outline"},
				regexes: []*regexp.Regexp{
					regexp.MustCompile(`(?i)\b(make|create|draft)\s+a\s+plan\b`),
				},
				weight: 0.8,
			},
			{
				category: CategoryQueryKnowledge,
				keywords: []string{"what is", "who is", "explain", "how does", "why", "tell me about", "define"},
				regexes:  nil,
				weight:   0.6,
			},
		},
	}
}

// Detect classifies the input into a primary category with optional
// sub-intents and extracted entities.
func (c *Classifier) Detect(input string) Intent {
	trimmed := strings.TrimSpace(input)
	entities := ExtractEntities(trimmed)

	if trimmed == "" {
		return Intent{Category: CategoryUnknown, Confidence: 0.5, MultiIntent: false}
	}

	scores := c.scoreCategories(strings.ToLower(trimmed))

	best, second := topTwo(scores)
	if best.score < minScore {
		result := Intent{Category: CategoryUnknown, Confidence: 0.5, MultiIntent: false}
		if len(entities) > 0 {
			result.Entities = entities
		}
		return result
	}

	result := Intent{
		Category:   best.category,
		Confidence: best.score,
	}
	if len(entities) > 0 {
		result.Entities = entities
	}

	if second.score > subIntentThreshold {
		result.MultiIntent = true
		result.SubIntents = []Intent{{Category: second.category, Confidence: second.score}}
		// Include a third sub-intent only if it also clears the threshold.
		if third, ok := thirdScore(scores, best.category, second.category); ok && third.score > subIntentThreshold {
			result.SubIntents = append(result.SubIntents, Intent{Category: third.category, Confidence: third.score})
		}
	}

	return result
}

type categoryScore struct {
	category Category
	score    float64
}

// scoreCategories accumulates per-category scores normalized to [0,1].
func (c *Classifier) scoreCategories(lower string) map[Category]float64 {
	scores := make(map[Category]float64)

	for _, p := range c.patterns {
		score := 0.0
		for _, kw := range p.keywords {
			if strings.Contains(lower, kw) {
				score += keywordWeight
			}
		}
		for _, re := range p.regexes {
			if re.MatchString(lower) {
				score += regexWeight
			}
		}
		score *= p.weight
		if score > 1.0 {
			score = 1.0
		}
		if score > 0 {
			scores[p.category] = score
		}
	}

	return scores
}

// topTwo picks the best and second-best scoring categories. Ties resolve
// by category name for determinism.
func topTwo(scores map[Category]float64) (categoryScore, categoryScore) {
	best := categoryScore{category: CategoryUnknown}
	second := categoryScore{category: CategoryUnknown}

	for cat, s := range scores {
		cs := categoryScore{category: cat, score: s}
		if better(cs, best) {
			second = best
			best = cs
		} else if better(cs, second) {
			second = cs
		}
	}
	return best, second
}

func thirdScore(scores map[Category]float64, first, second Category) (categoryScore, bool) {
	best := categoryScore{category: CategoryUnknown}
	for cat, s := range scores {
		if cat == first || cat == second {
			continue
		}
		cs := categoryScore{category: cat, score: s}
		if better(cs, best) {
			best = cs
		}
	}
	return best, best.score > 0
}

func better(a, b categoryScore) bool {
	if a.score != b.score {
		return a.score > b.score
	}
	return a.category < b.category
}
