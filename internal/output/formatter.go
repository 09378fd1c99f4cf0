// Package output turns raw step results into a single presentable
// response, detecting content kind and code language along the way.
package output

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// ContentType classifies a formatted output.
type ContentType string

const (
	TypeText     ContentType = "text"
	TypeJSON     ContentType = "json"
	TypeCode     ContentType = "code"
	TypeMarkdown ContentType = "markdown"
	TypeError    ContentType = "error"
)

// FormattedOutput is the final presentable result of a pipeline run.
type FormattedOutput struct {
	Type     ContentType            `json:"type"`
	Content  string                 `json:"content"`
	Language string                 `json:"language,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// StepOutput pairs a step id with its rendered result for aggregation.
type StepOutput struct {
	StepID      string
	Description string
	Success     bool
	Data        interface{}
	Error       string
}

// Engine aggregates and formats pipeline output.
type Engine struct{}

// NewEngine creates a formatter engine.
func NewEngine() *Engine {
	return &Engine{}
}

// Format classifies a single value and wraps it.
func (e *Engine) Format(data interface{}) FormattedOutput {
	content := render(data)
	out := FormattedOutput{Content: content}

	switch {
	case isJSON(content):
		out.Type = TypeJSON
	case looksLikeCode(content):
		out.Type = TypeCode
		out.Language = detectLanguage(content)
	case looksLikeMarkdown(content):
		out.Type = TypeMarkdown
	default:
		out.Type = TypeText
	}
	return out
}

// FormatError renders an error message in the standard shape.
func (e *Engine) FormatError(message string) FormattedOutput {
	return FormattedOutput{
		Type:    TypeError,
		Content: "❌ **Error**\n\n" + message,
	}
}

// Aggregate folds per-step outputs into one response. A single
// successful step passes through Format unchanged; multiple steps are
// rendered as a markdown section per step.
func (e *Engine) Aggregate(steps []StepOutput) FormattedOutput {
	if len(steps) == 0 {
		return FormattedOutput{Type: TypeText, Content: ""}
	}
	if len(steps) == 1 {
		step := steps[0]
		if !step.Success {
			return e.FormatError(step.Error)
		}
		out := e.Format(step.Data)
		out.Metadata = map[string]interface{}{"steps": 1}
		return out
	}

	var b strings.Builder
	succeeded := 0
	for _, step := range steps {
		title := step.Description
		if title == "" {
			title = step.StepID
		}
		if step.Success {
			succeeded++
			fmt.Fprintf(&b, "## %s\n\n%s\n\n", title, render(step.Data))
		} else {
			fmt.Fprintf(&b, "## %s\n\n❌ %s\n\n", title, step.Error)
		}
	}

	return FormattedOutput{
		Type:    TypeMarkdown,
		Content: strings.TrimRight(b.String(), "\n"),
		Metadata: map[string]interface{}{
			"steps":     len(steps),
			"succeeded": succeeded,
			"failed":    len(steps) - succeeded,
		},
	}
}

// render turns arbitrary step data into a string.
func render(data interface{}) string {
	switch v := data.(type) {
	case nil:
		return ""
	case string:
		return v
	case map[string]interface{}:
		// Common executor result shapes carry the payload under well
		// known keys; prefer those over dumping the whole map.
		for _, key := range []string{"content", "response", "output"} {
			if s, ok := v[key].(string); ok {
				return s
			}
		}
		encoded, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(encoded)
	default:
		encoded, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(encoded)
	}
}

// isJSON reports whether the content is a JSON object or array.
func isJSON(content string) bool {
	trimmed := strings.TrimSpace(content)
	if !strings.HasPrefix(trimmed, "{") && !strings.HasPrefix(trimmed, "[") {
		return false
	}
	return json.Valid([]byte(trimmed))
}

var codeMarkers = []string{
	"func ", "def ", "class ", "import ", "package ", "const ", "let ",
	"var ", "#include", "pub fn", "fn ", "public class",
}

// looksLikeCode uses cheap structural heuristics: code markers plus
// brace or indentation density.
func looksLikeCode(content string) bool {
	trimmed := strings.TrimSpace(content)
	if strings.HasPrefix(trimmed, "```") {
		return true
	}
	hits := 0
	for _, marker := range codeMarkers {
		if strings.Contains(content, marker) {
			hits++
		}
	}
	if hits == 0 {
		return false
	}
	return strings.Contains(content, "{") || strings.Contains(content, ":=") ||
		strings.Contains(content, "):") || strings.Contains(content, ";")
}

func looksLikeMarkdown(content string) bool {
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "# ") || strings.HasPrefix(trimmed, "## ") ||
			strings.HasPrefix(trimmed, "- ") || strings.HasPrefix(trimmed, "* ") ||
			strings.HasPrefix(trimmed, "```") {
			return true
		}
	}
	return false
}

var (
	tsPattern     = regexp.MustCompile(`(interface \w+ \{|: (string|number|boolean)\b|export (const|function|class))`)
	jsPattern     = regexp.MustCompile(`(function \w+\(|const \w+ = |=> \{|require\()`)
	pythonPattern = regexp.MustCompile(`(def \w+\(.*\):|import \w+\n|print\()`)
	goPattern     = regexp.MustCompile(`(func \w+\(|package \w+|:= )`)
	rustPattern   = regexp.MustCompile(`(pub fn |fn \w+\(|let mut |impl \w+)`)
	javaPattern   = regexp.MustCompile(`(public class |public static void|System\.out)`)
)

// detectLanguage sniffs the code language. TypeScript is checked
// before JavaScript because its markers are a superset.
func detectLanguage(content string) string {
	switch {
	case tsPattern.MatchString(content):
		return "typescript"
	case goPattern.MatchString(content):
		return "go"
	case rustPattern.MatchString(content):
		return "rust"
	case javaPattern.MatchString(content):
		return "java"
	case pythonPattern.MatchString(content):
		return "python"
	case jsPattern.MatchString(content):
		return "javascript"
	default:
		return ""
	}
}
