package safety

import (
	"fmt"
	"strings"

	"cortex/internal/planner"
)

// Policy holds the configuration knobs for the safety engine.
type Policy struct {
	AllowDestructiveOps          bool      `json:"allow_destructive_ops"`
	RequireConfirmationThreshold RiskLevel `json:"require_confirmation_threshold"`
	BlockedTools                 []string  `json:"blocked_tools,omitempty"`
	BlockedPaths                 []string  `json:"blocked_paths,omitempty"`
}

// DefaultPolicy returns the conservative default policy.
func DefaultPolicy() Policy {
	return Policy{
		AllowDestructiveOps:          false,
		RequireConfirmationThreshold: RiskMedium,
		BlockedPaths: []string{
			"/System", "/usr/bin", "/bin", "/sbin",
			`C:\Windows\System32`, `C:\Windows\SysWOW64`,
		},
	}
}

// Check is the outcome of validating a plan against the policy.
type Check struct {
	Allowed              bool      `json:"allowed"`
	RiskLevel            RiskLevel `json:"risk_level"`
	Risks                []string  `json:"risks,omitempty"`
	RequiresConfirmation bool      `json:"requires_confirmation"`
	ConfirmationMessage  string    `json:"confirmation_message,omitempty"`
	BlockedReasons       []string  `json:"blocked_reasons,omitempty"`
}

// stepCheck is the per-step validation outcome.
type stepCheck struct {
	allowed              bool
	risk                 RiskLevel
	risks                []string
	requiresConfirmation bool
	blockedReason        string
}

// Engine validates execution plans against a risk policy.
type Engine struct {
	policy    Policy
	validator *CommandValidator
	blocked   map[string]bool
}

// NewEngine creates an Engine. The command validator classifies shell
// steps; pass nil to use a fresh validator with default pattern sets.
func NewEngine(policy Policy, validator *CommandValidator) *Engine {
	if validator == nil {
		validator = NewCommandValidator(ValidatorConfig{})
	}
	blocked := make(map[string]bool, len(policy.BlockedTools))
	for _, tool := range policy.BlockedTools {
		blocked[tool] = true
	}
	return &Engine{policy: policy, validator: validator, blocked: blocked}
}

// Validate checks every step of the plan and aggregates the result.
// Plan risk is the max step risk; the plan is allowed iff every step is.
func (e *Engine) Validate(plan *planner.ExecutionPlan) Check {
	check := Check{Allowed: true, RiskLevel: RiskSafe}

	for _, step := range plan.Steps {
		sc := e.validateStep(step)

		if sc.risk > check.RiskLevel {
			check.RiskLevel = sc.risk
		}
		check.Risks = append(check.Risks, sc.risks...)
		if sc.requiresConfirmation {
			check.RequiresConfirmation = true
		}
		if !sc.allowed {
			check.Allowed = false
			check.BlockedReasons = append(check.BlockedReasons,
				fmt.Sprintf("%s (%s): %s", step.ID, step.Tool, sc.blockedReason))
		}
	}

	if check.RiskLevel >= e.policy.RequireConfirmationThreshold {
		check.RequiresConfirmation = true
	}
	if check.RequiresConfirmation || !check.Allowed {
		check.ConfirmationMessage = e.confirmationMessage(plan, check)
	}
	return check
}

// validateStep applies the per-tool rules of the policy.
func (e *Engine) validateStep(step planner.TaskStep) stepCheck {
	if e.blocked[step.Tool] {
		return stepCheck{
			allowed:       false,
			risk:          RiskCritical,
			risks:         []string{"tool " + step.Tool + " is blocked by policy"},
			blockedReason: "tool blocked by policy",
		}
	}

	switch step.Tool {
	case planner.ToolFS:
		return e.validateFSStep(step)
	case planner.ToolShell:
		return e.validateShellStep(step)
	case planner.ToolNetworking:
		return e.validateNetworkStep(step)
	case planner.ToolPeer:
		return stepCheck{
			allowed:              true,
			risk:                 RiskHigh,
			risks:                []string{"remote peer execution"},
			requiresConfirmation: true,
		}
	case planner.ToolAutomation:
		return stepCheck{
			allowed:              true,
			risk:                 RiskMedium,
			risks:                []string{"automation setup"},
			requiresConfirmation: true,
		}
	default:
		return stepCheck{allowed: true, risk: RiskSafe}
	}
}

func (e *Engine) validateFSStep(step planner.TaskStep) stepCheck {
	sc := stepCheck{allowed: true, risk: RiskSafe}
	path, _ := step.Parameters["path"].(string)
	operation, _ := step.Parameters["operation"].(string)

	if path != "" {
		for _, blocked := range e.policy.BlockedPaths {
			if strings.HasPrefix(path, blocked) {
				return stepCheck{
					allowed:       false,
					risk:          RiskCritical,
					risks:         []string{"access to protected path " + path},
					blockedReason: "path " + path + " is protected",
				}
			}
		}
	}

	switch operation {
	case "write":
		sc.risk = RiskMedium
		sc.risks = append(sc.risks, "file write to "+path)
	case "delete":
		if !e.policy.AllowDestructiveOps {
			return stepCheck{
				allowed:       false,
				risk:          RiskHigh,
				risks:         []string{"destructive delete of " + path},
				blockedReason: "destructive operations are disabled",
			}
		}
		sc.risk = RiskMedium
		sc.risks = append(sc.risks, "file delete of "+path)
	}

	if strings.ContainsAny(path, "*?") {
		if RiskHigh > sc.risk {
			sc.risk = RiskHigh
		}
		sc.risks = append(sc.risks, "wildcard path "+path)
	}
	return sc
}

func (e *Engine) validateShellStep(step planner.TaskStep) stepCheck {
	command, _ := step.Parameters["command"].(string)
	classification := e.validator.Classify(command)

	sc := stepCheck{
		allowed:              true,
		risk:                 RiskMedium,
		requiresConfirmation: true,
	}

	if classification.Dangerous {
		return stepCheck{
			allowed:              false,
			risk:                 RiskCritical,
			risks:                []string{"dangerous command: " + command},
			requiresConfirmation: true,
			blockedReason:        "command matches a destructive pattern",
		}
	}

	if containsElevation(command) || containsInstaller(command) {
		sc.risk = RiskHigh
		sc.risks = append(sc.risks, "privileged or system-modifying command")
	}
	return sc
}

func (e *Engine) validateNetworkStep(step planner.TaskStep) stepCheck {
	sc := stepCheck{allowed: true, risk: RiskSafe}
	url, _ := step.Parameters["url"].(string)

	if url == "" {
		return sc
	}
	if isInternalHost(url) {
		sc.risk = RiskMedium
		sc.risks = append(sc.risks, "request to internal host")
	} else if strings.HasPrefix(url, "http://") && !isLocalhost(url) {
		sc.risk = RiskMedium
		sc.risks = append(sc.risks, "unencrypted http request")
	}
	return sc
}

// confirmationMessage builds a deterministic summary of risks and steps.
func (e *Engine) confirmationMessage(plan *planner.ExecutionPlan, check Check) string {
	var b strings.Builder
	if check.Allowed {
		b.WriteString(fmt.Sprintf("This request carries %s risk and needs confirmation.\n", check.RiskLevel))
	} else {
		b.WriteString("This request was blocked by the safety policy.\n")
	}
	if len(check.Risks) > 0 {
		b.WriteString("\nRisks:\n")
		for _, r := range check.Risks {
			b.WriteString("- " + r + "\n")
		}
	}
	b.WriteString("\nSteps:\n")
	for _, s := range plan.Steps {
		b.WriteString(fmt.Sprintf("- [%s] %s\n", s.Tool, s.Description))
	}
	return strings.TrimRight(b.String(), "\n")
}

func containsElevation(command string) bool {
	lower := strings.ToLower(command)
	return strings.Contains(lower, "sudo ") || strings.Contains(lower, "su ")
}

func containsInstaller(command string) bool {
	lower := strings.ToLower(command)
	installers := []string{"apt ", "apt-get ", "yum ", "brew ", "npm install -g", "pip install"}
	for _, inst := range installers {
		if strings.Contains(lower, inst) {
			return true
		}
	}
	return false
}

func isLocalhost(url string) bool {
	return strings.Contains(url, "://localhost") || strings.Contains(url, "://127.0.0.1")
}

func isInternalHost(url string) bool {
	if isLocalhost(url) {
		return false
	}
	internal := []string{"://10.", "://192.168.", "://172.16.", "://172.17.", "://172.18.",
		"://172.19.", "://172.2", "://172.30.", "://172.31.", ".local", ".internal"}
	for _, marker := range internal {
		if strings.Contains(url, marker) {
			return true
		}
	}
	return false
}
