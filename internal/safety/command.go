package safety

import (
	"context"
	"fmt"
	"log"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// CommandType categorizes shell commands by the kind of access they need.
type CommandType string

const (
	CommandRead    CommandType = "READ"
	CommandWrite   CommandType = "WRITE"
	CommandExecute CommandType = "EXECUTE"
	CommandSystem  CommandType = "SYSTEM"
	CommandNetwork CommandType = "NETWORK"
)

// Classification is the outcome of classifying a shell command.
type Classification struct {
	Command              string      `json:"command"`
	Type                 CommandType `json:"type"`
	Risk                 RiskLevel   `json:"risk"`
	Dangerous            bool        `json:"dangerous"`
	RequiresConfirmation bool        `json:"requires_confirmation"`
	Reason               string      `json:"reason,omitempty"`
}

// ValidationResult is the outcome of validating a command for execution.
type ValidationResult struct {
	Allowed        bool           `json:"allowed"`
	Classification Classification `json:"classification"`
	Permission     string         `json:"permission"`
	Reason         string         `json:"reason,omitempty"`
	AuditID        string         `json:"audit_id,omitempty"`
}

// ValidatorConfig configures the command validator. Whitelist patterns
// bypass risk-based denial; blacklist patterns deny outright. Both are
// matched as regular expressions against the full command line.
type ValidatorConfig struct {
	Whitelist []string
	Blacklist []string
}

// CommandValidator classifies shell commands and gates their execution.
type CommandValidator struct {
	whitelist []*regexp.Regexp
	blacklist []*regexp.Regexp
	audit     AuditStore
}

// destructivePatterns match commands that are never allowed to run.
var destructivePatterns = []*regexp.Regexp{
	regexp.MustCompile(`\brm\s+(-[a-zA-Z]*r[a-zA-Z]*f|-[a-zA-Z]*f[a-zA-Z]*r)\b`),
	regexp.MustCompile(`\bdd\s+.*of=/dev/`),
	regexp.MustCompile(`\bmkfs(\.\w+)?\b`),
	regexp.MustCompile(`\bformat\s+[a-zA-Z]:`),
	regexp.MustCompile(`:\(\)\s*\{.*\}\s*;?\s*:`),
	regexp.MustCompile(`\bchmod\s+777\b`),
	regexp.MustCompile(`>\s*/dev/sd[a-z]`),
}

var readPatterns = []*regexp.Regexp{
	regexp.MustCompile(`^\s*(ls|cat|head|tail|less|more|pwd|find|grep|rg|wc|file|stat|du|df|tree|which|type)\b`),
	regexp.MustCompile(`^\s*git\s+(status|log|diff|show|branch)\b`),
}

var writePatterns = []*regexp.Regexp{
	regexp.MustCompile(`^\s*(cp|mv|mkdir|touch|tee|ln|rm)\b`),
	regexp.MustCompile(`^\s*git\s+(add|commit|checkout|merge|rebase|stash)\b`),
	regexp.MustCompile(`>{1,2}\s*\S`),
	regexp.MustCompile(`^\s*(sed|awk)\s+.*-i\b`),
}

var systemPatterns = []*regexp.Regexp{
	regexp.MustCompile(`^\s*(sudo|su|systemctl|service|reboot|shutdown|kill|killall|pkill)\b`),
	regexp.MustCompile(`^\s*(apt|apt-get|yum|dnf|brew|pacman)\b`),
	regexp.MustCompile(`^\s*(useradd|userdel|passwd|chown|chgrp)\b`),
}

var networkPatterns = []*regexp.Regexp{
	regexp.MustCompile(`^\s*(curl|wget|nc|ncat|ssh|scp|rsync|ping|dig|nslookup|telnet)\b`),
	regexp.MustCompile(`^\s*git\s+(clone|fetch|pull|push)\b`),
}

// NewCommandValidator creates a validator. Invalid whitelist or
// blacklist patterns are logged and skipped.
func NewCommandValidator(config ValidatorConfig) *CommandValidator {
	v := &CommandValidator{audit: NewMemoryAuditStore(0)}
	for _, p := range config.Whitelist {
		re, err := regexp.Compile(p)
		if err != nil {
			log.Printf("[CommandValidator] invalid whitelist pattern %q: %v", p, err)
			continue
		}
		v.whitelist = append(v.whitelist, re)
	}
	for _, p := range config.Blacklist {
		re, err := regexp.Compile(p)
		if err != nil {
			log.Printf("[CommandValidator] invalid blacklist pattern %q: %v", p, err)
			continue
		}
		v.blacklist = append(v.blacklist, re)
	}
	return v
}

// SetAuditStore swaps in a different audit backend, e.g. the sqlite store.
func (v *CommandValidator) SetAuditStore(store AuditStore) {
	if store != nil {
		v.audit = store
	}
}

// AuditStoreHandle exposes the audit backend for queries.
func (v *CommandValidator) AuditStoreHandle() AuditStore {
	return v.audit
}

// Classify determines the command type and risk. Destructive patterns
// are checked first and win over everything else.
func (v *CommandValidator) Classify(command string) Classification {
	trimmed := strings.TrimSpace(command)
	c := Classification{Command: trimmed}

	if trimmed == "" {
		c.Type = CommandExecute
		c.Risk = RiskMedium
		return c
	}

	for _, re := range destructivePatterns {
		if re.MatchString(trimmed) {
			c.Type = CommandSystem
			c.Risk = RiskCritical
			c.Dangerous = true
			c.RequiresConfirmation = true
			c.Reason = "matches destructive pattern " + re.String()
			return c
		}
	}

	switch {
	case matchesAny(readPatterns, trimmed):
		c.Type = CommandRead
		c.Risk = RiskSafe
	case matchesAny(writePatterns, trimmed):
		c.Type = CommandWrite
		c.Risk = RiskLow
	case matchesAny(systemPatterns, trimmed):
		c.Type = CommandSystem
		c.Risk = RiskHigh
	case matchesAny(networkPatterns, trimmed):
		c.Type = CommandNetwork
		c.Risk = RiskMedium
	default:
		c.Type = CommandExecute
		c.Risk = RiskMedium
	}

	c.RequiresConfirmation = c.Risk >= RiskHigh
	return c
}

// IsAllowed applies the blacklist, the whitelist and the dangerous flag
// to a classified command. When a whitelist is configured, commands that
// match no whitelist pattern are denied.
func (v *CommandValidator) IsAllowed(command string) (bool, string) {
	if v.matchesBlacklist(command) {
		return false, "command is blacklisted"
	}
	if c := v.Classify(command); c.Dangerous {
		return false, c.Reason
	}
	if len(v.whitelist) > 0 {
		if v.matchesWhitelist(command) {
			return true, "command is whitelisted"
		}
		return false, "command matches no whitelist pattern"
	}
	return true, ""
}

// ValidateForExecution classifies the command, applies whitelist and
// blacklist overrides, checks the required permission against the
// user's granted set and writes an audit entry. The returned audit id
// links a later RecordExecution call to this decision.
func (v *CommandValidator) ValidateForExecution(ctx context.Context, command, userID string, permissions []string) (ValidationResult, error) {
	classification := v.Classify(command)
	result := ValidationResult{
		Classification: classification,
		Permission:     permissionFor(classification.Type),
	}
	result.Allowed, result.Reason = v.IsAllowed(command)
	if result.Allowed && !hasPermission(permissions, result.Permission) {
		result.Allowed = false
		result.Reason = "missing permission " + result.Permission
	}

	entry := AuditLogEntry{
		ID:         uuid.NewString(),
		Timestamp:  time.Now(),
		UserID:     userID,
		Command:    command,
		Type:       classification.Type,
		Risk:       classification.Risk,
		Allowed:    result.Allowed,
		Permission: result.Permission,
		Reason:     result.Reason,
	}
	if err := v.audit.Append(ctx, entry); err != nil {
		return result, fmt.Errorf("recording audit entry: %w", err)
	}
	result.AuditID = entry.ID
	return result, nil
}

// RecordExecution attaches the execution outcome to an audit entry.
func (v *CommandValidator) RecordExecution(ctx context.Context, auditID string, success bool, output string) error {
	return v.audit.RecordResult(ctx, auditID, success, output)
}

func (v *CommandValidator) matchesWhitelist(command string) bool {
	for _, re := range v.whitelist {
		if re.MatchString(command) {
			return true
		}
	}
	return false
}

func (v *CommandValidator) matchesBlacklist(command string) bool {
	for _, re := range v.blacklist {
		if re.MatchString(command) {
			return true
		}
	}
	return false
}

// permissionFor maps a command type to the permission scope required
// to run it.
func permissionFor(t CommandType) string {
	switch t {
	case CommandRead:
		return "shell:read"
	case CommandWrite, CommandExecute:
		return "shell:execute"
	case CommandSystem:
		return "system:admin"
	case CommandNetwork:
		return "network:execute"
	default:
		return "shell:execute"
	}
}

// hasPermission reports whether the granted set covers perm. A "*"
// entry grants every scope.
func hasPermission(granted []string, perm string) bool {
	for _, g := range granted {
		if g == perm || g == "*" {
			return true
		}
	}
	return false
}

func matchesAny(patterns []*regexp.Regexp, command string) bool {
	for _, re := range patterns {
		if re.MatchString(command) {
			return true
		}
	}
	return false
}
