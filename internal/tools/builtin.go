package tools

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/robfig/cron/v3"

	"cortex/internal/memory"
	"cortex/internal/planner"
	"cortex/internal/provider"
	"cortex/internal/safety"
)

// getStringParam extracts a string parameter with a default.
func getStringParam(params map[string]interface{}, key, fallback string) string {
	if v, ok := params[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

// batchEntries unpacks the parameter list of a step the optimizer
// merged from several same-tool steps.
func batchEntries(params map[string]interface{}) ([]map[string]interface{}, bool) {
	raw, ok := params["batch"].([]interface{})
	if !ok {
		return nil, false
	}
	var entries []map[string]interface{}
	for _, item := range raw {
		if m, ok := item.(map[string]interface{}); ok {
			entries = append(entries, m)
		}
	}
	return entries, len(entries) > 0
}

// executeBatch runs every batched entry through exec, resolving the
// method per entry. The first failure aborts the batch.
func executeBatch(ctx context.Context, exec Executor, method func(map[string]interface{}) string, entries []map[string]interface{}) (interface{}, error) {
	results := make([]interface{}, 0, len(entries))
	for _, entry := range entries {
		data, err := exec.Execute(ctx, method(entry), entry)
		if err != nil {
			return nil, err
		}
		results = append(results, data)
	}
	return map[string]interface{}{"batch": results, "count": len(results)}, nil
}

// FSExecutor serves file reads, writes, searches and listings rooted
// at a base directory.
type FSExecutor struct {
	baseDir string
}

// NewFSExecutor creates an executor rooted at baseDir (cwd if empty).
func NewFSExecutor(baseDir string) *FSExecutor {
	if baseDir == "" {
		baseDir = "."
	}
	return &FSExecutor{baseDir: baseDir}
}

// Execute dispatches on the fs operation. For routes without an
// explicit method the "operation" parameter selects it. Merged steps
// carry their original parameter sets under "batch" and run entry by
// entry.
func (f *FSExecutor) Execute(ctx context.Context, method string, params map[string]interface{}) (interface{}, error) {
	if entries, ok := batchEntries(params); ok {
		return executeBatch(ctx, f, func(entry map[string]interface{}) string {
			return getStringParam(entry, "operation", "read")
		}, entries)
	}

	op := method
	if op == "" || op == "operation" {
		op = getStringParam(params, "operation", "read")
	}

	switch op {
	case "read":
		return f.read(getStringParam(params, "path", ""))
	case "write":
		return f.write(getStringParam(params, "path", ""), getStringParam(params, "content", ""))
	case "list":
		return f.list(getStringParam(params, "path", "."))
	case "search":
		return f.search(getStringParam(params, "query", ""), params)
	case "delete":
		return f.remove(getStringParam(params, "path", ""))
	default:
		return nil, fmt.Errorf("fs: unsupported operation %q", op)
	}
}

func (f *FSExecutor) resolve(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(f.baseDir, path)
}

func (f *FSExecutor) read(path string) (interface{}, error) {
	if path == "" {
		return nil, fmt.Errorf("fs read: missing path")
	}
	data, err := os.ReadFile(f.resolve(path))
	if err != nil {
		return nil, fmt.Errorf("fs read %s: %w", path, err)
	}
	return map[string]interface{}{"path": path, "content": string(data), "size": len(data)}, nil
}

func (f *FSExecutor) write(path, content string) (interface{}, error) {
	if path == "" {
		return nil, fmt.Errorf("fs write: missing path")
	}
	full := f.resolve(path)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return nil, fmt.Errorf("fs write %s: %w", path, err)
	}
	if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
		return nil, fmt.Errorf("fs write %s: %w", path, err)
	}
	return map[string]interface{}{"path": path, "bytes_written": len(content)}, nil
}

func (f *FSExecutor) list(path string) (interface{}, error) {
	entries, err := os.ReadDir(f.resolve(path))
	if err != nil {
		return nil, fmt.Errorf("fs list %s: %w", path, err)
	}
	var names []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	return map[string]interface{}{"path": path, "entries": names}, nil
}

// search walks the base directory matching file names against the
// query and optional extension filters.
func (f *FSExecutor) search(query string, params map[string]interface{}) (interface{}, error) {
	var extensions []string
	if raw, ok := params["extensions"].([]string); ok {
		extensions = raw
	} else if raw, ok := params["extensions"].([]interface{}); ok {
		for _, v := range raw {
			if s, ok := v.(string); ok {
				extensions = append(extensions, s)
			}
		}
	}

	var matches []string
	lowered := strings.ToLower(query)
	err := filepath.WalkDir(f.baseDir, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if len(matches) >= 200 {
			return filepath.SkipAll
		}
		name := strings.ToLower(d.Name())
		if lowered != "" && !strings.Contains(name, lowered) {
			return nil
		}
		if len(extensions) > 0 {
			matched := false
			for _, ext := range extensions {
				if strings.HasSuffix(name, strings.ToLower(ext)) {
					matched = true
					break
				}
			}
			if !matched {
				return nil
			}
		}
		matches = append(matches, path)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("fs search: %w", err)
	}
	return map[string]interface{}{"query": query, "matches": matches, "count": len(matches)}, nil
}

func (f *FSExecutor) remove(path string) (interface{}, error) {
	if path == "" {
		return nil, fmt.Errorf("fs delete: missing path")
	}
	if err := os.Remove(f.resolve(path)); err != nil {
		return nil, fmt.Errorf("fs delete %s: %w", path, err)
	}
	return map[string]interface{}{"path": path, "deleted": true}, nil
}

// ShellExecutor runs shell commands after re-validating them. The
// validator decision is recorded in the audit log together with the
// execution outcome.
type ShellExecutor struct {
	validator   *safety.CommandValidator
	workDir     string
	userID      string
	permissions []string
}

// NewShellExecutor creates an executor that validates through v with
// the user's granted permission scopes.
func NewShellExecutor(v *safety.CommandValidator, workDir, userID string, permissions []string) *ShellExecutor {
	if v == nil {
		v = safety.NewCommandValidator(safety.ValidatorConfig{})
	}
	return &ShellExecutor{validator: v, workDir: workDir, userID: userID, permissions: permissions}
}

// Execute validates and runs the command parameter.
func (s *ShellExecutor) Execute(ctx context.Context, method string, params map[string]interface{}) (interface{}, error) {
	if entries, ok := batchEntries(params); ok {
		return executeBatch(ctx, s, func(map[string]interface{}) string {
			return "executeCommand"
		}, entries)
	}

	command := getStringParam(params, "command", "")
	if command == "" {
		return nil, fmt.Errorf("shell: missing command")
	}

	validation, err := s.validator.ValidateForExecution(ctx, command, s.userID, s.permissions)
	if err != nil {
		return nil, fmt.Errorf("shell: validating %q: %w", command, err)
	}
	if !validation.Allowed {
		return nil, fmt.Errorf("shell: command denied: %s", validation.Reason)
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	if s.workDir != "" {
		cmd.Dir = s.workDir
	}
	output, err := cmd.CombinedOutput()
	success := err == nil

	if recErr := s.validator.RecordExecution(ctx, validation.AuditID, success, string(output)); recErr != nil {
		return nil, fmt.Errorf("shell: recording outcome: %w", recErr)
	}
	if err != nil {
		return nil, fmt.Errorf("shell: %q failed: %w: %s", command, err, strings.TrimSpace(string(output)))
	}
	return map[string]interface{}{
		"command": command,
		"output":  string(output),
		"type":    string(validation.Classification.Type),
	}, nil
}

// NetworkingExecutor performs HTTP requests and GitHub queries. HTML
// responses are reduced to their text content.
type NetworkingExecutor struct {
	client *http.Client
}

// NewNetworkingExecutor creates an executor with the given client
// (a 30s-timeout default client when nil).
func NewNetworkingExecutor(client *http.Client) *NetworkingExecutor {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &NetworkingExecutor{client: client}
}

// Execute dispatches on the method: httpRequest or queryGitHub.
func (n *NetworkingExecutor) Execute(ctx context.Context, method string, params map[string]interface{}) (interface{}, error) {
	if entries, ok := batchEntries(params); ok {
		return executeBatch(ctx, n, func(entry map[string]interface{}) string {
			if getStringParam(entry, "service", "") == "github" {
				return "queryGitHub"
			}
			return "httpRequest"
		}, entries)
	}

	switch method {
	case "queryGitHub":
		return n.queryGitHub(ctx, params)
	case "httpRequest", "":
		return n.httpRequest(ctx, params)
	default:
		return nil, fmt.Errorf("networking: unsupported method %q", method)
	}
}

func (n *NetworkingExecutor) httpRequest(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	url := getStringParam(params, "url", "")
	if url == "" {
		return nil, fmt.Errorf("networking: missing url")
	}
	httpMethod := strings.ToUpper(getStringParam(params, "http_method", "GET"))

	var body io.Reader
	if payload := getStringParam(params, "body", ""); payload != "" {
		body = strings.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, httpMethod, url, body)
	if err != nil {
		return nil, fmt.Errorf("networking: building request for %s: %w", url, err)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("networking: %s %s: %w", httpMethod, url, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("networking: reading response from %s: %w", url, err)
	}

	content := string(raw)
	contentType := resp.Header.Get("Content-Type")
	if strings.Contains(contentType, "text/html") {
		if text, err := extractHTMLText(strings.NewReader(content)); err == nil {
			content = text
		}
	}

	return map[string]interface{}{
		"url":          url,
		"status":       resp.StatusCode,
		"content_type": contentType,
		"content":      content,
	}, nil
}

// extractHTMLText strips markup and returns the page's readable text.
func extractHTMLText(r io.Reader) (string, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return "", err
	}
	doc.Find("script, style, noscript").Remove()
	text := doc.Find("body").Text()
	lines := strings.Split(text, "\n")
	var kept []string
	for _, line := range lines {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			kept = append(kept, trimmed)
		}
	}
	return strings.Join(kept, "\n"), nil
}

func (n *NetworkingExecutor) queryGitHub(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	user := getStringParam(params, "user", "")
	if user == "" {
		return nil, fmt.Errorf("networking: missing github user")
	}
	return n.httpRequest(ctx, map[string]interface{}{
		"url": "https://api.github.com/users/" + user + "/repos?sort=updated&per_page=10",
	})
}

// AIExecutor serves generation steps through the configured provider.
type AIExecutor struct {
	provider provider.Provider
}

// NewAIExecutor wraps a provider.
func NewAIExecutor(p provider.Provider) *AIExecutor {
	return &AIExecutor{provider: p}
}

// Execute generates text. The method (or "mode" parameter) selects the
// prompt framing: generate, plan or code_analysis.
func (a *AIExecutor) Execute(ctx context.Context, method string, params map[string]interface{}) (interface{}, error) {
	if a.provider == nil {
		return nil, fmt.Errorf("ai: no provider configured")
	}
	if entries, ok := batchEntries(params); ok {
		return executeBatch(ctx, a, func(entry map[string]interface{}) string {
			return getStringParam(entry, "mode", "generate")
		}, entries)
	}
	mode := method
	if mode == "" {
		mode = getStringParam(params, "mode", "generate")
	}
	query := getStringParam(params, "query", getStringParam(params, "prompt", ""))

	prompt := query
	switch mode {
	case "plan":
		prompt = "Produce a step-by-step plan for: " + query
	case "code_analysis":
		prompt = "Analyze the following code and report structure, issues and suggestions:\n" + query
	}

	response, err := a.provider.Generate(ctx, prompt, params)
	if err != nil {
		return nil, fmt.Errorf("ai %s: %w", mode, err)
	}
	return map[string]interface{}{"mode": mode, "response": response}, nil
}

// MemoryExecutor serves recall steps from the memory store.
type MemoryExecutor struct {
	store memory.Store
}

// NewMemoryExecutor wraps a store.
func NewMemoryExecutor(store memory.Store) *MemoryExecutor {
	return &MemoryExecutor{store: store}
}

// Execute recalls entries matching the query parameter.
func (m *MemoryExecutor) Execute(ctx context.Context, method string, params map[string]interface{}) (interface{}, error) {
	if m.store == nil {
		return nil, fmt.Errorf("memory: no store configured")
	}
	if entries, ok := batchEntries(params); ok {
		return executeBatch(ctx, m, func(map[string]interface{}) string {
			return "recall"
		}, entries)
	}
	query := getStringParam(params, "query", "")
	entries, err := m.store.Recall(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("memory recall: %w", err)
	}
	return map[string]interface{}{"query": query, "entries": entries, "count": len(entries)}, nil
}

// PeerCaller dispatches a tool call to a remote peer. The broker
// implements this; the indirection keeps the packages decoupled.
type PeerCaller interface {
	CallToolWithFailover(ctx context.Context, tool string, params map[string]interface{}) (interface{}, error)
}

// PeerExecutor forwards execution to remote peers through the broker.
type PeerExecutor struct {
	caller PeerCaller
}

// NewPeerExecutor wraps a peer caller.
func NewPeerExecutor(caller PeerCaller) *PeerExecutor {
	return &PeerExecutor{caller: caller}
}

// Execute forwards the call; the method names the remote tool.
func (p *PeerExecutor) Execute(ctx context.Context, method string, params map[string]interface{}) (interface{}, error) {
	if p.caller == nil {
		return nil, fmt.Errorf("peer: no broker configured")
	}
	remoteTool := getStringParam(params, "remote_tool", planner.ToolShell)
	return p.caller.CallToolWithFailover(ctx, remoteTool, params)
}

// AutomationExecutor registers recurring tasks on a cron scheduler.
type AutomationExecutor struct {
	scheduler *cron.Cron
	run       func(ctx context.Context, task string)
}

// NewAutomationExecutor wraps a cron scheduler. The run callback is
// invoked on each firing with the task description.
func NewAutomationExecutor(scheduler *cron.Cron, run func(ctx context.Context, task string)) *AutomationExecutor {
	return &AutomationExecutor{scheduler: scheduler, run: run}
}

// Execute schedules the task parameter at the given cron schedule
// (default hourly).
func (a *AutomationExecutor) Execute(ctx context.Context, method string, params map[string]interface{}) (interface{}, error) {
	if a.scheduler == nil {
		return nil, fmt.Errorf("automation: no scheduler configured")
	}
	task := getStringParam(params, "task", "")
	if task == "" {
		return nil, fmt.Errorf("automation: missing task")
	}
	schedule := getStringParam(params, "schedule", "@hourly")

	entryID, err := a.scheduler.AddFunc(schedule, func() {
		if a.run != nil {
			a.run(context.Background(), task)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("automation: scheduling %q: %w", task, err)
	}
	return map[string]interface{}{"task": task, "schedule": schedule, "entry_id": int(entryID)}, nil
}

// RegisterBuiltins registers the standard executors with sensible
// capability records. Nil dependencies leave the matching tool
// registered but unavailable.
func RegisterBuiltins(r *Registry, deps BuiltinDeps) error {
	register := func(cap Capability, exec Executor) error {
		if err := r.Register(cap, exec); err != nil {
			return err
		}
		return nil
	}

	if err := register(Capability{
		Name: planner.ToolFS, Description: "File reads, writes, searches and listings",
		Aliases: []string{"filesystem", "files"}, Operations: []string{"read", "write", "list", "search", "delete"},
		Priority: 10, Available: true, Timeout: 10000,
	}, NewFSExecutor(deps.BaseDir)); err != nil {
		return err
	}

	if err := register(Capability{
		Name: planner.ToolShell, Description: "Validated shell command execution",
		Aliases: []string{"exec", "terminal"}, Operations: []string{"executeCommand"},
		Priority: 8, Available: true, Timeout: 30000,
	}, NewShellExecutor(deps.Validator, deps.BaseDir, deps.UserID, deps.Permissions)); err != nil {
		return err
	}

	if err := register(Capability{
		Name: planner.ToolNetworking, Description: "HTTP requests, web content extraction and GitHub queries",
		Aliases: []string{"http", "web"}, Operations: []string{"httpRequest", "queryGitHub"},
		Priority: 7, Available: true, Timeout: 15000, Retries: 2,
	}, NewNetworkingExecutor(deps.HTTPClient)); err != nil {
		return err
	}

	if err := register(Capability{
		Name: planner.ToolAI, Description: "Language model generation, planning and code analysis",
		Aliases: []string{"llm", "generate"}, Operations: []string{"generate", "plan", "code_analysis"},
		Priority: 9, Streaming: true, Available: deps.Provider != nil, Timeout: 60000,
	}, NewAIExecutor(deps.Provider)); err != nil {
		return err
	}

	if err := register(Capability{
		Name: planner.ToolMemory, Description: "Recall from the task memory store",
		Aliases: []string{"recall"}, Operations: []string{"recall"},
		Priority: 6, Available: deps.MemoryStore != nil, Timeout: 5000,
	}, NewMemoryExecutor(deps.MemoryStore)); err != nil {
		return err
	}

	if err := register(Capability{
		Name: planner.ToolPeer, Description: "Remote execution on registered peers",
		Aliases: []string{"remote", "multipc"}, Operations: []string{"executeRemote"},
		Priority: 5, Available: deps.PeerCaller != nil, Depends: []string{planner.ToolShell},
		Timeout: 30000, Retries: 2,
	}, NewPeerExecutor(deps.PeerCaller)); err != nil {
		return err
	}

	if err := register(Capability{
		Name: planner.ToolAutomation, Description: "Recurring task scheduling",
		Aliases: []string{"schedule"}, Operations: []string{"scheduleTask"},
		Priority: 4, Available: deps.Scheduler != nil, Timeout: 10000,
	}, NewAutomationExecutor(deps.Scheduler, deps.AutomationRun)); err != nil {
		return err
	}

	return r.ValidateDependencies()
}

// BuiltinDeps carries the external dependencies of the builtin tools.
type BuiltinDeps struct {
	BaseDir       string
	UserID        string
	Permissions   []string
	Validator     *safety.CommandValidator
	HTTPClient    *http.Client
	Provider      provider.Provider
	MemoryStore   memory.Store
	PeerCaller    PeerCaller
	Scheduler     *cron.Cron
	AutomationRun func(ctx context.Context, task string)
}
