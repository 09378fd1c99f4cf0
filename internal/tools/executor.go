package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"cortex/internal/events"
)

var (
	// ErrToolUnavailable is returned when the routed tool cannot serve.
	ErrToolUnavailable = errors.New("tool unavailable")
	// ErrExecutionTimeout is returned when a tool call exceeds its budget.
	ErrExecutionTimeout = errors.New("tool execution timed out")
)

// Executor runs one tool method. Implementations are registered per
// tool through the Registry.
type Executor interface {
	Execute(ctx context.Context, method string, params map[string]interface{}) (interface{}, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, method string, params map[string]interface{}) (interface{}, error)

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, method string, params map[string]interface{}) (interface{}, error) {
	return f(ctx, method, params)
}

// Route addresses one tool invocation: which tool, which method, with
// what parameters, and what to do when it fails.
type Route struct {
	Tool       string                 `json:"tool"`
	Method     string                 `json:"method"`
	Parameters map[string]interface{} `json:"parameters,omitempty"`
	Fallback   *Route                 `json:"fallback,omitempty"`
	Timeout    int64                  `json:"timeout,omitempty"` // milliseconds
	Retries    int                    `json:"retries,omitempty"`
}

// Result is the outcome of executing one route.
type Result struct {
	Success       bool        `json:"success"`
	Data          interface{} `json:"data,omitempty"`
	ExecutionTime int64       `json:"execution_time"` // milliseconds
	FromCache     bool        `json:"from_cache"`
	RetryCount    int         `json:"retry_count"`
	Error         string      `json:"error,omitempty"`
}

// Options tune batch execution behavior.
type Options struct {
	// ContinueOnError keeps a sequential batch going past failures.
	ContinueOnError bool
	// UseCache enables result caching for the batch.
	UseCache bool
	// Timeout caps each attempt, in milliseconds. The smallest of this,
	// the route's and the capability's budget wins.
	Timeout int64
}

type cacheEntry struct {
	result    Result
	expiresAt time.Time
}

// flight is one in-progress execution; waiters block on done and read
// result afterwards.
type flight struct {
	done   chan struct{}
	result Result
}

// ToolExecutor executes routes against the registry with timeouts,
// retries, result caching and in-flight deduplication.
type ToolExecutor struct {
	registry *Registry
	bus      *events.Bus

	defaultTimeout time.Duration
	cacheTTL       time.Duration
	maxParallel    int

	mu       sync.Mutex
	cache    map[string]cacheEntry
	inFlight map[string]*flight

	statsMu   sync.Mutex
	executed  int64
	cacheHits int64
	retries   int64
	failures  int64
}

// ExecutorConfig tunes the ToolExecutor. Zero values pick defaults.
type ExecutorConfig struct {
	DefaultTimeout time.Duration
	CacheTTL       time.Duration
	MaxParallel    int
}

// NewToolExecutor creates an executor over the registry. The event bus
// may be nil when no observer is interested.
func NewToolExecutor(registry *Registry, bus *events.Bus, config ExecutorConfig) *ToolExecutor {
	if config.DefaultTimeout <= 0 {
		config.DefaultTimeout = 30 * time.Second
	}
	if config.CacheTTL <= 0 {
		config.CacheTTL = 5 * time.Minute
	}
	if config.MaxParallel <= 0 {
		config.MaxParallel = 4
	}
	return &ToolExecutor{
		registry:       registry,
		bus:            bus,
		defaultTimeout: config.DefaultTimeout,
		cacheTTL:       config.CacheTTL,
		maxParallel:    config.MaxParallel,
		cache:          make(map[string]cacheEntry),
		inFlight:       make(map[string]*flight),
	}
}

// Execute runs one route. Concurrent calls for the same key always
// share a single in-flight execution; with UseCache set the result is
// additionally served from the TTL cache.
func (e *ToolExecutor) Execute(ctx context.Context, route Route, opts Options) Result {
	key := cacheKey(route)

	if opts.UseCache {
		if cached, ok := e.cachedResult(key); ok {
			e.countCacheHit()
			cached.FromCache = true
			return cached
		}
	}

	f, leader := e.claimInFlight(key)
	if !leader {
		select {
		case <-f.done:
			return f.result
		case <-ctx.Done():
			return Result{Success: false, Error: ctx.Err().Error()}
		}
	}

	result := e.executeWithFallback(ctx, route, opts)
	if opts.UseCache && result.Success {
		e.storeCached(key, result)
	}
	f.result = result
	e.releaseInFlight(key, f)
	return result
}

// executeWithFallback runs the route and, on failure, its fallback.
func (e *ToolExecutor) executeWithFallback(ctx context.Context, route Route, opts Options) Result {
	result := e.executeWithRetries(ctx, route, opts)
	if result.Success || route.Fallback == nil {
		return result
	}

	log.Printf("[ToolExecutor] %s.%s failed (%s), trying fallback %s.%s",
		route.Tool, route.Method, result.Error, route.Fallback.Tool, route.Fallback.Method)
	fallback := *route.Fallback
	fallback.Fallback = nil // one level only
	fbResult := e.executeWithRetries(ctx, fallback, opts)
	fbResult.RetryCount += result.RetryCount
	return fbResult
}

// executeWithRetries runs the route with exponential backoff between
// attempts. Backoff is min(1s * 2^attempt, 10s) and is cancellable.
func (e *ToolExecutor) executeWithRetries(ctx context.Context, route Route, opts Options) Result {
	start := time.Now()
	var lastErr error
	retries := 0

	for attempt := 0; attempt <= route.Retries; attempt++ {
		retries = attempt
		if attempt > 0 {
			backoff := time.Duration(1000*(1<<(attempt-1))) * time.Millisecond
			if backoff > 10*time.Second {
				backoff = 10 * time.Second
			}
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return Result{
					Success:       false,
					Error:         ctx.Err().Error(),
					ExecutionTime: time.Since(start).Milliseconds(),
					RetryCount:    attempt - 1,
				}
			}
			e.countRetry()
			e.emit(events.EventToolRetry, map[string]interface{}{
				"tool":    route.Tool,
				"method":  route.Method,
				"attempt": attempt,
				"error":   fmt.Sprint(lastErr),
			})
		}

		data, err := e.executeOnce(ctx, route, opts)
		if err == nil {
			result := Result{
				Success:       true,
				Data:          data,
				ExecutionTime: time.Since(start).Milliseconds(),
				RetryCount:    attempt,
			}
			e.countExecution(true)
			e.emit(events.EventToolExecuted, map[string]interface{}{
				"tool":     route.Tool,
				"method":   route.Method,
				"duration": result.ExecutionTime,
				"retries":  attempt,
			})
			return result
		}
		lastErr = err
		if errors.Is(err, ErrToolUnavailable) || errors.Is(err, context.Canceled) {
			break // retrying will not help
		}
	}

	e.countExecution(false)
	result := Result{
		Success:       false,
		Error:         lastErr.Error(),
		ExecutionTime: time.Since(start).Milliseconds(),
		RetryCount:    retries,
	}
	e.emit(events.EventToolExecuted, map[string]interface{}{
		"tool":   route.Tool,
		"method": route.Method,
		"error":  result.Error,
	})
	return result
}

// executeOnce performs a single attempt under the effective timeout.
func (e *ToolExecutor) executeOnce(ctx context.Context, route Route, opts Options) (interface{}, error) {
	if !e.registry.IsAvailable(route.Tool) {
		return nil, fmt.Errorf("%s: %w", route.Tool, ErrToolUnavailable)
	}
	if ok, missing := e.registry.CheckDependencies(route.Tool); !ok {
		return nil, fmt.Errorf("%s: missing dependencies %v: %w", route.Tool, missing, ErrToolUnavailable)
	}
	exec, ok := e.registry.ExecutorFor(route.Tool)
	if !ok {
		return nil, fmt.Errorf("%s: %w", route.Tool, ErrToolNotFound)
	}

	timeout := e.effectiveTimeout(route, opts)
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		data interface{}
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		data, err := exec.Execute(ctx, route.Method, route.Parameters)
		done <- outcome{data, err}
	}()

	select {
	case out := <-done:
		return out.data, out.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%s.%s after %s: %w", route.Tool, route.Method, timeout, ErrExecutionTimeout)
		}
		return nil, ctx.Err()
	}
}

// effectiveTimeout picks the smallest of the caller's, the route's and
// the capability's budget. The executor default applies when none is set.
func (e *ToolExecutor) effectiveTimeout(route Route, opts Options) time.Duration {
	var capTimeout int64
	if cap, ok := e.registry.Get(route.Tool); ok {
		capTimeout = cap.Timeout
	}

	var ms int64
	for _, candidate := range []int64{opts.Timeout, route.Timeout, capTimeout} {
		if candidate > 0 && (ms == 0 || candidate < ms) {
			ms = candidate
		}
	}
	if ms == 0 {
		return e.defaultTimeout
	}
	return time.Duration(ms) * time.Millisecond
}

// ExecuteParallel runs all routes concurrently, bounded by MaxParallel,
// and returns a result per route in input order.
func (e *ToolExecutor) ExecuteParallel(ctx context.Context, routes []Route, opts Options) []Result {
	results := make([]Result, len(routes))
	sem := make(chan struct{}, e.maxParallel)
	var wg sync.WaitGroup

	for i, route := range routes {
		wg.Add(1)
		go func(i int, route Route) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			results[i] = e.Execute(ctx, route, opts)
		}(i, route)
	}
	wg.Wait()
	return results
}

// ExecuteSequential runs routes in order, stopping at the first failure
// unless opts.ContinueOnError is set.
func (e *ToolExecutor) ExecuteSequential(ctx context.Context, routes []Route, opts Options) []Result {
	var results []Result
	for _, route := range routes {
		result := e.Execute(ctx, route, opts)
		results = append(results, result)
		if !result.Success && !opts.ContinueOnError {
			break
		}
	}
	return results
}

// CleanupCache drops expired entries and returns how many were removed.
func (e *ToolExecutor) CleanupCache() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := time.Now()
	removed := 0
	for key, entry := range e.cache {
		if now.After(entry.expiresAt) {
			delete(e.cache, key)
			removed++
		}
	}
	return removed
}

// ClearCache drops every cached result.
func (e *ToolExecutor) ClearCache() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cache = make(map[string]cacheEntry)
}

// ExecutorStats are the executor's lifetime counters.
type ExecutorStats struct {
	Executed  int64 `json:"executed"`
	CacheHits int64 `json:"cache_hits"`
	Retries   int64 `json:"retries"`
	Failures  int64 `json:"failures"`
	CacheSize int   `json:"cache_size"`
}

// GetStats returns a snapshot of the counters.
func (e *ToolExecutor) GetStats() ExecutorStats {
	e.statsMu.Lock()
	stats := ExecutorStats{
		Executed:  e.executed,
		CacheHits: e.cacheHits,
		Retries:   e.retries,
		Failures:  e.failures,
	}
	e.statsMu.Unlock()

	e.mu.Lock()
	stats.CacheSize = len(e.cache)
	e.mu.Unlock()
	return stats
}

func (e *ToolExecutor) cachedResult(key string) (Result, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	entry, ok := e.cache[key]
	if !ok || time.Now().After(entry.expiresAt) {
		return Result{}, false
	}
	return entry.result, true
}

func (e *ToolExecutor) storeCached(key string, result Result) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cache[key] = cacheEntry{result: result, expiresAt: time.Now().Add(e.cacheTTL)}
}

// claimInFlight returns the flight for key and whether the caller
// became its leader. Non-leaders wait on the flight's done channel.
func (e *ToolExecutor) claimInFlight(key string) (*flight, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if f, running := e.inFlight[key]; running {
		return f, false
	}
	f := &flight{done: make(chan struct{})}
	e.inFlight[key] = f
	return f, true
}

// releaseInFlight publishes the leader's result to any waiters. The
// result must be set before the call.
func (e *ToolExecutor) releaseInFlight(key string, f *flight) {
	e.mu.Lock()
	delete(e.inFlight, key)
	e.mu.Unlock()
	close(f.done)
}

func (e *ToolExecutor) emit(eventType string, data map[string]interface{}) {
	if e.bus != nil {
		e.bus.Emit(events.Event{Stage: eventType, Status: events.StatusProgress, Data: data})
	}
}

func (e *ToolExecutor) countExecution(success bool) {
	e.statsMu.Lock()
	e.executed++
	if !success {
		e.failures++
	}
	e.statsMu.Unlock()
}

func (e *ToolExecutor) countCacheHit() {
	e.statsMu.Lock()
	e.cacheHits++
	e.statsMu.Unlock()
}

func (e *ToolExecutor) countRetry() {
	e.statsMu.Lock()
	e.retries++
	e.statsMu.Unlock()
}

// cacheKey builds the cache key from tool, method and the JSON
// serialization of the parameters.
func cacheKey(route Route) string {
	params, _ := json.Marshal(route.Parameters)
	return route.Tool + ":" + route.Method + ":" + string(params)
}
