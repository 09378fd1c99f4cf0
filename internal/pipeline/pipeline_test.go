package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cortex/internal/config"
	"cortex/internal/events"
	"cortex/internal/provider"
)

func newTestPipeline(t *testing.T, responses ...string) *Pipeline {
	t.Helper()
	cfg := config.Default()
	cfg.BaseDir = t.TempDir()
	p, err := New(cfg, provider.NewScripted(responses...))
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	return p
}

func TestProcess_FastPathForSimpleInput(t *testing.T) {
	p := newTestPipeline(t, "Hello there!")

	result, err := p.Process(context.Background(), "hi", ProcessOptions{})
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.False(t, result.UsedPipeline, "greeting should take the fast path")
	assert.Equal(t, "Hello there!", result.Output.Content)
	assert.Nil(t, result.Plan)
}

func TestProcess_FileReadThroughPipeline(t *testing.T) {
	p := newTestPipeline(t)
	dir := p.cfg.BaseDir
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("meeting at noon"), 0o644))

	result, err := p.Process(context.Background(), "Read the file notes.txt", ProcessOptions{})
	require.NoError(t, err)

	assert.True(t, result.UsedPipeline)
	require.True(t, result.Success, "run failed: %s / %s", result.Error, result.Output.Content)
	assert.Contains(t, result.Output.Content, "meeting at noon")
	require.NotNil(t, result.Plan)
	assert.NotEmpty(t, result.Plan.Steps)
}

func TestProcess_MultiFileReadExecutesEveryFile(t *testing.T) {
	p := newTestPipeline(t)
	dir := p.cfg.BaseDir
	require.NoError(t, os.WriteFile(filepath.Join(dir, "file1.txt"), []byte("alpha contents"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "file2.txt"), []byte("beta contents"), 0o644))

	result, err := p.Process(context.Background(), "Read file1.txt and file2.txt at the same time", ProcessOptions{})
	require.NoError(t, err)

	assert.True(t, result.UsedPipeline)
	require.True(t, result.Success, "run failed: %s / %s", result.Error, result.Output.Content)
	// The optimizer merges the reads into one batched step; both files
	// must still be read.
	assert.Contains(t, result.Output.Content, "alpha contents")
	assert.Contains(t, result.Output.Content, "beta contents")
}

func TestProcess_ShellRequiresConfirmation(t *testing.T) {
	p := newTestPipeline(t)

	result, err := p.Process(context.Background(), "Run the command ls -la in the terminal", ProcessOptions{})
	require.NoError(t, err)

	assert.True(t, result.UsedPipeline)
	assert.True(t, result.RequiresConfirmation, "shell plans must ask before executing")
	assert.NotEmpty(t, result.ConfirmationMessage)
	assert.Empty(t, result.StepResults, "nothing may execute before confirmation")
}

func TestProcess_DangerousCommandBlocked(t *testing.T) {
	p := newTestPipeline(t)

	result, err := p.Process(context.Background(), "Please run the command rm -rf / now", ProcessOptions{Confirmed: true})
	require.NoError(t, err)

	assert.True(t, result.Blocked, "destructive command must be blocked even when confirmed")
	assert.NotEmpty(t, result.BlockedReasons)
	assert.Empty(t, result.StepResults, "blocked plans never execute")
	assert.False(t, result.Success)
}

func TestProcess_EmptyInputFriendlyReply(t *testing.T) {
	p := newTestPipeline(t)

	result, err := p.Process(context.Background(), "   ", ProcessOptions{})
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.NotEmpty(t, result.Output.Content)
	assert.False(t, result.UsedPipeline)
	assert.Empty(t, result.StepResults, "empty input must not invoke tools")
}

func TestProcess_ClosedPipelineRejected(t *testing.T) {
	p := newTestPipeline(t)
	require.NoError(t, p.Close())
	_, err := p.Process(context.Background(), "hi", ProcessOptions{})
	assert.ErrorIs(t, err, ErrPipelineClosed)
}

func TestProcessStreaming_FastPathChunks(t *testing.T) {
	p := newTestPipeline(t, "streamed reply body")

	var chunks []string
	result, err := p.ProcessStreaming(context.Background(), "hello", func(chunk string) {
		chunks = append(chunks, chunk)
	}, ProcessOptions{})
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.NotEmpty(t, chunks)
	assert.Equal(t, "streamed reply body", strings.Join(chunks, ""))
}

func TestProcess_StageEventsEmitted(t *testing.T) {
	p := newTestPipeline(t)
	dir := p.cfg.BaseDir
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("x"), 0o644))

	seen := make(map[string][]events.Status)
	p.Events().Subscribe("*", func(e events.Event) {
		seen[e.Stage] = append(seen[e.Stage], e.Status)
	})

	_, err := p.Process(context.Background(), "Read the file a.txt", ProcessOptions{})
	require.NoError(t, err)

	for _, stage := range []string{
		events.StageComplexityCheck,
		events.StageIntentDetection,
		events.StageMemoryRetrieval,
		events.StagePlanGeneration,
		events.StageOptimization,
		events.StageSafetyCheck,
		events.StageToolRouting,
		events.StageStepExecution,
		events.StageOutputAggregation,
		events.StageMemoryUpdate,
	} {
		statuses := seen[stage]
		require.NotEmpty(t, statuses, "stage %s emitted no events", stage)
		assert.Equal(t, events.StatusStart, statuses[0], "stage %s should start first", stage)
		last := statuses[len(statuses)-1]
		assert.Contains(t, []events.Status{events.StatusComplete, events.StatusError}, last,
			"stage %s should end with complete or error", stage)
	}
	assert.NotEmpty(t, seen[events.EventProcessingStarted])
	assert.NotEmpty(t, seen[events.EventProcessingCompleted])
}

func TestProcess_StepProgressEvents(t *testing.T) {
	p := newTestPipeline(t)
	dir := p.cfg.BaseDir
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("x"), 0o644))

	var progress []map[string]interface{}
	p.Events().Subscribe(events.StageStepExecution, func(e events.Event) {
		if data, ok := e.Data.(map[string]interface{}); ok {
			if _, hasStep := data["stepId"]; hasStep {
				progress = append(progress, data)
			}
		}
	})

	_, err := p.Process(context.Background(), "Read the file a.txt", ProcessOptions{})
	require.NoError(t, err)

	require.NotEmpty(t, progress)
	for _, data := range progress {
		assert.Contains(t, data, "stepIndex")
		assert.Contains(t, data, "totalSteps")
		assert.Contains(t, data, "status")
		assert.Contains(t, data, "progress")
	}
}

func TestGetStats_CountsRuns(t *testing.T) {
	p := newTestPipeline(t, "fast reply")

	_, err := p.Process(context.Background(), "hi", ProcessOptions{})
	require.NoError(t, err)

	stats := p.GetStats()
	assert.Equal(t, int64(1), stats.TotalRuns)
	assert.Equal(t, int64(1), stats.FastPathRuns)
	assert.Equal(t, int64(0), stats.PipelineRuns)
	assert.NotZero(t, stats.Registry.Total, "builtin tools should be registered")
}

func TestHistory_NewestFirstAndBounded(t *testing.T) {
	cfg := config.Default()
	cfg.BaseDir = t.TempDir()
	cfg.HistorySize = 2
	p, err := New(cfg, provider.NewScripted("a", "b", "c"))
	require.NoError(t, err)
	defer p.Close()

	for _, input := range []string{"hi one", "hi two", "hi three"} {
		_, err := p.Process(context.Background(), input, ProcessOptions{})
		require.NoError(t, err)
	}

	history := p.History()
	require.Len(t, history, 2, "history must honor the configured cap")
	assert.Equal(t, "hi three", history[0].Input, "newest entry first")
	assert.Equal(t, "hi two", history[1].Input)
}

func TestClearCaches(t *testing.T) {
	p := newTestPipeline(t)
	dir := p.cfg.BaseDir
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("x"), 0o644))

	_, err := p.Process(context.Background(), "Read the file a.txt", ProcessOptions{})
	require.NoError(t, err)

	p.ClearCaches()
	assert.Zero(t, p.Executor().GetStats().CacheSize)
}
