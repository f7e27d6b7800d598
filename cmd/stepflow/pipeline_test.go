package main

import (
	"context"
	"strings"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/BaSui01/stepflow/config"
	"github.com/BaSui01/stepflow/testutil"
	"github.com/BaSui01/stepflow/workflow"
)

func init() {
	color.NoColor = true
}

const shortText = "Go is expressive,   concise, clean, and efficient.\nGo compiles quickly."

func newTestApp(t *testing.T) *app {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Workflow.MaxRetries = 1

	a, err := newApp(context.Background(), cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close(context.Background()) })
	return a
}

func newTestPipeline(t *testing.T, a *app) *workflow.Workflow {
	t.Helper()
	w, err := a.newPipeline("", "alice")
	require.NoError(t, err)
	t.Cleanup(w.Close)
	return w
}

// =============================================================================
// 🧪 流水线
// =============================================================================

func TestPipeline_TextReport(t *testing.T) {
	a := newTestApp(t)
	w := newTestPipeline(t, a)
	ctx := testutil.TestContext(t)

	run, err := w.Run(ctx, shortText)
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusCompleted, run.Status)

	want := "Clean · Compiles · Concise · Efficient\n" +
		"Words: 10\n" +
		"Keywords: clean, compiles, concise, efficient, expressive\n" +
		"Summary: Go is expressive, concise, clean, and efficient. Go compiles quickly.\n"
	assert.Equal(t, want, run.Content)

	// normalize, analyze, long_text, headline, format
	require.Len(t, run.StepResponses, 5)
	assert.Empty(t, run.StepResponses[2].Outputs, "short input skips the summary")

	headline := run.StepResponses[3]
	require.Len(t, headline.Outputs, 2, "first draft is too long, second fits")
	assert.Equal(t, "Clean · Compiles · Concise · Efficient · Expressive", headline.Outputs[0].Content)

	state := w.SessionState()
	assert.EqualValues(t, 10, state["last_word_count"])
	assert.Equal(t, []string{"clean", "compiles", "concise", "efficient", "expressive"}, state["last_keywords"])
}

func TestPipeline_MarkdownSummary(t *testing.T) {
	a := newTestApp(t)
	w := newTestPipeline(t, a)
	ctx := testutil.TestContext(t)

	text := strings.Repeat("workflows compose steps into pipelines ", 10)
	run, err := w.Run(ctx, text, workflow.WithAdditionalData(map[string]any{
		"format":            "markdown",
		"summary_threshold": 20,
	}))
	require.NoError(t, err)

	content, ok := run.Content.(string)
	require.True(t, ok)
	assert.True(t, strings.HasPrefix(content, "# "))
	assert.Contains(t, content, "**Words:** 50")
	assert.Contains(t, content, "## Summary")
	assert.Contains(t, content, " ...")

	summary := run.StepResponses[2].Last()
	require.NotNil(t, summary)
	assert.Equal(t, "summarize", summary.StepName)
	assert.Len(t, strings.Fields(summary.ContentString()), summaryWords+1)
}

func TestPipeline_EmptyInputFails(t *testing.T) {
	a := newTestApp(t)
	w := newTestPipeline(t, a)

	run, err := w.Run(testutil.TestContext(t), "   \n\t ")
	require.Error(t, err)
	require.NotNil(t, run)
	assert.Equal(t, workflow.StatusError, run.Status)
	assert.Contains(t, err.Error(), errEmptyInput.Error())
}

func TestPipeline_UnknownFormatFails(t *testing.T) {
	a := newTestApp(t)
	w := newTestPipeline(t, a)

	run, err := w.Run(testutil.TestContext(t), shortText,
		workflow.WithAdditionalData(map[string]any{"format": "pdf"}))
	require.Error(t, err)
	assert.Equal(t, workflow.StatusError, run.Status)
}

func TestPipeline_Stream(t *testing.T) {
	a := newTestApp(t)
	w := newTestPipeline(t, a)
	ctx := testutil.TestContext(t)

	events, err := w.RunStream(ctx, shortText, workflow.WithStreamIntermediate(true))
	require.NoError(t, err)
	all := testutil.CollectChannel(ctx, events)
	require.NotEmpty(t, all)

	types := testutil.EventTypes(all)
	assert.Equal(t, workflow.EventWorkflowStarted, types[0])
	assert.Equal(t, workflow.EventWorkflowCompleted, types[len(types)-1])

	var iterations, chunks int
	for _, ev := range all {
		switch e := ev.(type) {
		case *workflow.LoopIterationStartedEvent:
			iterations++
			assert.Equal(t, "headline", e.StepName)
		case *workflow.StepContentEvent:
			if e.StepName == "text_report" {
				chunks++
			}
		}
	}
	assert.Equal(t, 2, iterations)
	assert.Equal(t, 4, chunks, "one chunk per report line")
}

func TestPipeline_SessionPersisted(t *testing.T) {
	a := newTestApp(t)
	w := newTestPipeline(t, a)
	ctx := testutil.TestContext(t)

	run, err := w.Run(ctx, shortText)
	require.NoError(t, err)

	sess, err := a.storage.Read(ctx, w.SessionID())
	require.NoError(t, err)
	assert.Equal(t, "alice", sess.UserID)
	assert.Equal(t, pipelineName, sess.WorkflowID)
	require.NotNil(t, sess.GetRun(run.RunID))
	assert.Equal(t, workflow.StatusCompleted, sess.GetRun(run.RunID).Status)
}

func TestPipeline_BackgroundRun(t *testing.T) {
	a := newTestApp(t)
	w := newTestPipeline(t, a)
	ctx := testutil.TestContext(t)

	run, err := w.ARun(ctx, shortText, workflow.WithBackground())
	require.NoError(t, err)

	final, err := run.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusCompleted, final.Status)

	got, err := w.GetRun(ctx, run.RunID)
	require.NoError(t, err)
	assert.Equal(t, final.Content, got.Content)
}

// =============================================================================
// 🧪 辅助函数
// =============================================================================

func TestTopKeywords(t *testing.T) {
	got := topKeywords("The cat and the hat. A cat, a bat; the CAT sat on a hat!", 3)
	assert.Equal(t, []string{"cat", "hat", "bat"}, got)

	assert.Empty(t, topKeywords("a an the of to", 5))
}

func TestTokenize(t *testing.T) {
	assert.Equal(t, []string{"hello", "world", "x2"}, tokenize("  Hello, (world)!  x2 -- "))
}

func TestHeadlineFits(t *testing.T) {
	ok, err := headlineFits([]*workflow.StepOutput{workflow.NewStepOutput("Short")})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = headlineFits([]*workflow.StepOutput{workflow.NewStepOutput(strings.Repeat("x", maxHeadlineLen+1))})
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = headlineFits(nil)
	assert.Error(t, err)
}

func TestAsInt(t *testing.T) {
	for _, v := range []any{7, int64(7), float64(7)} {
		n, ok := asInt(v)
		assert.True(t, ok)
		assert.Equal(t, 7, n)
	}
	_, ok := asInt("7")
	assert.False(t, ok)
}
