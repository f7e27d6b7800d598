package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/stepflow/testutil/fixtures"
	"github.com/BaSui01/stepflow/testutil/mocks"
	"github.com/BaSui01/stepflow/types"
)

func failingStep(name string) *Step {
	return MustStep(name,
		WithFunc(func(context.Context, *StepInput) (any, error) { return nil, fmt.Errorf("%s broke", name) }),
		WithMaxRetries(0))
}

func namedFunc(name string, fn StepFunc) *Step {
	return MustStep(name, WithFunc(fn))
}

func contents(outs []*StepOutput) []any {
	out := make([]any, 0, len(outs))
	for _, o := range outs {
		out = append(out, o.Content)
	}
	return out
}

// ---------------------------------------------------------------------------
// normalization
// ---------------------------------------------------------------------------

func TestNormalizeSteps(t *testing.T) {
	agent := mocks.NewMockAgent("agent")
	team := mocks.NewMockTeam("team")
	var fn StepFunc = constFunc("f")
	var gen GeneratorFunc = func(context.Context, *StepInput, func(any) bool) error { return nil }
	loop, err := NewLoop("loop", []any{constFunc("x")})
	require.NoError(t, err)

	steps, err := normalizeSteps([]any{agent, team, fn, gen, Func("named", fn), loop}, nil)
	require.NoError(t, err)
	require.Len(t, steps, 6)

	assert.Equal(t, []string{"agent", "team", "step_3", "step_4", "named", "loop"}, stepNames(steps))
	assert.Equal(t, ExecutorTypeAgent, steps[0].(*Step).ExecutorType())
	assert.Equal(t, ExecutorTypeTeam, steps[1].(*Step).ExecutorType())
	assert.Equal(t, ExecutorTypeFunction, steps[2].(*Step).ExecutorType())
	assert.Same(t, loop, steps[5])
}

func TestNormalizeSteps_Idempotent(t *testing.T) {
	first, err := normalizeSteps([]any{mocks.NewMockAgent("a"), constFunc("b")}, nil)
	require.NoError(t, err)

	again := make([]any, len(first))
	for i, s := range first {
		again[i] = s
	}
	second, err := normalizeSteps(again, nil)
	require.NoError(t, err)
	require.Len(t, second, len(first))
	for i := range first {
		assert.Same(t, first[i], second[i])
	}
}

func TestNormalizeSteps_InvalidType(t *testing.T) {
	_, err := normalizeSteps([]any{42}, nil)
	require.Error(t, err)
	assert.True(t, types.IsErrorCode(err, types.ErrInvalidStep))
	assert.Contains(t, err.Error(), "invalid step type: int")

	_, err = normalizeSteps([]any{nil}, nil)
	assert.True(t, types.IsErrorCode(err, types.ErrInvalidStep))
}

// ---------------------------------------------------------------------------
// Loop
// ---------------------------------------------------------------------------

func TestLoop_IterationsRestartFromInput(t *testing.T) {
	var seen []int
	var mu sync.Mutex
	first := namedFunc("first", func(_ context.Context, in *StepInput) (any, error) {
		mu.Lock()
		seen = append(seen, in.PreviousStepOutputs.Len())
		mu.Unlock()
		return "one", nil
	})
	second := namedFunc("second", func(_ context.Context, in *StepInput) (any, error) {
		return fmt.Sprintf("%v+two", in.PreviousStepContent), nil
	})

	loop, err := NewLoop("loop", []any{first, second}, WithMaxIterations(3))
	require.NoError(t, err)

	res, err := loop.Execute(context.Background(), &StepInput{Message: "m", PreviousStepOutputs: NewOutputMap()}, ExecOptions{})
	require.NoError(t, err)
	assert.True(t, res.List)
	assert.Equal(t, []any{"one", "one+two", "one", "one+two", "one", "one+two"}, contents(res.Outputs))
	assert.Equal(t, []int{0, 0, 0}, seen)
}

func TestLoop_EndCondition(t *testing.T) {
	var calls atomic.Int32
	step := namedFunc("count", func(context.Context, *StepInput) (any, error) {
		return fmt.Sprintf("call %d", calls.Add(1)), nil
	})
	end := func(results []*StepOutput) (bool, error) {
		return results[len(results)-1].Content == "call 2", nil
	}

	loop, err := NewLoop("loop", []any{step}, WithMaxIterations(5), WithEndCondition(end))
	require.NoError(t, err)

	res, err := loop.Execute(context.Background(), &StepInput{}, ExecOptions{})
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
	assert.Len(t, res.Outputs, 2)
}

func TestLoop_EndConditionErrorContinues(t *testing.T) {
	var calls atomic.Int32
	step := namedFunc("count", func(context.Context, *StepInput) (any, error) {
		calls.Add(1)
		return "x", nil
	})
	end := func([]*StepOutput) (bool, error) { return true, errors.New("cannot decide") }

	loop, err := NewLoop("loop", []any{step}, WithMaxIterations(3), WithEndCondition(end))
	require.NoError(t, err)

	_, err = loop.Execute(context.Background(), &StepInput{}, ExecOptions{})
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestLoop_StopEndsLoop(t *testing.T) {
	var calls atomic.Int32
	stopper := namedFunc("stopper", func(context.Context, *StepInput) (any, error) {
		calls.Add(1)
		return &StepOutput{Content: "halt", Stop: true}, nil
	})
	after := namedFunc("after", constFunc("never"))

	loop, err := NewLoop("loop", []any{stopper, after}, WithMaxIterations(3))
	require.NoError(t, err)

	res, err := loop.Execute(context.Background(), &StepInput{}, ExecOptions{})
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())
	assert.True(t, res.Stopped())
	assert.Equal(t, []any{"halt"}, contents(res.Outputs))
}

func TestLoop_ChildErrorPropagates(t *testing.T) {
	loop, err := NewLoop("loop", []any{failingStep("bad")})
	require.NoError(t, err)

	_, err = loop.Execute(context.Background(), &StepInput{}, ExecOptions{})
	require.Error(t, err)
	assert.True(t, types.IsErrorCode(err, types.ErrStepFailed))
}

func TestLoop_InvalidMaxIterations(t *testing.T) {
	_, err := NewLoop("loop", []any{constFunc("x")}, WithMaxIterations(0))
	assert.True(t, types.IsErrorCode(err, types.ErrInvalidConfig))
}

func TestLoop_StreamEvents(t *testing.T) {
	rec := &eventRecorder{}
	loop, err := NewLoop("loop", []any{namedFunc("inner", constFunc("x"))}, WithMaxIterations(2))
	require.NoError(t, err)

	_, err = loop.ExecuteStream(context.Background(), &StepInput{}, streamOpts(), rec.emit)
	require.NoError(t, err)
	assert.Equal(t, []string{
		EventLoopExecutionStarted,
		EventLoopIterationStarted, EventStepStarted, EventStepCompleted, EventLoopIterationCompleted,
		EventLoopIterationStarted, EventStepStarted, EventStepCompleted, EventLoopIterationCompleted,
		EventLoopExecutionCompleted,
	}, rec.types())

	started := rec.ofType(EventStepStarted)[0].(*StepStartedEvent)
	assert.Equal(t, StepPath{0, 0}, started.StepIndex)

	iterations := rec.ofType(EventLoopIterationCompleted)
	assert.Equal(t, 1, iterations[0].(*LoopIterationCompletedEvent).Iteration)
	assert.True(t, iterations[0].(*LoopIterationCompletedEvent).ShouldContinue)
	assert.False(t, iterations[1].(*LoopIterationCompletedEvent).ShouldContinue)

	done := rec.ofType(EventLoopExecutionCompleted)[0].(*LoopExecutionCompletedEvent)
	assert.Equal(t, 2, done.TotalIterations)
	assert.Len(t, done.AllResults, 2)
}

// ---------------------------------------------------------------------------
// Parallel
// ---------------------------------------------------------------------------

func TestParallel_AggregatesInDeclarationOrder(t *testing.T) {
	slow := namedFunc("a", func(ctx context.Context, _ *StepInput) (any, error) {
		time.Sleep(20 * time.Millisecond)
		return "alpha", nil
	})
	fast := namedFunc("b", constFunc("beta"))

	par, err := NewParallel("par", []any{slow, fast, failingStep("c")})
	require.NoError(t, err)

	res, err := par.Execute(context.Background(), &StepInput{}, ExecOptions{})
	require.NoError(t, err)
	require.False(t, res.List)

	out := res.Last()
	assert.Equal(t, "par", out.StepName)
	assert.Equal(t, ExecutorTypeParallel, out.ExecutorType)
	assert.False(t, out.Success)

	var keys []string
	for pair := out.ParallelStepOutputs.Oldest(); pair != nil; pair = pair.Next() {
		keys = append(keys, pair.Key)
	}
	assert.Equal(t, []string{"a", "b", "c"}, keys)

	content := out.ContentString()
	assert.Contains(t, content, "## Parallel Execution Results")
	assert.Contains(t, content, "### ✅ SUCCESS: a\nalpha")
	assert.Contains(t, content, "### ✅ SUCCESS: b\nbeta")
	assert.Contains(t, content, "### ❌ FAILURE: c\nStep c failed:")
	assert.Less(t, indexOf(content, "alpha"), indexOf(content, "beta"))

	require.NotNil(t, out.Metrics)
	assert.Len(t, out.Metrics.ParallelSteps, 3)
}

func indexOf(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return -1
}

func TestParallel_RunsConcurrently(t *testing.T) {
	var started sync.WaitGroup
	started.Add(2)
	barrier := func(context.Context, *StepInput) (any, error) {
		started.Done()
		done := make(chan struct{})
		go func() { started.Wait(); close(done) }()
		select {
		case <-done:
			return "met", nil
		case <-time.After(2 * time.Second):
			return nil, errors.New("siblings did not run concurrently")
		}
	}
	par, err := NewParallel("par", []any{namedFunc("x", barrier), namedFunc("y", barrier)})
	require.NoError(t, err)

	res, err := par.Execute(context.Background(), &StepInput{}, ExecOptions{})
	require.NoError(t, err)
	assert.True(t, res.Last().Success)
}

func TestParallel_SingleAndEmpty(t *testing.T) {
	single, err := NewParallel("one", []any{namedFunc("only", constFunc("solo"))})
	require.NoError(t, err)
	res, err := single.Execute(context.Background(), &StepInput{}, ExecOptions{})
	require.NoError(t, err)
	assert.Equal(t, "solo", res.Last().Content)
	assert.Equal(t, "one", res.Last().StepName)

	empty, err := NewParallel("none", nil)
	require.NoError(t, err)
	res, err = empty.Execute(context.Background(), &StepInput{}, ExecOptions{})
	require.NoError(t, err)
	assert.Equal(t, "No parallel steps executed", res.Last().Content)
}

func TestParallel_MergesStateAndMedia(t *testing.T) {
	left := namedFunc("left", func(context.Context, *StepInput) (any, error) {
		return &StepOutput{
			Content:    "l",
			Images:     []types.ImageArtifact{fixtures.SampleImage()},
			StateDelta: map[string]any{"shared": map[string]any{"x": 1}},
		}, nil
	})
	right := namedFunc("right", func(context.Context, *StepInput) (any, error) {
		return &StepOutput{
			Content:    "r",
			Videos:     []types.VideoArtifact{fixtures.SampleVideo()},
			StateDelta: map[string]any{"shared": map[string]any{"y": 2}},
		}, nil
	})
	par, err := NewParallel("par", []any{left, right}, WithMaxConcurrency(1))
	require.NoError(t, err)

	res, err := par.Execute(context.Background(), &StepInput{}, ExecOptions{})
	require.NoError(t, err)
	out := res.Last()
	assert.Len(t, out.Images, 1)
	assert.Len(t, out.Videos, 1)
	assert.Equal(t, map[string]any{"shared": map[string]any{"x": 1, "y": 2}}, out.StateDelta)

	in := &StepInput{PreviousStepOutputs: NewOutputMap()}
	in.PreviousStepOutputs.Set("par", out)
	assert.Equal(t, map[string]any{"left": "l", "right": "r"}, in.GetStepContent("par"))
}

func TestParallel_StreamEvents(t *testing.T) {
	rec := &eventRecorder{}
	par, err := NewParallel("par", []any{namedFunc("a", constFunc("1")), namedFunc("b", constFunc("2"))})
	require.NoError(t, err)

	_, err = par.ExecuteStream(context.Background(), &StepInput{}, streamOpts(), rec.emit)
	require.NoError(t, err)

	got := rec.types()
	assert.Equal(t, EventParallelExecutionStarted, got[0])
	assert.Equal(t, EventParallelExecutionCompleted, got[len(got)-1])
	assert.Len(t, rec.ofType(EventStepStarted), 2)
	assert.Len(t, rec.ofType(EventStepCompleted), 2)

	paths := map[string]StepPath{}
	for _, ev := range rec.ofType(EventStepStarted) {
		s := ev.(*StepStartedEvent)
		paths[s.StepName] = s.StepIndex
	}
	assert.Equal(t, StepPath{0, 0}, paths["a"])
	assert.Equal(t, StepPath{0, 1}, paths["b"])
}

// ---------------------------------------------------------------------------
// Condition
// ---------------------------------------------------------------------------

func TestCondition(t *testing.T) {
	step := namedFunc("branch", constFunc("ran"))

	yes, err := NewCondition("yes", Always(true), []any{step})
	require.NoError(t, err)
	res, err := yes.Execute(context.Background(), &StepInput{}, ExecOptions{})
	require.NoError(t, err)
	assert.True(t, res.List)
	assert.Equal(t, []any{"ran"}, contents(res.Outputs))

	no, err := NewCondition("no", Always(false), []any{step})
	require.NoError(t, err)
	res, err = no.Execute(context.Background(), &StepInput{}, ExecOptions{})
	require.NoError(t, err)
	assert.True(t, res.List)
	assert.Empty(t, res.Outputs)
}

func TestCondition_EvaluatorErrorIsFalse(t *testing.T) {
	var calls atomic.Int32
	step := namedFunc("branch", func(context.Context, *StepInput) (any, error) {
		calls.Add(1)
		return "x", nil
	})
	broken := func(context.Context, *StepInput) (bool, error) { return true, errors.New("bad evaluator") }

	c, err := NewCondition("c", broken, []any{step})
	require.NoError(t, err)
	res, err := c.Execute(context.Background(), &StepInput{}, ExecOptions{})
	require.NoError(t, err)
	assert.Empty(t, res.Outputs)
	assert.Zero(t, calls.Load())
}

func TestCondition_EvaluatesInput(t *testing.T) {
	isUrgent := func(_ context.Context, in *StepInput) (bool, error) {
		return in.MessageString() == "urgent", nil
	}
	c, err := NewCondition("c", isUrgent, []any{namedFunc("page", constFunc("paged"))})
	require.NoError(t, err)

	res, err := c.Execute(context.Background(), &StepInput{Message: "urgent"}, ExecOptions{})
	require.NoError(t, err)
	assert.Len(t, res.Outputs, 1)

	res, err = c.Execute(context.Background(), &StepInput{Message: "later"}, ExecOptions{})
	require.NoError(t, err)
	assert.Empty(t, res.Outputs)
}

func TestCondition_ChildErrorRecorded(t *testing.T) {
	c, err := NewCondition("c", Always(true), []any{
		namedFunc("ok", constFunc("fine")),
		failingStep("bad"),
		namedFunc("skipped", constFunc("never")),
	})
	require.NoError(t, err)

	res, err := c.Execute(context.Background(), &StepInput{}, ExecOptions{})
	require.NoError(t, err)
	require.Len(t, res.Outputs, 2)
	assert.Equal(t, "fine", res.Outputs[0].Content)
	assert.False(t, res.Outputs[1].Success)
	assert.Contains(t, res.Outputs[1].ContentString(), "Step bad failed:")
}

func TestCondition_RequiresEvaluator(t *testing.T) {
	_, err := NewCondition("c", nil, nil)
	assert.True(t, types.IsErrorCode(err, types.ErrInvalidConfig))
}

// ---------------------------------------------------------------------------
// Router
// ---------------------------------------------------------------------------

func TestRouter_SelectByName(t *testing.T) {
	a := namedFunc("a", constFunc("A"))
	b := namedFunc("b", func(_ context.Context, in *StepInput) (any, error) {
		return fmt.Sprintf("B after %v", in.PreviousStepContent), nil
	})
	c := namedFunc("c", constFunc("C"))

	r, err := NewRouter("router", SelectByName("a", "b"), []any{a, b, c})
	require.NoError(t, err)

	res, err := r.Execute(context.Background(), &StepInput{}, ExecOptions{})
	require.NoError(t, err)
	assert.Equal(t, []any{"A", "B after A"}, contents(res.Outputs))
}

func TestRouter_UnknownChoice(t *testing.T) {
	r, err := NewRouter("router", SelectByName("missing"), []any{namedFunc("a", constFunc("A"))})
	require.NoError(t, err)

	_, err = r.Execute(context.Background(), &StepInput{}, ExecOptions{})
	assert.True(t, types.IsErrorCode(err, types.ErrInvalidStep))
}

func TestRouter_SelectorErrorWrapped(t *testing.T) {
	broken := func(context.Context, *StepInput, []Executable) ([]Executable, error) {
		return nil, errors.New("no route")
	}
	r, err := NewRouter("router", broken, []any{namedFunc("a", constFunc("A"))})
	require.NoError(t, err)

	_, err = r.Execute(context.Background(), &StepInput{}, ExecOptions{})
	assert.True(t, types.IsErrorCode(err, types.ErrInvalidStep))
	assert.Contains(t, err.Error(), "no route")
}

func TestRouter_ChildErrorRecorded(t *testing.T) {
	r, err := NewRouter("router", SelectByName("bad"), []any{failingStep("bad")})
	require.NoError(t, err)

	res, err := r.Execute(context.Background(), &StepInput{}, ExecOptions{})
	require.NoError(t, err)
	require.Len(t, res.Outputs, 1)
	assert.False(t, res.Outputs[0].Success)
	assert.Equal(t, "bad", res.Outputs[0].StepName)
}

func TestRouter_StreamEvents(t *testing.T) {
	rec := &eventRecorder{}
	r, err := NewRouter("router", SelectByName("a"), []any{namedFunc("a", constFunc("A")), namedFunc("b", constFunc("B"))})
	require.NoError(t, err)

	_, err = r.ExecuteStream(context.Background(), &StepInput{}, streamOpts(), rec.emit)
	require.NoError(t, err)
	assert.Equal(t, []string{EventRouterExecutionStarted, EventStepStarted, EventStepCompleted, EventRouterExecutionCompleted}, rec.types())
	started := rec.ofType(EventRouterExecutionStarted)[0].(*RouterExecutionStartedEvent)
	assert.Equal(t, []string{"a"}, started.SelectedSteps)
}

// ---------------------------------------------------------------------------
// Steps
// ---------------------------------------------------------------------------

func TestSteps_ChainsOutputs(t *testing.T) {
	upper := namedFunc("upper", func(_ context.Context, in *StepInput) (any, error) {
		return fmt.Sprintf("%s!", in.MessageString()), nil
	})
	echo := namedFunc("echo", func(_ context.Context, in *StepInput) (any, error) {
		return fmt.Sprintf("%v %v", in.PreviousStepContent, in.GetStepContent("upper")), nil
	})

	s, err := NewSteps("group", []any{upper, echo})
	require.NoError(t, err)

	res, err := s.Execute(context.Background(), &StepInput{Message: "hey"}, ExecOptions{})
	require.NoError(t, err)
	assert.Equal(t, []any{"hey!", "hey! hey!"}, contents(res.Outputs))
}

func TestSteps_EmptyAndError(t *testing.T) {
	empty, err := NewSteps("empty", nil)
	require.NoError(t, err)
	res, err := empty.Execute(context.Background(), &StepInput{}, ExecOptions{})
	require.NoError(t, err)
	assert.Equal(t, []any{"No steps to execute"}, contents(res.Outputs))

	broken, err := NewSteps("broken", []any{namedFunc("ok", constFunc("fine")), failingStep("bad")})
	require.NoError(t, err)
	res, err = broken.Execute(context.Background(), &StepInput{}, ExecOptions{})
	require.NoError(t, err)
	require.Len(t, res.Outputs, 1)
	assert.False(t, res.Outputs[0].Success)
	assert.Contains(t, res.Outputs[0].ContentString(), "Steps execution failed:")
}

func TestSteps_StopPropagates(t *testing.T) {
	s, err := NewSteps("group", []any{
		namedFunc("stop", func(context.Context, *StepInput) (any, error) {
			return &StepOutput{Content: "stop here", Stop: true}, nil
		}),
		namedFunc("after", constFunc("never")),
	})
	require.NoError(t, err)

	res, err := s.Execute(context.Background(), &StepInput{}, ExecOptions{})
	require.NoError(t, err)
	assert.True(t, res.Stopped())
	assert.Len(t, res.Outputs, 1)
}

func TestComposites_NestedPaths(t *testing.T) {
	rec := &eventRecorder{}
	inner, err := NewSteps("inner", []any{namedFunc("leaf", constFunc("x"))})
	require.NoError(t, err)
	outer, err := NewCondition("outer", Always(true), []any{namedFunc("first", constFunc("y")), inner})
	require.NoError(t, err)

	opts := streamOpts()
	opts.Path = Root(2)
	_, err = outer.ExecuteStream(context.Background(), &StepInput{}, opts, rec.emit)
	require.NoError(t, err)

	paths := map[string]StepPath{}
	for _, ev := range rec.ofType(EventStepStarted) {
		s := ev.(*StepStartedEvent)
		paths[s.StepName] = s.StepIndex
	}
	assert.Equal(t, StepPath{2, 0}, paths["first"])
	assert.Equal(t, StepPath{2, 1, 0}, paths["leaf"])
	assert.Equal(t, "Step 3.2.1", FormatStepPath(paths["leaf"], 0))
}
