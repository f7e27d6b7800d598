package workflow

import (
	"bytes"
	"fmt"
	"strings"

	json "github.com/goccy/go-json"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/BaSui01/stepflow/types"
)

// OutputMap maps step names to outputs in execution order.
type OutputMap = orderedmap.OrderedMap[string, *StepOutput]

// NewOutputMap creates an empty ordered output map.
func NewOutputMap() *OutputMap {
	return orderedmap.New[string, *StepOutput]()
}

// =============================================================================
// StepInput
// =============================================================================

// StepInput is what every step receives.
type StepInput struct {
	// Message is the original workflow input.
	Message any `json:"message,omitempty"`
	// PreviousStepContent is the content of the immediately preceding output.
	PreviousStepContent any `json:"previous_step_content,omitempty"`
	// PreviousStepOutputs holds every prior output keyed by step name.
	PreviousStepOutputs *OutputMap `json:"previous_step_outputs,omitempty"`
	// AdditionalData is passed through unchanged.
	AdditionalData map[string]any `json:"additional_data,omitempty"`

	Images []types.ImageArtifact `json:"images,omitempty"`
	Videos []types.VideoArtifact `json:"videos,omitempty"`
	Audio  []types.AudioArtifact `json:"audio,omitempty"`
}

// GetStepOutput returns the output recorded for a step, or nil.
func (in *StepInput) GetStepOutput(name string) *StepOutput {
	if in == nil || in.PreviousStepOutputs == nil {
		return nil
	}
	out, _ := in.PreviousStepOutputs.Get(name)
	return out
}

// GetStepContent returns the content of a named step. For an aggregated
// parallel output it returns a map of sub-step name to content.
func (in *StepInput) GetStepContent(name string) any {
	out := in.GetStepOutput(name)
	if out == nil {
		return nil
	}
	if out.ParallelStepOutputs != nil && out.ParallelStepOutputs.Len() > 0 {
		contents := make(map[string]any, out.ParallelStepOutputs.Len())
		for pair := out.ParallelStepOutputs.Oldest(); pair != nil; pair = pair.Next() {
			if pair.Value != nil {
				contents[pair.Key] = pair.Value.Content
			}
		}
		return contents
	}
	return out.Content
}

// GetAllPreviousContent concatenates every prior output's content with a
// header per step.
func (in *StepInput) GetAllPreviousContent() string {
	if in == nil || in.PreviousStepOutputs == nil {
		return ""
	}
	var parts []string
	for pair := in.PreviousStepOutputs.Oldest(); pair != nil; pair = pair.Next() {
		if pair.Value == nil || isEmptyContent(pair.Value.Content) {
			continue
		}
		parts = append(parts, fmt.Sprintf("=== %s ===\n%s", pair.Key, contentString(pair.Value.Content)))
	}
	return strings.Join(parts, "\n\n")
}

// GetLastStepContent returns the content of the most recent output.
func (in *StepInput) GetLastStepContent() any {
	if in == nil || in.PreviousStepOutputs == nil {
		return nil
	}
	last := in.PreviousStepOutputs.Newest()
	if last == nil || last.Value == nil {
		return nil
	}
	return last.Value.Content
}

// MessageString renders the message as text. Structured messages are JSON encoded.
func (in *StepInput) MessageString() string {
	if in == nil {
		return ""
	}
	return contentString(in.Message)
}

// clone returns a copy whose maps and slices may be extended without
// touching the receiver.
func (in *StepInput) clone() *StepInput {
	if in == nil {
		return &StepInput{PreviousStepOutputs: NewOutputMap()}
	}
	cp := *in
	cp.PreviousStepOutputs = NewOutputMap()
	if in.PreviousStepOutputs != nil {
		for pair := in.PreviousStepOutputs.Oldest(); pair != nil; pair = pair.Next() {
			cp.PreviousStepOutputs.Set(pair.Key, pair.Value)
		}
	}
	cp.Images = append([]types.ImageArtifact(nil), in.Images...)
	cp.Videos = append([]types.VideoArtifact(nil), in.Videos...)
	cp.Audio = append([]types.AudioArtifact(nil), in.Audio...)
	return &cp
}

// advance records outputs produced by a child step so the next child sees them.
func (in *StepInput) advance(name string, outputs []*StepOutput) {
	if len(outputs) == 0 {
		return
	}
	last := outputs[len(outputs)-1]
	if in.PreviousStepOutputs == nil {
		in.PreviousStepOutputs = NewOutputMap()
	}
	in.PreviousStepOutputs.Set(name, last)
	for _, out := range outputs {
		if out == nil {
			continue
		}
		in.Images = append(in.Images, out.Images...)
		in.Videos = append(in.Videos, out.Videos...)
		in.Audio = append(in.Audio, out.Audio...)
	}
	in.PreviousStepContent = last.Content
}

// =============================================================================
// StepOutput
// =============================================================================

// Executor type labels.
const (
	ExecutorTypeAgent     = "agent"
	ExecutorTypeTeam      = "team"
	ExecutorTypeFunction  = "function"
	ExecutorTypeLoop      = "loop"
	ExecutorTypeParallel  = "parallel"
	ExecutorTypeCondition = "condition"
	ExecutorTypeRouter    = "router"
	ExecutorTypeSteps     = "steps"
)

// StepOutput is the result of one step execution.
type StepOutput struct {
	StepName     string `json:"step_name,omitempty"`
	StepID       string `json:"step_id,omitempty"`
	ExecutorType string `json:"executor_type,omitempty"`
	ExecutorName string `json:"executor_name,omitempty"`

	Content any                   `json:"content,omitempty"`
	Images  []types.ImageArtifact `json:"images,omitempty"`
	Videos  []types.VideoArtifact `json:"videos,omitempty"`
	Audio   []types.AudioArtifact `json:"audio,omitempty"`

	Success bool   `json:"success"`
	Stop    bool   `json:"stop,omitempty"`
	Error   string `json:"error,omitempty"`

	// FailedAttempts counts the attempts that failed before this output.
	FailedAttempts int `json:"failed_attempts,omitempty"`

	Metrics *StepMetrics `json:"metrics,omitempty"`

	// ParallelStepOutputs is set on the aggregated output of a Parallel.
	ParallelStepOutputs *OutputMap `json:"parallel_step_outputs,omitempty"`

	// StateDelta is merged into the workflow session state after the step.
	StateDelta map[string]any `json:"state_delta,omitempty"`
}

// NewStepOutput creates a successful output with the given content.
func NewStepOutput(content any) *StepOutput {
	return &StepOutput{Content: content, Success: true}
}

// ContentString renders the content as text.
func (o *StepOutput) ContentString() string {
	if o == nil {
		return ""
	}
	return contentString(o.Content)
}

// =============================================================================
// StepResult
// =============================================================================

// StepResult is what a step execution returns: one output, or a list for
// Loop / Condition / Router / Steps.
type StepResult struct {
	Outputs []*StepOutput
	List    bool
}

// Single wraps one output.
func Single(out *StepOutput) StepResult {
	return StepResult{Outputs: []*StepOutput{out}}
}

// ListResult wraps a list of outputs.
func ListResult(outs []*StepOutput) StepResult {
	if outs == nil {
		outs = []*StepOutput{}
	}
	return StepResult{Outputs: outs, List: true}
}

// Last returns the effective output for content propagation.
func (r StepResult) Last() *StepOutput {
	if len(r.Outputs) == 0 {
		return nil
	}
	return r.Outputs[len(r.Outputs)-1]
}

// Stopped reports whether any output requested early termination.
func (r StepResult) Stopped() bool {
	for _, out := range r.Outputs {
		if out != nil && out.Stop {
			return true
		}
	}
	return false
}

// MarshalJSON encodes a list result as an array and a single result as an object.
func (r StepResult) MarshalJSON() ([]byte, error) {
	if r.List {
		if r.Outputs == nil {
			return []byte("[]"), nil
		}
		return json.Marshal(r.Outputs)
	}
	return json.Marshal(r.Last())
}

// UnmarshalJSON accepts either shape.
func (r *StepResult) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var outs []*StepOutput
		if err := json.Unmarshal(trimmed, &outs); err != nil {
			return err
		}
		*r = ListResult(outs)
		return nil
	}
	if bytes.Equal(trimmed, []byte("null")) {
		*r = StepResult{}
		return nil
	}
	var out StepOutput
	if err := json.Unmarshal(trimmed, &out); err != nil {
		return err
	}
	*r = Single(&out)
	return nil
}

// =============================================================================
// ExecutionInput
// =============================================================================

// ExecutionInput is the input of a workflow run.
type ExecutionInput struct {
	Message        any                   `json:"message,omitempty"`
	AdditionalData map[string]any        `json:"additional_data,omitempty"`
	Images         []types.ImageArtifact `json:"images,omitempty"`
	Videos         []types.VideoArtifact `json:"videos,omitempty"`
	Audio          []types.AudioArtifact `json:"audio,omitempty"`
}

// MessageString renders the message as text.
func (e *ExecutionInput) MessageString() string {
	if e == nil {
		return ""
	}
	return contentString(e.Message)
}

// =============================================================================
// helpers
// =============================================================================

func contentString(v any) string {
	switch c := v.(type) {
	case nil:
		return ""
	case string:
		return c
	case []byte:
		return string(c)
	case fmt.Stringer:
		return c.String()
	case map[string]any, []any, []string:
		data, err := json.Marshal(c)
		if err != nil {
			return fmt.Sprint(c)
		}
		return string(data)
	default:
		return fmt.Sprint(c)
	}
}

func isEmptyContent(v any) bool {
	switch c := v.(type) {
	case nil:
		return true
	case string:
		return c == ""
	case []byte:
		return len(c) == 0
	default:
		return false
	}
}
