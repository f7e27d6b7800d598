package workflow

import (
	"testing"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func TestDecodeEvent_TypedEvents(t *testing.T) {
	original := &StepErrorEvent{
		BaseEvent: BaseEvent{Event: EventStepError, CreatedAt: 1700000000, RunID: "run-1", SessionID: "sess-1"},
		StepScope: StepScope{StepName: "fetch", StepIndex: StepPath{1, 0}},
		Error:     "timeout",
		Attempt:   2,
		WillRetry: true,
	}
	data, err := MarshalEvent(original)
	require.NoError(t, err)
	assert.Equal(t, "StepError", gjson.GetBytes(data, "event").String())
	assert.Equal(t, "[1,0]", gjson.GetBytes(data, "step_index").Raw)

	decoded, err := DecodeEvent(data)
	require.NoError(t, err)
	got, ok := decoded.(*StepErrorEvent)
	require.True(t, ok, "got %T", decoded)
	assert.Equal(t, original, got)
}

func TestDecodeEvent_TopLevelIndexIsInteger(t *testing.T) {
	data, err := MarshalEvent(&StepStartedEvent{
		BaseEvent: newBase(EventStepStarted),
		StepScope: scope("first", Root(0)),
	})
	require.NoError(t, err)
	assert.Equal(t, "0", gjson.GetBytes(data, "step_index").Raw)

	decoded, err := DecodeEvent(data)
	require.NoError(t, err)
	assert.Equal(t, Root(0), decoded.(*StepStartedEvent).StepIndex)
}

func TestDecodeEvent_UnknownTypeKeptRaw(t *testing.T) {
	payload := []byte(`{"event":"ToolCallStarted","tool":"search"}`)

	decoded, err := DecodeEvent(payload)
	require.NoError(t, err)
	raw, ok := decoded.(*RawEvent)
	require.True(t, ok)
	assert.Equal(t, "ToolCallStarted", raw.EventType())

	again, err := json.Marshal(raw)
	require.NoError(t, err)
	assert.JSONEq(t, string(payload), string(again))
}

func TestDecodeEvent_Invalid(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"not json", `{"event":`},
		{"missing event", `{"run_id":"r"}`},
		{"empty event", `{"event":""}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeEvent([]byte(tt.data))
			assert.Error(t, err)
		})
	}
}

func TestRunResponse_JSONRoundTripKeepsEvents(t *testing.T) {
	run := newRunResponse(runIdentity{RunID: "run-1", SessionID: "sess-1", WorkflowName: "wf"}, StatusCompleted)
	run.Content = "done"
	run.StepResponses = []StepResult{
		Single(&StepOutput{StepName: "a", Content: "A", Success: true}),
		ListResult([]*StepOutput{
			{StepName: "b1", Content: "B1", Success: true},
			{StepName: "b2", Content: "B2", Success: true},
		}),
	}
	run.Events = []Event{
		&WorkflowStartedEvent{BaseEvent: BaseEvent{Event: EventWorkflowStarted, RunID: "run-1"}},
		&StepCompletedEvent{
			BaseEvent: BaseEvent{Event: EventStepCompleted, RunID: "run-1"},
			StepScope: StepScope{StepName: "a", StepIndex: Root(0)},
			Content:   "A",
		},
		&RawEvent{Type: "Custom", Data: json.RawMessage(`{"event":"Custom","x":1}`)},
	}

	data, err := json.Marshal(run)
	require.NoError(t, err)

	var decoded RunResponse
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "run-1", decoded.RunID)
	assert.Equal(t, StatusCompleted, decoded.Status)
	assert.Equal(t, "done", decoded.Content)

	require.Len(t, decoded.StepResponses, 2)
	assert.False(t, decoded.StepResponses[0].List)
	assert.True(t, decoded.StepResponses[1].List)
	assert.Equal(t, "B2", decoded.StepResponses[1].Last().Content)

	require.Len(t, decoded.Events, 3)
	assert.IsType(t, &WorkflowStartedEvent{}, decoded.Events[0])
	completed, ok := decoded.Events[1].(*StepCompletedEvent)
	require.True(t, ok)
	assert.Equal(t, "A", completed.Content)
	assert.Equal(t, "Custom", decoded.Events[2].EventType())
}

func TestRunResponse_ToMap(t *testing.T) {
	run := newRunResponse(runIdentity{RunID: "run-1", SessionID: "sess-1"}, StatusRunning)
	run.Content = "partial"

	m := run.ToMap()
	assert.Equal(t, "run-1", m["run_id"])
	assert.Equal(t, "running", m["status"])
	assert.Equal(t, "partial", m["content"])
	assert.NotContains(t, m, "events")
}
