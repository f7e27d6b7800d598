package workflow

import (
	"fmt"

	json "github.com/goccy/go-json"
	"github.com/tidwall/gjson"
)

var eventFactories = map[string]func() Event{
	EventWorkflowStarted:             func() Event { return &WorkflowStartedEvent{} },
	EventWorkflowCompleted:           func() Event { return &WorkflowCompletedEvent{} },
	EventWorkflowCancelled:           func() Event { return &WorkflowCancelledEvent{} },
	EventWorkflowError:               func() Event { return &WorkflowErrorEvent{} },
	EventStepStarted:                 func() Event { return &StepStartedEvent{} },
	EventStepCompleted:               func() Event { return &StepCompletedEvent{} },
	EventStepError:                   func() Event { return &StepErrorEvent{} },
	EventStepOutput:                  func() Event { return &StepOutputEvent{} },
	EventStepContent:                 func() Event { return &StepContentEvent{} },
	EventLoopExecutionStarted:        func() Event { return &LoopExecutionStartedEvent{} },
	EventLoopIterationStarted:        func() Event { return &LoopIterationStartedEvent{} },
	EventLoopIterationCompleted:      func() Event { return &LoopIterationCompletedEvent{} },
	EventLoopExecutionCompleted:      func() Event { return &LoopExecutionCompletedEvent{} },
	EventParallelExecutionStarted:    func() Event { return &ParallelExecutionStartedEvent{} },
	EventParallelExecutionCompleted:  func() Event { return &ParallelExecutionCompletedEvent{} },
	EventConditionExecutionStarted:   func() Event { return &ConditionExecutionStartedEvent{} },
	EventConditionExecutionCompleted: func() Event { return &ConditionExecutionCompletedEvent{} },
	EventRouterExecutionStarted:      func() Event { return &RouterExecutionStartedEvent{} },
	EventRouterExecutionCompleted:    func() Event { return &RouterExecutionCompletedEvent{} },
	EventStepsExecutionStarted:       func() Event { return &StepsExecutionStartedEvent{} },
	EventStepsExecutionCompleted:     func() Event { return &StepsExecutionCompletedEvent{} },
}

// RawEvent holds an event whose type is not known to this package, such as
// an agent-specific event stored alongside a run.
type RawEvent struct {
	Type string
	Data json.RawMessage
}

// EventType implements types.Event.
func (r *RawEvent) EventType() string { return r.Type }

// MarshalJSON returns the original payload.
func (r *RawEvent) MarshalJSON() ([]byte, error) {
	if len(r.Data) == 0 {
		return []byte("null"), nil
	}
	return r.Data, nil
}

// MarshalEvent encodes an event.
func MarshalEvent(ev Event) ([]byte, error) {
	return json.Marshal(ev)
}

// DecodeEvent restores a typed event from its JSON form.
func DecodeEvent(data []byte) (Event, error) {
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("invalid event json")
	}
	name := gjson.GetBytes(data, "event")
	if !name.Exists() || name.String() == "" {
		return nil, fmt.Errorf("missing required field 'event'")
	}
	factory, ok := eventFactories[name.String()]
	if !ok {
		raw := make(json.RawMessage, len(data))
		copy(raw, data)
		return &RawEvent{Type: name.String(), Data: raw}, nil
	}
	ev := factory()
	if err := json.Unmarshal(data, ev); err != nil {
		return nil, fmt.Errorf("decode %s event: %w", name.String(), err)
	}
	return ev, nil
}

// eventList is a slice of events that survives a JSON round trip.
type eventList []Event

func (l eventList) MarshalJSON() ([]byte, error) {
	if l == nil {
		return []byte("null"), nil
	}
	return json.Marshal([]Event(l))
}

func (l *eventList) UnmarshalJSON(data []byte) error {
	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		return err
	}
	out := make(eventList, 0, len(raws))
	for _, raw := range raws {
		ev, err := DecodeEvent(raw)
		if err != nil {
			return err
		}
		out = append(out, ev)
	}
	*l = out
	return nil
}
