package types

import "context"

// =============================================================================
// Executor Contract
// =============================================================================
// Agents and teams are external collaborators. The engine only sees them
// through these interfaces. The types package has no internal dependencies,
// so placing them here lets test doubles avoid importing the workflow package.
// =============================================================================

// Event is anything that can travel on a workflow event stream.
// Agents that stream may emit their own event types; the engine forwards
// them verbatim.
type Event interface {
	// EventType returns the wire name of the event.
	EventType() string
}

// RunRequest is what an agent or team receives from a workflow step.
type RunRequest struct {
	Message                 any     `json:"message"`
	Images                  []Image `json:"images,omitempty"`
	Videos                  []Video `json:"videos,omitempty"`
	Audio                   []Audio `json:"audio,omitempty"`
	SessionID               string  `json:"session_id,omitempty"`
	UserID                  string  `json:"user_id,omitempty"`
	Stream                  bool    `json:"stream"`
	StreamIntermediateSteps bool    `json:"stream_intermediate_steps"`

	// SessionState is a read-only snapshot of the workflow session state.
	// Changes are returned through AgentResponse.SessionState.
	SessionState map[string]any `json:"session_state,omitempty"`

	WorkflowID        string `json:"workflow_id,omitempty"`
	WorkflowSessionID string `json:"workflow_session_id,omitempty"`
}

// AgentResponse is the terminal result of an agent or team run.
type AgentResponse struct {
	Content any             `json:"content"`
	Images  []ImageArtifact `json:"images,omitempty"`
	Videos  []VideoArtifact `json:"videos,omitempty"`
	Audio   []AudioArtifact `json:"audio,omitempty"`
	Metrics map[string]any  `json:"metrics,omitempty"`

	// SessionState is a delta merged into the workflow session state.
	SessionState map[string]any `json:"session_state,omitempty"`
}

// Agent is the minimal agent execution interface.
type Agent interface {
	// Name returns the agent's display name.
	Name() string
	// Run executes the agent and returns its terminal response.
	Run(ctx context.Context, req *RunRequest) (*AgentResponse, error)
}

// StreamingAgent is an optional interface for agents that emit intermediate
// events. Use a type assertion to check if an Agent also implements it:
//
//	if sa, ok := agent.(types.StreamingAgent); ok {
//	    resp, err := sa.RunStream(ctx, req, emit)
//	}
type StreamingAgent interface {
	Agent
	// RunStream emits events while running and returns the terminal response.
	RunStream(ctx context.Context, req *RunRequest, emit func(Event)) (*AgentResponse, error)
}

// Team is a group of agents that runs as one executor.
type Team interface {
	Agent
	// Members returns the agents of the team.
	Members() []Agent
}
