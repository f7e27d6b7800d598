package mocks

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/stepflow/types"
)

func TestMockStreamingAgent_BuildersKeepStreamingType(t *testing.T) {
	var agent types.Agent = NewMockStreamingAgent("streamer",
		&MockEvent{Type: "RunContent", Payload: "tok"},
	).WithContent("final")

	sa, ok := agent.(types.StreamingAgent)
	require.True(t, ok)

	var seen []string
	resp, err := sa.RunStream(context.Background(), &types.RunRequest{}, func(ev types.Event) {
		seen = append(seen, ev.EventType())
	})
	require.NoError(t, err)
	assert.Equal(t, "final", resp.Content)
	assert.Equal(t, []string{"RunContent"}, seen)
}

func TestMockStreamingAgent_WithError(t *testing.T) {
	boom := errors.New("boom")
	agent := NewMockStreamingAgent("streamer").WithError(boom)

	_, err := agent.RunStream(context.Background(), &types.RunRequest{}, func(types.Event) {})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, agent.CallCount())
}

func TestMockTeam_BuildersKeepTeamType(t *testing.T) {
	member := NewMockAgent("member")
	var agent types.Agent = NewMockTeam("crew", member).WithContent("joint")

	team, ok := agent.(types.Team)
	require.True(t, ok)
	assert.Len(t, team.Members(), 1)

	resp, err := team.Run(context.Background(), &types.RunRequest{})
	require.NoError(t, err)
	assert.Equal(t, "joint", resp.Content)
}
