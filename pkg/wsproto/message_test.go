package wsproto

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestRoundTrip(t *testing.T) {
	msg, err := NewRequest("req-1", ActionRun, RunPayload{
		Agent:         "claude",
		Command:       "fix the failing test",
		TempSessionID: "t-1",
		Options:       RunOptions{Model: "sonnet"},
	})
	require.NoError(t, err)

	var payload RunPayload
	require.NoError(t, msg.ParsePayload(&payload))
	assert.Equal(t, "claude", payload.Agent)
	assert.Equal(t, "t-1", payload.TempSessionID)
	assert.Equal(t, "sonnet", payload.Options.Model)
}

func TestParsePayloadNil(t *testing.T) {
	msg := &Message{Type: MessageTypeRequest, Action: ActionPing}
	var payload StatusPayload
	assert.NoError(t, msg.ParsePayload(&payload))
}

func TestDispatcherRouting(t *testing.T) {
	d := NewDispatcher()
	d.RegisterFunc(ActionPing, func(_ context.Context, msg *Message) (*Message, error) {
		return NewResponse(msg.ID, ActionPong, nil)
	})

	require.True(t, d.HasHandler(ActionPing))
	require.False(t, d.HasHandler(ActionRun))

	req, err := NewRequest("req-2", ActionPing, nil)
	require.NoError(t, err)

	resp, err := d.Dispatch(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, ActionPong, resp.Action)
	assert.Equal(t, "req-2", resp.ID)
}

func TestDispatcherUnknownAction(t *testing.T) {
	d := NewDispatcher()

	req, err := NewRequest("req-3", "bogus", nil)
	require.NoError(t, err)

	resp, err := d.Dispatch(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, MessageTypeError, resp.Type)

	var payload ErrorPayload
	require.NoError(t, resp.ParsePayload(&payload))
	assert.Equal(t, ErrorCodeUnknownAction, payload.Code)
}
