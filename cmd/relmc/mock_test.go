package main

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dyadlab/relmc/sim/model"
)

func TestMockClientDialogueTurns(t *testing.T) {
	c := newMockClient()
	req := &model.Request{
		System:   "You are june in a conversation with marco.",
		Messages: []model.Message{{Role: model.RoleUser, Content: "say something"}},
	}

	first, err := c.Complete(context.Background(), req)
	require.NoError(t, err)
	second, err := c.Complete(context.Background(), req)
	require.NoError(t, err)

	assert.NotEmpty(t, first.Content)
	assert.NotEqual(t, first.Content, second.Content, "consecutive calls cycle utterances")
	assert.Equal(t, "mock", first.Model)
	assert.Equal(t, "end_turn", first.StopReason)
	assert.Positive(t, first.Usage.TotalTokens)
}

func TestMockClientDeterministic(t *testing.T) {
	req := &model.Request{Messages: []model.Message{{Role: model.RoleUser, Content: "hi"}}}

	a := newMockClient()
	b := newMockClient()
	for i := 0; i < 5; i++ {
		ra, err := a.Complete(context.Background(), req)
		require.NoError(t, err)
		rb, err := b.Complete(context.Background(), req)
		require.NoError(t, err)
		assert.Equal(t, ra.Content, rb.Content, "call %d", i)
	}
}

func TestMockClientBeliefJSON(t *testing.T) {
	c := newMockClient()
	ctx := context.Background()

	deltas, err := c.Complete(ctx, &model.Request{
		System:   "You estimate priorities. Respond with JSON only.",
		Messages: []model.Message{{Role: model.RoleUser, Content: `JSON: {"deltas": {"autonomy": 0.0}}`}},
	})
	require.NoError(t, err)
	var d struct {
		Deltas map[string]float64 `json:"deltas"`
	}
	require.NoError(t, json.Unmarshal([]byte(deltas.Content), &d))
	assert.NotEmpty(t, d.Deltas)

	monologue, err := c.Complete(ctx, &model.Request{
		System:   "You are the private inner voice. Respond with JSON only.",
		Messages: []model.Message{{Role: model.RoleUser, Content: `JSON: {"thought": "...", "strategy": "...", "rationale": "..."}`}},
	})
	require.NoError(t, err)
	var m struct {
		Thought  string `json:"thought"`
		Strategy string `json:"strategy"`
	}
	require.NoError(t, json.Unmarshal([]byte(monologue.Content), &m))
	assert.Contains(t, mockStrategies, m.Strategy)

	values, err := c.Complete(ctx, &model.Request{
		System:   "You reflect on perception. Respond with JSON only.",
		Messages: []model.Message{{Role: model.RoleUser, Content: `JSON: {"values": {"autonomy": 0.5}}`}},
	})
	require.NoError(t, err)
	var v struct {
		Values map[string]float64 `json:"values"`
	}
	require.NoError(t, json.Unmarshal([]byte(values.Content), &v))
	assert.Len(t, v.Values, 8)
}
