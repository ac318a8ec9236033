package main

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/dyadlab/relmc/sim/model"
)

// mockClient is a deterministic offline model: dialogue prompts cycle through
// canned utterances and belief prompts receive well-formed JSON, so a full
// ensemble runs without network access or API keys. Used by --provider mock
// and the demo command.
type mockClient struct {
	mu    sync.Mutex
	calls int
}

func newMockClient() *mockClient { return &mockClient{} }

var mockUtterances = []string{
	"I keep coming back to what you said yesterday. Maybe we should talk it through properly.",
	"Honestly, I don't know where to start. Work has been swallowing everything again.",
	"We always find a way through these stretches. Let's not pretend this one is different.",
	"I noticed you went quiet when I brought up the move. What's underneath that?",
	"You're right, I've been keeping score instead of listening. I'm sorry.",
	"Part of me wants to just book the trip and figure the rest out later, together.",
	"That lands harder than you probably meant it to. Give me a second.",
	"Okay. Tell me what you need from me this week, concretely.",
}

var mockStrategies = []string{"validate", "disclose", "probe", "deflect", "reanchor", "mirror"}

// Complete returns canned content keyed off the prompt shape. Belief prompts
// identify themselves by asking for JSON.
func (c *mockClient) Complete(_ context.Context, req *model.Request) (*model.Response, error) {
	c.mu.Lock()
	n := c.calls
	c.calls++
	c.mu.Unlock()

	content := mockUtterances[n%len(mockUtterances)]
	if strings.Contains(req.System, "JSON") {
		content = c.mockJSON(req, n)
	}
	return &model.Response{
		Content:    content,
		Model:      "mock",
		StopReason: "end_turn",
		Usage: model.TokenUsage{
			InputTokens:  int64(len(req.System) / 4),
			OutputTokens: int64(len(content) / 4),
			TotalTokens:  int64((len(req.System) + len(content)) / 4),
		},
	}, nil
}

func (c *mockClient) mockJSON(req *model.Request, n int) string {
	prompt := ""
	if len(req.Messages) > 0 {
		prompt = req.Messages[len(req.Messages)-1].Content
	}
	switch {
	case strings.Contains(prompt, `"deltas"`):
		return `{"deltas": {"intimacy": 0.05, "stability": -0.02}}`
	case strings.Contains(prompt, `"thought"`):
		strategy := mockStrategies[n%len(mockStrategies)]
		return fmt.Sprintf(`{"thought": "They sound more guarded than their words.", "strategy": %q, "rationale": "keep the channel open"}`, strategy)
	case strings.Contains(prompt, `"values"`):
		return `{"values": {"autonomy": 0.5, "security": 0.55, "achievement": 0.45, "intimacy": 0.6, "novelty": 0.4, "stability": 0.55, "power": 0.35, "belonging": 0.6}}`
	default:
		return `{}`
	}
}
