// Package model defines the provider-agnostic language model contract the
// simulation depends on. Components call Complete (or the Invoke helper) and
// never touch provider SDKs; adapters under features/model translate the
// normalized request and response types to OpenAI, Anthropic and Bedrock.
//
// The package also owns the dialogue Turn type shared by every component
// that reads transcripts, and the tolerant JSON decoding used to extract
// structured output from model replies.
package model

import (
	"context"
	"errors"
	"time"
)

// ErrRateLimited signals that the provider is throttling requests. Adapters
// wrap throttle responses with this sentinel so middleware can react without
// inspecting provider-specific error types.
var ErrRateLimited = errors.New("model: rate limited")

type (
	// Client is the language model port. Implementations wrap provider SDKs
	// and must be safe for concurrent use: every timeline in an ensemble
	// shares one client.
	Client interface {
		// Complete sends a completion request and returns the model reply.
		// Implementations classify throttling as ErrRateLimited (possibly
		// wrapped in a ProviderError) and honor ctx cancellation.
		Complete(ctx context.Context, req *Request) (*Response, error)
	}

	// Request carries the normalized parameters of one model invocation.
	Request struct {
		// Model names the provider-specific model. Empty selects the
		// adapter's default.
		Model string

		// System is the system prompt, empty for none.
		System string

		// Messages is the ordered conversation sent to the model.
		Messages []Message

		// Temperature controls sampling randomness. Zero means the
		// adapter's default.
		Temperature float64

		// MaxTokens caps completion length. Zero means the adapter's default.
		MaxTokens int
	}

	// Message is a single conversation entry in a Request.
	Message struct {
		// Role is RoleUser or RoleAssistant.
		Role string
		// Content is the message text.
		Content string
	}

	// Response carries the model reply.
	Response struct {
		// Content is the generated text.
		Content string
		// Model echoes the model that produced the reply, when known.
		Model string
		// StopReason is the provider-specific stop reason, when known.
		StopReason string
		// Usage reports token consumption when the provider provides it.
		Usage TokenUsage
	}

	// TokenUsage reports token consumption for one invocation.
	TokenUsage struct {
		InputTokens  int64
		OutputTokens int64
		TotalTokens  int64
	}

	// Turn is one transcript entry of a simulated dialogue. Role holds the
	// speaking agent's ID, or RoleSystem for injected narrator events such
	// as crisis announcements.
	Turn struct {
		Role      string    `json:"role"`
		Content   string    `json:"content"`
		Timestamp time.Time `json:"timestamp"`
	}
)

// Message roles understood by providers.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// RoleSystem marks synthetic narrator turns in a transcript. Narrator turns
// belong to neither agent and are excluded from per-agent linguistic state.
const RoleSystem = "SYSTEM"

// Invoke is a convenience wrapper for single-prompt completions: it sends one
// user message under the given system prompt and returns the reply text.
func Invoke(ctx context.Context, c Client, system, prompt string) (string, error) {
	resp, err := c.Complete(ctx, &Request{
		System:   system,
		Messages: []Message{{Role: RoleUser, Content: prompt}},
	})
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}
