// Package openai provides model.Client and embed.Embedder implementations
// backed by the OpenAI API (or any OpenAI-compatible endpoint such as vLLM).
// It translates normalized requests into Chat Completions and Embeddings
// calls using github.com/openai/openai-go and classifies throttling as
// model.ErrRateLimited.
package openai

import (
	"context"
	"errors"

	sdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/dyadlab/relmc/sim/model"
)

type (
	// ChatClient captures the subset of the openai-go chat completion
	// service used by the adapter. It is satisfied by
	// *sdk.ChatCompletionService so callers can pass either a real client
	// or a mock in tests.
	ChatClient interface {
		New(ctx context.Context, body sdk.ChatCompletionNewParams, opts ...option.RequestOption) (*sdk.ChatCompletion, error)
	}

	// EmbeddingsClient captures the subset of the openai-go embedding
	// service used by the adapter. Satisfied by *sdk.EmbeddingService.
	EmbeddingsClient interface {
		New(ctx context.Context, body sdk.EmbeddingNewParams, opts ...option.RequestOption) (*sdk.CreateEmbeddingResponse, error)
	}

	// Options configures the OpenAI adapter.
	Options struct {
		// Chat issues chat completion requests. Required.
		Chat ChatClient

		// Embeddings issues embedding requests. Optional; Embed returns an
		// error when unset.
		Embeddings EmbeddingsClient

		// DefaultModel is the chat model used when Request.Model is empty.
		// Required.
		DefaultModel string

		// EmbeddingModel is the embedding model. Empty selects
		// text-embedding-3-small.
		EmbeddingModel string

		// MaxTokens caps completions when a request does not specify
		// MaxTokens. Zero leaves the cap to the provider.
		MaxTokens int

		// Temperature is used when a request does not specify Temperature.
		Temperature float64
	}

	// Client implements model.Client and embed.Embedder via the OpenAI API.
	Client struct {
		chat       ChatClient
		embeddings EmbeddingsClient
		modelID    string
		embedModel string
		maxTok     int
		temp       float64
	}
)

// DefaultEmbeddingModel is used when Options.EmbeddingModel is empty.
const DefaultEmbeddingModel = "text-embedding-3-small"

// New builds an OpenAI-backed client from the provided options.
func New(opts Options) (*Client, error) {
	if opts.Chat == nil {
		return nil, errors.New("openai: chat client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("openai: default model is required")
	}
	embedModel := opts.EmbeddingModel
	if embedModel == "" {
		embedModel = DefaultEmbeddingModel
	}
	return &Client{
		chat:       opts.Chat,
		embeddings: opts.Embeddings,
		modelID:    opts.DefaultModel,
		embedModel: embedModel,
		maxTok:     opts.MaxTokens,
		temp:       opts.Temperature,
	}, nil
}

// NewFromAPIKey constructs a client using the default openai-go HTTP client.
// Pass extra request options to point at an OpenAI-compatible endpoint, e.g.
// option.WithBaseURL for vLLM.
func NewFromAPIKey(apiKey, defaultModel string, reqOpts ...option.RequestOption) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("openai: api key is required")
	}
	oc := sdk.NewClient(append([]option.RequestOption{option.WithAPIKey(apiKey)}, reqOpts...)...)
	return New(Options{
		Chat:         &oc.Chat.Completions,
		Embeddings:   &oc.Embeddings,
		DefaultModel: defaultModel,
	})
}

// Complete issues a chat completion and returns the first choice.
func (c *Client) Complete(ctx context.Context, req *model.Request) (*model.Response, error) {
	if req == nil || len(req.Messages) == 0 {
		return nil, errors.New("openai: messages are required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.modelID
	}

	messages := make([]sdk.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, sdk.SystemMessage(req.System))
	}
	for _, m := range req.Messages {
		switch m.Role {
		case model.RoleAssistant:
			messages = append(messages, sdk.AssistantMessage(m.Content))
		default:
			messages = append(messages, sdk.UserMessage(m.Content))
		}
	}

	params := sdk.ChatCompletionNewParams{
		Model:    sdk.ChatModel(modelID),
		Messages: messages,
	}
	if t := c.effectiveTemperature(req.Temperature); t > 0 {
		params.Temperature = sdk.Float(t)
	}
	if maxTokens := c.effectiveMaxTokens(req.MaxTokens); maxTokens > 0 {
		params.MaxTokens = sdk.Int(int64(maxTokens))
	}

	completion, err := c.chat.New(ctx, params)
	if err != nil {
		return nil, wrapError("chat.completions.new", err)
	}
	if len(completion.Choices) == 0 {
		return nil, errors.New("openai: completion returned no choices")
	}
	choice := completion.Choices[0]
	return &model.Response{
		Content:    choice.Message.Content,
		Model:      completion.Model,
		StopReason: choice.FinishReason,
		Usage: model.TokenUsage{
			InputTokens:  completion.Usage.PromptTokens,
			OutputTokens: completion.Usage.CompletionTokens,
			TotalTokens:  completion.Usage.TotalTokens,
		},
	}, nil
}

// Embed returns the embedding vector for text.
func (c *Client) Embed(ctx context.Context, text string) ([]float64, error) {
	if c.embeddings == nil {
		return nil, errors.New("openai: embeddings client is not configured")
	}
	resp, err := c.embeddings.New(ctx, sdk.EmbeddingNewParams{
		Model: sdk.EmbeddingModel(c.embedModel),
		Input: sdk.EmbeddingNewParamsInputUnion{OfString: sdk.String(text)},
	})
	if err != nil {
		return nil, wrapError("embeddings.new", err)
	}
	if len(resp.Data) == 0 {
		return nil, errors.New("openai: embedding response is empty")
	}
	return resp.Data[0].Embedding, nil
}

func (c *Client) effectiveMaxTokens(requested int) int {
	if requested > 0 {
		return requested
	}
	return c.maxTok
}

func (c *Client) effectiveTemperature(requested float64) float64 {
	if requested > 0 {
		return requested
	}
	return c.temp
}

// wrapError translates an openai-go failure into a ProviderError. HTTP 429
// chains model.ErrRateLimited.
func wrapError(op string, err error) error {
	pe := &model.ProviderError{
		Provider:  "openai",
		Operation: op,
		Kind:      model.ErrorKindUnknown,
	}
	var apierr *sdk.Error
	if errors.As(err, &apierr) {
		pe.Status = apierr.StatusCode
		pe.Kind = classify(apierr.StatusCode)
		pe.Retryable = pe.Kind == model.ErrorKindRateLimited || pe.Kind == model.ErrorKindUnavailable
	}
	return model.WrapProviderError(pe, err)
}

func classify(status int) model.ErrorKind {
	switch {
	case status == 401 || status == 403:
		return model.ErrorKindAuth
	case status == 429:
		return model.ErrorKindRateLimited
	case status >= 500:
		return model.ErrorKindUnavailable
	case status >= 400:
		return model.ErrorKindInvalidRequest
	default:
		return model.ErrorKindUnknown
	}
}
