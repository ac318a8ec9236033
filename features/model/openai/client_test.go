package openai

import (
	"context"
	"errors"
	"net/http"
	"testing"

	sdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dyadlab/relmc/sim/model"
)

type fakeChat struct {
	req  sdk.ChatCompletionNewParams
	resp *sdk.ChatCompletion
	err  error
}

func (f *fakeChat) New(_ context.Context, body sdk.ChatCompletionNewParams, _ ...option.RequestOption) (*sdk.ChatCompletion, error) {
	f.req = body
	if f.err != nil {
		return nil, f.err
	}
	return f.resp, nil
}

type fakeEmbeddings struct {
	req  sdk.EmbeddingNewParams
	resp *sdk.CreateEmbeddingResponse
	err  error
}

func (f *fakeEmbeddings) New(_ context.Context, body sdk.EmbeddingNewParams, _ ...option.RequestOption) (*sdk.CreateEmbeddingResponse, error) {
	f.req = body
	if f.err != nil {
		return nil, f.err
	}
	return f.resp, nil
}

func completion(content string) *sdk.ChatCompletion {
	return &sdk.ChatCompletion{
		Model: "gpt-4o-mini",
		Choices: []sdk.ChatCompletionChoice{{
			Message:      sdk.ChatCompletionMessage{Content: content},
			FinishReason: "stop",
		}},
		Usage: sdk.CompletionUsage{PromptTokens: 12, CompletionTokens: 5, TotalTokens: 17},
	}
}

// apiError builds a populated SDK error; the SDK formats the request line in
// Error(), so the request must be non-nil.
func apiError(status int) *sdk.Error {
	req, _ := http.NewRequest(http.MethodPost, "https://api.openai.com/v1/chat/completions", nil)
	return &sdk.Error{StatusCode: status, Request: req}
}

func TestNewValidation(t *testing.T) {
	_, err := New(Options{DefaultModel: "gpt-4o-mini"})
	assert.ErrorContains(t, err, "chat client is required")

	_, err = New(Options{Chat: &fakeChat{}})
	assert.ErrorContains(t, err, "default model is required")

	_, err = NewFromAPIKey("", "gpt-4o-mini")
	assert.ErrorContains(t, err, "api key is required")
}

func TestComplete(t *testing.T) {
	chat := &fakeChat{resp: completion("hello there")}
	c, err := New(Options{Chat: chat, DefaultModel: "gpt-4o-mini", Temperature: 0.6, MaxTokens: 256})
	require.NoError(t, err)

	resp, err := c.Complete(context.Background(), &model.Request{
		System: "you are terse",
		Messages: []model.Message{
			{Role: model.RoleUser, Content: "hi"},
			{Role: model.RoleAssistant, Content: "hello"},
			{Role: model.RoleUser, Content: "again"},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, "hello there", resp.Content)
	assert.Equal(t, "gpt-4o-mini", resp.Model)
	assert.Equal(t, "stop", resp.StopReason)
	assert.Equal(t, int64(12), resp.Usage.InputTokens)
	assert.Equal(t, int64(17), resp.Usage.TotalTokens)

	assert.Equal(t, sdk.ChatModel("gpt-4o-mini"), chat.req.Model)
	require.Len(t, chat.req.Messages, 4, "system prompt rides as the first message")
	assert.InDelta(t, 0.6, chat.req.Temperature.Value, 1e-9)
	assert.Equal(t, int64(256), chat.req.MaxTokens.Value)
}

func TestCompleteRequestOverridesDefaults(t *testing.T) {
	chat := &fakeChat{resp: completion("ok")}
	c, err := New(Options{Chat: chat, DefaultModel: "gpt-4o-mini", Temperature: 0.6})
	require.NoError(t, err)

	_, err = c.Complete(context.Background(), &model.Request{
		Model:       "gpt-4o",
		Temperature: 0.9,
		MaxTokens:   64,
		Messages:    []model.Message{{Role: model.RoleUser, Content: "hi"}},
	})
	require.NoError(t, err)
	assert.Equal(t, sdk.ChatModel("gpt-4o"), chat.req.Model)
	assert.InDelta(t, 0.9, chat.req.Temperature.Value, 1e-9)
	assert.Equal(t, int64(64), chat.req.MaxTokens.Value)
}

func TestCompleteValidation(t *testing.T) {
	c, err := New(Options{Chat: &fakeChat{}, DefaultModel: "gpt-4o-mini"})
	require.NoError(t, err)

	_, err = c.Complete(context.Background(), &model.Request{})
	assert.ErrorContains(t, err, "messages are required")

	_, err = c.Complete(context.Background(), nil)
	assert.Error(t, err)
}

func TestCompleteNoChoices(t *testing.T) {
	c, err := New(Options{Chat: &fakeChat{resp: &sdk.ChatCompletion{}}, DefaultModel: "gpt-4o-mini"})
	require.NoError(t, err)

	_, err = c.Complete(context.Background(), &model.Request{
		Messages: []model.Message{{Role: model.RoleUser, Content: "hi"}},
	})
	assert.ErrorContains(t, err, "no choices")
}

func TestCompleteClassifiesRateLimit(t *testing.T) {
	c, err := New(Options{Chat: &fakeChat{err: apiError(429)}, DefaultModel: "gpt-4o-mini"})
	require.NoError(t, err)

	_, err = c.Complete(context.Background(), &model.Request{
		Messages: []model.Message{{Role: model.RoleUser, Content: "hi"}},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrRateLimited)

	pe, ok := model.AsProviderError(err)
	require.True(t, ok)
	assert.Equal(t, "openai", pe.Provider)
	assert.Equal(t, model.ErrorKindRateLimited, pe.Kind)
	assert.Equal(t, 429, pe.Status)
	assert.True(t, pe.Retryable)
}

func TestCompleteClassifiesOtherFailures(t *testing.T) {
	cases := []struct {
		status    int
		kind      model.ErrorKind
		retryable bool
	}{
		{401, model.ErrorKindAuth, false},
		{400, model.ErrorKindInvalidRequest, false},
		{503, model.ErrorKindUnavailable, true},
	}
	for _, tc := range cases {
		c, err := New(Options{Chat: &fakeChat{err: apiError(tc.status)}, DefaultModel: "gpt-4o-mini"})
		require.NoError(t, err)

		_, err = c.Complete(context.Background(), &model.Request{
			Messages: []model.Message{{Role: model.RoleUser, Content: "hi"}},
		})
		require.Error(t, err)
		assert.NotErrorIs(t, err, model.ErrRateLimited)

		pe, ok := model.AsProviderError(err)
		require.True(t, ok)
		assert.Equal(t, tc.kind, pe.Kind)
		assert.Equal(t, tc.retryable, pe.Retryable)
	}
}

func TestCompleteWrapsTransportErrors(t *testing.T) {
	cause := errors.New("connection refused")
	c, err := New(Options{Chat: &fakeChat{err: cause}, DefaultModel: "gpt-4o-mini"})
	require.NoError(t, err)

	_, err = c.Complete(context.Background(), &model.Request{
		Messages: []model.Message{{Role: model.RoleUser, Content: "hi"}},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, cause)
	pe, ok := model.AsProviderError(err)
	require.True(t, ok)
	assert.Equal(t, model.ErrorKindUnknown, pe.Kind)
}

func TestEmbed(t *testing.T) {
	emb := &fakeEmbeddings{resp: &sdk.CreateEmbeddingResponse{
		Data: []sdk.Embedding{{Embedding: []float64{0.1, 0.2, 0.3}}},
	}}
	c, err := New(Options{Chat: &fakeChat{}, Embeddings: emb, DefaultModel: "gpt-4o-mini"})
	require.NoError(t, err)

	vec, err := c.Embed(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, []float64{0.1, 0.2, 0.3}, vec)
	assert.Equal(t, sdk.EmbeddingModel(DefaultEmbeddingModel), emb.req.Model)
	assert.Equal(t, "hello", emb.req.Input.OfString.Value)
}

func TestEmbedWithoutClient(t *testing.T) {
	c, err := New(Options{Chat: &fakeChat{}, DefaultModel: "gpt-4o-mini"})
	require.NoError(t, err)

	_, err = c.Embed(context.Background(), "hello")
	assert.ErrorContains(t, err, "embeddings client is not configured")
}

func TestEmbedEmptyResponse(t *testing.T) {
	c, err := New(Options{
		Chat:         &fakeChat{},
		Embeddings:   &fakeEmbeddings{resp: &sdk.CreateEmbeddingResponse{}},
		DefaultModel: "gpt-4o-mini",
	})
	require.NoError(t, err)

	_, err = c.Embed(context.Background(), "hello")
	assert.ErrorContains(t, err, "embedding response is empty")
}
