package bedrock

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	smithy "github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dyadlab/relmc/sim/model"
)

type fakeRuntime struct {
	input *bedrockruntime.ConverseInput
	resp  *bedrockruntime.ConverseOutput
	err   error
}

func (f *fakeRuntime) Converse(_ context.Context, params *bedrockruntime.ConverseInput, _ ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error) {
	f.input = params
	if f.err != nil {
		return nil, f.err
	}
	return f.resp, nil
}

func converseOutput(texts ...string) *bedrockruntime.ConverseOutput {
	blocks := make([]brtypes.ContentBlock, len(texts))
	for i, text := range texts {
		blocks[i] = &brtypes.ContentBlockMemberText{Value: text}
	}
	return &bedrockruntime.ConverseOutput{
		Output: &brtypes.ConverseOutputMemberMessage{
			Value: brtypes.Message{Role: brtypes.ConversationRoleAssistant, Content: blocks},
		},
		StopReason: brtypes.StopReasonEndTurn,
		Usage: &brtypes.TokenUsage{
			InputTokens:  aws.Int32(30),
			OutputTokens: aws.Int32(10),
			TotalTokens:  aws.Int32(40),
		},
	}
}

func TestNewValidation(t *testing.T) {
	_, err := New(Options{DefaultModel: "anthropic.claude-3-5-haiku-20241022-v1:0"})
	assert.ErrorContains(t, err, "runtime client is required")

	_, err = New(Options{Runtime: &fakeRuntime{}})
	assert.ErrorContains(t, err, "default model identifier is required")
}

func TestComplete(t *testing.T) {
	rt := &fakeRuntime{resp: converseOutput("Steady ", "as ever.")}
	c, err := New(Options{
		Runtime:      rt,
		DefaultModel: "anthropic.claude-3-5-haiku-20241022-v1:0",
		MaxTokens:    300,
		Temperature:  0.8,
	})
	require.NoError(t, err)

	resp, err := c.Complete(context.Background(), &model.Request{
		System: "you are terse",
		Messages: []model.Message{
			{Role: model.RoleUser, Content: "hi"},
			{Role: model.RoleAssistant, Content: "hello"},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, "Steady as ever.", resp.Content)
	assert.Equal(t, "end_turn", resp.StopReason)
	assert.Equal(t, int64(30), resp.Usage.InputTokens)
	assert.Equal(t, int64(40), resp.Usage.TotalTokens)

	assert.Equal(t, "anthropic.claude-3-5-haiku-20241022-v1:0", aws.ToString(rt.input.ModelId))
	require.Len(t, rt.input.System, 1)
	sys, ok := rt.input.System[0].(*brtypes.SystemContentBlockMemberText)
	require.True(t, ok)
	assert.Equal(t, "you are terse", sys.Value)

	require.Len(t, rt.input.Messages, 2)
	assert.Equal(t, brtypes.ConversationRoleUser, rt.input.Messages[0].Role)
	assert.Equal(t, brtypes.ConversationRoleAssistant, rt.input.Messages[1].Role)

	require.NotNil(t, rt.input.InferenceConfig)
	assert.Equal(t, int32(300), aws.ToInt32(rt.input.InferenceConfig.MaxTokens))
	assert.InDelta(t, 0.8, float64(aws.ToFloat32(rt.input.InferenceConfig.Temperature)), 1e-6)
}

func TestCompleteOmitsInferenceConfigWithoutDefaults(t *testing.T) {
	rt := &fakeRuntime{resp: converseOutput("ok")}
	c, err := New(Options{Runtime: rt, DefaultModel: "anthropic.claude-3-5-haiku-20241022-v1:0"})
	require.NoError(t, err)

	_, err = c.Complete(context.Background(), &model.Request{
		Messages: []model.Message{{Role: model.RoleUser, Content: "hi"}},
	})
	require.NoError(t, err)
	assert.Nil(t, rt.input.InferenceConfig)
}

func TestCompleteValidation(t *testing.T) {
	c, err := New(Options{Runtime: &fakeRuntime{}, DefaultModel: "anthropic.claude-3-5-haiku-20241022-v1:0"})
	require.NoError(t, err)

	_, err = c.Complete(context.Background(), &model.Request{})
	assert.ErrorContains(t, err, "messages are required")

	_, err = c.Complete(context.Background(), &model.Request{
		Messages: []model.Message{{Role: model.RoleUser, Content: ""}},
	})
	assert.ErrorContains(t, err, "non-empty message")
}

func TestCompleteClassifiesThrottling(t *testing.T) {
	cause := &smithy.GenericAPIError{Code: "ThrottlingException", Message: "slow down"}
	c, err := New(Options{Runtime: &fakeRuntime{err: cause}, DefaultModel: "anthropic.claude-3-5-haiku-20241022-v1:0"})
	require.NoError(t, err)

	_, err = c.Complete(context.Background(), &model.Request{
		Messages: []model.Message{{Role: model.RoleUser, Content: "hi"}},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrRateLimited)

	pe, ok := model.AsProviderError(err)
	require.True(t, ok)
	assert.Equal(t, "bedrock", pe.Provider)
	assert.Equal(t, model.ErrorKindRateLimited, pe.Kind)
	assert.Equal(t, "ThrottlingException", pe.Code)
	assert.True(t, pe.Retryable)
}

func TestCompleteWrapsOtherAPIErrors(t *testing.T) {
	cause := &smithy.GenericAPIError{Code: "ValidationException", Message: "bad input"}
	c, err := New(Options{Runtime: &fakeRuntime{err: cause}, DefaultModel: "anthropic.claude-3-5-haiku-20241022-v1:0"})
	require.NoError(t, err)

	_, err = c.Complete(context.Background(), &model.Request{
		Messages: []model.Message{{Role: model.RoleUser, Content: "hi"}},
	})
	require.Error(t, err)
	assert.NotErrorIs(t, err, model.ErrRateLimited)

	pe, ok := model.AsProviderError(err)
	require.True(t, ok)
	assert.Equal(t, "ValidationException", pe.Code)
	assert.Equal(t, "bad input", pe.Message)
}

func TestCompleteWrapsTransportErrors(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	c, err := New(Options{Runtime: &fakeRuntime{err: cause}, DefaultModel: "anthropic.claude-3-5-haiku-20241022-v1:0"})
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

func TestCompleteNilOutputMessage(t *testing.T) {
	rt := &fakeRuntime{resp: &bedrockruntime.ConverseOutput{StopReason: brtypes.StopReasonMaxTokens}}
	c, err := New(Options{Runtime: rt, DefaultModel: "anthropic.claude-3-5-haiku-20241022-v1:0"})
	require.NoError(t, err)

	resp, err := c.Complete(context.Background(), &model.Request{
		Messages: []model.Message{{Role: model.RoleUser, Content: "hi"}},
	})
	require.NoError(t, err)
	assert.Empty(t, resp.Content)
	assert.Equal(t, "max_tokens", resp.StopReason)
}
