package main

import (
	"context"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"

	"github.com/dyadlab/relmc/features/model/anthropic"
	"github.com/dyadlab/relmc/features/model/bedrock"
	"github.com/dyadlab/relmc/features/model/middleware"
	"github.com/dyadlab/relmc/features/model/openai"
	"github.com/dyadlab/relmc/sim/embed"
	"github.com/dyadlab/relmc/sim/model"
)

// Default models per provider when --model is not given.
const (
	defaultAnthropicModel = "claude-haiku-4-5-20251001"
	defaultOpenAIModel    = "gpt-4o-mini"
	defaultBedrockModel   = "anthropic.claude-3-5-haiku-20241022-v1:0"
)

// buildModel constructs the model client (and embedder, when the provider
// offers one) for the chosen provider. API keys come from the environment:
// OPENAI_API_KEY, ANTHROPIC_API_KEY, or AWS_REGION + AWS_ACCESS_KEY_ID +
// AWS_SECRET_ACCESS_KEY for bedrock. A positive tpm wraps the client in the
// adaptive rate limiter.
func buildModel(ctx context.Context, provider, modelName string, tpm float64) (model.Client, embed.Embedder, error) {
	var (
		client   model.Client
		embedder embed.Embedder
		err      error
	)
	switch provider {
	case "mock":
		client = newMockClient()

	case "openai":
		key := os.Getenv("OPENAI_API_KEY")
		if key == "" {
			return nil, nil, fmt.Errorf("OPENAI_API_KEY is not set")
		}
		if modelName == "" {
			modelName = defaultOpenAIModel
		}
		oc, cerr := openai.NewFromAPIKey(key, modelName)
		if cerr != nil {
			return nil, nil, cerr
		}
		client, embedder = oc, oc

	case "anthropic":
		key := os.Getenv("ANTHROPIC_API_KEY")
		if key == "" {
			return nil, nil, fmt.Errorf("ANTHROPIC_API_KEY is not set")
		}
		if modelName == "" {
			modelName = defaultAnthropicModel
		}
		client, err = anthropic.NewFromAPIKey(key, modelName)
		if err != nil {
			return nil, nil, err
		}

	case "bedrock":
		if modelName == "" {
			modelName = defaultBedrockModel
		}
		runtime, rerr := bedrockRuntimeFromEnv()
		if rerr != nil {
			return nil, nil, rerr
		}
		client, err = bedrock.New(bedrock.Options{Runtime: runtime, DefaultModel: modelName})
		if err != nil {
			return nil, nil, err
		}

	default:
		return nil, nil, fmt.Errorf("unknown provider %q (want openai, anthropic, bedrock or mock)", provider)
	}

	if tpm > 0 {
		limiter := middleware.NewAdaptiveRateLimiter(ctx, nil, "", tpm, 2*tpm)
		client = limiter.Middleware()(client)
	}
	return client, embedder, nil
}

// bedrockRuntimeFromEnv builds a Bedrock runtime client from static
// environment credentials. No shared-config resolution: the CLI keeps its
// configuration surface to the env vars it documents.
func bedrockRuntimeFromEnv() (*bedrockruntime.Client, error) {
	region := os.Getenv("AWS_REGION")
	if region == "" {
		return nil, fmt.Errorf("AWS_REGION is not set")
	}
	accessKey := os.Getenv("AWS_ACCESS_KEY_ID")
	secretKey := os.Getenv("AWS_SECRET_ACCESS_KEY")
	if accessKey == "" || secretKey == "" {
		return nil, fmt.Errorf("AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY are not set")
	}
	creds := aws.Credentials{
		AccessKeyID:     accessKey,
		SecretAccessKey: secretKey,
		SessionToken:    os.Getenv("AWS_SESSION_TOKEN"),
		Source:          "environment",
	}
	return bedrockruntime.New(bedrockruntime.Options{
		Region: region,
		Credentials: aws.CredentialsProviderFunc(func(context.Context) (aws.Credentials, error) {
			return creds, nil
		}),
	}), nil
}
