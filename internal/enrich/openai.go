package enrich

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	sdk "github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
	"github.com/openai/openai-go/v2/packages/param"

	"github.com/toph420/rhizome-worker/internal/config"
	"github.com/toph420/rhizome-worker/internal/store"
)

// OpenAIClient is the alternate Enricher/AIRewriter/BridgeComparator
// implementation, selected when AIConfig.Primary is "openai". It asks for
// a strict JSON object in the prompt rather than a provider-native tool
// call, since the enrichment/bridge schemas only need to round-trip
// through one client interface and Chat Completions supports plain JSON
// replies across every OpenAI-compatible self-hosted server the teacher
// also points this client at.
type OpenAIClient struct {
	sdk   sdk.Client
	model string
}

// NewOpenAI builds an OpenAIClient from the worker's AI provider configuration.
func NewOpenAI(cfg config.AIProviderConfig, httpClient *http.Client) *OpenAIClient {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	opts := []option.RequestOption{
		option.WithAPIKey(strings.TrimSpace(cfg.APIKey)),
		option.WithHTTPClient(httpClient),
	}
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		opts = append(opts, option.WithBaseURL(strings.TrimSuffix(base, "/")))
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = "gpt-4o-mini"
	}
	return &OpenAIClient{sdk: sdk.NewClient(opts...), model: model}
}

func (c *OpenAIClient) complete(ctx context.Context, prompt string, maxTokens int64) (string, error) {
	comp, err := c.sdk.Chat.Completions.New(ctx, sdk.ChatCompletionNewParams{
		Model:     sdk.ChatModel(c.model),
		MaxTokens: param.NewOpt[int64](maxTokens),
		Messages: []sdk.ChatCompletionMessageParamUnion{
			sdk.SystemMessage("Reply with a single JSON object and nothing else, unless told otherwise."),
			sdk.UserMessage(prompt),
		},
	})
	if err != nil {
		return "", fmt.Errorf("openai: provider call failed: %w", err)
	}
	if len(comp.Choices) == 0 {
		return "", fmt.Errorf("openai: no choices in response")
	}
	return comp.Choices[0].Message.Content, nil
}

func (c *OpenAIClient) Enrich(ctx context.Context, content string) (*store.SemanticChunk, error) {
	text, err := c.complete(ctx, enrichPrompt(content), 1024)
	if err != nil {
		return nil, err
	}
	var payload enrichmentPayload
	if err := json.Unmarshal([]byte(extractJSONObject(text)), &payload); err != nil {
		return nil, fmt.Errorf("openai: malformed schema response: %w", err)
	}
	return enrichmentPayloadToChunk(payload), nil
}

func (c *OpenAIClient) RewriteMarkdown(ctx context.Context, markdown string) (string, error) {
	comp, err := c.sdk.Chat.Completions.New(ctx, sdk.ChatCompletionNewParams{
		Model:     sdk.ChatModel(c.model),
		MaxTokens: param.NewOpt[int64](int64(len(markdown)/2 + 2048)),
		Messages: []sdk.ChatCompletionMessageParamUnion{
			sdk.UserMessage(rewritePrompt(markdown)),
		},
	})
	if err != nil {
		return "", err
	}
	if len(comp.Choices) == 0 {
		return "", fmt.Errorf("openai: no choices in response")
	}
	return comp.Choices[0].Message.Content, nil
}

func (c *OpenAIClient) CompareBridge(ctx context.Context, a, b string) (bool, float64, string, error) {
	text, err := c.complete(ctx, bridgePrompt(a, b), 512)
	if err != nil {
		return false, 0, "", err
	}
	var payload bridgePayload
	if err := json.Unmarshal([]byte(extractJSONObject(text)), &payload); err != nil {
		return false, 0, "", fmt.Errorf("openai: malformed schema response: %w", err)
	}
	return payload.Bridged, clamp01(payload.Strength), payload.Explanation, nil
}
