package enrich

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	genai "google.golang.org/genai"

	"github.com/toph420/rhizome-worker/internal/config"
	"github.com/toph420/rhizome-worker/internal/store"
)

// GeminiClient is the alternate Enricher/AIRewriter/BridgeComparator
// implementation, selected when AIConfig.Primary is "gemini".
type GeminiClient struct {
	client *genai.Client
	model  string
}

// NewGemini builds a GeminiClient from the worker's AI provider configuration.
func NewGemini(cfg config.AIProviderConfig, httpClient *http.Client) (*GeminiClient, error) {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = "gemini-2.0-flash"
	}
	httpOpts := genai.HTTPOptions{}
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		httpOpts.BaseURL = strings.TrimSuffix(base, "/") + "/"
	}
	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey:      strings.TrimSpace(cfg.APIKey),
		HTTPClient:  httpClient,
		HTTPOptions: httpOpts,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: init client: %w", err)
	}
	return &GeminiClient{client: client, model: model}, nil
}

func (c *GeminiClient) generate(ctx context.Context, prompt string) (string, error) {
	resp, err := c.client.Models.GenerateContent(ctx, c.model,
		[]*genai.Content{genai.NewContentFromParts([]*genai.Part{{Text: prompt}}, genai.RoleUser)},
		&genai.GenerateContentConfig{ResponseMIMEType: "application/json"},
	)
	if err != nil {
		return "", fmt.Errorf("gemini: provider call failed: %w", err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", fmt.Errorf("gemini: no candidates in response")
	}
	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		sb.WriteString(part.Text)
	}
	return sb.String(), nil
}

func (c *GeminiClient) Enrich(ctx context.Context, content string) (*store.SemanticChunk, error) {
	text, err := c.generate(ctx, enrichPrompt(content))
	if err != nil {
		return nil, err
	}
	var payload enrichmentPayload
	if err := json.Unmarshal([]byte(extractJSONObject(text)), &payload); err != nil {
		return nil, fmt.Errorf("gemini: malformed schema response: %w", err)
	}
	return enrichmentPayloadToChunk(payload), nil
}

func (c *GeminiClient) RewriteMarkdown(ctx context.Context, markdown string) (string, error) {
	resp, err := c.client.Models.GenerateContent(ctx, c.model,
		[]*genai.Content{genai.NewContentFromParts([]*genai.Part{{Text: rewritePrompt(markdown)}}, genai.RoleUser)},
		&genai.GenerateContentConfig{},
	)
	if err != nil {
		return "", fmt.Errorf("gemini: provider call failed: %w", err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", fmt.Errorf("gemini: no candidates in response")
	}
	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		sb.WriteString(part.Text)
	}
	return sb.String(), nil
}

func (c *GeminiClient) CompareBridge(ctx context.Context, a, b string) (bool, float64, string, error) {
	text, err := c.generate(ctx, bridgePrompt(a, b))
	if err != nil {
		return false, 0, "", err
	}
	var payload bridgePayload
	if err := json.Unmarshal([]byte(extractJSONObject(text)), &payload); err != nil {
		return false, 0, "", fmt.Errorf("gemini: malformed schema response: %w", err)
	}
	return payload.Bridged, clamp01(payload.Strength), payload.Explanation, nil
}
