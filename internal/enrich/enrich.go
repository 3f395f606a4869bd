// Package enrich adds AI-derived chunk metadata — themes, scored
// concepts, importance, a short summary, emotional tone, and a domain
// label — via a single provider call per chunk (a forced tool call on
// Anthropic, a JSON-reply prompt on OpenAI and Gemini). A chunk that fails
// enrichment (provider error or malformed schema response) is marked
// "enrichment_failed" rather than failing the pipeline.
package enrich

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/shared/constant"

	"github.com/toph420/rhizome-worker/internal/config"
	"github.com/toph420/rhizome-worker/internal/store"
)

// SkippedUserChoice is the enrichment_skipped_reason recorded when a job
// explicitly disables enrichment.
const SkippedUserChoice = "user_choice"

// Enricher produces per-chunk metadata.
type Enricher interface {
	Enrich(ctx context.Context, content string) (*store.SemanticChunk, error)
	RewriteMarkdown(ctx context.Context, markdown string) (string, error)
}

// Provider is the full surface cleanup, enrichment, and thematic-bridge
// connection detection share: one client, three jobs. Client,
// OpenAIClient, and GeminiClient all implement it.
type Provider interface {
	Enricher
	CompareBridge(ctx context.Context, a, b string) (bridged bool, strength float64, explanation string, err error)
}

// NewFromConfig selects the AI provider named by cfg.Primary (anthropic,
// openai, or gemini), defaulting to Anthropic when unset or unrecognized.
// Anthropic is the only provider the worker ships enabled by default; the
// other two exist so a deployment can switch its primary LLM without code
// changes, matching how the teacher keeps all three provider clients
// behind one interface and picks between them by config.
func NewFromConfig(cfg config.AIConfig, httpClient *http.Client) (Provider, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Primary)) {
	case "openai":
		return NewOpenAI(cfg.OpenAI, httpClient), nil
	case "gemini":
		return NewGemini(cfg.Gemini, httpClient)
	default:
		return New(cfg.Anthropic, httpClient), nil
	}
}

// Client is the Anthropic-backed Enricher. It also implements
// cleanup.AIRewriter so the cleanup and enrichment stages can share one
// provider connection.
type Client struct {
	sdk   anthropic.Client
	model string
}

// New builds a Client from the worker's AI provider configuration.
func New(cfg config.AIProviderConfig, httpClient *http.Client) *Client {
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
		model = string(anthropic.ModelClaude3_7SonnetLatest)
	}
	return &Client{sdk: anthropic.NewClient(opts...), model: model}
}

type enrichmentPayload struct {
	Themes     []string `json:"themes"`
	Concepts   []struct {
		Concept    string  `json:"concept"`
		Importance float64 `json:"importance"`
	} `json:"concepts"`
	Importance float64 `json:"importance"`
	Summary    string  `json:"summary"`
	Emotional  struct {
		Polarity  float64 `json:"polarity"`
		Primary   string  `json:"primary"`
		Intensity float64 `json:"intensity"`
	} `json:"emotional"`
	Domain string `json:"domain"`
}

var enrichmentSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"themes": map[string]any{"type": "array", "items": map[string]any{"type": "string"}, "minItems": 1, "maxItems": 5},
		"concepts": map[string]any{
			"type": "array", "minItems": 1, "maxItems": 10,
			"items": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"concept":    map[string]any{"type": "string"},
					"importance": map[string]any{"type": "number"},
				},
				"required": []string{"concept", "importance"},
			},
		},
		"importance": map[string]any{"type": "number"},
		"summary":    map[string]any{"type": "string"},
		"emotional": map[string]any{
			"type": "object",
			"properties": map[string]any{
				"polarity":  map[string]any{"type": "number"},
				"primary":   map[string]any{"type": "string"},
				"intensity": map[string]any{"type": "number"},
			},
			"required": []string{"polarity", "primary", "intensity"},
		},
		"domain": map[string]any{"type": "string"},
	},
	"required": []string{"themes", "concepts", "importance", "summary", "emotional", "domain"},
}

// Enrich runs the forced-tool-call enrichment request for a single chunk.
func (c *Client) Enrich(ctx context.Context, content string) (*store.SemanticChunk, error) {
	toolParam := anthropic.ToolParam{
		Name:        "emit_chunk_metadata",
		Description: anthropic.String("Record structured metadata about the given passage."),
		InputSchema: anthropic.ToolInputSchemaParam{
			Type:       constant.ValueOf[constant.Object](),
			Properties: enrichmentSchema["properties"],
			Required:   enrichmentSchema["required"].([]string),
		},
	}

	resp, err := c.sdk.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: 1024,
		Tools:     []anthropic.ToolUnionParam{{OfTool: &toolParam}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(
				"Analyze this passage and call emit_chunk_metadata with: " +
					"1-5 themes, 1-10 concepts each with importance in [0,1], an overall importance in [0,1], " +
					"a 20-200 character summary, an emotional reading (polarity in [-1,1], primary label, intensity in [0,1]), " +
					"and a single primary subject domain.\n\nPassage:\n" + content)),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("enrich: provider call failed: %w", err)
	}

	var raw json.RawMessage
	for _, block := range resp.Content {
		if tu, ok := block.AsAny().(anthropic.ToolUseBlock); ok {
			raw = tu.Input
			break
		}
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("enrich: no tool call in response")
	}

	var payload enrichmentPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("enrich: malformed schema response: %w", err)
	}
	return enrichmentPayloadToChunk(payload), nil
}

// RewriteMarkdown asks the model to clean a markdown document, used by the
// cleanup stage's "ai" mode.
func (c *Client) RewriteMarkdown(ctx context.Context, markdown string) (string, error) {
	resp, err := c.sdk.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: int64(len(markdown)/2 + 2048),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(
				"Clean the following markdown: remove page-number artifacts, repeated headers/footers, " +
					"and hyphenated line-wrap breaks. Preserve all real content and structure exactly. " +
					"Reply with only the cleaned markdown.\n\n" + markdown)),
		},
	})
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	for _, block := range resp.Content {
		if tb, ok := block.AsAny().(anthropic.TextBlock); ok {
			sb.WriteString(tb.Text)
		}
	}
	return sb.String(), nil
}

type bridgePayload struct {
	Bridged     bool    `json:"bridged"`
	Strength    float64 `json:"strength"`
	Explanation string  `json:"explanation"`
}

var bridgeSchema = map[string]any{
	"bridged":     map[string]any{"type": "boolean"},
	"strength":    map[string]any{"type": "number"},
	"explanation": map[string]any{"type": "string"},
}

// CompareBridge asks whether two cross-domain passages share a deeper
// thematic connection an embedding-space similarity search would miss.
func (c *Client) CompareBridge(ctx context.Context, a, b string) (bool, float64, string, error) {
	toolParam := anthropic.ToolParam{
		Name:        "emit_bridge_verdict",
		Description: anthropic.String("Record whether the two passages share a thematic bridge."),
		InputSchema: anthropic.ToolInputSchemaParam{
			Type:       constant.ValueOf[constant.Object](),
			Properties: bridgeSchema,
			Required:   []string{"bridged", "strength", "explanation"},
		},
	}

	resp, err := c.sdk.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: 512,
		Tools:     []anthropic.ToolUnionParam{{OfTool: &toolParam}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(
				"These two passages come from different subject domains. Call emit_bridge_verdict: " +
					"is there a genuine, non-obvious thematic connection between them (not just surface overlap)? " +
					"If so set strength in [0,1] and explain briefly.\n\nPassage A:\n" + a + "\n\nPassage B:\n" + b)),
		},
	})
	if err != nil {
		return false, 0, "", fmt.Errorf("compare_bridge: provider call failed: %w", err)
	}

	var raw json.RawMessage
	for _, block := range resp.Content {
		if tu, ok := block.AsAny().(anthropic.ToolUseBlock); ok {
			raw = tu.Input
			break
		}
	}
	if len(raw) == 0 {
		return false, 0, "", fmt.Errorf("compare_bridge: no tool call in response")
	}
	var payload bridgePayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return false, 0, "", fmt.Errorf("compare_bridge: malformed schema response: %w", err)
	}
	return payload.Bridged, clamp01(payload.Strength), payload.Explanation, nil
}

// ApplyWithFallback enriches a chunk. When the provider call or schema
// decoding fails it sets EnrichmentsDetected to false and
// EnrichmentSkippedReason to "enrichment_failed" and returns without an
// error, so one chunk never fails the document's pipeline run; the chunk's
// metadata fields are left as they were, and no neutral metadata is written.
func ApplyWithFallback(ctx context.Context, e Enricher, chunk *store.SemanticChunk) {
	result, err := e.Enrich(ctx, chunk.Content)
	if err != nil {
		chunk.EnrichmentsDetected = false
		chunk.EnrichmentSkippedReason = "enrichment_failed"
		return
	}
	chunk.Themes = result.Themes
	chunk.ImportanceScore = result.ImportanceScore
	chunk.Summary = result.Summary
	chunk.EmotionalMetadata = result.EmotionalMetadata
	chunk.ConceptualMetadata = result.ConceptualMetadata
	chunk.DomainMetadata = result.DomainMetadata
	chunk.EnrichmentsDetected = true
}

func clamp01(v float64) float64 { return clampRange(v, 0, 1) }

func clampRange(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampThemes(themes []string) []string {
	if len(themes) > 5 {
		return themes[:5]
	}
	return themes
}
