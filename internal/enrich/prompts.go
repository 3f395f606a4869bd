package enrich

import (
	"strings"

	"github.com/toph420/rhizome-worker/internal/store"
)

// enrichPrompt builds the plain-JSON variant of the enrichment request used
// by providers without a native forced-tool-call mechanism (OpenAI, Gemini).
// Anthropic's own Enrich builds the same request via a forced tool call
// instead, since the SDK supports it directly.
func enrichPrompt(content string) string {
	return "Analyze this passage and reply with a JSON object with exactly these fields: " +
		`{"themes": [1-5 strings], "concepts": [{"concept": string, "importance": 0-1}, ...1-10 items], ` +
		`"importance": 0-1, "summary": "20-200 characters", ` +
		`"emotional": {"polarity": -1..1, "primary": string, "intensity": 0-1}, "domain": string}` +
		"\n\nPassage:\n" + content
}

func rewritePrompt(markdown string) string {
	return "Clean the following markdown: remove page-number artifacts, repeated headers/footers, " +
		"and hyphenated line-wrap breaks. Preserve all real content and structure exactly. " +
		"Reply with only the cleaned markdown.\n\n" + markdown
}

func bridgePrompt(a, b string) string {
	return "These two passages come from different subject domains. Reply with a JSON object " +
		`{"bridged": bool, "strength": 0-1, "explanation": string} answering: is there a genuine, ` +
		"non-obvious thematic connection between them (not just surface overlap)?\n\n" +
		"Passage A:\n" + a + "\n\nPassage B:\n" + b
}

// extractJSONObject trims any leading/trailing prose a chat model adds
// around its JSON reply despite being asked for JSON only, returning the
// substring between the first '{' and the last '}'.
func extractJSONObject(text string) string {
	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start < 0 || end < start {
		return text
	}
	return text[start : end+1]
}

// enrichmentPayloadToChunk converts a decoded enrichment response into the
// SemanticChunk metadata fields every provider implementation populates
// the same way.
func enrichmentPayloadToChunk(payload enrichmentPayload) *store.SemanticChunk {
	out := &store.SemanticChunk{
		Themes:          clampThemes(payload.Themes),
		ImportanceScore: clamp01(payload.Importance),
		Summary:         payload.Summary,
		EmotionalMetadata: &store.EmotionalMetadata{
			Polarity:  clampRange(payload.Emotional.Polarity, -1, 1),
			Primary:   payload.Emotional.Primary,
			Intensity: clamp01(payload.Emotional.Intensity),
		},
		DomainMetadata:      &store.DomainMetadata{PrimaryDomain: payload.Domain},
		EnrichmentsDetected: true,
	}
	concepts := make([]store.ConceptScore, 0, len(payload.Concepts))
	for _, c := range payload.Concepts {
		concepts = append(concepts, store.ConceptScore{Concept: c.Concept, Importance: clamp01(c.Importance)})
	}
	out.ConceptualMetadata = &store.ConceptualMetadata{Concepts: concepts}
	return out
}
