// Package cleanup normalizes extracted markdown before chunking: either a
// pure-regex pass, an AI rewrite pass, or a no-op, selected per job by
// cleanupMode.
package cleanup

import (
	"context"
	"regexp"
	"strings"
)

// Mode selects how a document's markdown is cleaned before chunking.
type Mode string

const (
	ModeRegex Mode = "regex"
	ModeAI    Mode = "ai"
	ModeNone  Mode = "none"
)

// AIRewriter rewrites markdown using an LLM; implemented by the enrich
// package's provider client so cleanup and enrichment share one AI client.
type AIRewriter interface {
	RewriteMarkdown(ctx context.Context, markdown string) (string, error)
}

var (
	multiBlank   = regexp.MustCompile(`\n{3,}`)
	trailingWS   = regexp.MustCompile(`[ \t]+\n`)
	pageArtifact = regexp.MustCompile(`(?m)^\s*(?:Page\s+\d+\s*(?:of\s+\d+)?|\d+\s*/\s*\d+)\s*$`)
	hyphenBreak  = regexp.MustCompile(`(\w)-\n(\w)`)
	headerFooter = regexp.MustCompile(`(?m)^\s*\[?(?:CONFIDENTIAL|DRAFT|Copyright.*)\]?\s*$`)
)

// Clean applies the requested mode. AI mode falls back to the regex pass
// when no rewriter is configured or the rewrite call fails, since a
// document must never be lost to a transient LLM error at this stage.
func Clean(ctx context.Context, mode Mode, markdown string, ai AIRewriter) (string, error) {
	switch mode {
	case ModeNone:
		return markdown, nil
	case ModeAI:
		if ai != nil {
			if out, err := ai.RewriteMarkdown(ctx, markdown); err == nil && strings.TrimSpace(out) != "" {
				return regexClean(out), nil
			}
		}
		return regexClean(markdown), nil
	case ModeRegex, "":
		return regexClean(markdown), nil
	default:
		return regexClean(markdown), nil
	}
}

// regexClean removes extraction artifacts: repeated page-number lines,
// hyphenated line-wrap breaks, boilerplate headers/footers, and collapses
// excess blank lines, without touching real content.
func regexClean(markdown string) string {
	s := markdown
	s = hyphenBreak.ReplaceAllString(s, "$1$2")
	s = pageArtifact.ReplaceAllString(s, "")
	s = headerFooter.ReplaceAllString(s, "")
	s = trailingWS.ReplaceAllString(s, "\n")
	s = multiBlank.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}
