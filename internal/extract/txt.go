package extract

import (
	"context"
	"strings"

	"github.com/toph420/rhizome-worker/internal/store"
)

// TxtExtractor passes plain text and transcript sources through with
// whitespace normalization only — no structure to recover, no
// readability pass, no conversion.
type TxtExtractor struct{}

func (TxtExtractor) Extract(ctx context.Context, raw []byte, filename string) (*Result, error) {
	text := normalizeWhitespace(string(raw))
	return &Result{
		Markdown: text,
		Chunks: []store.ExtractorChunk{{
			Index: 0,
			Text:  text,
		}},
	}, nil
}

// normalizeWhitespace collapses CRLF, trims trailing line whitespace, and
// caps runs of blank lines at one — the same normalization the cleanup
// stage performs, applied here so txt/transcript sources already look
// like the other extractors' output before cleanup even runs.
func normalizeWhitespace(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	lines := strings.Split(s, "\n")
	var out []string
	blank := false
	for _, l := range lines {
		trimmed := strings.TrimRight(l, " \t")
		if strings.TrimSpace(trimmed) == "" {
			if blank {
				continue
			}
			blank = true
		} else {
			blank = false
		}
		out = append(out, trimmed)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}
