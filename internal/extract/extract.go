// Package extract turns a raw source file into canonical markdown plus
// structural extractor chunks (page numbers, bounding boxes, heading
// paths) that downstream stages reconcile against semantic chunks via the
// bulletproof matcher.
package extract

import (
	"context"
	"fmt"
	"strings"

	"github.com/toph420/rhizome-worker/internal/store"
)

// Result is a source extractor's output: the canonical markdown the rest
// of the pipeline operates on, plus the structural chunks used for
// position/metadata reconciliation.
type Result struct {
	Title    string
	Markdown string
	Chunks   []store.ExtractorChunk
}

// Extractor converts a raw source document into a Result.
type Extractor interface {
	Extract(ctx context.Context, raw []byte, filename string) (*Result, error)
}

// ForSourceType resolves the extractor for a document's source_type.
func ForSourceType(sourceType string) (Extractor, error) {
	switch strings.ToLower(sourceType) {
	case "pdf":
		return PDFExtractor{}, nil
	case "html", "url":
		return HTMLExtractor{}, nil
	case "epub":
		return EPUBExtractor{}, nil
	case "txt", "text", "transcript", "markdown", "md":
		return TxtExtractor{}, nil
	default:
		return nil, fmt.Errorf("extract: unsupported source type %q", sourceType)
	}
}
