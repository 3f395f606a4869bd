package extract

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/ledongthuc/pdf"

	"github.com/toph420/rhizome-worker/internal/store"
)

// PDFExtractor walks a PDF's page/content-stream model directly, grouping
// glyph runs into lines by Y-coordinate proximity and recording each
// page's bounding box — the sidecar contract the bulletproof matcher and
// metadata transfer stage rely on for page_start/page_end/bboxes.
type PDFExtractor struct{}

func (PDFExtractor) Extract(ctx context.Context, raw []byte, filename string) (*Result, error) {
	tmp, err := os.CreateTemp("", "extract-*.pdf")
	if err != nil {
		return nil, fmt.Errorf("pdf temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()
	if _, err := tmp.Write(raw); err != nil {
		return nil, fmt.Errorf("pdf temp write: %w", err)
	}

	f, r, err := pdf.Open(tmp.Name())
	if err != nil {
		return nil, fmt.Errorf("open pdf: %w", err)
	}
	defer f.Close()

	total := r.NumPage()
	var md strings.Builder
	chunks := make([]store.ExtractorChunk, 0, total)

	for pageIndex := 1; pageIndex <= total; pageIndex++ {
		p := r.Page(pageIndex)
		if p.V.IsNull() {
			continue
		}
		content := p.Content()
		lines, bbox := groupLines(content.Text)
		pageText := strings.Join(lines, "\n")
		pageText = strings.TrimSpace(pageText)
		if pageText == "" {
			continue
		}

		md.WriteString(pageText)
		md.WriteString("\n\n")

		chunks = append(chunks, store.ExtractorChunk{
			Index:     len(chunks),
			Text:      pageText,
			PageStart: pageIndex,
			PageEnd:   pageIndex,
			BBoxes:    []store.BBox{bbox},
		})
	}

	return &Result{Markdown: strings.TrimSpace(md.String()), Chunks: chunks}, nil
}

// groupLines reconstructs reading-order lines from a page's raw glyph
// runs and returns the page's overall bounding box.
func groupLines(texts []pdf.Text) ([]string, store.BBox) {
	if len(texts) == 0 {
		return nil, store.BBox{}
	}

	sorted := make([]pdf.Text, len(texts))
	copy(sorted, texts)
	sort.SliceStable(sorted, func(i, j int) bool {
		if abs(sorted[i].Y-sorted[j].Y) > 2 {
			return sorted[i].Y > sorted[j].Y // top-to-bottom
		}
		return sorted[i].X < sorted[j].X // left-to-right within a line
	})

	var lines []string
	var buf bytes.Buffer
	lastY := sorted[0].Y
	minX, minY, maxX, maxY := sorted[0].X, sorted[0].Y, sorted[0].X, sorted[0].Y

	flush := func() {
		s := strings.TrimSpace(buf.String())
		if s != "" {
			lines = append(lines, s)
		}
		buf.Reset()
	}

	for _, t := range sorted {
		if abs(t.Y-lastY) > 2 {
			flush()
			lastY = t.Y
		}
		buf.WriteString(t.S)
		if t.X < minX {
			minX = t.X
		}
		if t.X > maxX {
			maxX = t.X
		}
		if t.Y < minY {
			minY = t.Y
		}
		if t.Y > maxY {
			maxY = t.Y
		}
	}
	flush()

	return lines, store.BBox{X0: minX, Y0: minY, X1: maxX, Y1: maxY}
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
