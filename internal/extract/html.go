package extract

import (
	"context"
	"net/url"
	"strings"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	readability "github.com/go-shiori/go-readability"

	"github.com/toph420/rhizome-worker/internal/store"
)

// HTMLExtractor pulls the main article out of an HTML document with
// go-readability, then converts it to markdown, the same cascade the
// teacher's web fetcher uses for link-sourced content.
type HTMLExtractor struct {
	// BaseURL anchors relative links/images during readability parsing.
	// Optional; resolved headings still work without it.
	BaseURL string
}

func (h HTMLExtractor) Extract(ctx context.Context, raw []byte, filename string) (*Result, error) {
	html := string(raw)

	var base *url.URL
	if h.BaseURL != "" {
		base, _ = url.Parse(h.BaseURL)
	}

	articleHTML := html
	title := ""
	if art, err := readability.FromReader(strings.NewReader(html), base); err == nil && strings.TrimSpace(art.Content) != "" {
		articleHTML = art.Content
		title = strings.TrimSpace(art.Title)
	}

	var md string
	var err error
	if base != nil {
		md, err = htmltomarkdown.ConvertString(articleHTML, converter.WithDomain(base.Scheme+"://"+base.Host))
	} else {
		md, err = htmltomarkdown.ConvertString(articleHTML)
	}
	if err != nil {
		return nil, err
	}
	md = strings.TrimSpace(md)
	if title != "" && !strings.HasPrefix(md, "# ") {
		md = "# " + title + "\n\n" + md
	}

	return &Result{
		Title:    title,
		Markdown: md,
		Chunks:   headingChunks(md),
	}, nil
}

// headingChunks splits markdown on ATX headings to give the matcher and
// metadata-transfer stages a heading_path/section_marker to work with,
// since HTML sources carry no page numbers.
func headingChunks(md string) []store.ExtractorChunk {
	lines := strings.Split(md, "\n")
	var chunks []store.ExtractorChunk
	var path []string
	var buf strings.Builder
	idx := 0

	flush := func(marker string) {
		text := strings.TrimSpace(buf.String())
		if text == "" {
			return
		}
		chunks = append(chunks, store.ExtractorChunk{
			Index:         idx,
			Text:          text,
			HeadingPath:   append([]string(nil), path...),
			HeadingLevel:  len(path),
			SectionMarker: marker,
		})
		idx++
		buf.Reset()
	}

	for _, line := range lines {
		trimmed := strings.TrimLeft(line, "#")
		level := len(line) - len(trimmed)
		if level > 0 && level <= 6 && strings.HasPrefix(line, strings.Repeat("#", level)+" ") {
			heading := strings.TrimSpace(trimmed)
			flush(heading)
			if level <= len(path) {
				path = path[:level-1]
			}
			path = append(path, heading)
			continue
		}
		buf.WriteString(line)
		buf.WriteString("\n")
	}
	flush("")
	if len(chunks) == 0 {
		chunks = append(chunks, store.ExtractorChunk{Index: 0, Text: md})
	}
	return chunks
}
