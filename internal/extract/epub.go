package extract

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"strings"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"

	"github.com/toph420/rhizome-worker/internal/store"
)

// EPUBExtractor reads an EPUB's OPF spine in declared reading order and
// converts each XHTML document to markdown, same converter the HTML path
// uses, concatenated into one canonical document.
type EPUBExtractor struct{}

type opfPackage struct {
	Manifest struct {
		Items []struct {
			ID   string `xml:"id,attr"`
			Href string `xml:"href,attr"`
		} `xml:"item"`
	} `xml:"manifest"`
	Spine struct {
		ItemRefs []struct {
			IDRef string `xml:"idref,attr"`
		} `xml:"itemref"`
	} `xml:"spine"`
}

type containerXML struct {
	RootFiles struct {
		RootFile []struct {
			FullPath string `xml:"full-path,attr"`
		} `xml:"rootfile"`
	} `xml:"rootfiles"`
}

func (EPUBExtractor) Extract(ctx context.Context, raw []byte, filename string) (*Result, error) {
	zr, err := zip.NewReader(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		return nil, fmt.Errorf("open epub: %w", err)
	}

	containerData, err := readZipFile(zr, "META-INF/container.xml")
	if err != nil {
		return nil, fmt.Errorf("read container.xml: %w", err)
	}
	var container containerXML
	if err := xml.Unmarshal(containerData, &container); err != nil {
		return nil, fmt.Errorf("parse container.xml: %w", err)
	}
	if len(container.RootFiles.RootFile) == 0 {
		return nil, fmt.Errorf("epub: no rootfile declared")
	}
	opfPath := container.RootFiles.RootFile[0].FullPath

	opfData, err := readZipFile(zr, opfPath)
	if err != nil {
		return nil, fmt.Errorf("read opf: %w", err)
	}
	var pkg opfPackage
	if err := xml.Unmarshal(opfData, &pkg); err != nil {
		return nil, fmt.Errorf("parse opf: %w", err)
	}

	hrefByID := map[string]string{}
	for _, item := range pkg.Manifest.Items {
		hrefByID[item.ID] = item.Href
	}

	base := opfPath[:strings.LastIndex(opfPath, "/")+1]

	var md strings.Builder
	var chunks []store.ExtractorChunk
	idx := 0
	for spinePos, ref := range pkg.Spine.ItemRefs {
		href, ok := hrefByID[ref.IDRef]
		if !ok {
			continue
		}
		data, err := readZipFile(zr, base+href)
		if err != nil {
			continue
		}
		converted, err := htmltomarkdown.ConvertString(string(data))
		if err != nil {
			continue
		}
		converted = strings.TrimSpace(converted)
		if converted == "" {
			continue
		}
		md.WriteString(converted)
		md.WriteString("\n\n")
		chunks = append(chunks, store.ExtractorChunk{
			Index:         idx,
			Text:          converted,
			SectionMarker: href,
			PageStart:     spinePos + 1,
			PageEnd:       spinePos + 1,
		})
		idx++
	}

	return &Result{Markdown: strings.TrimSpace(md.String()), Chunks: chunks}, nil
}

func readZipFile(zr *zip.Reader, name string) ([]byte, error) {
	for _, f := range zr.File {
		if f.Name == name || strings.TrimPrefix(f.Name, "/") == strings.TrimPrefix(name, "/") {
			rc, err := f.Open()
			if err != nil {
				return nil, err
			}
			defer rc.Close()
			return io.ReadAll(rc)
		}
	}
	return nil, fmt.Errorf("epub: member %q not found", name)
}
