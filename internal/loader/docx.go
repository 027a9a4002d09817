package loader

import (
	"archive/zip"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"strings"

	rerrors "github.com/dyd1976jp/rag5-simplified-001/internal/errors"
)

// DocxLoader loads .docx files by extracting body text from the
// document part of the OOXML archive. Paragraph breaks are preserved
// as newlines. The whole body becomes a single document.
type DocxLoader struct{}

var _ Loader = (*DocxLoader)(nil)

func (l *DocxLoader) Supports(path string) bool {
	return ext(path) == ".docx"
}

func (l *DocxLoader) Load(_ context.Context, path string) ([]Document, error) {
	archive, err := zip.OpenReader(path)
	if err != nil {
		return nil, rerrors.New(rerrors.ErrCodeFileCorrupt,
			fmt.Sprintf("cannot open docx archive %s", path), err)
	}
	defer func() { _ = archive.Close() }()

	var docPart *zip.File
	for _, f := range archive.File {
		if f.Name == "word/document.xml" {
			docPart = f
			break
		}
	}
	if docPart == nil {
		return nil, rerrors.New(rerrors.ErrCodeFileCorrupt,
			fmt.Sprintf("%s has no word/document.xml part", path), nil)
	}

	rc, err := docPart.Open()
	if err != nil {
		return nil, rerrors.New(rerrors.ErrCodeFileCorrupt,
			fmt.Sprintf("cannot read document part of %s", path), err)
	}
	defer func() { _ = rc.Close() }()

	content, err := extractDocxText(rc)
	if err != nil {
		return nil, rerrors.New(rerrors.ErrCodeFileCorrupt,
			fmt.Sprintf("cannot parse document part of %s", path), err)
	}

	if strings.TrimSpace(content) == "" {
		return []Document{}, nil
	}

	return []Document{{Content: content, Metadata: baseMetadata(path)}}, nil
}

// extractDocxText streams the WordprocessingML tokens, collecting text
// runs (w:t) and emitting newlines at paragraph ends (w:p), tabs for
// w:tab, and newlines for w:br.
func extractDocxText(r io.Reader) (string, error) {
	decoder := xml.NewDecoder(r)
	var sb strings.Builder
	var inText bool

	for {
		tok, err := decoder.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", err
		}

		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "t":
				inText = true
			case "tab":
				sb.WriteByte('\t')
			case "br":
				sb.WriteByte('\n')
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inText = false
			case "p":
				sb.WriteByte('\n')
			}
		case xml.CharData:
			if inText {
				sb.Write(t)
			}
		}
	}

	return sb.String(), nil
}
