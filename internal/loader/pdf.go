package loader

import (
	"context"
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"

	rerrors "github.com/dyd1976jp/rag5-simplified-001/internal/errors"
)

// PDFLoader loads .pdf files as one document per page.
// Page metadata is 1-based.
type PDFLoader struct{}

var _ Loader = (*PDFLoader)(nil)

func (l *PDFLoader) Supports(path string) bool {
	return ext(path) == ".pdf"
}

func (l *PDFLoader) Load(ctx context.Context, path string) ([]Document, error) {
	f, reader, err := pdf.Open(path)
	if err != nil {
		return nil, rerrors.New(rerrors.ErrCodeFileCorrupt,
			fmt.Sprintf("cannot open PDF %s", path), err)
	}
	defer func() { _ = f.Close() }()

	var docs []Document
	total := reader.NumPage()
	for pageNum := 1; pageNum <= total; pageNum++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		page := reader.Page(pageNum)
		if page.V.IsNull() {
			continue
		}

		text, err := page.GetPlainText(nil)
		if err != nil {
			// A single unreadable page should not discard the rest
			continue
		}
		if strings.TrimSpace(text) == "" {
			continue
		}

		meta := baseMetadata(path)
		meta["page"] = pageNum
		docs = append(docs, Document{Content: text, Metadata: meta})
	}

	if docs == nil {
		docs = []Document{}
	}
	return docs, nil
}
