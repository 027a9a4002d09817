package loader

import (
	"context"
	"fmt"
	"os"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/simplifiedchinese"

	rerrors "github.com/dyd1976jp/rag5-simplified-001/internal/errors"
)

// TextLoader loads .txt files, trying UTF-8, GBK, then Latin-1. The
// first encoding that decodes cleanly wins. GBK is a superset of
// GB2312, so plain GB2312 text decodes on the GBK step.
type TextLoader struct{}

var _ Loader = (*TextLoader)(nil)

func (l *TextLoader) Supports(path string) bool {
	return ext(path) == ".txt"
}

func (l *TextLoader) Load(_ context.Context, path string) ([]Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, rerrors.New(rerrors.ErrCodeFileNotFound,
			fmt.Sprintf("cannot read %s", path), err)
	}

	content, err := decodeText(data)
	if err != nil {
		return nil, rerrors.New(rerrors.ErrCodeEncodingUnknown,
			fmt.Sprintf("cannot decode %s with any supported encoding", path), err)
	}

	if strings.TrimSpace(content) == "" {
		return []Document{}, nil
	}

	return []Document{{Content: content, Metadata: baseMetadata(path)}}, nil
}

// decodeText tries the encoding chain in order.
func decodeText(data []byte) (string, error) {
	if utf8.Valid(data) {
		return string(data), nil
	}

	decoders := []encoding.Encoding{
		simplifiedchinese.GBK,
		charmap.ISO8859_1,
	}
	for _, enc := range decoders {
		decoded, err := enc.NewDecoder().Bytes(data)
		if err != nil {
			continue
		}
		// The decoders substitute U+FFFD instead of failing on bad
		// input; treat substitution as a decode failure.
		if strings.ContainsRune(string(decoded), utf8.RuneError) {
			continue
		}
		return string(decoded), nil
	}

	return "", fmt.Errorf("no supported encoding decodes the input")
}
