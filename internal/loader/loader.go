// Package loader turns files into ordered document sequences.
//
// Loaders are a flat set of implementations dispatched by iteration over
// Supports; there is no loader hierarchy. Every loaded document carries
// a "source" metadata key with the originating path.
package loader

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	rerrors "github.com/dyd1976jp/rag5-simplified-001/internal/errors"
)

// Document is one unit of loaded text with its source metadata.
type Document struct {
	Content  string
	Metadata map[string]any
}

// Loader loads documents from one file format.
type Loader interface {
	// Supports reports whether this loader handles the given path.
	Supports(path string) bool

	// Load produces the ordered documents for the file.
	Load(ctx context.Context, path string) ([]Document, error)
}

// DefaultMaxFileSize is the size limit applied to every file.
const DefaultMaxFileSize = 100 * 1024 * 1024

// Registry dispatches files to the first loader that supports them.
type Registry struct {
	loaders     []Loader
	maxFileSize int64
}

// NewRegistry creates a registry with the required loaders registered.
// maxFileSize <= 0 uses DefaultMaxFileSize.
func NewRegistry(maxFileSize int64) *Registry {
	if maxFileSize <= 0 {
		maxFileSize = DefaultMaxFileSize
	}
	return &Registry{
		loaders: []Loader{
			&TextLoader{},
			&MarkdownLoader{},
			&PDFLoader{},
			&DocxLoader{},
		},
		maxFileSize: maxFileSize,
	}
}

// Supports reports whether any registered loader handles the path.
func (r *Registry) Supports(path string) bool {
	for _, l := range r.loaders {
		if l.Supports(path) {
			return true
		}
	}
	return false
}

// Load dispatches the file to its loader after checking existence and
// the size limit.
func (r *Registry) Load(ctx context.Context, path string) ([]Document, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, rerrors.New(rerrors.ErrCodeFileNotFound,
				fmt.Sprintf("file not found: %s", path), err)
		}
		return nil, rerrors.New(rerrors.ErrCodeFileNotFound,
			fmt.Sprintf("cannot stat file: %s", path), err)
	}
	if info.Size() > r.maxFileSize {
		return nil, rerrors.New(rerrors.ErrCodeFileTooLarge,
			fmt.Sprintf("file %s is %d bytes, limit is %d", path, info.Size(), r.maxFileSize), nil)
	}

	for _, l := range r.loaders {
		if l.Supports(path) {
			return l.Load(ctx, path)
		}
	}

	return nil, rerrors.Loader(
		fmt.Sprintf("unsupported file format: %s", filepath.Ext(path)), nil)
}

// ext returns the lowercased file extension.
func ext(path string) string {
	return strings.ToLower(filepath.Ext(path))
}

// baseMetadata builds the metadata every document starts from.
func baseMetadata(path string) map[string]any {
	return map[string]any{"source": path}
}
