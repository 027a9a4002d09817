package loader

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"

	rerrors "github.com/dyd1976jp/rag5-simplified-001/internal/errors"
)

// MarkdownLoader loads .md files as one document per top-level section.
// Sections are delimited by headings; a file without headings becomes a
// single document. Parse failures fall back to plain text.
type MarkdownLoader struct{}

var _ Loader = (*MarkdownLoader)(nil)

func (l *MarkdownLoader) Supports(path string) bool {
	e := ext(path)
	return e == ".md" || e == ".markdown"
}

func (l *MarkdownLoader) Load(_ context.Context, path string) ([]Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, rerrors.New(rerrors.ErrCodeFileNotFound,
			fmt.Sprintf("cannot read %s", path), err)
	}

	docs, err := splitSections(data, path)
	if err != nil {
		// Malformed markdown still has readable text
		content := strings.TrimSpace(string(data))
		if content == "" {
			return []Document{}, nil
		}
		return []Document{{Content: content, Metadata: baseMetadata(path)}}, nil
	}
	return docs, nil
}

// section accumulates text under one heading.
type section struct {
	heading string
	body    strings.Builder
}

// splitSections parses the markdown AST and groups block text by the
// heading it falls under.
func splitSections(data []byte, path string) ([]Document, error) {
	md := goldmark.New()
	reader := text.NewReader(data)
	root := md.Parser().Parse(reader)

	sections := []*section{{}}
	current := func() *section { return sections[len(sections)-1] }

	err := ast.Walk(root, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}

		switch node := n.(type) {
		case *ast.Heading:
			heading := string(nodeText(node, data))
			sections = append(sections, &section{heading: heading})
			current().body.WriteString(heading)
			current().body.WriteString("\n")
			return ast.WalkSkipChildren, nil

		case *ast.Paragraph, *ast.Blockquote, *ast.ListItem:
			current().body.WriteString(string(nodeText(n, data)))
			current().body.WriteString("\n")
			return ast.WalkSkipChildren, nil

		case *ast.FencedCodeBlock:
			lines := node.Lines()
			for i := 0; i < lines.Len(); i++ {
				seg := lines.At(i)
				current().body.Write(seg.Value(data))
			}
			current().body.WriteString("\n")
			return ast.WalkSkipChildren, nil

		case *ast.CodeBlock:
			lines := node.Lines()
			for i := 0; i < lines.Len(); i++ {
				seg := lines.At(i)
				current().body.Write(seg.Value(data))
			}
			current().body.WriteString("\n")
			return ast.WalkSkipChildren, nil
		}

		return ast.WalkContinue, nil
	})
	if err != nil {
		return nil, err
	}

	var docs []Document
	for _, s := range sections {
		content := strings.TrimSpace(s.body.String())
		if content == "" {
			continue
		}
		meta := baseMetadata(path)
		if s.heading != "" {
			meta["section"] = s.heading
		}
		docs = append(docs, Document{Content: content, Metadata: meta})
	}
	if docs == nil {
		docs = []Document{}
	}
	return docs, nil
}

// nodeText collects the raw text of all text descendants of n.
func nodeText(n ast.Node, data []byte) []byte {
	var out []byte
	_ = ast.Walk(n, func(child ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		if t, ok := child.(*ast.Text); ok {
			out = append(out, t.Segment.Value(data)...)
			if t.SoftLineBreak() || t.HardLineBreak() {
				out = append(out, '\n')
			}
		}
		return ast.WalkContinue, nil
	})
	return out
}
