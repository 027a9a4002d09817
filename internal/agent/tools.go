package agent

import (
	"context"
	"fmt"
	"strings"

	rerrors "github.com/dyd1976jp/rag5-simplified-001/internal/errors"
	"github.com/dyd1976jp/rag5-simplified-001/internal/kb"
	"github.com/dyd1976jp/rag5-simplified-001/internal/search"
)

// Tool is one capability the agent can offer the model.
type Tool interface {
	// Name is the function name the model calls.
	Name() string
	// Definition is the schema advertised in the chat request.
	Definition() ToolDef
	// Execute runs the tool and returns text for the model.
	Execute(ctx context.Context, args map[string]any) (string, error)
}

// Registry is the agent's static tool set, fixed at construction.
type Registry struct {
	tools map[string]Tool
	order []string
}

// NewRegistry builds a registry from the given tools.
func NewRegistry(tools ...Tool) *Registry {
	r := &Registry{tools: make(map[string]Tool, len(tools))}
	for _, t := range tools {
		if _, dup := r.tools[t.Name()]; dup {
			continue
		}
		r.tools[t.Name()] = t
		r.order = append(r.order, t.Name())
	}
	return r
}

// Get looks a tool up by name.
func (r *Registry) Get(name string) (Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// Definitions returns the tool schemas in registration order.
func (r *Registry) Definitions() []ToolDef {
	defs := make([]ToolDef, 0, len(r.order))
	for _, name := range r.order {
		defs = append(defs, r.tools[name].Definition())
	}
	return defs
}

// SearchToolName is the retrieval tool's function name.
const SearchToolName = "search_knowledge_base"

// SearchTool retrieves chunks from one bound knowledge base.
type SearchTool struct {
	manager *kb.Manager
	kbID    string
	kbName  string
}

var _ Tool = (*SearchTool)(nil)

// NewSearchTool binds the retrieval tool to a knowledge base.
func NewSearchTool(manager *kb.Manager, kbID, kbName string) *SearchTool {
	return &SearchTool{manager: manager, kbID: kbID, kbName: kbName}
}

func (t *SearchTool) Name() string { return SearchToolName }

func (t *SearchTool) Definition() ToolDef {
	return ToolDef{
		Type: "function",
		Function: ToolFunction{
			Name: SearchToolName,
			Description: fmt.Sprintf(
				"Search the %q knowledge base for passages relevant to a query. "+
					"Use this whenever the user asks about its contents.", t.kbName),
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query": map[string]any{
						"type":        "string",
						"description": "The search query, in the user's language.",
					},
				},
				"required": []string{"query"},
			},
		},
	}
}

// Execute runs the retrieval and formats the hits as numbered passages
// the model can cite.
func (t *SearchTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	query, _ := args["query"].(string)
	query = strings.TrimSpace(query)
	if query == "" {
		return "", rerrors.New(rerrors.ErrCodeQueryEmpty, "search_knowledge_base requires a query argument", nil)
	}

	results, err := t.manager.Query(ctx, t.kbID, query, nil)
	if err != nil {
		return "", err
	}
	return FormatResults(results), nil
}

// FormatResults renders retrieval results for the model. An empty
// result set is stated explicitly so the model does not invent
// passages.
func FormatResults(results []search.Result) string {
	if len(results) == 0 {
		return "No relevant passages were found in the knowledge base for this query."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Found %d relevant passages:\n", len(results))
	for i, r := range results {
		fmt.Fprintf(&b, "\n[%d] (source: %s, score: %.3f)\n%s\n", i+1, r.Source, r.Score, r.Content)
	}
	return b.String()
}
