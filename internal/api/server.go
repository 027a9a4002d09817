// Package api exposes the REST surface: knowledge-base CRUD, file
// upload and lifecycle, retrieval queries, agent chat, and health.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/dyd1976jp/rag5-simplified-001/internal/agent"
	"github.com/dyd1976jp/rag5-simplified-001/internal/flowlog"
	"github.com/dyd1976jp/rag5-simplified-001/internal/kb"
)

// Server wires the HTTP handlers to the knowledge-base manager and the
// chat stack.
type Server struct {
	manager *kb.Manager
	llm     *agent.OllamaChat
	flow    *flowlog.Logger
	log     *slog.Logger

	mu     sync.Mutex
	agents map[string]*agent.Agent
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *Server) { s.log = log }
}

// NewServer builds the server. llm may be nil when chat is not wired;
// the chat endpoint then answers 503.
func NewServer(manager *kb.Manager, llm *agent.OllamaChat, flow *flowlog.Logger, opts ...Option) *Server {
	s := &Server{
		manager: manager,
		llm:     llm,
		flow:    flow,
		log:     slog.Default(),
		agents:  make(map[string]*agent.Agent),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router assembles the chi route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(120 * time.Second))

	r.Get("/health", s.handleHealth)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Post("/chat", s.handleChatTopLevel)

		r.Route("/knowledge-bases", func(r chi.Router) {
			r.Post("/", s.handleCreateKB)
			r.Get("/", s.handleListKBs)

			r.Route("/{kbID}", func(r chi.Router) {
				r.Get("/", s.handleGetKB)
				r.Put("/", s.handleUpdateKB)
				r.Patch("/", s.handleUpdateKB)
				r.Delete("/", s.handleDeleteKB)

				r.Post("/query", s.handleQuery)
				r.Post("/chat", s.handleChat)

				r.Route("/files", func(r chi.Router) {
					r.Post("/", s.handleUploadFile)
					r.Get("/", s.handleListFiles)
					r.Get("/{fileID}", s.handleGetFile)
					r.Delete("/{fileID}", s.handleDeleteFile)
					r.Post("/{fileID}/cancel", s.handleCancelFile)
				})
			})
		})
	})
	return r
}

// agentFor returns the cached agent bound to a KB, creating it on
// first use.
func (s *Server) agentFor(ctx context.Context, kbID string) (*agent.Agent, error) {
	s.mu.Lock()
	if a, ok := s.agents[kbID]; ok {
		s.mu.Unlock()
		return a, nil
	}
	s.mu.Unlock()

	record, err := s.manager.Get(ctx, kbID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.agents[kbID]; ok {
		return a, nil
	}
	tools := agent.NewRegistry(agent.NewSearchTool(s.manager, record.ID, record.Name))
	a := agent.NewAgent(s.llm, tools, s.flow, record.Name, record.Description,
		agent.WithLogger(s.log))
	s.agents[kbID] = a
	return a, nil
}

// plainAgent returns the tool-less agent used when chat arrives with no
// knowledge base attached.
func (s *Server) plainAgent() *agent.Agent {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.agents[""]; ok {
		return a
	}
	a := agent.NewAgent(s.llm, agent.NewRegistry(), s.flow, "", "",
		agent.WithLogger(s.log))
	s.agents[""] = a
	return a
}

// forgetAgent drops a KB's cached agent, e.g. after the KB is deleted.
func (s *Server) forgetAgent(kbID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.agents, kbID)
}
