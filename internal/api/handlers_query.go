package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/dyd1976jp/rag5-simplified-001/internal/agent"
	rerrors "github.com/dyd1976jp/rag5-simplified-001/internal/errors"
	"github.com/dyd1976jp/rag5-simplified-001/internal/kb"
	"github.com/dyd1976jp/rag5-simplified-001/internal/kbstore"
	"github.com/dyd1976jp/rag5-simplified-001/internal/search"
)

type queryRequest struct {
	Query               string                 `json:"query"`
	Mode                *kbstore.RetrievalMode `json:"mode,omitempty"`
	TopK                *int                   `json:"top_k,omitempty"`
	SimilarityThreshold *float64               `json:"similarity_threshold,omitempty"`
	VectorWeight        *float64               `json:"vector_weight,omitempty"`
	KeywordWeight       *float64               `json:"keyword_weight,omitempty"`
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	results, err := s.manager.Query(r.Context(), chi.URLParam(r, "kbID"), req.Query, &kb.QueryOptions{
		Mode:                req.Mode,
		TopK:                req.TopK,
		SimilarityThreshold: req.SimilarityThreshold,
		VectorWeight:        req.VectorWeight,
		KeywordWeight:       req.KeywordWeight,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	if results == nil {
		results = []search.Result{}
	}
	writeJSON(w, http.StatusOK, results)
}

type chatRequest struct {
	Message   string `json:"message"`
	SessionID string `json:"session_id,omitempty"`
}

type chatResponse struct {
	Answer    string `json:"answer"`
	SessionID string `json:"session_id"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if s.llm == nil {
		writeError(w, rerrors.New(rerrors.ErrCodeServiceUnavailable, "chat is not configured", nil))
		return
	}

	var req chatRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}

	a, err := s.agentFor(r.Context(), chi.URLParam(r, "kbID"))
	if err != nil {
		writeError(w, err)
		return
	}

	answer, err := a.Chat(r.Context(), req.SessionID, req.Message)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, chatResponse{Answer: answer, SessionID: req.SessionID})
}

// topChatRequest is the session-less chat surface: the caller supplies
// the conversation history and optionally the knowledge base to search.
type topChatRequest struct {
	Query     string          `json:"query"`
	History   []agent.Message `json:"history,omitempty"`
	KBID      string          `json:"kb_id,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
}

func (s *Server) handleChatTopLevel(w http.ResponseWriter, r *http.Request) {
	if s.llm == nil {
		writeError(w, rerrors.New(rerrors.ErrCodeServiceUnavailable, "chat is not configured", nil))
		return
	}

	var req topChatRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}

	var a *agent.Agent
	if req.KBID != "" {
		var err error
		if a, err = s.agentFor(r.Context(), req.KBID); err != nil {
			writeError(w, err)
			return
		}
	} else {
		a = s.plainAgent()
	}

	answer, err := a.ChatWithHistory(r.Context(), req.SessionID, req.Query, req.History)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, chatResponse{Answer: answer, SessionID: req.SessionID})
}

type healthComponents struct {
	LLM         bool `json:"llm"`
	VectorStore bool `json:"vectorstore"`
	Embedding   bool `json:"embedding"`
}

type healthResponse struct {
	Status     string           `json:"status"`
	Components healthComponents `json:"components"`
}

// handleHealth probes the vector store, the embedding service, and the
// chat LLM. A degraded dependency turns the overall status to
// "degraded" with 503.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	vectorOK, embedOK := s.manager.Healthy(r.Context())
	llmOK := s.llm != nil && s.llm.Available(r.Context())
	resp := healthResponse{
		Status:     "ok",
		Components: healthComponents{LLM: llmOK, VectorStore: vectorOK, Embedding: embedOK},
	}
	status := http.StatusOK
	if !vectorOK || !embedOK || !llmOK {
		resp.Status = "degraded"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}
