package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/dyd1976jp/rag5-simplified-001/internal/chunk"
	"github.com/dyd1976jp/rag5-simplified-001/internal/kb"
	"github.com/dyd1976jp/rag5-simplified-001/internal/kbstore"
)

type createKBRequest struct {
	Name            string                   `json:"name"`
	Description     string                   `json:"description"`
	ChunkConfig     *chunk.Config            `json:"chunk_config,omitempty"`
	RetrievalConfig *kbstore.RetrievalConfig `json:"retrieval_config,omitempty"`
}

func (s *Server) handleCreateKB(w http.ResponseWriter, r *http.Request) {
	var req createKBRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	created, err := s.manager.Create(r.Context(), kb.CreateRequest{
		Name:            req.Name,
		Description:     req.Description,
		ChunkConfig:     req.ChunkConfig,
		RetrievalConfig: req.RetrievalConfig,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

type listResponse struct {
	Items    any `json:"items"`
	Total    int `json:"total"`
	Pages    int `json:"pages"`
	Page     int `json:"page"`
	PageSize int `json:"page_size"`
}

func newListResponse(items any, total, page, size int) listResponse {
	pages := (total + size - 1) / size
	return listResponse{Items: items, Total: total, Pages: pages, Page: page, PageSize: size}
}

func (s *Server) handleListKBs(w http.ResponseWriter, r *http.Request) {
	page, size := pagination(r)
	kbs, total, err := s.manager.List(r.Context(), page, size)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newListResponse(kbs, total, page, size))
}

func (s *Server) handleGetKB(w http.ResponseWriter, r *http.Request) {
	record, err := s.manager.Get(r.Context(), chi.URLParam(r, "kbID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

type updateKBRequest struct {
	Description        *string                  `json:"description,omitempty"`
	ChunkConfig        *chunk.Config            `json:"chunk_config,omitempty"`
	RetrievalConfig    *kbstore.RetrievalConfig `json:"retrieval_config,omitempty"`
	EmbeddingModel     *string                  `json:"embedding_model,omitempty"`
	EmbeddingDimension *int                     `json:"embedding_dimension,omitempty"`
}

func (s *Server) handleUpdateKB(w http.ResponseWriter, r *http.Request) {
	var req updateKBRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	updated, err := s.manager.Update(r.Context(), chi.URLParam(r, "kbID"), kb.UpdateRequest{
		Description:        req.Description,
		ChunkConfig:        req.ChunkConfig,
		RetrievalConfig:    req.RetrievalConfig,
		EmbeddingModel:     req.EmbeddingModel,
		EmbeddingDimension: req.EmbeddingDimension,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDeleteKB(w http.ResponseWriter, r *http.Request) {
	kbID := chi.URLParam(r, "kbID")
	if err := s.manager.Delete(r.Context(), kbID); err != nil {
		writeError(w, err)
		return
	}
	s.forgetAgent(kbID)
	w.WriteHeader(http.StatusNoContent)
}

// pagination parses page and size query params, 1-based with sane
// bounds. Both "size" and "page_size" are accepted.
func pagination(r *http.Request) (page, size int) {
	page, size = 1, 20
	if v, err := strconv.Atoi(r.URL.Query().Get("page")); err == nil && v > 0 {
		page = v
	}
	raw := r.URL.Query().Get("size")
	if raw == "" {
		raw = r.URL.Query().Get("page_size")
	}
	if v, err := strconv.Atoi(raw); err == nil && v > 0 && v <= 100 {
		size = v
	}
	return page, size
}
