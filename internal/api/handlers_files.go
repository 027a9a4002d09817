package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	rerrors "github.com/dyd1976jp/rag5-simplified-001/internal/errors"
	"github.com/dyd1976jp/rag5-simplified-001/internal/kbstore"
)

// maxMultipartMemory bounds the in-memory part of multipart parsing;
// larger files spill to disk.
const maxMultipartMemory = 32 << 20

// ingestTimeout bounds one background ingestion.
const ingestTimeout = 30 * time.Minute

// handleUploadFile accepts a multipart upload of one or more "file"
// parts, registers each, and starts ingestion. Ingestion runs in the
// background unless ?wait=true; clients poll the file status endpoint
// for progress. The response is the list of file records in part order.
func (s *Server) handleUploadFile(w http.ResponseWriter, r *http.Request) {
	kbID := chi.URLParam(r, "kbID")

	if err := r.ParseMultipartForm(maxMultipartMemory); err != nil {
		writeError(w, rerrors.Validation("invalid multipart form", err))
		return
	}
	parts := r.MultipartForm.File["file"]
	if len(parts) == 0 {
		writeError(w, rerrors.Validation("multipart form must carry a \"file\" part", nil))
		return
	}

	wait := r.URL.Query().Get("wait") == "true"
	files := make([]*kbstore.FileEntity, 0, len(parts))
	for _, header := range parts {
		upload, err := header.Open()
		if err != nil {
			writeError(w, rerrors.Validation("cannot read multipart file part", err))
			return
		}
		file, err := s.manager.UploadFile(r.Context(), kbID, header.Filename, upload)
		_ = upload.Close()
		if err != nil {
			writeError(w, err)
			return
		}

		if wait {
			// Synchronous mode: the record ends up succeeded or failed;
			// either way it is reported, not fatal to sibling parts.
			_, _ = s.manager.IngestFile(r.Context(), kbID, file.ID)
			if done, gerr := s.manager.GetFile(r.Context(), kbID, file.ID); gerr == nil {
				file = done
			}
		} else {
			go s.ingestInBackground(kbID, file.ID)
		}
		files = append(files, file)
	}

	status := http.StatusAccepted
	if wait {
		status = http.StatusCreated
	}
	writeJSON(w, status, files)
}

func (s *Server) ingestInBackground(kbID, fileID string) {
	ctx, cancel := context.WithTimeout(context.Background(), ingestTimeout)
	defer cancel()
	if _, err := s.manager.IngestFile(ctx, kbID, fileID); err != nil {
		s.log.Error("background ingestion failed",
			"kb_id", kbID, "file_id", fileID, "error", err)
	}
}

func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	page, size := pagination(r)
	nameQuery := r.URL.Query().Get("query")
	if nameQuery == "" {
		nameQuery = r.URL.Query().Get("name")
	}
	filter := kbstore.FileFilter{
		Status:    kbstore.FileStatus(r.URL.Query().Get("status")),
		NameQuery: nameQuery,
	}

	files, total, err := s.manager.ListFiles(r.Context(), chi.URLParam(r, "kbID"), filter, page, size)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newListResponse(files, total, page, size))
}

func (s *Server) handleGetFile(w http.ResponseWriter, r *http.Request) {
	file, err := s.manager.GetFile(r.Context(), chi.URLParam(r, "kbID"), chi.URLParam(r, "fileID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, file)
}

func (s *Server) handleDeleteFile(w http.ResponseWriter, r *http.Request) {
	err := s.manager.DeleteFile(r.Context(), chi.URLParam(r, "kbID"), chi.URLParam(r, "fileID"))
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCancelFile(w http.ResponseWriter, r *http.Request) {
	kbID, fileID := chi.URLParam(r, "kbID"), chi.URLParam(r, "fileID")
	if err := s.manager.CancelFile(r.Context(), kbID, fileID); err != nil {
		writeError(w, err)
		return
	}
	file, err := s.manager.GetFile(r.Context(), kbID, fileID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, file)
}
