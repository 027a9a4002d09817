package kbstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver

	"github.com/dyd1976jp/rag5-simplified-001/internal/chunk"
	rerrors "github.com/dyd1976jp/rag5-simplified-001/internal/errors"
)

// Store is the SQLite-backed metadata store.
type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS knowledge_bases (
	id                  TEXT PRIMARY KEY,
	name                TEXT NOT NULL UNIQUE,
	description         TEXT NOT NULL DEFAULT '',
	embedding_model     TEXT NOT NULL,
	embedding_dimension INTEGER NOT NULL,
	collection_name     TEXT NOT NULL,
	chunk_config        TEXT NOT NULL,
	retrieval_config    TEXT NOT NULL,
	document_count      INTEGER NOT NULL DEFAULT 0,
	chunk_count         INTEGER NOT NULL DEFAULT 0,
	created_at          TIMESTAMP NOT NULL,
	updated_at          TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS files (
	id            TEXT PRIMARY KEY,
	kb_id         TEXT NOT NULL REFERENCES knowledge_bases(id) ON DELETE CASCADE,
	file_name     TEXT NOT NULL,
	file_path     TEXT NOT NULL,
	file_size     INTEGER NOT NULL DEFAULT 0,
	content_type  TEXT NOT NULL DEFAULT '',
	file_md5      TEXT NOT NULL DEFAULT '',
	status        TEXT NOT NULL,
	chunk_count   INTEGER NOT NULL DEFAULT 0,
	failed_reason TEXT NOT NULL DEFAULT '',
	created_at    TIMESTAMP NOT NULL,
	updated_at    TIMESTAMP NOT NULL,
	UNIQUE(kb_id, file_name)
);

CREATE INDEX IF NOT EXISTS idx_files_kb_id ON files(kb_id);
CREATE INDEX IF NOT EXISTS idx_files_status ON files(status);
CREATE INDEX IF NOT EXISTS idx_kb_created_at ON knowledge_bases(created_at);
`

// Open opens (or creates) the metadata database at path.
// Use ":memory:" for an in-memory store in tests.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	if path == ":memory:" {
		dsn = "file::memory:?_pragma=foreign_keys(1)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open metadata db: %w", err)
	}

	// modernc.org/sqlite serializes writers; a single connection avoids
	// SQLITE_BUSY under concurrent request handlers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateKB inserts a new knowledge base record.
// A duplicate name fails with a conflict error.
func (s *Store) CreateKB(ctx context.Context, kb *KnowledgeBase) error {
	chunkJSON, err := json.Marshal(kb.ChunkConfig)
	if err != nil {
		return fmt.Errorf("failed to marshal chunk config: %w", err)
	}
	retrievalJSON, err := json.Marshal(kb.RetrievalConfig)
	if err != nil {
		return fmt.Errorf("failed to marshal retrieval config: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO knowledge_bases
			(id, name, description, embedding_model, embedding_dimension,
			 collection_name, chunk_config, retrieval_config,
			 document_count, chunk_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		kb.ID, kb.Name, kb.Description, kb.EmbeddingModel, kb.EmbeddingDimension,
		kb.CollectionName, string(chunkJSON), string(retrievalJSON),
		kb.DocumentCount, kb.ChunkCount, kb.CreatedAt.UTC(), kb.UpdatedAt.UTC())
	if err != nil {
		if isUniqueViolation(err) {
			return rerrors.Conflict(fmt.Sprintf("knowledge base name %q already exists", kb.Name), err)
		}
		return fmt.Errorf("failed to insert knowledge base: %w", err)
	}
	return nil
}

// GetKB fetches a knowledge base by id.
func (s *Store) GetKB(ctx context.Context, id string) (*KnowledgeBase, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, description, embedding_model, embedding_dimension,
		       collection_name, chunk_config, retrieval_config,
		       document_count, chunk_count, created_at, updated_at
		FROM knowledge_bases WHERE id = ?`, id)

	kb, err := scanKB(row)
	if err == sql.ErrNoRows {
		return nil, rerrors.NotFound(fmt.Sprintf("knowledge base %s not found", id), nil)
	}
	return kb, err
}

// GetKBByName fetches a knowledge base by its unique name.
func (s *Store) GetKBByName(ctx context.Context, name string) (*KnowledgeBase, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, description, embedding_model, embedding_dimension,
		       collection_name, chunk_config, retrieval_config,
		       document_count, chunk_count, created_at, updated_at
		FROM knowledge_bases WHERE name = ?`, name)

	kb, err := scanKB(row)
	if err == sql.ErrNoRows {
		return nil, rerrors.NotFound(fmt.Sprintf("knowledge base %q not found", name), nil)
	}
	return kb, err
}

// ListKBs returns one page of knowledge bases ordered by creation time,
// plus the total count. Pages are 1-based.
func (s *Store) ListKBs(ctx context.Context, page, size int) ([]*KnowledgeBase, int, error) {
	if page < 1 {
		page = 1
	}
	if size < 1 {
		size = 20
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM knowledge_bases`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count knowledge bases: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, description, embedding_model, embedding_dimension,
		       collection_name, chunk_config, retrieval_config,
		       document_count, chunk_count, created_at, updated_at
		FROM knowledge_bases
		ORDER BY created_at, id
		LIMIT ? OFFSET ?`, size, (page-1)*size)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list knowledge bases: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var kbs []*KnowledgeBase
	for rows.Next() {
		kb, err := scanKB(rows)
		if err != nil {
			return nil, 0, err
		}
		kbs = append(kbs, kb)
	}
	return kbs, total, rows.Err()
}

// UpdateKB persists mutable KB fields: description, chunk and retrieval
// config, and counters. Name changes are allowed and keep uniqueness.
// updated_at never moves backward.
func (s *Store) UpdateKB(ctx context.Context, kb *KnowledgeBase) error {
	chunkJSON, err := json.Marshal(kb.ChunkConfig)
	if err != nil {
		return fmt.Errorf("failed to marshal chunk config: %w", err)
	}
	retrievalJSON, err := json.Marshal(kb.RetrievalConfig)
	if err != nil {
		return fmt.Errorf("failed to marshal retrieval config: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE knowledge_bases
		SET name = ?, description = ?, chunk_config = ?, retrieval_config = ?,
		    document_count = ?, chunk_count = ?,
		    updated_at = MAX(updated_at, ?)
		WHERE id = ?`,
		kb.Name, kb.Description, string(chunkJSON), string(retrievalJSON),
		kb.DocumentCount, kb.ChunkCount, time.Now().UTC(), kb.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return rerrors.Conflict(fmt.Sprintf("knowledge base name %q already exists", kb.Name), err)
		}
		return fmt.Errorf("failed to update knowledge base: %w", err)
	}
	return requireRow(res, fmt.Sprintf("knowledge base %s not found", kb.ID))
}

// AddCounts adjusts the KB's document and chunk counters.
func (s *Store) AddCounts(ctx context.Context, kbID string, docDelta, chunkDelta int) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE knowledge_bases
		SET document_count = document_count + ?,
		    chunk_count = chunk_count + ?,
		    updated_at = MAX(updated_at, ?)
		WHERE id = ?`,
		docDelta, chunkDelta, time.Now().UTC(), kbID)
	if err != nil {
		return fmt.Errorf("failed to update counters: %w", err)
	}
	return requireRow(res, fmt.Sprintf("knowledge base %s not found", kbID))
}

// DeleteKB removes the KB record; files cascade.
func (s *Store) DeleteKB(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM knowledge_bases WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete knowledge base: %w", err)
	}
	return requireRow(res, fmt.Sprintf("knowledge base %s not found", id))
}

// AddFile inserts a file record. Duplicate file names within one KB are
// conflicts; a missing KB is a not-found error.
func (s *Store) AddFile(ctx context.Context, f *FileEntity) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO files
			(id, kb_id, file_name, file_path, file_size, content_type,
			 file_md5, status, chunk_count, failed_reason, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.KBID, f.FileName, f.FilePath, f.FileSize, f.ContentType,
		f.FileMD5, string(f.Status), f.ChunkCount, f.FailedReason,
		f.CreatedAt.UTC(), f.UpdatedAt.UTC())
	if err != nil {
		if isUniqueViolation(err) {
			return rerrors.Conflict(fmt.Sprintf("file %q already exists in knowledge base %s", f.FileName, f.KBID), err)
		}
		if isForeignKeyViolation(err) {
			return rerrors.NotFound(fmt.Sprintf("knowledge base %s not found", f.KBID), err)
		}
		return fmt.Errorf("failed to insert file: %w", err)
	}
	return nil
}

// GetFile fetches a file by id within a KB.
func (s *Store) GetFile(ctx context.Context, kbID, fileID string) (*FileEntity, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, kb_id, file_name, file_path, file_size, content_type,
		       file_md5, status, chunk_count, failed_reason, created_at, updated_at
		FROM files WHERE kb_id = ? AND id = ?`, kbID, fileID)

	f, err := scanFile(row)
	if err == sql.ErrNoRows {
		return nil, rerrors.NotFound(fmt.Sprintf("file %s not found in knowledge base %s", fileID, kbID), nil)
	}
	return f, err
}

// UpdateFileStatus advances a file's lifecycle state. Illegal
// transitions fail with a validation error. chunkCount and failedReason
// are written alongside the new status.
func (s *Store) UpdateFileStatus(ctx context.Context, kbID, fileID string, status FileStatus, chunkCount int, failedReason string) error {
	f, err := s.GetFile(ctx, kbID, fileID)
	if err != nil {
		return err
	}

	if !CanTransition(f.Status, status) {
		return rerrors.Validation(
			fmt.Sprintf("illegal file status transition %s -> %s for file %s", f.Status, status, fileID), nil)
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE files
		SET status = ?, chunk_count = ?, failed_reason = ?, updated_at = MAX(updated_at, ?)
		WHERE kb_id = ? AND id = ?`,
		string(status), chunkCount, failedReason, time.Now().UTC(), kbID, fileID)
	if err != nil {
		return fmt.Errorf("failed to update file status: %w", err)
	}
	return nil
}

// ListFiles returns one page of a KB's files plus the total matching
// count. Pages are 1-based; the filter narrows by status and name.
func (s *Store) ListFiles(ctx context.Context, kbID string, filter FileFilter, page, size int) ([]*FileEntity, int, error) {
	if page < 1 {
		page = 1
	}
	if size < 1 {
		size = 20
	}

	where := "WHERE kb_id = ?"
	args := []any{kbID}
	if filter.Status != "" {
		where += " AND status = ?"
		args = append(args, string(filter.Status))
	}
	if filter.NameQuery != "" {
		where += " AND file_name LIKE ?"
		args = append(args, "%"+filter.NameQuery+"%")
	}

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM files "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count files: %w", err)
	}

	query := `
		SELECT id, kb_id, file_name, file_path, file_size, content_type,
		       file_md5, status, chunk_count, failed_reason, created_at, updated_at
		FROM files ` + where + `
		ORDER BY created_at, id
		LIMIT ? OFFSET ?`
	args = append(args, size, (page-1)*size)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list files: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var files []*FileEntity
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, 0, err
		}
		files = append(files, f)
	}
	return files, total, rows.Err()
}

// DeleteFile removes a file record.
func (s *Store) DeleteFile(ctx context.Context, kbID, fileID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM files WHERE kb_id = ? AND id = ?`, kbID, fileID)
	if err != nil {
		return fmt.Errorf("failed to delete file: %w", err)
	}
	return requireRow(res, fmt.Sprintf("file %s not found in knowledge base %s", fileID, kbID))
}

// scanner abstracts sql.Row and sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanKB(row scanner) (*KnowledgeBase, error) {
	var kb KnowledgeBase
	var chunkJSON, retrievalJSON string
	err := row.Scan(&kb.ID, &kb.Name, &kb.Description, &kb.EmbeddingModel,
		&kb.EmbeddingDimension, &kb.CollectionName, &chunkJSON, &retrievalJSON,
		&kb.DocumentCount, &kb.ChunkCount, &kb.CreatedAt, &kb.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(chunkJSON), &kb.ChunkConfig); err != nil {
		kb.ChunkConfig = chunk.DefaultConfig()
	}
	if err := json.Unmarshal([]byte(retrievalJSON), &kb.RetrievalConfig); err != nil {
		kb.RetrievalConfig = DefaultRetrievalConfig()
	}
	return &kb, nil
}

func scanFile(row scanner) (*FileEntity, error) {
	var f FileEntity
	var status string
	err := row.Scan(&f.ID, &f.KBID, &f.FileName, &f.FilePath, &f.FileSize,
		&f.ContentType, &f.FileMD5, &status, &f.ChunkCount, &f.FailedReason,
		&f.CreatedAt, &f.UpdatedAt)
	if err != nil {
		return nil, err
	}
	f.Status = FileStatus(status)
	return &f, nil
}

func requireRow(res sql.Result, msg string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return rerrors.NotFound(msg, nil)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func isForeignKeyViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}
