package ingest

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	rerrors "github.com/dyd1976jp/rag5-simplified-001/internal/errors"
	"github.com/dyd1976jp/rag5-simplified-001/internal/kbstore"
	"github.com/dyd1976jp/rag5-simplified-001/internal/loader"
)

// mtimeTracker remembers the modification time of every path ingested
// into a collection, so unchanged files are skipped on re-ingestion.
// State is per-process; a restart re-ingests everything.
type mtimeTracker struct {
	mu   sync.Mutex
	seen map[string]time.Time
}

func newMtimeTracker() *mtimeTracker {
	return &mtimeTracker{seen: make(map[string]time.Time)}
}

func (t *mtimeTracker) key(collection, path string) string {
	return collection + "\x00" + path
}

func (t *mtimeTracker) unchanged(collection, path string, mtime time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	prev, ok := t.seen[t.key(collection, path)]
	return ok && prev.Equal(mtime)
}

func (t *mtimeTracker) record(collection, path string, mtime time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.seen[t.key(collection, path)] = mtime
}

func (t *mtimeTracker) forget(collection string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	prefix := collection + "\x00"
	for k := range t.seen {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			delete(t.seen, k)
		}
	}
}

// IngestDirectory walks dir and ingests every file through a bounded
// worker pool. Files in formats no loader handles are recorded as
// failures; their siblings still ingest. Files whose modification time
// is unchanged since the last run are skipped. force drops and
// recreates the KB's collection first, then re-ingests everything.
//
// Per-file failures are collected in the report; only infrastructure
// errors (collection reset, directory walk) fail the whole run.
func (p *Pipeline) IngestDirectory(ctx context.Context, kb *kbstore.KnowledgeBase, dir string, force bool) (*Report, error) {
	if force {
		if err := p.store.DeleteCollection(ctx, kb.CollectionName); err != nil {
			return nil, err
		}
		if err := p.store.EnsureCollection(ctx, kb.CollectionName, kb.EmbeddingDimension); err != nil {
			return nil, err
		}
		p.tracker.forget(kb.CollectionName)
	}

	paths, err := p.collectFiles(dir)
	if err != nil {
		return nil, err
	}

	builder := newReportBuilder()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.workers)

	for _, path := range paths {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			p.ingestPath(gctx, kb, path, builder)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return builder.build(), err
	}
	report := builder.build()
	p.log.Info("directory ingested",
		"kb_id", kb.ID, "dir", dir,
		"documents", report.DocumentsLoaded, "chunks", report.ChunksCreated,
		"skipped", report.SkippedFiles, "failed", len(report.FailedFiles))
	return report, nil
}

// collectFiles lists the regular files under dir, recursively.
// Unsupported formats are kept so the report can name them as failed.
func (p *Pipeline) collectFiles(dir string) ([]string, error) {
	var paths []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return paths, nil
}

// ingestPath handles one file of a directory run: incremental skip,
// file record registration, pipeline execution, and failure recording.
func (p *Pipeline) ingestPath(ctx context.Context, kb *kbstore.KnowledgeBase, path string, builder *reportBuilder) {
	if !p.registry.Supports(path) {
		builder.addFailure(path, rerrors.Loader(
			fmt.Sprintf("no loader for %q", filepath.Ext(path)), nil))
		return
	}
	info, err := os.Stat(path)
	if err != nil {
		builder.addFailure(path, err)
		return
	}
	if p.tracker.unchanged(kb.CollectionName, path, info.ModTime()) {
		builder.addSkipped()
		return
	}

	file, err := p.registerFile(ctx, kb, path, info.Size())
	if err != nil {
		builder.addFailure(path, err)
		return
	}

	rep, err := p.IngestFile(ctx, kb, file)
	if err != nil {
		builder.addFailure(path, err)
		return
	}
	p.tracker.record(kb.CollectionName, path, info.ModTime())
	builder.addSuccess(rep.DocumentsLoaded, rep.ChunksCreated, rep.VectorsUploaded)
}

// registerFile creates the file record for a directory-sourced file,
// replacing a stale record of the same name from an earlier run.
func (p *Pipeline) registerFile(ctx context.Context, kb *kbstore.KnowledgeBase, path string, size int64) (*kbstore.FileEntity, error) {
	name := filepath.Base(path)
	now := time.Now().UTC()
	file := &kbstore.FileEntity{
		ID:          "file_" + uuid.NewString(),
		KBID:        kb.ID,
		FileName:    name,
		FilePath:    path,
		FileSize:    size,
		ContentType: loader.DetectContentType(path),
		Status:      kbstore.StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	err := p.meta.AddFile(ctx, file)
	if err == nil {
		return file, nil
	}

	// Name collision from a previous run: drop the stale record and
	// retry once.
	existing, ferr := p.findFileByName(ctx, kb.ID, name)
	if ferr != nil || existing == nil {
		return nil, err
	}
	if derr := p.meta.DeleteFile(ctx, kb.ID, existing.ID); derr != nil {
		return nil, derr
	}
	if err := p.meta.AddFile(ctx, file); err != nil {
		return nil, err
	}
	return file, nil
}

func (p *Pipeline) findFileByName(ctx context.Context, kbID, name string) (*kbstore.FileEntity, error) {
	files, _, err := p.meta.ListFiles(ctx, kbID, kbstore.FileFilter{NameQuery: name}, 1, 50)
	if err != nil {
		return nil, err
	}
	for _, f := range files {
		if f.FileName == name {
			return f, nil
		}
	}
	return nil, nil
}
