package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"

	"github.com/dyd1976jp/rag5-simplified-001/internal/agent"
	"github.com/dyd1976jp/rag5-simplified-001/internal/api"
	"github.com/dyd1976jp/rag5-simplified-001/internal/config"
	"github.com/dyd1976jp/rag5-simplified-001/internal/embed"
	"github.com/dyd1976jp/rag5-simplified-001/internal/flowlog"
	"github.com/dyd1976jp/rag5-simplified-001/internal/ingest"
	"github.com/dyd1976jp/rag5-simplified-001/internal/kb"
	"github.com/dyd1976jp/rag5-simplified-001/internal/kbstore"
	"github.com/dyd1976jp/rag5-simplified-001/internal/loader"
	"github.com/dyd1976jp/rag5-simplified-001/internal/logging"
	"github.com/dyd1976jp/rag5-simplified-001/internal/search"
	"github.com/dyd1976jp/rag5-simplified-001/internal/vectordb"
)

const shutdownGrace = 15 * time.Second

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the RAG service",
		Long: `Starts the HTTP server after connecting to the embedding service
and the vector store. The data directory is locked so two instances
cannot share one metadata database.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(ctx context.Context) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.Server.DataDir, 0o755); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}

	log, logCleanup, err := logging.Setup(logging.Config{
		Level:         cfg.Logging.Level,
		FilePath:      cfg.Logging.File,
		MaxSizeMB:     10,
		MaxFiles:      5,
		WriteToStderr: true,
	})
	if err != nil {
		return err
	}
	defer logCleanup()

	// One instance per data directory.
	lock := flock.New(cfg.LockPath())
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("failed to acquire data dir lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("another ragsvc instance holds %s", cfg.LockPath())
	}
	defer func() { _ = lock.Unlock() }()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("connecting to embedding service",
		"host", cfg.Embedding.Host, "model", cfg.Embedding.Model)
	embedder, err := embed.NewOllamaEmbedder(ctx, embed.OllamaConfig{
		Host:            cfg.Embedding.Host,
		Model:           cfg.Embedding.Model,
		Dimensions:      cfg.Embedding.Dim,
		BatchSize:       cfg.Embedding.BatchSize,
		MaxRetries:      cfg.Embedding.Retries,
		BackoffInitial:  time.Duration(cfg.Embedding.BackoffInitialS * float64(time.Second)),
		BackoffFactor:   cfg.Embedding.BackoffFactor,
		InterBatchDelay: time.Duration(cfg.Embedding.InterBatchDelayS * float64(time.Second)),
		Timeout:         cfg.EmbedTimeout(),
	})
	if err != nil {
		return err
	}
	defer func() { _ = embedder.Close() }()
	cached, err := embed.NewCachedEmbedder(embedder, 0)
	if err != nil {
		return err
	}

	log.Info("connecting to vector store", "url", cfg.Vector.StoreURL)
	store, err := vectordb.NewQdrantStore(vectordb.QdrantConfig{
		URL:       cfg.Vector.StoreURL,
		OpTimeout: cfg.VectorOpTimeout(),
	})
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	meta, err := kbstore.Open(cfg.MetadataDBPath())
	if err != nil {
		return err
	}
	defer func() { _ = meta.Close() }()

	detailLevel, err := flowlog.ParseDetailLevel(cfg.FlowLog.DetailLevel)
	if err != nil {
		return err
	}
	flow, err := flowlog.New(cfg.FlowLog.Path, detailLevel, flowlog.WithSlog(log))
	if err != nil {
		return err
	}
	defer func() { _ = flow.Close() }()

	registry := loader.NewRegistry(cfg.Limits.MaxFileSizeBytes)
	pipeline := ingest.NewPipeline(registry, cached, store, meta,
		ingest.WithWorkers(cfg.Limits.IngestWorkerPool),
		ingest.WithLogger(log))
	engine := search.NewEngine(cached, store, search.WithLogger(log))
	manager := kb.NewManager(meta, store, cached, registry, pipeline, engine,
		cfg.UploadDir(),
		kb.WithMaxFileSize(cfg.Limits.MaxFileSizeBytes),
		kb.WithMaxQueryLength(cfg.Limits.MaxQueryLength),
		kb.WithLogger(log))

	llm := agent.NewOllamaChat(agent.ChatConfig{
		Host:    cfg.LLM.Host,
		Model:   cfg.LLM.Model,
		Timeout: cfg.LLMTimeout(),
	})
	defer func() { _ = llm.Close() }()

	server := &http.Server{
		Addr:    cfg.Server.ListenAddr,
		Handler: api.NewServer(manager, llm, flow, api.WithLogger(log)).Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", "addr", cfg.Server.ListenAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown incomplete: %w", err)
	}
	return nil
}
