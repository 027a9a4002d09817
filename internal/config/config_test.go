package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	cfg.applyDerived()
	require.NoError(t, cfg.Validate())
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 512, cfg.Chunking.ChunkSize)
	assert.Equal(t, "normal", cfg.FlowLog.DetailLevel)
}

func TestLoad_ParsesFlatKeys(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
llm_host: http://10.0.0.5:11434
llm_model: llama3.1:8b
embed_model: nomic-embed-text
embed_batch_size: 8
chunk_size: 1024
chunk_overlap: 100
hybrid_vector_weight: 0.7
hybrid_keyword_weight: 0.3
flow_detail_level: verbose
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "http://10.0.0.5:11434", cfg.LLM.Host)
	assert.Equal(t, "llama3.1:8b", cfg.LLM.Model)
	assert.Equal(t, "nomic-embed-text", cfg.Embedding.Model)
	assert.Equal(t, 8, cfg.Embedding.BatchSize)
	assert.Equal(t, 1024, cfg.Chunking.ChunkSize)
	assert.Equal(t, 100, cfg.Chunking.ChunkOverlap)
	assert.Equal(t, 0.7, cfg.Retrieval.HybridVectorWeight)
	assert.Equal(t, "verbose", cfg.FlowLog.DetailLevel)
}

func TestLoad_MalformedYAMLFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("chunk_size: [not an int"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidate_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad llm url", func(c *Config) { c.LLM.Host = "not a url" }},
		{"empty embed model", func(c *Config) { c.Embedding.Model = "" }},
		{"zero chunk size", func(c *Config) { c.Chunking.ChunkSize = 0 }},
		{"overlap >= size", func(c *Config) { c.Chunking.ChunkOverlap = 512 }},
		{"negative overlap", func(c *Config) { c.Chunking.ChunkOverlap = -1 }},
		{"threshold above one", func(c *Config) { c.Retrieval.SimilarityThreshold = 1.5 }},
		{"weights do not sum", func(c *Config) { c.Retrieval.HybridVectorWeight = 0.9 }},
		{"zero top_k", func(c *Config) { c.Retrieval.TopK = 0 }},
		{"zero worker pool", func(c *Config) { c.Limits.IngestWorkerPool = 0 }},
		{"bad detail level", func(c *Config) { c.FlowLog.DetailLevel = "chatty" }},
		{"backoff factor below one", func(c *Config) { c.Embedding.BackoffFactor = 0.5 }},
		{"negative inter-batch delay", func(c *Config) { c.Embedding.InterBatchDelayS = -1 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.applyDerived()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("RAGSVC_LLM_HOST", "http://llm.internal:11434")
	t.Setenv("RAGSVC_VECTOR_STORE_URL", "http://qdrant.internal:6334")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "http://llm.internal:11434", cfg.LLM.Host)
	assert.Equal(t, "http://qdrant.internal:6334", cfg.Vector.StoreURL)
}

func TestDerivedPaths(t *testing.T) {
	t.Setenv("RAGSVC_DATA_DIR", "/tmp/ragsvc-test")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/tmp/ragsvc-test", "logs", "flow.log"), cfg.FlowLog.Path)
	assert.Equal(t, filepath.Join("/tmp/ragsvc-test", "knowledge.db"), cfg.MetadataDBPath())
	assert.Equal(t, filepath.Join("/tmp/ragsvc-test", ".ragsvc.lock"), cfg.LockPath())
}
