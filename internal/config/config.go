// Package config loads and validates service configuration.
//
// Configuration comes from a YAML file with a flat, stable key set;
// every key is validated on startup so a misconfigured service fails
// before it accepts traffic.
package config

import (
	"fmt"
	"math"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	rerrors "github.com/dyd1976jp/rag5-simplified-001/internal/errors"
)

// Config is the full service configuration.
// Field groups are inlined so the YAML file stays a flat key set.
type Config struct {
	Server    Server    `yaml:",inline" json:"server"`
	LLM       LLM       `yaml:",inline" json:"llm"`
	Embedding Embedding `yaml:",inline" json:"embedding"`
	Vector    Vector    `yaml:",inline" json:"vector"`
	Chunking  Chunking  `yaml:",inline" json:"chunking"`
	Retrieval Retrieval `yaml:",inline" json:"retrieval"`
	Limits    Limits    `yaml:",inline" json:"limits"`
	FlowLog   FlowLog   `yaml:",inline" json:"flow_log"`
	Logging   Logging   `yaml:",inline" json:"logging"`
}

// Server holds HTTP listener and storage settings.
type Server struct {
	// ListenAddr is the HTTP listen address.
	ListenAddr string `yaml:"listen_addr" json:"listen_addr"`
	// DataDir is the root directory for the metadata DB, lock file, and logs.
	DataDir string `yaml:"data_dir" json:"data_dir"`
}

// LLM holds chat-model settings.
type LLM struct {
	// Host is the Ollama base URL for chat completions.
	Host string `yaml:"llm_host" json:"llm_host"`
	// Model is the chat model name.
	Model string `yaml:"llm_model" json:"llm_model"`
	// TimeoutS is the per-call timeout in seconds.
	TimeoutS int `yaml:"llm_timeout_s" json:"llm_timeout_s"`
}

// Embedding holds embedding-service settings.
type Embedding struct {
	// Host is the Ollama base URL for embeddings.
	Host string `yaml:"embed_host" json:"embed_host"`
	// Model is the embedding model name.
	Model string `yaml:"embed_model" json:"embed_model"`
	// Dim is the expected embedding dimension. 0 means auto-detect.
	Dim int `yaml:"embed_dim" json:"embed_dim"`
	// BatchSize is the number of texts per embedding request.
	BatchSize int `yaml:"embed_batch_size" json:"embed_batch_size"`
	// Retries is the per-batch retry budget.
	Retries int `yaml:"embed_retries" json:"embed_retries"`
	// BackoffInitialS is the initial retry delay in seconds.
	BackoffInitialS float64 `yaml:"embed_backoff_initial_s" json:"embed_backoff_initial_s"`
	// BackoffFactor multiplies the delay after each retry.
	BackoffFactor float64 `yaml:"embed_backoff_factor" json:"embed_backoff_factor"`
	// InterBatchDelayS is a fixed pause between batches (0 disables).
	InterBatchDelayS float64 `yaml:"embed_inter_batch_delay_s" json:"embed_inter_batch_delay_s"`
	// TimeoutS is the per-batch timeout in seconds.
	TimeoutS int `yaml:"embed_timeout_s" json:"embed_timeout_s"`
}

// Vector holds vector-store settings.
type Vector struct {
	// StoreURL is the Qdrant endpoint (host:port or URL).
	StoreURL string `yaml:"vector_store_url" json:"vector_store_url"`
	// DefaultCollection is the collection used when no KB is selected.
	DefaultCollection string `yaml:"vector_default_collection" json:"vector_default_collection"`
	// OpTimeoutS is the per-operation timeout in seconds.
	OpTimeoutS int `yaml:"vector_op_timeout_s" json:"vector_op_timeout_s"`
}

// Chunking holds default chunker settings for new knowledge bases.
type Chunking struct {
	ChunkSize               int  `yaml:"chunk_size" json:"chunk_size"`
	ChunkOverlap            int  `yaml:"chunk_overlap" json:"chunk_overlap"`
	RespectSentenceBoundary bool `yaml:"respect_sentence_boundary" json:"respect_sentence_boundary"`
	ChineseAware            bool `yaml:"chinese_aware" json:"chinese_aware"`
}

// Retrieval holds default retrieval settings for new knowledge bases.
type Retrieval struct {
	TopK                  int     `yaml:"top_k" json:"top_k"`
	SimilarityThreshold   float64 `yaml:"similarity_threshold" json:"similarity_threshold"`
	HybridVectorWeight    float64 `yaml:"hybrid_vector_weight" json:"hybrid_vector_weight"`
	HybridKeywordWeight   float64 `yaml:"hybrid_keyword_weight" json:"hybrid_keyword_weight"`
	AdaptiveMinThreshold  float64 `yaml:"adaptive_min_threshold" json:"adaptive_min_threshold"`
	AdaptiveTargetResults int     `yaml:"adaptive_target_results" json:"adaptive_target_results"`
}

// Limits holds request and resource limits.
type Limits struct {
	MaxQueryLength   int   `yaml:"max_query_length" json:"max_query_length"`
	MaxFileSizeBytes int64 `yaml:"max_file_size_bytes" json:"max_file_size_bytes"`
	IngestWorkerPool int   `yaml:"ingest_worker_pool" json:"ingest_worker_pool"`
}

// FlowLog holds flow logger settings.
type FlowLog struct {
	// Path is the append-only flow log file.
	Path string `yaml:"flow_log_path" json:"flow_log_path"`
	// DetailLevel is one of minimal, normal, verbose.
	DetailLevel string `yaml:"flow_detail_level" json:"flow_detail_level"`
}

// Logging holds service-log settings.
type Logging struct {
	Level string `yaml:"log_level" json:"log_level"`
	File  string `yaml:"log_file" json:"log_file"`
}

// Default returns the configuration with all defaults applied.
func Default() *Config {
	return &Config{
		Server: Server{
			ListenAddr: "127.0.0.1:8080",
			DataDir:    defaultDataDir(),
		},
		LLM: LLM{
			Host:     "http://localhost:11434",
			Model:    "qwen2.5:7b",
			TimeoutS: 60,
		},
		Embedding: Embedding{
			Host:             "http://localhost:11434",
			Model:            "bge-m3",
			Dim:              0,
			BatchSize:        16,
			Retries:          5,
			BackoffInitialS:  1.5,
			BackoffFactor:    1.5,
			InterBatchDelayS: 0,
			TimeoutS:         30,
		},
		Vector: Vector{
			StoreURL:          "http://localhost:6334",
			DefaultCollection: "default",
			OpTimeoutS:        10,
		},
		Chunking: Chunking{
			ChunkSize:               512,
			ChunkOverlap:            50,
			RespectSentenceBoundary: true,
			ChineseAware:            false,
		},
		Retrieval: Retrieval{
			TopK:                  5,
			SimilarityThreshold:   0.3,
			HybridVectorWeight:    0.5,
			HybridKeywordWeight:   0.5,
			AdaptiveMinThreshold:  0.2,
			AdaptiveTargetResults: 3,
		},
		Limits: Limits{
			MaxQueryLength:   1000,
			MaxFileSizeBytes: 100 * 1024 * 1024,
			IngestWorkerPool: 4,
		},
		FlowLog: FlowLog{
			Path:        "", // defaults to <data_dir>/logs/flow.log at startup
			DetailLevel: "normal",
		},
		Logging: Logging{
			Level: "info",
			File:  "", // defaults to <data_dir>/logs/service.log at startup
		},
	}
}

// Load reads the YAML file at path, applies environment overrides, and
// validates the result. A missing path ("" or nonexistent file) yields
// the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, rerrors.New(rerrors.ErrCodeConfigNotFound,
					fmt.Sprintf("cannot read config file %s", path), err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, rerrors.New(rerrors.ErrCodeConfigInvalid,
				fmt.Sprintf("cannot parse config file %s", path), err)
		}
	}

	cfg.applyEnv()
	cfg.applyDerived()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides connection endpoints from the environment, which is
// how container deployments point the service at their backends.
func (c *Config) applyEnv() {
	if v := os.Getenv("RAGSVC_LLM_HOST"); v != "" {
		c.LLM.Host = v
	}
	if v := os.Getenv("RAGSVC_EMBED_HOST"); v != "" {
		c.Embedding.Host = v
	}
	if v := os.Getenv("RAGSVC_VECTOR_STORE_URL"); v != "" {
		c.Vector.StoreURL = v
	}
	if v := os.Getenv("RAGSVC_DATA_DIR"); v != "" {
		c.Server.DataDir = v
	}
	if v := os.Getenv("RAGSVC_LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
	if v := os.Getenv("RAGSVC_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("RAGSVC_INGEST_WORKER_POOL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Limits.IngestWorkerPool = n
		}
	}
}

// applyDerived fills paths that default relative to the data directory.
func (c *Config) applyDerived() {
	if c.FlowLog.Path == "" {
		c.FlowLog.Path = filepath.Join(c.Server.DataDir, "logs", "flow.log")
	}
	if c.Logging.File == "" {
		c.Logging.File = filepath.Join(c.Server.DataDir, "logs", "service.log")
	}
}

// Validate checks every recognized key. It returns the first violation
// as a config error so startup fails with a precise message.
func (c *Config) Validate() error {
	if err := validURL(c.LLM.Host, "llm_host"); err != nil {
		return err
	}
	if err := validURL(c.Embedding.Host, "embed_host"); err != nil {
		return err
	}
	if c.Vector.StoreURL == "" {
		return invalid("vector_store_url must not be empty")
	}
	if c.LLM.Model == "" {
		return invalid("llm_model must not be empty")
	}
	if c.Embedding.Model == "" {
		return invalid("embed_model must not be empty")
	}

	for _, p := range []struct {
		name  string
		value int
	}{
		{"llm_timeout_s", c.LLM.TimeoutS},
		{"embed_batch_size", c.Embedding.BatchSize},
		{"embed_retries", c.Embedding.Retries},
		{"embed_timeout_s", c.Embedding.TimeoutS},
		{"vector_op_timeout_s", c.Vector.OpTimeoutS},
		{"chunk_size", c.Chunking.ChunkSize},
		{"top_k", c.Retrieval.TopK},
		{"adaptive_target_results", c.Retrieval.AdaptiveTargetResults},
		{"max_query_length", c.Limits.MaxQueryLength},
		{"ingest_worker_pool", c.Limits.IngestWorkerPool},
	} {
		if p.value <= 0 {
			return invalid(fmt.Sprintf("%s must be positive, got %d", p.name, p.value))
		}
	}
	if c.Limits.MaxFileSizeBytes <= 0 {
		return invalid(fmt.Sprintf("max_file_size_bytes must be positive, got %d", c.Limits.MaxFileSizeBytes))
	}
	if c.Embedding.Dim < 0 {
		return invalid(fmt.Sprintf("embed_dim must not be negative, got %d", c.Embedding.Dim))
	}
	if c.Chunking.ChunkOverlap < 0 {
		return invalid(fmt.Sprintf("chunk_overlap must not be negative, got %d", c.Chunking.ChunkOverlap))
	}
	if c.Chunking.ChunkOverlap >= c.Chunking.ChunkSize {
		return invalid(fmt.Sprintf("chunk_overlap (%d) must be less than chunk_size (%d)",
			c.Chunking.ChunkOverlap, c.Chunking.ChunkSize))
	}

	for _, p := range []struct {
		name  string
		value float64
	}{
		{"similarity_threshold", c.Retrieval.SimilarityThreshold},
		{"hybrid_vector_weight", c.Retrieval.HybridVectorWeight},
		{"hybrid_keyword_weight", c.Retrieval.HybridKeywordWeight},
		{"adaptive_min_threshold", c.Retrieval.AdaptiveMinThreshold},
	} {
		if p.value < 0 || p.value > 1 {
			return invalid(fmt.Sprintf("%s must be within [0, 1], got %g", p.name, p.value))
		}
	}
	if sum := c.Retrieval.HybridVectorWeight + c.Retrieval.HybridKeywordWeight; math.Abs(sum-1.0) > 1e-6 {
		return invalid(fmt.Sprintf("hybrid_vector_weight + hybrid_keyword_weight must equal 1.0, got %g", sum))
	}

	if c.Embedding.BackoffInitialS <= 0 {
		return invalid(fmt.Sprintf("embed_backoff_initial_s must be positive, got %g", c.Embedding.BackoffInitialS))
	}
	if c.Embedding.BackoffFactor < 1 {
		return invalid(fmt.Sprintf("embed_backoff_factor must be at least 1, got %g", c.Embedding.BackoffFactor))
	}
	if c.Embedding.InterBatchDelayS < 0 {
		return invalid(fmt.Sprintf("embed_inter_batch_delay_s must not be negative, got %g", c.Embedding.InterBatchDelayS))
	}

	switch c.FlowLog.DetailLevel {
	case "minimal", "normal", "verbose":
	default:
		return invalid(fmt.Sprintf("flow_detail_level must be minimal, normal, or verbose, got %q", c.FlowLog.DetailLevel))
	}

	return nil
}

// LLMTimeout returns the LLM call timeout as a duration.
func (c *Config) LLMTimeout() time.Duration {
	return time.Duration(c.LLM.TimeoutS) * time.Second
}

// EmbedTimeout returns the per-batch embedding timeout as a duration.
func (c *Config) EmbedTimeout() time.Duration {
	return time.Duration(c.Embedding.TimeoutS) * time.Second
}

// VectorOpTimeout returns the per-operation vector store timeout.
func (c *Config) VectorOpTimeout() time.Duration {
	return time.Duration(c.Vector.OpTimeoutS) * time.Second
}

// MetadataDBPath returns the SQLite file path under the data directory.
func (c *Config) MetadataDBPath() string {
	return filepath.Join(c.Server.DataDir, "knowledge.db")
}

// LockPath returns the exclusivity lock file path.
func (c *Config) LockPath() string {
	return filepath.Join(c.Server.DataDir, ".ragsvc.lock")
}

// UploadDir returns the directory where uploaded documents are kept.
func (c *Config) UploadDir() string {
	return filepath.Join(c.Server.DataDir, "uploads")
}

func invalid(msg string) error {
	return rerrors.New(rerrors.ErrCodeConfigInvalid, msg, nil)
}

func validURL(raw, key string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return invalid(fmt.Sprintf("%s must be a valid URL, got %q", key, raw))
	}
	return nil
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".ragsvc"
	}
	return filepath.Join(home, ".ragsvc")
}
