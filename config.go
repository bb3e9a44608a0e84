package goreason

import (
	"os"
	"path/filepath"

	"github.com/caarlos0/env/v10"
)

// Config holds all configuration for the GoReason engine.
type Config struct {
	// DBPath is the full path to the SQLite database file.
	// If empty, defaults to ~/.goreason/<DBName>.db
	DBPath string `json:"db_path" yaml:"db_path"`

	// DBName is the name for the database (used when DBPath is empty).
	// Defaults to "goreason". The file will be <DBName>.db inside the
	// storage directory (~/.goreason/ or working dir).
	DBName string `json:"db_name" yaml:"db_name"`

	// StorageDir controls where the database is created when DBPath
	// is not explicitly set. Options: "home" (default) uses ~/.goreason/,
	// "local" uses the current working directory.
	StorageDir string `json:"storage_dir" yaml:"storage_dir"`

	// LLM providers
	Chat        LLMConfig `json:"chat" yaml:"chat"`
	Embedding   LLMConfig `json:"embedding" yaml:"embedding"`
	Vision      LLMConfig `json:"vision" yaml:"vision"`
	Translation LLMConfig `json:"translation" yaml:"translation"` // optional: fast model for query translation (defaults to Chat)

	// Retrieval weights for RRF
	WeightVector float64 `json:"weight_vector" yaml:"weight_vector"`
	WeightFTS    float64 `json:"weight_fts" yaml:"weight_fts"`
	WeightGraph  float64 `json:"weight_graph" yaml:"weight_graph"`

	// Chunking
	MaxChunkTokens int `json:"max_chunk_tokens" yaml:"max_chunk_tokens"`
	ChunkOverlap   int `json:"chunk_overlap" yaml:"chunk_overlap"`
	// ChunkStrategy selects how section bodies are split into child chunks:
	// "structural" (default, paragraph/sentence token budgets) or
	// "semantic" (centroid-distance grouping over sentence embeddings).
	ChunkStrategy string  `json:"chunk_strategy" yaml:"chunk_strategy"`
	SemanticTau   float64 `json:"semantic_tau" yaml:"semantic_tau"`

	// Graph building
	SkipGraph        bool `json:"skip_graph" yaml:"skip_graph"`                 // Skip knowledge graph extraction during ingest
	GraphConcurrency int  `json:"graph_concurrency" yaml:"graph_concurrency"`   // Max parallel LLM calls for graph extraction (default 8)

	// Reasoning
	MaxRounds           int      `json:"max_rounds" yaml:"max_rounds"`
	ConfidenceThreshold float64  `json:"confidence_threshold" yaml:"confidence_threshold"`
	CausalRelationTypes []string `json:"causal_relation_types" yaml:"causal_relation_types"` // relation types traversed by causal reasoning paths
	MaxReasoningPaths   int      `json:"max_reasoning_paths" yaml:"max_reasoning_paths"`      // R in reasoning path generation, default 5
	BeamWidth           int      `json:"beam_width" yaml:"beam_width"`                        // multi-hop beam search width, default 4

	// Image captioning
	CaptionImages bool `json:"caption_images" yaml:"caption_images"` // Opt-in: caption extracted images via vision LLM

	// External parsing
	LlamaParse *LlamaParseConfig `json:"llamaparse,omitempty" yaml:"llamaparse,omitempty"`

	// Embedding dimensions (must match model)
	EmbeddingDim int `json:"embedding_dim" yaml:"embedding_dim"`

	// DisableLLMFallback turns off every LLM-backed fallback path that
	// would otherwise run when a cheaper heuristic is inconclusive (e.g.
	// the query planner's low-confidence intent classifier), restricting
	// the engine to rule-based/structural behavior only.
	DisableLLMFallback bool `json:"disable_llm_fallback" yaml:"disable_llm_fallback"`
}

// LLMConfig configures a single LLM provider endpoint.
type LLMConfig struct {
	Provider string `json:"provider" yaml:"provider"` // ollama, lmstudio, openrouter, xai, gemini, openai, groq, custom
	Model    string `json:"model" yaml:"model"`
	BaseURL  string `json:"base_url" yaml:"base_url"`
	APIKey   string `json:"api_key" yaml:"api_key"`
}

// LlamaParseConfig configures the LlamaParse external parsing service.
type LlamaParseConfig struct {
	APIKey  string `json:"api_key" yaml:"api_key"`
	BaseURL string `json:"base_url" yaml:"base_url"`
}

// DefaultConfig returns a Config with sensible defaults for local inference.
// Database is stored in ~/.goreason/goreason.db by default.
func DefaultConfig() Config {
	return Config{
		DBName:     "goreason",
		StorageDir: "home",
		Chat: LLMConfig{
			Provider: "ollama",
			Model:    "llama3.1:8b",
			BaseURL:  "http://localhost:11434",
		},
		Embedding: LLMConfig{
			Provider: "ollama",
			Model:    "nomic-embed-text",
			BaseURL:  "http://localhost:11434",
		},
		Vision: LLMConfig{
			Provider: "ollama",
			Model:    "llama3.2-vision",
			BaseURL:  "http://localhost:11434",
		},
		WeightVector:        1.0,
		WeightFTS:           1.0,
		WeightGraph:         0.5,
		MaxChunkTokens:      1024,
		ChunkOverlap:        128,
		ChunkStrategy:       "structural",
		SemanticTau:         0.35,
		MaxRounds:           3,
		ConfidenceThreshold: 0.7,
		CausalRelationTypes: []string{"causes", "leads_to", "results_in"},
		MaxReasoningPaths:   5,
		BeamWidth:           4,
		EmbeddingDim:        768,
	}
}

// EnvConfig declares the environment variables that layer over
// DefaultConfig(), matching the variables cmd/server's main.go has always
// read by hand, now loaded declaratively via struct tags.
type EnvConfig struct {
	DBPath             string `env:"GOREASON_DB_PATH"`
	ChatBaseURL        string `env:"GOREASON_CHAT_BASE_URL"`
	EmbedBaseURL       string `env:"GOREASON_EMBED_BASE_URL"`
	ChatAPIKey         string `env:"GOREASON_CHAT_API_KEY"`
	EmbedAPIKey        string `env:"GOREASON_EMBED_API_KEY"`
	ChatModel          string `env:"GOREASON_CHAT_MODEL"`
	EmbedModel         string `env:"GOREASON_EMBED_MODEL"`
	ChatProvider       string `env:"GOREASON_CHAT_PROVIDER"`
	EmbedProvider      string `env:"GOREASON_EMBED_PROVIDER"`
	APIKey             string `env:"GOREASON_API_KEY"`
	CORSOrigins        string `env:"GOREASON_CORS_ORIGINS"`
	DisableLLMFallback bool   `env:"GOREASON_DISABLE_LLM_FALLBACK" envDefault:"false"`
	LogLevel           string `env:"GOREASON_LOG_LEVEL" envDefault:"info"`
}

// LoadEnvConfig parses the process environment into an EnvConfig.
func LoadEnvConfig() (EnvConfig, error) {
	var ec EnvConfig
	if err := env.Parse(&ec); err != nil {
		return ec, err
	}
	return ec, nil
}

// ApplyEnv overlays non-empty EnvConfig values onto cfg, mirroring the
// precedence main.go has always used: explicit config first, environment
// second.
func (c *Config) ApplyEnv(ec EnvConfig) {
	if ec.DBPath != "" {
		c.DBPath = ec.DBPath
	}
	if ec.ChatBaseURL != "" {
		c.Chat.BaseURL = ec.ChatBaseURL
	}
	if ec.EmbedBaseURL != "" {
		c.Embedding.BaseURL = ec.EmbedBaseURL
	}
	if ec.ChatAPIKey != "" {
		c.Chat.APIKey = ec.ChatAPIKey
	}
	if ec.EmbedAPIKey != "" {
		c.Embedding.APIKey = ec.EmbedAPIKey
	}
	if ec.ChatModel != "" {
		c.Chat.Model = ec.ChatModel
	}
	if ec.EmbedModel != "" {
		c.Embedding.Model = ec.EmbedModel
	}
	if ec.ChatProvider != "" {
		c.Chat.Provider = ec.ChatProvider
	}
	if ec.EmbedProvider != "" {
		c.Embedding.Provider = ec.EmbedProvider
	}
	if ec.DisableLLMFallback {
		c.DisableLLMFallback = true
	}
}

// resolveDBPath computes the final database path from config fields.
func (c *Config) resolveDBPath() string {
	if c.DBPath != "" {
		return c.DBPath
	}

	name := c.DBName
	if name == "" {
		name = "goreason"
	}

	switch c.StorageDir {
	case "local", "cwd":
		return name + ".db"
	default: // "home" or empty
		home, err := os.UserHomeDir()
		if err != nil {
			return name + ".db" // fallback to cwd
		}
		dir := filepath.Join(home, ".goreason")
		return filepath.Join(dir, name+".db")
	}
}
