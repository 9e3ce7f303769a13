// Package core provides the PowerCtx client: ingestion, context retrieval
// and agent turns over one configured backend.
package core

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config contains the complete configuration for a PowerCtx client.
//
// It includes settings for:
//   - LLM provider (the orchestrator's chat model)
//   - Embedding provider (for vector generation)
//   - Store (knowledge items, entities and conversations)
//   - Retrieval, agent, server and logging behaviour
//
// Example:
//
//	config := &core.Config{
//	    LLM: core.LLMConfig{
//	        Provider: "openai",
//	        APIKey:   "sk-...",
//	        Model:    "gpt-4o-mini",
//	    },
//	    Embedder: core.EmbedderConfig{
//	        Provider:   "openai",
//	        APIKey:     "sk-...",
//	        Model:      "text-embedding-3-small",
//	        Dimensions: 1536,
//	    },
//	    Store: core.StoreConfig{
//	        Provider: "sqlite",
//	        Config: map[string]interface{}{
//	            "db_path": "./powerctx.db",
//	        },
//	    },
//	}
type Config struct {
	// LLM contains LLM provider configuration.
	LLM LLMConfig `json:"llm"`

	// Embedder contains embedding provider configuration.
	Embedder EmbedderConfig `json:"embedder"`

	// Store contains storage backend configuration.
	Store StoreConfig `json:"store"`

	Retrieval RetrievalConfig `json:"retrieval"`
	Agent     AgentConfig     `json:"agent"`
	Server    ServerConfig    `json:"server"`
	Log       LogConfig       `json:"log"`
}

// LLMConfig contains configuration for the LLM provider.
//
// Supported providers: openai, qwen, anthropic, deepseek, ollama
type LLMConfig struct {
	// Provider is the LLM provider name (openai, qwen, anthropic, deepseek, ollama).
	Provider string `json:"provider"`

	// APIKey is the API key for the LLM provider.
	APIKey string `json:"api_key"`

	// Model is the model name to use (e.g., "gpt-4o-mini", "qwen-plus").
	Model string `json:"model"`

	// BaseURL is the base URL for the API (optional, uses provider default if empty).
	BaseURL string `json:"base_url,omitempty"`

	// Temperature is passed to every orchestrator call. Zero uses 0.2.
	Temperature float64 `json:"temperature,omitempty"`
}

// EmbedderConfig contains configuration for the embedding provider.
//
// Supported providers: openai, qwen. An empty provider disables embeddings:
// semantic search falls back to keyword matching and episodic recall is off.
type EmbedderConfig struct {
	// Provider is the embedding provider name (openai, qwen).
	Provider string `json:"provider"`

	// APIKey is the API key for the embedding provider.
	APIKey string `json:"api_key"`

	// Model is the embedding model name (e.g., "text-embedding-3-small", "text-embedding-v4").
	Model string `json:"model"`

	// BaseURL is the base URL for the API (optional, uses provider default if empty).
	BaseURL string `json:"base_url,omitempty"`

	// Dimensions is the dimension of the embedding vectors (e.g., 1536, 1024).
	Dimensions int `json:"dimensions,omitempty"`

	// CacheMaxCost is the embedding cache budget in bytes. Zero uses the
	// cache default; a negative value disables the cache.
	CacheMaxCost int64 `json:"cache_max_cost,omitempty"`
}

// StoreConfig contains configuration for the storage backend.
//
// Supported providers: sqlite, postgres, oceanbase
type StoreConfig struct {
	// Provider is the store provider name (sqlite, postgres, oceanbase).
	Provider string `json:"provider"`

	// Config contains provider-specific configuration.
	// For SQLite: db_path, item_cache_size
	// For OceanBase: host, port, user, password, db_name, embedding_model_dims
	// For PostgreSQL: host, port, user, password, db_name, embedding_model_dims, ssl_mode
	Config map[string]interface{} `json:"config"`
}

// RetrievalConfig tunes the retrieval engine.
type RetrievalConfig struct {
	// StrategyTimeout bounds each strategy (default 3s).
	StrategyTimeout Duration `json:"strategy_timeout,omitempty"`

	// DefaultLimit applies when a request sets no limit (default 10).
	DefaultLimit int `json:"default_limit,omitempty"`

	// EpisodicLimit bounds conversation items merged per query (default 3).
	EpisodicLimit int `json:"episodic_limit,omitempty"`
}

// AgentConfig tunes the orchestrator and the turn runner.
type AgentConfig struct {
	// MaxIterations bounds model calls per turn (default 10).
	MaxIterations int `json:"max_iterations,omitempty"`

	// HistoryWindow bounds the history carried between turns (default 10).
	HistoryWindow int `json:"history_window,omitempty"`

	// SpecialistsFile is a YAML file replacing the built-in specialists.
	SpecialistsFile string `json:"specialists_file,omitempty"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	// Addr is the listen address (default ":8080").
	Addr string `json:"addr,omitempty"`

	// RequestTimeout bounds each request (default 60s).
	RequestTimeout Duration `json:"request_timeout,omitempty"`
}

// LogConfig configures logging.
type LogConfig struct {
	// Level is a zerolog level name (default "info").
	Level string `json:"level,omitempty"`

	// Format is "console" or "json" (default "console").
	Format string `json:"format,omitempty"`
}

// Duration is a time.Duration that reads "3s"-style strings from JSON.
type Duration time.Duration

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON implements json.Unmarshaler. Numbers are read as milliseconds.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return err
		}
		*d = Duration(parsed)
		return nil
	}
	var ms int64
	if err := json.Unmarshal(data, &ms); err != nil {
		return fmt.Errorf("invalid duration %s", data)
	}
	*d = Duration(time.Duration(ms) * time.Millisecond)
	return nil
}

// LoadConfigFromEnv loads configuration from environment variables.
//
// The function:
//  1. Searches for .env or .env.example files (up to 5 directory levels up)
//  2. Loads environment variables from the found file
//  3. Parses environment variables into a Config struct
//
// Supported environment variables:
//   - DATABASE_PROVIDER (sqlite, oceanbase, postgres)
//   - SQLITE_PATH, SQLITE_ITEM_CACHE_SIZE
//   - OCEANBASE_HOST, OCEANBASE_PORT, OCEANBASE_USER, OCEANBASE_PASSWORD, etc.
//   - POSTGRES_HOST, POSTGRES_PORT, POSTGRES_USER, POSTGRES_PASSWORD, etc.
//   - LLM_PROVIDER, LLM_API_KEY, LLM_MODEL, LLM_BASE_URL, LLM_TEMPERATURE
//   - EMBEDDING_PROVIDER, EMBEDDING_API_KEY, EMBEDDING_MODEL, EMBEDDING_DIMS,
//     EMBEDDING_BASE_URL, EMBEDDING_CACHE_MAX_COST
//   - RETRIEVAL_STRATEGY_TIMEOUT, RETRIEVAL_DEFAULT_LIMIT, RETRIEVAL_EPISODIC_LIMIT
//   - AGENT_MAX_ITERATIONS, AGENT_HISTORY_WINDOW, AGENT_SPECIALISTS_FILE
//   - SERVER_ADDR, SERVER_REQUEST_TIMEOUT, LOG_LEVEL, LOG_FORMAT
//
// Returns a Config instance, or an error if a value cannot be parsed.
//
// Example:
//
//	config, err := core.LoadConfigFromEnv()
//	if err != nil {
//	    log.Fatal(err)
//	}
func LoadConfigFromEnv() (*Config, error) {
	envPath, found := FindEnvFile()
	if found {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}
	return configFromEnv()
}

func configFromEnv() (*Config, error) {
	var p envParser

	provider := getEnvOrDefault("DATABASE_PROVIDER", "sqlite")
	storeConfig := make(map[string]interface{})

	switch provider {
	case "oceanbase":
		storeConfig = map[string]interface{}{
			"host":                 getEnvOrDefault("OCEANBASE_HOST", "127.0.0.1"),
			"port":                 p.intVar("OCEANBASE_PORT", 2881),
			"user":                 getEnvOrDefault("OCEANBASE_USER", "root@sys"),
			"password":             os.Getenv("OCEANBASE_PASSWORD"),
			"db_name":              getEnvOrDefault("OCEANBASE_DATABASE", "powerctx"),
			"embedding_model_dims": p.intVar("OCEANBASE_EMBEDDING_MODEL_DIMS", 1536),
		}
	case "sqlite":
		storeConfig = map[string]interface{}{
			"db_path":         getEnvOrDefault("SQLITE_PATH", "./powerctx.db"),
			"item_cache_size": p.intVar("SQLITE_ITEM_CACHE_SIZE", 0),
		}
	case "postgres":
		storeConfig = map[string]interface{}{
			"host":                 getEnvOrDefault("POSTGRES_HOST", "localhost"),
			"port":                 p.intVar("POSTGRES_PORT", 5432),
			"user":                 getEnvOrDefault("POSTGRES_USER", "postgres"),
			"password":             os.Getenv("POSTGRES_PASSWORD"),
			"db_name":              getEnvOrDefault("POSTGRES_DATABASE", "powerctx"),
			"embedding_model_dims": p.intVar("POSTGRES_EMBEDDING_MODEL_DIMS", 1536),
			"ssl_mode":             getEnvOrDefault("POSTGRES_SSLMODE", "disable"),
		}
	}

	llmProvider := getEnvOrDefault("LLM_PROVIDER", "openai")
	llmBaseURL := os.Getenv("LLM_BASE_URL")
	var defaultModel string
	switch llmProvider {
	case "deepseek":
		if llmBaseURL == "" {
			llmBaseURL = getEnvOrDefault("DEEPSEEK_LLM_BASE_URL", "https://api.deepseek.com")
		}
		defaultModel = "deepseek-chat"
	case "qwen":
		defaultModel = "qwen-plus"
	case "ollama":
		if llmBaseURL == "" {
			llmBaseURL = getEnvOrDefault("OLLAMA_LLM_BASE_URL", "http://localhost:11434")
		}
		defaultModel = "llama3.1:70b"
	case "anthropic":
		if llmBaseURL == "" {
			llmBaseURL = getEnvOrDefault("ANTHROPIC_LLM_BASE_URL", "https://api.anthropic.com")
		}
		defaultModel = "claude-3-5-sonnet-20240620"
	default:
		defaultModel = "gpt-4o-mini"
	}

	embedderProvider := getEnvOrDefault("EMBEDDING_PROVIDER", "openai")
	embedderModel := os.Getenv("EMBEDDING_MODEL")
	embedderBaseURL := os.Getenv("EMBEDDING_BASE_URL")
	switch embedderProvider {
	case "qwen":
		if embedderBaseURL == "" {
			embedderBaseURL = getEnvOrDefault("QWEN_EMBEDDING_BASE_URL", "https://dashscope.aliyuncs.com/api/v1")
		}
		if embedderModel == "" {
			embedderModel = "text-embedding-v4"
		}
	case "openai":
		if embedderBaseURL == "" {
			embedderBaseURL = getEnvOrDefault("OPENAI_EMBEDDING_BASE_URL", "https://api.openai.com/v1")
		}
		if embedderModel == "" {
			embedderModel = "text-embedding-3-small"
		}
	case "none":
		embedderProvider = ""
	}

	config := &Config{
		LLM: LLMConfig{
			Provider:    llmProvider,
			APIKey:      os.Getenv("LLM_API_KEY"),
			Model:       getEnvOrDefault("LLM_MODEL", defaultModel),
			BaseURL:     llmBaseURL,
			Temperature: p.floatVar("LLM_TEMPERATURE", 0),
		},
		Embedder: EmbedderConfig{
			Provider:     embedderProvider,
			APIKey:       os.Getenv("EMBEDDING_API_KEY"),
			Model:        embedderModel,
			BaseURL:      embedderBaseURL,
			Dimensions:   p.intVar("EMBEDDING_DIMS", 0),
			CacheMaxCost: int64(p.intVar("EMBEDDING_CACHE_MAX_COST", 0)),
		},
		Store: StoreConfig{
			Provider: provider,
			Config:   storeConfig,
		},
		Retrieval: RetrievalConfig{
			StrategyTimeout: Duration(p.durationVar("RETRIEVAL_STRATEGY_TIMEOUT", 3*time.Second)),
			DefaultLimit:    p.intVar("RETRIEVAL_DEFAULT_LIMIT", 10),
			EpisodicLimit:   p.intVar("RETRIEVAL_EPISODIC_LIMIT", 3),
		},
		Agent: AgentConfig{
			MaxIterations:   p.intVar("AGENT_MAX_ITERATIONS", 10),
			HistoryWindow:   p.intVar("AGENT_HISTORY_WINDOW", 10),
			SpecialistsFile: os.Getenv("AGENT_SPECIALISTS_FILE"),
		},
		Server: ServerConfig{
			Addr:           getEnvOrDefault("SERVER_ADDR", ":8080"),
			RequestTimeout: Duration(p.durationVar("SERVER_REQUEST_TIMEOUT", 60*time.Second)),
		},
		Log: LogConfig{
			Level:  getEnvOrDefault("LOG_LEVEL", "info"),
			Format: getEnvOrDefault("LOG_FORMAT", "console"),
		},
	}
	if p.err != nil {
		return nil, NewContextError("LoadConfigFromEnv", p.err)
	}
	return config, nil
}

// LoadConfigFromEnvFile loads configuration from a specific .env file.
//
// Parameters:
//   - envPath: Path to the .env file
//
// Returns a Config instance, or an error if loading fails.
func LoadConfigFromEnvFile(envPath string) (*Config, error) {
	if err := godotenv.Load(envPath); err != nil {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}
	return configFromEnv()
}

// LoadConfigFromJSON loads configuration from a JSON file.
//
// Parameters:
//   - path: Path to the JSON configuration file
//
// Returns a Config instance, or an error if loading or parsing fails.
func LoadConfigFromJSON(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, NewContextError("LoadConfigFromJSON", err)
	}

	var config Config
	if err := json.Unmarshal(data, &config); err != nil {
		return nil, NewContextError("LoadConfigFromJSON", err)
	}

	return &config, nil
}

// Validate validates the configuration.
//
// Checks that:
//   - LLM provider is specified
//   - Store provider is specified
//   - Numeric limits are not negative
//
// Returns an error wrapping ErrInvalidConfig if validation fails, nil otherwise.
func (c *Config) Validate() error {
	switch {
	case c.LLM.Provider == "":
		return NewContextError("Validate", fmt.Errorf("%w: llm provider is required", ErrInvalidConfig))
	case c.Store.Provider == "":
		return NewContextError("Validate", fmt.Errorf("%w: store provider is required", ErrInvalidConfig))
	case c.Retrieval.DefaultLimit < 0 || c.Retrieval.EpisodicLimit < 0:
		return NewContextError("Validate", fmt.Errorf("%w: retrieval limits must not be negative", ErrInvalidConfig))
	case c.Agent.MaxIterations < 0 || c.Agent.HistoryWindow < 0:
		return NewContextError("Validate", fmt.Errorf("%w: agent limits must not be negative", ErrInvalidConfig))
	}
	return nil
}

// getEnvOrDefault gets an environment variable or returns the default value.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// envParser reads typed variables and keeps the first parse error.
type envParser struct {
	err error
}

func (p *envParser) intVar(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		p.fail(key, err)
		return def
	}
	return v
}

func (p *envParser) floatVar(key string, def float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		p.fail(key, err)
		return def
	}
	return v
}

func (p *envParser) durationVar(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		p.fail(key, err)
		return def
	}
	return v
}

func (p *envParser) fail(key string, err error) {
	if p.err == nil {
		p.err = fmt.Errorf("%w: %s: %v", ErrInvalidConfig, key, err)
	}
}

// FindEnvFile searches for .env or .env.example files.
//
// The search:
//  1. Checks the current directory
//  2. Searches up to 5 directory levels up
//  3. Returns the first .env or .env.example file found
//
// Returns:
//   - path: Path to the found file (empty if not found)
//   - found: True if a file was found, false otherwise
func FindEnvFile() (string, bool) {
	if _, err := os.Stat(".env"); err == nil {
		return ".env", true
	}
	if _, err := os.Stat(".env.example"); err == nil {
		return ".env.example", true
	}

	dir, _ := os.Getwd()
	for i := 0; i < 5; i++ {
		envPath := filepath.Join(dir, ".env")
		envExamplePath := filepath.Join(dir, ".env.example")

		if _, err := os.Stat(envPath); err == nil {
			return envPath, true
		}
		if _, err := os.Stat(envExamplePath); err == nil {
			return envExamplePath, true
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return "", false
}
