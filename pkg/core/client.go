package core

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/oceanbase/powerctx-go/pkg/agent"
	"github.com/oceanbase/powerctx-go/pkg/embedder"
	"github.com/oceanbase/powerctx-go/pkg/embedder/cache"
	openaiEmbedder "github.com/oceanbase/powerctx-go/pkg/embedder/openai"
	qwenEmbedder "github.com/oceanbase/powerctx-go/pkg/embedder/qwen"
	"github.com/oceanbase/powerctx-go/pkg/llm"
	anthropicLLM "github.com/oceanbase/powerctx-go/pkg/llm/anthropic"
	deepseekLLM "github.com/oceanbase/powerctx-go/pkg/llm/deepseek"
	ollamaLLM "github.com/oceanbase/powerctx-go/pkg/llm/ollama"
	openaiLLM "github.com/oceanbase/powerctx-go/pkg/llm/openai"
	qwenLLM "github.com/oceanbase/powerctx-go/pkg/llm/qwen"
	"github.com/oceanbase/powerctx-go/pkg/retrieval"
	"github.com/oceanbase/powerctx-go/pkg/storage"
	"github.com/oceanbase/powerctx-go/pkg/storage/oceanbase"
	postgresStore "github.com/oceanbase/powerctx-go/pkg/storage/postgres"
	sqliteStore "github.com/oceanbase/powerctx-go/pkg/storage/sqlite"
	"github.com/rs/zerolog"
)

const defaultTemperature = 0.2

// Client is the main PowerCtx client.
//
// It wires one store, one chat model and an optional embedder into:
//   - Ingestion of knowledge items with chunk embeddings and entity mentions
//   - Multi-strategy context retrieval with fused relevance scores
//   - Agent turns with delegation, clarification and confirmable actions
//
// The client is thread-safe and can be used concurrently from multiple goroutines.
//
// Example usage:
//
//	config, _ := core.LoadConfigFromEnv()
//	client, _ := core.NewClient(config)
//	defer client.Close()
//
//	resp, _ := client.Turn(ctx, agent.TurnRequest{
//	    UserID:  "user_001",
//	    Message: "What did Sarah send me last week?",
//	})
type Client struct {
	config *Config

	// store holds knowledge items, entities and conversations.
	store storage.Store

	// llm drives the orchestrator.
	llm llm.Provider

	// embedder is nil when embeddings are disabled.
	embedder embedder.Provider

	engine *retrieval.Engine
	orch   *agent.Orchestrator
	runner *agent.Runner

	logger zerolog.Logger
	now    func() time.Time
	closed atomic.Bool
}

// NewClient creates a new PowerCtx client.
//
// The client is initialized with:
//   - Store (SQLite, OceanBase, or PostgreSQL)
//   - LLM provider (OpenAI, Qwen, DeepSeek, Ollama, Anthropic)
//   - Embedding provider (OpenAI, Qwen) behind an in-memory cache
//   - Retrieval engine, orchestrator and turn runner
//
// Parameters:
//   - cfg: Configuration containing storage, LLM, and embedding settings
//   - opts: Optional replacements for configured components
//
// Returns a new Client instance, or an error if initialization fails.
func NewClient(cfg *Config, opts ...ClientOption) (*Client, error) {
	if cfg == nil {
		return nil, NewContextError("NewClient", ErrInvalidConfig)
	}
	o := &clientOptions{}
	for _, opt := range opts {
		opt(o)
	}

	check := *cfg
	if o.store != nil {
		check.Store.Provider = "custom"
	}
	if o.llm != nil {
		check.LLM.Provider = "custom"
	}
	if err := check.Validate(); err != nil {
		return nil, err
	}

	logger := NewLogger(cfg.Log, nil)
	if o.logger != nil {
		logger = *o.logger
	}
	now := o.now
	if now == nil {
		now = time.Now
	}

	store := o.store
	if store == nil {
		var err error
		if store, err = initStorage(cfg.Store, &logger); err != nil {
			return nil, err
		}
	}

	model := o.llm
	if model == nil {
		var err error
		if model, err = initLLM(cfg.LLM); err != nil {
			_ = store.Close()
			return nil, err
		}
	}

	var emb embedder.Provider
	switch {
	case o.noEmbedder:
	case o.embedder != nil:
		emb = o.embedder
	case cfg.Embedder.Provider != "":
		var err error
		if emb, err = initEmbedder(cfg.Embedder); err != nil {
			_ = store.Close()
			return nil, err
		}
	}

	registry := o.specialists
	if registry == nil && cfg.Agent.SpecialistsFile != "" {
		var err error
		if registry, err = agent.LoadRegistry(cfg.Agent.SpecialistsFile); err != nil {
			_ = store.Close()
			return nil, NewContextError("NewClient", fmt.Errorf("%w: %v", ErrInvalidConfig, err))
		}
	}

	engine := retrieval.NewEngine(store, emb, &retrieval.Config{
		StrategyTimeout: time.Duration(cfg.Retrieval.StrategyTimeout),
		DefaultLimit:    cfg.Retrieval.DefaultLimit,
		EpisodicLimit:   cfg.Retrieval.EpisodicLimit,
		Logger:          &logger,
		Now:             now,
	})

	temperature := cfg.LLM.Temperature
	if temperature == 0 {
		temperature = defaultTemperature
	}
	orch := agent.NewOrchestrator(model, engine, &agent.Config{
		MaxIterations:   cfg.Agent.MaxIterations,
		ContextLimit:    cfg.Retrieval.DefaultLimit,
		Specialists:     registry,
		GenerateOptions: []llm.GenerateOption{llm.WithTemperature(temperature)},
		Logger:          &logger,
		Now:             now,
	})

	runner := agent.NewRunner(orch, store, o.executor, &agent.RunnerConfig{
		HistoryWindow: cfg.Agent.HistoryWindow,
		Logger:        &logger,
		Now:           now,
	})

	return &Client{
		config:   cfg,
		store:    store,
		llm:      model,
		embedder: emb,
		engine:   engine,
		orch:     orch,
		runner:   runner,
		logger:   logger,
		now:      now,
	}, nil
}

// Search retrieves ranked context for query from ownerID's knowledge.
//
// Parameters:
//   - ctx: Context for cancellation
//   - ownerID: The user whose knowledge is searched
//   - query: Natural-language query; sources, people and time windows in it
//     are detected automatically
//   - opts: Optional overrides (Sources, EntityFilter, TimeFilter, Limit, SessionID)
//
// Returns the ranked items with their score components, or an error.
//
// Example:
//
//	res, err := client.Search(ctx, "user_001", "emails from Sarah last week",
//	    core.WithLimit(5),
//	)
func (c *Client) Search(ctx context.Context, ownerID, query string, opts ...SearchOption) (*retrieval.Result, error) {
	searchOpts := applySearchOptions(opts)
	return c.Retrieve(ctx, retrieval.Request{
		OwnerID:      ownerID,
		Query:        query,
		SessionID:    searchOpts.SessionID,
		Sources:      searchOpts.Sources,
		EntityFilter: searchOpts.EntityFilter,
		TimeFilter:   searchOpts.TimeFilter,
		Limit:        searchOpts.Limit,
	})
}

// Retrieve runs a fully specified retrieval request.
func (c *Client) Retrieve(ctx context.Context, req retrieval.Request) (*retrieval.Result, error) {
	if c.closed.Load() {
		return nil, NewContextError("Retrieve", ErrClosed)
	}
	if req.OwnerID == "" {
		return nil, NewContextError("Retrieve", fmt.Errorf("%w: owner id is required", ErrInvalidInput))
	}
	res, err := c.engine.Retrieve(ctx, req)
	if err != nil {
		return nil, NewContextError("Retrieve", err)
	}
	return res, nil
}

// Turn runs one agent turn.
//
// Returns the turn outcome: an answer, a clarification question or the
// exhaustion fallback, with the context used and any actions awaiting
// confirmation.
func (c *Client) Turn(ctx context.Context, req agent.TurnRequest) (*agent.TurnResponse, error) {
	if c.closed.Load() {
		return nil, NewContextError("Turn", ErrClosed)
	}
	resp, err := c.runner.RunTurn(ctx, req)
	if err != nil {
		if errors.Is(err, agent.ErrInvalidTurn) {
			err = fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
		return nil, NewContextError("Turn", err)
	}
	return resp, nil
}

// ConfirmAction executes a pending action of a session.
func (c *Client) ConfirmAction(ctx context.Context, req agent.ConfirmRequest) (*agent.ConfirmResponse, error) {
	if c.closed.Load() {
		return nil, NewContextError("ConfirmAction", ErrClosed)
	}
	resp, err := c.runner.ConfirmAction(ctx, req)
	if err != nil {
		return nil, NewContextError("ConfirmAction", err)
	}
	return resp, nil
}

// RejectAction discards a pending action of a session.
func (c *Client) RejectAction(ctx context.Context, req agent.ConfirmRequest) (*agent.ConfirmResponse, error) {
	if c.closed.Load() {
		return nil, NewContextError("RejectAction", ErrClosed)
	}
	resp, err := c.runner.RejectAction(ctx, req)
	if err != nil {
		return nil, NewContextError("RejectAction", err)
	}
	return resp, nil
}

// GetItem returns a knowledge item by ID.
func (c *Client) GetItem(ctx context.Context, id string) (*storage.KnowledgeItem, error) {
	item, err := c.store.GetItem(ctx, id)
	if err != nil {
		return nil, NewContextError("GetItem", err)
	}
	return item, nil
}

// DeleteItem removes an item with its embeddings and mentions.
func (c *Client) DeleteItem(ctx context.Context, ownerID, source, sourceID string) error {
	if ownerID == "" || source == "" || sourceID == "" {
		return NewContextError("DeleteItem", ErrInvalidInput)
	}
	return NewContextError("DeleteItem", c.store.DeleteItem(ctx, ownerID, source, sourceID))
}

// Sessions lists ownerID's most recently active sessions.
func (c *Client) Sessions(ctx context.Context, ownerID string, limit int) ([]*storage.Session, error) {
	sessions, err := c.store.RecentSessions(ctx, ownerID, limit)
	if err != nil {
		return nil, NewContextError("Sessions", err)
	}
	return sessions, nil
}

// Specialists lists the specialists the orchestrator can delegate to.
func (c *Client) Specialists() []string {
	return c.orch.Specialists().Names()
}

// Logger returns the client's logger.
func (c *Client) Logger() zerolog.Logger {
	return c.logger
}

// Close closes the client and releases all resources.
//
// This method:
//   - Closes the store connection
//   - Closes the LLM provider
//   - Closes the embedder provider
//
// Returns the first error encountered during cleanup, or nil if all resources
// were closed successfully. Closing twice is a no-op.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	var errs []error
	if c.store != nil {
		if err := c.store.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if c.llm != nil {
		if err := c.llm.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if c.embedder != nil {
		if err := c.embedder.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

// initStorage initializes the storage backend.
func initStorage(cfg StoreConfig, logger *zerolog.Logger) (storage.Store, error) {
	port, dims, cacheSize := 0, 1536, 0
	if err := configInts(cfg.Config, map[string]*int{
		"port":                 &port,
		"embedding_model_dims": &dims,
		"item_cache_size":      &cacheSize,
	}); err != nil {
		return nil, NewContextError("initStorage", err)
	}

	var (
		store storage.Store
		err   error
	)
	switch cfg.Provider {
	case "oceanbase":
		if port == 0 {
			port = 2881
		}
		store, err = oceanbase.NewClient(&oceanbase.Config{
			Host:               configString(cfg.Config, "host", "127.0.0.1"),
			Port:               port,
			User:               configString(cfg.Config, "user", "root@sys"),
			Password:           configString(cfg.Config, "password", ""),
			DBName:             configString(cfg.Config, "db_name", "powerctx"),
			EmbeddingModelDims: dims,
			Logger:             logger,
		})
	case "sqlite":
		store, err = sqliteStore.NewClient(&sqliteStore.Config{
			DBPath:        configString(cfg.Config, "db_path", "./powerctx.db"),
			ItemCacheSize: cacheSize,
			Logger:        logger,
		})
	case "postgres":
		if port == 0 {
			port = 5432
		}
		store, err = postgresStore.NewClient(&postgresStore.Config{
			Host:               configString(cfg.Config, "host", "localhost"),
			Port:               port,
			User:               configString(cfg.Config, "user", "postgres"),
			Password:           configString(cfg.Config, "password", ""),
			DBName:             configString(cfg.Config, "db_name", "powerctx"),
			SSLMode:            configString(cfg.Config, "ssl_mode", "disable"),
			EmbeddingModelDims: dims,
			Logger:             logger,
		})
	default:
		return nil, NewContextError("initStorage", fmt.Errorf("%w: unknown store provider %q", ErrInvalidConfig, cfg.Provider))
	}
	if err != nil {
		return nil, NewContextError("initStorage", err)
	}
	return store, nil
}

// initLLM initializes the LLM provider.
func initLLM(cfg LLMConfig) (llm.Provider, error) {
	var (
		provider llm.Provider
		err      error
	)
	switch cfg.Provider {
	case "openai":
		provider, err = openaiLLM.NewClient(&openaiLLM.Config{
			APIKey:  cfg.APIKey,
			Model:   cfg.Model,
			BaseURL: cfg.BaseURL,
		})
	case "qwen":
		provider, err = qwenLLM.NewClient(&qwenLLM.Config{
			APIKey:  cfg.APIKey,
			Model:   cfg.Model,
			BaseURL: cfg.BaseURL,
		})
	case "deepseek":
		provider, err = deepseekLLM.NewClient(&deepseekLLM.Config{
			APIKey:  cfg.APIKey,
			Model:   cfg.Model,
			BaseURL: cfg.BaseURL,
		})
	case "ollama":
		provider, err = ollamaLLM.NewClient(&ollamaLLM.Config{
			APIKey:  cfg.APIKey,
			Model:   cfg.Model,
			BaseURL: cfg.BaseURL,
		})
	case "anthropic":
		provider, err = anthropicLLM.NewClient(&anthropicLLM.Config{
			APIKey:  cfg.APIKey,
			Model:   cfg.Model,
			BaseURL: cfg.BaseURL,
		})
	default:
		return nil, NewContextError("initLLM", fmt.Errorf("%w: unknown llm provider %q", ErrInvalidConfig, cfg.Provider))
	}
	if err != nil {
		return nil, NewContextError("initLLM", err)
	}
	return provider, nil
}

// initEmbedder initializes the embedder provider and wraps it in the
// embedding cache unless CacheMaxCost is negative.
func initEmbedder(cfg EmbedderConfig) (embedder.Provider, error) {
	var (
		provider embedder.Provider
		err      error
	)
	switch cfg.Provider {
	case "openai":
		provider, err = openaiEmbedder.NewClient(&openaiEmbedder.Config{
			APIKey:     cfg.APIKey,
			Model:      cfg.Model,
			BaseURL:    cfg.BaseURL,
			Dimensions: cfg.Dimensions,
		})
	case "qwen":
		provider, err = qwenEmbedder.NewClient(&qwenEmbedder.Config{
			APIKey:     cfg.APIKey,
			Model:      cfg.Model,
			BaseURL:    cfg.BaseURL,
			Dimensions: cfg.Dimensions,
		})
	default:
		return nil, NewContextError("initEmbedder", fmt.Errorf("%w: unknown embedding provider %q", ErrInvalidConfig, cfg.Provider))
	}
	if err != nil {
		return nil, NewContextError("initEmbedder", err)
	}
	if cfg.CacheMaxCost < 0 {
		return provider, nil
	}

	cached, err := cache.New(provider, &cache.Config{MaxCost: cfg.CacheMaxCost})
	if err != nil {
		_ = provider.Close()
		return nil, NewContextError("initEmbedder", err)
	}
	return cached, nil
}
