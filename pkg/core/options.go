package core

import (
	"time"

	"github.com/oceanbase/powerctx-go/pkg/agent"
	"github.com/oceanbase/powerctx-go/pkg/embedder"
	"github.com/oceanbase/powerctx-go/pkg/llm"
	"github.com/oceanbase/powerctx-go/pkg/storage"
	"github.com/rs/zerolog"
)

// ClientOption is a function type for configuring NewClient.
//
// Options replace what the Config would otherwise build, which is how tests
// and embedders supply their own store or providers.
type ClientOption func(*clientOptions)

type clientOptions struct {
	store       storage.Store
	llm         llm.Provider
	embedder    embedder.Provider
	noEmbedder  bool
	executor    agent.ActionExecutor
	specialists *agent.Registry
	logger      *zerolog.Logger
	now         func() time.Time
}

// WithStore uses store instead of the configured backend.
func WithStore(store storage.Store) ClientOption {
	return func(opts *clientOptions) {
		opts.store = store
	}
}

// WithLLM uses provider instead of the configured LLM.
//
// Example:
//
//	client, _ := core.NewClient(cfg, core.WithLLM(myProvider))
func WithLLM(provider llm.Provider) ClientOption {
	return func(opts *clientOptions) {
		opts.llm = provider
	}
}

// WithEmbedder uses provider instead of the configured embedder. A nil
// provider disables embeddings.
func WithEmbedder(provider embedder.Provider) ClientOption {
	return func(opts *clientOptions) {
		opts.embedder = provider
		opts.noEmbedder = provider == nil
	}
}

// WithExecutor sets the executor for confirmed actions. The default only
// logs them.
func WithExecutor(executor agent.ActionExecutor) ClientOption {
	return func(opts *clientOptions) {
		opts.executor = executor
	}
}

// WithSpecialists replaces the specialist registry.
func WithSpecialists(registry *agent.Registry) ClientOption {
	return func(opts *clientOptions) {
		opts.specialists = registry
	}
}

// WithLogger sets the logger shared by every component.
func WithLogger(logger zerolog.Logger) ClientOption {
	return func(opts *clientOptions) {
		opts.logger = &logger
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) ClientOption {
	return func(opts *clientOptions) {
		opts.now = now
	}
}

// SearchOption is a function type for configuring Search operations.
type SearchOption func(*SearchOptions)

// SearchOptions contains configuration options for Search operations.
type SearchOptions struct {
	// SessionID enables episodic recall from that session's conversation.
	SessionID string

	// Sources restricts results to these sources.
	Sources []string

	// EntityFilter names a person, project or company results must relate to.
	EntityFilter string

	// TimeFilter is a named window: today, yesterday, last_week, last_month,
	// last_3_months or last_6_months.
	TimeFilter string

	// Limit is the maximum number of results.
	Limit int
}

// WithSessionID sets the conversation used for episodic recall.
func WithSessionID(sessionID string) SearchOption {
	return func(opts *SearchOptions) {
		opts.SessionID = sessionID
	}
}

// WithSources restricts Search to the given sources.
//
// Example:
//
//	res, _ := client.Search(ctx, "u1", "budget", core.WithSources("gmail", "gdrive"))
func WithSources(sources ...string) SearchOption {
	return func(opts *SearchOptions) {
		opts.Sources = sources
	}
}

// WithEntityFilter restricts Search to items related to an entity.
func WithEntityFilter(name string) SearchOption {
	return func(opts *SearchOptions) {
		opts.EntityFilter = name
	}
}

// WithTimeFilter restricts Search to a named time window.
func WithTimeFilter(window string) SearchOption {
	return func(opts *SearchOptions) {
		opts.TimeFilter = window
	}
}

// WithLimit sets the maximum number of results.
func WithLimit(limit int) SearchOption {
	return func(opts *SearchOptions) {
		opts.Limit = limit
	}
}

func applySearchOptions(opts []SearchOption) *SearchOptions {
	searchOpts := &SearchOptions{}
	for _, opt := range opts {
		opt(searchOpts)
	}
	return searchOpts
}
