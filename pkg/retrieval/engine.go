package retrieval

import (
	"context"
	"net/mail"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/oceanbase/powerctx-go/pkg/embedder"
	"github.com/oceanbase/powerctx-go/pkg/storage"
)

const (
	defaultStrategyTimeout = 3 * time.Second
	defaultLimit           = 10
	defaultEpisodicLimit   = 3
)

// Config configures an Engine.
type Config struct {
	// StrategyTimeout bounds each strategy independently. Defaults to 3s.
	StrategyTimeout time.Duration

	// DefaultLimit applies when a request has no limit. Defaults to 10.
	DefaultLimit int

	// EpisodicLimit caps the episodic items merged into one result. Defaults to 3.
	EpisodicLimit int

	// Logger defaults to a disabled logger.
	Logger *zerolog.Logger

	// Now defaults to time.Now.
	Now func() time.Time
}

// Request is one retrieval.
type Request struct {
	OwnerID   string `json:"owner_id"`
	Query     string `json:"query"`
	SessionID string `json:"session_id,omitempty"`

	// Sources, EntityFilter and the time fields override what the query's
	// wording implies.
	Sources      []string  `json:"sources,omitempty"`
	EntityFilter string    `json:"entity_filter,omitempty"`
	TimeFilter   string    `json:"time_filter,omitempty"`
	From         time.Time `json:"from,omitempty"`
	To           time.Time `json:"to,omitempty"`

	Limit        int  `json:"limit,omitempty"`
	SkipEpisodic bool `json:"skip_episodic,omitempty"`
}

// Result is the ranked context set of one retrieval.
type Result struct {
	Items    []ScoredItem `json:"items"`
	Entities []EntityRef  `json:"entities"`
	Hints    Hints        `json:"hints"`

	// Counts is the number of candidates each strategy produced.
	Counts        map[StrategyKind]int `json:"counts"`
	EpisodicCount int                  `json:"episodic_count"`
}

// Engine analyzes a query, fans it out to the strategies and fuses the results.
type Engine struct {
	store      storage.Store
	analyzer   *Analyzer
	strategies []Strategy
	retry      []Strategy
	episodic   *EpisodicRecall
	cfg        Config
	logger     zerolog.Logger
}

// NewEngine creates an Engine over store. A nil emb disables semantic search
// and episodic recall; the lexical strategies still run.
//
// Args:
//   - store: the knowledge and conversation store
//   - emb: embedding provider, ideally wrapped in the embedding cache
//   - cfg: engine configuration, nil for defaults
//
// Returns:
//   - *Engine: ready for concurrent use
func NewEngine(store storage.Store, emb embedder.Provider, cfg *Config) *Engine {
	c := Config{}
	if cfg != nil {
		c = *cfg
	}
	if c.StrategyTimeout <= 0 {
		c.StrategyTimeout = defaultStrategyTimeout
	}
	if c.DefaultLimit <= 0 {
		c.DefaultLimit = defaultLimit
	}
	if c.EpisodicLimit <= 0 {
		c.EpisodicLimit = defaultEpisodicLimit
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	logger := zerolog.Nop()
	if c.Logger != nil {
		logger = *c.Logger
	}

	keyword := NewKeywordStrategy(store)
	fullText := NewFullTextStrategy(store)

	e := &Engine{
		store:    store,
		analyzer: NewAnalyzer(WithClock(c.Now)),
		strategies: []Strategy{
			WithFallback(NewSemanticStrategy(store, emb), keyword, c.StrategyTimeout),
			fullText,
			NewEntityStrategy(store),
			NewTemporalStrategy(store),
			NewMetadataStrategy(store),
		},
		retry:  []Strategy{fullText, keyword},
		cfg:    c,
		logger: logger,
	}
	if emb != nil {
		e.episodic = NewEpisodicRecall(store, emb, logger, c.Now)
	}
	return e
}

// Analyzer returns the engine's query analyzer.
func (e *Engine) Analyzer() *Analyzer {
	return e.analyzer
}

// Retrieve runs one retrieval. Strategy failures and timeouts degrade to
// fewer candidates; the only error is ErrInvalidRequest.
func (e *Engine) Retrieve(ctx context.Context, req Request) (*Result, error) {
	if strings.TrimSpace(req.OwnerID) == "" {
		return nil, ErrInvalidRequest
	}

	limit := req.Limit
	if limit <= 0 {
		limit = e.cfg.DefaultLimit
	}

	hints := e.analyzer.Analyze(req.Query, Overrides{
		Sources:      req.Sources,
		EntityFilter: req.EntityFilter,
		TimeFilter:   req.TimeFilter,
		From:         req.From,
		To:           req.To,
	})

	q := Query{
		OwnerID: req.OwnerID,
		Text:    req.Query,
		Hints:   hints,
		Filter:  newFilter(req.OwnerID, hints),
		Limit:   limit,
	}

	candidates := e.fanOut(ctx, q, e.strategies)
	if len(candidates) == 0 && len(q.Filter.Sources) > 0 && !hints.SourcesSupplied {
		e.logger.Debug().Strs("sources", q.Filter.Sources).Msg("no candidates, retrying without source filter")
		q.Filter = q.Filter.WithoutSources()
		candidates = e.fanOut(ctx, q, e.retry)
	}

	counts := make(map[StrategyKind]int)
	ids := make([]string, 0, len(candidates))
	queryEntities := append([]string{}, hints.Entities...)
	if hints.EntityFilter != "" {
		queryEntities = append(queryEntities, hints.EntityFilter)
	}
	for _, c := range candidates {
		counts[c.Strategy]++
		if c.Item != nil {
			ids = append(ids, c.Item.ID)
		}
		if c.EntityName != "" {
			queryEntities = append(queryEntities, c.EntityName)
		}
	}

	var stored map[string][]string
	if len(ids) > 0 {
		var err error
		stored, err = e.store.ItemEntities(ctx, ids)
		if err != nil {
			e.logger.Debug().Err(err).Msg("item entities")
		}
	}

	items := Fuse(candidates, FusionInput{
		QueryEntities:   queryEntities,
		ExplicitSources: hints.ExplicitSources,
		ItemEntities:    stored,
		Now:             e.cfg.Now(),
	})

	episodicCount := 0
	if e.episodic != nil && !req.SkipEpisodic && len(hints.ExplicitSources) == 0 && !hints.IsTemporal {
		episodes := e.episodic.Recall(ctx, req.OwnerID, req.Query, req.SessionID, e.cfg.EpisodicLimit)
		episodicCount = len(episodes)
		items = append(items, episodes...)
	}

	items = Rank(items, limit)

	e.logger.Debug().
		Str("owner_id", req.OwnerID).
		Int("candidates", len(candidates)).
		Int("episodic", episodicCount).
		Int("returned", len(items)).
		Msg("retrieval complete")

	return &Result{
		Items:         items,
		Entities:      summarizeEntities(items, candidates),
		Hints:         hints,
		Counts:        counts,
		EpisodicCount: episodicCount,
	}, nil
}

// fanOut runs the strategies concurrently, each under its own timeout, and
// concatenates their candidates in strategy order.
func (e *Engine) fanOut(ctx context.Context, q Query, strategies []Strategy) []CandidateResult {
	results := make([][]CandidateResult, len(strategies))

	var g errgroup.Group
	for i, s := range strategies {
		i, s := i, s
		g.Go(func() error {
			sctx := ctx
			if !selfTimed(s) {
				var cancel context.CancelFunc
				sctx, cancel = context.WithTimeout(ctx, e.cfg.StrategyTimeout)
				defer cancel()
			}

			start := time.Now()
			res, err := s.Retrieve(sctx, q)
			if err != nil {
				e.logger.Debug().Err(err).Str("strategy", string(s.Kind())).Dur("elapsed", time.Since(start)).Msg("strategy failed")
				return nil
			}
			e.logger.Debug().Str("strategy", string(s.Kind())).Int("results", len(res)).Dur("elapsed", time.Since(start)).Msg("strategy done")
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()

	var out []CandidateResult
	for _, r := range results {
		out = append(out, r...)
	}
	return out
}

// summarizeEntities lists the senders of returned mail and the entities the
// entity strategy matched, without duplicates.
func summarizeEntities(items []ScoredItem, candidates []CandidateResult) []EntityRef {
	var out []EntityRef
	seen := make(map[string]bool)
	add := func(ref EntityRef) {
		key := storage.NormalizeName(ref.Name)
		if key == "" {
			key = strings.ToLower(ref.Email)
		}
		if key == "" || seen[key] {
			return
		}
		seen[key] = true
		out = append(out, ref)
	}

	for _, it := range items {
		if it.Item.Source != storage.SourceGmail && it.Item.Source != storage.SourceOutlook {
			continue
		}
		from, _ := it.Item.Metadata["from"].(string)
		if from == "" {
			continue
		}
		if addr, err := mail.ParseAddress(from); err == nil {
			add(EntityRef{Type: "person", Name: addr.Name, Email: addr.Address})
		} else {
			add(EntityRef{Type: "person", Name: from})
		}
	}

	for _, c := range candidates {
		if c.EntityName == "" {
			continue
		}
		typ := c.EntityType
		if typ == "" {
			typ = "person"
		}
		add(EntityRef{Type: typ, Name: c.EntityName})
	}
	return out
}
