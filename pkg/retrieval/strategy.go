package retrieval

import (
	"context"
	"time"

	"github.com/oceanbase/powerctx-go/pkg/storage"
)

// Query is the input every strategy receives.
type Query struct {
	OwnerID string
	Text    string
	Hints   Hints

	// Filter carries the owner, the candidate sources and the time window.
	Filter storage.Filter

	Limit int
}

// Strategy is one independent way of finding candidate items.
//
// Implementations are read-only and safe for concurrent use. An error means
// the strategy contributes nothing; the engine never fails a retrieval
// because one strategy did.
type Strategy interface {
	Kind() StrategyKind
	Retrieve(ctx context.Context, q Query) ([]CandidateResult, error)
}

// newFilter builds the store filter for a request.
func newFilter(ownerID string, h Hints) storage.Filter {
	f := storage.Filter{
		OwnerID: ownerID,
		Sources: h.CandidateSources,
	}
	if h.Window != nil {
		f.From = h.Window.From
		f.To = h.Window.To
	}
	return f
}

// withFallback runs fallback whenever primary returns nothing or fails.
// Each stage runs under its own timeout derived from the caller's context,
// so a primary that used up its budget still leaves the fallback one.
type withFallback struct {
	primary  Strategy
	fallback Strategy
	timeout  time.Duration
}

// WithFallback chains a fallback behind a primary strategy. The result keeps
// the primary's kind; each candidate keeps the kind of the strategy that found it.
// A timeout <= 0 leaves deadlines to the caller.
func WithFallback(primary, fallback Strategy, timeout time.Duration) Strategy {
	return &withFallback{primary: primary, fallback: fallback, timeout: timeout}
}

func (w *withFallback) Kind() StrategyKind {
	return w.primary.Kind()
}

func (w *withFallback) Retrieve(ctx context.Context, q Query) ([]CandidateResult, error) {
	results, err := w.stage(ctx, w.primary, q)
	if err == nil && len(results) > 0 {
		return results, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return w.stage(ctx, w.fallback, q)
}

func (w *withFallback) stage(ctx context.Context, s Strategy, q Query) ([]CandidateResult, error) {
	if w.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.timeout)
		defer cancel()
	}
	return s.Retrieve(ctx, q)
}

// selfTimed reports whether a strategy bounds its own stages, in which case
// the engine hands it the request context directly.
func selfTimed(s Strategy) bool {
	w, ok := s.(*withFallback)
	return ok && w.timeout > 0
}

func toCandidates(items []*storage.KnowledgeItem, kind StrategyKind) []CandidateResult {
	out := make([]CandidateResult, 0, len(items))
	for _, item := range items {
		out = append(out, CandidateResult{Item: item, Strategy: kind})
	}
	return out
}
