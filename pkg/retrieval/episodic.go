package retrieval

import (
	"context"
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/oceanbase/powerctx-go/pkg/embedder"
	"github.com/oceanbase/powerctx-go/pkg/storage"
)

const (
	// SourceConversation and KindEpisode mark the synthetic items that wrap turns.
	SourceConversation = "conversation"
	KindEpisode        = "episode"

	episodicSessions     = 10
	episodicTurns        = 20
	episodicMaxChars     = 1000
	episodicHorizonDays  = 30
	currentSessionWeight = 1.0
	otherSessionWeight   = 0.5
	episodicSimWeight    = 0.6
	episodicRecWeight    = 0.2
)

// EpisodicRecall surfaces past conversation turns similar to the query.
type EpisodicRecall struct {
	store    storage.ConversationStore
	embedder embedder.Provider
	logger   zerolog.Logger
	now      func() time.Time
}

// NewEpisodicRecall creates an EpisodicRecall. Pass a caching embedder: the
// same turns are embedded on every query.
func NewEpisodicRecall(store storage.ConversationStore, emb embedder.Provider, logger zerolog.Logger, now func() time.Time) *EpisodicRecall {
	if now == nil {
		now = time.Now
	}
	return &EpisodicRecall{store: store, embedder: emb, logger: logger, now: now}
}

// Recall returns at most limit episodic items, best first. Any failure
// yields what was gathered so far; recall never fails a retrieval.
//
// Each turn scores min(0.5, sim*weight*0.6 + recency*0.2) where weight is 1.0
// for the current session and 0.5 otherwise and recency decays to zero over
// 30 days. Turns less than 0.3 similar are dropped.
func (r *EpisodicRecall) Recall(ctx context.Context, ownerID, query, currentSessionID string, limit int) []ScoredItem {
	if r.embedder == nil || query == "" || limit <= 0 {
		return nil
	}

	queryVec, err := r.embedder.Embed(ctx, embedder.Truncate(query, MaxEmbedChars))
	if err != nil {
		r.logger.Debug().Err(err).Msg("episodic: embed query")
		return nil
	}

	sessions, err := r.store.RecentSessions(ctx, ownerID, episodicSessions)
	if err != nil {
		r.logger.Debug().Err(err).Msg("episodic: recent sessions")
		return nil
	}

	now := r.now()
	var out []ScoredItem
	for _, session := range sessions {
		turns, err := r.store.RecentTurns(ctx, session.ID, episodicTurns)
		if err != nil {
			r.logger.Debug().Err(err).Str("session_id", session.ID).Msg("episodic: recent turns")
			continue
		}
		if len(turns) == 0 {
			continue
		}

		texts := make([]string, len(turns))
		for i, t := range turns {
			texts[i] = embedder.Truncate(t.Content, episodicMaxChars)
		}
		vectors, err := r.embedder.EmbedBatch(ctx, texts)
		if err != nil || len(vectors) != len(turns) {
			r.logger.Debug().Err(err).Str("session_id", session.ID).Msg("episodic: embed turns")
			continue
		}

		weight := otherSessionWeight
		if session.ID == currentSessionID {
			weight = currentSessionWeight
		}

		for i, t := range turns {
			sim := storage.CosineSimilarity(queryVec, vectors[i])
			if sim < EpisodicMinSimilarity {
				continue
			}
			days := math.Max(0, now.Sub(t.CreatedAt).Hours()/24)
			recency := math.Max(0, 1-days/episodicHorizonDays)
			score := math.Min(EpisodicCeiling, sim*weight*episodicSimWeight+recency*episodicRecWeight)
			out = append(out, ScoredItem{
				Item:   turnItem(t),
				Origin: OriginEpisodic,
				Components: Components{
					Semantic: clamp(sim, 0, 1),
					Recency:  recency * episodicRecWeight,
				},
				Score:      round3(score),
				Strategies: []StrategyKind{StrategyEpisodic},
			})
		}
	}

	return Rank(out, limit)
}

func turnItem(t *storage.Turn) *storage.KnowledgeItem {
	return &storage.KnowledgeItem{
		ID:          "turn:" + t.ID,
		OwnerID:     t.OwnerID,
		Source:      SourceConversation,
		SourceID:    t.ID,
		ContentKind: KindEpisode,
		Title:       "Earlier conversation (" + t.Role + ")",
		Content:     t.Content,
		Metadata: map[string]interface{}{
			"session_id": t.SessionID,
			"role":       t.Role,
		},
		SourceCreatedAt: t.CreatedAt,
	}
}
