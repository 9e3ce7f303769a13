package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/oceanbase/powerctx-go/pkg/llm"
	"github.com/oceanbase/powerctx-go/pkg/retrieval"
	"github.com/oceanbase/powerctx-go/pkg/storage"
	"github.com/rs/zerolog"
)

// DefaultHistoryWindow is the number of earlier messages a turn sees.
const DefaultHistoryWindow = 10

var (
	// ErrInvalidTurn is returned for a turn without a user or a message.
	ErrInvalidTurn = errors.New("user id and message are required")

	// ErrSessionOwner is returned when a session belongs to another user.
	ErrSessionOwner = errors.New("session belongs to another user")
)

// TurnRequest is one user message. Snapshot, when set, replaces the stored
// session state, which lets callers run without a ConversationStore.
type TurnRequest struct {
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id,omitempty"`
	Message   string `json:"message"`
	Snapshot  []byte `json:"snapshot,omitempty"`
}

// TurnResponse is the outcome of a turn.
type TurnResponse struct {
	SessionID string `json:"session_id"`
	Status    Status `json:"status"`

	// Answer is the final answer, the clarification question or the
	// exhaustion fallback, depending on Status.
	Answer   string   `json:"answer"`
	Question string   `json:"question,omitempty"`
	Options  []string `json:"options,omitempty"`

	ContextItems   []retrieval.ScoredItem `json:"context_items"`
	Entities       []retrieval.EntityRef  `json:"entities"`
	PendingActions []PendingAction        `json:"pending_actions"`
	Delegations    []Delegation           `json:"delegations,omitempty"`
	Iterations     int                    `json:"iterations"`
	Snapshot       []byte                 `json:"snapshot"`
}

// ConfirmRequest identifies a pending action to confirm or reject.
type ConfirmRequest struct {
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
	ActionID  string `json:"action_id"`
	Snapshot  []byte `json:"snapshot,omitempty"`
}

// ConfirmResponse reports the executed action and what is still pending.
type ConfirmResponse struct {
	Result         *ActionResult   `json:"result,omitempty"`
	PendingActions []PendingAction `json:"pending_actions"`
	Snapshot       []byte          `json:"snapshot"`
}

// RunnerConfig configures a Runner.
type RunnerConfig struct {
	// HistoryWindow bounds the history carried between turns (default 10).
	HistoryWindow int

	Logger *zerolog.Logger
	Now    func() time.Time
}

// Runner is the turn boundary: it serialises turns per session, restores and
// persists state, and executes confirmed actions.
type Runner struct {
	orch     *Orchestrator
	store    storage.ConversationStore
	executor ActionExecutor
	locks    *SessionLocks

	window int
	logger zerolog.Logger
	now    func() time.Time
}

// NewRunner creates a Runner. store may be nil when callers pass snapshots
// themselves; executor defaults to a LogExecutor.
func NewRunner(orch *Orchestrator, store storage.ConversationStore, executor ActionExecutor, cfg *RunnerConfig) *Runner {
	if cfg == nil {
		cfg = &RunnerConfig{}
	}
	r := &Runner{
		orch:     orch,
		store:    store,
		executor: executor,
		locks:    NewSessionLocks(),
		window:   cfg.HistoryWindow,
		logger:   zerolog.Nop(),
		now:      cfg.Now,
	}
	if cfg.Logger != nil {
		r.logger = *cfg.Logger
	}
	if r.window <= 0 {
		r.window = DefaultHistoryWindow
	}
	if r.now == nil {
		r.now = time.Now
	}
	if r.executor == nil {
		r.executor = NewLogExecutor(cfg.Logger)
	}
	return r
}

// RunTurn runs one user message to a terminal status.
//
// Turns on the same session are serialised. A new session ID is assigned
// when the request has none. The user message and the answer are appended to
// the history and, with a store, to the session's turns.
func (r *Runner) RunTurn(ctx context.Context, req TurnRequest) (*TurnResponse, error) {
	if req.UserID == "" || strings.TrimSpace(req.Message) == "" {
		return nil, ErrInvalidTurn
	}
	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	unlock, err := r.locks.Lock(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("RunTurn: %w", err)
	}
	defer unlock()

	start := r.now()
	prev, err := r.load(ctx, sessionID, req.Snapshot)
	if err != nil {
		return nil, fmt.Errorf("RunTurn: %w", err)
	}

	var state *AgentState
	if prev != nil {
		if prev.UserID != "" && prev.UserID != req.UserID {
			return nil, ErrSessionOwner
		}
		state = prev.NextTurn(req.Message, r.window)
		state.UserID = req.UserID
		state.SessionID = sessionID
	} else {
		state = NewState(req.UserID, sessionID, req.Message, nil, r.window)
	}

	if err := r.orch.Run(ctx, state); err != nil {
		return nil, fmt.Errorf("RunTurn: %w", err)
	}

	state.History = trimHistory(append(state.History,
		llm.Message{Role: llm.RoleUser, Content: req.Message},
		llm.Message{Role: llm.RoleAssistant, Content: state.Answer},
	), r.window)

	snapshot, err := r.persist(ctx, state, true)
	if err != nil {
		return nil, fmt.Errorf("RunTurn: %w", err)
	}

	r.logger.Info().
		Str("session_id", sessionID).
		Str("status", string(state.Status)).
		Int("iterations", state.Iteration).
		Int("context_items", len(state.ContextItems)).
		Int("pending_actions", len(state.PendingActions)).
		Dur("duration", r.now().Sub(start)).
		Msg("turn finished")

	resp := &TurnResponse{
		SessionID:      sessionID,
		Status:         state.Status,
		Answer:         state.Answer,
		ContextItems:   state.ContextItems,
		Entities:       state.Entities,
		PendingActions: state.PendingActions,
		Delegations:    state.Metadata.Delegations,
		Iterations:     state.Iteration,
		Snapshot:       snapshot,
	}
	if c := state.Metadata.Clarification; c != nil && state.Status == StatusAwaitingClarification {
		resp.Question = c.Question
		resp.Options = c.Options
	}
	return resp, nil
}

// ConfirmAction executes a pending action. A successful action is removed
// from the session; a failed one stays pending so the user can retry.
func (r *Runner) ConfirmAction(ctx context.Context, req ConfirmRequest) (*ConfirmResponse, error) {
	return r.resolve(ctx, req, true)
}

// RejectAction drops a pending action without executing it.
func (r *Runner) RejectAction(ctx context.Context, req ConfirmRequest) (*ConfirmResponse, error) {
	return r.resolve(ctx, req, false)
}

func (r *Runner) resolve(ctx context.Context, req ConfirmRequest, execute bool) (*ConfirmResponse, error) {
	if req.UserID == "" || req.SessionID == "" || req.ActionID == "" {
		return nil, fmt.Errorf("%w: user, session and action IDs are required", ErrActionNotFound)
	}

	unlock, err := r.locks.Lock(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	state, err := r.load(ctx, req.SessionID, req.Snapshot)
	if err != nil {
		return nil, err
	}
	if state == nil {
		return nil, fmt.Errorf("%w: unknown session %s", ErrActionNotFound, req.SessionID)
	}
	if state.UserID != req.UserID {
		return nil, ErrSessionOwner
	}
	action, ok := state.FindAction(req.ActionID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrActionNotFound, req.ActionID)
	}

	resp := &ConfirmResponse{}
	if execute {
		result, err := r.executor.Execute(ctx, req.UserID, *action)
		if err != nil {
			return nil, fmt.Errorf("ConfirmAction: %w", err)
		}
		resp.Result = result
		r.logger.Info().
			Str("session_id", req.SessionID).
			Str("action_id", req.ActionID).
			Bool("success", result.Success).
			Msg("action confirmed")
		if result.Success {
			state.RemoveAction(req.ActionID)
		}
	} else {
		state.RemoveAction(req.ActionID)
		r.logger.Info().Str("session_id", req.SessionID).Str("action_id", req.ActionID).Msg("action rejected")
	}

	snapshot, err := r.persist(ctx, state, false)
	if err != nil {
		return nil, err
	}
	resp.PendingActions = state.PendingActions
	resp.Snapshot = snapshot
	return resp, nil
}

func (r *Runner) load(ctx context.Context, sessionID string, snapshot []byte) (*AgentState, error) {
	if len(snapshot) == 0 && r.store != nil {
		session, err := r.store.LoadSession(ctx, sessionID)
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		snapshot = session.Snapshot
	}
	if len(snapshot) == 0 {
		return nil, nil
	}
	return RestoreState(snapshot)
}

// persist snapshots state and, with a store, saves the session. withTurns
// also appends the turn's user and assistant messages.
func (r *Runner) persist(ctx context.Context, state *AgentState, withTurns bool) ([]byte, error) {
	snapshot, err := state.Snapshot()
	if err != nil {
		return nil, err
	}
	if r.store == nil {
		return snapshot, nil
	}

	now := r.now()
	if err := r.store.SaveSession(ctx, &storage.Session{
		ID:        state.SessionID,
		OwnerID:   state.UserID,
		Snapshot:  snapshot,
		CreatedAt: now,
		UpdatedAt: now,
	}); err != nil {
		return nil, err
	}
	if !withTurns {
		return snapshot, nil
	}
	for _, t := range []struct{ role, content string }{
		{llm.RoleUser, state.Message},
		{llm.RoleAssistant, state.Answer},
	} {
		if err := r.store.AppendTurn(ctx, &storage.Turn{
			SessionID: state.SessionID,
			OwnerID:   state.UserID,
			Role:      t.role,
			Content:   t.content,
			CreatedAt: now,
		}); err != nil {
			return nil, err
		}
	}
	return snapshot, nil
}
