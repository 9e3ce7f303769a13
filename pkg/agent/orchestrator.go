package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/oceanbase/powerctx-go/pkg/llm"
	"github.com/oceanbase/powerctx-go/pkg/retrieval"
	"github.com/rs/zerolog"
)

const (
	// DefaultMaxIterations is the per-run model call ceiling.
	DefaultMaxIterations = 10

	// DefaultMaxModelFailures ends a run after this many consecutive failed model calls.
	DefaultMaxModelFailures = 3

	// MaxDelegationDepth is the deepest nesting of specialist runs.
	MaxDelegationDepth = 1

	// ExhaustedMessage is the answer of a run that hit its ceiling.
	ExhaustedMessage = "I was unable to complete this task within the allowed iterations."

	snippetChars        = 300
	defaultContextLimit = 10
)

const defaultSystemPrompt = `You are a personal work assistant with access to the user's emails, documents, Jira tasks and calendar.

Use retrieve_context to look up anything you need before answering; never invent facts about the user's data.
Delegate focused work to a specialist when it needs domain expertise:
%s
Use ask_user only when required information is missing and cannot be found.
Use prepare_action for anything with a side effect (sending, creating, updating). Actions run only after the user confirms them, so never claim an action has been performed.
Answer concisely and cite the items you used.`

// Retriever finds context for a query. *retrieval.Engine implements it.
type Retriever interface {
	Retrieve(ctx context.Context, req retrieval.Request) (*retrieval.Result, error)
}

// Config configures an Orchestrator.
type Config struct {
	// MaxIterations bounds model calls per run (default 10).
	MaxIterations int

	// MaxModelFailures bounds consecutive failed model calls (default 3).
	MaxModelFailures int

	// ContextLimit is the retrieval limit when a call does not set one (default 10).
	ContextLimit int

	// SystemPrompt replaces the orchestrator prompt. A %s verb, if present,
	// receives the specialist list.
	SystemPrompt string

	// Specialists defaults to DefaultRegistry().
	Specialists *Registry

	// GenerateOptions are passed to every model call.
	GenerateOptions []llm.GenerateOption

	Logger *zerolog.Logger
	Now    func() time.Time
}

// Orchestrator runs the tool-calling loop. It is safe for concurrent use
// provided each run has its own AgentState.
type Orchestrator struct {
	model       llm.Provider
	retriever   Retriever
	role        *Role
	specialists *Registry

	maxIterations int
	maxFailures   int
	contextLimit  int
	genOpts       []llm.GenerateOption

	logger zerolog.Logger
	now    func() time.Time
}

// NewOrchestrator creates an Orchestrator. retriever may be nil, in which
// case retrieve_context calls fail as tool results.
func NewOrchestrator(model llm.Provider, retriever Retriever, cfg *Config) *Orchestrator {
	if cfg == nil {
		cfg = &Config{}
	}
	o := &Orchestrator{
		model:         model,
		retriever:     retriever,
		specialists:   cfg.Specialists,
		maxIterations: cfg.MaxIterations,
		maxFailures:   cfg.MaxModelFailures,
		contextLimit:  cfg.ContextLimit,
		genOpts:       cfg.GenerateOptions,
		logger:        zerolog.Nop(),
		now:           cfg.Now,
	}
	if cfg.Logger != nil {
		o.logger = *cfg.Logger
	}
	if o.specialists == nil {
		o.specialists = DefaultRegistry()
	}
	if o.maxIterations <= 0 {
		o.maxIterations = DefaultMaxIterations
	}
	if o.maxFailures <= 0 {
		o.maxFailures = DefaultMaxModelFailures
	}
	if o.contextLimit <= 0 {
		o.contextLimit = defaultContextLimit
	}
	if o.now == nil {
		o.now = time.Now
	}

	prompt := cfg.SystemPrompt
	if prompt == "" {
		prompt = defaultSystemPrompt
	}
	if strings.Contains(prompt, "%s") {
		prompt = fmt.Sprintf(prompt, o.specialists.describe())
	}
	o.role = &Role{
		Name:         "orchestrator",
		SystemPrompt: prompt,
		Tools:        AllTools,
		ActionKinds:  AllActionKinds,
	}
	return o
}

// Specialists returns the registry used for delegation.
func (o *Orchestrator) Specialists() *Registry {
	return o.specialists
}

// Run drives state to a terminal status. The only error is cancellation of
// ctx, which leaves state running.
func (o *Orchestrator) Run(ctx context.Context, state *AgentState) error {
	if state.Status == "" {
		state.Status = StatusRunning
	}
	return o.run(ctx, state, o.role, 0)
}

func (o *Orchestrator) run(ctx context.Context, state *AgentState, role *Role, depth int) error {
	var specialists []string
	if depth < MaxDelegationDepth {
		specialists = o.specialists.Names()
	}
	schemas := toolSchemas(role, specialists)
	messages := o.buildMessages(state, role, depth)

	logger := o.logger.With().
		Str("session_id", state.SessionID).
		Str("role", role.Name).
		Int("depth", depth).
		Logger()

	failures := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if state.Iteration >= o.maxIterations {
			logger.Warn().Int("iterations", state.Iteration).Msg("iteration ceiling reached")
			exhaust(state)
			return nil
		}
		state.Iteration++

		completion, err := o.model.Complete(ctx, messages, schemas, o.genOpts...)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			failures++
			logger.Warn().Err(err).Int("iteration", state.Iteration).Int("failures", failures).Msg("model call failed")
			if failures >= o.maxFailures {
				exhaust(state)
				return nil
			}
			continue
		}
		failures = 0

		if !completion.HasToolCalls() {
			state.Status = StatusCompleted
			state.Answer = completion.Content
			logger.Debug().Int("iteration", state.Iteration).Msg("run completed")
			return nil
		}

		messages = append(messages, llm.Message{
			Role:      llm.RoleAssistant,
			Content:   completion.Content,
			ToolCalls: completion.ToolCalls,
		})
		for _, call := range completion.ToolCalls {
			result := o.execute(ctx, state, role, depth, call)
			logger.Debug().Str("tool", call.Name).Int("iteration", state.Iteration).Msg("tool executed")
			messages = append(messages, llm.Message{
				Role:       llm.RoleTool,
				Content:    result,
				ToolCallID: call.ID,
				Name:       call.Name,
			})
		}

		if c := state.Metadata.Clarification; c != nil {
			state.Status = StatusAwaitingClarification
			state.Answer = c.Question
			return nil
		}
	}
}

func exhaust(state *AgentState) {
	state.Status = StatusExhausted
	state.Answer = ExhaustedMessage
}

func (o *Orchestrator) buildMessages(state *AgentState, role *Role, depth int) []llm.Message {
	now := o.now()
	system := fmt.Sprintf("%s\n\nToday is %s.", strings.TrimSpace(role.SystemPrompt), now.Format("Monday, 2006-01-02"))

	messages := []llm.Message{{Role: llm.RoleSystem, Content: system}}
	if depth > 0 && len(state.ContextItems) > 0 {
		messages = append(messages, llm.Message{
			Role:    llm.RoleSystem,
			Content: "Context already gathered:\n" + renderContext(state.ContextItems),
		})
	}
	if len(state.PendingActions) > 0 {
		var b strings.Builder
		b.WriteString("Actions awaiting the user's confirmation:\n")
		for _, a := range state.PendingActions {
			fmt.Fprintf(&b, "- [%s] %s: %s\n", a.ID, a.Kind, a.Summary)
		}
		messages = append(messages, llm.Message{Role: llm.RoleSystem, Content: b.String()})
	}
	messages = append(messages, state.History...)
	messages = append(messages, llm.Message{Role: llm.RoleUser, Content: state.Message})
	return messages
}

// execute runs one tool call and returns the JSON text of its result.
// Failures never escape: they become {"success":false,"error":...}.
func (o *Orchestrator) execute(ctx context.Context, state *AgentState, role *Role, depth int, call llm.ToolCall) string {
	cmd, err := DecodeCommand(call, role.Tools)
	if err != nil {
		o.logger.Debug().Err(err).Str("tool", call.Name).Msg("rejected tool call")
		return errorResult(err)
	}

	var out interface{}
	switch c := cmd.(type) {
	case RetrieveCommand:
		out, err = o.retrieve(ctx, state, c)
	case DelegateCommand:
		out, err = o.delegate(ctx, state, depth, c)
	case AskUserCommand:
		state.Metadata.Clarification = &Clarification{Question: c.Question, Options: c.Options}
		out = map[string]interface{}{"success": true, "status": "question sent to the user"}
	case PrepareActionCommand:
		out, err = o.prepare(state, role, c)
	}
	if err != nil {
		return errorResult(err)
	}
	return encodeResult(out)
}

type itemSummary struct {
	ID      string  `json:"id"`
	Source  string  `json:"source"`
	Kind    string  `json:"kind,omitempty"`
	Title   string  `json:"title"`
	Date    string  `json:"date,omitempty"`
	From    string  `json:"from,omitempty"`
	Score   float64 `json:"score"`
	Snippet string  `json:"snippet"`
}

func summarizeItem(it retrieval.ScoredItem) itemSummary {
	s := itemSummary{
		ID:     it.Item.ID,
		Source: it.Item.Source,
		Kind:   it.Item.ContentKind,
		Title:  it.Item.Title,
		Score:  it.Score,
	}
	if !it.Item.SourceCreatedAt.IsZero() {
		s.Date = it.Item.SourceCreatedAt.Format(time.RFC3339)
	}
	if from, ok := it.Item.Metadata["from"].(string); ok {
		s.From = from
	}
	text := it.Item.Summary
	if text == "" {
		text = it.Item.Content
	}
	s.Snippet = snippet(text, snippetChars)
	return s
}

func snippet(text string, n int) string {
	text = strings.Join(strings.Fields(text), " ")
	r := []rune(text)
	if len(r) <= n {
		return text
	}
	return string(r[:n]) + "..."
}

func renderContext(items []retrieval.ScoredItem) string {
	var b strings.Builder
	for _, it := range items {
		if it.Item == nil {
			continue
		}
		s := summarizeItem(it)
		fmt.Fprintf(&b, "- [%s] (%s) %s: %s\n", s.ID, s.Source, s.Title, s.Snippet)
	}
	return b.String()
}

func (o *Orchestrator) retrieve(ctx context.Context, state *AgentState, c RetrieveCommand) (interface{}, error) {
	if o.retriever == nil {
		return nil, errors.New("retrieval is not configured")
	}
	query := strings.TrimSpace(c.Query)
	if query == "" {
		query = state.Message
	}
	limit := c.Limit
	if limit == 0 {
		limit = o.contextLimit
	}

	res, err := o.retriever.Retrieve(ctx, retrieval.Request{
		OwnerID:      state.UserID,
		Query:        query,
		SessionID:    state.SessionID,
		Sources:      c.Sources,
		EntityFilter: c.EntityFilter,
		TimeFilter:   c.TimeFilter,
		Limit:        limit,
	})
	if err != nil {
		return nil, fmt.Errorf("retrieve_context: %w", err)
	}

	state.AddContext(res.Items)
	state.AddEntities(res.Entities)

	items := make([]itemSummary, 0, len(res.Items))
	for _, it := range res.Items {
		if it.Item != nil {
			items = append(items, summarizeItem(it))
		}
	}
	return map[string]interface{}{
		"success":  true,
		"count":    len(items),
		"items":    items,
		"entities": res.Entities,
	}, nil
}

func (o *Orchestrator) delegate(ctx context.Context, state *AgentState, depth int, c DelegateCommand) (interface{}, error) {
	if depth >= MaxDelegationDepth {
		return nil, ErrDelegationDepth
	}
	target, ok := o.specialists.Get(c.Specialist)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSpecialist, c.Specialist)
	}

	sub := state.scoped(c.Task)
	if err := o.run(ctx, sub, target, depth+1); err != nil {
		return nil, fmt.Errorf("delegate_to_specialist: %w", err)
	}

	var ids []string
	var actions []map[string]interface{}
	for _, a := range sub.PendingActions {
		if _, dup := state.findFingerprint(a.Fingerprint); dup {
			continue
		}
		state.PendingActions = append(state.PendingActions, a)
		ids = append(ids, a.ID)
		actions = append(actions, map[string]interface{}{
			"action_id": a.ID,
			"kind":      a.Kind,
			"summary":   a.Summary,
		})
	}

	state.Metadata.Delegations = append(state.Metadata.Delegations, Delegation{
		Specialist: target.Name,
		Task:       c.Task,
		Status:     sub.Status,
		Message:    sub.Answer,
		Iterations: sub.Iteration,
		ActionIDs:  ids,
	})

	return map[string]interface{}{
		"success":    sub.Status == StatusCompleted || sub.Status == StatusAwaitingClarification,
		"specialist": target.Name,
		"status":     sub.Status,
		"message":    sub.Answer,
		"actions":    actions,
	}, nil
}

func (o *Orchestrator) prepare(state *AgentState, role *Role, c PrepareActionCommand) (interface{}, error) {
	if !containsAction(role.ActionKinds, c.Kind) {
		return nil, fmt.Errorf("%w: %s may not prepare %s", ErrToolNotAllowed, role.Name, c.Kind)
	}

	fp := Fingerprint(c.Kind, c.Params)
	if existing, ok := state.findFingerprint(fp); ok {
		return actionPrepared(existing, true), nil
	}

	action := PendingAction{
		ID:          uuid.NewString(),
		Kind:        c.Kind,
		Params:      c.Params,
		Summary:     c.Summary,
		Specialist:  role.Name,
		Fingerprint: fp,
		CreatedAt:   o.now(),
	}
	state.PendingActions = append(state.PendingActions, action)
	return actionPrepared(&action, false), nil
}

func actionPrepared(a *PendingAction, duplicate bool) map[string]interface{} {
	return map[string]interface{}{
		"success":   true,
		"action_id": a.ID,
		"kind":      a.Kind,
		"summary":   a.Summary,
		"status":    "pending_confirmation",
		"duplicate": duplicate,
	}
}

func containsAction(kinds []ActionKind, k ActionKind) bool {
	for _, have := range kinds {
		if have == k {
			return true
		}
	}
	return false
}

func errorResult(err error) string {
	return encodeResult(map[string]interface{}{"success": false, "error": err.Error()})
}

func encodeResult(v interface{}) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf(`{"success":false,"error":%q}`, err.Error())
	}
	return string(data)
}
