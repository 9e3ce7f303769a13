// Package agent implements the tool-calling orchestration loop.
//
// An Orchestrator drives a chat model through a bounded sequence of
// iterations. Each iteration the model either answers or calls tools:
// retrieve_context (the retrieval engine), delegate_to_specialist (a nested
// run with a narrower role), ask_user (suspend for clarification) and
// prepare_action (queue a side effect for explicit confirmation). A Runner
// wraps the loop with per-session locking and snapshot persistence.
package agent

import (
	"encoding/json"
	"fmt"

	"github.com/oceanbase/powerctx-go/pkg/llm"
	"github.com/oceanbase/powerctx-go/pkg/retrieval"
)

// Status is the state of a run.
type Status string

const (
	StatusRunning               Status = "running"
	StatusAwaitingClarification Status = "awaiting_clarification"
	StatusCompleted             Status = "completed"
	StatusExhausted             Status = "exhausted"
)

// Terminal reports whether the run has stopped.
func (s Status) Terminal() bool {
	return s != StatusRunning && s != ""
}

// Clarification is a question put to the user.
type Clarification struct {
	Question string   `json:"question"`
	Options  []string `json:"options,omitempty"`
}

// Delegation records one specialist run.
type Delegation struct {
	Specialist string   `json:"specialist"`
	Task       string   `json:"task"`
	Status     Status   `json:"status"`
	Message    string   `json:"message"`
	Iterations int      `json:"iterations"`
	ActionIDs  []string `json:"action_ids,omitempty"`
}

// Metadata is the state's side channel.
type Metadata struct {
	Clarification *Clarification    `json:"clarification,omitempty"`
	Delegations   []Delegation      `json:"delegations,omitempty"`
	Labels        map[string]string `json:"labels,omitempty"`
}

// AgentState is the mutable record of one turn. It is owned by the turn
// that runs it and must not be shared between goroutines.
type AgentState struct {
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
	Message   string `json:"message"`

	// History is the bounded window of earlier user and assistant messages.
	History []llm.Message `json:"history"`

	ContextItems   []retrieval.ScoredItem `json:"context_items"`
	Entities       []retrieval.EntityRef  `json:"entities"`
	PendingActions []PendingAction        `json:"pending_actions"`
	Metadata       Metadata               `json:"metadata"`

	Iteration int    `json:"iteration"`
	Status    Status `json:"status"`

	// Answer is the final text at a terminal status: the answer, the
	// clarification question or the exhaustion fallback.
	Answer string `json:"answer,omitempty"`
}

// NewState starts a turn. History is trimmed to the newest window messages.
func NewState(userID, sessionID, message string, history []llm.Message, window int) *AgentState {
	return &AgentState{
		UserID:    userID,
		SessionID: sessionID,
		Message:   message,
		History:   trimHistory(history, window),
		Status:    StatusRunning,
	}
}

// NextTurn starts a new turn from the previous turn's state. History and
// pending actions carry over; everything gathered during the turn resets.
func (s *AgentState) NextTurn(message string, window int) *AgentState {
	next := NewState(s.UserID, s.SessionID, message, s.History, window)
	next.PendingActions = append([]PendingAction(nil), s.PendingActions...)
	return next
}

// AddContext merges items by ID, keeping the higher score for duplicates.
func (s *AgentState) AddContext(items []retrieval.ScoredItem) {
	index := make(map[string]int, len(s.ContextItems))
	for i, it := range s.ContextItems {
		index[it.Item.ID] = i
	}
	for _, it := range items {
		if it.Item == nil {
			continue
		}
		if i, ok := index[it.Item.ID]; ok {
			if it.Score > s.ContextItems[i].Score {
				s.ContextItems[i] = it
			}
			continue
		}
		index[it.Item.ID] = len(s.ContextItems)
		s.ContextItems = append(s.ContextItems, it)
	}
}

// AddEntities appends entities not already present.
func (s *AgentState) AddEntities(refs []retrieval.EntityRef) {
	for _, ref := range refs {
		dup := false
		for _, have := range s.Entities {
			if have == ref {
				dup = true
				break
			}
		}
		if !dup {
			s.Entities = append(s.Entities, ref)
		}
	}
}

// FindAction returns the pending action with the given ID.
func (s *AgentState) FindAction(id string) (*PendingAction, bool) {
	for i := range s.PendingActions {
		if s.PendingActions[i].ID == id {
			return &s.PendingActions[i], true
		}
	}
	return nil, false
}

// RemoveAction drops a pending action and reports whether it existed.
func (s *AgentState) RemoveAction(id string) bool {
	for i := range s.PendingActions {
		if s.PendingActions[i].ID == id {
			s.PendingActions = append(s.PendingActions[:i], s.PendingActions[i+1:]...)
			return true
		}
	}
	return false
}

func (s *AgentState) findFingerprint(fp string) (*PendingAction, bool) {
	for i := range s.PendingActions {
		if s.PendingActions[i].Fingerprint == fp {
			return &s.PendingActions[i], true
		}
	}
	return nil, false
}

// scoped copies the state for a specialist run. The copy shares nothing
// mutable with s; only pending actions and the final message are merged back.
func (s *AgentState) scoped(task string) *AgentState {
	c := &AgentState{
		UserID:         s.UserID,
		SessionID:      s.SessionID,
		Message:        task,
		History:        append([]llm.Message(nil), s.History...),
		ContextItems:   append([]retrieval.ScoredItem(nil), s.ContextItems...),
		Entities:       append([]retrieval.EntityRef(nil), s.Entities...),
		PendingActions: append([]PendingAction(nil), s.PendingActions...),
		Status:         StatusRunning,
	}
	return c
}

// Snapshot serialises the state.
func (s *AgentState) Snapshot() ([]byte, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("Snapshot: %w", err)
	}
	return data, nil
}

// RestoreState parses a snapshot produced by Snapshot.
func RestoreState(data []byte) (*AgentState, error) {
	var s AgentState
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("RestoreState: %w", err)
	}
	return &s, nil
}

func trimHistory(history []llm.Message, window int) []llm.Message {
	if window > 0 && len(history) > window {
		history = history[len(history)-window:]
	}
	return append([]llm.Message(nil), history...)
}
