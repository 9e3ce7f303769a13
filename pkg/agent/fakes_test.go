package agent_test

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oceanbase/powerctx-go/pkg/llm"
	"github.com/oceanbase/powerctx-go/pkg/retrieval"
	"github.com/oceanbase/powerctx-go/pkg/storage"
)

var testNow = time.Date(2024, time.June, 12, 15, 0, 0, 0, time.UTC)

func fixedClock() time.Time { return testNow }

// respondFunc produces the model's reply for the n-th call (1-based).
type respondFunc func(n int, messages []llm.Message, tools []llm.ToolSchema) (*llm.Completion, error)

// scriptedModel is an llm.Provider driven by a respondFunc. It records
// every call it receives.
type scriptedModel struct {
	mu       sync.Mutex
	respond  respondFunc
	calls    int
	messages [][]llm.Message
	tools    [][]llm.ToolSchema
}

func newScriptedModel(respond respondFunc) *scriptedModel {
	return &scriptedModel{respond: respond}
}

func (m *scriptedModel) Complete(ctx context.Context, messages []llm.Message, tools []llm.ToolSchema, _ ...llm.GenerateOption) (*llm.Completion, error) {
	m.mu.Lock()
	m.calls++
	n := m.calls
	m.messages = append(m.messages, append([]llm.Message(nil), messages...))
	m.tools = append(m.tools, tools)
	m.mu.Unlock()
	return m.respond(n, messages, tools)
}

func (m *scriptedModel) Close() error { return nil }

func (m *scriptedModel) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// lastToolMessage returns the newest tool message sent on call n.
func (m *scriptedModel) lastToolMessage(n int) llm.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	msgs := m.messages[n-1]
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == llm.RoleTool {
			return msgs[i]
		}
	}
	return llm.Message{}
}

func toolNames(tools []llm.ToolSchema) []string {
	names := make([]string, 0, len(tools))
	for _, t := range tools {
		names = append(names, t.Name)
	}
	return names
}

func answer(text string) *llm.Completion {
	return &llm.Completion{Content: text}
}

func callTools(calls ...llm.ToolCall) *llm.Completion {
	return &llm.Completion{ToolCalls: calls}
}

func toolCall(id, name, args string) llm.ToolCall {
	return llm.ToolCall{ID: id, Name: name, Arguments: args}
}

// inRole reports whether the conversation's system prompt contains phrase,
// e.g. "email specialist".
func inRole(messages []llm.Message, phrase string) bool {
	return len(messages) > 0 && strings.Contains(messages[0].Content, phrase)
}

// fakeRetriever returns canned results in order, repeating the last one.
type fakeRetriever struct {
	mu       sync.Mutex
	results  []*retrieval.Result
	err      error
	requests []retrieval.Request
}

func (r *fakeRetriever) Retrieve(_ context.Context, req retrieval.Request) (*retrieval.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests = append(r.requests, req)
	if r.err != nil {
		return nil, r.err
	}
	if len(r.results) == 0 {
		return &retrieval.Result{}, nil
	}
	i := len(r.requests) - 1
	if i >= len(r.results) {
		i = len(r.results) - 1
	}
	return r.results[i], nil
}

func scored(id string, score float64) retrieval.ScoredItem {
	return retrieval.ScoredItem{
		Item: &storage.KnowledgeItem{
			ID:              id,
			OwnerID:         "u1",
			Source:          storage.SourceGmail,
			Title:           "Item " + id,
			Content:         "content of " + id,
			SourceCreatedAt: testNow.Add(-time.Hour),
		},
		Origin: retrieval.OriginPrimary,
		Score:  score,
	}
}

// memConversations is an in-memory storage.ConversationStore.
type memConversations struct {
	mu       sync.Mutex
	sessions map[string]*storage.Session
	turns    map[string][]*storage.Turn
	nextID   int
}

func newMemConversations() *memConversations {
	return &memConversations{
		sessions: make(map[string]*storage.Session),
		turns:    make(map[string][]*storage.Turn),
	}
}

func (s *memConversations) SaveSession(_ context.Context, session *storage.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *session
	if old, ok := s.sessions[session.ID]; ok {
		cp.CreatedAt = old.CreatedAt
	}
	s.sessions[session.ID] = &cp
	return nil
}

func (s *memConversations) LoadSession(_ context.Context, sessionID string) (*storage.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("LoadSession: %w", storage.ErrNotFound)
	}
	cp := *session
	return &cp, nil
}

func (s *memConversations) RecentSessions(_ context.Context, ownerID string, limit int) ([]*storage.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*storage.Session
	for _, session := range s.sessions {
		if session.OwnerID == ownerID {
			out = append(out, session)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memConversations) AppendTurn(_ context.Context, turn *storage.Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if turn.ID == "" {
		s.nextID++
		turn.ID = fmt.Sprint(s.nextID)
	}
	s.turns[turn.SessionID] = append(s.turns[turn.SessionID], turn)
	return nil
}

func (s *memConversations) RecentTurns(_ context.Context, sessionID string, limit int) ([]*storage.Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	turns := s.turns[sessionID]
	var out []*storage.Turn
	for i := len(turns) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		out = append(out, turns[i])
	}
	return out, nil
}

func (s *memConversations) turnCount(sessionID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.turns[sessionID])
}
