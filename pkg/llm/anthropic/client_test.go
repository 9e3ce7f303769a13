package anthropic_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oceanbase/powerctx-go/pkg/llm"
	"github.com/oceanbase/powerctx-go/pkg/llm/anthropic"
)

func TestClient_CompleteMapsToolBlocks(t *testing.T) {
	var captured struct {
		System   string `json:"system"`
		Messages []struct {
			Role    string                   `json:"role"`
			Content []map[string]interface{} `json:"content"`
		} `json:"messages"`
		Tools []map[string]interface{} `json:"tools"`
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "k", r.Header.Get("x-api-key"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))

		_, _ = w.Write([]byte(`{"content":[
			{"type":"text","text":"Let me check."},
			{"type":"tool_use","id":"toolu_1","name":"prepare_action","input":{"kind":"send_email"}}
		]}`))
	}))
	defer srv.Close()

	client, err := anthropic.NewClient(&anthropic.Config{APIKey: "k", BaseURL: srv.URL})
	require.NoError(t, err)

	history := []llm.Message{
		{Role: llm.RoleSystem, Content: "system prompt"},
		{Role: llm.RoleUser, Content: "email sarah"},
		{Role: llm.RoleAssistant, ToolCalls: []llm.ToolCall{
			{ID: "a", Name: "retrieve_context", Arguments: `{"query":"sarah"}`},
			{ID: "b", Name: "retrieve_context", Arguments: `not json`},
		}},
		{Role: llm.RoleTool, ToolCallID: "a", Content: "r1"},
		{Role: llm.RoleTool, ToolCallID: "b", Content: "r2"},
	}

	out, err := client.Complete(context.Background(), history, []llm.ToolSchema{{Name: "prepare_action", Parameters: map[string]interface{}{"type": "object"}}})
	require.NoError(t, err)
	assert.Equal(t, "Let me check.", out.Content)
	require.Len(t, out.ToolCalls, 1)
	assert.Equal(t, "toolu_1", out.ToolCalls[0].ID)
	assert.JSONEq(t, `{"kind":"send_email"}`, out.ToolCalls[0].Arguments)

	assert.Equal(t, "system prompt", captured.System)
	// user, assistant, one folded user turn with both results
	require.Len(t, captured.Messages, 3)
	assert.Equal(t, "assistant", captured.Messages[1].Role)
	assert.Len(t, captured.Messages[1].Content, 2)
	assert.Len(t, captured.Messages[2].Content, 2)
	assert.Equal(t, "tool_result", captured.Messages[2].Content[0]["type"])
	assert.Equal(t, "prepare_action", captured.Tools[0]["name"])
	assert.NotNil(t, captured.Tools[0]["input_schema"])
}

func TestClient_CompleteHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client, err := anthropic.NewClient(&anthropic.Config{APIKey: "k", BaseURL: srv.URL})
	require.NoError(t, err)

	_, err = client.Complete(context.Background(), []llm.Message{{Role: llm.RoleUser, Content: "hi"}}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}
