package ollama_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oceanbase/powerctx-go/pkg/llm"
	"github.com/oceanbase/powerctx-go/pkg/llm/ollama"
)

func TestClient_CompleteSynthesizesCallIDs(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)

		var req map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, false, req["stream"])
		assert.Len(t, req["tools"], 1)

		_, _ = w.Write([]byte(`{"message":{"role":"assistant","content":"","tool_calls":[
			{"function":{"name":"ask_user","arguments":{"question":"Which Sarah?"}}},
			{"function":{"name":"retrieve_context","arguments":{"query":"x"}}}
		]}}`))
	}))
	defer srv.Close()

	client, err := ollama.NewClient(&ollama.Config{BaseURL: srv.URL})
	require.NoError(t, err)

	out, err := client.Complete(context.Background(),
		[]llm.Message{{Role: llm.RoleUser, Content: "email sarah"}},
		[]llm.ToolSchema{{Name: "ask_user", Parameters: map[string]interface{}{"type": "object"}}},
	)
	require.NoError(t, err)
	require.Len(t, out.ToolCalls, 2)
	assert.Equal(t, "call_0", out.ToolCalls[0].ID)
	assert.Equal(t, "call_1", out.ToolCalls[1].ID)
	assert.JSONEq(t, `{"question":"Which Sarah?"}`, out.ToolCalls[0].Arguments)
}
