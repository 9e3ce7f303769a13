package agent_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oceanbase/powerctx-go/pkg/agent"
	"github.com/oceanbase/powerctx-go/pkg/llm"
)

func TestDecodeCommand(t *testing.T) {
	tests := []struct {
		name    string
		call    llm.ToolCall
		allowed []agent.ToolKind
		want    agent.Command
		wantErr error
	}{
		{
			name: "retrieve",
			call: toolCall("1", "retrieve_context", `{"query":"q3 budget","sources":["gmail"],"time_filter":"last_month","limit":5}`),
			want: agent.RetrieveCommand{Query: "q3 budget", Sources: []string{"gmail"}, TimeFilter: "last_month", Limit: 5},
		},
		{
			name: "empty arguments decode as an empty object",
			call: toolCall("1", "retrieve_context", ""),
			want: agent.RetrieveCommand{},
		},
		{
			name: "delegate",
			call: toolCall("1", "delegate_to_specialist", `{"specialist":"jira","task":"create a ticket"}`),
			want: agent.DelegateCommand{Specialist: "jira", Task: "create a ticket"},
		},
		{
			name: "ask user",
			call: toolCall("1", "ask_user", `{"question":"Which project?","options":["ENG","OPS"]}`),
			want: agent.AskUserCommand{Question: "Which project?", Options: []string{"ENG", "OPS"}},
		},
		{
			name: "prepare action",
			call: toolCall("1", "prepare_action", `{"kind":"create_jira_task","params":{"project_key":"ENG","summary":"Fix login"},"summary":"New ENG task"}`),
			want: agent.PrepareActionCommand{
				Kind:    agent.ActionCreateJiraTask,
				Params:  map[string]interface{}{"project_key": "ENG", "summary": "Fix login"},
				Summary: "New ENG task",
			},
		},
		{
			name:    "unknown tool",
			call:    toolCall("1", "launch_rocket", `{}`),
			wantErr: agent.ErrUnknownTool,
		},
		{
			name:    "tool outside the role",
			call:    toolCall("1", "delegate_to_specialist", `{"specialist":"jira","task":"x"}`),
			allowed: []agent.ToolKind{agent.ToolRetrieveContext},
			wantErr: agent.ErrToolNotAllowed,
		},
		{
			name:    "invalid json",
			call:    toolCall("1", "ask_user", `{"question":`),
			wantErr: agent.ErrMalformedArguments,
		},
		{
			name:    "wrong argument type",
			call:    toolCall("1", "retrieve_context", `{"query":42}`),
			wantErr: agent.ErrMalformedArguments,
		},
		{
			name:    "negative limit",
			call:    toolCall("1", "retrieve_context", `{"query":"x","limit":-1}`),
			wantErr: agent.ErrMalformedArguments,
		},
		{
			name:    "delegate without task",
			call:    toolCall("1", "delegate_to_specialist", `{"specialist":"jira","task":"  "}`),
			wantErr: agent.ErrMalformedArguments,
		},
		{
			name:    "unknown action kind",
			call:    toolCall("1", "prepare_action", `{"kind":"wire_money","params":{}}`),
			wantErr: agent.ErrMalformedArguments,
		},
		{
			name:    "missing required params",
			call:    toolCall("1", "prepare_action", `{"kind":"create_calendar_event","params":{"title":"Sync"}}`),
			wantErr: agent.ErrMalformedArguments,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			allowed := tt.allowed
			if allowed == nil {
				allowed = agent.AllTools
			}
			got, err := agent.DecodeCommand(tt.call, allowed)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Nil(t, got)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseActionKind(t *testing.T) {
	for _, k := range agent.AllActionKinds {
		got, err := agent.ParseActionKind(string(k))
		require.NoError(t, err)
		assert.Equal(t, k, got)
	}
	_, err := agent.ParseActionKind("delete_everything")
	assert.ErrorIs(t, err, agent.ErrUnknownAction)
}

func TestFingerprint(t *testing.T) {
	a := agent.Fingerprint(agent.ActionSendEmail, map[string]interface{}{"to": "bob@example.com", "subject": "Hi"})
	b := agent.Fingerprint(agent.ActionSendEmail, map[string]interface{}{"subject": "Hi", "to": "bob@example.com"})
	c := agent.Fingerprint(agent.ActionCreateDocument, map[string]interface{}{"to": "bob@example.com", "subject": "Hi"})
	d := agent.Fingerprint(agent.ActionSendEmail, map[string]interface{}{"to": "bob@example.com", "subject": "Hello"})

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.NotEqual(t, a, d)
	assert.Len(t, a, 64)
}
