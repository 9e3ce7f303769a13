package agent_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oceanbase/powerctx-go/pkg/agent"
)

func TestDefaultRegistry(t *testing.T) {
	r := agent.DefaultRegistry()
	assert.Equal(t, []string{"email", "calendar", "jira", "document"}, r.Names())

	email, ok := r.Get(" Email ")
	require.True(t, ok)
	assert.Equal(t, []agent.ActionKind{agent.ActionSendEmail}, email.ActionKinds)
	assert.NotContains(t, email.Tools, agent.ToolDelegate)
	assert.Contains(t, email.SystemPrompt, "email specialist")

	jira, ok := r.Get("jira")
	require.True(t, ok)
	assert.ElementsMatch(t, []agent.ActionKind{agent.ActionCreateJiraTask, agent.ActionUpdateJiraTask}, jira.ActionKinds)

	_, ok = r.Get("finance")
	assert.False(t, ok)
}

func TestParseRegistry(t *testing.T) {
	t.Run("strips delegation from specialists", func(t *testing.T) {
		r, err := agent.ParseRegistry([]byte(`
specialists:
  - name: Notes
    tools: [retrieve_context, delegate_to_specialist]
`))
		require.NoError(t, err)
		notes, ok := r.Get("notes")
		require.True(t, ok)
		assert.Equal(t, []agent.ToolKind{agent.ToolRetrieveContext}, notes.Tools)
	})

	errorCases := map[string]string{
		"unknown tool":   "specialists:\n  - name: x\n    tools: [browse_web]\n",
		"unknown action": "specialists:\n  - name: x\n    action_kinds: [wire_money]\n",
		"missing name":   "specialists:\n  - description: nameless\n",
		"duplicate":      "specialists:\n  - name: x\n  - name: X\n",
		"bad yaml":       "specialists: [",
	}
	for name, doc := range errorCases {
		t.Run(name, func(t *testing.T) {
			_, err := agent.ParseRegistry([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestLoadRegistry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "specialists.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
specialists:
  - name: travel
    description: Books trips.
    system_prompt: You are a travel specialist.
    tools: [retrieve_context, prepare_action]
    action_kinds: [create_calendar_event]
`), 0o600))

	r, err := agent.LoadRegistry(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"travel"}, r.Names())

	_, err = agent.LoadRegistry(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
