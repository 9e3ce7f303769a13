package agent

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// ActionKind is the closed set of side effects an agent may prepare.
type ActionKind string

const (
	ActionSendEmail           ActionKind = "send_email"
	ActionCreateJiraTask      ActionKind = "create_jira_task"
	ActionUpdateJiraTask      ActionKind = "update_jira_task"
	ActionCreateCalendarEvent ActionKind = "create_calendar_event"
	ActionCreateDocument      ActionKind = "create_document"
)

// AllActionKinds lists every ActionKind in declaration order.
var AllActionKinds = []ActionKind{
	ActionSendEmail,
	ActionCreateJiraTask,
	ActionUpdateJiraTask,
	ActionCreateCalendarEvent,
	ActionCreateDocument,
}

// requiredParams are the parameters an action cannot be confirmed without.
var requiredParams = map[ActionKind][]string{
	ActionSendEmail:           {"to", "subject", "body"},
	ActionCreateJiraTask:      {"project_key", "summary"},
	ActionUpdateJiraTask:      {"issue_key"},
	ActionCreateCalendarEvent: {"title", "start_time"},
	ActionCreateDocument:      {"title"},
}

// ParseActionKind validates s against the closed set.
func ParseActionKind(s string) (ActionKind, error) {
	k := ActionKind(s)
	if _, ok := requiredParams[k]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownAction, s)
	}
	return k, nil
}

// PendingAction is a prepared, unconfirmed side effect.
type PendingAction struct {
	ID      string                 `json:"id"`
	Kind    ActionKind             `json:"kind"`
	Params  map[string]interface{} `json:"params"`
	Summary string                 `json:"summary"`

	// Specialist is the role that prepared the action.
	Specialist string `json:"specialist"`

	// Fingerprint identifies the action by kind and parameters, so a retried
	// turn does not prepare the same action twice.
	Fingerprint string `json:"fingerprint"`

	CreatedAt time.Time `json:"created_at"`
}

// ActionResult is the outcome of executing a confirmed action.
type ActionResult struct {
	ActionID string                 `json:"action_id"`
	Kind     ActionKind             `json:"kind"`
	Success  bool                   `json:"success"`
	Result   map[string]interface{} `json:"result,omitempty"`
	Error    string                 `json:"error,omitempty"`
}

// Fingerprint hashes kind and params. encoding/json sorts map keys, so equal
// parameter maps always produce the same fingerprint.
func Fingerprint(kind ActionKind, params map[string]interface{}) string {
	canonical, err := json.Marshal(params)
	if err != nil {
		canonical = []byte(fmt.Sprintf("%v", params))
	}
	sum := sha256.Sum256(append([]byte(string(kind)+"\n"), canonical...))
	return hex.EncodeToString(sum[:])
}

func validateParams(kind ActionKind, params map[string]interface{}) error {
	var missing []string
	for _, key := range requiredParams[kind] {
		v, ok := params[key]
		if !ok || v == nil || v == "" {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s requires %v", ErrMalformedArguments, kind, missing)
	}
	return nil
}
