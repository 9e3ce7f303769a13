package agent

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/oceanbase/powerctx-go/pkg/llm"
)

var (
	// ErrUnknownTool is returned for a tool name outside the closed set.
	ErrUnknownTool = errors.New("unknown tool")

	// ErrToolNotAllowed is returned for a known tool the role may not call.
	ErrToolNotAllowed = errors.New("tool not allowed for this role")

	// ErrMalformedArguments is returned for arguments that do not decode or validate.
	ErrMalformedArguments = errors.New("malformed tool arguments")

	// ErrDelegationDepth is returned when a specialist tries to delegate.
	ErrDelegationDepth = errors.New("delegation depth exceeded")

	// ErrUnknownSpecialist is returned for a delegation target that is not registered.
	ErrUnknownSpecialist = errors.New("unknown specialist")

	// ErrUnknownAction is returned for an action kind outside the closed set.
	ErrUnknownAction = errors.New("unknown action kind")

	// ErrActionNotFound is returned when confirming an action that is not pending.
	ErrActionNotFound = errors.New("pending action not found")
)

// ToolKind is the closed set of tools the orchestrator understands.
type ToolKind string

const (
	ToolRetrieveContext ToolKind = "retrieve_context"
	ToolDelegate        ToolKind = "delegate_to_specialist"
	ToolAskUser         ToolKind = "ask_user"
	ToolPrepareAction   ToolKind = "prepare_action"
)

// AllTools lists every ToolKind in declaration order.
var AllTools = []ToolKind{ToolRetrieveContext, ToolDelegate, ToolAskUser, ToolPrepareAction}

// ParseToolKind validates a tool name.
func ParseToolKind(name string) (ToolKind, error) {
	for _, k := range AllTools {
		if string(k) == name {
			return k, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownTool, name)
}

// Command is a decoded tool call.
type Command interface {
	Tool() ToolKind
}

// RetrieveCommand searches the user's knowledge.
type RetrieveCommand struct {
	Query        string   `json:"query"`
	Sources      []string `json:"sources,omitempty"`
	EntityFilter string   `json:"entity_filter,omitempty"`
	TimeFilter   string   `json:"time_filter,omitempty"`
	Limit        int      `json:"limit,omitempty"`
}

func (RetrieveCommand) Tool() ToolKind { return ToolRetrieveContext }

// DelegateCommand hands a task to a specialist.
type DelegateCommand struct {
	Specialist string `json:"specialist"`
	Task       string `json:"task"`
}

func (DelegateCommand) Tool() ToolKind { return ToolDelegate }

// AskUserCommand suspends the turn with a question.
type AskUserCommand struct {
	Question string   `json:"question"`
	Options  []string `json:"options,omitempty"`
}

func (AskUserCommand) Tool() ToolKind { return ToolAskUser }

// PrepareActionCommand queues a side effect for confirmation.
type PrepareActionCommand struct {
	Kind    ActionKind             `json:"kind"`
	Params  map[string]interface{} `json:"params"`
	Summary string                 `json:"summary"`
}

func (PrepareActionCommand) Tool() ToolKind { return ToolPrepareAction }

// DecodeCommand turns a raw tool call into a typed command. Unknown names,
// tools outside allowed and arguments that fail to decode or validate are
// reported as errors wrapping ErrUnknownTool, ErrToolNotAllowed or
// ErrMalformedArguments.
func DecodeCommand(call llm.ToolCall, allowed []ToolKind) (Command, error) {
	kind, err := ParseToolKind(call.Name)
	if err != nil {
		return nil, err
	}
	if !containsTool(allowed, kind) {
		return nil, fmt.Errorf("%w: %s", ErrToolNotAllowed, kind)
	}

	args := strings.TrimSpace(call.Arguments)
	if args == "" {
		args = "{}"
	}

	var cmd Command
	switch kind {
	case ToolRetrieveContext:
		var c RetrieveCommand
		if err := decodeArgs(args, &c); err != nil {
			return nil, err
		}
		if c.Limit < 0 {
			return nil, fmt.Errorf("%w: limit must not be negative", ErrMalformedArguments)
		}
		cmd = c

	case ToolDelegate:
		var c DelegateCommand
		if err := decodeArgs(args, &c); err != nil {
			return nil, err
		}
		if c.Specialist == "" || strings.TrimSpace(c.Task) == "" {
			return nil, fmt.Errorf("%w: specialist and task are required", ErrMalformedArguments)
		}
		cmd = c

	case ToolAskUser:
		var c AskUserCommand
		if err := decodeArgs(args, &c); err != nil {
			return nil, err
		}
		if strings.TrimSpace(c.Question) == "" {
			return nil, fmt.Errorf("%w: question is required", ErrMalformedArguments)
		}
		cmd = c

	case ToolPrepareAction:
		var c PrepareActionCommand
		if err := decodeArgs(args, &c); err != nil {
			return nil, err
		}
		if _, err := ParseActionKind(string(c.Kind)); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedArguments, err)
		}
		if c.Params == nil {
			c.Params = map[string]interface{}{}
		}
		if err := validateParams(c.Kind, c.Params); err != nil {
			return nil, err
		}
		cmd = c
	}
	return cmd, nil
}

func decodeArgs(args string, v interface{}) error {
	if err := json.Unmarshal([]byte(args), v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedArguments, err)
	}
	return nil
}

func containsTool(kinds []ToolKind, k ToolKind) bool {
	for _, have := range kinds {
		if have == k {
			return true
		}
	}
	return false
}

// toolSchemas builds the schemas offered to a role. The delegation schema
// enumerates the registered specialists and the action schema the role's
// action kinds.
func toolSchemas(role *Role, specialists []string) []llm.ToolSchema {
	var out []llm.ToolSchema
	for _, kind := range role.Tools {
		switch kind {
		case ToolRetrieveContext:
			out = append(out, llm.ToolSchema{
				Name:        string(ToolRetrieveContext),
				Description: "Search the user's emails, documents, tasks and calendar. Returns the most relevant items with scores.",
				Parameters: object(map[string]interface{}{
					"query":         prop("string", "What to search for, in natural language."),
					"sources":       arrayOf("string", "Restrict to these sources: gmail, outlook, gdrive, onedrive, jira, calendar."),
					"entity_filter": prop("string", "A person, project or company the items must relate to."),
					"time_filter":   enumOf("Restrict by time.", "today", "yesterday", "last_week", "last_month", "last_3_months", "last_6_months"),
					"limit":         prop("integer", "Maximum number of items, default 10."),
				}, "query"),
			})

		case ToolDelegate:
			if len(specialists) == 0 {
				continue
			}
			out = append(out, llm.ToolSchema{
				Name:        string(ToolDelegate),
				Description: "Hand a self-contained task to a specialist. The specialist can search and prepare actions, and returns its final message.",
				Parameters: object(map[string]interface{}{
					"specialist": enumOf("Which specialist to use.", specialists...),
					"task":       prop("string", "The complete task, including every detail the specialist needs."),
				}, "specialist", "task"),
			})

		case ToolAskUser:
			out = append(out, llm.ToolSchema{
				Name:        string(ToolAskUser),
				Description: "Ask the user a clarifying question when required information is missing. Ends the turn.",
				Parameters: object(map[string]interface{}{
					"question": prop("string", "The question to ask."),
					"options":  arrayOf("string", "Optional answers the user can pick from."),
				}, "question"),
			})

		case ToolPrepareAction:
			kinds := make([]string, 0, len(role.ActionKinds))
			for _, k := range role.ActionKinds {
				kinds = append(kinds, string(k))
			}
			if len(kinds) == 0 {
				continue
			}
			out = append(out, llm.ToolSchema{
				Name:        string(ToolPrepareAction),
				Description: "Prepare an action for the user to confirm. Nothing is executed until the user confirms.",
				Parameters: object(map[string]interface{}{
					"kind":    enumOf("The kind of action.", kinds...),
					"params":  map[string]interface{}{"type": "object", "description": "Action parameters, e.g. to/subject/body for send_email."},
					"summary": prop("string", "One line describing the action for the user."),
				}, "kind", "params", "summary"),
			})
		}
	}
	return out
}

func object(properties map[string]interface{}, required ...string) map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": properties,
		"required":   required,
	}
}

func prop(typ, description string) map[string]interface{} {
	return map[string]interface{}{"type": typ, "description": description}
}

func arrayOf(itemType, description string) map[string]interface{} {
	return map[string]interface{}{
		"type":        "array",
		"items":       map[string]interface{}{"type": itemType},
		"description": description,
	}
}

func enumOf(description string, values ...string) map[string]interface{} {
	return map[string]interface{}{"type": "string", "enum": values, "description": description}
}
