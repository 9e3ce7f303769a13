package agent

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed specialists.yaml
var defaultSpecialists []byte

// Role is what an agent may do: its prompt, its tools and the actions it may
// prepare. The orchestrator and every specialist run as a Role.
type Role struct {
	Name         string       `yaml:"name"`
	Description  string       `yaml:"description"`
	SystemPrompt string       `yaml:"system_prompt"`
	Tools        []ToolKind   `yaml:"tools"`
	ActionKinds  []ActionKind `yaml:"action_kinds"`
}

// Registry holds the specialists available for delegation.
type Registry struct {
	roles map[string]*Role
	names []string
}

type registryFile struct {
	Specialists []*Role `yaml:"specialists"`
}

// DefaultRegistry returns the built-in email, calendar, jira and document specialists.
func DefaultRegistry() *Registry {
	r, err := ParseRegistry(defaultSpecialists)
	if err != nil {
		panic(fmt.Sprintf("agent: embedded specialists: %v", err))
	}
	return r
}

// LoadRegistry reads specialist definitions from a YAML file.
func LoadRegistry(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("LoadRegistry: %w", err)
	}
	r, err := ParseRegistry(data)
	if err != nil {
		return nil, fmt.Errorf("LoadRegistry: %s: %w", path, err)
	}
	return r, nil
}

// ParseRegistry parses specialist definitions. Tool and action names are
// validated against the closed sets. Specialists never delegate, so
// delegate_to_specialist is dropped from their tools.
func ParseRegistry(data []byte) (*Registry, error) {
	var file registryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse specialists: %w", err)
	}

	r := &Registry{roles: make(map[string]*Role)}
	for _, role := range file.Specialists {
		role.Name = strings.ToLower(strings.TrimSpace(role.Name))
		if role.Name == "" {
			return nil, fmt.Errorf("specialist without a name")
		}
		if _, dup := r.roles[role.Name]; dup {
			return nil, fmt.Errorf("duplicate specialist %q", role.Name)
		}

		tools := make([]ToolKind, 0, len(role.Tools))
		for _, t := range role.Tools {
			kind, err := ParseToolKind(string(t))
			if err != nil {
				return nil, fmt.Errorf("specialist %q: %w", role.Name, err)
			}
			if kind != ToolDelegate {
				tools = append(tools, kind)
			}
		}
		role.Tools = tools

		for _, a := range role.ActionKinds {
			if _, err := ParseActionKind(string(a)); err != nil {
				return nil, fmt.Errorf("specialist %q: %w", role.Name, err)
			}
		}

		r.roles[role.Name] = role
		r.names = append(r.names, role.Name)
	}
	return r, nil
}

// Get returns the named specialist.
func (r *Registry) Get(name string) (*Role, bool) {
	if r == nil {
		return nil, false
	}
	role, ok := r.roles[strings.ToLower(strings.TrimSpace(name))]
	return role, ok
}

// Names lists the specialists in definition order.
func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	return append([]string(nil), r.names...)
}

// describe renders the specialists for the orchestrator's prompt.
func (r *Registry) describe() string {
	var b strings.Builder
	for _, name := range r.Names() {
		fmt.Fprintf(&b, "- %s: %s\n", name, r.roles[name].Description)
	}
	return b.String()
}
