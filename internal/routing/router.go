package routing

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/vnmchuo/model-orchestrator/internal/provider"
)

// Task types recognised by the built-in table.
const (
	TaskGeneral   = "general"
	TaskCode      = "code"
	TaskReasoning = "reasoning"
	TaskFast      = "fast"
	TaskAdvanced  = "advanced"
)

// Route is a concrete provider and model. An empty Model lets the provider
// pick its default.
type Route struct {
	Provider provider.Identity `yaml:"provider" json:"provider"`
	Model    string            `yaml:"model" json:"model,omitempty"`
}

// Table maps a task type to the route that serves it.
type Table map[string]Route

func DefaultTable() Table {
	return Table{
		TaskCode:      {Provider: provider.Cerebras, Model: "qwen-3-coder-480b"},
		TaskReasoning: {Provider: provider.Cerebras, Model: "qwen-3-235b-a22b-thinking-2507"},
		TaskFast:      {Provider: provider.NVIDIA, Model: "nvidia/nvidia-nemotron-nano-9b-v2"},
		TaskAdvanced:  {Provider: provider.NVIDIA, Model: "deepseek-ai/deepseek-v3.1"},
		TaskGeneral:   {Provider: provider.SambaNova, Model: "DeepSeek-V3.1"},
	}
}

type tableFile struct {
	Routes map[string]struct {
		Provider string `yaml:"provider"`
		Model    string `yaml:"model"`
	} `yaml:"routes"`
}

// LoadTable reads a YAML routing table of the form
//
//	routes:
//	  code: {provider: cerebras, model: qwen-3-coder-480b}
func LoadTable(path string) (Table, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read routing table: %w", err)
	}
	return ParseTable(raw)
}

func ParseTable(raw []byte) (Table, error) {
	var f tableFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse routing table: %w", err)
	}
	if len(f.Routes) == 0 {
		return nil, fmt.Errorf("routing table has no routes")
	}

	t := make(Table, len(f.Routes))
	for task, r := range f.Routes {
		id, err := provider.ParseIdentity(r.Provider)
		if err != nil {
			return nil, fmt.Errorf("route %q: %w", task, err)
		}
		t[strings.ToLower(strings.TrimSpace(task))] = Route{Provider: id, Model: r.Model}
	}
	return t, nil
}

// Query is the subset of a request the Router looks at.
type Query struct {
	Provider provider.Identity
	Model    string
	TaskType string
}

// Router resolves requests without an explicit provider. It is immutable
// after construction.
type Router struct {
	defaultProvider provider.Identity
	table           Table
}

// New returns a Router. A nil table selects DefaultTable.
func New(defaultProvider provider.Identity, table Table) *Router {
	if table == nil {
		table = DefaultTable()
	}
	cp := make(Table, len(table))
	for k, v := range table {
		cp[k] = v
	}
	return &Router{defaultProvider: defaultProvider, table: cp}
}

func (r *Router) DefaultProvider() provider.Identity {
	return r.defaultProvider
}

// Lookup returns the route for a task type.
func (r *Router) Lookup(taskType string) (Route, bool) {
	rt, ok := r.table[strings.ToLower(strings.TrimSpace(taskType))]
	return rt, ok
}

// Resolve picks the provider and model for q. An explicit provider wins,
// then a known task type, then the default provider with q's own model.
func (r *Router) Resolve(q Query) Route {
	if q.Provider != "" {
		return Route{Provider: q.Provider, Model: q.Model}
	}
	if q.TaskType != "" {
		if rt, ok := r.Lookup(q.TaskType); ok {
			return rt
		}
	}
	return Route{Provider: r.defaultProvider, Model: q.Model}
}
