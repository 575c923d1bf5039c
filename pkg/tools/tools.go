// Package tools holds the native implementations of the library's tool
// components and builds the tool set of an enriched workflow.
package tools

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/OFFIS-RIT/flowforge/backend/pkg/ai"
	"github.com/OFFIS-RIT/flowforge/backend/pkg/common"
	"github.com/OFFIS-RIT/flowforge/backend/pkg/graph"
	"github.com/OFFIS-RIT/flowforge/backend/pkg/library"
	"github.com/OFFIS-RIT/flowforge/backend/pkg/logger"
)

var ErrToolNotFound = errors.New("tool not found")

var log = logger.With("Tools")

// Env is a workflow's own variables. Lookups fall back to the process env.
type Env map[string]string

func (e Env) Get(key string) string {
	if v, ok := e[key]; ok && v != "" {
		return v
	}
	return os.Getenv(key)
}

// Factory builds a component's tool for one workflow.
type Factory func(env Env, client *http.Client) ai.Tool

// Registry maps component names to their native implementation.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	client    *http.Client
}

// NewRegistry returns a registry with api_request, get_stock_info and tavily.
// A nil client gets a default with a 90 second timeout.
func NewRegistry(client *http.Client) *Registry {
	if client == nil {
		client = &http.Client{Timeout: 90 * time.Second}
	}
	r := &Registry{factories: map[string]Factory{}, client: client}
	r.Register(APIRequestName, APIRequest)
	r.Register(StockInfoName, StockInfo)
	r.Register(TavilyName, Tavily)
	return r
}

func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// Build returns the tool for a component, or false when it has no native twin.
func (r *Registry) Build(name string, env Env) (ai.Tool, bool) {
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return ai.Tool{}, false
	}
	return f(env, r.client), true
}

// Missing is the tool advertised for a node whose component could not be resolved.
func Missing(name string) ai.Tool {
	return ai.Tool{
		Name:        name,
		Description: fmt.Sprintf("Unavailable tool %s.", name),
		Parameters:  map[string]any{"type": "object", "properties": map[string]any{}},
		Handler: func(context.Context, string) (string, error) {
			return "", fmt.Errorf("%w: %s", ErrToolNotFound, name)
		},
	}
}

// Rename returns t advertised under another name.
func Rename(t ai.Tool, name string) ai.Tool {
	t.Name = name
	return t
}

// ForGraph builds the tools of an enriched definition in node order. Each tool
// is advertised under its node's callable name.
func (r *Registry) ForGraph(def common.GraphDefinition, env Env) ([]ai.Tool, error) {
	var out []ai.Tool
	for _, n := range def.Nodes {
		if !n.Type.IsTool() {
			continue
		}
		name, _ := n.String("function_name")
		if n.Type == common.NodeTavilySearch && name == "" {
			name = graph.DefaultTavilyName
		}
		if name == "" {
			return nil, fmt.Errorf("tool node %q has no function_name", n.ID)
		}

		code, _ := n.String("code")
		base, hasBase := n.String("base_tool")
		switch {
		case library.IsStub(code):
			log.Warn("tool has no implementation", "node", n.ID, "tool", name)
			out = append(out, Missing(name))
		case n.Type == common.NodeTavilySearch:
			t, _ := r.Build(TavilyName, env)
			out = append(out, Rename(t, name))
		case hasBase:
			bt, ok := r.Build(base, env)
			if !ok {
				log.Warn("base tool has no native implementation", "node", n.ID, "base", base)
				out = append(out, Missing(name))
				continue
			}
			llmArgs, ok := n.Strings("llm_args")
			if !ok || len(llmArgs) == 0 {
				llmArgs = graph.DefaultLLMArgs
			}
			t, err := Specialize(name, bt, n.Map("static_args"), llmArgs)
			if err != nil {
				return nil, fmt.Errorf("tool node %q: %w", n.ID, err)
			}
			if desc, ok := n.String("description"); ok {
				t.Description = desc
			}
			out = append(out, t)
		default:
			t, ok := r.Build(name, env)
			if !ok {
				log.Warn("tool has no native implementation", "node", n.ID, "tool", name)
				t = Missing(name)
			}
			out = append(out, t)
		}
	}
	return out, nil
}
