// Package engine runs enriched workflow graphs: agent steps call a chat model,
// the tool executor dispatches the calls they request, and edges plus
// condition routes decide what runs next.
package engine

import (
	"errors"
	"fmt"
	"slices"

	"github.com/OFFIS-RIT/flowforge/backend/pkg/ai"
	"github.com/OFFIS-RIT/flowforge/backend/pkg/common"
	"github.com/OFFIS-RIT/flowforge/backend/pkg/graph"
	"github.com/OFFIS-RIT/flowforge/backend/pkg/library"
)

// DefaultMaxSteps bounds the node visits of a single run.
const DefaultMaxSteps = 25

var (
	ErrNoAgent           = errors.New("workflow has no agent node")
	ErrStepLimit         = errors.New("step limit reached")
	ErrConditionNotFound = errors.New("condition not found")
	ErrUnsupportedRoute  = errors.New("unsupported route")
)

// ModelFactory builds the chat model of one agent node.
type ModelFactory func(node common.Node) (ai.ChatModel, error)

type agent struct {
	id            string
	systemMessage string
	model         ai.ChatModel
}

type route struct {
	condition string
	missing   bool
	common.Route
}

// Workflow is an executable, immutable view of an enriched graph. It is safe
// for concurrent runs.
type Workflow struct {
	ID       string
	Tools    []ai.Tool
	MaxSteps int

	def        common.GraphDefinition
	agents     map[string]*agent
	entry      string
	next       map[string][]string
	toExecutor map[string]bool
	routes     map[string]route
	returns    []string
}

type Option func(*Workflow)

func WithMaxSteps(n int) Option {
	return func(w *Workflow) {
		if n > 0 {
			w.MaxSteps = n
		}
	}
}

// New builds a workflow from an enriched definition.
func New(def common.GraphDefinition, models ModelFactory, tools []ai.Tool, opts ...Option) (*Workflow, error) {
	w := &Workflow{
		ID:         def.ID,
		Tools:      tools,
		MaxSteps:   DefaultMaxSteps,
		def:        def,
		agents:     map[string]*agent{},
		next:       map[string][]string{},
		toExecutor: map[string]bool{},
		routes:     map[string]route{},
	}
	for _, o := range opts {
		o(w)
	}

	var order []string
	for _, n := range def.Nodes {
		if n.Type != common.NodeAgent {
			continue
		}
		model, err := models(n)
		if err != nil {
			return nil, fmt.Errorf("agent %q: %w", n.ID, err)
		}
		msg, ok := n.String("system_message_generated")
		if !ok {
			if msg, ok = n.String("system_message"); !ok {
				msg = graph.DefaultSystemMessage
			}
		}
		w.agents[n.ID] = &agent{id: n.ID, systemMessage: msg, model: model}
		order = append(order, n.ID)
	}
	if len(order) == 0 {
		return nil, ErrNoAgent
	}

	executor := w.executorID()
	hasIncoming := map[string]bool{}
	for _, e := range def.Edges {
		_, fromAgent := w.agents[e.Source]
		_, toAgent := w.agents[e.Target]
		switch {
		case fromAgent && toAgent:
			w.next[e.Source] = append(w.next[e.Source], e.Target)
			hasIncoming[e.Target] = true
		case fromAgent && e.Target == executor:
			w.toExecutor[e.Source] = true
		case e.Source == executor && toAgent:
			if !slices.Contains(w.returns, e.Target) {
				w.returns = append(w.returns, e.Target)
			}
		}
	}

	w.entry = order[0]
	for _, id := range order {
		if !hasIncoming[id] {
			w.entry = id
			break
		}
	}

	for _, fd := range def.Metadata.FunctionDefinitions {
		if fd.Route == nil {
			continue
		}
		r := route{condition: fd.Name, missing: library.IsStub(fd.Code), Route: *fd.Route}
		for _, anchor := range fd.Anchors {
			if _, ok := w.routes[anchor]; !ok {
				w.routes[anchor] = r
			}
		}
	}
	return w, nil
}

func (w *Workflow) executorID() string {
	for _, n := range w.def.Nodes {
		if n.Type == common.NodeToolExecutor {
			return n.ID
		}
	}
	return graph.ExecutorID
}

// Entry is the agent a run starts at.
func (w *Workflow) Entry() string {
	return w.entry
}

// Definition returns the enriched graph the workflow was built from.
func (w *Workflow) Definition() common.GraphDefinition {
	return w.def
}

// Models returns the chat model of every agent, keyed by node id.
func (w *Workflow) Models() map[string]ai.ChatModel {
	out := make(map[string]ai.ChatModel, len(w.agents))
	for id, a := range w.agents {
		out[id] = a.model
	}
	return out
}
