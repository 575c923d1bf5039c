// Package graph turns a minimal workflow definition into a complete one: it
// resolves components, synthesizes tool and agent code, injects the tool
// executor node, rewires edges around it and fills the metadata block.
package graph

import (
	"errors"
	"fmt"

	"github.com/OFFIS-RIT/flowforge/backend/pkg/common"
	"github.com/OFFIS-RIT/flowforge/backend/pkg/library"
	"github.com/OFFIS-RIT/flowforge/backend/pkg/logger"
)

var (
	ErrInvalidGraph         = errors.New("invalid workflow graph")
	ErrUnsupportedCondition = errors.New("unsupported condition")
)

const (
	// ExecutorID is the id of the synthetic tool executor node.
	ExecutorID = "tools"

	DefaultTavilyName    = "tavily"
	DefaultCondition     = "should_continue"
	DefaultSystemMessage = "You are a helpful assistant."
	BranchingImport      = "from langgraph.graph import END, MessagesState"
	systemMessageImport  = "from langchain_core.messages import SystemMessage"
	tavilyComponent      = "tavily"
	wrapperJSONImport    = "import json"
	wrapperTypingImport  = "from typing import Optional, Dict, Any"
)

var log = logger.With("Enrich")

// enrichment carries what the passes collect while walking one definition.
type enrichment struct {
	def      common.GraphDefinition
	resolver library.Resolver

	toolIDs   map[string]bool
	agentIDs  map[string]bool
	toolNames []string
	callables map[string]string

	imports    orderedSet
	baseBlocks orderedSet
	secrets    map[string]string
	secretFrom map[string]string
}

// Enrich runs all passes over a deep copy of def and returns the enriched graph.
// def is never mutated. Resolution misses degrade to stubs; every other problem
// aborts with an error wrapping ErrInvalidGraph or ErrUnsupportedCondition.
func Enrich(def common.GraphDefinition, resolver library.Resolver) (common.GraphDefinition, error) {
	if err := common.ValidateID(def.ID); err != nil {
		return common.GraphDefinition{}, err
	}
	e := &enrichment{
		def:        def.Clone(),
		resolver:   resolver,
		toolIDs:    map[string]bool{},
		agentIDs:   map[string]bool{},
		callables:  map[string]string{},
		secrets:    map[string]string{},
		secretFrom: map[string]string{},
	}

	if err := e.classify(); err != nil {
		return common.GraphDefinition{}, err
	}
	if err := e.synthesizeTools(); err != nil {
		return common.GraphDefinition{}, err
	}
	e.collectSecrets()
	e.enrichAgents()
	functions, err := e.rewrite()
	if err != nil {
		return common.GraphDefinition{}, err
	}

	e.imports.add(BranchingImport)
	md := e.def.Metadata
	md.Imports = e.imports.items
	md.FunctionDefinitions = functions
	md.ToolAPIKeys = e.secrets
	md.BaseToolCodeBlocks = e.baseBlocks.items
	e.def.Metadata = md

	log.Debug("Graph enriched", "id", e.def.ID, "nodes", len(e.def.Nodes), "edges", len(e.def.Edges))
	return e.def, nil
}

// classify records node kinds and the tool callable names in encounter order.
func (e *enrichment) classify() error {
	seen := map[string]bool{}
	for i, n := range e.def.Nodes {
		if n.ID == "" {
			return fmt.Errorf("%w: node %d has no id", ErrInvalidGraph, i)
		}
		if seen[n.ID] {
			return fmt.Errorf("%w: duplicate node id %q", ErrInvalidGraph, n.ID)
		}
		seen[n.ID] = true
		if n.ID == ExecutorID {
			return fmt.Errorf("%w: node id %q is reserved for the tool executor", ErrInvalidGraph, n.ID)
		}

		switch n.Type {
		case common.NodeToolExecutor:
			return fmt.Errorf("%w: node %q: %s nodes are synthesized, not declared", ErrInvalidGraph, n.ID, n.Type)
		case common.NodeAgent:
			e.agentIDs[n.ID] = true
		case common.NodeToolFunction:
			name, ok := n.String("function_name")
			if !ok {
				return fmt.Errorf("%w: tool node %q has no function_name", ErrInvalidGraph, n.ID)
			}
			e.addTool(n.ID, name)
		case common.NodeTavilySearch:
			name, ok := n.String("function_name")
			if !ok {
				name = DefaultTavilyName
				e.setData(i, "function_name", name)
			}
			e.addTool(n.ID, name)
		default:
			log.Warn("Unknown node type carried through", "node", n.ID, "type", n.Type)
		}
	}
	return nil
}

func (e *enrichment) addTool(id, name string) {
	e.toolIDs[id] = true
	e.callables[id] = name
	e.toolNames = append(e.toolNames, name)
}

func (e *enrichment) setData(i int, key string, value any) {
	if e.def.Nodes[i].Data == nil {
		e.def.Nodes[i].Data = map[string]any{}
	}
	e.def.Nodes[i].Data[key] = value
}

type orderedSet struct {
	items []string
	seen  map[string]bool
}

func (s *orderedSet) add(items ...string) {
	if s.seen == nil {
		s.seen = map[string]bool{}
	}
	for _, item := range items {
		if s.seen[item] {
			continue
		}
		s.seen[item] = true
		s.items = append(s.items, item)
	}
}
