package graph

import (
	"fmt"
	"regexp"
	"slices"
	"strings"

	"github.com/OFFIS-RIT/flowforge/backend/pkg/common"
	"github.com/OFFIS-RIT/flowforge/backend/pkg/library"
)

var returnLiteral = regexp.MustCompile(`return\s+["'](\w+)["']`)

// SynthesizedEdgeID is the deterministic id of a collapsed executor→target edge.
func SynthesizedEdgeID(source, target string) string {
	return fmt.Sprintf("edge-%s-to-%s", source, target)
}

// rewrite injects the executor node, re-derives the edge set around it and
// resolves the conditions of every conditional edge that survives.
func (e *enrichment) rewrite() ([]common.FunctionDefinition, error) {
	e.def.Nodes = append(e.def.Nodes, common.Node{
		ID:   ExecutorID,
		Type: common.NodeToolExecutor,
		Data: map[string]any{
			"label": "Tool Executor",
			"title": "Tool Executor Node",
			"tools": slices.Clone(e.toolNames),
		},
	})

	// index points into the new edge list, or is -1 for collapsed edges.
	type conditional struct {
		edge   common.Edge
		index  int
		anchor string
	}
	var (
		kept         []common.Edge
		conditionals []conditional
		pairs        orderedSet
	)
	for _, edge := range e.def.Edges {
		src, dst := edge.Source, edge.Target
		switch {
		case e.agentIDs[src] && e.toolIDs[dst]:
			edge.Target = ExecutorID
			kept = append(kept, edge)
		case e.agentIDs[src] && e.agentIDs[dst]:
			kept = append(kept, edge)
		case e.toolIDs[src] && e.agentIDs[dst]:
			pairs.add(dst)
			if edge.Type == common.EdgeConditional {
				conditionals = append(conditionals, conditional{edge: edge, index: -1, anchor: dst})
			}
			continue
		default:
			log.Debug("Dropping edge outside the agent/tool shapes", "edge", edge.ID, "source", src, "target", dst)
			continue
		}
		if edge.Type == common.EdgeConditional {
			conditionals = append(conditionals, conditional{edge: edge, index: len(kept) - 1, anchor: src})
		}
	}

	edges := kept
	for _, target := range pairs.items {
		edges = append(edges, common.Edge{
			ID:     SynthesizedEdgeID(ExecutorID, target),
			Source: ExecutorID,
			Target: target,
			Type:   common.EdgeSimple,
		})
	}

	var functions []common.FunctionDefinition
	index := map[string]int{}
	for _, c := range conditionals {
		name := c.edge.Condition
		if name == "" {
			name = DefaultCondition
			if c.index >= 0 {
				edges[c.index].Condition = name
			}
		}
		if i, ok := index[name]; ok {
			if !slices.Contains(functions[i].Anchors, c.anchor) {
				functions[i].Anchors = append(functions[i].Anchors, c.anchor)
			}
			continue
		}

		comp, _ := e.resolver.Resolve(library.KindCondition, name)
		code, err := RouteToExecutor(comp.Source, ExecutorID)
		if err != nil {
			return nil, fmt.Errorf("condition %q on edge %q: %w", name, c.edge.ID, err)
		}
		e.imports.add(comp.Imports...)
		index[name] = len(functions)
		functions = append(functions, common.FunctionDefinition{
			Name:    name,
			Type:    "condition",
			Code:    code,
			Anchors: []string{c.anchor},
			Route: &common.Route{
				When: common.RouteOnToolCalls,
				Then: ExecutorID,
				Else: common.End,
			},
		})
	}

	e.def.Edges = edges
	return functions, nil
}

// RouteToExecutor rewrites the single quoted return literal of a condition to
// the executor id, in both quote styles. Sources without a literal (stubs) are
// returned unchanged; more than one distinct literal is ErrUnsupportedCondition.
func RouteToExecutor(source, executorID string) (string, error) {
	var literals []string
	for _, m := range returnLiteral.FindAllStringSubmatch(source, -1) {
		if !slices.Contains(literals, m[1]) {
			literals = append(literals, m[1])
		}
	}
	switch len(literals) {
	case 0:
		return source, nil
	case 1:
	default:
		return "", fmt.Errorf("%w: expected one quoted return literal, found %q", ErrUnsupportedCondition, literals)
	}

	lit := literals[0]
	if lit == executorID {
		return source, nil
	}
	out := strings.ReplaceAll(source, `"`+lit+`"`, `"`+executorID+`"`)
	out = strings.ReplaceAll(out, `'`+lit+`'`, `'`+executorID+`'`)
	return out, nil
}
