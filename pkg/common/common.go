package common

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"regexp"
	"strings"
)

var (
	ErrMissingID = errors.New("workflow id is required")
	ErrInvalidID = errors.New("workflow id must be a single path segment of letters, digits, '.', '_' or '-' that does not start with '.'")
)

// NodeType identifies what a node does in a workflow graph.
type NodeType string

const (
	NodeToolFunction NodeType = "tool_function"
	NodeTavilySearch NodeType = "tavily_search"
	NodeAgent        NodeType = "agent"
	// NodeToolExecutor is synthetic: enrichment injects exactly one, input never carries it.
	NodeToolExecutor NodeType = "tool_executor"
)

// IsTool reports whether nodes of this type are dispatched by the tool executor.
func (t NodeType) IsTool() bool {
	return t == NodeToolFunction || t == NodeTavilySearch
}

type EdgeType string

const (
	EdgeSimple      EdgeType = "simple"
	EdgeConditional EdgeType = "conditional"
)

// End is the sentinel route target that finishes a run.
const End = "__end__"

// GraphDefinition is the unit of work: one agent workflow as drawn by the user.
//
// A definition is submitted once per compile request, enriched, persisted under
// its ID and loaded into an executable workflow.
type GraphDefinition struct {
	ID       string   `json:"id"`
	Nodes    []Node   `json:"nodes"`
	Edges    []Edge   `json:"edges"`
	Metadata Metadata `json:"metadata"`
}

// Node is one step of the graph. Data is an open mapping whose recognized keys
// depend on Type.
type Node struct {
	ID   string         `json:"id"`
	Type NodeType       `json:"type"`
	Data map[string]any `json:"data,omitempty"`
}

// Edge is a directed control-flow link. Condition names a condition component
// and is only meaningful on conditional edges.
type Edge struct {
	ID        string   `json:"id"`
	Source    string   `json:"source"`
	Target    string   `json:"target"`
	Type      EdgeType `json:"type"`
	Condition string   `json:"condition,omitempty"`
}

// Route is the branch instruction attached to a condition. When the inspected
// agent message matches When, control goes to Then, otherwise to Else.
type Route struct {
	When string `json:"when"`
	Then string `json:"then"`
	Else string `json:"else"`
}

// RouteOnToolCalls matches an assistant message that requests at least one tool call.
const RouteOnToolCalls = "tool_calls"

type FunctionDefinition struct {
	Name    string   `json:"name"`
	Type    string   `json:"type"`
	Code    string   `json:"code"`
	// Anchors are the agent nodes whose output the condition inspects.
	Anchors []string `json:"anchors,omitempty"`
	Route   *Route   `json:"route,omitempty"`
}

// Metadata collects what enrichment derives from the whole graph. Keys that are
// not known here are kept in Extra and round-trip unchanged.
type Metadata struct {
	Imports             []string             `json:"imports"`
	FunctionDefinitions []FunctionDefinition `json:"function_definitions"`
	ToolAPIKeys         map[string]string    `json:"tool_api_keys"`
	BaseToolCodeBlocks  []string             `json:"base_tool_code_blocks,omitempty"`
	Extra               map[string]any       `json:"-"`
}

var knownMetadataKeys = []string{"imports", "function_definitions", "tool_api_keys", "base_tool_code_blocks"}

// MarshalJSON always writes imports, function_definitions and tool_api_keys,
// empty when unset.
func (m Metadata) MarshalJSON() ([]byte, error) {
	type plain Metadata
	p := plain(m)
	if p.Imports == nil {
		p.Imports = []string{}
	}
	if p.FunctionDefinitions == nil {
		p.FunctionDefinitions = []FunctionDefinition{}
	}
	if p.ToolAPIKeys == nil {
		p.ToolAPIKeys = map[string]string{}
	}
	known, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	if len(m.Extra) == 0 {
		return known, nil
	}
	merged := make(map[string]any, len(m.Extra)+len(knownMetadataKeys))
	maps.Copy(merged, m.Extra)
	var fields map[string]any
	if err := json.Unmarshal(known, &fields); err != nil {
		return nil, err
	}
	maps.Copy(merged, fields)
	return json.Marshal(merged)
}

func (m *Metadata) UnmarshalJSON(data []byte) error {
	type plain Metadata
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	var all map[string]any
	if err := json.Unmarshal(data, &all); err != nil {
		return err
	}
	for _, k := range knownMetadataKeys {
		delete(all, k)
	}
	*m = Metadata(p)
	if len(m.Imports) == 0 {
		m.Imports = nil
	}
	if len(m.FunctionDefinitions) == 0 {
		m.FunctionDefinitions = nil
	}
	if len(m.ToolAPIKeys) == 0 {
		m.ToolAPIKeys = nil
	}
	if len(all) > 0 {
		m.Extra = all
	}
	return nil
}

var idPattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// ValidateID rejects ids that cannot be used as a cache key and a directory
// name. Dot-prefixed names are reserved for bookkeeping such as staging.
func ValidateID(id string) error {
	if id == "" {
		return ErrMissingID
	}
	if strings.HasPrefix(id, ".") || !idPattern.MatchString(id) {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return nil
}

// String returns data[key] if it is a non-empty string.
func (n Node) String(key string) (string, bool) {
	v, ok := n.Data[key].(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// Map returns data[key] if it is an object.
func (n Node) Map(key string) map[string]any {
	v, _ := n.Data[key].(map[string]any)
	return v
}

// Strings returns data[key] as a string list, skipping non-string items.
func (n Node) Strings(key string) ([]string, bool) {
	switch v := n.Data[key].(type) {
	case []string:
		return v, true
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out, true
	default:
		return nil, false
	}
}

// NodeByID returns the node with the given id.
func (g *GraphDefinition) NodeByID(id string) (Node, bool) {
	for _, n := range g.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return Node{}, false
}

// Clone returns a deep copy so transforms never alias the caller's data.
func (g GraphDefinition) Clone() GraphDefinition {
	out := GraphDefinition{
		ID:    g.ID,
		Nodes: make([]Node, len(g.Nodes)),
		Edges: append([]Edge(nil), g.Edges...),
		Metadata: Metadata{
			Imports:            append([]string(nil), g.Metadata.Imports...),
			ToolAPIKeys:        maps.Clone(g.Metadata.ToolAPIKeys),
			BaseToolCodeBlocks: append([]string(nil), g.Metadata.BaseToolCodeBlocks...),
		},
	}
	for i, n := range g.Nodes {
		data, _ := cloneValue(n.Data).(map[string]any)
		out.Nodes[i] = Node{ID: n.ID, Type: n.Type, Data: data}
	}
	for _, fd := range g.Metadata.FunctionDefinitions {
		if fd.Route != nil {
			r := *fd.Route
			fd.Route = &r
		}
		fd.Anchors = append([]string(nil), fd.Anchors...)
		out.Metadata.FunctionDefinitions = append(out.Metadata.FunctionDefinitions, fd)
	}
	if g.Metadata.Extra != nil {
		out.Metadata.Extra, _ = cloneValue(g.Metadata.Extra).(map[string]any)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		if t == nil {
			return map[string]any(nil)
		}
		out := make(map[string]any, len(t))
		for k, item := range t {
			out[k] = cloneValue(item)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = cloneValue(item)
		}
		return out
	case []string:
		return append([]string(nil), t...)
	default:
		return v
	}
}
