package graph

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/OFFIS-RIT/flowforge/backend/pkg/common"
	"github.com/OFFIS-RIT/flowforge/backend/pkg/library"
)

// DefaultLLMArgs is the wrapper signature used when a node declares no llm_args.
var DefaultLLMArgs = []string{
	"params: Optional[Dict[str, Any]] = None",
	"data: Optional[Dict[str, Any]] = None",
}

// mergeableArgs are merged into the static arguments instead of formatting the url.
var mergeableArgs = []string{"params", "data", "headers"}

func (e *enrichment) synthesizeTools() error {
	for i, n := range e.def.Nodes {
		if !e.toolIDs[n.ID] {
			continue
		}
		name := e.callables[n.ID]

		var code string
		switch base, hasBase := n.String("base_tool"); {
		case n.Type == common.NodeTavilySearch:
			c, _ := e.resolver.Resolve(library.KindTool, tavilyComponent)
			code = renameFunction(c.Source, tavilyComponent, name)
			e.imports.add(c.Imports...)
		case hasBase:
			c, _ := e.resolver.Resolve(library.KindTool, base)
			e.baseBlocks.add(c.Source)
			e.imports.add(c.Imports...)

			llmArgs, ok := n.Strings("llm_args")
			if !ok || len(llmArgs) == 0 {
				llmArgs = DefaultLLMArgs
			}
			wrapper, err := WrapperSource(name, base, n.Map("static_args"), llmArgs)
			if err != nil {
				return fmt.Errorf("%w: tool node %q: %w", ErrInvalidGraph, n.ID, err)
			}
			code = wrapper
			e.imports.add(wrapperJSONImport, wrapperTypingImport)
		default:
			c, _ := e.resolver.Resolve(library.KindTool, name)
			code = c.Source
			e.imports.add(c.Imports...)
		}
		e.setData(i, "code", code)
	}
	return nil
}

// renameFunction points the component's def at the callable name the node asked for.
func renameFunction(source, from, to string) string {
	if from == to || library.IsStub(source) {
		return source
	}
	return strings.Replace(source, "def "+from+"(", "def "+to+"(", 1)
}

// ArgName returns the parameter name of a declaration like "city: str = None".
func ArgName(decl string) string {
	decl = strings.TrimSpace(decl)
	if i := strings.IndexAny(decl, ":="); i >= 0 {
		decl = decl[:i]
	}
	return strings.TrimLeft(strings.TrimSpace(decl), "*")
}

// WrapperSource generates a function named name whose signature is llmArgs. It
// merges its arguments into staticArgs and delegates to base.
func WrapperSource(name, base string, staticArgs map[string]any, llmArgs []string) (string, error) {
	if staticArgs == nil {
		staticArgs = map[string]any{}
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(staticArgs); err != nil {
		return "", fmt.Errorf("static_args: %w", err)
	}
	static := strings.TrimSpace(buf.String())

	var names, urlArgs []string
	for _, decl := range llmArgs {
		arg := ArgName(decl)
		if arg == "" {
			return "", fmt.Errorf("llm_args: cannot read a parameter name from %q", decl)
		}
		names = append(names, arg)
		if !isMergeable(arg) {
			urlArgs = append(urlArgs, fmt.Sprintf("%s=%s", arg, arg))
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "def %s(%s):\n", name, strings.Join(llmArgs, ", "))
	fmt.Fprintf(&b, "    \"\"\"Calls %s with fixed arguments.\"\"\"\n", base)
	fmt.Fprintf(&b, "    final_args = json.loads(%s)\n", pyString(static))
	if len(urlArgs) > 0 {
		b.WriteString("    if \"url\" in final_args:\n")
		fmt.Fprintf(&b, "        final_args[\"url\"] = final_args[\"url\"].format(%s)\n", strings.Join(urlArgs, ", "))
	}
	for _, arg := range names {
		if !isMergeable(arg) {
			continue
		}
		fmt.Fprintf(&b, "    if %s:\n", arg)
		fmt.Fprintf(&b, "        final_args[\"%s\"] = {**(final_args.get(\"%s\") or {}), **%s}\n", arg, arg, arg)
	}
	fmt.Fprintf(&b, "    return %s(**final_args)\n", base)
	return b.String(), nil
}

func isMergeable(arg string) bool {
	return slices.Contains(mergeableArgs, arg)
}

// pyString renders s as a quoted literal that Python and JSON both accept.
func pyString(s string) string {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(s)
	return strings.TrimSpace(buf.String())
}
