package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/OFFIS-RIT/flowforge/backend/pkg/ai"
	"github.com/OFFIS-RIT/flowforge/backend/pkg/graph"

	"github.com/slongfield/pyfmt"
)

var mergeable = []string{"params", "data", "headers"}

// Specialize wraps base the way the generated Python wrapper does. The tool's
// parameters are the llmArgs declarations. Plain arguments format the url of
// staticArgs; params, data and headers are merged into the static ones.
func Specialize(name string, base ai.Tool, staticArgs map[string]any, llmArgs []string) (ai.Tool, error) {
	schema, argNames, err := argsSchema(llmArgs)
	if err != nil {
		return ai.Tool{}, err
	}
	static, err := cloneArgs(staticArgs)
	if err != nil {
		return ai.Tool{}, err
	}

	return ai.Tool{
		Name:        name,
		Description: fmt.Sprintf("Calls %s with fixed arguments.", base.Name),
		Parameters:  schema,
		Handler: func(ctx context.Context, arguments string) (string, error) {
			var given map[string]any
			if err := ai.UnmarshalFlexible(arguments, &given); err != nil {
				return "", fmt.Errorf("failed to parse arguments: %w", err)
			}
			final, err := mergeArgs(static, argNames, given)
			if err != nil {
				return errorResult("%v", err), nil
			}
			raw, err := json.Marshal(final)
			if err != nil {
				return "", err
			}
			return base.Handler(ctx, string(raw))
		},
	}, nil
}

func mergeArgs(static map[string]any, argNames []string, given map[string]any) (map[string]any, error) {
	final, err := cloneArgs(static)
	if err != nil {
		return nil, err
	}

	values := map[string]any{}
	for _, arg := range argNames {
		if slices.Contains(mergeable, arg) {
			continue
		}
		v, ok := given[arg]
		if !ok || v == nil {
			v = "None"
		}
		values[arg] = v
	}
	if u, ok := final["url"].(string); ok && len(values) > 0 {
		formatted, err := pyfmt.Fmt(u, values)
		if err != nil {
			return nil, fmt.Errorf("cannot format url %q: %w", u, err)
		}
		final["url"] = formatted
	}

	for _, arg := range argNames {
		if !slices.Contains(mergeable, arg) {
			continue
		}
		extra, _ := given[arg].(map[string]any)
		if len(extra) == 0 {
			continue
		}
		merged, _ := final[arg].(map[string]any)
		if merged == nil {
			merged = map[string]any{}
		}
		maps.Copy(merged, extra)
		final[arg] = merged
	}
	return final, nil
}

// cloneArgs deep-copies JSON-shaped arguments.
func cloneArgs(in map[string]any) (map[string]any, error) {
	if in == nil {
		return map[string]any{}, nil
	}
	raw, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("static_args: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// argsSchema turns declarations like "city: str" or
// "params: Optional[Dict[str, Any]] = None" into a JSON schema.
func argsSchema(decls []string) (map[string]any, []string, error) {
	props := map[string]any{}
	required := []string{}
	names := make([]string, 0, len(decls))
	for _, decl := range decls {
		name := graph.ArgName(decl)
		if name == "" {
			return nil, nil, fmt.Errorf("llm_args: cannot read a parameter name from %q", decl)
		}
		names = append(names, name)

		annotation, hasDefault := "", strings.Contains(decl, "=")
		if i := strings.Index(decl, ":"); i >= 0 {
			annotation = decl[i+1:]
			if j := strings.Index(annotation, "="); j >= 0 {
				annotation = annotation[:j]
			}
		}
		annotation = strings.TrimSpace(annotation)
		props[name] = map[string]any{"type": jsonType(annotation)}
		if !hasDefault && !strings.HasPrefix(annotation, "Optional") {
			required = append(required, name)
		}
	}
	return map[string]any{
		"type":       "object",
		"properties": props,
		"required":   required,
	}, names, nil
}

func jsonType(annotation string) string {
	a := strings.TrimPrefix(annotation, "Optional[")
	a = strings.ToLower(a)
	switch {
	case strings.HasPrefix(a, "int"):
		return "integer"
	case strings.HasPrefix(a, "float"):
		return "number"
	case strings.HasPrefix(a, "bool"):
		return "boolean"
	case strings.HasPrefix(a, "dict"):
		return "object"
	case strings.HasPrefix(a, "list"):
		return "array"
	default:
		return "string"
	}
}
