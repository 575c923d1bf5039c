package project

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"regexp"
	"slices"
	"strings"
	"sync"

	"github.com/OFFIS-RIT/flowforge/backend/pkg/common"

	"github.com/nikolalohinski/gonja"
	"github.com/nikolalohinski/gonja/config"
	"github.com/nikolalohinski/gonja/nodes"
	"github.com/nikolalohinski/gonja/parser"
)

const (
	WorkflowFile = "workflow.json"
	ScriptFile   = "agent.py"
)

// Renderer writes one file of a project as a pure function of the enriched graph.
type Renderer interface {
	FileName() string
	Render(def common.GraphDefinition) (string, error)
}

// JSONRenderer writes the entry file the loader reads back.
type JSONRenderer struct{}

func (JSONRenderer) FileName() string { return WorkflowFile }

func (JSONRenderer) Render(def common.GraphDefinition) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(def); err != nil {
		return "", err
	}
	return buf.String(), nil
}

//go:embed templates/agent.py.j2
var defaultTemplate string

// TemplateRenderer renders agent.py with a jinja template. Template
// composition statements are disabled so a template can only see the graph.
type TemplateRenderer struct {
	tpl func(map[string]any) (string, error)
}

var (
	envOnce sync.Once
	env     *gonja.Environment
	envErr  error
)

var disabledStatements = []string{"include", "extends", "import", "from"}

func templateEnv() (*gonja.Environment, error) {
	envOnce.Do(func() {
		env = gonja.NewEnvironment(config.DefaultConfig, gonja.DefaultLoader)
		for _, kw := range disabledStatements {
			if !env.Statements.Exists(kw) {
				continue
			}
			keyword := kw
			err := env.Statements.Replace(keyword, func(*parser.Parser, *parser.Parser) (nodes.Statement, error) {
				return nil, fmt.Errorf("keyword[%s] has been disabled", keyword)
			})
			if err != nil {
				envErr = fmt.Errorf("init template env: %w", err)
				return
			}
		}
	})
	return env, envErr
}

// NewTemplateRenderer parses source, or the embedded default when source is empty.
func NewTemplateRenderer(source string) (*TemplateRenderer, error) {
	if source == "" {
		source = defaultTemplate
	}
	e, err := templateEnv()
	if err != nil {
		return nil, err
	}
	tpl, err := e.FromString(source)
	if err != nil {
		return nil, fmt.Errorf("parse template: %w", err)
	}
	return &TemplateRenderer{
		tpl: func(ctx map[string]any) (string, error) { return tpl.Execute(ctx) },
	}, nil
}

func (r *TemplateRenderer) FileName() string { return ScriptFile }

func (r *TemplateRenderer) Render(def common.GraphDefinition) (string, error) {
	ctx, err := scriptContext(def)
	if err != nil {
		return "", err
	}
	return r.tpl(ctx)
}

var nonIdent = regexp.MustCompile(`[^A-Za-z0-9_]`)

func pyIdent(prefix, id string) string {
	return prefix + nonIdent.ReplaceAllString(id, "_")
}

// pyLiteral renders s as a quoted literal that Python and JSON both accept.
func pyLiteral(s string) string {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(s)
	return strings.TrimSpace(buf.String())
}

var providerKeys = []string{"provider", "model", "API_key", "api_version", "API_Version", "azure_endpoint", "Azure_Endpoint", "base_url", "temperature"}

// scriptContext flattens the graph into the values the script template uses.
func scriptContext(def common.GraphDefinition) (map[string]any, error) {
	executor := ""
	agents := map[string]string{}
	var agentList, toolList []map[string]any
	for _, n := range def.Nodes {
		switch {
		case n.Type == common.NodeToolExecutor:
			executor = n.ID
		case n.Type == common.NodeAgent:
			fn := pyIdent("agent_", n.ID)
			agents[n.ID] = fn

			kwargs := map[string]any{}
			for _, k := range providerKeys {
				if v, ok := n.Data[k]; ok {
					kwargs[k] = v
				}
			}
			raw, err := json.Marshal(kwargs)
			if err != nil {
				return nil, fmt.Errorf("agent %q: %w", n.ID, err)
			}
			msg, ok := n.String("system_message_generated")
			if !ok {
				msg, _ = n.String("system_message")
			}
			codeLogic, _ := n.String("code_logic")
			agentList = append(agentList, map[string]any{
				"id":             n.ID,
				"fn":             fn,
				"model_kwargs":   pyLiteral(string(raw)),
				"system_message": pyLiteral(msg),
				"code_logic":     codeLogic,
			})
		case n.Type.IsTool():
			name, _ := n.String("function_name")
			code, _ := n.String("code")
			toolList = append(toolList, map[string]any{"name": name, "code": code})
		}
	}
	if len(agentList) == 0 {
		return nil, fmt.Errorf("graph %q has no agent node", def.ID)
	}

	routed := map[string]string{}
	var conditions []map[string]any
	for _, fd := range def.Metadata.FunctionDefinitions {
		conditions = append(conditions, map[string]any{"name": fd.Name, "code": fd.Code})
		for _, a := range fd.Anchors {
			if _, ok := routed[a]; !ok {
				routed[a] = fd.Name
			}
		}
	}

	entry := ""
	hasIncoming := map[string]bool{}
	var edges []string
	conditioned := map[string]bool{}
	for _, e := range def.Edges {
		_, fromAgent := agents[e.Source]
		_, toAgent := agents[e.Target]
		switch {
		case fromAgent && toAgent:
			hasIncoming[e.Target] = true
			edges = append(edges, fmt.Sprintf("builder.add_edge(%q, %q)", e.Source, e.Target))
		case fromAgent && e.Target == executor && !conditioned[e.Source]:
			conditioned[e.Source] = true
			cond := "tools_condition"
			if name, ok := routed[e.Source]; ok {
				cond = name
			}
			edges = append(edges, fmt.Sprintf("builder.add_conditional_edges(%q, %s)", e.Source, cond))
		case e.Source == executor && toAgent:
			edges = append(edges, fmt.Sprintf("builder.add_edge(%q, %q)", e.Source, e.Target))
		}
	}
	for _, a := range agentList {
		id := a["id"].(string)
		if !hasIncoming[id] {
			entry = id
			break
		}
	}
	if entry == "" {
		entry = agentList[0]["id"].(string)
	}

	var secrets []map[string]any
	names := make([]string, 0, len(def.Metadata.ToolAPIKeys))
	for name := range def.Metadata.ToolAPIKeys {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		secrets = append(secrets, map[string]any{"name": name, "value": pyLiteral(def.Metadata.ToolAPIKeys[name])})
	}

	return map[string]any{
		"id":          def.ID,
		"entry":       entry,
		"executor":    executor,
		"imports":     def.Metadata.Imports,
		"secrets":     secrets,
		"base_blocks": def.Metadata.BaseToolCodeBlocks,
		"tools":       toolList,
		"conditions":  conditions,
		"agents":      agentList,
		"edges":       edges,
	}, nil
}
