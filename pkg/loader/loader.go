// Package loader builds executable workflows from materialized projects and
// keeps them in a per-id cache.
package loader

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"maps"
	"os"
	"strings"

	"github.com/OFFIS-RIT/flowforge/backend/pkg/ai"
	"github.com/OFFIS-RIT/flowforge/backend/pkg/ai/provider"
	"github.com/OFFIS-RIT/flowforge/backend/pkg/common"
	"github.com/OFFIS-RIT/flowforge/backend/pkg/engine"
	"github.com/OFFIS-RIT/flowforge/backend/pkg/project"
	"github.com/OFFIS-RIT/flowforge/backend/pkg/tools"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

var ErrNotFound = errors.New("workflow project not found")

const providersFile = "llm_factory/providers.yaml"

// ProviderDefaults fill agent fields a node leaves empty.
type ProviderDefaults struct {
	Model         string   `yaml:"model"`
	BaseURL       string   `yaml:"base_url"`
	APIVersion    string   `yaml:"api_version"`
	AzureEndpoint string   `yaml:"azure_endpoint"`
	Temperature   *float64 `yaml:"temperature"`
}

// ModelBuilder creates a chat model from a resolved provider config.
type ModelBuilder func(cfg provider.Config) (ai.ChatModel, error)

// Loader turns a project directory into an engine.Workflow.
type Loader struct {
	Tools    *tools.Registry
	Models   ModelBuilder
	MaxSteps int
}

// New returns a loader that builds models with provider.New.
func New(registry *tools.Registry, maxSteps int) *Loader {
	if registry == nil {
		registry = tools.NewRegistry(nil)
	}
	return &Loader{Tools: registry, Models: provider.New, MaxSteps: maxSteps}
}

// Build reads dir and returns its workflow. All reads go through a root
// scoped to dir; the project's .env applies to this workflow only.
func (l *Loader) Build(ctx context.Context, dir string) (*engine.Workflow, error) {
	root, err := os.OpenRoot(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, dir)
		}
		return nil, err
	}
	defer root.Close()

	raw, err := readFile(root, project.WorkflowFile)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s has no %s", ErrNotFound, dir, project.WorkflowFile)
		}
		return nil, err
	}
	var def common.GraphDefinition
	if err := json.Unmarshal(raw, &def); err != nil {
		return nil, fmt.Errorf("decode %s: %w", project.WorkflowFile, err)
	}

	env, err := readEnv(root)
	if err != nil {
		return nil, err
	}
	maps.Copy(env, def.Metadata.ToolAPIKeys)

	defaults, err := readProviderDefaults(root)
	if err != nil {
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	toolset, err := l.Tools.ForGraph(def, tools.Env(env))
	if err != nil {
		return nil, err
	}

	models := func(n common.Node) (ai.ChatModel, error) {
		cfg := provider.FromNode(n.Data)
		cfg.Env = env
		applyDefaults(&cfg, defaults, n.Data)
		return l.Models(cfg)
	}
	return engine.New(def, models, toolset, engine.WithMaxSteps(l.MaxSteps))
}

func readFile(root *os.Root, name string) ([]byte, error) {
	f, err := root.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

func readEnv(root *os.Root) (map[string]string, error) {
	raw, err := readFile(root, ".env")
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, err
	}
	env, err := godotenv.Parse(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("parse .env: %w", err)
	}
	return env, nil
}

func readProviderDefaults(root *os.Root) (map[string]ProviderDefaults, error) {
	raw, err := readFile(root, providersFile)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out map[string]ProviderDefaults
	if err := yaml.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("parse %s: %w", providersFile, err)
	}
	normalized := make(map[string]ProviderDefaults, len(out))
	for k, v := range out {
		normalized[strings.ToLower(k)] = v
	}
	return normalized, nil
}

func applyDefaults(cfg *provider.Config, defaults map[string]ProviderDefaults, data map[string]any) {
	d, ok := defaults[strings.ToLower(cfg.Provider)]
	if !ok {
		return
	}
	if cfg.Model == "" {
		cfg.Model = d.Model
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = d.BaseURL
	}
	if cfg.APIVersion == "" {
		cfg.APIVersion = d.APIVersion
	}
	if cfg.AzureEndpoint == "" {
		cfg.AzureEndpoint = d.AzureEndpoint
	}
	if _, set := data["temperature"]; !set && d.Temperature != nil {
		cfg.Temperature = *d.Temperature
	}
}
