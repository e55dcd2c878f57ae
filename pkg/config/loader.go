package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Prompts holds the opaque prompt strings driving the planner and the
// continuation evaluation. They are never exposed on any response path.
type Prompts struct {
	Hidden         string `yaml:"hidden_system_prompt"`
	DomainAppendix string `yaml:"domain_appendix"`
	Planner        string `yaml:"planner_prompt"`
	Evaluation     string `yaml:"evaluation_prompt"`
}

// promptsFile and providersFile are the expected asset names under the
// config directory.
const (
	promptsFile   = "prompts.yaml"
	providersFile = "llm-providers.yaml"
)

func loadPrompts(configDir string) (*Prompts, error) {
	path := filepath.Join(configDir, promptsFile)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	var p Prompts
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return &p, nil
}

type providersYAML struct {
	LLMProviders map[string]*ProviderConfig `yaml:"llm_providers"`
}

func loadProviders(configDir string) (*ProviderRegistry, error) {
	path := filepath.Join(configDir, providersFile)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	var doc providersYAML
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	for name, p := range doc.LLMProviders {
		if p.Model == "" {
			return nil, fmt.Errorf("provider %q: model is required", name)
		}
	}
	return NewProviderRegistry(doc.LLMProviders), nil
}
