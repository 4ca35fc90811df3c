package workflow

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/basket/kvflow/internal/runtime"
)

type planFile struct {
	Name  string     `yaml:"name"`
	Steps []stepFile `yaml:"steps"`
}

type stepFile struct {
	ID        string   `yaml:"id"`
	Mode      string   `yaml:"mode"`
	Prompt    string   `yaml:"prompt"`
	Parents   []string `yaml:"parents"`
	DependsOn []string `yaml:"depends_on"`

	Topic      string   `yaml:"topic"`
	ReplyTopic string   `yaml:"reply_topic"`
	Tag        string   `yaml:"tag"`
	Expect     []string `yaml:"expect"`

	Params struct {
		MaxTokens   int     `yaml:"max_tokens"`
		Temperature float64 `yaml:"temperature"`
		TopP        float64 `yaml:"top_p"`
		Seed        uint64  `yaml:"seed"`
	} `yaml:"params"`
}

// LoadPlan reads and validates a YAML plan file.
func LoadPlan(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan file: %w", err)
	}
	return ParsePlan(data)
}

// ParsePlan decodes and validates YAML plan data.
func ParsePlan(data []byte) (*Plan, error) {
	var pf planFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("parse plan: %w", err)
	}
	if pf.Name == "" {
		return nil, fmt.Errorf("plan has empty name")
	}

	plan := &Plan{
		Name:  pf.Name,
		Steps: make([]Step, len(pf.Steps)),
	}
	for i, sf := range pf.Steps {
		plan.Steps[i] = Step{
			ID:         sf.ID,
			Mode:       sf.Mode,
			Prompt:     sf.Prompt,
			Parents:    sf.Parents,
			DependsOn:  sf.DependsOn,
			Topic:      sf.Topic,
			ReplyTopic: sf.ReplyTopic,
			Tag:        sf.Tag,
			Expect:     sf.Expect,
			Params: runtime.GenParams{
				MaxTokens:   sf.Params.MaxTokens,
				Temperature: sf.Params.Temperature,
				TopP:        sf.Params.TopP,
				Seed:        sf.Params.Seed,
			},
		}
	}
	if err := plan.Validate(); err != nil {
		return nil, fmt.Errorf("plan %s: %w", plan.Name, err)
	}
	return plan, nil
}
