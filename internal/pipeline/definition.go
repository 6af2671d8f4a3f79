package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/mtzanidakis/bullpen/internal/roster"
	"gopkg.in/yaml.v3"
)

const (
	defaultStepTimeout  = 5 * time.Minute
	defaultStepAttempts = 1
)

// Definition is one declarative pipeline: an ordered list of steps, each
// bound to a role. Which agent plays the role is decided per step when the
// run reaches it.
type Definition struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Steps       []Step `yaml:"steps"`
}

type Step struct {
	Name     string        `yaml:"name"`
	Role     string        `yaml:"role"`
	Prompt   string        `yaml:"prompt"`
	Timeout  time.Duration `yaml:"timeout"`
	Attempts int           `yaml:"attempts"`
}

// LoadDir reads every .yml/.yaml file in dir as one pipeline definition.
// A missing directory means no pipelines, not an error.
func LoadDir(dir string) (map[string]Definition, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]Definition{}, nil
		}
		return nil, fmt.Errorf("read pipelines dir: %w", err)
	}

	defs := make(map[string]Definition)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := filepath.Ext(e.Name())
		if ext != ".yml" && ext != ".yaml" {
			continue
		}

		path := filepath.Join(dir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read pipeline %s: %w", e.Name(), err)
		}

		var def Definition
		if err := yaml.Unmarshal(data, &def); err != nil {
			return nil, fmt.Errorf("parse pipeline %s: %w", e.Name(), err)
		}
		if def.Name == "" {
			def.Name = strings.TrimSuffix(e.Name(), ext)
		}

		if err := def.validate(); err != nil {
			return nil, fmt.Errorf("pipeline %s: %w", e.Name(), err)
		}
		if _, exists := defs[def.Name]; exists {
			return nil, fmt.Errorf("pipeline %s: duplicate name %q", e.Name(), def.Name)
		}
		defs[def.Name] = def
	}
	return defs, nil
}

func (d *Definition) validate() error {
	if len(d.Steps) == 0 {
		return fmt.Errorf("no steps")
	}

	seen := make(map[string]bool, len(d.Steps))
	for i := range d.Steps {
		step := &d.Steps[i]
		if step.Name == "" {
			return fmt.Errorf("step %d: empty name", i)
		}
		if seen[step.Name] {
			return fmt.Errorf("step %q: duplicate name", step.Name)
		}
		seen[step.Name] = true

		if !roster.ValidRole(step.Role) {
			return fmt.Errorf("step %q: unknown role %q", step.Name, step.Role)
		}
		if strings.TrimSpace(step.Prompt) == "" {
			return fmt.Errorf("step %q: empty prompt", step.Name)
		}

		if step.Timeout <= 0 {
			step.Timeout = defaultStepTimeout
		}
		if step.Attempts <= 0 {
			step.Attempts = defaultStepAttempts
		}
	}
	return nil
}

var tokenPattern = regexp.MustCompile(`\{([a-zA-Z0-9_]+)\}`)

// Interpolate replaces {key} tokens with context values. Unknown keys pass
// through unchanged so literal braces in prompt text survive.
func Interpolate(template string, ctx map[string]string) string {
	return tokenPattern.ReplaceAllStringFunc(template, func(tok string) string {
		if v, ok := ctx[tok[1:len(tok)-1]]; ok {
			return v
		}
		return tok
	})
}
