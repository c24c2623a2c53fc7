package generation

import (
	_ "embed"
	"sort"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// Mode selects a drafting template.
type Mode string

const (
	ModeMemoryAssist Mode = "memory_assist"
	ModeAIDraft      Mode = "ai_draft"
	ModeHumanFirst   Mode = "human_first"
)

// Template is one drafting mode.
type Template struct {
	Label        string  `yaml:"label"`
	Temperature  float64 `yaml:"temperature"`
	Instructions string  `yaml:"instructions"`
}

type templateFile struct {
	Modes     map[Mode]Template `yaml:"modes"`
	Grounding []string          `yaml:"grounding"`
}

//go:embed templates.yaml
var templatesYAML []byte

// Templates is a parsed template set.
type Templates struct {
	modes     map[Mode]Template
	grounding []string
}

// ParseTemplates parses a templates document.
func ParseTemplates(data []byte) (*Templates, error) {
	var f templateFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, eris.Wrap(err, "generation: parse templates")
	}
	if len(f.Modes) == 0 {
		return nil, eris.New("generation: templates define no modes")
	}
	if len(f.Grounding) == 0 {
		return nil, eris.New("generation: templates define no grounding rules")
	}
	for mode, t := range f.Modes {
		if t.Instructions == "" {
			return nil, eris.Errorf("generation: mode %q has no instructions", mode)
		}
	}
	return &Templates{modes: f.Modes, grounding: f.Grounding}, nil
}

var defaultTemplates = mustParse(templatesYAML)

func mustParse(data []byte) *Templates {
	t, err := ParseTemplates(data)
	if err != nil {
		panic(err)
	}
	return t
}

// DefaultTemplates returns the built-in template set.
func DefaultTemplates() *Templates { return defaultTemplates }

// Lookup returns the template for mode.
func (t *Templates) Lookup(mode Mode) (Template, error) {
	tpl, ok := t.modes[mode]
	if !ok {
		return Template{}, eris.Wrapf(ErrInvalidMode, "mode %q", mode)
	}
	return tpl, nil
}

// Modes returns the defined modes in sorted order.
func (t *Templates) Modes() []Mode {
	out := make([]Mode, 0, len(t.modes))
	for m := range t.modes {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Grounding returns the rules appended to every system prompt.
func (t *Templates) Grounding() []string {
	return append([]string(nil), t.grounding...)
}
