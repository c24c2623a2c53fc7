// Package confidence computes weighted 0-100 trust scores for parsed
// documents, retrieval result sets and generated passages.
package confidence

import (
	"bytes"
	"encoding/json"
	"math"
	"sort"

	"github.com/rotisserie/eris"
)

// Kind selects the weight table used to aggregate components.
type Kind string

const (
	KindParse      Kind = "parse"
	KindRetrieval  Kind = "retrieval"
	KindGeneration Kind = "generation"
)

// Level is the three-band classification shared by every kind.
type Level string

const (
	LevelHigh   Level = "high"
	LevelMedium Level = "medium"
	LevelLow    Level = "low"
)

// Component names for each kind.
const (
	TextCompleteness      = "textCompleteness"
	StructurePreservation = "structurePreservation"
	DateExtraction        = "dateExtraction"
	EntityExtraction      = "entityExtraction"

	SimilarityScore    = "similarityScore"
	ChunkQuantity      = "chunkQuantity"
	DocumentRecency    = "documentRecency"
	SourceParseQuality = "sourceParseQuality"

	SourceRelevance  = "sourceRelevance"
	QueryCoverage    = "queryCoverage"
	FactVerification = "factVerification"
)

// Level cutoffs. Identical for all kinds.
const (
	HighCutoff   = 80
	MediumCutoff = 60
)

var (
	// ErrInvalidComponent is returned when a component is missing, unknown,
	// not finite, or outside [0,100].
	ErrInvalidComponent = eris.New("confidence: invalid component")
	// ErrUnknownKind is returned for a kind with no weight table.
	ErrUnknownKind = eris.New("confidence: unknown kind")
)

// Weight is one entry of a kind's weight table, in percent.
type Weight struct {
	Name    string `json:"name"`
	Percent int    `json:"percent"`
}

// weightTables lists components in declared weight order. Each table sums to 100.
var weightTables = map[Kind][]Weight{
	KindParse: {
		{TextCompleteness, 40},
		{StructurePreservation, 20},
		{DateExtraction, 25},
		{EntityExtraction, 15},
	},
	KindRetrieval: {
		{SimilarityScore, 50},
		{ChunkQuantity, 20},
		{DocumentRecency, 15},
		{SourceParseQuality, 15},
	},
	KindGeneration: {
		{SourceRelevance, 40},
		{QueryCoverage, 30},
		{FactVerification, 30},
	},
}

// Weights returns a copy of the weight table for kind.
func Weights(kind Kind) ([]Weight, error) {
	table, ok := weightTables[kind]
	if !ok {
		return nil, eris.Wrapf(ErrUnknownKind, "kind %q", kind)
	}
	out := make([]Weight, len(table))
	copy(out, table)
	return out, nil
}

// Kinds returns every supported kind in a stable order.
func Kinds() []Kind {
	return []Kind{KindParse, KindRetrieval, KindGeneration}
}

// Component is a named 0-100 value.
type Component struct {
	Name  string
	Value float64
}

// Components is an ordered component mapping. It marshals to a JSON object
// whose keys keep declared weight order.
type Components []Component

// Get returns the value for name.
func (c Components) Get(name string) (float64, bool) {
	for _, comp := range c {
		if comp.Name == name {
			return comp.Value, true
		}
	}
	return 0, false
}

// Map returns the components as an unordered map.
func (c Components) Map() map[string]float64 {
	m := make(map[string]float64, len(c))
	for _, comp := range c {
		m[comp.Name] = comp.Value
	}
	return m
}

// MarshalJSON writes an ordered object.
func (c Components) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, comp := range c {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(comp.Name)
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(comp.Value)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON reads an object. Keys are ordered by name since JSON objects
// carry no order guarantee.
func (c *Components) UnmarshalJSON(data []byte) error {
	var m map[string]float64
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	names := make([]string, 0, len(m))
	for k := range m {
		names = append(names, k)
	}
	sort.Strings(names)
	out := make(Components, 0, len(names))
	for _, n := range names {
		out = append(out, Component{Name: n, Value: m[n]})
	}
	*c = out
	return nil
}

// Score is the result of scoring one kind. It is a value object: nothing
// mutates it after construction.
type Score struct {
	Kind       Kind       `json:"kind"`
	Score      int        `json:"score"`
	Level      Level      `json:"level"`
	Components Components `json:"components"`
	Warnings   []string   `json:"warnings"`
	Message    string     `json:"message"`

	// ShouldGenerate is set for retrieval scores only.
	ShouldGenerate *bool `json:"shouldGenerate,omitempty"`
	// ShouldDisplay is set for generation scores only.
	ShouldDisplay *bool `json:"shouldDisplay,omitempty"`
}

// LevelFor maps a 0-100 score onto its level.
func LevelFor(score int) Level {
	switch {
	case score >= HighCutoff:
		return LevelHigh
	case score >= MediumCutoff:
		return LevelMedium
	default:
		return LevelLow
	}
}

// Engine scores components against the fixed weight tables and the
// configured thresholds. Safe for concurrent use.
type Engine struct {
	thresholds Thresholds
}

// NewEngine validates thresholds and returns an engine bound to them.
func NewEngine(t Thresholds) (*Engine, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return &Engine{thresholds: t}, nil
}

// DefaultEngine returns an engine using DefaultThresholds.
func DefaultEngine() *Engine {
	return &Engine{thresholds: DefaultThresholds()}
}

// Thresholds returns the thresholds the engine was built with.
func (e *Engine) Thresholds() Thresholds {
	return e.thresholds
}

// Score aggregates values for kind into a Score. values must contain exactly
// the named components of kind, each in [0,100]. warnings are carried
// through unchanged.
func (e *Engine) Score(kind Kind, values map[string]float64, warnings []string) (*Score, error) {
	table, ok := weightTables[kind]
	if !ok {
		return nil, eris.Wrapf(ErrUnknownKind, "kind %q", kind)
	}

	for name := range values {
		if !hasComponent(table, name) {
			return nil, eris.Wrapf(ErrInvalidComponent, "%s: unknown component %q", kind, name)
		}
	}

	comps := make(Components, 0, len(table))
	var weighted float64
	for _, w := range table {
		v, ok := values[w.Name]
		if !ok {
			return nil, eris.Wrapf(ErrInvalidComponent, "%s: missing component %q", kind, w.Name)
		}
		if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 || v > 100 {
			return nil, eris.Wrapf(ErrInvalidComponent, "%s: %s=%v outside [0,100]", kind, w.Name, v)
		}
		comps = append(comps, Component{Name: w.Name, Value: v})
		weighted += float64(w.Percent) * v
	}

	total := int(math.Round(weighted / 100))
	level := LevelFor(total)

	out := &Score{
		Kind:       kind,
		Score:      total,
		Level:      level,
		Components: comps,
		Warnings:   append([]string{}, warnings...),
		Message:    messageFor(kind, level),
	}

	switch kind {
	case KindRetrieval:
		gen := total >= e.thresholds.Retrieval.MinGeneration
		out.ShouldGenerate = &gen
	case KindGeneration:
		disp := total >= e.thresholds.Generation.MinDisplay
		out.ShouldDisplay = &disp
	}

	return out, nil
}

func hasComponent(table []Weight, name string) bool {
	for _, w := range table {
		if w.Name == name {
			return true
		}
	}
	return false
}

var messages = map[Kind]map[Level]string{
	KindParse: {
		LevelHigh:   "Document parsed with high confidence.",
		LevelMedium: "Document parsed with moderate confidence; review extracted dates and entities.",
		LevelLow:    "Document parse quality is low; manual review is recommended.",
	},
	KindRetrieval: {
		LevelHigh:   "Strong matches found in organizational memory.",
		LevelMedium: "Relevant matches found; verify details against the sources.",
		LevelLow:    "Not enough relevant organizational memory to draft this safely.",
	},
	KindGeneration: {
		LevelHigh:   "Draft is well supported by your sources.",
		LevelMedium: "Draft is partially supported by your sources; review before use.",
		LevelLow:    "Draft is weakly supported by your sources and is shown only on request.",
	},
}

func messageFor(kind Kind, level Level) string {
	return messages[kind][level]
}
