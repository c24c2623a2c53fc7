package confidence

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/grantvault/orgmemory/internal/config"
)

// RetrievalThresholds gate generation and source display.
type RetrievalThresholds struct {
	MinGeneration int `json:"minGeneration"`
	MinDisplay    int `json:"minDisplay"`
}

// GenerationThresholds gate display of generated content.
type GenerationThresholds struct {
	MinDisplay int `json:"minDisplay"`
	FlagBelow  int `json:"flagBelow"`
}

// ParseThresholds gate acceptance of parsed documents.
type ParseThresholds struct {
	MinAccept int `json:"minAccept"`
	FlagBelow int `json:"flagBelow"`
}

// Thresholds is process-wide, read-only configuration. It is copied by value
// so holders never share mutable state.
type Thresholds struct {
	Retrieval  RetrievalThresholds  `json:"retrieval"`
	Generation GenerationThresholds `json:"generation"`
	Parse      ParseThresholds      `json:"parse"`
}

// DefaultThresholds returns the stock gating thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{
		Retrieval:  RetrievalThresholds{MinGeneration: 60, MinDisplay: 60},
		Generation: GenerationThresholds{MinDisplay: 60, FlagBelow: 80},
		Parse:      ParseThresholds{MinAccept: 70, FlagBelow: 80},
	}
}

// FromConfig builds Thresholds from deployment config.
func FromConfig(c config.ConfidenceConfig) Thresholds {
	return Thresholds{
		Retrieval: RetrievalThresholds{
			MinGeneration: c.Retrieval.MinGeneration,
			MinDisplay:    c.Retrieval.MinDisplay,
		},
		Generation: GenerationThresholds{
			MinDisplay: c.Generation.MinDisplay,
			FlagBelow:  c.Generation.FlagBelow,
		},
		Parse: ParseThresholds{
			MinAccept: c.Parse.MinAccept,
			FlagBelow: c.Parse.FlagBelow,
		},
	}
}

// Validate checks every threshold lies in [0,100].
func (t Thresholds) Validate() error {
	checks := []struct {
		name  string
		value int
	}{
		{"retrieval.min_generation", t.Retrieval.MinGeneration},
		{"retrieval.min_display", t.Retrieval.MinDisplay},
		{"generation.min_display", t.Generation.MinDisplay},
		{"generation.flag_below", t.Generation.FlagBelow},
		{"parse.min_accept", t.Parse.MinAccept},
		{"parse.flag_below", t.Parse.FlagBelow},
	}
	var errs []string
	for _, c := range checks {
		if c.value < 0 || c.value > 100 {
			errs = append(errs, fmt.Sprintf("%s=%d must be in [0,100]", c.name, c.value))
		}
	}
	if len(errs) > 0 {
		return eris.Errorf("confidence: invalid thresholds: %s", strings.Join(errs, "; "))
	}
	return nil
}

// AcceptParse reports whether a parse score is high enough to index the document.
func (t Thresholds) AcceptParse(s *Score) bool {
	return s != nil && s.Kind == KindParse && s.Score >= t.Parse.MinAccept
}

// FlagParse reports whether an accepted parse should still be flagged for review.
func (t Thresholds) FlagParse(s *Score) bool {
	return s != nil && s.Kind == KindParse && s.Score < t.Parse.FlagBelow
}

// FlagGeneration reports whether displayed content should carry a review flag.
func (t Thresholds) FlagGeneration(s *Score) bool {
	return s != nil && s.Kind == KindGeneration && s.Score < t.Generation.FlagBelow
}

// DisplaySources reports whether retrieved sources are strong enough to list.
func (t Thresholds) DisplaySources(s *Score) bool {
	return s != nil && s.Kind == KindRetrieval && s.Score >= t.Retrieval.MinDisplay
}
