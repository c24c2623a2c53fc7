package confidence

import (
	"fmt"
	"math"
	"regexp"
	"strings"
	"time"
	"unicode"
)

// The engine never writes warnings. The helpers below are the callers that
// turn raw signals into component values and the caveats that go with them.

// ParseSignals are the structural counts reported by the external parser.
type ParseSignals struct {
	Pages            int `json:"pages"`
	PagesWithText    int `json:"pagesWithText"`
	ExpectedChars    int `json:"expectedChars"`
	ExtractedChars   int `json:"extractedChars"`
	HeadingsFound    int `json:"headingsFound"`
	TablesFound      int `json:"tablesFound"`
	TablesPreserved  int `json:"tablesPreserved"`
	DatesFound       int `json:"datesFound"`
	DatesParsed      int `json:"datesParsed"`
	EntitiesFound    int `json:"entitiesFound"`
	EntitiesResolved int `json:"entitiesResolved"`
}

// Components derives parse component values and warnings.
func (s ParseSignals) Components() (map[string]float64, []string) {
	var warnings []string

	var text float64
	switch {
	case s.Pages > 0:
		text = ratio(s.PagesWithText, s.Pages)
		if missing := s.Pages - s.PagesWithText; missing > 0 {
			warnings = append(warnings, fmt.Sprintf("%d of %d pages yielded no text", missing, s.Pages))
		}
	case s.ExpectedChars > 0:
		text = ratio(s.ExtractedChars, s.ExpectedChars)
	case s.ExtractedChars > 0:
		text = 100
	default:
		warnings = append(warnings, "No text was extracted from the document")
	}

	structure := 50.0
	switch {
	case s.TablesFound > 0:
		structure = ratio(s.TablesPreserved, s.TablesFound)
		if s.TablesPreserved < s.TablesFound {
			warnings = append(warnings, fmt.Sprintf("%d of %d tables lost their layout", s.TablesFound-s.TablesPreserved, s.TablesFound))
		}
	case s.HeadingsFound > 0:
		structure = 100
	}

	dates := 50.0
	if s.DatesFound > 0 {
		dates = ratio(s.DatesParsed, s.DatesFound)
		if s.DatesParsed < s.DatesFound {
			warnings = append(warnings, fmt.Sprintf("%d dates could not be parsed", s.DatesFound-s.DatesParsed))
		}
	} else {
		warnings = append(warnings, "No dates found; verify deadlines manually")
	}

	entities := 50.0
	if s.EntitiesFound > 0 {
		entities = ratio(s.EntitiesResolved, s.EntitiesFound)
	}

	return map[string]float64{
		TextCompleteness:      text,
		StructurePreservation: structure,
		DateExtraction:        dates,
		EntityExtraction:      entities,
	}, warnings
}

// MatchSignal describes one retained retrieval match.
type MatchSignal struct {
	Similarity   float64    // raw store similarity in [0,1]
	DocumentDate *time.Time // nil when unknown
	ParseScore   *int       // pre-computed parse confidence, nil when unknown
}

// RetrievalSignals are the inputs to retrieval confidence.
type RetrievalSignals struct {
	Matches  []MatchSignal
	Expected int // the requested topK
	Now      time.Time
}

const (
	freshAge = 365 * 24 * time.Hour
	staleAge = 5 * 365 * 24 * time.Hour
	oldAge   = 2 * 365 * 24 * time.Hour
)

// Components derives retrieval component values and warnings.
func (s RetrievalSignals) Components() (map[string]float64, []string) {
	var warnings []string
	n := len(s.Matches)

	if n == 0 {
		return map[string]float64{
			SimilarityScore:    0,
			ChunkQuantity:      0,
			DocumentRecency:    0,
			SourceParseQuality: 0,
		}, []string{"No sources matched the query"}
	}

	var simSum, recSum, parseSum float64
	var parseKnown, dated, old int
	for _, m := range s.Matches {
		simSum += clamp(m.Similarity*100)
		if m.DocumentDate != nil {
			age := s.Now.Sub(*m.DocumentDate)
			recSum += recency(age)
			dated++
			if age > oldAge {
				old++
			}
		} else {
			recSum += 50
		}
		if m.ParseScore != nil {
			parseSum += clamp(float64(*m.ParseScore))
			parseKnown++
		}
	}

	similarity := simSum / float64(n)
	if similarity < 75 {
		warnings = append(warnings, "Matches are only loosely related to the query")
	}

	expected := s.Expected
	if expected <= 0 {
		expected = n
	}
	quantity := ratio(min(n, expected), expected)
	if n*2 < expected {
		warnings = append(warnings, fmt.Sprintf("Only %d supporting passages found", n))
	}

	rec := recSum / float64(n)
	// Undated sources are neutral for the score but say nothing about age.
	if old*2 > dated {
		warnings = append(warnings, "Most dated sources are more than two years old")
	}

	parse := 50.0
	if parseKnown > 0 {
		parse = parseSum / float64(parseKnown)
		if parse < 70 {
			warnings = append(warnings, "Some sources were parsed with low confidence")
		}
	}
	if unknown := n - parseKnown; unknown > 0 {
		warnings = append(warnings, fmt.Sprintf("Parse quality unknown for %d sources", unknown))
	}

	return map[string]float64{
		SimilarityScore:    similarity,
		ChunkQuantity:      quantity,
		DocumentRecency:    rec,
		SourceParseQuality: parse,
	}, warnings
}

func recency(age time.Duration) float64 {
	switch {
	case age <= freshAge:
		return 100
	case age >= staleAge:
		return 0
	default:
		return clamp(100 * float64(staleAge-age) / float64(staleAge-freshAge))
	}
}

// GenerationSignals compare a generated passage with its query and sources.
type GenerationSignals struct {
	Output  string
	Query   string
	Sources []string
}

var figurePattern = regexp.MustCompile(`\$?\d[\d,]*(?:\.\d+)?%?`)

// Components derives generation component values and warnings.
func (s GenerationSignals) Components() (map[string]float64, []string) {
	var warnings []string

	sourceText := strings.Join(s.Sources, "\n")
	sourceTerms := terms(sourceText)
	outTerms := terms(s.Output)

	relevance := 0.0
	if len(outTerms) > 0 {
		hit := 0
		for t := range outTerms {
			if _, ok := sourceTerms[t]; ok {
				hit++
			}
		}
		relevance = ratio(hit, len(outTerms))
		if relevance < 60 {
			warnings = append(warnings, "Draft uses language not found in the sources")
		}
	} else {
		warnings = append(warnings, "Model returned no content")
	}

	coverage := 100.0
	if queryTerms := terms(s.Query); len(queryTerms) > 0 {
		hit := 0
		for t := range queryTerms {
			if _, ok := outTerms[t]; ok {
				hit++
			}
		}
		coverage = ratio(hit, len(queryTerms))
		if coverage < 60 {
			warnings = append(warnings, "Draft may not fully answer the request")
		}
	}

	facts := 100.0
	if figures := uniqueFigures(s.Output); len(figures) > 0 {
		verified := 0
		for _, f := range figures {
			if strings.Contains(sourceText, f) {
				verified++
			} else {
				warnings = append(warnings, fmt.Sprintf("Unverified figure: %s", f))
			}
		}
		facts = ratio(verified, len(figures))
	}

	return map[string]float64{
		SourceRelevance:  relevance,
		QueryCoverage:    coverage,
		FactVerification: facts,
	}, warnings
}

func uniqueFigures(text string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, f := range figurePattern.FindAllString(text, -1) {
		f = strings.TrimRight(f, ",.")
		if f == "" || seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
	}
	return out
}

var stopwords = map[string]bool{
	"this": true, "that": true, "with": true, "from": true, "have": true, "will": true,
	"their": true, "there": true, "which": true, "about": true, "would": true, "these": true,
	"those": true, "into": true, "been": true, "were": true, "also": true, "such": true,
	"than": true, "them": true, "they": true, "what": true, "when": true, "your": true,
	"ours": true, "each": true, "more": true, "most": true, "other": true, "only": true,
}

// terms returns the set of lowercased content words of length >= 4.
func terms(text string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, w := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		if len([]rune(w)) < 4 || stopwords[w] {
			continue
		}
		out[w] = struct{}{}
	}
	return out
}

func ratio(num, den int) float64 {
	if den <= 0 {
		return 0
	}
	return clamp(100 * float64(num) / float64(den))
}

func clamp(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(100, v))
}
