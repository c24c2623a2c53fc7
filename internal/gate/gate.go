// Package gate decides whether generation may run and whether generated
// content may be shown, based on confidence scores. Decisions are pure;
// callers record them.
package gate

import (
	"fmt"

	"github.com/grantvault/orgmemory/internal/confidence"
)

// Checkpoint names a gate position in the request pipeline.
type Checkpoint string

const (
	PreGenerationCheckpoint Checkpoint = "pre_generation"
	PreDisplayCheckpoint    Checkpoint = "pre_display"
)

// Messages shown to the end user when a gate denies.
const (
	InsufficientMemoryMessage = "Not enough relevant organizational memory to draft this safely."
	WithheldMessage           = "Generated content is weakly supported by your sources and is shown only on request."
)

// Decision is the outcome of one gate check. Allowed means proceed at the
// pre-generation checkpoint and display at the pre-display checkpoint.
type Decision struct {
	Checkpoint Checkpoint `json:"checkpoint"`
	Allowed    bool       `json:"allowed"`
	Score      int        `json:"score"`
	Reason     string     `json:"reason"`
}

// Proceed reports whether generation may run.
func (d Decision) Proceed() bool {
	return d.Checkpoint == PreGenerationCheckpoint && d.Allowed
}

// Display reports whether generated content may be shown.
func (d Decision) Display() bool {
	return d.Checkpoint == PreDisplayCheckpoint && d.Allowed
}

// PreGeneration allows generation exactly when the retrieval score says it
// should generate. A nil score or a score of another kind is denied.
func PreGeneration(s *confidence.Score) Decision {
	d := decide(PreGenerationCheckpoint, s, confidence.KindRetrieval, func(s *confidence.Score) *bool {
		return s.ShouldGenerate
	})
	if !d.Allowed && d.Reason == "" {
		d.Reason = InsufficientMemoryMessage
	}
	return d
}

// PreDisplay allows display exactly when the generation score says it
// should be displayed. Denied content is withheld, not discarded.
func PreDisplay(s *confidence.Score) Decision {
	d := decide(PreDisplayCheckpoint, s, confidence.KindGeneration, func(s *confidence.Score) *bool {
		return s.ShouldDisplay
	})
	if !d.Allowed && d.Reason == "" {
		d.Reason = WithheldMessage
	}
	return d
}

func decide(cp Checkpoint, s *confidence.Score, want confidence.Kind, flag func(*confidence.Score) *bool) Decision {
	d := Decision{Checkpoint: cp}
	switch {
	case s == nil:
		d.Reason = "no confidence score supplied"
	case s.Kind != want:
		d.Score = s.Score
		d.Reason = fmt.Sprintf("expected a %s score, got %s", want, s.Kind)
	case flag(s) == nil:
		d.Score = s.Score
		d.Reason = fmt.Sprintf("%s score carries no decision", s.Kind)
	default:
		d.Score = s.Score
		d.Allowed = *flag(s)
		if d.Allowed {
			d.Reason = s.Message
		}
	}
	return d
}
