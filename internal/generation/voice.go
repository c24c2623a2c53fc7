package generation

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
)

// VoiceProfile describes an organization's writing voice.
type VoiceProfile struct {
	Formality      int      `json:"formality"`  // 1 casual .. 5 formal
	Directness     int      `json:"directness"` // 1 narrative .. 5 direct
	PreferredTerms []string `json:"preferredTerms,omitempty"`
	AvoidTerms     []string `json:"avoidTerms,omitempty"`
}

// Validate checks both scales lie in [1,5] and no term is blank.
func (v VoiceProfile) Validate() error {
	if v.Formality < 1 || v.Formality > 5 {
		return eris.Wrapf(ErrInvalidVoiceProfile, "formality=%d must be in [1,5]", v.Formality)
	}
	if v.Directness < 1 || v.Directness > 5 {
		return eris.Wrapf(ErrInvalidVoiceProfile, "directness=%d must be in [1,5]", v.Directness)
	}
	for _, term := range append(append([]string(nil), v.PreferredTerms...), v.AvoidTerms...) {
		if strings.TrimSpace(term) == "" {
			return eris.Wrap(ErrInvalidVoiceProfile, "terms must not be blank")
		}
	}
	return nil
}

var formalityWords = [...]string{"", "conversational", "relaxed", "balanced", "professional", "highly formal"}
var directnessWords = [...]string{"", "story-driven", "descriptive", "balanced", "concise", "blunt and to the point"}

// section renders the voice guidance block.
func (v VoiceProfile) section() string {
	var b strings.Builder
	b.WriteString("Organization voice:\n")
	fmt.Fprintf(&b, "- Tone: %s (formality %d/5)\n", formalityWords[v.Formality], v.Formality)
	fmt.Fprintf(&b, "- Style: %s (directness %d/5)\n", directnessWords[v.Directness], v.Directness)
	if len(v.PreferredTerms) > 0 {
		fmt.Fprintf(&b, "- Prefer these terms: %s\n", strings.Join(v.PreferredTerms, ", "))
	}
	if len(v.AvoidTerms) > 0 {
		fmt.Fprintf(&b, "- Never use these terms: %s\n", strings.Join(v.AvoidTerms, ", "))
	}
	return strings.TrimRight(b.String(), "\n")
}
