package gate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grantvault/orgmemory/internal/confidence"
)

func uniform(t *testing.T, kind confidence.Kind, v float64) *confidence.Score {
	t.Helper()
	weights, err := confidence.Weights(kind)
	require.NoError(t, err)
	values := make(map[string]float64, len(weights))
	for _, w := range weights {
		values[w.Name] = v
	}
	s, err := confidence.DefaultEngine().Score(kind, values, nil)
	require.NoError(t, err)
	return s
}

func TestPreGeneration_FollowsShouldGenerate(t *testing.T) {
	for _, v := range []float64{0, 30, 59, 60, 61, 85, 100} {
		s := uniform(t, confidence.KindRetrieval, v)
		d := PreGeneration(s)
		assert.Equal(t, *s.ShouldGenerate, d.Allowed, "score %d", s.Score)
		assert.Equal(t, d.Allowed, d.Proceed())
		assert.False(t, d.Display())
		assert.Equal(t, s.Score, d.Score)
	}
}

func TestPreGeneration_DeniedMessage(t *testing.T) {
	d := PreGeneration(uniform(t, confidence.KindRetrieval, 40))
	assert.False(t, d.Proceed())
	assert.Equal(t, InsufficientMemoryMessage, d.Reason)
}

func TestPreDisplay_FollowsShouldDisplay(t *testing.T) {
	low := PreDisplay(uniform(t, confidence.KindGeneration, 45))
	assert.False(t, low.Display())
	assert.Equal(t, WithheldMessage, low.Reason)

	high := PreDisplay(uniform(t, confidence.KindGeneration, 90))
	assert.True(t, high.Display())
	assert.False(t, high.Proceed())
}

func TestGates_RejectWrongKind(t *testing.T) {
	parse := uniform(t, confidence.KindParse, 100)

	d := PreGeneration(parse)
	assert.False(t, d.Allowed)
	assert.Contains(t, d.Reason, "expected a retrieval score")

	d = PreDisplay(uniform(t, confidence.KindRetrieval, 100))
	assert.False(t, d.Allowed)
	assert.Contains(t, d.Reason, "expected a generation score")
}

func TestGates_NilScore(t *testing.T) {
	assert.False(t, PreGeneration(nil).Allowed)
	assert.False(t, PreDisplay(nil).Allowed)
}

func TestGates_MissingDecisionFlag(t *testing.T) {
	s := &confidence.Score{Kind: confidence.KindRetrieval, Score: 95}
	d := PreGeneration(s)
	assert.False(t, d.Allowed)
	assert.Contains(t, d.Reason, "carries no decision")
}

func TestGates_Idempotent(t *testing.T) {
	s := uniform(t, confidence.KindRetrieval, 72)
	first := PreGeneration(s)
	for i := 0; i < 3; i++ {
		assert.Equal(t, first, PreGeneration(s))
	}
	assert.Equal(t, 72, s.Score)
}
