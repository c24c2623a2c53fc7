package main

import (
	"bytes"
	"encoding/json"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grantvault/orgmemory/internal/confidence"
	"github.com/grantvault/orgmemory/internal/config"
)

func chdirTemp(t *testing.T) {
	t.Helper()
	dir := t.TempDir()
	orig, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(orig) })
}

// runScoreCmd executes a fresh score command against default config.
func runScoreCmd(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	chdirTemp(t)
	c, err := config.Load()
	require.NoError(t, err)
	cfg = c

	var out bytes.Buffer
	cmd := newScoreCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err = cmd.Execute()
	return out.String(), err
}

func TestScoreCommand_FromFlags(t *testing.T) {
	out, err := runScoreCmd(t, "", "--kind", "retrieval",
		"--set", "similarityScore=90",
		"--set", "chunkQuantity=100",
		"--set", "documentRecency=100",
		"--set", "sourceParseQuality=80",
	)
	require.NoError(t, err)

	var s confidence.Score
	require.NoError(t, json.Unmarshal([]byte(out), &s))
	assert.Equal(t, 92, s.Score)
	assert.Equal(t, confidence.LevelHigh, s.Level)
	require.NotNil(t, s.ShouldGenerate)
	assert.True(t, *s.ShouldGenerate)
}

func TestScoreCommand_FromStdin(t *testing.T) {
	in := `{"kind":"generation","components":{"sourceRelevance":50,"queryCoverage":50,"factVerification":50}}`
	out, err := runScoreCmd(t, in, "--file", "-")
	require.NoError(t, err)

	var s confidence.Score
	require.NoError(t, json.Unmarshal([]byte(out), &s))
	assert.Equal(t, 50, s.Score)
	require.NotNil(t, s.ShouldDisplay)
	assert.False(t, *s.ShouldDisplay)
}

func TestScoreCommand_Weights(t *testing.T) {
	out, err := runScoreCmd(t, "", "--kind", "generation", "--weights")
	require.NoError(t, err)
	assert.Contains(t, out, `"sourceRelevance"`)
	assert.Contains(t, out, `"percent": 40`)
}

func TestScoreCommand_UnknownKind(t *testing.T) {
	_, err := runScoreCmd(t, "", "--kind", "vibes", "--set", "x=1")
	require.Error(t, err)
	assert.ErrorIs(t, err, confidence.ErrUnknownKind)
}

func TestParseComponents_NotANumber(t *testing.T) {
	_, err := parseComponents(map[string]string{"similarityScore": "high"})
	require.Error(t, err)
	assert.ErrorIs(t, err, confidence.ErrInvalidComponent)
}
