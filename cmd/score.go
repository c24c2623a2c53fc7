package main

import (
	"encoding/json"
	"io"
	"os"
	"strconv"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/grantvault/orgmemory/internal/confidence"
)

var scoreCmd = newScoreCmd()

func newScoreCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "score",
		Short: "Compute a confidence score from component values",
		Long: `Scores one kind (parse, retrieval or generation) against the configured
thresholds and prints the result as JSON.

Examples:
  # Components as flags
  score --kind retrieval --set similarityScore=90 --set chunkQuantity=100 \
        --set documentRecency=100 --set sourceParseQuality=80

  # Components from a JSON document on stdin
  echo '{"kind":"parse","components":{...}}' | score --file -

  # Show the weight table for a kind
  score --kind generation --weights`,
		RunE: runScore,
	}

	f := cmd.Flags()
	f.String("kind", "", "confidence kind: parse, retrieval or generation")
	f.StringToString("set", nil, "component value as name=value (repeatable)")
	f.StringSlice("warning", nil, "warning to carry through (repeatable)")
	f.String("file", "", "read {kind, components, warnings} JSON from a file, - for stdin")
	f.Bool("weights", false, "print the weight table for --kind and exit")
	return cmd
}

func init() {
	rootCmd.AddCommand(scoreCmd)
}

func runScore(cmd *cobra.Command, _ []string) error {
	if err := cfg.Validate("score"); err != nil {
		return err
	}
	engine, err := confidence.NewEngine(confidence.FromConfig(cfg.Confidence))
	if err != nil {
		return err
	}

	f := cmd.Flags()
	kind, _ := f.GetString("kind")
	sets, _ := f.GetStringToString("set")
	warnings, _ := f.GetStringSlice("warning")
	file, _ := f.GetString("file")
	weights, _ := f.GetBool("weights")

	out := cmd.OutOrStdout()
	if weights {
		table, err := confidence.Weights(confidence.Kind(kind))
		if err != nil {
			return err
		}
		return writeIndented(out, table)
	}

	req := confidenceRequest{Kind: confidence.Kind(kind), Warnings: warnings}
	if file != "" {
		var in io.Reader = cmd.InOrStdin()
		if file != "-" {
			fh, err := os.Open(file)
			if err != nil {
				return eris.Wrapf(err, "open %s", file)
			}
			defer fh.Close() //nolint:errcheck
			in = fh
		}
		if err := json.NewDecoder(in).Decode(&req); err != nil {
			return eris.Wrap(err, "decode score input")
		}
	}
	if len(sets) > 0 {
		comps, err := parseComponents(sets)
		if err != nil {
			return err
		}
		req.Components = comps
	}

	score, err := engine.Score(req.Kind, req.Components, req.Warnings)
	if err != nil {
		return err
	}
	return writeIndented(out, score)
}

func parseComponents(sets map[string]string) (map[string]float64, error) {
	out := make(map[string]float64, len(sets))
	for name, raw := range sets {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, eris.Wrapf(confidence.ErrInvalidComponent, "%s=%q is not a number", name, raw)
		}
		out[name] = v
	}
	return out, nil
}

func writeIndented(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
