package cli

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/wellsync/internal/harness"
)

// ScenarioOptions holds flags for the scenario command.
type ScenarioOptions struct {
	*RootOptions
	Update bool   // regenerate golden files
	Filter string // glob over scenario names
}

// ScenarioResult holds the result of a single scenario execution.
type ScenarioResult struct {
	Name   string   `json:"name"`
	File   string   `json:"file"`
	Pass   bool     `json:"pass"`
	Golden string   `json:"golden,omitempty"` // "match", "updated", "mismatch" or "missing"
	Errors []string `json:"errors,omitempty"`
}

// ScenarioSummary holds the overall result.
type ScenarioSummary struct {
	Scenarios []ScenarioResult `json:"scenarios"`
	Passed    int              `json:"passed"`
	Failed    int              `json:"failed"`
	Total     int              `json:"total"`
}

// NewScenarioCommand creates the scenario command.
func NewScenarioCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ScenarioOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "scenario <file-or-dir>",
		Short: "Replay YAML scenarios against an in-memory engine",
		Long: `Replay scenarios against a fresh engine on a manual clock and an
in-memory store, evaluating each scenario's assertions.

When a golden file exists at ../golden/<name>.golden relative to the
scenario file, the snapshot must match it byte for byte.

Exit codes:
  0 - All scenarios passed
  1 - One or more scenarios failed
  2 - Command error (missing path, bad filter)

Examples:
  wellsync scenario ./testdata/scenarios/crisis_deadline.yaml
  wellsync scenario ./testdata/scenarios --filter "crisis_*"
  wellsync scenario ./testdata/scenarios --update`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScenarios(opts, args[0], cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Update, "update", false, "regenerate golden files")
	cmd.Flags().StringVar(&opts.Filter, "filter", "", "filter scenarios by glob pattern")

	return cmd
}

func runScenarios(opts *ScenarioOptions, path string, cmd *cobra.Command) error {
	info, err := os.Stat(path)
	if err != nil {
		return WrapExitError(ExitCommandError, "scenario path not found", err)
	}

	files := []string{path}
	if info.IsDir() {
		files, err = findScenarioFiles(path, opts.Filter)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to find scenarios", err)
		}
	}

	summary := ScenarioSummary{Scenarios: make([]ScenarioResult, 0, len(files)), Total: len(files)}
	for _, file := range files {
		r := runScenarioFile(opts, file)
		summary.Scenarios = append(summary.Scenarios, r)
		if r.Pass {
			summary.Passed++
		} else {
			summary.Failed++
		}
	}

	out := newFormatter(opts.RootOptions, cmd.OutOrStdout())
	if err := out.Success(summary, func(w io.Writer) { printSummary(w, summary) }); err != nil {
		return err
	}
	if summary.Failed > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d scenario(s) failed", summary.Failed))
	}
	return nil
}

// findScenarioFiles finds all YAML scenario files in a directory.
func findScenarioFiles(dir, filter string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		ext := filepath.Ext(path)
		if ext != ".yaml" && ext != ".yml" {
			return nil
		}
		if filter != "" {
			matched, err := filepath.Match(filter, strings.TrimSuffix(d.Name(), ext))
			if err != nil {
				return fmt.Errorf("invalid filter pattern: %w", err)
			}
			if !matched {
				return nil
			}
		}
		files = append(files, path)
		return nil
	})
	return files, err
}

func runScenarioFile(opts *ScenarioOptions, file string) ScenarioResult {
	r := ScenarioResult{Name: filepath.Base(file), File: file}

	s, err := harness.LoadScenario(file)
	if err != nil {
		r.Errors = []string{fmt.Sprintf("load: %v", err)}
		return r
	}
	r.Name = s.Name

	result, err := harness.Run(s)
	if err != nil {
		r.Errors = []string{fmt.Sprintf("execute: %v", err)}
		return r
	}
	r.Errors = result.Errors

	snapshot, err := harness.NewSnapshot(s.Name, result).MarshalCanonical()
	if err != nil {
		r.Errors = append(r.Errors, fmt.Sprintf("snapshot: %v", err))
		return r
	}

	goldenPath := goldenFilePath(file, s.Name)
	switch {
	case opts.Update:
		if err := writeGolden(goldenPath, snapshot); err != nil {
			r.Errors = append(r.Errors, err.Error())
			return r
		}
		r.Golden = "updated"
	default:
		want, err := os.ReadFile(goldenPath)
		switch {
		case os.IsNotExist(err):
			r.Golden = "missing"
		case err != nil:
			r.Errors = append(r.Errors, fmt.Sprintf("read golden: %v", err))
			return r
		case bytes.Equal(want, snapshot):
			r.Golden = "match"
		default:
			r.Golden = "mismatch"
			r.Errors = append(r.Errors, "snapshot does not match golden file (run with --update to regenerate)")
		}
	}

	r.Pass = result.Pass && r.Golden != "mismatch"
	return r
}

// goldenFilePath places goldens in a golden directory beside the scenario
// directory, the layout the harness package tests use.
func goldenFilePath(scenarioFile, name string) string {
	return filepath.Join(filepath.Dir(filepath.Dir(scenarioFile)), "golden", name+".golden")
}

func writeGolden(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create golden directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write golden file: %w", err)
	}
	return nil
}

func printSummary(w io.Writer, s ScenarioSummary) {
	for _, r := range s.Scenarios {
		mark := "✓"
		if !r.Pass {
			mark = "✗"
		}
		note := ""
		if r.Golden == "updated" {
			note = " (golden updated)"
		}
		fmt.Fprintf(w, "%s %s%s\n", mark, r.Name, note)
		for _, e := range r.Errors {
			fmt.Fprintf(w, "  %s\n", e)
		}
	}
	fmt.Fprintf(w, "\nScenario Summary: %d passed, %d failed, %d total\n", s.Passed, s.Failed, s.Total)
	if s.Total == 0 {
		fmt.Fprintln(w, "No scenarios found.")
	}
}
