package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/dyluth/armlab/internal/bounds"
	"github.com/dyluth/armlab/internal/launch"
	"github.com/dyluth/armlab/internal/printer"
	"github.com/dyluth/armlab/internal/runner"
	"github.com/spf13/cobra"
)

var (
	seedsWorkdir string
	seedsJSON    bool
)

var seedsCmd = &cobra.Command{
	Use:   "seeds",
	Short: "List the seed directories of an experiment",
	Long: `List the seed directories of an experiment working directory.

For each seed, displays:
  • Method and run status (from run.yaml)
  • Whether action bounds were persisted
  • Number of checkpoints and the latest checkpoint iteration

Use --json for machine-readable output.`,
	Args: cobra.NoArgs,
	RunE: runSeedsList,
}

func init() {
	seedsCmd.Flags().StringVarP(&seedsWorkdir, "workdir", "w", ".", "Working directory holding the seed directories")
	seedsCmd.Flags().BoolVar(&seedsJSON, "json", false, "Output in JSON format")
	rootCmd.AddCommand(seedsCmd)
}

// SeedSummary describes one seed directory.
type SeedSummary struct {
	Seed        int    `json:"seed"`
	Method      string `json:"method,omitempty"`
	Status      string `json:"status"`
	Bounds      bool   `json:"bounds"`
	Checkpoints int    `json:"checkpoints"`
	Latest      string `json:"latest,omitempty"`
}

// Seed run states.
const (
	statusUnknown  = "unknown"
	statusRunning  = "running"
	statusFinished = "finished"
	statusFailed   = "failed"
)

func runSeedsList(cmd *cobra.Command, args []string) error {
	summaries, err := summarizeSeeds(seedsWorkdir)
	if err != nil {
		return printer.Error("Failed to list seeds", err.Error(), nil)
	}

	if len(summaries) == 0 {
		if seedsJSON {
			printer.Info("[]\n")
			return nil
		}
		printer.Info("No seed directories found in %s.\n\n", seedsWorkdir)
		printer.Info("Run 'armlab run --config <file> --workdir %s' to start an experiment.\n", seedsWorkdir)
		return nil
	}

	if seedsJSON {
		data, err := json.MarshalIndent(summaries, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal seeds: %w", err)
		}
		printer.Info("%s\n", data)
		return nil
	}

	rows := make([][]string, 0, len(summaries))
	for _, s := range summaries {
		latest := s.Latest
		if latest == "" {
			latest = "-"
		}
		method := s.Method
		if method == "" {
			method = "-"
		}
		rows = append(rows, []string{
			fmt.Sprintf("seed%d", s.Seed),
			method,
			s.Status,
			yesNo(s.Bounds),
			strconv.Itoa(s.Checkpoints),
			latest,
		})
	}
	return printer.Table([]string{"SEED", "METHOD", "STATUS", "BOUNDS", "CHECKPOINTS", "LATEST"}, rows)
}

func summarizeSeeds(workdir string) ([]SeedSummary, error) {
	seeds, err := launch.ListSeeds(workdir)
	if err != nil {
		return nil, err
	}

	summaries := make([]SeedSummary, 0, len(seeds))
	for _, s := range seeds {
		dir := launch.SeedDir(workdir, s)
		summary := SeedSummary{Seed: s, Status: statusUnknown}

		if info, err := launch.ReadRunInfo(dir); err == nil {
			summary.Method = info.Method
			switch {
			case info.Error != "":
				summary.Status = statusFailed
			case info.Finished.IsZero():
				summary.Status = statusRunning
			default:
				summary.Status = statusFinished
			}
		}

		if _, err := os.Stat(filepath.Join(dir, bounds.FileName)); err == nil {
			summary.Bounds = true
		}

		weights := filepath.Join(dir, launch.WeightsDir)
		summary.Checkpoints = len(checkpointIterations(weights))
		if data, err := os.ReadFile(filepath.Join(weights, runner.LatestFile)); err == nil {
			summary.Latest = strings.TrimSpace(string(data))
		}
		summaries = append(summaries, summary)
	}
	return summaries, nil
}

// checkpointIterations lists the numeric checkpoint directories in order.
func checkpointIterations(weightsDir string) []int {
	entries, err := os.ReadDir(weightsDir)
	if err != nil {
		return nil
	}
	var its []int
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if n, err := strconv.Atoi(e.Name()); err == nil {
			its = append(its, n)
		}
	}
	sort.Ints(its)
	return its
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
