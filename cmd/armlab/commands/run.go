package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dyluth/armlab/internal/config"
	"github.com/dyluth/armlab/internal/launch"
	"github.com/dyluth/armlab/internal/printer"
	"github.com/spf13/cobra"
)

var (
	runConfigPath string
	runWorkdir    string
	runSeeds      int
	runIterations int
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run an experiment",
	Long: `Run the experiment described by a configuration file.

Seeds are numbered after the seed directories already present in the working
directory, so re-running in the same directory adds seeds instead of
overwriting them. Each seed directory receives:
  • config.yaml and run.yaml
  • action_min_max.bin (variants with normalised actions)
  • weights/<iteration>/ checkpoints and weights/LATEST
  • scalars.csv and events.jsonl`,
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVarP(&runConfigPath, "config", "c", "", "Path to the experiment configuration (required)")
	runCmd.Flags().StringVarP(&runWorkdir, "workdir", "w", ".", "Working directory holding the seed directories")
	runCmd.Flags().IntVar(&runSeeds, "seeds", 0, "Number of seeds to run (overrides framework.seeds)")
	runCmd.Flags().IntVar(&runIterations, "iterations", 0, "Training iterations per seed (overrides framework.training_iterations)")
	runCmd.MarkFlagRequired("config")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadRunConfig()
	if err != nil {
		return err
	}

	exec, err := launch.NewExecContext(cfg.Framework.GPU, cfg.Framework.EnvGPU, launch.NoAccelerator{})
	if err != nil {
		return printer.Error("Failed to select devices", err.Error(), nil)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	printer.Step("Running %d seed(s) of %s on %s in %s\n", cfg.Framework.Seeds, cfg.Method.Name, cfg.RLBench.Task, runWorkdir)
	start := time.Now()
	seeds, err := launch.NewLauncher(cfg, runWorkdir, exec).Run(ctx)
	for _, s := range seeds {
		printer.Success("seed%d finished\n", s)
	}
	if err != nil {
		if cfgErr := printer.ConfigError(err); cfgErr != nil {
			return cfgErr
		}
		return printer.ErrorWithContext(
			"Experiment failed",
			err.Error(),
			map[string]string{"workdir": runWorkdir, "config": runConfigPath},
			[]string{"Check the seed's run.yaml and events.jsonl for the failing iteration"},
		)
	}

	printer.Success("Experiment finished in %s\n", time.Since(start).Round(time.Second))
	return nil
}

func loadRunConfig() (*config.ExperimentConfig, error) {
	cfg, err := config.Load(runConfigPath)
	if err != nil {
		if cfgErr := printer.ConfigError(err, fmt.Sprintf("Fix the value in %s and re-run", runConfigPath)); cfgErr != nil {
			return nil, cfgErr
		}
		return nil, printer.Error("Failed to load configuration", err.Error(), nil)
	}

	if runSeeds < 0 {
		return nil, printer.ConfigError(&config.Error{Field: "--seeds", Value: fmt.Sprint(runSeeds), Reason: "must be >= 1"})
	}
	if runSeeds > 0 {
		cfg.Framework.Seeds = runSeeds
	}
	if runIterations < 0 {
		return nil, printer.ConfigError(&config.Error{Field: "--iterations", Value: fmt.Sprint(runIterations), Reason: "must be >= 1"})
	}
	if runIterations > 0 {
		cfg.Framework.TrainingIterations = runIterations
	}
	return cfg, nil
}
