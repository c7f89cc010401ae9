package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	version string
	commit  string
	date    string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "armlab",
	Short: "armlab - RL experiment orchestration for robotic manipulation",
	Long: `armlab runs reinforcement-learning experiments for robotic manipulation.

For a configured task and algorithm variant it fills experience stores from
demonstrations, builds the agent, and trains it while environment workers
collect new transitions, repeating for every requested seed.`,
	Version: version,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
	FParseErrWhitelist: cobra.FParseErrWhitelist{},
}

// Execute runs the root command. It is called once by main.main().
func Execute() error {
	// The printer package reports errors itself
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true
	return rootCmd.Execute()
}

// SetVersionInfo sets the version information for the CLI
func SetVersionInfo(v, c, d string) {
	version = v
	commit = c
	date = d
	rootCmd.Version = fmt.Sprintf("%s (commit: %s, built: %s)", v, c, d)
}
