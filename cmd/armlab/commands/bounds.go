package commands

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/dyluth/armlab/internal/bounds"
	"github.com/dyluth/armlab/internal/printer"
	"github.com/spf13/cobra"
)

var boundsCmd = &cobra.Command{
	Use:   "bounds <seed-dir>",
	Short: "Print the action bounds persisted for a seed",
	Long: `Print the action normalisation bounds stored in a seed directory's
action_min_max.bin. Only variants with normalised actions write this file.`,
	Args: cobra.ExactArgs(1),
	RunE: runBounds,
}

func init() {
	rootCmd.AddCommand(boundsCmd)
}

// poseComponents names the dimensions of the pose action.
var poseComponents = []string{"x", "y", "z", "qx", "qy", "qz", "qw", "gripper"}

func runBounds(cmd *cobra.Command, args []string) error {
	path := filepath.Join(args[0], bounds.FileName)
	b, err := bounds.Load(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return printer.ErrorWithContext(
				"No action bounds",
				"The seed directory has no persisted bounds.",
				map[string]string{"path": path},
				[]string{"Variants without normalised actions (e.g. BC, C2FARM) do not write bounds"},
			)
		}
		return printer.Error("Failed to read action bounds", err.Error(), nil)
	}

	return printer.Table([]string{"DIM", "COMPONENT", "MIN", "MAX"}, boundsRows(b))
}

func boundsRows(b bounds.ActionBounds) [][]string {
	rows := make([][]string, 0, b.Dim())
	for i := 0; i < b.Dim(); i++ {
		name := "-"
		if b.Dim() == bounds.PoseActionDim {
			name = poseComponents[i]
		}
		rows = append(rows, []string{
			strconv.Itoa(i),
			name,
			fmt.Sprintf("%.4f", b.Min[i]),
			fmt.Sprintf("%.4f", b.Max[i]),
		})
	}
	return rows
}
