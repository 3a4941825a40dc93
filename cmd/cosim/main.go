// Command cosim runs vehicle co-simulations described by a YAML scenario and
// inspects the recorded run history.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "cosim",
		Short:         "vehicle co-simulation master",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newRunCmd(),
		newValidateCmd(),
		newUnitsCmd(),
		newRunsCmd(),
		newPlotCmd(),
		newStatusCmd(),
		newHaltCmd(),
	)
	return root
}
