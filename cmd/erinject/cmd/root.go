// Package cmd provides the command-line interface for erinject.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/tebeka/atexit"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "erinject",
	Short: "erinject exercises the fault-tolerant allocator.",
	Long: `erinject exercises the fault-tolerant allocator by injecting bit ` +
		`flips into protected regions and reporting how many were detected ` +
		`and corrected. The allocator is configured from ERMALLOC_* ` +
		`environment variables.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags
// appropriately. The process exits through atexit so registered teardown
// runs.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		atexit.Exit(1)
	}
	atexit.Exit(0)
}
