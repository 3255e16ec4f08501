package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/vkngwrapper/ermalloc"
	"github.com/vkngwrapper/ermalloc/memutils/policy"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Allocate a few demonstration regions and print allocator statistics.",
	RunE: func(cmd *cobra.Command, args []string) error {
		text, _ := cmd.Flags().GetString("policies")
		policies, err := policy.ParseList(text)
		if err != nil {
			return err
		}

		for _, size := range []int{16, 256, 4096} {
			ptr, err := ermalloc.ErMalloc(size, policies)
			if err != nil {
				return err
			}

			_, err = ermalloc.EnforcePolicies(ptr)
			if err != nil {
				return err
			}
		}

		allocator, err := ermalloc.Default()
		if err != nil {
			return err
		}

		fmt.Fprintln(cmd.OutOrStdout(), allocator.BuildStatsString(true))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statsCmd)
	statsCmd.Flags().String("policies", "redundancy", "Policies applied to the demonstration regions, e.g. \"none,redundancy:5/3\"")
}
