package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Merge and validate stack files without touching any engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			names, err := newPlanner().ValidateFiles(stackFiles, overridePath)
			for _, name := range names {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "stack %s: ok\n", name)
			}
			return err
		},
	}
	rootCmd.AddCommand(cmd)
}
