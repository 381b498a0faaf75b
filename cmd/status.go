package cmd

import (
	"encoding/json"
	"errors"

	"github.com/spf13/cobra"

	"github.com/dockhand/dockhand/internal/backend"
	"github.com/dockhand/dockhand/internal/status"
)

var statusJSON bool

func init() {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Report the observed state of every stack",
		RunE: func(cmd *cobra.Command, args []string) error {
			results, buildErr := newPlanner().BuildFiles(cmd.Context(), stackFiles, overridePath)

			reports := make([]*status.Report, 0, len(results))
			err := withTransports(func(t *transports) error {
				factory := t.factory(backend.Options{})
				var errs []error
				for _, res := range results {
					adapter, err := factory(res.Plan)
					if err != nil {
						errs = append(errs, err)
						continue
					}
					rep, err := adapter.Status(cmd.Context(), res.Plan)
					if err != nil {
						errs = append(errs, err)
						continue
					}
					reports = append(reports, rep)
				}
				return errors.Join(errs...)
			})

			if statusJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				if encErr := enc.Encode(reports); encErr != nil {
					return errors.Join(buildErr, err, encErr)
				}
			} else {
				for _, rep := range reports {
					rep.Fprint(cmd.OutOrStdout())
				}
			}
			return errors.Join(buildErr, err)
		},
	}
	cmd.Flags().BoolVar(&statusJSON, "json", false, "Emit the reports as a JSON array")
	rootCmd.AddCommand(cmd)
}
