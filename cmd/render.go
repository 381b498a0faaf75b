package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dockhand/dockhand/internal/planner"
	"github.com/dockhand/dockhand/internal/render"
)

var renderTemplate string

func init() {
	cmd := &cobra.Command{
		Use:   "render",
		Short: "Print the rendered compose document for each stack",
		RunE: func(cmd *cobra.Command, args []string) error {
			results, buildErr := newPlanner().BuildFiles(cmd.Context(), stackFiles, overridePath)
			var errs []error
			if buildErr != nil {
				errs = append(errs, buildErr)
			}
			printed := 0
			for _, res := range results {
				doc, err := renderOne(cmd, res)
				if err != nil {
					errs = append(errs, err)
					continue
				}
				if printed > 0 {
					_, _ = fmt.Fprintln(cmd.OutOrStdout(), "---")
				}
				printed++
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "# stack %s\n", res.Stack)
				_, _ = cmd.OutOrStdout().Write(doc)
			}
			return errors.Join(errs...)
		},
	}
	cmd.Flags().StringVar(&renderTemplate, "template", "", "Render this template file per stack instead of the compose document")
	rootCmd.AddCommand(cmd)
}

func renderOne(cmd *cobra.Command, res *planner.BuildResult) ([]byte, error) {
	if renderTemplate != "" {
		engine := render.NewEngine(render.Options{}).WithFuncs(render.FuncsFor(res.Plan))
		return engine.RenderFile(renderTemplate, render.Context(res.Plan))
	}
	return render.RenderComposition(cmd.Context(), res.Plan)
}
