package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"github.com/dockhand/dockhand/internal/backend"
	"github.com/dockhand/dockhand/internal/plan"
	"github.com/dockhand/dockhand/internal/planner"
	"github.com/dockhand/dockhand/internal/spec"
)

var (
	planJSON bool
	planOut  string
	planDiff bool
)

func init() {
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Build canonical plans and show what apply would do",
		RunE: func(cmd *cobra.Command, args []string) error {
			results, buildErr := newPlanner().BuildFiles(cmd.Context(), stackFiles, overridePath)

			var err error
			switch {
			case planJSON:
				err = printPlansJSON(cmd, results)
			case planOut != "":
				err = writePlans(cmd, results)
			case planDiff:
				err = diffPlans(cmd, results)
			default:
				err = printPlanSummaries(cmd, results)
			}
			return errors.Join(buildErr, err)
		},
	}
	cmd.Flags().BoolVar(&planJSON, "json", false, "Emit the canonical plans as a JSON array")
	cmd.Flags().StringVar(&planOut, "out", "", "Write one <stack>.plan.json per stack into this directory")
	cmd.Flags().BoolVar(&planDiff, "diff", false, "Connect to the engine and show the pending changes")
	rootCmd.AddCommand(cmd)
}

func printPlanSummaries(cmd *cobra.Command, results []*planner.BuildResult) error {
	out := cmd.OutOrStdout()
	if revision != "" {
		_, _ = fmt.Fprintf(out, "revision %s\n", revision)
	}
	for _, res := range results {
		pl := res.Plan
		sum, err := pl.Checksum()
		if err != nil {
			return err
		}
		action := "converge"
		if pl.State == spec.StateAbsent {
			action = "destroy"
		}
		_, _ = fmt.Fprintf(out, "stack %s (%s, %s): %d service(s), %d secret(s), %d network(s)\n",
			pl.Stack, pl.Mode, action, len(pl.Services), len(pl.Secrets), len(pl.Networks))
		_, _ = fmt.Fprintf(out, "  checksum %s\n", sum)
		for _, name := range pl.PruneCandidates {
			_, _ = fmt.Fprintf(out, "  prune candidate: %s\n", name)
		}
		for _, d := range res.Diagnostics {
			_, _ = fmt.Fprintf(out, "  note %s: %s\n", d.Path, d.Message)
		}
	}
	return nil
}

func printPlansJSON(cmd *cobra.Command, results []*planner.BuildResult) error {
	plans := lo.Map(results, func(res *planner.BuildResult, _ int) *plan.Plan { return res.Plan })
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(plans)
}

func writePlans(cmd *cobra.Command, results []*planner.BuildResult) error {
	if err := os.MkdirAll(planOut, 0o755); err != nil {
		return err
	}
	for _, res := range results {
		raw, err := res.Plan.Encode()
		if err != nil {
			return err
		}
		path := filepath.Join(planOut, res.Stack+".plan.json")
		if err := os.WriteFile(path, append(raw, '\n'), 0o644); err != nil {
			return err
		}
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
	}
	return nil
}

func diffPlans(cmd *cobra.Command, results []*planner.BuildResult) error {
	return withTransports(func(t *transports) error {
		factory := t.factory(backend.Options{})
		var errs []error
		for _, res := range results {
			if res.Plan.State == spec.StateAbsent {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s: declared absent, apply will tear it down\n", res.Plan.Stack)
				continue
			}
			adapter, err := factory(res.Plan)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			cs, err := adapter.Diff(cmd.Context(), res.Plan)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			cs.Fprint(cmd.OutOrStdout())
		}
		return errors.Join(errs...)
	})
}
