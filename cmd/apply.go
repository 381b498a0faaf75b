package cmd

import (
	"errors"
	"fmt"
	"time"

	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"github.com/dockhand/dockhand/internal/backend"
	"github.com/dockhand/dockhand/internal/plan"
	"github.com/dockhand/dockhand/internal/planner"
)

var (
	applyParallel int
	applyFailFast bool
	applyWait     bool
)

func init() {
	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Converge every stack against its engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			p := newPlanner()
			results, buildErr := p.BuildFiles(cmd.Context(), stackFiles, overridePath)
			plans := lo.Map(results, func(res *planner.BuildResult, _ int) *plan.Plan { return res.Plan })

			parallel := cfg.Parallel
			if cmd.Flags().Changed("parallel") {
				parallel = applyParallel
			}
			failFast := cfg.FailFast
			if cmd.Flags().Changed("fail-fast") {
				failFast = applyFailFast
			}
			wait := cfg.Wait
			if cmd.Flags().Changed("wait") {
				wait = applyWait
			}
			opts := backend.Options{Wait: wait, WaitTimeout: cfg.WaitTimeout}

			if revision != "" {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "revision %s\n", revision)
			}
			var outcomes []planner.Outcome
			err := withTransports(func(t *transports) error {
				outcomes = p.Run(cmd.Context(), plans, t.factory(opts), parallel, failFast)
				return nil
			})
			if err != nil {
				return errors.Join(buildErr, err)
			}

			errs := []error{buildErr}
			converged := 0
			for _, oc := range outcomes {
				if oc.Err != nil {
					errs = append(errs, oc.Err)
					continue
				}
				converged++
				oc.Changeset.Fprint(cmd.OutOrStdout())
			}
			if converged > 0 {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "applied %d stack(s) at %s\n", converged, time.Now().Format(time.RFC3339))
			}
			return errors.Join(errs...)
		},
	}
	cmd.Flags().IntVar(&applyParallel, "parallel", 0, "Stacks to converge concurrently (default from config)")
	cmd.Flags().BoolVar(&applyFailFast, "fail-fast", false, "Stop all stacks after the first failure")
	cmd.Flags().BoolVar(&applyWait, "wait", true, "Wait for orchestrated services to reach their desired state")
	rootCmd.AddCommand(cmd)
}
