package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/openfroyo/actuator/pkg/config"
	"github.com/openfroyo/actuator/pkg/engine"
)

func newApplyCommand() *cobra.Command {
	var (
		dryRun            bool
		continueOnFailure bool
		noRollback        bool
		parallelism       int
	)

	cmd := &cobra.Command{
		Use:   "apply <plan>...",
		Short: "Execute action plans",
		Long: `Execute one or more action plans.

Each plan runs as one saga. Operations run one at a time, highest priority
first. Operations that need approval are parked in the approval queue and
the plan continues. On the first failure the plan stops and every operation
it already applied is compensated, newest first.

Independent plans run concurrently, up to --parallelism at a time.`,
		Example: `  # Apply a plan
  actuator apply plans/spring.cue

  # Evaluate policy without dispatching anything
  actuator apply --dry-run plans/spring.cue

  # Apply several plans, two at a time
  actuator apply --parallelism 2 plans/*.yaml`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			loader := config.NewPlanLoader()
			plans := make([]*engine.ActionPlan, len(args))
			for i, path := range args {
				plan, err := loader.LoadPlan(ctx, path)
				if err != nil {
					return err
				}
				plans[i] = plan
			}

			rt, err := newRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()

			if parallelism <= 0 {
				parallelism = rt.cfg.Concurrency
			}

			opts := engine.ExecuteOptions{
				StopOnFailure: !continueOnFailure,
				AutoRollback:  !noRollback,
				DryRun:        dryRun,
			}

			log.Info().
				Int("plans", len(plans)).
				Int("parallelism", parallelism).
				Bool("dry_run", dryRun).
				Msg("Applying action plans")

			results, err := applyPlans(ctx, rt.executor, plans, opts, parallelism)
			if err != nil {
				return err
			}

			if err := printResults(cmd.OutOrStdout(), results); err != nil {
				return err
			}

			for _, r := range results {
				if !r.Success {
					return fmt.Errorf("%d of %d plans did not complete", countFailed(results), len(results))
				}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "evaluate policy only, without dispatching or journaling")
	cmd.Flags().BoolVar(&continueOnFailure, "continue-on-failure", false, "keep going after a failed operation")
	cmd.Flags().BoolVar(&noRollback, "no-rollback", false, "do not compensate applied operations when a plan stops")
	cmd.Flags().IntVar(&parallelism, "parallelism", 0, "max plans applied at once (default from config)")

	return cmd
}

// applyPlans runs plans concurrently, bounded by limit. Results keep the
// order of plans. An engine failure cancels plans that have not started.
func applyPlans(ctx context.Context, executor *engine.PlanExecutor, plans []*engine.ActionPlan, opts engine.ExecuteOptions, limit int) ([]*engine.PlanResult, error) {
	results := make([]*engine.PlanResult, len(plans))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)

	for i, plan := range plans {
		i, plan := i, plan
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}

			result, err := executor.Execute(gctx, plan, opts)
			if err != nil {
				return fmt.Errorf("plan %s: %w", plan.PlanID, err)
			}

			results[i] = result
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func countFailed(results []*engine.PlanResult) int {
	n := 0
	for _, r := range results {
		if !r.Success {
			n++
		}
	}
	return n
}

func printResults(w io.Writer, results []*engine.PlanResult) error {
	if jsonOutput {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(results)
	}

	for _, r := range results {
		fmt.Fprintf(w, "Plan %s (tenant %s): %s\n", r.PlanID, r.TenantID, r.Status)
		if r.SagaID != "" {
			fmt.Fprintf(w, "  saga:          %s\n", r.SagaID)
		}
		fmt.Fprintf(w, "  executed:      %d\n", len(r.Executed))
		fmt.Fprintf(w, "  failed:        %d\n", len(r.Failed))
		fmt.Fprintf(w, "  pending:       %d\n", len(r.Pending))
		fmt.Fprintf(w, "  skipped:       %d\n", r.Skipped)
		fmt.Fprintf(w, "  compensations: %d (%d failed)\n", r.CompensationsExecuted, r.CompensationsFailed)
		fmt.Fprintf(w, "  duration:      %s\n", r.Duration)

		for _, f := range r.Failed {
			fmt.Fprintf(w, "  ✗ %s: %s %s\n", f.OperationName, f.Result.ErrorKind, f.Result.ErrorMessage)
		}
		for _, p := range r.Pending {
			fmt.Fprintf(w, "  … %s awaiting approval (step %s)\n", p.OperationName, p.Result.StepID)
		}
	}
	return nil
}
