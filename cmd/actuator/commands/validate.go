package commands

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/actuator/pkg/config"
)

func newValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <plan>...",
		Short: "Validate action plan files",
		Long: `Validate action plans against the built-in schema.

This command checks:
  - CUE, JSON or YAML syntax
  - Required plan fields and unknown fields
  - Operation names of the form base_name@version
  - Priorities and risk score

Policy rules are not evaluated; use 'apply --dry-run' for that.`,
		Example: `  # Validate one plan
  actuator validate plans/spring.cue

  # Validate every YAML plan in a directory
  actuator validate plans/*.yaml`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			loader := config.NewPlanLoader()
			out := cmd.OutOrStdout()

			invalid := 0
			for _, path := range args {
				plan, err := loader.LoadPlan(ctx, path)
				if err != nil {
					invalid++

					var perr *config.PlanError
					if errors.As(err, &perr) {
						fmt.Fprintf(out, "✗ %s\n", path)
						for _, ve := range perr.Errors {
							fmt.Fprintf(out, "    %s\n", ve)
						}
						continue
					}
					fmt.Fprintf(out, "✗ %s: %v\n", path, err)
					continue
				}

				log.Debug().
					Str("plan_id", plan.PlanID).
					Str("tenant_id", plan.TenantID).
					Msg("Plan is valid")
				fmt.Fprintf(out, "✓ %s (plan %s, tenant %s, %d operations)\n",
					path, plan.PlanID, plan.TenantID, len(plan.Operations))
			}

			if invalid > 0 {
				return fmt.Errorf("%d of %d plans are invalid", invalid, len(args))
			}
			return nil
		},
	}

	return cmd
}
