package commands

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newApprovalsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "approvals",
		Short: "Manage operations awaiting human approval",
	}

	cmd.AddCommand(newApprovalsListCommand())
	cmd.AddCommand(newApprovalsApproveCommand())

	return cmd
}

func newApprovalsListCommand() *cobra.Command {
	var tenantID string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List operations awaiting approval",
		Example: `  actuator approvals list --tenant acme`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			rt, err := newRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()

			steps, err := rt.store.GetPendingApprovals(ctx, tenantID)
			if err != nil {
				return fmt.Errorf("failed to list pending approvals: %w", err)
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(steps)
			}

			if len(steps) == 0 {
				fmt.Fprintln(out, "No operations awaiting approval")
				return nil
			}

			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "STEP\tOPERATION\tSAGA\tCREATED\tREASON")
			for _, s := range steps {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
					s.StepID, s.OperationName, s.SagaID, s.CreatedAt.Format("2006-01-02 15:04:05"), s.ErrorMessage)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().StringVarP(&tenantID, "tenant", "t", "", "tenant ID")
	_ = cmd.MarkFlagRequired("tenant")

	return cmd
}

func newApprovalsApproveCommand() *cobra.Command {
	var tenantID string

	cmd := &cobra.Command{
		Use:   "approve <step-id>...",
		Short: "Approve parked operations and dispatch them",
		Long: `Approve operations parked in the approval queue. Each approved operation
is dispatched immediately without re-evaluating policy. A step can be
approved once; approving it again fails.`,
		Example: `  actuator approvals approve --tenant acme 0b6c1f1e-5c1d-4e55-9a3b-1f0d6f3f9c21`,
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			rt, err := newRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()

			out := cmd.OutOrStdout()
			failed := 0
			for _, stepID := range args {
				result, err := rt.connector.ExecuteApproved(ctx, tenantID, stepID)
				if err != nil {
					failed++
					log.Error().Err(err).Str("step_id", stepID).Msg("Approval failed")
					fmt.Fprintf(out, "✗ %s: %v\n", stepID, err)
					continue
				}

				if jsonOutput {
					if err := json.NewEncoder(out).Encode(result); err != nil {
						return err
					}
					continue
				}
				if result.Success {
					fmt.Fprintf(out, "✓ %s: %s applied\n", stepID, result.OperationName)
				} else {
					failed++
					fmt.Fprintf(out, "✗ %s: %s %s\n", stepID, result.ErrorKind, result.ErrorMessage)
				}
			}

			if failed > 0 {
				return fmt.Errorf("%d of %d approvals did not apply", failed, len(args))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&tenantID, "tenant", "t", "", "tenant ID")
	_ = cmd.MarkFlagRequired("tenant")

	return cmd
}
