package commands

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newHistoryCommand() *cobra.Command {
	var (
		tenantID string
		limit    int
	)

	cmd := &cobra.Command{
		Use:   "history [saga-id]",
		Short: "Show the audit journal",
		Long: `Without arguments, list a tenant's most recent plan runs. With a saga ID,
list every step journaled for that run in the order it was recorded.`,
		Example: `  # Recent plan runs
  actuator history --tenant acme

  # Steps of one run
  actuator history --tenant acme 7d3f0a8e-2c55-4c0e-9a3f-58f1d0f4b2aa`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			rt, err := newRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()

			out := cmd.OutOrStdout()
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")

			if len(args) == 0 {
				sagas, err := rt.store.ListSagas(ctx, tenantID, limit)
				if err != nil {
					return fmt.Errorf("failed to list sagas: %w", err)
				}
				if jsonOutput {
					return enc.Encode(sagas)
				}

				tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "SAGA\tWORKFLOW\tSTATUS\tCREATED")
				for _, s := range sagas {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n",
						s.SagaID, s.WorkflowName, s.Status, s.CreatedAt.Format("2006-01-02 15:04:05"))
				}
				return tw.Flush()
			}

			saga, err := rt.store.GetSaga(ctx, tenantID, args[0])
			if err != nil {
				return fmt.Errorf("failed to load saga: %w", err)
			}
			steps, err := rt.store.ListSagaSteps(ctx, tenantID, saga.SagaID)
			if err != nil {
				return fmt.Errorf("failed to list saga steps: %w", err)
			}
			if jsonOutput {
				return enc.Encode(map[string]interface{}{"saga": saga, "steps": steps})
			}

			fmt.Fprintf(out, "Saga %s (%s): %s\n\n", saga.SagaID, saga.WorkflowName, saga.Status)
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "STEP\tOPERATION\tSTATUS\tMS\tERROR")
			for _, s := range steps {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n",
					s.StepID, s.OperationName, s.Status, s.ExecutionTimeMs, s.ErrorMessage)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().StringVarP(&tenantID, "tenant", "t", "", "tenant ID")
	cmd.Flags().IntVar(&limit, "limit", 20, "number of plan runs to list")
	_ = cmd.MarkFlagRequired("tenant")

	return cmd
}
