package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newSweepCommand() *cobra.Command {
	var (
		watch    bool
		interval time.Duration
	)

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Purge expired idempotency records",
		Long: `Delete idempotency records whose TTL has passed. With --watch the sweep
repeats until interrupted and metrics are served on the configured address.`,
		Example: `  # One-off sweep
  actuator sweep

  # Sweep every 10 minutes
  actuator sweep --watch --interval 10m`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			rt, err := newRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()

			if !watch {
				n, err := rt.sweep(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Purged %d expired records\n", n)
				return nil
			}

			if interval <= 0 {
				interval = rt.cfg.Ledger.SweepInterval
			}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				return rt.telemetry.Metrics.Serve(gctx)
			})
			g.Go(func() error {
				return rt.sweepLoop(gctx, interval)
			})
			return g.Wait()
		},
	}

	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "keep sweeping until interrupted")
	cmd.Flags().DurationVar(&interval, "interval", 0, "time between sweeps (default from config)")

	return cmd
}

// sweep purges expired ledger records once.
func (rt *runtime) sweep(ctx context.Context) (int64, error) {
	n, err := rt.ledger.PurgeExpired(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to purge expired records: %w", err)
	}

	rt.telemetry.Metrics.RecordLedgerPurged(n)
	log.Info().Int64("purged", n).Msg("Idempotency ledger swept")
	return n, nil
}

// sweepLoop sweeps every interval until ctx is done. Failed sweeps are
// logged and retried on the next tick.
func (rt *runtime) sweepLoop(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Info().Dur("interval", interval).Msg("Sweeper started")
	for {
		if _, err := rt.sweep(ctx); err != nil {
			log.Error().Err(err).Msg("Sweep failed")
		}

		select {
		case <-ctx.Done():
			log.Info().Msg("Sweeper stopped")
			return nil
		case <-ticker.C:
		}
	}
}
