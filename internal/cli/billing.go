package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ManuelReschke/ListingPilot/internal/pkg/billing"
)

func newVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify <userID>",
		Short: "Ask the owning gateway whether a downgrade is safe (read-only)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := parseUserID(args[0])
			if err != nil {
				return err
			}
			v, err := services.Billing.VerifyBeforeDowngrade(cmd.Context(), userID)
			if perr := printOutput(cmd, v); perr != nil {
				return perr
			}
			if err != nil {
				return fmt.Errorf("verification incomplete: %w", err)
			}
			return nil
		},
	}
}

func newSyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync <userID>",
		Short: "Repair the billing record and plan from the owning gateway",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := parseUserID(args[0])
			if err != nil {
				return err
			}
			rec, err := services.Billing.SyncSubscriptionFromGateway(cmd.Context(), userID)
			if err != nil {
				return fmt.Errorf("failed to sync user %d: %w", userID, err)
			}
			return printOutput(cmd, rec)
		},
	}
}

func newDowngradeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "downgrade <userID>",
		Short: "Run the guarded downgrade for one user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := parseUserID(args[0])
			if err != nil {
				return err
			}
			res, err := services.Billing.DowngradeUser(cmd.Context(), userID)
			if err != nil {
				return fmt.Errorf("failed to downgrade user %d: %w", userID, err)
			}
			return printOutput(cmd, res)
		},
	}
}

func newSweepCmd() *cobra.Command {
	var inline bool
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Check every downgrade candidate",
		Long: `By default the candidates are enqueued for the server's queue workers.
With --inline each candidate is processed here, one at a time.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			if !inline {
				n, err := services.Jobs.RunSweepOnce(ctx)
				if err != nil {
					return fmt.Errorf("sweep failed after enqueuing %d checks: %w", n, err)
				}
				return printOutput(cmd, map[string]int{"enqueued": n})
			}
			return runInlineSweep(ctx, cmd, services.Billing)
		},
	}
	cmd.Flags().BoolVar(&inline, "inline", false, "process candidates in this process instead of enqueuing")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Minute, "overall sweep timeout")
	return cmd
}

type inlineSweeper interface {
	DowngradeCandidates(ctx context.Context) ([]uint, error)
	DowngradeUser(ctx context.Context, userID uint) (*billing.DowngradeResult, error)
}

func runInlineSweep(ctx context.Context, cmd *cobra.Command, s inlineSweeper) error {
	ids, err := s.DowngradeCandidates(ctx)
	if err != nil && len(ids) == 0 {
		return fmt.Errorf("failed to list candidates: %w", err)
	}

	summary := map[string]int{}
	results := make([]*billing.DowngradeResult, 0, len(ids))
	for _, id := range ids {
		res, derr := s.DowngradeUser(ctx, id)
		if derr != nil {
			summary["failed"]++
			fmt.Fprintf(cmd.ErrOrStderr(), "user %d: %v\n", id, derr)
			continue
		}
		summary[string(res.Outcome)]++
		results = append(results, res)
	}
	return printOutput(cmd, map[string]interface{}{"summary": summary, "results": results})
}

func newStatsCmd() *cobra.Command {
	var refresh bool

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show how many users are on each plan",
		RunE: func(cmd *cobra.Command, args []string) error {
			get := services.Stats.GetPlanStatistics
			if refresh {
				get = services.Stats.Refresh
			}
			stats, err := get(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to load plan statistics: %w", err)
			}
			return printOutput(cmd, stats)
		},
	}
	cmd.Flags().BoolVar(&refresh, "refresh", false, "bypass the cached value")
	return cmd
}
