// Package cli implements billingctl, the operator tool for billing state.
package cli

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/ManuelReschke/ListingPilot/internal/pkg/bootstrap"
)

var (
	services *bootstrap.Services
	// setupServices is swapped in tests.
	setupServices = bootstrap.SetupServices
)

var rootCmd = &cobra.Command{
	Use:   "billingctl",
	Short: "ListingPilot billing administration",
	Long: `billingctl inspects and repairs billing state: it runs the gateway
verification for a user, resyncs a record from its gateway, performs the
guarded downgrade and triggers the downgrade sweep.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if services != nil {
			return nil
		}
		s, err := setupServices()
		if err != nil {
			return fmt.Errorf("setup: %w", err)
		}
		services = s
		return nil
	},
	SilenceUsage:  true,
	SilenceErrors: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.AddCommand(newVerifyCmd())
	rootCmd.AddCommand(newSyncCmd())
	rootCmd.AddCommand(newDowngradeCmd())
	rootCmd.AddCommand(newSweepCmd())
	rootCmd.AddCommand(newStatsCmd())
	rootCmd.AddCommand(newUserCmd())
}

func parseUserID(arg string) (uint, error) {
	id, err := strconv.ParseUint(arg, 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid user id %q", arg)
	}
	return uint(id), nil
}

func printOutput(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
