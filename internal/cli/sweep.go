package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kobopay/kobod/internal/di"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run one approval sweep and exit",
	Long: `Apply the time-based approval transitions once: escalate PENDING
requests past their escalation deadline, expire requests past their
expiry or stage timeout, and purge idempotency rows whose TTL elapsed.
The serve command runs the same sweep on an interval; this is for
operators working against a stopped daemon.`,
	RunE: runSweep,
}

func init() {
	rootCmd.AddCommand(sweepCmd)
}

func runSweep(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	container := di.New()
	provider := di.NewProvider(container, cfg)
	if err := provider.RegisterAll(); err != nil {
		return err
	}
	defer func() { _ = container.CloseAll() }()

	sweeper, err := provider.GetSweeper()
	if err != nil {
		return err
	}

	stats, err := sweeper.SweepOnce(cmd.Context())
	if err != nil {
		return err
	}

	if !quiet {
		fmt.Printf("escalated %d, expired %d, purged %d idempotency row(s)\n",
			stats.Escalated, stats.Expired, stats.PurgedIdempotency)
	}
	return nil
}
