package commands

import (
	"fmt"

	"github.com/isoflash/isoflash/pkg/health"
	"github.com/spf13/cobra"
)

var healthMaxBadBlocks int

var healthCmd = &cobra.Command{
	Use:   "health <device>",
	Short: "Read a whole drive and report unreadable regions",
	Args:  cobra.ExactArgs(1),
	RunE:  runHealth,
}

func init() {
	rootCmd.AddCommand(healthCmd)
	healthCmd.Flags().IntVar(&healthMaxBadBlocks, "max-bad-blocks", 0, "Stop after this many bad blocks (0 scans everything)")
}

func runHealth(cmd *cobra.Command, args []string) error {
	a, err := newApp(appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := signalContext()
	defer cancel()

	target, err := a.devices.Lookup(ctx, args[0])
	if err != nil {
		return err
	}

	opts := a.cfg.HealthOptions()
	opts.MaxBadBlocks = healthMaxBadBlocks
	report, err := health.NewScanner(a.locks, a.metrics).Run(ctx, target, opts, printEvents)
	if report != nil {
		fmt.Println(report.String())
		for _, b := range report.BadBlocks {
			fmt.Printf("  bad block at %d (+%d): %s\n", b.Offset, b.Length, b.Error)
		}
	}
	if err != nil {
		return err
	}
	if !report.Healthy() {
		return fmt.Errorf("%s has %d bad blocks", target.Path, len(report.BadBlocks))
	}
	return nil
}
