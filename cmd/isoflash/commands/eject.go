package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var ejectCmd = &cobra.Command{
	Use:   "eject <device>",
	Short: "Unmount and power off a removable drive",
	Args:  cobra.ExactArgs(1),
	RunE:  runEject,
}

func init() {
	rootCmd.AddCommand(ejectCmd)
}

func runEject(cmd *cobra.Command, args []string) error {
	a, err := newApp(appOptions{mounts: true})
	if err != nil {
		return err
	}
	defer a.Close()

	if a.mounts == nil {
		return fmt.Errorf("no mount tooling available to eject %s", args[0])
	}

	ctx := context.Background()
	// Only removable, non-system drives may be ejected.
	report, err := a.validator.Validate(ctx, args[0])
	if err != nil {
		return err
	}
	if err := a.mounts.Eject(ctx, report.Device.Path); err != nil {
		return err
	}
	fmt.Printf("Ejected %s\n", report.Device.Path)
	return nil
}
