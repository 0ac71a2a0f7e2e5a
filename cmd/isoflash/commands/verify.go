package commands

import (
	"fmt"

	"github.com/isoflash/isoflash/pkg/writer"
	"github.com/spf13/cobra"
)

var verifyStrategy string

var verifyCmd = &cobra.Command{
	Use:   "verify <image> <device>",
	Short: "Compare a drive's contents against an image",
	Args:  cobra.ExactArgs(2),
	RunE:  runVerify,
}

func init() {
	rootCmd.AddCommand(verifyCmd)
	verifyCmd.Flags().StringVar(&verifyStrategy, "as", "", "Strategy the drive was written with (defaults to --strategy)")
}

func runVerify(cmd *cobra.Command, args []string) error {
	a, err := newApp(appOptions{mounts: true})
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := signalContext()
	defer cancel()

	opts := a.cfg.WriteOptions()
	if verifyStrategy != "" {
		strategy, err := writer.ParseStrategy(verifyStrategy)
		if err != nil {
			return err
		}
		opts.Strategy = strategy
	}

	target, err := a.devices.Lookup(ctx, args[1])
	if err != nil {
		return err
	}
	if err := a.verifier.Run(ctx, args[0], target, opts, printEvents); err != nil {
		return err
	}
	fmt.Printf("%s matches %s\n", target.Path, args[0])
	return nil
}
