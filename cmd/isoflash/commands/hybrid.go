package commands

import (
	"fmt"

	"github.com/isoflash/isoflash/pkg/db"
	"github.com/isoflash/isoflash/pkg/image"
	"github.com/spf13/cobra"
)

var hybridYes bool

var hybridCmd = &cobra.Command{
	Use:   "hybrid <image>",
	Short: "Make an ISO image bootable when raw-written to USB",
	Long: `Runs isohybrid on a copy of the image and replaces the original with it,
adding the MBR partition table a USB boot needs. UEFI entries are added when
the image has UEFI boot support. The image is modified in place.`,
	Args: cobra.ExactArgs(1),
	RunE: runHybrid,
}

func init() {
	rootCmd.AddCommand(hybridCmd)
	hybridCmd.Flags().BoolVar(&hybridYes, "yes", false, "Confirm that the image may be modified")
}

func runHybrid(cmd *cobra.Command, args []string) error {
	if err := confirm(hybridYes, "hybrid conversion"); err != nil {
		return err
	}

	a, err := newApp(appOptions{repo: true})
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := signalContext()
	defer cancel()

	before, err := a.inspector.Analyze(ctx, args[0])
	if err != nil {
		return err
	}
	if before.IsHybrid {
		fmt.Printf("%s is already hybrid\n", before.Path)
		return nil
	}

	if err := image.ConvertToHybrid(ctx, a.runner, before.Path, before.IsUEFICapable); err != nil {
		return err
	}

	after, err := a.inspector.Analyze(ctx, before.Path)
	if err != nil {
		return err
	}
	a.catalog(ctx, after, db.SourceInspect)
	printDescriptor(after)
	return nil
}
