package commands

import (
	"context"
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/isoflash/isoflash/pkg/db"
	"github.com/isoflash/isoflash/pkg/image"
	"github.com/spf13/cobra"
)

var inspectSHA256 string

var inspectCmd = &cobra.Command{
	Use:   "inspect <image>",
	Short: "Analyse an ISO image and add it to the catalog",
	Args:  cobra.ExactArgs(1),
	RunE:  runInspect,
}

func init() {
	rootCmd.AddCommand(inspectCmd)
	inspectCmd.Flags().StringVar(&inspectSHA256, "sha256", "", "Expected SHA-256 of the image")
}

func runInspect(cmd *cobra.Command, args []string) error {
	a, err := newApp(appOptions{repo: true})
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := context.Background()
	var desc *image.Descriptor
	if inspectSHA256 != "" {
		desc, err = a.inspector.VerifyIntegrity(ctx, args[0], inspectSHA256)
	} else {
		desc, err = a.inspector.Analyze(ctx, args[0])
	}
	if err != nil {
		return err
	}
	a.catalog(ctx, desc, db.SourceInspect)

	printDescriptor(desc)
	return nil
}

func printDescriptor(desc *image.Descriptor) {
	fmt.Printf("Path:        %s\n", desc.Path)
	fmt.Printf("Size:        %s (%d bytes)\n", humanize.IBytes(uint64(desc.SizeBytes)), desc.SizeBytes)
	fmt.Printf("SHA-256:     %s\n", desc.SHA256)
	if desc.MD5 != "" {
		fmt.Printf("MD5:         %s\n", desc.MD5)
	}
	fmt.Printf("Label:       %s\n", orDash(desc.VolumeLabel))
	fmt.Printf("Bootable:    %t\n", desc.IsBootable)
	fmt.Printf("UEFI:        %t\n", desc.IsUEFICapable)
	fmt.Printf("Hybrid:      %t\n", desc.IsHybrid)
	fmt.Printf("Bootloader:  %s\n", orDash(desc.Bootloader))
	if len(desc.EFIBootEntries) > 0 {
		fmt.Printf("EFI loaders: %s\n", strings.Join(desc.EFIBootEntries, ", "))
	}
}
