package commands

import (
	"context"
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/isoflash/isoflash/pkg/db"
	"github.com/isoflash/isoflash/pkg/errors"
	"github.com/spf13/cobra"
)

var (
	historyLimit       int
	historyPruneStatus string
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List past burns",
	RunE:  runHistory,
}

var historyPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete finished burns from the history",
	RunE:  runHistoryPrune,
}

var imagesCmd = &cobra.Command{
	Use:   "images",
	Short: "List catalogued images",
	RunE:  runImages,
}

func init() {
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(imagesCmd)
	historyCmd.AddCommand(historyPruneCmd)
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "Number of burns to show (0 for all)")
	historyPruneCmd.Flags().StringVar(&historyPruneStatus, "status", "", "Only prune burns with this status (completed, failed or cancelled)")
}

func runHistory(cmd *cobra.Command, args []string) error {
	a, err := newApp(appOptions{repo: true})
	if err != nil {
		return err
	}
	defer a.Close()

	burns, err := a.repo.ListBurns(context.Background(), historyLimit)
	if err != nil {
		return errors.Wrap(err, "list failed")
	}
	if len(burns) == 0 {
		fmt.Println("No burns found")
		return nil
	}

	fmt.Printf("%-36s %-10s %-16s %-10s %-8s %s\n", "ID", "STATUS", "DEVICE", "WRITTEN", "VERIFIED", "IMAGE")
	fmt.Println(strings.Repeat("-", 110))
	for _, b := range burns {
		fmt.Printf("%-36s %-10s %-16s %-10s %-8t %s\n",
			b.ID, b.Status, b.DevicePath, humanize.IBytes(uint64(b.BytesWritten)), b.Verified, b.ImagePath)
		if b.ErrorMessage != "" {
			fmt.Printf("    %s\n", b.ErrorMessage)
		}
	}
	return nil
}

func runHistoryPrune(cmd *cobra.Command, args []string) error {
	if historyPruneStatus != "" && !db.IsTerminal(historyPruneStatus) {
		return fmt.Errorf("cannot prune burns in status %q", historyPruneStatus)
	}

	a, err := newApp(appOptions{repo: true})
	if err != nil {
		return err
	}
	defer a.Close()

	n, err := a.repo.PruneBurns(context.Background(), historyPruneStatus)
	if err != nil {
		return err
	}
	fmt.Printf("Pruned %d burns\n", n)
	return nil
}

func runImages(cmd *cobra.Command, args []string) error {
	a, err := newApp(appOptions{repo: true})
	if err != nil {
		return err
	}
	defer a.Close()

	images, err := a.repo.ListImages(context.Background())
	if err != nil {
		return errors.Wrap(err, "list failed")
	}
	if len(images) == 0 {
		fmt.Println("No images catalogued")
		return nil
	}

	fmt.Printf("%-10s %-8s %-6s %-8s %-8s %s\n", "SIZE", "SOURCE", "UEFI", "HYBRID", "BOOT", "PATH")
	fmt.Println(strings.Repeat("-", 90))
	for _, img := range images {
		fmt.Printf("%-10s %-8s %-6t %-8t %-8t %s\n",
			humanize.IBytes(uint64(img.SizeBytes)), img.Source, img.IsUEFI, img.IsHybrid, img.IsBootable, img.Path)
	}
	return nil
}
