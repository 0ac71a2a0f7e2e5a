package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/isoflash/isoflash/pkg/errors"
	"github.com/isoflash/isoflash/pkg/mount"
	"github.com/spf13/cobra"
)

var (
	cleanupDownloads bool
	cleanupHistory   bool
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Clean up after interrupted burns",
	Long: `Marks burns left running by a crashed process as failed and removes
stale temporary mount directories:
  --downloads   also remove downloaded images that are not catalogued
  --history     also prune every finished burn`,
	RunE: runCleanup,
}

func init() {
	rootCmd.AddCommand(cleanupCmd)
	cleanupCmd.Flags().BoolVar(&cleanupDownloads, "downloads", false, "Remove uncatalogued downloads")
	cleanupCmd.Flags().BoolVar(&cleanupHistory, "history", false, "Prune finished burns")
}

func runCleanup(cmd *cobra.Command, args []string) error {
	a, err := newApp(appOptions{repo: true})
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := context.Background()

	n, err := a.repo.FailInterrupted(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to mark interrupted burns")
	}
	fmt.Printf("Marked %d interrupted burns as failed\n", n)

	// Scoped mount directories survive only if a process died while one
	// was attached. Remove refuses directories that are still mounted.
	stale, _ := filepath.Glob(filepath.Join(os.TempDir(), mount.TempDirPattern))
	for _, dir := range stale {
		if err := os.Remove(dir); err != nil {
			fmt.Printf("warning: %s still in use: %v\n", dir, err)
		}
	}

	if cleanupDownloads {
		removed, err := cleanupOrphanedDownloads(ctx, a)
		if err != nil {
			return err
		}
		fmt.Printf("Removed %d orphaned downloads\n", removed)
	}

	if cleanupHistory {
		n, err := a.repo.PruneBurns(ctx, "")
		if err != nil {
			return err
		}
		fmt.Printf("Pruned %d burns\n", n)
	}
	return nil
}

func cleanupOrphanedDownloads(ctx context.Context, a *app) (int, error) {
	dir := filepath.Join(a.cfg.WorkDir, "downloads")
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrap(err, "failed to read downloads")
	}

	removed := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if !strings.HasSuffix(path, ".part") {
			img, err := a.repo.GetImageByPath(ctx, path)
			if err != nil {
				return removed, err
			}
			if img != nil {
				continue
			}
		}
		if err := os.Remove(path); err != nil {
			fmt.Printf("warning: failed to remove %s: %v\n", entry.Name(), err)
			continue
		}
		fmt.Printf("Removed %s\n", entry.Name())
		removed++
	}
	return removed, nil
}
