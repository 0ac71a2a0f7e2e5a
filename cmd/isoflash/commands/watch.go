package commands

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/isoflash/isoflash/pkg/db"
	"github.com/isoflash/isoflash/pkg/watch"
	"github.com/spf13/cobra"
)

var (
	watchBackend string
	watchInitial bool
)

var watchCmd = &cobra.Command{
	Use:   "watch [dirs...]",
	Short: "Report new ISO images as they appear in a directory",
	Long: `Watches the given directories (by default the configured watch-dirs,
else ~/Downloads and ~/Desktop) and catalogs every new image file.`,
	RunE: runWatch,
}

var scanCmd = &cobra.Command{
	Use:   "scan [dirs...]",
	Short: "Catalog the ISO images already present in a directory",
	RunE:  runScan,
}

func init() {
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(scanCmd)
	watchCmd.Flags().StringVar(&watchBackend, "backend", "", "Watcher backend: native or fswatch (defaults to watch-backend)")
	watchCmd.Flags().BoolVar(&watchInitial, "initial-scan", false, "Report images already present before watching")
}

// watchTargets resolves the directories and watcher settings for args.
func watchTargets(a *app, args []string) (watch.Config, []string) {
	cfg, dirs := a.cfg.WatchConfig()
	if len(args) > 0 {
		dirs = args
	}
	return cfg, dirs
}

// discover analyses and catalogs one found image.
func (a *app) discover(ctx context.Context, path, source string) (*db.Image, error) {
	desc, err := a.inspector.Analyze(ctx, path)
	if err != nil {
		return nil, err
	}
	a.metrics.ImageDiscovered()
	return a.catalog(ctx, desc, source), nil
}

func runWatch(cmd *cobra.Command, args []string) error {
	a, err := newApp(appOptions{repo: true})
	if err != nil {
		return err
	}
	defer a.Close()

	cfg, dirs := watchTargets(a, args)
	if watchBackend != "" {
		cfg.Backend = watchBackend
	}
	cfg.InitialScan = watchInitial

	ctx, cancel := signalContext()
	defer cancel()

	w := watch.New(cfg, a.runner)
	err = w.Watch(ctx, dirs, func(path string) {
		img, err := a.discover(ctx, path, db.SourceWatch)
		if err != nil {
			slog.Warn("watch_image_rejected", "path", path, "error", err)
			fmt.Printf("found %s (not a usable image: %v)\n", path, err)
			return
		}
		fmt.Printf("found %s (%s, bootable=%t)\n", img.Path, orDash(img.VolumeLabel), img.IsBootable)
	})
	if err != nil {
		return err
	}
	if !w.Running() {
		return fmt.Errorf("nothing to watch in %v", dirs)
	}

	fmt.Printf("Watching %v, press Ctrl-C to stop\n", dirs)
	<-ctx.Done()
	return w.Stop()
}

func runScan(cmd *cobra.Command, args []string) error {
	a, err := newApp(appOptions{repo: true})
	if err != nil {
		return err
	}
	defer a.Close()

	cfg, dirs := watchTargets(a, args)
	paths, err := watch.Scan(dirs, cfg.Extensions)
	if err != nil {
		return err
	}

	ctx := context.Background()
	found := 0
	for _, path := range paths {
		img, err := a.discover(ctx, path, db.SourceScan)
		if err != nil {
			fmt.Printf("skip  %s: %v\n", path, err)
			continue
		}
		found++
		fmt.Printf("found %s (%s, bootable=%t, uefi=%t)\n", img.Path, orDash(img.VolumeLabel), img.IsBootable, img.IsUEFI)
	}
	fmt.Printf("%d of %d candidate files catalogued\n", found, len(paths))
	return nil
}
