package commands

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/isoflash/isoflash/pkg/db"
	"github.com/isoflash/isoflash/pkg/errors"
	"github.com/isoflash/isoflash/pkg/image"
	"github.com/isoflash/isoflash/pkg/storage"
	"github.com/spf13/cobra"
)

var (
	fetchSHA256 string
	fetchList   bool
)

var fetchCmd = &cobra.Command{
	Use:   "fetch <key>",
	Short: "Download an image from S3, analyse it and add it to the catalog",
	Long: `Downloads <key> from the configured bucket into work-dir/downloads.
With --list, <key> is a prefix and the images below it are listed instead.`,
	Args: cobra.ExactArgs(1),
	RunE: runFetch,
}

func init() {
	rootCmd.AddCommand(fetchCmd)
	fetchCmd.Flags().StringVar(&fetchSHA256, "sha256", "", "Expected SHA-256 of the object")
	fetchCmd.Flags().BoolVar(&fetchList, "list", false, "List image keys under the given prefix")
}

func runFetch(cmd *cobra.Command, args []string) error {
	a, err := newApp(appOptions{repo: true})
	if err != nil {
		return err
	}
	defer a.Close()

	if a.cfg.S3Bucket == "" {
		return fmt.Errorf("s3-bucket is not configured")
	}

	ctx, cancel := signalContext()
	defer cancel()

	client, err := storage.NewClient(ctx, a.cfg.StorageOptions())
	if err != nil {
		return errors.Wrap(err, "S3 client failed")
	}

	if fetchList {
		keys, err := client.ListImages(ctx, args[0], a.cfg.WatchExtensions)
		if err != nil {
			return err
		}
		for _, k := range keys {
			fmt.Println(k)
		}
		return nil
	}

	key := args[0]
	localPath := filepath.Join(a.cfg.WorkDir, "downloads", filepath.Base(key))
	result, err := client.Download(ctx, key, localPath, func(done, total int64) {
		if total > 0 {
			fmt.Printf("\rdownload %3d%% %s/%s", done*100/total, humanize.IBytes(uint64(done)), humanize.IBytes(uint64(total)))
		} else {
			fmt.Printf("\rdownload %s", humanize.IBytes(uint64(done)))
		}
	})
	fmt.Println()
	if err != nil {
		return err
	}

	if fetchSHA256 != "" && !strings.EqualFold(fetchSHA256, result.SHA256) {
		os.Remove(result.LocalPath)
		return &image.IntegrityError{Path: key, Err: image.ErrChecksumMismatch}
	}

	desc, err := a.inspector.Analyze(ctx, result.LocalPath)
	if err != nil {
		return err
	}

	img := db.ImageFromDescriptor(desc, db.SourceFetch)
	img.S3Key = key
	if err := a.repo.UpsertImage(ctx, img); err != nil {
		return errors.Wrap(err, "failed to catalog image")
	}

	printDescriptor(desc)
	return nil
}
