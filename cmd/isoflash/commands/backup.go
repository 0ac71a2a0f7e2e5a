package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/isoflash/isoflash/pkg/backup"
	"github.com/spf13/cobra"
)

var (
	backupDest string
	restoreYes bool
)

var backupCmd = &cobra.Command{
	Use:   "backup <device-or-mountpoint>",
	Short: "Copy the files on a drive to a local backup directory",
	Long: `Copies every file of the drive into a timestamped directory, together
with a backup_info.json manifest. Device nodes are mounted read-only for the
copy. Run this before burning a drive that holds data you want to keep.`,
	Args: cobra.ExactArgs(1),
	RunE: runBackup,
}

var restoreCmd = &cobra.Command{
	Use:   "restore <backup-dir> <device-or-mountpoint>",
	Short: "Copy a backup back onto a drive",
	Args:  cobra.ExactArgs(2),
	RunE:  runRestore,
}

func init() {
	rootCmd.AddCommand(backupCmd)
	rootCmd.AddCommand(restoreCmd)
	backupCmd.Flags().StringVar(&backupDest, "dest", "", "Backup root (default <work-dir>/backups)")
	restoreCmd.Flags().BoolVar(&restoreYes, "yes", false, "Confirm that files on the target may be overwritten")
}

func runBackup(cmd *cobra.Command, args []string) error {
	a, err := newApp(appOptions{mounts: true})
	if err != nil {
		return err
	}
	defer a.Close()

	dest := backupDest
	if dest == "" {
		dest = filepath.Join(a.cfg.WorkDir, "backups")
	}

	ctx, cancel := signalContext()
	defer cancel()

	m, err := backup.NewEngine(a.locks, a.mounts).Backup(ctx, args[0], dest, printEvents)
	if err != nil {
		return err
	}
	fmt.Printf("Backed up %d files (%s) to %s\n", m.FileCount, humanize.IBytes(uint64(m.UsedBytes)), m.Dir)
	return nil
}

func runRestore(cmd *cobra.Command, args []string) error {
	if err := confirm(restoreYes, "restore"); err != nil {
		return err
	}

	a, err := newApp(appOptions{mounts: true})
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := signalContext()
	defer cancel()

	target := args[1]
	if info, err := os.Stat(target); err == nil && !info.IsDir() {
		if _, err := a.validator.Validate(ctx, target); err != nil {
			return err
		}
	}

	m, err := backup.NewEngine(a.locks, a.mounts).Restore(ctx, args[0], target, printEvents)
	if err != nil {
		return err
	}
	fmt.Printf("Restored %d files from the %s backup of %s\n", m.FileCount, m.Date.Format("2006-01-02 15:04"), m.Device)
	return nil
}
