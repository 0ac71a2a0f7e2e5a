package commands

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/isoflash/isoflash/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// LogLevel is raised or lowered from --log-level before any command runs.
var LogLevel = new(slog.LevelVar)

var rootCmd = &cobra.Command{
	Use:   "isoflash",
	Short: "Write bootable ISO images to USB drives",
	Long: `Lists removable drives, inspects ISO images and writes them to a drive
either block-for-block or as a file copy onto a fresh filesystem, then
verifies the result.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		level, err := cfg.Level()
		if err != nil {
			return err
		}
		LogLevel.Set(level)
		return nil
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.String("sqlite-path", ".artifacts/isoflash.db", "SQLite database path")
	flags.String("fsm-db-path", ".artifacts/fsm", "FSM run log directory")
	flags.String("work-dir", "/tmp/isoflash", "Directory for downloads and temporary mounts")
	flags.String("s3-bucket", "", "S3 bucket holding images")
	flags.String("s3-region", "us-east-1", "S3 region")
	flags.String("s3-endpoint", "", "S3-compatible endpoint URL")
	flags.String("strategy", "raw", "Write strategy: raw, copy or merge")
	flags.String("filesystem", "FAT32", "Filesystem created by the copy strategy: FAT32, exFAT or ext4")
	flags.Int("buffer-size", 4*1024*1024, "Write buffer size in bytes")
	flags.Bool("verify", true, "Verify after writing")
	flags.String("log-level", "info", "Log level: debug, info, warn or error")

	for _, name := range []string{
		"sqlite-path", "fsm-db-path", "work-dir",
		"s3-bucket", "s3-region", "s3-endpoint",
		"strategy", "filesystem", "buffer-size", "verify", "log-level",
	} {
		viper.BindPFlag(name, flags.Lookup(name))
	}
}
