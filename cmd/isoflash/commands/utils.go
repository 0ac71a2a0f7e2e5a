package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/isoflash/isoflash/internal/config"
	"github.com/isoflash/isoflash/internal/metrics"
	"github.com/isoflash/isoflash/pkg/db"
	"github.com/isoflash/isoflash/pkg/device"
	"github.com/isoflash/isoflash/pkg/devlock"
	"github.com/isoflash/isoflash/pkg/errors"
	"github.com/isoflash/isoflash/pkg/image"
	"github.com/isoflash/isoflash/pkg/mount"
	"github.com/isoflash/isoflash/pkg/progress"
	"github.com/isoflash/isoflash/pkg/safety"
	"github.com/isoflash/isoflash/pkg/sysexec"
	"github.com/isoflash/isoflash/pkg/verify"
	"github.com/isoflash/isoflash/pkg/writer"
)

// ensureDirectories creates all necessary directories for the application
func ensureDirectories(sqlitePath, fsmDBPath, workDir string) error {
	if err := os.MkdirAll(filepath.Dir(sqlitePath), 0755); err != nil {
		return errors.Wrap(err, "failed to create database directory")
	}
	if fsmDBPath != "" {
		if err := os.MkdirAll(fsmDBPath, 0755); err != nil {
			return errors.Wrap(err, "failed to create FSM directory")
		}
	}
	if workDir != "" {
		if err := os.MkdirAll(workDir, 0755); err != nil {
			return errors.Wrap(err, "failed to create work directory")
		}
	}
	return nil
}

// app wires the components every command draws from.
type app struct {
	cfg       *config.Config
	runner    *sysexec.ExecRunner
	devices   *device.Enumerator
	mounts    mount.Manager
	locks     *devlock.Registry
	metrics   *metrics.Metrics
	inspector *image.Inspector
	validator *safety.Validator
	writer    *writer.Engine
	verifier  *verify.Engine
	repo      *db.Repository
}

type appOptions struct {
	// repo opens the history database.
	repo bool
	// mounts connects to the mount tooling; commands that only read leave it off.
	mounts bool
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, errors.Wrap(err, "config load failed")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "config invalid")
	}
	return cfg, nil
}

func newApp(opts appOptions) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:       cfg,
		runner:    sysexec.NewRunner(),
		locks:     devlock.NewRegistry(),
		metrics:   metrics.New(),
		inspector: image.NewInspector(cfg.InspectorOptions()),
	}
	a.devices = device.NewPlatformEnumerator(a.runner)
	a.validator = safety.NewValidator(a.devices, cfg.MinFreeRatio)

	if opts.mounts {
		mounts, err := mount.NewManager(a.runner)
		if err != nil {
			slog.Warn("mount_manager_unavailable", "error", err)
		} else {
			a.mounts = mounts
		}
	}
	a.writer = writer.NewEngine(a.locks, a.mounts, writer.WithObserver(a.metrics))
	a.verifier = verify.NewEngine(a.locks, a.mounts, a.metrics)

	if opts.repo {
		if err := ensureDirectories(cfg.SQLitePath, "", cfg.WorkDir); err != nil {
			a.Close()
			return nil, err
		}
		repo, err := db.NewRepository(cfg.SQLitePath)
		if err != nil {
			a.Close()
			return nil, errors.Wrap(err, "db init failed")
		}
		a.repo = repo
	}
	return a, nil
}

func (a *app) Close() {
	if a.mounts != nil {
		if err := a.mounts.Close(); err != nil {
			slog.Warn("mount_manager_close_failed", "error", err)
		}
	}
	if a.repo != nil {
		a.repo.Close()
	}
}

// catalog records an analysed image; a failure only logs.
func (a *app) catalog(ctx context.Context, desc *image.Descriptor, source string) *db.Image {
	img := db.ImageFromDescriptor(desc, source)
	if a.repo == nil {
		return img
	}
	if err := a.repo.UpsertImage(ctx, img); err != nil {
		slog.Warn("catalog_upsert_failed", "path", desc.Path, "error", err)
	}
	return img
}

// signalContext is cancelled on the first SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// printEvents renders events as one line each; progress lines overwrite
// each other on a terminal.
func printEvents(ev progress.Event) {
	switch ev.Kind {
	case progress.KindProgress:
		fmt.Printf("\r%-80s", ev.String())
		if ev.Percent == 100 {
			fmt.Println()
		}
	default:
		fmt.Println(ev.String())
	}
}

// confirm refuses destructive commands run without --yes.
func confirm(yes bool, action string) error {
	if !yes {
		return fmt.Errorf("%s destroys data on the target; re-run with --yes to confirm", action)
	}
	return nil
}
