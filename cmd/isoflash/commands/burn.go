package commands

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/isoflash/isoflash/pkg/db"
	"github.com/isoflash/isoflash/pkg/errors"
	appfsm "github.com/isoflash/isoflash/pkg/fsm"
	"github.com/spf13/cobra"
	"github.com/superfly/fsm"
)

// settleTimeout bounds the wait for the pipeline to report after the fsm
// manager returns. It exceeds the manager's shutdown grace period.
const settleTimeout = 15 * time.Second

var (
	burnSHA256         string
	burnForceUEFI      bool
	burnAllowNonHybrid bool
	burnSkipVerify     bool
	burnEject          bool
	burnYes            bool
)

var burnCmd = &cobra.Command{
	Use:   "burn <image> <device>",
	Short: "Write an image to a removable drive and verify it",
	Long: `Runs the burn pipeline: inspect the image, validate the target, write it
with the configured strategy and verify the result. Every existing byte on
the target may be overwritten.`,
	Args: cobra.ExactArgs(2),
	RunE: runBurn,
}

func init() {
	rootCmd.AddCommand(burnCmd)
	burnCmd.Flags().StringVar(&burnSHA256, "sha256", "", "Expected SHA-256 of the image")
	burnCmd.Flags().BoolVar(&burnForceUEFI, "force-uefi", false, "Refuse images without UEFI boot support")
	burnCmd.Flags().BoolVar(&burnAllowNonHybrid, "allow-non-hybrid", false, "Raw-write images that are not hybrid ISOs")
	burnCmd.Flags().BoolVar(&burnSkipVerify, "skip-verify", false, "Skip the verification pass")
	burnCmd.Flags().BoolVar(&burnEject, "eject", false, "Eject the drive when done")
	burnCmd.Flags().BoolVar(&burnYes, "yes", false, "Confirm that the target may be overwritten")
}

func runBurn(cmd *cobra.Command, args []string) error {
	if err := confirm(burnYes, "burn"); err != nil {
		return err
	}

	a, err := newApp(appOptions{repo: true, mounts: true})
	if err != nil {
		return err
	}
	defer a.Close()
	cfg := a.cfg

	if err := ensureDirectories(cfg.SQLitePath, cfg.FSMDBPath, cfg.WorkDir); err != nil {
		return err
	}

	manager, err := fsm.New(fsm.Config{DBPath: cfg.FSMDBPath})
	if err != nil {
		return errors.Wrap(err, "FSM manager failed")
	}
	var shutdown sync.Once
	stop := func() { shutdown.Do(func() { manager.Shutdown(10 * time.Second) }) }
	defer stop()

	ctx, cancel := signalContext()
	defer cancel()
	// Interrupting shuts the manager down, which cancels the running step.
	go func() {
		<-ctx.Done()
		stop()
	}()

	outcome := appfsm.NewOutcome()
	machine := appfsm.NewMachine(a.inspector, a.validator, a.writer, a.verifier, a.mounts, a.repo, outcome.Sink(printEvents))
	start, _, err := machine.Register(ctx, manager)
	if err != nil {
		return errors.Wrap(err, "FSM register failed")
	}

	opts := cfg.WriteOptions()
	opts.ForceUEFI = burnForceUEFI
	opts.AllowNonHybridForce = burnAllowNonHybrid
	opts.SkipVerify = burnSkipVerify

	req := &appfsm.BurnRequest{
		ImagePath:      args[0],
		DevicePath:     args[1],
		ExpectedSHA256: burnSHA256,
		Options:        opts,
		Eject:          burnEject,
	}
	if err := machine.Begin(ctx, req); err != nil {
		return err
	}

	version, err := start(ctx, req.BurnID, fsm.NewRequest(req, &appfsm.BurnResponse{BurnID: req.BurnID}))
	if err != nil {
		return errors.Wrap(err, "FSM start failed")
	}
	slog.Info("fsm_started", "burn_id", req.BurnID, "version", version)

	waitErr := manager.Wait(ctx, version)

	// An interrupt ends Wait while the step is still unwinding; the
	// machine's terminal event is what settles the result.
	settle, cancelSettle := context.WithTimeout(context.Background(), settleTimeout)
	defer cancelSettle()
	final, ok := outcome.Wait(settle)
	if !ok {
		if waitErr != nil {
			return errors.Wrap(waitErr, "FSM execution failed")
		}
		return fmt.Errorf("burn %s ended without a result", req.BurnID)
	}

	status := appfsm.StatusOf(final)
	if status != db.StatusCompleted {
		return fmt.Errorf("burn %s %s: %s", req.BurnID, status, final.Message)
	}

	burn, err := a.repo.GetBurn(context.Background(), req.BurnID)
	if err != nil {
		return errors.Wrap(err, "failed to read burn result")
	}
	if burn == nil {
		return fmt.Errorf("burn %s vanished from history", req.BurnID)
	}
	fmt.Printf("Burn %s completed: %d bytes written, verified=%t\n", burn.ID, burn.BytesWritten, burn.Verified)
	return nil
}
