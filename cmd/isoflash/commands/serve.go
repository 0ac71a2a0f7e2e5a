package commands

import (
	"context"
	"log/slog"

	"github.com/isoflash/isoflash/internal/server"
	"github.com/isoflash/isoflash/pkg/db"
	appfsm "github.com/isoflash/isoflash/pkg/fsm"
	"github.com/isoflash/isoflash/pkg/watch"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var serveWatch bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the HTTP API with live burn progress",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("listen-addr", "127.0.0.1:8080", "Address to listen on")
	serveCmd.Flags().BoolVar(&serveWatch, "watch", false, "Catalog images appearing in the watch directories")
	viper.BindPFlag("listen-addr", serveCmd.Flags().Lookup("listen-addr"))
}

func runServe(cmd *cobra.Command, args []string) error {
	a, err := newApp(appOptions{repo: true, mounts: true})
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := signalContext()
	defer cancel()

	// A previous server that died mid-burn leaves rows that will never finish.
	if n, err := a.repo.FailInterrupted(ctx); err != nil {
		slog.Warn("interrupted_burns_not_marked", "error", err)
	} else if n > 0 {
		slog.Info("interrupted_burns_marked", "count", n)
	}

	machine := appfsm.NewMachine(a.inspector, a.validator, a.writer, a.verifier, a.mounts, a.repo, nil)
	srv := server.New(server.Deps{
		Devices:     a.devices,
		Inspector:   a.inspector,
		Burner:      machine,
		Repo:        a.repo,
		Metrics:     a.metrics,
		Defaults:    a.cfg.WriteOptions(),
		CORSOrigins: a.cfg.CORSOrigins,
	})

	if serveWatch {
		cfg, dirs := a.cfg.WatchConfig()
		cfg.InitialScan = true
		w := watch.New(cfg, a.runner)
		err := w.Watch(ctx, dirs, func(path string) {
			if _, err := srv.Catalog(context.WithoutCancel(ctx), path, db.SourceWatch); err != nil {
				slog.Warn("watch_image_rejected", "path", path, "error", err)
				return
			}
			a.metrics.ImageDiscovered()
		})
		if err != nil {
			return err
		}
		defer w.Stop()
	}

	return srv.ListenAndServe(ctx, a.cfg.ListenAddr)
}
