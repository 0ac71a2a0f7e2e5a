// Package backup copies the files of a removable drive to a local
// directory and back, so a drive can be burned without losing its data.
package backup

import (
	"context"
	"encoding/json"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/isoflash/isoflash/pkg/device"
	"github.com/isoflash/isoflash/pkg/devlock"
	"github.com/isoflash/isoflash/pkg/errors"
	"github.com/isoflash/isoflash/pkg/image"
	"github.com/isoflash/isoflash/pkg/mount"
	"github.com/isoflash/isoflash/pkg/progress"
	"github.com/isoflash/isoflash/pkg/writer"
)

const (
	opBackup  = "backup"
	opRestore = "restore"

	eventBuffer = 16
	chunkSize   = 1 << 20

	// ManifestName is written at the root of every backup.
	ManifestName = "backup_info.json"
	dirPrefix    = "usb-backup-"
)

var (
	ErrNotABackup        = errors.New("directory is not a backup")
	ErrInsufficientSpace = errors.New("not enough free space")
)

// Manifest describes one backup.
type Manifest struct {
	Device     string    `json:"device"`
	Date       time.Time `json:"date"`
	TotalBytes uint64    `json:"total_size"`
	UsedBytes  int64     `json:"used_size"`
	FileCount  int       `json:"files_count"`
	// Dir is where the backup lives; it is not stored.
	Dir string `json:"-"`
}

// Engine runs backups and restores. It shares the device locks of writes,
// so a drive cannot be backed up while it is being burned.
type Engine struct {
	locks  *devlock.Registry
	mounts mount.Manager
	now    func() time.Time
	usage  func(path string) (free, total uint64, err error)
}

// NewEngine creates an engine. mounts may be nil when only directories are
// used.
func NewEngine(locks *devlock.Registry, mounts mount.Manager) *Engine {
	return &Engine{locks: locks, mounts: mounts, now: time.Now, usage: device.Usage}
}

// Backup copies every file of source, a mounted volume or a device node,
// into a new timestamped directory under destRoot.
func (e *Engine) Backup(ctx context.Context, source, destRoot string, sink progress.Sink) (*Manifest, error) {
	manifest := &Manifest{Device: source}
	err := e.run(ctx, opBackup, source, sink, func(em *progress.Emitter) error {
		return e.backup(ctx, source, destRoot, manifest, em)
	})
	if err != nil {
		return nil, err
	}
	return manifest, nil
}

// Restore copies a backup onto target, a mounted volume or a device node.
// Existing files with the same names are overwritten; others are kept.
func (e *Engine) Restore(ctx context.Context, backupDir, target string, sink progress.Sink) (*Manifest, error) {
	manifest, err := ReadManifest(backupDir)
	if err != nil {
		return nil, err
	}
	err = e.run(ctx, opRestore, target, sink, func(em *progress.Emitter) error {
		return e.restore(ctx, manifest, target, em)
	})
	if err != nil {
		return nil, err
	}
	return manifest, nil
}

// ReadManifest loads the manifest of a backup directory.
func ReadManifest(dir string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, ManifestName))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, errors.Join(ErrNotABackup, err)
		}
		return nil, errors.Wrap(err, "failed to read backup manifest")
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, errors.Join(ErrNotABackup, err)
	}
	m.Dir = dir
	return &m, nil
}

// run holds the device lock and reports exactly one terminal event.
func (e *Engine) run(ctx context.Context, op, devicePath string, sink progress.Sink, fn func(em *progress.Emitter) error) error {
	release, err := e.locks.TryAcquire(devicePath, op)
	if err != nil {
		return &writer.TransferError{Op: op, Path: devicePath, Reason: writer.ErrAlreadyInProgress}
	}

	em := progress.NewEmitter(op, eventBuffer)
	em.OnClose(release)
	go func() {
		start := e.now()
		err := fn(em)
		if err != nil {
			slog.Error(op+"_failed", "device", devicePath, "error", err)
			em.Finish(err, "")
			return
		}
		slog.Info(op+"_complete", "device", devicePath, "elapsed", e.now().Sub(start).String())
		em.Finish(nil, op+" complete")
	}()
	return progress.Forward(context.Background(), em.Events(), sink)
}

func (e *Engine) backup(ctx context.Context, source, destRoot string, manifest *Manifest, em *progress.Emitter) error {
	root, release, err := e.open(ctx, source, false)
	if err != nil {
		return writer.TransferFailure(opBackup, source, 0, err, image.ErrReadFailure)
	}
	defer release()

	used, files, err := treeSize(root, "")
	if err != nil {
		return writer.TransferFailure(opBackup, source, 0, err, image.ErrReadFailure)
	}
	if _, total, err := e.usage(root); err == nil {
		manifest.TotalBytes = total
	}
	if err := os.MkdirAll(destRoot, 0o755); err != nil {
		return errors.Wrap(err, "failed to create backup root")
	}
	if free, _, err := e.usage(destRoot); err == nil && free < uint64(used) {
		return errors.Wrapf(ErrInsufficientSpace, "backup needs %s in %s", device.FormatSize(used), destRoot)
	}

	manifest.Date = e.now()
	manifest.Dir = filepath.Join(destRoot, dirPrefix+manifest.Date.Format("20060102-150405"))
	if err := os.Mkdir(manifest.Dir, 0o755); err != nil {
		return errors.Wrap(err, "failed to create backup directory")
	}

	em.Statusf("backing up %d files (%s) from %s", files, device.FormatSize(used), source)
	state := progress.NewState(opBackup, used, e.now)
	if err := copyTree(ctx, opBackup, root, manifest.Dir, "", state, em); err != nil {
		return err
	}

	manifest.UsedBytes = used
	manifest.FileCount = files
	data, err := json.MarshalIndent(manifest, "", "    ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(manifest.Dir, ManifestName), data, 0o644); err != nil {
		return errors.Wrap(err, "failed to write backup manifest")
	}
	em.Statusf("backup saved in %s", manifest.Dir)
	return nil
}

func (e *Engine) restore(ctx context.Context, manifest *Manifest, target string, em *progress.Emitter) error {
	root, release, err := e.open(ctx, target, true)
	if err != nil {
		return writer.TransferFailure(opRestore, target, 0, err, writer.ErrWriteFailed)
	}
	defer release()

	if _, total, err := e.usage(root); err == nil && total < uint64(manifest.UsedBytes) {
		return errors.Wrapf(ErrInsufficientSpace, "backup holds %s but %s has %s",
			device.FormatSize(manifest.UsedBytes), target, device.FormatSize(int64(total)))
	}

	used, files, err := treeSize(manifest.Dir, ManifestName)
	if err != nil {
		return writer.TransferFailure(opRestore, manifest.Dir, 0, err, image.ErrReadFailure)
	}
	em.Statusf("restoring %d files (%s) to %s", files, device.FormatSize(used), target)
	state := progress.NewState(opRestore, used, e.now)
	return copyTree(ctx, opRestore, manifest.Dir, root, ManifestName, state, em)
}

// open returns a directory holding the volume's files. Device nodes are
// mounted into a temporary directory for the duration of the operation.
func (e *Engine) open(ctx context.Context, path string, writable bool) (string, func(), error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil, errors.Join(writer.ErrDeviceRemoved, err)
		}
		return "", nil, err
	}
	if info.IsDir() {
		return path, func() {}, nil
	}
	if e.mounts == nil {
		return "", nil, errors.New("no mount manager to access " + path)
	}

	scoped, err := mount.MountDeviceTemp(ctx, e.mounts, writer.FilesystemNode(path, writer.StrategyMerge), writable)
	if err != nil {
		return "", nil, err
	}
	release := func() {
		if err := scoped.Release(context.WithoutCancel(ctx)); err != nil {
			slog.Warn("backup_unmount_failed", "device", path, "error", err)
		}
	}
	return scoped.Dir, release, nil
}

// treeSize sums the regular files under root. A top-level entry named skip
// is left out.
func treeSize(root, skip string) (size int64, files int, err error) {
	err = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if skip != "" && p == filepath.Join(root, skip) {
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		size += info.Size()
		files++
		return nil
	})
	return size, files, err
}

// copyTree mirrors the regular files and directories of src into dst.
// Symlinks and special files are not carried over.
func copyTree(ctx context.Context, op, src, dst, skip string, state *progress.State, em *progress.Emitter) error {
	buf := make([]byte, chunkSize)
	var done int64

	err := filepath.WalkDir(src, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return writer.TransferFailure(op, p, done, err, image.ErrReadFailure)
		}
		if cerr := ctx.Err(); cerr != nil {
			return writer.Cancelled(op, p, done, cerr)
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		if rel == "." || (skip != "" && rel == skip) {
			return nil
		}

		out := filepath.Join(dst, rel)
		switch {
		case d.IsDir():
			if err := os.MkdirAll(out, 0o755); err != nil {
				return writer.TransferFailure(op, out, done, err, writer.ErrWriteFailed)
			}
		case d.Type().IsRegular():
			n, err := copyFile(ctx, op, p, out, buf, state, em)
			done += n
			return err
		default:
			slog.Debug(op+"_entry_skipped", "path", p, "mode", d.Type().String())
		}
		return nil
	})
	if err != nil {
		return err
	}
	if state.TotalBytes == 0 {
		em.Emit(state.Advance(0))
	}
	return nil
}

func copyFile(ctx context.Context, op, from, to string, buf []byte, state *progress.State, em *progress.Emitter) (written int64, err error) {
	in, err := os.Open(from)
	if err != nil {
		return 0, writer.TransferFailure(op, from, 0, err, image.ErrReadFailure)
	}
	defer in.Close()

	out, err := os.OpenFile(to, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, writer.TransferFailure(op, to, 0, err, writer.ErrWriteFailed)
	}
	defer func() {
		if cerr := out.Close(); cerr != nil && err == nil {
			err = writer.TransferFailure(op, to, written, cerr, writer.ErrWriteFailed)
		}
	}()

	for {
		if cerr := ctx.Err(); cerr != nil {
			return written, writer.Cancelled(op, to, written, cerr)
		}
		n, rerr := in.Read(buf)
		if n > 0 {
			if _, werr := out.Write(buf[:n]); werr != nil {
				return written, writer.TransferFailure(op, to, written, werr, writer.ErrWriteFailed)
			}
			written += int64(n)
			em.Emit(state.Advance(int64(n)))
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			return written, writer.TransferFailure(op, from, written, rerr, image.ErrReadFailure)
		}
	}
}
