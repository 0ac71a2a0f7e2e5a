package writer

import (
	"context"
	"io"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"runtime"

	diskfs "github.com/diskfs/go-diskfs"
	"github.com/diskfs/go-diskfs/disk"
	"github.com/diskfs/go-diskfs/filesystem"

	"github.com/isoflash/isoflash/pkg/errors"
	"github.com/isoflash/isoflash/pkg/mount"
)

// TargetTree is the filesystem on a target that file-level strategies
// write into and verify against. Paths are slash separated and relative.
type TargetTree interface {
	Mkdir(p string) error
	Create(p string) (io.WriteCloser, error)
	Open(p string) (io.ReadCloser, error)
	Close(ctx context.Context) error
}

// OpenTargetTree picks the tree implementation for a target: a plain
// directory is used as is, a regular file is treated as a FAT32 disk image
// through go-diskfs, and a device node is mounted into a temp directory.
// Without writable every access path is read-only.
func OpenTargetTree(ctx context.Context, mounts mount.Manager, targetPath string, strategy Strategy, writable bool) (TargetTree, error) {
	info, err := os.Stat(targetPath)
	if err != nil {
		return nil, errors.Join(ErrDeviceRemoved, err)
	}

	switch {
	case info.IsDir():
		return &dirTree{root: targetPath}, nil
	case info.Mode().IsRegular():
		return openDiskfsTree(targetPath, writable)
	}

	if mounts == nil {
		return nil, errors.New("no mount manager to access " + targetPath)
	}
	scoped, err := mount.MountDeviceTemp(ctx, mounts, FilesystemNode(targetPath, strategy), writable)
	if err != nil {
		return nil, err
	}
	return &dirTree{root: scoped.Dir, scoped: scoped}, nil
}

var partitionSuffix = regexp.MustCompile(`(nvme\d+n\d+|mmcblk\d+|loop\d+|md\d+)$`)

// FilesystemNode returns the node holding the filesystem. A fresh Linux
// format is a superfloppy on the whole disk; otherwise the first partition
// is used when it exists.
func FilesystemNode(diskPath string, strategy Strategy) string {
	if strategy == StrategyCopy && runtime.GOOS == "linux" {
		return diskPath
	}
	first := firstPartition(diskPath)
	if _, err := os.Stat(first); err == nil {
		return first
	}
	return diskPath
}

func firstPartition(diskPath string) string {
	switch {
	case runtime.GOOS == "darwin":
		return diskPath + "s1"
	case partitionSuffix.MatchString(diskPath):
		return diskPath + "p1"
	}
	return diskPath + "1"
}

type dirTree struct {
	root   string
	scoped *mount.Scoped
}

func (t *dirTree) abs(p string) string {
	return filepath.Join(t.root, filepath.FromSlash(path.Clean("/"+p)))
}

func (t *dirTree) Mkdir(p string) error {
	return os.MkdirAll(t.abs(p), 0o755)
}

func (t *dirTree) Create(p string) (io.WriteCloser, error) {
	abs := t.abs(p)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return nil, err
	}
	return os.OpenFile(abs, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
}

func (t *dirTree) Open(p string) (io.ReadCloser, error) {
	return os.Open(t.abs(p))
}

func (t *dirTree) Close(ctx context.Context) error {
	if t.scoped == nil {
		return nil
	}
	return t.scoped.Release(ctx)
}

type diskfsTree struct {
	disk *disk.Disk
	fs   filesystem.FileSystem
}

func openDiskfsTree(imagePath string, writable bool) (*diskfsTree, error) {
	mode := diskfs.ReadOnly
	if writable {
		mode = diskfs.ReadWriteExclusive
	}
	d, err := diskfs.Open(imagePath, diskfs.WithOpenMode(mode))
	if err != nil {
		return nil, errors.Wrap(err, "failed to open disk image")
	}
	fs, err := d.GetFilesystem(0)
	if err != nil {
		d.Close()
		return nil, errors.Wrap(err, "disk image has no filesystem")
	}
	return &diskfsTree{disk: d, fs: fs}, nil
}

func (t *diskfsTree) Mkdir(p string) error {
	if err := t.fs.Mkdir(path.Clean("/" + p)); err != nil && !os.IsExist(err) {
		return err
	}
	return nil
}

func (t *diskfsTree) Create(p string) (io.WriteCloser, error) {
	full := path.Clean("/" + p)
	if dir := path.Dir(full); dir != "/" {
		if err := t.Mkdir(dir); err != nil {
			return nil, err
		}
	}
	return t.fs.OpenFile(full, os.O_CREATE|os.O_RDWR|os.O_TRUNC)
}

func (t *diskfsTree) Open(p string) (io.ReadCloser, error) {
	return t.fs.OpenFile(path.Clean("/"+p), os.O_RDONLY)
}

func (t *diskfsTree) Close(ctx context.Context) error {
	return t.disk.Close()
}
