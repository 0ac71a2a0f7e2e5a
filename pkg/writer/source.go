package writer

import (
	"context"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"

	"github.com/kdomanski/iso9660"

	"github.com/isoflash/isoflash/pkg/errors"
	"github.com/isoflash/isoflash/pkg/image"
	"github.com/isoflash/isoflash/pkg/mount"
)

// SourceFile is one entry of an image's file tree. Path is slash separated
// and relative to the image root.
type SourceFile struct {
	Path string
	Dir  bool
	Size int64

	open func() (io.ReadCloser, error)
}

// Open returns the file contents.
func (f SourceFile) Open() (io.ReadCloser, error) {
	if f.Dir || f.open == nil {
		return nil, errors.New("not a regular file: " + f.Path)
	}
	return f.open()
}

// SourceTree is a read-only view of an image's files. Directories are
// listed before their contents.
type SourceTree interface {
	Files() []SourceFile
	TotalSize() int64
	Close(ctx context.Context) error
}

// OpenSourceTree mounts the image read-only when mounts is usable and falls
// back to reading the ISO 9660 structures in process.
func OpenSourceTree(ctx context.Context, mounts mount.Manager, imagePath string) (SourceTree, error) {
	if mounts != nil {
		scoped, err := mount.MountImageTemp(ctx, mounts, imagePath)
		if err == nil {
			tree, werr := newDirSource(scoped.Dir, scoped)
			if werr != nil {
				scoped.Release(context.WithoutCancel(ctx))
				return nil, werr
			}
			return tree, nil
		}
		slog.Warn("image_mount_unavailable", "image", imagePath, "error", err)
	}
	return newISOSource(imagePath)
}

type fileList []SourceFile

func (l fileList) Files() []SourceFile { return l }

func (l fileList) TotalSize() int64 {
	var total int64
	for _, f := range l {
		if !f.Dir {
			total += f.Size
		}
	}
	return total
}

type dirSource struct {
	fileList
	scoped *mount.Scoped
}

func newDirSource(root string, scoped *mount.Scoped) (*dirSource, error) {
	var files fileList
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, p)
		if err != nil || rel == "." {
			return err
		}
		entry := SourceFile{Path: filepath.ToSlash(rel), Dir: d.IsDir()}
		if !d.IsDir() {
			if !d.Type().IsRegular() {
				return nil
			}
			info, err := d.Info()
			if err != nil {
				return err
			}
			entry.Size = info.Size()
			entry.open = func() (io.ReadCloser, error) { return os.Open(p) }
		}
		files = append(files, entry)
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to walk image tree")
	}
	return &dirSource{fileList: files, scoped: scoped}, nil
}

func (s *dirSource) Close(ctx context.Context) error {
	return s.scoped.Release(ctx)
}

type isoSource struct {
	fileList
	f *os.File
}

func newISOSource(imagePath string) (*isoSource, error) {
	f, err := os.Open(imagePath)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open image")
	}

	img, err := iso9660.OpenImage(f)
	if err != nil {
		f.Close()
		return nil, errors.Wrap(err, "failed to read ISO 9660 structures")
	}
	root, err := img.RootDir()
	if err != nil {
		f.Close()
		return nil, errors.Wrap(err, "failed to read root directory")
	}

	var files fileList
	if err := walkISO(root, "", &files); err != nil {
		f.Close()
		return nil, err
	}
	return &isoSource{fileList: files, f: f}, nil
}

func walkISO(dir *iso9660.File, prefix string, files *fileList) error {
	children, err := dir.GetChildren()
	if err != nil {
		return errors.Wrapf(err, "failed to list %q", prefix)
	}
	for _, child := range children {
		name := image.CleanName(child.Name())
		if name == "" || name == "." || name == ".." {
			continue
		}
		p := path.Join(prefix, name)
		if child.IsDir() {
			*files = append(*files, SourceFile{Path: p, Dir: true})
			if err := walkISO(child, p, files); err != nil {
				return err
			}
			continue
		}
		file := child
		*files = append(*files, SourceFile{
			Path: p,
			Size: child.Size(),
			open: func() (io.ReadCloser, error) { return io.NopCloser(file.Reader()), nil },
		})
	}
	return nil
}

func (s *isoSource) Close(ctx context.Context) error {
	return s.f.Close()
}
