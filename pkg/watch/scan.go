package watch

import (
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
)

// DefaultDirectories are the per-user directories images usually land in.
func DefaultDirectories() []string {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil
	}
	return []string{filepath.Join(home, "Downloads"), filepath.Join(home, "Desktop")}
}

// Scan walks paths recursively and returns files matching exts. Unreadable
// directories are logged and skipped.
func Scan(paths []string, exts []string) ([]string, error) {
	if len(exts) == 0 {
		exts = DefaultExtensions
	}

	var found []string
	for _, root := range paths {
		err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				slog.Warn("scan_entry_failed", "path", p, "error", err)
				if d != nil && d.IsDir() && p != root {
					return filepath.SkipDir
				}
				return nil
			}
			if d.Type().IsRegular() && HasExtension(p, exts) {
				found = append(found, p)
			}
			return nil
		})
		if err != nil {
			slog.Warn("scan_directory_failed", "path", root, "error", err)
		}
	}

	sort.Strings(found)
	return found, nil
}
