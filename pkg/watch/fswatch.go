package watch

import (
	"bufio"
	"bytes"
	"context"
	"strings"
	"syscall"

	"github.com/isoflash/isoflash/pkg/errors"
)

// fswatchFlags are the event names fswatch -x appends to each path.
var fswatchFlags = map[string]ChangeKind{
	"Created":           Created,
	"Renamed":           Renamed,
	"MovedTo":           Renamed,
	"MovedFrom":         Renamed,
	"Updated":           Updated,
	"Removed":           Removed,
	"NoOp":              Other,
	"PlatformSpecific":  Other,
	"OwnerModified":     Other,
	"AttributeModified": Other,
	"IsFile":            Other,
	"IsDir":             Other,
	"IsSymLink":         Other,
	"Link":              Other,
	"Overflow":          Other,
	"CloseWrite":        Other,
}

// parseFSWatchRecord splits "path with spaces Created IsFile" into the path
// and the most significant change kind.
func parseFSWatchRecord(record string) (Change, bool) {
	record = strings.TrimRight(record, "\n\x00")
	if record == "" {
		return Change{}, false
	}

	fields := strings.Split(record, " ")
	kind := Other
	end := len(fields)
	for end > 1 {
		k, ok := fswatchFlags[fields[end-1]]
		if !ok {
			break
		}
		if kind == Other || k == Created || (k == Renamed && kind != Created) {
			kind = k
		}
		end--
	}
	return Change{Path: strings.Join(fields[:end], " "), Kind: kind}, true
}

func splitNUL(data []byte, atEOF bool) (int, []byte, error) {
	if i := bytes.IndexByte(data, 0); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF && len(data) > 0 {
		return len(data), data, nil
	}
	return 0, nil, nil
}

// runFSWatch streams NUL-delimited records from an fswatch child. On
// cancellation the child receives SIGTERM and is killed once StopTimeout
// has passed.
func (w *Watcher) runFSWatch(ctx context.Context, paths []string, report func(Change)) error {
	args := append([]string{"-0", "-x"}, paths...)
	cmd := w.command(ctx, "fswatch", args...)
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
	cmd.WaitDelay = w.cfg.StopTimeout

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return errors.Wrap(err, "fswatch stdout")
	}
	if err := cmd.Start(); err != nil {
		return errors.Wrap(err, "failed to start fswatch")
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Split(splitNUL)
	for scanner.Scan() {
		if change, ok := parseFSWatchRecord(scanner.Text()); ok {
			report(change)
		}
	}

	err = cmd.Wait()
	if ctx.Err() != nil {
		return nil
	}
	return err
}
