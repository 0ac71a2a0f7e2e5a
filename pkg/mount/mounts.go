package mount

import (
	"bufio"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/isoflash/isoflash/pkg/device"
)

// Entry is one line of a mount table.
type Entry struct {
	Source     string
	Mountpoint string
	FSType     string
}

var octalEscape = regexp.MustCompile(`\\[0-7]{3}`)

// parseMounts reads /proc/self/mounts formatted text.
func parseMounts(text string) []Entry {
	var entries []Entry
	scanner := bufio.NewScanner(strings.NewReader(text))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 3 {
			continue
		}
		entries = append(entries, Entry{
			Source:     unescape(fields[0]),
			Mountpoint: unescape(fields[1]),
			FSType:     fields[2],
		})
	}
	return entries
}

// unescape decodes the \040 style escapes used for spaces in mount paths.
func unescape(s string) string {
	return octalEscape.ReplaceAllStringFunc(s, func(m string) string {
		v, err := strconv.ParseUint(m[1:], 8, 8)
		if err != nil {
			return m
		}
		return string([]byte{byte(v)})
	})
}

// mountsOnDisk returns the entries backed by diskPath or its partitions,
// deepest mountpoint first so nested mounts come off before their parents.
func mountsOnDisk(entries []Entry, diskPath string) []Entry {
	base := device.BaseDisk(diskPath)
	var result []Entry
	for _, e := range entries {
		if !strings.HasPrefix(e.Source, "/dev/") {
			continue
		}
		if device.BaseDisk(e.Source) == base {
			result = append(result, e)
		}
	}
	sort.SliceStable(result, func(i, j int) bool {
		return len(result[i].Mountpoint) > len(result[j].Mountpoint)
	})
	return result
}

func readMounts(path string) ([]Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return parseMounts(string(data)), nil
}

// isRegularFile reports whether a target is a plain file (a disk image)
// rather than a block device.
func isRegularFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
