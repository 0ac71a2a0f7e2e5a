package device

import (
	"bufio"
	"regexp"
	"strings"
)

var (
	suffixPartition  = regexp.MustCompile(`^((?:nvme\d+n\d+)|(?:mmcblk\d+)|(?:loop\d+)|(?:md\d+))p\d+$`)
	letterPartition  = regexp.MustCompile(`^((?:sd|vd|hd|xvd)[a-z]+)\d+$`)
	darwinPartition  = regexp.MustCompile(`^(r?disk\d+)s\d+(?:s\d+)?$`)
	systemMountpoint = []string{"/", "/boot", "/boot/efi", "/efi", "/usr", "/var", "/home", "[SWAP]", "/private/var/vm"}
)

// BaseDisk maps a partition node to its whole-disk node
// ("/dev/sda1" -> "/dev/sda", "/dev/nvme0n1p2" -> "/dev/nvme0n1",
// "/dev/disk4s1" -> "/dev/disk4"). Whole-disk nodes are returned unchanged.
func BaseDisk(dev string) string {
	if !strings.HasPrefix(dev, "/dev/") {
		return dev
	}
	name := strings.TrimPrefix(dev, "/dev/")
	for _, re := range []*regexp.Regexp{suffixPartition, letterPartition, darwinPartition} {
		if m := re.FindStringSubmatch(name); m != nil {
			return "/dev/" + m[1]
		}
	}
	return dev
}

// IsPartition reports whether dev names a partition rather than a disk.
func IsPartition(dev string) bool {
	return BaseDisk(dev) != dev
}

// isSystemMount reports mountpoints that only the running system uses.
func isSystemMount(mp string) bool {
	if mp == "" {
		return false
	}
	if strings.HasPrefix(mp, "/System/Volumes") {
		return true
	}
	for _, s := range systemMountpoint {
		if mp == s {
			return true
		}
	}
	return false
}

// parseRootDevice returns the device mounted at "/" from a mounts table in
// /proc/self/mounts format.
func parseRootDevice(mounts string) (string, error) {
	scanner := bufio.NewScanner(strings.NewReader(mounts))
	var root string
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		// Later entries shadow earlier ones for the same mountpoint.
		if fields[1] == "/" {
			root = fields[0]
		}
	}
	if err := scanner.Err(); err != nil {
		return "", err
	}
	if root == "" {
		return "", ErrBootDiskUnknown
	}
	return root, nil
}
