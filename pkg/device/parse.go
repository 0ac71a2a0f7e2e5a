package device

import (
	"bufio"
	"encoding/json"
	"regexp"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/isoflash/isoflash/pkg/errors"
)

// flexBool accepts true/false, 0/1 and "0"/"1"; lsblk changed the RM and
// HOTPLUG encodings between util-linux releases.
type flexBool bool

func (b *flexBool) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	switch strings.ToLower(s) {
	case "1", "true":
		*b = true
	default:
		*b = false
	}
	return nil
}

// flexInt accepts a JSON number or a numeric string; null and garbage
// decode to SizeUnknown.
type flexInt int64

func (n *flexInt) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		*n = flexInt(SizeUnknown)
		return nil
	}
	*n = flexInt(v)
	return nil
}

type lsblkOutput struct {
	Blockdevices []lsblkDevice `json:"blockdevices"`
}

type lsblkDevice struct {
	Name       string        `json:"name"`
	Size       flexInt       `json:"size"`
	Model      string        `json:"model"`
	Vendor     string        `json:"vendor"`
	Type       string        `json:"type"`
	Tran       string        `json:"tran"`
	RM         flexBool      `json:"rm"`
	Hotplug    flexBool      `json:"hotplug"`
	FSType     string        `json:"fstype"`
	Label      string        `json:"label"`
	Mountpoint string        `json:"mountpoint"`
	Children   []lsblkDevice `json:"children"`
}

// LsblkColumns is the column set parseLsblk understands.
const LsblkColumns = "NAME,SIZE,MODEL,VENDOR,TYPE,TRAN,RM,HOTPLUG,FSTYPE,LABEL,MOUNTPOINT"

// parseLsblk converts `lsblk -J -b -o LsblkColumns` output into disks.
func parseLsblk(data []byte) ([]RawDisk, error) {
	var out lsblkOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, errors.Wrap(err, "parsing lsblk output")
	}

	var disks []RawDisk
	for _, dev := range out.Blockdevices {
		if dev.Type != "disk" {
			continue
		}
		disk := RawDisk{
			Path:        "/dev/" + dev.Name,
			Name:        dev.Name,
			Model:       strings.TrimSpace(dev.Model),
			Vendor:      strings.TrimSpace(dev.Vendor),
			Transport:   dev.Tran,
			SizeBytes:   int64(dev.Size),
			Removable:   bool(dev.RM) || bool(dev.Hotplug) || dev.Tran == "usb",
			Filesystem:  dev.FSType,
			VolumeLabel: dev.Label,
			Mountpoint:  dev.Mountpoint,
		}
		if disk.SizeBytes == 0 {
			disk.SizeBytes = SizeUnknown
		}
		for _, child := range dev.Children {
			disk.Partitions = append(disk.Partitions, RawPartition{
				Path:       "/dev/" + child.Name,
				Name:       child.Name,
				Filesystem: child.FSType,
				Label:      child.Label,
				Mountpoint: child.Mountpoint,
				SizeBytes:  int64(child.Size),
			})
		}
		disks = append(disks, disk)
	}
	return disks, nil
}

// parseLsblkSize reads the SIZE of the first device in `lsblk -J -b -d -o SIZE`.
func parseLsblkSize(data []byte) (int64, error) {
	var out lsblkOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return SizeUnknown, errors.Wrap(err, "parsing lsblk size")
	}
	if len(out.Blockdevices) == 0 || out.Blockdevices[0].Size <= 0 {
		return SizeUnknown, errors.New("lsblk reported no size")
	}
	return int64(out.Blockdevices[0].Size), nil
}

// parseSysfsSize converts /sys/block/<dev>/size (512-byte sectors) to bytes.
func parseSysfsSize(data string) (int64, error) {
	sectors, err := strconv.ParseInt(strings.TrimSpace(data), 10, 64)
	if err != nil {
		return SizeUnknown, errors.Wrap(err, "parsing sysfs size")
	}
	if sectors <= 0 {
		return SizeUnknown, errors.New("sysfs reported zero sectors")
	}
	return sectors * 512, nil
}

// parseDiskutilInfo turns `diskutil info` "Key: Value" lines into a map.
func parseDiskutilInfo(text string) map[string]string {
	info := make(map[string]string)
	scanner := bufio.NewScanner(strings.NewReader(text))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if key == "" || strings.HasPrefix(value, "Not applicable") {
			continue
		}
		info[key] = value
	}
	return info
}

var bytesInParens = regexp.MustCompile(`\((\d+) Bytes\)`)

// diskutilInfoSize reads "Disk Size"/"Total Size" ("15.5 GB (15518924800 Bytes) ...").
func diskutilInfoSize(info map[string]string) (int64, error) {
	for _, key := range []string{"Disk Size", "Total Size", "Media Size"} {
		if m := bytesInParens.FindStringSubmatch(info[key]); m != nil {
			n, err := strconv.ParseInt(m[1], 10, 64)
			if err == nil && n > 0 {
				return n, nil
			}
		}
	}
	return SizeUnknown, errors.New("diskutil info has no size")
}

// diskutilRemovable applies the removable-media keywords to an info map.
func diskutilRemovable(info map[string]string) bool {
	fields := []string{info["Removable Media"], info["Device Location"], info["Protocol"], info["Media Type"]}
	text := strings.ToLower(strings.Join(fields, " "))
	if strings.Contains(text, "internal") && !strings.Contains(text, "usb") && !strings.Contains(text, "removable") {
		return false
	}
	for _, kw := range []string{"external", "removable", "usb", "flash", "thumb"} {
		if strings.Contains(text, kw) {
			return true
		}
	}
	return false
}

// diskutilEntry is one disk block of `diskutil list`.
type diskutilEntry struct {
	Path       string
	External   bool
	Physical   bool
	Size       int64
	Partitions []string
}

var (
	diskutilHeader = regexp.MustCompile(`^(/dev/disk\d+)\s*\(([^)]*)\):`)
	diskutilSize   = regexp.MustCompile(`\*?(\d+(?:\.\d+)?\s*[KMGTP]?B)\s+(disk\d+(?:s\d+)*)\s*$`)
	diskutilWhole  = regexp.MustCompile(`^\s*0:\s+.*\*(\d+(?:\.\d+)?\s*[KMGTP]?B)\s+disk\d+\s*$`)
)

// parseDiskutilList reads the disk blocks of `diskutil list`.
func parseDiskutilList(text string) []diskutilEntry {
	var entries []diskutilEntry
	var cur *diskutilEntry

	scanner := bufio.NewScanner(strings.NewReader(text))
	for scanner.Scan() {
		line := scanner.Text()
		if m := diskutilHeader.FindStringSubmatch(line); m != nil {
			entries = append(entries, diskutilEntry{Path: m[1], Size: SizeUnknown})
			cur = &entries[len(entries)-1]
			flags := strings.ToLower(m[2])
			cur.External = strings.Contains(flags, "external")
			cur.Physical = strings.Contains(flags, "physical")
			continue
		}
		if cur == nil {
			continue
		}
		if m := diskutilWhole.FindStringSubmatch(line); m != nil {
			if n, err := humanize.ParseBytes(m[1]); err == nil {
				cur.Size = int64(n)
			}
			continue
		}
		if m := diskutilSize.FindStringSubmatch(line); m != nil {
			cur.Partitions = append(cur.Partitions, "/dev/"+m[2])
		}
	}
	return entries
}

// parseDfSize reads the 1024-blocks column of `df -k <path>`.
func parseDfSize(text string) (int64, error) {
	lines := strings.Split(strings.TrimSpace(text), "\n")
	if len(lines) < 2 {
		return SizeUnknown, errors.New("df output has no data line")
	}
	fields := strings.Fields(lines[len(lines)-1])
	if len(fields) < 2 {
		return SizeUnknown, errors.New("df data line too short")
	}
	blocks, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil || blocks <= 0 {
		return SizeUnknown, errors.New("df reported no size")
	}
	return blocks * 1024, nil
}
