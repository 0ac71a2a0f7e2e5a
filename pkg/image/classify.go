package image

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"

	"github.com/kdomanski/iso9660"
)

const (
	descriptorBootRecord = 0
	descriptorPrimary    = 1
	descriptorTerminator = 255

	platformEFI = 0xEF
)

type volumeDescriptor struct {
	kind byte
	data []byte
}

// classify fills the heuristic flags. Failures only leave flags unset.
func classify(r io.ReaderAt, desc *Descriptor) {
	for _, vd := range readDescriptors(r) {
		switch vd.kind {
		case descriptorPrimary:
			desc.VolumeLabel = strings.TrimSpace(string(bytes.TrimRight(vd.data[40:72], "\x00")))
		case descriptorBootRecord:
			if !isElTorito(vd.data) {
				continue
			}
			desc.IsBootable = true
			catalogLBA := binary.LittleEndian.Uint32(vd.data[71:75])
			if catalogHasEFI(r, catalogLBA) {
				desc.IsUEFICapable = true
			}
		}
	}

	desc.IsHybrid = isHybrid(r)

	tree, err := inspectTree(r)
	if err != nil {
		slog.Debug("image_tree_unreadable", "path", desc.Path, "error", err)
		return
	}
	if tree.hasEFIDir {
		desc.IsUEFICapable = true
	}
	desc.Bootloader = tree.bootloader
	desc.EFIBootEntries = tree.efiEntries
}

func readDescriptors(r io.ReaderAt) []volumeDescriptor {
	var result []volumeDescriptor
	for i := 0; i < maxDescriptors; i++ {
		buf := make([]byte, sectorSize)
		if _, err := r.ReadAt(buf, int64(16+i)*sectorSize); err != nil {
			break
		}
		if string(buf[1:6]) != isoSignature || buf[0] == descriptorTerminator {
			break
		}
		result = append(result, volumeDescriptor{kind: buf[0], data: buf})
	}
	return result
}

func isElTorito(vd []byte) bool {
	return strings.HasPrefix(string(vd[7:39]), elToritoSystemID)
}

// catalogHasEFI reads the El Torito boot catalog and reports whether the
// validation entry or any section header targets the EFI platform.
func catalogHasEFI(r io.ReaderAt, lba uint32) bool {
	if lba == 0 {
		return false
	}
	buf := make([]byte, sectorSize)
	if _, err := r.ReadAt(buf, int64(lba)*sectorSize); err != nil {
		return false
	}
	if buf[0] != 0x01 || buf[30] != 0x55 || buf[31] != 0xAA {
		return false
	}
	if buf[1] == platformEFI {
		return true
	}
	for off := 64; off+32 <= len(buf); off += 32 {
		header := buf[off]
		if (header == 0x90 || header == 0x91) && buf[off+1] == platformEFI {
			return true
		}
	}
	return false
}

// isHybrid looks for an MBR boot signature with at least one partition entry.
func isHybrid(r io.ReaderAt) bool {
	mbr := make([]byte, 512)
	if _, err := r.ReadAt(mbr, 0); err != nil {
		return false
	}
	if mbr[510] != 0x55 || mbr[511] != 0xAA {
		return false
	}
	for i := 0; i < 4; i++ {
		entry := mbr[446+16*i : 446+16*(i+1)]
		if entry[4] != 0 && binary.LittleEndian.Uint32(entry[12:16]) > 0 {
			return true
		}
	}
	return false
}

type treeInfo struct {
	hasEFIDir  bool
	bootloader string
	efiEntries []string
}

func inspectTree(r io.ReaderAt) (info treeInfo, err error) {
	// The reader trusts on-disk lengths; malformed images can make it panic.
	defer func() {
		if p := recover(); p != nil {
			info, err = treeInfo{}, fmt.Errorf("malformed directory tree: %v", p)
		}
	}()

	img, err := iso9660.OpenImage(r)
	if err != nil {
		return info, err
	}
	root, err := img.RootDir()
	if err != nil {
		return info, err
	}
	children, err := root.GetChildren()
	if err != nil {
		return info, err
	}

	top := index(children)
	if efi, ok := top["efi"]; ok && efi.IsDir() {
		info.hasEFIDir = true
		info.efiEntries = efiEntries(efi)
	}

	if boot, ok := top["boot"]; ok && boot.IsDir() {
		if bootChildren, err := boot.GetChildren(); err == nil {
			sub := index(bootChildren)
			if _, ok := sub["grub"]; ok {
				info.bootloader = "grub2"
			} else if _, ok := sub["grub2"]; ok {
				info.bootloader = "grub2"
			}
		}
	}
	if info.bootloader == "" {
		if _, ok := top["syslinux"]; ok {
			info.bootloader = "syslinux"
		} else if _, ok := top["syslinux.cfg"]; ok {
			info.bootloader = "syslinux"
		} else if _, ok := top["isolinux"]; ok {
			info.bootloader = "isolinux"
		}
	}
	return info, nil
}

func efiEntries(efi *iso9660.File) []string {
	children, err := efi.GetChildren()
	if err != nil {
		return nil
	}
	boot, ok := index(children)["boot"]
	if !ok || !boot.IsDir() {
		return nil
	}
	loaders, err := boot.GetChildren()
	if err != nil {
		return nil
	}

	var entries []string
	for _, l := range loaders {
		name := CleanName(l.Name())
		if !l.IsDir() && strings.HasSuffix(strings.ToLower(name), ".efi") {
			entries = append(entries, name)
		}
	}
	sort.Strings(entries)
	return entries
}

func index(files []*iso9660.File) map[string]*iso9660.File {
	m := make(map[string]*iso9660.File, len(files))
	for _, f := range files {
		m[strings.ToLower(CleanName(f.Name()))] = f
	}
	return m
}

// CleanName strips the ISO 9660 version suffix (";1") and the trailing dot
// of an extensionless name, giving the name a mounted image would show.
func CleanName(name string) string {
	if i := strings.LastIndexByte(name, ';'); i >= 0 && isDigits(name[i+1:]) {
		name = name[:i]
	}
	return strings.TrimSuffix(name, ".")
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
