package image

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
)

type synthetic struct {
	size        int
	label       string
	elTorito    bool
	efiPlatform bool
	hybrid      bool
}

// writeSynthetic lays out just enough ISO 9660 structure for the
// classifier: a primary descriptor, an optional El Torito boot record with
// its catalog and an optional MBR.
func writeSynthetic(t *testing.T, s synthetic) string {
	t.Helper()
	if s.size == 0 {
		s.size = 2 << 20
	}
	buf := make([]byte, s.size)

	pvd := buf[16*sectorSize:]
	pvd[0] = descriptorPrimary
	copy(pvd[1:6], isoSignature)
	pvd[6] = 1
	label := []byte("                                ")
	copy(label, s.label)
	copy(pvd[40:72], label)

	next := 17
	if s.elTorito {
		br := buf[17*sectorSize:]
		br[0] = descriptorBootRecord
		copy(br[1:6], isoSignature)
		br[6] = 1
		copy(br[7:], elToritoSystemID)
		binary.LittleEndian.PutUint32(br[71:75], 20)

		cat := buf[20*sectorSize:]
		cat[0] = 0x01
		cat[30], cat[31] = 0x55, 0xAA
		cat[32] = 0x88
		if s.efiPlatform {
			cat[64] = 0x91
			cat[65] = platformEFI
			cat[96] = 0x88
		}
		next = 18
	}

	term := buf[next*sectorSize:]
	term[0] = descriptorTerminator
	copy(term[1:6], isoSignature)

	if s.hybrid {
		entry := buf[446:462]
		entry[0] = 0x80
		entry[4] = 0x17
		binary.LittleEndian.PutUint32(entry[12:16], uint32(s.size/512))
		buf[510], buf[511] = 0x55, 0xAA
	}

	path := filepath.Join(t.TempDir(), "image.iso")
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	return path
}
