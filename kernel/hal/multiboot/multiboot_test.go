package multiboot

import (
	"encoding/binary"
	"testing"
	"unsafe"
)

// buildInfo assembles a multiboot2 information block containing a boot
// loader name tag followed by a memory map tag with the supplied entries. The
// block is backed by a []uint64 so it honors the 8-byte tag alignment.
func buildInfo(entries []MemoryMapEntry) []uint64 {
	var (
		nameTag   = []byte("test loader\x00")
		nameSize  = 8 + len(nameTag)
		mmapSize  = 16 + 24*len(entries)
		totalSize = 8 + ((nameSize + 7) &^ 7) + ((mmapSize + 7) &^ 7) + 8
		backing   = make([]uint64, totalSize/8)
		buf       = unsafe.Slice((*byte)(unsafe.Pointer(&backing[0])), totalSize)
		le        = binary.LittleEndian
		off       int
	)

	le.PutUint32(buf[0:], uint32(totalSize))
	off = 8

	le.PutUint32(buf[off:], uint32(tagBootLoaderName))
	le.PutUint32(buf[off+4:], uint32(nameSize))
	copy(buf[off+8:], nameTag)
	off += (nameSize + 7) &^ 7

	le.PutUint32(buf[off:], uint32(tagMemoryMap))
	le.PutUint32(buf[off+4:], uint32(mmapSize))
	le.PutUint32(buf[off+8:], 24)
	le.PutUint32(buf[off+12:], 0)
	for i, entry := range entries {
		entryOff := off + 16 + i*24
		le.PutUint64(buf[entryOff:], entry.PhysAddress)
		le.PutUint64(buf[entryOff+8:], entry.Length)
		le.PutUint32(buf[entryOff+16:], uint32(entry.Type))
	}
	off += (mmapSize + 7) &^ 7

	// end tag
	le.PutUint32(buf[off:], uint32(tagMbSectionEnd))
	le.PutUint32(buf[off+4:], 8)

	return backing
}

func TestFindTagByType(t *testing.T) {
	info := buildInfo([]MemoryMapEntry{{0x100000, 0x10000, MemAvailable}})
	SetInfoPtr(uintptr(unsafe.Pointer(&info[0])))
	defer SetInfoPtr(0)

	specs := []struct {
		tagType tagType
		expSize uint32
	}{
		{tagBootLoaderName, 12},
		{tagMemoryMap, 8 + 24},
		{tagModules, 0},
	}

	for specIndex, spec := range specs {
		if _, size := findTagByType(spec.tagType); size != spec.expSize {
			t.Errorf("[spec %d] expected tag size for tag type %d to be %d; got %d", specIndex, spec.tagType, spec.expSize, size)
		}
	}
}

func TestFindTagByTypeWithoutInfo(t *testing.T) {
	SetInfoPtr(0)
	if offset, size := findTagByType(tagMemoryMap); offset != 0 || size != 0 {
		t.Fatalf("expected findTagByType to return (0,0) without an info block; got (%d, %d)", offset, size)
	}
}

func TestVisitMemRegions(t *testing.T) {
	specs := []MemoryMapEntry{
		{0, 654336, MemAvailable},
		{654336, 1024, MemReserved},
		{983040, 65536, MemReserved},
		{1048576, 133038080, MemAvailable},
		{134086656, 131072, MemAcpiReclaimable},
		{4294705152, 262144, MemoryEntryType(0xff)},
	}

	info := buildInfo(specs)
	SetInfoPtr(uintptr(unsafe.Pointer(&info[0])))
	defer SetInfoPtr(0)

	var visitCount int
	VisitMemRegions(func(entry *MemoryMapEntry) bool {
		spec := specs[visitCount]
		if entry.PhysAddress != spec.PhysAddress {
			t.Errorf("[visit %d] expected physical address to be %x; got %x", visitCount, spec.PhysAddress, entry.PhysAddress)
		}
		if entry.Length != spec.Length {
			t.Errorf("[visit %d] expected region len to be %x; got %x", visitCount, spec.Length, entry.Length)
		}

		// unknown types are reported as reserved
		expType := spec.Type
		if expType >= memUnknown {
			expType = MemReserved
		}
		if entry.Type != expType {
			t.Errorf("[visit %d] expected region type to be %s; got %s", visitCount, expType, entry.Type)
		}
		visitCount++
		return true
	})

	if visitCount != len(specs) {
		t.Fatalf("expected visitor to be invoked %d times; got %d", len(specs), visitCount)
	}

	// Aborting the scan
	visitCount = 0
	VisitMemRegions(func(_ *MemoryMapEntry) bool {
		visitCount++
		return false
	})

	if exp := 1; visitCount != exp {
		t.Fatalf("expected visitor to be invoked %d times after aborting the scan; got %d", exp, visitCount)
	}
}

func TestMemoryMapVisit(t *testing.T) {
	m := MemoryMap{
		{PhysAddress: 0x100000, Length: 0x10000, Type: MemAvailable},
		{PhysAddress: 0x200000, Length: 0x1000, Type: MemReserved},
	}

	var got []uint64
	m.Visit(func(entry *MemoryMapEntry) bool {
		got = append(got, entry.PhysAddress)
		return true
	})

	if len(got) != 2 || got[0] != 0x100000 || got[1] != 0x200000 {
		t.Fatalf("expected to visit both entries in order; got %x", got)
	}
}

func TestMemoryEntryTypeString(t *testing.T) {
	specs := []struct {
		input  MemoryEntryType
		expStr string
	}{
		{MemAvailable, "available"},
		{MemReserved, "reserved"},
		{MemAcpiReclaimable, "ACPI (reclaimable)"},
		{MemNvs, "NVS"},
		{MemoryEntryType(123), "unknown"},
	}

	for specIndex, spec := range specs {
		if got := spec.input.String(); got != spec.expStr {
			t.Errorf("[spec %d] expected %q; got %q", specIndex, spec.expStr, got)
		}
	}
}
