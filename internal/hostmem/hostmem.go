// Package hostmem provides page-aligned anonymous memory that stands in for
// physical RAM and for virtual address windows when the memory managers run
// inside a regular process (tests and the mmsim simulator).
package hostmem

import (
	"eclipseos/kernel/hal/multiboot"
	"eclipseos/kernel/mm"
	"unsafe"

	"github.com/cockroachdb/errors"
	"golang.org/x/sys/unix"
)

// Region is an anonymous, private, read-write memory mapping.
type Region struct {
	mem []byte
}

// Map reserves size bytes (rounded up to a page multiple) of zeroed memory.
func Map(size mm.Size) (*Region, error) {
	if size == 0 {
		return nil, errors.New("hostmem: region size must be greater than zero")
	}

	length := int(size.Pages() * mm.PageSize)
	mem, err := unix.Mmap(-1, 0, length,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANON|unix.MAP_PRIVATE,
	)
	if err != nil {
		return nil, errors.Wrapf(err, "hostmem: mmap of %d bytes", length)
	}

	return &Region{mem: mem}, nil
}

// Addr returns the address of the first byte of the region.
func (r *Region) Addr() uintptr {
	return uintptr(unsafe.Pointer(&r.mem[0]))
}

// Size returns the length of the region in bytes.
func (r *Region) Size() mm.Size {
	return mm.Size(len(r.mem))
}

// Contains returns true if [addr, addr+size) lies inside the region.
func (r *Region) Contains(addr, size uintptr) bool {
	start := r.Addr()
	return addr >= start && size <= uintptr(len(r.mem)) && addr-start <= uintptr(len(r.mem))-size
}

// Bytes exposes the region contents.
func (r *Region) Bytes() []byte {
	return r.mem
}

// Close unmaps the region. The region must not be used afterwards.
func (r *Region) Close() error {
	if r.mem == nil {
		return nil
	}

	err := unix.Munmap(r.mem)
	r.mem = nil
	return errors.Wrap(err, "hostmem: munmap")
}

// Arena is a Region that plays the role of physical memory starting at a
// chosen physical base address.
type Arena struct {
	Region

	physBase uintptr
}

// NewArena maps size bytes of memory that will be addressed as the physical
// range [physBase, physBase+size). physBase must be page-aligned.
func NewArena(physBase uintptr, size mm.Size) (*Arena, error) {
	if physBase&(mm.PageSize-1) != 0 {
		return nil, errors.Newf("hostmem: physical base 0x%x is not page-aligned", physBase)
	}

	region, err := Map(size)
	if err != nil {
		return nil, err
	}

	return &Arena{Region: *region, physBase: physBase}, nil
}

// PhysBase returns the physical address of the first byte of the arena.
func (a *Arena) PhysBase() uintptr {
	return a.physBase
}

// PhysMapOffset returns the direct-map offset that makes mm.PhysToVirt
// resolve physical addresses inside the arena to host addresses.
func (a *Arena) PhysMapOffset() uintptr {
	return a.Addr() - a.physBase
}

// Install points the direct physical memory mapping at the arena.
func (a *Arena) Install() {
	mm.SetPhysMapOffset(a.PhysMapOffset())
}

// MemoryMap returns a boot memory map that describes the arena as a single
// available region, preceded by the legacy reserved low-memory area when the
// arena does not start at address 0.
func (a *Arena) MemoryMap() multiboot.MemoryMap {
	var entries multiboot.MemoryMap
	if a.physBase != 0 {
		entries = append(entries, multiboot.MemoryMapEntry{
			PhysAddress: 0,
			Length:      uint64(a.physBase),
			Type:        multiboot.MemReserved,
		})
	}

	return append(entries, multiboot.MemoryMapEntry{
		PhysAddress: uint64(a.physBase),
		Length:      uint64(a.Size()),
		Type:        multiboot.MemAvailable,
	})
}
