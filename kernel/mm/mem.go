package mm

import "unsafe"

// The functions in this file are the only place where the memory managers
// turn integer addresses into pointers. Callers must guarantee that:
//   - physical addresses passed to PhysToVirt lie inside a region reported
//     by the boot memory map, and
//   - virtual addresses passed to Memset/Word/Overlay are mapped for the
//     whole accessed range.

var (
	// physMapOffset is the virtual address at which physical address 0 is
	// mapped. The whole of physical memory is reachable through this
	// window; the boot loader sets it up before handing over control.
	physMapOffset uintptr
)

// SetPhysMapOffset sets the offset of the direct physical memory mapping.
func SetPhysMapOffset(offset uintptr) {
	physMapOffset = offset
}

// PhysMapOffset returns the offset of the direct physical memory mapping.
func PhysMapOffset() uintptr {
	return physMapOffset
}

// PhysToVirt returns the virtual address through which the supplied physical
// address can be accessed.
func PhysToVirt(physAddr uintptr) uintptr {
	return physAddr + physMapOffset
}

// Memset sets size bytes at the given virtual address to the supplied value.
// Instead of a byte-by-byte loop it performs log2(size) copy calls which is
// considerably faster for page-sized regions.
func Memset(addr uintptr, value byte, size uintptr) {
	if size == 0 {
		return
	}

	target := unsafe.Slice((*byte)(unsafe.Pointer(addr)), size)

	target[0] = value
	for index := uintptr(1); index < size; index *= 2 {
		copy(target[index:], target[:index])
	}
}

// ZeroFrame clears the contents of a physical frame through the direct
// physical memory mapping.
func ZeroFrame(f Frame) {
	Memset(PhysToVirt(f.Address()), 0, PageSize)
}

// Word returns a pointer to the machine word stored at the supplied virtual
// address. The address must be pointer-aligned.
func Word(addr uintptr) *uintptr {
	return (*uintptr)(unsafe.Pointer(addr))
}

// Overlay returns a *T that aliases the memory at the supplied virtual
// address. It is used to access structures embedded in the memory they
// describe (free-list nodes, heap block headers, page tables). The address
// must be suitably aligned for T and T must not contain Go pointers.
func Overlay[T any](addr uintptr) *T {
	return (*T)(unsafe.Pointer(addr))
}
