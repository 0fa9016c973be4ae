// Package pmm implements the physical memory manager: a sorted, coalesced
// free list of page-aligned physical regions built from the boot memory map.
//
// Each free region stores its list node in its own first bytes, reached
// through the direct physical memory mapping. Physical address 0 terminates
// the list, so page 0 is never handed out.
package pmm

import (
	"eclipseos/kernel"
	"eclipseos/kernel/hal/multiboot"
	"eclipseos/kernel/kfmt"
	"eclipseos/kernel/mm"
	"eclipseos/kernel/sync"
	"math"
	"unsafe"
)

var (
	// panicFn is used by tests to intercept fatal free list errors.
	panicFn = kfmt.Panic

	// ErrOutOfMemory is returned when no free region can satisfy a request.
	ErrOutOfMemory = &kernel.Error{Module: "pmm", Message: "out of memory", Kind: kernel.KindOutOfMemory}

	// ErrInvalidArgument is returned for zero-sized, misaligned or
	// overlapping requests.
	ErrInvalidArgument = &kernel.Error{Module: "pmm", Message: "invalid argument", Kind: kernel.KindInvalidArgument}

	// ErrAlreadyInitialized is returned by a second call to Init.
	ErrAlreadyInitialized = &kernel.Error{Module: "pmm", Message: "allocator already initialized", Kind: kernel.KindAlreadyInitialized}

	// ErrCorruptFreeList is raised when the free list violates its ordering
	// or accounting invariants.
	ErrCorruptFreeList = &kernel.Error{Module: "pmm", Message: "free list is corrupted", Kind: kernel.KindCorruption}
)

// freeNode is stored at the start of every free region.
type freeNode struct {
	// size of the region in bytes, always a multiple of mm.PageSize.
	size uintptr

	// physical address of the next free region or 0.
	next uintptr
}

const (
	freeNodeSize = unsafe.Sizeof(freeNode{})

	maxAddr = ^uintptr(0)
)

func nodeAt(physAddr uintptr) *freeNode {
	return mm.Overlay[freeNode](mm.PhysToVirt(physAddr))
}

// RegionVisitor is a function with the signature of multiboot.VisitMemRegions
// that enumerates the memory map supplied by the boot loader.
type RegionVisitor func(multiboot.MemRegionVisitor)

// Allocator hands out page-aligned physical memory using a first-fit search
// over an address-sorted free list. All methods are safe for concurrent use.
type Allocator struct {
	lock sync.Spinlock

	// physical address of the first free region or 0 if memory is
	// exhausted.
	head uintptr

	totalMemory mm.Size
	freeMemory  mm.Size
	initialized bool
}

// Init populates the free list with the page-aligned portions of every
// available region reported by visitRegions.
func (alloc *Allocator) Init(visitRegions RegionVisitor) *kernel.Error {
	alloc.lock.Acquire()
	defer alloc.lock.Release()

	if alloc.initialized {
		return ErrAlreadyInitialized
	}

	var regionCount uint64
	visitRegions(func(region *multiboot.MemoryMapEntry) bool {
		if region.Type != multiboot.MemAvailable || region.Length == 0 {
			return true
		}

		// Reported addresses may not be page-aligned; round the start up
		// and the end down. Entries past the addressable range are
		// clipped.
		start, end := region.PhysAddress, region.PhysAddress+region.Length
		if end < start || end > math.MaxUint64-uint64(mm.PageSize) {
			end = math.MaxUint64 - uint64(mm.PageSize)
		}

		base := mm.AlignUp(uintptr(start), mm.PageSize)
		limit := mm.AlignDown(uintptr(end), mm.PageSize)
		if base == 0 {
			base = mm.PageSize
		}
		if limit <= base {
			return true
		}

		alloc.insertFreeRegion(base, limit)
		regionCount++
		return true
	})

	alloc.totalMemory = 0
	for cur := alloc.head; cur != 0; cur = nodeAt(cur).next {
		alloc.totalMemory += mm.Size(nodeAt(cur).size)
	}
	alloc.freeMemory = alloc.totalMemory
	alloc.initialized = true

	kfmt.Printf("[pmm] registered %d usable regions; free memory: %dKb\n", regionCount, uint64(alloc.freeMemory/mm.Kb))
	return nil
}

// insertFreeRegion adds [base, limit) to the address-sorted free list and
// merges it with every listed region that it touches or overlaps. Nodes are
// only written after all absorbed nodes have been read since base may
// coincide with the address of a listed region.
func (alloc *Allocator) insertFreeRegion(base, limit uintptr) {
	var prev uintptr

	cur := alloc.head
	for cur != 0 && cur+nodeAt(cur).size < base {
		prev, cur = cur, nodeAt(cur).next
	}

	for cur != 0 && cur <= limit {
		node := nodeAt(cur)
		if cur < base {
			base = cur
		}
		if end := cur + node.size; end > limit {
			limit = end
		}
		cur = node.next
	}

	node := nodeAt(base)
	node.size = limit - base
	node.next = cur
	alloc.link(prev, base)
}

// Reserve removes the pages overlapping [addr, addr+size) from the free list.
// It is used to protect memory such as the kernel image after Init. Reserved
// bytes count as used memory.
func (alloc *Allocator) Reserve(addr uintptr, size mm.Size) *kernel.Error {
	if size == 0 || addr > maxAddr-mm.PageSize || uintptr(size) > maxAddr-mm.PageSize-addr {
		return ErrInvalidArgument
	}

	start := mm.AlignDown(addr, mm.PageSize)
	end := mm.AlignUp(addr+uintptr(size), mm.PageSize)

	alloc.lock.Acquire()
	defer alloc.lock.Release()

	var prev uintptr
	for cur := alloc.head; cur != 0; {
		node := nodeAt(cur)
		nodeEnd := cur + node.size
		next := node.next

		if nodeEnd <= start {
			prev, cur = cur, next
			continue
		}
		if cur >= end {
			break
		}

		overlapStart, overlapEnd := cur, nodeEnd
		if start > overlapStart {
			overlapStart = start
		}
		if end < overlapEnd {
			overlapEnd = end
		}
		alloc.freeMemory -= mm.Size(overlapEnd - overlapStart)

		// Keep the part after the reserved range as a separate node.
		if nodeEnd > end {
			tail := nodeAt(end)
			tail.size = nodeEnd - end
			tail.next = next
			next = end
		}

		if cur < start {
			node.size = start - cur
			node.next = next
			prev = cur
		} else {
			alloc.link(prev, next)
		}

		cur = next
	}

	kfmt.Printf("[pmm] reserved [0x%x - 0x%x]\n", start, end)
	return nil
}

// link points the node at prev (or the list head if prev is 0) to next.
func (alloc *Allocator) link(prev, next uintptr) {
	if prev == 0 {
		alloc.head = next
		return
	}
	nodeAt(prev).next = next
}

// AllocFrame reserves a single zeroed frame.
func (alloc *Allocator) AllocFrame() (mm.Frame, *kernel.Error) {
	addr, err := alloc.AllocPages(1)
	if err != nil {
		return mm.InvalidFrame, err
	}

	return mm.FrameFromAddress(addr), nil
}

// AllocPages reserves count physically contiguous, zeroed pages and returns
// the physical address of the first one.
func (alloc *Allocator) AllocPages(count uintptr) (uintptr, *kernel.Error) {
	if count == 0 {
		kfmt.Printf("[pmm] rejected request for 0 pages\n")
		return 0, ErrInvalidArgument
	}

	if count > maxAddr/mm.PageSize {
		kfmt.Printf("[pmm] unable to allocate %d pages: out of memory\n", count)
		return 0, ErrOutOfMemory
	}

	size := count * mm.PageSize

	alloc.lock.Acquire()

	var prev uintptr
	for cur := alloc.head; cur != 0; prev, cur = cur, nodeAt(cur).next {
		node := nodeAt(cur)
		if node.size < size {
			continue
		}

		granted := node.size
		if remainder := node.size - size; remainder >= freeNodeSize {
			// Split; the tail stays on the free list.
			tail := nodeAt(cur + size)
			tail.size = remainder
			tail.next = node.next
			alloc.link(prev, cur+size)
			granted = size
		} else {
			// Exact fit, or a remainder too small to host a node.
			alloc.link(prev, node.next)
		}

		alloc.freeMemory -= mm.Size(granted)
		alloc.lock.Release()

		mm.Memset(mm.PhysToVirt(cur), 0, granted)
		return cur, nil
	}

	alloc.lock.Release()
	kfmt.Printf("[pmm] unable to allocate %d pages: out of memory\n", count)
	return 0, ErrOutOfMemory
}

// FreeFrame returns a frame obtained via AllocFrame.
func (alloc *Allocator) FreeFrame(frame mm.Frame) *kernel.Error {
	if !frame.Valid() {
		return ErrInvalidArgument
	}

	return alloc.FreePages(frame.Address(), 1)
}

// FreePages returns count pages starting at addr to the free list, merging
// them with the free regions immediately before and after. Freeing a range
// that overlaps memory that is already free fails with ErrInvalidArgument.
func (alloc *Allocator) FreePages(addr, count uintptr) *kernel.Error {
	if count == 0 || addr == 0 || addr&(mm.PageSize-1) != 0 ||
		count > (maxAddr-addr)/mm.PageSize {
		kfmt.Printf("[pmm] rejected free of %d pages at 0x%x\n", count, addr)
		return ErrInvalidArgument
	}

	size := count * mm.PageSize
	end := addr + size

	alloc.lock.Acquire()
	defer alloc.lock.Release()

	if alloc.freeMemory+mm.Size(size) > alloc.totalMemory {
		kfmt.Printf("[pmm] rejected free of %d pages at 0x%x: exceeds managed memory\n", count, addr)
		return ErrInvalidArgument
	}

	// Locate the free regions surrounding the freed range.
	var prev uintptr
	next := alloc.head
	for next != 0 && next < addr {
		if n := nodeAt(next).next; n != 0 && n <= next {
			alloc.corrupted("free list is not sorted", next)
			return ErrCorruptFreeList
		}
		prev, next = next, nodeAt(next).next
	}

	if (prev != 0 && prev+nodeAt(prev).size > addr) || (next != 0 && end > next) {
		kfmt.Printf("[pmm] rejected free of %d pages at 0x%x: range is already free\n", count, addr)
		return ErrInvalidArgument
	}

	switch {
	case prev != 0 && prev+nodeAt(prev).size == addr:
		node := nodeAt(prev)
		node.size += size
		if next != 0 && end == next {
			node.size += nodeAt(next).size
			node.next = nodeAt(next).next
		}
	default:
		node := nodeAt(addr)
		node.size = size
		node.next = next
		if next != 0 && end == next {
			node.size += nodeAt(next).size
			node.next = nodeAt(next).next
		}
		alloc.link(prev, addr)
	}

	alloc.freeMemory += mm.Size(size)
	return nil
}

// Stats returns the total, used and free physical memory in bytes.
func (alloc *Allocator) Stats() (total, used, free mm.Size) {
	alloc.lock.Acquire()
	defer alloc.lock.Release()

	return alloc.totalMemory, alloc.totalMemory - alloc.freeMemory, alloc.freeMemory
}

// FreeRegionVisitor is invoked by VisitFreeRegions for each free region. It
// must return true to continue or false to abort the scan.
type FreeRegionVisitor func(physAddr uintptr, size mm.Size) bool

// VisitFreeRegions invokes visitor for every free region in address order.
// The visitor runs with the allocator lock held and must not call back into
// the allocator.
func (alloc *Allocator) VisitFreeRegions(visitor FreeRegionVisitor) {
	alloc.lock.Acquire()
	defer alloc.lock.Release()

	for cur := alloc.head; cur != 0; cur = nodeAt(cur).next {
		if !visitor(cur, mm.Size(nodeAt(cur).size)) {
			return
		}
	}
}

// CheckFreeList verifies that the free list is sorted, page-aligned,
// coalesced and that its regions add up to the free memory counter. A
// violation is reported as a fatal error.
func (alloc *Allocator) CheckFreeList() *kernel.Error {
	alloc.lock.Acquire()
	defer alloc.lock.Release()

	var (
		sum      mm.Size
		prevEnd  uintptr
		maxNodes = uint64(alloc.totalMemory/mm.Size(mm.PageSize)) + 1
		visited  uint64
	)

	for cur := alloc.head; cur != 0; cur = nodeAt(cur).next {
		node := nodeAt(cur)

		switch {
		case visited == maxNodes:
			alloc.corrupted("free list contains a cycle", cur)
			return ErrCorruptFreeList
		case cur&(mm.PageSize-1) != 0 || node.size == 0 || node.size&(mm.PageSize-1) != 0:
			alloc.corrupted("misaligned free region", cur)
			return ErrCorruptFreeList
		case prevEnd != 0 && cur <= prevEnd:
			alloc.corrupted("unsorted, overlapping or unmerged free region", cur)
			return ErrCorruptFreeList
		}

		visited++
		sum += mm.Size(node.size)
		prevEnd = cur + node.size
	}

	if sum != alloc.freeMemory {
		alloc.corrupted("free region sizes do not add up to free memory", alloc.head)
		return ErrCorruptFreeList
	}

	return nil
}

func (alloc *Allocator) corrupted(reason string, addr uintptr) {
	kfmt.Printf("[pmm] %s (region at 0x%x)\n", reason, addr)
	panicFn(ErrCorruptFreeList)
}
