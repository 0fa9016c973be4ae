// Package heap implements the kernel heap: a first-fit allocator over a
// chain of blocks laid out back to back in a virtual range that is backed by
// frames mapped through the virtual memory manager.
//
// Every block starts with a header that records the payload size, the
// address of the following block and whether the block is free. Adjacent
// free blocks are merged whenever a block is released.
package heap

import (
	"eclipseos/kernel"
	"eclipseos/kernel/kfmt"
	"eclipseos/kernel/mm"
	"eclipseos/kernel/mm/vmm"
	"eclipseos/kernel/sync"
	"unsafe"
)

const (
	// DefaultBase is the default virtual address of the kernel heap. It
	// sits above the direct physical memory mapping.
	DefaultBase = uintptr(0xffffa00000000000)

	// DefaultInitialSize is the default amount of memory mapped for the
	// heap by Init.
	DefaultInitialSize = 4 * mm.Mb

	// MinBlockSize is the smallest payload a block can have.
	MinBlockSize = uintptr(16)

	// blockAlign is the alignment of every header and payload.
	blockAlign = uintptr(16)
)

var (
	// panicFn is used by tests to intercept fatal heap errors.
	panicFn = kfmt.Panic

	// ErrOutOfMemory is returned when no free block can satisfy a request.
	ErrOutOfMemory = &kernel.Error{Module: "heap", Message: "out of memory", Kind: kernel.KindOutOfMemory}

	// ErrInvalidArgument is returned for zero-sized requests, invalid
	// alignments and pointers that were not returned by Alloc.
	ErrInvalidArgument = &kernel.Error{Module: "heap", Message: "invalid argument", Kind: kernel.KindInvalidArgument}

	// ErrAlreadyInitialized is returned by a second call to Init.
	ErrAlreadyInitialized = &kernel.Error{Module: "heap", Message: "heap already initialized", Kind: kernel.KindAlreadyInitialized}

	// ErrCorruptHeap is raised when the block chain violates its layout
	// invariants.
	ErrCorruptHeap = &kernel.Error{Module: "heap", Message: "heap block chain is corrupted", Kind: kernel.KindCorruption}
)

// blockHeader precedes the payload of every heap block.
type blockHeader struct {
	// size of the payload in bytes.
	size uintptr

	// virtual address of the next block header or 0 for the last block.
	next uintptr

	free bool
	_    [7]byte
	_    uintptr
}

const headerSize = unsafe.Sizeof(blockHeader{})

func headerAt(addr uintptr) *blockHeader {
	return mm.Overlay[blockHeader](addr)
}

// Config describes the virtual range used by the heap.
type Config struct {
	// Base is the page-aligned virtual address of the first heap byte.
	Base uintptr

	// InitialSize is the amount of memory mapped by Init. It is rounded
	// up to a multiple of the page size.
	InitialSize mm.Size
}

// DefaultConfig returns the configuration used by the kernel.
func DefaultConfig() Config {
	return Config{Base: DefaultBase, InitialSize: DefaultInitialSize}
}

// PageMapper maps and unmaps the pages that back the heap. It is implemented
// by vmm.AddressSpace.
type PageMapper interface {
	Map(page mm.Page, frame mm.Frame, flags vmm.PageFlags) *kernel.Error
	Unmap(page mm.Page) (mm.Frame, *kernel.Error)
}

// Allocator is the kernel heap allocator. All methods are safe for
// concurrent use. The heap lock is acquired before the address space lock.
type Allocator struct {
	lock sync.Spinlock

	mapper PageMapper
	frames mm.FrameAllocator

	// start and end delimit the heap as [start, end).
	start, end uintptr

	initialized bool
}

// Init maps the initial heap pages and sets up a single free block that spans
// the whole heap.
func (alloc *Allocator) Init(cfg Config, mapper PageMapper, frames mm.FrameAllocator) *kernel.Error {
	alloc.lock.Acquire()
	defer alloc.lock.Release()

	if alloc.initialized {
		return ErrAlreadyInitialized
	}

	pages := cfg.InitialSize.Pages()
	if cfg.Base == 0 || cfg.Base&(mm.PageSize-1) != 0 || pages == 0 || pages > (^uintptr(0)-cfg.Base)/mm.PageSize {
		kfmt.Printf("[heap] invalid heap configuration: base 0x%x, size %d\n", cfg.Base, uint64(cfg.InitialSize))
		return ErrInvalidArgument
	}

	alloc.mapper, alloc.frames = mapper, frames
	if err := alloc.mapPages(cfg.Base, pages); err != nil {
		kfmt.Printf("[heap] unable to map %d initial pages: %s\n", pages, err.Message)
		return err
	}

	alloc.start = cfg.Base
	alloc.end = cfg.Base + pages*mm.PageSize

	hdr := headerAt(alloc.start)
	hdr.size = alloc.end - alloc.start - headerSize
	hdr.next = 0
	hdr.free = true

	alloc.initialized = true
	kfmt.Printf("[heap] initialized at [0x%x - 0x%x]\n", alloc.start, alloc.end)
	return nil
}

// mapPages backs count pages starting at virtAddr with fresh frames. If any
// page cannot be mapped, the pages mapped so far are unmapped and their
// frames released.
func (alloc *Allocator) mapPages(virtAddr, count uintptr) *kernel.Error {
	page := mm.PageFromAddress(virtAddr)

	for index := uintptr(0); index < count; index++ {
		frame, err := alloc.frames.AllocFrame()
		if err == nil {
			if err = alloc.mapper.Map(page+mm.Page(index), frame, vmm.KernelFlags); err != nil {
				_ = alloc.frames.FreeFrame(frame)
			}
		}

		if err != nil {
			for ; index > 0; index-- {
				if frame, unmapErr := alloc.mapper.Unmap(page + mm.Page(index-1)); unmapErr == nil {
					_ = alloc.frames.FreeFrame(frame)
				}
			}
			return err
		}
	}

	return nil
}

// Alloc returns a zeroed block of at least size bytes whose address is a
// multiple of align, which must be a power of 2. Requests are rounded up to
// MinBlockSize and to a multiple of 16 bytes.
func (alloc *Allocator) Alloc(size, align uintptr) (uintptr, *kernel.Error) {
	if size == 0 || (align != 0 && !mm.IsPowerOfTwo(align)) {
		kfmt.Printf("[heap] rejected request for %d bytes (align %d)\n", size, align)
		return 0, ErrInvalidArgument
	}

	alloc.lock.Acquire()

	reqSize, reqAlign := size, align
	if size > alloc.end-alloc.start || align > alloc.end-alloc.start {
		alloc.lock.Release()
		kfmt.Printf("[heap] unable to allocate %d bytes (align %d): out of memory\n", reqSize, reqAlign)
		return 0, ErrOutOfMemory
	}

	if size < MinBlockSize {
		size = MinBlockSize
	}
	size = mm.AlignUp(size, blockAlign)
	if align < blockAlign {
		align = blockAlign
	}

	for cur := alloc.start; cur != 0 && alloc.initialized; cur = headerAt(cur).next {
		hdr := headerAt(cur)
		if !hdr.free {
			continue
		}

		// A misaligned payload is moved forward far enough for the gap
		// to become a free block of its own.
		payload := cur + headerSize
		pad := mm.AlignUp(payload, align) - payload
		for pad != 0 && pad < headerSize+MinBlockSize {
			pad += align
		}

		if hdr.size < pad || hdr.size-pad < size {
			continue
		}

		if pad != 0 {
			gapEnd := cur + pad
			block := headerAt(gapEnd)
			block.size = hdr.size - pad
			block.next = hdr.next
			block.free = true

			hdr.size = pad - headerSize
			hdr.next = gapEnd
			cur, hdr = gapEnd, block
		}

		if remainder := hdr.size - size; remainder >= headerSize+MinBlockSize {
			tailAddr := cur + headerSize + size
			tail := headerAt(tailAddr)
			tail.size = remainder - headerSize
			tail.next = hdr.next
			tail.free = true

			hdr.size = size
			hdr.next = tailAddr
		}

		hdr.free = false
		payload = cur + headerSize
		mm.Memset(payload, 0, hdr.size)

		alloc.lock.Release()
		return payload, nil
	}

	alloc.lock.Release()
	kfmt.Printf("[heap] unable to allocate %d bytes (align %d): out of memory\n", reqSize, reqAlign)
	return 0, ErrOutOfMemory
}

// Free releases a block returned by Alloc and merges every run of adjacent
// free blocks. Pointers that do not refer to an allocated block are rejected
// with ErrInvalidArgument.
func (alloc *Allocator) Free(ptr uintptr) *kernel.Error {
	alloc.lock.Acquire()
	defer alloc.lock.Release()

	if !alloc.initialized || ptr < alloc.start+headerSize || ptr >= alloc.end || ptr&(blockAlign-1) != 0 {
		kfmt.Printf("[heap] rejected free of 0x%x: outside of the heap\n", ptr)
		return ErrInvalidArgument
	}

	var hdr *blockHeader
	for cur := alloc.start; cur != 0; cur = headerAt(cur).next {
		if cur+headerSize == ptr {
			hdr = headerAt(cur)
			break
		}
		if cur >= ptr {
			break
		}
	}

	if hdr == nil || hdr.free {
		kfmt.Printf("[heap] rejected free of 0x%x: not an allocated block\n", ptr)
		return ErrInvalidArgument
	}

	hdr.free = true
	return alloc.coalesce()
}

// coalesce merges all runs of adjacent free blocks while verifying that the
// chain tiles the heap.
func (alloc *Allocator) coalesce() *kernel.Error {
	for cur := alloc.start; cur != 0; cur = headerAt(cur).next {
		hdr := headerAt(cur)

		for hdr.free && hdr.next != 0 && headerAt(hdr.next).free {
			if hdr.next != cur+headerSize+hdr.size {
				return alloc.corrupted("blocks are not contiguous", cur)
			}
			next := headerAt(hdr.next)
			hdr.size += headerSize + next.size
			hdr.next = next.next
		}

		if hdr.next != 0 && hdr.next != cur+headerSize+hdr.size {
			return alloc.corrupted("blocks are not contiguous", cur)
		}
		if hdr.next == 0 && cur+headerSize+hdr.size != alloc.end {
			return alloc.corrupted("last block does not end at the heap end", cur)
		}
	}

	return nil
}

// Expand maps pages additional pages right after the current heap end and
// adds them to the heap as a free block, merging it with a free last block.
func (alloc *Allocator) Expand(pages uintptr) *kernel.Error {
	alloc.lock.Acquire()
	defer alloc.lock.Release()

	if !alloc.initialized || pages == 0 || pages > (^uintptr(0)-alloc.end)/mm.PageSize {
		return ErrInvalidArgument
	}

	if err := alloc.mapPages(alloc.end, pages); err != nil {
		kfmt.Printf("[heap] unable to expand heap by %d pages: %s\n", pages, err.Message)
		return err
	}

	last := alloc.start
	for headerAt(last).next != 0 {
		last = headerAt(last).next
	}

	block := headerAt(alloc.end)
	block.size = pages*mm.PageSize - headerSize
	block.next = 0
	block.free = true

	headerAt(last).next = alloc.end
	alloc.end += pages * mm.PageSize

	kfmt.Printf("[heap] expanded by %d pages; heap end: 0x%x\n", pages, alloc.end)
	return alloc.coalesce()
}

// GrowthPages returns the number of pages that Expand must add for a
// subsequent Alloc(size, align) to succeed regardless of how the existing
// blocks are laid out. It returns 0 if no expansion can satisfy the request.
func GrowthPages(size, align uintptr) uintptr {
	if align < blockAlign {
		align = blockAlign
	}

	// payload, worst-case alignment gap and the header of the new block
	overhead := align + 2*headerSize + 2*MinBlockSize
	if size > ^uintptr(0)-overhead-mm.PageSize {
		return 0
	}

	return mm.Size(size + overhead).Pages()
}

// Bounds returns the heap range as [start, end).
func (alloc *Allocator) Bounds() (start, end uintptr) {
	alloc.lock.Acquire()
	defer alloc.lock.Release()

	return alloc.start, alloc.end
}

// BlockVisitor is invoked by VisitBlocks for each block in address order with
// the address of the block header and its payload size. It must return true
// to continue or false to abort the scan.
type BlockVisitor func(hdrAddr uintptr, size mm.Size, free bool) bool

// VisitBlocks invokes visitor for every block in the heap. The visitor runs
// with the heap lock held and must not call back into the allocator.
func (alloc *Allocator) VisitBlocks(visitor BlockVisitor) {
	alloc.lock.Acquire()
	defer alloc.lock.Release()

	if !alloc.initialized {
		return
	}

	for cur := alloc.start; cur != 0; cur = headerAt(cur).next {
		hdr := headerAt(cur)
		if !visitor(cur, mm.Size(hdr.size), hdr.free) {
			return
		}
	}
}

// Stats summarizes the heap usage.
type Stats struct {
	// Size is the heap length; Allocated + Free + Overhead == Size.
	Size mm.Size

	// Allocated is the number of payload bytes in allocated blocks.
	Allocated mm.Size

	// Free is the number of payload bytes in free blocks.
	Free mm.Size

	// Overhead is the number of bytes used by block headers.
	Overhead mm.Size

	Blocks      int
	FreeBlocks  int
	LargestFree mm.Size
}

// Stats returns the current heap usage.
func (alloc *Allocator) Stats() Stats {
	var stats Stats

	alloc.VisitBlocks(func(_ uintptr, size mm.Size, free bool) bool {
		stats.Blocks++
		stats.Overhead += mm.Size(headerSize)
		if free {
			stats.FreeBlocks++
			stats.Free += size
			if size > stats.LargestFree {
				stats.LargestFree = size
			}
		} else {
			stats.Allocated += size
		}
		return true
	})

	start, end := alloc.Bounds()
	stats.Size = mm.Size(end - start)
	return stats
}

// CheckIntegrity verifies that the blocks tile the heap, are aligned and that
// no two free blocks are adjacent. A violation is reported as a fatal error.
func (alloc *Allocator) CheckIntegrity() *kernel.Error {
	alloc.lock.Acquire()
	defer alloc.lock.Release()

	if !alloc.initialized {
		return nil
	}

	var (
		total    uintptr
		prevFree bool
	)
	for cur := alloc.start; cur != 0; cur = headerAt(cur).next {
		hdr := headerAt(cur)

		switch {
		case cur < alloc.start || cur >= alloc.end || cur&(blockAlign-1) != 0:
			return alloc.corrupted("block header outside of the heap", cur)
		case hdr.size < MinBlockSize || hdr.size&(blockAlign-1) != 0 || hdr.size > alloc.end-cur-headerSize:
			return alloc.corrupted("invalid block size", cur)
		case hdr.next != 0 && hdr.next != cur+headerSize+hdr.size:
			return alloc.corrupted("blocks are not contiguous", cur)
		case prevFree && hdr.free:
			return alloc.corrupted("adjacent free blocks were not merged", cur)
		}

		total += headerSize + hdr.size
		prevFree = hdr.free
	}

	if total != alloc.end-alloc.start {
		return alloc.corrupted("block sizes do not add up to the heap size", alloc.start)
	}

	return nil
}

func (alloc *Allocator) corrupted(reason string, addr uintptr) *kernel.Error {
	kfmt.Printf("[heap] %s (block at 0x%x)\n", reason, addr)
	panicFn(ErrCorruptHeap)
	return ErrCorruptHeap
}
