package heap

import (
	"eclipseos/kernel"
	"eclipseos/kernel/kfmt"
	"eclipseos/kernel/mm"
	"eclipseos/kernel/sync"
)

// maxSizeClasses is the maximum number of size classes supported by a
// SegregatedAllocator.
const maxSizeClasses = 16

var (
	// DefaultSizeClasses lists the block sizes used when no classes are
	// supplied to SegregatedAllocator.Init.
	DefaultSizeClasses = []uintptr{8, 16, 32, 64, 128, 256, 512, 1024, 2048}

	errSegregatedInitialized = &kernel.Error{Module: "heap", Message: "size class allocator already initialized", Kind: kernel.KindAlreadyInitialized}
)

// Fallback is the allocator that provides class blocks to a
// SegregatedAllocator and serves requests no size class covers. It is
// implemented by Allocator.
type Fallback interface {
	Alloc(size, align uintptr) (uintptr, *kernel.Error)
	Free(ptr uintptr) *kernel.Error
}

// SegregatedAllocator keeps one free list per size class. Requests are
// rounded up to the smallest class that covers both their size and
// alignment; a block on the list of class K is exactly K bytes long and
// K-aligned. Freed class blocks are never merged or returned to the
// fallback allocator.
type SegregatedAllocator struct {
	lock sync.Spinlock

	fallback Fallback

	classes    [maxSizeClasses]uintptr
	heads      [maxSizeClasses]uintptr
	freeCount  [maxSizeClasses]uint32
	classCount int

	// fallbackCalls counts the Alloc calls forwarded to the fallback.
	fallbackCalls uint64

	initialized bool
}

// Init configures the allocator with the supplied size classes, which must be
// ascending powers of 2 no smaller than a pointer. A nil slice selects
// DefaultSizeClasses.
func (sa *SegregatedAllocator) Init(fallback Fallback, classes []uintptr) *kernel.Error {
	sa.lock.Acquire()
	defer sa.lock.Release()

	if sa.initialized {
		return errSegregatedInitialized
	}

	if classes == nil {
		classes = DefaultSizeClasses
	}

	if fallback == nil || len(classes) == 0 || len(classes) > maxSizeClasses {
		return ErrInvalidArgument
	}

	for index, class := range classes {
		if !mm.IsPowerOfTwo(class) || class < 1<<mm.PointerShift || (index > 0 && class <= classes[index-1]) {
			kfmt.Printf("[heap] invalid size class %d\n", class)
			return ErrInvalidArgument
		}
		sa.classes[index] = class
	}

	sa.classCount = len(classes)
	sa.fallback = fallback
	sa.initialized = true
	return nil
}

// classIndex returns the index of the smallest class that can hold a block
// of the supplied size and alignment or -1 if no class covers it.
func (sa *SegregatedAllocator) classIndex(size, align uintptr) int {
	if align > size {
		size = align
	}

	for index := 0; index < sa.classCount; index++ {
		if sa.classes[index] >= size {
			return index
		}
	}

	return -1
}

// Layout returns the size and alignment of the block that Alloc requests from
// the fallback allocator for the supplied request.
func (sa *SegregatedAllocator) Layout(size, align uintptr) (uintptr, uintptr) {
	if index := sa.classIndex(size, align); index >= 0 {
		return sa.classes[index], sa.classes[index]
	}
	return size, align
}

// Alloc returns a zeroed block of at least size bytes aligned to align.
func (sa *SegregatedAllocator) Alloc(size, align uintptr) (uintptr, *kernel.Error) {
	if !sa.initialized || size == 0 || (align != 0 && !mm.IsPowerOfTwo(align)) {
		return 0, ErrInvalidArgument
	}

	index := sa.classIndex(size, align)
	if index < 0 {
		return sa.fallbackAlloc(size, align)
	}

	class := sa.classes[index]

	sa.lock.Acquire()
	if block := sa.heads[index]; block != 0 {
		sa.heads[index] = *mm.Word(block)
		sa.freeCount[index]--
		sa.lock.Release()

		mm.Memset(block, 0, class)
		return block, nil
	}
	sa.lock.Release()

	// Class blocks are always requested at the class size so that any
	// block on a class list can satisfy any request mapped to it.
	return sa.fallbackAlloc(class, class)
}

func (sa *SegregatedAllocator) fallbackAlloc(size, align uintptr) (uintptr, *kernel.Error) {
	sa.lock.Acquire()
	sa.fallbackCalls++
	sa.lock.Release()

	return sa.fallback.Alloc(size, align)
}

// Free releases a block obtained by a call to Alloc with the same size and
// alignment.
func (sa *SegregatedAllocator) Free(ptr, size, align uintptr) *kernel.Error {
	if !sa.initialized || ptr == 0 || size == 0 {
		return ErrInvalidArgument
	}

	index := sa.classIndex(size, align)
	if index < 0 {
		return sa.fallback.Free(ptr)
	}

	if ptr&(sa.classes[index]-1) != 0 {
		kfmt.Printf("[heap] rejected free of 0x%x: not aligned to size class %d\n", ptr, sa.classes[index])
		return ErrInvalidArgument
	}

	sa.lock.Acquire()
	*mm.Word(ptr) = sa.heads[index]
	sa.heads[index] = ptr
	sa.freeCount[index]++
	sa.lock.Release()

	return nil
}

// FallbackCalls returns the number of Alloc calls forwarded to the fallback
// allocator.
func (sa *SegregatedAllocator) FallbackCalls() uint64 {
	sa.lock.Acquire()
	defer sa.lock.Release()

	return sa.fallbackCalls
}

// ClassVisitor is invoked by VisitClasses with a class size and the number
// of blocks on its free list. It must return true to continue or false to
// abort the scan.
type ClassVisitor func(class uintptr, freeBlocks int) bool

// VisitClasses invokes visitor for each size class in ascending order.
func (sa *SegregatedAllocator) VisitClasses(visitor ClassVisitor) {
	sa.lock.Acquire()
	defer sa.lock.Release()

	for index := 0; index < sa.classCount; index++ {
		if !visitor(sa.classes[index], int(sa.freeCount[index])) {
			return
		}
	}
}
