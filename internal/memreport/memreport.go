// Package memreport captures the state of a memory context and exports it as
// a JSON document or a PNG map for offline inspection.
package memreport

import (
	"eclipseos/kernel/mm"
	"eclipseos/kernel/mm/allocator"
)

// Region is a free physical memory range.
type Region struct {
	Addr uintptr
	Size mm.Size
}

// Block is a heap block as seen by the block chain walk.
type Block struct {
	Addr uintptr
	Size mm.Size
	Free bool
}

// Class is a size class of the segregated allocator.
type Class struct {
	Size       uintptr
	FreeBlocks int
}

// Snapshot is a point-in-time copy of the bookkeeping of a memory context.
type Snapshot struct {
	// PhysStart and PhysEnd delimit the physical memory covered by the
	// snapshot as [PhysStart, PhysEnd).
	PhysStart, PhysEnd uintptr

	// HeapStart and HeapEnd delimit the heap as [HeapStart, HeapEnd).
	HeapStart, HeapEnd uintptr

	Stats       allocator.Stats
	FreeRegions []Region
	HeapBlocks  []Block
	SizeClasses []Class
}

// Capture walks the free frame list, the heap chain and the size classes of
// ctx. The physical range is supplied by the caller since the free list only
// knows about free memory.
func Capture(ctx *allocator.Context, physStart, physEnd uintptr) *Snapshot {
	snap := &Snapshot{
		PhysStart: physStart,
		PhysEnd:   physEnd,
		Stats:     ctx.Stats(),
	}

	snap.HeapStart, snap.HeapEnd = ctx.Heap.Bounds()

	ctx.Frames.VisitFreeRegions(func(physAddr uintptr, size mm.Size) bool {
		snap.FreeRegions = append(snap.FreeRegions, Region{Addr: physAddr, Size: size})
		return true
	})

	ctx.Heap.VisitBlocks(func(addr uintptr, size mm.Size, free bool) bool {
		snap.HeapBlocks = append(snap.HeapBlocks, Block{Addr: addr, Size: size, Free: free})
		return true
	})

	ctx.VisitSizeClasses(func(class uintptr, freeBlocks int) bool {
		snap.SizeClasses = append(snap.SizeClasses, Class{Size: class, FreeBlocks: freeBlocks})
		return true
	})

	return snap
}
