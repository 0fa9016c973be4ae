// Package allocator ties the physical memory manager, the kernel address
// space and the heap together into the single context object that the rest
// of the kernel allocates memory through.
package allocator

import (
	"eclipseos/kernel"
	"eclipseos/kernel/kfmt"
	"eclipseos/kernel/mm"
	"eclipseos/kernel/mm/heap"
	"eclipseos/kernel/mm/pmm"
	"eclipseos/kernel/mm/vmm"
)

const (
	// DefaultGrowPages is the minimum number of pages added to the heap
	// when an allocation does not fit.
	DefaultGrowPages = 16

	// kernelHalfFirstIndex is the first top-level table index of the
	// higher half of the address space.
	kernelHalfFirstIndex = 256
)

var (
	// activePageTableFn is used by tests to override the lookup of the
	// bootloader's page table.
	activePageTableFn = vmm.ActivePageTable

	errAlreadyInitialized = &kernel.Error{Module: "allocator", Message: "memory context already initialized", Kind: kernel.KindAlreadyInitialized}
)

// Config controls the setup of a Context.
type Config struct {
	// Heap describes the virtual range of the kernel heap.
	Heap heap.Config

	// SizeClasses overrides heap.DefaultSizeClasses.
	SizeClasses []uintptr

	// DisableSizeClasses routes all requests straight to the heap.
	DisableSizeClasses bool

	// GrowPages is the minimum number of pages added to the heap when an
	// allocation does not fit. Zero disables heap growth.
	GrowPages uintptr

	// KernelStart and KernelEnd delimit the physical memory occupied by
	// the kernel image. The range is removed from the free frame list.
	KernelStart, KernelEnd uintptr

	// InheritActiveMappings copies the higher half mappings of the page
	// table loaded by the bootloader into the kernel address space.
	InheritActiveMappings bool
}

// DefaultConfig returns the configuration used by the kernel.
func DefaultConfig() Config {
	return Config{
		Heap:      heap.DefaultConfig(),
		GrowPages: DefaultGrowPages,
	}
}

// Stats summarizes the memory usage of a Context.
type Stats struct {
	// Physical memory, in bytes.
	Total, Used, Free mm.Size

	// PageTables is the number of intermediate page tables owned by the
	// kernel address space.
	PageTables int

	// Heap describes the kernel heap blocks.
	Heap heap.Stats

	// FallbackCalls is the number of size class requests served by the
	// heap.
	FallbackCalls uint64
}

// Context owns every memory management structure of the kernel. A single
// Context is created at boot and shared by reference with all code that
// needs to allocate memory.
type Context struct {
	Frames      pmm.Allocator
	KernelSpace vmm.AddressSpace
	Heap        heap.Allocator

	classes   heap.SegregatedAllocator
	useClass  bool
	growPages uintptr

	initAttempted bool
	initialized   bool
}

// Init builds the free frame list from the supplied memory map, creates the
// kernel address space and maps the initial heap.
//
// Init may only be called once per Context. A failed Init leaves the
// Context partially built and every later call returns a
// KindAlreadyInitialized error; callers must start over with a new Context.
func (ctx *Context) Init(cfg Config, visitRegions pmm.RegionVisitor) *kernel.Error {
	if ctx.initAttempted {
		return errAlreadyInitialized
	}
	ctx.initAttempted = true

	if err := ctx.Frames.Init(visitRegions); err != nil {
		return err
	}

	if cfg.KernelEnd > cfg.KernelStart {
		if err := ctx.Frames.Reserve(cfg.KernelStart, mm.Size(cfg.KernelEnd-cfg.KernelStart)); err != nil {
			return err
		}
	}

	if err := ctx.KernelSpace.Init(&ctx.Frames); err != nil {
		return err
	}

	if cfg.InheritActiveMappings {
		if err := ctx.KernelSpace.InheritMappings(activePageTableFn(), kernelHalfFirstIndex); err != nil {
			return err
		}
	}

	if err := ctx.Heap.Init(cfg.Heap, &ctx.KernelSpace, &ctx.Frames); err != nil {
		return err
	}

	if !cfg.DisableSizeClasses {
		if err := ctx.classes.Init(&ctx.Heap, cfg.SizeClasses); err != nil {
			return err
		}
		ctx.useClass = true
	}

	ctx.growPages = cfg.GrowPages
	ctx.initialized = true

	total, _, free := ctx.Frames.Stats()
	kfmt.Printf("[allocator] ready; physical memory: %dKb total, %dKb free\n", uint64(total/mm.Kb), uint64(free/mm.Kb))
	return nil
}

// Allocate returns a zeroed block of at least size bytes aligned to align or
// 0 if the request cannot be satisfied. If the heap is exhausted it is grown
// once before giving up.
func (ctx *Context) Allocate(size, align uintptr) uintptr {
	if !ctx.initialized {
		return 0
	}

	ptr, err := ctx.alloc(size, align)
	if err == heap.ErrOutOfMemory && ctx.growPages != 0 {
		if ctx.grow(size, align) {
			ptr, err = ctx.alloc(size, align)
		}
	}

	if err != nil {
		kfmt.Printf("[allocator] unable to allocate %d bytes (align %d): %s\n", size, align, err.Message)
		return 0
	}

	return ptr
}

func (ctx *Context) alloc(size, align uintptr) (uintptr, *kernel.Error) {
	if ctx.useClass {
		return ctx.classes.Alloc(size, align)
	}
	return ctx.Heap.Alloc(size, align)
}

// grow expands the heap so that a request of the supplied size and
// alignment fits.
func (ctx *Context) grow(size, align uintptr) bool {
	if ctx.useClass {
		size, align = ctx.classes.Layout(size, align)
	}

	pages := heap.GrowthPages(size, align)
	if pages == 0 {
		return false
	}
	if pages < ctx.growPages {
		pages = ctx.growPages
	}

	return ctx.Heap.Expand(pages) == nil
}

// Deallocate releases a block returned by Allocate. The size and alignment
// must match the values passed to Allocate. Invalid pointers are logged and
// ignored.
func (ctx *Context) Deallocate(ptr, size, align uintptr) {
	if ptr == 0 || !ctx.initialized {
		return
	}

	var err *kernel.Error
	if ctx.useClass {
		err = ctx.classes.Free(ptr, size, align)
	} else {
		err = ctx.Heap.Free(ptr)
	}

	if err != nil {
		kfmt.Printf("[allocator] unable to release 0x%x (%d bytes): %s\n", ptr, size, err.Message)
	}
}

// Stats returns the current memory usage.
func (ctx *Context) Stats() Stats {
	var stats Stats

	stats.Total, stats.Used, stats.Free = ctx.Frames.Stats()
	stats.PageTables = ctx.KernelSpace.Tables()
	stats.Heap = ctx.Heap.Stats()
	if ctx.useClass {
		stats.FallbackCalls = ctx.classes.FallbackCalls()
	}

	return stats
}

// VisitSizeClasses invokes visitor for each size class of the allocator. It
// is a no-op when size classes are disabled.
func (ctx *Context) VisitSizeClasses(visitor heap.ClassVisitor) {
	if ctx.useClass {
		ctx.classes.VisitClasses(visitor)
	}
}
