package main

import (
	"eclipseos/internal/hostmem"
	"eclipseos/kernel"
	"eclipseos/kernel/mm"
	"eclipseos/kernel/mm/allocator"
	"eclipseos/kernel/mm/heap"
	"eclipseos/kernel/mm/pmm"
	"eclipseos/kernel/mm/vmm"

	"github.com/cockroachdb/errors"
)

type scenario struct {
	name string
	run  func() error
}

var scenarios = []scenario{
	{"pmm init registers a single region", scenarioPMMInit},
	{"pmm split and re-merge", scenarioPMMSplitMerge},
	{"vmm map and translate", scenarioVMMMap},
	{"heap reuses a released block", scenarioHeapReuse},
	{"pmm rejects invalid requests", scenarioPMMErrors},
}

// kernelErr converts a kernel error into an error value. A nil *kernel.Error
// must not end up inside a non-nil error interface.
func kernelErr(err *kernel.Error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return errors.Wrapf(err, format, args...)
}

// errMessage returns a printable description of a possibly nil kernel error.
func errMessage(err *kernel.Error) string {
	if err == nil {
		return "no error"
	}
	return err.Message
}

// withArena installs a fresh arena for the duration of fn.
func withArena(physBase uintptr, size mm.Size, fn func(*hostmem.Arena) error) error {
	arena, err := hostmem.NewArena(physBase, size)
	if err != nil {
		return err
	}
	defer func() {
		mm.SetPhysMapOffset(0)
		_ = arena.Close()
	}()

	arena.Install()
	return fn(arena)
}

func scenarioPMMInit() error {
	return withArena(0x100000, 0x10000, func(arena *hostmem.Arena) error {
		var frames pmm.Allocator
		if err := frames.Init(arena.MemoryMap().Visit); err != nil {
			return kernelErr(err, "pmm init")
		}

		total, used, free := frames.Stats()
		if total != 0x10000 || free != 0x10000 || used != 0 {
			return errors.Newf("expected total=free=0x10000, used=0; got total=0x%x used=0x%x free=0x%x", total, used, free)
		}

		var pages uintptr
		frames.VisitFreeRegions(func(_ uintptr, size mm.Size) bool {
			pages += size.Pages()
			return true
		})
		if pages != 16 {
			return errors.Newf("expected 16 free pages; got %d", pages)
		}
		return nil
	})
}

func scenarioPMMSplitMerge() error {
	return withArena(0x100000, 0x10000, func(arena *hostmem.Arena) error {
		var frames pmm.Allocator
		if err := frames.Init(arena.MemoryMap().Visit); err != nil {
			return kernelErr(err, "pmm init")
		}

		steps := []struct {
			count, expAddr uintptr
			expHead        uintptr
			expHeadSize    mm.Size
		}{
			{3, 0x100000, 0x103000, 0x8000 + 0x5000},
			{5, 0x103000, 0x108000, 0x8000},
		}
		for _, step := range steps {
			addr, err := frames.AllocPages(step.count)
			if err != nil {
				return kernelErr(err, "alloc_pages(%d)", step.count)
			}
			if addr != step.expAddr {
				return errors.Newf("alloc_pages(%d): expected 0x%x; got 0x%x", step.count, step.expAddr, addr)
			}
			if head, size := firstFreeRegion(&frames); head != step.expHead || size != step.expHeadSize {
				return errors.Newf("alloc_pages(%d): expected free head [0x%x, %d bytes]; got [0x%x, %d bytes]", step.count, step.expHead, step.expHeadSize, head, size)
			}
		}

		if err := frames.FreePages(0x100000, 3); err != nil {
			return kernelErr(err, "free_pages(0x100000, 3)")
		}
		if err := frames.FreePages(0x103000, 5); err != nil {
			return kernelErr(err, "free_pages(0x103000, 5)")
		}

		if head, size := firstFreeRegion(&frames); head != 0x100000 || size != 0x10000 {
			return errors.Newf("expected a single 16 page free block at 0x100000; got [0x%x, %d bytes]", head, size)
		}
		return kernelErr(frames.CheckFreeList(), "free list check")
	})
}

func firstFreeRegion(frames *pmm.Allocator) (uintptr, mm.Size) {
	var (
		addr uintptr
		size mm.Size
	)
	frames.VisitFreeRegions(func(physAddr uintptr, regionSize mm.Size) bool {
		addr, size = physAddr, regionSize
		return false
	})
	return addr, size
}

func scenarioVMMMap() error {
	return withArena(0x100000, 0x10000, func(arena *hostmem.Arena) error {
		var (
			frames pmm.Allocator
			as     vmm.AddressSpace
		)
		if err := frames.Init(arena.MemoryMap().Visit); err != nil {
			return kernelErr(err, "pmm init")
		}
		if err := as.Init(&frames); err != nil {
			return kernelErr(err, "vmm init")
		}

		const virtAddr = uintptr(0xffff800000400000)
		page := mm.PageFromAddress(virtAddr)
		frame := mm.FrameFromAddress(0x200000)

		if err := as.Map(page, frame, vmm.KernelFlags); err != nil {
			return kernelErr(err, "map_page(0x%x)", virtAddr)
		}
		if phys, err := as.Translate(virtAddr + 0x123); err != nil || phys != 0x200123 {
			return errors.Newf("expected 0x%x to translate to 0x200123; got 0x%x (%s)", virtAddr+0x123, phys, errMessage(err))
		}
		if _, err := as.Translate(virtAddr + mm.PageSize); err != vmm.ErrNotMapped {
			return errors.Newf("expected unmapped page to report %q; got %s", vmm.ErrNotMapped.Message, errMessage(err))
		}
		if err := as.Map(page, frame, vmm.KernelFlags); err != vmm.ErrAlreadyMapped {
			return errors.Newf("expected second map to report %q; got %s", vmm.ErrAlreadyMapped.Message, errMessage(err))
		}

		if _, err := as.Unmap(page); err != nil {
			return kernelErr(err, "unmap_page(0x%x)", virtAddr)
		}
		if _, err := as.Translate(virtAddr); err != vmm.ErrNotMapped {
			return errors.Newf("expected unmapped page to report %q; got %s", vmm.ErrNotMapped.Message, errMessage(err))
		}
		if tables := as.Tables(); tables != 0 {
			return errors.Newf("expected empty page tables to be reclaimed; %d remain", tables)
		}
		return nil
	})
}

func scenarioHeapReuse() error {
	const heapSize = 4 * mm.Mb

	return withArena(0x100000, heapSize+mm.Mb, func(arena *hostmem.Arena) error {
		window, err := hostmem.Map(heapSize)
		if err != nil {
			return err
		}
		defer func() { _ = window.Close() }()

		cfg := allocator.DefaultConfig()
		cfg.Heap = heap.Config{Base: window.Addr(), InitialSize: heapSize}
		cfg.DisableSizeClasses = true

		var ctx allocator.Context
		if err := ctx.Init(cfg, arena.MemoryMap().Visit); err != nil {
			return kernelErr(err, "allocator init")
		}

		p := ctx.Allocate(64, 8)
		if p == 0 || p&7 != 0 {
			return errors.Newf("expected an 8-byte aligned pointer; got 0x%x", p)
		}
		ctx.Deallocate(p, 64, 8)

		if again := ctx.Allocate(64, 8); again != p {
			return errors.Newf("expected the released block 0x%x to be reused; got 0x%x", p, again)
		}
		return kernelErr(ctx.Heap.CheckIntegrity(), "heap integrity")
	})
}

func scenarioPMMErrors() error {
	return withArena(0x100000, 0x10000, func(arena *hostmem.Arena) error {
		var frames pmm.Allocator
		if err := frames.Init(arena.MemoryMap().Visit); err != nil {
			return kernelErr(err, "pmm init")
		}

		if _, err := frames.AllocPages(0); err != pmm.ErrInvalidArgument {
			return errors.Newf("alloc_pages(0): expected %q; got %s", pmm.ErrInvalidArgument.Message, errMessage(err))
		}

		_, _, before := frames.Stats()
		if _, err := frames.AllocPages(1 << 20); err != pmm.ErrOutOfMemory {
			return errors.Newf("alloc_pages(huge): expected %q; got %s", pmm.ErrOutOfMemory.Message, errMessage(err))
		}
		if _, _, after := frames.Stats(); after != before {
			return errors.Newf("expected free memory to remain %d after a failed allocation; got %d", before, after)
		}
		return nil
	})
}
