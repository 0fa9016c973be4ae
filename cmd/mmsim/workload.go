package main

import (
	"math/rand"

	"eclipseos/internal/hostmem"
	"eclipseos/kernel/mm"
	"eclipseos/kernel/mm/allocator"
	"eclipseos/kernel/mm/vmm"

	"github.com/cockroachdb/errors"
)

// scratchBase is the start of the virtual range used by the workload to
// exercise the kernel address space directly.
const scratchBase = uintptr(0xffffc00000000000)

var alignments = []uintptr{8, 8, 8, 16, 16, 32, 64, 256, 4096}

type allocation struct {
	ptr, size, align uintptr
	pattern          byte
}

type mappedPage struct {
	page  mm.Page
	frame mm.Frame
}

type workloadStats struct {
	Allocs, Frees, Failed      int
	PagesMapped, PagesUnmapped int
}

// workload issues a random mix of heap and paging requests against a memory
// context and verifies its invariants after every step.
type workload struct {
	ctx    *allocator.Context
	window *hostmem.Region
	rng    *rand.Rand

	live     []allocation
	mapped   []mappedPage
	nextPage mm.Page

	stats workloadStats
}

// newWorkload returns a workload for ctx whose heap lives inside window.
func newWorkload(ctx *allocator.Context, window *hostmem.Region, seed int64) *workload {
	return &workload{
		ctx:      ctx,
		window:   window,
		rng:      rand.New(rand.NewSource(seed)),
		nextPage: mm.PageFromAddress(scratchBase),
	}
}

// Run executes ops random operations and then releases everything the
// workload still holds.
func (w *workload) Run(ops int) error {
	for op := 0; op < ops; op++ {
		if err := w.step(); err != nil {
			return errors.Wrapf(err, "operation %d", op)
		}
		if err := w.check(); err != nil {
			return errors.Wrapf(err, "after operation %d", op)
		}
	}

	for len(w.live) != 0 {
		if err := w.free(len(w.live) - 1); err != nil {
			return err
		}
	}
	for len(w.mapped) != 0 {
		if err := w.unmap(len(w.mapped) - 1); err != nil {
			return err
		}
	}
	return w.check()
}

func (w *workload) step() error {
	switch roll := w.rng.Intn(100); {
	case roll < 50 || (roll < 85 && len(w.live) == 0):
		return w.alloc()
	case roll < 85:
		return w.free(w.rng.Intn(len(w.live)))
	case roll < 95 || len(w.mapped) == 0:
		return w.mapPage()
	default:
		return w.unmap(w.rng.Intn(len(w.mapped)))
	}
}

func (w *workload) randomSize() uintptr {
	if w.rng.Intn(10) < 7 {
		return 1 + uintptr(w.rng.Intn(256))
	}
	return 1 + uintptr(w.rng.Intn(8192))
}

// byteAt returns the heap byte at addr, read through the host window.
func (w *workload) byteAt(addr uintptr) byte {
	return w.window.Bytes()[addr-w.window.Addr()]
}

// samples returns the offsets inside a block of the supplied size that are
// checked for the fill pattern.
func samples(size uintptr) [3]uintptr {
	return [3]uintptr{0, size / 2, size - 1}
}

func (w *workload) alloc() error {
	size, align := w.randomSize(), alignments[w.rng.Intn(len(alignments))]

	ptr := w.ctx.Allocate(size, align)
	if ptr == 0 {
		w.stats.Failed++
		return nil
	}

	start, end := w.ctx.Heap.Bounds()
	switch {
	case ptr%align != 0:
		return errors.Newf("allocation of %d bytes returned 0x%x which is not aligned to %d", size, ptr, align)
	case ptr <= start || ptr+size > end:
		return errors.Newf("allocation of %d bytes returned 0x%x outside of the heap [0x%x - 0x%x]", size, ptr, start, end)
	case !w.window.Contains(ptr, size):
		return errors.Newf("allocation of %d bytes returned 0x%x outside of the heap window", size, ptr)
	}

	for _, offset := range samples(size) {
		if v := w.byteAt(ptr + offset); v != 0 {
			return errors.Newf("allocation 0x%x is not zeroed at offset %d", ptr, offset)
		}
	}

	pattern := byte(1 + w.rng.Intn(255))
	mm.Memset(ptr, pattern, size)

	w.live = append(w.live, allocation{ptr: ptr, size: size, align: align, pattern: pattern})
	w.stats.Allocs++
	return nil
}

func (w *workload) free(index int) error {
	block := w.live[index]
	for _, offset := range samples(block.size) {
		if v := w.byteAt(block.ptr + offset); v != block.pattern {
			return errors.Newf("allocation 0x%x was overwritten at offset %d: expected 0x%x; got 0x%x", block.ptr, offset, block.pattern, v)
		}
	}

	w.ctx.Deallocate(block.ptr, block.size, block.align)

	w.live[index] = w.live[len(w.live)-1]
	w.live = w.live[:len(w.live)-1]
	w.stats.Frees++
	return nil
}

func (w *workload) mapPage() error {
	frame, err := w.ctx.Frames.AllocFrame()
	if err != nil {
		w.stats.Failed++
		return nil
	}

	if v := *mm.Word(mm.PhysToVirt(frame.Address())); v != 0 {
		return errors.Newf("frame 0x%x is not zeroed", frame.Address())
	}

	page := w.nextPage
	w.nextPage++

	if err := w.ctx.KernelSpace.Map(page, frame, vmm.KernelFlags); err != nil {
		_ = w.ctx.Frames.FreeFrame(frame)
		w.stats.Failed++
		return nil
	}

	offset := uintptr(w.rng.Intn(int(mm.PageSize)))
	if phys, err := w.ctx.KernelSpace.Translate(page.Address() + offset); err != nil || phys != frame.Address()+offset {
		return errors.Newf("page 0x%x translates to 0x%x (%s); expected 0x%x", page.Address()+offset, phys, errMessage(err), frame.Address()+offset)
	}

	w.mapped = append(w.mapped, mappedPage{page: page, frame: frame})
	w.stats.PagesMapped++
	return nil
}

func (w *workload) unmap(index int) error {
	entry := w.mapped[index]

	frame, err := w.ctx.KernelSpace.Unmap(entry.page)
	if err != nil {
		return kernelErr(err, "unmap 0x%x", entry.page.Address())
	}
	if frame != entry.frame {
		return errors.Newf("unmap 0x%x returned frame 0x%x; expected 0x%x", entry.page.Address(), frame.Address(), entry.frame.Address())
	}
	if _, err := w.ctx.KernelSpace.Translate(entry.page.Address()); err != vmm.ErrNotMapped {
		return errors.Newf("page 0x%x is still mapped after unmap", entry.page.Address())
	}
	if err := w.ctx.Frames.FreeFrame(frame); err != nil {
		return kernelErr(err, "free frame 0x%x", frame.Address())
	}

	w.mapped[index] = w.mapped[len(w.mapped)-1]
	w.mapped = w.mapped[:len(w.mapped)-1]
	w.stats.PagesUnmapped++
	return nil
}

func (w *workload) check() error {
	if err := w.ctx.Frames.CheckFreeList(); err != nil {
		return kernelErr(err, "physical free list")
	}
	if err := w.ctx.Heap.CheckIntegrity(); err != nil {
		return kernelErr(err, "heap")
	}

	stats := w.ctx.Stats()
	if stats.Used+stats.Free != stats.Total {
		return errors.Newf("physical memory does not add up: used %d + free %d != total %d", stats.Used, stats.Free, stats.Total)
	}
	if heapStats := stats.Heap; heapStats.Allocated+heapStats.Free+heapStats.Overhead != heapStats.Size {
		return errors.Newf("heap blocks do not add up to the heap size %d", heapStats.Size)
	}
	return nil
}
