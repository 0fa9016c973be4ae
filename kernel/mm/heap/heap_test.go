package heap

import (
	"bytes"
	"eclipseos/internal/hostmem"
	"eclipseos/kernel"
	"eclipseos/kernel/kfmt"
	"eclipseos/kernel/mm"
	"eclipseos/kernel/mm/pmm"
	"eclipseos/kernel/mm/vmm"
	"math/rand"
	"testing"
)

type testHeap struct {
	*Allocator

	space  *vmm.AddressSpace
	frames *pmm.Allocator
	window *hostmem.Region
}

// newTestEnv sets up the physical memory, address space and virtual window
// needed by a heap. The window is large enough for the heap to grow by
// spare pages.
func newTestEnv(t *testing.T, heapSize, physSize mm.Size, spare uintptr) *testHeap {
	t.Helper()

	arena, err := hostmem.NewArena(0x100000, physSize)
	if err != nil {
		t.Fatal(err)
	}
	arena.Install()

	window, err := hostmem.Map(heapSize + mm.Size(spare*mm.PageSize))
	if err != nil {
		t.Fatal(err)
	}

	t.Cleanup(func() {
		mm.SetPhysMapOffset(0)
		_ = window.Close()
		_ = arena.Close()
	})

	var (
		frames pmm.Allocator
		space  vmm.AddressSpace
	)
	if err := frames.Init(arena.MemoryMap().Visit); err != nil {
		t.Fatal(err)
	}
	if err := space.Init(&frames); err != nil {
		t.Fatal(err)
	}

	return &testHeap{Allocator: new(Allocator), space: &space, frames: &frames, window: window}
}

func setupHeap(t *testing.T, heapSize mm.Size, spare uintptr) *testHeap {
	t.Helper()

	h := newTestEnv(t, heapSize, heapSize+256*mm.Kb, spare)
	if err := h.Init(Config{Base: h.window.Addr(), InitialSize: heapSize}, h.space, h.frames); err != nil {
		t.Fatal(err)
	}
	return h
}

func (h *testHeap) mustCheck(t *testing.T) {
	t.Helper()

	if err := h.CheckIntegrity(); err != nil {
		t.Fatal(err)
	}

	stats := h.Stats()
	if got := stats.Allocated + stats.Free + stats.Overhead; got != stats.Size {
		t.Fatalf("expected block sizes to add up to the heap size %d; got %d", stats.Size, got)
	}
}

type block struct {
	addr uintptr
	size mm.Size
	free bool
}

func (h *testHeap) blocks() []block {
	var list []block
	h.VisitBlocks(func(addr uintptr, size mm.Size, free bool) bool {
		list = append(list, block{addr, size, free})
		return true
	})
	return list
}

func TestInit(t *testing.T) {
	h := setupHeap(t, 64*mm.Kb, 0)

	start, end := h.Bounds()
	if start != h.window.Addr() || end != start+64*1024 {
		t.Fatalf("expected heap bounds [0x%x - 0x%x); got [0x%x - 0x%x)", h.window.Addr(), h.window.Addr()+64*1024, start, end)
	}

	blocks := h.blocks()
	if len(blocks) != 1 || blocks[0].addr != start || blocks[0].size != mm.Size(64*1024-headerSize) || !blocks[0].free {
		t.Fatalf("expected a single free block spanning the heap; got %+v", blocks)
	}

	// every heap page is backed by a frame
	for addr := start; addr < end; addr += mm.PageSize {
		if _, err := h.space.Translate(addr); err != nil {
			t.Fatalf("expected heap page 0x%x to be mapped; got %v", addr, err)
		}
	}

	if err := h.Init(Config{Base: start, InitialSize: 64 * mm.Kb}, h.space, h.frames); err != ErrAlreadyInitialized {
		t.Fatalf("expected second Init call to fail with ErrAlreadyInitialized; got %v", err)
	}

	h.mustCheck(t)
}

func TestInitErrors(t *testing.T) {
	h := newTestEnv(t, 64*mm.Kb, 32*mm.Kb, 0)
	base := h.window.Addr()

	specs := []struct {
		cfg    Config
		expErr *kernel.Error
	}{
		{Config{Base: 0, InitialSize: mm.Kb}, ErrInvalidArgument},
		{Config{Base: base + 8, InitialSize: mm.Kb}, ErrInvalidArgument},
		{Config{Base: base, InitialSize: 0}, ErrInvalidArgument},
		{Config{Base: ^uintptr(0) &^ (mm.PageSize - 1), InitialSize: 2 * mm.Size(mm.PageSize)}, ErrInvalidArgument},
		// not enough physical memory for 16 pages
		{Config{Base: base, InitialSize: 64 * mm.Kb}, pmm.ErrOutOfMemory},
	}

	for specIndex, spec := range specs {
		var alloc Allocator
		if err := alloc.Init(spec.cfg, h.space, h.frames); err != spec.expErr {
			t.Errorf("[spec %d] expected error %v; got %v", specIndex, spec.expErr, err)
		}
	}

	// the failed Init released everything except the address space root
	if _, used, _ := h.frames.Stats(); used != mm.Size(mm.PageSize) {
		t.Fatalf("expected failed Init to release its frames; %d bytes in use", used)
	}

	if _, err := h.space.Translate(base); err != vmm.ErrNotMapped {
		t.Fatalf("expected failed Init to unmap its pages; got %v", err)
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Base != 0xffffa00000000000 || cfg.InitialSize != 4*mm.Mb {
		t.Fatalf("unexpected default config: %+v", cfg)
	}
}

func TestAllocFreeReusesAddress(t *testing.T) {
	h := setupHeap(t, DefaultInitialSize, 0)

	p, err := h.Alloc(64, 8)
	if err != nil {
		t.Fatal(err)
	}

	if err = h.Free(p); err != nil {
		t.Fatal(err)
	}

	got, err := h.Alloc(64, 8)
	if err != nil {
		t.Fatal(err)
	}

	if got != p {
		t.Fatalf("expected the second allocation to return 0x%x; got 0x%x", p, got)
	}

	h.mustCheck(t)
}

func TestAllocAlignment(t *testing.T) {
	h := setupHeap(t, 256*mm.Kb, 0)
	start, end := h.Bounds()

	sizes := []uintptr{1, 16, 24, 100, 5000}
	aligns := []uintptr{0, 1, 8, 16, 32, 64, 256, 4096}

	var live []uintptr
	for _, size := range sizes {
		for _, align := range aligns {
			ptr, err := h.Alloc(size, align)
			if err != nil {
				t.Fatalf("Alloc(%d, %d): unexpected error: %v", size, align, err)
			}

			if align != 0 && ptr&(align-1) != 0 {
				t.Errorf("Alloc(%d, %d): expected pointer 0x%x to be aligned", size, align, ptr)
			}

			if ptr <= start || ptr+size > end {
				t.Errorf("Alloc(%d, %d): expected pointer 0x%x to be inside the heap", size, align, ptr)
			}

			// the header always directly precedes the payload
			if hdr := headerAt(ptr - headerSize); hdr.free || hdr.size < size {
				t.Errorf("Alloc(%d, %d): unexpected header %+v", size, align, *hdr)
			}

			live = append(live, ptr)
			h.mustCheck(t)
		}
	}

	for _, ptr := range live {
		if err := h.Free(ptr); err != nil {
			t.Fatal(err)
		}
		h.mustCheck(t)
	}

	if blocks := h.blocks(); len(blocks) != 1 || !blocks[0].free {
		t.Fatalf("expected all blocks to be merged after freeing everything; got %d blocks", len(blocks))
	}
}

func TestAllocSplitPolicy(t *testing.T) {
	h := setupHeap(t, mm.Size(mm.PageSize), 0)
	start, _ := h.Bounds()
	payload := mm.Size(mm.PageSize - headerSize)

	// remainder of 64 bytes can host a header and a minimal block
	ptr, err := h.Alloc(uintptr(payload)-64, 16)
	if err != nil {
		t.Fatal(err)
	}
	exp := []block{
		{start, payload - 64, false},
		{start + headerSize + uintptr(payload) - 64, 64 - mm.Size(headerSize), true},
	}
	if got := h.blocks(); len(got) != 2 || got[0] != exp[0] || got[1] != exp[1] {
		t.Fatalf("expected blocks %+v; got %+v", exp, got)
	}
	if err = h.Free(ptr); err != nil {
		t.Fatal(err)
	}

	// remainder of 32 bytes is too small; the whole block is handed out
	if _, err = h.Alloc(uintptr(payload)-32, 16); err != nil {
		t.Fatal(err)
	}
	if got := h.blocks(); len(got) != 1 || got[0].size != payload || got[0].free {
		t.Fatalf("expected a single allocated block of %d bytes; got %+v", payload, got)
	}

	if _, err = h.Alloc(1, 1); err != ErrOutOfMemory {
		t.Fatalf("expected ErrOutOfMemory; got %v", err)
	}

	h.mustCheck(t)
}

func TestAllocZeroesPayload(t *testing.T) {
	h := setupHeap(t, 64*mm.Kb, 0)

	ptr, err := h.Alloc(128, 16)
	if err != nil {
		t.Fatal(err)
	}
	mm.Memset(ptr, 0xAA, 128)

	if err = h.Free(ptr); err != nil {
		t.Fatal(err)
	}

	if ptr, err = h.Alloc(128, 16); err != nil {
		t.Fatal(err)
	}

	for offset := uintptr(0); offset < 128; offset++ {
		if got := *mm.Overlay[byte](ptr + offset); got != 0 {
			t.Fatalf("expected payload byte %d to be cleared; got %x", offset, got)
		}
	}
}

func TestAllocAndFreeErrors(t *testing.T) {
	h := setupHeap(t, 64*mm.Kb, 0)
	start, end := h.Bounds()

	allocSpecs := []struct {
		size, align uintptr
		expErr      *kernel.Error
	}{
		{0, 8, ErrInvalidArgument},
		{16, 3, ErrInvalidArgument},
		{16, 24, ErrInvalidArgument},
		{64 * 1024, 8, ErrOutOfMemory},
		{^uintptr(0), 8, ErrOutOfMemory},
		{16, 128 * 1024, ErrOutOfMemory},
	}
	for specIndex, spec := range allocSpecs {
		if _, err := h.Alloc(spec.size, spec.align); err != spec.expErr {
			t.Errorf("[spec %d] expected error %v; got %v", specIndex, spec.expErr, err)
		}
	}

	ptr, err := h.Alloc(64, 16)
	if err != nil {
		t.Fatal(err)
	}

	freeSpecs := []uintptr{0, start, end, ptr + 16, ptr + 1, ptr + 64 + headerSize}
	for specIndex, spec := range freeSpecs {
		if err := h.Free(spec); err != ErrInvalidArgument {
			t.Errorf("[spec %d] expected Free(0x%x) to fail with ErrInvalidArgument; got %v", specIndex, spec, err)
		}
	}

	if err = h.Free(ptr); err != nil {
		t.Fatal(err)
	}
	if err = h.Free(ptr); err != ErrInvalidArgument {
		t.Fatalf("expected double free to fail with ErrInvalidArgument; got %v", err)
	}

	var uninitialized Allocator
	if _, err = uninitialized.Alloc(16, 16); err != ErrOutOfMemory {
		t.Fatalf("expected Alloc on an uninitialized heap to fail with ErrOutOfMemory; got %v", err)
	}
	if err = uninitialized.Free(0x1000); err != ErrInvalidArgument {
		t.Fatalf("expected Free on an uninitialized heap to fail with ErrInvalidArgument; got %v", err)
	}

	h.mustCheck(t)
}

func TestAllocOutOfMemoryReportsRequestedSize(t *testing.T) {
	defer kfmt.SetOutputSink(nil)

	var buf bytes.Buffer
	kfmt.SetOutputSink(&buf)

	h := setupHeap(t, 64*mm.Kb, 0)

	specs := []struct {
		size, align uintptr
		expMsg      string
	}{
		// rounded up to 64 KiB internally, which no free block can hold
		{64*1024 - 8, 4, "[heap] unable to allocate 65528 bytes (align 4): out of memory"},
		{64*1024 + 1, 8, "[heap] unable to allocate 65537 bytes (align 8): out of memory"},
	}

	for specIndex, spec := range specs {
		buf.Reset()
		if _, err := h.Alloc(spec.size, spec.align); err != ErrOutOfMemory {
			t.Errorf("[spec %d] expected error ErrOutOfMemory; got %v", specIndex, err)
			continue
		}
		if !bytes.Contains(buf.Bytes(), []byte(spec.expMsg)) {
			t.Errorf("[spec %d] expected output to contain %q; got %q", specIndex, spec.expMsg, buf.String())
		}
	}

	h.mustCheck(t)
}

func TestFreeCoalesces(t *testing.T) {
	h := setupHeap(t, 64*mm.Kb, 0)

	var ptrs [4]uintptr
	for i := range ptrs {
		ptr, err := h.Alloc(256, 16)
		if err != nil {
			t.Fatal(err)
		}
		ptrs[i] = ptr
	}

	specs := []struct {
		index     int
		expBlocks int
	}{
		// a | b | c | d | free tail
		{0, 5},
		{2, 5},
		// a+b+c merge into one free block
		{1, 3},
		// everything merges with the tail
		{3, 1},
	}

	for specIndex, spec := range specs {
		if err := h.Free(ptrs[spec.index]); err != nil {
			t.Fatalf("[spec %d] unexpected error: %v", specIndex, err)
		}

		if got := len(h.blocks()); got != spec.expBlocks {
			t.Errorf("[spec %d] expected %d blocks; got %d", specIndex, spec.expBlocks, got)
		}
		h.mustCheck(t)
	}
}

func TestExpand(t *testing.T) {
	h := setupHeap(t, mm.Size(2*mm.PageSize), 4)
	start, end := h.Bounds()

	if _, err := h.Alloc(2*mm.PageSize, 16); err != ErrOutOfMemory {
		t.Fatalf("expected ErrOutOfMemory; got %v", err)
	}

	if err := h.Expand(0); err != ErrInvalidArgument {
		t.Fatalf("expected Expand(0) to fail with ErrInvalidArgument; got %v", err)
	}

	if err := h.Expand(2); err != nil {
		t.Fatal(err)
	}

	if _, newEnd := h.Bounds(); newEnd != end+2*mm.PageSize {
		t.Fatalf("expected heap end to move to 0x%x; got 0x%x", end+2*mm.PageSize, newEnd)
	}

	if blocks := h.blocks(); len(blocks) != 1 || blocks[0].size != mm.Size(4*mm.PageSize-headerSize) {
		t.Fatalf("expected the new pages to merge with the free block; got %+v", blocks)
	}

	ptr, err := h.Alloc(2*mm.PageSize, 16)
	if err != nil {
		t.Fatal(err)
	}

	for addr := start; addr < start+4*mm.PageSize; addr += mm.PageSize {
		if _, err := h.space.Translate(addr); err != nil {
			t.Fatalf("expected heap page 0x%x to be mapped; got %v", addr, err)
		}
	}

	// consume the remaining space so that the last block is allocated;
	// growing then appends a separate free block
	if _, err := h.Alloc(2*mm.PageSize-2*headerSize, 16); err != nil {
		t.Fatal(err)
	}
	if err := h.Expand(1); err != nil {
		t.Fatal(err)
	}
	blocks := h.blocks()
	if last := blocks[len(blocks)-1]; !last.free || last.size != mm.Size(mm.PageSize-headerSize) {
		t.Fatalf("expected a free block for the new page; got %+v", last)
	}

	if err := h.Free(ptr); err != nil {
		t.Fatal(err)
	}
	h.mustCheck(t)
}

func TestExpandOutOfMemory(t *testing.T) {
	h := newTestEnv(t, mm.Size(mm.PageSize), 8*mm.Kb, 8)
	if err := h.Init(Config{Base: h.window.Addr(), InitialSize: mm.Size(mm.PageSize)}, h.space, h.frames); err == nil {
		// 2 physical pages: the address space root and one heap page
		// leave nothing for intermediate tables
		t.Fatal("expected Init to fail")
	}

	h = setupHeap(t, mm.Size(mm.PageSize), 8)
	_, _, free := h.frames.Stats()

	if err := h.Expand(uintptr(free)/mm.PageSize + 1); err != pmm.ErrOutOfMemory {
		t.Fatalf("expected Expand to fail with pmm.ErrOutOfMemory; got %v", err)
	}

	if _, _, got := h.frames.Stats(); got != free {
		t.Fatalf("expected failed Expand to release its frames; free memory %d, was %d", got, free)
	}

	if err := h.Expand(1); err != nil {
		t.Fatal(err)
	}
	h.mustCheck(t)
}

func TestRandomAllocFree(t *testing.T) {
	h := setupHeap(t, 256*mm.Kb, 0)
	start, end := h.Bounds()

	var (
		rng  = rand.New(rand.NewSource(7))
		live = map[uintptr]uintptr{}
	)

	for step := 0; step < 3000; step++ {
		if len(live) == 0 || rng.Intn(5) < 3 {
			size := uintptr(rng.Intn(3000) + 1)
			align := uintptr(1) << uint(rng.Intn(9))

			ptr, err := h.Alloc(size, align)
			if err == ErrOutOfMemory {
				continue
			} else if err != nil {
				t.Fatalf("[step %d] unexpected error: %v", step, err)
			}

			if ptr&(align-1) != 0 || ptr < start || ptr+size > end {
				t.Fatalf("[step %d] invalid pointer 0x%x for Alloc(%d, %d)", step, ptr, size, align)
			}

			// payload ranges never overlap
			for other, otherSize := range live {
				if ptr < other+otherSize && other < ptr+size {
					t.Fatalf("[step %d] block 0x%x overlaps live block 0x%x", step, ptr, other)
				}
			}
			live[ptr] = size
		} else {
			for ptr := range live {
				if err := h.Free(ptr); err != nil {
					t.Fatalf("[step %d] unexpected error: %v", step, err)
				}
				delete(live, ptr)
				break
			}
		}

		h.mustCheck(t)
	}
}

func TestCheckIntegrityDetectsCorruption(t *testing.T) {
	defer func(origPanic func(interface{})) {
		panicFn = origPanic
	}(panicFn)

	var panicArg interface{}
	panicFn = func(e interface{}) { panicArg = e }

	specs := []func(first *blockHeader){
		func(first *blockHeader) { first.size++ },
		func(first *blockHeader) { first.next += 16 },
		func(first *blockHeader) { first.size = 8 },
		func(first *blockHeader) { headerAt(first.next).free = true; first.free = true },
	}

	for specIndex, corrupt := range specs {
		h := setupHeap(t, 64*mm.Kb, 0)
		start, _ := h.Bounds()
		if _, err := h.Alloc(64, 16); err != nil {
			t.Fatal(err)
		}
		if _, err := h.Alloc(64, 16); err != nil {
			t.Fatal(err)
		}

		panicArg = nil
		corrupt(headerAt(start))

		if err := h.CheckIntegrity(); err != ErrCorruptHeap {
			t.Errorf("[spec %d] expected ErrCorruptHeap; got %v", specIndex, err)
		}
		if panicArg != ErrCorruptHeap {
			t.Errorf("[spec %d] expected corruption to be escalated via panicFn", specIndex)
		}
	}
}

func TestGrowthPages(t *testing.T) {
	specs := []struct {
		size, align uintptr
		expPages    uintptr
	}{
		{16, 8, 1},
		{mm.PageSize - 128, 16, 1},
		{mm.PageSize, 16, 2},
		{100, 4096, 2},
		{^uintptr(0) - 16, 16, 0},
	}

	for specIndex, spec := range specs {
		if got := GrowthPages(spec.size, spec.align); got != spec.expPages {
			t.Errorf("[spec %d] expected %d pages; got %d", specIndex, spec.expPages, got)
		}
	}

	// expanding a full heap by GrowthPages always satisfies the request
	for _, align := range []uintptr{16, 256, 4096} {
		h := setupHeap(t, mm.Size(mm.PageSize), 8)
		if _, err := h.Alloc(mm.PageSize-headerSize, 16); err != nil {
			t.Fatal(err)
		}

		size := uintptr(3000)
		if err := h.Expand(GrowthPages(size, align)); err != nil {
			t.Fatal(err)
		}
		if _, err := h.Alloc(size, align); err != nil {
			t.Fatalf("expected Alloc(%d, %d) to succeed after growing the heap; got %v", size, align, err)
		}
	}
}
