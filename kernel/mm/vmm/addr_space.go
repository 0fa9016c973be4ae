// Package vmm manages x86-64 4-level page tables. An AddressSpace owns a
// top-level table and lazily creates the intermediate tables needed by its
// mappings, obtaining the backing frames from a frame allocator.
package vmm

import (
	"eclipseos/kernel"
	"eclipseos/kernel/cpu"
	"eclipseos/kernel/kfmt"
	"eclipseos/kernel/mm"
	"eclipseos/kernel/sync"
)

var (
	// the following functions are mocked by tests and are automatically
	// inlined by the compiler.
	flushTLBEntryFn = cpu.FlushTLBEntry
	switchPDTFn     = cpu.SwitchPDT
	activePDTFn     = cpu.ActivePDT

	// activeRoot is the top-level table most recently loaded via Activate.
	activeRoot = mm.InvalidFrame

	// ErrAlreadyMapped is returned when mapping a page that is backed by a
	// live mapping.
	ErrAlreadyMapped = &kernel.Error{Module: "vmm", Message: "virtual address is already mapped", Kind: kernel.KindAlreadyMapped}

	// ErrNotMapped is returned when trying to lookup or remove a virtual
	// memory address that is not yet mapped.
	ErrNotMapped = &kernel.Error{Module: "vmm", Message: "virtual address does not point to a mapped physical page", Kind: kernel.KindNotMapped}

	// ErrHugePage is returned when a map or unmap request targets a page
	// covered by a 2M or 1G mapping.
	ErrHugePage = &kernel.Error{Module: "vmm", Message: "virtual address is covered by a huge page mapping", Kind: kernel.KindInvalidArgument}

	// ErrAlreadyInitialized is returned by a second call to Init.
	ErrAlreadyInitialized = &kernel.Error{Module: "vmm", Message: "address space already initialized", Kind: kernel.KindAlreadyInitialized}

	// ErrInvalidArgument is returned for misaligned or empty ranges and
	// out-of-range table indices.
	ErrInvalidArgument = &kernel.Error{Module: "vmm", Message: "invalid argument", Kind: kernel.KindInvalidArgument}
)

// AddressSpace is a page table hierarchy rooted at a single top-level table.
// All methods are safe for concurrent use. The frame allocator lock is always
// acquired after the address space lock.
type AddressSpace struct {
	lock sync.Spinlock

	root   mm.Frame
	frames mm.FrameAllocator

	// tables counts the intermediate tables owned by this address space.
	tables uint32

	initialized bool
}

// Init allocates and clears the top-level table of the address space. The
// supplied allocator provides the frames for all tables created afterwards.
func (as *AddressSpace) Init(frames mm.FrameAllocator) *kernel.Error {
	as.lock.Acquire()
	defer as.lock.Release()

	if as.initialized {
		return ErrAlreadyInitialized
	}

	root, err := frames.AllocFrame()
	if err != nil {
		kfmt.Printf("[vmm] unable to allocate top-level page table: %s\n", err.Message)
		return err
	}

	mm.ZeroFrame(root)
	as.root = root
	as.frames = frames
	as.initialized = true
	return nil
}

// Root returns the frame that holds the top-level table.
func (as *AddressSpace) Root() mm.Frame {
	return as.root
}

// Tables returns the number of intermediate tables allocated by this address
// space that are currently in use.
func (as *AddressSpace) Tables() int {
	as.lock.Acquire()
	defer as.lock.Release()

	return int(as.tables)
}

// Activate loads the address space into the CPU and flushes the TLB.
func (as *AddressSpace) Activate() {
	as.lock.Acquire()
	defer as.lock.Release()

	switchPDTFn(as.root.Address())
	activeRoot = as.root
}

// IsActive returns true if this address space was the last one loaded via
// Activate.
func (as *AddressSpace) IsActive() bool {
	return as.initialized && activeRoot == as.root
}

// ActivePageTable returns the frame of the top-level table currently loaded
// in the CPU.
func ActivePageTable() mm.Frame {
	return mm.FrameFromAddress(activePDTFn())
}

// InheritMappings copies the present top-level entries with an index in
// [firstIndex, 512) from the table stored in src. The tables they reference
// are shared with src and are never freed by this address space.
func (as *AddressSpace) InheritMappings(src mm.Frame, firstIndex int) *kernel.Error {
	if firstIndex < 0 || firstIndex >= entriesPerTable {
		return ErrInvalidArgument
	}

	as.lock.Acquire()
	defer as.lock.Release()

	var (
		srcTable = tableAt(src)
		dstTable = tableAt(as.root)
		copied   int
	)

	for index := firstIndex; index < entriesPerTable; index++ {
		if !srcTable[index].HasFlags(FlagPresent) || dstTable[index].HasFlags(FlagPresent) {
			continue
		}

		dstTable[index] = srcTable[index]
		dstTable[index].ClearFlags(flagTableOwned)
		copied++
	}

	kfmt.Printf("[vmm] inherited %d top-level entries from table at 0x%x\n", copied, src.Address())
	return nil
}

// Map establishes a mapping between a virtual page and a physical memory
// frame, creating any missing intermediate tables. Mapping a page that is
// already mapped fails with ErrAlreadyMapped; use Remap to replace a live
// mapping.
func (as *AddressSpace) Map(page mm.Page, frame mm.Frame, flags PageFlags) *kernel.Error {
	as.lock.Acquire()
	defer as.lock.Release()

	pte, err := as.leafEntry(page.Address(), true, flags.UserAccessible)
	if err != nil {
		return err
	}

	if pte.HasFlags(FlagPresent) {
		return ErrAlreadyMapped
	}

	as.setLeaf(pte, page, frame, flags)
	return nil
}

// Remap maps page to frame replacing any existing mapping. It returns the
// frame that was previously mapped or mm.InvalidFrame.
func (as *AddressSpace) Remap(page mm.Page, frame mm.Frame, flags PageFlags) (mm.Frame, *kernel.Error) {
	as.lock.Acquire()
	defer as.lock.Release()

	pte, err := as.leafEntry(page.Address(), true, flags.UserAccessible)
	if err != nil {
		return mm.InvalidFrame, err
	}

	prevFrame := mm.InvalidFrame
	if pte.HasFlags(FlagPresent) {
		prevFrame = pte.Frame()
	}

	as.setLeaf(pte, page, frame, flags)
	return prevFrame, nil
}

func (as *AddressSpace) setLeaf(pte *pageTableEntry, page mm.Page, frame mm.Frame, flags PageFlags) {
	*pte = 0
	pte.SetFrame(frame)
	pte.SetFlags(FlagPresent | flags.entryFlags())
	as.flushTLBEntry(page.Address())
}

// Unmap removes the mapping for the supplied page and returns the frame it
// pointed to. The frame itself is not released; the caller decides whether
// it must be freed. Intermediate tables owned by the address space that
// become empty are returned to the frame allocator.
func (as *AddressSpace) Unmap(page mm.Page) (mm.Frame, *kernel.Error) {
	as.lock.Acquire()
	defer as.lock.Release()

	pte, err := as.leafEntry(page.Address(), false, false)
	if err != nil {
		return mm.InvalidFrame, err
	}

	if !pte.HasFlags(FlagPresent) {
		return mm.InvalidFrame, ErrNotMapped
	}

	frame := pte.Frame()
	*pte = 0
	as.reclaimTables(page.Address())
	as.flushTLBEntry(page.Address())

	return frame, nil
}

// Translate returns the physical address that corresponds to the supplied
// virtual address or ErrNotMapped if the address is not mapped.
func (as *AddressSpace) Translate(virtAddr uintptr) (uintptr, *kernel.Error) {
	as.lock.Acquire()
	defer as.lock.Release()

	return as.translate(virtAddr)
}

// translate implements Translate. The caller must hold the lock.
func (as *AddressSpace) translate(virtAddr uintptr) (uintptr, *kernel.Error) {
	var (
		physAddr uintptr
		err      = ErrNotMapped
	)

	walk(as.root, virtAddr, func(pteLevel uint8, pte *pageTableEntry) bool {
		if !pte.HasFlags(FlagPresent) {
			return false
		}

		if pteLevel == pageLevels-1 || (pteLevel > 0 && pte.HasFlags(FlagHugePage)) {
			pageMask := uintptr(1)<<pageLevelShifts[pteLevel] - 1
			physAddr = pte.Frame().Address()&^pageMask + virtAddr&pageMask
			err = nil
			return false
		}

		return true
	})

	return physAddr, err
}

// Flags returns the access flags of the mapping for the supplied page.
func (as *AddressSpace) Flags(page mm.Page) (PageFlags, *kernel.Error) {
	as.lock.Acquire()
	defer as.lock.Release()

	return as.flags(page)
}

// flags implements Flags. The caller must hold the lock.
func (as *AddressSpace) flags(page mm.Page) (PageFlags, *kernel.Error) {
	pte, err := as.leafEntry(page.Address(), false, false)
	if err != nil {
		return PageFlags{}, err
	}
	if !pte.HasFlags(FlagPresent) {
		return PageFlags{}, ErrNotMapped
	}

	return flagsFromEntry(*pte), nil
}

// MapRange maps size bytes of physical memory starting at physAddr to the
// virtual range starting at virtAddr. Both addresses must be page-aligned.
// If a page cannot be mapped, the pages mapped by this call are unmapped
// again before the error is returned.
func (as *AddressSpace) MapRange(virtAddr, physAddr uintptr, size mm.Size, flags PageFlags) *kernel.Error {
	if size == 0 || virtAddr&pageOffsetMask != 0 || physAddr&pageOffsetMask != 0 {
		return ErrInvalidArgument
	}

	var (
		page  = mm.PageFromAddress(virtAddr)
		frame = mm.FrameFromAddress(physAddr)
		count = size.Pages()
	)

	for index := uintptr(0); index < count; index++ {
		if err := as.Map(page+mm.Page(index), frame+mm.Frame(index), flags); err != nil {
			kfmt.Printf("[vmm] unable to map range [0x%x - 0x%x]: %s\n", virtAddr, virtAddr+uintptr(size), err.Message)
			for ; index > 0; index-- {
				_, _ = as.Unmap(page + mm.Page(index-1))
			}
			return err
		}
	}

	return nil
}

// IdentityMapRange maps size bytes starting at physAddr to the same virtual
// addresses.
func (as *AddressSpace) IdentityMapRange(physAddr uintptr, size mm.Size, flags PageFlags) *kernel.Error {
	return as.MapRange(physAddr, physAddr, size, flags)
}

// leafEntry walks the tables for virtAddr and returns a pointer to the leaf
// entry. If create is true, missing intermediate tables are allocated;
// otherwise a missing table yields ErrNotMapped. If a table allocation fails,
// the tables created by this call are released before returning.
func (as *AddressSpace) leafEntry(virtAddr uintptr, create, userAccessible bool) (*pageTableEntry, *kernel.Error) {
	if !as.initialized {
		return nil, ErrNotMapped
	}

	var (
		leaf *pageTableEntry
		err  *kernel.Error
	)

	walk(as.root, virtAddr, func(pteLevel uint8, pte *pageTableEntry) bool {
		if pteLevel == pageLevels-1 {
			leaf = pte
			return false
		}

		if pte.HasFlags(FlagPresent) {
			if pte.HasFlags(FlagHugePage) {
				err = ErrHugePage
				return false
			}

			if userAccessible && pte.HasFlags(flagTableOwned) {
				pte.SetFlags(FlagUserAccessible)
			}
			return true
		}

		if !create {
			err = ErrNotMapped
			return false
		}

		frame, allocErr := as.frames.AllocFrame()
		if allocErr != nil {
			kfmt.Printf("[vmm] unable to allocate level %d page table for 0x%x: %s\n", pteLevel+1, virtAddr, allocErr.Message)
			err = allocErr
			return false
		}

		mm.ZeroFrame(frame)
		*pte = 0
		pte.SetFrame(frame)
		pte.SetFlags(FlagPresent | FlagRW | flagTableOwned)
		if userAccessible {
			pte.SetFlags(FlagUserAccessible)
		}
		as.tables++
		return true
	})

	if err != nil && create {
		as.reclaimTables(virtAddr)
	}

	return leaf, err
}

// reclaimTables releases the owned intermediate tables on the path to
// virtAddr that no longer contain any present entries, deepest first. The
// walk stops at the first table that is still in use or that is reached
// through an entry the address space does not own.
func (as *AddressSpace) reclaimTables(virtAddr uintptr) {
	var (
		path       [pageLevels - 1]*pageTableEntry
		ownedDepth int
	)

	walk(as.root, virtAddr, func(pteLevel uint8, pte *pageTableEntry) bool {
		if pteLevel == pageLevels-1 || !pte.HasFlags(FlagPresent|flagTableOwned) || pte.HasFlags(FlagHugePage) {
			return false
		}

		path[pteLevel] = pte
		ownedDepth++
		return true
	})

	for level := ownedDepth - 1; level >= 0; level-- {
		pte := path[level]
		if !tableAt(pte.Frame()).empty() {
			return
		}

		frame := pte.Frame()
		*pte = 0
		as.tables--
		if err := as.frames.FreeFrame(frame); err != nil {
			kfmt.Printf("[vmm] unable to release page table at 0x%x: %s\n", frame.Address(), err.Message)
		}
	}
}

// flushTLBEntry invalidates the TLB entry for virtAddr if this address space
// is loaded in the CPU.
func (as *AddressSpace) flushTLBEntry(virtAddr uintptr) {
	if as.IsActive() {
		flushTLBEntryFn(virtAddr)
	}
}
