package vmm

import "eclipseos/kernel/mm"

// pageTableWalker is a function that can be passed to the walk method. The
// function receives the current page level and page table entry as its
// arguments. If the function returns false, then the page walk is aborted.
type pageTableWalker func(pteLevel uint8, pte *pageTableEntry) bool

// PageTableIndices splits a virtual address into the entry index used at
// each paging level (top level first) and the offset inside the page.
func PageTableIndices(virtAddr uintptr) (indices [pageLevels]uintptr, offset uintptr) {
	for level := 0; level < pageLevels; level++ {
		indices[level] = (virtAddr >> pageLevelShifts[level]) & ((1 << pageLevelBits[level]) - 1)
	}

	return indices, virtAddr & pageOffsetMask
}

// walk performs a page table walk for the given virtual address starting at
// the table stored in root. It calls the supplied walkFn with the page table
// entry that corresponds to each page table level. If walkFn returns false
// the walk is aborted. The walker is responsible for only returning true for
// entries that point to a next-level table.
func walk(root mm.Frame, virtAddr uintptr, walkFn pageTableWalker) {
	indices, _ := PageTableIndices(virtAddr)

	table := tableAt(root)
	for level := uint8(0); level < pageLevels; level++ {
		pte := &table[indices[level]]
		if !walkFn(level, pte) || level == pageLevels-1 {
			return
		}

		table = tableAt(pte.Frame())
	}
}
