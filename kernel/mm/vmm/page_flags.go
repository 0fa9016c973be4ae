package vmm

// PageFlags is the logical description of the access rights of a mapping. It
// is translated into entry bits when the mapping is written.
type PageFlags struct {
	Writable       bool
	UserAccessible bool
	WriteThrough   bool
	CacheDisable   bool
	NoExecute      bool
}

var (
	// KernelFlags describes kernel read-write data.
	KernelFlags = PageFlags{Writable: true, NoExecute: true}

	// KernelReadOnlyFlags describes kernel read-only data.
	KernelReadOnlyFlags = PageFlags{NoExecute: true}

	// KernelCodeFlags describes executable kernel code.
	KernelCodeFlags = PageFlags{}

	// UserFlags describes user-accessible read-write data.
	UserFlags = PageFlags{Writable: true, UserAccessible: true, NoExecute: true}

	// MMIOFlags describes uncached device memory.
	MMIOFlags = PageFlags{Writable: true, CacheDisable: true, WriteThrough: true, NoExecute: true}
)

// entryFlags converts the flags into leaf page table entry bits. The present
// bit is not included.
func (f PageFlags) entryFlags() PageTableEntryFlag {
	var flags PageTableEntryFlag

	if f.Writable {
		flags |= FlagRW
	}
	if f.UserAccessible {
		flags |= FlagUserAccessible
	}
	if f.WriteThrough {
		flags |= FlagWriteThroughCaching
	}
	if f.CacheDisable {
		flags |= FlagDoNotCache
	}
	if f.NoExecute {
		flags |= FlagNoExecute
	}

	return flags
}

// flagsFromEntry recovers the logical flags of a leaf entry.
func flagsFromEntry(pte pageTableEntry) PageFlags {
	return PageFlags{
		Writable:       pte.HasFlags(FlagRW),
		UserAccessible: pte.HasFlags(FlagUserAccessible),
		WriteThrough:   pte.HasFlags(FlagWriteThroughCaching),
		CacheDisable:   pte.HasFlags(FlagDoNotCache),
		NoExecute:      pte.HasFlags(FlagNoExecute),
	}
}
