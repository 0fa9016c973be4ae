package kmain

import (
	"eclipseos/kernel"
	"eclipseos/kernel/hal/multiboot"
	"eclipseos/kernel/kfmt"
	"eclipseos/kernel/mm"
	"eclipseos/kernel/mm/allocator"
)

var (
	errKmainReturned = &kernel.Error{Module: "kmain", Message: "Kmain returned", Kind: kernel.KindCorruption}

	// memory is the memory context shared by all kernel subsystems.
	memory allocator.Context
)

// Kmain is the only Go symbol that is visible (exported) from the rt0 initialization
// code. This function is invoked by the rt0 assembly code after setting up the GDT
// and setting up a a minimal g0 struct that allows Go code using the 4K stack
// allocated by the assembly code.
//
// The rt0 code passes the address of the multiboot info payload provided by the
// bootloader, the physical addresses for the kernel start/end and the virtual
// address at which the bootloader mapped all physical memory.
//
// Kmain is not expected to return. If it does, the rt0 code will halt the CPU.
//
//go:noinline
func Kmain(multibootInfoPtr, kernelStart, kernelEnd, physMapOffset uintptr) {
	multiboot.SetInfoPtr(multibootInfoPtr)
	mm.SetPhysMapOffset(physMapOffset)

	cfg := allocator.DefaultConfig()
	cfg.KernelStart, cfg.KernelEnd = kernelStart, kernelEnd
	cfg.InheritActiveMappings = true

	if err := memory.Init(cfg, multiboot.VisitMemRegions); err != nil {
		kfmt.Panic(err)
	}
	memory.KernelSpace.Activate()

	stats := memory.Stats()
	kfmt.Printf("[kmain] kernel address space active; heap: %dKb, page tables: %d\n", uint64(stats.Heap.Size/mm.Kb), stats.PageTables)

	// Use kfmt.Panic instead of panic to prevent the compiler from
	// treating kfmt.Panic as dead-code and eliminating it.
	kfmt.Panic(errKmainReturned)
}

// PageFault is invoked by the rt0 exception stubs with the error code pushed
// by the CPU for a page fault exception.
func PageFault(errorCode uint64) {
	memory.KernelSpace.PageFaultHandler(errorCode)
}
