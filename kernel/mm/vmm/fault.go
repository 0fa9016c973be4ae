package vmm

import (
	"eclipseos/kernel"
	"eclipseos/kernel/cpu"
	"eclipseos/kernel/kfmt"
	"eclipseos/kernel/mm"
)

var (
	// the following functions are mocked by tests and are automatically
	// inlined by the compiler.
	readCR2Fn = cpu.ReadCR2
	panicFn   = kfmt.Panic

	// ErrUnrecoverableFault is raised for every page fault since pages are
	// never populated on demand.
	ErrUnrecoverableFault = &kernel.Error{Module: "vmm", Message: "unrecoverable page fault", Kind: kernel.KindCorruption}
)

// FaultCode is the error code pushed by the CPU for a page fault.
type FaultCode uint64

// Page fault error code bits.
const (
	FaultProtection FaultCode = 1 << iota
	FaultWrite
	FaultUser
	FaultReservedBit
	FaultInstructionFetch
)

// Describe returns a short description of the access that caused the fault.
func (c FaultCode) Describe() string {
	switch {
	case c&FaultReservedBit != 0:
		return "page table has reserved bit set"
	case c&FaultInstructionFetch != 0 && c&FaultProtection != 0:
		return "instruction fetch from non-executable page"
	case c&FaultInstructionFetch != 0:
		return "instruction fetch from non-present page"
	case c&(FaultProtection|FaultWrite) == FaultProtection|FaultWrite:
		return "page protection violation (write)"
	case c&FaultProtection != 0:
		return "page protection violation (read)"
	case c&FaultWrite != 0:
		return "write to non-present page"
	default:
		return "read from non-present page"
	}
}

// Mode returns the privilege level of the faulting access.
func (c FaultCode) Mode() string {
	if c&FaultUser != 0 {
		return "user"
	}
	return "supervisor"
}

// PageFaultHandler is invoked by the interrupt dispatcher for page fault
// exceptions. The faulting address is read from the CR2 register.
func (as *AddressSpace) PageFaultHandler(errorCode uint64) {
	as.HandlePageFault(uintptr(readCR2Fn()), FaultCode(errorCode))
}

// HandlePageFault reports a page fault at faultAddress together with the
// state of the mapping for the faulting page and halts the system.
func (as *AddressSpace) HandlePageFault(faultAddress uintptr, code FaultCode) {
	kfmt.Printf("\nPage fault while accessing address: 0x%16x\nReason: %s (%s mode)\n", faultAddress, code.Describe(), code.Mode())

	// The fault may have interrupted a Map or Unmap call on this address
	// space; waiting for its lock would never return.
	if !as.lock.TryToAcquire() {
		kfmt.Printf("Mapping: unavailable (address space locked)\n")
	} else {
		if flags, err := as.flags(mm.PageFromAddress(faultAddress)); err != nil {
			kfmt.Printf("Mapping: none\n")
		} else {
			physAddr, _ := as.translate(faultAddress)
			kfmt.Printf("Mapping: 0x%x (writable: %t, user: %t, no-execute: %t)\n", physAddr, flags.Writable, flags.UserAccessible, flags.NoExecute)
		}
		as.lock.Release()
	}

	panicFn(ErrUnrecoverableFault)
}
