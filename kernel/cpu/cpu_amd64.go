// Package cpu exposes the privileged amd64 instructions used by the memory
// management code. All functions in this package fault when invoked from
// user-mode; other packages reach them through function variables that tests
// can override.
package cpu

// Halt stops instruction execution.
func Halt()

// FlushTLBEntry invalidates the local TLB entry (and any paging-structure
// cache entries) for a particular virtual address.
func FlushTLBEntry(virtAddr uintptr)

// SwitchPDT loads the physical address of a top-level page table into CR3
// and thereby flushes all non-global TLB entries.
func SwitchPDT(pdtPhysAddr uintptr)

// ActivePDT returns the physical address of the currently active top-level
// page table.
func ActivePDT() uintptr

// ReadCR2 returns the value stored in the CR2 register. After a page fault
// CR2 holds the faulting virtual address.
func ReadCR2() uint64
