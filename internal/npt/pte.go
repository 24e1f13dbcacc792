package npt

import (
	"fmt"

	"github.com/tinyrange/svmhook/internal/hv"
	"gvisor.dev/gvisor/pkg/hostarch"
)

// AccessType is the permission tag carried by a leaf entry.
type AccessType = hostarch.AccessType

var (
	// ReadWrite maps a frame readable and writable but not executable, so
	// any instruction fetch through it raises a nested page fault.
	ReadWrite = hostarch.ReadWrite

	// ReadWriteExecute maps a frame with full access.
	ReadWriteExecute = hostarch.AnyAccess
)

const (
	entriesPerTable = 512
	levels          = 4

	present  = 1 << 0
	writable = 1 << 1
	user     = 1 << 2
	accessed = 1 << 5
	dirty    = 1 << 6
	pageSize = 1 << 7
	noExec   = 1 << 63

	frameMask = uint64(0x000ffffffffff000)
)

// levelShifts gives the guest-physical address shift for each table level,
// PML4 first.
var levelShifts = [levels]uint{39, 30, 21, 12}

var levelNames = [levels]string{"PML4", "PDPT", "PD", "PT"}

// PTE is a single nested page table entry in hardware format. AMD nested
// paging walks these with user-mode semantics, so every valid entry carries
// the user bit.
type PTE uint64

// PTEs is one 4 KiB table.
type PTEs [entriesPerTable]PTE

func (p PTE) Valid() bool { return p&present != 0 }

// Address returns the frame the entry points at.
func (p PTE) Address() hv.PhysicalAddress {
	return hv.PhysicalAddress(uint64(p) & frameMask)
}

// Access decodes the permission tag of a valid entry.
func (p PTE) Access() AccessType {
	if !p.Valid() {
		return hostarch.NoAccess
	}
	return AccessType{
		Read:    true,
		Write:   p&writable != 0,
		Execute: p&noExec == 0,
	}
}

// Set points the entry at frame with the given access. An access type
// without any permission clears the entry.
func (p *PTE) Set(frame hv.PhysicalAddress, at AccessType) {
	if !at.Any() {
		p.Clear()
		return
	}
	v := (uint64(frame) & frameMask) | present | user | accessed
	if at.Write {
		v |= writable | dirty
	}
	if !at.Execute {
		v |= noExec
	}
	*p = PTE(v)
}

// setTable links the entry to a next-level table. Intermediate entries are
// always fully permissive; the leaf decides the effective access.
func (p *PTE) setTable(table hv.PhysicalAddress) {
	*p = PTE((uint64(table) & frameMask) | present | writable | user)
}

func (p *PTE) Clear() { *p = 0 }

func (p PTE) String() string {
	if !p.Valid() {
		return "absent"
	}
	return fmt.Sprintf("%s %s", p.Address(), p.Access())
}

// index returns the table index that gpa selects at level.
func index(gpa hv.PhysicalAddress, level int) int {
	return int((uint64(gpa) >> levelShifts[level]) & (entriesPerTable - 1))
}
