package svm

import (
	"fmt"
	"strings"
)

// ExitCode is the VMCB EXITCODE field.
type ExitCode int64

const (
	ExitInvalid ExitCode = -1
	ExitCPUID   ExitCode = 0x72
	ExitVMMCALL ExitCode = 0x81
	ExitNPF     ExitCode = 0x400
)

func (c ExitCode) String() string {
	switch c {
	case ExitInvalid:
		return "invalid"
	case ExitCPUID:
		return "cpuid"
	case ExitVMMCALL:
		return "vmmcall"
	case ExitNPF:
		return "npf"
	default:
		return fmt.Sprintf("exit(%#x)", int64(c))
	}
}

// NPTExitInfo is EXITINFO1 of a nested page fault, laid out like a #PF
// error code.
type NPTExitInfo uint64

const (
	NPTPresent         NPTExitInfo = 1 << 0
	NPTReadWrite       NPTExitInfo = 1 << 1
	NPTUser            NPTExitInfo = 1 << 2
	NPTReserved        NPTExitInfo = 1 << 3
	NPTExecute         NPTExitInfo = 1 << 4
	NPTGuestPhysical   NPTExitInfo = 1 << 32
	NPTGuestPageTables NPTExitInfo = 1 << 33
)

func (i NPTExitInfo) Contains(bits NPTExitInfo) bool {
	return i&bits == bits
}

func (i NPTExitInfo) String() string {
	var parts []string
	for _, f := range []struct {
		bit  NPTExitInfo
		name string
	}{
		{NPTPresent, "present"},
		{NPTReadWrite, "write"},
		{NPTUser, "user"},
		{NPTReserved, "reserved"},
		{NPTExecute, "execute"},
		{NPTGuestPhysical, "final"},
		{NPTGuestPageTables, "walk"},
	} {
		if i&f.bit != 0 {
			parts = append(parts, f.name)
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// TLBControl is the VMCB TLB_CONTROL field.
type TLBControl uint8

const (
	TLBDoNothing           TLBControl = 0
	TLBFlushAll            TLBControl = 1
	TLBFlushGuest          TLBControl = 3
	TLBFlushGuestNonGlobal TLBControl = 7
)

// VMCBClean is the clean-bits field. A set bit tells the processor that the
// corresponding group of cached fields is unchanged since the last VMRUN.
type VMCBClean uint32

const (
	CleanIntercepts VMCBClean = 1 << iota
	CleanIOPM
	CleanASID
	CleanTPR
	CleanNP
	CleanCRx
	CleanDRx
	CleanDT
	CleanSeg
	CleanCR2
	CleanLBR
	CleanAVIC

	CleanAll = CleanIntercepts | CleanIOPM | CleanASID | CleanTPR | CleanNP |
		CleanCRx | CleanDRx | CleanDT | CleanSeg | CleanCR2 | CleanLBR | CleanAVIC
)

// ControlArea holds the subset of the VMCB control area the exit handlers
// consult and modify.
type ControlArea struct {
	ExitCode  ExitCode
	ExitInfo1 NPTExitInfo
	ExitInfo2 uint64

	// NCR3 is the root of the active nested page table hierarchy.
	NCR3 uint64

	TLBControl TLBControl
	VMCBClean  VMCBClean

	// NRIP is the address of the instruction following the one that
	// trapped, when the processor supports next-RIP saving.
	NRIP uint64

	GuestASID uint32
}

// StateSaveArea holds the guest state saved in the VMCB itself.
type StateSaveArea struct {
	RIP    uint64
	RSP    uint64
	RAX    uint64
	RFLAGS uint64
	CR3    uint64
}

// VMCB is the per-processor virtual machine control block.
type VMCB struct {
	ControlArea   ControlArea
	StateSaveArea StateSaveArea
}

// requestNestedFlush asks hardware to drop the guest's cached translations
// and reload nested paging state on the next VMRUN.
func (v *VMCB) requestNestedFlush() {
	v.ControlArea.TLBControl = TLBFlushGuest
	v.ControlArea.VMCBClean &^= CleanNP
}
