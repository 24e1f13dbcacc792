package svm

import (
	"fmt"

	"github.com/tinyrange/svmhook/internal/hv"
	"github.com/tinyrange/svmhook/internal/timeslice"
)

// ExitType tells the dispatcher how to resume after an exit was handled.
type ExitType int

const (
	// Continue resumes the guest at the same instruction.
	Continue ExitType = iota
	// IncrementRIP resumes the guest after the trapping instruction.
	IncrementRIP
	// ExitHypervisor stops virtualizing the processor.
	ExitHypervisor
)

func (t ExitType) String() string {
	switch t {
	case Continue:
		return "continue"
	case IncrementRIP:
		return "increment-rip"
	case ExitHypervisor:
		return "exit-hypervisor"
	default:
		return fmt.Sprintf("ExitType(%d)", int(t))
	}
}

// UnhandledExitError reports an exit code with no handler.
type UnhandledExitError struct {
	VCPU int
	Code ExitCode
}

func (e *UnhandledExitError) Error() string {
	return fmt.Sprintf("svm: vcpu %d: unhandled exit %s", e.VCPU, e.Code)
}

var (
	timesliceNPF     = timeslice.RegisterKind("npf", timeslice.SliceFlagHandler)
	timesliceCPUID   = timeslice.RegisterKind("cpuid", timeslice.SliceFlagHandler)
	timesliceVMMCALL = timeslice.RegisterKind("vmmcall", timeslice.SliceFlagHandler)
	timesliceGuest   = timeslice.RegisterKind("guest", timeslice.SliceFlagGuestTime)
	timesliceFatal   = timeslice.RegisterKind("fatal", timeslice.SliceFlagHandler|timeslice.SliceFlagFatal)
)

// Dispatch routes the exit currently loaded in v's VMCB to its handler.
func Dispatch(v *VCPU) (ExitType, error) {
	switch code := v.VMCB.ControlArea.ExitCode; code {
	case ExitNPF:
		defer v.recorder.Record(timesliceNPF)
		return handleNPF(v)
	case ExitCPUID:
		defer v.recorder.Record(timesliceCPUID)
		return handleCPUID(v)
	case ExitVMMCALL:
		defer v.recorder.Record(timesliceVMMCALL)
		return handleVMMCALL(v)
	default:
		v.recorder.Record(timesliceFatal)
		return Continue, &UnhandledExitError{VCPU: v.id, Code: code}
	}
}

// handleVMMCALL is a second devirtualization channel for guests that would
// rather not overload a CPUID leaf. The request is VMMCALL with RCX holding
// the devirtualize leaf; any other hypercall is skipped.
func handleVMMCALL(v *VCPU) (ExitType, error) {
	if v.Register(hv.RegisterAMD64Rcx) == uint64(v.devirtualizeLeaf) {
		return ExitHypervisor, nil
	}
	return IncrementRIP, nil
}
