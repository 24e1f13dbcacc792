package svm

import (
	"log/slog"

	"github.com/tinyrange/svmhook/internal/hv"
)

// CPUIDDevirtualize is the CPUID leaf a cooperating guest executes to ask the
// hypervisor to stop virtualizing the calling processor.
const CPUIDDevirtualize uint32 = 0x43211234

// CPUIDResult is the output of one CPUID query.
type CPUIDResult struct {
	EAX uint32
	EBX uint32
	ECX uint32
	EDX uint32
}

// CPUIDSource answers CPUID queries on behalf of the guest.
type CPUIDSource interface {
	CPUID(leaf, subleaf uint32) CPUIDResult
}

// CPUIDFunc adapts a function to CPUIDSource.
type CPUIDFunc func(leaf, subleaf uint32) CPUIDResult

// CPUID implements CPUIDSource.CPUID.
func (f CPUIDFunc) CPUID(leaf, subleaf uint32) CPUIDResult {
	return f(leaf, subleaf)
}

func handleCPUID(v *VCPU) (ExitType, error) {
	leaf := uint32(v.Register(hv.RegisterAMD64Rax))
	subleaf := uint32(v.Register(hv.RegisterAMD64Rcx))

	if leaf == v.devirtualizeLeaf {
		slog.Debug("svm: cpuid devirtualize", "vcpu", v.id)
		return ExitHypervisor, nil
	}

	out := v.cpuid.CPUID(leaf, subleaf)
	v.SetRegister(hv.RegisterAMD64Rax, uint64(out.EAX))
	v.SetRegister(hv.RegisterAMD64Rbx, uint64(out.EBX))
	v.SetRegister(hv.RegisterAMD64Rcx, uint64(out.ECX))
	v.SetRegister(hv.RegisterAMD64Rdx, uint64(out.EDX))

	return IncrementRIP, nil
}
