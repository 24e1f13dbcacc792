//go:build amd64

package svm

import (
	"gvisor.dev/gvisor/pkg/cpuid"
)

// hostCPUID executes CPUID on the current processor. Implemented in
// cpuid_amd64.s.
func hostCPUID(leaf, subleaf uint32) (eax, ebx, ecx, edx uint32)

// FunctionCPUID answers queries from a cpuid.Function, which is either the
// host processor or a cpuid.Static table.
type FunctionCPUID struct {
	Fn cpuid.Function
}

// CPUID implements CPUIDSource.CPUID.
func (f FunctionCPUID) CPUID(leaf, subleaf uint32) CPUIDResult {
	out := f.Fn.Query(cpuid.In{Eax: leaf, Ecx: subleaf})
	return CPUIDResult{EAX: out.Eax, EBX: out.Ebx, ECX: out.Ecx, EDX: out.Edx}
}

// HostFunction is a cpuid.Function that returns every leaf exactly as the
// processor reports it. Unlike cpuid.Native it has no allowlist.
type HostFunction struct{}

// Query implements cpuid.Function.Query.
//
//go:nosplit
func (HostFunction) Query(in cpuid.In) cpuid.Out {
	eax, ebx, ecx, edx := hostCPUID(in.Eax, in.Ecx)
	return cpuid.Out{Eax: eax, Ebx: ebx, Ecx: ecx, Edx: edx}
}

// NativeCPUID executes CPUID on the host with no filtering.
func NativeCPUID() (CPUIDSource, error) {
	return FunctionCPUID{Fn: HostFunction{}}, nil
}
