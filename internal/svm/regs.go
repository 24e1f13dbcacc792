package svm

import (
	"fmt"

	"github.com/tinyrange/svmhook/internal/hv"
)

// GuestRegisters are the general-purpose registers the host saves on
// VM-exit. RAX, RSP, RIP and RFLAGS live in the VMCB state save area instead
// and are reached through VCPU.Register.
type GuestRegisters struct {
	RBX uint64
	RCX uint64
	RDX uint64
	RSI uint64
	RDI uint64
	RBP uint64
	R8  uint64
	R9  uint64
	R10 uint64
	R11 uint64
	R12 uint64
	R13 uint64
	R14 uint64
	R15 uint64
}

func (r *GuestRegisters) slot(reg hv.Register) *uint64 {
	switch reg {
	case hv.RegisterAMD64Rbx:
		return &r.RBX
	case hv.RegisterAMD64Rcx:
		return &r.RCX
	case hv.RegisterAMD64Rdx:
		return &r.RDX
	case hv.RegisterAMD64Rsi:
		return &r.RSI
	case hv.RegisterAMD64Rdi:
		return &r.RDI
	case hv.RegisterAMD64Rbp:
		return &r.RBP
	case hv.RegisterAMD64R8:
		return &r.R8
	case hv.RegisterAMD64R9:
		return &r.R9
	case hv.RegisterAMD64R10:
		return &r.R10
	case hv.RegisterAMD64R11:
		return &r.R11
	case hv.RegisterAMD64R12:
		return &r.R12
	case hv.RegisterAMD64R13:
		return &r.R13
	case hv.RegisterAMD64R14:
		return &r.R14
	case hv.RegisterAMD64R15:
		return &r.R15
	default:
		return nil
	}
}

func (v *VCPU) registerSlot(reg hv.Register) *uint64 {
	save := &v.VMCB.StateSaveArea
	switch reg {
	case hv.RegisterAMD64Rax:
		return &save.RAX
	case hv.RegisterAMD64Rsp:
		return &save.RSP
	case hv.RegisterAMD64Rip:
		return &save.RIP
	case hv.RegisterAMD64Rflags:
		return &save.RFLAGS
	}
	if p := v.Regs.slot(reg); p != nil {
		return p
	}
	panic(fmt.Sprintf("svm: invalid register %s", reg))
}

// Register reads a guest register.
func (v *VCPU) Register(reg hv.Register) uint64 {
	return *v.registerSlot(reg)
}

// SetRegister writes a guest register.
func (v *VCPU) SetRegister(reg hv.Register, value uint64) {
	*v.registerSlot(reg) = value
}

// SetRegisters writes several guest registers at once.
func (v *VCPU) SetRegisters(regs map[hv.Register]uint64) {
	for reg, value := range regs {
		v.SetRegister(reg, value)
	}
}
