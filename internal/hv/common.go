package hv

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrHypervisorUnsupported = errors.New("hypervisor unsupported on this platform")
	ErrDevirtualized         = errors.New("processor devirtualized")
	ErrAlreadyVirtualized    = errors.New("hypervisor already active")
)

// Register names a guest general-purpose register as saved on VM-exit.
type Register uint64

const (
	RegisterInvalid Register = iota

	RegisterAMD64Rax
	RegisterAMD64Rbx
	RegisterAMD64Rcx
	RegisterAMD64Rdx
	RegisterAMD64Rsi
	RegisterAMD64Rdi
	RegisterAMD64Rsp
	RegisterAMD64Rbp
	RegisterAMD64R8
	RegisterAMD64R9
	RegisterAMD64R10
	RegisterAMD64R11
	RegisterAMD64R12
	RegisterAMD64R13
	RegisterAMD64R14
	RegisterAMD64R15
	RegisterAMD64Rip
	RegisterAMD64Rflags

	registerCount
)

var registerNames = [registerCount]string{
	RegisterInvalid:     "invalid",
	RegisterAMD64Rax:    "rax",
	RegisterAMD64Rbx:    "rbx",
	RegisterAMD64Rcx:    "rcx",
	RegisterAMD64Rdx:    "rdx",
	RegisterAMD64Rsi:    "rsi",
	RegisterAMD64Rdi:    "rdi",
	RegisterAMD64Rsp:    "rsp",
	RegisterAMD64Rbp:    "rbp",
	RegisterAMD64R8:     "r8",
	RegisterAMD64R9:     "r9",
	RegisterAMD64R10:    "r10",
	RegisterAMD64R11:    "r11",
	RegisterAMD64R12:    "r12",
	RegisterAMD64R13:    "r13",
	RegisterAMD64R14:    "r14",
	RegisterAMD64R15:    "r15",
	RegisterAMD64Rip:    "rip",
	RegisterAMD64Rflags: "rflags",
}

func (r Register) String() string {
	if r < registerCount {
		return registerNames[r]
	}
	return fmt.Sprintf("Register(%d)", uint64(r))
}

// ParseRegister resolves a lower or upper case register name such as "rax".
func ParseRegister(name string) (Register, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for i := RegisterAMD64Rax; i < registerCount; i++ {
		if registerNames[i] == name {
			return i, nil
		}
	}
	return RegisterInvalid, fmt.Errorf("hv: unknown register %q", name)
}
