package hv

import (
	"strings"
	"testing"
)

func TestPhysicalAddress(t *testing.T) {
	tests := []struct {
		pa      PhysicalAddress
		aligned PhysicalAddress
		pfn     uint64
	}{
		{0, 0, 0},
		{0x1000, 0x1000, 1},
		{0x1fff, 0x1000, 1},
		{0x1234_5678, 0x1234_5000, 0x12345},
		{0xfff0_0000_0000_1000, 0xfff0_0000_0000_1000, 1},
	}
	for _, tt := range tests {
		if got := tt.pa.AlignDown(); got != tt.aligned {
			t.Errorf("%s.AlignDown() = %s, want %s", tt.pa, got, tt.aligned)
		}
		if got := tt.pa.IsPageAligned(); got != (tt.pa == tt.aligned) {
			t.Errorf("%s.IsPageAligned() = %v", tt.pa, got)
		}
		if got := tt.pa.PFN(); got != tt.pfn {
			t.Errorf("%s.PFN() = %#x, want %#x", tt.pa, got, tt.pfn)
		}
	}

	if FromPFN(0x12345) != 0x1234_5000 {
		t.Errorf("FromPFN = %s", FromPFN(0x12345))
	}
	if FromPA(0x42).String() != "0x42" {
		t.Errorf("String = %q", FromPA(0x42).String())
	}
}

func TestParseRegister(t *testing.T) {
	for _, name := range []string{"rax", "RAX", " r15 ", "rflags", "Rip"} {
		reg, err := ParseRegister(name)
		if err != nil {
			t.Fatalf("ParseRegister(%q): %v", name, err)
		}
		if reg.String() != strings.ToLower(strings.TrimSpace(name)) {
			t.Fatalf("ParseRegister(%q) = %s", name, reg)
		}
	}
	if _, err := ParseRegister("invalid"); err == nil {
		t.Fatalf("ParseRegister accepted the invalid register")
	}
	if _, err := ParseRegister("xmm0"); err == nil {
		t.Fatalf("ParseRegister accepted xmm0")
	}
}
