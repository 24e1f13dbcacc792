package hv

import (
	"fmt"

	"gvisor.dev/gvisor/pkg/hostarch"
)

const (
	// PageShift is the shift of a 4 KiB base page, the only granularity the
	// nested page tables map at.
	PageShift = hostarch.PageShift
	PageSize  = hostarch.PageSize
	PageMask  = PageSize - 1

	// MaxPhysAddrBits is the architectural limit on physical address width.
	MaxPhysAddrBits = 52
	pfnMask         = (uint64(1)<<MaxPhysAddrBits - 1) &^ PageMask
)

// PhysicalAddress is a host or guest physical address.
type PhysicalAddress uint64

// FromPA wraps a raw physical address.
func FromPA(pa uint64) PhysicalAddress {
	return PhysicalAddress(pa)
}

// FromPFN builds the address of the first byte of page frame pfn.
func FromPFN(pfn uint64) PhysicalAddress {
	return PhysicalAddress(pfn << PageShift)
}

// AlignDown returns the base of the 4 KiB page containing pa.
func (pa PhysicalAddress) AlignDown() PhysicalAddress {
	return PhysicalAddress(hostarch.Addr(pa).RoundDown())
}

func (pa PhysicalAddress) IsPageAligned() bool {
	return hostarch.Addr(pa).IsPageAligned()
}

// PFN returns the page frame number, truncated to the architectural width.
func (pa PhysicalAddress) PFN() uint64 {
	return (uint64(pa) & pfnMask) >> PageShift
}

func (pa PhysicalAddress) Uint64() uint64 { return uint64(pa) }

func (pa PhysicalAddress) String() string {
	return fmt.Sprintf("%#x", uint64(pa))
}
