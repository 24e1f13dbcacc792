package hv

import (
	"fmt"
	"sync"
)

// Region is a named, page-aligned span of host-physical memory.
type Region struct {
	Name string
	Base PhysicalAddress
	Size uint64
}

// End returns the first address after the region.
func (r Region) End() PhysicalAddress {
	return r.Base + PhysicalAddress(r.Size)
}

// Contains reports whether pa falls inside the region.
func (r Region) Contains(pa PhysicalAddress) bool {
	return pa >= r.Base && pa < r.End()
}

// Pages returns the number of 4 KiB frames in the region.
func (r Region) Pages() uint64 {
	return r.Size >> PageShift
}

// RegionRequest describes a region to carve out of an AddressSpace.
type RegionRequest struct {
	Name      string
	Size      uint64
	Alignment uint64
}

// AddressSpace hands out host-physical regions for hypervisor-owned frames
// (nested page tables, shadow pages). Allocations grow upwards from the base
// of the window and never overlap each other or any fixed region.
type AddressSpace struct {
	mu sync.Mutex

	base PhysicalAddress
	size uint64

	next PhysicalAddress

	allocations  []Region
	fixedRegions []Region
}

// NewAddressSpace creates an allocator over [base, base+size).
func NewAddressSpace(base PhysicalAddress, size uint64) *AddressSpace {
	return &AddressSpace{
		base: base,
		size: size,
		next: PhysicalAddress(alignUp(uint64(base), PageSize)),
	}
}

// Allocate carves a region with the requested size and alignment.
func (a *AddressSpace) Allocate(req RegionRequest) (Region, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if req.Size == 0 {
		return Region{}, fmt.Errorf("address_space: cannot allocate zero-size region for %s", req.Name)
	}

	alignment := req.Alignment
	if alignment == 0 {
		alignment = PageSize
	}
	if alignment&(alignment-1) != 0 {
		return Region{}, fmt.Errorf("address_space: alignment 0x%x is not a power of 2 for %s", alignment, req.Name)
	}

	size := alignUp(req.Size, PageSize)
	base := PhysicalAddress(alignUp(uint64(a.next), alignment))

	// Skip over any fixed region the candidate would overlap.
	for {
		moved := false
		for _, fixed := range a.fixedRegions {
			if overlaps(base, size, fixed) {
				base = PhysicalAddress(alignUp(uint64(fixed.End()), alignment))
				moved = true
			}
		}
		if !moved {
			break
		}
	}

	limit := a.base + PhysicalAddress(a.size)
	if base < a.base || uint64(base)+size > uint64(limit) || uint64(base)+size < uint64(base) {
		return Region{}, fmt.Errorf("address_space: region %s (0x%x bytes) does not fit in [%s-%s)",
			req.Name, size, a.base, limit)
	}

	region := Region{Name: req.Name, Base: base, Size: size}
	a.allocations = append(a.allocations, region)
	a.next = region.End()

	return region, nil
}

// RegisterFixed reserves a pre-determined region inside the window.
// Returns an error if it overlaps an existing allocation or fixed region.
func (a *AddressSpace) RegisterFixed(name string, base PhysicalAddress, size uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if size == 0 {
		return fmt.Errorf("address_space: cannot register zero-size fixed region %s", name)
	}
	if !base.IsPageAligned() || size&PageMask != 0 {
		return fmt.Errorf("address_space: fixed region %s [%s+0x%x) is not page aligned", name, base, size)
	}

	limit := a.base + PhysicalAddress(a.size)
	if base < a.base || uint64(base)+size > uint64(limit) {
		return fmt.Errorf("address_space: fixed region %s [%s-0x%x) outside window [%s-%s)",
			name, base, uint64(base)+size, a.base, limit)
	}

	for _, existing := range append(append([]Region{}, a.allocations...), a.fixedRegions...) {
		if overlaps(base, size, existing) {
			return fmt.Errorf("address_space: fixed region %s [%s-0x%x) overlaps %s [%s-%s)",
				name, base, uint64(base)+size, existing.Name, existing.Base, existing.End())
		}
	}

	a.fixedRegions = append(a.fixedRegions, Region{Name: name, Base: base, Size: size})
	return nil
}

// Allocations returns a copy of all dynamically allocated regions.
func (a *AddressSpace) Allocations() []Region {
	a.mu.Lock()
	defer a.mu.Unlock()

	result := make([]Region, len(a.allocations))
	copy(result, a.allocations)
	return result
}

// FixedRegions returns a copy of all fixed regions.
func (a *AddressSpace) FixedRegions() []Region {
	a.mu.Lock()
	defer a.mu.Unlock()

	result := make([]Region, len(a.fixedRegions))
	copy(result, a.fixedRegions)
	return result
}

func (a *AddressSpace) Base() PhysicalAddress { return a.base }
func (a *AddressSpace) Size() uint64          { return a.size }

func overlaps(base PhysicalAddress, size uint64, r Region) bool {
	end := uint64(base) + size
	return uint64(base) < uint64(r.End()) && end > uint64(r.Base)
}

// alignUp aligns value up to the specified alignment.
func alignUp(value, align uint64) uint64 {
	if align == 0 {
		return value
	}
	mask := align - 1
	return (value + mask) &^ mask
}
