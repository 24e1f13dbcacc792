// Package npt builds and mutates the nested page table hierarchies that
// translate guest-physical addresses to host-physical frames.
//
// A Hierarchy is a four level tree (PML4, PDPT, PD, PT) mapping 4 KiB pages
// only. Intermediate levels are allocated on demand from an Allocator and
// are always fully permissive, so the effective access of a page is decided
// entirely by its leaf.
package npt

import (
	"errors"
	"fmt"

	"github.com/tinyrange/svmhook/internal/hv"
	"gvisor.dev/gvisor/pkg/sync"
)

var (
	ErrNotAligned = errors.New("npt: address not page-aligned")
	ErrNoAccess   = errors.New("npt: mapping requires at least one permission")
	ErrReleased   = errors.New("npt: hierarchy released")
)

// MissingLeafError is the panic value raised when a permission change
// targets a page that was never mapped. It indicates a broken identity
// mapping invariant, not a guest-triggerable condition.
type MissingLeafError struct {
	Hierarchy string
	GPA       hv.PhysicalAddress
}

func (e *MissingLeafError) Error() string {
	return fmt.Sprintf("npt: %s has no leaf for %s", e.Hierarchy, e.GPA)
}

// Hierarchy is one nested page table tree.
type Hierarchy struct {
	name  string
	alloc Allocator

	mu       sync.Mutex
	root     *PTEs
	rootPA   hv.PhysicalAddress
	leaves   int
	released bool
}

// New allocates the root table of a new, empty hierarchy.
func New(name string, alloc Allocator) (*Hierarchy, error) {
	root, pa, err := alloc.NewPTEs()
	if err != nil {
		return nil, fmt.Errorf("npt: allocate %s root: %w", name, err)
	}
	return &Hierarchy{
		name:   name,
		alloc:  alloc,
		root:   root,
		rootPA: pa,
	}, nil
}

func (h *Hierarchy) Name() string { return h.name }

// Root returns the physical address of the PML4, the value loaded into
// nCR3 to make this hierarchy active.
func (h *Hierarchy) Root() hv.PhysicalAddress { return h.rootPA }

// Map inserts or overwrites the leaf for gpa so that it points at hpa with
// the given access. Missing table levels are allocated; allocation failure
// wraps ErrOutOfFrames.
func (h *Hierarchy) Map(gpa, hpa hv.PhysicalAddress, at AccessType) error {
	if !gpa.IsPageAligned() || !hpa.IsPageAligned() {
		return fmt.Errorf("%w: map %s -> %s in %s", ErrNotAligned, gpa, hpa, h.name)
	}
	if !at.Any() {
		return fmt.Errorf("%w: map %s in %s", ErrNoAccess, gpa, h.name)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.released {
		return ErrReleased
	}

	table := h.root
	for level := 0; level < levels-1; level++ {
		entry := &table[index(gpa, level)]
		if !entry.Valid() {
			next, pa, err := h.alloc.NewPTEs()
			if err != nil {
				return fmt.Errorf("npt: allocate %s for %s in %s: %w", levelNames[level+1], gpa, h.name, err)
			}
			entry.setTable(pa)
			table = next
			continue
		}
		table = h.alloc.LookupPTEs(entry.Address())
	}

	leaf := &table[index(gpa, levels-1)]
	if !leaf.Valid() {
		h.leaves++
	}
	leaf.Set(hpa, at)

	return nil
}

// ChangePagePermission retargets the existing leaf for gpa to hpa with the
// given access. The page offset of gpa is ignored. It panics with a
// *MissingLeafError if gpa was never mapped.
func (h *Hierarchy) ChangePagePermission(gpa, hpa hv.PhysicalAddress, at AccessType) {
	h.mu.Lock()
	defer h.mu.Unlock()

	leaf := h.leafLocked(gpa)
	if leaf == nil || !leaf.Valid() {
		panic(&MissingLeafError{Hierarchy: h.name, GPA: gpa.AlignDown()})
	}
	if !at.Any() {
		panic(fmt.Sprintf("npt: permission change for %s in %s removes all access", gpa, h.name))
	}
	leaf.Set(hpa.AlignDown(), at)
}

// Lookup returns the frame and access the leaf for gpa currently holds.
func (h *Hierarchy) Lookup(gpa hv.PhysicalAddress) (hv.PhysicalAddress, AccessType, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	leaf := h.leafLocked(gpa)
	if leaf == nil || !leaf.Valid() {
		return 0, AccessType{}, false
	}
	return leaf.Address(), leaf.Access(), true
}

// leafLocked walks to the leaf entry for gpa without allocating. It returns
// nil if an intermediate level is absent.
func (h *Hierarchy) leafLocked(gpa hv.PhysicalAddress) *PTE {
	if h.released {
		return nil
	}
	table := h.root
	for level := 0; level < levels-1; level++ {
		entry := table[index(gpa, level)]
		if !entry.Valid() {
			return nil
		}
		table = h.alloc.LookupPTEs(entry.Address())
		if table == nil {
			panic(fmt.Sprintf("npt: %s entry for %s in %s points at unknown table %s",
				levelNames[level], gpa, h.name, entry.Address()))
		}
	}
	return &table[index(gpa, levels-1)]
}

// Leaves returns the number of valid leaf entries.
func (h *Hierarchy) Leaves() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.leaves
}

// Walk calls fn for every valid leaf in ascending guest-physical order.
// Returning false stops the walk. fn must not call back into h.
func (h *Hierarchy) Walk(fn func(gpa hv.PhysicalAddress, pte PTE) bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.released {
		return
	}
	h.walkLocked(h.root, 0, 0, fn)
}

func (h *Hierarchy) walkLocked(table *PTEs, level int, base uint64, fn func(hv.PhysicalAddress, PTE) bool) bool {
	for i, entry := range table {
		if !entry.Valid() {
			continue
		}
		gpa := base | uint64(i)<<levelShifts[level]
		if level == levels-1 {
			if !fn(hv.PhysicalAddress(gpa), entry) {
				return false
			}
			continue
		}
		if !h.walkLocked(h.alloc.LookupPTEs(entry.Address()), level+1, gpa, fn) {
			return false
		}
	}
	return true
}

// Release frees every table in the hierarchy. Subsequent calls are no-ops.
func (h *Hierarchy) Release() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.released {
		return
	}
	h.releaseLocked(h.root, 0)
	h.root = nil
	h.leaves = 0
	h.released = true
}

func (h *Hierarchy) releaseLocked(table *PTEs, level int) {
	if level < levels-1 {
		for _, entry := range table {
			if entry.Valid() {
				h.releaseLocked(h.alloc.LookupPTEs(entry.Address()), level+1)
			}
		}
	}
	h.alloc.FreePTEs(table)
}

func (h *Hierarchy) String() string {
	return fmt.Sprintf("%s@%s", h.name, h.rootPA)
}
