package npt

import (
	"errors"
	"fmt"

	"github.com/tinyrange/svmhook/internal/hv"
	"gvisor.dev/gvisor/pkg/sync"
)

// ErrOutOfFrames is returned when an allocator cannot supply another table.
// The hypervisor cannot continue without page tables, so callers treat it
// as fatal.
var ErrOutOfFrames = errors.New("npt: out of page table frames")

// Allocator supplies zeroed, page-aligned frames for table levels.
type Allocator interface {
	// NewPTEs returns a zeroed table and its host-physical address.
	NewPTEs() (*PTEs, hv.PhysicalAddress, error)

	// LookupPTEs returns the table previously allocated at the given
	// physical address.
	LookupPTEs(hv.PhysicalAddress) *PTEs

	// FreePTEs returns a table to the allocator.
	FreePTEs(*PTEs)
}

// RuntimeAllocator backs tables with Go heap memory. Physical addresses are
// synthesised from a counter starting at Base, so the tables can be walked
// like real frames without touching host memory management.
type RuntimeAllocator struct {
	// Base is the physical address of the first frame handed out.
	Base hv.PhysicalAddress

	// Limit caps the number of live tables. Zero means unlimited.
	Limit int

	mu     sync.Mutex
	next   hv.PhysicalAddress
	byAddr map[hv.PhysicalAddress]*PTEs
	byPTEs map[*PTEs]hv.PhysicalAddress
	free   []hv.PhysicalAddress
}

// NewRuntimeAllocator returns an allocator handing out frames from base.
func NewRuntimeAllocator(base hv.PhysicalAddress, limit int) *RuntimeAllocator {
	return &RuntimeAllocator{Base: base.AlignDown(), Limit: limit}
}

func (a *RuntimeAllocator) init() {
	if a.byAddr == nil {
		a.byAddr = make(map[hv.PhysicalAddress]*PTEs)
		a.byPTEs = make(map[*PTEs]hv.PhysicalAddress)
		a.next = a.Base.AlignDown()
		if a.next == 0 {
			// Keep frame zero unused so a zero root is never valid.
			a.next = hv.PageSize
		}
	}
}

// NewPTEs implements Allocator.NewPTEs.
func (a *RuntimeAllocator) NewPTEs() (*PTEs, hv.PhysicalAddress, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.init()

	if a.Limit > 0 && len(a.byAddr) >= a.Limit {
		return nil, 0, fmt.Errorf("%w (limit %d)", ErrOutOfFrames, a.Limit)
	}

	var pa hv.PhysicalAddress
	if n := len(a.free); n > 0 {
		pa = a.free[n-1]
		a.free = a.free[:n-1]
	} else {
		pa = a.next
		a.next += hv.PageSize
	}

	ptes := new(PTEs)
	a.byAddr[pa] = ptes
	a.byPTEs[ptes] = pa
	return ptes, pa, nil
}

// LookupPTEs implements Allocator.LookupPTEs.
func (a *RuntimeAllocator) LookupPTEs(pa hv.PhysicalAddress) *PTEs {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.byAddr[pa]
}

// FreePTEs implements Allocator.FreePTEs.
func (a *RuntimeAllocator) FreePTEs(ptes *PTEs) {
	a.mu.Lock()
	defer a.mu.Unlock()

	pa, ok := a.byPTEs[ptes]
	if !ok {
		panic(fmt.Sprintf("npt: freeing unknown table %p", ptes))
	}
	delete(a.byPTEs, ptes)
	delete(a.byAddr, pa)
	a.free = append(a.free, pa)
}

// InUse returns the number of live tables.
func (a *RuntimeAllocator) InUse() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.byAddr)
}

var _ Allocator = (*RuntimeAllocator)(nil)
