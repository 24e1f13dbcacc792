//go:build unix

package npt

import (
	"fmt"
	"unsafe"

	"github.com/tinyrange/svmhook/internal/hv"
	"golang.org/x/sys/unix"
	"gvisor.dev/gvisor/pkg/sync"
)

// Arena hands out tables from one contiguous, page-aligned mapping that
// stands in for a reserved host-physical region. Frame i of the mapping has
// physical address region.Base + i*PageSize.
type Arena struct {
	region hv.Region
	memory []byte

	mu     sync.Mutex
	next   uint64
	free   []uint64
	inUse  int
	closed bool
}

// NewArena maps backing memory for every frame in region.
func NewArena(region hv.Region) (*Arena, error) {
	if !region.Base.IsPageAligned() || region.Size == 0 || region.Size&hv.PageMask != 0 {
		return nil, fmt.Errorf("npt: arena region %s [%s+0x%x) is not page aligned", region.Name, region.Base, region.Size)
	}

	mem, err := unix.Mmap(-1, 0, int(region.Size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("npt: mmap arena %s: %w", region.Name, err)
	}

	return &Arena{region: region, memory: mem}, nil
}

func (a *Arena) table(frame uint64) *PTEs {
	off := frame << hv.PageShift
	return (*PTEs)(unsafe.Pointer(&a.memory[off]))
}

// NewPTEs implements Allocator.NewPTEs.
func (a *Arena) NewPTEs() (*PTEs, hv.PhysicalAddress, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return nil, 0, fmt.Errorf("npt: arena %s is closed", a.region.Name)
	}

	var frame uint64
	if n := len(a.free); n > 0 {
		frame = a.free[n-1]
		a.free = a.free[:n-1]
	} else if a.next < a.region.Pages() {
		frame = a.next
		a.next++
	} else {
		return nil, 0, fmt.Errorf("%w: arena %s exhausted after %d frames", ErrOutOfFrames, a.region.Name, a.region.Pages())
	}

	ptes := a.table(frame)
	*ptes = PTEs{}
	a.inUse++

	return ptes, a.region.Base + hv.PhysicalAddress(frame<<hv.PageShift), nil
}

// LookupPTEs implements Allocator.LookupPTEs.
func (a *Arena) LookupPTEs(pa hv.PhysicalAddress) *PTEs {
	if !a.region.Contains(pa) || !pa.IsPageAligned() {
		return nil
	}
	return a.table(uint64(pa-a.region.Base) >> hv.PageShift)
}

// FreePTEs implements Allocator.FreePTEs.
func (a *Arena) FreePTEs(ptes *PTEs) {
	a.mu.Lock()
	defer a.mu.Unlock()

	base := uintptr(unsafe.Pointer(&a.memory[0]))
	off := uintptr(unsafe.Pointer(ptes)) - base
	if uintptr(unsafe.Pointer(ptes)) < base || off >= uintptr(len(a.memory)) {
		panic(fmt.Sprintf("npt: table %p does not belong to arena %s", ptes, a.region.Name))
	}

	a.free = append(a.free, uint64(off)>>hv.PageShift)
	a.inUse--
}

// InUse returns the number of live tables.
func (a *Arena) InUse() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.inUse
}

// Region returns the physical region backing the arena.
func (a *Arena) Region() hv.Region { return a.region }

// Close unmaps the arena. Tables handed out become invalid.
func (a *Arena) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return nil
	}
	a.closed = true
	if err := unix.Munmap(a.memory); err != nil {
		return fmt.Errorf("npt: munmap arena %s: %w", a.region.Name, err)
	}
	a.memory = nil
	return nil
}

var _ Allocator = (*Arena)(nil)
