package svm

import (
	"fmt"
	"log/slog"

	"github.com/tinyrange/svmhook/internal/hook"
	"github.com/tinyrange/svmhook/internal/hv"
	"github.com/tinyrange/svmhook/internal/npt"
	"gvisor.dev/gvisor/pkg/atomicbitops"
	"gvisor.dev/gvisor/pkg/cleanup"
	"gvisor.dev/gvisor/pkg/sync"
)

// SharedData is the state every virtualized processor sees: the two nested
// page table hierarchies and the hook registry.
//
// The primary hierarchy is the normal view of memory. The secondary one is
// active only while a processor executes inside a hooked page, where the
// original frame is replaced by its shadow for instruction fetch.
type SharedData struct {
	Primary   *npt.Hierarchy
	Secondary *npt.Hierarchy
	Hooks     *hook.Registry

	// transition serializes hierarchy switches across processors.
	transition sync.Mutex

	// generation counts hierarchy switches. A processor that observes a
	// change since it last resumed flushes its guest TLB.
	generation atomicbitops.Uint64
}

// NewSharedData builds both hierarchies from alloc and prepares every hook
// in hooks. Each original page is mapped identity, readable and writable but
// not executable, in both hierarchies so that the first instruction fetch
// from it traps into the nested page fault handler.
func NewSharedData(alloc npt.Allocator, hooks *hook.Registry) (*SharedData, error) {
	if hooks == nil {
		hooks = hook.Empty()
	}

	primary, err := npt.New("primary", alloc)
	if err != nil {
		return nil, fmt.Errorf("svm: create primary hierarchy: %w", err)
	}
	cu := cleanup.Make(primary.Release)
	defer cu.Clean()

	secondary, err := npt.New("secondary", alloc)
	if err != nil {
		return nil, fmt.Errorf("svm: create secondary hierarchy: %w", err)
	}
	cu.Add(secondary.Release)

	for _, d := range hooks.All() {
		if err := primary.Map(d.Original, d.Original, npt.ReadWrite); err != nil {
			return nil, fmt.Errorf("svm: prepare hook %s: %w", d.Name, err)
		}
		if err := secondary.Map(d.Original, d.Original, npt.ReadWrite); err != nil {
			return nil, fmt.Errorf("svm: prepare hook %s: %w", d.Name, err)
		}
		slog.Debug("svm: hook page prepared", "name", d.Name, "original", d.Original, "shadow", d.Shadow)
	}

	cu.Release()
	return &SharedData{
		Primary:   primary,
		Secondary: secondary,
		Hooks:     hooks,
	}, nil
}

// Generation returns the number of hierarchy switches so far.
func (s *SharedData) Generation() uint64 {
	return s.generation.Load()
}

// ActiveFor names the hierarchy whose root is root, or returns "" if neither.
func (s *SharedData) ActiveFor(root uint64) string {
	switch hv.PhysicalAddress(root) {
	case s.Primary.Root():
		return s.Primary.Name()
	case s.Secondary.Root():
		return s.Secondary.Name()
	default:
		return ""
	}
}

// Release frees both hierarchies.
func (s *SharedData) Release() {
	s.Secondary.Release()
	s.Primary.Release()
}
