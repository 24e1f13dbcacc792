// Package svm is the VM-exit side of an AMD-V hypervisor that hides code
// hooks behind nested paging.
//
// Every logical processor runs its own VCPU. All of them share one pair of
// nested page table hierarchies (see SharedData). The nested page fault
// handler flips a processor between the two as execution enters and leaves a
// hooked page, so instruction fetch sees the shadow page while data accesses
// keep seeing the original bytes.
package svm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/tinyrange/svmhook/internal/hook"
	"github.com/tinyrange/svmhook/internal/hv"
	"github.com/tinyrange/svmhook/internal/npt"
	"golang.org/x/sync/errgroup"
	"gvisor.dev/gvisor/pkg/sync"
)

// Options configure a Hypervisor.
type Options struct {
	// Processors is the number of logical processors to virtualize. Zero
	// means every processor the calling thread may run on.
	Processors int

	// Allocator provides the frames for both hierarchies.
	Allocator npt.Allocator

	Hooks *hook.Registry

	// CPUID answers passthrough queries. Nil means the host processor.
	CPUID CPUIDSource

	// DevirtualizeLeaf overrides CPUIDDevirtualize when non-zero.
	DevirtualizeLeaf uint32

	Observer ExitObserver
}

// Hypervisor owns the shared state and every VCPU.
type Hypervisor struct {
	shared *SharedData
	vcpus  []*VCPU

	mu            sync.Mutex
	running       sync.WaitGroup
	cancel        context.CancelFunc
	devirtualized bool
}

func New(opts Options) (*Hypervisor, error) {
	if opts.Allocator == nil {
		return nil, fmt.Errorf("svm: no page table allocator")
	}

	processors := opts.Processors
	if processors == 0 {
		n, err := ProcessorCount()
		if err != nil {
			return nil, err
		}
		processors = n
	}
	if processors < 0 {
		return nil, fmt.Errorf("svm: invalid processor count %d", processors)
	}

	source := opts.CPUID
	if source == nil {
		native, err := NativeCPUID()
		if err != nil {
			return nil, fmt.Errorf("svm: cpuid passthrough: %w", err)
		}
		source = native
	}

	leaf := opts.DevirtualizeLeaf
	if leaf == 0 {
		leaf = CPUIDDevirtualize
	}

	shared, err := NewSharedData(opts.Allocator, opts.Hooks)
	if err != nil {
		return nil, err
	}

	h := &Hypervisor{shared: shared}
	for i := range processors {
		h.vcpus = append(h.vcpus, newVCPU(i, shared, source, leaf, opts.Observer))
	}

	slog.Info("svm: hypervisor created",
		"processors", processors,
		"hooks", shared.Hooks.Len(),
		"primary", shared.Primary.Root(),
		"secondary", shared.Secondary.Root(),
	)

	return h, nil
}

func (h *Hypervisor) Shared() *SharedData { return h.shared }

func (h *Hypervisor) VCPUs() []*VCPU { return h.vcpus }

func (h *Hypervisor) VCPU(id int) *VCPU { return h.vcpus[id] }

// Virtualize runs every VCPU that has a source concurrently until each one
// finishes. sources[i] feeds processor i; a nil or missing entry, or a
// processor that is no longer running, is skipped. A fatal error on any processor stops all of them and
// halts those still running.
func (h *Hypervisor) Virtualize(ctx context.Context, sources []ExitSource) error {
	if len(sources) > len(h.vcpus) {
		return fmt.Errorf("svm: %d exit sources for %d processors", len(sources), len(h.vcpus))
	}

	h.mu.Lock()
	if h.devirtualized {
		h.mu.Unlock()
		return hv.ErrDevirtualized
	}
	ctx, cancel := context.WithCancel(ctx)
	h.cancel = cancel
	h.running.Add(1)
	h.mu.Unlock()

	defer h.running.Done()
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	for i, source := range sources {
		if source == nil {
			continue
		}
		v := h.vcpus[i]
		if v.State() != StateRunning {
			continue
		}
		g.Go(func() error {
			return v.Run(gctx, source)
		})
	}

	if err := g.Wait(); err != nil {
		h.mu.Lock()
		stopped := h.devirtualized
		h.mu.Unlock()
		if stopped && errors.Is(err, context.Canceled) {
			return nil
		}
		for _, v := range h.vcpus {
			if v.state.CompareAndSwap(int64(StateRunning), int64(StateHalted)) {
				v.err = err
			}
		}
		return err
	}
	return nil
}

// Devirtualize stops every processor and frees the shared hierarchies.
// Calls after the first do nothing.
func (h *Hypervisor) Devirtualize() {
	h.mu.Lock()
	if h.devirtualized {
		h.mu.Unlock()
		return
	}
	h.devirtualized = true
	if h.cancel != nil {
		h.cancel()
	}
	h.mu.Unlock()

	h.running.Wait()

	for _, v := range h.vcpus {
		v.devirtualize()
	}
	h.shared.Release()
	slog.Info("svm: hypervisor devirtualized", "processors", len(h.vcpus))
}

var (
	activeMu sync.Mutex
	active   *Hypervisor
)

// Install makes h the process-wide hypervisor. Only one may be active at a
// time.
func Install(h *Hypervisor) error {
	activeMu.Lock()
	defer activeMu.Unlock()

	if active != nil {
		return hv.ErrAlreadyVirtualized
	}
	active = h
	return nil
}

// Active returns the installed hypervisor, or nil.
func Active() *Hypervisor {
	activeMu.Lock()
	defer activeMu.Unlock()

	return active
}

// Teardown devirtualizes and uninstalls the active hypervisor. It is a no-op
// when none is installed.
func Teardown() {
	activeMu.Lock()
	h := active
	active = nil
	activeMu.Unlock()

	if h != nil {
		h.Devirtualize()
	}
}
