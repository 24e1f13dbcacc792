package hook

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/tinyrange/svmhook/internal/hv"
	"gvisor.dev/gvisor/pkg/sync"
)

var (
	ErrUnresolved    = errors.New("hook: target not resolved")
	ErrPoolExhausted = errors.New("hook: shadow page pool exhausted")
)

// Target names a function to intercept.
type Target struct {
	Name string

	// Trampoline is the continue-original address produced when the
	// function's prologue was relocated.
	Trampoline uint64
}

// Installer turns a target into an installed hook. Building the shadow page
// bytes and the trampoline happens behind this interface.
type Installer interface {
	Install(target Target) (Descriptor, error)
}

// FramePool hands out host-physical frames for shadow pages.
type FramePool interface {
	AllocFrame() (hv.PhysicalAddress, error)
}

// RegionPool is a bump allocator over a reserved region.
type RegionPool struct {
	mu     sync.Mutex
	region hv.Region
	used   uint64
}

func NewRegionPool(region hv.Region) *RegionPool {
	return &RegionPool{region: region}
}

// AllocFrame implements FramePool.AllocFrame.
func (p *RegionPool) AllocFrame() (hv.PhysicalAddress, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.used >= p.region.Pages() {
		return 0, fmt.Errorf("%w: %s holds %d frames", ErrPoolExhausted, p.region.Name, p.region.Pages())
	}
	pa := p.region.Base + hv.PhysicalAddress(p.used<<hv.PageShift)
	p.used++
	return pa, nil
}

// StaticInstaller resolves targets against a fixed symbol table mapping
// function names to physical addresses.
type StaticInstaller struct {
	Symbols map[string]hv.PhysicalAddress
	Frames  FramePool
}

// Install implements Installer.Install.
func (s *StaticInstaller) Install(target Target) (Descriptor, error) {
	pa, ok := s.Symbols[target.Name]
	if !ok {
		return Descriptor{}, fmt.Errorf("%w: %s", ErrUnresolved, target.Name)
	}

	shadow, err := s.Frames.AllocFrame()
	if err != nil {
		return Descriptor{}, fmt.Errorf("hook: shadow page for %s: %w", target.Name, err)
	}

	return Descriptor{
		Name:       target.Name,
		Original:   pa.AlignDown(),
		Shadow:     shadow,
		Trampoline: target.Trampoline,
	}, nil
}

// InstallAll installs every target and freezes the result. Any failure
// aborts the whole set; a partial hook set is never returned.
func InstallAll(installer Installer, targets []Target) (*Registry, error) {
	b := NewBuilder()
	for _, target := range targets {
		d, err := installer.Install(target)
		if err != nil {
			return nil, fmt.Errorf("hook: install %s: %w", target.Name, err)
		}
		if err := b.Add(d); err != nil {
			return nil, err
		}
		slog.Debug("hook: installed", "name", d.Name, "original", d.Original, "shadow", d.Shadow)
	}
	return b.Build(), nil
}
