// Package hook holds the build-once registry of hooked code pages.
//
// Each Descriptor binds the physical page of an original function to the
// shadow page that replaces it for instruction fetch, together with the
// trampoline that resumes the original logic. The registry is assembled
// before any processor is virtualized and is read concurrently, without
// locking, from every nested page fault afterwards.
package hook

import (
	"errors"
	"fmt"
	"sort"

	"github.com/tinyrange/svmhook/internal/hv"
)

var (
	ErrDuplicate  = errors.New("hook: original page already hooked")
	ErrNotAligned = errors.New("hook: page address not aligned")
	ErrSelfShadow = errors.New("hook: shadow page equals original page")
)

// Descriptor describes one installed hook.
type Descriptor struct {
	Name string

	// Original is the page holding the hooked function.
	Original hv.PhysicalAddress

	// Shadow is the patched replacement for Original.
	Shadow hv.PhysicalAddress

	// Trampoline is where the replacement continues the original function.
	Trampoline uint64
}

func (d Descriptor) String() string {
	return fmt.Sprintf("%s: %s -> %s (trampoline %#x)", d.Name, d.Original, d.Shadow, d.Trampoline)
}

// Builder collects descriptors for a Registry.
type Builder struct {
	entries map[hv.PhysicalAddress]Descriptor
}

func NewBuilder() *Builder {
	return &Builder{entries: make(map[hv.PhysicalAddress]Descriptor)}
}

// Add validates d and queues it for the registry.
func (b *Builder) Add(d Descriptor) error {
	if !d.Original.IsPageAligned() || !d.Shadow.IsPageAligned() {
		return fmt.Errorf("%w: %s", ErrNotAligned, d)
	}
	if d.Original == d.Shadow {
		return fmt.Errorf("%w: %s", ErrSelfShadow, d)
	}
	if existing, ok := b.entries[d.Original]; ok {
		return fmt.Errorf("%w: %s conflicts with %s", ErrDuplicate, d.Name, existing.Name)
	}
	b.entries[d.Original] = d
	return nil
}

// Build freezes the collected descriptors. The builder must not be used
// afterwards.
func (b *Builder) Build() *Registry {
	r := &Registry{byPage: b.entries}
	for _, d := range b.entries {
		r.ordered = append(r.ordered, d)
	}
	sort.Slice(r.ordered, func(i, j int) bool {
		return r.ordered[i].Original < r.ordered[j].Original
	})
	b.entries = nil
	return r
}

// Registry is the immutable set of installed hooks, keyed by original page.
type Registry struct {
	byPage  map[hv.PhysicalAddress]Descriptor
	ordered []Descriptor
}

// Empty returns a registry without any hooks.
func Empty() *Registry {
	return NewBuilder().Build()
}

// Find returns the hook whose original page contains pa.
func (r *Registry) Find(pa hv.PhysicalAddress) (Descriptor, bool) {
	if r == nil {
		return Descriptor{}, false
	}
	d, ok := r.byPage[pa.AlignDown()]
	return d, ok
}

func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.ordered)
}

// All returns the descriptors ordered by original page.
func (r *Registry) All() []Descriptor {
	if r == nil {
		return nil
	}
	out := make([]Descriptor, len(r.ordered))
	copy(out, r.ordered)
	return out
}
