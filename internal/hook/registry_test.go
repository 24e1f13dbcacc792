package hook

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/tinyrange/svmhook/internal/hv"
)

func TestRegistryFind(t *testing.T) {
	b := NewBuilder()
	want := Descriptor{Name: "ZwQuerySystemInformation", Original: 0x1000, Shadow: 0x2000, Trampoline: 0xfffff800_00001000}
	if err := b.Add(want); err != nil {
		t.Fatalf("Add: %v", err)
	}
	r := b.Build()

	for _, pa := range []hv.PhysicalAddress{0x1000, 0x1abc, 0x1fff} {
		got, ok := r.Find(pa)
		if !ok {
			t.Fatalf("Find(%s) missed", pa)
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Fatalf("Find(%s) mismatch (-want +got):\n%s", pa, diff)
		}
	}

	if _, ok := r.Find(0x2000); ok {
		t.Fatalf("Find matched the shadow page")
	}
	if _, ok := r.Find(0x3000); ok {
		t.Fatalf("Find matched an unrelated page")
	}
}

func TestBuilderValidation(t *testing.T) {
	tests := []struct {
		name string
		d    Descriptor
		err  error
	}{
		{"unaligned original", Descriptor{Name: "a", Original: 0x1001, Shadow: 0x2000}, ErrNotAligned},
		{"unaligned shadow", Descriptor{Name: "b", Original: 0x1000, Shadow: 0x2010}, ErrNotAligned},
		{"self shadow", Descriptor{Name: "c", Original: 0x1000, Shadow: 0x1000}, ErrSelfShadow},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := NewBuilder().Add(tt.d); !errors.Is(err, tt.err) {
				t.Fatalf("Add: got %v, want %v", err, tt.err)
			}
		})
	}

	b := NewBuilder()
	if err := b.Add(Descriptor{Name: "first", Original: 0x1000, Shadow: 0x2000}); err != nil {
		t.Fatalf("Add first: %v", err)
	}
	if err := b.Add(Descriptor{Name: "second", Original: 0x1000, Shadow: 0x3000}); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("Add duplicate: got %v, want ErrDuplicate", err)
	}
}

func TestRegistryOrdering(t *testing.T) {
	b := NewBuilder()
	for _, d := range []Descriptor{
		{Name: "c", Original: 0x9000, Shadow: 0xa000},
		{Name: "a", Original: 0x1000, Shadow: 0x2000},
		{Name: "b", Original: 0x5000, Shadow: 0x6000},
	} {
		if err := b.Add(d); err != nil {
			t.Fatalf("Add %s: %v", d.Name, err)
		}
	}
	r := b.Build()

	var names []string
	for _, d := range r.All() {
		names = append(names, d.Name)
	}
	if diff := cmp.Diff([]string{"a", "b", "c"}, names); diff != "" {
		t.Fatalf("order mismatch (-want +got):\n%s", diff)
	}
	if r.Len() != 3 {
		t.Fatalf("Len = %d, want 3", r.Len())
	}
}

func TestEmptyRegistry(t *testing.T) {
	var nilRegistry *Registry
	if _, ok := nilRegistry.Find(0x1000); ok {
		t.Fatalf("nil registry matched")
	}
	if Empty().Len() != 0 {
		t.Fatalf("Empty registry is not empty")
	}
}

func TestStaticInstaller(t *testing.T) {
	pool := NewRegionPool(hv.Region{Name: "shadow", Base: 0x8000_0000, Size: 2 * hv.PageSize})
	installer := &StaticInstaller{
		Symbols: map[string]hv.PhysicalAddress{
			"ZwQuerySystemInformation": 0x1234_5678,
			"MmIsAddressValid":         0x2000_0010,
		},
		Frames: pool,
	}

	r, err := InstallAll(installer, []Target{
		{Name: "ZwQuerySystemInformation", Trampoline: 0x100},
		{Name: "MmIsAddressValid", Trampoline: 0x200},
	})
	if err != nil {
		t.Fatalf("InstallAll: %v", err)
	}

	want := []Descriptor{
		{Name: "ZwQuerySystemInformation", Original: 0x1234_5000, Shadow: 0x8000_0000, Trampoline: 0x100},
		{Name: "MmIsAddressValid", Original: 0x2000_0000, Shadow: 0x8000_1000, Trampoline: 0x200},
	}
	if diff := cmp.Diff(want, r.All()); diff != "" {
		t.Fatalf("registry mismatch (-want +got):\n%s", diff)
	}

	// The pool is now empty.
	if _, err := installer.Install(Target{Name: "MmIsAddressValid"}); !errors.Is(err, ErrPoolExhausted) {
		t.Fatalf("Install with empty pool: got %v, want ErrPoolExhausted", err)
	}
}

func TestInstallAllUnresolved(t *testing.T) {
	installer := &StaticInstaller{
		Symbols: map[string]hv.PhysicalAddress{},
		Frames:  NewRegionPool(hv.Region{Name: "shadow", Base: 0x8000_0000, Size: hv.PageSize}),
	}
	r, err := InstallAll(installer, []Target{{Name: "NtCreateFile"}})
	if !errors.Is(err, ErrUnresolved) {
		t.Fatalf("InstallAll: got %v, want ErrUnresolved", err)
	}
	if r != nil {
		t.Fatalf("InstallAll returned a partial registry")
	}
}
