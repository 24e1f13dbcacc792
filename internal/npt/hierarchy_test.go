package npt

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/tinyrange/svmhook/internal/hv"
)

type leaf struct {
	GPA    hv.PhysicalAddress
	Frame  hv.PhysicalAddress
	Access string
}

func leavesOf(h *Hierarchy) []leaf {
	var out []leaf
	h.Walk(func(gpa hv.PhysicalAddress, pte PTE) bool {
		out = append(out, leaf{GPA: gpa, Frame: pte.Address(), Access: pte.Access().String()})
		return true
	})
	return out
}

func newTestHierarchy(t *testing.T, limit int) (*Hierarchy, *RuntimeAllocator) {
	t.Helper()

	alloc := NewRuntimeAllocator(0x10000000, limit)
	h, err := New("test", alloc)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return h, alloc
}

func TestMapAndLookup(t *testing.T) {
	h, alloc := newTestHierarchy(t, 0)

	if err := h.Map(0x1000, 0x1000, ReadWrite); err != nil {
		t.Fatalf("Map: %v", err)
	}
	if err := h.Map(0x80_4020_3000, 0x5000, ReadWriteExecute); err != nil {
		t.Fatalf("Map high: %v", err)
	}

	frame, at, ok := h.Lookup(0x1000)
	if !ok || frame != 0x1000 || at != ReadWrite {
		t.Fatalf("Lookup(0x1000) = %s %v %v, want 0x1000 rw- true", frame, at, ok)
	}

	// Offsets within the page resolve to the same leaf.
	frame, at, ok = h.Lookup(0x80_4020_3abc)
	if !ok || frame != 0x5000 || at != ReadWriteExecute {
		t.Fatalf("Lookup(high) = %s %v %v, want 0x5000 rwx true", frame, at, ok)
	}

	if _, _, ok := h.Lookup(0x2000); ok {
		t.Fatalf("Lookup(0x2000) found a leaf that was never mapped")
	}

	if got := h.Leaves(); got != 2 {
		t.Fatalf("Leaves = %d, want 2", got)
	}

	// Root plus two separate PDPT/PD/PT chains.
	if got := alloc.InUse(); got != 7 {
		t.Fatalf("allocator InUse = %d, want 7", got)
	}
}

func TestMapOverwrite(t *testing.T) {
	h, alloc := newTestHierarchy(t, 0)

	if err := h.Map(0x3000, 0x3000, ReadWrite); err != nil {
		t.Fatalf("Map: %v", err)
	}
	before := alloc.InUse()

	if err := h.Map(0x3000, 0x9000, ReadWriteExecute); err != nil {
		t.Fatalf("Map overwrite: %v", err)
	}
	if alloc.InUse() != before {
		t.Fatalf("overwrite allocated tables: %d -> %d", before, alloc.InUse())
	}

	want := []leaf{{GPA: 0x3000, Frame: 0x9000, Access: ReadWriteExecute.String()}}
	if diff := cmp.Diff(want, leavesOf(h)); diff != "" {
		t.Fatalf("leaves mismatch (-want +got):\n%s", diff)
	}
}

func TestMapRejectsBadInput(t *testing.T) {
	h, _ := newTestHierarchy(t, 0)

	if err := h.Map(0x1001, 0x1000, ReadWrite); !errors.Is(err, ErrNotAligned) {
		t.Fatalf("unaligned gpa: got %v, want ErrNotAligned", err)
	}
	if err := h.Map(0x1000, 0x1800, ReadWrite); !errors.Is(err, ErrNotAligned) {
		t.Fatalf("unaligned hpa: got %v, want ErrNotAligned", err)
	}
	if err := h.Map(0x1000, 0x1000, AccessType{}); !errors.Is(err, ErrNoAccess) {
		t.Fatalf("no access: got %v, want ErrNoAccess", err)
	}
}

func TestChangePagePermission(t *testing.T) {
	h, _ := newTestHierarchy(t, 0)

	if err := h.Map(0x1000, 0x1000, ReadWrite); err != nil {
		t.Fatalf("Map: %v", err)
	}

	h.ChangePagePermission(0x1000, 0x2000, ReadWriteExecute)

	frame, at, ok := h.Lookup(0x1000)
	if !ok || frame != 0x2000 || at != ReadWriteExecute {
		t.Fatalf("after change: %s %v %v, want 0x2000 rwx", frame, at, ok)
	}
	if h.Leaves() != 1 {
		t.Fatalf("Leaves = %d, want 1", h.Leaves())
	}
}

func TestChangePagePermissionMissingLeafPanics(t *testing.T) {
	h, _ := newTestHierarchy(t, 0)

	defer func() {
		r := recover()
		missing, ok := r.(*MissingLeafError)
		if !ok {
			t.Fatalf("recovered %v, want *MissingLeafError", r)
		}
		if missing.GPA != 0x4000 || missing.Hierarchy != "test" {
			t.Fatalf("unexpected error: %v", missing)
		}
	}()

	h.ChangePagePermission(0x4000, 0x4000, ReadWriteExecute)
}

func TestMapExhaustion(t *testing.T) {
	// Root only: the first mapping needs three more tables.
	h, _ := newTestHierarchy(t, 3)

	err := h.Map(0x1000, 0x1000, ReadWrite)
	if !errors.Is(err, ErrOutOfFrames) {
		t.Fatalf("Map: got %v, want ErrOutOfFrames", err)
	}
	if _, _, ok := h.Lookup(0x1000); ok {
		t.Fatalf("failed Map left a leaf behind")
	}
}

func TestRelease(t *testing.T) {
	h, alloc := newTestHierarchy(t, 0)

	for _, gpa := range []hv.PhysicalAddress{0x1000, 0x200000, 0x40000000} {
		if err := h.Map(gpa, gpa, ReadWriteExecute); err != nil {
			t.Fatalf("Map %s: %v", gpa, err)
		}
	}

	h.Release()
	if got := alloc.InUse(); got != 0 {
		t.Fatalf("InUse after Release = %d, want 0", got)
	}

	// Idempotent.
	h.Release()

	if err := h.Map(0x1000, 0x1000, ReadWrite); !errors.Is(err, ErrReleased) {
		t.Fatalf("Map after Release: got %v, want ErrReleased", err)
	}
}

func TestIndependentHierarchies(t *testing.T) {
	alloc := NewRuntimeAllocator(0, 0)
	primary, err := New("primary", alloc)
	if err != nil {
		t.Fatalf("New primary: %v", err)
	}
	secondary, err := New("secondary", alloc)
	if err != nil {
		t.Fatalf("New secondary: %v", err)
	}
	if primary.Root() == secondary.Root() {
		t.Fatalf("hierarchies share root %s", primary.Root())
	}
	if primary.Root() == 0 {
		t.Fatalf("root allocated at frame zero")
	}

	if err := primary.Map(0x1000, 0x1000, ReadWriteExecute); err != nil {
		t.Fatalf("Map: %v", err)
	}
	if _, _, ok := secondary.Lookup(0x1000); ok {
		t.Fatalf("mapping leaked into the secondary hierarchy")
	}
}
