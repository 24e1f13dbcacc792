package svm

import (
	"fmt"
	"log/slog"

	"github.com/tinyrange/svmhook/internal/hv"
	"github.com/tinyrange/svmhook/internal/npt"
)

// handleNPF resolves a nested page fault.
//
// A fault on a page that is not yet mapped builds the identity mapping in
// both hierarchies: executable in primary and non-executable in secondary.
// A fault on a present page is a permission violation, which only happens
// when execution crosses between a hooked page and the rest of memory. Entry
// into a hooked page switches to the secondary hierarchy with the original
// frame replaced by its shadow. Any other execute fault switches back to
// primary.
func handleNPF(v *VCPU) (ExitType, error) {
	control := &v.VMCB.ControlArea
	shared := v.shared

	pa := hv.PhysicalAddress(control.ExitInfo2).AlignDown()

	if !control.ExitInfo1.Contains(NPTPresent) {
		if err := identityMap(shared, pa); err != nil {
			return Continue, err
		}
		slog.Debug("svm: npf mapped", "vcpu", v.id, "gpa", pa)
		return Continue, nil
	}

	shared.transition.Lock()
	defer shared.transition.Unlock()

	if d, ok := shared.Hooks.Find(pa); ok {
		shared.Secondary.ChangePagePermission(d.Original, d.Shadow, npt.ReadWriteExecute)
		control.NCR3 = shared.Secondary.Root().Uint64()
		slog.Debug("svm: npf enter hook", "vcpu", v.id, "gpa", pa, "hook", d.Name)
	} else {
		if _, _, ok := shared.Primary.Lookup(pa); !ok {
			// A present fault reported under secondary for a page primary
			// never saw. Build the pair now so the switch back can proceed.
			if err := identityMap(shared, pa); err != nil {
				return Continue, err
			}
		}
		shared.Primary.ChangePagePermission(pa, pa, npt.ReadWriteExecute)
		control.NCR3 = shared.Primary.Root().Uint64()
		slog.Debug("svm: npf leave hook", "vcpu", v.id, "gpa", pa)
	}

	v.VMCB.requestNestedFlush()
	v.seenGeneration = shared.generation.Add(1)

	return Continue, nil
}

func identityMap(shared *SharedData, pa hv.PhysicalAddress) error {
	if err := shared.Secondary.Map(pa, pa, npt.ReadWrite); err != nil {
		return fmt.Errorf("svm: identity map %s: %w", pa, err)
	}
	// A failure here leaves secondary with a leaf primary lacks. The error
	// halts the processor and stops virtualization, so the pair is never used.
	if err := shared.Primary.Map(pa, pa, npt.ReadWriteExecute); err != nil {
		return fmt.Errorf("svm: identity map %s: %w", pa, err)
	}
	return nil
}
