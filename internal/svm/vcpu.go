package svm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/tinyrange/svmhook/internal/hv"
	"github.com/tinyrange/svmhook/internal/timeslice"
	"gvisor.dev/gvisor/pkg/atomicbitops"
)

var ErrHalted = errors.New("svm: processor halted")

// State is the lifecycle state of one virtualized processor.
type State int64

const (
	StateRunning State = iota
	StateDevirtualized
	StateHalted
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateDevirtualized:
		return "devirtualized"
	case StateHalted:
		return "halted"
	default:
		return fmt.Sprintf("State(%d)", int64(s))
	}
}

// Exit is one VM-exit as the processor reports it.
type Exit struct {
	Code  ExitCode
	Info1 NPTExitInfo
	Info2 uint64

	// NRIP is the next sequential instruction pointer, or zero when the
	// processor did not provide one.
	NRIP uint64

	// Length is the trapping instruction's length, used when NRIP is zero.
	Length uint64

	// Regs are guest register values current at the exit.
	Regs map[hv.Register]uint64
}

// ExitSource produces the exits of one processor in order. Next returns
// io.EOF when the processor has no further exits.
type ExitSource interface {
	Next(ctx context.Context) (Exit, error)
}

// ExitObserver is told about every handled exit.
type ExitObserver func(vcpu int, exit Exit, result ExitType)

// Stats counts the exits one processor handled.
type Stats struct {
	Exits    uint64
	NPF      uint64
	CPUID    uint64
	VMMCALL  uint64
	Flushes  uint64
	Switches uint64
}

// VCPU is the per-processor virtualization context.
type VCPU struct {
	id     int
	shared *SharedData
	cpuid  CPUIDSource

	devirtualizeLeaf uint32

	VMCB VMCB
	Regs GuestRegisters

	state atomicbitops.Int64
	err   error

	// seenGeneration is the shared generation this processor last resumed
	// under.
	seenGeneration uint64

	recorder *timeslice.Recorder
	observer ExitObserver

	exits, npf, cpuidExits, vmmcall, flushes, switches atomicbitops.Uint64
}

func newVCPU(id int, shared *SharedData, source CPUIDSource, leaf uint32, observer ExitObserver) *VCPU {
	v := &VCPU{
		id:               id,
		shared:           shared,
		cpuid:            source,
		devirtualizeLeaf: leaf,
		seenGeneration:   shared.Generation(),
		recorder:         timeslice.NewRecorder(id),
		observer:         observer,
	}
	v.VMCB.ControlArea.NCR3 = shared.Primary.Root().Uint64()
	v.VMCB.ControlArea.GuestASID = 1
	v.VMCB.ControlArea.TLBControl = TLBFlushAll
	return v
}

func (v *VCPU) ID() int { return v.id }

func (v *VCPU) State() State { return State(v.state.Load()) }

// Err returns the error that halted the processor, if any.
func (v *VCPU) Err() error { return v.err }

// ActiveHierarchy names the hierarchy the processor currently runs under.
func (v *VCPU) ActiveHierarchy() string {
	return v.shared.ActiveFor(v.VMCB.ControlArea.NCR3)
}

func (v *VCPU) Stats() Stats {
	return Stats{
		Exits:    v.exits.Load(),
		NPF:      v.npf.Load(),
		CPUID:    v.cpuidExits.Load(),
		VMMCALL:  v.vmmcall.Load(),
		Flushes:  v.flushes.Load(),
		Switches: v.switches.Load(),
	}
}

func (v *VCPU) load(exit Exit) {
	control := &v.VMCB.ControlArea
	control.ExitCode = exit.Code
	control.ExitInfo1 = exit.Info1
	control.ExitInfo2 = exit.Info2
	control.NRIP = exit.NRIP

	// The previous VMRUN consumed the flush request and cached every field.
	control.TLBControl = TLBDoNothing
	control.VMCBClean = CleanAll

	v.SetRegisters(exit.Regs)
}

// Step handles one exit and prepares the processor to resume.
func (v *VCPU) Step(exit Exit) (ExitType, error) {
	switch v.State() {
	case StateDevirtualized:
		return ExitHypervisor, hv.ErrDevirtualized
	case StateHalted:
		return ExitHypervisor, ErrHalted
	}

	v.recorder.Record(timesliceGuest)
	v.load(exit)
	v.exits.Add(1)
	switch exit.Code {
	case ExitNPF:
		v.npf.Add(1)
	case ExitCPUID:
		v.cpuidExits.Add(1)
	case ExitVMMCALL:
		v.vmmcall.Add(1)
	}

	before := v.VMCB.ControlArea.NCR3
	result, err := Dispatch(v)
	if err != nil {
		v.err = err
		v.state.Store(int64(StateHalted))
		slog.Error("svm: processor halted", "vcpu", v.id, "exit", exit.Code, "error", err)
		return result, err
	}
	if v.VMCB.ControlArea.NCR3 != before {
		v.switches.Add(1)
	}

	switch result {
	case IncrementRIP:
		v.advanceRIP(exit)
	case ExitHypervisor:
		v.state.Store(int64(StateDevirtualized))
		slog.Info("svm: processor devirtualized", "vcpu", v.id)
	}

	if result != ExitHypervisor {
		v.syncGeneration()
	}

	slog.Debug("svm: exit",
		"vcpu", v.id,
		"exit", exit.Code,
		"gpa", hv.PhysicalAddress(exit.Info2),
		"result", result,
	)
	if v.observer != nil {
		v.observer(v.id, exit, result)
	}
	v.recorder.Reset()

	return result, nil
}

func (v *VCPU) advanceRIP(exit Exit) {
	save := &v.VMCB.StateSaveArea
	if exit.NRIP != 0 {
		save.RIP = exit.NRIP
		return
	}
	length := exit.Length
	if length == 0 {
		// CPUID and VMMCALL both encode in two bytes.
		length = 2
	}
	save.RIP += length
}

// syncGeneration flushes the guest TLB if any processor switched
// hierarchies since this one last resumed.
func (v *VCPU) syncGeneration() {
	g := v.shared.Generation()
	if g == v.seenGeneration {
		return
	}
	v.seenGeneration = g
	v.VMCB.requestNestedFlush()
	v.flushes.Add(1)
}

// Run feeds exits from source through Step until the processor is
// devirtualized, the source is exhausted or ctx is done.
func (v *VCPU) Run(ctx context.Context, source ExitSource) error {
	v.recorder.Reset()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		exit, err := source.Next(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("svm: vcpu %d: next exit: %w", v.id, err)
		}
		result, err := v.Step(exit)
		if err != nil {
			return err
		}
		if result == ExitHypervisor {
			return nil
		}
	}
}

// devirtualize moves a processor that is still running to the terminal
// devirtualized state.
func (v *VCPU) devirtualize() {
	v.state.CompareAndSwap(int64(StateRunning), int64(StateDevirtualized))
}
