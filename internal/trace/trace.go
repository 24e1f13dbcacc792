// Package trace replays recorded VM-exits through the hypervisor without
// hardware virtualization.
package trace

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/tinyrange/svmhook/internal/config"
	"github.com/tinyrange/svmhook/internal/hv"
	"github.com/tinyrange/svmhook/internal/svm"
	"gopkg.in/yaml.v3"
)

// Record is one exit as written in a trace file.
type Record struct {
	VCPU int    `yaml:"vcpu"`
	Kind string `yaml:"kind"`

	// npf
	GPA     config.Address `yaml:"gpa,omitempty"`
	Present bool           `yaml:"present,omitempty"`
	Write   bool           `yaml:"write,omitempty"`
	Execute bool           `yaml:"execute,omitempty"`

	// cpuid
	Leaf    config.Address `yaml:"leaf,omitempty"`
	Subleaf config.Address `yaml:"subleaf,omitempty"`

	Length config.Address            `yaml:"length,omitempty"`
	NRIP   config.Address            `yaml:"nrip,omitempty"`
	Regs   map[string]config.Address `yaml:"regs,omitempty"`
}

// Exit converts r into the exit the processor would report.
func (r Record) Exit() (svm.Exit, error) {
	exit := svm.Exit{
		NRIP:   uint64(r.NRIP),
		Length: uint64(r.Length),
		Regs:   make(map[hv.Register]uint64),
	}
	for name, value := range r.Regs {
		reg, err := hv.ParseRegister(name)
		if err != nil {
			return svm.Exit{}, err
		}
		exit.Regs[reg] = uint64(value)
	}

	switch r.Kind {
	case "npf":
		exit.Code = svm.ExitNPF
		exit.Info1 = svm.NPTUser | svm.NPTGuestPhysical
		if r.Present {
			exit.Info1 |= svm.NPTPresent
		}
		if r.Write {
			exit.Info1 |= svm.NPTReadWrite
		}
		if r.Execute {
			exit.Info1 |= svm.NPTExecute
		}
		exit.Info2 = uint64(r.GPA)
	case "cpuid":
		exit.Code = svm.ExitCPUID
		exit.Regs[hv.RegisterAMD64Rax] = uint64(r.Leaf)
		exit.Regs[hv.RegisterAMD64Rcx] = uint64(r.Subleaf)
	case "vmmcall":
		exit.Code = svm.ExitVMMCALL
	default:
		return svm.Exit{}, fmt.Errorf("unknown exit kind %q", r.Kind)
	}
	return exit, nil
}

// Trace is a decoded trace file.
type Trace struct {
	Exits []Record `yaml:"exits"`

	byVCPU map[int][]svm.Exit
}

// Processors returns one more than the highest processor index used.
func (t *Trace) Processors() int {
	n := 0
	for id := range t.byVCPU {
		n = max(n, id+1)
	}
	return n
}

// Len returns the total number of exits.
func (t *Trace) Len() int { return len(t.Exits) }

// Source returns a fresh source over the exits of one processor.
func (t *Trace) Source(vcpu int) *Source {
	return &Source{exits: t.byVCPU[vcpu]}
}

// Sources returns one source per processor for n processors. Processors
// without exits get a nil entry.
func (t *Trace) Sources(n int) []svm.ExitSource {
	out := make([]svm.ExitSource, n)
	for id := range n {
		if len(t.byVCPU[id]) > 0 {
			out[id] = t.Source(id)
		}
	}
	return out
}

func Parse(name string, data []byte) (*Trace, error) {
	var t Trace
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parse %s: %w", name, err)
	}

	t.byVCPU = make(map[int][]svm.Exit)
	for i, r := range t.Exits {
		if r.VCPU < 0 {
			return nil, fmt.Errorf("parse %s: exit %d: negative vcpu", name, i)
		}
		exit, err := r.Exit()
		if err != nil {
			return nil, fmt.Errorf("parse %s: exit %d: %w", name, i, err)
		}
		t.byVCPU[r.VCPU] = append(t.byVCPU[r.VCPU], exit)
	}
	return &t, nil
}

func Load(path string) (*Trace, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return Parse(path, data)
}

// Source feeds one processor's exits in order. It implements
// svm.ExitSource.
type Source struct {
	exits []svm.Exit
	pos   int
}

func (s *Source) Next(ctx context.Context) (svm.Exit, error) {
	if err := ctx.Err(); err != nil {
		return svm.Exit{}, err
	}
	if s.pos >= len(s.exits) {
		return svm.Exit{}, io.EOF
	}
	exit := s.exits[s.pos]
	s.pos++
	return exit, nil
}

// Remaining returns the number of exits not yet returned.
func (s *Source) Remaining() int { return len(s.exits) - s.pos }

var _ svm.ExitSource = (*Source)(nil)
