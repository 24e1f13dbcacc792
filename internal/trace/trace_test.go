package trace

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/tinyrange/svmhook/internal/config"
	"github.com/tinyrange/svmhook/internal/hook"
	"github.com/tinyrange/svmhook/internal/hv"
	"github.com/tinyrange/svmhook/internal/npt"
	"github.com/tinyrange/svmhook/internal/svm"
)

const scenario = `exits:
  - {vcpu: 0, kind: npf, gpa: 0x1000}
  - {vcpu: 0, kind: npf, gpa: 0x1000, present: true, execute: true}
  - {vcpu: 1, kind: cpuid, leaf: 1, regs: {rbx: 0xffff}}
  - {vcpu: 0, kind: npf, gpa: 0x1000, present: true, execute: true}
  - {vcpu: 0, kind: npf, gpa: 0x3000, present: true, execute: true}
  - {vcpu: 1, kind: cpuid, leaf: 0x43211234}
`

func TestParse(t *testing.T) {
	tr, err := Parse("scenario", []byte(scenario))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if tr.Len() != 6 {
		t.Fatalf("Len = %d, want 6", tr.Len())
	}
	if tr.Processors() != 2 {
		t.Fatalf("Processors = %d, want 2", tr.Processors())
	}

	src := tr.Source(1)
	exit, err := src.Next(context.Background())
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	want := svm.Exit{
		Code: svm.ExitCPUID,
		Regs: map[hv.Register]uint64{
			hv.RegisterAMD64Rax: 1,
			hv.RegisterAMD64Rbx: 0xffff,
			hv.RegisterAMD64Rcx: 0,
		},
	}
	if diff := cmp.Diff(want, exit); diff != "" {
		t.Fatalf("exit mismatch (-want +got):\n%s", diff)
	}
	if src.Remaining() != 1 {
		t.Fatalf("Remaining = %d, want 1", src.Remaining())
	}
	if _, err := src.Next(context.Background()); err != nil {
		t.Fatalf("Next: %v", err)
	}
	if _, err := src.Next(context.Background()); !errors.Is(err, io.EOF) {
		t.Fatalf("Next at end: got %v, want io.EOF", err)
	}
}

func TestRecordExit(t *testing.T) {
	exit, err := Record{Kind: "npf", GPA: 0x5123, Present: true, Write: true}.Exit()
	if err != nil {
		t.Fatalf("Exit: %v", err)
	}
	wantInfo := svm.NPTPresent | svm.NPTReadWrite | svm.NPTUser | svm.NPTGuestPhysical
	if exit.Code != svm.ExitNPF || exit.Info1 != wantInfo || exit.Info2 != 0x5123 {
		t.Fatalf("Exit = %+v", exit)
	}

	exit, err = Record{Kind: "vmmcall", Regs: map[string]config.Address{"RCX": 7}}.Exit()
	if err != nil {
		t.Fatalf("Exit: %v", err)
	}
	if exit.Code != svm.ExitVMMCALL || exit.Regs[hv.RegisterAMD64Rcx] != 7 {
		t.Fatalf("Exit = %+v", exit)
	}
}

func TestParseErrors(t *testing.T) {
	for _, tt := range []struct {
		name, yaml, substr string
	}{
		{"kind", "exits: [{kind: hlt}]\n", "unknown exit kind"},
		{"register", "exits: [{kind: vmmcall, regs: {xmm0: 1}}]\n", "unknown register"},
		{"vcpu", "exits: [{vcpu: -2, kind: npf}]\n", "negative vcpu"},
		{"yaml", "exits: {\n", "yaml:"},
	} {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.name, []byte(tt.yaml))
			if err == nil || !strings.Contains(err.Error(), tt.substr) {
				t.Fatalf("Parse: got %v, want error mentioning %q", err, tt.substr)
			}
		})
	}
}

func TestSourceHonoursContext(t *testing.T) {
	tr, err := Parse("scenario", []byte(scenario))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := tr.Source(0).Next(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Next: got %v, want context.Canceled", err)
	}
}

func TestReplay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scenario.yaml")
	if err := os.WriteFile(path, []byte(scenario), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	tr, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	b := hook.NewBuilder()
	if err := b.Add(hook.Descriptor{Name: "target", Original: 0x1000, Shadow: 0x2000}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	h, err := svm.New(svm.Options{
		Processors: tr.Processors(),
		Allocator:  npt.NewRuntimeAllocator(0x100_0000, 0),
		Hooks:      b.Build(),
		CPUID: svm.CPUIDFunc(func(leaf, subleaf uint32) svm.CPUIDResult {
			return svm.CPUIDResult{EAX: leaf + 1}
		}),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer h.Devirtualize()

	if err := h.Virtualize(context.Background(), tr.Sources(tr.Processors())); err != nil {
		t.Fatalf("Virtualize: %v", err)
	}

	v0, v1 := h.VCPU(0), h.VCPU(1)
	if v0.ActiveHierarchy() != "primary" {
		t.Fatalf("vcpu 0 hierarchy = %q, want primary", v0.ActiveHierarchy())
	}
	if diff := cmp.Diff(svm.Stats{Exits: 4, NPF: 4, Switches: 2}, v0.Stats()); diff != "" {
		t.Fatalf("vcpu 0 stats (-want +got):\n%s", diff)
	}
	if v1.State() != svm.StateDevirtualized {
		t.Fatalf("vcpu 1 state = %s, want devirtualized", v1.State())
	}
	if v0.State() != svm.StateRunning {
		t.Fatalf("vcpu 0 state = %s, want running", v0.State())
	}
}
