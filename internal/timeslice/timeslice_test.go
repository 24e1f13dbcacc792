package timeslice

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

var (
	timesliceA = RegisterKind("a", SliceFlagHandler)
	timesliceB = RegisterKind("b", SliceFlagGuestTime)
)

func TestTimeslice(t *testing.T) {
	var buf bytes.Buffer
	func() {
		writer, err := StartRecording(&buf)
		if err != nil {
			t.Fatalf("StartRecording: %v", err)
		}
		defer writer.Close()

		if !Recording() {
			t.Fatalf("Recording() = false while open")
		}

		Record(0, timesliceA, 100*time.Millisecond)
		Record(3, timesliceB, 200*time.Millisecond)
	}()

	if Recording() {
		t.Fatalf("Recording() = true after Close")
	}

	var seen []Slice
	if err := ReadAllRecords(bytes.NewReader(buf.Bytes()), func(s Slice) error {
		seen = append(seen, s)
		return nil
	}); err != nil {
		t.Fatalf("ReadAllRecords: %v", err)
	}

	want := []Slice{
		{Kind: "a", Flags: SliceFlagHandler, VCPU: 0, Duration: 100 * time.Millisecond},
		{Kind: "b", Flags: SliceFlagGuestTime, VCPU: 3, Duration: 200 * time.Millisecond},
	}
	if diff := cmp.Diff(want, seen); diff != "" {
		t.Fatalf("records mismatch (-want +got):\n%s", diff)
	}
}

func TestStartRecordingTwice(t *testing.T) {
	var buf bytes.Buffer
	writer, err := StartRecording(&buf)
	if err != nil {
		t.Fatalf("StartRecording: %v", err)
	}
	defer writer.Close()

	if _, err := StartRecording(&buf); err == nil {
		t.Fatalf("second StartRecording succeeded")
	}
}

func TestRecordWithoutWriter(t *testing.T) {
	// Must not block or panic.
	Record(0, timesliceA, time.Second)
	NewRecorder(1).Record(timesliceB)
}

func TestTimesliceTempFile(t *testing.T) {
	tmpfile := filepath.Join(t.TempDir(), "timeslice.log")

	const count = 1000

	func() {
		f, err := os.Create(tmpfile)
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
		defer f.Close()

		writer, err := StartRecording(f)
		if err != nil {
			t.Fatalf("StartRecording: %v", err)
		}
		defer writer.Close()

		rec := NewRecorder(2)
		for range count {
			rec.Record(timesliceA)
		}
	}()

	r, err := os.Open(tmpfile)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()

	seen := 0
	if err := ReadAllRecords(r, func(s Slice) error {
		if s.VCPU != 2 || s.Kind != "a" {
			t.Fatalf("unexpected slice %+v", s)
		}
		seen++
		return nil
	}); err != nil {
		t.Fatalf("ReadAllRecords: %v", err)
	}
	if seen != count {
		t.Fatalf("expected %d records, got %d", count, seen)
	}
}

func TestSliceFlagsString(t *testing.T) {
	if got := (SliceFlagHandler | SliceFlagFatal).String(); got != "handler,fatal" {
		t.Fatalf("String = %q", got)
	}
}
