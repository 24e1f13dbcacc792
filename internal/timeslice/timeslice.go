// Package timeslice records how long each VM-exit handler ran, per logical
// processor, into a compact binary stream that can be summarised offline.
package timeslice

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"time"
)

const (
	Magic   uint32 = 0x54534c46 // "TSLF"
	Version uint32 = 3
)

type header struct {
	Magic             uint32
	Version           uint32
	RecordKindsLength uint32
}

type TimesliceID uint32

const InvalidTimesliceID = TimesliceID(0)

type SliceInfo struct {
	Name  string
	Flags SliceFlags
}

type SliceFlags uint32

const (
	// SliceFlagGuestTime marks time the guest spent running between exits.
	SliceFlagGuestTime SliceFlags = 1 << iota
	// SliceFlagHandler marks time spent inside a VM-exit handler.
	SliceFlagHandler
	// SliceFlagFatal marks an exit that stopped the processor.
	SliceFlagFatal
)

func (f SliceFlags) String() string {
	flags := []string{}
	if f&SliceFlagGuestTime != 0 {
		flags = append(flags, "guest")
	}
	if f&SliceFlagHandler != 0 {
		flags = append(flags, "handler")
	}
	if f&SliceFlagFatal != 0 {
		flags = append(flags, "fatal")
	}
	return strings.Join(flags, ",")
}

var timeslices = make(map[TimesliceID]SliceInfo)

// RegisterKind declares a new slice kind. Call it from package init only;
// it is not safe for concurrent use.
func RegisterKind(name string, flags SliceFlags) TimesliceID {
	id := TimesliceID(len(timeslices) + 1)
	timeslices[id] = SliceInfo{
		Name:  name,
		Flags: flags,
	}
	return id
}

type record struct {
	ID       TimesliceID
	VCPU     uint32
	Duration int64
}

var recordSize = binary.Size(record{})

type writer struct {
	w                   io.Writer
	writeThreadComplete chan error
	writerChan          chan record
}

func (w *writer) run() {
	defer close(w.writeThreadComplete)

	var buf [4096]byte
	off := 0

	for rec := range w.writerChan {
		if off+recordSize > len(buf) {
			if _, err := w.w.Write(buf[:off]); err != nil {
				w.writeThreadComplete <- err
				// Drain so recorders never block on a dead writer.
				for range w.writerChan {
				}
				return
			}
			off = 0
		}
		binary.LittleEndian.PutUint32(buf[off:off+4], uint32(rec.ID))
		binary.LittleEndian.PutUint32(buf[off+4:off+8], rec.VCPU)
		binary.LittleEndian.PutUint64(buf[off+8:off+16], uint64(rec.Duration))
		off += recordSize
	}

	if off > 0 {
		if _, err := w.w.Write(buf[:off]); err != nil {
			w.writeThreadComplete <- err
			return
		}
	}

	w.writeThreadComplete <- nil
}

func (w *writer) Close() error {
	// Only one caller wins the swap, so only one closes the channel.
	if !currentWriter.CompareAndSwap(w, nil) {
		return fmt.Errorf("timeslice: already closed")
	}

	close(w.writerChan)

	if err := <-w.writeThreadComplete; err != nil {
		return fmt.Errorf("timeslice: write thread: %w", err)
	}

	return nil
}

var currentWriter atomic.Pointer[writer]

// Recording reports whether a writer is currently attached.
func Recording() bool {
	return currentWriter.Load() != nil
}

// Recorder measures consecutive slices on one processor. It is owned by a
// single VCPU and must not be shared.
type Recorder struct {
	vcpu uint32
	last time.Time
}

func NewRecorder(vcpu int) *Recorder {
	return &Recorder{
		vcpu: uint32(vcpu),
		last: time.Now(),
	}
}

// Record attributes the time since the previous call to id.
func (r *Recorder) Record(id TimesliceID) {
	now := time.Now()
	Record(int(r.vcpu), id, now.Sub(r.last))
	r.last = now
}

// Reset restarts the measurement without recording anything.
func (r *Recorder) Reset() {
	r.last = time.Now()
}

// Record writes a single slice if a recording is active.
func Record(vcpu int, id TimesliceID, duration time.Duration) {
	if w := currentWriter.Load(); w != nil {
		w.writerChan <- record{
			ID:       id,
			VCPU:     uint32(vcpu),
			Duration: duration.Nanoseconds(),
		}
	}
}

// StartRecording writes the header and kind table to w and attaches it as
// the process-wide sink. Closing the returned value flushes and detaches it.
func StartRecording(w io.Writer) (io.Closer, error) {
	if currentWriter.Load() != nil {
		return nil, fmt.Errorf("timeslice: already open")
	}

	slices, err := json.Marshal(timeslices)
	if err != nil {
		return nil, fmt.Errorf("timeslice: marshal timeslices: %w", err)
	}

	off := 0

	if err := binary.Write(w, binary.LittleEndian, header{
		Magic:             Magic,
		Version:           Version,
		RecordKindsLength: uint32(len(slices)),
	}); err != nil {
		return nil, fmt.Errorf("timeslice: write header: %w", err)
	}
	off += binary.Size(header{})

	if _, err := w.Write(slices); err != nil {
		return nil, fmt.Errorf("timeslice: write slices: %w", err)
	}
	off += len(slices)

	// pad to 4096 so records start aligned
	if off%4096 != 0 {
		if _, err := w.Write(make([]byte, 4096-off%4096)); err != nil {
			return nil, fmt.Errorf("timeslice: write padding: %w", err)
		}
	}

	wr := &writer{
		w:                   w,
		writerChan:          make(chan record, 4096),
		writeThreadComplete: make(chan error, 1),
	}
	go wr.run()

	if !currentWriter.CompareAndSwap(nil, wr) {
		close(wr.writerChan)
		<-wr.writeThreadComplete
		return nil, fmt.Errorf("timeslice: already open")
	}

	return wr, nil
}

// Slice is one decoded record.
type Slice struct {
	Kind     string
	Flags    SliceFlags
	VCPU     int
	Duration time.Duration
}

// ReadAllRecords decodes a recording and calls fn for each slice in order.
func ReadAllRecords(r io.Reader, fn func(s Slice) error) error {
	var kinds map[TimesliceID]SliceInfo

	buf := bufio.NewReaderSize(r, 4096)

	var hdr header
	if err := binary.Read(buf, binary.LittleEndian, &hdr); err != nil {
		return fmt.Errorf("timeslice: read header: %w", err)
	}
	if hdr.Magic != Magic {
		return fmt.Errorf("timeslice: invalid magic")
	}
	if hdr.Version != Version {
		return fmt.Errorf("timeslice: unsupported version %d", hdr.Version)
	}

	dec := json.NewDecoder(io.LimitReader(buf, int64(hdr.RecordKindsLength)))
	if err := dec.Decode(&kinds); err != nil {
		return fmt.Errorf("timeslice: decode kinds: %w", err)
	}

	off := int(hdr.RecordKindsLength) + binary.Size(hdr)
	if off%4096 != 0 {
		if _, err := buf.Discard(4096 - off%4096); err != nil {
			return fmt.Errorf("timeslice: skip padding: %w", err)
		}
	}

	for {
		var rec record
		if err := binary.Read(buf, binary.LittleEndian, &rec); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return fmt.Errorf("timeslice: read record: %w", err)
		}
		kind, ok := kinds[rec.ID]
		if !ok {
			return fmt.Errorf("timeslice: unknown kind: %d", rec.ID)
		}
		if err := fn(Slice{
			Kind:     kind.Name,
			Flags:    kind.Flags,
			VCPU:     int(rec.VCPU),
			Duration: time.Duration(rec.Duration),
		}); err != nil {
			return err
		}
	}

	return nil
}
