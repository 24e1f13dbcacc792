package main

import (
	"cmp"
	"flag"
	"fmt"
	"os"
	"slices"
	"time"

	"github.com/tinyrange/svmhook/internal/timeslice"
)

// bucket groups slices of one kind, on one processor or on all of them
// (vcpu -1).
type bucket struct {
	vcpu int
	kind string
}

func (b bucket) String() string {
	if b.vcpu < 0 {
		return b.kind
	}
	return fmt.Sprintf("vcpu%d/%s", b.vcpu, b.kind)
}

type handlerStats struct {
	flags   timeslice.SliceFlags
	n       int
	total   time.Duration
	fastest time.Duration
	slowest time.Duration
}

func (s *handlerStats) observe(d time.Duration) {
	if s.n == 0 || d < s.fastest {
		s.fastest = d
	}
	s.slowest = max(s.slowest, d)
	s.total += d
	s.n++
}

// sortedBuckets orders buckets by processor, then kind. Combined buckets
// sort first.
func sortedBuckets(stats map[bucket]*handlerStats) []bucket {
	keys := make([]bucket, 0, len(stats))
	for k := range stats {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, func(a, b bucket) int {
		return cmp.Or(cmp.Compare(a.vcpu, b.vcpu), cmp.Compare(a.kind, b.kind))
	})
	return keys
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "timeslice: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	filename := flag.String("filename", "", "Timeslice file to read")
	sums := flag.Bool("sums", false, "Summarise handler time instead of listing every slice")
	perVCPU := flag.Bool("per-vcpu", false, "Keep sums separate for each processor")
	only := flag.Int("vcpu", -1, "Only include slices from this processor")
	flag.Parse()

	if *filename == "" {
		flag.Usage()
		return fmt.Errorf("no file given")
	}

	f, err := os.Open(*filename)
	if err != nil {
		return err
	}
	defer f.Close()

	stats := make(map[bucket]*handlerStats)
	err = timeslice.ReadAllRecords(f, func(s timeslice.Slice) error {
		if *only >= 0 && s.VCPU != *only {
			return nil
		}
		if !*sums {
			fmt.Printf("vcpu%d %s %s %s\n", s.VCPU, s.Kind, s.Flags, s.Duration)
			return nil
		}

		key := bucket{vcpu: -1, kind: s.Kind}
		if *perVCPU {
			key.vcpu = s.VCPU
		}
		st, ok := stats[key]
		if !ok {
			st = &handlerStats{flags: s.Flags}
			stats[key] = st
		}
		st.observe(s.Duration)
		return nil
	})
	if err != nil {
		return fmt.Errorf("read %s: %w", *filename, err)
	}

	for _, k := range sortedBuckets(stats) {
		st := stats[k]
		fmt.Printf("%-24s %-10s n=%-8d total=%-14s min=%-12s max=%-12s mean=%s\n",
			k, st.flags, st.n, st.total, st.fastest, st.slowest, st.total/time.Duration(st.n))
	}
	return nil
}
