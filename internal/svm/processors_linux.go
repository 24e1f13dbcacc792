package svm

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// ProcessorCount returns the number of processors the calling thread may
// run on.
func ProcessorCount() (int, error) {
	var set unix.CPUSet
	if err := unix.SchedGetaffinity(0, &set); err != nil {
		return 0, fmt.Errorf("svm: sched_getaffinity: %w", err)
	}
	return set.Count(), nil
}
