//go:build !linux

package svm

import "runtime"

func ProcessorCount() (int, error) {
	return runtime.NumCPU(), nil
}
