//go:build !amd64

package svm

import "github.com/tinyrange/svmhook/internal/hv"

func NativeCPUID() (CPUIDSource, error) {
	return nil, hv.ErrHypervisorUnsupported
}
