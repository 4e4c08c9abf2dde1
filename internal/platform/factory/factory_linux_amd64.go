//go:build linux && amd64

// Package factory selects the MSR probing backend for the build target.
package factory

import (
	"github.com/karstos/karst/internal/platform"
	"github.com/karstos/karst/internal/platform/host"
)

func OpenProber() (platform.MSRProber, error) {
	return host.Open()
}
