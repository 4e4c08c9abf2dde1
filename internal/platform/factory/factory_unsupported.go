//go:build !(linux && amd64)

package factory

import "github.com/karstos/karst/internal/platform"

func OpenProber() (platform.MSRProber, error) {
	return nil, platform.ErrUnsupportedHost
}
