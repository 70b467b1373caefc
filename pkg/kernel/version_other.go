//go:build !linux

package kernel

import "errors"

func probeVersion() (*VersionInfo, error) {
	return nil, errors.New("kernel version detection is not available on this platform")
}
