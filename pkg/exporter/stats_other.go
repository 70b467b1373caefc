//go:build !linux

package exporter

import "errors"

func readSocketStats(fd int) (*socketStats, error) {
	return nil, errors.New("socket stats are not available on this platform")
}
