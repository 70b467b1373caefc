//go:build linux

/**
 * Copyright (c) 2025, runZero, Inc.
 *
 * See LICENSE.TXT in the root directory of this source tree.
 */

package kernel

import (
	dockerkernel "github.com/docker/docker/pkg/parsers/kernel"
)

func probeVersion() (*VersionInfo, error) {
	v, err := dockerkernel.GetKernelVersion()
	if err != nil {
		return nil, err
	}
	return &VersionInfo{Kernel: v.Kernel, Major: v.Major, Minor: v.Minor}, nil
}
