/**
 * Copyright (c) 2025, runZero, Inc.
 *
 * See LICENSE.TXT in the root directory of this source tree.
 */

// Package kernel probes the running kernel version once and answers
// capability questions for the datapath (e.g. whether SO_REUSEPORT
// steering is available). When the version cannot be determined the
// package assumes a current kernel; optional features then fail at the
// syscall instead of being silently skipped.
package kernel

import "sync"

// VersionInfo mirrors the kernel.org release triplet.
type VersionInfo struct {
	Kernel int
	Major  int
	Minor  int
}

var (
	once    sync.Once
	version *VersionInfo
	probeErr error
)

func load() {
	once.Do(func() {
		version, probeErr = probeVersion()
	})
}

// Version returns the detected kernel version, or nil with the probe
// error on platforms (or sandboxes) where detection failed.
func Version() (*VersionInfo, error) {
	load()
	return version, probeErr
}

// AtLeast reports whether the running kernel is at least k.major. An
// undetectable version counts as new enough.
func AtLeast(k, major int) bool {
	load()
	if version == nil {
		return true
	}
	if version.Kernel != k {
		return version.Kernel > k
	}
	return version.Major >= major
}
