/**
 * Copyright (c) 2025, runZero, Inc.
 *
 * See LICENSE.TXT in the root directory of this source tree.
 */

package sys

import "time"

var bootTime = time.Now()

// TimeUs returns microseconds from a steady clock. The epoch is process
// start; values are comparable only within one process.
func TimeUs() int64 {
	return time.Since(bootTime).Microseconds()
}

// TimeUsToDuration converts a TimeUs delta back to a duration.
func TimeUsToDuration(us int64) time.Duration {
	return time.Duration(us) * time.Microsecond
}
