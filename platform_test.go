/**
 * Copyright (c) 2025, runZero, Inc.
 *
 * See LICENSE.TXT in the root directory of this source tree.
 */

package quicplatform

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInitUninitBalanced(t *testing.T) {
	Init()
	Init()
	Uninit()
	Uninit()
	Uninit() // extra uninit is a no-op

	Init()
	defer Uninit()

	buf := make([]byte, 16)
	require.NoError(t, Random(buf))
	require.NotEqual(t, make([]byte, 16), buf)

	t0 := TimeUs()
	require.GreaterOrEqual(t, TimeUs(), t0)
}
