/**
 * Copyright (c) 2025, runZero, Inc.
 *
 * See LICENSE.TXT in the root directory of this source tree.
 */

// quicinitial derives the QUIC v1 Initial packet-protection secrets and
// keys for a destination connection ID, for debugging interop captures.
//
//	quicinitial 8394c8f03e515708
package main

import (
	"encoding/hex"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/runZeroInc/go-quicplatform/pkg/crypt"
)

func main() {
	if len(os.Args) != 2 {
		fmt.Fprintf(os.Stderr, "usage: %s <hex destination connection id>\n", os.Args[0])
		os.Exit(2)
	}
	cid, err := hex.DecodeString(os.Args[1])
	if err != nil {
		logrus.Fatalf("decode connection id: %v", err)
	}

	initialSecret, err := crypt.HkdfExtract(crypt.HashSha256, cid, crypt.InitialSaltV1)
	if err != nil {
		logrus.Fatalf("extract initial secret: %v", err)
	}

	for _, dir := range []string{"client in", "server in"} {
		secret, err := crypt.HkdfExpandLabel(crypt.HashSha256, initialSecret, dir, 32)
		if err != nil {
			logrus.Fatalf("derive %q secret: %v", dir, err)
		}
		key, err := crypt.HkdfExpandLabel(crypt.HashSha256, secret, crypt.DefaultLabels.Key, 16)
		if err != nil {
			logrus.Fatalf("derive key: %v", err)
		}
		iv, err := crypt.HkdfExpandLabel(crypt.HashSha256, secret, crypt.DefaultLabels.IV, crypt.IVLength)
		if err != nil {
			logrus.Fatalf("derive iv: %v", err)
		}
		hp, err := crypt.HkdfExpandLabel(crypt.HashSha256, secret, crypt.DefaultLabels.HeaderKey, 16)
		if err != nil {
			logrus.Fatalf("derive hp: %v", err)
		}

		fmt.Printf("%s:\n", dir)
		fmt.Printf("  secret: %s\n", hex.EncodeToString(secret))
		fmt.Printf("  key:    %s\n", hex.EncodeToString(key))
		fmt.Printf("  iv:     %s\n", hex.EncodeToString(iv))
		fmt.Printf("  hp:     %s\n", hex.EncodeToString(hp))
	}
}
