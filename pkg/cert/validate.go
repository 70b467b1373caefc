/**
 * Copyright (c) 2025, runZero, Inc.
 *
 * See LICENSE.TXT in the root directory of this source tree.
 */

package cert

import (
	"crypto/x509"
	"errors"
	"time"

	"github.com/gravitational/trace"
)

// IgnoreFlags relax individual chain-validation failures, mirroring the
// knobs host applications expect from a TLS policy engine.
type IgnoreFlags uint32

const (
	// IgnoreUnknownCA accepts chains not anchored in a known root,
	// including self-signed leaves.
	IgnoreUnknownCA IgnoreFlags = 1 << iota
	// IgnoreExpiration accepts not-yet-valid and expired certificates.
	IgnoreExpiration
	// IgnoreHostMismatch skips hostname verification.
	IgnoreHostMismatch
)

// ValidateChain builds and verifies a chain for the leaf using the
// platform verifier with the server-auth EKU. host may be empty when the
// caller does not pin a name. roots may be nil to use the system pool.
// The boolean result reflects policy; the error carries the mapped
// failure detail for logging.
func ValidateChain(leaf *x509.Certificate, intermediates []*x509.Certificate, roots *x509.CertPool, host string, flags IgnoreFlags) (bool, error) {
	if leaf == nil {
		return false, trace.BadParameter("missing certificate")
	}

	pool := x509.NewCertPool()
	for _, c := range intermediates {
		pool.AddCert(c)
	}

	opts := x509.VerifyOptions{
		Intermediates: pool,
		Roots:         roots,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	if host != "" && flags&IgnoreHostMismatch == 0 {
		opts.DNSName = host
	}
	if flags&IgnoreExpiration != 0 {
		// Pin validation time inside the leaf's own window.
		opts.CurrentTime = leaf.NotBefore.Add(time.Second)
	}
	if flags&IgnoreUnknownCA != 0 {
		if opts.Roots == nil {
			opts.Roots = x509.NewCertPool()
		}
		// Trust the chain's own top so path building can terminate.
		if len(intermediates) > 0 {
			opts.Roots.AddCert(intermediates[len(intermediates)-1])
		}
		opts.Roots.AddCert(leaf)
	}

	if _, err := leaf.Verify(opts); err != nil {
		return false, mapVerifyError(err)
	}
	return true, nil
}

// mapVerifyError translates x509 verifier failures into the distinct
// statuses the QUIC core reports upward.
func mapVerifyError(err error) error {
	var invalid x509.CertificateInvalidError
	if errors.As(err, &invalid) {
		switch invalid.Reason {
		case x509.Expired:
			return trace.AccessDenied("certificate expired: %v", err)
		case x509.NotAuthorizedToSign, x509.CANotAuthorizedForThisName:
			return trace.AccessDenied("certificate not authorized: %v", err)
		default:
			return trace.AccessDenied("certificate invalid: %v", err)
		}
	}
	var unknownCA x509.UnknownAuthorityError
	if errors.As(err, &unknownCA) {
		return trace.AccessDenied("certificate from untrusted authority: %v", err)
	}
	var hostErr x509.HostnameError
	if errors.As(err, &hostErr) {
		return trace.AccessDenied("certificate name mismatch: %v", err)
	}
	return trace.Wrap(err)
}
