/**
 * Copyright (c) 2025, runZero, Inc.
 *
 * See LICENSE.TXT in the root directory of this source tree.
 */

// Package cert maps TLS 1.3 signature schemes onto platform crypto:
// scheme selection against a certificate, CertificateVerify-style
// signing and verification, chain validation, and the TLS wire form of
// certificate chains.
package cert

import (
	"crypto"
	"crypto/tls"
	"crypto/x509"

	// Register the digests behind crypto.Hash for Sign/Verify.
	_ "crypto/sha1"
	_ "crypto/sha256"
	_ "crypto/sha512"

	"github.com/gravitational/trace"
)

// schemeInfo is the fixed table tying a TLS SignatureScheme to the
// certificate signature algorithms it can serve, the digest it uses, and
// its padding discipline.
type schemeInfo struct {
	certAlgs []x509.SignatureAlgorithm
	hash     crypto.Hash
	pss      bool
	ecdsa    bool
}

var schemeTable = map[tls.SignatureScheme]schemeInfo{
	tls.PKCS1WithSHA1: {
		certAlgs: []x509.SignatureAlgorithm{x509.SHA1WithRSA},
		hash:     crypto.SHA1,
	},
	tls.PKCS1WithSHA256: {
		certAlgs: []x509.SignatureAlgorithm{x509.SHA256WithRSA},
		hash:     crypto.SHA256,
	},
	tls.PKCS1WithSHA384: {
		certAlgs: []x509.SignatureAlgorithm{x509.SHA384WithRSA},
		hash:     crypto.SHA384,
	},
	tls.PKCS1WithSHA512: {
		certAlgs: []x509.SignatureAlgorithm{x509.SHA512WithRSA},
		hash:     crypto.SHA512,
	},
	tls.ECDSAWithP256AndSHA256: {
		certAlgs: []x509.SignatureAlgorithm{x509.ECDSAWithSHA256},
		hash:     crypto.SHA256,
		ecdsa:    true,
	},
	tls.ECDSAWithP384AndSHA384: {
		certAlgs: []x509.SignatureAlgorithm{x509.ECDSAWithSHA384},
		hash:     crypto.SHA384,
		ecdsa:    true,
	},
	tls.ECDSAWithP521AndSHA512: {
		certAlgs: []x509.SignatureAlgorithm{x509.ECDSAWithSHA512},
		hash:     crypto.SHA512,
		ecdsa:    true,
	},
	// RSA-PSS schemes serve certificates carrying either the classic
	// RSA OIDs or the PSS OIDs.
	tls.PSSWithSHA256: {
		certAlgs: []x509.SignatureAlgorithm{x509.SHA256WithRSA, x509.SHA256WithRSAPSS},
		hash:     crypto.SHA256,
		pss:      true,
	},
	tls.PSSWithSHA384: {
		certAlgs: []x509.SignatureAlgorithm{x509.SHA384WithRSA, x509.SHA384WithRSAPSS},
		hash:     crypto.SHA384,
		pss:      true,
	},
	tls.PSSWithSHA512: {
		certAlgs: []x509.SignatureAlgorithm{x509.SHA512WithRSA, x509.SHA512WithRSAPSS},
		hash:     crypto.SHA512,
		pss:      true,
	},
}

// SelectScheme picks the first peer-offered signature scheme compatible
// with the certificate's own signature algorithm. The peer's preference
// order wins. Returns an invalid-parameter error when nothing matches.
func SelectScheme(c *x509.Certificate, offered []tls.SignatureScheme) (tls.SignatureScheme, error) {
	if c == nil {
		return 0, trace.BadParameter("missing certificate")
	}
	for _, scheme := range offered {
		info, ok := schemeTable[scheme]
		if !ok {
			continue
		}
		for _, alg := range info.certAlgs {
			if c.SignatureAlgorithm == alg {
				return scheme, nil
			}
		}
	}
	return 0, trace.BadParameter("no offered signature scheme matches certificate algorithm %v", c.SignatureAlgorithm)
}
