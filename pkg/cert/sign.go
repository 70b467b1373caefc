/**
 * Copyright (c) 2025, runZero, Inc.
 *
 * See LICENSE.TXT in the root directory of this source tree.
 */

package cert

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"

	"github.com/gravitational/trace"
)

func digestFor(scheme tls.SignatureScheme, tbs []byte) (schemeInfo, []byte, error) {
	info, ok := schemeTable[scheme]
	if !ok {
		return schemeInfo{}, nil, trace.BadParameter("unsupported signature scheme 0x%04x", uint16(scheme))
	}
	h := info.hash.New()
	h.Write(tbs)
	return info, h.Sum(nil), nil
}

// Sign hashes tbs with the scheme's digest and signs it with the
// platform primitive the scheme demands: PKCS#1 v1.5 for rsa_pkcs1_*,
// PSS with salt length equal to the hash length for rsa_pss_*, and ASN.1
// ECDSA for ecdsa_*. The intermediate digest is scrubbed before return.
func Sign(priv crypto.PrivateKey, scheme tls.SignatureScheme, tbs []byte) ([]byte, error) {
	info, digest, err := digestFor(scheme, tbs)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	defer func() {
		for i := range digest {
			digest[i] = 0
		}
	}()

	switch {
	case info.ecdsa:
		key, ok := priv.(*ecdsa.PrivateKey)
		if !ok {
			return nil, trace.BadParameter("scheme 0x%04x requires an ECDSA private key", uint16(scheme))
		}
		sig, err := ecdsa.SignASN1(rand.Reader, key, digest)
		return sig, trace.Wrap(err)
	case info.pss:
		key, ok := priv.(*rsa.PrivateKey)
		if !ok {
			return nil, trace.BadParameter("scheme 0x%04x requires an RSA private key", uint16(scheme))
		}
		sig, err := rsa.SignPSS(rand.Reader, key, info.hash, digest, &rsa.PSSOptions{
			SaltLength: info.hash.Size(),
			Hash:       info.hash,
		})
		return sig, trace.Wrap(err)
	default:
		key, ok := priv.(*rsa.PrivateKey)
		if !ok {
			return nil, trace.BadParameter("scheme 0x%04x requires an RSA private key", uint16(scheme))
		}
		sig, err := rsa.SignPKCS1v15(rand.Reader, key, info.hash, digest)
		return sig, trace.Wrap(err)
	}
}

// Verify is the mirror of Sign: it decodes the certificate's public key
// and checks sig over tbs with the scheme's digest and padding.
func Verify(c *x509.Certificate, scheme tls.SignatureScheme, tbs, sig []byte) error {
	if c == nil {
		return trace.BadParameter("missing certificate")
	}
	info, digest, err := digestFor(scheme, tbs)
	if err != nil {
		return trace.Wrap(err)
	}
	defer func() {
		for i := range digest {
			digest[i] = 0
		}
	}()

	switch {
	case info.ecdsa:
		pub, ok := c.PublicKey.(*ecdsa.PublicKey)
		if !ok {
			return trace.BadParameter("scheme 0x%04x requires an ECDSA public key", uint16(scheme))
		}
		if !ecdsa.VerifyASN1(pub, digest, sig) {
			return trace.AccessDenied("ECDSA signature verification failed")
		}
		return nil
	case info.pss:
		pub, ok := c.PublicKey.(*rsa.PublicKey)
		if !ok {
			return trace.BadParameter("scheme 0x%04x requires an RSA public key", uint16(scheme))
		}
		if err := rsa.VerifyPSS(pub, info.hash, digest, sig, &rsa.PSSOptions{
			SaltLength: info.hash.Size(),
			Hash:       info.hash,
		}); err != nil {
			return trace.AccessDenied("RSA-PSS signature verification failed")
		}
		return nil
	default:
		pub, ok := c.PublicKey.(*rsa.PublicKey)
		if !ok {
			return trace.BadParameter("scheme 0x%04x requires an RSA public key", uint16(scheme))
		}
		if err := rsa.VerifyPKCS1v15(pub, info.hash, digest, sig); err != nil {
			return trace.AccessDenied("RSA signature verification failed")
		}
		return nil
	}
}
