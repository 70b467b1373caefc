/**
 * Copyright (c) 2025, runZero, Inc.
 *
 * See LICENSE.TXT in the root directory of this source tree.
 */

// Package quictls adapts a TLS 1.3 engine to the QUIC handshake model:
// security configurations shared across connections, per-connection
// sessions driven over out-of-band handshake bytes, traffic-secret
// delivery into packet keys, and session-ticket plumbing.
package quictls

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"log/slog"
	"os"
	"sync"

	"github.com/gravitational/trace"
	"golang.org/x/crypto/pkcs12"

	"github.com/runZeroInc/go-quicplatform/pkg/crypt"
	"github.com/runZeroInc/go-quicplatform/pkg/sys"
)

// Flags adjust security-configuration behavior.
type Flags uint32

const (
	// FlagClient creates a client configuration (no certificate needed).
	FlagClient Flags = 1 << iota
	// FlagLoadAsynchronous runs credential loading on a worker; the
	// create call returns ErrPending and the completion fires later.
	FlagLoadAsynchronous
	// FlagNoCertificateValidation disables peer verification entirely.
	FlagNoCertificateValidation
	// FlagDeferCertificateValidation runs platform validation but lets
	// the CertificateReceived callback decide instead of failing the
	// handshake outright.
	FlagDeferCertificateValidation
	// FlagRequireClientAuth makes a server demand and verify a client
	// certificate.
	FlagRequireClientAuth
	// FlagDisableResumption turns off session-ticket machinery.
	FlagDisableResumption
	// FlagEnableOCSP is not supported on this platform.
	FlagEnableOCSP
)

// CipherSuites restricts the TLS 1.3 AEAD set when nonzero.
type CipherSuites uint32

const (
	CipherAes128Gcm CipherSuites = 1 << iota
	CipherAes256Gcm
	CipherChaCha20Poly1305
)

// CredentialType selects how the certificate and key are supplied.
type CredentialType int

const (
	// CredentialNone carries no certificate (clients).
	CredentialNone CredentialType = iota
	// CredentialCertificateFile is a PEM certificate plus key file.
	CredentialCertificateFile
	// CredentialCertificateFileProtected adds a password for an
	// encrypted PEM key file.
	CredentialCertificateFileProtected
	// CredentialPkcs12 is an in-memory PKCS#12 blob.
	CredentialPkcs12
)

// CredentialConfig describes the local credential for a SecConfig.
type CredentialConfig struct {
	Type CredentialType

	CertificateFile    string
	PrivateKeyFile     string
	PrivateKeyPassword string

	Pkcs12         []byte
	Pkcs12Password string

	// AllowedCipherSuites restricts the AEADs accepted from the engine;
	// zero allows all of GCM-256, CHACHA20, GCM-128. No preference order
	// is configured among them; the TLS engine's own suite order applies.
	AllowedCipherSuites CipherSuites

	// RootCAs overrides the system verification pool (mainly tests).
	RootCAs *x509.CertPool
}

// Callbacks is the upcall table the QUIC core supplies when creating a
// SecConfig. All callbacks run on the thread driving the TLS session.
type Callbacks struct {
	// ReceiveTP accepts the peer's transport parameters. Returning false
	// fails the handshake.
	ReceiveTP func(conn any, buf []byte) bool
	// ReceiveTicket accepts a resumption ticket (client) or ticket app
	// data echo (server). Returning false fails the operation.
	ReceiveTicket func(conn any, buf []byte) bool
	// CertificateReceived lets the core veto the peer certificate.
	// deferredErr carries the platform validation failure when
	// validation is deferred.
	CertificateReceived func(conn any, leaf *x509.Certificate, chain []*x509.Certificate, deferredErr error) bool
}

// CompletionFunc observes SecConfig creation. It fires exactly once:
// before NewSecConfig returns on the synchronous path, after it returns
// ErrPending on the asynchronous path.
type CompletionFunc func(ctx any, err error, sc *SecConfig)

// ErrPending is returned by NewSecConfig with FlagLoadAsynchronous; the
// result arrives via the completion callback.
var ErrPending = errors.New("security configuration load pending")

// SecConfig is a share-counted security configuration: the certificate,
// verification policy, cipher restrictions, ticket keys, and the core's
// callback table. Sessions hold references; the last release destroys
// it.
type SecConfig struct {
	flags     Flags
	callbacks Callbacks
	logger    *slog.Logger

	isClient bool
	allowed  CipherSuites

	cert    *tls.Certificate
	rootCAs *x509.CertPool

	mu     sync.Mutex
	sealer *ticketSealer
	cache  *clientSessionCache

	refs *sys.RefCount
}

// sessionCache lazily builds the shared client resumption cache.
func (sc *SecConfig) sessionCache() *clientSessionCache {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.cache == nil {
		sc.cache = newClientSessionCache()
	}
	return sc.cache
}

// NewSecConfig validates the credential and builds the configuration.
// The completion always fires exactly once; with FlagLoadAsynchronous
// the call returns ErrPending first and loading happens on a worker.
func NewSecConfig(cred *CredentialConfig, flags Flags, callbacks Callbacks, ctx any, completion CompletionFunc, logger *slog.Logger) error {
	if cred == nil || completion == nil {
		return trace.BadParameter("credential config and completion are required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if flags&FlagEnableOCSP != 0 {
		return trace.NotImplemented("OCSP stapling is not supported on this platform")
	}
	if flags&FlagClient != 0 && flags&FlagRequireClientAuth != 0 {
		return trace.BadParameter("client configurations cannot require client auth")
	}
	if flags&FlagNoCertificateValidation != 0 && flags&FlagDeferCertificateValidation != 0 {
		return trace.BadParameter("cannot both disable and defer certificate validation")
	}
	if flags&FlagClient == 0 && cred.Type == CredentialNone {
		return trace.BadParameter("server configurations require a certificate")
	}
	if cred.Type == CredentialCertificateFileProtected && cred.PrivateKeyPassword == "" {
		return trace.BadParameter("protected key file requires a password")
	}
	if cred.Type == CredentialPkcs12 {
		if len(cred.Pkcs12) == 0 {
			return trace.BadParameter("PKCS#12 credential requires a blob")
		}
		if cred.Pkcs12Password == "" {
			return trace.BadParameter("PKCS#12 credential requires a password")
		}
	}

	build := func() {
		sc, err := buildSecConfig(cred, flags, callbacks, logger)
		completion(ctx, err, sc)
	}

	if flags&FlagLoadAsynchronous != 0 {
		go build()
		return ErrPending
	}
	build()
	return nil
}

func buildSecConfig(cred *CredentialConfig, flags Flags, callbacks Callbacks, logger *slog.Logger) (*SecConfig, error) {
	sc := &SecConfig{
		flags:     flags,
		callbacks: callbacks,
		logger:    logger,
		isClient:  flags&FlagClient != 0,
		allowed:   cred.AllowedCipherSuites,
		rootCAs:   cred.RootCAs,
		refs:      sys.NewRefCount(),
	}

	switch cred.Type {
	case CredentialNone:
		// Client without a certificate.
	case CredentialCertificateFile, CredentialCertificateFileProtected:
		c, err := loadCertificateFiles(cred)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		sc.cert = c
	case CredentialPkcs12:
		c, err := loadPkcs12(cred.Pkcs12, cred.Pkcs12Password)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		sc.cert = c
	default:
		return nil, trace.BadParameter("unknown credential type %d", cred.Type)
	}
	return sc, nil
}

func loadCertificateFiles(cred *CredentialConfig) (*tls.Certificate, error) {
	if cred.CertificateFile == "" || cred.PrivateKeyFile == "" {
		return nil, trace.BadParameter("certificate and key file paths are required")
	}

	if cred.Type == CredentialCertificateFileProtected {
		keyPEM, err := os.ReadFile(cred.PrivateKeyFile)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		certPEM, err := os.ReadFile(cred.CertificateFile)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		block, _ := pem.Decode(keyPEM)
		if block == nil {
			return nil, trace.BadParameter("no PEM block in key file")
		}
		//nolint:staticcheck // legacy encrypted-PEM keys are what this credential type carries
		der, err := x509.DecryptPEMBlock(block, []byte(cred.PrivateKeyPassword))
		if err != nil {
			return nil, trace.AccessDenied("decrypting private key: %v", err)
		}
		c, err := tls.X509KeyPair(certPEM, pem.EncodeToMemory(&pem.Block{Type: block.Type, Bytes: der}))
		if err != nil {
			return nil, trace.Wrap(err)
		}
		return &c, nil
	}

	c, err := tls.LoadX509KeyPair(cred.CertificateFile, cred.PrivateKeyFile)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &c, nil
}

func loadPkcs12(blob []byte, password string) (*tls.Certificate, error) {
	key, leaf, err := pkcs12.Decode(blob, password)
	if err != nil {
		return nil, trace.AccessDenied("decoding PKCS#12 blob: %v", err)
	}
	return &tls.Certificate{
		Certificate: [][]byte{leaf.Raw},
		PrivateKey:  key,
		Leaf:        leaf,
	}, nil
}

// AddRef shares the configuration with another session.
func (sc *SecConfig) AddRef() { sc.refs.AddRef() }

// Release drops one reference; the last release scrubs the ticket key.
func (sc *SecConfig) Release() {
	if !sc.refs.Release() {
		return
	}
	sc.mu.Lock()
	if sc.sealer != nil {
		for i := range sc.sealer.key.Material {
			sc.sealer.key.Material[i] = 0
		}
		sc.sealer = nil
	}
	sc.mu.Unlock()
}

// SetTicketKeys installs session-ticket protection keys. Only the first
// key of the list is used. Server-only.
func (sc *SecConfig) SetTicketKeys(keys []TicketKey) error {
	if sc.isClient {
		return trace.BadParameter("ticket keys are server-only")
	}
	if len(keys) == 0 {
		return trace.BadParameter("at least one ticket key is required")
	}
	if sc.flags&FlagDisableResumption != 0 {
		return trace.BadParameter("resumption is disabled on this configuration")
	}
	sc.mu.Lock()
	sc.sealer = newTicketSealer(keys[0])
	sc.mu.Unlock()
	return nil
}

func (sc *SecConfig) ticketSealer() *ticketSealer {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.sealer
}

// suiteAllowed enforces the configured cipher restriction against the
// engine's negotiated suite.
func (sc *SecConfig) suiteAllowed(aead crypt.AeadType) bool {
	if sc.allowed == 0 {
		return true
	}
	switch aead {
	case crypt.AeadAes128Gcm:
		return sc.allowed&CipherAes128Gcm != 0
	case crypt.AeadAes256Gcm:
		return sc.allowed&CipherAes256Gcm != 0
	case crypt.AeadChaCha20Poly1305:
		return sc.allowed&CipherChaCha20Poly1305 != 0
	default:
		return false
	}
}
