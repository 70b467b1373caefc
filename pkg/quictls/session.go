/**
 * Copyright (c) 2025, runZero, Inc.
 *
 * See LICENSE.TXT in the root directory of this source tree.
 */

package quictls

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"

	"github.com/gravitational/trace"

	"github.com/runZeroInc/go-quicplatform/pkg/cert"
	"github.com/runZeroInc/go-quicplatform/pkg/crypt"
)

// SessionConfig describes one connection's TLS session.
type SessionConfig struct {
	// Connection is the core's opaque connection handle, echoed on every
	// callback.
	Connection any

	IsServer bool

	// ServerName is the client's SNI; ignored for servers.
	ServerName string

	// ALPN is the application protocol list in wire form.
	ALPN []byte

	// LocalTransportParams is the encoded transport-parameter extension
	// body sent to the peer.
	LocalTransportParams []byte

	// ResumptionTicket optionally resumes from a previously received
	// serialized session (client only).
	ResumptionTicket []byte

	// State is the core-owned processing state.
	State *ProcessState
}

// Session drives one connection's handshake over out-of-band bytes. It
// is exclusively owned by one QUIC connection and is not safe for
// concurrent use.
type Session struct {
	sc    *SecConfig
	cfg   SessionConfig
	state *ProcessState

	conn    *tls.QUICConn
	records *recordList
	sni     string

	started     bool
	flags       ResultFlags
	lastErr     error
	ticketExtra []byte

	peerTPReceived   bool
	peerCertReceived bool

	// Server 1-RTT read secret is deferred until handshake complete.
	deferredReadSecret *crypt.TrafficSecret
}

// NewSession creates the TLS session for one connection. The SecConfig
// gains a reference, released by Close.
func NewSession(sc *SecConfig, cfg SessionConfig) (*Session, error) {
	if sc == nil || cfg.State == nil {
		return nil, trace.BadParameter("security config and process state are required")
	}
	if cfg.IsServer == sc.isClient {
		return nil, trace.BadParameter("session role does not match the security configuration")
	}

	protos, err := ParseALPN(cfg.ALPN)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	s := &Session{
		sc:      sc,
		cfg:     cfg,
		state:   cfg.State,
		records: newRecordList(),
		sni:     cfg.ServerName,
	}

	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS13,
		MaxVersion: tls.VersionTLS13,
		NextProtos: protos,
		RootCAs:    sc.rootCAs,
	}
	if sc.cert != nil {
		tlsConfig.Certificates = []tls.Certificate{*sc.cert}
	}

	if cfg.IsServer {
		if sc.flags&FlagRequireClientAuth != 0 {
			tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert
			tlsConfig.ClientCAs = sc.rootCAs
		}
		if sc.flags&FlagDisableResumption != 0 {
			tlsConfig.SessionTicketsDisabled = true
		} else if sealer := sc.ticketSealer(); sealer != nil {
			tlsConfig.WrapSession = func(cs tls.ConnectionState, ss *tls.SessionState) ([]byte, error) {
				if len(s.ticketExtra) > 0 {
					ss.Extra = append(ss.Extra, append([]byte(nil), s.ticketExtra...))
				}
				plain, err := ss.Bytes()
				if err != nil {
					return nil, err
				}
				return sealer.Seal(plain)
			}
			tlsConfig.UnwrapSession = func(identity []byte, cs tls.ConnectionState) (*tls.SessionState, error) {
				plain, err := sealer.Open(identity)
				if err != nil {
					// An unrecognized ticket falls back to a full
					// handshake rather than failing it.
					return nil, nil
				}
				return tls.ParseSessionState(plain)
			}
		}
	} else {
		tlsConfig.ServerName = cfg.ServerName
		if sc.flags&FlagDisableResumption == 0 {
			tlsConfig.ClientSessionCache = sc.sessionCache()
		}
	}

	if sc.flags&(FlagNoCertificateValidation|FlagDeferCertificateValidation) != 0 {
		tlsConfig.InsecureSkipVerify = true
	}
	tlsConfig.VerifyPeerCertificate = s.verifyPeer

	if !cfg.IsServer && len(cfg.ResumptionTicket) > 0 && sc.flags&FlagDisableResumption == 0 {
		if err := s.loadResumptionTicket(cfg.ResumptionTicket); err != nil {
			sc.logger.Warn("ignoring unusable resumption ticket", "error", err)
		}
	}

	qcfg := &tls.QUICConfig{
		TLSConfig:           tlsConfig,
		EnableSessionEvents: true,
	}
	if cfg.IsServer {
		s.conn = tls.QUICServer(qcfg)
	} else {
		s.conn = tls.QUICClient(qcfg)
	}

	tp := cfg.LocalTransportParams
	if tp == nil {
		tp = []byte{}
	}
	s.conn.SetTransportParameters(tp)

	sc.AddRef()
	return s, nil
}

// Close tears the session down and releases its SecConfig reference.
func (s *Session) Close() {
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
	s.records = nil
	if s.sc != nil {
		s.sc.Release()
		s.sc = nil
	}
}

// ServerName returns the session's SNI.
func (s *Session) ServerName() string { return s.sni }

// PeerTransportParamsReceived reports whether the peer's transport
// parameters have been observed.
func (s *Session) PeerTransportParamsReceived() bool { return s.peerTPReceived }

// PeerCertificateReceived reports whether a peer certificate has been
// observed.
func (s *Session) PeerCertificateReceived() bool { return s.peerCertReceived }

// Err returns the failure behind a ResultError flag.
func (s *Session) Err() error { return s.lastErr }

// ProcessData reassembles the CRYPTO-stream bytes into handshake
// records, feeds them to the engine at the current read level, and
// drains engine events into the process state. An empty buffer drives
// pure progress (e.g. the client's first flight).
func (s *Session) ProcessData(data []byte) ResultFlags {
	s.flags = 0

	if !s.started {
		s.started = true
		if err := s.conn.Start(context.Background()); err != nil {
			s.fail(err)
			return s.flags
		}
		s.drainEvents()
	}
	if s.flags&ResultError != 0 {
		return s.flags
	}

	if len(data) > 0 {
		if err := s.records.Append(data); err != nil {
			s.fail(err)
			return s.flags
		}
	}

	for {
		rec := s.records.NextComplete()
		if rec == nil {
			break
		}
		if err := s.conn.HandleData(levelFor(s.state.ReadKey), rec); err != nil {
			s.fail(err)
			return s.flags
		}
		s.records.Release()
		s.drainEvents()
		if s.flags&ResultError != 0 {
			return s.flags
		}
	}

	s.drainEvents()
	return s.flags
}

// ProcessTicketData attaches application bytes to the session ticket and
// requests a fresh ticket from the engine (server only). The resulting
// handshake bytes land in the process state at the 1-RTT level.
func (s *Session) ProcessTicketData(appData []byte) ResultFlags {
	s.flags = 0
	if !s.cfg.IsServer {
		s.fail(trace.BadParameter("ticket data is server-only"))
		return s.flags
	}
	if !s.state.HandshakeComplete {
		s.fail(trace.BadParameter("cannot issue tickets before handshake completion"))
		return s.flags
	}
	s.ticketExtra = append([]byte(nil), appData...)
	if err := s.conn.SendSessionTicket(tls.QUICSessionTicketOptions{}); err != nil {
		s.fail(err)
		return s.flags
	}
	s.drainEvents()
	return s.flags
}

// drainEvents moves every pending engine event into the process state.
func (s *Session) drainEvents() {
	for {
		e := s.conn.NextEvent()
		switch e.Kind {
		case tls.QUICNoEvent:
			return

		case tls.QUICSetReadSecret:
			s.handleSecret(true, e)
		case tls.QUICSetWriteSecret:
			s.handleSecret(false, e)

		case tls.QUICWriteData:
			level := keyTypeFor(e.Level)
			if !s.state.appendHandshake(level, e.Data) {
				s.fail(trace.LimitExceeded("handshake buffer exceeds %d bytes", maxHandshakeBuffer))
				return
			}
			s.flags |= ResultData

		case tls.QUICHandshakeDone:
			s.handshakeDone()

		case tls.QUICTransportParameters:
			s.peerTPReceived = true
			if cb := s.sc.callbacks.ReceiveTP; cb != nil {
				if !cb(s.cfg.Connection, e.Data) {
					s.fail(trace.BadParameter("transport parameters rejected"))
					return
				}
			}

		case tls.QUICStoreSession:
			// Client path: persist in the engine cache and hand the
			// serialized ticket to the core.
			if err := s.conn.StoreSession(e.SessionState); err != nil {
				s.fail(err)
				return
			}
			if cb := s.sc.callbacks.ReceiveTicket; cb != nil {
				if buf, err := e.SessionState.Bytes(); err == nil {
					if !cb(s.cfg.Connection, buf) {
						s.fail(trace.BadParameter("session ticket rejected"))
						return
					}
				}
			}

		case tls.QUICResumeSession:
			s.state.SessionResumed = true
			if len(e.SessionState.Extra) > 0 {
				// Server path: the ticket's application data comes back
				// through the same callback.
				if cb := s.sc.callbacks.ReceiveTicket; cb != nil {
					cb(s.cfg.Connection, e.SessionState.Extra[len(e.SessionState.Extra)-1])
				}
			}

		case tls.QUICRejectedEarlyData:
			s.state.EarlyData = EarlyDataRejected
		}
	}
}

func (s *Session) handleSecret(read bool, e tls.QUICEvent) {
	aead, hash, err := algsForSuite(e.Suite)
	if err != nil {
		s.fail(err)
		return
	}
	if !s.sc.suiteAllowed(aead) {
		s.fail(trace.AccessDenied("negotiated cipher suite 0x%04x is not allowed by this configuration", e.Suite))
		return
	}

	keyType := keyTypeFor(e.Level)
	secret := &crypt.TrafficSecret{
		Aead:   aead,
		Hash:   hash,
		Secret: append([]byte(nil), e.Data...),
	}

	// The server's 1-RTT read key only becomes valid once the client's
	// Finished has been verified; hold it until handshake completion.
	if read && s.cfg.IsServer && keyType == crypt.KeyTypeOneRtt && !s.state.HandshakeComplete {
		s.deferredReadSecret = secret
		return
	}

	key, err := crypt.DeriveKey(keyType, crypt.DefaultLabels, secret, keyType == crypt.KeyTypeOneRtt)
	if err != nil {
		s.fail(err)
		return
	}
	if read {
		s.state.ReadKeys[keyType] = key
		s.state.ReadKey = keyType
		s.flags |= ResultReadKeyUpdated
	} else {
		s.state.WriteKeys[keyType] = key
		s.state.WriteKey = keyType
		s.flags |= ResultWriteKeyUpdated
	}
}

func (s *Session) handshakeDone() {
	s.state.HandshakeComplete = true
	s.flags |= ResultHandshakeComplete

	cs := s.conn.ConnectionState()
	s.state.NegotiatedALPN = []byte(cs.NegotiatedProtocol)
	if cs.DidResume {
		s.state.SessionResumed = true
	}

	if s.deferredReadSecret != nil {
		secret := s.deferredReadSecret
		s.deferredReadSecret = nil
		key, err := crypt.DeriveKey(crypt.KeyTypeOneRtt, crypt.DefaultLabels, secret, true)
		if err != nil {
			s.fail(err)
			return
		}
		s.state.ReadKeys[crypt.KeyTypeOneRtt] = key
		s.state.ReadKey = crypt.KeyTypeOneRtt
		s.flags |= ResultReadKeyUpdated
	}
}

// verifyPeer routes the peer chain through platform validation policy
// and the core's CertificateReceived veto.
func (s *Session) verifyPeer(rawCerts [][]byte, verifiedChains [][]*x509.Certificate) error {
	s.peerCertReceived = true
	var leaf *x509.Certificate
	var chain []*x509.Certificate
	for i, raw := range rawCerts {
		c, err := x509.ParseCertificate(raw)
		if err != nil {
			return trace.Wrap(err, "parsing peer certificate %d", i)
		}
		if i == 0 {
			leaf = c
		} else {
			chain = append(chain, c)
		}
	}

	var deferredErr error
	if leaf != nil && s.sc.flags&FlagDeferCertificateValidation != 0 {
		host := ""
		if !s.cfg.IsServer {
			host = s.sni
		}
		if ok, err := cert.ValidateChain(leaf, chain, s.sc.rootCAs, host, 0); !ok {
			deferredErr = err
		}
	}

	if cb := s.sc.callbacks.CertificateReceived; cb != nil {
		if !cb(s.cfg.Connection, leaf, chain, deferredErr) {
			return trace.AccessDenied("certificate rejected by the connection")
		}
		return nil
	}
	return deferredErr
}

func (s *Session) loadResumptionTicket(data []byte) error {
	ss, err := tls.ParseSessionState(data)
	if err != nil {
		return trace.Wrap(err)
	}
	state, err := tls.NewResumptionState(nil, ss)
	if err != nil {
		return trace.Wrap(err)
	}
	s.sc.sessionCache().Put(s.sni, state)
	return nil
}

// fail records the error, extracts a TLS alert code when one is
// attached, and raises the error flag.
func (s *Session) fail(err error) {
	s.lastErr = err
	s.flags |= ResultError

	var alert tls.AlertError
	if errors.As(err, &alert) {
		s.state.AlertCode = uint8(alert)
	}
	s.sc.logger.Error("TLS session failure",
		"server", s.cfg.IsServer, "sni", s.sni, "error", err)
}

func levelFor(k crypt.KeyType) tls.QUICEncryptionLevel {
	switch k {
	case crypt.KeyTypeZeroRtt:
		return tls.QUICEncryptionLevelEarly
	case crypt.KeyTypeHandshake:
		return tls.QUICEncryptionLevelHandshake
	case crypt.KeyTypeOneRtt:
		return tls.QUICEncryptionLevelApplication
	default:
		return tls.QUICEncryptionLevelInitial
	}
}

func keyTypeFor(level tls.QUICEncryptionLevel) crypt.KeyType {
	switch level {
	case tls.QUICEncryptionLevelEarly:
		return crypt.KeyTypeZeroRtt
	case tls.QUICEncryptionLevelHandshake:
		return crypt.KeyTypeHandshake
	case tls.QUICEncryptionLevelApplication:
		return crypt.KeyTypeOneRtt
	default:
		return crypt.KeyTypeInitial
	}
}

func algsForSuite(suite uint16) (crypt.AeadType, crypt.HashType, error) {
	switch suite {
	case tls.TLS_AES_128_GCM_SHA256:
		return crypt.AeadAes128Gcm, crypt.HashSha256, nil
	case tls.TLS_AES_256_GCM_SHA384:
		return crypt.AeadAes256Gcm, crypt.HashSha384, nil
	case tls.TLS_CHACHA20_POLY1305_SHA256:
		return crypt.AeadChaCha20Poly1305, crypt.HashSha256, nil
	default:
		return 0, 0, trace.BadParameter("unsupported cipher suite 0x%04x", suite)
	}
}
