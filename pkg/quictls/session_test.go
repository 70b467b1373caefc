/**
 * Copyright (c) 2025, runZero, Inc.
 *
 * See LICENSE.TXT in the root directory of this source tree.
 */

package quictls

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"log/slog"
	"math/big"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/runZeroInc/go-quicplatform/pkg/crypt"
)

// testCredential writes a fresh self-signed server certificate to disk
// and returns its credential config plus a root pool trusting it.
func testCredential(t *testing.T) (*CredentialConfig, *x509.CertPool) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(time.Now().UnixNano()),
		Subject:               pkix.Name{CommonName: "server.test"},
		DNSNames:              []string{"server.test"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, key.Public(), key)
	require.NoError(t, err)

	dir := t.TempDir()
	certPath := filepath.Join(dir, "cert.pem")
	keyPath := filepath.Join(dir, "key.pem")

	require.NoError(t, os.WriteFile(certPath,
		pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600))
	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(keyPath,
		pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0o600))

	leaf, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	pool := x509.NewCertPool()
	pool.AddCert(leaf)

	return &CredentialConfig{
		Type:            CredentialCertificateFile,
		CertificateFile: certPath,
		PrivateKeyFile:  keyPath,
	}, pool
}

func mustSecConfig(t *testing.T, cred *CredentialConfig, flags Flags, callbacks Callbacks) *SecConfig {
	t.Helper()
	var out *SecConfig
	err := NewSecConfig(cred, flags, callbacks, nil, func(ctx any, err error, sc *SecConfig) {
		require.NoError(t, err)
		out = sc
	}, slog.Default())
	require.NoError(t, err)
	require.NotNil(t, out)
	t.Cleanup(out.Release)
	return out
}

type handshakePair struct {
	client, server *Session
	clientState    *ProcessState
	serverState    *ProcessState
}

// pump shuttles handshake bytes between the two sessions until both
// complete or progress stops.
func (p *handshakePair) pump(t *testing.T) (ResultFlags, ResultFlags) {
	t.Helper()

	var cFlags, sFlags ResultFlags
	cFlags = p.client.ProcessData(nil)
	if cFlags&ResultError != 0 {
		return cFlags, sFlags
	}

	for i := 0; i < 32; i++ {
		progressed := false

		if n := len(p.clientState.Buffer); n > 0 {
			buf := append([]byte(nil), p.clientState.Buffer...)
			p.clientState.Consume(n)
			sFlags |= p.server.ProcessData(buf)
			if sFlags&ResultError != 0 {
				return cFlags, sFlags
			}
			progressed = true
		}
		if n := len(p.serverState.Buffer); n > 0 {
			buf := append([]byte(nil), p.serverState.Buffer...)
			p.serverState.Consume(n)
			cFlags |= p.client.ProcessData(buf)
			if cFlags&ResultError != 0 {
				return cFlags, sFlags
			}
			progressed = true
		}

		if p.clientState.HandshakeComplete && p.serverState.HandshakeComplete && !progressed {
			break
		}
		if !progressed {
			break
		}
	}
	return cFlags, sFlags
}

func newHandshakePair(t *testing.T, clientSC, serverSC *SecConfig, clientTicket []byte) *handshakePair {
	t.Helper()

	alpn, err := FormatALPN([]string{"h3"})
	require.NoError(t, err)

	clientState := &ProcessState{}
	serverState := &ProcessState{}

	client, err := NewSession(clientSC, SessionConfig{
		Connection:           "client-conn",
		ServerName:           "server.test",
		ALPN:                 alpn,
		LocalTransportParams: []byte{0x01, 0x02, 0x03},
		ResumptionTicket:     clientTicket,
		State:                clientState,
	})
	require.NoError(t, err)
	t.Cleanup(client.Close)

	server, err := NewSession(serverSC, SessionConfig{
		Connection:           "server-conn",
		IsServer:             true,
		ALPN:                 alpn,
		LocalTransportParams: []byte{0x0a, 0x0b},
		State:                serverState,
	})
	require.NoError(t, err)
	t.Cleanup(server.Close)

	return &handshakePair{
		client:      client,
		server:      server,
		clientState: clientState,
		serverState: serverState,
	}
}

func TestHandshakeCompletes(t *testing.T) {
	t.Parallel()

	cred, pool := testCredential(t)

	var mu sync.Mutex
	tpSeen := map[string][]byte{}
	callbacks := Callbacks{
		ReceiveTP: func(conn any, buf []byte) bool {
			mu.Lock()
			tpSeen[conn.(string)] = append([]byte(nil), buf...)
			mu.Unlock()
			return true
		},
	}

	clientSC := mustSecConfig(t, &CredentialConfig{RootCAs: pool}, FlagClient, callbacks)
	serverSC := mustSecConfig(t, cred, 0, callbacks)

	pair := newHandshakePair(t, clientSC, serverSC, nil)
	cFlags, sFlags := pair.pump(t)

	require.Zero(t, cFlags&ResultError, "client error: %v", pair.client.Err())
	require.Zero(t, sFlags&ResultError, "server error: %v", pair.server.Err())
	require.True(t, pair.clientState.HandshakeComplete)
	require.True(t, pair.serverState.HandshakeComplete)

	// Both sides saw handshake data and key updates.
	require.NotZero(t, cFlags&ResultData)
	require.NotZero(t, sFlags&ResultData)
	require.NotZero(t, cFlags&ResultReadKeyUpdated)
	require.NotZero(t, sFlags&ResultWriteKeyUpdated)

	// Peer transport parameters crossed both ways.
	mu.Lock()
	require.Equal(t, []byte{0x0a, 0x0b}, tpSeen["client-conn"])
	require.Equal(t, []byte{0x01, 0x02, 0x03}, tpSeen["server-conn"])
	mu.Unlock()

	// ALPN negotiated and recorded.
	require.Equal(t, []byte("h3"), pair.clientState.NegotiatedALPN)
	require.Equal(t, []byte("h3"), pair.serverState.NegotiatedALPN)

	// All four key-slot pairs behave: handshake and 1-RTT keys exist and
	// line up across the connection (client write == server read).
	cw := pair.clientState.WriteKeys[crypt.KeyTypeOneRtt]
	sr := pair.serverState.ReadKeys[crypt.KeyTypeOneRtt]
	require.NotNil(t, cw)
	require.NotNil(t, sr)
	require.Equal(t, cw.IV, sr.IV, "1-RTT keys must match across the pair")
	require.NotNil(t, pair.clientState.ReadKeys[crypt.KeyTypeHandshake])
	require.NotNil(t, pair.serverState.WriteKeys[crypt.KeyTypeHandshake])

	// 1-RTT keys retain their traffic secret for key update.
	require.NotNil(t, cw.TrafficSecret)
	updated, err := crypt.UpdateKey(crypt.DefaultLabels, cw)
	require.NoError(t, err)
	require.Same(t, cw.HeaderKey, updated.HeaderKey)

	// Level offsets: the client's first flight is Initial-only, the
	// server's buffer grew through Handshake bytes.
	require.NotZero(t, pair.serverState.BufferOffsetHandshake)

	// Observation flags.
	require.True(t, pair.client.PeerTransportParamsReceived())
	require.True(t, pair.server.PeerTransportParamsReceived())
	require.True(t, pair.client.PeerCertificateReceived())
}

func TestHandshakeServerReadKeyDeferred(t *testing.T) {
	t.Parallel()

	cred, pool := testCredential(t)
	clientSC := mustSecConfig(t, &CredentialConfig{RootCAs: pool}, FlagClient, Callbacks{})
	serverSC := mustSecConfig(t, cred, 0, Callbacks{})

	pair := newHandshakePair(t, clientSC, serverSC, nil)

	// Drive only the client's first flight into the server: the server
	// must not yet expose a 1-RTT read key even though the engine has
	// the secret ready before handshake completion.
	cFlags := pair.client.ProcessData(nil)
	require.Zero(t, cFlags&ResultError)
	buf := append([]byte(nil), pair.clientState.Buffer...)
	pair.clientState.Consume(len(buf))
	sFlags := pair.server.ProcessData(buf)
	require.Zero(t, sFlags&ResultError, "server error: %v", pair.server.Err())
	require.False(t, pair.serverState.HandshakeComplete)
	require.Nil(t, pair.serverState.ReadKeys[crypt.KeyTypeOneRtt],
		"server 1-RTT read key must be deferred until handshake completion")

	// Finish the handshake; the deferred key must then appear.
	_, sFlags2 := pair.pump(t)
	require.Zero(t, sFlags2&ResultError, "server error: %v", pair.server.Err())
	require.True(t, pair.serverState.HandshakeComplete)
	require.NotNil(t, pair.serverState.ReadKeys[crypt.KeyTypeOneRtt])
	require.Equal(t, crypt.KeyTypeOneRtt, pair.serverState.ReadKey)
}

func TestHandshakeALPNMismatch(t *testing.T) {
	t.Parallel()

	cred, pool := testCredential(t)
	clientSC := mustSecConfig(t, &CredentialConfig{RootCAs: pool}, FlagClient, Callbacks{})
	serverSC := mustSecConfig(t, cred, 0, Callbacks{})

	clientALPN, err := FormatALPN([]string{"doq"})
	require.NoError(t, err)
	serverALPN, err := FormatALPN([]string{"h3"})
	require.NoError(t, err)

	clientState := &ProcessState{}
	serverState := &ProcessState{}
	client, err := NewSession(clientSC, SessionConfig{
		ServerName: "server.test", ALPN: clientALPN,
		LocalTransportParams: []byte{1}, State: clientState,
	})
	require.NoError(t, err)
	defer client.Close()
	server, err := NewSession(serverSC, SessionConfig{
		IsServer: true, ALPN: serverALPN,
		LocalTransportParams: []byte{2}, State: serverState,
	})
	require.NoError(t, err)
	defer server.Close()

	require.Zero(t, client.ProcessData(nil)&ResultError)
	flags := server.ProcessData(clientState.Buffer)
	require.NotZero(t, flags&ResultError, "no shared protocol must fail the handshake")
	// no_application_protocol (120) per RFC 7301.
	require.Equal(t, uint8(120), serverState.AlertCode)
}

func TestHandshakeUntrustedServerRejected(t *testing.T) {
	t.Parallel()

	cred, _ := testCredential(t)
	// Client trusts nothing.
	clientSC := mustSecConfig(t, &CredentialConfig{RootCAs: x509.NewCertPool()}, FlagClient, Callbacks{})
	serverSC := mustSecConfig(t, cred, 0, Callbacks{})

	pair := newHandshakePair(t, clientSC, serverSC, nil)
	cFlags, _ := pair.pump(t)
	require.NotZero(t, cFlags&ResultError)
	require.False(t, pair.clientState.HandshakeComplete)
}

func TestHandshakeDeferredValidation(t *testing.T) {
	t.Parallel()

	cred, _ := testCredential(t)

	var deferredErr error
	var gotLeaf *x509.Certificate
	callbacks := Callbacks{
		CertificateReceived: func(conn any, leaf *x509.Certificate, chain []*x509.Certificate, dErr error) bool {
			gotLeaf = leaf
			deferredErr = dErr
			return true // the core accepts despite the failure
		},
	}

	// Client with deferred validation and an empty trust pool: platform
	// validation fails, the callback observes the failure and accepts.
	clientSC := mustSecConfig(t, &CredentialConfig{RootCAs: x509.NewCertPool()},
		FlagClient|FlagDeferCertificateValidation, callbacks)
	serverSC := mustSecConfig(t, cred, 0, Callbacks{})

	pair := newHandshakePair(t, clientSC, serverSC, nil)
	cFlags, sFlags := pair.pump(t)
	require.Zero(t, cFlags&ResultError, "client error: %v", pair.client.Err())
	require.Zero(t, sFlags&ResultError)
	require.True(t, pair.clientState.HandshakeComplete)
	require.NotNil(t, gotLeaf)
	require.Error(t, deferredErr, "platform validation failure must reach the callback")
}

func TestHandshakeCertificateVeto(t *testing.T) {
	t.Parallel()

	cred, pool := testCredential(t)
	callbacks := Callbacks{
		CertificateReceived: func(conn any, leaf *x509.Certificate, chain []*x509.Certificate, dErr error) bool {
			return false
		},
	}
	clientSC := mustSecConfig(t, &CredentialConfig{RootCAs: pool}, FlagClient, callbacks)
	serverSC := mustSecConfig(t, cred, 0, Callbacks{})

	pair := newHandshakePair(t, clientSC, serverSC, nil)
	cFlags, _ := pair.pump(t)
	require.NotZero(t, cFlags&ResultError, "core veto must fail the handshake")
}

func TestSessionTicketFlow(t *testing.T) {
	t.Parallel()

	cred, pool := testCredential(t)

	var mu sync.Mutex
	var clientTicket []byte
	var serverEcho []byte
	callbacks := Callbacks{
		ReceiveTicket: func(conn any, buf []byte) bool {
			mu.Lock()
			defer mu.Unlock()
			switch conn {
			case "client-conn":
				clientTicket = append([]byte(nil), buf...)
			case "server-conn":
				serverEcho = append([]byte(nil), buf...)
			}
			return true
		},
	}

	clientSC := mustSecConfig(t, &CredentialConfig{RootCAs: pool}, FlagClient, callbacks)
	serverSC := mustSecConfig(t, cred, 0, callbacks)
	require.NoError(t, serverSC.SetTicketKeys([]TicketKey{testTicketKey(9)}))

	pair := newHandshakePair(t, clientSC, serverSC, nil)
	cFlags, sFlags := pair.pump(t)
	require.Zero(t, (cFlags|sFlags)&ResultError)

	// Server attaches app data and issues a ticket.
	appData := []byte("ticket app data")
	flags := pair.server.ProcessTicketData(appData)
	require.Zero(t, flags&ResultError, "server error: %v", pair.server.Err())
	require.NotZero(t, flags&ResultData, "the ticket must produce 1-RTT handshake bytes")

	// Deliver the NewSessionTicket to the client; it surfaces via
	// ReceiveTicket.
	buf := append([]byte(nil), pair.serverState.Buffer...)
	pair.serverState.Consume(len(buf))
	cFlags = pair.client.ProcessData(buf)
	require.Zero(t, cFlags&ResultError, "client error: %v", pair.client.Err())

	mu.Lock()
	require.NotEmpty(t, clientTicket, "client must receive the session ticket")
	mu.Unlock()

	// Resume: a fresh pair over the same configurations (shared client
	// cache, same server ticket key).
	pair2 := newHandshakePair(t, clientSC, serverSC, nil)
	cFlags, sFlags = pair2.pump(t)
	require.Zero(t, (cFlags|sFlags)&ResultError,
		"client err: %v server err: %v", pair2.client.Err(), pair2.server.Err())
	require.True(t, pair2.clientState.HandshakeComplete)
	require.True(t, pair2.serverState.HandshakeComplete)
	require.True(t, pair2.serverState.SessionResumed, "second handshake must resume")

	mu.Lock()
	require.Equal(t, appData, serverEcho, "ticket app data must round-trip to the server callback")
	mu.Unlock()
}

func TestTicketDataRequiresServer(t *testing.T) {
	t.Parallel()

	cred, pool := testCredential(t)
	clientSC := mustSecConfig(t, &CredentialConfig{RootCAs: pool}, FlagClient, Callbacks{})
	serverSC := mustSecConfig(t, cred, 0, Callbacks{})

	pair := newHandshakePair(t, clientSC, serverSC, nil)
	flags := pair.client.ProcessTicketData([]byte("x"))
	require.NotZero(t, flags&ResultError)

	// And a server cannot issue before completion.
	flags = pair.server.ProcessTicketData([]byte("x"))
	require.NotZero(t, flags&ResultError)
}

func TestSessionRoleMustMatchConfig(t *testing.T) {
	t.Parallel()

	cred, pool := testCredential(t)
	clientSC := mustSecConfig(t, &CredentialConfig{RootCAs: pool}, FlagClient, Callbacks{})
	serverSC := mustSecConfig(t, cred, 0, Callbacks{})

	alpn, err := FormatALPN([]string{"h3"})
	require.NoError(t, err)

	_, err = NewSession(clientSC, SessionConfig{IsServer: true, ALPN: alpn, State: &ProcessState{}})
	require.Error(t, err)
	_, err = NewSession(serverSC, SessionConfig{ALPN: alpn, State: &ProcessState{}})
	require.Error(t, err)
}

func TestProcessStateConsume(t *testing.T) {
	t.Parallel()

	ps := &ProcessState{}
	require.True(t, ps.appendHandshake(crypt.KeyTypeInitial, []byte("abcdef")))
	ps.Consume(4)
	require.Equal(t, []byte("ef"), ps.Buffer)
	require.Equal(t, uint32(6), ps.BufferTotalLength)
	ps.Consume(10)
	require.Empty(t, ps.Buffer)
}

func TestProcessStateBufferCap(t *testing.T) {
	t.Parallel()

	ps := &ProcessState{}
	big := make([]byte, maxHandshakeBuffer)
	require.True(t, ps.appendHandshake(crypt.KeyTypeInitial, big))
	require.False(t, ps.appendHandshake(crypt.KeyTypeInitial, []byte{1}),
		"the handshake buffer must refuse growth past the cap")
}

func TestProcessStateLevelOffsets(t *testing.T) {
	t.Parallel()

	ps := &ProcessState{}
	require.True(t, ps.appendHandshake(crypt.KeyTypeInitial, make([]byte, 100)))
	require.Zero(t, ps.BufferOffsetHandshake)
	require.True(t, ps.appendHandshake(crypt.KeyTypeHandshake, make([]byte, 50)))
	require.Equal(t, uint32(100), ps.BufferOffsetHandshake)
	require.True(t, ps.appendHandshake(crypt.KeyTypeHandshake, make([]byte, 25)))
	require.Equal(t, uint32(100), ps.BufferOffsetHandshake, "offset is stamped once")
	require.True(t, ps.appendHandshake(crypt.KeyTypeOneRtt, make([]byte, 10)))
	require.Equal(t, uint32(175), ps.BufferOffset1Rtt)
}
