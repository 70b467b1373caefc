/**
 * Copyright (c) 2025, runZero, Inc.
 *
 * See LICENSE.TXT in the root directory of this source tree.
 */

package crypt

import (
	"github.com/gravitational/trace"
)

// KeyType is the QUIC encryption level a packet key protects.
type KeyType uint8

const (
	KeyTypeInitial KeyType = iota
	KeyTypeZeroRtt
	KeyTypeHandshake
	KeyTypeOneRtt

	// KeyTypeCount sizes per-level arrays.
	KeyTypeCount
)

func (k KeyType) String() string {
	switch k {
	case KeyTypeInitial:
		return "Initial"
	case KeyTypeZeroRtt:
		return "0-RTT"
	case KeyTypeHandshake:
		return "Handshake"
	case KeyTypeOneRtt:
		return "1-RTT"
	default:
		return "UNKNOWN"
	}
}

// InitialSaltV1 is the QUIC version 1 initial salt (RFC 9001 §5.2).
var InitialSaltV1 = []byte{
	0x38, 0x76, 0x2c, 0xf7, 0xf5, 0x59, 0x34, 0xb3,
	0x4d, 0x17, 0x9a, 0xe6, 0xa4, 0xc8, 0x0c, 0xad,
	0xcc, 0xbb, 0x7f, 0x0a,
}

// InitialSaltDraft29 covers the pre-v1 drafts still seen on the wire.
var InitialSaltDraft29 = []byte{
	0xaf, 0xbf, 0xec, 0x28, 0x99, 0x93, 0xd2, 0x4c,
	0x9e, 0x97, 0x86, 0xf1, 0x9c, 0x61, 0x11, 0xe0,
	0x43, 0x90, 0xa8, 0x99,
}

// TrafficSecret is a per-direction, per-level secret handed over by the
// TLS layer, from which a PacketKey is derived.
type TrafficSecret struct {
	Aead   AeadType
	Hash   HashType
	Secret []byte
}

// Scrub zeroes the secret bytes.
func (s *TrafficSecret) Scrub() {
	if s == nil {
		return
	}
	for i := range s.Secret {
		s.Secret[i] = 0
	}
}

// PacketKey bundles the AEAD key, IV, and header-protection key for one
// encryption level and direction. 1-RTT keys additionally retain their
// traffic secret so UpdateKey can derive the next-generation key.
type PacketKey struct {
	Type          KeyType
	Aead          *Key
	IV            [IVLength]byte
	HeaderKey     *HeaderKey
	TrafficSecret *TrafficSecret
}

// Scrub destroys all key material held by the packet key. Safe on nil,
// and idempotent.
func (k *PacketKey) Scrub() {
	if k == nil {
		return
	}
	k.Aead.Scrub()
	k.HeaderKey.Scrub()
	k.TrafficSecret.Scrub()
	for i := range k.IV {
		k.IV[i] = 0
	}
}

// DeriveKey expands a traffic secret into a packet key using the given
// label set. When copySecret is set (1-RTT keys) the secret is retained
// on the key for later Update calls.
func DeriveKey(keyType KeyType, labels Labels, secret *TrafficSecret, copySecret bool) (*PacketKey, error) {
	if secret == nil || len(secret.Secret) == 0 {
		return nil, trace.BadParameter("missing traffic secret")
	}

	keyLen, err := secret.Aead.KeyLength()
	if err != nil {
		return nil, trace.Wrap(err)
	}

	keyBytes, err := HkdfExpandLabel(secret.Hash, secret.Secret, labels.Key, keyLen)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	ivBytes, err := HkdfExpandLabel(secret.Hash, secret.Secret, labels.IV, IVLength)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	hpBytes, err := HkdfExpandLabel(secret.Hash, secret.Secret, labels.HeaderKey, keyLen)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	aeadKey, err := NewKey(secret.Aead, keyBytes)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	hpKey, err := NewHeaderKey(secret.Aead, hpBytes)
	if err != nil {
		aeadKey.Scrub()
		return nil, trace.Wrap(err)
	}

	k := &PacketKey{
		Type:      keyType,
		Aead:      aeadKey,
		HeaderKey: hpKey,
	}
	copy(k.IV[:], ivBytes)
	if copySecret {
		k.TrafficSecret = &TrafficSecret{
			Aead:   secret.Aead,
			Hash:   secret.Hash,
			Secret: append([]byte(nil), secret.Secret...),
		}
	}

	zero(keyBytes)
	zero(ivBytes)
	zero(hpBytes)
	return k, nil
}

// InitialKeys derives both directions of the Initial level from the
// version salt and the client's destination connection ID. Initial
// packets always use AES-128-GCM with SHA-256 (RFC 9001 §5.2).
func InitialKeys(isServer bool, salt, cid []byte) (readKey, writeKey *PacketKey, err error) {
	if len(cid) == 0 {
		return nil, nil, trace.BadParameter("missing connection ID")
	}

	initialSecret, err := HkdfExtract(HashSha256, cid, salt)
	if err != nil {
		return nil, nil, trace.Wrap(err)
	}
	defer zero(initialSecret)

	clientSecret, err := HkdfExpandLabel(HashSha256, initialSecret, "client in", 32)
	if err != nil {
		return nil, nil, trace.Wrap(err)
	}
	defer zero(clientSecret)
	serverSecret, err := HkdfExpandLabel(HashSha256, initialSecret, "server in", 32)
	if err != nil {
		return nil, nil, trace.Wrap(err)
	}
	defer zero(serverSecret)

	clientKey, err := DeriveKey(KeyTypeInitial, DefaultLabels, &TrafficSecret{
		Aead: AeadAes128Gcm, Hash: HashSha256, Secret: clientSecret,
	}, false)
	if err != nil {
		return nil, nil, trace.Wrap(err)
	}
	serverKey, err := DeriveKey(KeyTypeInitial, DefaultLabels, &TrafficSecret{
		Aead: AeadAes128Gcm, Hash: HashSha256, Secret: serverSecret,
	}, false)
	if err != nil {
		clientKey.Scrub()
		return nil, nil, trace.Wrap(err)
	}

	if isServer {
		return clientKey, serverKey, nil
	}
	return serverKey, clientKey, nil
}

// UpdateKey rotates a 1-RTT key: the retained traffic secret is expanded
// with the key-update label into the next-generation secret, and the
// AEAD key and IV are re-derived. The header-protection key is never
// rotated and is shared with the old key.
func UpdateKey(labels Labels, old *PacketKey) (*PacketKey, error) {
	if old == nil || old.TrafficSecret == nil {
		return nil, trace.BadParameter("key update requires a key with a retained traffic secret")
	}

	hashLen, err := old.TrafficSecret.Hash.Length()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	nextSecret, err := HkdfExpandLabel(old.TrafficSecret.Hash, old.TrafficSecret.Secret, labels.KeyUpdate, hashLen)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	defer zero(nextSecret)

	newKey, err := DeriveKey(KeyTypeOneRtt, labels, &TrafficSecret{
		Aead:   old.TrafficSecret.Aead,
		Hash:   old.TrafficSecret.Hash,
		Secret: nextSecret,
	}, true)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	// Old and new generations share the header key.
	newKey.HeaderKey.Scrub()
	newKey.HeaderKey = old.HeaderKey
	return newKey, nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
