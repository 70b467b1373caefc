/**
 * Copyright (c) 2025, runZero, Inc.
 *
 * See LICENSE.TXT in the root directory of this source tree.
 */

package crypt

import (
	"bytes"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/require"
)

func unhex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	require.NoError(t, err)
	return b
}

func TestFormatLabel(t *testing.T) {
	t.Parallel()

	// RFC 8446 §7.1 wire form for HkdfExpandLabel("quic key", 16).
	want := []byte{
		0x00, 0x10, 0x0e,
		0x74, 0x6c, 0x73, 0x31, 0x33, 0x20, // "tls13 "
		0x71, 0x75, 0x69, 0x63, 0x20, 0x6b, 0x65, 0x79, // "quic key"
		0x00,
	}
	require.Equal(t, want, FormatLabel("quic key", 16))
}

// TestInitialKeys checks the RFC 9001 Appendix A.1 vectors.
func TestInitialKeys(t *testing.T) {
	t.Parallel()

	cid := unhex(t, "8394c8f03e515708")

	clientRead, clientWrite, err := InitialKeys(false, InitialSaltV1, cid)
	require.NoError(t, err)
	serverRead, serverWrite, err := InitialKeys(true, InitialSaltV1, cid)
	require.NoError(t, err)

	// Client write == server read == "client in" direction.
	require.Equal(t, unhex(t, "1f369613dd76d5467730efcbe3b1a22d"), clientWrite.Aead.material)
	require.Equal(t, unhex(t, "fa044b2f42a3fd3b46fb255c"), clientWrite.IV[:])
	require.Equal(t, unhex(t, "9f50449e04a0e810283a1e9933adedd2"), clientWrite.HeaderKey.material)
	require.Equal(t, unhex(t, "9f50449e"), clientWrite.HeaderKey.material[:4])

	require.Equal(t, clientWrite.Aead.material, serverRead.Aead.material)
	require.Equal(t, clientWrite.IV, serverRead.IV)

	// Server write == client read == "server in" direction.
	require.Equal(t, unhex(t, "cf3a5331653c364c88f0f379b6067e37"), serverWrite.Aead.material)
	require.Equal(t, unhex(t, "0ac1493ca1905853b0bba03e"), serverWrite.IV[:])
	require.Equal(t, unhex(t, "c206b8d9b9f0f37644430b490eeaa314"), serverWrite.HeaderKey.material)
	require.Equal(t, serverWrite.Aead.material, clientRead.Aead.material)
}

func TestAeadRoundTrip(t *testing.T) {
	t.Parallel()

	for _, aeadType := range []AeadType{AeadAes128Gcm, AeadAes256Gcm, AeadChaCha20Poly1305} {
		t.Run(aeadType.String(), func(t *testing.T) {
			t.Parallel()

			keyLen, err := aeadType.KeyLength()
			require.NoError(t, err)
			key, err := NewKey(aeadType, bytes.Repeat([]byte{0x42}, keyLen))
			require.NoError(t, err)

			iv := bytes.Repeat([]byte{0x24}, IVLength)
			aad := []byte("associated data")
			plain := bytes.Repeat([]byte{0xA5}, 1200)

			out := make([]byte, len(plain)+EncryptionOverhead)
			require.NoError(t, key.Encrypt(iv, aad, plain, out))

			decrypted := make([]byte, len(plain))
			require.NoError(t, key.Decrypt(iv, aad, out, decrypted))
			require.Equal(t, plain, decrypted)

			// A single flipped bit anywhere in ciphertext, tag, iv, or aad
			// must fail authentication.
			corrupt := func(name string, mutate func()) {
				mutate()
				err := key.Decrypt(iv, aad, out, decrypted)
				require.ErrorIs(t, err, ErrDecryptionFailed, name)
				mutate() // restore
			}
			corrupt("ciphertext", func() { out[0] ^= 1 })
			corrupt("tag", func() { out[len(out)-1] ^= 1 })
			corrupt("iv", func() { iv[0] ^= 1 })
			corrupt("aad", func() { aad[0] ^= 1 })
		})
	}
}

func TestDecryptRejectsShortInput(t *testing.T) {
	t.Parallel()

	key, err := NewKey(AeadAes128Gcm, make([]byte, 16))
	require.NoError(t, err)
	err = key.Decrypt(make([]byte, IVLength), nil, make([]byte, EncryptionOverhead-1), nil)
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrDecryptionFailed)
}

// TestHeaderMaskVectors checks the RFC 9001 Appendix A sample masks.
func TestHeaderMaskVectors(t *testing.T) {
	t.Parallel()

	// A.2: client Initial header protection (AES-128).
	hp, err := NewHeaderKey(AeadAes128Gcm, unhex(t, "9f50449e04a0e810283a1e9933adedd2"))
	require.NoError(t, err)
	mask, err := hp.Mask(unhex(t, "d1b1c98dd7689fb8ec11d242b123dc9b"))
	require.NoError(t, err)
	require.Equal(t, unhex(t, "437b9aec36"), mask[:])

	// A.5: ChaCha20-Poly1305 short header packet.
	hp, err = NewHeaderKey(AeadChaCha20Poly1305,
		unhex(t, "25a282b9e82f06f21f488917a4fc8f1b73573685608597d0efcb076b0ab7a7a4"))
	require.NoError(t, err)
	mask, err = hp.Mask(unhex(t, "5e5cd55c41f69080575d7999c25a5bfb"))
	require.NoError(t, err)
	require.Equal(t, unhex(t, "aefefe7d03"), mask[:])
}

func TestHeaderMaskDeterminism(t *testing.T) {
	t.Parallel()

	hp, err := NewHeaderKey(AeadAes256Gcm, bytes.Repeat([]byte{7}, 32))
	require.NoError(t, err)
	sample := bytes.Repeat([]byte{9}, SampleLength)
	m1, err := hp.Mask(sample)
	require.NoError(t, err)
	m2, err := hp.Mask(sample)
	require.NoError(t, err)
	require.Equal(t, m1, m2)
}

func TestKeyUpdate(t *testing.T) {
	t.Parallel()

	secret := &TrafficSecret{
		Aead:   AeadAes256Gcm,
		Hash:   HashSha384,
		Secret: bytes.Repeat([]byte{0x5c}, 48),
	}
	key, err := DeriveKey(KeyTypeOneRtt, DefaultLabels, secret, true)
	require.NoError(t, err)
	require.NotNil(t, key.TrafficSecret)

	updated, err := UpdateKey(DefaultLabels, key)
	require.NoError(t, err)

	wantSecret, err := HkdfExpandLabel(HashSha384, key.TrafficSecret.Secret, "quic ku", 48)
	require.NoError(t, err)
	require.Equal(t, wantSecret, updated.TrafficSecret.Secret)

	// The header key is carried forward, not rotated.
	require.Same(t, key.HeaderKey, updated.HeaderKey)

	// AEAD key and IV are re-derived from the new secret.
	require.NotEqual(t, key.Aead.material, updated.Aead.material)
	require.NotEqual(t, key.IV, updated.IV)

	// A second update advances the schedule again.
	updated2, err := UpdateKey(DefaultLabels, updated)
	require.NoError(t, err)
	require.NotEqual(t, updated.TrafficSecret.Secret, updated2.TrafficSecret.Secret)
}

func TestUpdateRequiresTrafficSecret(t *testing.T) {
	t.Parallel()

	secret := &TrafficSecret{Aead: AeadAes128Gcm, Hash: HashSha256, Secret: make([]byte, 32)}
	key, err := DeriveKey(KeyTypeHandshake, DefaultLabels, secret, false)
	require.NoError(t, err)
	_, err = UpdateKey(DefaultLabels, key)
	require.Error(t, err)
}

func TestScrubIdempotent(t *testing.T) {
	t.Parallel()

	secret := &TrafficSecret{Aead: AeadAes128Gcm, Hash: HashSha256, Secret: bytes.Repeat([]byte{1}, 32)}
	key, err := DeriveKey(KeyTypeOneRtt, DefaultLabels, secret, true)
	require.NoError(t, err)

	key.Scrub()
	require.Equal(t, bytes.Repeat([]byte{0}, 16), key.Aead.material)
	key.Scrub()

	var nilKey *PacketKey
	nilKey.Scrub()
}

func TestSaltedHash(t *testing.T) {
	t.Parallel()

	h, err := NewHash(HashSha256, []byte("salt"))
	require.NoError(t, err)
	out1 := make([]byte, 32)
	out2 := make([]byte, 32)
	require.NoError(t, h.Compute([]byte("input"), out1))
	require.NoError(t, h.Compute([]byte("input"), out2))
	require.Equal(t, out1, out2)

	h2, err := NewHash(HashSha256, []byte("other salt"))
	require.NoError(t, err)
	require.NoError(t, h2.Compute([]byte("input"), out2))
	require.NotEqual(t, out1, out2)

	require.Error(t, h.Compute([]byte("x"), make([]byte, 16)))
}
