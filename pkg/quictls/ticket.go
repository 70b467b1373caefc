/**
 * Copyright (c) 2025, runZero, Inc.
 *
 * See LICENSE.TXT in the root directory of this source tree.
 */

package quictls

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"

	"github.com/gravitational/trace"

	"github.com/runZeroInc/go-quicplatform/pkg/sys"
)

// TicketKey is a server session-ticket protection key: 32 bytes of
// material plus a 16-byte identifier carried in the ticket so rotated
// keys can be recognized.
type TicketKey struct {
	ID       [16]byte
	Material [32]byte
}

// ticketSealer protects session tickets with AES-256-CBC plus an
// encrypt-then-MAC HMAC-SHA-256. The full 32-byte material keys both the
// cipher and the MAC.
type ticketSealer struct {
	key TicketKey
}

func newTicketSealer(key TicketKey) *ticketSealer {
	return &ticketSealer{key: key}
}

// Seal produces: keyID(16) | iv(16) | cbc-ciphertext | hmac(32), with
// the MAC computed over everything before it. The 32-byte material keys
// both AES-256-CBC and the HMAC.
func (t *ticketSealer) Seal(plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(t.key.Material[:])
	if err != nil {
		return nil, trace.Wrap(err)
	}

	padLen := aes.BlockSize - len(plaintext)%aes.BlockSize
	padded := make([]byte, len(plaintext)+padLen)
	copy(padded, plaintext)
	for i := len(plaintext); i < len(padded); i++ {
		padded[i] = byte(padLen)
	}

	out := make([]byte, 16+aes.BlockSize+len(padded)+sha256.Size)
	copy(out[:16], t.key.ID[:])
	iv := out[16 : 16+aes.BlockSize]
	if err := sys.Random(iv); err != nil {
		return nil, trace.Wrap(err)
	}

	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out[32:32+len(padded)], padded)

	mac := hmac.New(sha256.New, t.key.Material[:])
	mac.Write(out[:32+len(padded)])
	mac.Sum(out[32+len(padded) : 32+len(padded)])
	return out, nil
}

// Open authenticates and decrypts a sealed ticket. A ticket carrying a
// different key ID or failing its MAC is rejected.
func (t *ticketSealer) Open(sealed []byte) ([]byte, error) {
	if len(sealed) < 16+aes.BlockSize+aes.BlockSize+sha256.Size {
		return nil, trace.BadParameter("ticket too short")
	}
	if subtle.ConstantTimeCompare(sealed[:16], t.key.ID[:]) != 1 {
		return nil, trace.AccessDenied("ticket protected by an unknown key")
	}

	body := sealed[:len(sealed)-sha256.Size]
	wantMAC := sealed[len(sealed)-sha256.Size:]
	mac := hmac.New(sha256.New, t.key.Material[:])
	mac.Write(body)
	if !hmac.Equal(mac.Sum(nil), wantMAC) {
		return nil, trace.AccessDenied("ticket authentication failed")
	}

	ct := body[32:]
	if len(ct)%aes.BlockSize != 0 {
		return nil, trace.BadParameter("ticket ciphertext misaligned")
	}
	block, err := aes.NewCipher(t.key.Material[:])
	if err != nil {
		return nil, trace.Wrap(err)
	}
	plain := make([]byte, len(ct))
	cipher.NewCBCDecrypter(block, body[16:32]).CryptBlocks(plain, ct)

	padLen := int(plain[len(plain)-1])
	if padLen == 0 || padLen > aes.BlockSize || padLen > len(plain) {
		return nil, trace.AccessDenied("ticket padding invalid")
	}
	for _, b := range plain[len(plain)-padLen:] {
		if int(b) != padLen {
			return nil, trace.AccessDenied("ticket padding invalid")
		}
	}
	return plain[:len(plain)-padLen], nil
}
