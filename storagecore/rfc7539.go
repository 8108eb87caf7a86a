package storagecore

import (
	"encoding/binary"

	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/poly1305"
)

// rfc7539KeystreamCipher returns the raw ChaCha20 stream positioned at
// the start of the message keystream (block counter 1) together with
// the one-time Poly1305 key taken from block counter 0 — the same two
// values golang.org/x/crypto/chacha20poly1305 derives internally
// before sealing. Exposing them lets a caller recompute an RFC 7539
// tag over ciphertext it already holds and only then decrypt, instead
// of needing the full tag up front the way crypto/cipher.AEAD.Open
// requires.
func rfc7539KeystreamCipher(key [kekSize]byte, nonce [keivSize]byte) (*chacha20.Cipher, [32]byte, error) {
	c, err := chacha20.NewUnauthenticatedCipher(key[:], nonce[:])
	if err != nil {
		return nil, [32]byte{}, err
	}
	var block [64]byte
	c.XORKeyStream(block[:], block[:])
	var polyKey [32]byte
	copy(polyKey[:], block[:32])
	zeroize(block[:])
	return c, polyKey, nil
}

// rfc7539Tag computes the Poly1305 tag RFC 7539 defines over aad and
// ciphertext under polyKey: pad16(aad) ‖ pad16(ciphertext) ‖ len(aad)
// ‖ len(ciphertext), the two lengths as little-endian uint64.
func rfc7539Tag(polyKey [32]byte, aad, ciphertext []byte) [poly1305.TagSize]byte {
	msg := make([]byte, 0, pad16Len(len(aad))+pad16Len(len(ciphertext))+16)
	msg = append(msg, aad...)
	msg = append(msg, make([]byte, pad16(len(aad)))...)
	msg = append(msg, ciphertext...)
	msg = append(msg, make([]byte, pad16(len(ciphertext)))...)
	var lens [16]byte
	binary.LittleEndian.PutUint64(lens[0:8], uint64(len(aad)))
	binary.LittleEndian.PutUint64(lens[8:16], uint64(len(ciphertext)))
	msg = append(msg, lens[:]...)

	var tag [poly1305.TagSize]byte
	poly1305.Sum(&tag, msg, &polyKey)
	return tag
}

func pad16(n int) int {
	if n%16 == 0 {
		return 0
	}
	return 16 - n%16
}

func pad16Len(n int) int { return n + pad16(n) }
