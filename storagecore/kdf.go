package storagecore

import (
	"crypto/sha256"
	"encoding/binary"

	"golang.org/x/crypto/pbkdf2"
)

const (
	hardwareSaltSize = 32 // crypto/sha256.Size, a device-unique secret burned in at manufacturing
	randomSaltSize   = 4
	kekSize          = 32 // key-encryption key wrapping the real data/authentication keys
	keivSize         = 12 // ChaCha20-Poly1305 nonce for the wrap
	dekSize          = 32 // data encryption key, generated once at wipe time
	sakSize          = 16 // storage authentication key, generated once at wipe time
	keysSize         = dekSize + sakSize
	pvcSize          = 8 // truncated PIN verification code, for a cheap wrong-PIN rejection
	storageTagSize   = 16
	kdfIterations    = 10000 // per derived 32-byte half; 20000 total per spec
)

// deriveWrappingKey runs the split key derivation: PBKDF2-HMAC-SHA256
// over the PIN (encoded little-endian) salted with the hardware salt
// concatenated with the random salt drawn each time a PIN is set,
// producing the key-encryption key and wrap nonce in one call. PBKDF2
// computes each 32-byte output block with its own kdfIterations chain
// at block index 1, 2, ..., so the key comes from block 1 and the nonce
// from the start of block 2: the same output and the same total
// iteration count as two separate derivations at those block indices.
//
// The PIN verification code is not derived here: it is the first 8
// bytes of the Poly1305 tag produced when EDEK/ESAK are sealed under
// the returned kek/keiv, computed by the caller at seal time.
func deriveWrappingKey(pin uint32, hardwareSalt [hardwareSaltSize]byte, randomSalt [randomSaltSize]byte) (kek [kekSize]byte, keiv [keivSize]byte) {
	password := make([]byte, 4)
	binary.LittleEndian.PutUint32(password, pin)

	salt := make([]byte, 0, hardwareSaltSize+randomSaltSize)
	salt = append(salt, hardwareSalt[:]...)
	salt = append(salt, randomSalt[:]...)

	combined := pbkdf2.Key(password, salt, kdfIterations, kekSize+keivSize, sha256.New)
	copy(kek[:], combined[:kekSize])
	copy(keiv[:], combined[kekSize:kekSize+keivSize])
	zeroize(password)
	zeroize(combined)
	return kek, keiv
}
