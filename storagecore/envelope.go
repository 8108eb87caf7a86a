package storagecore

import (
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/ironledger/storagecore/norcow"
)

// Each protected value is sealed independently with ChaCha20-Poly1305
// under the device's data encryption key, with the key id as associated
// data so a ciphertext can never be replayed under a different key.
// On-flash layout: nonce(12) ‖ ciphertext ‖ tag(16).

func leKeyBytes(key Key) []byte {
	return []byte{byte(key), byte(key >> 8)}
}

func (s *Store) storageSetEncryptedLocked(key Key, val []byte) error {
	aead, err := chacha20poly1305.New(s.cachedDEK[:])
	if err != nil {
		return err
	}
	nonce, err := randomBytes(chacha20poly1305.NonceSize)
	if err != nil {
		return err
	}
	sealed := aead.Seal(nil, nonce, val, leKeyBytes(key))

	blob := make([]byte, 0, len(nonce)+len(sealed))
	blob = append(blob, nonce...)
	blob = append(blob, sealed...)

	existed, err := s.flash.SetEx(key, blob)
	if err != nil {
		return err
	}
	if err := s.authUpdateTagLocked(); err != nil {
		// The entry exists on flash but STORAGE_TAG no longer accounts
		// for it; if we just created it, remove it again rather than
		// leave the invariant broken until the next mutation.
		if !existed {
			s.flash.Delete(key)
		}
		return err
	}
	return nil
}

func (s *Store) storageGetEncryptedLocked(key Key) ([]byte, error) {
	if err := s.verifyStorageTagLocked(); err != nil {
		s.handleFault("storage tag mismatch on protected read")
		return nil, err
	}
	blob, err := s.flash.Get(key)
	if err == norcow.ErrKeyNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if len(blob) < chacha20poly1305.NonceSize+chacha20poly1305.Overhead {
		s.handleFault("protected entry shorter than its envelope overhead")
		return nil, ErrCorruptEnvelope
	}
	nonce := blob[:chacha20poly1305.NonceSize]
	ciphertext := blob[chacha20poly1305.NonceSize:]

	aead, err := chacha20poly1305.New(s.cachedDEK[:])
	if err != nil {
		return nil, err
	}
	plain, err := aead.Open(nil, nonce, ciphertext, leKeyBytes(key))
	if err != nil {
		s.handleFault("protected entry failed to authenticate")
		return nil, ErrCorruptEnvelope
	}
	return plain, nil
}
