package storagecore

import (
	"crypto/hmac"
	"crypto/sha256"

	"github.com/ironledger/storagecore/norcow"
)

// STORAGE_TAG authenticates the multiset of protected keys currently
// present in flash, independent of the content of their (separately
// AEAD-sealed) values. Its job is to catch an attacker deleting or
// reintroducing one protected entry at the flash level without
// touching the others — something a per-value AEAD tag alone cannot
// detect, since each entry is authenticated in isolation.
//
// The original firmware maintains this as an incrementally-updated
// running XOR sum, updating it as each protected key is touched, to
// avoid re-hashing the whole key set on every write. This port
// recomputes the sum from the live key set on every mutation instead:
// the operation is a handful of HMAC calls over 2-byte keys, cheap
// enough in a non-embedded context that the incremental bookkeeping
// isn't worth the extra state to keep synchronized.

// keyAuthTag returns this key's contribution to the authentication sum.
func (s *Store) keyAuthTag(key Key) []byte {
	mac := hmac.New(sha256.New, s.cachedSAK[:])
	mac.Write([]byte{byte(key), byte(key >> 8)})
	return mac.Sum(nil)
}

func (s *Store) protectedKeySum() ([]byte, error) {
	sum := make([]byte, sha256.Size)
	var c norcow.Cursor
	for {
		k, _, ok := s.flash.GetNext(&c)
		if !ok {
			break
		}
		if !isProtected(k) {
			continue
		}
		tag := s.keyAuthTag(k)
		for i := range sum {
			sum[i] ^= tag[i]
		}
	}
	return sum, nil
}

func (s *Store) computeStorageTag() ([]byte, error) {
	sum, err := s.protectedKeySum()
	if err != nil {
		return nil, err
	}
	mac := hmac.New(sha256.New, s.cachedSAK[:])
	mac.Write(sum)
	full := mac.Sum(nil)
	return full[:storageTagSize], nil
}

// authInitLocked writes STORAGE_TAG for an empty protected set.
func (s *Store) authInitLocked() error {
	return s.authUpdateTagLocked()
}

// authUpdateTagLocked recomputes and persists STORAGE_TAG after a
// protected key has been added, changed, or removed.
func (s *Store) authUpdateTagLocked() error {
	tag, err := s.computeStorageTag()
	if err != nil {
		return err
	}
	return s.flash.Set(keyStorageTag, tag)
}

// verifyStorageTagLocked recomputes STORAGE_TAG and compares it against
// the persisted value in constant time. A mismatch means the protected
// key set was tampered with outside of this package and is a fault,
// not a benign error.
func (s *Store) verifyStorageTagLocked() error {
	stored, err := s.flash.Get(keyStorageTag)
	if err != nil {
		return err
	}
	tag, err := s.computeStorageTag()
	if err != nil {
		return err
	}
	if !s.secureEqual(tag, stored) {
		return ErrAuthenticationFailed
	}
	return nil
}
