package storagecore

import (
	"time"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/ironledger/storagecore/norcow"
)

// pinMaxTries is the number of consecutive wrong PINs tolerated before
// the device wipes itself.
const pinMaxTries = 16

// edekBlobLayout's on-flash layout: randomSalt(4) ‖ ciphertext(keysSize)
// ‖ pvc(8). pvc is the first 8 bytes of the Poly1305 tag the AEAD seal
// produces over the ciphertext; only those 8 bytes are ever persisted,
// never the full tag, so a wrong PIN can be rejected (and the real tag
// independently recomputed from the stored ciphertext) before
// attempting the full unwrap.
func edekBlobLayout() (saltOff, ciphertextOff, pvcOff int) {
	return 0, randomSaltSize, randomSaltSize + keysSize
}

// setPinLocked wraps the device's data/authentication keys under a
// freshly salted derivation from pin and resets the retry log. It is
// used both to arm the very first (empty) PIN at wipe time and to
// commit a user-chosen PIN.
func (s *Store) setPinLocked(pin uint32, dek [dekSize]byte, sak [sakSize]byte, priorFails uint32) error {
	randomSalt, err := randomBytes(randomSaltSize)
	if err != nil {
		return err
	}
	var rs [randomSaltSize]byte
	copy(rs[:], randomSalt)

	kek, keiv := deriveWrappingKey(pin, s.hardwareSalt, rs)
	aead, err := chacha20poly1305.New(kek[:])
	if err != nil {
		return err
	}
	payload := make([]byte, 0, keysSize)
	payload = append(payload, dek[:]...)
	payload = append(payload, sak[:]...)
	sealed := aead.Seal(nil, keiv[:], payload, nil)
	zeroize(payload)
	zeroize(kek[:])
	zeroize(keiv[:])

	ciphertext := sealed[:keysSize]
	tag := sealed[keysSize:]

	blob := make([]byte, 0, randomSaltSize+keysSize+pvcSize)
	blob = append(blob, rs[:]...)
	blob = append(blob, ciphertext...)
	blob = append(blob, tag[:pvcSize]...)
	zeroize(sealed)

	if err := s.flash.Set(keyEDEKPVC, blob); err != nil {
		return err
	}
	if pin == pinEmpty {
		if err := s.flash.Set(keyPINNotSet, []byte{1}); err != nil {
			return err
		}
	} else if err := s.flash.Delete(keyPINNotSet); err != nil && err != norcow.ErrKeyNotFound {
		return err
	}
	return s.pinLogsInitLocked(priorFails)
}

// tryUnlockWithLocked attempts to unwrap the device's keys with pin,
// first via the cheap PVC precheck and only then via the full unwrap.
// Only 8 of the 16 Poly1305 tag bytes are ever on flash, so the
// precheck can't go through crypto/cipher.AEAD.Open (which demands the
// full tag before releasing any plaintext): it recomputes the tag
// directly from the stored ciphertext with the raw ChaCha20/Poly1305
// primitives instead. It never mutates the retry log; callers do that
// themselves so that the bookkeeping happens exactly once per attempt
// regardless of which check failed.
func (s *Store) tryUnlockWithLocked(pin uint32) (dek [dekSize]byte, sak [sakSize]byte, ok bool, err error) {
	blob, err := s.flash.Get(keyEDEKPVC)
	if err != nil {
		return dek, sak, false, err
	}
	saltOff, ciphertextOff, pvcOff := edekBlobLayout()
	if len(blob) != pvcOff+pvcSize {
		s.handleFault("EDEK_PVC entry has the wrong size")
		return dek, sak, false, &haltError{reason: "EDEK_PVC corrupt"}
	}
	var rs [randomSaltSize]byte
	copy(rs[:], blob[saltOff:saltOff+randomSaltSize])
	ciphertext := blob[ciphertextOff:pvcOff]
	storedPVC := blob[pvcOff:]

	kek, keiv := deriveWrappingKey(pin, s.hardwareSalt, rs)
	defer zeroize(kek[:])
	defer zeroize(keiv[:])

	cipher, polyKey, err := rfc7539KeystreamCipher(kek, keiv)
	if err != nil {
		return dek, sak, false, err
	}
	tag := rfc7539Tag(polyKey, nil, ciphertext)
	zeroize(polyKey[:])

	if !s.secureEqual(tag[:pvcSize], storedPVC) {
		return dek, sak, false, nil
	}

	plain := make([]byte, len(ciphertext))
	cipher.XORKeyStream(plain, ciphertext)

	copy(dek[:], plain[:dekSize])
	copy(sak[:], plain[dekSize:dekSize+sakSize])
	zeroize(plain)
	return dek, sak, true, nil
}

// delayLocked enforces the mandatory post-failure cooldown, doubling
// with each consecutive failure, and reports progress through the UI
// callback if one is registered.
func (s *Store) delayLocked(priorFails uint32) {
	if priorFails == 0 {
		return
	}
	total := uint32(1) << (priorFails - 1)
	for left := total; left > 0; left-- {
		if s.ui != nil {
			s.ui(left, (total-left)*1000/total)
		}
		time.Sleep(time.Millisecond)
	}
}

// unlockLocked runs the full PIN check: delay, record-the-attempt,
// verify, and either arm the cached keys or apply the consequences of
// a wrong guess.
func (s *Store) unlockLocked(pin uint32) error {
	fails, err := s.pinGetFailsLocked()
	if err != nil {
		return err
	}
	if fails >= pinMaxTries {
		s.wipeLocked()
		return ErrNoFreeTries
	}

	s.delayLocked(fails)
	s.waitRandom()

	if err := s.pinFailsIncreaseLocked(); err != nil {
		return err
	}

	dek, sak, ok, err := s.tryUnlockWithLocked(pin)
	if err != nil {
		return err
	}
	if !ok {
		newFails, ferr := s.pinGetFailsLocked()
		if ferr != nil {
			return ferr
		}
		if newFails >= pinMaxTries {
			s.wipeLocked()
			return ErrNoFreeTries
		}
		s.audit.pinFailed(pinMaxTries - newFails)
		return ErrPINMismatch
	}

	if err := s.pinFailsResetLocked(); err != nil {
		return err
	}
	s.cachedDEK = dek
	s.cachedSAK = sak
	s.unlocked = true
	if err := s.verifyStorageTagLocked(); err != nil {
		s.handleFault("storage tag mismatch after unlock")
		return err
	}
	if err := s.verifyVersionLocked(); err != nil {
		return err
	}
	s.audit.unlocked()
	return nil
}

// Unlock verifies pin and, on success, arms the store for Get/Set/Delete
// on protected keys. A wrong PIN consumes one of a bounded number of
// attempts; exhausting them wipes the device.
func (s *Store) Unlock(pin uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkReady(); err != nil {
		return err
	}
	return s.withHalt(func() error { return s.unlockLocked(pin) })
}

// HasPin reports whether a real (non-empty-sentinel) PIN protects the
// device.
func (s *Store) HasPin() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkReady(); err != nil {
		return false, err
	}
	_, err := s.flash.Get(keyPINNotSet)
	if err == nil {
		return false, nil
	}
	return true, nil
}

// GetPinRem returns the number of PIN attempts remaining before a wipe.
func (s *Store) GetPinRem() (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkReady(); err != nil {
		return 0, err
	}
	var rem uint32
	err := s.withHalt(func() error {
		fails, err := s.pinGetFailsLocked()
		if err != nil {
			return err
		}
		if fails >= pinMaxTries {
			rem = 0
		} else {
			rem = pinMaxTries - fails
		}
		return nil
	})
	return rem, err
}

// ChangePin verifies oldPin, then rewraps the same data/authentication
// keys under newPin. Protected values are never re-encrypted: only the
// wrapping changes.
func (s *Store) ChangePin(oldPin, newPin uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkReady(); err != nil {
		return err
	}
	return s.withHalt(func() error {
		if err := s.unlockLocked(oldPin); err != nil {
			return err
		}
		return s.setPinLocked(newPin, s.cachedDEK, s.cachedSAK, 0)
	})
}
