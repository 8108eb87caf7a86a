package storagecore

import (
	"encoding/binary"

	"github.com/ironledger/storagecore/norcow"
)

// Version 0 predates the guard-worded retry log, wrapped-key envelope,
// and per-entry AEAD this package implements: the PIN was a plain
// little-endian uint32 and the retry counter was a run of all-ones
// words with one bit cleared per consumed attempt. Upgrading reformats the
// device onto the current layout while carrying the user's PIN and
// consumed-attempt count forward unchanged, so neither their PIN nor an
// attacker's spent attempts are reset by the migration itself.

// hasV0Data reports whether the mounted flash image (already known to
// report format version 0) actually holds legacy data, as opposed to
// simply never having been formatted — norcow reports both cases as
// version 0.
func (s *Store) hasV0Data() bool {
	if _, err := s.flash.Get(v0KeyPIN); err == nil {
		return true
	}
	var c norcow.Cursor
	_, _, ok := s.flash.GetNext(&c)
	return ok
}

// v0PinFailsDecode recovers the consumed-attempt count from the legacy
// fail log: an area of words initialized to all-ones, one bit cleared
// per failed attempt. A word fully drained to zero means its budget is
// exhausted and bookkeeping moved on to the next word, so the current
// count is the Hamming weight of the complement of the first non-zero
// word scanned in order; no non-zero word at all means no failures.
func v0PinFailsDecode(raw []byte) uint32 {
	for off := 0; off+4 <= len(raw); off += 4 {
		word := binary.LittleEndian.Uint32(raw[off:])
		if word != 0 {
			return popcount32(^word)
		}
	}
	return 0
}

// legacyEntry is one surviving (non-legacy-reserved) key/value pair
// carried across the reformat from the old flash image.
type legacyEntry struct {
	key Key
	val []byte
}

// collectSurvivingEntries walks every live entry in the legacy image
// and returns the ones that are not themselves part of the legacy PIN
// bookkeeping (v0KeyPIN, v0KeyPINFail), so they can be re-stored under
// the new layout once it exists. The legacy image is about to be wiped,
// so this has to happen before that.
func (s *Store) collectSurvivingEntries() []legacyEntry {
	var out []legacyEntry
	var c norcow.Cursor
	for {
		k, v, ok := s.flash.GetNext(&c)
		if !ok {
			break
		}
		if k == v0KeyPIN || k == v0KeyPINFail {
			continue
		}
		cp := make([]byte, len(v))
		copy(cp, v)
		out = append(out, legacyEntry{key: k, val: cp})
	}
	return out
}

// upgradeFromV0 migrates a legacy device onto the current layout: PIN
// and consumed-attempt count carry forward unchanged, and every other
// surviving entry is re-stored under the new encrypted envelope (or
// left in the clear, if it is already in a public namespace).
func (s *Store) upgradeFromV0() error {
	pinRaw, err := s.flash.Get(v0KeyPIN)
	legacyPin := pinEmpty
	if err == nil && len(pinRaw) >= 4 {
		legacyPin = binary.LittleEndian.Uint32(pinRaw)
	}

	var fails uint32
	if failRaw, err := s.flash.Get(v0KeyPINFail); err == nil {
		fails = v0PinFailsDecode(failRaw)
	}
	if fails > pinMaxTries {
		fails = pinMaxTries
	}

	surviving := s.collectSurvivingEntries()

	if err := s.flash.Wipe(); err != nil {
		return err
	}
	if _, err := s.flash.Init(); err != nil {
		return err
	}

	dekBuf, err := randomBytes(dekSize)
	if err != nil {
		return err
	}
	sakBuf, err := randomBytes(sakSize)
	if err != nil {
		return err
	}
	var dek [dekSize]byte
	var sak [sakSize]byte
	copy(dek[:], dekBuf)
	copy(sak[:], sakBuf)
	zeroize(dekBuf)
	zeroize(sakBuf)

	if err := s.setPinLocked(legacyPin, dek, sak, fails); err != nil {
		return err
	}
	s.cachedDEK = dek
	s.cachedSAK = sak
	s.unlocked = legacyPin == pinEmpty
	if err := s.authInitLocked(); err != nil {
		return err
	}
	if err := s.writeVersionLocked(); err != nil {
		return err
	}

	for _, e := range surviving {
		if isReserved(e.key) {
			continue
		}
		if isPublic(e.key) {
			if err := s.flash.Set(e.key, e.val); err != nil {
				return err
			}
			continue
		}
		if err := s.storageSetEncryptedLocked(e.key, e.val); err != nil {
			return err
		}
	}

	if err := s.flash.UpgradeFinish(currentVersion); err != nil {
		return err
	}
	s.audit.upgraded(0, currentVersion)
	return nil
}
