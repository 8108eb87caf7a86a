package storagecore

import (
	"crypto/sha256"
	"io"
	"os"
	"sync"

	"github.com/ironledger/storagecore/norcow"
)

// UICallback reports unlock-delay progress so a caller can render a
// countdown. secondsLeft is the remaining mandatory delay; waited is
// elapsed time as a permille of the total delay for this attempt.
type UICallback func(secondsLeft uint32, waited uint32)

// Store is the encrypted key-value storage core. It owns all mutable
// state explicitly (no package-level globals) so that multiple
// independent storage contexts, e.g. in tests, never interfere.
type Store struct {
	mu sync.Mutex

	flash *norcow.Flash
	audit *auditLog
	ui    UICallback

	initialized bool
	unlocked    bool
	halted      bool
	faulting    bool

	hardwareSalt [hardwareSaltSize]byte
	cachedDEK    [dekSize]byte
	cachedSAK    [sakSize]byte
}

// Option configures a Store at construction time.
type Option func(*Store)

// WithAuditWriter directs structured lifecycle and fault events to w
// instead of the default (stderr).
func WithAuditWriter(w io.Writer) Option {
	return func(s *Store) { s.audit = newAuditLog(w) }
}

// WithUICallback registers a progress callback invoked during the
// mandatory post-failure unlock delay.
func WithUICallback(cb UICallback) Option {
	return func(s *Store) { s.ui = cb }
}

// New constructs a Store over flash. hardwareSecret is a per-device
// secret burned in at manufacturing time (e.g. an SoC unique id or a
// secure-element-backed value) of any nonzero length; it is hashed down to the
// fixed-size salt mixed into every key derivation and is never itself
// persisted by this package.
func New(flash *norcow.Flash, hardwareSecret []byte, opts ...Option) (*Store, error) {
	if len(hardwareSecret) == 0 {
		return nil, ErrNotInitialized
	}
	s := &Store{flash: flash, audit: newAuditLog(os.Stderr)}
	s.hardwareSalt = sha256.Sum256(hardwareSecret)
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// withHalt recovers a haltError panic raised anywhere in the call chain
// and turns it into a plain bool/error result at the public API boundary,
// the same way firmware recovers at the top of its fault-handling trap
// frame rather than letting it unwind into caller code.
func (s *Store) withHalt(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if he, ok := r.(*haltError); ok {
				err = he
				return
			}
			panic(r)
		}
	}()
	return fn()
}

func (s *Store) checkReady() error {
	if s.halted {
		return &haltError{reason: "storage is halted"}
	}
	if !s.initialized {
		return ErrNotInitialized
	}
	return nil
}

// Init mounts the underlying flash, formatting it as a wiped device if
// it has never been written, or running a layout upgrade if an older
// format version is found. It must be called exactly once before any
// other method.
func (s *Store) Init() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.initialized {
		return ErrAlreadyInit
	}
	return s.withHalt(func() error {
		version, err := s.flash.Init()
		if err != nil {
			return err
		}
		switch {
		case version == currentVersion:
			// already current
		case version == 0 && s.hasV0Data():
			if err := s.upgradeFromV0(); err != nil {
				return err
			}
		default:
			// Version 0 with no legacy data is simply a never-formatted
			// flash, reported as version 0 by norcow itself.
			if err := s.initWipedLocked(); err != nil {
				return err
			}
		}
		s.initialized = true
		return nil
	})
}

// initWipedLocked brings up a factory-fresh device: a fresh random
// data/authentication key pair wrapped under the empty-PIN sentinel, no
// protected keys, and an empty but correctly authenticated storage tag.
// A freshly wiped device is usable immediately, the same way a device
// that has never had a PIN set behaves. Caller holds s.mu.
func (s *Store) initWipedLocked() error {
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

	if err := s.setPinLocked(pinEmpty, dek, sak, 0); err != nil {
		return err
	}
	s.cachedDEK = dek
	s.cachedSAK = sak
	s.unlocked = true
	if err := s.authInitLocked(); err != nil {
		return err
	}
	if err := s.writeVersionLocked(); err != nil {
		return err
	}
	return s.flash.UpgradeFinish(currentVersion)
}

// writeVersionLocked seals the current layout version under the cached
// DEK, the same as any other protected value, so that a tampered or
// downgraded VERSION entry is caught by the envelope's own
// authentication rather than trusted as plaintext. Writing it does not
// touch STORAGE_TAG: VERSION lives in the storage-internal namespace
// and, like every other reserved key, never contributes to the
// authenticated key set.
func (s *Store) writeVersionLocked() error {
	return s.storageSetEncryptedLocked(keyVersion, encodeUint32(currentVersion))
}

// verifyVersionLocked decrypts VERSION and faults if it does not match
// the layout this package knows how to read; a mismatch here means
// either an incomplete upgrade or a tampered/rolled-back entry.
func (s *Store) verifyVersionLocked() error {
	raw, err := s.storageGetEncryptedLocked(keyVersion)
	if err != nil {
		return err
	}
	if len(raw) != 4 {
		s.handleFault("VERSION entry has the wrong size")
		return &haltError{reason: "VERSION corrupt"}
	}
	if decodeUint32(raw) != currentVersion {
		s.handleFault("VERSION entry does not match the active layout version")
		return &haltError{reason: "VERSION mismatch"}
	}
	return nil
}

// Wipe destroys all protected data and the PIN, returning the device to
// its factory state. This is the fault guard's last resort and is also
// exposed as an explicit API for a caller-initiated factory reset.
func (s *Store) Wipe() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkReady(); err != nil {
		return err
	}
	return s.withHalt(func() error { return s.wipeLocked() })
}

func (s *Store) wipeLocked() error {
	zeroize(s.cachedDEK[:])
	zeroize(s.cachedSAK[:])
	s.unlocked = false
	err := s.initWipedLocked()
	s.audit.wiped("explicit or fault-triggered wipe")
	return err
}

// Get returns the current value for key. Protected keys require the
// store to be unlocked; public keys never do.
func (s *Store) Get(key Key) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkReady(); err != nil {
		return nil, err
	}
	if isReserved(key) {
		return nil, ErrReservedKey
	}
	var out []byte
	err := s.withHalt(func() error {
		var err error
		out, err = s.getLocked(key)
		return err
	})
	return out, err
}

func (s *Store) getLocked(key Key) ([]byte, error) {
	if isPublic(key) {
		v, err := s.flash.Get(key)
		if err == norcow.ErrKeyNotFound {
			return nil, ErrNotFound
		}
		return v, err
	}
	if !s.unlocked {
		return nil, ErrLocked
	}
	return s.storageGetEncryptedLocked(key)
}

// Set stores val under key. Protected keys require the store to be
// unlocked and are encrypted and counted in the storage tag; public keys
// are written in the clear.
func (s *Store) Set(key Key, val []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkReady(); err != nil {
		return err
	}
	if isReserved(key) {
		return ErrReservedKey
	}
	return s.withHalt(func() error {
		if isPublic(key) {
			return s.flash.Set(key, val)
		}
		if !s.unlocked {
			return ErrLocked
		}
		return s.storageSetEncryptedLocked(key, val)
	})
}

// Delete removes key. Deleting a protected key requires the store to be
// unlocked and re-authenticates the remaining protected set.
func (s *Store) Delete(key Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkReady(); err != nil {
		return err
	}
	if isReserved(key) {
		return ErrReservedKey
	}
	return s.withHalt(func() error {
		if isPublic(key) {
			if err := s.flash.Delete(key); err != nil && err != norcow.ErrKeyNotFound {
				return err
			}
			return nil
		}
		if !s.unlocked {
			return ErrLocked
		}
		if err := s.flash.Delete(key); err != nil && err != norcow.ErrKeyNotFound {
			return err
		}
		return s.authUpdateTagLocked()
	})
}

// RawEntry is one flash key/value pair as it actually sits on flash:
// still sealed for protected keys and for the VERSION entry, plaintext
// for public keys, and in their stored form for the other
// storage-internal entries. It is the unit a caller-side backup takes a
// snapshot in, since this package never hands decrypted protected
// values to anything outside of Get.
type RawEntry struct {
	Key   Key
	Value []byte
}

// ExportEntries returns every live flash entry as-is, for a caller to
// hand to an external backup mechanism. It does not require the store
// to be unlocked: values already encrypted stay encrypted.
func (s *Store) ExportEntries() ([]RawEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkReady(); err != nil {
		return nil, err
	}
	var out []RawEntry
	err := s.withHalt(func() error {
		var c norcow.Cursor
		for {
			k, v, ok := s.flash.GetNext(&c)
			if !ok {
				break
			}
			cp := make([]byte, len(v))
			copy(cp, v)
			out = append(out, RawEntry{Key: k, Value: cp})
		}
		return nil
	})
	return out, err
}

func encodeUint32(v uint32) []byte {
	return []byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)}
}

func decodeUint32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
