package storagecore

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/ironledger/storagecore/norcow"
)

func TestV0PinFailsDecodeCountsBitsClearedInFirstNonZeroWord(t *testing.T) {
	raw := wordsToBytes([]uint32{0xFFFFFFFE, 0, 0, 0xFFFFFFFF})
	if got := v0PinFailsDecode(raw); got != 1 {
		t.Fatalf("got %d, want 1", got)
	}
}

func TestV0PinFailsDecodeSkipsDrainedWordsToFindTheActiveOne(t *testing.T) {
	raw := wordsToBytes([]uint32{0, 0, 0xFFFFFFF0, 0xFFFFFFFF})
	if got := v0PinFailsDecode(raw); got != 4 {
		t.Fatalf("got %d, want 4", got)
	}
}

func TestV0PinFailsDecodeAllZeroOrEmptyIsNoFailures(t *testing.T) {
	if got := v0PinFailsDecode(wordsToBytes([]uint32{0, 0, 0})); got != 0 {
		t.Fatalf("all-zero log: got %d, want 0", got)
	}
	if got := v0PinFailsDecode(nil); got != 0 {
		t.Fatalf("empty log: got %d, want 0", got)
	}
}

func TestUpgradeFromV0CarriesPinAndFailCountForward(t *testing.T) {
	flash := norcow.NewFlash(16 * 1024)
	if _, err := flash.Init(); err != nil {
		t.Fatal(err)
	}
	legacyPin := uint32(7890)
	pinBuf := make([]byte, 4)
	binary.LittleEndian.PutUint32(pinBuf, legacyPin)
	if err := flash.Set(v0KeyPIN, pinBuf); err != nil {
		t.Fatal(err)
	}
	if err := flash.Set(v0KeyPINFail, wordsToBytes([]uint32{0xFFFFFFFE, 0, 0, 0xFFFFFFFF})); err != nil {
		t.Fatal(err)
	}

	hwSalt := bytes.Repeat([]byte{0x11}, hardwareSaltSize)
	s, err := New(flash, hwSalt, WithAuditWriter(discard{}))
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Init(); err != nil {
		t.Fatalf("Init (upgrade path): %v", err)
	}

	has, err := s.HasPin()
	if err != nil || !has {
		t.Fatalf("expected migrated PIN to be set, has=%v err=%v", has, err)
	}
	if s.unlocked {
		t.Fatalf("device with a migrated real PIN should start locked")
	}
	rem, err := s.GetPinRem()
	if err != nil {
		t.Fatal(err)
	}
	if rem != pinMaxTries-1 {
		t.Fatalf("expected 1 failure carried forward, got remaining=%d", rem)
	}
	if err := s.Unlock(legacyPin); err != nil {
		t.Fatalf("Unlock with migrated PIN: %v", err)
	}
}

func TestUpgradeFromV0PreservesNonLegacyEntries(t *testing.T) {
	flash := norcow.NewFlash(16 * 1024)
	if _, err := flash.Init(); err != nil {
		t.Fatal(err)
	}
	if err := flash.Set(v0KeyPINFail, wordsToBytes([]uint32{0xFFFFFFFF})); err != nil {
		t.Fatal(err)
	}
	if err := flash.Set(Key(0x0101), []byte("carried protected value")); err != nil {
		t.Fatal(err)
	}
	if err := flash.Set(Key(0x8101), []byte("carried public value")); err != nil {
		t.Fatal(err)
	}

	hwSalt := bytes.Repeat([]byte{0x22}, hardwareSaltSize)
	s, err := New(flash, hwSalt, WithAuditWriter(discard{}))
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Init(); err != nil {
		t.Fatalf("Init (upgrade path): %v", err)
	}
	// No legacy PIN entry means the migrated device carries the
	// empty-PIN sentinel and starts unlocked.
	if !s.unlocked {
		t.Fatalf("expected device with no legacy PIN to start unlocked")
	}

	got, err := s.Get(Key(0x0101))
	if err != nil || string(got) != "carried protected value" {
		t.Fatalf("protected value not preserved across upgrade: got %q, err %v", got, err)
	}
	pub, err := s.Get(Key(0x8101))
	if err != nil || string(pub) != "carried public value" {
		t.Fatalf("public value not preserved across upgrade: got %q, err %v", pub, err)
	}
	if err := s.verifyStorageTagLocked(); err != nil {
		t.Fatalf("storage tag should authenticate the migrated protected key: %v", err)
	}
}
