package storagecore

import "testing"

func TestStorageTagVerifiesAfterAddRemove(t *testing.T) {
	s := newTestStore(t)
	if err := s.verifyStorageTagLocked(); err != nil {
		t.Fatalf("empty protected set should authenticate: %v", err)
	}
	if err := s.Set(Key(0x0501), []byte("one")); err != nil {
		t.Fatal(err)
	}
	if err := s.verifyStorageTagLocked(); err != nil {
		t.Fatalf("after add: %v", err)
	}
	if err := s.Set(Key(0x0502), []byte("two")); err != nil {
		t.Fatal(err)
	}
	if err := s.verifyStorageTagLocked(); err != nil {
		t.Fatalf("after second add: %v", err)
	}
	if err := s.Delete(Key(0x0501)); err != nil {
		t.Fatal(err)
	}
	if err := s.verifyStorageTagLocked(); err != nil {
		t.Fatalf("after delete: %v", err)
	}
}

func TestStorageTagDetectsOutOfBandKeyRemoval(t *testing.T) {
	s := newTestStore(t)
	if err := s.Set(Key(0x0501), []byte("one")); err != nil {
		t.Fatal(err)
	}
	// Remove the entry directly through flash, bypassing Delete (and
	// therefore bypassing the tag update Delete would have performed).
	if err := s.flash.Delete(Key(0x0501)); err != nil {
		t.Fatal(err)
	}
	if err := s.verifyStorageTagLocked(); err != ErrAuthenticationFailed {
		t.Fatalf("expected ErrAuthenticationFailed, got %v", err)
	}
}
