package storagecore

import "testing"

func TestCheckGuardKeyAcceptsGeneratedWords(t *testing.T) {
	for i := 0; i < 64; i++ {
		w, err := generateGuardWord()
		if err != nil {
			t.Fatalf("generateGuardWord: %v", err)
		}
		if !checkGuardKey(w) {
			t.Fatalf("generated guard word %#x failed its own check", w)
		}
	}
}

func TestCheckGuardKeyRejectsObviousNonGuardWords(t *testing.T) {
	for _, w := range []uint32{0, 1, 0xFFFFFFFF, 0xAAAAAAAA, 0x12345678} {
		if checkGuardKey(w) {
			t.Fatalf("word %#x should not pass the guard check", w)
		}
	}
}

func TestExpandGuardKeyIsStableForAGivenWord(t *testing.T) {
	w, err := generateGuardWord()
	if err != nil {
		t.Fatal(err)
	}
	mask1, guard1 := expandGuardKey(w)
	mask2, guard2 := expandGuardKey(w)
	if mask1 != mask2 || guard1 != guard2 {
		t.Fatalf("expandGuardKey is not deterministic for the same input")
	}
	if guard1&mask1 != guard1 {
		t.Fatalf("guard value has bits set outside its own mask")
	}
}

func TestPopcount32(t *testing.T) {
	cases := map[uint32]uint32{
		0:          0,
		1:          1,
		0xFFFFFFFF: 32,
		0xF0F0F0F0: 16,
		0x80000000: 1,
	}
	for in, want := range cases {
		if got := popcount32(in); got != want {
			t.Fatalf("popcount32(%#x) = %d, want %d", in, got, want)
		}
	}
}

func TestWordsBytesRoundTrip(t *testing.T) {
	words := []uint32{0x01020304, 0xAABBCCDD, 0}
	b := wordsToBytes(words)
	back := bytesToWords(b)
	if len(back) != len(words) {
		t.Fatalf("length mismatch: %d vs %d", len(back), len(words))
	}
	for i := range words {
		if back[i] != words[i] {
			t.Fatalf("word %d: got %#x want %#x", i, back[i], words[i])
		}
	}
}

func TestPinLogLifecycleTracksFailuresAndResets(t *testing.T) {
	s := newTestStore(t)

	fails, err := s.pinGetFailsLocked()
	if err != nil || fails != 0 {
		t.Fatalf("expected 0 fails on a fresh log, got %d, err %v", fails, err)
	}

	for i := uint32(1); i <= 5; i++ {
		if err := s.pinFailsIncreaseLocked(); err != nil {
			t.Fatalf("pinFailsIncreaseLocked: %v", err)
		}
		fails, err := s.pinGetFailsLocked()
		if err != nil {
			t.Fatal(err)
		}
		if fails != i {
			t.Fatalf("after %d increases, got %d fails", i, fails)
		}
	}

	if err := s.pinFailsResetLocked(); err != nil {
		t.Fatalf("pinFailsResetLocked: %v", err)
	}
	fails, err = s.pinGetFailsLocked()
	if err != nil || fails != 0 {
		t.Fatalf("expected 0 fails after reset, got %d, err %v", fails, err)
	}
}
