package norcow

import (
	"bytes"
	"testing"
)

func TestInitFreshReportsVersionZero(t *testing.T) {
	f := NewFlash(4096)
	v, err := f.Init()
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if v != 0 {
		t.Fatalf("expected version 0 on fresh flash, got %d", v)
	}
}

func TestSetGetRoundTrip(t *testing.T) {
	f := NewFlash(4096)
	if _, err := f.Init(); err != nil {
		t.Fatal(err)
	}
	if err := f.Set(0xBEEF, []byte("Hello")); err != nil {
		t.Fatal(err)
	}
	if err := f.Set(0xCAFE, []byte("world!  ")); err != nil {
		t.Fatal(err)
	}
	got, err := f.Get(0xBEEF)
	if err != nil || string(got) != "Hello" {
		t.Fatalf("got %q, err %v", got, err)
	}
}

func TestSetOverwriteKeepsLatest(t *testing.T) {
	f := NewFlash(4096)
	f.Init()
	f.Set(0xDEAD, []byte("How\n"))
	f.Set(0xDEAD, []byte("A\n"))
	f.Set(0xDEAD, []byte("AAAAAAAAAAA"))
	got, err := f.Get(0xDEAD)
	if err != nil || string(got) != "AAAAAAAAAAA" {
		t.Fatalf("got %q, err %v", got, err)
	}
}

func TestSetExReportsExisted(t *testing.T) {
	f := NewFlash(4096)
	f.Init()
	existed, err := f.SetEx(0x0101, []byte("a"))
	if err != nil || existed {
		t.Fatalf("expected new entry, existed=%v err=%v", existed, err)
	}
	existed, err = f.SetEx(0x0101, []byte("b"))
	if err != nil || !existed {
		t.Fatalf("expected existing entry, existed=%v err=%v", existed, err)
	}
}

func TestDeleteRemovesEntry(t *testing.T) {
	f := NewFlash(4096)
	f.Init()
	f.Set(0x2200, []byte("BBBB"))
	if err := f.Delete(0x2200); err != nil {
		t.Fatal(err)
	}
	if _, err := f.Get(0x2200); err != ErrKeyNotFound {
		t.Fatalf("expected ErrKeyNotFound, got %v", err)
	}
}

func TestGetNextIteratesLiveEntriesOnly(t *testing.T) {
	f := NewFlash(4096)
	f.Init()
	f.Set(0x0901, []byte("you?"))
	f.Set(0x0902, []byte("Lorem"))
	f.Set(0x0902, []byte("ipsum")) // tombstones the first
	f.Delete(0x0901)

	var c Cursor
	seen := map[uint16]string{}
	for {
		k, v, ok := f.GetNext(&c)
		if !ok {
			break
		}
		seen[k] = string(v)
	}
	if len(seen) != 1 || seen[0x0902] != "ipsum" {
		t.Fatalf("unexpected live set: %#v", seen)
	}
}

func TestUpdateWordOnlyClearsBits(t *testing.T) {
	f := NewFlash(4096)
	f.Init()
	f.Set(0x0001, []byte{0xFF, 0xFF, 0xFF, 0xFF})
	if err := f.UpdateWord(0x0001, 0, 0xFFFFFFFE); err != nil {
		t.Fatal(err)
	}
	got, _ := f.Get(0x0001)
	if !bytes.Equal(got, []byte{0xFE, 0xFF, 0xFF, 0xFF}) {
		t.Fatalf("got %x", got)
	}
	// Attempting to set a bit back to 1 is silently ignored, not honored.
	if err := f.UpdateWord(0x0001, 0, 0xFFFFFFFF); err != nil {
		t.Fatal(err)
	}
	got, _ = f.Get(0x0001)
	if !bytes.Equal(got, []byte{0xFE, 0xFF, 0xFF, 0xFF}) {
		t.Fatalf("bit resurrected: %x", got)
	}
}

func TestWipeClearsEverythingAndResetsVersion(t *testing.T) {
	f := NewFlash(4096)
	f.Init()
	f.Set(0xAAAA, []byte("are"))
	if err := f.Wipe(); err != nil {
		t.Fatal(err)
	}
	if _, err := f.Get(0xAAAA); err != ErrKeyNotFound {
		t.Fatalf("expected wipe to remove entries, got %v", err)
	}
	v, err := f.Init()
	if err != nil || v != 0 {
		t.Fatalf("expected version 0 after wipe, got %d, err %v", v, err)
	}
}

func TestUpgradeFinishBumpsVersionAndPreservesEntries(t *testing.T) {
	f := NewFlash(4096)
	f.Init()
	f.Set(0x0301, []byte("payload"))
	if err := f.UpgradeFinish(2); err != nil {
		t.Fatal(err)
	}
	got, err := f.Get(0x0301)
	if err != nil || string(got) != "payload" {
		t.Fatalf("entry lost across upgrade: %q, %v", got, err)
	}
}

func TestCompactionAcrossManyOverwrites(t *testing.T) {
	f := NewFlash(512)
	f.Init()
	for i := 0; i < 200; i++ {
		if err := f.Set(0x0301, bytes.Repeat([]byte{byte(i)}, 8)); err != nil {
			t.Fatalf("set %d: %v", i, err)
		}
	}
	got, err := f.Get(0x0301)
	if err != nil {
		t.Fatal(err)
	}
	want := bytes.Repeat([]byte{199}, 8)
	if !bytes.Equal(got, want) {
		t.Fatalf("got %x want %x", got, want)
	}
}

func TestItemTooBigForSector(t *testing.T) {
	f := NewFlash(64)
	f.Init()
	err := f.Set(0x0001, make([]byte, 1024))
	if err != ErrItemTooBig {
		t.Fatalf("expected ErrItemTooBig, got %v", err)
	}
}
