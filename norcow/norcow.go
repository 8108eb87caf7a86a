// Package norcow implements the append-only flash key-value abstraction
// consumed by the storage core: a byte-addressable, sector-based journal
// that models real NOR flash write behavior (bits may only transition
// 1 -> 0 between erases) and supports wear-leveling compaction between
// two sectors.
//
// This is a simulator, not a flash driver: it holds both sectors as
// in-memory byte slices and enforces the same write discipline a real
// NOR part would, so the storage core above it can be exercised and
// tested without real hardware.
package norcow

import (
	"encoding/binary"
	"errors"
	"sync"
)

const (
	magic            = "NRCW"
	headerSize       = len(magic) + 4 // magic ‖ format version (uint32 LE)
	keyFree   uint16 = 0xFFFF         // terminates a sector's entry list
	keyErased uint16 = 0x0000         // tombstone left behind by an in-place replace
)

// ErrKeyNotFound is returned by Get when no live entry exists for a key.
var ErrKeyNotFound = errors.New("norcow: key not found")

// ErrItemTooBig is returned when an entry cannot fit in a freshly erased sector.
var ErrItemTooBig = errors.New("norcow: item exceeds sector capacity")

// ErrCorrupt indicates the flash image failed a basic structural check,
// e.g. both sectors (or neither) carry a valid header.
var ErrCorrupt = errors.New("norcow: corrupt flash image")

// Flash is an in-memory simulation of the two-sector append-only store.
// All entries are 4-byte aligned: key(2) ‖ length(2) ‖ data ‖ padding.
type Flash struct {
	mu         sync.Mutex
	sectorSize int
	sectors    [2][]byte
	active     int
	offset     int
	formatted  bool
}

// NewFlash returns a blank, never-formatted flash image of the given
// per-sector capacity. Call Init to mount it.
func NewFlash(sectorSize int) *Flash {
	f := &Flash{sectorSize: sectorSize}
	f.sectors[0] = blankSector(sectorSize)
	f.sectors[1] = blankSector(sectorSize)
	return f
}

func blankSector(size int) []byte {
	b := make([]byte, size)
	for i := range b {
		b[i] = 0xFF
	}
	return b
}

// Init mounts the flash image and reports the on-flash format version.
// A never-formatted image mounts as version 0 with no entries, matching
// a factory-blank device.
func (f *Flash) Init() (uint32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	has0 := hasMagic(f.sectors[0])
	has1 := hasMagic(f.sectors[1])
	switch {
	case has0 && has1:
		return 0, ErrCorrupt
	case !has0 && !has1:
		f.formatSector(0, 0)
		f.active = 0
		f.offset = headerSize
		f.formatted = true
		return 0, nil
	case has0:
		f.active = 0
	default:
		f.active = 1
	}
	version := binary.LittleEndian.Uint32(f.sectors[f.active][len(magic):headerSize])
	off, err := scanToEnd(f.sectors[f.active])
	if err != nil {
		return 0, err
	}
	f.offset = off
	f.formatted = true
	return version, nil
}

func hasMagic(sector []byte) bool {
	return len(sector) >= headerSize && string(sector[:len(magic)]) == magic
}

func (f *Flash) formatSector(sector int, version uint32) {
	f.sectors[sector] = blankSector(f.sectorSize)
	copy(f.sectors[sector], magic)
	binary.LittleEndian.PutUint32(f.sectors[sector][len(magic):headerSize], version)
}

// scanToEnd walks entries from the header until it hits the free marker
// or runs past the sector, returning the offset just past the last entry.
func scanToEnd(sector []byte) (int, error) {
	off := headerSize
	for {
		if off+4 > len(sector) {
			return 0, ErrCorrupt
		}
		key := binary.LittleEndian.Uint16(sector[off:])
		if key == keyFree {
			return off, nil
		}
		length := binary.LittleEndian.Uint16(sector[off+2:])
		entryLen := itemLen(int(length))
		if off+entryLen > len(sector) {
			return 0, ErrCorrupt
		}
		off += entryLen
	}
}

func align4(n int) int { return (4 - n%4) % 4 }
func itemLen(dataLen int) int { return 4 + dataLen + align4(dataLen) }

// Get returns the live value for key, or ErrKeyNotFound.
func (f *Flash) Get(key uint16) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, _, ok := f.findItem(key)
	if !ok {
		return nil, ErrKeyNotFound
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

// findItem returns the most recent live value for key and the byte offset
// of its entry header within the active sector.
func (f *Flash) findItem(key uint16) (value []byte, pos int, ok bool) {
	off := headerSize
	for off < f.offset {
		k := binary.LittleEndian.Uint16(f.sectors[f.active][off:])
		length := int(binary.LittleEndian.Uint16(f.sectors[f.active][off+2:]))
		data := f.sectors[f.active][off+4 : off+4+length]
		if k == key {
			value, pos, ok = data, off, true
		}
		off += itemLen(length)
	}
	return value, pos, ok
}

// Set creates or overwrites the entry for key.
func (f *Flash) Set(key uint16, val []byte) error {
	_, err := f.setEx(key, val)
	return err
}

// SetEx behaves like Set but additionally reports whether key already
// held a value before this call.
func (f *Flash) SetEx(key uint16, val []byte) (existed bool, err error) {
	return f.setEx(key, val)
}

func (f *Flash) setEx(key uint16, val []byte) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	old, pos, found := f.findItem(key)
	if found {
		if isUpdatable(old, val) {
			f.writeEntry(pos, key, val)
			return true, nil
		}
		f.tombstone(pos, len(old))
	}

	if f.offset+itemLen(len(val)) > len(f.sectors[f.active]) {
		if err := f.compact(itemLen(len(val))); err != nil {
			return found, err
		}
	}
	f.appendEntry(key, val)
	return found, nil
}

// isUpdatable mirrors real NOR semantics: an in-place rewrite is only
// possible when every differing bit goes from 1 to 0.
func isUpdatable(old, new []byte) bool {
	if len(old) != len(new) {
		return false
	}
	for i := range old {
		if old[i]&new[i] != new[i] {
			return false
		}
	}
	return true
}

func (f *Flash) writeEntry(pos int, key uint16, val []byte) {
	binary.LittleEndian.PutUint16(f.sectors[f.active][pos:], key)
	binary.LittleEndian.PutUint16(f.sectors[f.active][pos+2:], uint16(len(val)))
	copy(f.sectors[f.active][pos+4:pos+4+len(val)], val)
}

func (f *Flash) tombstone(pos, length int) {
	wiped := make([]byte, length)
	f.writeEntry(pos, keyErased, wiped)
}

func (f *Flash) appendEntry(key uint16, val []byte) {
	f.writeEntry(f.offset, key, val)
	f.offset += itemLen(len(val))
}

// Delete removes the entry for key by tombstoning it in place.
func (f *Flash) Delete(key uint16) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, pos, found := f.findItem(key)
	if !found {
		return ErrKeyNotFound
	}
	length := int(binary.LittleEndian.Uint16(f.sectors[f.active][pos+2:]))
	f.tombstone(pos, length)
	return nil
}

// UpdateWord clears bits in-place at a word offset within an existing
// entry. Bits requested to be set that are already clear stay clear;
// this mirrors flash, which can only move 1 -> 0 without a fresh erase.
func (f *Flash) UpdateWord(key uint16, wordOffset int, word uint32) error {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, word)
	return f.UpdateBytes(key, wordOffset*4, buf)
}

// UpdateBytes clears bits in-place within a pre-existing entry's data region.
func (f *Flash) UpdateBytes(key uint16, byteOffset int, buf []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, pos, found := f.findItem(key)
	if !found {
		return ErrKeyNotFound
	}
	length := int(binary.LittleEndian.Uint16(f.sectors[f.active][pos+2:]))
	if byteOffset+len(buf) > length {
		return ErrCorrupt
	}
	base := pos + 4 + byteOffset
	for i, b := range buf {
		f.sectors[f.active][base+i] &= b
	}
	return nil
}

// Cursor iterates live entries in on-flash order. Zero value starts
// at the beginning.
type Cursor struct {
	offset int
}

// GetNext advances the cursor and returns the next live entry, or
// ok=false once iteration is exhausted.
func (f *Flash) GetNext(c *Cursor) (key uint16, val []byte, ok bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	off := headerSize + c.offset
	for off < f.offset {
		k := binary.LittleEndian.Uint16(f.sectors[f.active][off:])
		length := int(binary.LittleEndian.Uint16(f.sectors[f.active][off+2:]))
		entryLen := itemLen(length)
		if k != keyErased {
			data := make([]byte, length)
			copy(data, f.sectors[f.active][off+4:off+4+length])
			c.offset = off - headerSize + entryLen
			return k, data, true
		}
		off += entryLen
	}
	c.offset = off - headerSize
	return 0, nil, false
}

// Wipe erases both sectors and re-formats sector 0 at format version 0,
// matching a factory reset.
func (f *Flash) Wipe() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.formatSector(0, 0)
	f.sectors[1] = blankSector(f.sectorSize)
	f.active = 0
	f.offset = headerSize
	return nil
}

// UpgradeFinish commits a layout-version bump: it compacts all live
// entries into the other (freshly erased) sector stamped with the new
// version, then discards the old sector. This is the only way the
// on-flash version number changes, since raising it in place would
// require setting bits that erase forbids.
func (f *Flash) UpgradeFinish(version uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.compactTo(1-f.active, version, 0)
}

// compact grows free space by migrating to the other sector at the
// current format version, ensuring room for an additional `need` bytes.
func (f *Flash) compact(need int) error {
	version := binary.LittleEndian.Uint32(f.sectors[f.active][len(magic):headerSize])
	target := 1 - f.active
	if err := f.compactTo(target, version, need); err != nil {
		return err
	}
	return nil
}

func (f *Flash) compactTo(target int, version uint32, need int) error {
	type kv struct {
		key uint16
		val []byte
	}
	var live []kv
	off := headerSize
	for off < f.offset {
		k := binary.LittleEndian.Uint16(f.sectors[f.active][off:])
		length := int(binary.LittleEndian.Uint16(f.sectors[f.active][off+2:]))
		if k != keyErased {
			data := make([]byte, length)
			copy(data, f.sectors[f.active][off+4:off+4+length])
			live = append(live, kv{k, data})
		}
		off += itemLen(length)
	}

	size := headerSize
	for _, e := range live {
		size += itemLen(len(e.val))
	}
	if size+need > f.sectorSize {
		return ErrItemTooBig
	}

	f.formatSector(target, version)
	f.sectors[1-target] = blankSector(f.sectorSize)
	f.active = target
	f.offset = headerSize
	for _, e := range live {
		f.appendEntry(e.key, e.val)
	}
	return nil
}
