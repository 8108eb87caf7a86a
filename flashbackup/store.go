// Package flashbackup persists point-in-time snapshots of a storage
// core's flash contents outside the device itself: to a local SQLite
// file for durable, queryable history, or to a single portable CBOR
// blob for transport. Snapshots hold whatever bytes norcow was storing
// for each key, already encrypted where the storage core encrypts them;
// this package adds its own HMAC-SHA256 integrity tag over the whole
// snapshot so a tampered backup file is detected before anything in it
// is restored, independent of whatever authentication the entries
// already carry.
package flashbackup

import (
	"crypto/hmac"
	"crypto/sha256"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/fxamacker/cbor/v2"
	_ "modernc.org/sqlite"
)

// ErrTagMismatch is returned by Load or Import when a snapshot's stored
// integrity tag does not match its recomputed value.
var ErrTagMismatch = errors.New("flashbackup: snapshot integrity tag mismatch")

// Entry is one key/value pair as it was stored in flash.
type Entry struct {
	Key   uint16 `cbor:"key"`
	Value []byte `cbor:"value"`
}

// Store is a SQLite-backed history of snapshots.
type Store struct {
	db      *sql.DB
	hmacKey []byte
}

const schema = `
CREATE TABLE IF NOT EXISTS snapshots (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	created_at TEXT    NOT NULL,
	entry_count INTEGER NOT NULL,
	tag        BLOB    NOT NULL
);
CREATE TABLE IF NOT EXISTS snapshot_entries (
	snapshot_id INTEGER NOT NULL REFERENCES snapshots(id),
	key         INTEGER NOT NULL,
	value       BLOB    NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_snapshot_entries_snapshot
	ON snapshot_entries(snapshot_id);
`

// Open mounts (creating if necessary) a SQLite snapshot history at
// path. hmacKey authenticates every snapshot written through this
// Store; callers typically derive it separately from any key the
// storage core itself uses, so a backup file compromise does not also
// compromise live device secrets.
func Open(path string, hmacKey []byte) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("flashbackup: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite serializes writers anyway

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("flashbackup: %s: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("flashbackup: migrate schema: %w", err)
	}

	key := make([]byte, len(hmacKey))
	copy(key, hmacKey)
	return &Store{db: db, hmacKey: key}, nil
}

// Close releases the underlying database handle.
func (b *Store) Close() error {
	return b.db.Close()
}

// snapshotTag computes the integrity tag over entries in a canonical
// (key-sorted) order, so the tag does not depend on iteration order
// when entries are read back from flash.
func (b *Store) snapshotTag(entries []Entry) []byte {
	sorted := append([]Entry(nil), entries...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Key < sorted[j].Key })

	mac := hmac.New(sha256.New, b.hmacKey)
	var header [4]byte
	for _, e := range sorted {
		binary.LittleEndian.PutUint16(header[:2], e.Key)
		binary.LittleEndian.PutUint16(header[2:], uint16(len(e.Value)))
		mac.Write(header[:])
		mac.Write(e.Value)
	}
	return mac.Sum(nil)
}

// Save writes a new snapshot and returns its id.
func (b *Store) Save(entries []Entry) (int64, error) {
	tag := b.snapshotTag(entries)

	tx, err := b.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	res, err := tx.Exec(
		`INSERT INTO snapshots (created_at, entry_count, tag) VALUES (?, ?, ?)`,
		time.Now().UTC().Format(time.RFC3339Nano), len(entries), tag,
	)
	if err != nil {
		return 0, fmt.Errorf("flashbackup: insert snapshot: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}

	stmt, err := tx.Prepare(`INSERT INTO snapshot_entries (snapshot_id, key, value) VALUES (?, ?, ?)`)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()
	for _, e := range entries {
		if _, err := stmt.Exec(id, e.Key, e.Value); err != nil {
			return 0, fmt.Errorf("flashbackup: insert entry %#x: %w", e.Key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return id, nil
}

// Load reads a snapshot back and verifies its integrity tag before
// returning anything, refusing to hand back a tampered snapshot.
func (b *Store) Load(snapshotID int64) ([]Entry, error) {
	var storedTag []byte
	row := b.db.QueryRow(`SELECT tag FROM snapshots WHERE id = ?`, snapshotID)
	if err := row.Scan(&storedTag); err != nil {
		return nil, fmt.Errorf("flashbackup: snapshot %d: %w", snapshotID, err)
	}

	rows, err := b.db.Query(`SELECT key, value FROM snapshot_entries WHERE snapshot_id = ?`, snapshotID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Key, &e.Value); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if !hmac.Equal(b.snapshotTag(entries), storedTag) {
		return nil, ErrTagMismatch
	}
	return entries, nil
}

// Latest returns the most recently saved snapshot's id, or false if
// none exist yet.
func (b *Store) Latest() (int64, bool, error) {
	var id int64
	err := b.db.QueryRow(`SELECT id FROM snapshots ORDER BY id DESC LIMIT 1`).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return id, true, nil
}

// portableSnapshot is the CBOR-serialized form of one snapshot: the
// same entries and tag the SQLite history stores, packed into a single
// self-contained blob suitable for moving between machines or attaching
// to a support ticket without handing over the whole history database.
type portableSnapshot struct {
	CreatedAt string  `cbor:"created_at"`
	Tag       []byte  `cbor:"tag"`
	Entries   []Entry `cbor:"entries"`
}

// Export packs entries into a single portable CBOR blob, tagged the
// same way a SQLite-backed snapshot is. The blob is self-verifying:
// Import refuses to return entries whose recomputed tag does not match
// the one sealed inside it.
func (b *Store) Export(entries []Entry) ([]byte, error) {
	snap := portableSnapshot{
		CreatedAt: time.Now().UTC().Format(time.RFC3339Nano),
		Tag:       b.snapshotTag(entries),
		Entries:   entries,
	}
	blob, err := cbor.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("flashbackup: encode portable snapshot: %w", err)
	}
	return blob, nil
}

// Import unpacks a blob produced by Export, rejecting it if its sealed
// tag does not match the entries it carries.
func (b *Store) Import(blob []byte) ([]Entry, error) {
	var snap portableSnapshot
	if err := cbor.Unmarshal(blob, &snap); err != nil {
		return nil, fmt.Errorf("flashbackup: decode portable snapshot: %w", err)
	}
	if !hmac.Equal(b.snapshotTag(snap.Entries), snap.Tag) {
		return nil, ErrTagMismatch
	}
	return snap.Entries, nil
}
