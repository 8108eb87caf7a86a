package storagecore

// A Key is a 16-bit flash identifier: the high byte is the APP namespace,
// the low byte the item id within that namespace.
type Key = uint16

const (
	// appStorage is reserved for storage-internal entries, opaque to callers.
	appStorage = 0x00
	// flagPublic marks a namespace as readable while locked and excluded
	// from the authentication tag.
	flagPublic = 0x80
)

// Reserved storage-internal keys (APP = appStorage).
const (
	keyPINLogs     Key = 0x0001
	keyEDEKPVC     Key = 0x0002
	keyPINNotSet   Key = 0x0003
	keyVersion     Key = 0x0004
	keyStorageTag  Key = 0x0005
)

// Legacy (format version 0) keys, read only during upgrade.
const (
	v0KeyPIN     Key = 0x0000
	v0KeyPINFail Key = 0x0001
)

// currentVersion is the active on-flash layout version this package writes.
const currentVersion uint32 = 1

// pinEmpty is the sentinel PIN value meaning "no PIN has been set".
// No caller-supplied PIN may collide with it.
const pinEmpty uint32 = 1

func appOf(k Key) byte { return byte(k >> 8) }

// isPublic reports whether k is readable while locked, stored in the clear,
// and excluded from the authentication tag.
func isPublic(k Key) bool { return appOf(k)&flagPublic != 0 }

// isProtected reports whether k is encrypted and contributes to the
// storage authentication tag.
func isProtected(k Key) bool { return !isPublic(k) && appOf(k) != appStorage }

// isReserved reports whether k lives in the storage-internal namespace,
// which callers may never address directly.
func isReserved(k Key) bool { return appOf(k) == appStorage }
