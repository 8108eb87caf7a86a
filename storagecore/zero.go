package storagecore

import "runtime"

// zeroize overwrites buf with zero bytes. runtime.KeepAlive pins buf past
// the overwrite so the compiler cannot prove the store dead and elide it,
// the Go analogue of a volatile memset.
func zeroize(buf []byte) {
	for i := range buf {
		buf[i] = 0
	}
	runtime.KeepAlive(buf)
}
