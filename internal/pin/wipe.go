package pin

import (
	"runtime"
	"sync/atomic"
	"unsafe"
)

// wipeNoop absorbs a checksum of every wiped buffer so the compiler cannot
// prove the zeroing writes are dead and elide them.
var wipeNoop atomic.Uint64

// wipe overwrites b with zeros. Pepper+PIN material is short-lived; it is
// cleared as soon as the derivation is done so it does not linger on the
// heap waiting for the collector.
//
// Remnants may still survive in registers, caches, or swap; this only
// narrows the window, it cannot close it.
func wipe(b []byte) {
	if len(b) == 0 {
		return
	}

	p := (*byte)(unsafe.Pointer(&b[0]))
	for i := 0; i < len(b); i++ {
		*(*byte)(unsafe.Pointer(uintptr(unsafe.Pointer(p)) + uintptr(i))) = 0
	}
	runtime.KeepAlive(b)

	var sum uint64
	for i := 0; i < len(b); i++ {
		sum += uint64(b[i])
	}
	wipeNoop.Add(sum)
}
