package pmem

import (
	"sync/atomic"
	"unsafe"
)

// Platform preconditions, checked at open time.
//
// Atomic word access uses native byte order via unsafe pointer casts into the
// mapping - there is no atomic little-endian load/store. On big-endian CPUs
// these would misinterpret the file data, and on 32-bit platforms atomic
// 64-bit ops need alignment guarantees mmap does not give us.
var (
	is64Bit = unsafe.Sizeof(uintptr(0)) == 8

	isLittleEndian = func() bool {
		var probe uint16 = 1

		return *(*byte)(unsafe.Pointer(&probe)) == 1
	}()
)

// atomicLoadUint64 atomically loads a 64-bit word from the start of b.
// b must be at least 8 bytes and 8-byte aligned.
func atomicLoadUint64(b []byte) uint64 {
	return atomic.LoadUint64((*uint64)(unsafe.Pointer(&b[0])))
}

// atomicStoreUint64 atomically stores v into the first 8 bytes of b.
func atomicStoreUint64(b []byte, v uint64) {
	atomic.StoreUint64((*uint64)(unsafe.Pointer(&b[0])), v)
}

// atomicCASUint64 atomically compares-and-swaps the first 8 bytes of b.
func atomicCASUint64(b []byte, old, newVal uint64) bool {
	return atomic.CompareAndSwapUint64((*uint64)(unsafe.Pointer(&b[0])), old, newVal)
}
