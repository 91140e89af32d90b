package pmem

import "fmt"

// OffsetBits is the number of usable bits in an [Offset].
//
// Offsets are stored durably inside 64-bit words whose upper bits carry
// caller-owned tag metadata, so only the low 48 bits address pool bytes.
const OffsetBits = 48

// OffsetMask extracts the offset portion of a tagged 64-bit word.
const OffsetMask = (uint64(1) << OffsetBits) - 1

// Offset is a durable pointer: a byte offset from the pool base.
//
// Offsets are stable across process restarts and across mappings at
// different virtual addresses. The zero Offset is reserved as nil (it falls
// inside the header, which is never a valid data address).
type Offset uint64

// NilOffset is the null durable pointer.
const NilOffset Offset = 0

// IsNil reports whether o is the null offset.
func (o Offset) IsNil() bool { return o == NilOffset }

// Add returns the offset n bytes past o.
func (o Offset) Add(n int) Offset { return o + Offset(n) }

// String implements fmt.Stringer for diagnostics.
func (o Offset) String() string { return fmt.Sprintf("+0x%x", uint64(o)) }
