package pmwcas

import "github.com/calvinalkan/pmwcas/pkg/pmem"

// Tag bits carried in the high bits of every PMwCAS-managed word.
//
// The tag constants and the typed helpers below live in this file. Tag bits
// are only set and cleared inside package pmwcas: commit, read and recovery
// compose and strip tagged pointers with these constants directly.
const (
	// rdcssBit marks a word holding a tagged word-descriptor pointer:
	// the first, conditional stage of an install.
	rdcssBit = uint64(1) << 63

	// mwcasBit marks a word holding a tagged descriptor pointer: the
	// word is owned by an in-flight PMwCAS.
	mwcasBit = uint64(1) << 62

	// dirtyBit marks a word written but not yet known durable. Observers
	// flush and clear it before trusting the value.
	dirtyBit = uint64(1) << 61

	// tagMask covers all three tag bits.
	tagMask = rdcssBit | mwcasBit | dirtyBit
)

func isRDCSS(v uint64) bool { return v&rdcssBit != 0 }

func isMwCAS(v uint64) bool { return v&mwcasBit != 0 }

func isDirty(v uint64) bool { return v&dirtyBit != 0 }

// untagged strips the tag bits from a value.
func untagged(v uint64) uint64 { return v &^ tagMask }

// ptrOf extracts the descriptor or word-descriptor offset carried in a
// tagged word.
func ptrOf(v uint64) pmem.Offset { return pmem.Offset(v & pmem.OffsetMask) }

// hasTagBits reports whether a caller-supplied value collides with the
// reserved tag bits.
func hasTagBits(v uint64) bool { return v&tagMask != 0 }
