package pmwcas

import (
	"fmt"

	"github.com/calvinalkan/pmwcas/pkg/pmem"
)

// Add appends a target word to the descriptor.
//
// addr is the pool offset of the 64-bit target word; expect and newVal must
// keep the reserved tag bits clear. override selects the word's recycle
// policy; [RecycleDefault] uses the descriptor's default.
//
// Words are kept strictly sorted by address, so the insert shifts the tail
// of the slot array. The shift and the count increment run inside an
// undo-log transaction: a crash mid-insert rolls the descriptor back to its
// previous shape. Add issues no flush of its own; the transaction's commit
// flushes the shifted slots and the count.
//
// Add is called only by the descriptor's owner, between Alloc and Commit.
//
// Possible errors: [ErrDescriptorFull], [ErrDuplicateAddress],
// [ErrTaggedValue], [ErrInvalidInput].
func (p *Pool) Add(d Desc, addr pmem.Offset, expect, newVal uint64, override RecyclePolicy) error {
	_, err := p.insertWord(d, addr, expect, newVal, override, false)

	return err
}

// SlotRef is a handle to a reserved newVal slot inside a descriptor.
//
// External allocators write the newly allocated value into the slot, inside
// their own transaction, before the owner commits.
type SlotRef struct {
	pool *Pool
	off  pmem.Offset
}

// IsNil reports whether the ref is empty.
func (s SlotRef) IsNil() bool { return s.pool == nil }

// Offset returns the slot's durable offset, for inclusion in a caller
// transaction ([pmem.Tx.AddRange]).
func (s SlotRef) Offset() pmem.Offset { return s.off }

// Set writes the slot. Returns [ErrTaggedValue] if v uses the reserved
// tag bits.
func (s SlotRef) Set(v uint64) error {
	if hasTagBits(v) {
		return fmt.Errorf("new value %#x: %w", v, ErrTaggedValue)
	}

	s.pool.pm.StoreWord(s.off, v)

	return nil
}

// Reserve appends a target word whose new value is not yet known and
// returns a handle to its newVal slot. The slot starts at zero; the caller
// fills it (typically with a fresh allocation, inside the allocator's
// transaction) before Commit.
//
// A later Add or Reserve that inserts at a lower address shifts the slot
// array and invalidates the ref, so reserve in ascending address order or
// last.
//
// Same ownership and error contract as [Pool.Add].
func (p *Pool) Reserve(d Desc, addr pmem.Offset, expect uint64, override RecyclePolicy) (SlotRef, error) {
	return p.insertWord(d, addr, expect, 0, override, true)
}

// insertWord does the shared sorted-insert for Add and Reserve.
func (p *Pool) insertWord(
	d Desc, addr pmem.Offset, expect, newVal uint64, override RecyclePolicy, reserve bool,
) (SlotRef, error) {
	if d.IsNil() {
		return SlotRef{}, fmt.Errorf("nil descriptor: %w", ErrInvalidInput)
	}

	if addr%8 != 0 || uint64(addr)+8 > uint64(p.pm.Size()) {
		return SlotRef{}, fmt.Errorf("target address %s: %w", addr, ErrInvalidInput)
	}

	if hasTagBits(expect) {
		return SlotRef{}, fmt.Errorf("expected value %#x: %w", expect, ErrTaggedValue)
	}

	if hasTagBits(newVal) {
		return SlotRef{}, fmt.Errorf("new value %#x: %w", newVal, ErrTaggedValue)
	}

	count := d.count()
	if count == WordsPerDescriptor {
		return SlotRef{}, ErrDescriptorFull
	}

	// Reject duplicates and locate the sorted insert point.
	insert := count

	for i := 0; i < count; i++ {
		a := d.word(i).addr()
		if a == addr {
			return SlotRef{}, fmt.Errorf("address %s: %w", addr, ErrDuplicateAddress)
		}

		if a > addr && insert > i {
			insert = i
		}
	}

	policy := override
	if policy == RecycleDefault {
		policy = d.defaultPolicy()
	}

	tx, err := p.pm.Begin()
	if err != nil {
		return SlotRef{}, err
	}

	slotOff := d.word(insert).off
	tailBytes := (count - insert + 1) * wordDescSize

	if err := tx.AddRange(slotOff, tailBytes); err != nil {
		tx.Commit() // nothing mutated yet

		return SlotRef{}, err
	}

	if err := tx.AddRange(d.off+descCountOff, 8); err != nil {
		tx.Commit()

		return SlotRef{}, err
	}

	if insert != count {
		region := p.pm.Bytes(slotOff, tailBytes)
		copy(region[wordDescSize:], region[:(count-insert)*wordDescSize])
	}

	p.pm.StoreWord(slotOff+wordAddrOff, uint64(addr))
	p.pm.StoreWord(slotOff+wordExpectOff, expect)
	p.pm.StoreWord(slotOff+wordNewOff, newVal)
	p.pm.StoreWord(slotOff+wordOwnerOff, uint64(d.off))
	p.pm.StoreWord(slotOff+wordPolicyOff, uint64(policy))

	p.pm.StoreWord(d.off+descCountOff, uint64(count+1))

	tx.Commit()

	if !reserve {
		return SlotRef{}, nil
	}

	return SlotRef{pool: p, off: slotOff + wordNewOff}, nil
}
