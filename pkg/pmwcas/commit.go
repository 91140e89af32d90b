package pmwcas

import "github.com/calvinalkan/pmwcas/pkg/pmem"

// persistClearDirty flushes the word at off and clears its DIRTY tag.
//
// val is the tagged value the caller observed. The flush happens first:
// "if you see DIRTY, persist before trusting" is the one durability rule of
// the whole protocol. The clearing CAS may lose to a concurrent observer
// doing the same thing; that is fine, the tag only needs to go away once.
func (p *Pool) persistClearDirty(off pmem.Offset, val uint64) {
	p.pm.PersistWord(off)

	if isDirty(val) {
		p.pm.CASWord(off, val, val&^dirtyBit)
	}
}

// completeInstall finishes the second stage of an RDCSS install: the target
// word swings from the tagged word-descriptor pointer to either the tagged
// owner-descriptor pointer (owner still undecided) or back to the expected
// value (owner already decided, so this install arrived too late).
//
// Any thread that observes the RDCSS tag may call this; the CAS makes the
// outcome single-shot.
func (p *Pool) completeInstall(w wordRef) {
	owner := w.owner()
	descPtr := uint64(owner.off) | mwcasBit | dirtyBit
	wordPtr := uint64(w.off) | rdcssBit

	next := w.expect()
	if owner.status() == StatusUndecided {
		next = descPtr
	}

	p.pm.CASWord(w.addr(), wordPtr, next)
}

// install runs the first, conditional stage of the install for one word:
// CAS the target from the expected value to a tagged word-descriptor
// pointer, helping over any foreign RDCSS in the way.
//
// Returns the value observed in the target word: the expected value means
// this thread (or a helper) installed; anything else is the caller's to
// interpret.
func (p *Pool) install(w wordRef) uint64 {
	wordPtr := uint64(w.off) | rdcssBit
	expect := w.expect()

	for {
		r := p.pm.CompareExchange(w.addr(), expect, wordPtr)

		if isRDCSS(r) {
			// A competing install holds the word mid-swing.
			// Finish it and retry ours.
			p.completeInstall(wordRef{pool: p, off: ptrOf(r)})

			continue
		}

		if r == expect {
			p.completeInstall(w)
		}

		return r
	}
}

// Commit executes the multi-word CAS described by d and returns whether it
// succeeded. On success every target word holds its new value; on failure
// every target word holds its original value. Either way the outcome is
// durable when Commit returns.
//
// Commit is also the helping entry point: readers and competing writers
// call it on descriptors they encounter, and every phase below is a no-op
// when a helper already performed it.
//
// The caller must be inside an epoch critical section.
func (p *Pool) Commit(d Desc) bool {
	// Phase 0: publish the status word. The slot was claimed with
	// UNDECIDED|DIRTY; flushing and clearing the tag makes the
	// descriptor visible as live-but-undecided.
	p.persistClearDirty(d.statusOff(), uint64(StatusUndecided)|dirtyBit)

	count := d.count()
	intent := StatusSuccess

	// Phase 1: install a descriptor pointer into every target word in
	// ascending address order.
	for i := 0; intent == StatusSuccess && i < count; i++ {
		w := d.word(i)

	wordLoop:
		for {
			r := p.install(w)

			switch {
			case r == w.expect() || ptrOf(r) == d.off:
				// Installed, by us or by a helper.
				break wordLoop

			case isMwCAS(r):
				// The word belongs to another in-flight
				// PMwCAS. Make sure what we read is durable,
				// drive that operation to a decision, then
				// retry this word.
				if isDirty(r) {
					p.persistClearDirty(w.addr(), r)
				}

				p.Commit(p.descFromOffset(ptrOf(r)))

			default:
				// Plain value mismatch: the whole operation
				// fails.
				intent = StatusFailed

				break wordLoop
			}
		}
	}

	descPtr := uint64(d.off) | mwcasBit | dirtyBit

	// Phase 2: make every installed pointer durable before the decision
	// can be published. A SUCCESS status must never be observable while
	// some install is still volatile.
	if intent == StatusSuccess {
		for i := 0; i < count; i++ {
			p.persistClearDirty(d.word(i).addr(), descPtr)
		}
	}

	// Phase 3: decide. The CAS loses if a helper decided first; either
	// way the status word now carries the outcome, and the
	// persist-clear makes it durable.
	p.pm.CASWord(d.statusOff(), uint64(StatusUndecided), uint64(intent)|dirtyBit)
	p.persistClearDirty(d.statusOff(), d.rawStatus())

	status := d.status()

	// Phase 4: replace every descriptor pointer with the final value.
	// A concurrent reader may have already persist-cleared the pointer's
	// DIRTY tag, so both tagged forms are tried.
	for i := 0; i < count; i++ {
		w := d.word(i)

		final := w.expect()
		if status == StatusSuccess {
			final = w.newVal()
		}

		val := final | dirtyBit

		r := p.pm.CompareExchange(w.addr(), descPtr, val)
		if r == descPtr&^dirtyBit {
			p.pm.CASWord(w.addr(), descPtr&^dirtyBit, val)
		}

		p.persistClearDirty(w.addr(), val)
	}

	return status == StatusSuccess
}
