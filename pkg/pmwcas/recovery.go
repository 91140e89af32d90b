package pmwcas

// Recover drives every descriptor in the pool to a decided end state and
// returns all slots to FREE.
//
// Runs single-threaded at startup, before any reader or writer resumes
// ([Open] calls it automatically). Recovery rolls back in-flight and failed
// operations, rolls forward succeeded ones, and is idempotent: running it
// twice yields the same pool state as running it once.
func (p *Pool) Recover() {
	for i := 0; i < p.capacity; i++ {
		p.recoverDesc(p.descAt(i))
	}
}

func (p *Pool) recoverDesc(d Desc) {
	raw := d.rawStatus()

	// A DIRTY status means the crash hit before the cache line holding
	// the decision was flushed. The decision value itself was already
	// durable when the tag-clearing store began, so clearing in place is
	// safe - and a crash during THIS clear just leaves the tag for the
	// next recovery run.
	if isDirty(raw) {
		raw &^= dirtyBit
		p.pm.StoreWord(d.statusOff(), raw)
		p.pm.PersistWord(d.statusOff())
	}

	status := Status(raw)
	if status == StatusFree {
		return
	}

	done := status == StatusSuccess
	descPtrDirty := uint64(d.off) | mwcasBit | dirtyBit
	descPtrClean := uint64(d.off) | mwcasBit

	count := d.count()
	if count > WordsPerDescriptor {
		// Torn count from a crash mid-alloc; nothing past the slot
		// array can be meaningful.
		count = WordsPerDescriptor
	}

	// Each target word can be in one of four states: the original
	// expected value, an RDCSS pointer to its word descriptor, a
	// descriptor pointer (dirty or clean), or the new value. The CAS
	// ladder below drives every state to the value chosen by the
	// decided status, then flushes unconditionally.
	for j := 0; j < count; j++ {
		w := d.word(j)
		addr := w.addr()

		final := w.expect()
		if done {
			final = w.newVal()
		}

		// Descriptor pointer, DIRTY or clean, swings to the value
		// the decided status chose. A clean pointer with an
		// undecided status is reachable (phase 2, or a reader's
		// persist-clear, ran before the crash) and still rolls
		// back: only a durable SUCCESS rolls forward.
		r := p.pm.CompareExchange(addr, descPtrDirty, final)
		if r == descPtrClean {
			p.pm.CASWord(addr, descPtrClean, final)
		}

		// RDCSS half-install: only reachable while undecided or
		// failed, which recovery treats as rollback.
		if r == uint64(w.off)|rdcssBit {
			p.pm.CASWord(addr, uint64(w.off)|rdcssBit, w.expect())
		}

		// If every CAS above failed, the word already holds the
		// original or the new value (possibly DIRTY-tagged; readers
		// clear that lazily) and needs no modification.
		p.pm.PersistWord(addr)
	}

	// All target words are persisted in their correct state.
	p.pm.StoreWord(d.statusOff(), uint64(StatusFree))
	p.pm.PersistWord(d.statusOff())
}
