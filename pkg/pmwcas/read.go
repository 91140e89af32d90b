package pmwcas

import "github.com/calvinalkan/pmwcas/pkg/pmem"

// Read returns the logical value of a PMwCAS-managed word.
//
// A reader never observes protocol state: an RDCSS tag is helped through
// its second install stage, a descriptor pointer is helped to completion by
// running its commit, and a DIRTY value is flushed before it is trusted.
// The returned value is tag-free.
//
// The caller must be inside an epoch critical section.
func (p *Pool) Read(addr pmem.Offset) uint64 {
	for {
		r := p.pm.LoadWord(addr)

		if isRDCSS(r) {
			p.completeInstall(wordRef{pool: p, off: ptrOf(r)})

			continue
		}

		if isDirty(r) {
			p.persistClearDirty(addr, r)
			r &^= dirtyBit
		}

		if isMwCAS(r) {
			p.Commit(p.descFromOffset(ptrOf(r)))

			continue
		}

		return r
	}
}
