package pmwcas

import (
	"fmt"

	"github.com/calvinalkan/pmwcas/pkg/ebr"
	"github.com/calvinalkan/pmwcas/pkg/pmem"
)

// RecycleFunc releases a word's side allocations when its descriptor is
// reclaimed. It runs on the reclamation goroutine, after two epoch advances,
// so no reader can still reference the values.
type RecycleFunc func(policy RecyclePolicy, status Status, expect, newVal uint64)

// Options configures creating or opening a PMwCAS pool.
type Options struct {
	// Path is the filesystem path to the pool file. Required.
	Path string

	// PoolSize is the total pool file size in bytes. It must cover the
	// descriptor region plus whatever data region the application needs
	// for its target words. Required for [Create]; ignored by [Open].
	PoolSize int64

	// Descriptors is the number of descriptor slots. Fixed at creation
	// time. Required for [Create]; ignored by [Open].
	Descriptors int

	// Writeback controls durability; see [pmem.Writeback].
	Writeback pmem.Writeback

	// Recycler, if non-nil, receives words of reclaimed descriptors
	// according to their [RecyclePolicy].
	Recycler RecycleFunc

	// DisableLocking disables the interprocess pool lock.
	DisableLocking bool

	// FlushHook is passed through to [pmem.Options.FlushHook].
	// Test instrumentation; leave nil in production.
	FlushHook func(off pmem.Offset, n int)
}

// Pool is a PMwCAS descriptor pool over a pmem pool.
//
// Alloc, Free, Commit, and Read are safe for concurrent use. Add and Reserve
// mutate a descriptor exclusively owned by the caller. See the package docs
// for the epoch discipline.
type Pool struct {
	_ [0]func() // prevent external construction

	pm *pmem.Pool
	gc *ebr.GC

	// base is the offset of descriptor slot 0.
	base     pmem.Offset
	capacity int

	recycler RecycleFunc
}

// Create creates a new pool file, initializes every descriptor slot to FREE,
// and flushes the result (the first-use protocol).
func Create(opts Options) (*Pool, error) {
	if opts.Descriptors < 1 {
		return nil, fmt.Errorf("descriptors must be >= 1, got %d: %w", opts.Descriptors, ErrInvalidInput)
	}

	pm, err := pmem.Create(pmem.Options{
		Path:           opts.Path,
		Size:           opts.PoolSize,
		UserVersion:    layoutVersion,
		AppMeta:        [4]uint64{uint64(opts.Descriptors), WordsPerDescriptor, 0, 0},
		Writeback:      opts.Writeback,
		DisableLocking: opts.DisableLocking,
		FlushHook:      opts.FlushHook,
	})
	if err != nil {
		return nil, err
	}

	p, err := wrap(pm, opts)
	if err != nil {
		_ = pm.Close()

		return nil, err
	}

	p.firstUse()

	return p, nil
}

// Open opens an existing pool file and runs [Pool.Recover] before returning,
// so the pool is handed to the caller in a decided, all-FREE descriptor
// state. Geometry comes from the pool header; opts.PoolSize and
// opts.Descriptors are ignored.
func Open(opts Options) (*Pool, error) {
	pm, err := pmem.Open(pmem.Options{
		Path:           opts.Path,
		UserVersion:    layoutVersion,
		Writeback:      opts.Writeback,
		DisableLocking: opts.DisableLocking,
		FlushHook:      opts.FlushHook,
	})
	if err != nil {
		return nil, err
	}

	meta := pm.AppMeta()
	opts.Descriptors = int(meta[0])

	p, err := wrap(pm, opts)
	if err != nil {
		_ = pm.Close()

		return nil, err
	}

	p.Recover()

	return p, nil
}

// wrap validates geometry and builds the Pool with its reclamation domain.
func wrap(pm *pmem.Pool, opts Options) (*Pool, error) {
	meta := pm.AppMeta()

	if meta[1] != WordsPerDescriptor {
		return nil, fmt.Errorf("pool built with %d words per descriptor, this build has %d: %w",
			meta[1], WordsPerDescriptor, ErrIncompatible)
	}

	capacity := opts.Descriptors

	base := pm.DataOffset()

	regionEnd := uint64(base) + uint64(capacity)*descSize
	if regionEnd > uint64(pm.Size()) {
		return nil, fmt.Errorf("pool size %d cannot hold %d descriptors: %w",
			pm.Size(), capacity, ErrInvalidInput)
	}

	p := &Pool{
		pm:       pm,
		base:     base,
		capacity: capacity,
		recycler: opts.Recycler,
	}

	p.gc = ebr.New(p.setGCNext, p.reclaim)

	return p, nil
}

// Close closes the pool. Outstanding descriptors and limbo lists are
// abandoned; the next Open's recovery returns their slots to FREE.
func (p *Pool) Close() error {
	return p.pm.Close()
}

// Mem returns the underlying pmem pool, for applications that allocate
// their target words in the same file.
func (p *Pool) Mem() *pmem.Pool { return p.pm }

// UserOffset returns the first offset past the descriptor region. The range
// [UserOffset, pool size) belongs to the application.
func (p *Pool) UserOffset() pmem.Offset {
	return p.base.Add(p.capacity * descSize)
}

// Capacity returns the number of descriptor slots.
func (p *Pool) Capacity() int { return p.capacity }

// SlotStatus returns the status of descriptor slot pos with the DIRTY tag
// masked off. Diagnostic use.
func (p *Pool) SlotStatus(pos int) Status { return p.descAt(pos).status() }

// GC returns the pool's reclamation domain. [GC.Sync] and [GC.Reclaim] run
// from a single reclamation goroutine by convention.
func (p *Pool) GC() *ebr.GC { return p.gc }

// Register registers the calling goroutine with the reclamation domain.
func (p *Pool) Register() *ebr.Worker { return p.gc.Register() }

// descAt returns the descriptor handle for slot pos.
func (p *Pool) descAt(pos int) Desc {
	return Desc{pool: p, off: p.base.Add(pos * descSize)}
}

// descFromOffset rebuilds a descriptor handle from a durable offset found
// inside a tagged word.
func (p *Pool) descFromOffset(off pmem.Offset) Desc {
	return Desc{pool: p, off: off}
}

// firstUse initializes every descriptor slot to FREE and persists.
func (p *Pool) firstUse() {
	for i := 0; i < p.capacity; i++ {
		d := p.descAt(i)
		p.pm.StoreWord(d.statusOff(), uint64(StatusFree))
		p.pm.PersistWord(d.statusOff())
	}
}

// Alloc claims a free descriptor slot.
//
// policy becomes the descriptor's default recycle policy for words added
// with [RecycleDefault]. hint rotates the start of the linear scan so
// callers can spread contention across the pool.
//
// The claimed slot's status is UNDECIDED with the DIRTY tag set: if the
// process crashes before commit publishes the status, recovery reclaims the
// slot. Commit clears the tag as its first step.
//
// Returns [ErrPoolFull] when no slot is free.
func (p *Pool) Alloc(policy RecyclePolicy, hint int) (Desc, error) {
	if policy == RecycleDefault {
		policy = RecycleNone
	}

	if hint < 0 {
		hint = -hint
	}

	for i := 0; i < p.capacity; i++ {
		pos := (i + hint) % p.capacity
		d := p.descAt(pos)

		if d.status() != StatusFree {
			continue
		}

		if !p.pm.CASWord(d.statusOff(), uint64(StatusFree), uint64(StatusUndecided)|dirtyBit) {
			continue
		}

		p.pm.StoreWord(d.off+descCountOff, 0)
		p.pm.StoreWord(d.off+descPolicyOff, uint64(policy))
		p.pm.Persist(d.off+descCountOff, 16)

		return d, nil
	}

	return Desc{}, ErrPoolFull
}

// Free retires a decided descriptor into the current epoch's limbo list.
// The slot returns to FREE after two successful epoch advances.
//
// Call only after [Pool.Commit] has returned, from inside the critical
// section that performed the operation.
func (p *Pool) Free(d Desc) {
	p.gc.Limbo(uint64(d.off))
}

// setGCNext links a limboed descriptor's embedded list node. ebr callback.
func (p *Pool) setGCNext(obj, next uint64) {
	p.pm.StoreWord(pmem.Offset(obj)+descGCNextOff, next)
}

// reclaim walks a detached limbo list, releases side allocations through
// the recycler, and returns each slot to FREE. ebr callback; runs after two
// epoch advances, so no thread still references these descriptors.
func (p *Pool) reclaim(head uint64) {
	for off := pmem.Offset(head); !off.IsNil(); {
		d := p.descFromOffset(off)
		next := p.pm.LoadWord(off + descGCNextOff)

		p.recycleWords(d)

		p.pm.StoreWord(d.statusOff(), uint64(StatusFree))
		p.pm.PersistWord(d.statusOff())

		off = pmem.Offset(next)
	}
}

// recycleWords applies each word's recycle policy against the final status.
func (p *Pool) recycleWords(d Desc) {
	if p.recycler == nil {
		return
	}

	status := d.status()
	count := d.count()

	for i := 0; i < count; i++ {
		w := d.word(i)
		policy := w.policy()

		run := false

		switch policy {
		case RecycleNewOnFail:
			run = status != StatusSuccess
		case RecycleExpectOnSuccess:
			run = status == StatusSuccess
		case RecycleCallbackSlot:
			run = true
		case RecycleDefault, RecycleNone:
		}

		if run {
			p.recycler(policy, status, w.expect(), w.newVal())
		}
	}
}
