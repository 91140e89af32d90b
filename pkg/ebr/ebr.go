package ebr

import "sync/atomic"

// NumEpochs is the size of the epoch clock. Three values suffice: at any
// moment active workers straddle at most two consecutive epochs, leaving the
// third safe to reclaim.
const NumEpochs = 3

// activeFlag marks a worker as inside a critical section. It lives in the
// high bit of the worker's local epoch so one atomic load reads both.
const activeFlag = 0x80000000

// nilObj is the end-of-list sentinel for limbo lists. Offset 0 falls inside
// a pool header and is never a real object.
const nilObj = 0

// SetNextFunc links obj's embedded list node to next. Called by [GC.Limbo]
// while pushing onto a limbo list.
type SetNextFunc func(obj, next uint64)

// ReclaimFunc destroys every object on the list starting at head. The walk
// order and the embedded-node layout belong to the owner of the objects.
type ReclaimFunc func(head uint64)

// GC is an epoch-based reclamation domain.
//
// Register, Enter, Exit, and Limbo are safe for concurrent use. Sync and
// Reclaim must be serialized (run them from a single goroutine).
type GC struct {
	globalEpoch atomic.Uint32

	// workers is the head of the registered-worker list.
	// Pushes CAS the head; only Sync walks or unlinks.
	workers atomic.Pointer[Worker]

	// limbo holds the per-epoch retire list heads (object handles).
	limbo [NumEpochs]atomic.Uint64

	setNext SetNextFunc
	reclaim ReclaimFunc
}

// Worker is a per-goroutine registration record.
//
// A Worker belongs to the goroutine that called [GC.Register]; its Enter and
// Exit must not be called concurrently. The record is read by the Sync
// coordinator via atomic loads.
type Worker struct {
	gc         *GC
	localEpoch atomic.Uint32
	dead       atomic.Bool
	next       atomic.Pointer[Worker]
}

// New creates a reclamation domain.
// Panics if either callback is nil.
func New(setNext SetNextFunc, reclaim ReclaimFunc) *GC {
	if setNext == nil {
		panic("ebr: setNext is nil")
	}

	if reclaim == nil {
		panic("ebr: reclaim is nil")
	}

	return &GC{setNext: setNext, reclaim: reclaim}
}

// Register links a new worker record into the domain.
//
// Call once per goroutine and reuse the returned Worker; records are only
// unlinked after [Worker.Unregister].
func (g *GC) Register() *Worker {
	w := &Worker{gc: g}

	for {
		head := g.workers.Load()
		w.next.Store(head)

		if g.workers.CompareAndSwap(head, w) {
			return w
		}
	}
}

// Enter marks the entrance to a critical section.
//
// The worker observes the global epoch and sets its active flag in one
// atomic store; the store is sequentially consistent, so every load inside
// the critical section is ordered after the epoch observation.
func (w *Worker) Enter() {
	w.localEpoch.Store(w.gc.globalEpoch.Load() | activeFlag)
}

// Exit marks the exit of a critical section.
//
// Panics if the worker is not in a critical section.
func (w *Worker) Exit() {
	if w.localEpoch.Load()&activeFlag == 0 {
		panic("ebr: Exit outside critical section")
	}

	w.localEpoch.Store(0)
}

// Unregister marks the worker record dead. The next Sync unlinks it.
//
// The worker must not be inside a critical section and must not be used
// again afterwards.
func (w *Worker) Unregister() {
	if w.localEpoch.Load()&activeFlag != 0 {
		panic("ebr: Unregister inside critical section")
	}

	w.dead.Store(true)
}

// Sync attempts to announce a new epoch.
//
// Returns (gcEpoch, true) if the epoch advanced: the limbo list for gcEpoch
// is now safe to reclaim. Returns (gcEpoch, false) if some active worker has
// not yet observed the current epoch.
//
// Sync must be serialized: one goroutine at a time.
func (g *GC) Sync() (gcEpoch uint32, advanced bool) {
	epoch := g.globalEpoch.Load()

	// Check whether all active workers observed the global epoch,
	// unlinking dead records along the way (only Sync mutates the list
	// beyond head pushes, so plain traversal is safe).
	var prev *Worker

	for w := g.workers.Load(); w != nil; w = w.next.Load() {
		if w.dead.Load() {
			g.unlink(prev, w)

			continue
		}

		local := w.localEpoch.Load()
		if local&activeFlag != 0 && local != epoch|activeFlag {
			return g.GCEpoch(), false
		}

		prev = w
	}

	// All observed: increment and announce a new global epoch.
	//
	// Let the new epoch be e. Active workers are running in e-1 or just
	// entered e; inactive workers entering now observe e-1 or e. No
	// worker can hold a stale observation of e-2 (clock arithmetic has
	// no ABA across a single increment), so the e-2 list is unreachable.
	g.globalEpoch.Store((epoch + 1) % NumEpochs)

	return g.GCEpoch(), true
}

// unlink removes w from the worker list. prev is the preceding live record,
// or nil if w is at the head. A racing Register can defeat the head unlink;
// the record is then collected by a later Sync.
func (g *GC) unlink(prev, w *Worker) {
	next := w.next.Load()

	if prev != nil {
		prev.next.Store(next)

		return
	}

	g.workers.CompareAndSwap(w, next)
}

// StagingEpoch returns the epoch where objects are currently staged for
// reclamation (the global epoch).
func (g *GC) StagingEpoch() uint32 {
	return g.globalEpoch.Load()
}

// GCEpoch returns the epoch whose limbo list is safe to reclaim after a
// successful [GC.Sync]. With three epochs, e-2 is the next epoch with clock
// arithmetic.
func (g *GC) GCEpoch() uint32 {
	return (g.globalEpoch.Load() + 1) % NumEpochs
}

// Limbo retires obj into the staging epoch's limbo list.
//
// Callers retire objects from inside a critical section so the staging
// epoch cannot advance twice before the push lands.
func (g *GC) Limbo(obj uint64) {
	head := &g.limbo[g.StagingEpoch()]

	for {
		old := head.Load()
		g.setNext(obj, old)

		if head.CompareAndSwap(old, obj) {
			return
		}
	}
}

// Reclaim detaches the limbo list for epoch and hands it to the reclaim
// callback. Call only with an epoch returned by a successful [GC.Sync].
func (g *GC) Reclaim(epoch uint32) {
	head := g.limbo[epoch].Swap(nilObj)
	if head != nilObj {
		g.reclaim(head)
	}
}
