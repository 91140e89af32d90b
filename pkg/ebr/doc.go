// Package ebr implements epoch-based reclamation for lock-free structures.
//
// Reference: K. Fraser, Practical lock-freedom, UCAM-CL-TR-579.
//
// Any worker actively referencing globally visible objects must do so inside
// a critical section bracketed by [Worker.Enter] and [Worker.Exit]. The grace
// period is tracked with a global epoch counter in {0, 1, 2}. Objects retired
// into the current (staging) epoch become reclaimable after two successful
// increments of the global epoch: with a 3-value clock, a worker active when
// epoch e begins can only be observing e-1 or e, so the e-2 list is
// unreachable (no ABA on the clock).
//
// # Usage
//
//	gc := ebr.New(setNext, reclaim)
//	w := gc.Register()          // once per goroutine
//
//	w.Enter()
//	// ... access shared objects ...
//	w.Exit()
//
//	gc.Limbo(obj)               // retire obj into the staging epoch
//
//	// from a single reclamation goroutine:
//	if epoch, ok := gc.Sync(); ok {
//	    gc.Reclaim(epoch)
//	}
//
// Objects are opaque uint64 handles (durable offsets, in practice). The
// limbo lists are threaded through the objects themselves via the SetNext
// callback, so ebr performs no allocation on the retire path.
//
// [GC.Sync] must be serialized: run it from one goroutine.
package ebr
