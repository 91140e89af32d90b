// Package pmwcas implements a persistent multi-word compare-and-swap.
//
// A PMwCAS atomically transitions up to [WordsPerDescriptor] 64-bit words in
// a [pmem] pool from a vector of expected values to a vector of new values,
// with crash consistency: after any crash and recovery, every participating
// word is either all-expected or all-new.
//
// # Basic Usage
//
//	pool, err := pmwcas.Create(pmwcas.Options{
//	    Path:        "/var/lib/app/pool.pm",
//	    PoolSize:    64 << 20,
//	    Descriptors: 1024,
//	})
//	defer pool.Close()
//
//	w := pool.Register()        // once per goroutine
//
//	w.Enter()
//	d, err := pool.Alloc(pmwcas.RecycleNone, 0)
//	err = pool.Add(d, addrA, oldA, newA, pmwcas.RecycleDefault)
//	err = pool.Add(d, addrB, oldB, newB, pmwcas.RecycleDefault)
//	ok := pool.Commit(d)
//	pool.Free(d)
//	w.Exit()
//
//	w.Enter()
//	v := pool.Read(addrA)       // logical value, helping as needed
//	w.Exit()
//
// # Protocol
//
// Commit drives each target word through a two-stage install: first a
// conditional RDCSS swing from the expected value to a tagged word-descriptor
// pointer, then an upgrade to a tagged descriptor pointer. The two stages
// prevent a helper from acting on a descriptor pointer before the install is
// decided. After all words are installed (or one mismatches), the outcome is
// published in the descriptor's status word and every target word is
// finalized to its new or original value.
//
// Every store of protocol state carries a DIRTY tag until it is known
// durable; any observer that sees DIRTY flushes the word and clears the tag
// before trusting the value. Threads that encounter a foreign descriptor
// pointer help that operation to completion, so the protocol is lock-free:
// a stalled thread can only block others on work they can finish themselves.
//
// The three high bits of every managed word carry the protocol tags, so
// target words must keep bits 61-63 clear.
//
// # Concurrency and reclamation
//
// Commit and Read are safe for concurrent use from any goroutine that is
// inside an epoch critical section ([Pool.Register], [ebr.Worker.Enter]).
// Add and Reserve are called only by the owner of a freshly allocated
// descriptor, between Alloc and Commit. Free retires the descriptor through
// epoch-based reclamation; the slot returns to FREE after two epoch
// advances, when no reader can still hold a reference.
//
// # Crash recovery
//
// [Pool.Recover] runs single-threaded at startup (before any reader or
// writer) and drives every non-free descriptor to a decided, durable end
// state: in-flight and failed operations roll back, succeeded operations
// roll forward, and all descriptor slots return to FREE.
package pmwcas
