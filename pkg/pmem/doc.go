// Package pmem provides a byte-addressable persistent memory pool backed by
// an mmap'd file.
//
// A pool is a single file with a fixed binary header, a small undo-log region
// used for crash-atomic multi-range updates, and a data region addressed by
// 48-bit [Offset] values relative to the pool base.
//
// # Basic Usage
//
//	pool, err := pmem.Create(pmem.Options{
//	    Path: "/var/lib/app/pool.pm",
//	    Size: 64 << 20,
//	})
//	if err != nil {
//	    // handle ErrCorrupt/ErrIncompatible by rebuilding
//	}
//	defer pool.Close()
//
//	off := pool.DataOffset()
//	pool.StoreWord(off, 42)
//	pool.PersistWord(off)
//
// # Durability
//
// [Pool.Persist] flushes a byte range to the backing file. Under
// [SyncWriteback] it issues msync(MS_SYNC) on the covering pages; under
// [NoWriteback] it is a no-op (useful for tests and volatile scratch pools).
// All word mutations are plain or atomic stores into the mapping; callers own
// the flush discipline.
//
// # Concurrency
//
// Word access ([Pool.LoadWord], [Pool.StoreWord], [Pool.CASWord],
// [Pool.CompareExchange]) is atomic and safe for concurrent use. The undo-log
// transaction ([Pool.Begin]) is serialized by an internal mutex; it is meant
// for rare structural updates, not the hot path.
//
// A pool file is exclusive to one process at a time, enforced with an
// advisory lock on a ".lock" sidecar unless [Options.DisableLocking] is set.
package pmem
