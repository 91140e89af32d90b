package pmwcas

import (
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/pmwcas/pkg/pmem"
)

// crashError is the sentinel thrown by the injected flush hook.
type crashError struct{}

func (crashError) Error() string { return "injected crash" }

// crashHarness drives a two-word commit with a crash injected at the Nth
// durability barrier, then reopens the pool (running recovery) and returns
// a handle for assertions.
type crashHarness struct {
	t    *testing.T
	path string
	a, b pmem.Offset
}

const (
	crashInitA = uint64(1)
	crashInitB = uint64(2)
	crashNewA  = uint64(11)
	crashNewB  = uint64(22)
)

// run executes the scenario, crashing at persist number crashAt (1-based)
// counted from the start of Commit; crashAt <= 0 disables the crash.
// Returns the number of persists Commit issued and whether it crashed.
func (h *crashHarness) run(crashAt int64) (persists int64, crashed bool) {
	h.t.Helper()

	var (
		armed atomic.Bool
		count atomic.Int64
	)

	hook := func(off pmem.Offset, n int) {
		if !armed.Load() {
			return
		}

		if c := count.Add(1); crashAt > 0 && c == crashAt {
			panic(crashError{})
		}
	}

	pool, err := Create(Options{
		Path:        h.path,
		PoolSize:    4 << 20,
		Descriptors: 64,
		FlushHook:   hook,
	})
	require.NoError(h.t, err)

	h.a = pool.UserOffset()
	h.b = pool.UserOffset().Add(8)
	setWord(pool, h.a, crashInitA)
	setWord(pool, h.b, crashInitB)

	d, err := pool.Alloc(RecycleNone, 0)
	require.NoError(h.t, err)
	require.NoError(h.t, pool.Add(d, h.a, crashInitA, crashNewA, RecycleDefault))
	require.NoError(h.t, pool.Add(d, h.b, crashInitB, crashNewB, RecycleDefault))

	armed.Store(true)

	func() {
		defer func() {
			if r := recover(); r != nil {
				if _, ok := r.(crashError); !ok {
					panic(r)
				}

				crashed = true
			}
		}()

		w := pool.Register()
		w.Enter()
		defer w.Exit()

		pool.Commit(d)
	}()

	armed.Store(false)
	require.NoError(h.t, pool.Close())

	return count.Load(), crashed
}

// reopen opens the crashed pool; Open runs recovery.
func (h *crashHarness) reopen() *Pool {
	h.t.Helper()

	pool, err := Open(Options{Path: h.path})
	require.NoError(h.t, err)
	h.t.Cleanup(func() { _ = pool.Close() })

	return pool
}

// assertConsistent checks the atomicity contract after recovery: both
// words are tag-free and from the same side of the operation, and every
// descriptor slot is FREE.
func (h *crashHarness) assertConsistent(pool *Pool) {
	h.t.Helper()

	w := pool.Register()
	w.Enter()
	defer w.Exit()

	gotA := pool.Read(h.a)
	gotB := pool.Read(h.b)

	oldState := gotA == crashInitA && gotB == crashInitB
	newState := gotA == crashNewA && gotB == crashNewB

	require.True(h.t, oldState || newState,
		"torn state after recovery: a=%d b=%d", gotA, gotB)

	for i := 0; i < pool.Capacity(); i++ {
		require.Equal(h.t, StatusFree, pool.SlotStatus(i),
			"slot %d not freed by recovery", i)
	}
}

// TestCrashSweep crashes a two-word commit at every durability barrier in
// turn and verifies recovery always lands in a consistent state.
func TestCrashSweep(t *testing.T) {
	t.Parallel()

	// Dry run to learn how many barriers a clean commit crosses.
	dry := &crashHarness{t: t, path: filepath.Join(t.TempDir(), "dry.pm")}

	total, crashed := dry.run(0)
	require.False(t, crashed)
	require.Greater(t, total, int64(0))

	for crashAt := int64(1); crashAt <= total; crashAt++ {
		h := &crashHarness{
			t:    t,
			path: filepath.Join(t.TempDir(), "crash.pm"),
		}

		_, crashed := h.run(crashAt)
		require.True(t, crashed, "crash point %d not reached", crashAt)

		pool := h.reopen()
		h.assertConsistent(pool)

		// Recovery idempotence: a second pass changes nothing.
		pool.Recover()
		h.assertConsistent(pool)
	}
}

// TestCrashAfterDecisionRollsForward pins the crash to the barrier that
// flushes the SUCCESS decision, before any word is finalized. Recovery must
// roll the operation forward to the new values.
func TestCrashAfterDecisionRollsForward(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "pool.pm")

	var (
		armed         atomic.Bool
		statusOff     atomic.Uint64
		statusFlushes atomic.Int64
	)

	hook := func(off pmem.Offset, n int) {
		if !armed.Load() || uint64(off) != statusOff.Load() {
			return
		}

		// Flush 1 publishes UNDECIDED (phase 0); flush 2 publishes
		// the decision (phase 3). Crash right after the decision is
		// durable and before finalize runs.
		if statusFlushes.Add(1) == 2 {
			panic(crashError{})
		}
	}

	pool, err := Create(Options{
		Path:        path,
		PoolSize:    4 << 20,
		Descriptors: 64,
		FlushHook:   hook,
	})
	require.NoError(t, err)

	a := pool.UserOffset()
	b := pool.UserOffset().Add(8)
	setWord(pool, a, 1)
	setWord(pool, b, 2)

	d, err := pool.Alloc(RecycleNone, 0)
	require.NoError(t, err)
	require.NoError(t, pool.Add(d, a, 1, 11, RecycleDefault))
	require.NoError(t, pool.Add(d, b, 2, 22, RecycleDefault))

	statusOff.Store(uint64(d.Offset()))
	armed.Store(true)

	crashed := false

	func() {
		defer func() {
			if r := recover(); r != nil {
				if _, ok := r.(crashError); !ok {
					panic(r)
				}

				crashed = true
			}
		}()

		w := pool.Register()
		w.Enter()
		defer w.Exit()

		pool.Commit(d)
	}()

	require.True(t, crashed, "decision barrier never reached")

	armed.Store(false)
	require.NoError(t, pool.Close())

	reopened, err := Open(Options{Path: path})
	require.NoError(t, err)

	defer func() { _ = reopened.Close() }()

	w := reopened.Register()
	w.Enter()
	defer w.Exit()

	require.Equal(t, uint64(11), reopened.Read(a), "decided SUCCESS must roll forward")
	require.Equal(t, uint64(22), reopened.Read(b), "decided SUCCESS must roll forward")
}

// TestRecoveryRollsBackRDCSSInstall hand-builds the transient first-stage
// install state and checks recovery undoes it.
func TestRecoveryRollsBackRDCSSInstall(t *testing.T) {
	t.Parallel()

	pool := newTestPool(t, 16)

	a := wordAddr(pool, 0)
	setWord(pool, a, 5)

	d, err := pool.Alloc(RecycleNone, 0)
	require.NoError(t, err)
	require.NoError(t, pool.Add(d, a, 5, 50, RecycleDefault))

	// Make the descriptor visible as live-but-undecided, then freeze
	// time right after the first install stage.
	pool.persistClearDirty(d.statusOff(), uint64(StatusUndecided)|dirtyBit)

	wordPtr := uint64(d.word(0).off) | rdcssBit
	pool.Mem().StoreWord(a, wordPtr)

	pool.Recover()

	require.Equal(t, StatusFree, d.status())

	w := pool.Register()
	w.Enter()
	defer w.Exit()

	require.Equal(t, uint64(5), pool.Read(a), "half-install must roll back")
}

// TestRecoveryOnCleanPoolIsNoop recovers a pool with committed data and no
// in-flight descriptors.
func TestRecoveryOnCleanPoolIsNoop(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "pool.pm")

	pool, err := Create(Options{Path: path, PoolSize: 4 << 20, Descriptors: 16})
	require.NoError(t, err)

	a := pool.UserOffset()
	setWord(pool, a, 10)

	w := pool.Register()
	w.Enter()

	d, err := pool.Alloc(RecycleNone, 0)
	require.NoError(t, err)
	require.NoError(t, pool.Add(d, a, 10, 20, RecycleDefault))
	require.True(t, pool.Commit(d))
	pool.Free(d)

	w.Exit()
	require.NoError(t, pool.Close())

	reopened, err := Open(Options{Path: path})
	require.NoError(t, err)

	defer func() { _ = reopened.Close() }()

	w2 := reopened.Register()
	w2.Enter()
	defer w2.Exit()

	require.Equal(t, uint64(20), reopened.Read(a))

	for i := 0; i < reopened.Capacity(); i++ {
		require.Equal(t, StatusFree, reopened.SlotStatus(i))
	}
}
