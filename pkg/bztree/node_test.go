package bztree

import (
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/calvinalkan/pmwcas/pkg/pmem"
	"github.com/calvinalkan/pmwcas/pkg/pmwcas"
)

func newTestNode(t *testing.T, size int) (*pmwcas.Pool, Node) {
	t.Helper()

	pool, err := pmwcas.Create(pmwcas.Options{
		Path:        filepath.Join(t.TempDir(), "pool.pm"),
		PoolSize:    8 << 20,
		Descriptors: 4096,
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	t.Cleanup(func() { _ = pool.Close() })

	return pool, InitNode(pool, pool.UserOffset(), size)
}

// enterEpoch pins the test goroutine inside a critical section.
func enterEpoch(t *testing.T, pool *pmwcas.Pool) {
	t.Helper()

	w := pool.Register()
	w.Enter()
	t.Cleanup(w.Exit)
}

func TestStatusWordPacking(t *testing.T) {
	t.Parallel()

	status := withBlockSize(withRecordCount(0, 37), 4096)

	if RecordCount(status) != 37 {
		t.Errorf("RecordCount = %d, want 37", RecordCount(status))
	}

	if BlockSize(status) != 4096 {
		t.Errorf("BlockSize = %d, want 4096", BlockSize(status))
	}

	if IsFrozen(status) {
		t.Error("fresh status should not be frozen")
	}

	if DeleteSize(status) != 0 {
		t.Errorf("DeleteSize = %d, want 0", DeleteSize(status))
	}

	frozen := status | statusFrozenBit
	if !IsFrozen(frozen) {
		t.Error("frozen bit lost")
	}

	// The PMwCAS tag bits must stay clear for every packed combination.
	if frozen>>61 != 0 {
		t.Errorf("status %#x collides with tag bits", frozen)
	}
}

func TestMetaWordPacking(t *testing.T) {
	t.Parallel()

	meta := packMeta(1000, 16, 48, true)

	if !IsVisible(meta) {
		t.Error("visible bit lost")
	}

	if MetaOffset(meta) != 1000 {
		t.Errorf("MetaOffset = %d, want 1000", MetaOffset(meta))
	}

	if KeyLength(meta) != 16 {
		t.Errorf("KeyLength = %d, want 16", KeyLength(meta))
	}

	if TotalLength(meta) != 48 {
		t.Errorf("TotalLength = %d, want 48", TotalLength(meta))
	}

	if meta>>61 != 0 {
		t.Errorf("meta %#x collides with tag bits", meta)
	}

	invisible := packMeta(1000, 16, 48, false)
	if IsVisible(invisible) {
		t.Error("invisible meta reports visible")
	}
}

func TestInsertProtocol(t *testing.T) {
	t.Parallel()

	pool, node := newTestNode(t, 4096)
	enterEpoch(t, pool)

	res, err := node.ReserveRecord(64, 1)
	if err != nil {
		t.Fatalf("ReserveRecord failed: %v", err)
	}

	if res.Index != 0 {
		t.Errorf("first record index = %d, want 0", res.Index)
	}

	status := node.ReadStatus()
	if RecordCount(status) != 1 {
		t.Errorf("record count = %d, want 1", RecordCount(status))
	}

	if BlockSize(status) != 64 {
		t.Errorf("block size = %d, want 64", BlockSize(status))
	}

	// The reservation is parked invisible with the allocation epoch.
	meta := node.ReadMeta(res.Index)
	if IsVisible(meta) {
		t.Fatal("reserved record must not be visible")
	}

	if MetaOffset(meta) != 1 {
		t.Errorf("reservation epoch = %d, want 1", MetaOffset(meta))
	}

	// Payload written and persisted by the tree here, then published.
	if err := node.FinishInsert(res, 16, 64); err != nil {
		t.Fatalf("FinishInsert failed: %v", err)
	}

	meta = node.ReadMeta(res.Index)
	if !IsVisible(meta) {
		t.Fatal("published record must be visible")
	}

	if MetaOffset(meta) != res.PayloadOffset {
		t.Errorf("published offset = %d, want %d", MetaOffset(meta), res.PayloadOffset)
	}

	if KeyLength(meta) != 16 || TotalLength(meta) != 64 {
		t.Errorf("lengths = %d/%d, want 16/64", KeyLength(meta), TotalLength(meta))
	}
}

func TestPayloadOffsetsGrowDown(t *testing.T) {
	t.Parallel()

	pool, node := newTestNode(t, 4096)
	enterEpoch(t, pool)

	first, err := node.ReserveRecord(100, 1)
	if err != nil {
		t.Fatal(err)
	}

	second, err := node.ReserveRecord(100, 1)
	if err != nil {
		t.Fatal(err)
	}

	if first.PayloadOffset != 4096-100 {
		t.Errorf("first payload at %d, want %d", first.PayloadOffset, 4096-100)
	}

	if second.PayloadOffset != 4096-200 {
		t.Errorf("second payload at %d, want %d", second.PayloadOffset, 4096-200)
	}

	if second.Index != 1 {
		t.Errorf("second index = %d, want 1", second.Index)
	}
}

func TestNodeFull(t *testing.T) {
	t.Parallel()

	pool, node := newTestNode(t, 256)
	enterEpoch(t, pool)

	if _, err := node.ReserveRecord(100, 1); err != nil {
		t.Fatal(err)
	}

	if _, err := node.ReserveRecord(100, 1); err != nil {
		t.Fatal(err)
	}

	_, err := node.ReserveRecord(100, 1)
	if !errors.Is(err, ErrNodeFull) {
		t.Errorf("err = %v, want ErrNodeFull", err)
	}
}

func TestFreezeBlocksReservations(t *testing.T) {
	t.Parallel()

	pool, node := newTestNode(t, 4096)
	enterEpoch(t, pool)

	if err := node.Freeze(); err != nil {
		t.Fatalf("Freeze failed: %v", err)
	}

	if !IsFrozen(node.ReadStatus()) {
		t.Fatal("status not frozen")
	}

	if err := node.Freeze(); !errors.Is(err, ErrFrozen) {
		t.Errorf("second Freeze err = %v, want ErrFrozen", err)
	}

	if _, err := node.ReserveRecord(10, 1); !errors.Is(err, ErrFrozen) {
		t.Errorf("ReserveRecord err = %v, want ErrFrozen", err)
	}
}

func TestFreezeFailsFinishInsert(t *testing.T) {
	t.Parallel()

	pool, node := newTestNode(t, 4096)
	enterEpoch(t, pool)

	res, err := node.ReserveRecord(64, 1)
	if err != nil {
		t.Fatal(err)
	}

	if err := node.Freeze(); err != nil {
		t.Fatal(err)
	}

	// The status word changed under the reservation; publishing must
	// fail so the tree retraverses.
	if err := node.FinishInsert(res, 16, 64); !errors.Is(err, ErrFrozen) {
		t.Errorf("FinishInsert err = %v, want ErrFrozen", err)
	}
}

func TestConcurrentReservationsAreSerial(t *testing.T) {
	t.Parallel()

	const (
		goroutines = 8
		perG       = 10
	)

	pool, node := newTestNode(t, 1<<16)

	// Reclaimer: contended reservations burn descriptors, so recycle
	// them while the workers run.
	stopReclaim := make(chan struct{})
	reclaimDone := make(chan struct{})

	go func() {
		defer close(reclaimDone)

		for {
			select {
			case <-stopReclaim:
				return
			default:
			}

			if gcEpoch, ok := pool.GC().Sync(); ok {
				pool.GC().Reclaim(gcEpoch)
			}
		}
	}()

	defer func() {
		close(stopReclaim)
		<-reclaimDone
	}()

	var wg sync.WaitGroup

	reserved := make([][]Reservation, goroutines)

	for g := 0; g < goroutines; g++ {
		g := g
		wg.Add(1)

		go func() {
			defer wg.Done()

			w := pool.Register()
			defer w.Unregister()

			for i := 0; i < perG; i++ {
				w.Enter()

				for {
					res, err := node.ReserveRecord(32, 1)
					if errors.Is(err, ErrContended) {
						continue
					}

					if err != nil {
						t.Errorf("ReserveRecord: %v", err)

						return
					}

					reserved[g] = append(reserved[g], res)

					break
				}

				w.Exit()
			}
		}()
	}

	wg.Wait()

	final := pool.Register()
	final.Enter()
	defer final.Exit()

	status := node.ReadStatus()
	if got := RecordCount(status); got != goroutines*perG {
		t.Fatalf("record count = %d, want %d", got, goroutines*perG)
	}

	// Every reservation got a distinct slot and payload region.
	seenIdx := map[uint32]bool{}
	seenOff := map[uint32]bool{}

	for _, rs := range reserved {
		for _, r := range rs {
			if seenIdx[r.Index] {
				t.Fatalf("index %d reserved twice", r.Index)
			}

			if seenOff[r.PayloadOffset] {
				t.Fatalf("payload offset %d reserved twice", r.PayloadOffset)
			}

			seenIdx[r.Index] = true
			seenOff[r.PayloadOffset] = true
		}
	}
}

func TestAllocChildReserve(t *testing.T) {
	t.Parallel()

	pool, _ := newTestNode(t, 4096)
	enterEpoch(t, pool)

	// A parent's child-pointer slot, initially nil.
	slotAddr := pool.UserOffset().Add(8192)
	pool.Mem().StoreWord(slotAddr, 0)
	pool.Mem().PersistWord(slotAddr)

	d, err := pool.Alloc(pmwcas.RecycleNone, 0)
	if err != nil {
		t.Fatal(err)
	}

	ref, err := AllocChild(pool, d, slotAddr, pmem.NilOffset)
	if err != nil {
		t.Fatalf("AllocChild failed: %v", err)
	}

	// The allocator stamps the fresh node's offset into the slot.
	childOff := pool.UserOffset().Add(16384)
	if err := ref.Set(uint64(childOff)); err != nil {
		t.Fatal(err)
	}

	if !pool.Commit(d) {
		t.Fatal("Commit should succeed")
	}

	pool.Free(d)

	if got := pool.Read(slotAddr); got != uint64(childOff) {
		t.Errorf("child slot = %#x, want %#x", got, uint64(childOff))
	}
}
