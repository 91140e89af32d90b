package bztree

import (
	"errors"
	"fmt"

	"github.com/calvinalkan/pmwcas/pkg/pmem"
	"github.com/calvinalkan/pmwcas/pkg/pmwcas"
)

// Node status word packing. Bit 60 is the frozen flag; bits 61-63 stay
// clear for the PMwCAS tags.
//
//	bits  0..21  block size (bytes consumed by record payloads)
//	bits 22..43  delete size (bytes dead after deletes/updates)
//	bits 44..59  record count
//	bit  60      frozen
const (
	statusBlockBits  = 22
	statusDeleteBits = 22
	statusCountBits  = 16

	statusBlockShift  = 0
	statusDeleteShift = statusBlockBits
	statusCountShift  = statusBlockBits + statusDeleteBits
	statusFrozenBit   = uint64(1) << 60

	statusBlockMask  = (uint64(1) << statusBlockBits) - 1
	statusDeleteMask = (uint64(1) << statusDeleteBits) - 1
	statusCountMask  = (uint64(1) << statusCountBits) - 1
)

// Record metadata word packing. Bit 60 is the visible flag.
//
//	bits  0..27  payload offset within the node (or the allocation epoch
//	             while the record is being reserved)
//	bits 28..43  key length
//	bits 44..59  total length (key + value)
//	bit  60      visible
const (
	metaOffsetBits = 28
	metaKeyBits    = 16
	metaTotalBits  = 16

	metaOffsetShift = 0
	metaKeyShift    = metaOffsetBits
	metaTotalShift  = metaOffsetBits + metaKeyBits
	metaVisibleBit  = uint64(1) << 60

	metaOffsetMask = (uint64(1) << metaOffsetBits) - 1
	metaKeyMask    = (uint64(1) << metaKeyBits) - 1
	metaTotalMask  = (uint64(1) << metaTotalBits) - 1
)

// IsFrozen reports whether the status word has the frozen flag.
func IsFrozen(status uint64) bool { return status&statusFrozenBit != 0 }

// RecordCount extracts the record count from a status word.
func RecordCount(status uint64) uint32 {
	return uint32((status >> statusCountShift) & statusCountMask)
}

// BlockSize extracts the payload block size from a status word.
func BlockSize(status uint64) uint32 {
	return uint32((status >> statusBlockShift) & statusBlockMask)
}

// DeleteSize extracts the dead-byte count from a status word.
func DeleteSize(status uint64) uint32 {
	return uint32((status >> statusDeleteShift) & statusDeleteMask)
}

// withRecordCount returns status with the record count replaced.
func withRecordCount(status uint64, n uint32) uint64 {
	return status&^(statusCountMask<<statusCountShift) |
		(uint64(n)&statusCountMask)<<statusCountShift
}

// withBlockSize returns status with the block size replaced.
func withBlockSize(status uint64, n uint32) uint64 {
	return status&^(statusBlockMask<<statusBlockShift) |
		(uint64(n)&statusBlockMask)<<statusBlockShift
}

// IsVisible reports whether a metadata word describes a completed record.
func IsVisible(meta uint64) bool { return meta&metaVisibleBit != 0 }

// MetaOffset extracts the payload offset (or reservation epoch) from a
// metadata word.
func MetaOffset(meta uint64) uint32 {
	return uint32((meta >> metaOffsetShift) & metaOffsetMask)
}

// KeyLength extracts the key length from a metadata word.
func KeyLength(meta uint64) uint32 {
	return uint32((meta >> metaKeyShift) & metaKeyMask)
}

// TotalLength extracts the total record length from a metadata word.
func TotalLength(meta uint64) uint32 {
	return uint32((meta >> metaTotalShift) & metaTotalMask)
}

func packMeta(offset, keyLen, totalLen uint32, visible bool) uint64 {
	meta := (uint64(offset)&metaOffsetMask)<<metaOffsetShift |
		(uint64(keyLen)&metaKeyMask)<<metaKeyShift |
		(uint64(totalLen)&metaTotalMask)<<metaTotalShift

	if visible {
		meta |= metaVisibleBit
	}

	return meta
}

// Errors surfaced by node operations.
var (
	// ErrFrozen indicates the node was frozen by a concurrent structure
	// operation; the caller retraverses the tree.
	ErrFrozen = errors.New("bztree: node frozen")
	// ErrNodeFull indicates the record would not fit in the node.
	ErrNodeFull = errors.New("bztree: node full")
	// ErrContended indicates the multi-word update lost a race and the
	// caller should retry.
	ErrContended = errors.New("bztree: contended, retry")
)

// Node is a handle to a node's PMwCAS-managed header words.
//
// Node layout within the pool:
//
//	+0   size    uint64  (node size in bytes; plain, never CAS'd)
//	+8   status  uint64  (PMwCAS-managed)
//	+16  meta    []uint64 (PMwCAS-managed, one per record)
//
// Record payloads grow down from the node's end, as in the BzTree design;
// payload placement is the tree's business.
type Node struct {
	pool *pmwcas.Pool
	base pmem.Offset
}

const (
	nodeSizeOff   = 0
	nodeStatusOff = 8
	nodeMetaOff   = 16
)

// InitNode initializes the header words of a node carved out at base and
// returns its handle. Single-threaded; the node is not yet linked into any
// tree.
func InitNode(pool *pmwcas.Pool, base pmem.Offset, size int) Node {
	pm := pool.Mem()
	pm.StoreWord(base+nodeSizeOff, uint64(size))
	pm.StoreWord(base+nodeStatusOff, 0)
	pm.Persist(base, 16)

	return Node{pool: pool, base: base}
}

// AttachNode wraps an existing node at base.
func AttachNode(pool *pmwcas.Pool, base pmem.Offset) Node {
	return Node{pool: pool, base: base}
}

// Base returns the node's durable offset.
func (n Node) Base() pmem.Offset { return n.base }

// Size returns the node size recorded at init.
func (n Node) Size() int { return int(n.pool.Mem().LoadWord(n.base + nodeSizeOff)) }

// StatusAddr returns the pool offset of the status word.
func (n Node) StatusAddr() pmem.Offset { return n.base + nodeStatusOff }

// MetaAddr returns the pool offset of record metadata word i.
func (n Node) MetaAddr(i uint32) pmem.Offset {
	return n.base + nodeMetaOff + pmem.Offset(i)*8
}

// ReadStatus returns the node's logical status word, helping any in-flight
// PMwCAS over it.
func (n Node) ReadStatus() uint64 { return n.pool.Read(n.StatusAddr()) }

// ReadMeta returns record metadata word i, helping as needed.
func (n Node) ReadMeta(i uint32) uint64 { return n.pool.Read(n.MetaAddr(i)) }

// Freeze sets the frozen flag with a single-word PMwCAS. A frozen node
// rejects reservations; structure operations freeze before copying.
//
// Returns ErrFrozen if the node is already frozen, ErrContended if the
// status word moved under the operation.
func (n Node) Freeze() error {
	status := n.ReadStatus()
	if IsFrozen(status) {
		return ErrFrozen
	}

	d, err := n.pool.Alloc(pmwcas.RecycleNone, int(n.base))
	if err != nil {
		return err
	}

	if err := n.pool.Add(d, n.StatusAddr(), status, status|statusFrozenBit, pmwcas.RecycleDefault); err != nil {
		n.pool.Free(d)

		return fmt.Errorf("freeze: %w", err)
	}

	ok := n.pool.Commit(d)
	n.pool.Free(d)

	if !ok {
		return ErrContended
	}

	return nil
}

// Reservation is a claimed record slot: metadata index plus the payload
// offset where the record bytes go.
type Reservation struct {
	Index         uint32
	PayloadOffset uint32
	meta          uint64
}

// ReserveRecord claims the next record slot with the BzTree insert
// protocol's first two-word PMwCAS: bump record count and block size in the
// status word, and stamp the new metadata word invisible with the caller's
// allocation epoch as a reservation marker.
//
// recordSize is the key+value byte length. allocEpoch distinguishes
// in-flight reservations from aborted ones during recheck scans.
func (n Node) ReserveRecord(recordSize uint32, allocEpoch uint32) (Reservation, error) {
	status := n.ReadStatus()
	if IsFrozen(status) {
		return Reservation{}, ErrFrozen
	}

	count := RecordCount(status)
	block := BlockSize(status)

	// Metadata array and payload block must not collide.
	used := nodeMetaOff + (uint64(count)+1)*8 + uint64(block) + uint64(recordSize)
	if used > uint64(n.Size()) {
		return Reservation{}, ErrNodeFull
	}

	newStatus := withBlockSize(withRecordCount(status, count+1), block+recordSize)

	metaOld := n.ReadMeta(count)
	metaNew := packMeta(allocEpoch, 0, 0, false)

	d, err := n.pool.Alloc(pmwcas.RecycleNone, int(n.base))
	if err != nil {
		return Reservation{}, err
	}

	if err := n.pool.Add(d, n.StatusAddr(), status, newStatus, pmwcas.RecycleDefault); err != nil {
		n.pool.Free(d)

		return Reservation{}, fmt.Errorf("reserve status word: %w", err)
	}

	if err := n.pool.Add(d, n.MetaAddr(count), metaOld, metaNew, pmwcas.RecycleDefault); err != nil {
		n.pool.Free(d)

		return Reservation{}, fmt.Errorf("reserve meta word: %w", err)
	}

	ok := n.pool.Commit(d)
	n.pool.Free(d)

	if !ok {
		return Reservation{}, ErrContended
	}

	payloadOff := uint32(n.Size()) - block - recordSize

	return Reservation{Index: count, PayloadOffset: payloadOff, meta: metaNew}, nil
}

// FinishInsert publishes a reserved record with the protocol's second
// two-word PMwCAS: the metadata word becomes visible with the real offset
// and lengths, and the status word is re-CAS'd to its current value as a
// frozen check.
//
// The tree writes and persists the record payload before calling this.
func (n Node) FinishInsert(r Reservation, keyLen, totalLen uint32) error {
	metaFinal := packMeta(r.PayloadOffset, keyLen, totalLen, true)

	status := n.ReadStatus()
	if IsFrozen(status) {
		return ErrFrozen
	}

	d, err := n.pool.Alloc(pmwcas.RecycleNone, int(n.base))
	if err != nil {
		return err
	}

	if err := n.pool.Add(d, n.MetaAddr(r.Index), r.meta, metaFinal, pmwcas.RecycleDefault); err != nil {
		n.pool.Free(d)

		return fmt.Errorf("publish meta word: %w", err)
	}

	// Same-value CAS on status: fails the whole PMwCAS if the node
	// froze between the read above and commit.
	if err := n.pool.Add(d, n.StatusAddr(), status, status, pmwcas.RecycleDefault); err != nil {
		n.pool.Free(d)

		return fmt.Errorf("publish status check: %w", err)
	}

	ok := n.pool.Commit(d)
	n.pool.Free(d)

	if !ok {
		return ErrContended
	}

	return nil
}

// AllocChild reserves a child-pointer slot in an existing descriptor so an
// allocator can write a fresh node offset into it before commit, mirroring
// the tree's node-allocation path.
func AllocChild(pool *pmwcas.Pool, d pmwcas.Desc, slot pmem.Offset, expect pmem.Offset) (pmwcas.SlotRef, error) {
	return pool.Reserve(d, slot, uint64(expect), pmwcas.RecycleNewOnFail)
}
