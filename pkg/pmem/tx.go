package pmem

import (
	"encoding/binary"
	"fmt"
)

// Undo-log region layout (offsets relative to the header's LogOffset):
//
//	+0   state   uint64  (txStateEmpty or txStateActive)
//	+8   count   uint64  (number of complete entries)
//	+16  entries
//
// Entry: [target offset uint64][length uint64][original bytes, padded to 8].
//
// The log records ORIGINAL bytes before mutation (undo semantics). A crash
// with state == active rolls the logged ranges back at the next Open; a crash
// after Commit's state reset leaves the new contents, which Commit persisted
// first. An entry only counts once `count` covers it, and `count` is
// persisted strictly after the entry bytes, so a torn entry is never applied.
const (
	txStateEmpty  = 0
	txStateActive = 1

	txLogStateOff = 0
	txLogCountOff = 8
	txLogDataOff  = 16

	txEntryHeaderSize = 16

	// minLogSize must fit the log header plus one 8-byte-range entry.
	minLogSize = 512
)

// Tx is an undo-log transaction covering mutations of pool ranges.
//
// Usage:
//
//	tx, err := pool.Begin()
//	tx.AddRange(off, n)   // before mutating [off, off+n)
//	// ... mutate ...
//	tx.Commit()
//
// Only one transaction may be open at a time; Begin serializes callers.
// Transactions protect rare structural updates; they are not the lock-free
// path and hold a mutex for their duration.
type Tx struct {
	pool *Pool
	used int
	done bool
}

// Begin starts an undo-log transaction.
//
// Returns [ErrClosed] if the pool is closed.
func (p *Pool) Begin() (*Tx, error) {
	p.mu.RLock()
	closed := p.isClosed
	p.mu.RUnlock()

	if closed {
		return nil, ErrClosed
	}

	p.txMu.Lock()

	p.txRanges = p.txRanges[:0]

	logOff := Offset(p.hdr.LogOffset)

	p.StoreWord(logOff+txLogCountOff, 0)
	p.PersistWord(logOff + txLogCountOff)
	p.StoreWord(logOff+txLogStateOff, txStateActive)
	p.PersistWord(logOff + txLogStateOff)

	return &Tx{pool: p}, nil
}

type txRange struct {
	off Offset
	n   int
}

// AddRange snapshots the current contents of [off, off+n) into the undo log.
//
// Must be called before mutating the range. Returns an error if the log
// region cannot hold the entry.
func (t *Tx) AddRange(off Offset, n int) error {
	if t.done {
		panic("pmem: AddRange on finished transaction")
	}

	p := t.pool

	if n <= 0 || uint64(off)+uint64(n) > uint64(p.fileSize) {
		return fmt.Errorf("range %s+%d out of bounds: %w", off, n, ErrInvalidInput)
	}

	entrySize := txEntryHeaderSize + int(alignUp(int64(n), 8))

	if txLogDataOff+t.used+entrySize > int(p.hdr.LogSize) {
		return fmt.Errorf("undo log full (%d bytes, need %d more): %w",
			p.hdr.LogSize, entrySize, ErrInvalidInput)
	}

	logOff := Offset(p.hdr.LogOffset)
	entryOff := logOff + txLogDataOff + Offset(t.used)

	entry := p.Bytes(entryOff, entrySize)
	binary.LittleEndian.PutUint64(entry[0:], uint64(off))
	binary.LittleEndian.PutUint64(entry[8:], uint64(n))
	copy(entry[txEntryHeaderSize:], p.Bytes(off, n))

	p.Persist(entryOff, entrySize)

	count := p.LoadWord(logOff + txLogCountOff)
	p.StoreWord(logOff+txLogCountOff, count+1)
	p.PersistWord(logOff + txLogCountOff)

	t.used += entrySize
	p.txRanges = append(p.txRanges, txRange{off: off, n: n})

	return nil
}

// Commit persists the new contents of every added range, then retires the
// log. After Commit returns, the mutations are durable and will not be
// rolled back.
func (t *Tx) Commit() {
	if t.done {
		panic("pmem: Commit on finished transaction")
	}

	t.done = true
	p := t.pool

	for _, r := range p.txRanges {
		p.Persist(r.off, r.n)
	}

	logOff := Offset(p.hdr.LogOffset)
	p.StoreWord(logOff+txLogStateOff, txStateEmpty)
	p.PersistWord(logOff + txLogStateOff)

	p.txRanges = p.txRanges[:0]
	p.txMu.Unlock()
}

// recoverTx rolls back a torn transaction at Open time.
// Runs single-threaded before the pool is handed to the caller.
func (p *Pool) recoverTx() error {
	logOff := Offset(p.hdr.LogOffset)

	state := p.LoadWord(logOff + txLogStateOff)
	if state == txStateEmpty {
		return nil
	}

	if state != txStateActive {
		return fmt.Errorf("undo log state %d: %w", state, ErrCorrupt)
	}

	count := p.LoadWord(logOff + txLogCountOff)
	cursor := logOff + txLogDataOff

	for i := uint64(0); i < count; i++ {
		if uint64(cursor)+txEntryHeaderSize > p.hdr.LogOffset+p.hdr.LogSize {
			return fmt.Errorf("undo log entry %d past region end: %w", i, ErrCorrupt)
		}

		entry := p.Bytes(cursor, txEntryHeaderSize)
		off := Offset(binary.LittleEndian.Uint64(entry[0:]))
		n := binary.LittleEndian.Uint64(entry[8:])

		entrySize := txEntryHeaderSize + int(alignUp(int64(n), 8))
		if n == 0 || uint64(off)+n > uint64(p.fileSize) ||
			uint64(cursor)+uint64(entrySize) > p.hdr.LogOffset+p.hdr.LogSize {
			return fmt.Errorf("undo log entry %d invalid (off=%s len=%d): %w", i, off, n, ErrCorrupt)
		}

		copy(p.Bytes(off, int(n)), p.Bytes(cursor+txEntryHeaderSize, int(n)))
		p.Persist(off, int(n))

		cursor += Offset(entrySize)
	}

	p.StoreWord(logOff+txLogCountOff, 0)
	p.PersistWord(logOff + txLogCountOff)
	p.StoreWord(logOff+txLogStateOff, txStateEmpty)
	p.PersistWord(logOff + txLogStateOff)

	return nil
}
