package pmem

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// Writeback controls durability guarantees for [Pool.Persist].
type Writeback int

const (
	// NoWriteback makes Persist a no-op.
	//
	// Changes live in the page cache and may be lost on power failure.
	// Useful for tests and throwaway pools. This is the default.
	NoWriteback Writeback = iota

	// SyncWriteback makes Persist issue msync(MS_SYNC) on the covering
	// pages, so flushed ranges are durable when Persist returns.
	SyncWriteback
)

// Options configures creating or opening a pool file.
type Options struct {
	// Path is the filesystem path to the pool file.
	//
	// Required. A lock file is also created at Path+".lock" unless
	// DisableLocking is set.
	Path string

	// Size is the total pool file size in bytes, including the header and
	// undo-log regions. Required for [Create]; ignored by [Open].
	//
	// Rounded up to a page multiple.
	Size int64

	// LogSize is the undo-log region size in bytes. Zero selects a default
	// that places the data region on the first page boundary. Fixed at
	// creation time.
	LogSize int

	// UserVersion is a caller-defined version for layout compatibility.
	//
	// If the persisted value doesn't match, [Open] returns
	// [ErrIncompatible]. Increment this when your data-region layout
	// changes.
	UserVersion uint64

	// AppMeta is caller-owned metadata stored in the header at creation
	// time and readable via [Pool.AppMeta].
	AppMeta [4]uint64

	// Writeback controls durability for Persist. Default is [NoWriteback].
	Writeback Writeback

	// DisableLocking disables interprocess locking.
	//
	// When true, no lock file is used. The caller MUST provide equivalent
	// external synchronization.
	DisableLocking bool

	// FlushHook, if non-nil, observes every Persist call after the flush
	// completes. Test instrumentation: crash-simulation tests use it to
	// stop execution at a chosen durability barrier. Leave nil in
	// production.
	FlushHook func(off Offset, n int)
}

// Pool is a handle to an open pool file.
//
// Word access methods are safe for concurrent use. Close invalidates the
// handle; see the package docs for the full concurrency model.
//
// A Pool must be obtained via [Create] or [Open]; the zero value is not
// usable.
type Pool struct {
	_ [0]func() // prevent external construction

	// mu protects isClosed.
	mu sync.RWMutex

	file     *os.File
	lockFile *os.File
	data     []byte // mmap'd file contents
	fileSize int64

	// Cached immutable config from header.
	hdr pmp1Header

	writeback Writeback
	flushHook func(off Offset, n int)
	path      string

	// txMu serializes undo-log transactions.
	txMu     sync.Mutex
	txRanges []txRange

	isClosed bool
}

// Create creates a new pool file at opts.Path.
//
// The file must not already exist. The header and undo-log regions are
// initialized and flushed before Create returns.
//
// Possible errors:
//   - [ErrInvalidInput]: invalid options (path, size, log size)
//   - [ErrBusy]: another process holds the pool lock
//   - syscall errors: file I/O failures (open, truncate, mmap, flock)
func Create(opts Options) (*Pool, error) {
	if err := checkPlatform(); err != nil {
		return nil, err
	}

	if opts.Path == "" {
		return nil, fmt.Errorf("path is required: %w", ErrInvalidInput)
	}

	logSize := opts.LogSize
	if logSize == 0 {
		logSize = defaultLogSize
	}

	if logSize < minLogSize {
		return nil, fmt.Errorf("log size %d below minimum %d: %w", logSize, minLogSize, ErrInvalidInput)
	}

	dataOffset := alignUp(int64(pmp1HeaderSize)+int64(logSize), pageSize)

	size := alignUp(opts.Size, pageSize)
	if size <= dataOffset {
		return nil, fmt.Errorf("size %d leaves no data region: %w", opts.Size, ErrInvalidInput)
	}

	if uint64(size) > OffsetMask {
		return nil, fmt.Errorf("size %d exceeds 48-bit addressing: %w", opts.Size, ErrInvalidInput)
	}

	file, err := os.OpenFile(opts.Path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, fmt.Errorf("creating pool file: %w", err)
	}

	if err := file.Truncate(size); err != nil {
		_ = file.Close()

		return nil, fmt.Errorf("sizing pool file: %w", err)
	}

	var nonce [8]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		_ = file.Close()

		return nil, fmt.Errorf("generating create nonce: %w", err)
	}

	hdr := pmp1Header{
		Version:     pmp1Version,
		HeaderSize:  pmp1HeaderSize,
		PoolSize:    uint64(size),
		LogOffset:   pmp1HeaderSize,
		LogSize:     uint64(logSize),
		DataOffset:  uint64(dataOffset),
		UserVersion: opts.UserVersion,
		CreateNonce: binary.LittleEndian.Uint64(nonce[:]),
		AppMeta:     opts.AppMeta,
	}
	copy(hdr.Magic[:], pmp1Magic)

	if _, err := file.WriteAt(encodeHeader(&hdr), 0); err != nil {
		_ = file.Close()

		return nil, fmt.Errorf("writing pool header: %w", err)
	}

	if err := file.Sync(); err != nil {
		_ = file.Close()

		return nil, fmt.Errorf("syncing pool header: %w", err)
	}

	return attach(file, hdr, size, opts)
}

// Open opens an existing pool file.
//
// The header is validated and any torn undo-log transaction is rolled back
// before Open returns.
//
// Possible errors:
//   - [ErrIncompatible]: format or user-version mismatch
//   - [ErrCorrupt]: bad magic, header CRC mismatch, impossible geometry
//   - [ErrBusy]: another process holds the pool lock
//   - syscall errors: file I/O failures
func Open(opts Options) (*Pool, error) {
	if err := checkPlatform(); err != nil {
		return nil, err
	}

	if opts.Path == "" {
		return nil, fmt.Errorf("path is required: %w", ErrInvalidInput)
	}

	file, err := os.OpenFile(opts.Path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("opening pool file: %w", err)
	}

	info, err := file.Stat()
	if err != nil {
		_ = file.Close()

		return nil, fmt.Errorf("stat pool file: %w", err)
	}

	size := info.Size()
	if size < pmp1HeaderSize {
		_ = file.Close()

		return nil, fmt.Errorf("file %d bytes, below header size: %w", size, ErrCorrupt)
	}

	headerBuf := make([]byte, pmp1HeaderSize)
	if _, err := file.ReadAt(headerBuf, 0); err != nil {
		_ = file.Close()

		return nil, fmt.Errorf("reading pool header: %w", err)
	}

	hdr := decodeHeader(headerBuf)

	if err := validateHeader(&hdr, headerBuf, size, opts); err != nil {
		_ = file.Close()

		return nil, err
	}

	pool, err := attach(file, hdr, size, opts)
	if err != nil {
		return nil, err
	}

	if err := pool.recoverTx(); err != nil {
		_ = pool.Close()

		return nil, err
	}

	return pool, nil
}

func checkPlatform() error {
	if !is64Bit {
		return errors.New("pmem requires 64-bit architecture")
	}

	if !isLittleEndian {
		return errors.New("pmem requires little-endian CPU (x86_64, arm64)")
	}

	return nil
}

func validateHeader(hdr *pmp1Header, headerBuf []byte, size int64, opts Options) error {
	if string(hdr.Magic[:]) != pmp1Magic {
		return fmt.Errorf("bad magic %q: %w", string(hdr.Magic[:]), ErrCorrupt)
	}

	if hdr.Version != pmp1Version {
		return fmt.Errorf("format version %d, want %d: %w", hdr.Version, pmp1Version, ErrIncompatible)
	}

	if hdr.HeaderCRC != computeHeaderCRC(headerBuf) {
		return fmt.Errorf("header CRC mismatch: %w", ErrCorrupt)
	}

	if hdr.HeaderSize != pmp1HeaderSize {
		return fmt.Errorf("header size %d: %w", hdr.HeaderSize, ErrCorrupt)
	}

	if hdr.PoolSize != uint64(size) {
		return fmt.Errorf("header pool size %d, file is %d: %w", hdr.PoolSize, size, ErrCorrupt)
	}

	if hdr.LogOffset != pmp1HeaderSize || hdr.LogSize < minLogSize ||
		hdr.DataOffset < hdr.LogOffset+hdr.LogSize || hdr.DataOffset >= hdr.PoolSize {
		return fmt.Errorf("impossible region geometry: %w", ErrCorrupt)
	}

	if hdr.UserVersion != opts.UserVersion {
		return fmt.Errorf("user version %d, want %d: %w", hdr.UserVersion, opts.UserVersion, ErrIncompatible)
	}

	return nil
}

// attach locks, mmaps, and wraps an open pool file. Takes ownership of file.
func attach(file *os.File, hdr pmp1Header, size int64, opts Options) (*Pool, error) {
	var lockFile *os.File

	if !opts.DisableLocking {
		lf, err := acquirePoolLock(opts.Path)
		if err != nil {
			_ = file.Close()

			return nil, err
		}

		lockFile = lf
	}

	data, err := unix.Mmap(int(file.Fd()), 0, int(size),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		if lockFile != nil {
			_ = lockFile.Close()
		}

		_ = file.Close()

		return nil, fmt.Errorf("mmap pool: %w", err)
	}

	return &Pool{
		file:      file,
		lockFile:  lockFile,
		data:      data,
		fileSize:  size,
		hdr:       hdr,
		writeback: opts.Writeback,
		flushHook: opts.FlushHook,
		path:      opts.Path,
	}, nil
}

// acquirePoolLock takes a non-blocking exclusive flock on the lock sidecar.
func acquirePoolLock(path string) (*os.File, error) {
	lockPath := path + ".lock"

	file, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("opening lock file: %w", err)
	}

	if err := unix.Flock(int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = file.Close()

		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, fmt.Errorf("pool locked by another process: %w", ErrBusy)
		}

		return nil, fmt.Errorf("flock: %w", err)
	}

	return file, nil
}

// Close unmaps and closes the pool.
//
// After Close, word access and Persist must not be called.
// Close is idempotent; subsequent calls are no-ops.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.isClosed {
		return nil
	}

	p.isClosed = true

	var firstErr error

	if err := unix.Munmap(p.data); err != nil {
		firstErr = fmt.Errorf("munmap: %w", err)
	}

	p.data = nil

	if p.lockFile != nil {
		if err := p.lockFile.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("closing lock file: %w", err)
		}
	}

	if err := p.file.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("closing pool file: %w", err)
	}

	return firstErr
}

// Size returns the total pool size in bytes.
func (p *Pool) Size() int64 { return p.fileSize }

// DataOffset returns the first offset of the caller-usable data region.
func (p *Pool) DataOffset() Offset { return Offset(p.hdr.DataOffset) }

// UserVersion returns the caller-defined layout version from the header.
func (p *Pool) UserVersion() uint64 { return p.hdr.UserVersion }

// AppMeta returns the caller-owned header metadata fixed at creation.
func (p *Pool) AppMeta() [4]uint64 { return p.hdr.AppMeta }

// checkWord bounds- and alignment-checks a word offset.
// Violations are programming errors and panic.
func (p *Pool) checkWord(off Offset) {
	if off%8 != 0 {
		panic(fmt.Sprintf("pmem: unaligned word offset %s", off))
	}

	if uint64(off)+8 > uint64(p.fileSize) {
		panic(fmt.Sprintf("pmem: word offset %s out of bounds (pool %d bytes)", off, p.fileSize))
	}
}

// LoadWord atomically loads the 64-bit word at off.
func (p *Pool) LoadWord(off Offset) uint64 {
	p.checkWord(off)

	return atomicLoadUint64(p.data[off:])
}

// StoreWord atomically stores v into the 64-bit word at off.
//
// The store is not persisted; callers follow up with [Pool.PersistWord].
func (p *Pool) StoreWord(off Offset, v uint64) {
	p.checkWord(off)

	atomicStoreUint64(p.data[off:], v)
}

// CASWord atomically compares-and-swaps the word at off.
func (p *Pool) CASWord(off Offset, old, newVal uint64) bool {
	p.checkWord(off)

	return atomicCASUint64(p.data[off:], old, newVal)
}

// CompareExchange performs a CAS and returns the value observed before the
// operation: old on success, the conflicting current value on failure.
//
// This is the return-prior-value CAS shape that lock-free helping protocols
// want; Go's CompareAndSwap only reports success, so failure re-reads.
func (p *Pool) CompareExchange(off Offset, old, newVal uint64) uint64 {
	p.checkWord(off)

	for {
		cur := atomicLoadUint64(p.data[off:])
		if cur != old {
			return cur
		}

		if atomicCASUint64(p.data[off:], old, newVal) {
			return old
		}
	}
}

// Bytes returns the n bytes at off as a slice aliasing the mapping.
//
// The slice is invalidated by Close. Concurrent word-level mutation of the
// same range is visible through it; callers coordinate externally.
func (p *Pool) Bytes(off Offset, n int) []byte {
	if n < 0 || uint64(off)+uint64(n) > uint64(p.fileSize) {
		panic(fmt.Sprintf("pmem: range %s+%d out of bounds", off, n))
	}

	return p.data[off : int64(off)+int64(n) : int64(off)+int64(n)]
}

// Persist flushes the n bytes at off to the backing file.
//
// Under [NoWriteback] this only invokes the flush hook. The flush covers
// whole pages; msync requires page alignment.
func (p *Pool) Persist(off Offset, n int) {
	if n <= 0 {
		return
	}

	if p.writeback == SyncWriteback {
		start := int64(off) &^ (pageSize - 1)

		end := alignUp(int64(off)+int64(n), pageSize)
		if end > p.fileSize {
			end = p.fileSize
		}

		// Best effort: a failed msync surfaces at the next Open as a
		// torn state handled by recovery, same as a power failure.
		_ = unix.Msync(p.data[start:end], unix.MS_SYNC)
	}

	if p.flushHook != nil {
		p.flushHook(off, n)
	}
}

// PersistWord flushes the 8-byte word at off.
func (p *Pool) PersistWord(off Offset) { p.Persist(off, 8) }

// alignUp rounds n up to a multiple of align (a power of two).
func alignUp(n, align int64) int64 {
	return (n + align - 1) &^ (align - 1)
}
