package pmem

import (
	"encoding/binary"
	"hash/crc32"
)

// PMP1 file format constants.
const (
	// Magic bytes at the start of every pool file.
	pmp1Magic = "PMP1"

	// File format version.
	pmp1Version = 1

	// Fixed header size in bytes.
	pmp1HeaderSize = 256

	// Page size used for msync alignment and the data-region boundary.
	pageSize = 4096

	// Default undo-log region size (header end through first page boundary).
	defaultLogSize = pageSize - pmp1HeaderSize
)

// Header field offsets (bytes from file start).
const (
	offMagic       = 0x000 // [4]byte
	offVersion     = 0x004 // uint32
	offHeaderSize  = 0x008 // uint32
	offFlags       = 0x00C // uint32
	offPoolSize    = 0x010 // uint64
	offLogOffset   = 0x018 // uint64
	offLogSize     = 0x020 // uint64
	offDataOffset  = 0x028 // uint64
	offUserVersion = 0x030 // uint64
	offCreateNonce = 0x038 // uint64
	offAppMeta     = 0x040 // [4]uint64, app-owned, fixed at creation
	offHeaderCRC   = 0x060 // uint32
	offReserved    = 0x064 // reserved bytes through 0x0FF
)

// pmp1Header represents the 256-byte PMP1 file header.
type pmp1Header struct {
	Magic       [4]byte
	Version     uint32
	HeaderSize  uint32
	Flags       uint32
	PoolSize    uint64
	LogOffset   uint64
	LogSize     uint64
	DataOffset  uint64
	UserVersion uint64
	CreateNonce uint64
	AppMeta     [4]uint64
	HeaderCRC   uint32
}

// encodeHeader serializes the header to a 256-byte slice.
// The CRC is computed and stored in the output.
func encodeHeader(h *pmp1Header) []byte {
	buf := make([]byte, pmp1HeaderSize)

	copy(buf[offMagic:], h.Magic[:])
	binary.LittleEndian.PutUint32(buf[offVersion:], h.Version)
	binary.LittleEndian.PutUint32(buf[offHeaderSize:], h.HeaderSize)
	binary.LittleEndian.PutUint32(buf[offFlags:], h.Flags)

	binary.LittleEndian.PutUint64(buf[offPoolSize:], h.PoolSize)
	binary.LittleEndian.PutUint64(buf[offLogOffset:], h.LogOffset)
	binary.LittleEndian.PutUint64(buf[offLogSize:], h.LogSize)
	binary.LittleEndian.PutUint64(buf[offDataOffset:], h.DataOffset)
	binary.LittleEndian.PutUint64(buf[offUserVersion:], h.UserVersion)
	binary.LittleEndian.PutUint64(buf[offCreateNonce:], h.CreateNonce)

	for i, w := range h.AppMeta {
		binary.LittleEndian.PutUint64(buf[offAppMeta+8*i:], w)
	}

	crc := computeHeaderCRC(buf)
	binary.LittleEndian.PutUint32(buf[offHeaderCRC:], crc)

	return buf
}

// decodeHeader deserializes a 256-byte slice into a header struct.
// Returns the header without validating CRC (caller validates separately).
func decodeHeader(buf []byte) pmp1Header {
	var h pmp1Header

	copy(h.Magic[:], buf[offMagic:offMagic+4])
	h.Version = binary.LittleEndian.Uint32(buf[offVersion:])
	h.HeaderSize = binary.LittleEndian.Uint32(buf[offHeaderSize:])
	h.Flags = binary.LittleEndian.Uint32(buf[offFlags:])

	h.PoolSize = binary.LittleEndian.Uint64(buf[offPoolSize:])
	h.LogOffset = binary.LittleEndian.Uint64(buf[offLogOffset:])
	h.LogSize = binary.LittleEndian.Uint64(buf[offLogSize:])
	h.DataOffset = binary.LittleEndian.Uint64(buf[offDataOffset:])
	h.UserVersion = binary.LittleEndian.Uint64(buf[offUserVersion:])
	h.CreateNonce = binary.LittleEndian.Uint64(buf[offCreateNonce:])

	for i := range h.AppMeta {
		h.AppMeta[i] = binary.LittleEndian.Uint64(buf[offAppMeta+8*i:])
	}

	h.HeaderCRC = binary.LittleEndian.Uint32(buf[offHeaderCRC:])

	return h
}

var headerCRCTable = crc32.MakeTable(crc32.Castagnoli)

// computeHeaderCRC calculates the CRC32-C checksum of the header buffer
// with the CRC field itself zeroed.
func computeHeaderCRC(buf []byte) uint32 {
	var scratch [pmp1HeaderSize]byte

	copy(scratch[:], buf[:pmp1HeaderSize])
	binary.LittleEndian.PutUint32(scratch[offHeaderCRC:], 0)

	return crc32.Checksum(scratch[:], headerCRCTable)
}
