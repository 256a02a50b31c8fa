// Package wdiff implements the differential file format: the on-disk
// layout of header, record tables, and compressed payloads, plus the
// sequential writer, reader, k-way merger, and the virtual full
// reader that overlays diffs onto a base image.
package wdiff

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/marmos91/blockcdp/pkg/block"
	"github.com/marmos91/blockcdp/pkg/compress"
)

var (
	// ErrCorruptDiff is returned on any checksum or structural
	// mismatch in a wdiff file.
	ErrCorruptDiff = errors.New("corrupt diff")

	// ErrNotMergeable is returned when the merger is asked to fold
	// diffs across a dirty boundary.
	ErrNotMergeable = errors.New("not mergeable")
)

// Record flags. A record is exactly one of normal, all-zero, or
// discard; only normal records carry payload.
const (
	RecNormal = uint8(iota)
	RecAllZero
	RecDiscard
)

// DefaultMaxIoLb is the default cap on a single record's size in
// logical blocks.
const DefaultMaxIoLb = uint32(1024)

// Record describes one IO range inside a pack.
type Record struct {
	IoAddressLb uint64 // start address [logical block]
	IoBlocksLb  uint32 // length [logical block]
	Flags       uint8
	CmprMode    compress.Mode
	DataOffset  uint32 // offset of payload within the pack's data area
	DataSize    uint32 // stored (possibly compressed) payload size
	Checksum    uint32 // salted checksum of the stored payload
}

// IsNormal reports whether the record carries payload.
func (r Record) IsNormal() bool { return r.Flags == RecNormal }

// IsAllZero reports whether the range reads as zeroes.
func (r Record) IsAllZero() bool { return r.Flags == RecAllZero }

// IsDiscard reports whether the range was discarded.
func (r Record) IsDiscard() bool { return r.Flags == RecDiscard }

// EndAddressLb returns the exclusive end of the range.
func (r Record) EndAddressLb() uint64 { return r.IoAddressLb + uint64(r.IoBlocksLb) }

func (r Record) String() string {
	kind := "normal"
	switch r.Flags {
	case RecAllZero:
		kind = "all-zero"
	case RecDiscard:
		kind = "discard"
	}
	return fmt.Sprintf("[%d,+%d %s]", r.IoAddressLb, r.IoBlocksLb, kind)
}

// File header layout (fixed 64 bytes):
//
//	0:4   magic
//	4:6   version
//	6:8   reserved
//	8:24  source volume uuid
//	24:28 max io blocks [logical block]
//	28:32 checksum salt
//	32:60 reserved
//	60:64 header checksum (salt 0)
const (
	fileMagic   = uint32(0x57444946) // "WDIF"
	fileVersion = uint16(1)
	headerSize  = 64
)

// Header is the wdiff file header.
type Header struct {
	UUID    uuid.UUID
	MaxIoLb uint32
	Salt    uint32
}

// Marshal serializes the header.
func (h *Header) Marshal() []byte {
	buf := make([]byte, headerSize)
	binary.LittleEndian.PutUint32(buf[0:], fileMagic)
	binary.LittleEndian.PutUint16(buf[4:], fileVersion)
	copy(buf[8:24], h.UUID[:])
	binary.LittleEndian.PutUint32(buf[24:], h.MaxIoLb)
	binary.LittleEndian.PutUint32(buf[28:], h.Salt)
	binary.LittleEndian.PutUint32(buf[60:], block.Checksum(buf[:60], 0))
	return buf
}

// UnmarshalHeader parses a file header.
func UnmarshalHeader(buf []byte) (Header, error) {
	if len(buf) < headerSize {
		return Header{}, fmt.Errorf("%w: short header %d", ErrCorruptDiff, len(buf))
	}
	if got := binary.LittleEndian.Uint32(buf[0:]); got != fileMagic {
		return Header{}, fmt.Errorf("%w: bad magic %#x", ErrCorruptDiff, got)
	}
	if got := binary.LittleEndian.Uint16(buf[4:]); got != fileVersion {
		return Header{}, fmt.Errorf("%w: unsupported version %d", ErrCorruptDiff, got)
	}
	want := binary.LittleEndian.Uint32(buf[60:])
	if got := block.Checksum(buf[:60], 0); got != want {
		return Header{}, fmt.Errorf("%w: header checksum mismatch", ErrCorruptDiff)
	}
	var h Header
	copy(h.UUID[:], buf[8:24])
	h.MaxIoLb = binary.LittleEndian.Uint32(buf[24:])
	h.Salt = binary.LittleEndian.Uint32(buf[28:])
	if h.MaxIoLb == 0 {
		return Header{}, fmt.Errorf("%w: zero max io blocks", ErrCorruptDiff)
	}
	return h, nil
}

// Pack table layout:
//
//	0:4   table checksum over the rest of the table, salted
//	4:8   record count (zero marks the end pack)
//	8:12  total payload size [byte]
//	12:   record slots, recordSlotSize bytes each
//
// followed by the payload area of total payload size bytes.
const (
	packFixedSize  = 12
	recordSlotSize = 32
)

// PackTable is the parsed record table of one pack.
type PackTable struct {
	Records       []Record
	TotalDataSize uint32
}

// IsEnd reports whether this is the terminating empty pack.
func (p *PackTable) IsEnd() bool { return len(p.Records) == 0 }

// MarshalPackTable serializes the table, computing its checksum.
func MarshalPackTable(p *PackTable, salt uint32) []byte {
	buf := make([]byte, packFixedSize+len(p.Records)*recordSlotSize)
	binary.LittleEndian.PutUint32(buf[4:], uint32(len(p.Records)))
	binary.LittleEndian.PutUint32(buf[8:], p.TotalDataSize)
	off := packFixedSize
	for _, r := range p.Records {
		binary.LittleEndian.PutUint64(buf[off:], r.IoAddressLb)
		binary.LittleEndian.PutUint32(buf[off+8:], r.IoBlocksLb)
		buf[off+12] = r.Flags
		buf[off+13] = uint8(r.CmprMode)
		binary.LittleEndian.PutUint32(buf[off+16:], r.DataOffset)
		binary.LittleEndian.PutUint32(buf[off+20:], r.DataSize)
		binary.LittleEndian.PutUint32(buf[off+24:], r.Checksum)
		off += recordSlotSize
	}
	binary.LittleEndian.PutUint32(buf[0:], block.Checksum(buf[4:], salt))
	return buf
}

// parsePackRecords parses the variable record slots after the fixed
// prefix has been validated.
func parsePackRecords(buf []byte, n int) ([]Record, error) {
	records := make([]Record, 0, n)
	off := packFixedSize
	var prevEnd uint64
	for i := 0; i < n; i++ {
		r := Record{
			IoAddressLb: binary.LittleEndian.Uint64(buf[off:]),
			IoBlocksLb:  binary.LittleEndian.Uint32(buf[off+8:]),
			Flags:       buf[off+12],
			CmprMode:    compress.Mode(buf[off+13]),
			DataOffset:  binary.LittleEndian.Uint32(buf[off+16:]),
			DataSize:    binary.LittleEndian.Uint32(buf[off+20:]),
			Checksum:    binary.LittleEndian.Uint32(buf[off+24:]),
		}
		if r.Flags > RecDiscard {
			return nil, fmt.Errorf("%w: record %d has unknown flags %d", ErrCorruptDiff, i, r.Flags)
		}
		if r.IoBlocksLb == 0 {
			return nil, fmt.Errorf("%w: record %d is empty", ErrCorruptDiff, i)
		}
		// Records must be sorted and non-overlapping within a pack.
		if r.IoAddressLb < prevEnd {
			return nil, fmt.Errorf("%w: record %d overlaps its predecessor", ErrCorruptDiff, i)
		}
		prevEnd = r.EndAddressLb()
		records = append(records, r)
		off += recordSlotSize
	}
	return records, nil
}
