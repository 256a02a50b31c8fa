// Package walog reads and builds packed log records on a WAL device.
//
// The device is a ring of physical blocks. A super block at the head
// of the device carries the geometry: physical block size, checksum
// salt, the ring bounds, and the oldest/written lsid watermarks. Log
// packs live in the ring; each pack is one header block followed by
// the payload blocks of its normal records.
package walog

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/marmos91/blockcdp/pkg/block"
)

var (
	// ErrCorruptLog is returned on any checksum or structural
	// mismatch in the log.
	ErrCorruptLog = errors.New("corrupt log")

	// ErrEndOfLog is returned when iteration reaches the end lsid of
	// its range.
	ErrEndOfLog = errors.New("end of log")
)

// Record flags.
const (
	// FlagDiscard marks a discard request; it carries no payload.
	FlagDiscard = uint8(1 << 0)
	// FlagPadding marks ring-wrap padding; it carries no payload.
	FlagPadding = uint8(1 << 1)
)

// Record is one IO description inside a pack header.
type Record struct {
	Lsid     uint64 // lsid of the first payload block of this record
	OffsetLb uint64 // device address of the write [logical block]
	IoSizeLb uint32 // write size [logical block]
	Flags    uint8
	Checksum uint32 // salted checksum of the payload; zero if no payload
}

// IsDiscard reports whether the record is a discard.
func (r Record) IsDiscard() bool { return r.Flags&FlagDiscard != 0 }

// IsPadding reports whether the record is ring padding.
func (r Record) IsPadding() bool { return r.Flags&FlagPadding != 0 }

// HasPayload reports whether payload blocks follow for this record.
func (r Record) HasPayload() bool { return !r.IsDiscard() && !r.IsPadding() }

// IoSizePb returns the payload size in physical blocks.
func (r Record) IoSizePb(pbs uint32) uint64 {
	if !r.HasPayload() {
		return 0
	}
	return block.CapacityPb(pbs, uint64(r.IoSizeLb))
}

// Pack header block layout:
//
//	0:4   checksum over the rest of the block, salted
//	4:12  logpack lsid
//	12:14 record count
//	14:32 reserved
//	32:   record slots, recordSize bytes each
const (
	headerFixedSize = 32
	recordSize      = 32
)

// MaxRecordsPerPack returns the record capacity of one header block.
func MaxRecordsPerPack(pbs uint32) int {
	return int((pbs - headerFixedSize) / recordSize)
}

// PackHeader is the parsed header block of one log pack.
type PackHeader struct {
	Lsid    uint64
	Records []Record
}

// NRecords returns the number of records in the pack.
func (h *PackHeader) NRecords() int { return len(h.Records) }

// TotalIoPb returns the number of payload blocks following the header.
func (h *PackHeader) TotalIoPb(pbs uint32) uint64 {
	var total uint64
	for _, r := range h.Records {
		total += r.IoSizePb(pbs)
	}
	return total
}

// NextLogpackLsid returns the lsid of the next pack header:
// lsid + 1 (header block) + the summed payload size.
func (h *PackHeader) NextLogpackLsid(pbs uint32) uint64 {
	return h.Lsid + 1 + h.TotalIoPb(pbs)
}

// MarshalPackHeader serializes the header into one pbs-sized block,
// computing the header checksum over salt.
func MarshalPackHeader(h *PackHeader, pbs uint32, salt uint32) ([]byte, error) {
	if len(h.Records) > MaxRecordsPerPack(pbs) {
		return nil, fmt.Errorf("marshal pack header: %d records exceed capacity %d",
			len(h.Records), MaxRecordsPerPack(pbs))
	}
	buf := make([]byte, pbs)
	binary.LittleEndian.PutUint64(buf[4:], h.Lsid)
	binary.LittleEndian.PutUint16(buf[12:], uint16(len(h.Records)))
	off := headerFixedSize
	for _, r := range h.Records {
		binary.LittleEndian.PutUint64(buf[off:], r.Lsid)
		binary.LittleEndian.PutUint64(buf[off+8:], r.OffsetLb)
		binary.LittleEndian.PutUint32(buf[off+16:], r.IoSizeLb)
		buf[off+20] = r.Flags
		binary.LittleEndian.PutUint32(buf[off+24:], r.Checksum)
		off += recordSize
	}
	binary.LittleEndian.PutUint32(buf[0:], block.Checksum(buf[4:], salt))
	return buf, nil
}

// ParsePackHeader parses a header block. The embedded lsid must equal
// wantLsid and the checksum must verify, otherwise ErrCorruptLog.
func ParsePackHeader(buf []byte, pbs uint32, salt uint32, wantLsid uint64) (*PackHeader, error) {
	if uint32(len(buf)) != pbs {
		return nil, fmt.Errorf("%w: header block size %d != pbs %d", ErrCorruptLog, len(buf), pbs)
	}
	want := binary.LittleEndian.Uint32(buf[0:])
	if got := block.Checksum(buf[4:], salt); got != want {
		return nil, fmt.Errorf("%w: header checksum mismatch at lsid %d", ErrCorruptLog, wantLsid)
	}
	h := &PackHeader{Lsid: binary.LittleEndian.Uint64(buf[4:])}
	if h.Lsid != wantLsid {
		return nil, fmt.Errorf("%w: header lsid %d != requested %d", ErrCorruptLog, h.Lsid, wantLsid)
	}
	n := int(binary.LittleEndian.Uint16(buf[12:]))
	if n > MaxRecordsPerPack(pbs) {
		return nil, fmt.Errorf("%w: record count %d exceeds capacity", ErrCorruptLog, n)
	}
	off := headerFixedSize
	for i := 0; i < n; i++ {
		r := Record{
			Lsid:     binary.LittleEndian.Uint64(buf[off:]),
			OffsetLb: binary.LittleEndian.Uint64(buf[off+8:]),
			IoSizeLb: binary.LittleEndian.Uint32(buf[off+16:]),
			Flags:    buf[off+20],
			Checksum: binary.LittleEndian.Uint32(buf[off+24:]),
		}
		if r.Flags&^(FlagDiscard|FlagPadding) != 0 {
			return nil, fmt.Errorf("%w: record %d has unknown flags %#x", ErrCorruptLog, i, r.Flags)
		}
		h.Records = append(h.Records, r)
		off += recordSize
	}
	return h, nil
}
