package wdiff

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/marmos91/blockcdp/pkg/block"
	"github.com/marmos91/blockcdp/pkg/compress"
)

// RecIo is a record paired with its stored payload (nil unless
// normal).
type RecIo struct {
	Record Record
	Data   []byte
}

// Uncompress returns the payload as raw logical blocks. All-zero and
// discard records yield a zero-filled buffer.
func (ri RecIo) Uncompress() ([]byte, error) {
	size := block.LbToBytes(uint64(ri.Record.IoBlocksLb))
	if !ri.Record.IsNormal() {
		return make([]byte, size), nil
	}
	out, err := compress.Uncompress(ri.Record.CmprMode, ri.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: uncompress %s: %v", ErrCorruptDiff, ri.Record, err)
	}
	if uint64(len(out)) != size {
		return nil, fmt.Errorf("%w: %s uncompressed to %d bytes, want %d",
			ErrCorruptDiff, ri.Record, len(out), size)
	}
	return out, nil
}

// Reader iterates the records of a wdiff file in order, verifying
// pack table and record checksums as they are consumed.
type Reader struct {
	r      *bufio.Reader
	header Header

	pack    *PackTable
	payload []byte
	idx     int
	done    bool
}

// NewReader reads and validates the file header.
func NewReader(r io.Reader) (*Reader, error) {
	br := bufio.NewReader(r)
	hbuf := make([]byte, headerSize)
	if _, err := io.ReadFull(br, hbuf); err != nil {
		return nil, fmt.Errorf("read diff header: %w", err)
	}
	header, err := UnmarshalHeader(hbuf)
	if err != nil {
		return nil, err
	}
	return &Reader{r: br, header: header}, nil
}

// Header returns the file header.
func (r *Reader) Header() Header { return r.header }

// readPack reads and verifies the next pack table and its payload.
func (r *Reader) readPack() error {
	fixed := make([]byte, packFixedSize)
	if _, err := io.ReadFull(r.r, fixed); err != nil {
		return fmt.Errorf("%w: read pack table: %v", ErrCorruptDiff, err)
	}
	n := int(binary.LittleEndian.Uint32(fixed[4:]))
	dataSize := binary.LittleEndian.Uint32(fixed[8:])

	table := make([]byte, packFixedSize+n*recordSlotSize)
	copy(table, fixed)
	if _, err := io.ReadFull(r.r, table[packFixedSize:]); err != nil {
		return fmt.Errorf("%w: read pack records: %v", ErrCorruptDiff, err)
	}
	want := binary.LittleEndian.Uint32(table[0:])
	if got := block.Checksum(table[4:], r.header.Salt); got != want {
		return fmt.Errorf("%w: pack table checksum mismatch", ErrCorruptDiff)
	}
	records, err := parsePackRecords(table, n)
	if err != nil {
		return err
	}
	pack := &PackTable{Records: records, TotalDataSize: dataSize}
	if pack.IsEnd() {
		r.done = true
		r.pack = nil
		return nil
	}
	payload := make([]byte, dataSize)
	if _, err := io.ReadFull(r.r, payload); err != nil {
		return fmt.Errorf("%w: read pack payload: %v", ErrCorruptDiff, err)
	}
	r.pack = pack
	r.payload = payload
	r.idx = 0
	return nil
}

// Next yields the next record and its stored payload. It returns
// io.EOF after the end pack.
func (r *Reader) Next() (RecIo, error) {
	for {
		if r.done {
			return RecIo{}, io.EOF
		}
		if r.pack == nil || r.idx >= len(r.pack.Records) {
			if err := r.readPack(); err != nil {
				return RecIo{}, err
			}
			continue
		}
		rec := r.pack.Records[r.idx]
		r.idx++

		ri := RecIo{Record: rec}
		if rec.IsNormal() {
			end := uint64(rec.DataOffset) + uint64(rec.DataSize)
			if end > uint64(len(r.payload)) {
				return RecIo{}, fmt.Errorf("%w: record payload out of bounds", ErrCorruptDiff)
			}
			data := r.payload[rec.DataOffset:end]
			if got := block.Checksum(data, r.header.Salt); got != rec.Checksum {
				return RecIo{}, fmt.Errorf("%w: record checksum mismatch for %s", ErrCorruptDiff, rec)
			}
			ri.Data = data
		}
		return ri, nil
	}
}
