package wdiff

import (
	"bufio"
	"fmt"
	"io"

	"github.com/marmos91/blockcdp/pkg/block"
	"github.com/marmos91/blockcdp/pkg/compress"
)

// DefaultMaxPackSize is the payload threshold at which the writer
// flushes the accumulated pack.
const DefaultMaxPackSize = 4 << 20

// Writer produces a wdiff file sequentially: records accumulate into
// packs, payloads are codec-compressed per record, and a pack is
// flushed once its payload reaches the configured threshold. Close
// writes the terminating empty pack.
//
// Atomic publication is the caller's concern: write to a temp file in
// the volume directory and rename to the final diff name.
type Writer struct {
	w      *bufio.Writer
	header Header

	maxPackSize int
	table       PackTable
	payload     []byte
	prevEnd     uint64
	closed      bool
}

// NewWriter writes the file header and returns a writer. maxPackSize
// of zero selects DefaultMaxPackSize.
func NewWriter(w io.Writer, header Header, maxPackSize int) (*Writer, error) {
	if header.MaxIoLb == 0 {
		header.MaxIoLb = DefaultMaxIoLb
	}
	if maxPackSize <= 0 {
		maxPackSize = DefaultMaxPackSize
	}
	bw := bufio.NewWriter(w)
	if _, err := bw.Write(header.Marshal()); err != nil {
		return nil, fmt.Errorf("write diff header: %w", err)
	}
	return &Writer{w: bw, header: header, maxPackSize: maxPackSize}, nil
}

// Header returns the header written to the file.
func (w *Writer) Header() Header { return w.header }

// AddRecord appends one IO range. For normal records data must hold
// IoBlocksLb logical blocks and is compressed with mode; all-zero and
// discard records must pass nil data. Records must arrive sorted by
// address and non-overlapping.
func (w *Writer) AddRecord(addrLb uint64, blocksLb uint32, flags uint8, data []byte, mode compress.Mode) error {
	if w.closed {
		return fmt.Errorf("add record: writer is closed")
	}
	if blocksLb == 0 || blocksLb > w.header.MaxIoLb {
		return fmt.Errorf("add record: io blocks %d out of range (max %d)", blocksLb, w.header.MaxIoLb)
	}
	if addrLb < w.prevEnd {
		return fmt.Errorf("add record: address %d overlaps previous end %d", addrLb, w.prevEnd)
	}

	rec := Record{
		IoAddressLb: addrLb,
		IoBlocksLb:  blocksLb,
		Flags:       flags,
	}
	switch flags {
	case RecNormal:
		if uint64(len(data)) != block.LbToBytes(uint64(blocksLb)) {
			return fmt.Errorf("add record: data size %d != %d blocks", len(data), blocksLb)
		}
		stored, err := compress.Compress(mode, data, 0)
		if err != nil {
			return fmt.Errorf("add record: %w", err)
		}
		// Keep the payload uncompressed when compression does not pay.
		if len(stored) >= len(data) {
			stored = data
			mode = compress.ModeNone
		}
		rec.CmprMode = mode
		rec.DataOffset = uint32(len(w.payload))
		rec.DataSize = uint32(len(stored))
		rec.Checksum = block.Checksum(stored, w.header.Salt)
		w.payload = append(w.payload, stored...)
	case RecAllZero, RecDiscard:
		if data != nil {
			return fmt.Errorf("add record: %s record must not carry data", rec)
		}
	default:
		return fmt.Errorf("add record: unknown flags %d", flags)
	}

	w.table.Records = append(w.table.Records, rec)
	w.prevEnd = rec.EndAddressLb()

	if len(w.payload) >= w.maxPackSize {
		return w.flushPack()
	}
	return nil
}

func (w *Writer) flushPack() error {
	if len(w.table.Records) == 0 {
		return nil
	}
	w.table.TotalDataSize = uint32(len(w.payload))
	if _, err := w.w.Write(MarshalPackTable(&w.table, w.header.Salt)); err != nil {
		return fmt.Errorf("write pack table: %w", err)
	}
	if _, err := w.w.Write(w.payload); err != nil {
		return fmt.Errorf("write pack payload: %w", err)
	}
	w.table = PackTable{}
	w.payload = w.payload[:0]
	return nil
}

// Close flushes the pending pack and writes the end pack.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	if err := w.flushPack(); err != nil {
		return err
	}
	end := PackTable{}
	if _, err := w.w.Write(MarshalPackTable(&end, w.header.Salt)); err != nil {
		return fmt.Errorf("write end pack: %w", err)
	}
	return w.w.Flush()
}
