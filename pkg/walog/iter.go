package walog

import (
	"fmt"
	"io"

	"github.com/marmos91/blockcdp/pkg/block"
)

// Device couples a WAL device handle with its super block.
type Device struct {
	r     io.ReaderAt
	super SuperBlock
}

// NewDevice wraps an open WAL device whose super block has already
// been read.
func NewDevice(r io.ReaderAt, super SuperBlock) *Device {
	return &Device{r: r, super: super}
}

// OpenDevice reads the super block from r and wraps it.
func OpenDevice(r io.ReaderAt) (*Device, error) {
	super, err := ReadSuperBlock(r)
	if err != nil {
		return nil, err
	}
	return &Device{r: r, super: super}, nil
}

// Super returns the device geometry.
func (d *Device) Super() SuperBlock { return d.super }

// readPb reads n physical blocks starting at lsid, following the ring
// wrap-around.
func (d *Device) readPb(lsid uint64, n uint64) ([]byte, error) {
	pbs := uint64(d.super.Pbs)
	buf := make([]byte, n*pbs)
	for i := uint64(0); i < n; i++ {
		off := int64(d.super.PhysicalOffsetPb(lsid+i) * pbs)
		if _, err := d.r.ReadAt(buf[i*pbs:(i+1)*pbs], off); err != nil {
			return nil, fmt.Errorf("read lsid %d: %w", lsid+i, err)
		}
	}
	return buf, nil
}

// PackIO is one record paired with its payload. Data is nil for
// discard and padding records and holds exactly IoSizeLb logical
// blocks otherwise.
type PackIO struct {
	Record Record
	Data   []byte
}

// Pack is one parsed log pack.
type Pack struct {
	Header *PackHeader
	IOs    []PackIO
}

// Iter walks packs over the lsid range [begin, end).
//
// The header at the current lsid must embed that lsid and verify its
// checksum over salt; each normal record's payload must verify its
// per-IO checksum. Any mismatch yields ErrCorruptLog. Iteration stops
// with ErrEndOfLog once the next header would start at or past end.
type Iter struct {
	dev  *Device
	lsid uint64
	end  uint64
}

// NewIter positions an iterator at begin. It fails when the range is
// empty or outside the ring contents.
func NewIter(dev *Device, begin, end uint64) (*Iter, error) {
	if end <= begin {
		return nil, fmt.Errorf("log range [%d, %d): end must be greater than begin", begin, end)
	}
	s := dev.Super()
	if begin < s.OldestLsid || end > s.WrittenLsid {
		return nil, fmt.Errorf("log range [%d, %d): outside ring contents [%d, %d)",
			begin, end, s.OldestLsid, s.WrittenLsid)
	}
	return &Iter{dev: dev, lsid: begin, end: end}, nil
}

// Lsid returns the lsid of the next pack header.
func (it *Iter) Lsid() uint64 { return it.lsid }

// Next reads and verifies the next pack. It returns ErrEndOfLog when
// the range is exhausted.
func (it *Iter) Next() (*Pack, error) {
	if it.lsid >= it.end {
		return nil, ErrEndOfLog
	}
	s := it.dev.Super()
	hbuf, err := it.dev.readPb(it.lsid, 1)
	if err != nil {
		return nil, err
	}
	header, err := ParsePackHeader(hbuf, s.Pbs, s.Salt, it.lsid)
	if err != nil {
		return nil, err
	}

	pack := &Pack{Header: header}
	payloadLsid := it.lsid + 1
	for i, rec := range header.Records {
		io := PackIO{Record: rec}
		if rec.HasPayload() {
			nPb := rec.IoSizePb(s.Pbs)
			raw, err := it.dev.readPb(payloadLsid, nPb)
			if err != nil {
				return nil, err
			}
			data := raw[:block.LbToBytes(uint64(rec.IoSizeLb))]
			if got := block.Checksum(data, s.Salt); got != rec.Checksum {
				return nil, fmt.Errorf("%w: io checksum mismatch at lsid %d record %d",
					ErrCorruptLog, it.lsid, i)
			}
			io.Data = data
			payloadLsid += nPb
		}
		pack.IOs = append(pack.IOs, io)
	}

	it.lsid = header.NextLogpackLsid(s.Pbs)
	return pack, nil
}
