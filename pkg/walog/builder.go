package walog

import (
	"fmt"
	"io"

	"github.com/marmos91/blockcdp/pkg/block"
)

// IoReq describes one write to append to the log.
type IoReq struct {
	OffsetLb uint64
	Data     []byte // multiple of LogicalBlockSize; nil for discard
	SizeLb   uint32 // used when Data is nil (discard)
	Discard  bool
}

// Builder appends log packs to a WAL device, maintaining the written
// lsid watermark. It is used by the WAL device simulator in tests and
// by tooling that seeds a log device.
type Builder struct {
	w     io.WriterAt
	super *SuperBlock
}

// NewBuilder wraps a writable WAL device.
func NewBuilder(w io.WriterAt, super *SuperBlock) *Builder {
	return &Builder{w: w, super: super}
}

// writePb writes physical blocks starting at lsid, following the ring.
func (b *Builder) writePb(lsid uint64, buf []byte) error {
	pbs := uint64(b.super.Pbs)
	n := uint64(len(buf)) / pbs
	for i := uint64(0); i < n; i++ {
		off := int64(b.super.PhysicalOffsetPb(lsid+i) * pbs)
		if _, err := b.w.WriteAt(buf[i*pbs:(i+1)*pbs], off); err != nil {
			return fmt.Errorf("write lsid %d: %w", lsid+i, err)
		}
	}
	return nil
}

// AddPack appends one pack holding the given requests at the current
// written lsid and advances the watermark. The super block on the
// device is not rewritten; call Flush when done.
func (b *Builder) AddPack(reqs []IoReq) (*PackHeader, error) {
	if len(reqs) == 0 {
		return nil, fmt.Errorf("add pack: no requests")
	}
	if len(reqs) > MaxRecordsPerPack(b.super.Pbs) {
		return nil, fmt.Errorf("add pack: %d requests exceed pack capacity %d",
			len(reqs), MaxRecordsPerPack(b.super.Pbs))
	}
	packLsid := b.super.WrittenLsid
	header := &PackHeader{Lsid: packLsid}

	payloadLsid := packLsid + 1
	var payload []byte
	pbs := b.super.Pbs
	for _, req := range reqs {
		rec := Record{OffsetLb: req.OffsetLb}
		if req.Discard {
			rec.Flags = FlagDiscard
			rec.IoSizeLb = req.SizeLb
			rec.Lsid = payloadLsid
		} else {
			if len(req.Data) == 0 || len(req.Data)%block.LogicalBlockSize != 0 {
				return nil, fmt.Errorf("add pack: data size %d not a multiple of lb", len(req.Data))
			}
			rec.IoSizeLb = uint32(block.BytesToLb(uint64(len(req.Data))))
			rec.Lsid = payloadLsid
			rec.Checksum = block.Checksum(req.Data, b.super.Salt)
			nPb := rec.IoSizePb(pbs)
			padded := make([]byte, nPb*uint64(pbs))
			copy(padded, req.Data)
			payload = append(payload, padded...)
			payloadLsid += nPb
		}
		header.Records = append(header.Records, rec)
	}

	hbuf, err := MarshalPackHeader(header, pbs, b.super.Salt)
	if err != nil {
		return nil, err
	}
	if err := b.writePb(packLsid, hbuf); err != nil {
		return nil, err
	}
	if len(payload) > 0 {
		if err := b.writePb(packLsid+1, payload); err != nil {
			return nil, err
		}
	}
	b.super.WrittenLsid = header.NextLogpackLsid(pbs)
	return header, nil
}

// Flush rewrites the super block with the current watermarks.
func (b *Builder) Flush() error {
	return WriteSuperBlock(b.w, b.super)
}
