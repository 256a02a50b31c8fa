package wdiff

import (
	"fmt"
	"sort"

	"github.com/marmos91/blockcdp/pkg/block"
	"github.com/marmos91/blockcdp/pkg/compress"
)

// memRec is an uncompressed record held in memory.
type memRec struct {
	addrLb   uint64
	blocksLb uint32
	flags    uint8
	data     []byte // nil unless normal
}

func (r memRec) endLb() uint64 { return r.addrLb + uint64(r.blocksLb) }

// Memory accumulates writes and resolves overlaps with last-writer-
// wins semantics before they are written out as a sorted wdiff. The
// proxy uses it to fold one WAL range into a diff, since writes in a
// log may hit the same blocks repeatedly.
type Memory struct {
	recs []memRec // sorted by addrLb, non-overlapping
}

// NewMemory returns an empty diff memory.
func NewMemory() *Memory {
	return &Memory{}
}

// Add inserts a write. Overlapped parts of earlier writes are clipped
// away. For normal records data must hold blocksLb logical blocks.
func (m *Memory) Add(addrLb uint64, blocksLb uint32, flags uint8, data []byte) error {
	if blocksLb == 0 {
		return fmt.Errorf("diff memory add: empty range")
	}
	if flags == RecNormal {
		if uint64(len(data)) != block.LbToBytes(uint64(blocksLb)) {
			return fmt.Errorf("diff memory add: data size %d != %d blocks", len(data), blocksLb)
		}
	} else if data != nil {
		return fmt.Errorf("diff memory add: non-normal record with data")
	}
	nr := memRec{addrLb: addrLb, blocksLb: blocksLb, flags: flags, data: data}

	var out []memRec
	inserted := false
	for _, old := range m.recs {
		if old.endLb() <= nr.addrLb || old.addrLb >= nr.endLb() {
			if !inserted && old.addrLb >= nr.endLb() {
				out = append(out, nr)
				inserted = true
			}
			out = append(out, old)
			continue
		}
		// Keep the non-overlapped head and tail of the older record.
		if old.addrLb < nr.addrLb {
			head := old
			head.blocksLb = uint32(nr.addrLb - old.addrLb)
			if head.flags == RecNormal {
				head.data = old.data[:block.LbToBytes(uint64(head.blocksLb))]
			}
			out = append(out, head)
		}
		if !inserted {
			out = append(out, nr)
			inserted = true
		}
		if old.endLb() > nr.endLb() {
			tail := old
			skip := nr.endLb() - old.addrLb
			tail.addrLb = nr.endLb()
			tail.blocksLb = uint32(old.endLb() - nr.endLb())
			if tail.flags == RecNormal {
				tail.data = old.data[block.LbToBytes(skip):]
			}
			out = append(out, tail)
		}
	}
	if !inserted {
		out = append(out, nr)
	}
	m.recs = out
	return nil
}

// Empty reports whether no writes have been added.
func (m *Memory) Empty() bool { return len(m.recs) == 0 }

// NLb returns the total number of logical blocks covered.
func (m *Memory) NLb() uint64 {
	var n uint64
	for _, r := range m.recs {
		n += uint64(r.blocksLb)
	}
	return n
}

// WriteTo emits the accumulated records to a diff writer, splitting
// ranges larger than the writer's max IO size. Records come out
// sorted and non-overlapping by construction.
func (m *Memory) WriteTo(w *Writer, mode compress.Mode) error {
	sort.Slice(m.recs, func(i, j int) bool { return m.recs[i].addrLb < m.recs[j].addrLb })
	maxLb := w.Header().MaxIoLb
	for _, r := range m.recs {
		addr := r.addrLb
		remaining := r.blocksLb
		var dataOff uint64
		for remaining > 0 {
			n := remaining
			if n > maxLb {
				n = maxLb
			}
			var data []byte
			if r.flags == RecNormal {
				data = r.data[block.LbToBytes(dataOff):block.LbToBytes(dataOff + uint64(n))]
			}
			if err := w.AddRecord(addr, n, r.flags, data, mode); err != nil {
				return err
			}
			addr += uint64(n)
			dataOff += uint64(n)
			remaining -= n
		}
	}
	return nil
}
