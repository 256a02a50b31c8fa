package wdiff

import (
	"errors"
	"fmt"
	"io"

	"github.com/marmos91/blockcdp/pkg/block"
	"github.com/marmos91/blockcdp/pkg/compress"
	"github.com/marmos91/blockcdp/pkg/meta"
)

// mergeSource is one input diff with its current decoded record.
type mergeSource struct {
	idx    int
	reader *Reader
	diff   meta.Diff

	cur     Record
	curData []byte // uncompressed; nil for all-zero/discard
	valid   bool
}

// load advances the source to its next record, decompressing normal
// payloads eagerly so clipping can slice them.
func (s *mergeSource) load() error {
	ri, err := s.reader.Next()
	if errors.Is(err, io.EOF) {
		s.valid = false
		return nil
	}
	if err != nil {
		return err
	}
	s.cur = ri.Record
	s.valid = true
	if ri.Record.IsNormal() {
		s.curData, err = ri.Uncompress()
		if err != nil {
			return err
		}
	} else {
		s.curData = nil
	}
	return nil
}

// clipHead drops nLb blocks from the front of the current record.
func (s *mergeSource) clipHead(nLb uint64) {
	if nLb >= uint64(s.cur.IoBlocksLb) {
		s.valid = false
		return
	}
	s.cur.IoAddressLb += nLb
	s.cur.IoBlocksLb -= uint32(nLb)
	if s.cur.IsNormal() {
		s.curData = s.curData[block.LbToBytes(nLb):]
	}
}

// MergedIo is one output range of a merge: record metadata plus
// uncompressed data (nil for all-zero/discard), tagged with the source
// it came from.
type MergedIo struct {
	AddrLb   uint64
	BlocksLb uint32
	Flags    uint8
	Data     []byte
	src      int
}

// EndLb returns the exclusive end of the range.
func (io MergedIo) EndLb() uint64 { return io.AddrLb + uint64(io.BlocksLb) }

// Merger k-way merges ordered wdiffs into a single sorted stream with
// last-writer-wins overlap resolution: inputs are ordered by their
// MetaDiff begin gid, and on overlapping ranges the later (newer)
// input's data shadows the earlier one's.
type Merger struct {
	srcs     []*mergeSource
	maxIoLb  uint32
	prepared bool
	emitted  uint64 // high-water mark of emitted block addresses
	pending  *MergedIo
}

// NewMerger returns an empty merger. maxIoLb bounds coalesced output
// records; zero selects DefaultMaxIoLb.
func NewMerger(maxIoLb uint32) *Merger {
	if maxIoLb == 0 {
		maxIoLb = DefaultMaxIoLb
	}
	return &Merger{maxIoLb: maxIoLb}
}

// Add registers an input diff. Inputs must be added oldest first,
// each applicable to the previous one's end snapshot.
func (m *Merger) Add(d meta.Diff, r *Reader) error {
	if m.prepared {
		return fmt.Errorf("merger add: already prepared")
	}
	if n := len(m.srcs); n > 0 {
		prev := m.srcs[n-1].diff
		if d.B != prev.E {
			return fmt.Errorf("merger add: %s does not follow %s", d, prev)
		}
	}
	m.srcs = append(m.srcs, &mergeSource{idx: len(m.srcs), reader: r, diff: d})
	return nil
}

// CheckMergeable verifies the inputs may be folded into one composite
// diff: every input after the first must be flagged mergeable, and a
// dirty diff may not be folded with a clean one across the dirty
// boundary.
func (m *Merger) CheckMergeable() error {
	for i := 1; i < len(m.srcs); i++ {
		prev, cur := m.srcs[i-1].diff, m.srcs[i].diff
		if !cur.Mergeable {
			return fmt.Errorf("%w: %s is not flagged mergeable", ErrNotMergeable, cur)
		}
		if prev.IsDirty() != cur.IsDirty() {
			return fmt.Errorf("%w: dirty boundary between %s and %s", ErrNotMergeable, prev, cur)
		}
	}
	return nil
}

// MergedDiff returns the MetaDiff describing the merged output.
func (m *Merger) MergedDiff() (meta.Diff, error) {
	if len(m.srcs) == 0 {
		return meta.Diff{}, fmt.Errorf("merger: no inputs")
	}
	out := m.srcs[0].diff
	for _, s := range m.srcs[1:] {
		var err error
		out, err = meta.Merge(out, s.diff)
		if err != nil {
			return meta.Diff{}, err
		}
	}
	return out, nil
}

// Prepare primes every input cursor. Call once after all Add calls.
func (m *Merger) Prepare() error {
	if m.prepared {
		return nil
	}
	for _, s := range m.srcs {
		if err := s.load(); err != nil {
			return err
		}
	}
	m.prepared = true
	return nil
}

// Pop yields the next merged output range. It returns io.EOF when all
// inputs are drained.
func (m *Merger) Pop() (MergedIo, error) {
	if !m.prepared {
		if err := m.Prepare(); err != nil {
			return MergedIo{}, err
		}
	}
	for {
		out, ok, err := m.popRaw()
		if err != nil {
			return MergedIo{}, err
		}
		if !ok {
			// Inputs drained: flush the coalesce buffer.
			if m.pending != nil {
				p := *m.pending
				m.pending = nil
				return p, nil
			}
			return MergedIo{}, io.EOF
		}
		if flushed, have := m.coalesce(out); have {
			return flushed, nil
		}
	}
}

// popRaw produces the next raw (uncoalesced) range.
func (m *Merger) popRaw() (MergedIo, bool, error) {
	for {
		r := m.pickNext()
		if r == nil {
			return MergedIo{}, false, nil
		}

		// Drop the part already covered by emitted output; that data
		// came from a newer source.
		if r.cur.IoAddressLb < m.emitted {
			r.clipHead(m.emitted - r.cur.IoAddressLb)
			if !r.valid {
				if err := r.load(); err != nil {
					return MergedIo{}, false, err
				}
			}
			continue
		}

		// A newer source starting inside our range shadows our tail.
		limit := r.cur.EndAddressLb()
		for _, s := range m.srcs {
			if !s.valid || s.idx <= r.idx {
				continue
			}
			if s.cur.IoAddressLb > r.cur.IoAddressLb && s.cur.IoAddressLb < limit {
				limit = s.cur.IoAddressLb
			}
		}

		n := limit - r.cur.IoAddressLb
		out := MergedIo{
			AddrLb:   r.cur.IoAddressLb,
			BlocksLb: uint32(n),
			Flags:    r.cur.Flags,
			src:      r.idx,
		}
		if r.cur.IsNormal() {
			out.Data = r.curData[:block.LbToBytes(n)]
		}
		r.clipHead(n)
		if !r.valid {
			if err := r.load(); err != nil {
				return MergedIo{}, false, err
			}
		}
		m.emitted = out.EndLb()
		return out, true, nil
	}
}

// pickNext selects the source with the least current address; on a
// tie the newest source wins so its data shadows older ones.
func (m *Merger) pickNext() *mergeSource {
	var best *mergeSource
	for _, s := range m.srcs {
		if !s.valid {
			continue
		}
		if best == nil ||
			s.cur.IoAddressLb < best.cur.IoAddressLb ||
			(s.cur.IoAddressLb == best.cur.IoAddressLb && s.idx > best.idx) {
			best = s
		}
	}
	return best
}

// coalesce folds contiguous output from the same source with matching
// flags, bounded by maxIoLb. It returns a completed range when the
// incoming one does not extend the pending buffer.
func (m *Merger) coalesce(in MergedIo) (MergedIo, bool) {
	if m.pending == nil {
		m.pending = &in
		return MergedIo{}, false
	}
	p := m.pending
	if p.src == in.src && p.Flags == in.Flags &&
		p.EndLb() == in.AddrLb &&
		p.BlocksLb+in.BlocksLb <= m.maxIoLb {
		p.BlocksLb += in.BlocksLb
		if p.Flags == RecNormal {
			p.Data = append(p.Data[:len(p.Data):len(p.Data)], in.Data...)
		}
		return MergedIo{}, false
	}
	out := *p
	m.pending = &in
	return out, true
}

// MergeTo drains the merger into a diff writer.
func (m *Merger) MergeTo(w *Writer, mode compress.Mode) error {
	for {
		out, err := m.Pop()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := w.AddRecord(out.AddrLb, out.BlocksLb, out.Flags, out.Data, mode); err != nil {
			return err
		}
	}
}
