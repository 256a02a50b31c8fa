package wdiff

import (
	"errors"
	"fmt"
	"io"

	"github.com/marmos91/blockcdp/pkg/block"
)

// ErrBaseNotAligned is returned when the base image ends mid-block.
var ErrBaseNotAligned = errors.New("base image not aligned to logical block")

// VirtualFullReader streams the logical content of base-image plus
// the ordered overlay of wdiffs as one contiguous volume. The stream
// is sequential and non-restartable.
//
// When the base reader is seekable, overlay ranges skip the base with
// a relative seek; otherwise the skipped bytes are drained into a
// scratch buffer.
type VirtualFullReader struct {
	base    io.Reader
	seeker  io.Seeker // nil when base is not seekable
	merger  *Merger
	empty   bool
	addrLb  uint64 // next logical block to emit
	cur     MergedIo
	offInIo uint64 // blocks consumed of cur
	endDiff bool
	baseEOF bool
	skipBuf []byte
	zeroBuf []byte
}

// NewVirtualFullReader builds a reader over base and an optional
// prepared merger. A nil merger yields the base verbatim.
func NewVirtualFullReader(base io.Reader, merger *Merger) *VirtualFullReader {
	v := &VirtualFullReader{
		base:   base,
		merger: merger,
		empty:  merger == nil || len(merger.srcs) == 0,
	}
	if s, ok := base.(io.Seeker); ok {
		v.seeker = s
	} else {
		v.skipBuf = make([]byte, 64*block.LogicalBlockSize)
	}
	return v
}

// ReadSome reads up to len(p) bytes, which must be a multiple of the
// logical block size. It returns 0, io.EOF once the base image is
// exhausted.
func (v *VirtualFullReader) ReadSome(p []byte) (int, error) {
	if len(p) == 0 || len(p)%block.LogicalBlockSize != 0 {
		return 0, fmt.Errorf("virtual read: size %d not a multiple of logical block", len(p))
	}
	nLb := block.BytesToLb(uint64(len(p)))

	if err := v.fillDiffIo(); err != nil {
		return 0, err
	}
	if v.empty || v.endDiff {
		return v.readBase(p, nLb)
	}

	diffAddr := v.cur.AddrLb + v.offInIo
	if v.addrLb == diffAddr {
		n := uint64(v.cur.BlocksLb) - v.offInIo
		if nLb < n {
			n = nLb
		}
		return v.readOverlay(p, n)
	}
	// Emit base up to the next overlay range.
	if toDiff := diffAddr - v.addrLb; toDiff < nLb {
		nLb = toDiff
	}
	return v.readBase(p, nLb)
}

// Read fills p completely or fails. It returns io.ErrUnexpectedEOF
// when the stream ends mid-buffer.
func (v *VirtualFullReader) Read(p []byte) error {
	filled := false
	for len(p) > 0 {
		n, err := v.ReadSome(p)
		if err == io.EOF && filled {
			return io.ErrUnexpectedEOF
		}
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrUnexpectedEOF
		}
		filled = true
		p = p[n:]
	}
	return nil
}

// WriteTo streams the whole virtual image to w in bufLb-block chunks.
func (v *VirtualFullReader) WriteTo(w io.Writer, bufLb int) (int64, error) {
	if bufLb <= 0 {
		bufLb = 128
	}
	buf := make([]byte, bufLb*block.LogicalBlockSize)
	var total int64
	for {
		n, err := v.ReadSome(buf)
		if errors.Is(err, io.EOF) || (err == nil && n == 0) {
			return total, nil
		}
		if err != nil {
			return total, err
		}
		if _, err := w.Write(buf[:n]); err != nil {
			return total, fmt.Errorf("virtual write: %w", err)
		}
		total += int64(n)
	}
}

// readBase copies nLb blocks from the base image.
func (v *VirtualFullReader) readBase(p []byte, nLb uint64) (int, error) {
	if v.baseEOF {
		return 0, io.EOF
	}
	want := int(block.LbToBytes(nLb))
	read := 0
	for read < want {
		n, err := v.base.Read(p[read:want])
		read += n
		if err != nil {
			if errors.Is(err, io.EOF) {
				v.baseEOF = true
				break
			}
			return 0, fmt.Errorf("read base: %w", err)
		}
	}
	if read%block.LogicalBlockSize != 0 {
		return 0, ErrBaseNotAligned
	}
	if read == 0 {
		return 0, io.EOF
	}
	v.addrLb += block.BytesToLb(uint64(read))
	return read, nil
}

// readOverlay emits nLb blocks from the current overlay range and
// skips the same amount of base.
func (v *VirtualFullReader) readOverlay(p []byte, nLb uint64) (int, error) {
	size := block.LbToBytes(nLb)
	if v.cur.Flags == RecNormal {
		off := block.LbToBytes(v.offInIo)
		copy(p[:size], v.cur.Data[off:off+size])
	} else {
		if v.zeroBuf == nil {
			v.zeroBuf = make([]byte, block.LogicalBlockSize)
		}
		for i := uint64(0); i < size; i += block.LogicalBlockSize {
			copy(p[i:i+block.LogicalBlockSize], v.zeroBuf)
		}
	}
	if err := v.skipBase(size); err != nil {
		return 0, err
	}
	v.offInIo += nLb
	v.addrLb += nLb
	return int(size), nil
}

// skipBase advances the base stream past an overlay range.
func (v *VirtualFullReader) skipBase(size uint64) error {
	if v.baseEOF {
		return nil
	}
	if v.seeker != nil {
		if _, err := v.seeker.Seek(int64(size), io.SeekCurrent); err != nil {
			return fmt.Errorf("skip base: %w", err)
		}
		return nil
	}
	remaining := size
	for remaining > 0 {
		n := uint64(len(v.skipBuf))
		if remaining < n {
			n = remaining
		}
		read, err := v.base.Read(v.skipBuf[:n])
		remaining -= uint64(read)
		if err != nil {
			if errors.Is(err, io.EOF) {
				v.baseEOF = true
				return nil
			}
			return fmt.Errorf("skip base: %w", err)
		}
	}
	return nil
}

// fillDiffIo advances the overlay cursor when the current range is
// exhausted.
func (v *VirtualFullReader) fillDiffIo() error {
	if v.empty || v.endDiff {
		return nil
	}
	if v.offInIo < uint64(v.cur.BlocksLb) {
		return nil
	}
	v.offInIo = 0
	out, err := v.merger.Pop()
	if errors.Is(err, io.EOF) {
		v.endDiff = true
		v.cur = MergedIo{}
		return nil
	}
	if err != nil {
		return err
	}
	v.cur = out
	return nil
}
