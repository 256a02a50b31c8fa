package walog

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/marmos91/blockcdp/pkg/block"
)

// SuperBlock describes the WAL device geometry. It lives in the first
// sector of the device and is read once at attach time.
type SuperBlock struct {
	Pbs         uint32
	Salt        uint32
	UUID        uuid.UUID
	RingStartPb uint64 // first physical block of the ring
	RingSizePb  uint64 // ring capacity [physical block]
	OldestLsid  uint64
	WrittenLsid uint64
}

const (
	superMagic   = uint32(0x57424c47) // "WBLG"
	superVersion = uint16(1)
	superSize    = 4 + 2 + 2 + 4 + 4 + 16 + 8*4 + 4
)

// PhysicalOffsetPb maps an lsid to the physical block holding it.
func (s *SuperBlock) PhysicalOffsetPb(lsid uint64) uint64 {
	return s.RingStartPb + lsid%s.RingSizePb
}

// Valid reports whether the geometry is usable.
func (s *SuperBlock) Valid() bool {
	return block.ValidPBS(s.Pbs) && s.RingSizePb > 0 && s.RingStartPb > 0 &&
		s.OldestLsid <= s.WrittenLsid
}

// Marshal serializes the super block into its fixed-width form.
func (s *SuperBlock) Marshal() []byte {
	buf := make([]byte, superSize)
	binary.LittleEndian.PutUint32(buf[0:], superMagic)
	binary.LittleEndian.PutUint16(buf[4:], superVersion)
	binary.LittleEndian.PutUint32(buf[8:], s.Pbs)
	binary.LittleEndian.PutUint32(buf[12:], s.Salt)
	copy(buf[16:32], s.UUID[:])
	binary.LittleEndian.PutUint64(buf[32:], s.RingStartPb)
	binary.LittleEndian.PutUint64(buf[40:], s.RingSizePb)
	binary.LittleEndian.PutUint64(buf[48:], s.OldestLsid)
	binary.LittleEndian.PutUint64(buf[56:], s.WrittenLsid)
	binary.LittleEndian.PutUint32(buf[64:], block.Checksum(buf[:64], 0))
	return buf
}

// UnmarshalSuperBlock parses a buffer holding a super block.
func UnmarshalSuperBlock(buf []byte) (SuperBlock, error) {
	if len(buf) < superSize {
		return SuperBlock{}, fmt.Errorf("%w: short super block %d", ErrCorruptLog, len(buf))
	}
	if got := binary.LittleEndian.Uint32(buf[0:]); got != superMagic {
		return SuperBlock{}, fmt.Errorf("%w: bad super block magic %#x", ErrCorruptLog, got)
	}
	if got := binary.LittleEndian.Uint16(buf[4:]); got != superVersion {
		return SuperBlock{}, fmt.Errorf("%w: unsupported super block version %d", ErrCorruptLog, got)
	}
	want := binary.LittleEndian.Uint32(buf[64:])
	if got := block.Checksum(buf[:64], 0); got != want {
		return SuperBlock{}, fmt.Errorf("%w: super block checksum mismatch", ErrCorruptLog)
	}
	var s SuperBlock
	s.Pbs = binary.LittleEndian.Uint32(buf[8:])
	s.Salt = binary.LittleEndian.Uint32(buf[12:])
	copy(s.UUID[:], buf[16:32])
	s.RingStartPb = binary.LittleEndian.Uint64(buf[32:])
	s.RingSizePb = binary.LittleEndian.Uint64(buf[40:])
	s.OldestLsid = binary.LittleEndian.Uint64(buf[48:])
	s.WrittenLsid = binary.LittleEndian.Uint64(buf[56:])
	if !s.Valid() {
		return SuperBlock{}, fmt.Errorf("%w: invalid super block geometry", ErrCorruptLog)
	}
	return s, nil
}

// ReadSuperBlock reads and parses the super block from the head of a
// WAL device.
func ReadSuperBlock(r io.ReaderAt) (SuperBlock, error) {
	buf := make([]byte, superSize)
	if _, err := r.ReadAt(buf, 0); err != nil {
		return SuperBlock{}, fmt.Errorf("read super block: %w", err)
	}
	return UnmarshalSuperBlock(buf)
}

// WriteSuperBlock writes the super block to the head of a WAL device.
func WriteSuperBlock(w io.WriterAt, s *SuperBlock) error {
	if !s.Valid() {
		return fmt.Errorf("write super block: invalid geometry")
	}
	if _, err := w.WriteAt(s.Marshal(), 0); err != nil {
		return fmt.Errorf("write super block: %w", err)
	}
	return nil
}
