package meta

import (
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/marmos91/blockcdp/pkg/block"
)

// State is the persisted base record of a volume: the snapshot its
// base image represents, a wall-clock timestamp, and optionally the
// end snapshot of an in-progress apply. At most one apply may be
// pending per volume.
type State struct {
	Snap      Snap
	Timestamp time.Time

	// Applying is set while an apply is in progress; Pending is then
	// the snapshot the base image will represent once it completes.
	Applying bool
	Pending  Snap
}

// NewState returns a non-applying state.
func NewState(snap Snap, ts time.Time) State {
	return State{Snap: snap, Timestamp: ts}
}

func (s State) String() string {
	if s.Applying {
		return fmt.Sprintf("<%s-->%s>", s.Snap, s.Pending)
	}
	return fmt.Sprintf("<%s>", s.Snap)
}

// Valid reports whether the state is structurally sound.
func (s State) Valid() bool {
	if !s.Snap.Valid() {
		return false
	}
	if s.Applying {
		return s.Pending.Valid() && s.Snap.GidB <= s.Pending.GidB
	}
	return true
}

// BeginApply marks an apply toward the end snapshot of d.
func (s State) BeginApply(d Diff) (State, error) {
	if s.Applying {
		return State{}, fmt.Errorf("begin apply on %s: apply already pending", s)
	}
	s.Applying = true
	s.Pending = d.E
	return s, nil
}

// EndApply commits a pending apply at the given time.
func (s State) EndApply(ts time.Time) (State, error) {
	if !s.Applying {
		return State{}, fmt.Errorf("end apply on %s: no apply pending", s)
	}
	return State{Snap: s.Pending, Timestamp: ts}, nil
}

// Binary layout of the persisted base record. Fixed width with a
// magic/version prefix and a trailing salted checksum.
const (
	stateMagic   = uint32(0x57424d53) // "WBMS"
	stateVersion = uint16(1)
	stateSize    = 4 + 2 + 1 + 1 + 8*4 + 8 + 4
)

// Marshal serializes the state into its fixed-width binary form.
func (s State) Marshal() []byte {
	buf := make([]byte, stateSize)
	binary.LittleEndian.PutUint32(buf[0:], stateMagic)
	binary.LittleEndian.PutUint16(buf[4:], stateVersion)
	if s.Applying {
		buf[6] = 1
	}
	binary.LittleEndian.PutUint64(buf[8:], s.Snap.GidB)
	binary.LittleEndian.PutUint64(buf[16:], s.Snap.GidE)
	binary.LittleEndian.PutUint64(buf[24:], s.Pending.GidB)
	binary.LittleEndian.PutUint64(buf[32:], s.Pending.GidE)
	binary.LittleEndian.PutUint64(buf[40:], uint64(s.Timestamp.Unix()))
	csum := block.Checksum(buf[:stateSize-4], 0)
	binary.LittleEndian.PutUint32(buf[stateSize-4:], csum)
	return buf
}

// UnmarshalState parses a buffer produced by Marshal.
func UnmarshalState(buf []byte) (State, error) {
	if len(buf) < stateSize {
		return State{}, fmt.Errorf("unmarshal state: short buffer %d", len(buf))
	}
	if got := binary.LittleEndian.Uint32(buf[0:]); got != stateMagic {
		return State{}, fmt.Errorf("unmarshal state: bad magic %#x", got)
	}
	if got := binary.LittleEndian.Uint16(buf[4:]); got != stateVersion {
		return State{}, fmt.Errorf("unmarshal state: unsupported version %d", got)
	}
	want := binary.LittleEndian.Uint32(buf[stateSize-4:])
	if got := block.Checksum(buf[:stateSize-4], 0); got != want {
		return State{}, fmt.Errorf("unmarshal state: checksum mismatch")
	}
	s := State{
		Applying: buf[6] == 1,
		Snap: Snap{
			GidB: binary.LittleEndian.Uint64(buf[8:]),
			GidE: binary.LittleEndian.Uint64(buf[16:]),
		},
		Pending: Snap{
			GidB: binary.LittleEndian.Uint64(buf[24:]),
			GidE: binary.LittleEndian.Uint64(buf[32:]),
		},
		Timestamp: time.Unix(int64(binary.LittleEndian.Uint64(buf[40:])), 0).UTC(),
	}
	if !s.Valid() {
		return State{}, fmt.Errorf("unmarshal state: invalid contents %s", s)
	}
	return s, nil
}

// WriteTo writes the binary form to w.
func (s State) WriteTo(w io.Writer) (int64, error) {
	n, err := w.Write(s.Marshal())
	return int64(n), err
}

// ReadState reads and parses a state record from r.
func ReadState(r io.Reader) (State, error) {
	buf := make([]byte, stateSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return State{}, fmt.Errorf("read state: %w", err)
	}
	return UnmarshalState(buf)
}
