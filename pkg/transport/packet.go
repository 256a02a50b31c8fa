// Package transport implements the wire layer shared by the daemons
// and the controller: length-prefixed value framing, the three-state
// stream control marker, bounded worker queues, and the background
// sender/receiver pipelines used for bulk log and diff streams.
package transport

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/google/uuid"
)

// MaxMessageSize bounds a single framed value. Bulk payloads are
// chunked well below this by the senders.
const MaxMessageSize = 64 << 20

// ProtocolVersion is negotiated during the connection handshake.
const ProtocolVersion = uint32(1)

// Packet frames typed values over a connection. Every value is
// length-prefixed: a little-endian uint32 size followed by the
// payload. Fixed-width integers are framed like everything else so a
// peer can always skip a value it does not understand.
type Packet struct {
	rw io.ReadWriter
}

// NewPacket wraps a connection.
func NewPacket(rw io.ReadWriter) *Packet {
	return &Packet{rw: rw}
}

// WriteBytes frames a raw byte payload.
func (p *Packet) WriteBytes(b []byte) error {
	if len(b) > MaxMessageSize {
		return fmt.Errorf("packet write: message size %d exceeds limit", len(b))
	}
	var hdr [4]byte
	binary.LittleEndian.PutUint32(hdr[:], uint32(len(b)))
	if _, err := p.rw.Write(hdr[:]); err != nil {
		return fmt.Errorf("packet write size: %w", err)
	}
	if len(b) == 0 {
		return nil
	}
	if _, err := p.rw.Write(b); err != nil {
		return fmt.Errorf("packet write payload: %w", err)
	}
	return nil
}

// ReadBytes reads one framed payload.
func (p *Packet) ReadBytes() ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(p.rw, hdr[:]); err != nil {
		return nil, fmt.Errorf("packet read size: %w", err)
	}
	size := binary.LittleEndian.Uint32(hdr[:])
	if size > MaxMessageSize {
		return nil, fmt.Errorf("packet read: message size %d exceeds limit", size)
	}
	buf := make([]byte, size)
	if _, err := io.ReadFull(p.rw, buf); err != nil {
		return nil, fmt.Errorf("packet read payload: %w", err)
	}
	return buf, nil
}

// WriteString frames a string value.
func (p *Packet) WriteString(s string) error {
	return p.WriteBytes([]byte(s))
}

// ReadString reads a string value.
func (p *Packet) ReadString() (string, error) {
	b, err := p.ReadBytes()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// WriteUint32 frames a uint32 value.
func (p *Packet) WriteUint32(v uint32) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return p.WriteBytes(b[:])
}

// ReadUint32 reads a uint32 value.
func (p *Packet) ReadUint32() (uint32, error) {
	b, err := p.ReadBytes()
	if err != nil {
		return 0, err
	}
	if len(b) != 4 {
		return 0, fmt.Errorf("packet read uint32: size %d", len(b))
	}
	return binary.LittleEndian.Uint32(b), nil
}

// WriteUint64 frames a uint64 value.
func (p *Packet) WriteUint64(v uint64) error {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return p.WriteBytes(b[:])
}

// ReadUint64 reads a uint64 value.
func (p *Packet) ReadUint64() (uint64, error) {
	b, err := p.ReadBytes()
	if err != nil {
		return 0, err
	}
	if len(b) != 8 {
		return 0, fmt.Errorf("packet read uint64: size %d", len(b))
	}
	return binary.LittleEndian.Uint64(b), nil
}

// WriteBool frames a bool value.
func (p *Packet) WriteBool(v bool) error {
	b := []byte{0}
	if v {
		b[0] = 1
	}
	return p.WriteBytes(b)
}

// ReadBool reads a bool value.
func (p *Packet) ReadBool() (bool, error) {
	b, err := p.ReadBytes()
	if err != nil {
		return false, err
	}
	if len(b) != 1 {
		return false, fmt.Errorf("packet read bool: size %d", len(b))
	}
	return b[0] != 0, nil
}

// WriteUUID frames a uuid value.
func (p *Packet) WriteUUID(id uuid.UUID) error {
	return p.WriteBytes(id[:])
}

// ReadUUID reads a uuid value.
func (p *Packet) ReadUUID() (uuid.UUID, error) {
	b, err := p.ReadBytes()
	if err != nil {
		return uuid.UUID{}, err
	}
	var id uuid.UUID
	if len(b) != len(id) {
		return uuid.UUID{}, fmt.Errorf("packet read uuid: size %d", len(b))
	}
	copy(id[:], b)
	return id, nil
}

// WriteStrVec frames a string vector: a count followed by each
// element.
func (p *Packet) WriteStrVec(v []string) error {
	if err := p.WriteUint32(uint32(len(v))); err != nil {
		return err
	}
	for _, s := range v {
		if err := p.WriteString(s); err != nil {
			return err
		}
	}
	return nil
}

// ReadStrVec reads a string vector.
func (p *Packet) ReadStrVec() ([]string, error) {
	n, err := p.ReadUint32()
	if err != nil {
		return nil, err
	}
	if n > 1<<16 {
		return nil, fmt.Errorf("packet read strvec: count %d exceeds limit", n)
	}
	out := make([]string, 0, n)
	for i := uint32(0); i < n; i++ {
		s, err := p.ReadString()
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// Ack messages close synchronous protocol exchanges.
const ackMessage = "ack"

// WriteAck sends the terminating ack.
func (p *Packet) WriteAck() error {
	return p.WriteString(ackMessage)
}

// ReadAck consumes the terminating ack.
func (p *Packet) ReadAck() error {
	s, err := p.ReadString()
	if err != nil {
		return err
	}
	if s != ackMessage {
		return fmt.Errorf("expected ack, got %q", s)
	}
	return nil
}
