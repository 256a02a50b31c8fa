package wdiff

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/marmos91/blockcdp/pkg/block"
)

// StreamFile walks a wdiff file and hands it to push in protocol
// units: the file header first, then one message per pack (record
// table plus payload), ending with the empty end pack. The receiving
// side can concatenate the messages back into an identical file.
//
// The pack table checksums are verified in passing; payload checksums
// are left to the receiver's reader.
func StreamFile(r io.Reader, push func(msg []byte) error) error {
	br := bufio.NewReader(r)

	hbuf := make([]byte, headerSize)
	if _, err := io.ReadFull(br, hbuf); err != nil {
		return fmt.Errorf("stream wdiff: read header: %w", err)
	}
	header, err := UnmarshalHeader(hbuf)
	if err != nil {
		return err
	}
	if err := push(hbuf); err != nil {
		return err
	}

	for {
		fixed := make([]byte, packFixedSize)
		if _, err := io.ReadFull(br, fixed); err != nil {
			return fmt.Errorf("%w: stream wdiff: read pack: %v", ErrCorruptDiff, err)
		}
		n := int(binary.LittleEndian.Uint32(fixed[4:]))
		dataSize := binary.LittleEndian.Uint32(fixed[8:])

		msg := make([]byte, packFixedSize+n*recordSlotSize+int(dataSize))
		copy(msg, fixed)
		if _, err := io.ReadFull(br, msg[packFixedSize:]); err != nil {
			return fmt.Errorf("%w: stream wdiff: read pack body: %v", ErrCorruptDiff, err)
		}
		table := msg[:packFixedSize+n*recordSlotSize]
		want := binary.LittleEndian.Uint32(table[0:])
		if got := block.Checksum(table[4:], header.Salt); got != want {
			return fmt.Errorf("%w: stream wdiff: pack table checksum mismatch", ErrCorruptDiff)
		}
		if err := push(msg); err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
	}
}
