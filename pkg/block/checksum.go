package block

import "encoding/binary"

// Checksum computes the salted 32-bit checksum used by both the WAL and
// wdiff formats. The data is folded as a sequence of little-endian
// uint32 words added to the salt; a short tail is zero-padded. The sum
// is finished by two's-complement negation so that appending the
// checksum of a buffer to itself sums to zero.
func Checksum(data []byte, salt uint32) uint32 {
	return ChecksumFinish(ChecksumPartial(data, salt))
}

// ChecksumPartial folds data into a running checksum. Pass the salt as
// the initial value, feed chunks in order, and call ChecksumFinish on
// the result. Chunk boundaries must be 4-byte aligned except for the
// final chunk.
func ChecksumPartial(data []byte, csum uint32) uint32 {
	for len(data) >= 4 {
		csum += binary.LittleEndian.Uint32(data)
		data = data[4:]
	}
	if len(data) > 0 {
		var tail [4]byte
		copy(tail[:], data)
		csum += binary.LittleEndian.Uint32(tail[:])
	}
	return csum
}

// ChecksumFinish finalizes a running checksum.
func ChecksumFinish(csum uint32) uint32 {
	return ^csum + 1
}
