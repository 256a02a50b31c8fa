package server

import "crypto/sha256"

// HashSize is the size of one bulk hash on the wire.
const HashSize = sha256.Size

// BulkHash computes the digest exchanged by the hash-sync protocol.
func BulkHash(data []byte) [HashSize]byte {
	return sha256.Sum256(data)
}
