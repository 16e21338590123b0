package backfill

import (
	"encoding/binary"

	"golang.org/x/crypto/blake2b"
)

// hashPrefix returns the low 64 bits of an object's content hash, used
// to tag it on the wire (§3, "hash_prefix").
func hashPrefix(data []byte) uint64 {
	sum := blake2b.Sum256(data)
	return binary.LittleEndian.Uint64(sum[:8])
}
