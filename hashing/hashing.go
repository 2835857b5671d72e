// Package hashing provides the Hasher collaborator consumed by the index:
// a function from a key's bytes to a FINGERPRINT_SIZE-bit fingerprint with a
// uniform distribution over its low bits (directory/segment/block/slot
// routing all read low-order bits of the fingerprint).
package hashing

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
)

// Hasher is the hash interface consumed by the index (spec §6). Keys are
// arbitrary byte strings; the digest is folded down to
// config.Traits.FingerprintSize bits by the caller.
type Hasher interface {
	Digest(key []byte) uint64
}

// XXHash is the default Hasher, backed by xxhash/v2. It is not
// cryptographic; it is chosen purely for speed and avalanche behaviour on
// the low bits the index actually consults.
type XXHash struct{}

func (XXHash) Digest(key []byte) uint64 {
	return xxhash.Sum64(key)
}

// KeyBytes converts the common fixed-width integer key used throughout the
// tests and the original source's getFP helper into the byte form Digest
// expects.
func KeyBytes(key uint64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], key)
	return b[:]
}

// DigestUint64 is a convenience wrapper for the common case of integer keys.
func DigestUint64(h Hasher, key uint64) uint64 {
	return h.Digest(KeyBytes(key))
}
