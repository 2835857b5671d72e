// Package sslog is the external log collaborator the index consults: an
// append-only store of (key, value) records addressed by a stable offset.
// Durability and crash recovery of this log are explicitly out of scope for
// the index (spec non-goals) -- the log is the index's source of truth, not
// the other way around.
package sslog

// Log is the interface the index consumes (spec §6). Implementations must
// preserve a record for the lifetime of any Payload referencing it.
type Log interface {
	// Write appends a record and returns its offset.
	Write(key, value []byte) (uint64, error)
	// Read fetches the record written at offset.
	Read(offset uint64) (key, value []byte, err error)
}
