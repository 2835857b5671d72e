// Package payload implements the small, block-local array of log offsets
// (plus optional extra fingerprint bits) referenced by a Block's bit-trie
// leaves. The k-th payload always corresponds to the k-th leaf in slot
// order (spec data model, PayloadList invariant).
package payload

import "fmt"

// Payload is copy-by-value; its identity is the log Offset it carries.
// ExtraBits holds NUMBER_EXTRA_BITS bits of the fingerprint's tail, kept
// alongside the offset purely to reject false-positive trie matches before
// paying for a log read.
type Payload struct {
	Offset    uint64
	ExtraBits uint64
}

// List is a fixed-capacity, densely-packed, order-preserving array of
// Payloads. Insertion/removal at an arbitrary rank shifts the remainder,
// mirroring the original's in-place std::array compaction.
type List struct {
	capacity uint
	items    []Payload
}

func NewList(capacity uint) *List {
	return &List{capacity: capacity, items: make([]Payload, 0, capacity)}
}

func (l *List) Len() int { return len(l.items) }

func (l *List) Capacity() uint { return l.capacity }

func (l *List) At(i int) Payload { return l.items[i] }

// InsertAt inserts p at rank i, shifting items [i, len) right by one. It
// fails (returning false) without mutating the list if the list is already
// at capacity.
func (l *List) InsertAt(i int, p Payload) bool {
	if uint(len(l.items)) >= l.capacity {
		return false
	}
	l.items = append(l.items, Payload{})
	copy(l.items[i+1:], l.items[i:len(l.items)-1])
	l.items[i] = p
	return true
}

// RemoveAt drops the payload at rank i, shifting the remainder left.
func (l *List) RemoveAt(i int) {
	copy(l.items[i:], l.items[i+1:])
	l.items = l.items[:len(l.items)-1]
}

// Set overwrites the payload at rank i in place (the update path: bits are
// unchanged, only the offset/extra-bits move).
func (l *List) Set(i int, p Payload) {
	l.items[i] = p
}

// GetExtraBitsAt mirrors the original payload_list.get_extra_bits_at(i),
// returning the payload and its extra-bits value together.
func (l *List) GetExtraBitsAt(i int) (Payload, uint64) {
	p := l.items[i]
	return p, p.ExtraBits
}

// Swap moves the payload at index srcIdx in src to index dstIdx in dst. When
// removeSrc is true the source slot is left zeroed. If dstIdx is past the
// end of dst, dst is first extended with zero payloads up to dstIdx, and
// Swap fails if that would exceed dst's capacity.
func Swap(src *List, srcIdx int, dst *List, dstIdx int, removeSrc bool) error {
	if srcIdx >= len(src.items) {
		return fmt.Errorf("payload: swap source index %d out of range (len %d)", srcIdx, len(src.items))
	}
	for dstIdx >= len(dst.items) {
		if uint(len(dst.items)) >= dst.capacity {
			return fmt.Errorf("payload: swap destination at capacity %d", dst.capacity)
		}
		dst.items = append(dst.items, Payload{})
	}
	dst.items[dstIdx] = src.items[srcIdx]
	if removeSrc {
		src.items[srcIdx] = Payload{}
	}
	return nil
}
