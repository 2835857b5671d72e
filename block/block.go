// Package block implements the bit-packed primary storage unit of a
// segment: one fixed-width BitStore partitioned at runtime into a slot
// occupancy header, a unary ten-count region, and a concatenation of
// per-slot bit-tries, plus a parallel PayloadList addressed by trie leaf
// rank. See Bst for the trie's in-memory materialisation.
package block

import (
	"errors"
	"fmt"

	"github.com/flashindex/fpindex/bitstore"
	"github.com/flashindex/fpindex/config"
	"github.com/flashindex/fpindex/hashing"
	"github.com/flashindex/fpindex/payload"
	"github.com/flashindex/fpindex/sslog"
)

// WriteStatus is Block.Write's return status (§4.2); LslotExtended is not
// an error, it's a routing signal for the segment to consult its
// extension layer.
type WriteStatus int

const (
	StatusSuccessful WriteStatus = iota
	StatusNotEnoughBlockSpace
	StatusNotEnoughPayloadSpace
	StatusLSlotExtended
)

func (s WriteStatus) String() string {
	switch s {
	case StatusSuccessful:
		return "Successful"
	case StatusNotEnoughBlockSpace:
		return "NotEnoughBlockSpace"
	case StatusNotEnoughPayloadSpace:
		return "NotEnoughPayloadSpace"
	case StatusLSlotExtended:
		return "LslotExtended"
	default:
		return "Unknown"
	}
}

var (
	// ErrUpdateNotPossible is returned when the caller asserted
	// guaranteeUpdate but no existing entry matched the fingerprint.
	ErrUpdateNotPossible = errors.New("block: guaranteed update target not found")
	// ErrNotEnoughBlockSpace mirrors StatusNotEnoughBlockSpace for callers
	// that prefer errors.Is over inspecting the status value.
	ErrNotEnoughBlockSpace = errors.New("block: not enough trie space")
	// ErrNotEnoughPayloadSpace mirrors StatusNotEnoughPayloadSpace.
	ErrNotEnoughPayloadSpace = errors.New("block: not enough payload space")
)

// Block is one BitStore plus one PayloadList, restricted to fingerprints
// whose slot field selects it (§4.2).
type Block struct {
	cfg                config.Traits
	bits               *bitstore.BitStore
	payloads           *payload.List
	firstExtendedLSlot uint
}

// New allocates an empty block sized per cfg.
func New(cfg config.Traits) *Block {
	return &Block{
		cfg:                cfg,
		bits:               bitstore.New(cfg.N),
		payloads:           payload.NewList(cfg.PayloadsLength),
		firstExtendedLSlot: cfg.CountSlot,
	}
}

func (b *Block) FirstExtendedLSlot() uint { return b.firstExtendedLSlot }
func (b *Block) IsExtended() bool         { return b.firstExtendedLSlot < b.cfg.CountSlot }
func (b *Block) TenAll() uint             { return uint(b.payloads.Len()) }

// guardBits is the width of the reserved extension-tail region at the very
// end of the BitStore, marking where primary storage has stopped.
func (b *Block) guardBits() uint {
	return b.cfg.CountSlot - b.firstExtendedLSlot
}

func (b *Block) trieCeiling() uint {
	return b.cfg.N - b.guardBits()
}

// decodeTens walks the header + unary terminator region, returning the ten
// count of every slot. Slots with header bit 0 contribute no bits to the
// terminator stream at all (§3's block layout table).
func (b *Block) decodeTens() []uint {
	tens := make([]uint, b.cfg.CountSlot)
	pos := b.cfg.CountSlot
	for slot := uint(0); slot < b.cfg.CountSlot; slot++ {
		if !b.bits.Get(slot) {
			continue
		}
		zeros := uint(0)
		for !b.bits.Get(pos) {
			zeros++
			pos++
		}
		pos++ // consume the terminating 1
		tens[slot] = zeros + 1
	}
	return tens
}

// GetTen returns the entry count of slot.
func (b *Block) GetTen(slot uint) uint {
	return b.decodeTens()[slot]
}

// trieRegionStart is the bit offset where the trie region begins: the
// header, plus exactly one terminator bit per entry in the block (the
// unary invariant from §3).
func (b *Block) trieRegionStart() uint {
	return b.cfg.CountSlot + b.TenAll()
}

// GetLSlotStart returns the absolute bit offset of slot's trie within the
// BitStore; GetLSlotStart(CountSlot) is the trie region's end.
func (b *Block) GetLSlotStart(slot uint) uint {
	tens := b.decodeTens()
	start := b.trieRegionStart()
	for i := uint(0); i < slot; i++ {
		start += widthOf(tens[i])
	}
	return start
}

// RemainingBits is the free space left in the trie region before the
// extension guard, informational for callers deciding whether to retry.
func (b *Block) RemainingBits() uint {
	return b.trieCeiling() - b.GetLSlotStart(b.cfg.CountSlot)
}

func (b *Block) payloadRankBase(tens []uint, slot uint) int {
	base := 0
	for i := uint(0); i < slot; i++ {
		base += int(tens[i])
	}
	return base
}

func slotOf(fp uint64, fpIndex uint, slotBits uint) uint {
	mask := (uint64(1) << slotBits) - 1
	return uint((fp >> (fpIndex - slotBits)) & mask)
}

func extraBitsOf(fp uint64, fpIndex uint, n uint) uint64 {
	if n == 0 {
		return 0
	}
	return (fp >> fpIndex) & ((uint64(1) << n) - 1)
}

// tailOf returns the bits of fp consumed by the bit-trie (everything at
// and above fpIndex), re-based to bit 0 for Bst's depth bookkeeping.
func tailOf(fp uint64, fpIndex uint) uint64 {
	if fpIndex >= 64 {
		return 0
	}
	return fp >> fpIndex
}

// oracleFor builds a tailOracle that, given a slot-local rank, reads the
// corresponding payload's log record and re-hashes its key to recover the
// entry's true tail bits. This is the collaborator Bst.Insert needs to
// find a correct split point for leaves, which otherwise carry no
// fingerprint bits of their own.
func (b *Block) oracleFor(log sslog.Log, hasher hashing.Hasher, fpIndex uint, rankBase int) tailOracle {
	return func(local int) uint64 {
		p := b.payloads.At(rankBase + local)
		key, _, err := log.Read(p.Offset)
		if err != nil {
			return 0
		}
		return tailOf(hasher.Digest(key), fpIndex)
	}
}

// Write implements §4.2's write algorithm: locate the slot, decide
// update-vs-insert via a structural trie descent followed by a log
// comparison, then (for inserts) rebuild the slot's trie with one more
// leaf. All space checks happen before any mutation, so a failed write
// leaves the block unchanged.
func (b *Block) Write(fp uint64, log sslog.Log, hasher hashing.Hasher, fpIndex uint, pld payload.Payload, guaranteeUpdate bool) (WriteStatus, error) {
	slotBits := b.cfg.CountSlotBits()
	slot := slotOf(fp, fpIndex, slotBits)
	if slot >= b.firstExtendedLSlot {
		return StatusLSlotExtended, nil
	}

	tens := b.decodeTens()
	ten := tens[slot]
	rankBase := b.payloadRankBase(tens, slot)
	tail := tailOf(fp, fpIndex)
	extra := extraBitsOf(fp, fpIndex, b.cfg.NumberExtraBits)

	if ten > 0 {
		bst := CreateBST(b.bits.Get, b.GetLSlotStart(slot), ten)
		candidateLocal := bst.Navigate(tail)
		candidateRank := rankBase + candidateLocal
		cand := b.payloads.At(candidateRank)
		key, _, err := log.Read(cand.Offset)
		if err != nil {
			return StatusSuccessful, fmt.Errorf("block: read candidate during write: %w", err)
		}
		if tailOf(hasher.Digest(key), fpIndex) == tail && cand.ExtraBits == extra {
			pld.ExtraBits = extra
			b.payloads.Set(candidateRank, pld)
			return StatusSuccessful, nil
		}
		if guaranteeUpdate {
			return StatusSuccessful, ErrUpdateNotPossible
		}
	} else if guaranteeUpdate {
		return StatusSuccessful, ErrUpdateNotPossible
	}

	// Insert path: compute the new trie for this slot without mutating
	// anything yet, so we can check capacity first.
	var newTrieWidthForSlot uint
	var insertedLocalRank int
	var bst *Bst
	if ten == 0 {
		insertedLocalRank = 0
		newTrieWidthForSlot = widthOf(1)
	} else {
		bst = CreateBST(b.bits.Get, b.GetLSlotStart(slot), ten)
		insertedLocalRank = bst.Insert(tail, b.oracleFor(log, hasher, fpIndex, rankBase))
		newTrieWidthForSlot = widthOf(bst.Ten())
	}

	oldTrieWidthForSlot := widthOf(ten)
	newTotalTrieBits := b.GetLSlotStart(b.cfg.CountSlot) - b.trieRegionStart() - oldTrieWidthForSlot + newTrieWidthForSlot
	newTerminatorLen := b.TenAll() + 1
	newTrieEnd := b.cfg.CountSlot + newTerminatorLen + newTotalTrieBits
	if newTrieEnd > b.trieCeiling() {
		return StatusNotEnoughBlockSpace, ErrNotEnoughBlockSpace
	}
	if b.payloads.Len()+1 > int(b.cfg.PayloadsLength) {
		return StatusNotEnoughPayloadSpace, ErrNotEnoughPayloadSpace
	}

	pld.ExtraBits = extra
	globalRank := rankBase + insertedLocalRank
	if !b.payloads.InsertAt(globalRank, pld) {
		return StatusNotEnoughPayloadSpace, ErrNotEnoughPayloadSpace
	}

	newTens := make([]uint, len(tens))
	copy(newTens, tens)
	if ten == 0 {
		newTens[slot] = 1
	} else {
		newTens[slot] = bst.Ten()
	}

	b.rebuildRegion(newTens, slot, bst, ten == 0, tail)
	return StatusSuccessful, nil
}

// rebuildRegion re-encodes the header, terminator and trie regions from
// scratch given the slot whose trie changed (either freshly created, or
// already mutated in place inside bst). Every other slot's trie bits are
// re-decoded from their old position and re-written at their new
// position, which may have shifted because the terminator region's total
// length changed.
func (b *Block) rebuildRegion(newTens []uint, changedSlot uint, changedBst *Bst, wasEmpty bool, newLeafTail uint64) {
	old := b.bits
	n := b.cfg.N
	fresh := bitstore.New(n)

	for slot := uint(0); slot < b.cfg.CountSlot; slot++ {
		if newTens[slot] > 0 {
			fresh.Set(slot, true)
		}
	}

	pos := b.cfg.CountSlot
	for slot := uint(0); slot < b.cfg.CountSlot; slot++ {
		ten := newTens[slot]
		if ten == 0 {
			continue
		}
		for i := uint(0); i < ten-1; i++ {
			fresh.Set(pos, false)
			pos++
		}
		fresh.Set(pos, true)
		pos++
	}

	oldTens := b.decodeTens()
	oldStart := b.cfg.CountSlot
	for _, t := range oldTens {
		oldStart += t
	}
	for slot := uint(0); slot < b.cfg.CountSlot; slot++ {
		width := widthOf(oldTens[slot])
		oldStart += width
		ten := newTens[slot]
		if ten == 0 {
			continue
		}
		if slot == changedSlot {
			if wasEmpty {
				fresh.Set(pos, true) // lone leaf
				pos++
				continue
			}
			written := changedBst.Serialize(func(i uint, v bool) { fresh.Set(pos+(i-changedBst.start), v) })
			pos += written
			continue
		}
		oldStart := oldStart - width
		for i := uint(0); i < width; i++ {
			fresh.Set(pos+i, old.Get(oldStart+i))
		}
		pos += width
	}

	b.bits = fresh
}

// Read implements §4.2's read algorithm.
func (b *Block) Read(fp uint64, log sslog.Log, hasher hashing.Hasher, fpIndex uint) (payload.Payload, bool, error) {
	slotBits := b.cfg.CountSlotBits()
	slot := slotOf(fp, fpIndex, slotBits)
	if slot >= b.firstExtendedLSlot {
		return payload.Payload{}, false, ErrLSlotExtended
	}

	tens := b.decodeTens()
	ten := tens[slot]
	if ten == 0 {
		return payload.Payload{}, false, nil
	}
	rankBase := b.payloadRankBase(tens, slot)
	tail := tailOf(fp, fpIndex)
	extra := extraBitsOf(fp, fpIndex, b.cfg.NumberExtraBits)

	bst := CreateBST(b.bits.Get, b.GetLSlotStart(slot), ten)
	localRank := bst.Navigate(tail)
	rank := rankBase + localRank
	cand := b.payloads.At(rank)
	if b.cfg.NumberExtraBits > 0 && cand.ExtraBits != extra {
		return payload.Payload{}, false, nil
	}
	key, _, err := log.Read(cand.Offset)
	if err != nil {
		return payload.Payload{}, false, err
	}
	if tailOf(hasher.Digest(key), fpIndex) != tail {
		return payload.Payload{}, false, nil
	}
	return cand, true, nil
}

// ErrLSlotExtended signals the caller (Segment) must consult the
// extension layer instead.
var ErrLSlotExtended = errors.New("block: logical slot is extended")

// Remove implements §4.2's remove algorithm. It is idempotent: removing an
// absent key reports removed=false with no error and no mutation.
func (b *Block) Remove(fp uint64, log sslog.Log, hasher hashing.Hasher, fpIndex uint) (bool, error) {
	slotBits := b.cfg.CountSlotBits()
	slot := slotOf(fp, fpIndex, slotBits)
	if slot >= b.firstExtendedLSlot {
		return false, ErrLSlotExtended
	}

	tens := b.decodeTens()
	ten := tens[slot]
	if ten == 0 {
		return false, nil
	}
	rankBase := b.payloadRankBase(tens, slot)
	tail := tailOf(fp, fpIndex)

	bst := CreateBST(b.bits.Get, b.GetLSlotStart(slot), ten)
	localRank := bst.Navigate(tail)
	rank := rankBase + localRank
	cand := b.payloads.At(rank)
	key, _, err := log.Read(cand.Offset)
	if err != nil {
		return false, err
	}
	if tailOf(hasher.Digest(key), fpIndex) != tail {
		return false, nil
	}

	bst.Remove(localRank)
	b.payloads.RemoveAt(rank)

	newTens := make([]uint, len(tens))
	copy(newTens, tens)
	newTens[slot] = bst.Ten()
	b.rebuildRegionAfterRemove(newTens, slot, bst)
	return true, nil
}

func (b *Block) rebuildRegionAfterRemove(newTens []uint, changedSlot uint, changedBst *Bst) {
	old := b.bits
	fresh := bitstore.New(b.cfg.N)

	for slot := uint(0); slot < b.cfg.CountSlot; slot++ {
		if newTens[slot] > 0 {
			fresh.Set(slot, true)
		}
	}
	pos := b.cfg.CountSlot
	for slot := uint(0); slot < b.cfg.CountSlot; slot++ {
		ten := newTens[slot]
		if ten == 0 {
			continue
		}
		for i := uint(0); i < ten-1; i++ {
			fresh.Set(pos, false)
			pos++
		}
		fresh.Set(pos, true)
		pos++
	}

	oldTens := b.decodeTens()
	oldStart := b.cfg.CountSlot
	for _, t := range oldTens {
		oldStart += t
	}
	for slot := uint(0); slot < b.cfg.CountSlot; slot++ {
		width := widthOf(oldTens[slot])
		oldStart += width
		ten := newTens[slot]
		if ten == 0 {
			continue
		}
		if slot == changedSlot {
			changedBst.start = pos
			written := changedBst.Serialize(func(i uint, v bool) { fresh.Set(i, v) })
			pos += written
			continue
		}
		oldStart := oldStart - width
		for i := uint(0); i < width; i++ {
			fresh.Set(pos+i, old.Get(oldStart+i))
		}
		pos += width
	}

	b.bits = fresh
}

// ExtractedEntry is one entry migrated out of a block's last primary slot
// during moveLSlotsToMakeSpace (§4.4).
type ExtractedEntry struct {
	Tail    uint64
	Payload payload.Payload
}

// ExtractLastPrimarySlot removes every entry of the current last primary
// slot (firstExtendedLSlot-1) and advances firstExtendedLSlot down by one,
// returning the removed entries so the caller (ExtensionBlock) can
// reinsert them elsewhere. It fails if firstExtendedLSlot is already 0.
func (b *Block) ExtractLastPrimarySlot(log sslog.Log, hasher hashing.Hasher, fpIndex uint) ([]ExtractedEntry, bool) {
	if b.firstExtendedLSlot == 0 {
		return nil, false
	}
	slot := b.firstExtendedLSlot - 1
	tens := b.decodeTens()
	ten := tens[slot]
	rankBase := b.payloadRankBase(tens, slot)

	entries := make([]ExtractedEntry, 0, ten)
	for i := uint(0); i < ten; i++ {
		p := b.payloads.At(rankBase + int(i))
		key, _, err := log.Read(p.Offset)
		tail := uint64(0)
		if err == nil {
			tail = tailOf(hasher.Digest(key), fpIndex)
		}
		entries = append(entries, ExtractedEntry{Tail: tail, Payload: p})
	}

	for i := uint(0); i < ten; i++ {
		b.payloads.RemoveAt(rankBase)
	}

	newTens := make([]uint, len(tens))
	copy(newTens, tens)
	newTens[slot] = 0
	b.rebuildRegionAfterRemove(newTens, slot, CreateBST(func(uint) bool { return false }, 0, 0))
	b.firstExtendedLSlot--
	return entries, true
}

// SlotEntries recovers every entry of slot, tail and payload, without
// mutating the block. Used by Segment.Expand to redistribute entries
// across child segments.
func (b *Block) SlotEntries(slot uint, log sslog.Log, hasher hashing.Hasher, fpIndex uint) []ExtractedEntry {
	tens := b.decodeTens()
	ten := tens[slot]
	if ten == 0 {
		return nil
	}
	rankBase := b.payloadRankBase(tens, slot)
	entries := make([]ExtractedEntry, 0, ten)
	for i := uint(0); i < ten; i++ {
		p := b.payloads.At(rankBase + int(i))
		key, _, err := log.Read(p.Offset)
		tail := uint64(0)
		if err == nil {
			tail = tailOf(hasher.Digest(key), fpIndex)
		}
		entries = append(entries, ExtractedEntry{Tail: tail, Payload: p})
	}
	return entries
}

// Replicate produces a deep, independent copy.
func (b *Block) Replicate() *Block {
	return &Block{
		cfg:                b.cfg,
		bits:                b.bits.Replicate(),
		payloads:            replicatePayloads(b.payloads),
		firstExtendedLSlot: b.firstExtendedLSlot,
	}
}

func replicatePayloads(l *payload.List) *payload.List {
	out := payload.NewList(l.Capacity())
	for i := 0; i < l.Len(); i++ {
		out.InsertAt(i, l.At(i))
	}
	return out
}

// --- GetIndex: three benchmarkable-equivalent implementations ----------

// GetIndexTrieWalk materialises the slot's trie via CreateBST and
// navigates it.
func (b *Block) GetIndexTrieWalk(fp uint64, fpIndex uint) (int, bool) {
	return b.getIndexCommon(fp, fpIndex, func(slot uint, tens []uint, rankBase int, tail uint64) int {
		bst := CreateBST(b.bits.Get, b.GetLSlotStart(slot), tens[slot])
		return rankBase + bst.Navigate(tail)
	})
}

// GetIndexBitScan walks the raw BitStore bit-by-bit, combining decode and
// navigation into a single streaming pass instead of materialising node
// objects -- a distinct code path that must agree with GetIndexTrieWalk
// on every input (§8 invariant 6).
func (b *Block) GetIndexBitScan(fp uint64, fpIndex uint) (int, bool) {
	return b.getIndexCommon(fp, fpIndex, func(slot uint, tens []uint, rankBase int, tail uint64) int {
		pos := b.GetLSlotStart(slot)
		base := 0
		depth := uint(0)
		for {
			isLeaf := b.bits.Get(pos)
			pos++
			if isLeaf {
				return rankBase + base
			}
			skip := uint(b.bits.Range(pos, pos+skipBits))
			pos += skipBits
			depth += skip
			leftCount := bitScanCountLeaves(b.bits, pos)
			if bitAt(tail, depth) == 0 {
				depth++
				continue
			}
			pos = bitScanSkipSubtree(b.bits, pos)
			base += leftCount
			depth++
		}
	})
}

// bitScanCountLeaves counts leaves of the subtree starting at pos without
// materialising it, by walking it structurally.
func bitScanCountLeaves(bits *bitstore.BitStore, pos uint) int {
	isLeaf := bits.Get(pos)
	if isLeaf {
		return 1
	}
	skipEnd := pos + 1 + skipBits
	leftEnd := bitScanEnd(bits, skipEnd)
	return bitScanCountLeavesFrom(bits, skipEnd, leftEnd) + bitScanCountLeavesFrom(bits, leftEnd, bitScanEnd(bits, leftEnd))
}

func bitScanCountLeavesFrom(bits *bitstore.BitStore, pos, end uint) int {
	// re-walks the subtree at pos to count its leaves; end is unused
	// beyond documenting the caller's expectation, since subtree width is
	// self-delimiting.
	_ = end
	if bits.Get(pos) {
		return 1
	}
	skipEnd := pos + 1 + skipBits
	leftEnd := bitScanEnd(bits, skipEnd)
	return bitScanCountLeavesFrom(bits, skipEnd, leftEnd) + bitScanCountLeavesFrom(bits, leftEnd, bitScanEnd(bits, leftEnd))
}

// bitScanEnd returns the bit offset one past the subtree starting at pos.
func bitScanEnd(bits *bitstore.BitStore, pos uint) uint {
	if bits.Get(pos) {
		return pos + 1
	}
	skipEnd := pos + 1 + skipBits
	leftEnd := bitScanEnd(bits, skipEnd)
	return bitScanEnd(bits, leftEnd)
}

// bitScanSkipSubtree returns the offset just past the subtree at pos,
// identical to bitScanEnd; named separately at the call site for clarity.
func bitScanSkipSubtree(bits *bitstore.BitStore, pos uint) uint {
	return bitScanEnd(bits, pos)
}

// GetIndexDHT is the DHT_EVERYTHING fast path. At the block level the
// trie's own shape is unaffected by DHT_EVERYTHING (only the extension's
// addressing scheme changes, see extensionblock), so it delegates to the
// trie-walk implementation; all three must still agree per §8 invariant 6.
func (b *Block) GetIndexDHT(fp uint64, fpIndex uint) (int, bool) {
	return b.GetIndexTrieWalk(fp, fpIndex)
}

// GetIndex dispatches to whichever of the three implementations cfg
// selects (§9 "compile-time specialisation").
func (b *Block) GetIndex(fp uint64, fpIndex uint) (int, bool) {
	switch b.cfg.ReadOffStrategy {
	case config.ReadOffBitScan:
		return b.GetIndexBitScan(fp, fpIndex)
	case config.ReadOffDHT:
		return b.GetIndexDHT(fp, fpIndex)
	default:
		return b.GetIndexTrieWalk(fp, fpIndex)
	}
}

func (b *Block) getIndexCommon(fp uint64, fpIndex uint, navigate func(slot uint, tens []uint, rankBase int, tail uint64) int) (int, bool) {
	slotBits := b.cfg.CountSlotBits()
	slot := slotOf(fp, fpIndex, slotBits)
	if slot >= b.firstExtendedLSlot {
		return 0, false
	}
	tens := b.decodeTens()
	if tens[slot] == 0 {
		return 0, false
	}
	rankBase := b.payloadRankBase(tens, slot)
	tail := tailOf(fp, fpIndex)
	return navigate(slot, tens, rankBase, tail), true
}
