// Package extensionblock implements the overflow layer that absorbs the
// trailing logical slots a primary block could no longer fit (§4.4). Two
// layouts are supported per config.Traits.DHTEverything: a pool of shared
// ExtensionBlocks addressed by (primaryBlockIdx, lslotBefore), or one
// lazily-allocated secondary Block per primary addressed by a relative
// slot index.
package extensionblock

import (
	"errors"

	"github.com/bits-and-blooms/bitset"

	"github.com/flashindex/fpindex/block"
	"github.com/flashindex/fpindex/config"
	"github.com/flashindex/fpindex/hashing"
	"github.com/flashindex/fpindex/payload"
	"github.com/flashindex/fpindex/sslog"
)

// ErrPoolFull is returned when no extension block in the pool has a free
// physical slot and the primary itself is exhausted.
var ErrPoolFull = errors.New("extensionblock: pool is full")

// ExtensionBlock holds one Block plus owner, a CountSlot-wide tag array
// (the original's lslotSizesBW) recording, for each occupied physical slot, which primary block
// owns it -- the indirection that lets extension space be pooled across
// many primaries (§3's ExtensionBlock data model).
type ExtensionBlock struct {
	cfg    config.Traits
	blk    *block.Block
	owner  []int32 // owner[physicalSlot] = primaryBlockIdx, -1 if free
	occupied *bitset.BitSet
}

const noOwner = -1

func newExtensionBlock(cfg config.Traits) *ExtensionBlock {
	owner := make([]int32, cfg.CountSlot)
	for i := range owner {
		owner[i] = noOwner
	}
	return &ExtensionBlock{
		cfg:      cfg,
		blk:      block.New(cfg),
		owner:    owner,
		occupied: bitset.New(uint(cfg.CountSlot)),
	}
}

// Replicate deep-copies eb: its block contents, owner tags and occupancy
// bitset are all independent of eb after this call returns.
func (eb *ExtensionBlock) Replicate() *ExtensionBlock {
	owner := make([]int32, len(eb.owner))
	copy(owner, eb.owner)
	return &ExtensionBlock{
		cfg:      eb.cfg,
		blk:      eb.blk.Replicate(),
		owner:    owner,
		occupied: eb.occupied.Clone(),
	}
}

// CalculateExtendedBlockIndex is CALCULATE_EXTENDED_BLOCK_INDEX: a stable
// function of (primaryBlockIdx, slotBefore) choosing which pool member a
// migrated slot belongs to.
func CalculateExtendedBlockIndex(primaryBlockIdx, slotBefore uint, poolSize uint) uint {
	return (primaryBlockIdx*31 + slotBefore) % poolSize
}

// Pool is the fixed pool of ExtensionBlocks a segment owns when
// DHTEverything is false.
type Pool struct {
	cfg    config.Traits
	blocks []*ExtensionBlock
}

// NewPool allocates SegmentExtensionBlockSize empty extension blocks.
func NewPool(cfg config.Traits) *Pool {
	p := &Pool{cfg: cfg, blocks: make([]*ExtensionBlock, cfg.SegmentExtensionBlockSize)}
	for i := range p.blocks {
		p.blocks[i] = newExtensionBlock(cfg)
	}
	return p
}

func (p *Pool) Size() uint { return uint(len(p.blocks)) }

// Replicate deep-copies every pooled ExtensionBlock, so the clone shares no
// state with p.
func (p *Pool) Replicate() *Pool {
	out := &Pool{cfg: p.cfg, blocks: make([]*ExtensionBlock, len(p.blocks))}
	for i, eb := range p.blocks {
		out.blocks[i] = eb.Replicate()
	}
	return out
}

// calculatePhysicalLSlotIndex returns the physical slot inside eb holding
// (primaryIdx, lslotBefore), or -1 if absent. An O(CountSlot) scan is
// acceptable per §4.4.
func (eb *ExtensionBlock) calculatePhysicalLSlotIndex(primaryIdx uint, lslotBefore uint) int {
	for phys, owner := range eb.owner {
		if owner == int32(primaryIdx) && uint(phys) == lslotBefore {
			return phys
		}
	}
	return -1
}

// MoveLSlotsToMakeSpace migrates the current last occupied logical slot of
// primary into a free physical slot of one of the pool's extension
// blocks, advancing primary.firstExtendedLSlot downward (§4.4). It fails
// (ErrPoolFull) without touching primary if the primary has no slot left
// to migrate, or if the one pool member CalculateExtendedBlockIndex
// designates for this (primary, slot) pair already has that physical slot
// owned by a different primary.
func (p *Pool) MoveLSlotsToMakeSpace(primary *block.Block, primaryIdx uint, log sslog.Log, hasher hashing.Hasher, fpIndex uint) error {
	if primary.FirstExtendedLSlot() == 0 {
		return ErrPoolFull
	}
	slotBefore := primary.FirstExtendedLSlot() - 1 // the slot about to be migrated

	exIdx := CalculateExtendedBlockIndex(primaryIdx, slotBefore, p.Size())
	eb := p.blocks[exIdx]
	phys := int(slotBefore)
	if eb.owner[phys] != noOwner && eb.owner[phys] != int32(primaryIdx) {
		return ErrPoolFull
	}
	entries, ok := primary.ExtractLastPrimarySlot(log, hasher, fpIndex)
	if !ok {
		return ErrPoolFull
	}
	eb.owner[phys] = int32(primaryIdx)
	eb.occupied.Set(uint(phys))

	for _, e := range entries {
		fp := reconstructFP(e.Tail, fpIndex, phys, eb.cfg.CountSlotBits())
		status, err := eb.blk.Write(fp, log, hasher, fpIndex, e.Payload, false)
		if err != nil {
			return err
		}
		if status != block.StatusSuccessful {
			return ErrPoolFull
		}
	}
	return nil
}

// reconstructFP rebuilds a fingerprint whose slot field equals phys and
// whose tail equals tail, for routing the migrated entries into the
// extension block's own primary-shaped Block (whose slot index is the
// physical slot, not the original logical one).
func reconstructFP(tail uint64, fpIndex uint, phys int, slotBits uint) uint64 {
	return (uint64(phys) << (fpIndex - slotBits)) | (tail << fpIndex)
}

// Read looks up (primaryIdx, lslot) in the pool.
func (p *Pool) Read(primaryIdx uint, lslot uint, fp uint64, log sslog.Log, hasher hashing.Hasher, fpIndex uint) (payload.Payload, bool, error) {
	exIdx := CalculateExtendedBlockIndex(primaryIdx, lslot, p.Size())
	eb := p.blocks[exIdx]
	phys := eb.calculatePhysicalLSlotIndex(primaryIdx, lslot)
	if phys < 0 {
		return payload.Payload{}, false, nil
	}
	slotBits := eb.cfg.CountSlotBits()
	routed := reconstructFP(tailOf(fp, fpIndex), fpIndex, phys, slotBits)
	return eb.blk.Read(routed, log, hasher, fpIndex)
}

// Remove mirrors Read.
func (p *Pool) Remove(primaryIdx uint, lslot uint, fp uint64, log sslog.Log, hasher hashing.Hasher, fpIndex uint) (bool, error) {
	exIdx := CalculateExtendedBlockIndex(primaryIdx, lslot, p.Size())
	eb := p.blocks[exIdx]
	phys := eb.calculatePhysicalLSlotIndex(primaryIdx, lslot)
	if phys < 0 {
		return false, nil
	}
	slotBits := eb.cfg.CountSlotBits()
	routed := reconstructFP(tailOf(fp, fpIndex), fpIndex, phys, slotBits)
	return eb.blk.Remove(routed, log, hasher, fpIndex)
}

// Write inserts fp into the extension block addressed by (primaryIdx,
// lslot), after the slot has already been migrated via
// MoveLSlotsToMakeSpace.
func (p *Pool) Write(primaryIdx uint, lslot uint, fp uint64, log sslog.Log, hasher hashing.Hasher, fpIndex uint, pld payload.Payload) (block.WriteStatus, error) {
	exIdx := CalculateExtendedBlockIndex(primaryIdx, lslot, p.Size())
	eb := p.blocks[exIdx]
	phys := eb.calculatePhysicalLSlotIndex(primaryIdx, lslot)
	if phys < 0 {
		return block.StatusNotEnoughBlockSpace, ErrPoolFull
	}
	slotBits := eb.cfg.CountSlotBits()
	routed := reconstructFP(tailOf(fp, fpIndex), fpIndex, phys, slotBits)
	return eb.blk.Write(routed, log, hasher, fpIndex, pld, false)
}

// EntriesFor recovers every entry migrated from (primaryIdx, lslot),
// without mutating the pool. Used by Segment.Expand.
func (p *Pool) EntriesFor(primaryIdx uint, lslot uint, log sslog.Log, hasher hashing.Hasher, fpIndex uint) []block.ExtractedEntry {
	exIdx := CalculateExtendedBlockIndex(primaryIdx, lslot, p.Size())
	eb := p.blocks[exIdx]
	phys := eb.calculatePhysicalLSlotIndex(primaryIdx, lslot)
	if phys < 0 {
		return nil
	}
	return eb.blk.SlotEntries(uint(phys), log, hasher, fpIndex)
}

func tailOf(fp uint64, fpIndex uint) uint64 {
	if fpIndex >= 64 {
		return 0
	}
	return fp >> fpIndex
}

// --- DHT_EVERYTHING variant ---------------------------------------------

// Secondary is the DHT_EVERYTHING per-primary overflow block, indexed by
// the relative slot index lslot - firstExtendedLSlot (§4.4).
type Secondary struct {
	cfg config.Traits
	blk *block.Block
}

// NewSecondary lazily constructs a secondary block for one primary.
func NewSecondary(cfg config.Traits) *Secondary {
	return &Secondary{cfg: cfg, blk: block.New(cfg)}
}

// Replicate deep-copies s's underlying block.
func (s *Secondary) Replicate() *Secondary {
	return &Secondary{cfg: s.cfg, blk: s.blk.Replicate()}
}

func (s *Secondary) relativeFP(fp uint64, fpIndex uint, firstExtendedLSlot uint, absoluteLSlot uint) uint64 {
	slotBits := s.cfg.CountSlotBits()
	relative := absoluteLSlot - firstExtendedLSlot
	return (uint64(relative) << (fpIndex - slotBits)) | (tailOf(fp, fpIndex) << fpIndex)
}

func (s *Secondary) Write(fp uint64, fpIndex uint, firstExtendedLSlot uint, absoluteLSlot uint, log sslog.Log, hasher hashing.Hasher, pld payload.Payload) (block.WriteStatus, error) {
	routed := s.relativeFP(fp, fpIndex, firstExtendedLSlot, absoluteLSlot)
	return s.blk.Write(routed, log, hasher, fpIndex, pld, false)
}

func (s *Secondary) Read(fp uint64, fpIndex uint, firstExtendedLSlot uint, absoluteLSlot uint, log sslog.Log, hasher hashing.Hasher) (payload.Payload, bool, error) {
	routed := s.relativeFP(fp, fpIndex, firstExtendedLSlot, absoluteLSlot)
	return s.blk.Read(routed, log, hasher, fpIndex)
}

func (s *Secondary) Remove(fp uint64, fpIndex uint, firstExtendedLSlot uint, absoluteLSlot uint, log sslog.Log, hasher hashing.Hasher) (bool, error) {
	routed := s.relativeFP(fp, fpIndex, firstExtendedLSlot, absoluteLSlot)
	return s.blk.Remove(routed, log, hasher, fpIndex)
}

// Entries recovers every entry held at absoluteLSlot, without mutating s.
func (s *Secondary) Entries(fpIndex uint, firstExtendedLSlot uint, absoluteLSlot uint, log sslog.Log, hasher hashing.Hasher) []block.ExtractedEntry {
	relative := absoluteLSlot - firstExtendedLSlot
	return s.blk.SlotEntries(relative, log, hasher, fpIndex)
}
