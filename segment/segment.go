// Package segment implements the unit the directory routes to: COUNT_SLOT
// primary blocks plus a fixed extension pool (or, in DHT_EVERYTHING mode,
// lazily-allocated per-block secondaries), and the in-place expand that
// splits a segment into two children when it runs out of room (§4.5).
package segment

import (
	"errors"
	"sync"

	"github.com/bits-and-blooms/bloom/v3"

	"github.com/flashindex/fpindex/block"
	"github.com/flashindex/fpindex/config"
	"github.com/flashindex/fpindex/extensionblock"
	"github.com/flashindex/fpindex/hashing"
	"github.com/flashindex/fpindex/payload"
	"github.com/flashindex/fpindex/sslog"
)

// ErrSplitImpossible is SplitImpossible from §7: the fingerprint space is
// exhausted at this depth, so expand cannot make progress. It is fatal.
var ErrSplitImpossible = errors.New("segment: fingerprint space exhausted, cannot split further")

// Segment owns CountSlot primary blocks plus an extension layer, routed
// by the two CountSlotBits-wide fields of the fingerprint immediately
// below FPIndex: the block field, then the slot field (§3, §4.5).
type Segment struct {
	cfg     config.Traits
	hasher  hashing.Hasher
	fpIndex uint

	mu        sync.Mutex
	primaries []*block.Block

	pool        *extensionblock.Pool        // non-nil unless cfg.DHTEverything
	secondaries []*extensionblock.Secondary // len CountSlot, lazily filled when cfg.DHTEverything

	// bloom is a per-segment fast-reject filter over every key ever
	// written, consulted before paying for a primary-block descent on a
	// likely miss. False positives just fall through to the real lookup;
	// it is never consulted to decide a positive result.
	bloom *bloom.BloomFilter
}

// New allocates an empty segment at fpIndex (the bit position immediately
// above its block+slot fields).
func New(cfg config.Traits, fpIndex uint, hasher hashing.Hasher) *Segment {
	s := &Segment{
		cfg:       cfg,
		hasher:    hasher,
		fpIndex:   fpIndex,
		primaries: make([]*block.Block, cfg.CountSlot),
		bloom:     bloom.NewWithEstimates(uint(cfg.CountSlot)*uint(cfg.PayloadsLength), 0.01),
	}
	for i := range s.primaries {
		s.primaries[i] = block.New(cfg)
	}
	if cfg.DHTEverything {
		s.secondaries = make([]*extensionblock.Secondary, cfg.CountSlot)
	} else {
		s.pool = extensionblock.NewPool(cfg)
	}
	return s
}

func (s *Segment) route(fp uint64) (blockIdx, slotIdx uint) {
	slotBits := s.cfg.CountSlotBits()
	blockIdx = uint((fp >> (s.fpIndex - 2*slotBits)) & ((uint64(1) << slotBits) - 1))
	slotIdx = uint((fp >> (s.fpIndex - slotBits)) & ((uint64(1) << slotBits) - 1))
	return
}

func bloomKey(fp uint64) []byte {
	return hashing.KeyBytes(fp)
}

// Write dispatches to the primary block, falling back to the extension
// layer on LslotExtended, and retrying once (after moveLSlotsToMakeSpace)
// on space exhaustion (§4.5). ok=false means the segment is full even
// after that bounded retry; the caller (Directory) must split.
func (s *Segment) Write(fp uint64, log sslog.Log, pld payload.Payload) (ok bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	blockIdx, slotIdx := s.route(fp)
	primary := s.primaries[blockIdx]

	status, werr := primary.Write(fp, log, s.hasher, s.fpIndex, pld, false)
	if werr != nil && !errors.Is(werr, block.ErrNotEnoughBlockSpace) && !errors.Is(werr, block.ErrNotEnoughPayloadSpace) {
		return false, werr
	}

	switch status {
	case block.StatusSuccessful:
		s.bloom.Add(bloomKey(fp))
		return true, nil

	case block.StatusLSlotExtended:
		ok, err := s.writeExtension(blockIdx, slotIdx, fp, log, pld)
		if ok {
			s.bloom.Add(bloomKey(fp))
		}
		return ok, err

	default: // NotEnoughBlockSpace or NotEnoughPayloadSpace
		if err := s.tryMakeSpace(blockIdx, primary, log); err != nil {
			return false, nil
		}
		status, werr = primary.Write(fp, log, s.hasher, s.fpIndex, pld, false)
		if werr != nil && !errors.Is(werr, block.ErrNotEnoughBlockSpace) && !errors.Is(werr, block.ErrNotEnoughPayloadSpace) {
			return false, werr
		}
		switch status {
		case block.StatusSuccessful:
			s.bloom.Add(bloomKey(fp))
			return true, nil
		case block.StatusLSlotExtended:
			ok, err := s.writeExtension(blockIdx, slotIdx, fp, log, pld)
			if ok {
				s.bloom.Add(bloomKey(fp))
			}
			return ok, err
		default:
			// Bounded once: a second space failure propagates as a
			// split signal (§4.5, §4.6 step 3).
			return false, nil
		}
	}
}

func (s *Segment) tryMakeSpace(blockIdx uint, primary *block.Block, log sslog.Log) error {
	if s.cfg.DHTEverything {
		// The DHT_EVERYTHING layout has no pool: the primary's last
		// primary slot is extracted and its entries are written into this
		// primary's secondary block, which is allocated here on first use.
		// It escalates (ErrPoolFull) when the primary has no slot left to
		// give up or the secondary rejects an entry.
		if primary.FirstExtendedLSlot() == 0 {
			return extensionblock.ErrPoolFull
		}
		entries, ok := primary.ExtractLastPrimarySlot(log, s.hasher, s.fpIndex)
		if !ok {
			return extensionblock.ErrPoolFull
		}
		migratedSlot := primary.FirstExtendedLSlot() // post-extraction value: the slot just migrated
		if s.secondaries[blockIdx] == nil {
			s.secondaries[blockIdx] = extensionblock.NewSecondary(s.cfg)
		}
		sec := s.secondaries[blockIdx]
		for _, e := range entries {
			fp := e.Tail << s.fpIndex
			status, werr := sec.Write(fp, s.fpIndex, migratedSlot, migratedSlot, log, s.hasher, e.Payload)
			if werr != nil {
				return werr
			}
			if status != block.StatusSuccessful {
				return extensionblock.ErrPoolFull
			}
		}
		return nil
	}
	return s.pool.MoveLSlotsToMakeSpace(primary, blockIdx, log, s.hasher, s.fpIndex)
}

func (s *Segment) writeExtension(blockIdx, slotIdx uint, fp uint64, log sslog.Log, pld payload.Payload) (bool, error) {
	if s.cfg.DHTEverything {
		sec := s.secondaries[blockIdx]
		if sec == nil {
			return false, nil
		}
		firstExtended := s.primaries[blockIdx].FirstExtendedLSlot()
		status, err := sec.Write(fp, s.fpIndex, firstExtended, slotIdx, log, s.hasher, pld)
		return status == block.StatusSuccessful, err
	}
	status, err := s.pool.Write(blockIdx, slotIdx, fp, log, s.hasher, s.fpIndex, pld)
	return status == block.StatusSuccessful, err
}

// Read dispatches to the primary, falling back to the extension layer.
func (s *Segment) Read(fp uint64, log sslog.Log) (payload.Payload, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.bloom.Test(bloomKey(fp)) {
		return payload.Payload{}, false, nil
	}

	blockIdx, slotIdx := s.route(fp)
	primary := s.primaries[blockIdx]
	p, found, err := primary.Read(fp, log, s.hasher, s.fpIndex)
	if err == nil {
		return p, found, nil
	}
	if !errors.Is(err, block.ErrLSlotExtended) {
		return payload.Payload{}, false, err
	}

	if s.cfg.DHTEverything {
		sec := s.secondaries[blockIdx]
		if sec == nil {
			return payload.Payload{}, false, nil
		}
		firstExtended := primary.FirstExtendedLSlot()
		return sec.Read(fp, s.fpIndex, firstExtended, slotIdx, log, s.hasher)
	}
	return s.pool.Read(blockIdx, slotIdx, fp, log, s.hasher, s.fpIndex)
}

// Remove dispatches to the primary, falling back to the extension layer.
func (s *Segment) Remove(fp uint64, log sslog.Log) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	blockIdx, slotIdx := s.route(fp)
	primary := s.primaries[blockIdx]
	removed, err := primary.Remove(fp, log, s.hasher, s.fpIndex)
	if err == nil {
		return removed, nil
	}
	if !errors.Is(err, block.ErrLSlotExtended) {
		return false, err
	}

	if s.cfg.DHTEverything {
		sec := s.secondaries[blockIdx]
		if sec == nil {
			return false, nil
		}
		firstExtended := primary.FirstExtendedLSlot()
		return sec.Remove(fp, s.fpIndex, firstExtended, slotIdx, log, s.hasher)
	}
	return s.pool.Remove(blockIdx, slotIdx, fp, log, s.hasher, s.fpIndex)
}

// TenAll returns the total live entry count across every primary block
// (extension-resident entries were already subtracted from their
// primary's count when migrated, so they must be added back by callers
// that need a segment-wide total including the extension layer; Segment
// itself does not track that count separately, mirroring the original's
// get_ten_all semantics of summing primaries).
func (s *Segment) TenAll() uint {
	s.mu.Lock()
	defer s.mu.Unlock()
	var total uint
	for _, p := range s.primaries {
		total += p.TenAll()
	}
	return total
}

// UniqueBlocks returns the number of distinct extension blocks actually
// allocated in the DHT_EVERYTHING layout (zero in pooled mode, where the
// pool size is fixed at construction and reported via config instead).
func (s *Segment) UniqueBlocks() uint {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.cfg.DHTEverything {
		return 0
	}
	var n uint
	for _, sec := range s.secondaries {
		if sec != nil {
			n++
		}
	}
	return n
}

// Expand splits the segment into two children at FPIndex+1, consuming one
// more fingerprint bit (§4.5). Every entry is written into exactly one
// child; s itself is not modified, so it still holds every entry when
// Expand fails. The children are returned ready for the directory to
// install in place of s.
func (s *Segment) Expand(log sslog.Log) (child0, child1 *Segment, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.fpIndex+1 >= s.cfg.FingerprintSize {
		return nil, nil, ErrSplitImpossible
	}

	child0 = New(s.cfg, s.fpIndex+1, s.hasher)
	child1 = New(s.cfg, s.fpIndex+1, s.hasher)
	slotBits := s.cfg.CountSlotBits()
	half := s.cfg.CountSlot / 2
	realFPs := map[*Segment][]uint64{}

	moveEntry := func(blockIdx, slot uint, e block.ExtractedEntry) error {
		firstBit := e.Tail & 1
		tailRest := e.Tail >> 1
		newBlockIdx := calculateNewBlockIndex(blockIdx, slot, half)
		newSlotIdx := calculateNewLSlotIndex(slot, firstBit, half)
		// The child is chosen by the low bit of the *old* block index --
		// precisely the new low-order directory bit the caller's split
		// just introduced (directory.dirIdxLocked masks fp's low
		// globalDepth bits, and blockIdx already occupies bit 0 of that
		// range for an unsplit segment). firstBit only selects which half
		// of the new, doubled slot space the entry lands in within that
		// child; it never selects the child itself.
		child := child0
		if blockIdx&1 == 1 {
			child = child1
		}
		composed := composeFP(newBlockIdx, newSlotIdx, tailRest, s.fpIndex+1, slotBits)
		ok, werr := child.Write(composed, log, e.Payload)
		if werr != nil {
			return werr
		}
		if !ok {
			return ErrSplitImpossible
		}

		// child.Write just seeded its bloom filter with bloomKey(composed).
		// composed has its low routing bits zeroed, so it can coincide with
		// the real fingerprint of an entry that belongs to the other child.
		// Recover the actual fingerprint from the log (the same oracle
		// SlotEntries used to recover e.Tail); each child's filter is
		// rebuilt from these real fingerprints alone once every entry is
		// placed.
		if key, _, rerr := log.Read(e.Payload.Offset); rerr == nil {
			realFP := s.hasher.Digest(key)
			if s.cfg.FingerprintSize < 64 {
				realFP &= (uint64(1) << s.cfg.FingerprintSize) - 1
			}
			realFPs[child] = append(realFPs[child], realFP)
		}
		return nil
	}

	for blockIdx := uint(0); blockIdx < s.cfg.CountSlot; blockIdx++ {
		primary := s.primaries[blockIdx]
		firstExtended := primary.FirstExtendedLSlot()

		for slot := uint(0); slot < firstExtended; slot++ {
			for _, e := range primary.SlotEntries(slot, log, s.hasher, s.fpIndex) {
				if err := moveEntry(blockIdx, slot, e); err != nil {
					return nil, nil, err
				}
			}
		}
		for slot := firstExtended; slot < s.cfg.CountSlot; slot++ {
			var entries []block.ExtractedEntry
			if s.cfg.DHTEverything {
				if sec := s.secondaries[blockIdx]; sec != nil {
					entries = sec.Entries(s.fpIndex, firstExtended, slot, log, s.hasher)
				}
			} else {
				entries = s.pool.EntriesFor(blockIdx, slot, log, s.hasher, s.fpIndex)
			}
			for _, e := range entries {
				if err := moveEntry(blockIdx, slot, e); err != nil {
					return nil, nil, err
				}
			}
		}
	}

	for _, child := range []*Segment{child0, child1} {
		child.bloom = bloom.NewWithEstimates(uint(s.cfg.CountSlot)*uint(s.cfg.PayloadsLength), 0.01)
		for _, fp := range realFPs[child] {
			child.bloom.Add(bloomKey(fp))
		}
	}

	return child0, child1, nil
}

// calculateNewBlockIndex and calculateNewLSlotIndex are CALCULATE_NEW_BLOCK_IDX
// / CALCULATE_NEW_LSLOT_IDX from the original expand routine (§4.5 step 3):
// the old block/slot coordinates are halved and the freed high bit is used
// to interleave entries from odd and even slots across the doubled block
// space, keeping both children's primaries evenly loaded.
func calculateNewBlockIndex(oldBlockIdx, oldSlot, half uint) uint {
	return (oldBlockIdx / 2) + half*(oldSlot&1)
}

func calculateNewLSlotIndex(oldSlot uint, firstBit uint64, half uint) uint {
	return (oldSlot / 2) + half*uint(firstBit)
}

// composeFP rebuilds a fingerprint with blockIdx/slotIdx/tail placed at
// the bit fields a block at fpIndexPrime expects, leaving lower bits zero
// (segment-routing bits below the new block field are not consulted by
// Block, only by the directory that already dispatched here).
func composeFP(blockIdx, slotIdx uint, tail uint64, fpIndexPrime uint, slotBits uint) uint64 {
	return (uint64(blockIdx) << (fpIndexPrime - 2*slotBits)) |
		(uint64(slotIdx) << (fpIndexPrime - slotBits)) |
		(tail << fpIndexPrime)
}

// Replicate produces a segment whose bit contents are independent copies
// of s, used when a snapshot is needed without disturbing s itself.
func (s *Segment) Replicate() *Segment {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := New(s.cfg, s.fpIndex, s.hasher)
	for i, p := range s.primaries {
		out.primaries[i] = p.Replicate()
	}
	out.bloom = s.bloom.Copy()
	if s.cfg.DHTEverything {
		for i, sec := range s.secondaries {
			if sec != nil {
				out.secondaries[i] = sec.Replicate()
			}
		}
	} else {
		out.pool = s.pool.Replicate()
	}
	return out
}

// FPIndex exposes the segment's fingerprint bit position (the bit just
// above its block and slot fields).
func (s *Segment) FPIndex() uint { return s.fpIndex }
