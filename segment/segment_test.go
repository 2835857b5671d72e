package segment

import (
	"encoding/binary"
	"testing"

	"github.com/flashindex/fpindex/config"
	"github.com/flashindex/fpindex/hashing"
	"github.com/flashindex/fpindex/payload"
	"github.com/flashindex/fpindex/sslog"
)

type identityHasher struct{}

func (identityHasher) Digest(key []byte) uint64 {
	var b [8]byte
	copy(b[:], key)
	return binary.LittleEndian.Uint64(b[:])
}

func putValue(v uint64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return b[:]
}

func TestSegmentWriteReadRemove(t *testing.T) {
	cfg := config.Test()
	log := sslog.NewMemLog()
	const fpIndex = 2 * 8 // well above 2*CountSlotBits for Test()'s CountSlot

	seg := New(cfg, fpIndex, identityHasher{})
	slotBits := cfg.CountSlotBits()

	var fps []uint64
	for i := uint64(0); i < 20; i++ {
		fp := hashing.BuildFingerprint(i%uint64(cfg.CountSlot), 0, i%2, fpIndex, slotBits, "1")
		key := hashing.KeyBytes(fp)
		off, err := log.Write(key, putValue(i))
		if err != nil {
			t.Fatalf("log write: %v", err)
		}
		ok, err := seg.Write(fp, log, payload.Payload{Offset: off})
		if err != nil {
			t.Fatalf("segment write %d: %v", i, err)
		}
		if !ok {
			t.Fatalf("segment write %d: not ok", i)
		}
		fps = append(fps, fp)
	}

	for i, fp := range fps {
		p, found, err := seg.Read(fp, log)
		if err != nil {
			t.Fatalf("read %d: %v", i, err)
		}
		if !found {
			t.Fatalf("read %d: not found", i)
		}
		_, v, err := log.Read(p.Offset)
		if err != nil {
			t.Fatalf("log read %d: %v", i, err)
		}
		if binary.LittleEndian.Uint64(v) != uint64(i) {
			t.Fatalf("value mismatch at %d: got %d", i, binary.LittleEndian.Uint64(v))
		}
	}

	for i, fp := range fps {
		removed, err := seg.Remove(fp, log)
		if err != nil || !removed {
			t.Fatalf("remove %d: removed=%v err=%v", i, removed, err)
		}
	}
	if seg.TenAll() != 0 {
		t.Fatalf("TenAll after full removal = %d, want 0", seg.TenAll())
	}
}

func TestSegmentExpandConservesCountAndMapping(t *testing.T) {
	cfg := config.Test()
	log := sslog.NewMemLog()
	const fpIndex = 16

	seg := New(cfg, fpIndex, identityHasher{})
	slotBits := cfg.CountSlotBits()

	type entry struct {
		fp       uint64
		val      uint64
		blockIdx uint64
	}
	var entries []entry
	for i := uint64(0); i < 24; i++ {
		// blockIdx's low bit is what Expand uses to choose a child (it is
		// the new low-order directory bit a split introduces); slot varies
		// with i so every entry lands in its own (blockIdx, slot) pair.
		blockIdx := i % 2
		slot := i / 2
		fp := hashing.BuildFingerprint(slot, 0, blockIdx, fpIndex, slotBits, "1")
		key := hashing.KeyBytes(fp)
		off, err := log.Write(key, putValue(i))
		if err != nil {
			t.Fatalf("log write: %v", err)
		}
		ok, err := seg.Write(fp, log, payload.Payload{Offset: off})
		if err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
		if !ok {
			t.Fatalf("write %d: not ok", i)
		}
		entries = append(entries, entry{fp: fp, val: i, blockIdx: blockIdx})
	}

	before := seg.TenAll()

	child0, child1, err := seg.Expand(log)
	if err != nil {
		t.Fatalf("expand: %v", err)
	}

	after := child0.TenAll() + child1.TenAll()
	if after != before {
		t.Fatalf("expand did not conserve count: before=%d after=%d", before, after)
	}

	for _, e := range entries {
		child := child0
		if e.blockIdx&1 == 1 {
			child = child1
		}
		p, found, err := child.Read(e.fp, log)
		if err != nil {
			t.Fatalf("child read for val %d: %v", e.val, err)
		}
		if !found {
			t.Fatalf("entry for val %d not found in expected child", e.val)
		}
		_, v, err := log.Read(p.Offset)
		if err != nil {
			t.Fatalf("log read for val %d: %v", e.val, err)
		}
		if binary.LittleEndian.Uint64(v) != e.val {
			t.Fatalf("value mismatch after expand for val %d: got %d", e.val, binary.LittleEndian.Uint64(v))
		}

		other := child1
		if e.blockIdx&1 == 1 {
			other = child0
		}
		if _, found, _ := other.Read(e.fp, log); found {
			t.Fatalf("entry for val %d present in both children", e.val)
		}
	}
}

func TestSegmentExpandAtFingerprintCeilingFails(t *testing.T) {
	cfg := config.Test()
	log := sslog.NewMemLog()
	seg := New(cfg, cfg.FingerprintSize-1, identityHasher{})
	if _, _, err := seg.Expand(log); err != ErrSplitImpossible {
		t.Fatalf("expected ErrSplitImpossible, got %v", err)
	}
}

func TestSegmentReplicateIsIndependent(t *testing.T) {
	cfg := config.Test()
	log := sslog.NewMemLog()
	const fpIndex = 16
	slotBits := cfg.CountSlotBits()

	seg := New(cfg, fpIndex, identityHasher{})
	fp := hashing.BuildFingerprint(1, 0, 0, fpIndex, slotBits, "1")
	off, err := log.Write(hashing.KeyBytes(fp), putValue(7))
	if err != nil {
		t.Fatalf("log write: %v", err)
	}
	if ok, err := seg.Write(fp, log, payload.Payload{Offset: off}); err != nil || !ok {
		t.Fatalf("seed write: ok=%v err=%v", ok, err)
	}

	clone := seg.Replicate()

	fp2 := hashing.BuildFingerprint(2, 0, 0, fpIndex, slotBits, "1")
	off2, err := log.Write(hashing.KeyBytes(fp2), putValue(9))
	if err != nil {
		t.Fatalf("log write 2: %v", err)
	}
	if ok, err := seg.Write(fp2, log, payload.Payload{Offset: off2}); err != nil || !ok {
		t.Fatalf("post-clone write: ok=%v err=%v", ok, err)
	}

	if _, found, _ := clone.Read(fp2, log); found {
		t.Fatalf("clone observed a write made to the original after Replicate")
	}
	if _, found, err := clone.Read(fp, log); err != nil || !found {
		t.Fatalf("clone missing pre-existing entry: found=%v err=%v", found, err)
	}
}
