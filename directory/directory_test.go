package directory

import (
	"encoding/binary"
	"fmt"
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

func TestDirectoryWriteReadRemoveNoSplit(t *testing.T) {
	cfg := config.Test()
	log := sslog.NewMemLog()
	dir := New(cfg, identityHasher{}, nil)
	defer dir.Close()

	slotBits := cfg.CountSlotBits()
	fpIndex := 2 * slotBits

	var fps []uint64
	for i := uint64(0); i < 10; i++ {
		fp := hashing.BuildFingerprint(i, 0, 0, fpIndex, slotBits, fmt.Sprintf("%06b", i))
		off, err := log.Write(hashing.KeyBytes(fp), putValue(i))
		if err != nil {
			t.Fatalf("log write: %v", err)
		}
		ok, err := dir.WriteSegmentSync(fp, log, payload.Payload{Offset: off})
		if err != nil || !ok {
			t.Fatalf("write %d: ok=%v err=%v", i, ok, err)
		}
		fps = append(fps, fp)
	}

	for i, fp := range fps {
		r, err := dir.ReadSegmentSync(fp, log)
		if err != nil || !r.Found {
			t.Fatalf("read %d: found=%v err=%v", i, r.Found, err)
		}
		_, v, err := log.Read(r.Payload.Offset)
		if err != nil {
			t.Fatalf("log read %d: %v", i, err)
		}
		if binary.LittleEndian.Uint64(v) != uint64(i) {
			t.Fatalf("value mismatch at %d: got %d", i, binary.LittleEndian.Uint64(v))
		}
	}

	for _, fp := range fps {
		removed, err := dir.RemoveSegmentSync(fp, log)
		if err != nil || !removed {
			t.Fatalf("remove: removed=%v err=%v", removed, err)
		}
	}
	if dir.IsActive() {
		t.Fatalf("directory reports active work after all futures resolved")
	}
}

// TestDirectoryGrowsUnderSustainedOverflow mirrors the directory-growth
// scenario (§8 S4): a directory seeded with one tiny-capacity segment is
// driven well past its capacity, forcing repeated double-then-expand
// rounds, and every written key must remain readable with its original
// value once the dust settles, with globalDepth strictly greater than its
// initial value.
func TestDirectoryGrowsUnderSustainedOverflow(t *testing.T) {
	cfg := config.Traits{
		CountSlot:                 4,
		N:                         256,
		PayloadsLength:            2,
		NumberExtraBits:           0,
		SegmentExtensionBlockSize: 2,
		SafetyPayloads:            1,
		DHTEverything:             false,
		ReadOffStrategy:           config.ReadOffTrieWalk,
		FingerprintSize:           40,
		NumThreads:                4,
	}
	log := sslog.NewMemLog()
	dir := New(cfg, identityHasher{}, nil)
	defer dir.Close()

	slotBits := cfg.CountSlotBits()
	fpIndex := 2 * slotBits

	const n = 20
	var fps [n]uint64
	for i := uint64(0); i < n; i++ {
		fp := hashing.BuildFingerprint(i%uint64(cfg.CountSlot), 0, (i/uint64(cfg.CountSlot))%uint64(cfg.CountSlot), fpIndex, slotBits, fmt.Sprintf("%08b", i))
		off, err := log.Write(hashing.KeyBytes(fp), putValue(i))
		if err != nil {
			t.Fatalf("log write %d: %v", i, err)
		}
		ok, err := dir.WriteSegmentSync(fp, log, payload.Payload{Offset: off})
		if err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
		if !ok {
			t.Fatalf("write %d: split retries could not make room", i)
		}
		fps[i] = fp
	}

	for i := uint64(0); i < n; i++ {
		r, err := dir.ReadSegmentSync(fps[i], log)
		if err != nil {
			t.Fatalf("read %d: %v", i, err)
		}
		if !r.Found {
			t.Fatalf("read %d: key lost after directory growth", i)
		}
		_, v, err := log.Read(r.Payload.Offset)
		if err != nil {
			t.Fatalf("log read %d: %v", i, err)
		}
		if binary.LittleEndian.Uint64(v) != i {
			t.Fatalf("value mismatch at %d: got %d", i, binary.LittleEndian.Uint64(v))
		}
	}

	if dir.GlobalDepth() == 0 {
		t.Fatalf("expected directory to have grown past its initial depth")
	}
}
