package extensionblock

import (
	"encoding/binary"
	"testing"

	"github.com/flashindex/fpindex/block"
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

func TestMoveLSlotsToMakeSpaceThenRoundTrip(t *testing.T) {
	cfg := config.Test()
	log := sslog.NewMemLog()
	const fpIndex = 20
	slotBits := cfg.CountSlotBits()

	primary := block.New(cfg)
	lastSlot := cfg.CountSlot - 1
	fp := hashing.BuildFingerprint(uint64(lastSlot), 0, 0, fpIndex, slotBits, "11")
	off, err := log.Write(hashing.KeyBytes(fp), []byte("value"))
	if err != nil {
		t.Fatalf("log write: %v", err)
	}
	status, err := primary.Write(fp, log, identityHasher{}, fpIndex, payload.Payload{Offset: off}, false)
	if err != nil || status != block.StatusSuccessful {
		t.Fatalf("seed write: status=%v err=%v", status, err)
	}

	pool := NewPool(cfg)
	const primaryIdx = uint(3)
	if err := pool.MoveLSlotsToMakeSpace(primary, primaryIdx, log, identityHasher{}, fpIndex); err != nil {
		t.Fatalf("MoveLSlotsToMakeSpace: %v", err)
	}
	if primary.FirstExtendedLSlot() != lastSlot {
		t.Fatalf("firstExtendedLSlot = %d, want %d", primary.FirstExtendedLSlot(), lastSlot)
	}

	p, found, err := pool.Read(primaryIdx, lastSlot, fp, log, identityHasher{}, fpIndex)
	if err != nil {
		t.Fatalf("pool read: %v", err)
	}
	if !found {
		t.Fatalf("migrated entry not found in pool")
	}
	if p.Offset != off {
		t.Fatalf("offset mismatch after migration: got %d want %d", p.Offset, off)
	}
}

func TestPoolRemoveMissingIsNoop(t *testing.T) {
	cfg := config.Test()
	log := sslog.NewMemLog()
	pool := NewPool(cfg)
	removed, err := pool.Remove(0, cfg.CountSlot-1, 0x1234, log, identityHasher{}, 20)
	if err != nil {
		t.Fatalf("remove on unmigrated slot: %v", err)
	}
	if removed {
		t.Fatalf("remove on a never-migrated slot must be a no-op")
	}
}

func TestSecondaryBlockRoundTrip(t *testing.T) {
	cfg := config.DHT()
	log := sslog.NewMemLog()
	const fpIndex = 20

	sec := NewSecondary(cfg)
	firstExtended := cfg.CountSlot - 2
	absolute := cfg.CountSlot - 1
	fp := hashing.BuildFingerprint(uint64(absolute), 0, 0, fpIndex, cfg.CountSlotBits(), "101")
	off, err := log.Write(hashing.KeyBytes(fp), []byte("v"))
	if err != nil {
		t.Fatalf("log write: %v", err)
	}
	status, err := sec.Write(fp, fpIndex, firstExtended, absolute, log, identityHasher{}, payload.Payload{Offset: off})
	if err != nil || status != block.StatusSuccessful {
		t.Fatalf("secondary write: status=%v err=%v", status, err)
	}

	p, found, err := sec.Read(fp, fpIndex, firstExtended, absolute, log, identityHasher{})
	if err != nil || !found {
		t.Fatalf("secondary read: found=%v err=%v", found, err)
	}
	if p.Offset != off {
		t.Fatalf("offset mismatch: got %d want %d", p.Offset, off)
	}

	removed, err := sec.Remove(fp, fpIndex, firstExtended, absolute, log, identityHasher{})
	if err != nil || !removed {
		t.Fatalf("secondary remove: removed=%v err=%v", removed, err)
	}
}
