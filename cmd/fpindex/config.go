package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/tailscale/hujson"

	"github.com/flashindex/fpindex/config"
)

// fileConfig is the on-disk JSONC shape, overlaid onto config.Default() by
// loadTraits below. Every field is a pointer so an absent key leaves the
// default untouched, the same "unset means inherit" rule
// calvinalkan-agent-task/config.go applies to its own Config fields.
type fileConfig struct {
	CountSlot                 *uint   `json:"count_slot,omitempty"`
	N                         *uint   `json:"n,omitempty"`
	PayloadsLength            *uint   `json:"payloads_length,omitempty"`
	NumberExtraBits           *uint   `json:"number_extra_bits,omitempty"`
	SegmentExtensionBlockSize *uint   `json:"segment_extension_block_size,omitempty"`
	SafetyPayloads            *uint   `json:"safety_payloads,omitempty"`
	DHTEverything             *bool   `json:"dht_everything,omitempty"`
	FingerprintSize           *uint   `json:"fingerprint_size,omitempty"`
	NumThreads                *uint   `json:"num_threads,omitempty"`
}

// loadTraits reads a JSONC traits file at path, if non-empty, and overlays
// it onto config.Default(). A missing path is not an error: the defaults
// stand alone, matching loadProjectConfig's "optional file" behaviour.
func loadTraits(path string) (config.Traits, error) {
	traits := config.Default()
	if path == "" {
		return traits, nil
	}

	data, err := os.ReadFile(path) //nolint:gosec // path is an operator-supplied CLI flag
	if err != nil {
		if os.IsNotExist(err) {
			return traits, nil
		}
		return config.Traits{}, fmt.Errorf("fpindex: read config %s: %w", path, err)
	}

	standardized, err := hujson.Standardize(data)
	if err != nil {
		return config.Traits{}, fmt.Errorf("fpindex: invalid JSONC in %s: %w", path, err)
	}

	var fc fileConfig
	if err := json.Unmarshal(standardized, &fc); err != nil {
		return config.Traits{}, fmt.Errorf("fpindex: invalid JSON in %s: %w", path, err)
	}

	fc.apply(&traits)
	return traits, nil
}

func (fc fileConfig) apply(t *config.Traits) {
	if fc.CountSlot != nil {
		t.CountSlot = *fc.CountSlot
	}
	if fc.N != nil {
		t.N = *fc.N
	}
	if fc.PayloadsLength != nil {
		t.PayloadsLength = *fc.PayloadsLength
	}
	if fc.NumberExtraBits != nil {
		t.NumberExtraBits = *fc.NumberExtraBits
	}
	if fc.SegmentExtensionBlockSize != nil {
		t.SegmentExtensionBlockSize = *fc.SegmentExtensionBlockSize
	}
	if fc.SafetyPayloads != nil {
		t.SafetyPayloads = *fc.SafetyPayloads
	}
	if fc.DHTEverything != nil {
		t.DHTEverything = *fc.DHTEverything
		if t.DHTEverything {
			t.ReadOffStrategy = config.ReadOffDHT
		}
	}
	if fc.FingerprintSize != nil {
		t.FingerprintSize = *fc.FingerprintSize
	}
	if fc.NumThreads != nil {
		t.NumThreads = *fc.NumThreads
	}
}
