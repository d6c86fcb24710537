package main

import (
	"testing"

	"github.com/banshee-data/stimtune/internal/serialmux"
	"github.com/banshee-data/stimtune/internal/ses"
)

// TestFlagDefaults verifies the flags a bench operator relies on keep their
// documented defaults.
func TestFlagDefaults(t *testing.T) {
	if *devMode {
		t.Error("expected -dev to default to false")
	}
	if *baud != serialmux.DefaultBaudRate {
		t.Errorf("expected -baud default %d, got %d", serialmux.DefaultBaudRate, *baud)
	}
	if *minCurrent != -1 || *maxCurrent != -1 {
		t.Errorf("expected current overrides to default to -1, got %d/%d", *minCurrent, *maxCurrent)
	}
	if *once {
		t.Error("expected -once to default to false")
	}
}

func TestCurrentRange(t *testing.T) {
	cfg := ses.DefaultConfig()
	tests := []struct {
		name           string
		lo, hi         int
		wantLo, wantHi int
	}{
		{"no overrides", -1, -1, cfg.MinCurrent, cfg.MaxCurrent},
		{"both overridden", 3, 9, 3, 9},
		{"zero is a valid floor", 0, -1, 0, cfg.MaxCurrent},
		{"max only", -1, 6, cfg.MinCurrent, 6},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lo, hi := currentRange(cfg, tt.lo, tt.hi)
			if lo != tt.wantLo || hi != tt.wantHi {
				t.Errorf("currentRange(%d, %d) = [%d, %d], want [%d, %d]", tt.lo, tt.hi, lo, hi, tt.wantLo, tt.wantHi)
			}
		})
	}
}

func TestOpenSimulated(t *testing.T) {
	hw, err := openSimulated(1)
	if err != nil {
		t.Fatalf("openSimulated: %v", err)
	}
	if hw.act == nil || hw.src == nil || hw.mux == nil {
		t.Fatal("simulated hardware is missing a component")
	}
	if hw.firmware != nil {
		t.Error("simulated hardware should not report firmware info")
	}
}
