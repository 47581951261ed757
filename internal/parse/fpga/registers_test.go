package fpga

import "testing"

func TestBatteryRegisterLayout(t *testing.T) {
	t.Parallel()

	l := newRegLayout(Battery, 2)

	// [0,4) global, [4,8) input ranges, [8,12) output ranges,
	// [12,16) input addrs, [16,24) output addrs, [24,32) custom regs.
	checks := []struct {
		name string
		got  int
		want int
	}{
		{"inputRangeOffset(0)", l.inputRangeOffset(0), 4},
		{"inputRangeOffset(1)", l.inputRangeOffset(1), 6},
		{"outputRangeOffset(0)", l.outputRangeOffset(0), 8},
		{"outputRangeOffset(1)", l.outputRangeOffset(1), 10},
		{"inputValuesAddrOffset(0)", l.inputValuesAddrOffset(0), 12},
		{"inputValuesAddrOffset(1)", l.inputValuesAddrOffset(1), 14},
		{"outputAddrOffset(0)", l.outputAddrOffset(0), 16},
		{"outputAddrOffset(1)", l.outputAddrOffset(1), 20},
		{"customRegOffset(0)", l.customRegOffset(0), 24},
		{"customRegOffset(1)", l.customRegOffset(1), 28},
		{"totalRegs", l.totalRegs(), 32},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %d, want %d", c.name, c.got, c.want)
		}
	}
}

func TestTripRegisterLayout(t *testing.T) {
	t.Parallel()

	l := newRegLayout(Trip, 1)

	// Trip has no output-range regs, 19 output regions (lo/hi each) and
	// {tag, bytes_consumed} custom regs, plus the shadow ctrl/status pair
	// past the formal map.
	if got := l.outputRangeRegsEnd(); got != l.inputRangeRegsEnd() {
		t.Errorf("trip output range block should be empty: end=%d, input end=%d", got, l.inputRangeRegsEnd())
	}
	if got, want := l.outputAddrOffset(0), 8; got != want {
		t.Errorf("outputAddrOffset(0) = %d, want %d", got, want)
	}
	if got, want := l.customRegOffset(0), 8+2*tripFieldCount; got != want {
		t.Errorf("customRegOffset(0) = %d, want %d", got, want)
	}
	if got, want := l.shadowCtrlStatusOffset(0), 8+2*tripFieldCount+2; got != want {
		t.Errorf("shadowCtrlStatusOffset(0) = %d, want %d", got, want)
	}
	if got, want := l.totalRegs(), 8+2*tripFieldCount+2+2; got != want {
		t.Errorf("totalRegs = %d, want %d", got, want)
	}
}

func TestDeriveAFUID(t *testing.T) {
	t.Parallel()

	id, err := DeriveAFUID("", 3)
	if err != nil {
		t.Fatalf("DeriveAFUID: %v", err)
	}
	if id != afuBaseGUID+"03" {
		t.Fatalf("id = %q, want base + 03 suffix", id)
	}

	id, err = DeriveAFUID("custom-base-", 255)
	if err != nil {
		t.Fatalf("DeriveAFUID: %v", err)
	}
	if id != "custom-base-ff" {
		t.Fatalf("id = %q, want custom-base-ff", id)
	}

	if _, err := DeriveAFUID("", 256); err == nil {
		t.Fatalf("expected kernel count 256 to be rejected")
	}
}
