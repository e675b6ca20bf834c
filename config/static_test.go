package config

import (
	"testing"
	"time"
)

func TestNewStaticDefaults(t *testing.T) {
	c, err := NewStatic(nil, nil, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if c.MaxMessageSizeUnreliable() != 1400 {
		t.Fatalf("default unreliable size = %d, want 1400", c.MaxMessageSizeUnreliable())
	}
	if c.SDTTL() != 3*time.Second {
		t.Fatalf("default SD TTL = %v, want 3s", c.SDTTL())
	}
}

func TestNewStaticDecodesOverrides(t *testing.T) {
	raw := map[string]any{
		"max_message_size_unreliable": 1300,
		"diagnosis_address":           byte(0x10),
		"diagnosis_mask":              uint16(0xff00),
		"device":                      "eth0",
	}
	c, err := NewStatic(raw, nil, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if c.MaxMessageSizeUnreliable() != 1300 {
		t.Fatalf("got %d, want 1300", c.MaxMessageSizeUnreliable())
	}
	if c.Device() != "eth0" {
		t.Fatalf("got device %q, want eth0", c.Device())
	}
	if c.DiagnosisAddress() != 0x10 {
		t.Fatalf("got diagnosis address %#x, want 0x10", c.DiagnosisAddress())
	}
}

func TestTimingLookupFallback(t *testing.T) {
	timing := map[TimingKey]Timing{
		{Service: 1, Method: 2}: {Debounce: 50 * time.Millisecond, MaxRetention: 200 * time.Millisecond},
	}
	c, err := NewStatic(nil, timing, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	d, r := c.GetConfiguredTimingRequests(1, 2, "10.0.0.5", 30509)
	if d != 50*time.Millisecond || r != 200*time.Millisecond {
		t.Fatalf("got (%v, %v), want (50ms, 200ms)", d, r)
	}
	d, r = c.GetConfiguredTimingRequests(9, 9, "10.0.0.5", 30509)
	if d != 0 || r != 0 {
		t.Fatalf("expected zero defaults for unconfigured pair, got (%v, %v)", d, r)
	}
}

func TestTPConfigurationDefaultsSegmentLength(t *testing.T) {
	tp := map[TPKey]TPSettings{
		{Service: 1, Instance: 1, Method: 2}: {Enabled: true, SeparationTime: 2 * time.Millisecond},
	}
	c, err := NewStatic(nil, nil, nil, tp)
	if err != nil {
		t.Fatal(err)
	}
	if !c.IsTPService(1, 1, 2) {
		t.Fatal("expected TP enabled for configured key")
	}
	maxSeg, sep := c.GetTPConfiguration(1, 1, 2)
	if maxSeg != 1392 {
		t.Fatalf("got max segment length %d, want default 1392", maxSeg)
	}
	if sep != 2*time.Millisecond {
		t.Fatalf("got separation %v, want 2ms", sep)
	}
}
