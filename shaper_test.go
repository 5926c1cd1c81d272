package maskirovka

import (
	"errors"
	"testing"
	"time"
)

func TestShaperPaddingBounds(t *testing.T) {
	params := ShapeParams{
		MinPacketSize:     64,
		MaxPacketSize:     512,
		SizeJitterPercent: 25,
	}
	s, err := NewShaper(params, true)
	if err != nil {
		t.Fatalf("NewShaper: %v", err)
	}

	for _, frameLen := range []int{1, 32, 64, 100, 400, 512, 600} {
		for i := 0; i < 100; i++ {
			pad := s.padLenFor(frameLen)
			if pad < 0 {
				t.Fatalf("frameLen %d: negative padding %d", frameLen, pad)
			}
			total := frameLen + pad
			// Payload is never truncated: oversized frames pass through.
			if frameLen >= params.MaxPacketSize {
				if pad != 0 {
					t.Fatalf("frameLen %d: oversized frame should get no padding, got %d", frameLen, pad)
				}
				continue
			}
			if total < params.MinPacketSize {
				t.Fatalf("frameLen %d: shaped size %d below minimum %d", frameLen, total, params.MinPacketSize)
			}
			if total > params.MaxPacketSize {
				t.Fatalf("frameLen %d: shaped size %d above maximum %d", frameLen, total, params.MaxPacketSize)
			}
		}
	}
}

func TestShaperDisabledNoPadding(t *testing.T) {
	s, err := NewShaper(ShapeParams{}, false)
	if err != nil {
		t.Fatalf("NewShaper: %v", err)
	}
	for i := 0; i < 20; i++ {
		if pad := s.padLenFor(10); pad != 0 {
			t.Fatalf("disabled shaper produced padding %d", pad)
		}
	}
}

func TestShaperDelayBounds(t *testing.T) {
	params := ShapeParams{
		MinPacketSize:  64,
		MaxPacketSize:  512,
		BaseDelayMs:    20,
		TimingJitterMs: 10,
	}
	s, err := NewShaper(params, true)
	if err != nil {
		t.Fatalf("NewShaper: %v", err)
	}

	max := time.Duration(params.BaseDelayMs+params.TimingJitterMs+burstMaxMs) * time.Millisecond
	for i := 0; i < 200; i++ {
		d := s.Delay()
		if d < 0 {
			t.Fatalf("negative delay %v", d)
		}
		if d > max {
			t.Fatalf("delay %v above ceiling %v", d, max)
		}
	}
}

func TestShaperDelayDisabled(t *testing.T) {
	s, err := NewShaper(ShapeParams{
		MinPacketSize:  64,
		MaxPacketSize:  512,
		BaseDelayMs:    20,
		TimingJitterMs: 30,
	}, false)
	if err != nil {
		t.Fatalf("NewShaper: %v", err)
	}
	for i := 0; i < 500; i++ {
		if d := s.Delay(); d != 0 {
			t.Fatalf("disabled shaper produced delay %v", d)
		}
	}
}

func TestShaperExplicitZeroJitter(t *testing.T) {
	// Zero delay and size jitter are operator choices, not unset fields:
	// they must survive defaulting and produce no delay and no size noise.
	s, err := NewShaper(ShapeParams{MinPacketSize: 64, MaxPacketSize: 512}, true)
	if err != nil {
		t.Fatalf("NewShaper: %v", err)
	}
	for i := 0; i < 500; i++ {
		if d := s.Delay(); d != 0 {
			t.Fatalf("zero-jitter shaper produced delay %v", d)
		}
	}
	for i := 0; i < 100; i++ {
		if pad := s.padLenFor(100); pad != 0 {
			t.Fatalf("zero size jitter produced padding %d above the minimum size", pad)
		}
	}
}

func TestShapeParamsDefaults(t *testing.T) {
	var p ShapeParams
	p.applyDefaults()
	if p.MinPacketSize != 64 || p.MaxPacketSize != 16384 ||
		p.SizeJitterPercent != 25 || p.TimingJitterMs != 30 {
		t.Errorf("zero struct defaults = %+v", p)
	}

	q := ShapeParams{MinPacketSize: 64, MaxPacketSize: 512}
	q.applyDefaults()
	if q.SizeJitterPercent != 0 || q.TimingJitterMs != 0 {
		t.Errorf("explicit zero jitter was rewritten: %+v", q)
	}
	if q.MinPacketSize != 64 || q.MaxPacketSize != 512 {
		t.Errorf("explicit bounds were altered: %+v", q)
	}
}

func TestShaperAppendPadding(t *testing.T) {
	s, err := NewShaper(ShapeParams{MinPacketSize: 1, MaxPacketSize: 65535}, true)
	if err != nil {
		t.Fatalf("NewShaper: %v", err)
	}
	frame := []byte{1, 2, 3}
	// Exceed the pattern length to exercise the wrap.
	padded := s.appendPadding(frame, paddingPatternLen+100)
	if len(padded) != 3+paddingPatternLen+100 {
		t.Errorf("padded length = %d, want %d", len(padded), 3+paddingPatternLen+100)
	}
}

func TestShapeParamsValidation(t *testing.T) {
	cases := []struct {
		name   string
		params ShapeParams
	}{
		{"zero min", ShapeParams{MinPacketSize: -1, MaxPacketSize: 512, SizeJitterPercent: 10, TimingJitterMs: 1}},
		{"min above max", ShapeParams{MinPacketSize: 1024, MaxPacketSize: 512, SizeJitterPercent: 10, TimingJitterMs: 1}},
		{"max above frame limit", ShapeParams{MinPacketSize: 64, MaxPacketSize: 70000, SizeJitterPercent: 10, TimingJitterMs: 1}},
		{"jitter above 100", ShapeParams{MinPacketSize: 64, MaxPacketSize: 512, SizeJitterPercent: 150, TimingJitterMs: 1}},
		{"negative delay", ShapeParams{MinPacketSize: 64, MaxPacketSize: 512, SizeJitterPercent: 10, BaseDelayMs: -5, TimingJitterMs: 1}},
	}
	for _, tc := range cases {
		if err := tc.params.Validate(); !errors.Is(err, ErrConfigOutOfRange) {
			t.Errorf("%s: error = %v, want ErrConfigOutOfRange", tc.name, err)
		}
	}
}
