package maskirovka

import (
	"crypto/rand"
	"fmt"
	"time"
)

// Shaper post-processes disguised frames to match a target size
// distribution and computes per-packet transmission delays. It is
// independent of which method produced the bytes: padding comes from a
// random pattern generated once at startup, and the delay is returned as a
// scheduling instruction for the caller's timer, never slept here.
type Shaper struct {
	params  ShapeParams
	enabled bool
	pattern []byte // padding source, regenerated per process
}

const (
	paddingPatternLen = 4096
	burstChancePct    = 5  // probability of an extra burst delay
	burstMaxMs        = 50 // upper bound of the burst delay, ms
)

// NewShaper validates the shape parameters and generates the padding
// pattern. A validation failure is fatal at startup.
func NewShaper(params ShapeParams, enabled bool) (*Shaper, error) {
	params.applyDefaults()
	if err := params.Validate(); err != nil {
		return nil, err
	}
	pattern := make([]byte, paddingPatternLen)
	if _, err := rand.Read(pattern); err != nil {
		return nil, fmt.Errorf("generating padding pattern: %w", err)
	}
	return &Shaper{params: params, enabled: enabled, pattern: pattern}, nil
}

// padLenFor returns how many padding bytes to append to a frame that is
// currently frameLen bytes long. The target size is the jittered frame
// length clamped to [MinPacketSize, MaxPacketSize]; real payload is never
// truncated, so an oversized frame simply gets no padding.
func (s *Shaper) padLenFor(frameLen int) int {
	if !s.enabled {
		return 0
	}
	// r in [-1, 1] scaled by the jitter percentage.
	r := float64(randomInt(-1000, 1001)) / 1000
	target := int(float64(frameLen) * (1 + float64(s.params.SizeJitterPercent)/100*r))
	if target < s.params.MinPacketSize {
		target = s.params.MinPacketSize
	}
	if target > s.params.MaxPacketSize {
		target = s.params.MaxPacketSize
	}
	if target <= frameLen {
		return 0
	}
	return target - frameLen
}

// appendPadding appends n bytes drawn from the padding pattern.
func (s *Shaper) appendPadding(frame []byte, n int) []byte {
	for n > 0 {
		chunk := n
		if chunk > len(s.pattern) {
			chunk = len(s.pattern)
		}
		frame = append(frame, s.pattern[:chunk]...)
		n -= chunk
	}
	return frame
}

// Delay computes the transmission delay for the next packet:
// base + jitter*r, plus, with a fixed 5% probability, an extra 0-50ms
// burst emulating real network variance. A disabled shaper, or one whose
// delay parameters are both zero, always returns 0. The caller realizes
// the delay as a deferred send; blocking the I/O thread on it is a caller
// bug.
func (s *Shaper) Delay() time.Duration {
	if !s.enabled {
		return 0
	}
	if s.params.BaseDelayMs == 0 && s.params.TimingJitterMs == 0 {
		return 0
	}
	delayMs := s.params.BaseDelayMs
	if s.params.TimingJitterMs > 0 {
		delayMs += randomInt(-s.params.TimingJitterMs, s.params.TimingJitterMs+1)
	}
	if delayMs < 0 {
		delayMs = 0
	}
	if randomInt(0, 100) < burstChancePct {
		delayMs += randomInt(0, burstMaxMs+1)
	}
	return time.Duration(delayMs) * time.Millisecond
}
