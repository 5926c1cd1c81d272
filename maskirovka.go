// Package maskirovka implements an adaptive traffic-obfuscation engine for
// censorship circumvention. It disguises proxy traffic as other protocols
// (TLS handshakes mimicking real browsers, plain HTTP, random noise) to
// defeat deep packet inspection and active probing, and it adapts the
// disguise in response to externally supplied threat signals.
//
// The engine is deliberately scoped to the obfuscation layer: the underlying
// encryption and key exchange, the socket backend, and the anomaly detector
// itself are external collaborators consumed only at their interface
// boundaries. ClientHello synthesis is wire-format mimicry, not a TLS
// implementation: frames are built to pass DPI-level inspection, never to
// complete a real handshake.
package maskirovka

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// Error taxonomy. Per-packet errors (ErrBufferTooSmall, ErrReplayDetected)
// are recoverable: the packet is dropped or retried and the connection
// continues. ErrInvalidMethodState means the session lacks required key
// material and should be recreated. Configuration errors are surfaced at
// initialization and prevent startup.
var (
	ErrBufferTooSmall     = errors.New("maskirovka: buffer too small")
	ErrUnsupportedDomain  = errors.New("maskirovka: hostname too long for SNI")
	ErrReplayDetected     = errors.New("maskirovka: replay detected")
	ErrInvalidMethodState = errors.New("maskirovka: session missing required key material")
	ErrOneWayMethod       = errors.New("maskirovka: method has no reverse transform")
	ErrConfigOutOfRange   = errors.New("maskirovka: configuration value out of range")
)

// DialFunc allows injecting a custom TCP dialer for the underlying connection.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// ConnHandler is called for each accepted, deobfuscated connection.
type ConnHandler func(ctx context.Context, conn net.Conn)

// ThreatSource supplies the current threat level from an external anomaly
// detector. The engine polls it at packet boundaries when configured.
type ThreatSource interface {
	// CurrentThreatLevel returns a score in [0, 10].
	CurrentThreatLevel() int
}

// ShapeParams configures packet-size and timing jitter applied after the
// obfuscation transform. Validated at load; see Validate.
type ShapeParams struct {
	MinPacketSize     int // smallest shaped frame, bytes (>= 1)
	MaxPacketSize     int // largest shaped frame, bytes (<= 65535)
	SizeJitterPercent int // size jitter amplitude, percent of payload length
	BaseDelayMs       int // base transmission delay, milliseconds
	TimingJitterMs    int // timing jitter amplitude, milliseconds
}

// applyDefaults fills in unset fields. A fully zero struct takes the whole
// default profile. Otherwise only the size bounds are defaulted, since zero
// is invalid for them; zero jitter is a valid operator choice and is kept
// as given.
func (p *ShapeParams) applyDefaults() {
	if *p == (ShapeParams{}) {
		*p = ShapeParams{
			MinPacketSize:     64,
			MaxPacketSize:     16384,
			SizeJitterPercent: 25,
			TimingJitterMs:    30,
		}
		return
	}
	if p.MinPacketSize == 0 {
		p.MinPacketSize = 64
	}
	if p.MaxPacketSize == 0 {
		p.MaxPacketSize = 16384
	}
}

// Validate checks the shaping bounds. All violations are reported as
// ErrConfigOutOfRange wraps so callers can test with errors.Is.
func (p *ShapeParams) Validate() error {
	if p.MinPacketSize < 1 {
		return fmt.Errorf("%w: MinPacketSize %d < 1", ErrConfigOutOfRange, p.MinPacketSize)
	}
	if p.MaxPacketSize > maxFrameSize {
		return fmt.Errorf("%w: MaxPacketSize %d > %d", ErrConfigOutOfRange, p.MaxPacketSize, maxFrameSize)
	}
	if p.MinPacketSize > p.MaxPacketSize {
		return fmt.Errorf("%w: MinPacketSize %d > MaxPacketSize %d", ErrConfigOutOfRange, p.MinPacketSize, p.MaxPacketSize)
	}
	if p.SizeJitterPercent < 0 || p.SizeJitterPercent > 100 {
		return fmt.Errorf("%w: SizeJitterPercent %d not in [0,100]", ErrConfigOutOfRange, p.SizeJitterPercent)
	}
	if p.BaseDelayMs < 0 || p.TimingJitterMs < 0 {
		return fmt.Errorf("%w: negative delay", ErrConfigOutOfRange)
	}
	return nil
}

// maxFrameSize is the MTU-class bound on a shaped frame.
const maxFrameSize = 65535

// Config configures the obfuscation engine.
type Config struct {
	// Methods is the whitelist of obfuscation methods the adapter may
	// select. Empty means all concrete methods are enabled.
	Methods []Method

	// InitialMethod is applied to new sessions (default: HttpSimple,
	// the most broadly compatible disguise).
	InitialMethod Method

	// Shape controls size and timing jitter.
	Shape ShapeParams

	// ShapingEnabled turns size shaping on (default: true via NewEngine).
	ShapingDisabled bool

	// AdaptationCooldown is the minimum interval between applied level
	// changes on a session, preventing oscillation under noisy threat
	// signals (default: 5s).
	AdaptationCooldown time.Duration

	// Pattern is the operator-registered transform backing the
	// CustomPattern method. Sessions selecting CustomPattern without a
	// registered transform fall back to HttpSimple.
	Pattern PatternTransformer

	// ThreatSource, when set, is polled at packet boundaries and feeds
	// the adaptation loop in addition to explicit NotifyThreat calls.
	ThreatSource ThreatSource

	// SessionIdleTimeout controls background cleanup of sessions with no
	// traffic (default: 10m).
	SessionIdleTimeout time.Duration
}

// applyDefaults fills in zero-value fields with sensible defaults.
func (c *Config) applyDefaults() {
	if c.InitialMethod == MethodNone {
		c.InitialMethod = MethodHttpSimple
	}
	if c.AdaptationCooldown == 0 {
		c.AdaptationCooldown = 5 * time.Second
	}
	if c.SessionIdleTimeout == 0 {
		c.SessionIdleTimeout = 10 * time.Minute
	}
	c.Shape.applyDefaults()
}
