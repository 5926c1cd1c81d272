package maskirovka

import (
	"sync/atomic"
	"time"
)

// Session holds the per-connection obfuscation state. A session is owned
// exclusively by the connection that created it: the dispatcher, shaper,
// and replay guard are called synchronously from that connection's
// processing context and must never run concurrently on the same session.
// The only cross-context field is pendingThreat, which the adaptation side
// sets atomically and the owner consumes at packet boundaries.
type Session struct {
	id       uint64
	method   Method // active disguise, or the Adaptive/Hybrid selector
	level    Level
	material *sessionMaterial // nil when no key material was supplied
	guard    *ReplayGuard

	lastAdaptation time.Time

	// pendingThreat carries the latest unapplied threat score (0..10),
	// or -1 when there is nothing pending. Written by NotifyThreat from
	// the detector's context, consumed by the owner.
	pendingThreat atomic.Int32

	// lastActive is the unix-nano timestamp of the last packet, read by
	// the engine's idle-session cleanup.
	lastActive atomic.Int64
}

// ID returns the session identifier.
func (s *Session) ID() uint64 { return s.id }

// Method returns the session's current obfuscation method.
func (s *Session) Method() Method { return s.method }

// Level returns the session's current obfuscation level.
func (s *Session) Level() Level { return s.level }

// ReplayGuard exposes the session's replay guard for diagnostics.
func (s *Session) ReplayGuard() *ReplayGuard { return s.guard }

func (s *Session) touch() {
	s.lastActive.Store(time.Now().UnixNano())
}

// fieldMask returns the bytes used to mask the frame header and counter
// fields so they look random on the wire. Sessions without key material
// get a zero mask; their framing fields are cleartext.
func (s *Session) fieldMask() []byte {
	if s.material == nil {
		return make([]byte, ctrKeyLen)
	}
	return s.material.ctrKey
}
