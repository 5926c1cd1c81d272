package maskirovka

// ReplayGuard enforces strictly monotonic packet counters in both
// directions of a session. Outbound packets are stamped from a counter that
// never repeats for the lifetime of the session; inbound counters must
// exceed the high-water mark of everything previously accepted, or the
// frame is rejected and counted.
//
// The guard is owned by a single session and follows the session's
// single-writer rule; it needs no internal locking.
type ReplayGuard struct {
	nextOut  uint64 // next outbound counter to assign
	lastSeen uint64 // inbound replay high-water mark
	rejected uint64

	history *ring[uint64] // recently accepted inbound counters, diagnostics
}

const replayHistoryLen = 32

func newReplayGuard() *ReplayGuard {
	return &ReplayGuard{history: newRing[uint64](replayHistoryLen)}
}

// Stamp assigns and returns the counter for the next outbound packet.
// Counters start at 1 so the zero value never appears on the wire.
func (g *ReplayGuard) Stamp() uint64 {
	g.nextOut++
	return g.nextOut
}

// Check validates an inbound counter. Acceptance requires the counter to be
// strictly greater than every previously accepted counter; on acceptance
// the high-water mark advances. Rejection returns ErrReplayDetected and the
// frame must be dropped.
func (g *ReplayGuard) Check(counter uint64) error {
	if counter <= g.lastSeen {
		g.rejected++
		return ErrReplayDetected
	}
	g.lastSeen = counter
	g.history.Push(counter)
	return nil
}

// Rejected returns how many inbound frames this guard has rejected.
func (g *ReplayGuard) Rejected() uint64 { return g.rejected }

// RecentAccepted returns the most recently accepted inbound counters,
// oldest first.
func (g *ReplayGuard) RecentAccepted() []uint64 { return g.history.Snapshot() }
