package maskirovka

import (
	"sync"
	"time"
)

// ThreatSignal is the read-only input from the external anomaly detector.
type ThreatSignal struct {
	Level     int // 0..10
	Timestamp time.Time
}

// Level is the obfuscation aggressiveness ordinal derived from threat
// scores. Higher levels select heavier disguises and full traffic shaping.
type Level int

const (
	Level1 Level = 1 + iota
	Level2
	Level3
	Level4
)

// levelForThreat maps an external threat score to an obfuscation level via
// the fixed threshold table: <3 -> 1, [3,5) -> 2, [5,8) -> 3, >=8 -> 4.
func levelForThreat(threat int) Level {
	switch {
	case threat < 3:
		return Level1
	case threat < 5:
		return Level2
	case threat < 8:
		return Level3
	default:
		return Level4
	}
}

// levelMethods is the recommended method per level, lightest disguise
// first. Level 4 pairs the TLS ticket disguise with full traffic shaping.
var levelMethods = map[Level]Method{
	Level1: MethodHttpSimple,
	Level2: MethodBase64,
	Level3: MethodXorMask,
	Level4: MethodTls12TicketAuth,
}

// Adapter turns threat signals into method and level decisions with
// hysteresis: a new level is applied only after the configured cooldown has
// elapsed since the session's last adaptation, preventing oscillation under
// noisy signals. The adapter itself holds no per-session state beyond the
// shared signal history; decisions mutate sessions only at packet
// boundaries, from the session's own processing context.
type Adapter struct {
	cooldown time.Duration
	enabled  methodSet

	// history is written from the detector's scheduling context while
	// sessions read snapshots, hence the lock.
	mu      sync.Mutex
	history *ring[ThreatSignal]
}

const signalHistoryLen = 64

func newAdapter(cooldown time.Duration, enabled methodSet) *Adapter {
	return &Adapter{
		cooldown: cooldown,
		enabled:  enabled,
		history:  newRing[ThreatSignal](signalHistoryLen),
	}
}

// Observe records a threat signal in the shared history.
func (a *Adapter) Observe(sig ThreatSignal) {
	a.mu.Lock()
	a.history.Push(sig)
	a.mu.Unlock()
}

// RecentSignals returns a snapshot of the observed signals, oldest first.
func (a *Adapter) RecentSignals() []ThreatSignal {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.history.Snapshot()
}

// methodForLevel resolves the recommended method for a level, honoring the
// enabled-method whitelist. When the recommendation is disabled the adapter
// falls back to HttpSimple, the most broadly compatible disguise.
func (a *Adapter) methodForLevel(level Level) Method {
	m := levelMethods[level]
	if a.enabled[m] {
		return m
	}
	return MethodHttpSimple
}

// decide evaluates a pending threat score against a session at a packet
// boundary. It returns the level and method to apply and whether the
// change should be applied now; hysteresis suppresses changes inside the
// cooldown window.
func (a *Adapter) decide(threat int, current Level, lastAdaptation time.Time, now time.Time) (Level, Method, bool) {
	level := levelForThreat(threat)
	if level == current {
		return current, a.methodForLevel(current), false
	}
	if !lastAdaptation.IsZero() && now.Sub(lastAdaptation) < a.cooldown {
		return current, a.methodForLevel(current), false
	}
	return level, a.methodForLevel(level), true
}
