package maskirovka

import (
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Engine is the adaptive orchestrator. It owns all obfuscation sessions and
// runs the outbound pipeline (dispatch, shape, stamp) and the inbound
// pipeline (check, reverse) for each of them, applying adaptation decisions
// at packet boundaries. There is no process-global state: every caller gets
// its own Engine with explicit ownership.
type Engine struct {
	config  Config
	shaper  *Shaper
	adapter *Adapter
	enabled methodSet

	mu       sync.Mutex
	sessions map[uint64]*Session
	closed   bool
	closeCh  chan struct{}

	nextID atomic.Uint64

	obfuscated      atomic.Int64
	failed          atomic.Int64
	replayPrevented atomic.Int64
	adaptations     atomic.Int64
}

// StatsSnapshot is a point-in-time copy of the engine counters.
type StatsSnapshot struct {
	Obfuscated      int64
	Failed          int64
	ReplayPrevented int64
	Adaptations     int64
	ActiveSessions  int
}

// Engine frame layout, applied after the method transform:
//
//	[2]  disguised-payload length, masked
//	[1]  method identifier, masked
//	[n]  disguised payload
//	[p]  shaping padding
//	[8]  packet counter, masked
//
// The mask is derived from session key material so the framing fields are
// indistinguishable from the padding around them.
const (
	frameHeaderLen  = 3
	frameTrailerLen = 8
	frameOverhead   = frameHeaderLen + frameTrailerLen

	hybridFlag = 0x80
)

// NewEngine validates the configuration and creates an engine.
// Configuration errors are fatal: they are reported here and never at
// packet time.
func NewEngine(config Config) (*Engine, error) {
	config.applyDefaults()

	if _, ok := methodNames[config.InitialMethod]; !ok {
		return nil, fmt.Errorf("%w: unknown initial method %d", ErrConfigOutOfRange, uint8(config.InitialMethod))
	}

	shaper, err := NewShaper(config.Shape, !config.ShapingDisabled)
	if err != nil {
		return nil, err
	}

	enabled := newMethodSet(config.Methods)
	e := &Engine{
		config:   config,
		shaper:   shaper,
		adapter:  newAdapter(config.AdaptationCooldown, enabled),
		enabled:  enabled,
		sessions: make(map[uint64]*Session),
		closeCh:  make(chan struct{}),
	}

	go e.cleanupLoop()
	return e, nil
}

// CreateSession registers a new obfuscation session. keyMaterial is the
// opaque per-connection secret from the encryption layer; both peers must
// supply the same bytes. A nil keyMaterial is allowed, but methods that
// need salt or masking then fail over to HttpSimple.
func (e *Engine) CreateSession(keyMaterial []byte) (*Session, error) {
	var material *sessionMaterial
	if keyMaterial != nil {
		var err error
		material, err = deriveSessionMaterial(keyMaterial)
		if err != nil {
			return nil, err
		}
	}

	method := e.config.InitialMethod
	if method.Concrete() && !e.enabled[method] {
		method = MethodHttpSimple
	}

	s := &Session{
		id:       e.nextID.Add(1),
		method:   method,
		level:    Level1,
		material: material,
		guard:    newReplayGuard(),
	}
	s.pendingThreat.Store(-1)
	s.touch()

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, fmt.Errorf("engine is closed")
	}
	e.sessions[s.id] = s
	return s, nil
}

// CloseSession discards all session state. Counters, keys, and history are
// gone after this; a session is never shared or resurrected.
func (e *Engine) CloseSession(s *Session) {
	e.mu.Lock()
	delete(e.sessions, s.id)
	e.mu.Unlock()
	if s.material != nil {
		clear(s.material.salt)
		clear(s.material.maskKey)
		clear(s.material.ctrKey)
		s.material = nil
	}
}

// Obfuscate runs the outbound pipeline on one application-data unit:
// pending adaptation is applied, the active method disguises the payload,
// the shaper pads the frame and computes the transmission delay, and the
// replay counter is stamped. The delay is a scheduling instruction: the
// caller transmits the frame after it elapses, without blocking its I/O
// context on the wait.
func (e *Engine) Obfuscate(s *Session, plaintext []byte) ([]byte, time.Duration, error) {
	s.touch()
	e.pollThreatSource(s)
	e.applyPendingAdaptation(s, time.Now())

	method, hybrid, disguised, err := e.applyResolved(s, plaintext)
	if err != nil {
		return nil, 0, err
	}

	frame, err := e.seal(s, method, hybrid, disguised)
	if err != nil {
		e.failed.Add(1)
		return nil, 0, err
	}

	e.obfuscated.Add(1)
	return frame, e.shaper.Delay(), nil
}

// Deobfuscate runs the inbound pipeline: bounds-checked frame parsing,
// replay counter verification, then the reverse transform for the method
// named in the frame header. Replays return ErrReplayDetected; the caller
// drops the frame and the connection continues.
func (e *Engine) Deobfuscate(s *Session, frame []byte) ([]byte, error) {
	s.touch()

	method, hybrid, disguised, counter, err := e.open(s, frame)
	if err != nil {
		return nil, err
	}
	if err := s.guard.Check(counter); err != nil {
		e.replayPrevented.Add(1)
		return nil, err
	}

	plaintext, err := reverseTransform(method, s.material, e.config.Pattern, disguised)
	if err != nil {
		e.failed.Add(1)
		return nil, err
	}
	if hybrid {
		plaintext, err = reverseTransform(MethodXorMask, s.material, e.config.Pattern, plaintext)
		if err != nil {
			e.failed.Add(1)
			return nil, err
		}
	}
	return plaintext, nil
}

// NotifyThreat feeds a threat score (0..10) for one session. The new level
// is applied at the session's next packet boundary, never mid-encode.
func (e *Engine) NotifyThreat(s *Session, threat int) {
	threat = clampThreat(threat)
	e.adapter.Observe(ThreatSignal{Level: threat, Timestamp: time.Now()})
	s.pendingThreat.Store(int32(threat))
}

// NotifyThreatAll feeds a threat score to every live session.
func (e *Engine) NotifyThreatAll(threat int) {
	threat = clampThreat(threat)
	e.adapter.Observe(ThreatSignal{Level: threat, Timestamp: time.Now()})
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, s := range e.sessions {
		s.pendingThreat.Store(int32(threat))
	}
}

// Stats returns a snapshot of the engine counters.
func (e *Engine) Stats() StatsSnapshot {
	e.mu.Lock()
	active := len(e.sessions)
	e.mu.Unlock()
	return StatsSnapshot{
		Obfuscated:      e.obfuscated.Load(),
		Failed:          e.failed.Load(),
		ReplayPrevented: e.replayPrevented.Load(),
		Adaptations:     e.adaptations.Load(),
		ActiveSessions:  active,
	}
}

// Adapter exposes the engine's feedback adapter for diagnostics.
func (e *Engine) Adapter() *Adapter { return e.adapter }

// Close discards all sessions and stops background cleanup.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	close(e.closeCh)
	e.sessions = make(map[uint64]*Session)
	e.mu.Unlock()
	return nil
}

// applyResolved resolves Adaptive/Hybrid selectors to concrete methods and
// applies the transform, falling back to HttpSimple when the selected
// method cannot run (missing key material, unregistered custom pattern).
// Fallback preserves availability under censorship pressure; terminating
// the connection would do the censor's work for it.
func (e *Engine) applyResolved(s *Session, plaintext []byte) (Method, bool, []byte, error) {
	method := s.method
	switch method {
	case MethodAdaptive:
		method = e.adapter.methodForLevel(s.level)
	case MethodHybrid:
		// Inner XOR mask under a non-XOR outer disguise: XOR over XOR
		// would cancel to the identity.
		if s.material != nil {
			outer := e.adapter.methodForLevel(s.level)
			if outer == MethodXorMask {
				outer = MethodTls12TicketAuth
				if !e.enabled[outer] {
					outer = MethodHttpSimple
				}
			}
			inner, err := applyTransform(MethodXorMask, s.material, e.config.Pattern, plaintext)
			if err == nil {
				disguised, err := applyTransform(outer, s.material, e.config.Pattern, inner)
				if err == nil {
					return outer, true, disguised, nil
				}
			}
		}
		method = MethodHttpSimple
	}

	disguised, err := applyTransform(method, s.material, e.config.Pattern, plaintext)
	if err != nil {
		// One failed counter tick per packet, whether or not the fallback
		// rescues it.
		e.failed.Add(1)
		if method == MethodHttpSimple {
			return method, false, nil, err
		}
		method = MethodHttpSimple
		disguised, err = applyTransform(method, s.material, e.config.Pattern, plaintext)
		if err != nil {
			return method, false, nil, err
		}
	}
	return method, false, disguised, nil
}

// seal wraps a disguised payload in the engine frame: masked length and
// method header, shaping padding, masked counter trailer. The high bit of
// the method byte flags an inner XOR layer under the named disguise.
func (e *Engine) seal(s *Session, method Method, hybrid bool, disguised []byte) ([]byte, error) {
	if len(disguised) > 0xffff {
		return nil, fmt.Errorf("%w: disguised payload %d exceeds frame limit", ErrBufferTooSmall, len(disguised))
	}

	methodByte := byte(method)
	if hybrid {
		methodByte |= hybridFlag
	}

	mask := s.fieldMask()
	padLen := e.shaper.padLenFor(frameOverhead + len(disguised))

	frame := make([]byte, 0, frameOverhead+len(disguised)+padLen)
	frame = append(frame,
		byte(len(disguised)>>8)^mask[0],
		byte(len(disguised))^mask[1],
		methodByte^mask[2],
	)
	frame = append(frame, disguised...)
	frame = e.shaper.appendPadding(frame, padLen)

	var ctr [frameTrailerLen]byte
	binary.BigEndian.PutUint64(ctr[:], s.guard.Stamp())
	for i := range ctr {
		ctr[i] ^= mask[frameHeaderLen+i]
	}
	return append(frame, ctr[:]...), nil
}

// open parses and unmasks an engine frame. All lengths are bounds-checked;
// the frame is attacker-controlled input.
func (e *Engine) open(s *Session, frame []byte) (Method, bool, []byte, uint64, error) {
	if len(frame) < frameOverhead {
		return MethodNone, false, nil, 0, fmt.Errorf("frame too short: %d bytes", len(frame))
	}
	mask := s.fieldMask()

	dlen := int(frame[0]^mask[0])<<8 | int(frame[1]^mask[1])
	methodByte := frame[2] ^ mask[2]
	hybrid := methodByte&hybridFlag != 0
	method := Method(methodByte &^ hybridFlag)
	if !method.Concrete() || methodNames[method] == "" {
		return MethodNone, false, nil, 0, fmt.Errorf("frame names unknown method %d", uint8(method))
	}
	if frameHeaderLen+dlen > len(frame)-frameTrailerLen {
		return MethodNone, false, nil, 0, fmt.Errorf("frame length field exceeds frame")
	}

	var ctr [frameTrailerLen]byte
	copy(ctr[:], frame[len(frame)-frameTrailerLen:])
	for i := range ctr {
		ctr[i] ^= mask[frameHeaderLen+i]
	}
	counter := binary.BigEndian.Uint64(ctr[:])

	return method, hybrid, frame[frameHeaderLen : frameHeaderLen+dlen], counter, nil
}

// pollThreatSource reads the external detector, when configured, and
// queues its score like an explicit NotifyThreat.
func (e *Engine) pollThreatSource(s *Session) {
	if e.config.ThreatSource == nil {
		return
	}
	s.pendingThreat.Store(int32(clampThreat(e.config.ThreatSource.CurrentThreatLevel())))
}

// applyPendingAdaptation consumes a queued threat score at a packet
// boundary. Level changes inside the cooldown window stay pending and are
// reconsidered at the next boundary.
func (e *Engine) applyPendingAdaptation(s *Session, now time.Time) {
	threat := s.pendingThreat.Swap(-1)
	if threat < 0 {
		return
	}
	level, method, apply := e.adapter.decide(int(threat), s.level, s.lastAdaptation, now)
	if !apply {
		if levelForThreat(int(threat)) != s.level {
			// Suppressed by hysteresis; retry at the next boundary.
			s.pendingThreat.CompareAndSwap(-1, threat)
		}
		return
	}
	s.level = level
	if s.method.Concrete() {
		// Adaptive/Hybrid sessions keep their selector; the level alone
		// drives resolution.
		s.method = method
	}
	s.lastAdaptation = now
	e.adaptations.Add(1)
}

// cleanupLoop periodically discards sessions with no recent traffic, so
// connections torn down without CloseSession do not accumulate.
func (e *Engine) cleanupLoop() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			cutoff := time.Now().Add(-e.config.SessionIdleTimeout).UnixNano()
			e.mu.Lock()
			for id, s := range e.sessions {
				if s.lastActive.Load() < cutoff {
					delete(e.sessions, id)
				}
			}
			e.mu.Unlock()
		case <-e.closeCh:
			return
		}
	}
}

func clampThreat(threat int) int {
	if threat < 0 {
		return 0
	}
	if threat > 10 {
		return 10
	}
	return threat
}
