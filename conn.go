package maskirovka

import (
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

// ObfuscatedConn wraps a net.Conn and runs the engine pipeline on every
// Write and Read. Outbound frames are transmitted after the shaper's
// computed delay by a dedicated sender goroutine, so the timing jitter
// never blocks the caller's I/O context. Each engine frame travels behind
// a masked 2-byte length prefix to delimit frames on the stream.
//
// Write and Read each follow the session's single-writer rule: at most one
// goroutine may call Write and one may call Read.
type ObfuscatedConn struct {
	conn    net.Conn
	engine  *Engine
	session *Session

	sendCh  chan scheduledFrame
	closeCh chan struct{}

	writeMu  sync.Mutex
	writeErr error

	readBuf []byte // residual plaintext from the last inbound frame

	closeOnce sync.Once
	closeErr  error
}

type scheduledFrame struct {
	data  []byte
	delay time.Duration
}

// maxWriteChunk bounds the plaintext handed to one engine frame so the
// disguised payload always fits the frame's 16-bit length fields, even
// after Base64 expansion.
const maxWriteChunk = 32768

const sendQueueLen = 64

// NewObfuscatedConn wraps conn with the engine pipeline for the given
// session. The session must have been created by this engine and must not
// be shared with another conn.
func NewObfuscatedConn(conn net.Conn, engine *Engine, session *Session) *ObfuscatedConn {
	c := &ObfuscatedConn{
		conn:    conn,
		engine:  engine,
		session: session,
		sendCh:  make(chan scheduledFrame, sendQueueLen),
		closeCh: make(chan struct{}),
	}
	go c.sendLoop()
	return c
}

// Session returns the conn's obfuscation session.
func (c *ObfuscatedConn) Session() *Session { return c.session }

// Write obfuscates b and schedules transmission after the shaper's delay.
// It returns as soon as the frames are queued; transport errors surface on
// the next Write.
func (c *ObfuscatedConn) Write(b []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.writeErr != nil {
		return 0, c.writeErr
	}

	written := 0
	for len(b) > 0 {
		chunk := b
		if len(chunk) > maxWriteChunk {
			chunk = chunk[:maxWriteChunk]
		}
		b = b[len(chunk):]

		frame, delay, err := c.engine.Obfuscate(c.session, chunk)
		if err != nil {
			return written, err
		}
		if len(frame) > maxFrameSize {
			return written, fmt.Errorf("%w: frame %d exceeds transport limit", ErrBufferTooSmall, len(frame))
		}

		wire := make([]byte, 0, 2+len(frame))
		mask := c.session.fieldMask()
		wire = append(wire, byte(len(frame)>>8)^mask[11], byte(len(frame))^mask[12])
		wire = append(wire, frame...)

		select {
		case c.sendCh <- scheduledFrame{data: wire, delay: delay}:
		case <-c.closeCh:
			return written, net.ErrClosed
		}
		written += len(chunk)
	}
	return written, nil
}

// Read reads the next inbound frame, deobfuscates it, and returns the
// plaintext. Replayed frames are dropped silently and the read continues;
// leftover plaintext that does not fit b is buffered for the next call.
func (c *ObfuscatedConn) Read(b []byte) (int, error) {
	for len(c.readBuf) == 0 {
		frame, err := c.readFrame()
		if err != nil {
			return 0, err
		}
		plaintext, err := c.engine.Deobfuscate(c.session, frame)
		if err == ErrReplayDetected {
			continue
		}
		if err != nil {
			return 0, err
		}
		c.readBuf = plaintext
	}
	n := copy(b, c.readBuf)
	c.readBuf = c.readBuf[n:]
	return n, nil
}

// readFrame reads one length-prefixed engine frame off the stream.
func (c *ObfuscatedConn) readFrame() ([]byte, error) {
	var prefix [2]byte
	if _, err := io.ReadFull(c.conn, prefix[:]); err != nil {
		return nil, err
	}
	mask := c.session.fieldMask()
	flen := int(prefix[0]^mask[11])<<8 | int(prefix[1]^mask[12])
	if flen < frameOverhead {
		return nil, fmt.Errorf("inbound frame length %d below minimum", flen)
	}
	frame := make([]byte, flen)
	if _, err := io.ReadFull(c.conn, frame); err != nil {
		return nil, err
	}
	return frame, nil
}

// sendLoop transmits queued frames after their scheduled delays. It is the
// only writer on the underlying conn.
func (c *ObfuscatedConn) sendLoop() {
	for {
		select {
		case f := <-c.sendCh:
			if f.delay > 0 {
				timer := time.NewTimer(f.delay)
				select {
				case <-timer.C:
				case <-c.closeCh:
					timer.Stop()
					return
				}
			}
			if _, err := c.conn.Write(f.data); err != nil {
				c.writeMu.Lock()
				c.writeErr = err
				c.writeMu.Unlock()
				return
			}
		case <-c.closeCh:
			return
		}
	}
}

// Close tears down the session and the underlying conn. Frames still
// waiting on their delay are dropped.
func (c *ObfuscatedConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closeCh)
		c.engine.CloseSession(c.session)
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

func (c *ObfuscatedConn) LocalAddr() net.Addr                { return c.conn.LocalAddr() }
func (c *ObfuscatedConn) RemoteAddr() net.Addr               { return c.conn.RemoteAddr() }
func (c *ObfuscatedConn) SetDeadline(t time.Time) error      { return c.conn.SetDeadline(t) }
func (c *ObfuscatedConn) SetReadDeadline(t time.Time) error  { return c.conn.SetReadDeadline(t) }
func (c *ObfuscatedConn) SetWriteDeadline(t time.Time) error { return c.conn.SetWriteDeadline(t) }

var _ net.Conn = (*ObfuscatedConn)(nil)
