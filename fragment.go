package maskirovka

import (
	"crypto/rand"
	"math/big"
	"net"
	"sync"
	"time"
)

// HelloFragmenter wraps a net.Conn and splits the first write, the
// synthesized or parroted ClientHello, across multiple TCP segments at the
// SNI hostname boundary, forcing DPI middleboxes to reassemble the stream
// before they can extract the server name. Subsequent writes pass through.
type HelloFragmenter struct {
	conn     net.Conn
	enabled  bool
	minDelay time.Duration
	maxDelay time.Duration

	mu         sync.Mutex
	firstWrite bool
}

// NewHelloFragmenter creates a fragmenter around conn. When enabled is
// false every write passes through unchanged.
func NewHelloFragmenter(conn net.Conn, enabled bool) *HelloFragmenter {
	return &HelloFragmenter{
		conn:       conn,
		enabled:    enabled,
		firstWrite: true,
		minDelay:   1 * time.Millisecond,
		maxDelay:   20 * time.Millisecond,
	}
}

// Write implements net.Conn.Write. The first call fragments the hello;
// later calls pass through directly.
func (f *HelloFragmenter) Write(b []byte) (int, error) {
	f.mu.Lock()
	isFirst := f.firstWrite
	f.firstWrite = false
	f.mu.Unlock()

	if !isFirst || !f.enabled || len(b) < 50 {
		return f.conn.Write(b)
	}
	return f.fragmentHello(b)
}

// fragmentHello splits the hello into two or three segments. The primary
// split lands inside the SNI hostname when one is present, with a random
// offset so the split position itself is not a signature; a secondary
// random split adds further fragmentation.
func (f *HelloFragmenter) fragmentHello(data []byte) (int, error) {
	split := f.sniSplitPoint(data)
	if split <= 0 || split >= len(data) {
		split = randomInt(20, len(data)/2)
	}

	second := -1
	if split+10 < len(data) {
		second = randomInt(split+1, len(data))
	}

	total := 0
	segments := [][]byte{data[:split]}
	if second > split {
		segments = append(segments, data[split:second], data[second:])
	} else {
		segments = append(segments, data[split:])
	}

	for i, seg := range segments {
		if i > 0 {
			time.Sleep(randomDuration(f.minDelay, f.maxDelay))
		}
		n, err := f.conn.Write(seg)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// sniSplitPoint returns an offset inside the SNI hostname bytes of a
// ClientHello record, or -1 when the record has no SNI.
func (f *HelloFragmenter) sniSplitPoint(data []byte) int {
	info, err := parseClientHello(data)
	if err != nil || info.sniNameOffset < 0 {
		return -1
	}
	maxOffset := len(info.serverName)
	if maxOffset > 10 {
		maxOffset = 10
	}
	if maxOffset > 0 {
		return info.sniNameOffset + randomInt(0, maxOffset)
	}
	return info.sniNameOffset
}

func (f *HelloFragmenter) Read(b []byte) (int, error)        { return f.conn.Read(b) }
func (f *HelloFragmenter) Close() error                      { return f.conn.Close() }
func (f *HelloFragmenter) LocalAddr() net.Addr               { return f.conn.LocalAddr() }
func (f *HelloFragmenter) RemoteAddr() net.Addr              { return f.conn.RemoteAddr() }
func (f *HelloFragmenter) SetDeadline(t time.Time) error     { return f.conn.SetDeadline(t) }
func (f *HelloFragmenter) SetReadDeadline(t time.Time) error { return f.conn.SetReadDeadline(t) }
func (f *HelloFragmenter) SetWriteDeadline(t time.Time) error {
	return f.conn.SetWriteDeadline(t)
}

// randomInt returns a random int in [min, max).
func randomInt(min, max int) int {
	if min >= max {
		return min
	}
	n, _ := rand.Int(rand.Reader, big.NewInt(int64(max-min)))
	return min + int(n.Int64())
}

// randomDuration returns a random duration in [min, max).
func randomDuration(min, max time.Duration) time.Duration {
	if min >= max {
		return min
	}
	n, _ := rand.Int(rand.Reader, big.NewInt(int64(max-min)))
	return min + time.Duration(n.Int64())
}
