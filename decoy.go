package maskirovka

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"
)

// Decoy implements a TCP-level transparent proxy to a real origin site. When
// the listener receives a connection whose ClientHello fails authentication,
// it enters decoy mode: the buffered raw hello is forwarded to the origin
// and bidirectional proxying begins.
//
// An active prober therefore completes a real TLS handshake with the real
// origin's certificate and sees real HTTP responses, making the listener
// indistinguishable from the site it impersonates.
type Decoy struct {
	OriginAddr   string        // IP:port of the origin (resolved from domain when empty)
	OriginDomain string        // domain name for DNS resolution
	IdleTimeout  time.Duration // close after no data in either direction (default: 5m)
	MaxDuration  time.Duration // absolute max proxy duration (default: 10m)
	DialTimeout  time.Duration // timeout connecting to origin (default: 10s)
}

// NewDecoy creates a decoy proxy with defaults.
func NewDecoy(domain, addr string, idleTimeout, maxDuration time.Duration) *Decoy {
	if idleTimeout == 0 {
		idleTimeout = 5 * time.Minute
	}
	if maxDuration == 0 {
		maxDuration = 10 * time.Minute
	}
	return &Decoy{
		OriginAddr:   addr,
		OriginDomain: domain,
		IdleTimeout:  idleTimeout,
		MaxDuration:  maxDuration,
		DialTimeout:  10 * time.Second,
	}
}

// ProxyConnection forwards an unauthenticated connection to the origin.
// clientHello contains the raw record bytes already read off conn for the
// failed auth check; they are replayed to the origin before proxying starts.
//
// The proxy ends when either side closes, when IdleTimeout passes with no
// data in one direction, or when MaxDuration elapses. Idle expiry and EOF
// are normal teardown, not errors.
func (d *Decoy) ProxyConnection(conn net.Conn, clientHello []byte) error {
	addr := d.OriginAddr
	if addr == "" {
		addr = net.JoinHostPort(d.OriginDomain, "443")
	}

	originConn, err := net.DialTimeout("tcp", addr, d.DialTimeout)
	if err != nil {
		return fmt.Errorf("connecting to decoy origin %s: %w", addr, err)
	}

	if len(clientHello) > 0 {
		if _, err := originConn.Write(clientHello); err != nil {
			originConn.Close()
			return fmt.Errorf("forwarding ClientHello to origin: %w", err)
		}
	}

	hardStop := time.Now().Add(d.MaxDuration)
	results := make(chan error, 2)
	go func() { results <- d.relay(originConn, conn, hardStop) }()
	go func() { results <- d.relay(conn, originConn, hardStop) }()

	// The first direction to stop settles the outcome; closing both ends
	// unblocks the other relay.
	err = <-results
	conn.Close()
	originConn.Close()
	<-results
	return err
}

// relay copies src to dst, arming a fresh read deadline before every read:
// IdleTimeout ahead of now, clamped to the hard stop. Each chunk of data
// pushes the idle horizon forward, so only a genuinely silent direction
// times out.
func (d *Decoy) relay(dst, src net.Conn, hardStop time.Time) error {
	buf := make([]byte, 32*1024)
	for {
		idle := time.Now().Add(d.IdleTimeout)
		if idle.After(hardStop) {
			idle = hardStop
		}
		src.SetReadDeadline(idle)

		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return werr
			}
		}
		switch {
		case err == nil:
		case errors.Is(err, io.EOF):
			if tc, ok := dst.(*net.TCPConn); ok {
				tc.CloseWrite()
			}
			return nil
		case errors.Is(err, os.ErrDeadlineExceeded):
			return nil
		default:
			return err
		}
	}
}
