package maskirovka

import (
	"context"
	"fmt"
	"net"
	"time"

	utls "github.com/refraction-networking/utls"
)

// DialOptions configures a fingerprinted dial.
type DialOptions struct {
	// Addr is the TCP address of the listener.
	Addr string

	// ServerName is the SNI hostname presented in the ClientHello.
	ServerName string

	// Template names the fingerprint template whose browser identity the
	// handshake parrots (default: chrome_120).
	Template string

	// KeyMaterial, when set, embeds an authentication tag in the hello's
	// random field so a maskirovka listener can tell the connection apart
	// from an unrelated client or an active probe.
	KeyMaterial []byte

	// Dial overrides the TCP dialer.
	Dial DialFunc

	// Fragment splits the ClientHello across TCP segments at the SNI
	// boundary.
	Fragment bool

	// ConnectTimeout bounds the TCP dial (default: 10s).
	ConnectTimeout time.Duration
}

func (o *DialOptions) applyDefaults() {
	if o.Template == "" {
		o.Template = "chrome_120"
	}
	if o.ConnectTimeout == 0 {
		o.ConnectTimeout = 10 * time.Second
	}
}

// DialFingerprint opens a TCP connection and performs a real uTLS handshake
// whose ClientHello carries the named template's browser identity. This is
// the path for deployments that must survive a TLS-terminating middlebox;
// Synthesize covers the DPI-only path where no handshake completes.
//
// The returned conn has finished its handshake. Certificate verification is
// skipped: the listener authenticates the client through the hello's random
// field, and the application layer carries its own encryption.
func DialFingerprint(ctx context.Context, opts DialOptions) (net.Conn, error) {
	opts.applyDefaults()

	tpl, ok := LookupTemplate(opts.Template)
	if !ok {
		return nil, fmt.Errorf("unknown fingerprint template %q", opts.Template)
	}
	if opts.Addr == "" {
		return nil, fmt.Errorf("Addr is required")
	}
	if opts.ServerName == "" {
		return nil, fmt.Errorf("ServerName is required")
	}

	var tcpConn net.Conn
	var err error
	if opts.Dial != nil {
		tcpConn, err = opts.Dial(ctx, "tcp", opts.Addr)
	} else {
		dialer := &net.Dialer{Timeout: opts.ConnectTimeout}
		tcpConn, err = dialer.DialContext(ctx, "tcp", opts.Addr)
	}
	if err != nil {
		return nil, fmt.Errorf("TCP dial to %s: %w", opts.Addr, err)
	}

	var conn net.Conn = tcpConn
	if opts.Fragment {
		conn = NewHelloFragmenter(tcpConn, true)
	}

	tlsConfig := &utls.Config{
		ServerName:         opts.ServerName,
		InsecureSkipVerify: true,
		NextProtos:         []string{tpl.ALPN},
	}

	uConn := utls.UClient(conn, tlsConfig, tpl.HelloID)

	if len(opts.KeyMaterial) > 0 {
		if err := applyAuthToHello(uConn, opts.KeyMaterial); err != nil {
			uConn.Close()
			return nil, fmt.Errorf("applying auth: %w", err)
		}
	}

	if err := uConn.HandshakeContext(ctx); err != nil {
		uConn.Close()
		return nil, fmt.Errorf("TLS handshake: %w", err)
	}

	return uConn, nil
}

// Dial connects to a maskirovka listener: it dials TCP, transmits a
// synthesized authenticating ClientHello as the camouflage preamble, and
// wraps the connection in the engine pipeline. The hello is never answered;
// it exists so the connection's opening bytes look like a browser handshake
// to an on-path observer, while the embedded auth tag lets the listener
// tell the connection apart from a probe.
//
// opts.KeyMaterial is required and must match the listener's.
func (e *Engine) Dial(ctx context.Context, opts DialOptions) (net.Conn, error) {
	opts.applyDefaults()

	tpl, ok := LookupTemplate(opts.Template)
	if !ok {
		return nil, fmt.Errorf("unknown fingerprint template %q", opts.Template)
	}
	if opts.Addr == "" {
		return nil, fmt.Errorf("Addr is required")
	}
	if opts.ServerName == "" {
		return nil, fmt.Errorf("ServerName is required")
	}
	if len(opts.KeyMaterial) != keyMaterialLen {
		return nil, fmt.Errorf("KeyMaterial must be exactly %d bytes, got %d",
			keyMaterialLen, len(opts.KeyMaterial))
	}

	random, err := BuildAuthRandom(opts.KeyMaterial)
	if err != nil {
		return nil, err
	}
	hello, err := Synthesize(tpl, opts.ServerName, random[:])
	if err != nil {
		return nil, err
	}

	var tcpConn net.Conn
	if opts.Dial != nil {
		tcpConn, err = opts.Dial(ctx, "tcp", opts.Addr)
	} else {
		dialer := &net.Dialer{Timeout: opts.ConnectTimeout}
		tcpConn, err = dialer.DialContext(ctx, "tcp", opts.Addr)
	}
	if err != nil {
		return nil, fmt.Errorf("TCP dial to %s: %w", opts.Addr, err)
	}

	conn := tcpConn
	if opts.Fragment {
		conn = NewHelloFragmenter(tcpConn, true)
	}

	if _, err := conn.Write(hello); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sending hello: %w", err)
	}

	session, err := e.CreateSession(opts.KeyMaterial)
	if err != nil {
		conn.Close()
		return nil, err
	}

	return NewObfuscatedConn(conn, e, session), nil
}

// applyAuthToHello rebuilds the uTLS ClientHello with an auth-tagged random
// field. BuildHandshakeState generates the hello, the random is swapped in
// place, and MarshalClientHello re-encodes the wire bytes so the tag is what
// actually transmits.
func applyAuthToHello(uConn *utls.UConn, keyMaterial []byte) error {
	random, err := BuildAuthRandom(keyMaterial)
	if err != nil {
		return err
	}
	if err := uConn.BuildHandshakeState(); err != nil {
		return fmt.Errorf("building handshake state: %w", err)
	}
	copy(uConn.HandshakeState.Hello.Random, random[:])
	if err := uConn.MarshalClientHello(); err != nil {
		return fmt.Errorf("marshaling client hello: %w", err)
	}
	return nil
}
