package maskirovka

import (
	"bytes"
	"context"
	"crypto/rand"
	"io"
	"net"
	"testing"
	"time"
)

// pipePair wires two engines together over net.Pipe, one ObfuscatedConn per
// end, both sharing key material.
func pipePair(t *testing.T, config Config) (*ObfuscatedConn, *ObfuscatedConn) {
	t.Helper()
	km := testKeyMaterial(t)

	left := newTestEngine(t, config)
	right := newTestEngine(t, config)

	ls, err := left.CreateSession(km)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	rs, err := right.CreateSession(km)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	lc, rc := net.Pipe()
	a := NewObfuscatedConn(lc, left, ls)
	b := NewObfuscatedConn(rc, right, rs)
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return a, b
}

func TestConnRoundTrip(t *testing.T) {
	a, b := pipePair(t, Config{})

	msg := []byte("ping across the obfuscated channel")
	go func() {
		a.Write(msg)
	}()

	b.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, len(msg))
	if _, err := io.ReadFull(b, buf); err != nil {
		t.Fatalf("reading: %v", err)
	}
	if !bytes.Equal(buf, msg) {
		t.Error("received data differs from sent data")
	}

	// And back the other way.
	reply := []byte("pong")
	go func() {
		b.Write(reply)
	}()
	a.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf = make([]byte, len(reply))
	if _, err := io.ReadFull(a, buf); err != nil {
		t.Fatalf("reading reply: %v", err)
	}
	if !bytes.Equal(buf, reply) {
		t.Error("reply differs from sent data")
	}
}

func TestConnLargeTransfer(t *testing.T) {
	a, b := pipePair(t, Config{InitialMethod: MethodXorMask})

	payload := make([]byte, 100*1024)
	if _, err := rand.Read(payload); err != nil {
		t.Fatalf("generating payload: %v", err)
	}

	go func() {
		a.Write(payload)
	}()

	b.SetReadDeadline(time.Now().Add(10 * time.Second))
	got := make([]byte, len(payload))
	if _, err := io.ReadFull(b, got); err != nil {
		t.Fatalf("reading: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Error("large transfer corrupted data")
	}
}

func TestConnHybridTransfer(t *testing.T) {
	a, b := pipePair(t, Config{InitialMethod: MethodHybrid})

	msg := []byte("layered disguise over the wire")
	go func() {
		a.Write(msg)
	}()

	b.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, len(msg))
	if _, err := io.ReadFull(b, buf); err != nil {
		t.Fatalf("reading: %v", err)
	}
	if !bytes.Equal(buf, msg) {
		t.Error("received data differs from sent data")
	}
}

// --- Listener integration ---

func startTestServer(t *testing.T, km []byte) *Server {
	t.Helper()
	server, err := NewServer(ServerConfig{
		ListenAddr:  "127.0.0.1:0",
		KeyMaterial: km,
		Handler: func(ctx context.Context, conn net.Conn) {
			io.Copy(conn, conn)
		},
	})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}

	go server.ListenAndServe()
	t.Cleanup(func() { server.Close() })

	deadline := time.Now().Add(5 * time.Second)
	for server.Addr() == nil {
		if time.Now().After(deadline) {
			t.Fatal("server did not start listening")
		}
		time.Sleep(10 * time.Millisecond)
	}
	return server
}

func TestServerEndToEnd(t *testing.T) {
	km := testKeyMaterial(t)
	server := startTestServer(t, km)

	client := newTestEngine(t, Config{})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, err := client.Dial(ctx, DialOptions{
		Addr:        server.Addr().String(),
		ServerName:  "example.com",
		KeyMaterial: km,
		Fragment:    true,
	})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	msg := []byte("request through the listener")
	if _, err := conn.Write(msg); err != nil {
		t.Fatalf("Write: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	buf := make([]byte, len(msg))
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("reading echo: %v", err)
	}
	if !bytes.Equal(buf, msg) {
		t.Error("echo differs from request")
	}
}

func TestServerRejectsUnauthenticated(t *testing.T) {
	km := testKeyMaterial(t)
	server := startTestServer(t, km)

	raw, err := net.Dial("tcp", server.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer raw.Close()

	// A well-formed hello with a genuinely random random field: looks like
	// an ordinary browser, carries no auth tag.
	tpl, _ := LookupTemplate("chrome_120")
	hello, err := Synthesize(tpl, "example.com", testRandom(t))
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if _, err := raw.Write(hello); err != nil {
		t.Fatalf("writing hello: %v", err)
	}

	// With no decoy configured the server closes the connection.
	raw.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := raw.Read(make([]byte, 1)); err != io.EOF {
		t.Errorf("read error = %v, want EOF", err)
	}
}
