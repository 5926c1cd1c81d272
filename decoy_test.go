package maskirovka

import (
	"bytes"
	"io"
	"net"
	"testing"
	"time"
)

func TestDecoyForwardsAndProxies(t *testing.T) {
	origin, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer origin.Close()

	hello := []byte("buffered client hello bytes")
	response := []byte("origin response")
	gotHello := make(chan []byte, 1)
	go func() {
		c, err := origin.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		buf := make([]byte, len(hello))
		if _, err := io.ReadFull(c, buf); err != nil {
			return
		}
		gotHello <- buf
		c.Write(response)
	}()

	d := NewDecoy("", origin.Addr().String(), time.Second, 5*time.Second)
	probe, serverSide := net.Pipe()
	done := make(chan error, 1)
	go func() { done <- d.ProxyConnection(serverSide, hello) }()

	probe.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, len(response))
	if _, err := io.ReadFull(probe, buf); err != nil {
		t.Fatalf("reading proxied response: %v", err)
	}
	if !bytes.Equal(buf, response) {
		t.Error("proxied response differs from origin's")
	}

	select {
	case got := <-gotHello:
		if !bytes.Equal(got, hello) {
			t.Error("origin received different hello bytes")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("origin never received the buffered hello")
	}

	probe.Close()
	if err := <-done; err != nil {
		t.Errorf("ProxyConnection: %v", err)
	}
}

func TestDecoyIdleTimeout(t *testing.T) {
	origin, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer origin.Close()
	go func() {
		c, err := origin.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		io.Copy(io.Discard, c)
	}()

	d := &Decoy{
		OriginAddr:  origin.Addr().String(),
		IdleTimeout: 100 * time.Millisecond,
		MaxDuration: time.Minute,
		DialTimeout: time.Second,
	}

	probe, serverSide := net.Pipe()
	defer probe.Close()

	// Neither side sends anything after the hello, so the idle timeout has
	// to end the proxy well before MaxDuration.
	start := time.Now()
	if err := d.ProxyConnection(serverSide, []byte("hello")); err != nil {
		t.Fatalf("ProxyConnection: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("idle shutdown took %v, want well under MaxDuration", elapsed)
	}
}
