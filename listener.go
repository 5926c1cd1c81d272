package maskirovka

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

// ServerConfig configures a maskirovka listener.
type ServerConfig struct {
	// ListenAddr is the TCP address to accept on.
	ListenAddr string

	// KeyMaterial is the pre-shared session key material (32 bytes). The
	// listener authenticates clients against it and derives the per-session
	// sub-keys from it.
	KeyMaterial []byte

	// Handler is invoked for each authenticated connection with the
	// deobfuscating conn.
	Handler ConnHandler

	// Engine configures the obfuscation engine shared by all sessions.
	Engine Config

	// DecoyDomain and DecoyAddr name the origin site unauthenticated
	// connections are proxied to. Empty DecoyDomain disables the decoy;
	// failed connections are closed instead.
	DecoyDomain string
	DecoyAddr   string

	DecoyIdleTimeout time.Duration
	DecoyMaxDuration time.Duration

	// HelloTimeout bounds the wait for the ClientHello (default: 10s).
	HelloTimeout time.Duration
}

func (c *ServerConfig) applyDefaults() {
	if c.HelloTimeout == 0 {
		c.HelloTimeout = 10 * time.Second
	}
}

// Server accepts connections, authenticates them through the tag embedded in
// the ClientHello random field, and runs the engine pipeline on those that
// pass. Connections that fail are handed to the decoy proxy, so active
// probes see the real origin site.
type Server struct {
	config ServerConfig
	engine *Engine
	decoy  *Decoy

	listener net.Listener
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewServer creates a listener from config.
func NewServer(config ServerConfig) (*Server, error) {
	config.applyDefaults()

	if len(config.KeyMaterial) != keyMaterialLen {
		return nil, fmt.Errorf("KeyMaterial must be exactly %d bytes, got %d",
			keyMaterialLen, len(config.KeyMaterial))
	}
	if config.ListenAddr == "" {
		return nil, fmt.Errorf("ListenAddr is required")
	}
	if config.Handler == nil {
		return nil, fmt.Errorf("Handler is required")
	}

	engine, err := NewEngine(config.Engine)
	if err != nil {
		return nil, fmt.Errorf("creating engine: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	s := &Server{
		config: config,
		engine: engine,
		ctx:    ctx,
		cancel: cancel,
	}

	if config.DecoyDomain != "" {
		s.decoy = NewDecoy(
			config.DecoyDomain,
			config.DecoyAddr,
			config.DecoyIdleTimeout,
			config.DecoyMaxDuration,
		)
	}

	return s, nil
}

// Engine returns the server's obfuscation engine, for stats and threat
// notification.
func (s *Server) Engine() *Engine { return s.engine }

// ListenAndServe starts accepting connections on the configured address.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.config.ListenAddr, err)
	}
	s.listener = ln

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return nil
			default:
				return fmt.Errorf("accepting connection: %w", err)
			}
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConnection(conn)
		}()
	}
}

// Close shuts down the server and its engine.
func (s *Server) Close() error {
	s.cancel()
	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	s.wg.Wait()
	s.engine.Close()
	return err
}

// Addr returns the server's listen address, or nil if not listening.
func (s *Server) Addr() net.Addr {
	if s.listener != nil {
		return s.listener.Addr()
	}
	return nil
}

// handleConnection processes a new TCP connection:
//  1. Read the ClientHello record (buffering the raw bytes)
//  2. Verify the auth tag in the hello's random field
//  3. On success, run the engine pipeline and hand off to the Handler
//  4. On failure, proxy to the decoy origin
func (s *Server) handleConnection(conn net.Conn) {
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(s.config.HelloTimeout))

	record, err := readClientHelloRecord(conn)
	if err != nil {
		return
	}

	conn.SetReadDeadline(time.Time{})

	info, err := parseClientHello(record)
	if err != nil {
		s.doDecoy(conn, record)
		return
	}

	ok, err := VerifyAuthRandom(s.config.KeyMaterial, info.random)
	if err != nil || !ok {
		s.doDecoy(conn, record)
		return
	}

	session, err := s.engine.CreateSession(s.config.KeyMaterial)
	if err != nil {
		return
	}

	oc := NewObfuscatedConn(conn, s.engine, session)
	defer oc.Close()
	s.config.Handler(s.ctx, oc)
}

// doDecoy forwards the connection to the decoy origin, or closes it when no
// decoy is configured.
func (s *Server) doDecoy(conn net.Conn, record []byte) {
	if s.decoy == nil {
		return
	}
	s.decoy.ProxyConnection(conn, record)
}

// readClientHelloRecord reads one complete TLS handshake record off conn and
// returns the raw bytes, header included. It reads directly from the
// connection so no bytes are lost to buffering.
func readClientHelloRecord(conn net.Conn) ([]byte, error) {
	header := make([]byte, 5)
	if _, err := io.ReadFull(conn, header); err != nil {
		return nil, fmt.Errorf("reading TLS record header: %w", err)
	}

	if header[0] != recordTypeHandshake {
		return nil, fmt.Errorf("expected handshake record (type %d), got type %d",
			recordTypeHandshake, header[0])
	}

	recordLen := int(header[3])<<8 | int(header[4])
	if recordLen > maxRecordLen {
		return nil, fmt.Errorf("TLS record too large: %d", recordLen)
	}

	record := make([]byte, 5+recordLen)
	copy(record, header)
	if _, err := io.ReadFull(conn, record[5:]); err != nil {
		return nil, fmt.Errorf("reading TLS record payload: %w", err)
	}
	return record, nil
}
