// Command maskirovka-server runs a standalone maskirovka listener.
//
// Usage:
//
//	maskirovka-server -config server.yaml
//	maskirovka-server -listen :8443 -key <hex> -decoy ok.ru
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	maskirovka "github.com/getlantern/maskirovka"
)

func main() {
	var (
		configFile  = flag.String("config", "", "YAML configuration file")
		listenAddr  = flag.String("listen", ":8443", "Listen address")
		keyHex      = flag.String("key", "", "Pre-shared key material (hex, 64 chars)")
		decoyDomain = flag.String("decoy", "", "Decoy domain for unauthenticated connections (e.g. ok.ru)")
		decoyAddr   = flag.String("decoy-addr", "", "Decoy domain IP:port override")
		genKey      = flag.Bool("genkey", false, "Generate new key material and exit")
		statsEvery  = flag.Duration("stats-interval", time.Minute, "Interval between stats log lines (0 disables)")
	)
	flag.Parse()

	if *genKey {
		generateKey()
		return
	}

	var serverConfig maskirovka.ServerConfig
	if *configFile != "" {
		fileConfig, err := maskirovka.LoadConfig(*configFile)
		if err != nil {
			log.Fatalf("loading config: %v", err)
		}
		serverConfig, err = fileConfig.ServerConfig(echoHandler)
		if err != nil {
			log.Fatalf("invalid config: %v", err)
		}
	} else {
		if *keyHex == "" {
			log.Fatal("--key is required (use --genkey to generate)")
		}
		key, err := hex.DecodeString(*keyHex)
		if err != nil || len(key) != 32 {
			log.Fatal("--key must be 64 hex characters (32 bytes)")
		}
		serverConfig = maskirovka.ServerConfig{
			ListenAddr:  *listenAddr,
			KeyMaterial: key,
			Handler:     echoHandler,
			DecoyDomain: *decoyDomain,
			DecoyAddr:   *decoyAddr,
		}
	}

	server, err := maskirovka.NewServer(serverConfig)
	if err != nil {
		log.Fatalf("creating server: %v", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("Shutting down...")
		server.Close()
	}()

	if *statsEvery > 0 {
		go logStats(server.Engine(), *statsEvery)
	}

	log.Printf("maskirovka server listening on %s (decoy: %s)",
		serverConfig.ListenAddr, serverConfig.DecoyDomain)
	if err := server.ListenAndServe(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

func generateKey() {
	key := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		log.Fatalf("generating key: %v", err)
	}
	privKey, pubKey, err := maskirovka.GenerateKeyPair()
	if err != nil {
		log.Fatalf("generating keypair: %v", err)
	}

	fmt.Printf("Pre-shared key: %s\n", hex.EncodeToString(key))
	fmt.Printf("Private key:    %s\n", hex.EncodeToString(privKey))
	fmt.Printf("Public key:     %s\n", hex.EncodeToString(pubKey))
}

// logStats periodically logs the engine counters.
func logStats(engine *maskirovka.Engine, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for range ticker.C {
		s := engine.Stats()
		log.Printf("stats: sessions=%d obfuscated=%d failed=%d replays_blocked=%d adaptations=%d",
			s.ActiveSessions, s.Obfuscated, s.Failed, s.ReplayPrevented, s.Adaptations)
	}
}

// echoHandler echoes deobfuscated data back through the engine pipeline.
// Deployments embed the package and supply their own handler.
func echoHandler(ctx context.Context, conn net.Conn) {
	buf := make([]byte, 32*1024)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			if err != io.EOF {
				log.Printf("read: %v", err)
			}
			return
		}
		if _, err := conn.Write(buf[:n]); err != nil {
			log.Printf("write: %v", err)
			return
		}
	}
}
