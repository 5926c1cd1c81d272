package maskirovka

import (
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// FileConfig is the YAML file layout for a standalone maskirovka deployment.
// It maps onto ServerConfig / Config; programmatic embedders can skip it and
// build those structs directly.
type FileConfig struct {
	Listen string `yaml:"listen"`

	// Key is the hex-encoded 32-byte pre-shared key material.
	Key string `yaml:"key"`

	ServerName  string `yaml:"server_name"`
	Fingerprint string `yaml:"fingerprint"`

	Decoy struct {
		Domain      string `yaml:"domain"`
		Addr        string `yaml:"addr"`
		IdleTimeout int    `yaml:"idle_timeout_sec"`
		MaxDuration int    `yaml:"max_duration_sec"`
	} `yaml:"decoy"`

	Methods       []string `yaml:"methods"`
	InitialMethod string   `yaml:"initial_method"`

	Shape struct {
		MinPacketSize     int `yaml:"min_packet_size"`
		MaxPacketSize     int `yaml:"max_packet_size"`
		SizeJitterPercent int `yaml:"size_jitter_percent"`
		BaseDelayMs       int `yaml:"base_delay_ms"`
		TimingJitterMs    int `yaml:"timing_jitter_ms"`
	} `yaml:"shape"`
	ShapingDisabled bool `yaml:"shaping_disabled"`

	AdaptationCooldownSec int `yaml:"adaptation_cooldown_sec"`
	SessionIdleTimeoutSec int `yaml:"session_idle_timeout_sec"`
}

// LoadConfig reads and validates a YAML configuration file.
func LoadConfig(path string) (*FileConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	var c FileConfig
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	c.Listen = strings.TrimSpace(c.Listen)
	c.Key = strings.TrimSpace(c.Key)
	c.Fingerprint = strings.TrimSpace(c.Fingerprint)
	if c.Fingerprint == "" {
		c.Fingerprint = "chrome_120"
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks the file configuration for common errors.
func (c *FileConfig) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("'listen' address is required")
	}
	key, err := hex.DecodeString(c.Key)
	if err != nil {
		return fmt.Errorf("'key' is not valid hex: %w", err)
	}
	if len(key) != keyMaterialLen {
		return fmt.Errorf("'key' must decode to %d bytes, got %d", keyMaterialLen, len(key))
	}
	if _, ok := LookupTemplate(c.Fingerprint); !ok {
		return fmt.Errorf("unknown fingerprint %q: expected one of %s",
			c.Fingerprint, strings.Join(TemplateNames(), "/"))
	}
	if c.InitialMethod != "" {
		if _, err := ParseMethod(c.InitialMethod); err != nil {
			return err
		}
	}
	for _, m := range c.Methods {
		if _, err := ParseMethod(m); err != nil {
			return err
		}
	}
	if c.AdaptationCooldownSec < 0 || c.SessionIdleTimeoutSec < 0 {
		return fmt.Errorf("%w: negative timeout", ErrConfigOutOfRange)
	}
	return nil
}

// KeyMaterial decodes the hex pre-shared key. Validate must have passed.
func (c *FileConfig) KeyMaterial() []byte {
	key, _ := hex.DecodeString(c.Key)
	return key
}

// EngineConfig converts the file configuration into an engine Config.
func (c *FileConfig) EngineConfig() (Config, error) {
	cfg := Config{
		Shape: ShapeParams{
			MinPacketSize:     c.Shape.MinPacketSize,
			MaxPacketSize:     c.Shape.MaxPacketSize,
			SizeJitterPercent: c.Shape.SizeJitterPercent,
			BaseDelayMs:       c.Shape.BaseDelayMs,
			TimingJitterMs:    c.Shape.TimingJitterMs,
		},
		ShapingDisabled:    c.ShapingDisabled,
		AdaptationCooldown: time.Duration(c.AdaptationCooldownSec) * time.Second,
		SessionIdleTimeout: time.Duration(c.SessionIdleTimeoutSec) * time.Second,
	}
	if c.InitialMethod != "" {
		m, err := ParseMethod(c.InitialMethod)
		if err != nil {
			return Config{}, err
		}
		cfg.InitialMethod = m
	}
	for _, name := range c.Methods {
		m, err := ParseMethod(name)
		if err != nil {
			return Config{}, err
		}
		cfg.Methods = append(cfg.Methods, m)
	}
	return cfg, nil
}

// ServerConfig converts the file configuration into a listener config with
// the given connection handler.
func (c *FileConfig) ServerConfig(handler ConnHandler) (ServerConfig, error) {
	engine, err := c.EngineConfig()
	if err != nil {
		return ServerConfig{}, err
	}
	return ServerConfig{
		ListenAddr:       c.Listen,
		KeyMaterial:      c.KeyMaterial(),
		Handler:          handler,
		Engine:           engine,
		DecoyDomain:      c.Decoy.Domain,
		DecoyAddr:        c.Decoy.Addr,
		DecoyIdleTimeout: time.Duration(c.Decoy.IdleTimeout) * time.Second,
		DecoyMaxDuration: time.Duration(c.Decoy.MaxDuration) * time.Second,
	}, nil
}
