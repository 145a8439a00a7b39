// Package config loads the correlation engine's runtime configuration.
package config

import (
	"fmt"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure recognised by the core (§6).
type Config struct {
	Application ApplicationConfig `yaml:"application"`
	Logging     LoggingConfig     `yaml:"logging"`
	Server      ServerConfig      `yaml:"server"`

	Transport  TransportConfig  `yaml:"transport"`
	Subscriber SubscriberConfig `yaml:"subscriber"`
	Volte      VolteConfig      `yaml:"volte"`
	Filter     FilterConfig     `yaml:"filter"`
	Protocols  ProtocolsConfig  `yaml:"protocols"`
	CDR        CDRConfig        `yaml:"cdr"`

	mu sync.RWMutex
}

// ApplicationConfig holds process identity.
type ApplicationConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

// LoggingConfig mirrors internal/logger.Config in yaml form.
type LoggingConfig struct {
	Path       string `yaml:"path"`
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// ServerConfig holds the read-only export API's HTTP settings.
type ServerConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	JWTSecret    string        `yaml:"jwt_secret"`
	TokenExpiry  time.Duration `yaml:"token_expiry"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// TransportConfig bounds the reassembler (component A).
type TransportConfig struct {
	MaxStreams         int           `yaml:"max_tcp_streams"`
	MaxBufferPerStream int           `yaml:"max_tcp_buffer_per_stream"`
	IdleTimeout        time.Duration `yaml:"tcp_idle_timeout"`
}

// SubscriberConfig bounds the subscriber context store (component I).
type SubscriberConfig struct {
	MaxContexts int `yaml:"max_subscriber_contexts"`
}

// VolteConfig bounds the VoLTE call correlator (component J).
type VolteConfig struct {
	CallRetention time.Duration `yaml:"volte_call_retention"`
}

// FilterConfig points at a rule file for the field registry filter (component E).
type FilterConfig struct {
	RulesPath string `yaml:"filter_rules_path"`
}

// ProtocolsConfig carries the per-protocol enable flags from §6.
type ProtocolsConfig struct {
	SIP      bool `yaml:"sip"`
	Diameter bool `yaml:"diameter"`
	GTPv2    bool `yaml:"gtpv2"`
	PFCP     bool `yaml:"pfcp"`
	S1AP     bool `yaml:"s1ap"`
	RTP      bool `yaml:"rtp"`
}

// CDRConfig controls the optional downstream CDR writer (pkg/cdr).
type CDRConfig struct {
	Enabled bool   `yaml:"enabled"`
	DSN     string `yaml:"dsn"`
}

var (
	globalMu     sync.RWMutex
	globalConfig *Config
)

// Default returns the configuration used when no file is supplied.
func Default() *Config {
	return &Config{
		Application: ApplicationConfig{Name: "correlator", Version: "dev"},
		Logging:     LoggingConfig{Level: "info", Format: "console"},
		Server:      ServerConfig{Host: "0.0.0.0", Port: 8443, TokenExpiry: time.Hour},
		Transport: TransportConfig{
			MaxStreams:         100000,
			MaxBufferPerStream: 1 << 20,
			IdleTimeout:        300 * time.Second,
		},
		Subscriber: SubscriberConfig{MaxContexts: 1000000},
		Volte:      VolteConfig{CallRetention: time.Hour},
		Protocols:  ProtocolsConfig{SIP: true, Diameter: true, GTPv2: true, PFCP: true, S1AP: true, RTP: true},
	}
}

// Load reads configuration from a YAML file, filling unset fields from Default.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	globalMu.Lock()
	globalConfig = cfg
	globalMu.Unlock()

	return cfg, nil
}

// Get returns the process-wide configuration, or Default if none was loaded.
func Get() *Config {
	globalMu.RLock()
	defer globalMu.RUnlock()
	if globalConfig == nil {
		return Default()
	}
	return globalConfig
}

// Validate rejects configurations the core cannot run with.
func (c *Config) Validate() error {
	if c.Transport.MaxStreams <= 0 {
		return fmt.Errorf("transport.max_tcp_streams must be positive")
	}
	if c.Transport.MaxBufferPerStream <= 0 {
		return fmt.Errorf("transport.max_tcp_buffer_per_stream must be positive")
	}
	if c.Subscriber.MaxContexts <= 0 {
		return fmt.Errorf("subscriber.max_subscriber_contexts must be positive")
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	return nil
}

// Addr returns the export server's listen address in host:port form.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
