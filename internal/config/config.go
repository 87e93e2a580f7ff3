// Package config manages the ATTP node configuration using koanf/v2.
//
// Supports JSON files (with C-style comment tolerance) and environment
// variable overrides, layered over built-in defaults in the order
// defaults < file < env (spec §6 Configuration).
package config

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"

	"github.com/dantte-lp/attp/internal/auth"
)

// -------------------------------------------------------------------------
// Configuration structures
// -------------------------------------------------------------------------

// Config holds the complete node configuration (spec §6).
type Config struct {
	Node     NodeConfig     `koanf:"node"`
	Server   ServerConfig   `koanf:"server"`
	Client   ClientConfig   `koanf:"client"`
	Services ServicesConfig `koanf:"services"`
	Log      LogConfig      `koanf:"log"`
	Metrics  MetricsConfig  `koanf:"metrics"`
}

// NodeConfig identifies this node to its peers.
type NodeConfig struct {
	Name string `koanf:"name"`
}

// ServerConfig configures the inbound acceptor.
type ServerConfig struct {
	// Bind is "host:port"; host and port are set together through this
	// one field (env override: ATTP_SERVER_BIND).
	Bind    string       `koanf:"bind"`
	Limits  ServerLimits `koanf:"limits"`
	Verbose bool         `koanf:"verbose"`
}

// ServerLimits bounds what the server accepts from a peer.
type ServerLimits struct {
	MaxPayloadSize int `koanf:"max_payload_size"`
}

// ClientConfig configures outbound connections this node establishes.
type ClientConfig struct {
	Limits ClientLimits `koanf:"limits"`
	Auth   AuthConfig   `koanf:"auth"`
}

// ClientLimits bounds outbound connection behavior.
type ClientLimits struct {
	ConnectionTimeoutSeconds int `koanf:"connection_timeout"`
	MaxRetries               int `koanf:"max_retries"`
}

// AuthConfig is the HMAC auth strategy configuration (spec §4.6, §6).
type AuthConfig struct {
	Mode          string `koanf:"mode"`
	Secret        string `koanf:"secret"`
	SharedSecret  string `koanf:"shared_secret"`
	NodeID        string `koanf:"node_id"`
	KeyID         string `koanf:"key_id"`
	TTLSeconds    int64  `koanf:"ttl_seconds"`
	MaxClockSkew  int64  `koanf:"max_clock_skew"`
}

// secret returns whichever of secret/shared_secret was set, resolved
// through the shared secret-reference syntax (spec §6 Secret references).
func (a AuthConfig) secret() (*auth.SecretRef, error) {
	raw := a.Secret
	if raw == "" {
		raw = a.SharedSecret
	}
	if raw == "" {
		return nil, fmt.Errorf("config: client.auth has no secret or shared_secret")
	}
	return auth.ParseSecretRef(raw), nil
}

// ServicesConfig configures this node's peers and its load-balancing
// strategy (spec §4.11, §6).
type ServicesConfig struct {
	Peers    []PeerConfig   `koanf:"peers"`
	Balancer BalancerConfig `koanf:"balancer"`
}

// PeerConfig describes one outbound peer connection (spec §6 Peer
// config).
type PeerConfig struct {
	RemoteURI      string     `koanf:"remote_uri"`
	Namespace      string     `koanf:"namespace"`
	Capabilities   []string   `koanf:"capabilities"`
	Authorization  string     `koanf:"authorization"`
	Auth           AuthConfig `koanf:"auth"`
}

// DefaultCapabilities is what a peer gets when its config omits
// capabilities (spec §6).
var DefaultCapabilities = []string{"schema/msgpack", "streaming"}

// BalancerConfig names the active load-balancing strategy and its
// free-form parameters (spec §4.11).
type BalancerConfig struct {
	Strategy           string         `koanf:"strategy"`
	StrategyParameters map[string]any `koanf:"strategy_parameters"`
}

// LogConfig holds the logging configuration.
type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// MetricsConfig holds the Prometheus metrics endpoint configuration.
type MetricsConfig struct {
	Addr string `koanf:"addr"`
	Path string `koanf:"path"`
}

// -------------------------------------------------------------------------
// Defaults
// -------------------------------------------------------------------------

// DefaultConfig returns a Config populated with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Bind: ":7070",
			Limits: ServerLimits{
				MaxPayloadSize: 4 << 20,
			},
		},
		Client: ClientConfig{
			Limits: ClientLimits{
				ConnectionTimeoutSeconds: 10,
				MaxRetries:               3,
			},
			Auth: AuthConfig{
				Mode:         "hmac",
				TTLSeconds:   30,
				MaxClockSkew: 5,
			},
		},
		Services: ServicesConfig{
			Balancer: BalancerConfig{
				Strategy: "round-robin",
			},
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Addr: ":9100",
			Path: "/metrics",
		},
	}
}

// -------------------------------------------------------------------------
// Loader
// -------------------------------------------------------------------------

// envPrefix is the environment variable prefix recognized for config
// overrides beyond the handful of standalone ATTP_* variables (spec §6
// Environment).
const envPrefix = "ATTP_"

// Load reads configuration from a JSON file at path (C-style comments
// tolerated), overlays ATTP_-prefixed environment variable overrides, and
// merges on top of DefaultConfig(). Missing fields inherit defaults.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	defaults := DefaultConfig()
	if err := loadDefaults(k, defaults); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	raw, err := file.Provider(path).ReadBytes()
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := k.Load(rawbytes.Provider(stripComments(raw)), json.Parser()); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config from %s: %w", path, err)
	}

	return cfg, nil
}

// commentOrString matches a JSON string literal, a `// ...` line comment,
// or a `/* ... */` block comment. stripComments removes the comments from
// a JSON document before parsing (spec §6: "JSON with C-style comment
// tolerance") and keeps string literals intact, so a value such as
// "tcp://host:port" is not mistaken for a comment.
var commentOrString = regexp.MustCompile(`"(?:[^"\\]|\\.)*"|//[^\n]*|(?s:/\*.*?\*/)`)

func stripComments(raw []byte) []byte {
	out := commentOrString.ReplaceAllFunc(raw, func(m []byte) []byte {
		if m[0] == '"' {
			return m
		}
		return nil
	})
	return bytes.TrimSpace(out)
}

// envKeyMapper transforms ATTP_NODE_NAME -> node.name.
func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	return strings.ReplaceAll(s, "_", ".")
}

// loadDefaults marshals the default config into koanf as the base layer.
func loadDefaults(k *koanf.Koanf, defaults *Config) error {
	defaultMap := map[string]any{
		"node.name":                       defaults.Node.Name,
		"server.bind":                     defaults.Server.Bind,
		"server.limits.max_payload_size":  defaults.Server.Limits.MaxPayloadSize,
		"server.verbose":                  defaults.Server.Verbose,
		"client.limits.connection_timeout": defaults.Client.Limits.ConnectionTimeoutSeconds,
		"client.limits.max_retries":       defaults.Client.Limits.MaxRetries,
		"client.auth.mode":                defaults.Client.Auth.Mode,
		"client.auth.ttl_seconds":         defaults.Client.Auth.TTLSeconds,
		"client.auth.max_clock_skew":      defaults.Client.Auth.MaxClockSkew,
		"services.balancer.strategy":      defaults.Services.Balancer.Strategy,
		"log.level":                       defaults.Log.Level,
		"log.format":                      defaults.Log.Format,
		"metrics.addr":                    defaults.Metrics.Addr,
		"metrics.path":                    defaults.Metrics.Path,
	}

	for key, val := range defaultMap {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}

	return nil
}

// -------------------------------------------------------------------------
// Validation
// -------------------------------------------------------------------------

// Validation errors.
var (
	ErrEmptyNodeName      = errors.New("node.name must not be empty")
	ErrEmptyServerBind     = errors.New("server.bind must not be empty")
	ErrInvalidMaxPayload   = errors.New("server.limits.max_payload_size must be > 0")
	ErrInvalidAuthMode     = errors.New("client.auth.mode must be \"hmac\"")
	ErrMissingAuthSecret   = errors.New("client.auth requires secret or shared_secret")
	ErrInvalidTTL          = errors.New("client.auth.ttl_seconds must be > 0")
	ErrEmptyPeerURI        = errors.New("peer remote_uri must not be empty")
	ErrEmptyPeerNamespace  = errors.New("peer namespace must not be empty")
	ErrEmptyBalancerName   = errors.New("services.balancer.strategy must not be empty")
)

// Validate checks the configuration for logical errors. Returns the
// first validation error encountered.
func Validate(cfg *Config) error {
	if cfg.Node.Name == "" {
		return ErrEmptyNodeName
	}
	if cfg.Server.Bind == "" {
		return ErrEmptyServerBind
	}
	if cfg.Server.Limits.MaxPayloadSize <= 0 {
		return ErrInvalidMaxPayload
	}
	if cfg.Client.Auth.Mode != "hmac" {
		return ErrInvalidAuthMode
	}
	if cfg.Client.Auth.TTLSeconds <= 0 {
		return ErrInvalidTTL
	}
	if _, err := cfg.Client.Auth.secret(); err != nil {
		return ErrMissingAuthSecret
	}
	if cfg.Services.Balancer.Strategy == "" {
		return ErrEmptyBalancerName
	}
	if err := validatePeers(cfg.Services.Peers); err != nil {
		return err
	}
	return nil
}

func validatePeers(peers []PeerConfig) error {
	for i, p := range peers {
		if p.RemoteURI == "" {
			return fmt.Errorf("services.peers[%d]: %w", i, ErrEmptyPeerURI)
		}
		if p.Namespace == "" {
			return fmt.Errorf("services.peers[%d]: %w", i, ErrEmptyPeerNamespace)
		}
	}
	return nil
}

// -------------------------------------------------------------------------
// Log level parsing
// -------------------------------------------------------------------------

// ParseLogLevel maps a configuration log level string to the
// corresponding slog.Level. Unknown values default to slog.LevelInfo.
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// PeerCapabilities returns p's configured capabilities, or
// DefaultCapabilities if none were set.
func PeerCapabilities(p PeerConfig) []string {
	if len(p.Capabilities) == 0 {
		return DefaultCapabilities
	}
	return p.Capabilities
}

// AuthSigner resolves the client auth secret into an *auth.Signer for
// namespace ns, identifying as nodeID (falling back to cfg.Client.Auth's
// configured node id, then cfg.Node.Name).
func (c *Config) AuthSigner(ns string) (*auth.Signer, error) {
	secret, err := c.Client.Auth.secret()
	if err != nil {
		return nil, err
	}
	nodeID := c.Client.Auth.NodeID
	if nodeID == "" {
		nodeID = c.Node.Name
	}
	return &auth.Signer{
		Namespace:    ns,
		NodeID:       nodeID,
		KeyID:        c.Client.Auth.KeyID,
		Secret:       secret,
		TTLSeconds:   int(c.Client.Auth.TTLSeconds),
		MaxClockSkew: int(c.Client.Auth.MaxClockSkew),
	}, nil
}

// AuthSignerForPeer builds the *auth.Signer for outbound connections to
// peer p, overlaying p's own auth fields (if set) over client.auth so a
// peer can be pinned to a different secret/key than the node default.
func (c *Config) AuthSignerForPeer(p PeerConfig) (*auth.Signer, error) {
	effective := c.Client.Auth
	if p.Auth.Secret != "" {
		effective.Secret = p.Auth.Secret
	}
	if p.Auth.SharedSecret != "" {
		effective.SharedSecret = p.Auth.SharedSecret
	}
	if p.Auth.NodeID != "" {
		effective.NodeID = p.Auth.NodeID
	}
	if p.Auth.KeyID != "" {
		effective.KeyID = p.Auth.KeyID
	}
	if p.Auth.TTLSeconds != 0 {
		effective.TTLSeconds = p.Auth.TTLSeconds
	}
	if p.Auth.MaxClockSkew != 0 {
		effective.MaxClockSkew = p.Auth.MaxClockSkew
	}

	secret, err := effective.secret()
	if err != nil {
		return nil, err
	}
	nodeID := effective.NodeID
	if nodeID == "" {
		nodeID = c.Node.Name
	}
	return &auth.Signer{
		Namespace:    p.Namespace,
		NodeID:       nodeID,
		KeyID:        effective.KeyID,
		Secret:       secret,
		TTLSeconds:   int(effective.TTLSeconds),
		MaxClockSkew: int(effective.MaxClockSkew),
	}, nil
}

// AuthStrategy builds the server-side verifying *auth.Strategy from the
// same client.auth secret this node signs with, since ATTP peers in a
// namespace share one secret for both directions. maxReplayEntries
// bounds the replay cache's size (spec §4.6 Replay cache).
func (c *Config) AuthStrategy(maxReplayEntries int) (*auth.Strategy, error) {
	secret, err := c.Client.Auth.secret()
	if err != nil {
		return nil, err
	}
	return auth.NewStrategy(secret, c.Client.Auth.TTLSeconds, c.Client.Auth.MaxClockSkew, maxReplayEntries), nil
}
