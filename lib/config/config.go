// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"regexp"
	"time"

	"github.com/joho/godotenv"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// Environment represents the deployment environment.
type Environment string

const (
	Development Environment = "development"
	Staging     Environment = "staging"
	Production  Environment = "production"
)

// ConfigEnvVar names the environment variable Load reads the config
// path from.
const ConfigEnvVar = "PAIRSPACE_CONFIG"

// Config is the master configuration for pairspace clients and the
// relay.
type Config struct {
	Environment Environment `yaml:"environment"`

	Settings `yaml:",inline"`

	// Per-environment override sections. Each is decoded on top of
	// Settings when Environment matches, so only the keys present in
	// the section change.
	Development *yaml.Node `yaml:"development,omitempty"`
	Staging     *yaml.Node `yaml:"staging,omitempty"`
	Production  *yaml.Node `yaml:"production,omitempty"`
}

// Settings is the overridable part of Config.
type Settings struct {
	Sync      SyncConfig      `yaml:"sync"`
	Awareness AwarenessConfig `yaml:"awareness"`
	Media     MediaConfig     `yaml:"media"`
	Sandbox   SandboxConfig   `yaml:"sandbox"`
	Roster    RosterConfig    `yaml:"roster"`
	Chat      ChatConfig      `yaml:"chat"`
	Relay     RelayConfig     `yaml:"relay"`
	ICE       ICEConfig       `yaml:"ice"`
}

// SyncConfig configures the document transport reconciler.
type SyncConfig struct {
	// RelayURL is the base URL of the relay. ws:// and wss:// select
	// the WebSocket transport; the webrtc transport uses it only to
	// name the relay peer.
	RelayURL string `yaml:"relay_url"`

	// Transport is "websocket" or "webrtc".
	Transport string `yaml:"transport"`

	HandshakeTimeout Duration      `yaml:"handshake_timeout"`
	ResyncInterval   Duration      `yaml:"resync_interval"`
	Backoff          BackoffConfig `yaml:"backoff"`
}

// BackoffConfig is shared by the sync and media state machines.
type BackoffConfig struct {
	Initial    Duration `yaml:"initial"`
	Max        Duration `yaml:"max"`
	Multiplier float64  `yaml:"multiplier"`
	// Jitter is the randomization factor in [0, 1).
	Jitter float64 `yaml:"jitter"`
}

// AwarenessConfig configures presence propagation.
type AwarenessConfig struct {
	Debounce        Duration `yaml:"debounce"`
	LivenessTimeout Duration `yaml:"liveness_timeout"`
	Heartbeat       Duration `yaml:"heartbeat"`
}

// MediaConfig configures the conferencing provider connection.
type MediaConfig struct {
	ServerURL       string        `yaml:"server_url"`
	TokenURL        string        `yaml:"token_url"`
	MaxJoinAttempts int           `yaml:"max_join_attempts"`
	Backoff         BackoffConfig `yaml:"backoff"`
}

// SandboxConfig configures the remote code-execution service.
type SandboxConfig struct {
	URL  string `yaml:"url"`
	Host string `yaml:"host"`
	// LanguagesFile optionally points at a JSONC object mapping
	// language names to sandbox language ids, replacing the built-in
	// table.
	LanguagesFile string   `yaml:"languages_file"`
	Timeout       Duration `yaml:"timeout"`
}

// RosterConfig configures the session roster store.
type RosterConfig struct {
	// DatabaseURL is a PostgreSQL connection string. Empty selects the
	// static roster built from the command line.
	DatabaseURL string `yaml:"database_url"`
}

// ChatConfig configures the chat log.
type ChatConfig struct {
	// RedisAddress selects the Redis stream log. Empty keeps chat in
	// process memory.
	RedisAddress string `yaml:"redis_address"`
}

// RelayConfig configures pairspace-relay.
type RelayConfig struct {
	ListenAddress string `yaml:"listen_address"`

	// FanoutRedisAddress enables cross-process fan-out through Redis
	// pub/sub so several relays can serve one key.
	FanoutRedisAddress string `yaml:"fanout_redis_address"`

	// IdleTimeout is how long a room without connections keeps its
	// document in memory.
	IdleTimeout Duration `yaml:"idle_timeout"`

	Signaling SignalingConfig `yaml:"signaling"`
}

// SignalingConfig configures WebRTC offer/answer exchange.
type SignalingConfig struct {
	// RedisAddress selects the Redis signaler. Empty disables the
	// WebRTC listener.
	RedisAddress string `yaml:"redis_address"`

	// Localpart is the relay's peer name on the signaling plane.
	Localpart string `yaml:"localpart"`

	PollInterval Duration `yaml:"poll_interval"`
}

// ICEConfig lists STUN/TURN servers for WebRTC transports.
type ICEConfig struct {
	Servers []ICEServer `yaml:"servers"`
}

// ICEServer is one STUN or TURN server entry.
type ICEServer struct {
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username,omitempty"`
	Credential string   `yaml:"credential,omitempty"`
}

// Duration is a time.Duration written as a Go duration string
// ("250ms", "2s") in YAML.
type Duration time.Duration

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var text string
	if err := node.Decode(&text); err != nil {
		return fmt.Errorf("line %d: duration must be a string: %w", node.Line, err)
	}
	parsed, err := time.ParseDuration(text)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Default returns the base configuration every loaded file is decoded
// on top of.
func Default() *Config {
	return &Config{
		Environment: Development,
		Settings: Settings{
			Sync: SyncConfig{
				RelayURL:         "ws://127.0.0.1:7420",
				Transport:        "websocket",
				HandshakeTimeout: Duration(5 * time.Second),
				ResyncInterval:   Duration(2 * time.Second),
				Backoff: BackoffConfig{
					Initial:    Duration(500 * time.Millisecond),
					Max:        Duration(30 * time.Second),
					Multiplier: 2,
					Jitter:     0.2,
				},
			},
			Awareness: AwarenessConfig{
				Debounce:        Duration(250 * time.Millisecond),
				LivenessTimeout: Duration(30 * time.Second),
				Heartbeat:       Duration(10 * time.Second),
			},
			Media: MediaConfig{
				MaxJoinAttempts: 5,
				Backoff: BackoffConfig{
					Initial:    Duration(5 * time.Second),
					Max:        Duration(40 * time.Second),
					Multiplier: 2,
					Jitter:     0.2,
				},
			},
			Sandbox: SandboxConfig{
				URL:     "https://judge0-ce.p.rapidapi.com",
				Host:    "judge0-ce.p.rapidapi.com",
				Timeout: Duration(30 * time.Second),
			},
			Relay: RelayConfig{
				ListenAddress: "127.0.0.1:7420",
				IdleTimeout:   Duration(10 * time.Minute),
				Signaling: SignalingConfig{
					Localpart:    "relay",
					PollInterval: Duration(250 * time.Millisecond),
				},
			},
			ICE: ICEConfig{
				Servers: []ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}},
			},
		},
	}
}

// Load loads configuration from the file named by PAIRSPACE_CONFIG.
// There is no discovery: an unset variable is an error.
func Load() (*Config, error) {
	configPath := os.Getenv(ConfigEnvVar)
	if configPath == "" {
		return nil, fmt.Errorf("%s environment variable not set; "+
			"set it to the path of your pairspace.yaml config file, or use --config flag", ConfigEnvVar)
	}
	return LoadFile(configPath)
}

// LoadFile loads configuration from path, applies the section for the
// file's environment, and expands ${VAR} references in URL fields.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML document on top of Default.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.applyEnvironmentOverrides(); err != nil {
		return nil, err
	}
	cfg.expandVariables()
	return cfg, nil
}

func (c *Config) applyEnvironmentOverrides() error {
	var overrides *yaml.Node
	switch c.Environment {
	case Development:
		overrides = c.Development
	case Staging:
		overrides = c.Staging
	case Production:
		overrides = c.Production
	}
	if overrides == nil {
		return nil
	}
	if err := overrides.Decode(&c.Settings); err != nil {
		return fmt.Errorf("applying %s overrides: %w", c.Environment, err)
	}
	return nil
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// expandVars replaces ${VAR} and ${VAR:-default}. Only URL-shaped
// fields are expanded; no environment variable overrides a value
// written in the file.
func expandVars(s string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if value := os.Getenv(parts[1]); value != "" {
			return value
		}
		return parts[2]
	})
}

func (c *Config) expandVariables() {
	c.Sync.RelayURL = expandVars(c.Sync.RelayURL)
	c.Media.ServerURL = expandVars(c.Media.ServerURL)
	c.Media.TokenURL = expandVars(c.Media.TokenURL)
	c.Sandbox.URL = expandVars(c.Sandbox.URL)
	c.Sandbox.LanguagesFile = expandVars(c.Sandbox.LanguagesFile)
	c.Roster.DatabaseURL = expandVars(c.Roster.DatabaseURL)
	c.Chat.RedisAddress = expandVars(c.Chat.RedisAddress)
	c.Relay.FanoutRedisAddress = expandVars(c.Relay.FanoutRedisAddress)
	c.Relay.Signaling.RedisAddress = expandVars(c.Relay.Signaling.RedisAddress)
}

// Validate reports every configuration error at once.
func (c *Config) Validate() error {
	var errs []error

	switch c.Environment {
	case Development, Staging, Production:
	default:
		errs = append(errs, fmt.Errorf("invalid environment: %q", c.Environment))
	}

	switch c.Sync.Transport {
	case "websocket", "webrtc":
	default:
		errs = append(errs, fmt.Errorf("sync.transport must be websocket or webrtc, got %q", c.Sync.Transport))
	}
	if _, err := url.Parse(c.Sync.RelayURL); err != nil || c.Sync.RelayURL == "" {
		errs = append(errs, fmt.Errorf("sync.relay_url is required and must be a URL"))
	}
	if c.Sync.HandshakeTimeout <= 0 {
		errs = append(errs, fmt.Errorf("sync.handshake_timeout must be positive"))
	}
	if c.Sync.ResyncInterval <= 0 {
		errs = append(errs, fmt.Errorf("sync.resync_interval must be positive"))
	}
	errs = append(errs, c.Sync.Backoff.validate("sync.backoff")...)
	errs = append(errs, c.Media.Backoff.validate("media.backoff")...)

	if c.Awareness.Debounce <= 0 || c.Awareness.LivenessTimeout <= 0 || c.Awareness.Heartbeat <= 0 {
		errs = append(errs, fmt.Errorf("awareness durations must be positive"))
	}
	if c.Awareness.Heartbeat >= c.Awareness.LivenessTimeout {
		errs = append(errs, fmt.Errorf("awareness.heartbeat (%s) must be shorter than awareness.liveness_timeout (%s)",
			c.Awareness.Heartbeat.Std(), c.Awareness.LivenessTimeout.Std()))
	}
	if c.Media.MaxJoinAttempts < 1 {
		errs = append(errs, fmt.Errorf("media.max_join_attempts must be at least 1"))
	}
	if c.Relay.IdleTimeout <= 0 {
		errs = append(errs, fmt.Errorf("relay.idle_timeout must be positive"))
	}

	return errors.Join(errs...)
}

func (b BackoffConfig) validate(prefix string) []error {
	var errs []error
	if b.Initial <= 0 {
		errs = append(errs, fmt.Errorf("%s.initial must be positive", prefix))
	}
	if b.Max < b.Initial {
		errs = append(errs, fmt.Errorf("%s.max must be at least %s.initial", prefix, prefix))
	}
	if b.Multiplier < 1 {
		errs = append(errs, fmt.Errorf("%s.multiplier must be at least 1", prefix))
	}
	if b.Jitter < 0 || b.Jitter >= 1 {
		errs = append(errs, fmt.Errorf("%s.jitter must be in [0, 1)", prefix))
	}
	return errs
}

// LoadDotEnv loads secrets (sandbox API key, token service key) from a
// .env file into the process environment. Variables already set win.
// A missing file is not an error.
func LoadDotEnv(path string) error {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("loading %s: %w", path, err)
	}
	return nil
}

// LoadLanguageTable reads a JSONC object of language name to sandbox
// language id.
func LoadLanguageTable(path string) (map[string]int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading language table: %w", err)
	}
	var table map[string]int
	if err := json.Unmarshal(jsonc.ToJSON(data), &table); err != nil {
		return nil, fmt.Errorf("parsing language table %s: %w", path, err)
	}
	if len(table) == 0 {
		return nil, fmt.Errorf("language table %s is empty", path)
	}
	return table, nil
}
