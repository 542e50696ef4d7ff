// Package config provides configuration parsing and validation for the relay.
package config

import (
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/postalsys/dgram-relay/internal/connid"
	"github.com/postalsys/dgram-relay/internal/protocol"
	"github.com/postalsys/dgram-relay/internal/transport"
)

// Config represents the complete relay configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Transport TransportConfig `yaml:"transport" toml:"transport"`
	Admission AdmissionConfig `yaml:"admission" toml:"admission"`
	Streams   StreamsConfig   `yaml:"streams" toml:"streams"`
	TLS       TLSConfig       `yaml:"tls" toml:"tls"`
	Log       LogConfig       `yaml:"log" toml:"log"`
	Health    HealthConfig    `yaml:"health" toml:"health"`
}

// ServerConfig contains socket settings.
type ServerConfig struct {
	Listen       string   `yaml:"listen" toml:"listen"`               // UDP address to bind
	AppProto     string   `yaml:"app_proto" toml:"app_proto"`         // siduck, h3, wq-vvv
	ReadBatch    int      `yaml:"read_batch" toml:"read_batch"`       // packets per batched read
	SocketBuffer ByteSize `yaml:"socket_buffer" toml:"socket_buffer"` // SO_RCVBUF/SO_SNDBUF, 0 keeps the OS default
}

// TransportConfig contains the transport parameters offered to clients.
type TransportConfig struct {
	MaxIdleTimeout time.Duration `yaml:"max_idle_timeout" toml:"max_idle_timeout"`
	MaxUDPPayload  ByteSize      `yaml:"max_udp_payload" toml:"max_udp_payload"`
	MaxData        ByteSize      `yaml:"max_data" toml:"max_data"`
	MaxStreamData  ByteSize      `yaml:"max_stream_data" toml:"max_stream_data"`
	Datagrams      bool          `yaml:"datagrams" toml:"datagrams"`
	DatagramQueue  int           `yaml:"datagram_queue" toml:"datagram_queue"`
}

// AdmissionConfig controls stateless retry and session identifiers.
type AdmissionConfig struct {
	Retry     bool          `yaml:"retry" toml:"retry"`
	Key       string        `yaml:"key" toml:"key"`               // hex session-id key, sensitive
	KeyFile   string        `yaml:"key_file" toml:"key_file"`     // file holding a hex key
	RateLimit float64       `yaml:"rate_limit" toml:"rate_limit"` // stateless replies per second, 0 = unlimited
	Burst     int           `yaml:"burst" toml:"burst"`
	RetireFor time.Duration `yaml:"retire_for" toml:"retire_for"` // how long collected identifiers stay refused
}

// StreamsConfig controls reply stream numbering of the stream relay.
type StreamsConfig struct {
	FirstUni uint64 `yaml:"first_uni" toml:"first_uni"`
	Step     uint64 `yaml:"step" toml:"step"`
}

// TLSConfig defines TLS material for the HTTP endpoint.
type TLSConfig struct {
	Cert string `yaml:"cert" toml:"cert"` // Certificate file path
	Key  string `yaml:"key" toml:"key"`   // Private key file path
}

// HasCertAndKey reports whether both files are configured.
func (t TLSConfig) HasCertAndKey() bool {
	return t.Cert != "" && t.Key != ""
}

// LogConfig contains logger settings.
type LogConfig struct {
	Level  string `yaml:"level" toml:"level"`   // debug, info, warn, error
	Format string `yaml:"format" toml:"format"` // text, json
}

// HealthConfig defines health check server settings.
type HealthConfig struct {
	Enabled      bool          `yaml:"enabled" toml:"enabled"`
	Address      string        `yaml:"address" toml:"address"`
	TLS          bool          `yaml:"tls" toml:"tls"` // serve over HTTPS with tls.cert and tls.key
	ReadTimeout  time.Duration `yaml:"read_timeout" toml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout" toml:"write_timeout"`
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Listen:    "127.0.0.1:4433",
			AppProto:  protocol.AppSiduck,
			ReadBatch: 32,
		},
		Transport: TransportConfig{
			MaxIdleTimeout: 60 * time.Second,
			MaxUDPPayload:  1350,
			MaxData:        10_000_000,
			MaxStreamData:  1_000_000,
			Datagrams:      true,
			DatagramQueue:  1024,
		},
		Admission: AdmissionConfig{
			Retry:     true,
			RateLimit: 1000,
			Burst:     100,
			RetireFor: 3 * time.Minute,
		},
		Streams: StreamsConfig{
			FirstUni: transport.FirstServerUniStream,
			Step:     transport.StreamIDStep,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Health: HealthConfig{
			Enabled:      false,
			Address:      "127.0.0.1:8080",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
	}
}

// Load reads and parses a configuration file. Files ending in .toml are
// parsed as TOML, everything else as YAML.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if strings.EqualFold(filepath.Ext(path), ".toml") {
		return ParseTOML(data)
	}
	return Parse(data)
}

// Parse parses configuration from YAML bytes.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// ParseTOML parses configuration from TOML bytes.
func ParseTOML(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	cfg := Default()
	md, err := toml.Decode(expanded, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("failed to parse config: unknown keys %v", undecoded)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// envVarRegex matches ${VAR} or $VAR patterns
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars replaces environment variable references with their values.
// ${VAR:-default} falls back to default; unknown references are kept.
func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}

		if varName, defaultVal, ok := strings.Cut(name, ":-"); ok {
			if val, ok := os.LookupEnv(varName); ok {
				return val
			}
			return defaultVal
		}

		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	// Server
	if _, _, err := net.SplitHostPort(c.Server.Listen); err != nil {
		errs = append(errs, fmt.Sprintf("server.listen: %v", err))
	}
	if _, err := protocol.LookupApplication(c.Server.AppProto); err != nil {
		errs = append(errs, fmt.Sprintf("server.app_proto: %v (must be siduck, h3, or wq-vvv)", err))
	}
	if c.Server.ReadBatch < 1 || c.Server.ReadBatch > 1024 {
		errs = append(errs, "server.read_batch must be between 1 and 1024")
	}

	// Transport
	if c.Transport.MaxIdleTimeout < 0 {
		errs = append(errs, "transport.max_idle_timeout must not be negative")
	}
	if c.Transport.MaxUDPPayload < 1200 || c.Transport.MaxUDPPayload > 65527 {
		errs = append(errs, "transport.max_udp_payload must be between 1200 and 65527")
	}
	if c.Transport.MaxStreamData > c.Transport.MaxData {
		errs = append(errs, "transport.max_stream_data must be <= max_data")
	}
	if c.Transport.Datagrams && c.Transport.DatagramQueue < 1 {
		errs = append(errs, "transport.datagram_queue must be positive when datagrams are enabled")
	}

	// Admission
	if c.Admission.Key != "" && c.Admission.KeyFile != "" {
		errs = append(errs, "admission.key and admission.key_file are mutually exclusive")
	}
	if c.Admission.Key != "" {
		if key, err := hex.DecodeString(c.Admission.Key); err != nil || len(key) == 0 || len(key) > 64 {
			errs = append(errs, "admission.key must be 1 to 64 hex encoded bytes")
		}
	}
	if c.Admission.RateLimit < 0 {
		errs = append(errs, "admission.rate_limit must not be negative")
	}
	if c.Admission.RateLimit > 0 && c.Admission.Burst < 1 {
		errs = append(errs, "admission.burst must be positive when rate_limit is set")
	}
	if c.Admission.RetireFor <= 0 {
		errs = append(errs, "admission.retire_for must be positive")
	}

	// Streams
	if c.Streams.Step == 0 || c.Streams.Step%transport.StreamIDStep != 0 {
		errs = append(errs, "streams.step must be a positive multiple of 4")
	}
	if c.Streams.FirstUni%transport.StreamIDStep != transport.FirstServerUniStream {
		errs = append(errs, "streams.first_uni must be a server unidirectional stream ID (3 mod 4)")
	}

	// TLS
	if (c.TLS.Cert == "") != (c.TLS.Key == "") {
		errs = append(errs, "tls.cert and tls.key must be set together")
	}

	// Log
	if !isValidLogLevel(c.Log.Level) {
		errs = append(errs, fmt.Sprintf("invalid log.level: %s (must be debug, info, warn, or error)", c.Log.Level))
	}
	if !isValidLogFormat(c.Log.Format) {
		errs = append(errs, fmt.Sprintf("invalid log.format: %s (must be text or json)", c.Log.Format))
	}

	// Health
	if c.Health.Enabled && c.Health.Address == "" {
		errs = append(errs, "health.address is required when enabled")
	}
	if c.Health.Enabled && c.Health.TLS && !c.TLS.HasCertAndKey() {
		errs = append(errs, "health.tls requires tls.cert and tls.key")
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func isValidLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	default:
		return false
	}
}

func isValidLogFormat(format string) bool {
	switch format {
	case "text", "json":
		return true
	default:
		return false
	}
}

// TransportParams returns the transport parameters for the configured
// application protocol.
func (c *Config) TransportParams() (transport.Params, error) {
	app, err := protocol.LookupApplication(c.Server.AppProto)
	if err != nil {
		return transport.Params{}, err
	}

	return transport.Params{
		ALPNs:                 app.ALPNs,
		MaxIdleTimeout:        c.Transport.MaxIdleTimeout,
		MaxUDPPayload:         int(c.Transport.MaxUDPPayload),
		InitialMaxData:        uint64(c.Transport.MaxData),
		InitialMaxStreamData:  uint64(c.Transport.MaxStreamData),
		InitialMaxStreamsBidi: app.MaxStreamsBidi,
		InitialMaxStreamsUni:  app.MaxStreamsUni,
		DatagramsEnabled:      c.Transport.Datagrams,
		MaxDatagramQueue:      c.Transport.DatagramQueue,
	}, nil
}

// SessionKey returns the configured session-id key, or nil when a random
// key should be generated.
func (c *Config) SessionKey() ([]byte, error) {
	switch {
	case c.Admission.Key != "":
		return hex.DecodeString(c.Admission.Key)
	case c.Admission.KeyFile != "":
		key, err := connid.LoadKeyFile(c.Admission.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("admission.key_file: %w", err)
		}
		return key, nil
	default:
		return nil, nil
	}
}

// String returns a YAML representation with sensitive values redacted.
func (c *Config) String() string {
	data, _ := yaml.Marshal(c.Redacted())
	return string(data)
}

// StringUnsafe returns a string representation including sensitive values.
// Use with caution - do not log the output.
func (c *Config) StringUnsafe() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}

// redactedValue is the placeholder for sensitive values.
const redactedValue = "[REDACTED]"

// Redacted returns a copy of the config with sensitive values redacted.
func (c *Config) Redacted() *Config {
	redacted := *c
	if redacted.Admission.Key != "" {
		redacted.Admission.Key = redactedValue
	}
	if redacted.TLS.Key != "" {
		redacted.TLS.Key = redactedValue
	}
	return &redacted
}

// HasSensitiveData returns true if the config embeds secret material.
func (c *Config) HasSensitiveData() bool {
	return c.Admission.Key != ""
}
