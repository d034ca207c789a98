// Package config handles TOML configuration parsing for Lockstep. It
// loads configuration from lockstep.toml, applies environment variable
// overrides (prefixed with LOCKSTEP_), validates required fields, and
// provides sane defaults for all settings.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// Config is the top-level configuration for a Lockstep federate.
type Config struct {
	Federate FederateConfig `toml:"federate"`
	RTI      RTIConfig      `toml:"rti"`
	Server   ServerConfig   `toml:"server"`
	Limits   LimitsConfig   `toml:"limits"`
	Logging  LoggingConfig  `toml:"logging"`
	Status   StatusConfig   `toml:"status"`
}

// FederateConfig defines the identity and dependency graph position of
// this federate.
type FederateConfig struct {
	// ID is this federate's unique 16-bit identifier.
	ID uint16 `toml:"id"`

	// FederationID names the federation; connections across federations
	// are rejected during handshakes. ASCII, at most 255 bytes.
	FederationID string `toml:"federation_id"`

	// Upstream lists the federates that send messages to this one. Each
	// opens an inbound P2P connection during startup.
	Upstream []uint16 `toml:"upstream"`

	// Downstream lists the federates this one sends messages to. An
	// outbound P2P connection is opened to each during startup.
	Downstream []uint16 `toml:"downstream"`

	// FastStart skips the wait for physical time to reach the granted
	// start time.
	FastStart bool `toml:"fast_start"`

	// Duration bounds the run in logical time; empty means unbounded.
	// When set, the federate requests a federation stop at
	// start_time + duration.
	Duration string `toml:"duration"`
}

// DurationParsed returns the run duration, or ok=false when unbounded.
func (f FederateConfig) DurationParsed() (time.Duration, bool, error) {
	if f.Duration == "" {
		return 0, false, nil
	}
	d, err := time.ParseDuration(f.Duration)
	if err != nil {
		return 0, false, fmt.Errorf("parsing duration %q: %w", f.Duration, err)
	}
	return d, true, nil
}

// RTIConfig defines how to reach the run-time infrastructure.
type RTIConfig struct {
	Host string `toml:"host"`

	// Port is the RTI's port. Zero means cycle through the default port
	// range until the right RTI answers.
	Port uint16 `toml:"port"`
}

// ServerConfig defines the inbound P2P server settings.
type ServerConfig struct {
	// Port to bind for inbound peer connections. Zero lets the OS pick;
	// the assigned port is advertised to the RTI either way.
	Port uint16 `toml:"port"`
}

// LimitsConfig defines protocol timeouts, retry budgets and bounds.
type LimitsConfig struct {
	MaxMessageSize            string `toml:"max_message_size"`
	ConnectTimeout            string `toml:"connect_timeout"`
	ConnectRetryInterval      string `toml:"connect_retry_interval"`
	ConnectNumRetries         int    `toml:"connect_num_retries"`
	AddressQueryRetryInterval string `toml:"address_query_retry_interval"`
	ReadTimeout               string `toml:"read_timeout"`
	WriteTimeout              string `toml:"write_timeout"`
}

// MaxMessageBytes parses the MaxMessageSize string (e.g. "64MB") and
// returns bytes.
func (l LimitsConfig) MaxMessageBytes() (int64, error) {
	s := strings.TrimSpace(strings.ToUpper(l.MaxMessageSize))
	multiplier := int64(1)

	switch {
	case strings.HasSuffix(s, "GB"):
		multiplier = 1024 * 1024 * 1024
		s = strings.TrimSuffix(s, "GB")
	case strings.HasSuffix(s, "MB"):
		multiplier = 1024 * 1024
		s = strings.TrimSuffix(s, "MB")
	case strings.HasSuffix(s, "KB"):
		multiplier = 1024
		s = strings.TrimSuffix(s, "KB")
	case strings.HasSuffix(s, "B"):
		s = strings.TrimSuffix(s, "B")
	}

	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing max_message_size %q: %w", l.MaxMessageSize, err)
	}
	return n * multiplier, nil
}

// ConnectTimeoutParsed returns the total connection-establishment budget.
func (l LimitsConfig) ConnectTimeoutParsed() (time.Duration, error) {
	return parseDurationField("connect_timeout", l.ConnectTimeout)
}

// ConnectRetryIntervalParsed returns the pause between connect attempts.
func (l LimitsConfig) ConnectRetryIntervalParsed() (time.Duration, error) {
	return parseDurationField("connect_retry_interval", l.ConnectRetryInterval)
}

// AddressQueryRetryIntervalParsed returns the pause between address
// queries for a peer the RTI does not know yet.
func (l LimitsConfig) AddressQueryRetryIntervalParsed() (time.Duration, error) {
	return parseDurationField("address_query_retry_interval", l.AddressQueryRetryInterval)
}

// ReadTimeoutParsed returns the per-read socket timeout.
func (l LimitsConfig) ReadTimeoutParsed() (time.Duration, error) {
	return parseDurationField("read_timeout", l.ReadTimeout)
}

// WriteTimeoutParsed returns the per-write socket timeout.
func (l LimitsConfig) WriteTimeoutParsed() (time.Duration, error) {
	return parseDurationField("write_timeout", l.WriteTimeout)
}

func parseDurationField(name, value string) (time.Duration, error) {
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("parsing %s %q: %w", name, value, err)
	}
	return d, nil
}

// LoggingConfig defines structured logging settings.
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// StatusConfig defines the HTTP status/metrics endpoint settings.
type StatusConfig struct {
	Enabled bool   `toml:"enabled"`
	Listen  string `toml:"listen"`
}

// defaults returns a Config with sane default values for all fields.
func defaults() Config {
	return Config{
		Federate: FederateConfig{
			FederationID: "Unidentified Federation",
		},
		RTI: RTIConfig{
			Host: "localhost",
			Port: 0,
		},
		Server: ServerConfig{
			Port: 0,
		},
		Limits: LimitsConfig{
			MaxMessageSize:            "64MB",
			ConnectTimeout:            "60s",
			ConnectRetryInterval:      "2s",
			ConnectNumRetries:         5,
			AddressQueryRetryInterval: "100ms",
			ReadTimeout:               "10s",
			WriteTimeout:              "10s",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Status: StatusConfig{
			Enabled: false,
			Listen:  "127.0.0.1:9602",
		},
	}
}

// Load reads the configuration from the given TOML file path, applies
// defaults for missing values, and then applies environment variable
// overrides.
func Load(path string) (*Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// No config file; use defaults + env overrides.
			applyEnvOverrides(&cfg)
			if err := validate(&cfg); err != nil {
				return nil, err
			}
			return &cfg, nil
		}
		return nil, fmt.Errorf("reading config file %q: %w", path, err)
	}

	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %q: %w", path, err)
	}

	applyEnvOverrides(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// applyEnvOverrides overrides config fields with environment variables
// when set. Environment variables use the prefix LOCKSTEP_ followed by
// the section and field name in uppercase with underscores
// (e.g. LOCKSTEP_RTI_HOST).
func applyEnvOverrides(cfg *Config) {
	// Federate
	if v := os.Getenv("LOCKSTEP_FEDERATE_ID"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 16); err == nil {
			cfg.Federate.ID = uint16(n)
		}
	}
	if v := os.Getenv("LOCKSTEP_FEDERATE_FEDERATION_ID"); v != "" {
		cfg.Federate.FederationID = v
	}
	if v := os.Getenv("LOCKSTEP_FEDERATE_FAST_START"); v != "" {
		cfg.Federate.FastStart = v == "true" || v == "1"
	}
	if v := os.Getenv("LOCKSTEP_FEDERATE_DURATION"); v != "" {
		cfg.Federate.Duration = v
	}
	if v := os.Getenv("LOCKSTEP_FEDERATE_UPSTREAM"); v != "" {
		if ids, err := parseIDList(v); err == nil {
			cfg.Federate.Upstream = ids
		}
	}
	if v := os.Getenv("LOCKSTEP_FEDERATE_DOWNSTREAM"); v != "" {
		if ids, err := parseIDList(v); err == nil {
			cfg.Federate.Downstream = ids
		}
	}

	// RTI
	if v := os.Getenv("LOCKSTEP_RTI_HOST"); v != "" {
		cfg.RTI.Host = v
	}
	if v := os.Getenv("LOCKSTEP_RTI_PORT"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 16); err == nil {
			cfg.RTI.Port = uint16(n)
		}
	}

	// Server
	if v := os.Getenv("LOCKSTEP_SERVER_PORT"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 16); err == nil {
			cfg.Server.Port = uint16(n)
		}
	}

	// Limits
	if v := os.Getenv("LOCKSTEP_LIMITS_MAX_MESSAGE_SIZE"); v != "" {
		cfg.Limits.MaxMessageSize = v
	}
	if v := os.Getenv("LOCKSTEP_LIMITS_CONNECT_TIMEOUT"); v != "" {
		cfg.Limits.ConnectTimeout = v
	}
	if v := os.Getenv("LOCKSTEP_LIMITS_CONNECT_RETRY_INTERVAL"); v != "" {
		cfg.Limits.ConnectRetryInterval = v
	}
	if v := os.Getenv("LOCKSTEP_LIMITS_CONNECT_NUM_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Limits.ConnectNumRetries = n
		}
	}
	if v := os.Getenv("LOCKSTEP_LIMITS_ADDRESS_QUERY_RETRY_INTERVAL"); v != "" {
		cfg.Limits.AddressQueryRetryInterval = v
	}
	if v := os.Getenv("LOCKSTEP_LIMITS_READ_TIMEOUT"); v != "" {
		cfg.Limits.ReadTimeout = v
	}
	if v := os.Getenv("LOCKSTEP_LIMITS_WRITE_TIMEOUT"); v != "" {
		cfg.Limits.WriteTimeout = v
	}

	// Logging
	if v := os.Getenv("LOCKSTEP_LOGGING_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("LOCKSTEP_LOGGING_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}

	// Status
	if v := os.Getenv("LOCKSTEP_STATUS_ENABLED"); v != "" {
		cfg.Status.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("LOCKSTEP_STATUS_LISTEN"); v != "" {
		cfg.Status.Listen = v
	}
}

// parseIDList parses a comma-separated list of federate IDs.
func parseIDList(s string) ([]uint16, error) {
	parts := strings.Split(s, ",")
	ids := make([]uint16, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.ParseUint(strings.TrimSpace(p), 10, 16)
		if err != nil {
			return nil, fmt.Errorf("parsing federate ID %q: %w", p, err)
		}
		ids = append(ids, uint16(n))
	}
	return ids, nil
}

// validate checks the loaded configuration for inconsistencies that
// would make a run fail later.
func validate(cfg *Config) error {
	if len(cfg.Federate.FederationID) > 255 {
		return fmt.Errorf("federation_id is %d bytes, max 255", len(cfg.Federate.FederationID))
	}
	for _, r := range cfg.Federate.FederationID {
		if r > 127 {
			return fmt.Errorf("federation_id contains non-ASCII character %q", r)
		}
	}
	if cfg.RTI.Host == "" {
		return fmt.Errorf("rti.host must not be empty")
	}
	for _, id := range cfg.Federate.Upstream {
		if id == cfg.Federate.ID {
			return fmt.Errorf("federate %d lists itself as upstream", id)
		}
	}
	for _, id := range cfg.Federate.Downstream {
		if id == cfg.Federate.ID {
			return fmt.Errorf("federate %d lists itself as downstream", id)
		}
	}
	if _, _, err := cfg.Federate.DurationParsed(); err != nil {
		return err
	}
	if _, err := cfg.Limits.MaxMessageBytes(); err != nil {
		return err
	}
	if _, err := cfg.Limits.ConnectTimeoutParsed(); err != nil {
		return err
	}
	if _, err := cfg.Limits.ConnectRetryIntervalParsed(); err != nil {
		return err
	}
	if _, err := cfg.Limits.AddressQueryRetryIntervalParsed(); err != nil {
		return err
	}
	if _, err := cfg.Limits.ReadTimeoutParsed(); err != nil {
		return err
	}
	if _, err := cfg.Limits.WriteTimeoutParsed(); err != nil {
		return err
	}
	if cfg.Limits.ConnectNumRetries <= 0 {
		return fmt.Errorf("connect_num_retries must be positive, got %d", cfg.Limits.ConnectNumRetries)
	}
	return nil
}
