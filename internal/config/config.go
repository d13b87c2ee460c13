// Package config loads and validates the process-wide configuration
// of the secure channel core from a YAML document.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/sigurd-ua/opcua-secchan/internal/cryptoprovider"
	"github.com/sigurd-ua/opcua-secchan/internal/sctcp"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration document.
type Config struct {
	Core        CoreConfig        `yaml:"core"`
	Diagnostics DiagnosticsConfig `yaml:"diagnostics"`
	Admission   AdmissionConfig   `yaml:"admission"`
	Logging     LoggingConfig     `yaml:"logging"`
	Endpoints   []EndpointConfig  `yaml:"endpoints"`
}

// CoreConfig carries the channel-layer limits and timeouts.
type CoreConfig struct {
	MaxSecureConnections int    `yaml:"max_secure_connections"` // default: 100
	MaxSocketConnections int    `yaml:"max_socket_connections"` // default: 200
	MaxMessageLength     uint32 `yaml:"max_message_length"`     // default: 8MB
	ReceiveBufferSize    uint32 `yaml:"receive_buffer_size"`    // default: 65535, floor: 8192
	SendBufferSize       uint32 `yaml:"send_buffer_size"`       // default: 65535, floor: 8192
	MaxChunkCount        uint32 `yaml:"max_chunk_count"`        // default: 1

	ConnectionTimeout           time.Duration `yaml:"connection_timeout"`             // default: 10s
	MinSecureConnectionLifetime time.Duration `yaml:"min_secure_connection_lifetime"` // default and floor: 10s
	RequestTimeout              time.Duration `yaml:"request_timeout"`                // default: 5s
}

// DiagnosticsConfig drives the periodic census/sweep job and the host
// load sampler.
type DiagnosticsConfig struct {
	SweepSchedule      string        `yaml:"sweep_schedule"`       // cron expression, default: "*/1 * * * *"
	HostSampleInterval time.Duration `yaml:"host_sample_interval"` // default: 15s

	// Saturation thresholds in percent; a host at or above either refuses
	// new server-side connections.
	CPUSaturationPercent    float64 `yaml:"cpu_saturation_percent"`    // default: 95
	MemorySaturationPercent float64 `yaml:"memory_saturation_percent"` // default: 95
}

// AdmissionConfig bounds the rate of accepted inbound connections per
// listener.
type AdmissionConfig struct {
	AcceptRatePerSec float64 `yaml:"accept_rate_per_sec"` // default (also for 0): 50; negative disables
	AcceptBurst      int     `yaml:"accept_burst"`        // default: 100
}

// LoggingConfig selects the slog handler.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug|info|warn|error, default: info
	Format string `yaml:"format"` // json|text, default: json
	File   string `yaml:"file"`   // empty: stdout only
}

// EndpointConfig describes one server endpoint and the security
// policies it accepts.
type EndpointConfig struct {
	URL              string   `yaml:"url"`
	SecurityPolicies []string `yaml:"security_policies"` // short names (None, Basic256Sha256) or full URIs
}

// Load reads, parses and validates the configuration at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return Parse(data)
}

// Parse parses and validates a YAML configuration document.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

// Default returns the configuration a core runs with when no document
// is supplied: all defaults, no endpoints.
func Default() *Config {
	cfg := &Config{}
	if err := cfg.validate(); err != nil {
		panic(fmt.Sprintf("config: default configuration invalid: %v", err))
	}
	return cfg
}

func (c *Config) validate() error {
	if c.Core.MaxSecureConnections == 0 {
		c.Core.MaxSecureConnections = 100
	}
	if c.Core.MaxSecureConnections < 0 {
		return fmt.Errorf("core.max_secure_connections must be positive")
	}
	if c.Core.MaxSocketConnections == 0 {
		c.Core.MaxSocketConnections = 200
	}
	if c.Core.MaxMessageLength == 0 {
		c.Core.MaxMessageLength = 8 << 20
	}
	if c.Core.ReceiveBufferSize == 0 {
		c.Core.ReceiveBufferSize = 65535
	}
	if c.Core.SendBufferSize == 0 {
		c.Core.SendBufferSize = 65535
	}
	if c.Core.ReceiveBufferSize < sctcp.MinBufferSize {
		return fmt.Errorf("core.receive_buffer_size %d below minimum %d", c.Core.ReceiveBufferSize, sctcp.MinBufferSize)
	}
	if c.Core.SendBufferSize < sctcp.MinBufferSize {
		return fmt.Errorf("core.send_buffer_size %d below minimum %d", c.Core.SendBufferSize, sctcp.MinBufferSize)
	}
	if c.Core.MaxChunkCount == 0 {
		c.Core.MaxChunkCount = 1
	}
	if c.Core.ConnectionTimeout == 0 {
		c.Core.ConnectionTimeout = 10 * time.Second
	}
	if c.Core.MinSecureConnectionLifetime < 10*time.Second {
		c.Core.MinSecureConnectionLifetime = 10 * time.Second
	}
	if c.Core.RequestTimeout == 0 {
		c.Core.RequestTimeout = 5 * time.Second
	}

	if c.Diagnostics.SweepSchedule == "" {
		c.Diagnostics.SweepSchedule = "*/1 * * * *"
	}
	if c.Diagnostics.HostSampleInterval == 0 {
		c.Diagnostics.HostSampleInterval = 15 * time.Second
	}
	if c.Diagnostics.CPUSaturationPercent == 0 {
		c.Diagnostics.CPUSaturationPercent = 95
	}
	if c.Diagnostics.MemorySaturationPercent == 0 {
		c.Diagnostics.MemorySaturationPercent = 95
	}

	if c.Admission.AcceptRatePerSec == 0 {
		c.Admission.AcceptRatePerSec = 50
	}
	if c.Admission.AcceptBurst == 0 {
		c.Admission.AcceptBurst = 100
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	for i := range c.Endpoints {
		ep := &c.Endpoints[i]
		if ep.URL == "" {
			return fmt.Errorf("endpoints[%d].url is required", i)
		}
		if len(ep.URL) > sctcp.MaxURLLength {
			return fmt.Errorf("endpoints[%d].url exceeds %d bytes", i, sctcp.MaxURLLength)
		}
		if len(ep.SecurityPolicies) == 0 {
			ep.SecurityPolicies = []string{"None"}
		}
		for j, name := range ep.SecurityPolicies {
			uri, err := resolvePolicy(name)
			if err != nil {
				return fmt.Errorf("endpoints[%d].security_policies[%d]: %w", i, j, err)
			}
			ep.SecurityPolicies[j] = uri
		}
	}
	return nil
}

// resolvePolicy accepts either a short policy name or a full URI and
// returns the canonical URI.
func resolvePolicy(name string) (string, error) {
	switch name {
	case "None":
		return cryptoprovider.PolicyNone, nil
	case "Basic256Sha256":
		return cryptoprovider.PolicyBasic256Sha256, nil
	case "Aes128Sha256RsaOaep":
		return cryptoprovider.PolicyAes128Sha256RsaOaep, nil
	}
	if _, err := cryptoprovider.LookupPolicy(name); err != nil {
		return "", fmt.Errorf("unknown security policy %q", name)
	}
	return name, nil
}

// AllowsPolicy reports whether the endpoint accepts the given policy
// URI.
func (e *EndpointConfig) AllowsPolicy(uri string) bool {
	for _, p := range e.SecurityPolicies {
		if p == uri {
			return true
		}
	}
	return false
}
