// Package config loads the armlink server configuration from JSON or TOML.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/openarm/armlink/internal/manifest"
	"github.com/openarm/armlink/internal/serialmux"
)

const maxFileSize = 1 * 1024 * 1024 // 1MB

// Config is the root of the configuration file. Sections omitted from the
// file keep the values from Default.
type Config struct {
	Serial SerialConfig `json:"serial" toml:"serial"`
	Assets AssetsConfig `json:"assets" toml:"assets"`
	Store  StoreConfig  `json:"store" toml:"store"`
	HTTP   HTTPConfig   `json:"http" toml:"http"`
}

// SerialConfig describes the link to the arm controller.
type SerialConfig struct {
	Port        string `json:"port" toml:"port"`
	BaudRate    int    `json:"baud_rate" toml:"baud_rate"`
	DataBits    int    `json:"data_bits" toml:"data_bits"`
	StopBits    int    `json:"stop_bits" toml:"stop_bits"`
	Parity      string `json:"parity" toml:"parity"`
	FlowControl string `json:"flow_control" toml:"flow_control"`
	// WriteRateHz caps outgoing frames per second.
	WriteRateHz float64 `json:"write_rate_hz" toml:"write_rate_hz"`
	// QueueCapacity bounds the outgoing backlog; overflow drops the oldest.
	QueueCapacity int `json:"queue_capacity" toml:"queue_capacity"`
}

// AssetsConfig configures the CDN manifest resolver. Durations are strings
// such as "5m" or "1s".
type AssetsConfig struct {
	ManifestURL   string `json:"manifest_url" toml:"manifest_url"`
	PublicBaseURL string `json:"public_base_url" toml:"public_base_url"`
	CacheTTL      string `json:"cache_ttl" toml:"cache_ttl"`
	RetryAttempts int    `json:"retry_attempts" toml:"retry_attempts"`
	RetryDelay    string `json:"retry_delay" toml:"retry_delay"`
}

type StoreConfig struct {
	DBPath string `json:"db_path" toml:"db_path"`
}

type HTTPConfig struct {
	Listen string `json:"listen" toml:"listen"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Serial: SerialConfig{
			Port:          "/dev/ttyUSB0",
			BaudRate:      115200,
			DataBits:      8,
			StopBits:      1,
			Parity:        "N",
			FlowControl:   "none",
			WriteRateHz:   serialmux.DefaultWriteRateHz,
			QueueCapacity: serialmux.DefaultQueueCapacity,
		},
		Assets: AssetsConfig{
			CacheTTL:      manifest.DefaultCacheTTL.String(),
			RetryAttempts: manifest.DefaultRetryAttempts,
			RetryDelay:    manifest.DefaultRetryDelay.String(),
		},
		Store: StoreConfig{DBPath: "armlink.db"},
		HTTP:  HTTPConfig{Listen: ":8080"},
	}
}

// Load reads a .json or .toml configuration file over the defaults.
// Unknown keys are rejected.
func Load(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	ext := strings.ToLower(filepath.Ext(cleanPath))
	if ext != ".json" && ext != ".toml" {
		return nil, fmt.Errorf("config file must have .json or .toml extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	switch ext {
	case ".json":
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config JSON: %w", err)
		}
	case ".toml":
		md, err := toml.Decode(string(data), cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to parse config TOML: %w", err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("unknown config key %q", undecoded[0].String())
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks that the configuration values are usable.
func (c *Config) Validate() error {
	if _, err := c.PortOptions().Normalise(); err != nil {
		return fmt.Errorf("serial: %w", err)
	}
	if c.Serial.WriteRateHz < 0 {
		return fmt.Errorf("serial.write_rate_hz must be non-negative, got %g", c.Serial.WriteRateHz)
	}
	if c.Serial.QueueCapacity < 0 {
		return fmt.Errorf("serial.queue_capacity must be non-negative, got %d", c.Serial.QueueCapacity)
	}

	if _, err := parseDuration("assets.cache_ttl", c.Assets.CacheTTL); err != nil {
		return err
	}
	if _, err := parseDuration("assets.retry_delay", c.Assets.RetryDelay); err != nil {
		return err
	}
	if c.Assets.RetryAttempts < 0 {
		return fmt.Errorf("assets.retry_attempts must be non-negative, got %d", c.Assets.RetryAttempts)
	}

	if c.HTTP.Listen == "" {
		return fmt.Errorf("http.listen must not be empty")
	}
	return nil
}

func parseDuration(field, s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s '%s': %w", field, s, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s must be non-negative, got %s", field, s)
	}
	return d, nil
}

// PortOptions returns the serial line settings.
func (c *Config) PortOptions() serialmux.PortOptions {
	return serialmux.PortOptions{
		BaudRate:    c.Serial.BaudRate,
		DataBits:    c.Serial.DataBits,
		StopBits:    c.Serial.StopBits,
		Parity:      c.Serial.Parity,
		FlowControl: c.Serial.FlowControl,
	}
}

// MuxOptions returns the writer settings for serialmux.NewSerialMux.
func (c *Config) MuxOptions() []serialmux.Option {
	return []serialmux.Option{
		serialmux.WithWriteRate(c.Serial.WriteRateHz),
		serialmux.WithQueueCapacity(c.Serial.QueueCapacity),
	}
}

// ResolverConfig returns the manifest resolver settings. Unparseable
// durations, which Validate rejects, fall back to the resolver defaults. An
// empty retry_delay takes the default; an explicit zero retries immediately.
func (c *Config) ResolverConfig() manifest.Config {
	ttl, _ := parseDuration("assets.cache_ttl", c.Assets.CacheTTL)
	delay, err := parseDuration("assets.retry_delay", c.Assets.RetryDelay)
	if err == nil && delay == 0 && c.Assets.RetryDelay != "" {
		delay = manifest.NoRetryDelay
	}
	return manifest.Config{
		ManifestURL:   c.Assets.ManifestURL,
		PublicBaseURL: c.Assets.PublicBaseURL,
		CacheTTL:      ttl,
		RetryAttempts: c.Assets.RetryAttempts,
		RetryDelay:    delay,
	}
}
