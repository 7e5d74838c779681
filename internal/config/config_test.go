package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openarm/armlink/internal/manifest"
	"github.com/openarm/armlink/internal/serialmux"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	opts, err := cfg.PortOptions().Normalise()
	require.NoError(t, err)
	assert.Equal(t, serialmux.PortOptions{BaudRate: 115200, DataBits: 8, StopBits: 1, Parity: "N", FlowControl: "none"}, opts)
	assert.Equal(t, float64(100), cfg.Serial.WriteRateHz)
	assert.Equal(t, 10, cfg.Serial.QueueCapacity)

	rc := cfg.ResolverConfig()
	assert.Equal(t, 5*time.Minute, rc.CacheTTL)
	assert.Equal(t, 3, rc.RetryAttempts)
	assert.Equal(t, time.Second, rc.RetryDelay)
	assert.Len(t, cfg.MuxOptions(), 2)
}

func TestLoad_JSONPartial(t *testing.T) {
	path := writeConfig(t, "armlink.json", `{
		"serial": {"port": "/dev/ttyACM0", "baud_rate": 57600, "write_rate_hz": 50},
		"assets": {"manifest_url": "https://cdn.example.com/manifest.json", "cache_ttl": "30s"}
	}`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/dev/ttyACM0", cfg.Serial.Port)
	assert.Equal(t, 57600, cfg.Serial.BaudRate)
	assert.Equal(t, 8, cfg.Serial.DataBits, "omitted fields keep defaults")
	assert.Equal(t, float64(50), cfg.Serial.WriteRateHz)
	assert.Equal(t, manifest.Config{
		ManifestURL:   "https://cdn.example.com/manifest.json",
		CacheTTL:      30 * time.Second,
		RetryAttempts: 3,
		RetryDelay:    time.Second,
	}, cfg.ResolverConfig())
	assert.Equal(t, ":8080", cfg.HTTP.Listen)
}

func TestLoad_TOML(t *testing.T) {
	path := writeConfig(t, "armlink.toml", `
[serial]
port = "/dev/ttyS1"
parity = "even"
queue_capacity = 4

[assets]
manifest_url = "https://cdn.example.com/manifest.json"
public_base_url = "https://cdn.example.com"
retry_attempts = 5
retry_delay = "250ms"

[store]
db_path = "/var/lib/armlink/armlink.db"

[http]
listen = "127.0.0.1:9090"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/dev/ttyS1", cfg.Serial.Port)
	assert.Equal(t, "even", cfg.Serial.Parity)
	assert.Equal(t, 4, cfg.Serial.QueueCapacity)
	assert.Equal(t, 115200, cfg.Serial.BaudRate)
	assert.Equal(t, 5, cfg.Assets.RetryAttempts)
	assert.Equal(t, 250*time.Millisecond, cfg.ResolverConfig().RetryDelay)
	assert.Equal(t, "/var/lib/armlink/armlink.db", cfg.Store.DBPath)
	assert.Equal(t, "127.0.0.1:9090", cfg.HTTP.Listen)
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
		want    string
	}{
		{"extension", "armlink.yaml", "serial: {}", "extension"},
		{"bad json", "armlink.json", "{", "parse config JSON"},
		{"unknown json key", "armlink.json", `{"serial": {"speed": 1}}`, "unknown field"},
		{"bad toml", "armlink.toml", "[serial", "parse config TOML"},
		{"unknown toml key", "armlink.toml", "[serial]\nspeed = 1\n", "unknown config key"},
		{"bad parity", "armlink.json", `{"serial": {"parity": "X"}}`, "parity"},
		{"bad duration", "armlink.json", `{"assets": {"cache_ttl": "soon"}}`, "cache_ttl"},
		{"negative duration", "armlink.json", `{"assets": {"retry_delay": "-1s"}}`, "retry_delay"},
		{"negative rate", "armlink.json", `{"serial": {"write_rate_hz": -1}}`, "write_rate_hz"},
		{"negative queue", "armlink.json", `{"serial": {"queue_capacity": -1}}`, "queue_capacity"},
		{"negative retries", "armlink.json", `{"assets": {"retry_attempts": -1}}`, "retry_attempts"},
		{"empty listen", "armlink.json", `{"http": {"listen": ""}}`, "http.listen"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.file, tc.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestLoad_MissingAndOversized(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	assert.ErrorContains(t, err, "failed to stat")

	big := `{"http": {"listen": "` + strings.Repeat("x", maxFileSize) + `"}}`
	_, err = Load(writeConfig(t, "big.json", big))
	assert.ErrorContains(t, err, "too large")
}

func TestResolverConfig_RetryDelay(t *testing.T) {
	tests := []struct {
		name      string
		delay     string
		wantDelay time.Duration
	}{
		{"explicit zero retries immediately", "0s", 0},
		{"empty takes default", "", manifest.DefaultRetryDelay},
		{"explicit value", "250ms", 250 * time.Millisecond},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Assets.RetryDelay = tt.delay
			require.NoError(t, cfg.Validate())

			r := manifest.NewResolver(cfg.ResolverConfig(), nil, nil)
			assert.Equal(t, tt.wantDelay, r.Config().RetryDelay)
		})
	}
}
