// Package cdn uploads generated assets and their manifest to S3-compatible
// object storage such as Cloudflare R2.
package cdn

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	DefaultBucket    = "openarm-cad-assets"
	DefaultPublicURL = "https://assets.openarm.dev"
	DefaultRegion    = "auto"
)

// Environment variables read by R2ConfigFromEnv.
const (
	EnvAccountID       = "R2_ACCOUNT_ID"
	EnvAccessKeyID     = "R2_ACCESS_KEY_ID"
	EnvSecretAccessKey = "R2_SECRET_ACCESS_KEY"
	EnvBucket          = "R2_BUCKET_NAME"
	EnvPublicURL       = "R2_PUBLIC_URL"
)

var ErrMissingCredentials = errors.New("cdn: missing R2 credentials")

// R2Config identifies an R2 bucket and the public URL it is served from.
type R2Config struct {
	AccountID       string
	AccessKeyID     string
	SecretAccessKey string
	Bucket          string
	PublicURL       string
	Region          string
}

// R2ConfigFromEnv reads the R2_* variables through getenv, normally
// os.Getenv. Bucket, public URL and region fall back to the defaults.
func R2ConfigFromEnv(getenv func(string) string) (R2Config, error) {
	cfg := R2Config{
		AccountID:       getenv(EnvAccountID),
		AccessKeyID:     getenv(EnvAccessKeyID),
		SecretAccessKey: getenv(EnvSecretAccessKey),
		Bucket:          getenv(EnvBucket),
		PublicURL:       getenv(EnvPublicURL),
		Region:          DefaultRegion,
	}
	if cfg.Bucket == "" {
		cfg.Bucket = DefaultBucket
	}
	if cfg.PublicURL == "" {
		cfg.PublicURL = DefaultPublicURL
	}
	cfg.PublicURL = strings.TrimRight(cfg.PublicURL, "/")
	return cfg, cfg.Validate()
}

// Validate reports missing credentials and an empty bucket.
func (c R2Config) Validate() error {
	var missing []string
	if c.AccountID == "" {
		missing = append(missing, EnvAccountID)
	}
	if c.AccessKeyID == "" {
		missing = append(missing, EnvAccessKeyID)
	}
	if c.SecretAccessKey == "" {
		missing = append(missing, EnvSecretAccessKey)
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: set %s", ErrMissingCredentials, strings.Join(missing, ", "))
	}
	if c.Bucket == "" {
		return errors.New("cdn: bucket name is required")
	}
	return nil
}

// Endpoint is the S3 API host for the account.
func (c R2Config) Endpoint() string {
	return c.AccountID + ".r2.cloudflarestorage.com"
}

// CacheConfig sets the Cache-Control policies. Hashed assets never change
// under the same name; the manifest is short-lived.
type CacheConfig struct {
	AssetMaxAge    time.Duration
	AssetImmutable bool
	ManifestMaxAge time.Duration
}

func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		AssetMaxAge:    365 * 24 * time.Hour,
		AssetImmutable: true,
		ManifestMaxAge: 5 * time.Minute,
	}
}

// AssetCacheControl returns e.g. "public, max-age=31536000, immutable".
func (c CacheConfig) AssetCacheControl() string {
	v := fmt.Sprintf("public, max-age=%d", int64(c.AssetMaxAge/time.Second))
	if c.AssetImmutable {
		v += ", immutable"
	}
	return v
}

func (c CacheConfig) ManifestCacheControl() string {
	return fmt.Sprintf("public, max-age=%d", int64(c.ManifestMaxAge/time.Second))
}
