package manifest

import (
	"context"
	"path"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/openarm/armlink/internal/httputil"
	"github.com/openarm/armlink/internal/monitoring"
	"github.com/openarm/armlink/internal/timeutil"
)

const (
	DefaultCacheTTL      = 5 * time.Minute
	DefaultRetryAttempts = 3
	DefaultRetryDelay    = time.Second
	// NoRetryDelay retries immediately; a zero RetryDelay means the default.
	NoRetryDelay time.Duration = -1

	packageScheme = "package://"

	preloadConcurrency = 4
)

// Config configures a Resolver. Zero durations and counts take defaults.
type Config struct {
	ManifestURL   string
	PublicBaseURL string
	CacheTTL      time.Duration
	RetryAttempts int
	RetryDelay    time.Duration
}

func (c Config) withDefaults() Config {
	if c.CacheTTL <= 0 {
		c.CacheTTL = DefaultCacheTTL
	}
	if c.RetryAttempts <= 0 {
		c.RetryAttempts = DefaultRetryAttempts
	}
	if c.RetryDelay < 0 {
		c.RetryDelay = 0
	} else if c.RetryDelay == 0 {
		c.RetryDelay = DefaultRetryDelay
	}
	c.PublicBaseURL = strings.TrimRight(c.PublicBaseURL, "/")
	return c
}

type cachedManifest struct {
	url       string
	manifest  *Manifest
	fetchedAt time.Time
}

// Resolver fetches and caches one manifest and resolves asset names against
// it. It is safe for concurrent use; concurrent cache misses share a single
// fetch.
type Resolver struct {
	cfg    Config
	client httputil.HTTPClient
	clock  timeutil.Clock

	group singleflight.Group

	mu     sync.Mutex
	cached *cachedManifest
	urls   map[urlKey]string
}

// NewResolver returns a Resolver. Nil client and clock use the standard
// HTTP client and the real clock.
func NewResolver(cfg Config, client httputil.HTTPClient, clock timeutil.Clock) *Resolver {
	if client == nil {
		client = httputil.NewStandardClient(nil)
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Resolver{
		cfg:    cfg.withDefaults(),
		client: client,
		clock:  clock,
		urls:   make(map[urlKey]string),
	}
}

// Config returns the effective configuration.
func (r *Resolver) Config() Config { return r.cfg }

// LoadManifest returns the cached manifest while it is fresh, otherwise
// fetches it with retries. Failure after every attempt yields a *LoadError.
func (r *Resolver) LoadManifest(ctx context.Context) (*Manifest, error) {
	if m, ok := r.fresh(); ok {
		return m, nil
	}

	// The shared fetch must outlive any single caller's cancellation.
	ch := r.group.DoChan(r.cfg.ManifestURL, func() (any, error) {
		if m, ok := r.fresh(); ok {
			return m, nil
		}
		return r.fetch(context.WithoutCancel(ctx))
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Manifest), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *Resolver) fresh() (*Manifest, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.cached
	if c == nil || c.url != r.cfg.ManifestURL {
		return nil, false
	}
	if r.clock.Since(c.fetchedAt) >= r.cfg.CacheTTL {
		return nil, false
	}
	return c.manifest, true
}

func (r *Resolver) fetch(ctx context.Context) (*Manifest, error) {
	url := r.cfg.ManifestURL
	var last error
	for attempt := 1; attempt <= r.cfg.RetryAttempts; attempt++ {
		m, err := r.fetchOnce(ctx, url)
		if err == nil {
			r.mu.Lock()
			r.cached = &cachedManifest{url: url, manifest: m, fetchedAt: r.clock.Now()}
			r.mu.Unlock()
			monitoring.Diagf("loaded manifest %s version %s (%d assets)", url, m.Version, len(m.Assets))
			return m, nil
		}
		last = err
		monitoring.Diagf("manifest fetch attempt %d/%d failed: %v", attempt, r.cfg.RetryAttempts, err)

		if attempt < r.cfg.RetryAttempts {
			<-r.clock.After(r.cfg.RetryDelay)
		}
	}

	loadErr := &LoadError{URL: url, Attempts: r.cfg.RetryAttempts, Err: last}
	monitoring.Opsf("%v", loadErr)
	return nil, loadErr
}

func (r *Resolver) fetchOnce(ctx context.Context, url string) (*Manifest, error) {
	var doc document
	if err := httputil.GetJSON(ctx, r.client, url, &doc); err != nil {
		return nil, err
	}
	return doc.manifest()
}

// urlKey keys the URL cache; original and processed names are separate
// namespaces.
type urlKey struct {
	hashed bool
	name   string
}

// Resolve returns the URL of the asset whose original name is name.
func (r *Resolver) Resolve(ctx context.Context, name string) (string, error) {
	return r.resolve(ctx, urlKey{name: name}, (*Manifest).FindOriginal)
}

// ResolveHashed returns the URL of the asset whose processed name is name.
func (r *Resolver) ResolveHashed(ctx context.Context, name string) (string, error) {
	return r.resolve(ctx, urlKey{hashed: true, name: name}, (*Manifest).FindProcessed)
}

func (r *Resolver) resolve(ctx context.Context, key urlKey, find func(*Manifest, string) (AssetInfo, bool)) (string, error) {
	name := key.name
	r.mu.Lock()
	url, ok := r.urls[key]
	r.mu.Unlock()
	if ok {
		return url, nil
	}

	m, err := r.LoadManifest(ctx)
	if err != nil {
		return "", err
	}
	asset, ok := find(m, name)
	if !ok {
		return "", &AssetNotFoundError{Name: name}
	}

	url = URLFor(asset, r.cfg.PublicBaseURL)
	r.mu.Lock()
	r.urls[key] = url
	r.mu.Unlock()
	return url, nil
}

// PackageFilename extracts the filename from a URDF mesh reference such as
// package://arm/meshes\base.stl.
func PackageFilename(p string) (string, error) {
	p = strings.ReplaceAll(p, `\`, "/")
	p = strings.TrimPrefix(p, packageScheme)
	if p == "" || strings.HasSuffix(p, "/") {
		return "", ErrNoFilename
	}
	return path.Base(p), nil
}

// ResolvePackagePath resolves a package:// style reference by its filename.
func (r *Resolver) ResolvePackagePath(ctx context.Context, p string) (string, error) {
	name, err := PackageFilename(p)
	if err != nil {
		return "", err
	}
	return r.Resolve(ctx, name)
}

// Preload sends a prefetch hint for every asset with a known URL, at most
// preloadConcurrency at a time. Failures are logged and skipped; the number
// of successful hints is returned once every hint has finished.
func (r *Resolver) Preload(ctx context.Context, p Prefetcher) int {
	m, err := r.LoadManifest(ctx)
	if err != nil {
		monitoring.Diagf("preload skipped: %v", err)
		return 0
	}

	var ok atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(preloadConcurrency)
	for _, a := range m.Assets {
		if a.URL == "" && r.cfg.PublicBaseURL == "" {
			continue
		}
		url := URLFor(a, r.cfg.PublicBaseURL)
		g.Go(func() error {
			if err := p.Prefetch(gctx, url); err != nil {
				monitoring.Diagf("prefetch %s: %v", url, err)
				return nil
			}
			ok.Add(1)
			return nil
		})
	}
	g.Wait()
	return int(ok.Load())
}

// ClearCache drops the cached manifest and every resolved URL.
func (r *Resolver) ClearCache() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cached = nil
	r.urls = make(map[urlKey]string)
}

// Cached returns the cached manifest and when it was fetched, regardless of
// freshness.
func (r *Resolver) Cached() (*Manifest, time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cached == nil {
		return nil, time.Time{}, false
	}
	return r.cached.manifest, r.cached.fetchedAt, true
}
