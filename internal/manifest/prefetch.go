package manifest

import (
	"context"

	"github.com/openarm/armlink/internal/httputil"
)

// Prefetcher warms a cache for url.
type Prefetcher interface {
	Prefetch(ctx context.Context, url string) error
}

// HTTPPrefetcher hints assets with HEAD requests, which is enough to
// populate an intermediate CDN edge.
type HTTPPrefetcher struct {
	Client httputil.HTTPClient
}

func (p HTTPPrefetcher) Prefetch(ctx context.Context, url string) error {
	c := p.Client
	if c == nil {
		c = httputil.NewStandardClient(nil)
	}
	return httputil.Head(ctx, c, url)
}

// PrefetchFunc adapts a function to Prefetcher.
type PrefetchFunc func(ctx context.Context, url string) error

func (f PrefetchFunc) Prefetch(ctx context.Context, url string) error { return f(ctx, url) }
