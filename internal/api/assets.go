package api

import (
	"context"
	"net/http"
	"time"

	"github.com/openarm/armlink/internal/httputil"
	"github.com/openarm/armlink/internal/manifest"
)

type resolveResponse struct {
	Query string `json:"query"`
	Kind  string `json:"kind"`
	URL   string `json:"url"`
}

type manifestResponse struct {
	*manifest.Manifest
	TotalSize int64     `json:"total_size"`
	FetchedAt time.Time `json:"fetched_at"`
}

func (s *Server) requireResolver(w http.ResponseWriter) bool {
	if s.resolver == nil {
		writeFault(w, errUnconfigured)
		return false
	}
	return true
}

func (s *Server) handleManifest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if !s.requireResolver(w) {
		return
	}
	m, err := s.resolver.LoadManifest(r.Context())
	if err != nil {
		writeFault(w, err)
		return
	}
	resp := manifestResponse{Manifest: m, TotalSize: m.TotalSize()}
	if _, at, ok := s.resolver.Cached(); ok {
		resp.FetchedAt = at
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}

// handleResolve answers exactly one of ?name= (original filename),
// ?hashed= (processed filename) or ?path= (package:// mesh reference).
func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if !s.requireResolver(w) {
		return
	}

	q := r.URL.Query()
	var (
		kind, query string
		resolve     func(context.Context, string) (string, error)
		given       int
	)
	if v := q.Get("name"); v != "" {
		kind, query, resolve = "name", v, s.resolver.Resolve
		given++
	}
	if v := q.Get("hashed"); v != "" {
		kind, query, resolve = "hashed", v, s.resolver.ResolveHashed
		given++
	}
	if v := q.Get("path"); v != "" {
		kind, query, resolve = "path", v, s.resolver.ResolvePackagePath
		given++
	}
	if given != 1 {
		httputil.BadRequest(w, "exactly one of name, hashed or path is required")
		return
	}

	url, err := resolve(r.Context(), query)
	if err != nil {
		writeFault(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, resolveResponse{Query: query, Kind: kind, URL: url})
}

func (s *Server) handlePreload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	if !s.requireResolver(w) {
		return
	}
	if _, err := s.resolver.LoadManifest(r.Context()); err != nil {
		writeFault(w, err)
		return
	}
	n := s.resolver.Preload(r.Context(), s.prefetcher)
	httputil.WriteJSON(w, http.StatusOK, map[string]int{"prefetched": n})
}

func (s *Server) handleClearCache(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	if !s.requireResolver(w) {
		return
	}
	s.resolver.ClearCache()
	w.WriteHeader(http.StatusNoContent)
}
