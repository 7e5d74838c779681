// Package api serves the JSON HTTP interface for commanding the arm and
// resolving its CDN-hosted model assets.
package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/openarm/armlink/internal/arm"
	"github.com/openarm/armlink/internal/db"
	"github.com/openarm/armlink/internal/manifest"
	"github.com/openarm/armlink/internal/monitoring"
	"github.com/openarm/armlink/internal/serialmux"
	"github.com/openarm/armlink/internal/timeutil"
)

// ANSI escape codes for cyan and reset
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

type Server struct {
	link     serialmux.SerialMuxInterface
	store    *db.DB
	state    *arm.State
	resolver *manifest.Resolver

	prefetcher manifest.Prefetcher
	clock      timeutil.Clock
}

// Option configures a Server.
type Option func(*Server)

// WithPrefetcher replaces the HEAD-request prefetcher used by preload.
func WithPrefetcher(p manifest.Prefetcher) Option {
	return func(s *Server) { s.prefetcher = p }
}

func WithClock(c timeutil.Clock) Option {
	return func(s *Server) { s.clock = c }
}

// NewServer returns a Server. store and resolver may be nil, in which case
// the routes depending on them report 503.
func NewServer(link serialmux.SerialMuxInterface, store *db.DB, state *arm.State, resolver *manifest.Resolver, opts ...Option) *Server {
	s := &Server{
		link:       link,
		store:      store,
		state:      state,
		resolver:   resolver,
		prefetcher: manifest.HTTPPrefetcher{},
		clock:      timeutil.RealClock{},
	}
	if s.state == nil {
		s.state = arm.NewState(arm.DefaultLimits())
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		monitoring.Diagf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/joints", s.handleJoints)
	mux.HandleFunc("/api/telemetry", s.handleTelemetry)
	mux.HandleFunc("/api/assets/manifest", s.handleManifest)
	mux.HandleFunc("/api/assets/resolve", s.handleResolve)
	mux.HandleFunc("/api/assets/preload", s.handlePreload)
	mux.HandleFunc("/api/assets/cache/clear", s.handleClearCache)
	return mux
}
