package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/openarm/armlink/internal/httputil"
	"github.com/openarm/armlink/internal/manifest"
	"github.com/openarm/armlink/internal/protocol"
	"github.com/openarm/armlink/internal/serialmux"
)

// errUnconfigured is returned by routes whose backing component is absent.
var errUnconfigured = errors.New("not configured")

// faultKind maps an error to its HTTP status and the kind string reported
// to clients.
func faultKind(err error) (int, string) {
	switch {
	case errors.Is(err, manifest.ErrAssetNotFound):
		return http.StatusNotFound, "asset_not_found"
	case errors.Is(err, manifest.ErrManifestLoad):
		return http.StatusBadGateway, "manifest_load"
	case errors.Is(err, manifest.ErrNoFilename):
		return http.StatusBadRequest, "bad_request"
	case errors.Is(err, serialmux.ErrTransport):
		return http.StatusBadGateway, "transport"
	case errors.Is(err, serialmux.ErrClosed):
		return http.StatusServiceUnavailable, "link_closed"
	case errors.Is(err, errUnconfigured):
		return http.StatusServiceUnavailable, "unconfigured"
	case protocol.IsFrameError(err):
		return http.StatusBadRequest, "frame"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusGatewayTimeout, "timeout"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func writeFault(w http.ResponseWriter, err error) {
	status, kind := faultKind(err)
	httputil.WriteJSONError(w, status, kind, err.Error())
}
