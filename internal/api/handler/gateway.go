package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/hszk-dev/gostream-edge/internal/akamai"
	"github.com/hszk-dev/gostream-edge/internal/clienthints"
	"github.com/hszk-dev/gostream-edge/internal/core"
	"github.com/hszk-dev/gostream-edge/internal/pathmatch"
	"github.com/hszk-dev/gostream-edge/internal/recipe"
)

// CacheOrchestrator is the subset of orchestrator.Orchestrator the
// gateway handler needs.
type CacheOrchestrator interface {
	ServeCached(ctx context.Context, r *http.Request, recipe *core.TransformRecipe, fetchUpstream core.FetchUpstream) (*core.Response, error)
}

// Upstream is the subset of transformer.Client the gateway handler needs.
type Upstream interface {
	FetchUpstream(req *http.Request) (*core.Response, error)
}

// GatewayHandler decodes an edge video request into a TransformRecipe and
// serves it through the cache orchestrator. Grounded in style on
// VideoHandler's decode-validate-call-respond shape, adapted from JSON
// request bodies to URL path/query decoding.
type GatewayHandler struct {
	orchestrator CacheOrchestrator
	upstream     Upstream
	patterns     []pathmatch.Pattern
	logger       *slog.Logger
}

// NewGatewayHandler constructs a GatewayHandler. patterns are tried in
// order against the incoming path; the first match supplies the embedded
// option string and source path.
func NewGatewayHandler(o CacheOrchestrator, upstream Upstream, patterns []pathmatch.Pattern, logger *slog.Logger) *GatewayHandler {
	return &GatewayHandler{orchestrator: o, upstream: upstream, patterns: patterns, logger: logger}
}

// ServeHTTP handles GET /<pattern>/<opts>/<source-path>.
func (h *GatewayHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		Error(w, http.StatusMethodNotAllowed, "method_not_allowed", "only GET and HEAD are supported")
		return
	}

	opts, sourcePath, _, ok := pathmatch.FirstMatch(h.patterns, r.URL.Path)
	if !ok {
		Error(w, http.StatusNotFound, "no_matching_pattern", "request path did not match any configured transformation pattern")
		return
	}

	q := pathmatch.ToQueryValues(pathmatch.ParseOpts(opts), cloneQuery(r.URL.Query()))
	q = akamai.Translate(q)

	rec, err := recipe.FromQuery(sourcePath, q)
	if err != nil {
		h.handleError(w, err)
		return
	}
	if kv, ok := clienthints.DeriveBucket(r.Header); ok {
		rec.CustomData = append(rec.CustomData, kv)
	}

	resp, err := h.orchestrator.ServeCached(r.Context(), r, rec, h.upstream.FetchUpstream)
	if err != nil {
		h.handleError(w, err)
		return
	}
	defer resp.Body.Close()

	for k, vals := range resp.Header {
		for _, v := range vals {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	if r.Method == http.MethodHead {
		return
	}
	if _, err := io.Copy(w, resp.Body); err != nil {
		h.logger.Warn("gateway: error streaming response body", slog.Any("error", err))
	}
}

func (h *GatewayHandler) handleError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, core.ErrBadRequest):
		Error(w, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, core.ErrSourceTooLarge):
		Error(w, http.StatusRequestEntityTooLarge, "source_too_large", err.Error())
	case errors.Is(err, core.ErrTransformerRejected):
		Error(w, http.StatusUnprocessableEntity, "transform_rejected", err.Error())
	case errors.Is(err, core.ErrUpstream):
		Error(w, http.StatusBadGateway, "upstream_error", "failed to reach the upstream transformation service")
	default:
		h.logger.Error("gateway: unexpected error serving request", slog.Any("error", err))
		Error(w, http.StatusInternalServerError, "internal_error", "an unexpected error occurred")
	}
}

func cloneQuery(q map[string][]string) map[string][]string {
	out := make(map[string][]string, len(q))
	for k, v := range q {
		out[k] = append([]string(nil), v...)
	}
	return out
}
