// Package debugui exposes a small diagnostics surface for operators: the
// current version/last-seen state for a fingerprint and coalescer
// in-flight counts. The handler applies no access check of its own.
// Grounded on internal/api/handler/response.go's JSON/Error helpers,
// reused verbatim. It depends on the orchestrator and coalescer only
// through the small local interfaces below.
package debugui

import (
	"context"
	"html/template"
	"net/http"

	"github.com/hszk-dev/gostream-edge/internal/api/handler"
)

// Diagnostician is the subset of orchestrator.Orchestrator the debug UI
// needs.
type Diagnostician interface {
	GetDiagnostics(ctx context.Context, key string) (Diagnostics, error)
}

// Diagnostics mirrors orchestrator.Diagnostics's fields. Declared locally
// (rather than imported) because orchestrator.Diagnostics carries a
// time.Time LastSeen and debugui only needs to render it, not reason
// about it; callers pass their own Diagnostics value through an adapter
// at the wiring site (cmd/gateway).
type Diagnostics struct {
	Version  int
	LastSeen string // pre-formatted by the caller
}

// Coalescer is the subset of coalescer.Coalescer the debug UI needs.
type Coalescer interface {
	CurrentStats() Stats
}

// Stats mirrors coalescer.Stats.
type Stats struct {
	InFlightFingerprints int
}

// Handler serves the diagnostics surface.
type Handler struct {
	diagnostics Diagnostician
	coalescer   Coalescer
}

// New constructs a Handler.
func New(diagnostics Diagnostician, coalescer Coalescer) *Handler {
	return &Handler{diagnostics: diagnostics, coalescer: coalescer}
}

// diagnosticsResponse is the JSON (and HTML data) shape for a single
// fingerprint's state.
type diagnosticsResponse struct {
	Key                  string `json:"key"`
	Version              int    `json:"version"`
	LastSeen             string `json:"lastSeen"`
	InFlightFingerprints int    `json:"inFlightFingerprints"`
}

// ServeHTTP handles GET /_debug/cache?key=<fingerprint>. Responds with
// JSON by default, or a minimal HTML table when the client asks for
// text/html.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if key == "" {
		handler.Error(w, http.StatusBadRequest, "missing_key", "key query parameter is required")
		return
	}

	d, err := h.diagnostics.GetDiagnostics(r.Context(), key)
	if err != nil {
		handler.Error(w, http.StatusInternalServerError, "diagnostics_error", "failed to load cache diagnostics")
		return
	}

	resp := diagnosticsResponse{
		Key:                  key,
		Version:              d.Version,
		LastSeen:             d.LastSeen,
		InFlightFingerprints: h.coalescer.CurrentStats().InFlightFingerprints,
	}

	if wantsHTML(r) {
		renderHTML(w, resp)
		return
	}
	handler.JSON(w, http.StatusOK, resp)
}

func wantsHTML(r *http.Request) bool {
	accept := r.Header.Get("Accept")
	return len(accept) >= len("text/html") && accept[:len("text/html")] == "text/html"
}

var pageTemplate = template.Must(template.New("debugui").Parse(`<!DOCTYPE html>
<html><head><title>cache diagnostics</title></head>
<body>
<table border="1" cellpadding="4">
<tr><th>key</th><td>{{.Key}}</td></tr>
<tr><th>version</th><td>{{.Version}}</td></tr>
<tr><th>last seen</th><td>{{.LastSeen}}</td></tr>
<tr><th>in-flight fingerprints</th><td>{{.InFlightFingerprints}}</td></tr>
</table>
</body></html>
`))

func renderHTML(w http.ResponseWriter, resp diagnosticsResponse) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_ = pageTemplate.Execute(w, resp)
}
