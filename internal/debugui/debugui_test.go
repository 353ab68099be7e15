package debugui

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

type fakeDiagnostician struct {
	d   Diagnostics
	err error
}

func (f fakeDiagnostician) GetDiagnostics(ctx context.Context, key string) (Diagnostics, error) {
	return f.d, f.err
}

type fakeCoalescer struct{ stats Stats }

func (f fakeCoalescer) CurrentStats() Stats { return f.stats }

func TestServeHTTP_JSON(t *testing.T) {
	h := New(fakeDiagnostician{d: Diagnostics{Version: 3, LastSeen: "2026-07-30T00:00:00Z"}}, fakeCoalescer{stats: Stats{InFlightFingerprints: 2}})

	req := httptest.NewRequest(http.MethodGet, "/_debug/cache?key=mode:video:a.mp4", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body diagnosticsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if body.Version != 3 || body.InFlightFingerprints != 2 {
		t.Fatalf("body = %+v, want version=3 inFlight=2", body)
	}
}

func TestServeHTTP_MissingKey(t *testing.T) {
	h := New(fakeDiagnostician{}, fakeCoalescer{})
	req := httptest.NewRequest(http.MethodGet, "/_debug/cache", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestServeHTTP_HTML(t *testing.T) {
	h := New(fakeDiagnostician{d: Diagnostics{Version: 1}}, fakeCoalescer{})
	req := httptest.NewRequest(http.MethodGet, "/_debug/cache?key=x", nil)
	req.Header.Set("Accept", "text/html")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if ct := rec.Header().Get("Content-Type"); ct != "text/html; charset=utf-8" {
		t.Fatalf("Content-Type = %q, want text/html; charset=utf-8", ct)
	}
}
