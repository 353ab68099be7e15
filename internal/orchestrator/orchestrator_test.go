package orchestrator

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hszk-dev/gostream-edge/internal/policy"
)

func testOrchestrator() *Orchestrator {
	return &Orchestrator{policy: policy.NewStore(policy.Default())}
}

func TestBypassRequested_QueryParam(t *testing.T) {
	o := testOrchestrator()
	req := httptest.NewRequest(http.MethodGet, "https://edge.example.com/videos/a.mp4?debug=1", nil)
	if !o.bypassRequested(req) {
		t.Fatal("bypassRequested() = false, want true for recognized query param")
	}
}

func TestBypassRequested_Cookie(t *testing.T) {
	o := testOrchestrator()
	req := httptest.NewRequest(http.MethodGet, "https://edge.example.com/videos/a.mp4", nil)
	req.AddCookie(&http.Cookie{Name: "session", Value: "abc"})
	if !o.bypassRequested(req) {
		t.Fatal("bypassRequested() = false, want true for cookie-bearing request")
	}
}

func TestBypassRequested_Header(t *testing.T) {
	o := testOrchestrator()
	req := httptest.NewRequest(http.MethodGet, "https://edge.example.com/videos/a.mp4", nil)
	req.Header.Set("X-Bypass-Cache", "true")
	if !o.bypassRequested(req) {
		t.Fatal("bypassRequested() = false, want true for recognized bypass header")
	}
}

func TestBypassRequested_NoneSet(t *testing.T) {
	o := testOrchestrator()
	req := httptest.NewRequest(http.MethodGet, "https://edge.example.com/videos/a.mp4?format=mp4", nil)
	if o.bypassRequested(req) {
		t.Fatal("bypassRequested() = true, want false for a plain request")
	}
}

func TestWithVersionParam_PreservesOtherParams(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "https://edge.example.com/videos/a.mp4?format=mp4", nil)
	rewritten := withVersionParam(req, 3)

	q := rewritten.URL.Query()
	if q.Get("v") != "3" {
		t.Fatalf("withVersionParam() v = %q, want 3", q.Get("v"))
	}
	if q.Get("format") != "mp4" {
		t.Fatalf("withVersionParam() dropped format param: %v", q)
	}
	// Original request must be untouched.
	if req.URL.Query().Has("v") {
		t.Fatal("withVersionParam() mutated its input request")
	}
}

func TestBaseHeaders(t *testing.T) {
	h := baseHeaders("video/mp4")
	if h.Get("Content-Type") != "video/mp4" {
		t.Fatalf("baseHeaders() Content-Type = %q, want video/mp4", h.Get("Content-Type"))
	}
	if h.Get("Accept-Ranges") != "bytes" {
		t.Fatalf("baseHeaders() Accept-Ranges = %q, want bytes", h.Get("Accept-Ranges"))
	}
}
