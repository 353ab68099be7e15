package handler

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/hszk-dev/gostream-edge/internal/core"
	"github.com/hszk-dev/gostream-edge/internal/pathmatch"
)

type fakeOrchestrator struct {
	resp     *core.Response
	err      error
	gotQuery string
}

func (f *fakeOrchestrator) ServeCached(ctx context.Context, r *http.Request, recipe *core.TransformRecipe, fetchUpstream core.FetchUpstream) (*core.Response, error) {
	f.gotQuery = recipe.SourcePath
	return f.resp, f.err
}

type fakeUpstream struct{}

func (fakeUpstream) FetchUpstream(req *http.Request) (*core.Response, error) {
	return nil, nil
}

func testPatterns(t *testing.T) []pathmatch.Pattern {
	t.Helper()
	p, err := pathmatch.Compile("/cdn-video/<opts>/<source>")
	if err != nil {
		t.Fatalf("Compile() error: %v", err)
	}
	return []pathmatch.Pattern{p}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestGatewayHandler_ServesMatchedPath(t *testing.T) {
	orch := &fakeOrchestrator{resp: &core.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{"Content-Type": {"video/mp4"}},
		Body:       io.NopCloser(strings.NewReader("video-bytes")),
	}}
	h := NewGatewayHandler(orch, fakeUpstream{}, testPatterns(t), discardLogger())

	req := httptest.NewRequest(http.MethodGet, "/cdn-video/w=320,h=240/videos/a.mp4", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if rec.Body.String() != "video-bytes" {
		t.Fatalf("body = %q, want video-bytes", rec.Body.String())
	}
	if rec.Header().Get("Content-Type") != "video/mp4" {
		t.Fatalf("Content-Type = %q, want video/mp4", rec.Header().Get("Content-Type"))
	}
	if orch.gotQuery != "videos/a.mp4" {
		t.Fatalf("recipe.SourcePath = %q, want videos/a.mp4", orch.gotQuery)
	}
}

func TestGatewayHandler_NoMatchingPattern(t *testing.T) {
	h := NewGatewayHandler(&fakeOrchestrator{}, fakeUpstream{}, testPatterns(t), discardLogger())
	req := httptest.NewRequest(http.MethodGet, "/cdn-image/w=320/pics/a.jpg", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestGatewayHandler_InvalidRecipe(t *testing.T) {
	h := NewGatewayHandler(&fakeOrchestrator{}, fakeUpstream{}, testPatterns(t), discardLogger())
	req := httptest.NewRequest(http.MethodGet, "/cdn-video/w=not-a-number/videos/a.mp4", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestGatewayHandler_UpstreamError(t *testing.T) {
	h := NewGatewayHandler(&fakeOrchestrator{err: core.ErrUpstream}, fakeUpstream{}, testPatterns(t), discardLogger())
	req := httptest.NewRequest(http.MethodGet, "/cdn-video/w=320/videos/a.mp4", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", rec.Code)
	}
}

func TestGatewayHandler_MethodNotAllowed(t *testing.T) {
	h := NewGatewayHandler(&fakeOrchestrator{}, fakeUpstream{}, testPatterns(t), discardLogger())
	req := httptest.NewRequest(http.MethodPost, "/cdn-video/w=320/videos/a.mp4", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", rec.Code)
	}
}
