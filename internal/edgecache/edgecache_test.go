package edgecache

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func setupTestRedis(t *testing.T) (*redis.Client, func()) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	cleanup := func() {
		client.Close()
		mr.Close()
	}

	return client, cleanup
}

func TestCache_PutMatch_RoundTrip(t *testing.T) {
	client, cleanup := setupTestRedis(t)
	defer cleanup()

	c := New(client)
	ctx := context.Background()

	req := httptest.NewRequest(http.MethodGet, "https://edge.example.com/cdn-video/w=720/videos/a.mp4", nil)
	header := http.Header{"Content-Type": []string{"video/mp4"}, "Set-Cookie": []string{"sid=abc"}}
	body := []byte("fake video bytes")

	if err := c.Put(ctx, req, 200, header, body, time.Minute); err != nil {
		t.Fatalf("Put() unexpected error: %v", err)
	}

	got, err := c.Match(ctx, req)
	if err != nil {
		t.Fatalf("Match() unexpected error: %v", err)
	}
	if got == nil {
		t.Fatal("Match() = nil, want a hit")
	}
	if string(got.Body) != string(body) {
		t.Fatalf("Match() body = %q, want %q", got.Body, body)
	}
	if got.Header.Get("Set-Cookie") != "" {
		t.Fatalf("Match() leaked Set-Cookie into cached entry")
	}
	if got.Header.Get("ETag") == "" {
		t.Fatal("Match() entry missing synthesized ETag")
	}
}

func TestCache_Match_Miss(t *testing.T) {
	client, cleanup := setupTestRedis(t)
	defer cleanup()

	c := New(client)
	req := httptest.NewRequest(http.MethodGet, "https://edge.example.com/cdn-video/w=720/videos/never-put.mp4", nil)

	got, err := c.Match(context.Background(), req)
	if err != nil {
		t.Fatalf("Match() unexpected error: %v", err)
	}
	if got != nil {
		t.Fatalf("Match() = %+v, want nil on miss", got)
	}
}

func TestCache_Match_FallsBackToPathOnlyKey(t *testing.T) {
	client, cleanup := setupTestRedis(t)
	defer cleanup()

	c := New(client)
	ctx := context.Background()

	putReq := httptest.NewRequest(http.MethodGet, "https://edge.example.com/videos/a.mp4?v=3", nil)
	if err := c.Put(ctx, putReq, 200, http.Header{}, []byte("x"), time.Minute); err != nil {
		t.Fatalf("Put() unexpected error: %v", err)
	}

	// A different request for the same path but a different query string
	// should still match via the path-only synthetic key.
	matchReq := httptest.NewRequest(http.MethodGet, "https://edge.example.com/videos/a.mp4?v=4", nil)
	got, err := c.Match(ctx, matchReq)
	if err != nil {
		t.Fatalf("Match() unexpected error: %v", err)
	}
	if got == nil {
		t.Fatal("Match() = nil, want a path-only fallback hit")
	}
}
