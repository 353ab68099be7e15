// Package edgecache implements component E: an ephemeral,
// eventually-consistent response cache fronting the durable chunk store.
// Generalized from internal/infrastructure/cache/redis.go's single-JSON-
// value Get/Set/Delete shape into an HTTP-response cache keyed by
// synthetic, request-shape-independent storage keys.
package edgecache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Entry is the cached representation of an HTTP response.
type Entry struct {
	StatusCode int         `json:"statusCode"`
	Header     http.Header `json:"header"`
	Body       []byte      `json:"body"`
	StoredAt   int64       `json:"storedAt"` // unix ms
}

// Cache wraps a Redis client as the edge tier.
type Cache struct {
	client *redis.Client
}

// New creates a Cache over an existing Redis client.
func New(client *redis.Client) *Cache {
	return &Cache{client: client}
}

// Put buffers body and stores it under the minimal storage key derived
// from req, never the original request's own key: a GET for req's URL
// path only. req's method, query, host and headers are not part of it.
func (c *Cache) Put(ctx context.Context, req *http.Request, statusCode int, header http.Header, body []byte, ttl time.Duration) error {
	sanitized := sanitizeHeader(header)
	sanitized.Set("Content-Length", strconv.Itoa(len(body)))
	sanitized.Set("Accept-Ranges", "bytes")
	if sanitized.Get("ETag") == "" {
		sanitized.Set("ETag", syntheticETag(body, time.Now()))
	}
	if sanitized.Get("Last-Modified") == "" {
		sanitized.Set("Last-Modified", time.Now().UTC().Format(http.TimeFormat))
	}

	entry := Entry{
		StatusCode: statusCode,
		Header:     sanitized,
		Body:       body,
		StoredAt:   time.Now().UnixMilli(),
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("edgecache: marshaling entry: %w", err)
	}

	key := pathOnlyKey(req)
	if err := c.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("edgecache: redis set: %w", err)
	}
	return nil
}

// Match fires three lookups in parallel -- (1) the exact request's
// minimal key, (2) path-only, (3) path + Accept -- and returns the first
// hit, per spec.md §4.E. Read-after-write is opportunistic: callers must
// treat a nil, nil result as a miss and fall back to the durable tier.
func (c *Cache) Match(ctx context.Context, req *http.Request) (*Entry, error) {
	keys := []string{
		minimalStorageKey(req),
		pathOnlyKey(req),
		pathAndAcceptKey(req),
	}

	type result struct {
		entry *Entry
		err   error
	}
	results := make(chan result, len(keys))

	for _, k := range keys {
		go func(key string) {
			data, err := c.client.Get(ctx, key).Bytes()
			if err != nil {
				if err == redis.Nil {
					results <- result{}
					return
				}
				results <- result{err: fmt.Errorf("edgecache: redis get: %w", err)}
				return
			}
			var e Entry
			if err := json.Unmarshal(data, &e); err != nil {
				results <- result{err: fmt.Errorf("edgecache: unmarshaling entry: %w", err)}
				return
			}
			results <- result{entry: &e}
		}(k)
	}

	var firstErr error
	for range keys {
		r := <-results
		if r.entry != nil {
			return r.entry, nil
		}
		if r.err != nil && firstErr == nil {
			firstErr = r.err
		}
	}
	return nil, firstErr
}

// Delete removes all three synthetic keys for req, used on explicit
// invalidation.
func (c *Cache) Delete(ctx context.Context, req *http.Request) error {
	keys := []string{minimalStorageKey(req), pathOnlyKey(req), pathAndAcceptKey(req)}
	return c.client.Del(ctx, keys...).Err()
}

// sanitizeHeader removes headers observed to make edge matches brittle or
// that must never be replayed to a second client unmodified.
func sanitizeHeader(h http.Header) http.Header {
	out := h.Clone()
	out.Del("Set-Cookie")
	out.Del("Vary")
	out.Del("Transfer-Encoding")
	return out
}

func minimalStorageKey(req *http.Request) string {
	return "edge:req:" + hashKey(req.Method, req.URL.Path, req.URL.RawQuery)
}

func pathOnlyKey(req *http.Request) string {
	return "edge:path:" + hashKey(http.MethodGet, req.URL.Path, "")
}

func pathAndAcceptKey(req *http.Request) string {
	return "edge:path-accept:" + hashKey(http.MethodGet, req.URL.Path, req.Header.Get("Accept"))
}

func hashKey(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

func syntheticETag(body []byte, created time.Time) string {
	h := sha256.Sum256(body)
	return fmt.Sprintf(`"%s-%d"`, hex.EncodeToString(h[:8]), created.Unix())
}
