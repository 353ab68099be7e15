// Package coalescer implements component F: single-flight deduplication
// of concurrent fetch+transform work per fingerprint, with independent
// per-waiter body streams. Grounded on the sfGroup singleflight.Group
// usage pattern for coalescing concurrent cache fills, extended with
// response body cloning since a streamed video body can only be read
// once from its origin.
package coalescer

import (
	"bytes"
	"io"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/hszk-dev/gostream-edge/internal/core"
)

// Coalescer deduplicates concurrent Do calls sharing the same
// fingerprint. Exactly one handler runs per fingerprint at a time; all
// other callers block on its result and receive an independently
// readable clone of the response body.
type Coalescer struct {
	group singleflight.Group

	mu       sync.Mutex
	inflight map[string]int // refCount per fingerprint, diagnostics only
}

// New creates an empty Coalescer.
func New() *Coalescer {
	return &Coalescer{inflight: make(map[string]int)}
}

// Stats reports current in-flight fingerprint counts, for debugui.
type Stats struct {
	InFlightFingerprints int
}

// Do runs handler at most once concurrently per fingerprint. Every
// caller -- the initiator and any waiters that arrive while it runs --
// receives a *core.Response whose Body is an independent io.ReadCloser
// over the same bytes. shared reports whether this call waited on
// another caller's in-flight handler rather than initiating it.
func (c *Coalescer) Do(fingerprint string, handler func() (*core.Response, error)) (resp *core.Response, shared bool, err error) {
	c.mu.Lock()
	c.inflight[fingerprint]++
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.inflight[fingerprint]--
		if c.inflight[fingerprint] <= 0 {
			delete(c.inflight, fingerprint)
		}
		c.mu.Unlock()
	}()

	// singleflight runs the function in the initiating caller's goroutine
	// only, so initiated stays false for every waiter.
	initiated := false
	v, err, _ := c.group.Do(fingerprint, func() (any, error) {
		initiated = true
		r, handlerErr := handler()
		if handlerErr != nil {
			return nil, handlerErr
		}
		buffered, bufErr := bufferResponse(r)
		if bufErr != nil {
			return nil, bufErr
		}
		return buffered, nil
	})
	if err != nil {
		return nil, !initiated, err
	}

	cached := v.(*bufferedResponse)
	return cached.clone(), !initiated, nil
}

// bufferedResponse holds a fully-read response body so it can be cloned
// into independent readers for every waiter.
type bufferedResponse struct {
	statusCode    int
	header        map[string][]string
	body          []byte
	contentLength int64
}

// bufferResponse reads the handler's response body fully into memory so
// every waiter can get its own independent reader over it. This trades
// peak memory for simplicity: a single very large response is buffered
// whole rather than fanned out to waiters as it streams. Acceptable here
// because only requests racing on the same fingerprint ever hit this
// path, and the chunk store bounds how large a transformed object can
// get; a true streaming fan-out (multi-reader pipe per waiter) would
// remove the buffering at the cost of needing every waiter to keep up
// with the slowest one.
func bufferResponse(r *core.Response) (*bufferedResponse, error) {
	body, err := io.ReadAll(r.Body)
	closeErr := r.Body.Close()
	if err != nil {
		return nil, err
	}
	if closeErr != nil {
		return nil, closeErr
	}
	return &bufferedResponse{
		statusCode:    r.StatusCode,
		header:        r.Header,
		body:          body,
		contentLength: int64(len(body)),
	}, nil
}

func (b *bufferedResponse) clone() *core.Response {
	h := make(map[string][]string, len(b.header))
	for k, v := range b.header {
		h[k] = append([]string(nil), v...)
	}
	return &core.Response{
		StatusCode:    b.statusCode,
		Header:        h,
		Body:          io.NopCloser(bytes.NewReader(b.body)),
		ContentLength: b.contentLength,
	}
}

// CurrentStats reports the current number of distinct fingerprints with an
// in-flight Do call, for debugui.
func (c *Coalescer) CurrentStats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{InFlightFingerprints: len(c.inflight)}
}

// Forget removes fingerprint's in-flight entry immediately, bypassing
// the normal settle-on-completion path, so the next Do call for it runs
// handler instead of joining the in-flight one.
func (c *Coalescer) Forget(fingerprint string) {
	c.group.Forget(fingerprint)
}
