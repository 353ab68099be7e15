package core

import (
	"io"
	"net/http"
)

// Response is the core's in-memory representation of an HTTP response
// flowing through the cache pipeline. Body is always a fresh, single-
// consumer reader; components that need to share a Response across
// multiple consumers (the Coalescer) must clone it first.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
	// ContentLength mirrors Header.Get("Content-Length") parsed to an
	// integer once; -1 means unknown.
	ContentLength int64
}

// FetchUpstream performs the actual transformation (or origin fetch) and
// returns the resulting response. Implemented outside the core by the
// transformer RPC collaborator.
type FetchUpstream func(req *http.Request) (*Response, error)

// NowFunc returns the current time in unix milliseconds. Injected so
// tests can control the clock.
type NowFunc func() int64

func RealNowMs() int64 {
	return nowMs()
}
